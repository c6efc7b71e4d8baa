// Package supernode is the control-plane client for the durable replication
// target. Pin calls get a size-scaled timeout; presence checks resolve the
// target's ambiguous pin-list response through a fixed decision table.
package supernode

import (
	"encoding/json"
	"strings"
)

// Verdict is the resolved outcome of a supernode pin-presence check. The
// policy is deliberately conservative: anything short of a positive
// confirmation resolves to "not pinned", so the worst case is a redundant,
// idempotent re-migration rather than content marked migrated that never
// replicated.
type Verdict uint8

const (
	// VerdictPinnedKeyed: success response with the identifier present in
	// the keyed result set.
	VerdictPinnedKeyed Verdict = iota
	// VerdictPinnedText: plain-text success response without a negative
	// marker.
	VerdictPinnedText
	// VerdictNotPinnedStatus: any non-success status code, regardless of
	// the reason (permission errors included).
	VerdictNotPinnedStatus
	// VerdictNotPinnedMessage: success response carrying an explicit error
	// message and no keyed result.
	VerdictNotPinnedMessage
	// VerdictNotPinnedMarker: plain-text response containing a
	// negative-result marker.
	VerdictNotPinnedMarker
	// VerdictNotPinnedUnknown: any other response shape.
	VerdictNotPinnedUnknown
)

// String returns string representation of Verdict
func (v Verdict) String() string {
	switch v {
	case VerdictPinnedKeyed:
		return "pinned_keyed"
	case VerdictPinnedText:
		return "pinned_text"
	case VerdictNotPinnedStatus:
		return "not_pinned_status"
	case VerdictNotPinnedMessage:
		return "not_pinned_message"
	case VerdictNotPinnedMarker:
		return "not_pinned_marker"
	default:
		return "not_pinned_unknown"
	}
}

// Pinned reports whether the verdict confirms presence on the target.
func (v Verdict) Pinned() bool {
	return v == VerdictPinnedKeyed || v == VerdictPinnedText
}

// negativeMarker appears in plain-text responses when the target reports
// the identifier as absent.
const negativeMarker = "not pinned"

// DecidePinned resolves a pin-list response into a Verdict. It never errors:
// ambiguity always resolves to a boolean-bearing case.
func DecidePinned(statusCode int, body []byte, identifier string) Verdict {
	if statusCode < 200 || statusCode > 299 {
		return VerdictNotPinnedStatus
	}

	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return VerdictNotPinnedUnknown
	}

	var parsed struct {
		Keys    map[string]json.RawMessage `json:"Keys"`
		Message string                     `json:"Message"`
		Type    string                     `json:"Type"`
	}
	if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil && strings.HasPrefix(trimmed, "{") {
		if _, ok := parsed.Keys[identifier]; ok {
			return VerdictPinnedKeyed
		}
		if parsed.Message != "" || strings.EqualFold(parsed.Type, "error") {
			return VerdictNotPinnedMessage
		}
		return VerdictNotPinnedUnknown
	}

	// Plain text: positive unless the target spelled out a negative result.
	if strings.Contains(strings.ToLower(trimmed), negativeMarker) {
		return VerdictNotPinnedMarker
	}
	return VerdictPinnedText
}
