// Package registry implements the durable pin registry backing the cache
// node's lifecycle orchestration. It stores one row per content identifier
// plus daily worker aggregates and an append-only event log.
package registry

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the validation outcome of a pin.
type Status uint8

const (
	StatusPending Status = iota
	StatusAccepted
	StatusRejected
)

// String returns string representation of Status
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ParseStatus converts a string into a Status
func ParseStatus(s string) (Status, error) {
	switch s {
	case "pending":
		return StatusPending, nil
	case "accepted":
		return StatusAccepted, nil
	case "rejected":
		return StatusRejected, nil
	default:
		return StatusPending, fmt.Errorf("unknown pin status %q", s)
	}
}

// MarshalJSON implements json.Marshaler
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseStatus(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Pin is one tracked content identifier and its lifecycle state.
//
// Lifecycle: discovery inserts a pin as pending/unmigrated, validation moves
// it to accepted or rejected, migration flags accepted pins migrated, and
// cleanup flags migrated pins unpinned (rejected pins are deleted outright).
// Status, Migrated and Unpinned only ever move forward; no worker reverses
// them.
type Pin struct {
	Identifier   string     `json:"identifier"`
	DiscoveredAt time.Time  `json:"discovered_at"`
	SizeBytes    *int64     `json:"size_bytes,omitempty"`
	Status       Status     `json:"status"`
	Migrated     bool       `json:"migrated"`
	MigratedAt   *time.Time `json:"migrated_at,omitempty"`
	Unpinned     bool       `json:"unpinned"`
	UnpinnedAt   *time.Time `json:"unpinned_at,omitempty"`
	RetryCount   int        `json:"retry_count"`
	LastRetryAt  *time.Time `json:"last_retry_at,omitempty"`
	Note         string     `json:"note,omitempty"`
}

// Size returns the recorded object size, or 0 when it was never measured.
func (p *Pin) Size() int64 {
	if p.SizeBytes == nil {
		return 0
	}
	return *p.SizeBytes
}

// PinUpdate describes a partial update of a pin row. Nil fields are left
// untouched.
type PinUpdate struct {
	SizeBytes   *int64
	Status      *Status
	Migrated    *bool
	MigratedAt  *time.Time
	Unpinned    *bool
	UnpinnedAt  *time.Time
	RetryCount  *int
	LastRetryAt *time.Time
	Note        *string
}

// Filter selects pins for the worker batch queries. Nil fields match
// everything. Results are always ordered oldest-first by DiscoveredAt so
// batch limits stay fair to old entries.
type Filter struct {
	Status           *Status
	Migrated         *bool
	Unpinned         *bool
	DiscoveredBefore *time.Time
	Limit            int
}

// MigrationDayStats is the per-day rollup of migration worker runs.
type MigrationDayStats struct {
	Day           string    `db:"day" json:"day"`
	Processed     int       `db:"processed" json:"processed"`
	Succeeded     int       `db:"succeeded" json:"succeeded"`
	Failed        int       `db:"failed" json:"failed"`
	BytesMigrated int64     `db:"bytes_migrated" json:"bytes_migrated"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// CleanupDayStats is the per-day rollup of cleanup worker runs.
type CleanupDayStats struct {
	Day          string    `db:"day" json:"day"`
	Unpinned     int       `db:"unpinned" json:"unpinned"`
	Deleted      int       `db:"deleted" json:"deleted"`
	BytesFreed   int64     `db:"bytes_freed" json:"bytes_freed"`
	GCRuns       int       `db:"gc_runs" json:"gc_runs"`
	GCBytesFreed int64     `db:"gc_bytes_freed" json:"gc_bytes_freed"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// DayKey formats a timestamp as the aggregate partition key.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Event is an immutable audit log row written by workers on completion or
// failure. Events are observational only; orchestration never reads them.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Severity  string            `json:"severity"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
