package registry

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a pin does not exist in the registry.
var ErrNotFound = errors.New("pin not found")

// Registry is the durable store of pin lifecycle state. It is the sole
// source of truth for orchestration decisions: workers communicate only
// through it, never with each other.
//
// Writes are discrete, independent updates. The registry offers no
// cross-call transactions; correctness of the orchestration relies on
// forward-only state transitions plus idempotent external operations.
type Registry interface {
	// InsertIfAbsent adds a pin and reports whether a row was created.
	// Inserting an identifier that already exists is a no-op.
	InsertIfAbsent(ctx context.Context, pin Pin) (bool, error)

	// Get returns the pin for an identifier or ErrNotFound.
	Get(ctx context.Context, identifier string) (*Pin, error)

	// Update applies the non-nil fields of upd to an existing pin.
	Update(ctx context.Context, identifier string, upd PinUpdate) error

	// Delete removes a pin row entirely.
	Delete(ctx context.Context, identifier string) error

	// Select returns pins matching the filter, oldest-first.
	Select(ctx context.Context, f Filter) ([]Pin, error)

	// Count returns the number of pins matching the filter.
	Count(ctx context.Context, f Filter) (int, error)
}

// StatsStore accumulates daily worker aggregates. Aggregates are write-only
// from the workers' perspective and are pruned on a retention schedule.
type StatsStore interface {
	AddMigrationStats(ctx context.Context, day string, processed, succeeded, failed int, bytesMigrated int64) error
	AddCleanupStats(ctx context.Context, day string, unpinned, deleted int, bytesFreed int64, gcRuns int, gcBytesFreed int64) error
	PruneStats(ctx context.Context, before time.Time) error
}

// EventStore appends audit events. Append is best-effort from callers'
// perspective; failures are logged by the recorder and never propagate into
// worker runs.
type EventStore interface {
	AppendEvent(ctx context.Context, ev Event) error
}

// Store is the full persistence surface a node needs.
type Store interface {
	Registry
	StatsStore
	EventStore
}
