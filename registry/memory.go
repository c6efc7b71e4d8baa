package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store with the same semantics as the ScyllaDB
// implementation. It backs tests and -dev runs.
type MemoryStore struct {
	mu             sync.RWMutex
	pins           map[string]Pin
	migrationStats map[string]MigrationDayStats
	cleanupStats   map[string]CleanupDayStats
	events         []Event
	eventSeq       int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pins:           make(map[string]Pin),
		migrationStats: make(map[string]MigrationDayStats),
		cleanupStats:   make(map[string]CleanupDayStats),
	}
}

// InsertIfAbsent implements Registry.
func (m *MemoryStore) InsertIfAbsent(ctx context.Context, pin Pin) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pins[pin.Identifier]; exists {
		return false, nil
	}
	m.pins[pin.Identifier] = pin
	return true, nil
}

// Get implements Registry.
func (m *MemoryStore) Get(ctx context.Context, identifier string) (*Pin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pin, ok := m.pins[identifier]
	if !ok {
		return nil, ErrNotFound
	}
	copied := pin
	return &copied, nil
}

// Update implements Registry.
func (m *MemoryStore) Update(ctx context.Context, identifier string, upd PinUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pin, ok := m.pins[identifier]
	if !ok {
		return ErrNotFound
	}
	if upd.SizeBytes != nil {
		size := *upd.SizeBytes
		pin.SizeBytes = &size
	}
	if upd.Status != nil {
		pin.Status = *upd.Status
	}
	if upd.Migrated != nil {
		pin.Migrated = *upd.Migrated
	}
	if upd.MigratedAt != nil {
		t := *upd.MigratedAt
		pin.MigratedAt = &t
	}
	if upd.Unpinned != nil {
		pin.Unpinned = *upd.Unpinned
	}
	if upd.UnpinnedAt != nil {
		t := *upd.UnpinnedAt
		pin.UnpinnedAt = &t
	}
	if upd.RetryCount != nil {
		pin.RetryCount = *upd.RetryCount
	}
	if upd.LastRetryAt != nil {
		t := *upd.LastRetryAt
		pin.LastRetryAt = &t
	}
	if upd.Note != nil {
		pin.Note = *upd.Note
	}
	m.pins[identifier] = pin
	return nil
}

// Delete implements Registry.
func (m *MemoryStore) Delete(ctx context.Context, identifier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pins, identifier)
	return nil
}

// Select implements Registry.
func (m *MemoryStore) Select(ctx context.Context, f Filter) ([]Pin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []Pin
	for _, pin := range m.pins {
		if matches(pin, f) {
			matched = append(matched, pin)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].DiscoveredAt.Before(matched[j].DiscoveredAt)
	})
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

// Count implements Registry.
func (m *MemoryStore) Count(ctx context.Context, f Filter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, pin := range m.pins {
		if matches(pin, f) {
			n++
		}
	}
	return n, nil
}

func matches(pin Pin, f Filter) bool {
	if f.Status != nil && pin.Status != *f.Status {
		return false
	}
	if f.Migrated != nil && pin.Migrated != *f.Migrated {
		return false
	}
	if f.Unpinned != nil && pin.Unpinned != *f.Unpinned {
		return false
	}
	if f.DiscoveredBefore != nil && pin.DiscoveredAt.After(*f.DiscoveredBefore) {
		return false
	}
	return true
}

// AddMigrationStats implements StatsStore.
func (m *MemoryStore) AddMigrationStats(ctx context.Context, day string, processed, succeeded, failed int, bytesMigrated int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.migrationStats[day]
	cur.Day = day
	cur.Processed += processed
	cur.Succeeded += succeeded
	cur.Failed += failed
	cur.BytesMigrated += bytesMigrated
	cur.UpdatedAt = time.Now().UTC()
	m.migrationStats[day] = cur
	return nil
}

// AddCleanupStats implements StatsStore.
func (m *MemoryStore) AddCleanupStats(ctx context.Context, day string, unpinned, deleted int, bytesFreed int64, gcRuns int, gcBytesFreed int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.cleanupStats[day]
	cur.Day = day
	cur.Unpinned += unpinned
	cur.Deleted += deleted
	cur.BytesFreed += bytesFreed
	cur.GCRuns += gcRuns
	cur.GCBytesFreed += gcBytesFreed
	cur.UpdatedAt = time.Now().UTC()
	m.cleanupStats[day] = cur
	return nil
}

// PruneStats implements StatsStore.
func (m *MemoryStore) PruneStats(ctx context.Context, before time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := DayKey(before)
	for day := range m.migrationStats {
		if day < cutoff {
			delete(m.migrationStats, day)
		}
	}
	for day := range m.cleanupStats {
		if day < cutoff {
			delete(m.cleanupStats, day)
		}
	}
	kept := m.events[:0]
	for _, ev := range m.events {
		if DayKey(ev.CreatedAt) >= cutoff {
			kept = append(kept, ev)
		}
	}
	m.events = kept
	return nil
}

// AppendEvent implements EventStore.
func (m *MemoryStore) AppendEvent(ctx context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.ID == "" {
		m.eventSeq++
		ev.ID = fmt.Sprintf("ev-%d", m.eventSeq)
	}
	m.events = append(m.events, ev)
	return nil
}

// MigrationStats returns the aggregate for a day (test helper).
func (m *MemoryStore) MigrationStats(day string) MigrationDayStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.migrationStats[day]
}

// CleanupStats returns the aggregate for a day (test helper).
func (m *MemoryStore) CleanupStats(day string) CleanupDayStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cleanupStats[day]
}

// Events returns a copy of the recorded events (test helper).
func (m *MemoryStore) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}
