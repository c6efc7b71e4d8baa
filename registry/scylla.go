package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gocql/gocql"
	"github.com/scylladb/gocqlx/v2"
	"github.com/scylladb/gocqlx/v2/qb"
	"go.uber.org/zap"
)

// ScyllaStore implements Store on top of ScyllaDB.
type ScyllaStore struct {
	session  gocqlx.Session
	keyspace string
	logger   *zap.Logger
	metrics  *Metrics
}

// pinRow mirrors the pins table. Null timestamps scan as zero values and
// null size_bytes scans as 0 (unknown size).
type pinRow struct {
	Identifier   string    `db:"identifier"`
	DiscoveredAt time.Time `db:"discovered_at"`
	SizeBytes    int64     `db:"size_bytes"`
	Status       uint8     `db:"status"`
	Migrated     bool      `db:"migrated"`
	MigratedAt   time.Time `db:"migrated_at"`
	Unpinned     bool      `db:"unpinned"`
	UnpinnedAt   time.Time `db:"unpinned_at"`
	RetryCount   int       `db:"retry_count"`
	LastRetryAt  time.Time `db:"last_retry_at"`
	Note         string    `db:"note"`
}

func (r *pinRow) toPin() Pin {
	p := Pin{
		Identifier:   r.Identifier,
		DiscoveredAt: r.DiscoveredAt,
		Status:       Status(r.Status),
		Migrated:     r.Migrated,
		Unpinned:     r.Unpinned,
		RetryCount:   r.RetryCount,
		Note:         r.Note,
	}
	if r.SizeBytes > 0 {
		size := r.SizeBytes
		p.SizeBytes = &size
	}
	if !r.MigratedAt.IsZero() {
		t := r.MigratedAt
		p.MigratedAt = &t
	}
	if !r.UnpinnedAt.IsZero() {
		t := r.UnpinnedAt
		p.UnpinnedAt = &t
	}
	if !r.LastRetryAt.IsZero() {
		t := r.LastRetryAt
		p.LastRetryAt = &t
	}
	return p
}

// NewScyllaStore connects to ScyllaDB, ensures the keyspace and schema, and
// returns a ready store.
func NewScyllaStore(ctx context.Context, cfg *Config, logger *zap.Logger, metrics *Metrics) (*ScyllaStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid registry config: %w", err)
	}

	// Bootstrap session without a keyspace so we can create it.
	bootCluster, err := cfg.CreateCluster()
	if err != nil {
		return nil, err
	}
	bootCluster.Keyspace = ""
	bootSession, err := bootCluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ScyllaDB: %w", err)
	}
	if err := EnsureKeyspace(ctx, bootSession, cfg.Keyspace, cfg.ReplicationFactor); err != nil {
		bootSession.Close()
		return nil, err
	}
	if err := EnsureSchema(ctx, bootSession, cfg.Keyspace); err != nil {
		bootSession.Close()
		return nil, err
	}
	bootSession.Close()

	cluster, err := cfg.CreateCluster()
	if err != nil {
		return nil, err
	}
	session, err := gocqlx.WrapSession(cluster.CreateSession())
	if err != nil {
		return nil, fmt.Errorf("failed to open registry session: %w", err)
	}

	logger.Info("registry connected",
		zap.Strings("hosts", cfg.Hosts),
		zap.String("keyspace", cfg.Keyspace),
		zap.String("consistency", cfg.Consistency))

	return &ScyllaStore{
		session:  session,
		keyspace: cfg.Keyspace,
		logger:   logger,
		metrics:  metrics,
	}, nil
}

// Close shuts down the underlying session.
func (s *ScyllaStore) Close() {
	s.session.Close()
}

func (s *ScyllaStore) table(name string) string {
	return s.keyspace + "." + name
}

// InsertIfAbsent implements Registry. Uses a lightweight transaction so
// concurrent discovery and manual-add paths cannot create duplicates.
func (s *ScyllaStore) InsertIfAbsent(ctx context.Context, pin Pin) (bool, error) {
	start := time.Now()

	stmt := fmt.Sprintf(`INSERT INTO %s
		(identifier, discovered_at, size_bytes, status, migrated, unpinned, retry_count, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`, s.table(PinsTable))

	q := s.session.Session.Query(stmt,
		pin.Identifier, pin.DiscoveredAt, pin.Size(), uint8(pin.Status),
		pin.Migrated, pin.Unpinned, pin.RetryCount, pin.Note,
	).WithContext(ctx)
	defer q.Release()

	applied, err := q.MapScanCAS(map[string]interface{}{})
	s.metrics.recordOperation("insert", start, err)
	if err != nil {
		return false, fmt.Errorf("failed to insert pin %s: %w", pin.Identifier, err)
	}
	return applied, nil
}

// Get implements Registry.
func (s *ScyllaStore) Get(ctx context.Context, identifier string) (*Pin, error) {
	start := time.Now()

	stmt, names := qb.Select(s.table(PinsTable)).
		Where(qb.Eq("identifier")).
		ToCql()

	var row pinRow
	err := s.session.Query(stmt, names).
		BindMap(qb.M{"identifier": identifier}).
		WithContext(ctx).
		GetRelease(&row)
	s.metrics.recordOperation("get", start, err)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get pin %s: %w", identifier, err)
	}

	pin := row.toPin()
	return &pin, nil
}

// Update implements Registry. Builds a partial UPDATE from the non-nil
// fields; IF EXISTS keeps an update from resurrecting a deleted row.
func (s *ScyllaStore) Update(ctx context.Context, identifier string, upd PinUpdate) error {
	start := time.Now()

	b := qb.Update(s.table(PinsTable))
	binds := qb.M{"identifier": identifier}

	set := func(column string, value interface{}) {
		b.Set(column)
		binds[column] = value
	}
	if upd.SizeBytes != nil {
		set("size_bytes", *upd.SizeBytes)
	}
	if upd.Status != nil {
		set("status", uint8(*upd.Status))
	}
	if upd.Migrated != nil {
		set("migrated", *upd.Migrated)
	}
	if upd.MigratedAt != nil {
		set("migrated_at", *upd.MigratedAt)
	}
	if upd.Unpinned != nil {
		set("unpinned", *upd.Unpinned)
	}
	if upd.UnpinnedAt != nil {
		set("unpinned_at", *upd.UnpinnedAt)
	}
	if upd.RetryCount != nil {
		set("retry_count", *upd.RetryCount)
	}
	if upd.LastRetryAt != nil {
		set("last_retry_at", *upd.LastRetryAt)
	}
	if upd.Note != nil {
		set("note", *upd.Note)
	}
	if len(binds) == 1 {
		return nil
	}

	stmt, names := b.Where(qb.Eq("identifier")).Existing().ToCql()

	applied, err := s.session.Query(stmt, names).
		BindMap(binds).
		WithContext(ctx).
		ExecCASRelease()
	s.metrics.recordOperation("update", start, err)
	if err != nil {
		return fmt.Errorf("failed to update pin %s: %w", identifier, err)
	}
	if !applied {
		return ErrNotFound
	}
	return nil
}

// Delete implements Registry.
func (s *ScyllaStore) Delete(ctx context.Context, identifier string) error {
	start := time.Now()

	stmt, names := qb.Delete(s.table(PinsTable)).
		Where(qb.Eq("identifier")).
		ToCql()

	err := s.session.Query(stmt, names).
		BindMap(qb.M{"identifier": identifier}).
		WithContext(ctx).
		ExecRelease()
	s.metrics.recordOperation("delete", start, err)
	if err != nil {
		return fmt.Errorf("failed to delete pin %s: %w", identifier, err)
	}
	return nil
}

// Select implements Registry. CQL cannot order across partitions, so
// matching rows are fetched and sorted oldest-first client-side before the
// limit applies; node-local pin counts keep this cheap.
func (s *ScyllaStore) Select(ctx context.Context, f Filter) ([]Pin, error) {
	start := time.Now()

	rows, err := s.selectRows(ctx, f)
	s.metrics.recordOperation("select", start, err)
	if err != nil {
		return nil, err
	}

	sort.Slice(rows, func(i, j int) bool {
		return rows[i].DiscoveredAt.Before(rows[j].DiscoveredAt)
	})

	pins := make([]Pin, 0, len(rows))
	for i := range rows {
		if f.Limit > 0 && len(pins) >= f.Limit {
			break
		}
		pins = append(pins, rows[i].toPin())
	}
	return pins, nil
}

// Count implements Registry.
func (s *ScyllaStore) Count(ctx context.Context, f Filter) (int, error) {
	start := time.Now()
	rows, err := s.selectRows(ctx, f)
	s.metrics.recordOperation("count", start, err)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (s *ScyllaStore) selectRows(ctx context.Context, f Filter) ([]pinRow, error) {
	b := qb.Select(s.table(PinsTable))
	binds := qb.M{}

	if f.Status != nil {
		b.Where(qb.Eq("status"))
		binds["status"] = uint8(*f.Status)
	}
	if f.Migrated != nil {
		b.Where(qb.Eq("migrated"))
		binds["migrated"] = *f.Migrated
	}
	if f.Unpinned != nil {
		b.Where(qb.Eq("unpinned"))
		binds["unpinned"] = *f.Unpinned
	}
	if f.DiscoveredBefore != nil {
		b.Where(qb.LtOrEqNamed("discovered_at", "cutoff"))
		binds["cutoff"] = *f.DiscoveredBefore
	}
	if len(binds) > 0 {
		b.AllowFiltering()
	}

	stmt, names := b.ToCql()

	var rows []pinRow
	err := s.session.Query(stmt, names).
		BindMap(binds).
		WithContext(ctx).
		SelectRelease(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to select pins: %w", err)
	}
	return rows, nil
}

// AddMigrationStats implements StatsStore. Read-modify-write is safe here:
// the migration worker is the only writer for its aggregate.
func (s *ScyllaStore) AddMigrationStats(ctx context.Context, day string, processed, succeeded, failed int, bytesMigrated int64) error {
	start := time.Now()

	var cur MigrationDayStats
	stmt, names := qb.Select(s.table(MigrationStatsTable)).
		Where(qb.Eq("day")).
		ToCql()
	err := s.session.Query(stmt, names).
		BindMap(qb.M{"day": day}).
		WithContext(ctx).
		GetRelease(&cur)
	if err != nil && !errors.Is(err, gocql.ErrNotFound) {
		s.metrics.recordOperation("migration_stats", start, err)
		return fmt.Errorf("failed to read migration stats for %s: %w", day, err)
	}

	upd := fmt.Sprintf(`UPDATE %s SET processed = ?, succeeded = ?, failed = ?,
		bytes_migrated = ?, updated_at = ? WHERE day = ?`, s.table(MigrationStatsTable))
	err = s.session.Session.Query(upd,
		cur.Processed+processed, cur.Succeeded+succeeded, cur.Failed+failed,
		cur.BytesMigrated+bytesMigrated, time.Now().UTC(), day,
	).WithContext(ctx).Exec()
	s.metrics.recordOperation("migration_stats", start, err)
	if err != nil {
		return fmt.Errorf("failed to upsert migration stats for %s: %w", day, err)
	}
	return nil
}

// AddCleanupStats implements StatsStore.
func (s *ScyllaStore) AddCleanupStats(ctx context.Context, day string, unpinned, deleted int, bytesFreed int64, gcRuns int, gcBytesFreed int64) error {
	start := time.Now()

	var cur CleanupDayStats
	stmt, names := qb.Select(s.table(CleanupStatsTable)).
		Where(qb.Eq("day")).
		ToCql()
	err := s.session.Query(stmt, names).
		BindMap(qb.M{"day": day}).
		WithContext(ctx).
		GetRelease(&cur)
	if err != nil && !errors.Is(err, gocql.ErrNotFound) {
		s.metrics.recordOperation("cleanup_stats", start, err)
		return fmt.Errorf("failed to read cleanup stats for %s: %w", day, err)
	}

	upd := fmt.Sprintf(`UPDATE %s SET unpinned = ?, deleted = ?, bytes_freed = ?,
		gc_runs = ?, gc_bytes_freed = ?, updated_at = ? WHERE day = ?`, s.table(CleanupStatsTable))
	err = s.session.Session.Query(upd,
		cur.Unpinned+unpinned, cur.Deleted+deleted, cur.BytesFreed+bytesFreed,
		cur.GCRuns+gcRuns, cur.GCBytesFreed+gcBytesFreed, time.Now().UTC(), day,
	).WithContext(ctx).Exec()
	s.metrics.recordOperation("cleanup_stats", start, err)
	if err != nil {
		return fmt.Errorf("failed to upsert cleanup stats for %s: %w", day, err)
	}
	return nil
}

// PruneStats implements StatsStore. Aggregate partitions are keyed by day
// string, so pruning enumerates days and deletes the aged ones.
func (s *ScyllaStore) PruneStats(ctx context.Context, before time.Time) error {
	cutoff := DayKey(before)
	for _, tbl := range []string{MigrationStatsTable, CleanupStatsTable, EventsTable} {
		if err := s.pruneDays(ctx, tbl, cutoff); err != nil {
			return err
		}
	}
	return nil
}

func (s *ScyllaStore) pruneDays(ctx context.Context, tbl, cutoff string) error {
	iter := s.session.Session.Query(
		fmt.Sprintf("SELECT DISTINCT day FROM %s", s.table(tbl)),
	).WithContext(ctx).Iter()

	var day string
	var aged []string
	for iter.Scan(&day) {
		if day < cutoff {
			aged = append(aged, day)
		}
	}
	if err := iter.Close(); err != nil {
		return fmt.Errorf("failed to list %s days: %w", tbl, err)
	}

	for _, d := range aged {
		err := s.session.Session.Query(
			fmt.Sprintf("DELETE FROM %s WHERE day = ?", s.table(tbl)), d,
		).WithContext(ctx).Exec()
		if err != nil {
			return fmt.Errorf("failed to prune %s day %s: %w", tbl, d, err)
		}
	}
	return nil
}

// AppendEvent implements EventStore.
func (s *ScyllaStore) AppendEvent(ctx context.Context, ev Event) error {
	start := time.Now()

	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	stmt := fmt.Sprintf(`INSERT INTO %s (day, id, type, severity, message, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`, s.table(EventsTable))
	err := s.session.Session.Query(stmt,
		DayKey(createdAt), gocql.UUIDFromTime(createdAt), ev.Type, ev.Severity, ev.Message, ev.Metadata,
	).WithContext(ctx).Exec()
	s.metrics.recordOperation("append_event", start, err)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}
