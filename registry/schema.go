package registry

import (
	"context"
	"fmt"

	"github.com/gocql/gocql"
)

// Table names within the registry keyspace.
const (
	PinsTable           = "pins"
	MigrationStatsTable = "migration_stats_daily"
	CleanupStatsTable   = "cleanup_stats_daily"
	EventsTable         = "events"
)

// EnsureKeyspace creates the registry keyspace if it does not exist. It must
// run against a session without a keyspace bound.
func EnsureKeyspace(ctx context.Context, session *gocql.Session, keyspace string, replicationFactor int) error {
	stmt := fmt.Sprintf(`
		CREATE KEYSPACE IF NOT EXISTS %s
		WITH replication = {'class': 'NetworkTopologyStrategy', 'replication_factor': %d}`,
		keyspace, replicationFactor)
	if err := session.Query(stmt).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("failed to create keyspace %s: %w", keyspace, err)
	}
	return nil
}

// EnsureSchema creates the registry tables if they do not exist.
func EnsureSchema(ctx context.Context, session *gocql.Session, keyspace string) error {
	statements := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.%s (
			identifier text PRIMARY KEY,
			discovered_at timestamp,
			size_bytes bigint,
			status tinyint,
			migrated boolean,
			migrated_at timestamp,
			unpinned boolean,
			unpinned_at timestamp,
			retry_count int,
			last_retry_at timestamp,
			note text
		) WITH comment = 'Pin lifecycle registry'`, keyspace, PinsTable),

		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.%s (
			day text PRIMARY KEY,
			processed int,
			succeeded int,
			failed int,
			bytes_migrated bigint,
			updated_at timestamp
		) WITH comment = 'Daily migration worker rollups'`, keyspace, MigrationStatsTable),

		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.%s (
			day text PRIMARY KEY,
			unpinned int,
			deleted int,
			bytes_freed bigint,
			gc_runs int,
			gc_bytes_freed bigint,
			updated_at timestamp
		) WITH comment = 'Daily cleanup worker rollups'`, keyspace, CleanupStatsTable),

		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.%s (
			day text,
			id timeuuid,
			type text,
			severity text,
			message text,
			metadata map<text, text>,
			PRIMARY KEY ((day), id)
		) WITH CLUSTERING ORDER BY (id DESC)
		  AND comment = 'Append-only worker audit events'`, keyspace, EventsTable),
	}

	for _, stmt := range statements {
		if err := session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply registry schema: %w", err)
		}
	}
	return nil
}
