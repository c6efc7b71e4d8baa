package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ipfs-cluster/cache-node/events"
	"github.com/ipfs-cluster/cache-node/registry"
	"github.com/ipfs-cluster/cache-node/timeutil"
)

const (
	DefaultMigrationStartAfterDays = 4
	DefaultMigrationBatchSize      = 50
	DefaultPropagationDelay        = 10 * time.Second
	DefaultThrottleDelay           = 2 * time.Second
	DefaultRetryAlertThreshold     = 10
)

// MigrationConfig tunes the migration worker.
type MigrationConfig struct {
	// StartAfterDays is the minimum whole-day age before an accepted pin
	// becomes eligible for migration.
	StartAfterDays int `json:"start_after_days"`
	// BatchSize caps how many pins one run processes.
	BatchSize int `json:"batch_size"`
	// PropagationDelay is the wait between a successful pin call and the
	// confirming verify.
	PropagationDelay time.Duration `json:"propagation_delay"`
	// ThrottleDelay bounds the request rate against the target between
	// pins of the same run.
	ThrottleDelay time.Duration `json:"throttle_delay"`
	// RetryAlertThreshold only feeds reporting. Crossing it never removes
	// a pin from eligibility: a permanently stuck pin is an operator
	// problem, not something the worker gives up on silently.
	RetryAlertThreshold int `json:"retry_alert_threshold"`
}

// UnmarshalJSON implements json.Unmarshaler. Duration fields accept
// "30s"-style strings as well as nanosecond counts.
func (cfg *MigrationConfig) UnmarshalJSON(data []byte) error {
	type rawConfig MigrationConfig
	aux := struct {
		*rawConfig
		PropagationDelay *timeutil.Duration `json:"propagation_delay"`
		ThrottleDelay    *timeutil.Duration `json:"throttle_delay"`
	}{rawConfig: (*rawConfig)(cfg)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.PropagationDelay != nil {
		cfg.PropagationDelay = aux.PropagationDelay.Std()
	}
	if aux.ThrottleDelay != nil {
		cfg.ThrottleDelay = aux.ThrottleDelay.Std()
	}
	return nil
}

// DefaultMigrationConfig returns the standard migration tuning.
func DefaultMigrationConfig() MigrationConfig {
	return MigrationConfig{
		StartAfterDays:      DefaultMigrationStartAfterDays,
		BatchSize:           DefaultMigrationBatchSize,
		PropagationDelay:    DefaultPropagationDelay,
		ThrottleDelay:       DefaultThrottleDelay,
		RetryAlertThreshold: DefaultRetryAlertThreshold,
	}
}

// Validate checks the configuration
func (cfg *MigrationConfig) Validate() error {
	if cfg.StartAfterDays < 0 {
		return fmt.Errorf("start_after_days must not be negative")
	}
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if cfg.PropagationDelay < 0 || cfg.ThrottleDelay < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	if cfg.RetryAlertThreshold <= 0 {
		return fmt.Errorf("retry_alert_threshold must be positive")
	}
	return nil
}

// Migration replicates aged, accepted pins to the supernode and confirms
// they landed before flagging them migrated.
type Migration struct {
	cfg      MigrationConfig
	reg      registry.Registry
	stats    registry.StatsStore
	target   ReplicationTarget
	recorder *events.Recorder
	notifier *events.Notifier
	metrics  *Metrics
	logger   *zap.Logger
	now      nowFunc
	sleep    func(ctx context.Context, d time.Duration)
}

// NewMigration creates the migration worker.
func NewMigration(cfg MigrationConfig, reg registry.Registry, stats registry.StatsStore, target ReplicationTarget, recorder *events.Recorder, notifier *events.Notifier, metrics *Metrics, logger *zap.Logger) *Migration {
	return &Migration{
		cfg:      cfg,
		reg:      reg,
		stats:    stats,
		target:   target,
		recorder: recorder,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger.Named("migration"),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Name implements Worker.
func (m *Migration) Name() string { return "migration" }

// Run implements Worker.
func (m *Migration) Run(ctx context.Context) error {
	start := time.Now()
	err := m.run(ctx)
	m.metrics.recordRun(m.Name(), start, err)
	return err
}

func (m *Migration) run(ctx context.Context) error {
	now := m.now().UTC()
	cutoff := ageCutoff(now, m.cfg.StartAfterDays)
	status := registry.StatusAccepted

	eligible, err := m.reg.Select(ctx, registry.Filter{
		Status:           &status,
		Migrated:         boolPtr(false),
		DiscoveredBefore: &cutoff,
		Limit:            m.cfg.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("migration: failed to select eligible pins: %w", err)
	}
	if len(eligible) == 0 {
		m.logger.Debug("no eligible pins")
		return nil
	}

	var attempted, succeeded, failed int
	var bytesMigrated int64
	var failures []string

	for i := range eligible {
		if i > 0 && m.cfg.ThrottleDelay > 0 {
			m.sleep(ctx, m.cfg.ThrottleDelay)
		}
		if ctx.Err() != nil {
			// Pins not yet attempted stay eligible for the next run and
			// must not count as processed.
			break
		}

		attempted++
		pin := &eligible[i]
		if err := m.migrateOne(ctx, pin); err != nil {
			failed++
			m.metrics.recordPin(m.Name(), "failed")
			if len(failures) < maxErrorDetails {
				failures = append(failures, fmt.Sprintf("%s: %v", pin.Identifier, err))
			}
			continue
		}
		succeeded++
		m.metrics.recordPin(m.Name(), "migrated")
		bytesMigrated += pin.Size()
	}

	m.metrics.addBytesMigrated(bytesMigrated)

	day := registry.DayKey(now)
	if err := m.stats.AddMigrationStats(ctx, day, attempted, succeeded, failed, bytesMigrated); err != nil {
		m.logger.Warn("failed to record migration stats", zap.Error(err))
	}

	m.logger.Info("migration run complete",
		zap.Int("processed", attempted),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
		zap.Int64("bytes_migrated", bytesMigrated))

	severity := events.SeverityInfo
	if failed > 0 {
		severity = events.SeverityWarning
	}
	m.recorder.Record(ctx, "migration", severity,
		fmt.Sprintf("migrated %d/%d pins", succeeded, attempted),
		map[string]string{
			"processed":      strconv.Itoa(attempted),
			"succeeded":      strconv.Itoa(succeeded),
			"failed":         strconv.Itoa(failed),
			"bytes_migrated": strconv.FormatInt(bytesMigrated, 10),
		})

	// One notification per run regardless of how many pins failed, capped
	// to the first few details.
	if failed > 0 {
		m.notifier.Notify(ctx, events.SeverityWarning, "migration failures",
			fmt.Sprintf("%d of %d pins failed to migrate", failed, attempted),
			map[string]string{"details": strings.Join(failures, "; ")})
	}
	return nil
}

// migrateOne replicates a single pin. It is also the force-migrate path for
// the admin surface, which deliberately skips status and age gates.
func (m *Migration) migrateOne(ctx context.Context, pin *registry.Pin) error {
	// Fast path: the target may already hold the content, in which case a
	// transfer would be redundant.
	if pinned, err := m.target.Verify(ctx, pin.Identifier); err == nil && pinned {
		return m.markMigrated(ctx, pin, "already present on supernode")
	}

	sizeHint := pin.Size()
	if sizeHint == 0 {
		// A failed size lookup earlier means this pin gets the minimum
		// timeout no matter how large it actually is.
		m.logger.Warn("migrating pin with unknown size; using base timeout",
			zap.String("identifier", pin.Identifier))
	}

	if err := m.target.Pin(ctx, pin.Identifier, sizeHint); err != nil {
		return m.recordFailure(ctx, pin, fmt.Errorf("pin call failed: %w", err))
	}

	m.sleep(ctx, m.cfg.PropagationDelay)

	pinned, err := m.target.Verify(ctx, pin.Identifier)
	if err != nil {
		return m.recordFailure(ctx, pin, fmt.Errorf("verify failed: %w", err))
	}
	if !pinned {
		// The target accepted the pin call but did not converge in time.
		// Explicit failure, not a silent success: the next run retries.
		return m.recordFailure(ctx, pin, fmt.Errorf("pin accepted but not verified on supernode"))
	}

	return m.markMigrated(ctx, pin, "replicated to supernode")
}

// ForceMigrate runs the migration routine for one identifier immediately,
// bypassing status and age eligibility. Exposed to the admin surface.
func (m *Migration) ForceMigrate(ctx context.Context, identifier string) error {
	pin, err := m.reg.Get(ctx, identifier)
	if err != nil {
		return err
	}
	if pin.Migrated {
		return nil
	}
	return m.migrateOne(ctx, pin)
}

func (m *Migration) markMigrated(ctx context.Context, pin *registry.Pin, note string) error {
	now := m.now().UTC()
	err := m.reg.Update(ctx, pin.Identifier, registry.PinUpdate{
		Migrated:   boolPtr(true),
		MigratedAt: &now,
		Note:       &note,
	})
	if err != nil {
		return fmt.Errorf("failed to mark %s migrated: %w", pin.Identifier, err)
	}
	m.logger.Debug("pin migrated",
		zap.String("identifier", pin.Identifier),
		zap.String("note", note))
	return nil
}

func (m *Migration) recordFailure(ctx context.Context, pin *registry.Pin, cause error) error {
	now := m.now().UTC()
	retries := pin.RetryCount + 1
	note := fmt.Sprintf("migration attempt %d failed: %v", retries, cause)

	err := m.reg.Update(ctx, pin.Identifier, registry.PinUpdate{
		RetryCount:  &retries,
		LastRetryAt: &now,
		Note:        &note,
	})
	if err != nil {
		m.logger.Warn("failed to record migration failure",
			zap.String("identifier", pin.Identifier),
			zap.Error(err))
	}

	if retries == m.cfg.RetryAlertThreshold {
		m.metrics.incRetriesExceeded()
		m.notifier.Notify(ctx, events.SeverityWarning, "max retries reached",
			fmt.Sprintf("pin %s reached %d failed migration attempts", pin.Identifier, retries),
			map[string]string{"identifier": pin.Identifier})
	}
	return cause
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
