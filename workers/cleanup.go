package workers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ipfs-cluster/cache-node/events"
	"github.com/ipfs-cluster/cache-node/ipfsnode"
	"github.com/ipfs-cluster/cache-node/registry"
)

const (
	DefaultDeleteAfterDays      = 7
	DefaultInvalidRetentionDays = 3
	DefaultOverdueAfterDays     = 14
	DefaultStatsRetentionDays   = 90
)

// CleanupConfig tunes the cleanup worker.
type CleanupConfig struct {
	// DeleteAfterDays is the minimum age before a migrated pin is unpinned
	// locally.
	DeleteAfterDays int `json:"delete_after_days"`
	// InvalidRetentionDays is how long rejected pins are kept before their
	// content and registry row are removed.
	InvalidRetentionDays int `json:"invalid_retention_days"`
	// OverdueAfterDays is the staleness threshold for the alerting-only
	// overdue signal.
	OverdueAfterDays int `json:"overdue_after_days"`
	// StatsRetentionDays bounds how long daily aggregates and events are
	// kept.
	StatsRetentionDays int `json:"stats_retention_days"`
}

// DefaultCleanupConfig returns the standard cleanup tuning.
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		DeleteAfterDays:      DefaultDeleteAfterDays,
		InvalidRetentionDays: DefaultInvalidRetentionDays,
		OverdueAfterDays:     DefaultOverdueAfterDays,
		StatsRetentionDays:   DefaultStatsRetentionDays,
	}
}

// Validate checks the configuration
func (cfg *CleanupConfig) Validate() error {
	if cfg.DeleteAfterDays < 0 || cfg.InvalidRetentionDays < 0 {
		return fmt.Errorf("retention days must not be negative")
	}
	if cfg.OverdueAfterDays <= 0 {
		return fmt.Errorf("overdue_after_days must be positive")
	}
	if cfg.StatsRetentionDays <= 0 {
		return fmt.Errorf("stats_retention_days must be positive")
	}
	return nil
}

// Cleanup reclaims local storage: it unpins aged migrated pins, removes aged
// rejected pins outright, and runs storage node GC every invocation.
type Cleanup struct {
	cfg      CleanupConfig
	reg      registry.Registry
	stats    registry.StatsStore
	node     StorageNode
	recorder *events.Recorder
	notifier *events.Notifier
	metrics  *Metrics
	logger   *zap.Logger
	now      nowFunc
}

// NewCleanup creates the cleanup worker.
func NewCleanup(cfg CleanupConfig, reg registry.Registry, stats registry.StatsStore, node StorageNode, recorder *events.Recorder, notifier *events.Notifier, metrics *Metrics, logger *zap.Logger) *Cleanup {
	return &Cleanup{
		cfg:      cfg,
		reg:      reg,
		stats:    stats,
		node:     node,
		recorder: recorder,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger.Named("cleanup"),
		now:      time.Now,
	}
}

// Name implements Worker.
func (c *Cleanup) Name() string { return "cleanup" }

// Run implements Worker.
func (c *Cleanup) Run(ctx context.Context) error {
	start := time.Now()
	err := c.run(ctx)
	c.metrics.recordRun(c.Name(), start, err)
	return err
}

func (c *Cleanup) run(ctx context.Context) error {
	if !c.node.IsRunning(ctx) {
		err := fmt.Errorf("storage daemon is not reachable")
		c.recorder.Record(ctx, "cleanup", events.SeverityError, err.Error(), nil)
		return err
	}

	now := c.now().UTC()

	unpinned, bytesFreed := c.reclaimMigrated(ctx, now)
	deleted := c.reclaimRejected(ctx, now)
	gcFreed, gcDuration, gcErr := c.runGC(ctx)
	overdue := c.reportOverdue(ctx, now)

	c.metrics.addBytesFreed(bytesFreed)

	day := registry.DayKey(now)
	if err := c.stats.AddCleanupStats(ctx, day, unpinned, deleted, bytesFreed, 1, gcFreed); err != nil {
		c.logger.Warn("failed to record cleanup stats", zap.Error(err))
	}
	if err := c.stats.PruneStats(ctx, ageCutoff(now, c.cfg.StatsRetentionDays)); err != nil {
		c.logger.Warn("failed to prune stats", zap.Error(err))
	}

	c.logger.Info("cleanup run complete",
		zap.Int("unpinned", unpinned),
		zap.Int("deleted", deleted),
		zap.Int64("bytes_freed", bytesFreed),
		zap.Int64("gc_bytes_freed", gcFreed),
		zap.Duration("gc_duration", gcDuration),
		zap.Int("overdue", overdue))

	metadata := map[string]string{
		"unpinned":       strconv.Itoa(unpinned),
		"deleted":        strconv.Itoa(deleted),
		"bytes_freed":    strconv.FormatInt(bytesFreed, 10),
		"gc_bytes_freed": strconv.FormatInt(gcFreed, 10),
		"gc_duration":    gcDuration.String(),
		"overdue":        strconv.Itoa(overdue),
	}
	severity := events.SeverityInfo
	if gcErr != nil {
		severity = events.SeverityWarning
		metadata["gc_error"] = gcErr.Error()
	}
	c.recorder.Record(ctx, "cleanup", severity,
		fmt.Sprintf("cleanup freed %d bytes (%d unpinned, %d deleted)", bytesFreed+gcFreed, unpinned, deleted),
		metadata)
	return nil
}

// reclaimMigrated unpins migrated pins past their local retention. The
// registry row stays for audit; unpinned only flips once removal succeeds,
// so failures retry naturally on later runs.
func (c *Cleanup) reclaimMigrated(ctx context.Context, now time.Time) (int, int64) {
	cutoff := ageCutoff(now, c.cfg.DeleteAfterDays)
	pins, err := c.reg.Select(ctx, registry.Filter{
		Migrated:         boolPtr(true),
		Unpinned:         boolPtr(false),
		DiscoveredBefore: &cutoff,
	})
	if err != nil {
		c.logger.Warn("failed to select migrated pins", zap.Error(err))
		return 0, 0
	}

	var count int
	var bytesFreed int64
	for i := range pins {
		pin := &pins[i]
		if err := c.node.PinRemove(ctx, pin.Identifier); err != nil && !errors.Is(err, ipfsnode.ErrNotPinned) {
			c.metrics.recordPin(c.Name(), "unpin_failed")
			c.logger.Warn("failed to unpin migrated pin",
				zap.String("identifier", pin.Identifier),
				zap.Error(err))
			continue
		}

		unpinnedAt := c.now().UTC()
		note := "unpinned after migration"
		err := c.reg.Update(ctx, pin.Identifier, registry.PinUpdate{
			Unpinned:   boolPtr(true),
			UnpinnedAt: &unpinnedAt,
			Note:       &note,
		})
		if err != nil {
			c.logger.Warn("failed to flag pin unpinned",
				zap.String("identifier", pin.Identifier),
				zap.Error(err))
			continue
		}
		count++
		bytesFreed += pin.Size()
		c.metrics.recordPin(c.Name(), "unpinned")
	}
	return count, bytesFreed
}

// reclaimRejected removes rejected pins past their retention: unpin
// (tolerating content that never landed locally) and delete the registry
// row entirely. Rejected pins keep no audit row, unlike migrated ones.
func (c *Cleanup) reclaimRejected(ctx context.Context, now time.Time) int {
	cutoff := ageCutoff(now, c.cfg.InvalidRetentionDays)
	status := registry.StatusRejected
	pins, err := c.reg.Select(ctx, registry.Filter{
		Status:           &status,
		DiscoveredBefore: &cutoff,
	})
	if err != nil {
		c.logger.Warn("failed to select rejected pins", zap.Error(err))
		return 0
	}

	var count int
	for i := range pins {
		pin := &pins[i]
		// A rejected pin flagged migrated means an operator overrode the
		// verdict out-of-band; leave the row to them.
		if pin.Migrated {
			c.logger.Warn("rejected pin flagged migrated, skipping deletion",
				zap.String("identifier", pin.Identifier))
			continue
		}

		if err := c.node.PinRemove(ctx, pin.Identifier); err != nil && !errors.Is(err, ipfsnode.ErrNotPinned) {
			c.metrics.recordPin(c.Name(), "unpin_failed")
			c.logger.Warn("failed to unpin rejected pin",
				zap.String("identifier", pin.Identifier),
				zap.Error(err))
			continue
		}
		if err := c.reg.Delete(ctx, pin.Identifier); err != nil {
			c.logger.Warn("failed to delete rejected pin",
				zap.String("identifier", pin.Identifier),
				zap.Error(err))
			continue
		}
		count++
		c.metrics.recordPin(c.Name(), "deleted")
	}
	return count
}

// runGC triggers storage node garbage collection every run, even when the
// reclaim passes found nothing, and measures the space it returned.
func (c *Cleanup) runGC(ctx context.Context) (int64, time.Duration, error) {
	var before int64
	if stat, err := c.node.RepoStat(ctx); err == nil {
		before = stat.RepoSize
	} else {
		c.logger.Warn("repo stat before GC failed", zap.Error(err))
	}

	start := time.Now()
	err := c.node.RepoGC(ctx)
	duration := time.Since(start)
	if err != nil {
		c.logger.Warn("repo GC failed", zap.Error(err))
		return 0, duration, err
	}

	var freed int64
	if stat, statErr := c.node.RepoStat(ctx); statErr == nil {
		freed = before - stat.RepoSize
		if freed < 0 {
			freed = 0
		}
	} else {
		c.logger.Warn("repo stat after GC failed", zap.Error(statErr))
	}
	return freed, duration, nil
}

// reportOverdue counts accepted, unmigrated pins older than the staleness
// threshold. Pure alerting signal; eligibility is untouched.
func (c *Cleanup) reportOverdue(ctx context.Context, now time.Time) int {
	cutoff := ageCutoff(now, c.cfg.OverdueAfterDays)
	status := registry.StatusAccepted
	overdue, err := c.reg.Count(ctx, registry.Filter{
		Status:           &status,
		Migrated:         boolPtr(false),
		DiscoveredBefore: &cutoff,
	})
	if err != nil {
		c.logger.Warn("failed to count overdue pins", zap.Error(err))
		return 0
	}

	c.metrics.setOverdue(overdue)
	if overdue > 0 {
		c.notifier.Notify(ctx, events.SeverityWarning, "overdue pins",
			fmt.Sprintf("%d accepted pins older than %d days are still unmigrated", overdue, c.cfg.OverdueAfterDays),
			map[string]string{"count": strconv.Itoa(overdue)})
	}
	return overdue
}
