package workers

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ipfs-cluster/cache-node/events"
)

const (
	DefaultDiscoveryInterval  = 10 * time.Minute
	DefaultValidationInterval = 15 * time.Minute
	DefaultMigrationInterval  = 30 * time.Minute
	DefaultCleanupInterval    = time.Hour
)

// Entry pairs a worker with its fixed run interval.
type Entry struct {
	Worker   Worker
	Interval time.Duration
}

// Scheduler runs each worker on its own fixed interval. Workers run to
// completion; a run's panic or error is contained at the run boundary and
// never takes the scheduler down. Different workers' windows may overlap in
// wall-clock time when a run overruns its interval - the registry's
// forward-only transitions make that safe.
type Scheduler struct {
	entries  []Entry
	recorder *events.Recorder
	logger   *zap.Logger

	mu       sync.Mutex
	triggers map[string]chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler over the given entries.
func NewScheduler(entries []Entry, recorder *events.Recorder, logger *zap.Logger) *Scheduler {
	triggers := make(map[string]chan struct{}, len(entries))
	for _, e := range entries {
		// Buffer of one: a trigger during a run queues exactly one more.
		triggers[e.Worker.Name()] = make(chan struct{}, 1)
	}
	return &Scheduler{
		entries:  entries,
		recorder: recorder,
		logger:   logger.Named("scheduler"),
		triggers: triggers,
	}
}

// Start launches one loop per worker. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	for _, entry := range s.entries {
		s.wg.Add(1)
		go s.loop(ctx, entry)
	}
	s.logger.Info("scheduler started", zap.Int("workers", len(s.entries)))
}

// Stop cancels all loops and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// TriggerNow requests an immediate run of the named worker, equivalent to
// its scheduled invocation. Unknown names return an error.
func (s *Scheduler) TriggerNow(name string) error {
	ch, ok := s.triggers[name]
	if !ok {
		return fmt.Errorf("unknown worker %q", name)
	}
	select {
	case ch <- struct{}{}:
	default:
		// A run is already queued.
	}
	return nil
}

// Workers returns the scheduled worker names.
func (s *Scheduler) Workers() []string {
	names := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		names = append(names, e.Worker.Name())
	}
	return names
}

func (s *Scheduler) loop(ctx context.Context, entry Entry) {
	defer s.wg.Done()

	ticker := time.NewTicker(entry.Interval)
	defer ticker.Stop()

	trigger := s.triggers[entry.Worker.Name()]
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, entry.Worker)
		case <-trigger:
			s.runOnce(ctx, entry.Worker)
		}
	}
}

// runOnce executes a single worker run with the run boundary acting as the
// failure containment line: errors and panics are logged and recorded, then
// the next scheduled run proceeds normally.
func (s *Scheduler) runOnce(ctx context.Context, w Worker) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("worker panicked",
				zap.String("worker", w.Name()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			s.recorder.Record(ctx, w.Name(), events.SeverityError,
				fmt.Sprintf("worker panicked: %v", r), nil)
		}
	}()

	start := time.Now()
	if err := w.Run(ctx); err != nil {
		s.logger.Error("worker run failed",
			zap.String("worker", w.Name()),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		s.recorder.Record(ctx, w.Name(), events.SeverityError,
			fmt.Sprintf("worker run failed: %v", err), nil)
		return
	}
	s.logger.Debug("worker run finished",
		zap.String("worker", w.Name()),
		zap.Duration("duration", time.Since(start)))
}
