package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ipfs-cluster/cache-node/events"
)

type countingWorker struct {
	name  string
	runs  atomic.Int32
	err   error
	panic bool
}

func (w *countingWorker) Name() string { return w.name }

func (w *countingWorker) Run(ctx context.Context) error {
	w.runs.Add(1)
	if w.panic {
		panic("scripted panic")
	}
	return w.err
}

func waitForRuns(t *testing.T, w *countingWorker, want int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.runs.Load() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("worker %s: got %d runs, want at least %d", w.name, w.runs.Load(), want)
}

func newTestScheduler(entries []Entry) *Scheduler {
	env := newTestEnv()
	return NewScheduler(entries, env.recorder, zap.NewNop())
}

func TestScheduler_TriggerNow(t *testing.T) {
	w := &countingWorker{name: "discovery"}
	// Interval far beyond the test horizon: only triggers fire.
	s := newTestScheduler([]Entry{{Worker: w, Interval: time.Hour}})
	s.Start(context.Background())
	defer s.Stop()

	require.NoError(t, s.TriggerNow("discovery"))
	waitForRuns(t, w, 1)
}

func TestScheduler_TriggerUnknownWorker(t *testing.T) {
	s := newTestScheduler([]Entry{{Worker: &countingWorker{name: "discovery"}, Interval: time.Hour}})
	err := s.TriggerNow("no-such-worker")
	assert.Error(t, err)
}

func TestScheduler_IntervalFires(t *testing.T) {
	w := &countingWorker{name: "validation"}
	s := newTestScheduler([]Entry{{Worker: w, Interval: 10 * time.Millisecond}})
	s.Start(context.Background())
	defer s.Stop()

	waitForRuns(t, w, 3)
}

func TestScheduler_PanicDoesNotStopScheduling(t *testing.T) {
	w := &countingWorker{name: "migration", panic: true}
	s := newTestScheduler([]Entry{{Worker: w, Interval: time.Hour}})
	s.Start(context.Background())
	defer s.Stop()

	require.NoError(t, s.TriggerNow("migration"))
	waitForRuns(t, w, 1)

	// The loop survived the panic and still accepts triggers.
	require.NoError(t, s.TriggerNow("migration"))
	waitForRuns(t, w, 2)
}

func TestScheduler_ErrorIsContainedAtRunBoundary(t *testing.T) {
	w := &countingWorker{name: "cleanup", err: errors.New("daemon down")}
	s := newTestScheduler([]Entry{{Worker: w, Interval: 10 * time.Millisecond}})
	s.Start(context.Background())
	defer s.Stop()

	waitForRuns(t, w, 2)
}

func TestScheduler_ErrorRunRecordsEvent(t *testing.T) {
	env := newTestEnv()
	w := &countingWorker{name: "cleanup", err: errors.New("daemon down")}
	s := NewScheduler([]Entry{{Worker: w, Interval: time.Hour}}, env.recorder, zap.NewNop())
	s.Start(context.Background())

	require.NoError(t, s.TriggerNow("cleanup"))
	waitForRuns(t, w, 1)
	// Stop waits for the in-flight run, so the event is recorded by now.
	s.Stop()

	evs := env.store.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, "cleanup", evs[0].Type)
	assert.Equal(t, events.SeverityError, evs[0].Severity)
	assert.Contains(t, evs[0].Message, "daemon down")
}

func TestScheduler_StopWaitsForLoops(t *testing.T) {
	w := &countingWorker{name: "discovery"}
	s := newTestScheduler([]Entry{{Worker: w, Interval: 10 * time.Millisecond}})
	s.Start(context.Background())
	waitForRuns(t, w, 1)
	s.Stop()

	settled := w.runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, w.runs.Load(), "no runs after Stop returns")
}

func TestScheduler_WorkersListsEntries(t *testing.T) {
	s := newTestScheduler([]Entry{
		{Worker: &countingWorker{name: "discovery"}, Interval: time.Hour},
		{Worker: &countingWorker{name: "cleanup"}, Interval: time.Hour},
	})
	assert.Equal(t, []string{"discovery", "cleanup"}, s.Workers())
}
