package workers

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ipfs-cluster/cache-node/events"
	"github.com/ipfs-cluster/cache-node/ipfsnode"
	"github.com/ipfs-cluster/cache-node/registry"
)

// fakeNode is a scriptable StorageNode.
type fakeNode struct {
	mu        sync.Mutex
	running   bool
	pins      map[string]int64
	repoSize  int64
	repoMax   int64
	gcFrees   int64
	gcCalls   int
	statErrs  map[string]error
	removeErr map[string]error
	removed   []string
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		running:   true,
		pins:      make(map[string]int64),
		repoMax:   10 << 30,
		statErrs:  make(map[string]error),
		removeErr: make(map[string]error),
	}
}

func (f *fakeNode) IsRunning(ctx context.Context) bool { return f.running }

func (f *fakeNode) PinAdd(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pins[id]; !ok {
		f.pins[id] = 0
	}
	return nil
}

func (f *fakeNode) PinRemove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.removeErr[id]; ok {
		return err
	}
	if _, ok := f.pins[id]; !ok {
		return ipfsnode.ErrNotPinned
	}
	delete(f.pins, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeNode) ListPins(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.pins))
	for id := range f.pins {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeNode) ObjectSize(ctx context.Context, id string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.statErrs[id]; ok {
		return 0, err
	}
	return f.pins[id], nil
}

func (f *fakeNode) RepoStat(ctx context.Context) (*ipfsnode.RepoStat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &ipfsnode.RepoStat{RepoSize: f.repoSize, StorageMax: f.repoMax}, nil
}

func (f *fakeNode) RepoGC(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gcCalls++
	f.repoSize -= f.gcFrees
	if f.repoSize < 0 {
		f.repoSize = 0
	}
	return nil
}

// fakeTarget is a scriptable ReplicationTarget.
type fakeTarget struct {
	mu       sync.Mutex
	pinned   map[string]bool
	pinErr   map[string]error
	pinCalls []string
	// converge controls whether a successful Pin call becomes visible to
	// the following Verify.
	converge bool
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		pinned:   make(map[string]bool),
		pinErr:   make(map[string]error),
		converge: true,
	}
}

func (f *fakeTarget) Pin(ctx context.Context, id string, sizeHint int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pinCalls = append(f.pinCalls, id)
	if err, ok := f.pinErr[id]; ok {
		return err
	}
	if f.converge {
		f.pinned[id] = true
	}
	return nil
}

func (f *fakeTarget) Verify(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pinned[id], nil
}

// testEnv bundles the dependencies every worker test needs.
type testEnv struct {
	store    *registry.MemoryStore
	recorder *events.Recorder
	notifier *events.Notifier
	metrics  *Metrics
	logger   *zap.Logger
}

func newTestEnv() *testEnv {
	store := registry.NewMemoryStore()
	logger := zap.NewNop()
	return &testEnv{
		store:    store,
		recorder: events.NewRecorder(store, nil, "", logger),
		notifier: events.NewNotifier(nil, "", logger),
		metrics:  NewMetrics(prometheus.NewRegistry()),
		logger:   logger,
	}
}

// fixedClock returns a nowFunc pinned to t.
func fixedClock(t time.Time) nowFunc {
	return func() time.Time { return t }
}

// noSleep replaces the migration worker's delays in tests.
func noSleep(ctx context.Context, d time.Duration) {}

func seedPin(store *registry.MemoryStore, id string, discoveredAt time.Time, status registry.Status, size int64) {
	pin := registry.Pin{
		Identifier:   id,
		DiscoveredAt: discoveredAt,
		Status:       status,
	}
	if size > 0 {
		pin.SizeBytes = &size
	}
	_, _ = store.InsertIfAbsent(context.Background(), pin)
}
