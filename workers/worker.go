// Package workers contains the four lifecycle workers and their scheduler.
// Workers never call each other; every stage reads and writes the pin
// registry and talks to the two adapters, so any stage can lag or be
// re-triggered manually without corrupting the others.
package workers

import (
	"context"
	"time"

	"github.com/ipfs-cluster/cache-node/ipfsnode"
)

// StorageNode is the local storage daemon surface the workers need.
// *ipfsnode.Client satisfies it.
type StorageNode interface {
	IsRunning(ctx context.Context) bool
	PinAdd(ctx context.Context, identifier string) error
	PinRemove(ctx context.Context, identifier string) error
	ListPins(ctx context.Context) ([]string, error)
	ObjectSize(ctx context.Context, identifier string) (int64, error)
	RepoStat(ctx context.Context) (*ipfsnode.RepoStat, error)
	RepoGC(ctx context.Context) error
}

// ReplicationTarget is the supernode surface the migration worker needs.
// *supernode.Client satisfies it.
type ReplicationTarget interface {
	Pin(ctx context.Context, identifier string, sizeHintBytes int64) error
	Verify(ctx context.Context, identifier string) (bool, error)
}

// Worker is one independently scheduled lifecycle stage.
type Worker interface {
	Name() string
	Run(ctx context.Context) error
}

// nowFunc lets tests pin the clock. All age comparisons are wall-clock
// whole-day differences computed at query time.
type nowFunc func() time.Time

// ageCutoff returns the discovery timestamp at which a pin reaches the
// given age in whole days.
func ageCutoff(now time.Time, days int) time.Time {
	return now.Add(-time.Duration(days) * 24 * time.Hour)
}

// maxErrorDetails caps how many per-identifier failures a run reports in
// events and notifications.
const maxErrorDetails = 5

func boolPtr(b bool) *bool { return &b }
