package workers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ipfs-cluster/cache-node/events"
	"github.com/ipfs-cluster/cache-node/registry"
)

// Discovery reconciles the storage node's actual pin set into the registry.
// Identifiers not yet tracked are inserted as pending; re-running against an
// unchanged pin set adds nothing.
type Discovery struct {
	reg      registry.Registry
	node     StorageNode
	recorder *events.Recorder
	metrics  *Metrics
	logger   *zap.Logger
	now      nowFunc
}

// NewDiscovery creates the discovery worker.
func NewDiscovery(reg registry.Registry, node StorageNode, recorder *events.Recorder, metrics *Metrics, logger *zap.Logger) *Discovery {
	return &Discovery{
		reg:      reg,
		node:     node,
		recorder: recorder,
		metrics:  metrics,
		logger:   logger.Named("discovery"),
		now:      time.Now,
	}
}

// Name implements Worker.
func (d *Discovery) Name() string { return "discovery" }

// Run implements Worker.
func (d *Discovery) Run(ctx context.Context) error {
	start := time.Now()
	err := d.run(ctx)
	d.metrics.recordRun(d.Name(), start, err)
	return err
}

func (d *Discovery) run(ctx context.Context) error {
	if !d.node.IsRunning(ctx) {
		err := fmt.Errorf("storage daemon is not reachable")
		d.recorder.Record(ctx, "discovery", events.SeverityError, err.Error(), nil)
		return err
	}

	identifiers, err := d.node.ListPins(ctx)
	if err != nil {
		d.recorder.Record(ctx, "discovery", events.SeverityError,
			fmt.Sprintf("failed to list storage node pins: %v", err), nil)
		return fmt.Errorf("discovery: %w", err)
	}

	var added, known, failed int
	var firstErrors []string

	for _, id := range identifiers {
		// Each identifier is processed independently; one failure never
		// aborts the batch.
		created, err := d.discoverOne(ctx, id)
		switch {
		case err != nil:
			failed++
			d.metrics.recordPin(d.Name(), "error")
			if len(firstErrors) < maxErrorDetails {
				firstErrors = append(firstErrors, fmt.Sprintf("%s: %v", id, err))
			}
		case created:
			added++
			d.metrics.recordPin(d.Name(), "added")
		default:
			known++
			d.metrics.recordPin(d.Name(), "known")
		}
	}

	d.logger.Info("discovery run complete",
		zap.Int("scanned", len(identifiers)),
		zap.Int("added", added),
		zap.Int("already_tracked", known),
		zap.Int("failed", failed))

	metadata := map[string]string{
		"scanned":         strconv.Itoa(len(identifiers)),
		"added":           strconv.Itoa(added),
		"already_tracked": strconv.Itoa(known),
		"failed":          strconv.Itoa(failed),
	}
	for i, msg := range firstErrors {
		metadata[fmt.Sprintf("error_%d", i+1)] = msg
	}
	severity := events.SeverityInfo
	if failed > 0 {
		severity = events.SeverityWarning
	}
	d.recorder.Record(ctx, "discovery", severity,
		fmt.Sprintf("discovered %d new pins (%d scanned)", added, len(identifiers)), metadata)

	return nil
}

func (d *Discovery) discoverOne(ctx context.Context, identifier string) (bool, error) {
	_, err := d.reg.Get(ctx, identifier)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, registry.ErrNotFound) {
		return false, err
	}

	pin := registry.Pin{
		Identifier:   identifier,
		DiscoveredAt: d.now().UTC(),
		Status:       registry.StatusPending,
		Note:         "discovered on storage node",
	}

	// Size is best-effort; an unmeasured object stays size-unknown rather
	// than failing discovery.
	if size, err := d.node.ObjectSize(ctx, identifier); err != nil {
		d.logger.Debug("object size lookup failed",
			zap.String("identifier", identifier),
			zap.Error(err))
	} else if size > 0 {
		pin.SizeBytes = &size
	}

	return d.reg.InsertIfAbsent(ctx, pin)
}
