package workers

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ipfs-cluster/cache-node/events"
	"github.com/ipfs-cluster/cache-node/registry"
	"github.com/ipfs-cluster/cache-node/validation"
)

// Validation moves pending pins to accepted or rejected based on the
// configured authorization source. Validation is total over the batch it
// pulls: every processed pin leaves the pending state.
type Validation struct {
	reg      registry.Registry
	source   validation.Source
	recorder *events.Recorder
	metrics  *Metrics
	logger   *zap.Logger
	now      nowFunc
}

// NewValidation creates the validation worker.
func NewValidation(reg registry.Registry, source validation.Source, recorder *events.Recorder, metrics *Metrics, logger *zap.Logger) *Validation {
	return &Validation{
		reg:      reg,
		source:   source,
		recorder: recorder,
		metrics:  metrics,
		logger:   logger.Named("validation"),
		now:      time.Now,
	}
}

// Name implements Worker.
func (v *Validation) Name() string { return "validation" }

// Run implements Worker.
func (v *Validation) Run(ctx context.Context) error {
	start := time.Now()
	err := v.run(ctx)
	v.metrics.recordRun(v.Name(), start, err)
	return err
}

func (v *Validation) run(ctx context.Context) error {
	status := registry.StatusPending
	pending, err := v.reg.Select(ctx, registry.Filter{Status: &status})
	if err != nil {
		return fmt.Errorf("validation: failed to select pending pins: %w", err)
	}
	if len(pending) == 0 {
		v.logger.Debug("no pending pins")
		return nil
	}

	identifiers := make([]string, len(pending))
	for i := range pending {
		identifiers[i] = pending[i].Identifier
	}

	// The source owns its connection lifecycle: acquired for this batch,
	// released before it returns, success or not.
	verdicts, err := v.source.Validate(ctx, identifiers)
	if err != nil {
		v.recorder.Record(ctx, "validation", events.SeverityError,
			fmt.Sprintf("validation source failed: %v", err), nil)
		return fmt.Errorf("validation: %w", err)
	}
	if len(verdicts) != len(identifiers) {
		err := fmt.Errorf("validation source returned %d verdicts for %d identifiers", len(verdicts), len(identifiers))
		v.recorder.Record(ctx, "validation", events.SeverityError, err.Error(), nil)
		return err
	}

	var accepted, rejected, failed int
	for i, pin := range pending {
		newStatus := registry.StatusRejected
		note := "rejected by validation source"
		if verdicts[i] {
			newStatus = registry.StatusAccepted
			note = "accepted by validation source"
		}

		err := v.reg.Update(ctx, pin.Identifier, registry.PinUpdate{
			Status: &newStatus,
			Note:   &note,
		})
		if err != nil {
			failed++
			v.metrics.recordPin(v.Name(), "error")
			v.logger.Warn("failed to record verdict",
				zap.String("identifier", pin.Identifier),
				zap.Error(err))
			continue
		}
		if verdicts[i] {
			accepted++
			v.metrics.recordPin(v.Name(), "accepted")
		} else {
			rejected++
			v.metrics.recordPin(v.Name(), "rejected")
		}
	}

	v.logger.Info("validation run complete",
		zap.Int("pending", len(pending)),
		zap.Int("accepted", accepted),
		zap.Int("rejected", rejected),
		zap.Int("failed", failed))

	severity := events.SeverityInfo
	if failed > 0 {
		severity = events.SeverityWarning
	}
	v.recorder.Record(ctx, "validation", severity,
		fmt.Sprintf("validated %d pins: %d accepted, %d rejected", len(pending), accepted, rejected),
		map[string]string{
			"pending":  strconv.Itoa(len(pending)),
			"accepted": strconv.Itoa(accepted),
			"rejected": strconv.Itoa(rejected),
			"failed":   strconv.Itoa(failed),
		})
	return nil
}
