package workers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipfs-cluster/cache-node/registry"
)

// fakeSource returns scripted verdicts.
type fakeSource struct {
	verdicts map[string]bool
	err      error
	calls    [][]string
}

func (f *fakeSource) Validate(ctx context.Context, ids []string) ([]bool, error) {
	f.calls = append(f.calls, ids)
	if f.err != nil {
		return nil, f.err
	}
	out := make([]bool, len(ids))
	for i, id := range ids {
		out[i] = f.verdicts[id]
	}
	return out, nil
}

func TestValidation_TotalOverBatch(t *testing.T) {
	env := newTestEnv()
	base := time.Now().Add(-time.Hour)
	seedPin(env.store, "QmGood", base, registry.StatusPending, 100)
	seedPin(env.store, "QmBad", base, registry.StatusPending, 100)

	source := &fakeSource{verdicts: map[string]bool{"QmGood": true}}
	v := NewValidation(env.store, source, env.recorder, env.metrics, env.logger)
	require.NoError(t, v.Run(context.Background()))

	good, err := env.store.Get(context.Background(), "QmGood")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusAccepted, good.Status)

	bad, err := env.store.Get(context.Background(), "QmBad")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusRejected, bad.Status)

	// Nothing stays pending after a processed batch.
	status := registry.StatusPending
	pending, err := env.store.Count(context.Background(), registry.Filter{Status: &status})
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestValidation_SourceFailureLeavesPinsPending(t *testing.T) {
	env := newTestEnv()
	seedPin(env.store, "QmGood", time.Now().Add(-time.Hour), registry.StatusPending, 100)

	source := &fakeSource{err: errors.New("auth db unreachable")}
	v := NewValidation(env.store, source, env.recorder, env.metrics, env.logger)
	require.Error(t, v.Run(context.Background()))

	pin, err := env.store.Get(context.Background(), "QmGood")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusPending, pin.Status, "run abandoned, no pin touched")
}

func TestValidation_NoPendingPinsSkipsSource(t *testing.T) {
	env := newTestEnv()
	seedPin(env.store, "QmDone", time.Now().Add(-time.Hour), registry.StatusAccepted, 100)

	source := &fakeSource{}
	v := NewValidation(env.store, source, env.recorder, env.metrics, env.logger)
	require.NoError(t, v.Run(context.Background()))
	assert.Empty(t, source.calls, "source not contacted without pending pins")
}

func TestValidation_ShortVerdictListFailsRun(t *testing.T) {
	env := newTestEnv()
	seedPin(env.store, "QmOne", time.Now().Add(-time.Hour), registry.StatusPending, 100)
	seedPin(env.store, "QmTwo", time.Now().Add(-time.Hour), registry.StatusPending, 100)

	short := &shortSource{}
	v := NewValidation(env.store, short, env.recorder, env.metrics, env.logger)
	require.Error(t, v.Run(context.Background()))
}

type shortSource struct{}

func (s *shortSource) Validate(ctx context.Context, ids []string) ([]bool, error) {
	return []bool{true}, nil
}
