package workers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipfs-cluster/cache-node/registry"
)

// TestLifecycle_EndToEnd walks one identifier through the full pipeline:
// discovered, validated, too young to migrate, migrated at the age
// threshold, unpinned once past local retention, audit row retained.
func TestLifecycle_EndToEnd(t *testing.T) {
	env := newTestEnv()
	node := newFakeNode()
	target := newFakeTarget()
	ctx := context.Background()

	day0 := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	node.pins["Qm123"] = 4096

	migCfg := DefaultMigrationConfig()
	migCfg.StartAfterDays = 4
	cleanCfg := DefaultCleanupConfig()
	cleanCfg.DeleteAfterDays = 7

	// Day 0: discovery picks the pin up as pending.
	d := newTestDiscovery(env, node)
	d.now = fixedClock(day0)
	require.NoError(t, d.Run(ctx))

	pin, err := env.store.Get(ctx, "Qm123")
	require.NoError(t, err)
	require.Equal(t, registry.StatusPending, pin.Status)

	// Validation accepts it.
	source := &fakeSource{verdicts: map[string]bool{"Qm123": true}}
	v := NewValidation(env.store, source, env.recorder, env.metrics, env.logger)
	require.NoError(t, v.Run(ctx))

	pin, err = env.store.Get(ctx, "Qm123")
	require.NoError(t, err)
	require.Equal(t, registry.StatusAccepted, pin.Status)

	// Day 3: still below startAfterDays, untouched.
	m := newTestMigration(env, target, migCfg, day0.Add(3*24*time.Hour))
	require.NoError(t, m.Run(ctx))
	pin, err = env.store.Get(ctx, "Qm123")
	require.NoError(t, err)
	assert.False(t, pin.Migrated)

	// Day 4: eligible, migrates and verifies.
	m = newTestMigration(env, target, migCfg, day0.Add(4*24*time.Hour))
	require.NoError(t, m.Run(ctx))
	pin, err = env.store.Get(ctx, "Qm123")
	require.NoError(t, err)
	assert.True(t, pin.Migrated)
	assert.NotNil(t, pin.MigratedAt)
	assert.False(t, pin.Unpinned)

	// Day 7: cleanup unpins it locally and keeps the audit row.
	c := newTestCleanup(env, node, cleanCfg, day0.Add(7*24*time.Hour))
	require.NoError(t, c.Run(ctx))

	pin, err = env.store.Get(ctx, "Qm123")
	require.NoError(t, err)
	assert.True(t, pin.Unpinned)
	assert.NotNil(t, pin.UnpinnedAt)
	assert.NotContains(t, node.pins, "Qm123", "content removed from the storage node")
}

// TestLifecycle_ForwardOnly checks that the workers only ever move state
// forward: re-running every stage against a fully processed pin changes
// nothing.
func TestLifecycle_ForwardOnly(t *testing.T) {
	env := newTestEnv()
	node := newFakeNode()
	target := newFakeTarget()
	ctx := context.Background()
	now := time.Now().UTC()

	node.pins["QmDone"] = 100
	seedPin(env.store, "QmDone", now.Add(-30*24*time.Hour), registry.StatusAccepted, 100)
	markMigratedAt(t, env.store, "QmDone", now.Add(-20*24*time.Hour))
	target.pinned["QmDone"] = true

	c := newTestCleanup(env, node, DefaultCleanupConfig(), now)
	require.NoError(t, c.Run(ctx))

	snapshot, err := env.store.Get(ctx, "QmDone")
	require.NoError(t, err)
	require.True(t, snapshot.Unpinned)

	d := newTestDiscovery(env, node)
	require.NoError(t, d.Run(ctx))
	source := &fakeSource{verdicts: map[string]bool{}}
	v := NewValidation(env.store, source, env.recorder, env.metrics, env.logger)
	require.NoError(t, v.Run(ctx))
	m := newTestMigration(env, target, DefaultMigrationConfig(), now)
	require.NoError(t, m.Run(ctx))
	require.NoError(t, c.Run(ctx))

	after, err := env.store.Get(ctx, "QmDone")
	require.NoError(t, err)
	assert.Equal(t, snapshot.Status, after.Status)
	assert.Equal(t, snapshot.Migrated, after.Migrated)
	assert.Equal(t, snapshot.Unpinned, after.Unpinned)
}
