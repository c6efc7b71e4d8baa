package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipfs-cluster/cache-node/validation"
	"github.com/ipfs-cluster/cache-node/workers"
)

func TestDurationUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"string form", `"30s"`, 30 * time.Second, false},
		{"compound string", `"1h30m"`, 90 * time.Minute, false},
		{"nanosecond number", `1000000000`, time.Second, false},
		{"garbage string", `"soon"`, 0, true},
		{"wrong type", `true`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Duration
			err := json.Unmarshal([]byte(tt.in), &d)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Std())
		})
	}
}

func TestDurationMarshalRoundTrip(t *testing.T) {
	out, err := json.Marshal(Duration(90 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(out))

	var back Duration
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, 90*time.Second, back.Std())
}

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	assert.Equal(t, workers.DefaultDiscoveryInterval, cfg.Intervals.Discovery.Std())
	assert.Equal(t, workers.DefaultCleanupInterval, cfg.Intervals.Cleanup.Std())
	assert.Equal(t, 4, cfg.Migration.StartAfterDays)
	assert.Equal(t, 7, cfg.Cleanup.DeleteAfterDays)

	// The defaults alone are not runnable: supernode URL and validation
	// source must come from the file.
	assert.Error(t, cfg.Validate())
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `{
	"supernode": {"api_url": "http://supernode:5001"},
	"validation": {
		"mode": "remote",
		"remote": {"url": "http://validator:8080/validate", "timeout": "60s"}
	}
}`

func TestLoadFromFileMinimal(t *testing.T) {
	cfg, err := LoadFromFile(writeConfigFile(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "http://supernode:5001", cfg.Supernode.APIURL)
	assert.Equal(t, validation.ModeRemote, cfg.Validation.Mode)
	// Untouched sections keep their defaults.
	assert.Equal(t, "http://127.0.0.1:5001", cfg.Node.APIURL)
	assert.Equal(t, 50, cfg.Migration.BatchSize)
}

func TestLoadFromFileOverrides(t *testing.T) {
	cfg, err := LoadFromFile(writeConfigFile(t, `{
		"supernode": {"api_url": "http://supernode:5001", "max_timeout": 3600000000000},
		"validation": {
			"mode": "remote",
			"remote": {"url": "http://validator:8080/validate", "timeout": "60s"}
		},
		"migration": {"start_after_days": 10, "batch_size": 25},
		"intervals": {"discovery": "5m"}
	}`))
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Migration.StartAfterDays)
	assert.Equal(t, 25, cfg.Migration.BatchSize)
	assert.Equal(t, 5*time.Minute, cfg.Intervals.Discovery.Std())
	assert.Equal(t, time.Hour, cfg.Supernode.MaxTimeout)
	// Sections absent from the file stay at defaults.
	assert.Equal(t, workers.DefaultValidationInterval, cfg.Intervals.Validation.Std())
}

func TestLoadFromFileStringDurations(t *testing.T) {
	// Every section's duration fields accept the same string form the
	// intervals do.
	cfg, err := LoadFromFile(writeConfigFile(t, `{
		"registry": {"timeout": "20s", "connect_timeout": "12s"},
		"node": {"timeout": "45s", "gc_timeout": "15m"},
		"supernode": {"api_url": "http://supernode:5001", "base_timeout": "90s", "step_timeout": "45s", "max_timeout": "1h"},
		"validation": {
			"mode": "remote",
			"remote": {"url": "http://validator:8080/validate", "timeout": "30s"}
		},
		"events": {"connect_timeout": "3s"},
		"migration": {"propagation_delay": "5s", "throttle_delay": "500ms"}
	}`))
	require.NoError(t, err)

	assert.Equal(t, 20*time.Second, cfg.Registry.Timeout)
	assert.Equal(t, 12*time.Second, cfg.Registry.ConnectTimeout)
	assert.Equal(t, 45*time.Second, cfg.Node.Timeout)
	assert.Equal(t, 15*time.Minute, cfg.Node.GCTimeout)
	assert.Equal(t, 90*time.Second, cfg.Supernode.BaseTimeout)
	assert.Equal(t, 45*time.Second, cfg.Supernode.StepTimeout)
	assert.Equal(t, time.Hour, cfg.Supernode.MaxTimeout)
	assert.Equal(t, 30*time.Second, cfg.Validation.Remote.Timeout)
	assert.Equal(t, 3*time.Second, cfg.Events.ConnectTimeout)
	assert.Equal(t, 5*time.Second, cfg.Migration.PropagationDelay)
	assert.Equal(t, 500*time.Millisecond, cfg.Migration.ThrottleDelay)
}

func TestLoadFromFileRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing supernode url", `{"validation": {"mode": "remote", "remote": {"url": "http://v:1", "timeout": "60s"}}}`},
		{"unknown validation mode", `{"supernode": {"api_url": "http://s:1"}, "validation": {"mode": "oracle"}}`},
		{"zero interval", minimalConfigWith(`"intervals": {"cleanup": "0s"}`)},
		{"negative start_after_days", minimalConfigWith(`"migration": {"start_after_days": -1}`)},
		{"malformed json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromFile(writeConfigFile(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func minimalConfigWith(extra string) string {
	return `{
		"supernode": {"api_url": "http://supernode:5001"},
		"validation": {
			"mode": "remote",
			"remote": {"url": "http://validator:8080/validate", "timeout": "60s"}
		},
		` + extra + `
	}`
}
