// Package config loads and validates the cache node's service
// configuration from a single JSON file.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ipfs-cluster/cache-node/admin"
	"github.com/ipfs-cluster/cache-node/events"
	"github.com/ipfs-cluster/cache-node/ipfsnode"
	"github.com/ipfs-cluster/cache-node/registry"
	"github.com/ipfs-cluster/cache-node/supernode"
	"github.com/ipfs-cluster/cache-node/timeutil"
	"github.com/ipfs-cluster/cache-node/validation"
	"github.com/ipfs-cluster/cache-node/workers"
)

// Duration is the JSON duration type used throughout the config file; every
// section accepts the same "30s"-style strings.
type Duration = timeutil.Duration

// Intervals holds the fixed worker schedules.
type Intervals struct {
	Discovery  Duration `json:"discovery"`
	Validation Duration `json:"validation"`
	Migration  Duration `json:"migration"`
	Cleanup    Duration `json:"cleanup"`
}

// Config is the full service configuration.
type Config struct {
	Registry   *registry.Config         `json:"registry"`
	Node       *ipfsnode.Config         `json:"node"`
	Supernode  *supernode.Config        `json:"supernode"`
	Validation *validation.Config       `json:"validation"`
	Events     *events.Config           `json:"events"`
	Admin      *admin.Config            `json:"admin"`
	Migration  workers.MigrationConfig  `json:"migration"`
	Cleanup    workers.CleanupConfig    `json:"cleanup"`
	Intervals  Intervals                `json:"intervals"`
}

// Default returns a configuration with every default applied. The supernode
// URL and validation source have no sane defaults and must come from the
// config file.
func Default() *Config {
	return &Config{
		Registry:  registry.DefaultRegistryConfig(),
		Node:      ipfsnode.DefaultNodeConfig(),
		Supernode: supernode.DefaultSupernodeConfig(),
		Events:    events.DefaultEventsConfig(),
		Admin:     admin.DefaultAdminConfig(),
		Migration: workers.DefaultMigrationConfig(),
		Cleanup:   workers.DefaultCleanupConfig(),
		Intervals: Intervals{
			Discovery:  Duration(workers.DefaultDiscoveryInterval),
			Validation: Duration(workers.DefaultValidationInterval),
			Migration:  Duration(workers.DefaultMigrationInterval),
			Cleanup:    Duration(workers.DefaultCleanupInterval),
		},
	}
}

// LoadFromFile reads a JSON config file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the whole configuration tree.
func (c *Config) Validate() error {
	if c.Registry == nil {
		return fmt.Errorf("registry section is required")
	}
	if err := c.Registry.Validate(); err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	if c.Node == nil {
		return fmt.Errorf("node section is required")
	}
	if err := c.Node.Validate(); err != nil {
		return fmt.Errorf("node: %w", err)
	}
	if c.Supernode == nil {
		return fmt.Errorf("supernode section is required")
	}
	if err := c.Supernode.Validate(); err != nil {
		return fmt.Errorf("supernode: %w", err)
	}
	if c.Validation == nil {
		return fmt.Errorf("validation section is required")
	}
	if err := c.Validation.Validate(); err != nil {
		return fmt.Errorf("validation: %w", err)
	}
	if c.Events == nil {
		return fmt.Errorf("events section is required")
	}
	if err := c.Events.Validate(); err != nil {
		return fmt.Errorf("events: %w", err)
	}
	if c.Admin == nil {
		return fmt.Errorf("admin section is required")
	}
	if err := c.Admin.Validate(); err != nil {
		return fmt.Errorf("admin: %w", err)
	}
	if err := c.Migration.Validate(); err != nil {
		return fmt.Errorf("migration: %w", err)
	}
	if err := c.Cleanup.Validate(); err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	for name, iv := range map[string]Duration{
		"discovery":  c.Intervals.Discovery,
		"validation": c.Intervals.Validation,
		"migration":  c.Intervals.Migration,
		"cleanup":    c.Intervals.Cleanup,
	} {
		if iv.Std() <= 0 {
			return fmt.Errorf("intervals: %s must be positive", name)
		}
	}
	return nil
}
