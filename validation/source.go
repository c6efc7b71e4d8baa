// Package validation decides whether discovered pins are legitimate. Both
// sources implement the same batch contract: given identifiers, return a
// parallel list of verdicts, total over the batch.
package validation

import (
	"context"
	"fmt"
)

// Source answers batch authorization queries. Connection setup and teardown
// is scoped per call: each invocation acquires what it needs and releases it
// before returning, success or not.
type Source interface {
	// Validate returns one verdict per identifier, in order.
	Validate(ctx context.Context, identifiers []string) ([]bool, error)
}

// Source selection modes.
const (
	ModeAuthDB = "authdb"
	ModeRemote = "remote"
)

// Config selects and configures the validation source.
type Config struct {
	Mode   string        `json:"mode"`
	AuthDB *AuthDBConfig `json:"authdb,omitempty"`
	Remote *RemoteConfig `json:"remote,omitempty"`
}

// Validate checks the configuration
func (cfg *Config) Validate() error {
	switch cfg.Mode {
	case ModeAuthDB:
		if cfg.AuthDB == nil {
			return fmt.Errorf("authdb settings are required for mode %q", cfg.Mode)
		}
		return cfg.AuthDB.Validate()
	case ModeRemote:
		if cfg.Remote == nil {
			return fmt.Errorf("remote settings are required for mode %q", cfg.Mode)
		}
		return cfg.Remote.Validate()
	default:
		return fmt.Errorf("unknown validation mode %q", cfg.Mode)
	}
}

// NewSource builds the configured source.
func NewSource(cfg *Config) (Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Mode {
	case ModeAuthDB:
		return NewAuthDBSource(cfg.AuthDB), nil
	case ModeRemote:
		return NewRemoteSource(cfg.Remote), nil
	default:
		return nil, fmt.Errorf("unknown validation mode %q", cfg.Mode)
	}
}
