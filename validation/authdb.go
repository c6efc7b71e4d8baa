package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/scylladb/gocqlx/v2"
	"github.com/scylladb/gocqlx/v2/qb"

	"github.com/ipfs-cluster/cache-node/timeutil"
)

const (
	DefaultAuthDBPort    = 9042
	DefaultAuthDBTimeout = 10 * time.Second
	DefaultAuthDBTable   = "authorized_content"
)

// AuthDBConfig holds connection settings for the authorization database.
type AuthDBConfig struct {
	Hosts    []string      `json:"hosts"`
	Port     int           `json:"port"`
	Keyspace string        `json:"keyspace"`
	Table    string        `json:"table"`
	Username string        `json:"username,omitempty"`
	Password string        `json:"password,omitempty"`
	Timeout  time.Duration `json:"timeout"`
}

// UnmarshalJSON implements json.Unmarshaler. Duration fields accept
// "30s"-style strings as well as nanosecond counts.
func (cfg *AuthDBConfig) UnmarshalJSON(data []byte) error {
	type rawConfig AuthDBConfig
	aux := struct {
		*rawConfig
		Timeout *timeutil.Duration `json:"timeout"`
	}{rawConfig: (*rawConfig)(cfg)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Timeout != nil {
		cfg.Timeout = aux.Timeout.Std()
	}
	return nil
}

// Validate checks the configuration
func (cfg *AuthDBConfig) Validate() error {
	if len(cfg.Hosts) == 0 {
		return fmt.Errorf("authdb: at least one host is required")
	}
	if cfg.Keyspace == "" {
		return fmt.Errorf("authdb: keyspace is required")
	}
	if cfg.Table == "" {
		return fmt.Errorf("authdb: table is required")
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("authdb: timeout must be positive")
	}
	return nil
}

// AuthDBSource validates pins directly against the authorization database.
// A fresh session is opened per run and closed before returning, whatever
// the outcome.
type AuthDBSource struct {
	cfg *AuthDBConfig
}

// NewAuthDBSource creates a direct authorization-database source.
func NewAuthDBSource(cfg *AuthDBConfig) *AuthDBSource {
	return &AuthDBSource{cfg: cfg}
}

// Validate implements Source.
func (s *AuthDBSource) Validate(ctx context.Context, identifiers []string) ([]bool, error) {
	if len(identifiers) == 0 {
		return nil, nil
	}

	cluster := gocql.NewCluster(s.cfg.Hosts...)
	if s.cfg.Port > 0 {
		cluster.Port = s.cfg.Port
	}
	cluster.Keyspace = s.cfg.Keyspace
	cluster.Timeout = s.cfg.Timeout
	cluster.ConnectTimeout = s.cfg.Timeout
	if s.cfg.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: s.cfg.Username,
			Password: s.cfg.Password,
		}
	}

	session, err := gocqlx.WrapSession(cluster.CreateSession())
	if err != nil {
		return nil, fmt.Errorf("authdb: failed to connect: %w", err)
	}
	defer session.Close()

	stmt, names := qb.Select(s.cfg.Table).
		Columns("identifier").
		Where(qb.In("identifier")).
		ToCql()

	var known []string
	err = session.Query(stmt, names).
		BindMap(qb.M{"identifier": identifiers}).
		WithContext(ctx).
		SelectRelease(&known)
	if err != nil {
		return nil, fmt.Errorf("authdb: batch query failed: %w", err)
	}

	authorized := make(map[string]bool, len(known))
	for _, id := range known {
		authorized[id] = true
	}

	verdicts := make([]bool, len(identifiers))
	for i, id := range identifiers {
		verdicts[i] = authorized[id]
	}
	return verdicts, nil
}
