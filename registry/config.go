package registry

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gocql/gocql"

	"github.com/ipfs-cluster/cache-node/timeutil"
)

const (
	// Default values
	DefaultPort           = 9042
	DefaultKeyspace       = "cache_node"
	DefaultNumConns       = 4
	DefaultTimeout        = 10 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultConsistency    = "QUORUM"
	DefaultReplication    = 1
)

// Config holds connection configuration for the ScyllaDB-backed registry.
type Config struct {
	Hosts    []string `json:"hosts"`
	Port     int      `json:"port"`
	Keyspace string   `json:"keyspace"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`

	// TLS settings
	TLSEnabled            bool   `json:"tls_enabled"`
	TLSCertFile           string `json:"tls_cert_file,omitempty"`
	TLSKeyFile            string `json:"tls_key_file,omitempty"`
	TLSCAFile             string `json:"tls_ca_file,omitempty"`
	TLSInsecureSkipVerify bool   `json:"tls_insecure_skip_verify"`

	// Performance settings
	NumConns       int           `json:"num_conns"`
	Timeout        time.Duration `json:"timeout"`
	ConnectTimeout time.Duration `json:"connect_timeout"`

	// Consistency level for all registry queries
	Consistency string `json:"consistency"`

	// Replication factor used when creating the keyspace
	ReplicationFactor int `json:"replication_factor"`
}

// UnmarshalJSON implements json.Unmarshaler. Duration fields accept
// "30s"-style strings as well as nanosecond counts.
func (cfg *Config) UnmarshalJSON(data []byte) error {
	type rawConfig Config
	aux := struct {
		*rawConfig
		Timeout        *timeutil.Duration `json:"timeout"`
		ConnectTimeout *timeutil.Duration `json:"connect_timeout"`
	}{rawConfig: (*rawConfig)(cfg)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Timeout != nil {
		cfg.Timeout = aux.Timeout.Std()
	}
	if aux.ConnectTimeout != nil {
		cfg.ConnectTimeout = aux.ConnectTimeout.Std()
	}
	return nil
}

// DefaultRegistryConfig returns a registry configuration with defaults applied
func DefaultRegistryConfig() *Config {
	return &Config{
		Hosts:             []string{"127.0.0.1"},
		Port:              DefaultPort,
		Keyspace:          DefaultKeyspace,
		NumConns:          DefaultNumConns,
		Timeout:           DefaultTimeout,
		ConnectTimeout:    DefaultConnectTimeout,
		Consistency:       DefaultConsistency,
		ReplicationFactor: DefaultReplication,
	}
}

// Validate checks the configuration for obvious mistakes
func (cfg *Config) Validate() error {
	if len(cfg.Hosts) == 0 {
		return fmt.Errorf("at least one host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Keyspace == "" {
		return fmt.Errorf("keyspace is required")
	}
	if cfg.NumConns <= 0 {
		return fmt.Errorf("num_conns must be positive")
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if cfg.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive")
	}
	if _, err := parseConsistency(cfg.Consistency); err != nil {
		return err
	}
	if cfg.ReplicationFactor <= 0 {
		return fmt.Errorf("replication_factor must be positive")
	}
	if cfg.TLSEnabled && cfg.TLSCertFile != "" && cfg.TLSKeyFile == "" {
		return fmt.Errorf("tls_key_file is required when tls_cert_file is set")
	}
	return nil
}

// CreateCluster builds a gocql cluster configuration from the settings
func (cfg *Config) CreateCluster() (*gocql.ClusterConfig, error) {
	consistency, err := parseConsistency(cfg.Consistency)
	if err != nil {
		return nil, err
	}

	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Port = cfg.Port
	cluster.Keyspace = cfg.Keyspace
	cluster.NumConns = cfg.NumConns
	cluster.Timeout = cfg.Timeout
	cluster.ConnectTimeout = cfg.ConnectTimeout
	cluster.Consistency = consistency

	if cfg.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}

	if cfg.TLSEnabled {
		tlsConfig, err := cfg.buildTLSConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to build TLS config: %w", err)
		}
		cluster.SslOpts = &gocql.SslOptions{
			Config:                 tlsConfig,
			EnableHostVerification: !cfg.TLSInsecureSkipVerify,
		}
	}

	return cluster, nil
}

func (cfg *Config) buildTLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.TLSInsecureSkipVerify,
	}

	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.TLSCAFile != "" {
		caCert, err := os.ReadFile(cfg.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

func parseConsistency(s string) (gocql.Consistency, error) {
	switch s {
	case "ANY":
		return gocql.Any, nil
	case "ONE":
		return gocql.One, nil
	case "TWO":
		return gocql.Two, nil
	case "THREE":
		return gocql.Three, nil
	case "QUORUM":
		return gocql.Quorum, nil
	case "ALL":
		return gocql.All, nil
	case "LOCAL_QUORUM":
		return gocql.LocalQuorum, nil
	case "EACH_QUORUM":
		return gocql.EachQuorum, nil
	case "LOCAL_ONE":
		return gocql.LocalOne, nil
	default:
		return gocql.Quorum, fmt.Errorf("invalid consistency level: %q", s)
	}
}
