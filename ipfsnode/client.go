// Package ipfsnode is the control-plane client for the local storage
// daemon. Every call is a single bounded HTTP request; retry policy belongs
// to the calling worker, not the adapter.
package ipfsnode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ipfs-cluster/cache-node/timeutil"
)

const (
	DefaultAPIURL  = "http://127.0.0.1:5001"
	DefaultTimeout = 30 * time.Second
	// Repo GC can walk the full blockstore; it gets a larger budget.
	DefaultGCTimeout = 10 * time.Minute
)

// ErrNotPinned reports that the daemon does not hold the identifier. Cleanup
// treats it as success when removing content that may never have landed.
var ErrNotPinned = errors.New("not pinned")

// Config holds connection settings for the storage daemon control API.
type Config struct {
	APIURL    string        `json:"api_url"`
	Timeout   time.Duration `json:"timeout"`
	GCTimeout time.Duration `json:"gc_timeout"`
}

// UnmarshalJSON implements json.Unmarshaler. Duration fields accept
// "30s"-style strings as well as nanosecond counts.
func (cfg *Config) UnmarshalJSON(data []byte) error {
	type rawConfig Config
	aux := struct {
		*rawConfig
		Timeout   *timeutil.Duration `json:"timeout"`
		GCTimeout *timeutil.Duration `json:"gc_timeout"`
	}{rawConfig: (*rawConfig)(cfg)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Timeout != nil {
		cfg.Timeout = aux.Timeout.Std()
	}
	if aux.GCTimeout != nil {
		cfg.GCTimeout = aux.GCTimeout.Std()
	}
	return nil
}

// DefaultNodeConfig returns a config pointing at a local daemon.
func DefaultNodeConfig() *Config {
	return &Config{
		APIURL:    DefaultAPIURL,
		Timeout:   DefaultTimeout,
		GCTimeout: DefaultGCTimeout,
	}
}

// Validate checks the configuration
func (cfg *Config) Validate() error {
	if cfg.APIURL == "" {
		return fmt.Errorf("api_url is required")
	}
	if _, err := url.Parse(cfg.APIURL); err != nil {
		return fmt.Errorf("invalid api_url: %w", err)
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if cfg.GCTimeout <= 0 {
		return fmt.Errorf("gc_timeout must be positive")
	}
	return nil
}

// RepoStat reports blockstore usage of the storage daemon.
type RepoStat struct {
	RepoSize   int64 `json:"RepoSize"`
	StorageMax int64 `json:"StorageMax"`
	NumObjects int64 `json:"NumObjects"`
}

// Client talks to the storage daemon's HTTP control API.
type Client struct {
	baseURL   string
	hc        *http.Client
	timeout   time.Duration
	gcTimeout time.Duration
	logger    *zap.Logger
}

// NewClient creates a storage daemon client.
func NewClient(cfg *Config, logger *zap.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid storage node config: %w", err)
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.APIURL, "/"),
		hc:        &http.Client{},
		timeout:   cfg.Timeout,
		gcTimeout: cfg.GCTimeout,
		logger:    logger,
	}, nil
}

// IsRunning probes the daemon's version endpoint.
func (c *Client) IsRunning(ctx context.Context) bool {
	_, err := c.call(ctx, c.timeout, "/api/v0/version", nil)
	return err == nil
}

// PinAdd pins an identifier on the daemon.
func (c *Client) PinAdd(ctx context.Context, identifier string) error {
	_, err := c.call(ctx, c.timeout, "/api/v0/pin/add", url.Values{"arg": {identifier}})
	if err != nil {
		return fmt.Errorf("pin add %s: %w", identifier, err)
	}
	return nil
}

// PinRemove unpins an identifier on the daemon. Returns ErrNotPinned when
// the daemon reports the identifier was not pinned to begin with.
func (c *Client) PinRemove(ctx context.Context, identifier string) error {
	body, err := c.call(ctx, c.timeout, "/api/v0/pin/rm", url.Values{"arg": {identifier}})
	if err != nil {
		if strings.Contains(err.Error(), "not pinned") {
			return fmt.Errorf("pin rm %s: %w", identifier, ErrNotPinned)
		}
		return fmt.Errorf("pin rm %s: %w", identifier, err)
	}
	_ = body
	return nil
}

// ListPins returns every identifier currently pinned recursively or directly.
func (c *Client) ListPins(ctx context.Context) ([]string, error) {
	body, err := c.call(ctx, c.timeout, "/api/v0/pin/ls", url.Values{"type": {"recursive"}})
	if err != nil {
		return nil, fmt.Errorf("pin ls: %w", err)
	}

	var resp struct {
		Keys map[string]struct {
			Type string `json:"Type"`
		} `json:"Keys"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("pin ls: invalid response: %w", err)
	}

	pins := make([]string, 0, len(resp.Keys))
	for id := range resp.Keys {
		pins = append(pins, id)
	}
	return pins, nil
}

// ObjectSize returns the cumulative size of an object in bytes.
func (c *Client) ObjectSize(ctx context.Context, identifier string) (int64, error) {
	body, err := c.call(ctx, c.timeout, "/api/v0/object/stat", url.Values{"arg": {identifier}})
	if err != nil {
		return 0, fmt.Errorf("object stat %s: %w", identifier, err)
	}

	var resp struct {
		CumulativeSize int64 `json:"CumulativeSize"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("object stat %s: invalid response: %w", identifier, err)
	}
	return resp.CumulativeSize, nil
}

// RepoStat returns used and maximum blockstore size.
func (c *Client) RepoStat(ctx context.Context) (*RepoStat, error) {
	body, err := c.call(ctx, c.timeout, "/api/v0/repo/stat", nil)
	if err != nil {
		return nil, fmt.Errorf("repo stat: %w", err)
	}

	var stat RepoStat
	if err := json.Unmarshal(body, &stat); err != nil {
		return nil, fmt.Errorf("repo stat: invalid response: %w", err)
	}
	return &stat, nil
}

// RepoGC triggers a garbage collection run on the daemon.
func (c *Client) RepoGC(ctx context.Context) error {
	_, err := c.call(ctx, c.gcTimeout, "/api/v0/repo/gc", nil)
	if err != nil {
		return fmt.Errorf("repo gc: %w", err)
	}
	return nil
}

// call issues one POST to the control API with a bounded deadline. Any
// non-2xx response or transport error surfaces as an error.
func (c *Client) call(ctx context.Context, timeout time.Duration, path string, params url.Values) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("daemon returned %d: %s", resp.StatusCode, errorSnippet(body))
	}
	return body, nil
}

func errorSnippet(body []byte) string {
	var apiErr struct {
		Message string `json:"Message"`
	}
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Message != "" {
		return apiErr.Message
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
