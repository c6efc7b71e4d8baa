package supernode

import (
	"context"
	"encoding/json"
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
	DefaultBaseTimeout = 60 * time.Second
	DefaultStepTimeout = 30 * time.Second
	DefaultMaxTimeout  = 30 * time.Minute

	// PinTimeout adds one step per this many megabytes of payload.
	timeoutStepMB = 100
)

// Config holds connection settings for the replication target control API.
type Config struct {
	APIURL      string        `json:"api_url"`
	BaseTimeout time.Duration `json:"base_timeout"`
	StepTimeout time.Duration `json:"step_timeout"`
	MaxTimeout  time.Duration `json:"max_timeout"`
}

// UnmarshalJSON implements json.Unmarshaler. Duration fields accept
// "30s"-style strings as well as nanosecond counts.
func (cfg *Config) UnmarshalJSON(data []byte) error {
	type rawConfig Config
	aux := struct {
		*rawConfig
		BaseTimeout *timeutil.Duration `json:"base_timeout"`
		StepTimeout *timeutil.Duration `json:"step_timeout"`
		MaxTimeout  *timeutil.Duration `json:"max_timeout"`
	}{rawConfig: (*rawConfig)(cfg)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.BaseTimeout != nil {
		cfg.BaseTimeout = aux.BaseTimeout.Std()
	}
	if aux.StepTimeout != nil {
		cfg.StepTimeout = aux.StepTimeout.Std()
	}
	if aux.MaxTimeout != nil {
		cfg.MaxTimeout = aux.MaxTimeout.Std()
	}
	return nil
}

// DefaultSupernodeConfig returns a config with the standard timeout ladder.
func DefaultSupernodeConfig() *Config {
	return &Config{
		BaseTimeout: DefaultBaseTimeout,
		StepTimeout: DefaultStepTimeout,
		MaxTimeout:  DefaultMaxTimeout,
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
	if cfg.BaseTimeout <= 0 {
		return fmt.Errorf("base_timeout must be positive")
	}
	if cfg.StepTimeout < 0 {
		return fmt.Errorf("step_timeout must not be negative")
	}
	if cfg.MaxTimeout < cfg.BaseTimeout {
		return fmt.Errorf("max_timeout must be at least base_timeout")
	}
	return nil
}

// PinTimeout computes the deadline for a pin call from the payload size:
// base plus one step per started 100 MB, capped at max. The target has to
// fetch the content before it can acknowledge, so bigger payloads get
// proportionally more time.
func PinTimeout(sizeBytes int64, base, step, max time.Duration) time.Duration {
	if sizeBytes <= 0 {
		return base
	}
	sizeMB := (sizeBytes + (1 << 20) - 1) / (1 << 20)
	steps := (sizeMB + timeoutStepMB - 1) / timeoutStepMB
	timeout := base + time.Duration(steps)*step
	if timeout > max {
		return max
	}
	return timeout
}

// Client talks to the supernode's HTTP control API.
type Client struct {
	baseURL string
	hc      *http.Client
	cfg     *Config
	logger  *zap.Logger
}

// NewClient creates a replication target client.
func NewClient(cfg *Config, logger *zap.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid supernode config: %w", err)
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.APIURL, "/"),
		hc:      &http.Client{},
		cfg:     cfg,
		logger:  logger,
	}, nil
}

// Pin asks the target to fetch and pin an identifier. The call deadline
// scales with sizeHintBytes; an unmeasured object (hint 0) gets the base
// timeout only.
func (c *Client) Pin(ctx context.Context, identifier string, sizeHintBytes int64) error {
	timeout := PinTimeout(sizeHintBytes, c.cfg.BaseTimeout, c.cfg.StepTimeout, c.cfg.MaxTimeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.logger.Debug("supernode pin",
		zap.String("identifier", identifier),
		zap.Int64("size_hint_bytes", sizeHintBytes),
		zap.Duration("timeout", timeout))

	status, body, err := c.call(ctx, "/api/v0/pin/add", url.Values{"arg": {identifier}})
	if err != nil {
		return fmt.Errorf("supernode pin %s: %w", identifier, err)
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("supernode pin %s: status %d: %s", identifier, status, snippet(body))
	}
	return nil
}

// Verify checks whether the identifier is currently pinned on the target.
// Response ambiguity resolves through DecidePinned; only transport failures
// return an error, and callers treat those as "not pinned" too.
func (c *Client) Verify(ctx context.Context, identifier string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.BaseTimeout)
	defer cancel()

	status, body, err := c.call(ctx, "/api/v0/pin/ls", url.Values{"arg": {identifier}})
	if err != nil {
		return false, fmt.Errorf("supernode verify %s: %w", identifier, err)
	}

	verdict := DecidePinned(status, body, identifier)
	c.logger.Debug("supernode verify",
		zap.String("identifier", identifier),
		zap.Int("status", status),
		zap.String("verdict", verdict.String()))
	return verdict.Pinned(), nil
}

func (c *Client) call(ctx context.Context, path string, params url.Values) (int, []byte, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return 0, nil, err
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
