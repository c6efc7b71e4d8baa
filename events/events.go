// Package events provides the audit-event recorder and the alert notifier.
// Both are fire-and-forget from the workers' perspective: failures are
// logged and swallowed, never propagated into a run.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ipfs-cluster/cache-node/registry"
	"github.com/ipfs-cluster/cache-node/timeutil"
)

// Event severities.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

const (
	DefaultNATSURL        = nats.DefaultURL
	DefaultEventsSubject  = "cachenode.events"
	DefaultAlertsSubject  = "cachenode.alerts"
	DefaultConnectTimeout = 5 * time.Second
)

// Config holds NATS settings for events and alerts.
type Config struct {
	Enabled        bool          `json:"enabled"`
	URL            string        `json:"url"`
	EventsSubject  string        `json:"events_subject"`
	AlertsSubject  string        `json:"alerts_subject"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
}

// UnmarshalJSON implements json.Unmarshaler. Duration fields accept
// "30s"-style strings as well as nanosecond counts.
func (cfg *Config) UnmarshalJSON(data []byte) error {
	type rawConfig Config
	aux := struct {
		*rawConfig
		ConnectTimeout *timeutil.Duration `json:"connect_timeout"`
	}{rawConfig: (*rawConfig)(cfg)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.ConnectTimeout != nil {
		cfg.ConnectTimeout = aux.ConnectTimeout.Std()
	}
	return nil
}

// DefaultEventsConfig returns a config for a local NATS server.
func DefaultEventsConfig() *Config {
	return &Config{
		Enabled:        false,
		URL:            DefaultNATSURL,
		EventsSubject:  DefaultEventsSubject,
		AlertsSubject:  DefaultAlertsSubject,
		ConnectTimeout: DefaultConnectTimeout,
	}
}

// Validate checks the configuration
func (cfg *Config) Validate() error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.URL == "" {
		return fmt.Errorf("nats url is required when events are enabled")
	}
	if cfg.EventsSubject == "" || cfg.AlertsSubject == "" {
		return fmt.Errorf("events and alerts subjects are required")
	}
	return nil
}

// Connect opens the NATS connection, or returns nil when disabled.
func Connect(cfg *Config, logger *zap.Logger) (*nats.Conn, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Timeout(cfg.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.Info("connected to NATS", zap.String("url", cfg.URL))
	return nc, nil
}

// Recorder appends audit events to the registry and mirrors them onto the
// event bus.
type Recorder struct {
	store   registry.EventStore
	nc      *nats.Conn
	subject string
	logger  *zap.Logger
}

// NewRecorder creates an event recorder. nc may be nil, in which case events
// are only persisted.
func NewRecorder(store registry.EventStore, nc *nats.Conn, subject string, logger *zap.Logger) *Recorder {
	if subject == "" {
		subject = DefaultEventsSubject
	}
	return &Recorder{store: store, nc: nc, subject: subject, logger: logger}
}

// Record persists and publishes one event. Failures are logged, never
// returned: the audit trail must not break a worker run.
func (r *Recorder) Record(ctx context.Context, eventType, severity, message string, metadata map[string]string) {
	ev := registry.Event{
		Type:      eventType,
		Severity:  severity,
		Message:   message,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}

	if err := r.store.AppendEvent(ctx, ev); err != nil {
		r.logger.Warn("failed to persist event",
			zap.String("type", eventType),
			zap.Error(err))
	}

	if r.nc == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		r.logger.Warn("failed to encode event", zap.Error(err))
		return
	}
	if err := r.nc.Publish(r.subject, payload); err != nil {
		r.logger.Warn("failed to publish event",
			zap.String("subject", r.subject),
			zap.Error(err))
	}
}

// Alert is an outbound best-effort notification.
type Alert struct {
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Severity  string            `json:"severity"`
	Fields    map[string]string `json:"fields,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Notifier publishes best-effort alerts. It never blocks or fails a caller.
type Notifier struct {
	nc      *nats.Conn
	subject string
	logger  *zap.Logger
}

// NewNotifier creates an alert notifier. nc may be nil, making every notify
// a no-op.
func NewNotifier(nc *nats.Conn, subject string, logger *zap.Logger) *Notifier {
	if subject == "" {
		subject = DefaultAlertsSubject
	}
	return &Notifier{nc: nc, subject: subject, logger: logger}
}

// Notify publishes one alert.
func (n *Notifier) Notify(ctx context.Context, severity, title, message string, fields map[string]string) {
	if n.nc == nil {
		return
	}
	alert := Alert{
		Title:     title,
		Message:   message,
		Severity:  severity,
		Fields:    fields,
		CreatedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		n.logger.Warn("failed to encode alert", zap.Error(err))
		return
	}
	if err := n.nc.Publish(n.subject, payload); err != nil {
		n.logger.Warn("failed to publish alert",
			zap.String("subject", n.subject),
			zap.Error(err))
	}
}
