package registry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "cachenode"
	metricsSubsystem = "registry"
)

// Metrics holds Prometheus metrics for registry operations.
type Metrics struct {
	operationDuration *prometheus.HistogramVec
	operationCounter  *prometheus.CounterVec
}

// NewMetrics creates and registers registry metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "operation_duration_seconds",
				Help:      "Duration of registry operations in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"operation"},
		),
		operationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "operations_total",
				Help:      "Total number of registry operations by status",
			},
			[]string{"operation", "status"},
		),
	}
}

func (m *Metrics) recordOperation(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.operationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	status := "success"
	if err != nil {
		status = "error"
	}
	m.operationCounter.WithLabelValues(op, status).Inc()
}
