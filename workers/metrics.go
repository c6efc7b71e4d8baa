package workers

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "cachenode"
	metricsSubsystem = "workers"
)

// Metrics holds Prometheus metrics shared by all workers.
type Metrics struct {
	runsTotal       *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	pinsProcessed   *prometheus.CounterVec
	bytesMigrated   prometheus.Counter
	bytesFreed      prometheus.Counter
	overduePins     prometheus.Gauge
	retriesExceeded prometheus.Counter
}

// NewMetrics creates and registers worker metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "runs_total",
				Help:      "Total worker runs by outcome",
			},
			[]string{"worker", "status"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "run_duration_seconds",
				Help:      "Duration of worker runs in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"worker"},
		),
		pinsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "pins_processed_total",
				Help:      "Pins handled by workers, by result",
			},
			[]string{"worker", "result"},
		),
		bytesMigrated: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "bytes_migrated_total",
				Help:      "Bytes confirmed replicated to the supernode",
			},
		),
		bytesFreed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "bytes_freed_total",
				Help:      "Bytes reclaimed from the local storage node",
			},
		),
		overduePins: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "overdue_pins",
				Help:      "Accepted, unmigrated pins older than the staleness threshold",
			},
		),
		retriesExceeded: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "migration_retries_exceeded_total",
				Help:      "Migration failures that pushed a pin past the configured retry threshold",
			},
		),
	}
}

func (m *Metrics) recordRun(worker string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.runDuration.WithLabelValues(worker).Observe(time.Since(start).Seconds())
	status := "success"
	if err != nil {
		status = "error"
	}
	m.runsTotal.WithLabelValues(worker, status).Inc()
}

func (m *Metrics) recordPin(worker, result string) {
	if m == nil {
		return
	}
	m.pinsProcessed.WithLabelValues(worker, result).Inc()
}

func (m *Metrics) addBytesMigrated(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesMigrated.Add(float64(n))
}

func (m *Metrics) addBytesFreed(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesFreed.Add(float64(n))
}

func (m *Metrics) setOverdue(n int) {
	if m == nil {
		return
	}
	m.overduePins.Set(float64(n))
}

func (m *Metrics) incRetriesExceeded() {
	if m == nil {
		return
	}
	m.retriesExceeded.Inc()
}
