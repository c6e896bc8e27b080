package sandbox

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	modeFresh   = "fresh"
	modeRestore = "restore"
)

// Metrics is safe to use as a nil pointer.
type Metrics struct {
	starts        *prometheus.CounterVec
	startDuration *prometheus.HistogramVec
	running       prometheus.Gauge
	snapshots     *prometheus.CounterVec
	cleanupErrors *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		starts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fcbox",
			Name:      "sandbox_starts_total",
			Help:      "Sandbox start attempts by mode and result.",
		}, []string{"mode", "result"}),
		startDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fcbox",
			Name:      "sandbox_start_duration_seconds",
			Help:      "Time from start request to a healthy guest daemon.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"mode"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fcbox",
			Name:      "sandboxes_running",
			Help:      "Sandboxes started and not yet stopped.",
		}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fcbox",
			Name:      "snapshots_total",
			Help:      "Snapshot attempts by result.",
		}, []string{"result"}),
		cleanupErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fcbox",
			Name:      "cleanup_errors_total",
			Help:      "Best-effort cleanup steps that failed.",
		}, []string{"step"}),
	}
	if reg != nil {
		reg.MustRegister(m.starts, m.startDuration, m.running, m.snapshots, m.cleanupErrors)
	}
	return m
}

func (m *Metrics) observeStart(mode string, began time.Time, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.starts.WithLabelValues(mode, result).Inc()
	if err == nil {
		m.startDuration.WithLabelValues(mode).Observe(time.Since(began).Seconds())
		m.running.Inc()
	}
}

func (m *Metrics) observeStop() {
	if m == nil {
		return
	}
	m.running.Dec()
}

func (m *Metrics) observeSnapshot(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.snapshots.WithLabelValues(result).Inc()
}

func (m *Metrics) observeCleanupError(step string) {
	if m == nil {
		return
	}
	m.cleanupErrors.WithLabelValues(step).Inc()
}
