package agent

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the executor's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	TasksRunning    prometheus.Gauge
	TasksQueued     prometheus.Gauge
	TasksTotal      *prometheus.CounterVec
	TaskDuration    prometheus.Histogram
	Classifications *prometheus.CounterVec
}

// NewMetrics registers the executor collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TasksRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "tasks_running",
			Help:      "Number of agent processes currently running",
		}),
		TasksQueued: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "tasks_queued",
			Help:      "Number of tasks waiting for a free slot",
		}),
		TasksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "tasks_total",
			Help:      "Finished tasks by terminal status",
		}, []string{"status"}),
		TaskDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "task_duration_seconds",
			Help:      "Task duration from creation to finalization",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		Classifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "intent_classifications_total",
			Help:      "Intent classifications by resulting label",
		}, []string{"label"}),
	}
}

func (m *Metrics) setLoad(running, queued int) {
	if m == nil {
		return
	}
	m.TasksRunning.Set(float64(running))
	m.TasksQueued.Set(float64(queued))
}

func (m *Metrics) finished(status Status, d time.Duration) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(string(status)).Inc()
	m.TaskDuration.Observe(d.Seconds())
}

func (m *Metrics) classified(label IntentLabel) {
	if m == nil {
		return
	}
	m.Classifications.WithLabelValues(string(label)).Inc()
}
