package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the scheduler's Prometheus instruments.
type Metrics struct {
	Submitted   prometheus.Counter
	Completed   *prometheus.CounterVec
	Cancelled   prometheus.Counter
	Rescheduled prometheus.Counter
	Queued      prometheus.Gauge
	Running     prometheus.Gauge
	Nodes       prometheus.Gauge
}

// NewMetrics creates the instruments and registers them with reg. A nil
// reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "archipelago",
			Subsystem: "scheduler",
			Name:      "jobs_submitted_total",
			Help:      "Jobs accepted by the scheduler.",
		}),
		Completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archipelago",
			Subsystem: "scheduler",
			Name:      "jobs_completed_total",
			Help:      "Jobs returned by a node, by outcome.",
		}, []string{"outcome"}),
		Cancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "archipelago",
			Subsystem: "scheduler",
			Name:      "jobs_cancelled_total",
			Help:      "Jobs cancelled while queued or running.",
		}),
		Rescheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "archipelago",
			Subsystem: "scheduler",
			Name:      "jobs_rescheduled_total",
			Help:      "Jobs put back on the queue after their node stopped.",
		}),
		Queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "archipelago",
			Subsystem: "scheduler",
			Name:      "jobs_queued",
			Help:      "Jobs waiting for a node.",
		}),
		Running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "archipelago",
			Subsystem: "scheduler",
			Name:      "jobs_running",
			Help:      "Jobs submitted to a node and not yet returned.",
		}),
		Nodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "archipelago",
			Subsystem: "scheduler",
			Name:      "nodes_active",
			Help:      "Nodes available for placement.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Submitted, m.Completed, m.Cancelled, m.Rescheduled, m.Queued, m.Running, m.Nodes)
	}
	return m
}
