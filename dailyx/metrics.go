package dailyx

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	transitions        *prometheus.CounterVec
	dispatched         prometheus.Counter
	dispatchRejected   prometheus.Counter
	validationFailures *prometheus.CounterVec
	failures           *prometheus.CounterVec
	escalations        *prometheus.CounterVec
	reportsSent        prometheus.Counter
	archived           prometheus.Counter
	pruned             prometheus.Counter
	inProgress         prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dailyx",
			Name:      "task_transitions_total",
			Help:      "Task status transitions by source and target status",
		}, []string{"from", "to"}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dailyx",
			Name:      "tasks_dispatched_total",
			Help:      "Tasks handed to a worker",
		}),
		dispatchRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dailyx",
			Name:      "dispatch_rejected_total",
			Help:      "Dispatch calls that the worker transport rejected",
		}),
		validationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dailyx",
			Name:      "validation_failures_total",
			Help:      "Pre-dispatch validation failures by reason",
		}, []string{"reason"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dailyx",
			Name:      "task_failures_total",
			Help:      "Recorded task failures by kind",
		}, []string{"kind"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dailyx",
			Name:      "escalations_total",
			Help:      "Tasks escalated to a human by kind",
		}, []string{"kind"}),
		reportsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dailyx",
			Name:      "reports_sent_total",
			Help:      "Final session reports delivered",
		}),
		archived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dailyx",
			Name:      "tasks_archived_total",
			Help:      "Tasks moved into history",
		}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dailyx",
			Name:      "history_pruned_total",
			Help:      "Historical records removed by retention",
		}),
		inProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dailyx",
			Name:      "tasks_in_progress",
			Help:      "In-progress tasks seen by the last checkpoint sweep",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.transitions, m.dispatched, m.dispatchRejected, m.validationFailures,
			m.failures, m.escalations, m.reportsSent, m.archived, m.pruned, m.inProgress)
	}
	return m
}

func (m *Metrics) transition(from, to Status) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) dispatch(accepted bool) {
	if m == nil {
		return
	}
	if accepted {
		m.dispatched.Inc()
		return
	}
	m.dispatchRejected.Inc()
}

func (m *Metrics) validationFailure(reason string) {
	if m == nil {
		return
	}
	m.validationFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) failure(kind FailureKind) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) escalation(kind FailureKind) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) reportSent() {
	if m == nil {
		return
	}
	m.reportsSent.Inc()
}

func (m *Metrics) archive(archived, pruned int) {
	if m == nil {
		return
	}
	m.archived.Add(float64(archived))
	m.pruned.Add(float64(pruned))
}

func (m *Metrics) setInProgress(n int) {
	if m == nil {
		return
	}
	m.inProgress.Set(float64(n))
}
