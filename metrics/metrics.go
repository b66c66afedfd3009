package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const Namespace = "nexussync"

// Label names shared across collectors.
const (
	LabelOutcome     = "outcome"
	LabelParticipant = "participant"
	LabelPhase       = "phase"
	LabelSource      = "source"
	LabelMode        = "mode"
	LabelTask        = "task"
	LabelResult      = "result"
)

// Transaction outcomes.
const (
	OutcomeCommitted = "committed"
	OutcomeAborted   = "aborted"
	OutcomePartial   = "partial"
	OutcomeCancelled = "cancelled"
)

// LatencyBuckets for phase and transaction latencies (in seconds).
var LatencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0,
}

// Metrics groups the collectors updated by the coordinator, the change feed
// and the task harness. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	transactions        *prometheus.CounterVec
	participantFailures *prometheus.CounterVec
	phaseDuration       *prometheus.HistogramVec
	subscriptions       *prometheus.CounterVec
	changesDelivered    *prometheus.CounterVec
	pollErrors          *prometheus.CounterVec
	records             *prometheus.CounterVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "coordinator",
			Name:      "transactions_total",
			Help:      "Coordinated writes by outcome.",
		}, []string{LabelOutcome}),
		participantFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "coordinator",
			Name:      "participant_failures_total",
			Help:      "Failed phase calls by participant and phase.",
		}, []string{LabelParticipant, LabelPhase}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "coordinator",
			Name:      "phase_duration_seconds",
			Help:      "Time spent in each two-phase-commit phase across all participants.",
			Buckets:   LatencyBuckets,
		}, []string{LabelPhase}),
		subscriptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "changefeed",
			Name:      "subscriptions_total",
			Help:      "Change-feed subscriptions issued.",
		}, []string{LabelSource, LabelMode}),
		changesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "changefeed",
			Name:      "changes_delivered_total",
			Help:      "Changes handed to the caller.",
		}, []string{LabelSource}),
		pollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "changefeed",
			Name:      "poll_errors_total",
			Help:      "Poll errors swallowed by the change feed.",
		}, []string{LabelSource}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "task",
			Name:      "records_total",
			Help:      "Records processed by synchronization tasks, by result.",
		}, []string{LabelTask, LabelResult}),
	}
	m.registry.MustRegister(
		m.transactions,
		m.participantFailures,
		m.phaseDuration,
		m.subscriptions,
		m.changesDelivered,
		m.pollErrors,
		m.records,
	)
	return m
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// MustRegister adds extra collectors, such as a SystemCollector.
func (m *Metrics) MustRegister(cs ...prometheus.Collector) { m.registry.MustRegister(cs...) }

func (m *Metrics) TransactionFinished(outcome string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ParticipantFailed(participant, phase string) {
	if m == nil {
		return
	}
	m.participantFailures.WithLabelValues(participant, phase).Inc()
}

func (m *Metrics) ObservePhase(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

func (m *Metrics) Subscribed(source, mode string) {
	if m == nil {
		return
	}
	m.subscriptions.WithLabelValues(source, mode).Inc()
}

func (m *Metrics) ChangeDelivered(source string) {
	if m == nil {
		return
	}
	m.changesDelivered.WithLabelValues(source).Inc()
}

func (m *Metrics) PollFailed(source string) {
	if m == nil {
		return
	}
	m.pollErrors.WithLabelValues(source).Inc()
}

func (m *Metrics) RecordProcessed(task, result string) {
	if m == nil {
		return
	}
	m.records.WithLabelValues(task, result).Inc()
}
