package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	WAIncomingMessages    *prometheus.CounterVec
	WAOutgoingMessages    *prometheus.CounterVec
	DuplicateMessages     prometheus.Counter
	OracleRequests        *prometheus.CounterVec
	OracleLatency         *prometheus.HistogramVec
	OnboardingTransitions *prometheus.CounterVec
	MealsRegistered       prometheus.Counter
	DailyReports          *prometheus.CounterVec
	Errors                *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = newMetrics(namespace)
		prometheus.MustRegister(metricsInstance.collectors()...)
	})
	return metricsInstance
}

// NewUnregistered builds collectors without registering them, for tests.
func NewUnregistered(namespace string) *Metrics {
	return newMetrics(namespace)
}

func newMetrics(namespace string) *Metrics {
	return &Metrics{
		WAIncomingMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wa_incoming_messages_total",
			Help:      "Total incoming WhatsApp messages processed.",
		}, []string{"type"}),
		WAOutgoingMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wa_outgoing_messages_total",
			Help:      "Total outgoing WhatsApp messages by transport and outcome.",
		}, []string{"transport", "status"}),
		DuplicateMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wa_duplicate_messages_total",
			Help:      "Inbound messages dropped as platform redeliveries.",
		}),
		OracleRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_requests_total",
			Help:      "Total language model requests by operation and outcome.",
		}, []string{"operation", "status"}),
		OracleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "oracle_request_duration_seconds",
			Help:      "Latency distribution for language model calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "status"}),
		OnboardingTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "onboarding_transitions_total",
			Help:      "Onboarding steps reached.",
		}, []string{"step"}),
		MealsRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "meals_registered_total",
			Help:      "Meals analysed and stored.",
		}),
		DailyReports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "daily_reports_total",
			Help:      "Daily reports by outcome.",
		}, []string{"status"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total errors grouped by component.",
		}, []string{"component"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.WAIncomingMessages,
		m.WAOutgoingMessages,
		m.DuplicateMessages,
		m.OracleRequests,
		m.OracleLatency,
		m.OnboardingTransitions,
		m.MealsRegistered,
		m.DailyReports,
		m.Errors,
	}
}

func (m *Metrics) IncIncoming(kind string) {
	if m != nil {
		m.WAIncomingMessages.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) IncOutgoing(transport, status string) {
	if m != nil {
		m.WAOutgoingMessages.WithLabelValues(transport, status).Inc()
	}
}

func (m *Metrics) IncDuplicate() {
	if m != nil {
		m.DuplicateMessages.Inc()
	}
}

// ObserveOracle records one language model call.
func (m *Metrics) ObserveOracle(operation string, started time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.OracleRequests.WithLabelValues(operation, status).Inc()
	m.OracleLatency.WithLabelValues(operation, status).Observe(time.Since(started).Seconds())
}

func (m *Metrics) IncTransition(step string) {
	if m != nil {
		m.OnboardingTransitions.WithLabelValues(step).Inc()
	}
}

func (m *Metrics) IncMeal() {
	if m != nil {
		m.MealsRegistered.Inc()
	}
}

func (m *Metrics) IncReport(status string) {
	if m != nil {
		m.DailyReports.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) IncError(component string) {
	if m != nil {
		m.Errors.WithLabelValues(component).Inc()
	}
}
