package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the collectors exported on /metrics.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequests         *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	InstanceActions      *prometheus.CounterVec
	WebhookEvents        *prometheus.CounterVec
	CreditsGranted       prometheus.Counter
	CredentialBootstraps *prometheus.CounterVec
}

// New registers all collectors on a fresh registry, so tests can build as
// many as they like.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "teai",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "teai",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		InstanceActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "teai",
			Name:      "instance_actions_total",
			Help:      "Instance controller actions by action and result.",
		}, []string{"action", "result"}),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "teai",
			Name:      "stripe_webhook_events_total",
			Help:      "Stripe webhook deliveries by event type and outcome.",
		}, []string{"type", "outcome"}),
		CreditsGranted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "teai",
			Name:      "credits_granted_total",
			Help:      "Credits added to user balances.",
		}),
		CredentialBootstraps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "teai",
			Name:      "credential_bootstraps_total",
			Help:      "Credential lookups by outcome (existing, created, failed).",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequests,
		m.HTTPRequestDuration,
		m.InstanceActions,
		m.WebhookEvents,
		m.CreditsGranted,
		m.CredentialBootstraps,
	)
	return m
}

// ObserveInstanceAction is nil-safe so components can run without metrics.
func (m *Metrics) ObserveInstanceAction(action string, err error) {
	if m == nil {
		return
	}
	m.InstanceActions.WithLabelValues(action, result(err)).Inc()
}

func (m *Metrics) ObserveWebhook(eventType, outcome string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) AddCredits(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.CreditsGranted.Add(float64(n))
}

func (m *Metrics) ObserveBootstrap(outcome string) {
	if m == nil {
		return
	}
	m.CredentialBootstraps.WithLabelValues(outcome).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
