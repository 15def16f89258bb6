package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects gateway metrics.
//
// Tracked series:
//   - Message flow through platform adapters
//   - Pipeline stage outcomes (continue / interrupt / error)
//   - LLM request latency and counts
//   - Retrieval queries per provider type
//   - Active pipeline runs for capacity planning
type Metrics struct {
	// MessageCounter tracks messages by platform and direction.
	// Labels: platform, direction (inbound|outbound)
	MessageCounter *prometheus.CounterVec

	// StageResultCounter counts stage outcomes.
	// Labels: stage, result (continue|interrupt|error)
	StageResultCounter *prometheus.CounterVec

	// LLMRequestDuration measures LLM call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// RetrievalCounter counts retrieval provider queries.
	// Labels: provider_type (vector|fulltext|hybrid), status
	RetrievalCounter *prometheus.CounterVec

	// ActivePipelines gauges pipelines currently executing.
	ActivePipelines prometheus.Gauge

	// WebhookCounter counts webhook dispatches by HTTP status.
	// Labels: status_code
	WebhookCounter *prometheus.CounterVec
}

// NewMetrics creates and registers metrics on the given registerer.
// Pass prometheus.DefaultRegisterer in production; tests use a fresh
// registry to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessageCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "langbot_messages_total",
			Help: "Messages processed by platform and direction.",
		}, []string{"platform", "direction"}),
		StageResultCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "langbot_stage_results_total",
			Help: "Pipeline stage outcomes.",
		}, []string{"stage", "result"}),
		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "langbot_llm_request_duration_seconds",
			Help:    "LLM API call latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
		LLMRequestCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "langbot_llm_requests_total",
			Help: "LLM requests by provider, model and status.",
		}, []string{"provider", "model", "status"}),
		RetrievalCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "langbot_retrieval_queries_total",
			Help: "Retrieval provider queries.",
		}, []string{"provider_type", "status"}),
		ActivePipelines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "langbot_active_pipelines",
			Help: "Pipelines currently executing.",
		}),
		WebhookCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "langbot_webhook_requests_total",
			Help: "Webhook dispatches by HTTP status.",
		}, []string{"status_code"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.MessageCounter,
			m.StageResultCounter,
			m.LLMRequestDuration,
			m.LLMRequestCounter,
			m.RetrievalCounter,
			m.ActivePipelines,
			m.WebhookCounter,
		)
	}
	return m
}
