// Package observability collects Prometheus metrics for the runtime and
// serves them over HTTP.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the runtime records into. Each process
// creates one instance with its own registry, so tests can build as many
// as they need.
type Metrics struct {
	registry *prometheus.Registry

	// Messages counts gateway traffic.
	// Labels: channel, direction (inbound|outbound).
	Messages *prometheus.CounterVec

	// LLMRequests counts model calls by endpoint and status.
	LLMRequests *prometheus.CounterVec

	// LLMRequestDuration measures model call latency in seconds.
	LLMRequestDuration *prometheus.HistogramVec

	// ToolExecutions counts tool invocations by name and status.
	ToolExecutions *prometheus.CounterVec

	// TaskExecutions counts scheduler runs by status
	// (success|failed|timeout).
	TaskExecutions *prometheus.CounterVec

	// Transcriptions counts STT calls by status.
	Transcriptions *prometheus.CounterVec

	// ActiveSessions gauges live sessions by channel.
	ActiveSessions *prometheus.GaugeVec
}

// NewMetrics creates the collectors on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		Messages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pocketmind_messages_total",
			Help: "Messages through the gateway by channel and direction",
		}, []string{"channel", "direction"}),
		LLMRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pocketmind_llm_requests_total",
			Help: "LLM calls by endpoint and status",
		}, []string{"endpoint", "status"}),
		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pocketmind_llm_request_duration_seconds",
			Help:    "LLM call latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"endpoint"}),
		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pocketmind_tool_executions_total",
			Help: "Tool invocations by name and status",
		}, []string{"tool", "status"}),
		TaskExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pocketmind_task_executions_total",
			Help: "Scheduled task runs by status",
		}, []string{"status"}),
		Transcriptions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pocketmind_transcriptions_total",
			Help: "Voice transcriptions by status",
		}, []string{"status"}),
		ActiveSessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pocketmind_active_sessions",
			Help: "Live conversation sessions by channel",
		}, []string{"channel"}),
	}
}

// Registry exposes the underlying registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
