// Package metrics exposes Hanashi's Prometheus collectors.
//
// Collectors live on a registry owned by the Metrics value rather than the
// global default registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Turn outcomes used as the "outcome" label of hanashi_turns_total.
const (
	OutcomeOK              = "ok"
	OutcomeTooLong         = "too_long"
	OutcomeCompletionError = "completion_error"
	OutcomeCancelled       = "cancelled"
	OutcomeConfigError     = "config_error"
)

// Metrics groups the collectors recorded by the relay and the front-end.
type Metrics struct {
	registry *prometheus.Registry

	turns            *prometheus.CounterVec
	inbound          *prometheus.CounterVec
	droppedMessages  prometheus.Counter
	contextTokens    prometheus.Histogram
	completionTime   prometheus.Histogram
	usageTokens      *prometheus.CounterVec
	estimateAccuracy prometheus.Histogram
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		turns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hanashi_turns_total",
				Help: "Completion turns by outcome",
			},
			[]string{"outcome"},
		),
		inbound: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hanashi_inbound_messages_total",
				Help: "Inbound chat messages by how they were handled",
			},
			[]string{"kind"},
		),
		droppedMessages: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hanashi_trimmed_messages_total",
				Help: "History messages left out of a completion request by trimming",
			},
		),
		contextTokens: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "hanashi_context_tokens",
				Help:    "Estimated tokens of the context sent per completion request",
				Buckets: prometheus.ExponentialBuckets(64, 2, 10),
			},
		),
		completionTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "hanashi_completion_duration_seconds",
				Help:    "Duration of completion endpoint calls",
				Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60, 120},
			},
		),
		usageTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hanashi_usage_tokens_total",
				Help: "Tokens reported by the completion endpoint",
			},
			[]string{"type"},
		),
		estimateAccuracy: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "hanashi_estimate_ratio",
				Help:    "Estimated prompt tokens divided by endpoint-reported prompt tokens",
				Buckets: []float64{0.5, 0.75, 0.9, 1, 1.1, 1.25, 1.5, 2},
			},
		),
	}

	m.registry.MustRegister(
		m.turns,
		m.inbound,
		m.droppedMessages,
		m.contextTokens,
		m.completionTime,
		m.usageTokens,
		m.estimateAccuracy,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RegisterGauge exposes fn as a gauge, e.g. the number of live conversations.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
}

// Turn records the outcome of one relay turn.
func (m *Metrics) Turn(outcome string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(outcome).Inc()
}

// Inbound records how an inbound chat message was handled
// (relayed, command, reset, rate_limited, ignored).
func (m *Metrics) Inbound(kind string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(kind).Inc()
}

// Window records the size of a trimmed context: its estimated tokens and how
// many history messages were left out.
func (m *Metrics) Window(estimatedTokens, dropped int) {
	if m == nil {
		return
	}
	m.contextTokens.Observe(float64(estimatedTokens))
	if dropped > 0 {
		m.droppedMessages.Add(float64(dropped))
	}
}

// Completion records one endpoint call. Usage figures of zero mean the
// endpoint did not report them and are skipped.
func (m *Metrics) Completion(d time.Duration, estimatedPrompt, reportedPrompt, reportedCompletion int) {
	if m == nil {
		return
	}
	m.completionTime.Observe(d.Seconds())
	if reportedPrompt > 0 {
		m.usageTokens.WithLabelValues("prompt").Add(float64(reportedPrompt))
		m.estimateAccuracy.Observe(float64(estimatedPrompt) / float64(reportedPrompt))
	}
	if reportedCompletion > 0 {
		m.usageTokens.WithLabelValues("completion").Add(float64(reportedCompletion))
	}
}
