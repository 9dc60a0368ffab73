// Package metrics exports Prometheus counters and histograms for graph
// execution, LLM calls, and websocket connections.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter owns a private Prometheus registry so this package can be used
// inside a process that already runs its own default collectors.
type Exporter struct {
	registry *prometheus.Registry

	taskRuns    *prometheus.CounterVec
	taskLatency *prometheus.HistogramVec

	llmCalls   *prometheus.CounterVec
	llmLatency *prometheus.HistogramVec
	llmRetries prometheus.Counter

	wsConnections prometheus.Gauge
	wsMessages    *prometheus.CounterVec
}

// Config configures the exporter's latency histogram buckets.
type Config struct {
	LatencyBuckets []float64
}

// DefaultConfig returns default bucket boundaries spanning a typical LLM
// call's latency range.
func DefaultConfig() Config {
	return Config{LatencyBuckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60}}
}

// New creates an Exporter and registers all its collectors.
func New(cfg Config) *Exporter {
	if len(cfg.LatencyBuckets) == 0 {
		cfg = DefaultConfig()
	}

	reg := prometheus.NewRegistry()
	e := &Exporter{registry: reg}

	e.taskRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskgraph",
		Name:      "task_runs_total",
		Help:      "Total number of task executions, by kind and outcome.",
	}, []string{"kind", "status"})

	e.taskLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "taskgraph",
		Name:      "task_duration_seconds",
		Help:      "Task execution latency, by kind.",
		Buckets:   cfg.LatencyBuckets,
	}, []string{"kind"})

	e.llmCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskgraph",
		Subsystem: "llm",
		Name:      "calls_total",
		Help:      "Total number of chat completion calls, by provider and outcome.",
	}, []string{"provider", "status"})

	e.llmLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "taskgraph",
		Subsystem: "llm",
		Name:      "call_duration_seconds",
		Help:      "Chat completion call latency, by provider.",
		Buckets:   cfg.LatencyBuckets,
	}, []string{"provider"})

	e.llmRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taskgraph",
		Subsystem: "llm",
		Name:      "retries_total",
		Help:      "Total number of transient-error retries issued to the chat API.",
	})

	e.wsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskgraph",
		Subsystem: "transport",
		Name:      "connections",
		Help:      "Number of currently open websocket connections.",
	})

	e.wsMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskgraph",
		Subsystem: "transport",
		Name:      "messages_total",
		Help:      "Total websocket messages exchanged, by direction and type.",
	}, []string{"direction", "type"})

	reg.MustRegister(
		e.taskRuns,
		e.taskLatency,
		e.llmCalls,
		e.llmLatency,
		e.llmRetries,
		e.wsConnections,
		e.wsMessages,
	)
	return e
}

// RecordTaskRun records one task execution's outcome and latency.
func (e *Exporter) RecordTaskRun(kind string, dur time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	e.taskRuns.WithLabelValues(kind, status).Inc()
	e.taskLatency.WithLabelValues(kind).Observe(dur.Seconds())
}

// RecordLLMCall records one chat completion call's outcome and latency.
func (e *Exporter) RecordLLMCall(provider string, dur time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	e.llmCalls.WithLabelValues(provider, status).Inc()
	e.llmLatency.WithLabelValues(provider).Observe(dur.Seconds())
}

// RecordLLMRetry increments the transient-error retry counter.
func (e *Exporter) RecordLLMRetry() {
	e.llmRetries.Inc()
}

// ConnectionOpened and ConnectionClosed track live websocket connections.
func (e *Exporter) ConnectionOpened() { e.wsConnections.Inc() }
func (e *Exporter) ConnectionClosed() { e.wsConnections.Dec() }

// RecordMessage records one websocket message, direction is "in" or "out".
func (e *Exporter) RecordMessage(direction, messageType string) {
	e.wsMessages.WithLabelValues(direction, messageType).Inc()
}

// Handler serves the registry in Prometheus text exposition format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}
