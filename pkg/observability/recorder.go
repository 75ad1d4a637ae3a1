// Package observability wires OpenTelemetry metrics (exported via Prometheus)
// and tracing hooks for the runtime: LLM calls, tool executions and session
// runs are recorded here.
package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	globalMetrics Metrics
	metricsMu     sync.RWMutex
)

type Metrics interface {
	RecordSessionRun(ctx context.Context, templateName string, duration time.Duration, finalState string)
	RecordToolExecution(ctx context.Context, tool string, duration time.Duration, err error)
	RecordLLMCall(ctx context.Context, model string, duration time.Duration, totalTokens int, err error)
}

type PrometheusMetrics struct {
	sessionDuration  metric.Float64Histogram
	sessionRunsTotal metric.Int64Counter

	toolDuration    metric.Float64Histogram
	toolCallsTotal  metric.Int64Counter
	toolErrorsTotal metric.Int64Counter

	llmDuration    metric.Float64Histogram
	llmCallsTotal  metric.Int64Counter
	llmTokensTotal metric.Int64Counter
	llmErrorsTotal metric.Int64Counter
}

func (m *PrometheusMetrics) RecordSessionRun(ctx context.Context, templateName string, duration time.Duration, finalState string) {
	if m == nil || m.sessionDuration == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("template", templateName),
		attribute.String("state", finalState),
	)
	m.sessionDuration.Record(ctx, duration.Seconds(), attrs)
	m.sessionRunsTotal.Add(ctx, 1, attrs)
}

func (m *PrometheusMetrics) RecordToolExecution(ctx context.Context, tool string, duration time.Duration, err error) {
	if m == nil || m.toolDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
	m.toolCallsTotal.Add(ctx, 1, attrs)
	if err != nil && m.toolErrorsTotal != nil {
		m.toolErrorsTotal.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, totalTokens int, err error) {
	if m == nil || m.llmDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", model))
	m.llmDuration.Record(ctx, duration.Seconds(), attrs)
	m.llmCallsTotal.Add(ctx, 1, attrs)
	if totalTokens > 0 && m.llmTokensTotal != nil {
		m.llmTokensTotal.Add(ctx, int64(totalTokens), attrs)
	}
	if err != nil && m.llmErrorsTotal != nil {
		m.llmErrorsTotal.Add(ctx, 1, attrs)
	}
}

// SetGlobalMetrics installs the process-wide recorder.
func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

// GetGlobalMetrics returns the installed recorder, or a nil recorder whose
// methods are safe no-ops.
func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	if globalMetrics == nil {
		return (*PrometheusMetrics)(nil)
	}
	return globalMetrics
}
