package observability

import (
	"fmt"

	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// InitMetrics builds the Prometheus-backed recorder. The default Prometheus
// registry picks up the exporter, so promhttp.Handler serves the values.
func InitMetrics(cfg MetricsConfig) (*PrometheusMetrics, error) {
	if !cfg.Enabled {
		return &PrometheusMetrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)
	meter := meterProvider.Meter("maruntime")

	m := &PrometheusMetrics{}

	if m.sessionDuration, err = meter.Float64Histogram(
		"maruntime_session_run_duration_seconds",
		metric.WithDescription("Session run duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create session duration histogram: %w", err)
	}
	if m.sessionRunsTotal, err = meter.Int64Counter(
		"maruntime_session_runs_total",
		metric.WithDescription("Total session runs"),
	); err != nil {
		return nil, fmt.Errorf("failed to create session runs counter: %w", err)
	}

	if m.toolDuration, err = meter.Float64Histogram(
		"maruntime_tool_execution_duration_seconds",
		metric.WithDescription("Tool execution duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool duration histogram: %w", err)
	}
	if m.toolCallsTotal, err = meter.Int64Counter(
		"maruntime_tool_calls_total",
		metric.WithDescription("Total tool calls"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool calls counter: %w", err)
	}
	if m.toolErrorsTotal, err = meter.Int64Counter(
		"maruntime_tool_errors_total",
		metric.WithDescription("Total tool errors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool errors counter: %w", err)
	}

	if m.llmDuration, err = meter.Float64Histogram(
		"maruntime_llm_call_duration_seconds",
		metric.WithDescription("LLM call duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}
	if m.llmCallsTotal, err = meter.Int64Counter(
		"maruntime_llm_calls_total",
		metric.WithDescription("Total LLM calls"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm calls counter: %w", err)
	}
	if m.llmTokensTotal, err = meter.Int64Counter(
		"maruntime_llm_tokens_total",
		metric.WithDescription("Total LLM tokens used"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm tokens counter: %w", err)
	}
	if m.llmErrorsTotal, err = meter.Int64Counter(
		"maruntime_llm_errors_total",
		metric.WithDescription("Total LLM call errors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	return m, nil
}
