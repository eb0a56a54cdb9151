package observability

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the runtime's instruments. The zero value is safe to
// use and records nothing, so callers never nil-check.
type Metrics struct {
	enabled  bool
	registry *promclient.Registry

	sessionsStarted  metric.Int64Counter
	sessionsTerminal metric.Int64Counter
	stepDuration     metric.Float64Histogram
	stepCost         metric.Float64Counter
	tokensInput      metric.Int64Counter
	tokensOutput     metric.Int64Counter
	toolCalls        metric.Int64Counter
	toolDuration     metric.Float64Histogram
	llmRetries       metric.Int64Counter
}

// initMetrics builds the instruments behind a dedicated Prometheus
// registry, which Handler exposes.
func initMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{}, nil
	}

	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(cfg.Namespace)

	m := &Metrics{enabled: true, registry: registry}
	name := func(s string) string { return cfg.Namespace + "_" + s }

	if m.sessionsStarted, err = meter.Int64Counter(name("sessions_started_total"),
		metric.WithDescription("Sessions spawned")); err != nil {
		return nil, err
	}
	if m.sessionsTerminal, err = meter.Int64Counter(name("sessions_terminal_total"),
		metric.WithDescription("Sessions reaching a terminal state, by state")); err != nil {
		return nil, err
	}
	if m.stepDuration, err = meter.Float64Histogram(name("step_duration_seconds"),
		metric.WithDescription("Reasoning step duration")); err != nil {
		return nil, err
	}
	if m.stepCost, err = meter.Float64Counter(name("step_cost_dollars_total"),
		metric.WithDescription("Accumulated step cost, by agent")); err != nil {
		return nil, err
	}
	if m.tokensInput, err = meter.Int64Counter(name("llm_tokens_input_total"),
		metric.WithDescription("Input tokens sent to providers")); err != nil {
		return nil, err
	}
	if m.tokensOutput, err = meter.Int64Counter(name("llm_tokens_output_total"),
		metric.WithDescription("Output tokens received from providers")); err != nil {
		return nil, err
	}
	if m.toolCalls, err = meter.Int64Counter(name("tool_calls_total"),
		metric.WithDescription("Tool executions, by tool and outcome")); err != nil {
		return nil, err
	}
	if m.toolDuration, err = meter.Float64Histogram(name("tool_duration_seconds"),
		metric.WithDescription("Tool execution duration")); err != nil {
		return nil, err
	}
	if m.llmRetries, err = meter.Int64Counter(name("llm_retries_total"),
		metric.WithDescription("Provider request retries")); err != nil {
		return nil, err
	}
	return m, nil
}

// Handler serves the metrics registry, or 404 when metrics are off.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionStarted(ctx context.Context, agentID string) {
	if !m.enabled {
		return
	}
	m.sessionsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", agentID)))
}

func (m *Metrics) SessionTerminal(ctx context.Context, agentID, state string) {
	if !m.enabled {
		return
	}
	m.sessionsTerminal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", agentID),
		attribute.String("state", state),
	))
}

func (m *Metrics) StepCompleted(ctx context.Context, agentID string, seconds, cost float64, inputTokens, outputTokens int) {
	if !m.enabled {
		return
	}
	attrs := metric.WithAttributes(attribute.String("agent", agentID))
	m.stepDuration.Record(ctx, seconds, attrs)
	m.stepCost.Add(ctx, cost, attrs)
	m.tokensInput.Add(ctx, int64(inputTokens), attrs)
	m.tokensOutput.Add(ctx, int64(outputTokens), attrs)
}

func (m *Metrics) ToolExecuted(ctx context.Context, tool string, seconds float64, isError bool) {
	if !m.enabled {
		return
	}
	m.toolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.Bool("error", isError),
	))
	m.toolDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("tool", tool)))
}

func (m *Metrics) LLMRetry(ctx context.Context, provider string) {
	if !m.enabled {
		return
	}
	m.llmRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}
