package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Manager owns the tracer provider and metric instruments for one
// process. Initialize before use; an uninitialized manager hands out
// noop tracers and disabled metrics.
type Manager struct {
	cfg Config

	mu             sync.RWMutex
	tracerProvider trace.TracerProvider
	metrics        *Metrics
}

func NewManager(cfg Config) *Manager {
	cfg.SetDefaults()
	return &Manager{
		cfg:            cfg,
		tracerProvider: noop.NewTracerProvider(),
		metrics:        &Metrics{},
	}
}

func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tp, err := initTracer(ctx, m.cfg.Tracing)
	if err != nil {
		return err
	}
	m.tracerProvider = tp

	metrics, err := initMetrics(m.cfg.Metrics)
	if err != nil {
		return err
	}
	m.metrics = metrics
	return nil
}

// Tracer returns a named tracer off the installed provider.
func (m *Manager) Tracer(name string) trace.Tracer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracerProvider.Tracer(name)
}

func (m *Manager) Metrics() *Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// Shutdown flushes pending spans.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tp, ok := m.tracerProvider.(interface{ Shutdown(context.Context) error }); ok {
		return tp.Shutdown(ctx)
	}
	return nil
}
