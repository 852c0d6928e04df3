// Package observability wires run-level measurements into an OTel meter
// exported through Prometheus, plus an optional stdout tracer. Recording
// goes through a process-wide Metrics recorder so the hot paths never
// depend on whether metrics are enabled.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomworks/loom/config"
)

// ============================================================================
// MANAGER
// ============================================================================

// Manager owns the metrics pipeline and tracer provider for one process.
type Manager struct {
	cfg *config.ObservabilityConfig

	mu            sync.RWMutex
	metrics       Metrics
	meterProvider *sdkmetric.MeterProvider
	handler       http.Handler
	tracer        trace.TracerProvider
}

// NewManager creates an uninitialized manager for the given config.
func NewManager(cfg *config.ObservabilityConfig) *Manager {
	return &Manager{cfg: cfg, metrics: NoopMetrics{}}
}

// Initialize builds the enabled pipelines and installs the global recorder.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.MetricsEnabled {
		metrics, provider, handler, err := InitMetrics()
		if err != nil {
			return fmt.Errorf("failed to initialize metrics: %w", err)
		}
		m.metrics = metrics
		m.meterProvider = provider
		m.handler = handler
	}

	tp, err := InitTracer(ctx, "loom", m.cfg.TracingEnabled)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	m.tracer = tp

	SetGlobalMetrics(m.metrics)
	return nil
}

// GetMetrics returns the active recorder; noop until Initialize enables one.
func (m *Manager) GetMetrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// Handler returns the Prometheus scrape handler, or a 503 handler while
// metrics are disabled.
func (m *Manager) Handler() http.Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.handler == nil {
		return noopHandler()
	}
	return m.handler
}

// MetricsAddr is the listen address for the scrape endpoint.
func (m *Manager) MetricsAddr() string {
	return fmt.Sprintf(":%d", m.cfg.MetricsPort)
}

// GetTracer returns a named tracer from the manager's provider.
func (m *Manager) GetTracer(name string) trace.Tracer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tracer == nil {
		return GetTracer(name)
	}
	return m.tracer.Tracer(name)
}

// Shutdown flushes and stops the pipelines and restores the noop recorder.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	SetGlobalMetrics(nil)

	var first error
	if m.meterProvider != nil {
		if err := m.meterProvider.Shutdown(ctx); err != nil {
			first = err
		}
	}
	if spt, ok := m.tracer.(interface{ Shutdown(context.Context) error }); ok {
		if err := spt.Shutdown(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
