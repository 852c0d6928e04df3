package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/loomworks/loom/agent"
	"github.com/loomworks/loom/background"
	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/logger"
	"github.com/loomworks/loom/observability"
)

// taskShutdownGrace bounds how long in-flight background runs may finish
// after a command exits.
const taskShutdownGrace = 5 * time.Second

// ============================================================================
// COMMAND RUNTIME
// ============================================================================

// session bundles the long-lived components a command owns: the agent, the
// observability stack with its metrics endpoint, and the background
// scheduler for configured tasks.
type session struct {
	cfg   *config.Config
	agent *agent.Agent
	obs   *observability.Manager
	tasks *background.Manager

	metricsSrv *http.Server
}

// newSession wires a full runtime from the loaded config. A component that
// fails to start tears down the ones already running.
func newSession(ctx context.Context, cfg *config.Config) (*session, error) {
	s := &session{cfg: cfg}

	s.obs = observability.NewManager(&cfg.Observability)
	if err := s.obs.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize observability: %w", err)
	}

	ag, err := agent.NewFromConfig(ctx, cfg)
	if err != nil {
		_ = s.obs.Shutdown(ctx)
		return nil, err
	}
	s.agent = ag

	if err := ag.ConnectToolProviders(ctx); err != nil {
		_ = s.close(ctx)
		return nil, fmt.Errorf("failed to connect tool providers: %w", err)
	}

	if cfg.Observability.MetricsEnabled {
		s.startMetricsServer()
	}

	if len(cfg.Tasks) > 0 {
		s.tasks = background.NewManager(ag.Events(), taskShutdownGrace)
		for i := range cfg.Tasks {
			id, err := s.tasks.Create(cfg.Tasks[i], ag)
			if err != nil {
				_ = s.close(ctx)
				return nil, fmt.Errorf("tasks[%d]: %w", i, err)
			}
			logger.Info("background task scheduled", "task_id", id, "agent", cfg.Tasks[i].AgentID)
		}
	}

	return s, nil
}

// startMetricsServer exposes /metrics on the configured port. Serve errors
// other than a clean close are logged, not fatal; the agent keeps running.
func (s *session) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.obs.Handler())
	s.metricsSrv = &http.Server{Addr: s.obs.MetricsAddr(), Handler: mux}
	go func() {
		if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", s.metricsSrv.Addr, "error", err)
		}
	}()
	logger.Info("metrics endpoint ready", "addr", fmt.Sprintf("http://localhost%s/metrics", s.obs.MetricsAddr()))
}

// closeSession tears the session down on its own timeout context, so
// shutdown still completes after the command's context was cancelled.
func closeSession(s *session) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.close(ctx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
}

// close winds the session down in reverse start order: scheduler first so
// no new runs hit the agent, then the agent's own components, then the
// metrics endpoint and meters.
func (s *session) close(ctx context.Context) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.tasks != nil {
		record(s.tasks.Shutdown(ctx))
	}
	if s.agent != nil {
		record(s.agent.Cleanup(ctx))
	}
	if s.metricsSrv != nil {
		record(s.metricsSrv.Shutdown(ctx))
	}
	if s.obs != nil {
		record(s.obs.Shutdown(ctx))
	}
	return firstErr
}
