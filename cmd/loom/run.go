package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/loomworks/loom/logger"
)

// RunCmd executes a single query against the configured agent.
type RunCmd struct {
	Query   string `arg:"" help:"Query to run."`
	Session string `help:"Session ID to run under (default: the agent's default session)."`
	Events  bool   `help:"Show live events while the agent works (disable with --no-events)." default:"true" negatable:""`
}

func (c *RunCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// First interrupt cancels the run; the deferred teardown still gets its
	// own shutdown context.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		logger.Info("interrupt received, cancelling run")
		cancel()
	}()

	cfg, err := loadRuntimeConfig(cli.Config)
	if err != nil {
		return err
	}

	sess, err := newSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSession(sess)

	return runQuery(ctx, sess.agent, c.Query, c.Session, c.Events)
}
