// Package background runs agents on schedules: interval tickers or 5-field
// cron expressions enqueue work onto bounded per-task queues, workers drain
// them serially per agent, and failed runs retry with a fixed delay before
// the task is marked failed.
package background

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/reasoning"
)

// ============================================================================
// TASK STATES
// ============================================================================

// TaskState is a scheduled task's lifecycle position.
type TaskState string

const (
	StateCreated   TaskState = "created"
	StateScheduled TaskState = "scheduled"
	StateRunning   TaskState = "running"
	StatePaused    TaskState = "paused"
	StateStopped   TaskState = "stopped"
	StateDeleted   TaskState = "deleted"
)

// TaskAgent is the slice of the agent surface the scheduler drives. It is
// satisfied by *agent.Agent.
type TaskAgent interface {
	Name() string
	Run(ctx context.Context, query, sessionID string) *reasoning.RunResult
}

// TaskStatus is a point-in-time snapshot of one scheduled task.
type TaskStatus struct {
	ID      string    `json:"id"`
	AgentID string    `json:"agent_id"`
	State   TaskState `json:"state"`

	// Runs counts attempts, including retries. Retries counts only the
	// re-attempts, Failures the tasks that exhausted them.
	Runs          int64     `json:"runs"`
	Retries       int64     `json:"retries"`
	Failures      int64     `json:"failures"`
	QueueOverflow int64     `json:"queue_overflow"`
	LastError     string    `json:"last_error,omitempty"`
	LastRun       time.Time `json:"last_run"`
	NextRun       time.Time `json:"next_run"`
}

// buildSchedule turns the task's trigger into a cron.Schedule: either the
// fixed interval or the parsed 5-field expression. Fire times are computed
// in UTC at minute granularity for cron, second granularity for intervals.
func buildSchedule(cfg *config.TaskConfig) (cron.Schedule, error) {
	if cfg.Cron != "" {
		sched, err := cron.ParseStandard(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", cfg.Cron, err)
		}
		return sched, nil
	}
	return cron.Every(time.Duration(cfg.IntervalS) * time.Second), nil
}
