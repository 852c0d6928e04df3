package background

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomworks/loom/agenterrors"
	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/events"
	"github.com/loomworks/loom/logger"
)

// ============================================================================
// TASK RUNNER
// ============================================================================

// runner owns one scheduled task: the trigger goroutine that computes fire
// times and enqueues, the bounded queue between them, and the worker
// goroutine that drains it. Runs of tasks bound to the same agent serialize
// on a shared gate.
type runner struct {
	id    string
	cfg   config.TaskConfig
	agent TaskAgent
	evts  *events.Router
	sched cron.Schedule
	gate  *sync.Mutex

	// baseCtx is the manager's lifetime; cancelling it hard-stops in-flight
	// runs during shutdown.
	baseCtx context.Context

	queue chan time.Time
	stop  chan struct{}
	wake  chan struct{}
	done  chan struct{}

	mu       sync.Mutex
	state    TaskState
	paused   bool
	halted   bool
	discard  bool
	nextRun  time.Time
	lastRun  time.Time
	lastErr  string
	runs     int64
	retries  int64
	failures int64
	overflow int64
}

func newRunner(baseCtx context.Context, id string, cfg config.TaskConfig, ta TaskAgent, evts *events.Router, sched cron.Schedule, gate *sync.Mutex) *runner {
	return &runner{
		id:      id,
		cfg:     cfg,
		agent:   ta,
		evts:    evts,
		sched:   sched,
		gate:    gate,
		baseCtx: baseCtx,
		queue:   make(chan time.Time, cfg.QueueSize),
		stop:    make(chan struct{}),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		state:   StateScheduled,
	}
}

func (r *runner) start() {
	go r.trigger()
	go r.work()
}

// trigger computes the next fire time, sleeps until it, and enqueues.
// Pausing suspends enqueueing but not the clock; stopping closes the queue
// so the worker drains what is left and exits.
func (r *runner) trigger() {
	defer close(r.queue)
	for {
		next := r.sched.Next(time.Now().UTC())
		r.mu.Lock()
		r.nextRun = next
		r.mu.Unlock()

		timer := time.NewTimer(time.Until(next))
		select {
		case <-r.stop:
			timer.Stop()
			return
		case <-r.wake:
			// Pause or resume changed the picture; recompute from now.
			timer.Stop()
			continue
		case <-timer.C:
		}

		if r.isPaused() {
			continue
		}
		if !r.submit(next) {
			logger.Warn("task queue full, dropping trigger", "task_id", r.id, "agent", r.cfg.AgentID)
		}
	}
}

// submit enqueues one fire without blocking. A full queue drops the fire
// and records the overflow.
func (r *runner) submit(fire time.Time) bool {
	select {
	case r.queue <- fire:
		return true
	default:
		r.mu.Lock()
		r.overflow++
		r.mu.Unlock()
		return false
	}
}

func (r *runner) work() {
	defer func() {
		r.mu.Lock()
		if r.state != StateDeleted {
			r.state = StateStopped
		}
		r.mu.Unlock()
		close(r.done)
	}()

	for range r.queue {
		r.mu.Lock()
		if r.discard {
			r.mu.Unlock()
			continue
		}
		r.mu.Unlock()

		r.gate.Lock()
		r.mu.Lock()
		r.state = StateRunning
		r.mu.Unlock()

		r.execute()

		r.mu.Lock()
		switch {
		case r.halted:
			// The worker defer settles the final state.
		case r.paused:
			r.state = StatePaused
		default:
			r.state = StateScheduled
		}
		r.mu.Unlock()
		r.gate.Unlock()
	}
}

// execute runs the task's query once, retrying failures up to max_retries
// with the fixed delay. Exhausting the retries marks the failure and emits
// task_failed.
func (r *runner) execute() {
	attempts := r.cfg.MaxRetries + 1
	timeout := time.Duration(r.cfg.TimeoutS) * time.Second
	var last *agenterrors.Error

	for attempt := 1; attempt <= attempts; attempt++ {
		runCtx, cancel := context.WithTimeout(r.baseCtx, timeout)
		res := r.agent.Run(runCtx, r.cfg.Query, r.session())
		cancel()

		r.mu.Lock()
		r.runs++
		r.lastRun = time.Now().UTC()
		if res.Error == nil {
			r.lastErr = ""
			r.mu.Unlock()
			return
		}
		last = res.Error
		r.lastErr = res.Error.Error()
		if attempt < attempts {
			r.retries++
		}
		r.mu.Unlock()

		logger.Warn("task run failed", "task_id", r.id, "agent", r.cfg.AgentID,
			"attempt", attempt, "of", attempts, "kind", string(res.Error.Kind), "error", res.Error.Message)

		if attempt == attempts {
			break
		}
		select {
		case <-time.After(time.Duration(r.cfg.RetryDelayS) * time.Second):
		case <-r.baseCtx.Done():
			// Shutdown cancelled the remaining retries; count the failure.
			attempt = attempts
		}
	}

	r.mu.Lock()
	r.failures++
	r.mu.Unlock()

	payload := map[string]interface{}{
		"task_id":  r.id,
		"agent":    r.cfg.AgentID,
		"attempts": attempts,
	}
	if last != nil {
		payload["error"] = last.Message
		payload["kind"] = string(last.Kind)
	}
	evt := &events.Event{
		SessionID: r.session(),
		AgentID:   r.cfg.AgentID,
		Type:      events.TypeTaskFailed,
		Payload:   payload,
	}
	if err := r.evts.Emit(context.WithoutCancel(r.baseCtx), evt); err != nil {
		logger.Warn("event emit failed", "session_id", r.session(), "type", string(events.TypeTaskFailed), "error", err)
	}
}

// session is where the task's turns and events accumulate: the configured
// session if one was given, otherwise a session named after the task.
func (r *runner) session() string {
	if r.cfg.SessionID != "" {
		return r.cfg.SessionID
	}
	return "task:" + r.id
}

func (r *runner) isPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// poke nudges the trigger loop to recompute its timer.
func (r *runner) poke() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *runner) pause() error {
	r.mu.Lock()
	if r.halted || r.state == StateStopped || r.state == StateDeleted {
		state := r.state
		r.mu.Unlock()
		return &stateError{id: r.id, state: state, action: "pause"}
	}
	r.paused = true
	if r.state != StateRunning {
		r.state = StatePaused
	}
	r.mu.Unlock()
	r.poke()
	return nil
}

func (r *runner) resume() error {
	r.mu.Lock()
	if r.halted || r.state == StateStopped || r.state == StateDeleted {
		state := r.state
		r.mu.Unlock()
		return &stateError{id: r.id, state: state, action: "resume"}
	}
	r.paused = false
	if r.state == StatePaused {
		r.state = StateScheduled
	}
	r.mu.Unlock()
	r.poke()
	return nil
}

// halt cancels the trigger. The worker keeps draining queued fires and
// settles the final state when the queue closes. Safe to call twice.
func (r *runner) halt() {
	r.mu.Lock()
	if r.halted {
		r.mu.Unlock()
		return
	}
	r.halted = true
	r.mu.Unlock()
	close(r.stop)
}

// abort is halt for shutdown: queued fires that have not started yet are
// discarded, so only the in-flight run is finished.
func (r *runner) abort() {
	r.mu.Lock()
	r.discard = true
	r.mu.Unlock()
	r.halt()
}

func (r *runner) status() TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return TaskStatus{
		ID:            r.id,
		AgentID:       r.cfg.AgentID,
		State:         r.state,
		Runs:          r.runs,
		Retries:       r.retries,
		Failures:      r.failures,
		QueueOverflow: r.overflow,
		LastError:     r.lastErr,
		LastRun:       r.lastRun,
		NextRun:       r.nextRun,
	}
}

func (r *runner) markDeleted() {
	r.mu.Lock()
	r.state = StateDeleted
	r.mu.Unlock()
}
