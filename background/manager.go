package background

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/events"
)

// stateError reports an action applied to a task in the wrong state.
type stateError struct {
	id     string
	state  TaskState
	action string
}

func (e *stateError) Error() string {
	return fmt.Sprintf("cannot %s task %s: state is %s", e.action, e.id, e.state)
}

// ============================================================================
// MANAGER
// ============================================================================

// Manager owns the scheduled tasks. Tasks bound to the same agent share a
// gate so their runs never overlap; tasks of different agents run
// concurrently.
type Manager struct {
	evts  *events.Router
	grace time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	runners map[string]*runner
	gates   map[string]*sync.Mutex
	seq     int
	closed  bool
}

// NewManager creates an empty scheduler. grace bounds how long Shutdown
// waits for in-flight runs before cancelling them.
func NewManager(evts *events.Router, grace time.Duration) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		evts:    evts,
		grace:   grace,
		ctx:     ctx,
		cancel:  cancel,
		runners: make(map[string]*runner),
		gates:   make(map[string]*sync.Mutex),
	}
}

// Create registers the task and arms its trigger immediately. It returns
// the task ID used by the other lifecycle calls.
func (m *Manager) Create(cfg config.TaskConfig, ta TaskAgent) (string, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	if ta == nil {
		return "", fmt.Errorf("task agent is required")
	}
	if cfg.AgentID != ta.Name() {
		return "", fmt.Errorf("task agent_id %q does not match agent %q", cfg.AgentID, ta.Name())
	}
	sched, err := buildSchedule(&cfg)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", fmt.Errorf("scheduler is shut down")
	}
	m.seq++
	id := fmt.Sprintf("%s-%d", cfg.AgentID, m.seq)
	gate := m.gates[cfg.AgentID]
	if gate == nil {
		gate = &sync.Mutex{}
		m.gates[cfg.AgentID] = gate
	}
	r := newRunner(m.ctx, id, cfg, ta, m.evts, sched, gate)
	m.runners[id] = r
	r.start()
	return id, nil
}

func (m *Manager) get(id string) (*runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[id]
	if !ok {
		return nil, fmt.Errorf("task %s not found", id)
	}
	return r, nil
}

// Pause suspends the task's trigger. A run already in flight finishes, and
// queued fires keep draining; nothing new is enqueued until Resume.
func (m *Manager) Pause(id string) error {
	r, err := m.get(id)
	if err != nil {
		return err
	}
	return r.pause()
}

// Resume re-arms a paused task. The next fire time is recomputed from now,
// so a long pause never causes a burst of catch-up runs.
func (m *Manager) Resume(id string) error {
	r, err := m.get(id)
	if err != nil {
		return err
	}
	return r.resume()
}

// Stop cancels the task's trigger, waits for the worker to drain the queue,
// and leaves the task stopped. Start re-arms it.
func (m *Manager) Stop(id string) error {
	r, err := m.get(id)
	if err != nil {
		return err
	}
	r.halt()
	<-r.done
	return nil
}

// Start re-arms a stopped task with a fresh trigger and worker.
func (m *Manager) Start(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("scheduler is shut down")
	}
	r, ok := m.runners[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	st := r.status()
	if st.State != StateStopped {
		return &stateError{id: id, state: st.State, action: "start"}
	}
	sched, err := buildSchedule(&r.cfg)
	if err != nil {
		return err
	}
	next := newRunner(m.ctx, id, r.cfg, r.agent, m.evts, sched, r.gate)
	// Counters carry across restarts.
	next.runs, next.retries, next.failures, next.overflow = st.Runs, st.Retries, st.Failures, st.QueueOverflow
	next.lastRun, next.lastErr = st.LastRun, st.LastError
	m.runners[id] = next
	next.start()
	return nil
}

// Delete stops the task and removes it.
func (m *Manager) Delete(id string) error {
	r, err := m.get(id)
	if err != nil {
		return err
	}
	r.halt()
	<-r.done
	r.markDeleted()

	m.mu.Lock()
	delete(m.runners, id)
	m.mu.Unlock()
	return nil
}

// Status returns the task's current snapshot.
func (m *Manager) Status(id string) (TaskStatus, error) {
	r, err := m.get(id)
	if err != nil {
		return TaskStatus{}, err
	}
	return r.status(), nil
}

// List returns every task's snapshot, ordered by ID.
func (m *Manager) List() []TaskStatus {
	m.mu.Lock()
	runners := make([]*runner, 0, len(m.runners))
	for _, r := range m.runners {
		runners = append(runners, r)
	}
	m.mu.Unlock()

	out := make([]TaskStatus, 0, len(runners))
	for _, r := range runners {
		out = append(out, r.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Shutdown winds the scheduler down: triggers stop, queued fires are
// discarded, in-flight runs get up to the grace period to finish and are
// then cancelled. ctx bounds the whole call.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	runners := make([]*runner, 0, len(m.runners))
	for _, r := range m.runners {
		runners = append(runners, r)
	}
	m.mu.Unlock()

	for _, r := range runners {
		r.abort()
	}

	drained := make(chan struct{})
	go func() {
		for _, r := range runners {
			<-r.done
		}
		close(drained)
	}()

	graceTimer := time.NewTimer(m.grace)
	defer graceTimer.Stop()
	select {
	case <-drained:
	case <-graceTimer.C:
		m.cancel()
		select {
		case <-drained:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		m.cancel()
		return ctx.Err()
	}
	m.cancel()
	return nil
}
