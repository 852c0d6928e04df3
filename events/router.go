package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/agenterrors"
	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/logger"
)

// ============================================================================
// SUBSCRIBER
// ============================================================================

// subscriber buffers events for one Stream consumer. The buffer is bounded;
// on overflow the oldest non-critical event is dropped. Critical events are
// never dropped, so the buffer can exceed its cap when flooded with them.
type subscriber struct {
	mu     sync.Mutex
	buf    []Event
	limit  int
	notify chan struct{}
}

func newSubscriber(limit int) *subscriber {
	return &subscriber{limit: limit, notify: make(chan struct{}, 1)}
}

func (s *subscriber) push(evt Event, backpressure *atomic.Int64) {
	s.mu.Lock()
	if len(s.buf) >= s.limit {
		dropped := false
		for i := range s.buf {
			if !s.buf[i].Type.Critical() {
				s.buf = append(s.buf[:i], s.buf[i+1:]...)
				dropped = true
				break
			}
		}
		if dropped {
			backpressure.Add(1)
		}
	}
	s.buf = append(s.buf, evt)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) drain() []Event {
	s.mu.Lock()
	out := s.buf
	s.buf = nil
	s.mu.Unlock()
	return out
}

// ============================================================================
// SESSION STATE
// ============================================================================

type sessionState struct {
	mu      sync.Mutex
	nextID  int64
	seeded  bool
	subs    map[int64]*subscriber
	nextSub int64
}

// ============================================================================
// EVENT ROUTER
// ============================================================================

// Router assigns per-session monotonic event IDs, persists events to the
// active StreamStore, and fans them out to live subscribers. The store
// pointer is guarded like the memory router's: shared lock for operations,
// exclusive lock for SwitchTo.
type Router struct {
	mu    sync.RWMutex
	store StreamStore

	stateMu sync.Mutex
	state   map[string]*sessionState

	bufferSize   int
	backpressure atomic.Int64
	done         chan struct{}
	closeOnce    sync.Once
}

// NewRouter creates a router over the given backend. bufferSize caps each
// subscriber's buffer; zero selects the default of 1024.
func NewRouter(store StreamStore, bufferSize int) *Router {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Router{
		store:      store,
		state:      make(map[string]*sessionState),
		bufferSize: bufferSize,
		done:       make(chan struct{}),
	}
}

func (r *Router) sessionState(sessionID string) *sessionState {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	ss, ok := r.state[sessionID]
	if !ok {
		ss = &sessionState{subs: make(map[int64]*subscriber)}
		r.state[sessionID] = ss
	}
	return ss
}

// seedLocked initializes the ID counter from the store. Caller holds ss.mu.
func (r *Router) seedLocked(ctx context.Context, ss *sessionState, sessionID string) error {
	if ss.seeded {
		return nil
	}
	last, err := r.store.LastID(ctx, sessionID)
	if err != nil {
		return err
	}
	ss.nextID = last
	ss.seeded = true
	return nil
}

// Emit assigns the next event ID, persists the event, and fans it out to
// subscribers. Per-session emission is totally ordered.
func (r *Router) Emit(ctx context.Context, evt *Event) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ss := r.sessionState(evt.SessionID)
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if err := r.seedLocked(ctx, ss, evt.SessionID); err != nil {
		return err
	}
	evt.EventID = ss.nextID + 1
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	if err := r.store.Append(ctx, evt.SessionID, evt); err != nil {
		return err
	}
	ss.nextID = evt.EventID

	for _, sub := range ss.subs {
		sub.push(*evt, &r.backpressure)
	}
	return nil
}

// Read returns persisted events with EventID > afterID in ascending order.
func (r *Router) Read(ctx context.Context, sessionID string, afterID int64, limit int) ([]Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store.Read(ctx, sessionID, afterID, limit)
}

// LastID returns the newest assigned event ID for the session.
func (r *Router) LastID(ctx context.Context, sessionID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ss := r.sessionState(sessionID)
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if err := r.seedLocked(ctx, ss, sessionID); err != nil {
		return 0, err
	}
	return ss.nextID, nil
}

// Backpressure reports how many events have been dropped from subscriber
// buffers since the router started.
func (r *Router) Backpressure() int64 {
	return r.backpressure.Load()
}

// ============================================================================
// STREAMING
// ============================================================================

// Stream returns a channel that replays persisted events with ID > afterID
// and then follows the live stream. Pass afterID < 0 to follow from the
// current tail. The channel closes when ctx is done or the router shuts
// down; it never closes on its own, the stream is unbounded.
func (r *Router) Stream(ctx context.Context, sessionID string, afterID int64) (<-chan Event, error) {
	r.mu.RLock()
	ss := r.sessionState(sessionID)

	ss.mu.Lock()
	if err := r.seedLocked(ctx, ss, sessionID); err != nil {
		ss.mu.Unlock()
		r.mu.RUnlock()
		return nil, err
	}
	sub := newSubscriber(r.bufferSize)
	ss.nextSub++
	subID := ss.nextSub
	ss.subs[subID] = sub

	lastSent := afterID
	if afterID < 0 {
		lastSent = ss.nextID
	}
	ss.mu.Unlock()
	r.mu.RUnlock()

	out := make(chan Event, 64)
	go r.pump(ctx, sessionID, ss, subID, sub, lastSent, afterID >= 0, out)
	return out, nil
}

func (r *Router) pump(ctx context.Context, sessionID string, ss *sessionState, subID int64, sub *subscriber, lastSent int64, replay bool, out chan<- Event) {
	defer func() {
		ss.mu.Lock()
		delete(ss.subs, subID)
		ss.mu.Unlock()
		close(out)
	}()

	send := func(evt Event) bool {
		if evt.EventID <= lastSent {
			return true
		}
		select {
		case out <- evt:
			lastSent = evt.EventID
			return true
		case <-ctx.Done():
			return false
		case <-r.done:
			return false
		}
	}

	if replay {
		for {
			r.mu.RLock()
			page, err := r.store.Read(ctx, sessionID, lastSent, 256)
			r.mu.RUnlock()
			if err != nil {
				logger.Warn("event replay failed", "session_id", sessionID, "error", err)
				return
			}
			for _, evt := range page {
				if !send(evt) {
					return
				}
			}
			if len(page) < 256 {
				break
			}
		}
	}

	for {
		for _, evt := range sub.drain() {
			if !send(evt) {
				return
			}
		}
		select {
		case <-sub.notify:
		case <-ctx.Done():
			return
		case <-r.done:
			return
		}
	}
}

// ============================================================================
// HOT SWAP
// ============================================================================

// Kind reports the active backend kind.
func (r *Router) Kind() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store.Kind()
}

// SwitchTo flips the router to a new backend. Events already persisted stay
// in the old stream; a routing_handover marker with a shared correlation ID
// is written to both stores for every known session so consumers can chain.
func (r *Router) SwitchTo(ctx context.Context, next StreamStore) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, err := r.store.Sessions(ctx)
	if err != nil {
		return agenterrors.Wrap(agenterrors.KindMigrationFailed, "list source sessions", err)
	}
	seen := make(map[string]bool, len(sessions))
	for _, sid := range sessions {
		seen[sid] = true
	}
	r.stateMu.Lock()
	for sid := range r.state {
		if !seen[sid] {
			sessions = append(sessions, sid)
			seen[sid] = true
		}
	}
	r.stateMu.Unlock()

	correlation := uuid.NewString()
	for _, sid := range sessions {
		ss := r.sessionState(sid)
		ss.mu.Lock()
		if err := r.seedLocked(ctx, ss, sid); err != nil {
			ss.mu.Unlock()
			return agenterrors.Wrap(agenterrors.KindMigrationFailed, "seed session "+sid, err)
		}
		marker := Event{
			EventID:       ss.nextID + 1,
			SessionID:     sid,
			Type:          TypeRoutingHandover,
			Timestamp:     time.Now().UTC(),
			CorrelationID: correlation,
			Payload: map[string]interface{}{
				"from": r.store.Kind(),
				"to":   next.Kind(),
			},
		}
		if err := r.store.Append(ctx, sid, &marker); err != nil {
			ss.mu.Unlock()
			return agenterrors.Wrap(agenterrors.KindMigrationFailed, "write handover marker (old)", err)
		}
		if err := next.Append(ctx, sid, &marker); err != nil {
			ss.mu.Unlock()
			return agenterrors.Wrap(agenterrors.KindMigrationFailed, "write handover marker (new)", err)
		}
		ss.nextID = marker.EventID
		for _, sub := range ss.subs {
			sub.push(marker, &r.backpressure)
		}
		ss.mu.Unlock()
	}

	old := r.store
	r.store = next
	if err := old.Close(ctx); err != nil {
		logger.Warn("failed to close previous event store", "kind", old.Kind(), "error", err)
	}
	logger.Info("event store switched", "from", old.Kind(), "to", next.Kind(), "sessions", len(sessions), "correlation_id", correlation)
	return nil
}

// SwitchToConfig builds the backend described by cfg and switches to it.
func (r *Router) SwitchToConfig(ctx context.Context, cfg *config.EventBackendConfig) error {
	next, err := NewStoreFromConfig(ctx, cfg)
	if err != nil {
		return agenterrors.Wrap(agenterrors.KindMigrationFailed, "build target store", err)
	}
	if err := r.SwitchTo(ctx, next); err != nil {
		_ = next.Close(ctx)
		return err
	}
	return nil
}

// Close wakes all streams and shuts down the active backend.
func (r *Router) Close(ctx context.Context) error {
	r.closeOnce.Do(func() { close(r.done) })
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Close(ctx)
}
