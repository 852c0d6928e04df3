package memory

import (
	"context"
	"sync"
	"time"

	"github.com/loomworks/loom/agenterrors"
	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/logger"
	"github.com/loomworks/loom/utils"
)

// ============================================================================
// MEMORY ROUTER
// ============================================================================

// LoadFilter controls which messages Load returns.
type LoadFilter struct {
	// IncludeInactive also returns messages superseded by a summary.
	IncludeInactive bool
	// Limit keeps only the most recent N messages (0 = all).
	Limit int
}

// Router owns the active KVStore and serializes per-session writes. The
// store pointer is guarded by a read-write lock: every operation takes the
// shared lock, SwitchTo takes the exclusive lock so in-flight writes drain
// before a swap and queued ones land on the new store.
type Router struct {
	mu    sync.RWMutex
	store KVStore

	sessMu   sync.Mutex
	sessions map[string]*sync.Mutex
}

// NewRouter creates a router over the given backend.
func NewRouter(store KVStore) *Router {
	return &Router{
		store:    store,
		sessions: make(map[string]*sync.Mutex),
	}
}

func (r *Router) sessionLock(sessionID string) *sync.Mutex {
	r.sessMu.Lock()
	defer r.sessMu.Unlock()
	lock, ok := r.sessions[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		r.sessions[sessionID] = lock
	}
	return lock
}

func (r *Router) loadMeta(ctx context.Context, sessionID string) (*Session, error) {
	data, found, err := r.store.Get(ctx, metaKey(sessionID))
	if err != nil {
		return nil, err
	}
	if !found {
		return &Session{SessionID: sessionID, CreatedAt: time.Now().UTC()}, nil
	}
	return decodeSession(data)
}

func (r *Router) putMeta(ctx context.Context, meta *Session) error {
	data, err := encodeSession(meta)
	if err != nil {
		return agenterrors.Wrap(agenterrors.KindInternal, "encode session", err)
	}
	return r.store.Put(ctx, metaKey(meta.SessionID), data)
}

// ============================================================================
// MESSAGE OPERATIONS
// ============================================================================

// Append assigns the next per-session ID and persists the message. The
// message's SessionID, ID, CreatedAt, TokenEstimate, and Active fields are
// set by the router.
func (r *Router) Append(ctx context.Context, sessionID string, msg *Message) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lock := r.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	meta, err := r.loadMeta(ctx, sessionID)
	if err != nil {
		return err
	}

	msg.SessionID = sessionID
	msg.ID = meta.LastID + 1
	msg.Active = true
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.TokenEstimate == 0 {
		msg.TokenEstimate = utils.EstimateTokens(msg.Content)
	}

	data, err := encodeMessage(msg)
	if err != nil {
		return agenterrors.Wrap(agenterrors.KindInternal, "encode message", err)
	}
	if err := r.store.Put(ctx, messageKey(sessionID, msg.ID), data); err != nil {
		return err
	}

	meta.LastID = msg.ID
	meta.LastActivity = msg.CreatedAt
	meta.TotalTokensEstimate += msg.TokenEstimate
	return r.putMeta(ctx, meta)
}

// Load returns the session's messages in ID order, active only unless the
// filter says otherwise.
func (r *Router) Load(ctx context.Context, sessionID string, filter LoadFilter) ([]Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pairs, err := r.store.Range(ctx, messagePrefix(sessionID), "", 0)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(pairs))
	for _, kv := range pairs {
		msg, err := decodeMessage(kv.Value)
		if err != nil {
			return nil, agenterrors.Wrap(agenterrors.KindInternal, "corrupt message record", err)
		}
		if !msg.Active && !filter.IncludeInactive {
			continue
		}
		out = append(out, *msg)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

// UpdateActive flips the active flag on the given message IDs. Missing IDs
// are skipped so the operation is idempotent.
func (r *Router) UpdateActive(ctx context.Context, sessionID string, ids []int64, active bool) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lock := r.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	meta, err := r.loadMeta(ctx, sessionID)
	if err != nil {
		return err
	}
	changed := false
	for _, id := range ids {
		key := messageKey(sessionID, id)
		data, found, err := r.store.Get(ctx, key)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		msg, err := decodeMessage(data)
		if err != nil {
			return agenterrors.Wrap(agenterrors.KindInternal, "corrupt message record", err)
		}
		if msg.Active == active {
			continue
		}
		msg.Active = active
		if active {
			meta.TotalTokensEstimate += msg.TokenEstimate
		} else {
			meta.TotalTokensEstimate -= msg.TokenEstimate
		}
		updated, err := encodeMessage(msg)
		if err != nil {
			return agenterrors.Wrap(agenterrors.KindInternal, "encode message", err)
		}
		if err := r.store.Put(ctx, key, updated); err != nil {
			return err
		}
		changed = true
	}
	if !changed {
		return nil
	}
	return r.putMeta(ctx, meta)
}

// DeleteMessages removes the given message IDs outright.
func (r *Router) DeleteMessages(ctx context.Context, sessionID string, ids []int64) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lock := r.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	meta, err := r.loadMeta(ctx, sessionID)
	if err != nil {
		return err
	}
	changed := false
	for _, id := range ids {
		key := messageKey(sessionID, id)
		data, found, err := r.store.Get(ctx, key)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		msg, err := decodeMessage(data)
		if err != nil {
			return agenterrors.Wrap(agenterrors.KindInternal, "corrupt message record", err)
		}
		if msg.Active {
			meta.TotalTokensEstimate -= msg.TokenEstimate
		}
		if err := r.store.Delete(ctx, key); err != nil {
			return err
		}
		changed = true
	}
	if !changed {
		return nil
	}
	return r.putMeta(ctx, meta)
}

// ============================================================================
// SUMMARY AND SESSION METADATA
// ============================================================================

// PutSummary stores the session's rolling summary and advances the summary
// cursor past every superseded message.
func (r *Router) PutSummary(ctx context.Context, sessionID string, summary *Message) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lock := r.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	summary.SessionID = sessionID
	summary.Role = RoleSummary
	summary.Active = true
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = time.Now().UTC()
	}
	if summary.TokenEstimate == 0 {
		summary.TokenEstimate = utils.EstimateTokens(summary.Content)
	}

	data, err := encodeMessage(summary)
	if err != nil {
		return agenterrors.Wrap(agenterrors.KindInternal, "encode summary", err)
	}
	if err := r.store.Put(ctx, summaryKey(sessionID), data); err != nil {
		return err
	}

	meta, err := r.loadMeta(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, id := range summary.SupersedesIDs {
		if id > meta.SummaryCursor {
			meta.SummaryCursor = id
		}
	}
	return r.putMeta(ctx, meta)
}

// Summary returns the session's rolling summary if one exists.
func (r *Router) Summary(ctx context.Context, sessionID string) (*Message, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	data, found, err := r.store.Get(ctx, summaryKey(sessionID))
	if err != nil || !found {
		return nil, false, err
	}
	msg, err := decodeMessage(data)
	if err != nil {
		return nil, false, agenterrors.Wrap(agenterrors.KindInternal, "corrupt summary record", err)
	}
	return msg, true, nil
}

// Session returns the session's metadata record.
func (r *Router) Session(ctx context.Context, sessionID string) (*Session, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	data, found, err := r.store.Get(ctx, metaKey(sessionID))
	if err != nil || !found {
		return nil, false, err
	}
	meta, err := decodeSession(data)
	if err != nil {
		return nil, false, agenterrors.Wrap(agenterrors.KindInternal, "corrupt session record", err)
	}
	return meta, true, nil
}

// ListSessions returns the IDs of every session in the store.
func (r *Router) ListSessions(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys, err := r.store.ScanKeys(ctx, "s/")
	if err != nil {
		return nil, err
	}
	var sessions []string
	for _, key := range keys {
		if sid, ok := sessionIDFromMetaKey(key); ok {
			sessions = append(sessions, sid)
		}
	}
	return sessions, nil
}

// Clear removes one session, or every session when sessionID is empty.
// Artifacts and metrics under the a/ prefix are untouched.
func (r *Router) Clear(ctx context.Context, sessionID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if sessionID == "" {
		return r.store.Delete(ctx, "s/")
	}
	lock := r.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return r.store.Delete(ctx, sessionPrefix(sessionID))
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

// SwitchTo migrates every record into next and flips the active pointer.
// The exclusive lock blocks all operations for the duration, so the snapshot
// is consistent. If any copy fails the pointer is not flipped, next is left
// partially written, and the old store remains authoritative.
func (r *Router) SwitchTo(ctx context.Context, next KVStore) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys, err := r.store.ScanKeys(ctx, "")
	if err != nil {
		return agenterrors.Wrap(agenterrors.KindMigrationFailed, "snapshot source store", err)
	}
	for _, key := range keys {
		value, found, err := r.store.Get(ctx, key)
		if err != nil {
			return agenterrors.Wrap(agenterrors.KindMigrationFailed, "read "+key, err)
		}
		if !found {
			continue
		}
		if err := next.Put(ctx, key, value); err != nil {
			return agenterrors.Wrap(agenterrors.KindMigrationFailed, "write "+key, err)
		}
	}

	old := r.store
	r.store = next
	if err := old.Close(ctx); err != nil {
		logger.Warn("failed to close previous memory store", "kind", old.Kind(), "error", err)
	}
	logger.Info("memory store switched", "from", old.Kind(), "to", next.Kind(), "keys", len(keys))
	return nil
}

// SwitchToConfig builds the backend described by cfg and switches to it.
// The new store is closed again if migration fails.
func (r *Router) SwitchToConfig(ctx context.Context, cfg *config.MemoryBackendConfig) error {
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

// ============================================================================
// RAW ACCESS
// ============================================================================

// Raw operations expose the underlying store for records that live outside
// the session message layout (artifacts, metric snapshots) so they migrate
// together with the sessions on SwitchTo.

func (r *Router) PutRaw(ctx context.Context, key string, value []byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store.Put(ctx, key, value)
}

func (r *Router) GetRaw(ctx context.Context, key string) ([]byte, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store.Get(ctx, key)
}

func (r *Router) ScanRaw(ctx context.Context, prefix string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store.ScanKeys(ctx, prefix)
}

func (r *Router) DeleteRaw(ctx context.Context, prefix string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store.Delete(ctx, prefix)
}

// Close shuts down the active backend.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Close(ctx)
}
