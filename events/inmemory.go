package events

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// ============================================================================
// IN-MEMORY STREAM STORE
// ============================================================================

// InMemoryStream keeps per-session event slices in process memory.
type InMemoryStream struct {
	mu      sync.RWMutex
	streams map[string][]Event
}

var _ StreamStore = (*InMemoryStream)(nil)

// NewInMemoryStream creates an empty stream store.
func NewInMemoryStream() *InMemoryStream {
	return &InMemoryStream{streams: make(map[string][]Event)}
}

// Append adds the event to the session's stream.
func (s *InMemoryStream) Append(ctx context.Context, sessionID string, evt *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	name := streamName(sessionID)
	s.streams[name] = append(s.streams[name], *evt)
	return nil
}

// Read returns events with EventID > afterID in ascending order.
func (s *InMemoryStream) Read(ctx context.Context, sessionID string, afterID int64, limit int) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream := s.streams[streamName(sessionID)]
	// Appends are ID-ordered, so binary search for the first event past afterID.
	start := sort.Search(len(stream), func(i int) bool {
		return stream[i].EventID > afterID
	})
	out := stream[start:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	cp := make([]Event, len(out))
	copy(cp, out)
	return cp, nil
}

// LastID returns the newest event ID in the session's stream, 0 if empty.
func (s *InMemoryStream) LastID(ctx context.Context, sessionID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream := s.streams[streamName(sessionID)]
	if len(stream) == 0 {
		return 0, nil
	}
	return stream[len(stream)-1].EventID, nil
}

// Sessions returns the IDs of every session with a stream.
func (s *InMemoryStream) Sessions(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.streams))
	for name := range s.streams {
		out = append(out, strings.TrimPrefix(name, "evt:"))
	}
	sort.Strings(out)
	return out, nil
}

// Kind identifies the backend.
func (s *InMemoryStream) Kind() string {
	return "in_memory"
}

// Close is a no-op.
func (s *InMemoryStream) Close(ctx context.Context) error {
	return nil
}
