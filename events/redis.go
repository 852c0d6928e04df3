package events

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/loomworks/loom/agenterrors"
	"github.com/loomworks/loom/config"
)

// ============================================================================
// REDIS STREAM STORE
// ============================================================================

// RedisStream persists events to Redis Streams, one stream per session.
// Entries carry explicit `<event_id>-0` stream IDs so the store preserves
// the router's monotonic numbering.
type RedisStream struct {
	client *redis.Client
}

var _ StreamStore = (*RedisStream)(nil)

// NewRedisStream connects to Redis and verifies the connection.
func NewRedisStream(ctx context.Context, cfg *config.RedisConfig) (*RedisStream, error) {
	cfg.SetDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, agenterrors.Wrap(agenterrors.KindStoreUnavailable, "redis ping failed", err)
	}
	return &RedisStream{client: client}, nil
}

// Append adds the event under its pre-assigned ID.
func (s *RedisStream) Append(ctx context.Context, sessionID string, evt *Event) error {
	data, err := encodeEvent(evt)
	if err != nil {
		return agenterrors.Wrap(agenterrors.KindInternal, "encode event", err)
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamName(sessionID),
		ID:     fmt.Sprintf("%d-0", evt.EventID),
		Values: map[string]interface{}{"data": data},
	}).Err()
	if err != nil {
		return agenterrors.Wrap(agenterrors.KindStoreUnavailable, "redis xadd", err)
	}
	return nil
}

// Read returns events with EventID > afterID in ascending order.
func (s *RedisStream) Read(ctx context.Context, sessionID string, afterID int64, limit int) ([]Event, error) {
	start := fmt.Sprintf("%d-0", afterID+1)
	var (
		entries []redis.XMessage
		err     error
	)
	if limit > 0 {
		entries, err = s.client.XRangeN(ctx, streamName(sessionID), start, "+", int64(limit)).Result()
	} else {
		entries, err = s.client.XRange(ctx, streamName(sessionID), start, "+").Result()
	}
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.KindStoreUnavailable, "redis xrange", err)
	}

	out := make([]Event, 0, len(entries))
	for _, entry := range entries {
		raw, ok := entry.Values["data"].(string)
		if !ok {
			continue
		}
		evt, err := decodeEvent([]byte(raw))
		if err != nil {
			return nil, agenterrors.Wrap(agenterrors.KindInternal, "corrupt event record", err)
		}
		out = append(out, *evt)
	}
	return out, nil
}

// LastID returns the newest event ID in the session's stream, 0 if empty.
func (s *RedisStream) LastID(ctx context.Context, sessionID string) (int64, error) {
	entries, err := s.client.XRevRangeN(ctx, streamName(sessionID), "+", "-", 1).Result()
	if err != nil {
		return 0, agenterrors.Wrap(agenterrors.KindStoreUnavailable, "redis xrevrange", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	idPart := strings.SplitN(entries[0].ID, "-", 2)[0]
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return 0, agenterrors.Wrap(agenterrors.KindInternal, "parse stream id", err)
	}
	return id, nil
}

// Sessions returns the IDs of every session with a stream.
func (s *RedisStream) Sessions(ctx context.Context) ([]string, error) {
	var sessions []string
	iter := s.client.Scan(ctx, 0, "evt:*", 256).Iterator()
	for iter.Next(ctx) {
		sessions = append(sessions, strings.TrimPrefix(iter.Val(), "evt:"))
	}
	if err := iter.Err(); err != nil {
		return nil, agenterrors.Wrap(agenterrors.KindStoreUnavailable, "redis scan", err)
	}
	return sessions, nil
}

// Kind identifies the backend.
func (s *RedisStream) Kind() string {
	return "redis_stream"
}

// Close releases the connection pool.
func (s *RedisStream) Close(ctx context.Context) error {
	return s.client.Close()
}
