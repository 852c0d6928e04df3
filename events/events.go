// Package events provides the structured event stream: typed events fanned
// out to live subscribers and persisted to a pluggable StreamStore, with
// runtime backend switching.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomworks/loom/config"
)

// ============================================================================
// EVENT MODEL
// ============================================================================

// Type classifies an event.
type Type string

const (
	TypeUserMessage      Type = "user_message"
	TypeAgentThought     Type = "agent_thought"
	TypeToolCallStarted  Type = "tool_call_started"
	TypeToolCallResult   Type = "tool_call_result"
	TypeFinalAnswer      Type = "final_answer"
	TypeSubAgentStarted  Type = "sub_agent_started"
	TypeSubAgentResult   Type = "sub_agent_result"
	TypeSubAgentError    Type = "sub_agent_error"
	TypeGuardrailBlocked Type = "guardrail_blocked"
	TypeContextTruncated Type = "context_truncated"
	TypeSummaryCreated   Type = "summary_created"
	TypeRoutingHandover  Type = "routing_handover"
	TypeTaskFailed       Type = "task_failed"
	TypeCancelled        Type = "cancelled"
)

// criticalTypes are never dropped on buffer overflow.
var criticalTypes = map[Type]bool{
	TypeFinalAnswer:      true,
	TypeGuardrailBlocked: true,
	TypeRoutingHandover:  true,
	TypeTaskFailed:       true,
}

// Critical reports whether events of this type survive overflow.
func (t Type) Critical() bool {
	return criticalTypes[t]
}

// Event is one record in a session's ordered stream. EventID values are
// strictly increasing per session and assigned by the router.
type Event struct {
	EventID       int64                  `json:"event_id"`
	SessionID     string                 `json:"session_id"`
	AgentID       string                 `json:"agent_id,omitempty"`
	Type          Type                   `json:"type"`
	Timestamp     time.Time              `json:"timestamp"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
}

func encodeEvent(e *Event) ([]byte, error) {
	return json.Marshal(e)
}

func decodeEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &e, nil
}

// streamName returns the persisted stream name for a session.
func streamName(sessionID string) string {
	return "evt:" + sessionID
}

// ============================================================================
// STREAMSTORE CAPABILITY
// ============================================================================

// StreamStore is the capability every event backend implements. Streams are
// append-only; Read returns events with EventID > afterID in ascending order,
// at most limit entries (limit <= 0 means no cap).
type StreamStore interface {
	Append(ctx context.Context, sessionID string, evt *Event) error
	Read(ctx context.Context, sessionID string, afterID int64, limit int) ([]Event, error)
	LastID(ctx context.Context, sessionID string) (int64, error)
	Sessions(ctx context.Context) ([]string, error)
	Kind() string
	Close(ctx context.Context) error
}

// ============================================================================
// BACKEND FACTORY
// ============================================================================

// NewStoreFromConfig constructs a StreamStore from its configuration block.
func NewStoreFromConfig(ctx context.Context, cfg *config.EventBackendConfig) (StreamStore, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case "in_memory":
		return NewInMemoryStream(), nil
	case "redis_stream":
		return NewRedisStream(ctx, &cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown event backend kind: %s", cfg.Kind)
	}
}
