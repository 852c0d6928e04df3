// Package memory provides the session message store: a uniform KVStore
// capability over in-memory, Redis, MongoDB, and SQL backends, and a Router
// that owns the active backend and can hot-swap it at runtime.
package memory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/loomworks/loom/llms"
)

// ============================================================================
// ROLES
// ============================================================================

// Role identifies who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSummary   Role = "summary"
)

// ============================================================================
// MESSAGE
// ============================================================================

// Message is one persisted conversation record. IDs are assigned by the
// router and are monotonic per session. Inactive messages stay on disk but
// are excluded from prompt assembly.
type Message struct {
	ID            int64           `json:"id"`
	SessionID     string          `json:"session_id"`
	Role          Role            `json:"role"`
	Content       string          `json:"content"`
	ToolCalls     []llms.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID    string          `json:"tool_call_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	TokenEstimate int             `json:"token_estimate"`
	Active        bool            `json:"active"`
	SupersedesIDs []int64         `json:"supersedes_ids,omitempty"`
}

// Session is the per-session metadata record.
type Session struct {
	SessionID           string    `json:"session_id"`
	AgentID             string    `json:"agent_id,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	LastActivity        time.Time `json:"last_activity"`
	SummaryCursor       int64     `json:"summary_cursor"`
	TotalTokensEstimate int       `json:"total_tokens_estimate"`
	LastID              int64     `json:"last_id"`
}

func encodeMessage(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

func decodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &m, nil
}

func encodeSession(s *Session) ([]byte, error) {
	return json.Marshal(s)
}

func decodeSession(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

// ============================================================================
// KEY LAYOUT
// ============================================================================

// Keys use a flat namespace so every backend can range-scan with a plain
// prefix:
//
//	s/<session_id>/msg/<id>   message records, id zero-padded to 12 digits
//	s/<session_id>/summary    rolling summary record
//	s/<session_id>/meta       session metadata
//	a/<agent_id>/metrics      agent metric snapshot
//	a/<agent_id>/art/<id>     offloaded artifacts

func sessionPrefix(sessionID string) string {
	return "s/" + sessionID + "/"
}

func messagePrefix(sessionID string) string {
	return sessionPrefix(sessionID) + "msg/"
}

// messageKey zero-pads the ID so lexicographic key order equals numeric
// message order on every backend.
func messageKey(sessionID string, id int64) string {
	return fmt.Sprintf("%smsg/%012d", sessionPrefix(sessionID), id)
}

func summaryKey(sessionID string) string {
	return sessionPrefix(sessionID) + "summary"
}

func metaKey(sessionID string) string {
	return sessionPrefix(sessionID) + "meta"
}

// sessionIDFromMetaKey extracts the session ID from an `s/<sid>/meta` key,
// returning false for any other key shape.
func sessionIDFromMetaKey(key string) (string, bool) {
	if !strings.HasPrefix(key, "s/") || !strings.HasSuffix(key, "/meta") {
		return "", false
	}
	sid := strings.TrimSuffix(strings.TrimPrefix(key, "s/"), "/meta")
	if sid == "" || strings.Contains(sid, "/") {
		return "", false
	}
	return sid, true
}
