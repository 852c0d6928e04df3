// Package tools defines the tool abstraction shared by local handlers,
// builtin operations, remote MCP servers, skill scripts, and sub-agents,
// plus the registry that holds, selects, and dispatches them.
package tools

import (
	"context"
	"time"
)

// ============================================================================
// TOOL KINDS
// ============================================================================

// Kind identifies where a tool comes from. It also drives selection
// tie-breaking: lower priority value wins.
type Kind string

const (
	KindLocal       Kind = "local"
	KindBuiltin     Kind = "builtin"
	KindMCP         Kind = "mcp"
	KindSkillScript Kind = "skill_script"
	KindSubAgent    Kind = "sub_agent"
)

var kindPriority = map[Kind]int{
	KindLocal:       0,
	KindBuiltin:     1,
	KindMCP:         2,
	KindSkillScript: 3,
	KindSubAgent:    4,
}

// Priority returns the tie-break rank for selection (lower wins).
func (k Kind) Priority() int {
	if p, ok := kindPriority[k]; ok {
		return p
	}
	return len(kindPriority)
}

// ============================================================================
// DESCRIPTORS
// ============================================================================

// Parameter describes one tool input.
type Parameter struct {
	Name        string                 `json:"name"`
	Type        string                 `json:"type"`
	Description string                 `json:"description,omitempty"`
	Required    bool                   `json:"required"`
	Default     interface{}            `json:"default,omitempty"`
	Enum        []string               `json:"enum,omitempty"`
	Items       map[string]interface{} `json:"items,omitempty"`
}

// Descriptor is a tool's metadata: everything the model needs to decide
// whether and how to call it.
type Descriptor struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters,omitempty"`
	Kind        Kind        `json:"kind"`
	ServerName  string      `json:"server_name,omitempty"`
}

// Result is the outcome of one tool execution.
type Result struct {
	Success       bool          `json:"success"`
	Content       string        `json:"content,omitempty"`
	Error         string        `json:"error,omitempty"`
	ToolName      string        `json:"tool_name"`
	ExecutionTime time.Duration `json:"execution_time,omitempty"`
}

// Tool is the common interface for every tool source.
type Tool interface {
	Descriptor() Descriptor
	Execute(ctx context.Context, args map[string]interface{}) (*Result, error)
}

// ErrorResult builds a failed result in the standard shape.
func ErrorResult(toolName, message string) *Result {
	return &Result{
		Success:  false,
		Error:    message,
		ToolName: toolName,
	}
}
