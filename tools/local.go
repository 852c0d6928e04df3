package tools

import (
	"context"
)

// ============================================================================
// LOCAL TOOLS
// ============================================================================

// Handler executes a tool call against the raw argument map.
type Handler func(ctx context.Context, args map[string]interface{}) (string, error)

// LocalTool wraps an in-process Go handler.
type LocalTool struct {
	desc    Descriptor
	handler Handler
}

var _ Tool = (*LocalTool)(nil)

// NewLocalTool creates a tool from an explicit parameter list.
func NewLocalTool(name, description string, params []Parameter, handler Handler) *LocalTool {
	return &LocalTool{
		desc: Descriptor{
			Name:        name,
			Description: description,
			Parameters:  params,
			Kind:        KindLocal,
		},
		handler: handler,
	}
}

// NewTypedTool creates a tool whose parameter schema is inferred from the
// handler's argument struct. Inference happens once, here; the schema is
// stored as data on the descriptor.
func NewTypedTool[A any](name, description string, fn func(ctx context.Context, args A) (string, error)) (*LocalTool, error) {
	var prototype A
	params, err := ParametersFromStruct(&prototype)
	if err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, raw map[string]interface{}) (string, error) {
		var args A
		if err := DecodeArgs(raw, &args); err != nil {
			return "", err
		}
		return fn(ctx, args)
	}
	return NewLocalTool(name, description, params, handler), nil
}

// Descriptor returns the tool's metadata.
func (t *LocalTool) Descriptor() Descriptor {
	return t.desc
}

// Execute runs the handler.
func (t *LocalTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	content, err := t.handler(ctx, args)
	if err != nil {
		return ErrorResult(t.desc.Name, err.Error()), err
	}
	return &Result{
		Success:  true,
		Content:  content,
		ToolName: t.desc.Name,
	}, nil
}

// WithKind overrides the tool kind, for wrappers that reuse the local
// handler plumbing (builtins, sub-agents).
func (t *LocalTool) WithKind(kind Kind) *LocalTool {
	t.desc.Kind = kind
	return t
}
