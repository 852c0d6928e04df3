package reasoning

import "context"

type ctxKey int

const (
	depthKey ctxKey = iota
	sessionKey
)

// WithDepth returns a context recording the sub-agent nesting depth.
func WithDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthKey, depth)
}

// Depth reports the sub-agent nesting depth carried by ctx, zero at the
// root run.
func Depth(ctx context.Context) int {
	if d, ok := ctx.Value(depthKey).(int); ok {
		return d
	}
	return 0
}

// WithSession returns a context recording the session a run belongs to.
// The engine sets it at the top of Run so tools that spawn work of their
// own (sub-agents in particular) can attribute events to the caller.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey, sessionID)
}

// SessionFrom reports the session ID carried by ctx, empty if none.
func SessionFrom(ctx context.Context) string {
	if s, ok := ctx.Value(sessionKey).(string); ok {
		return s
	}
	return ""
}
