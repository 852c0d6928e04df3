package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loomworks/loom/agenterrors"
	"github.com/loomworks/loom/logger"
	"github.com/loomworks/loom/observability"
	"github.com/loomworks/loom/registry"
)

// ============================================================================
// TOOL REGISTRY
// ============================================================================

// snapshot is an immutable view of the registered tools. Lookups and
// selection read the current snapshot without locking; registrations build
// and swap in a new one.
type snapshot struct {
	descriptors []Descriptor
	index       *bm25Index
}

// Registry holds tools from every source behind one namespace.
type Registry struct {
	*registry.BaseRegistry[Tool]

	rebuildMu sync.Mutex
	current   atomic.Pointer[snapshot]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{BaseRegistry: registry.NewNamedRegistry[Tool]("tools")}
	r.current.Store(&snapshot{index: newBM25Index(nil)})
	return r
}

// RegisterTool adds a tool under its descriptor name. Duplicate names fail.
func (r *Registry) RegisterTool(tool Tool) error {
	desc := tool.Descriptor()
	if err := r.Register(desc.Name, tool); err != nil {
		return err
	}
	r.rebuild()
	logger.Debug("tool registered", "name", desc.Name, "kind", string(desc.Kind))
	return nil
}

// RegisterTools adds several tools, stopping at the first failure.
func (r *Registry) RegisterTools(tools ...Tool) error {
	for _, tool := range tools {
		if err := r.RegisterTool(tool); err != nil {
			return err
		}
	}
	return nil
}

// RemoveTool drops a tool by name.
func (r *Registry) RemoveTool(name string) error {
	if err := r.Remove(name); err != nil {
		return err
	}
	r.rebuild()
	return nil
}

func (r *Registry) rebuild() {
	r.rebuildMu.Lock()
	defer r.rebuildMu.Unlock()

	tools := r.List()
	descriptors := make([]Descriptor, 0, len(tools))
	for _, tool := range tools {
		descriptors = append(descriptors, tool.Descriptor())
	}
	r.current.Store(&snapshot{
		descriptors: descriptors,
		index:       newBM25Index(descriptors),
	})
}

// Descriptors returns every registered descriptor, sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	return r.current.Load().descriptors
}

// ============================================================================
// SELECTION
// ============================================================================

// Search returns up to k tool names ranked by BM25 relevance to the query.
func (r *Registry) Search(query string, k int) []string {
	return r.current.Load().index.search(query, k)
}

// SelectForPrompt picks the descriptors to expose to the model for one
// query: the full catalog when it fits within k, otherwise the BM25 top-k.
// When the query shares no vocabulary with any tool, the catalog's first k
// by kind priority and name are used so the model is never left toolless.
func (r *Registry) SelectForPrompt(query string, k int) []Descriptor {
	snap := r.current.Load()
	if k <= 0 || len(snap.descriptors) <= k {
		return snap.descriptors
	}

	names := snap.index.search(query, k)
	if len(names) == 0 {
		fallback := make([]Descriptor, len(snap.descriptors))
		copy(fallback, snap.descriptors)
		sort.Slice(fallback, func(i, j int) bool {
			if fallback[i].Kind.Priority() != fallback[j].Kind.Priority() {
				return fallback[i].Kind.Priority() < fallback[j].Kind.Priority()
			}
			return fallback[i].Name < fallback[j].Name
		})
		return fallback[:k]
	}

	byName := make(map[string]Descriptor, len(snap.descriptors))
	for _, desc := range snap.descriptors {
		byName[desc.Name] = desc
	}
	selected := make([]Descriptor, 0, len(names))
	for _, name := range names {
		if desc, ok := byName[name]; ok {
			selected = append(selected, desc)
		}
	}
	return selected
}

// ============================================================================
// EXECUTION
// ============================================================================

// Execute validates arguments and runs the named tool with a per-call
// timeout (0 disables it). The returned result is always usable as a
// tool-result message; the error carries the failure kind for the caller's
// control flow.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}, timeout time.Duration) (*Result, error) {
	tool, ok := r.Get(name)
	if !ok {
		err := agenterrors.Newf(agenterrors.KindToolNotFound, "tool %q is not registered", name)
		return ErrorResult(name, err.Error()), err
	}

	if err := ValidateArgs(tool.Descriptor(), args); err != nil {
		wrapped := agenterrors.Wrap(agenterrors.KindToolInvalidArgs, fmt.Sprintf("invalid arguments for %q", name), err)
		return ErrorResult(name, wrapped.Error()), wrapped
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := tool.Execute(ctx, args)
	elapsed := time.Since(start)
	observability.GetGlobalMetrics().RecordToolExecution(ctx, name, elapsed, err)

	if err != nil {
		kind := agenterrors.KindToolError
		msg := err.Error()
		switch {
		case ctx.Err() == context.DeadlineExceeded:
			kind = agenterrors.KindToolTimeout
			msg = fmt.Sprintf("tool %q timed out after %s", name, elapsed.Round(time.Millisecond))
		case ctx.Err() == context.Canceled:
			kind = agenterrors.KindCancelled
		}
		wrapped := agenterrors.Wrap(kind, msg, err)
		res := ErrorResult(name, msg)
		res.ExecutionTime = elapsed
		logger.Debug("tool execution failed", "name", name, "kind", string(kind), "error", err)
		return res, wrapped
	}

	if result == nil {
		result = &Result{Success: true, ToolName: name}
	}
	result.ToolName = name
	result.ExecutionTime = elapsed
	return result, nil
}
