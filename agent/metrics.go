package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/loomworks/loom/memory"
	"github.com/loomworks/loom/reasoning"
)

// emaAlpha weights the latest turn in the response-time average.
const emaAlpha = 0.2

// Metrics is a point-in-time snapshot of an agent's lifetime counters.
// Counters only ever go up; AvgResponseMS is an exponential moving average
// over completed turns.
type Metrics struct {
	Requests      int64   `json:"requests"`
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	ToolCalls     int64   `json:"tool_calls"`
	Errors        int64   `json:"errors"`
	TotalTimeMS   int64   `json:"total_time_ms"`
	AvgResponseMS float64 `json:"avg_response_ms"`
}

// metricsCollector accumulates turn metrics across runs. All methods are
// safe for concurrent use; sub-agent turns fold into their parent through
// Absorb.
type metricsCollector struct {
	mu      sync.Mutex
	current Metrics
}

func newMetricsCollector() *metricsCollector {
	return &metricsCollector{}
}

// Record folds one completed turn into the counters and advances the
// response-time average.
func (c *metricsCollector) Record(turn reasoning.TurnMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.add(turn)
	if c.current.AvgResponseMS == 0 {
		c.current.AvgResponseMS = float64(turn.DurationMS)
	} else {
		c.current.AvgResponseMS = emaAlpha*float64(turn.DurationMS) + (1-emaAlpha)*c.current.AvgResponseMS
	}
}

// Absorb folds a sub-agent's turn into the counters without touching the
// response-time average, which tracks this agent's own turns only.
func (c *metricsCollector) Absorb(turn reasoning.TurnMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.add(turn)
}

func (c *metricsCollector) add(turn reasoning.TurnMetrics) {
	c.current.Requests += int64(turn.Requests)
	c.current.InputTokens += int64(turn.InputTokens)
	c.current.OutputTokens += int64(turn.OutputTokens)
	c.current.ToolCalls += int64(turn.ToolCalls)
	c.current.Errors += int64(turn.Errors)
	c.current.TotalTimeMS += turn.DurationMS
}

// Snapshot returns a copy of the counters.
func (c *metricsCollector) Snapshot() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// metricsKey is where the snapshot lives in the agent's store.
func metricsKey(agentID string) string {
	return fmt.Sprintf("a/%s/metrics", agentID)
}

// load seeds the counters from a previously persisted snapshot, so restarts
// keep lifetime totals.
func (c *metricsCollector) load(ctx context.Context, history *memory.Router, agentID string) error {
	data, found, err := history.GetRaw(ctx, metricsKey(agentID))
	if err != nil || !found {
		return err
	}
	var snap Metrics
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("corrupt metrics record: %w", err)
	}
	c.mu.Lock()
	c.current = snap
	c.mu.Unlock()
	return nil
}

// persist writes the current snapshot through the history router.
func (c *metricsCollector) persist(ctx context.Context, history *memory.Router, agentID string) error {
	data, err := json.Marshal(c.Snapshot())
	if err != nil {
		return err
	}
	return history.PutRaw(ctx, metricsKey(agentID), data)
}
