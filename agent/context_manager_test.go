package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/events"
	"github.com/loomworks/loom/llms"
	"github.com/loomworks/loom/memory"
)

func newMemRouter(t *testing.T) *memory.Router {
	t.Helper()
	return memory.NewRouter(memory.NewInMemoryStore())
}

func newEvtRouter(t *testing.T) *events.Router {
	t.Helper()
	return events.NewRouter(events.NewInMemoryStream(), 64)
}

// chat builds a message whose token estimate comes out to exactly tokens.
func chat(role memory.Role, tokens int) memory.Message {
	return memory.Message{Role: role, Content: strings.Repeat("abcd", tokens)}
}

// seedMessages persists msgs in order and returns the stored view with IDs
// and token estimates filled in.
func seedMessages(t *testing.T, router *memory.Router, sessionID string, msgs ...memory.Message) []memory.Message {
	t.Helper()
	ctx := context.Background()
	for i := range msgs {
		m := msgs[i]
		require.NoError(t, router.Append(ctx, sessionID, &m))
	}
	view, err := router.Load(ctx, sessionID, memory.LoadFilter{})
	require.NoError(t, err)
	return view
}

func eventTypes(t *testing.T, router *events.Router, sessionID string) []events.Type {
	t.Helper()
	evts, err := router.Read(context.Background(), sessionID, 0, 0)
	require.NoError(t, err)
	types := make([]events.Type, 0, len(evts))
	for _, evt := range evts {
		types = append(types, evt.Type)
	}
	return types
}

func TestPlanDisabledLeavesViewAlone(t *testing.T) {
	cfg := config.ContextManagementConfig{Enabled: false}
	cfg.SetDefaults()
	m := NewContextManager(cfg, llms.NewMockClient("mock"), newMemRouter(t), newEvtRouter(t), "a1")

	view := []memory.Message{chat(memory.RoleUser, 50000)}
	got, dropped, err := m.Plan(context.Background(), "s1", view)
	require.NoError(t, err)
	assert.Zero(t, dropped)
	assert.Len(t, got, 1)
}

func TestPlanUnderBudgetLeavesViewAlone(t *testing.T) {
	cfg := config.ContextManagementConfig{Enabled: true, Mode: config.ModeTokenBudget, Value: 1000, ThresholdPercent: 75}
	cfg.SetDefaults()
	m := NewContextManager(cfg, llms.NewMockClient("mock"), newMemRouter(t), newEvtRouter(t), "a1")

	view := seedMessages(t, newMemRouter(t), "s1",
		chat(memory.RoleUser, 100), chat(memory.RoleAssistant, 100))
	got, dropped, err := m.Plan(context.Background(), "s1", view)
	require.NoError(t, err)
	assert.Zero(t, dropped)
	assert.Len(t, got, 2)
}

func TestPlanTruncatesOldestUntilUnderTarget(t *testing.T) {
	cfg := config.ContextManagementConfig{
		Enabled:          true,
		Mode:             config.ModeTokenBudget,
		Value:            5000,
		ThresholdPercent: 80,
		Strategy:         config.StrategyTruncate,
		PreserveRecent:   5,
	}
	history := newMemRouter(t)

	msgs := make([]memory.Message, 0, 200)
	for i := 0; i < 200; i++ {
		role := memory.RoleUser
		if i%2 == 1 {
			role = memory.RoleAssistant
		}
		msgs = append(msgs, chat(role, 100))
	}
	view := seedMessages(t, history, "s1", msgs...)

	m := NewContextManager(cfg, llms.NewMockClient("mock"), history, newEvtRouter(t), "a1")
	got, dropped, err := m.Plan(context.Background(), "s1", view)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, dropped, 150, "20000 tokens must shrink to 4000")
	assert.LessOrEqual(t, viewTokens(got), 4000)
	require.NotEmpty(t, got)
	assert.Equal(t, view[dropped].ID, got[0].ID, "kept view must be the tail of the original")
}

func TestPlanPreservesRecentEvenOverBudget(t *testing.T) {
	cfg := config.ContextManagementConfig{
		Enabled:          true,
		Mode:             config.ModeTokenBudget,
		Value:            100,
		ThresholdPercent: 75,
		Strategy:         config.StrategyTruncate,
		PreserveRecent:   4,
	}
	history := newMemRouter(t)
	view := seedMessages(t, history, "s1",
		chat(memory.RoleUser, 500), chat(memory.RoleAssistant, 500),
		chat(memory.RoleUser, 500), chat(memory.RoleAssistant, 500))

	m := NewContextManager(cfg, llms.NewMockClient("mock"), history, newEvtRouter(t), "a1")
	got, dropped, err := m.Plan(context.Background(), "s1", view)
	require.NoError(t, err)
	assert.Zero(t, dropped)
	assert.Len(t, got, 4)
}

func TestPlanSlidingWindowDropsByCount(t *testing.T) {
	cfg := config.ContextManagementConfig{
		Enabled:          true,
		Mode:             config.ModeSlidingWindow,
		Value:            6,
		ThresholdPercent: 75,
		Strategy:         config.StrategyTruncate,
		PreserveRecent:   4,
	}
	history := newMemRouter(t)
	msgs := make([]memory.Message, 0, 10)
	for i := 0; i < 10; i++ {
		msgs = append(msgs, chat(memory.RoleUser, 10))
	}
	view := seedMessages(t, history, "s1", msgs...)

	m := NewContextManager(cfg, llms.NewMockClient("mock"), history, newEvtRouter(t), "a1")
	got, dropped, err := m.Plan(context.Background(), "s1", view)
	require.NoError(t, err)
	assert.Equal(t, 4, dropped)
	assert.Len(t, got, 6)
}

func TestPlanNeverSplitsToolPairs(t *testing.T) {
	cfg := config.ContextManagementConfig{
		Enabled:          true,
		Mode:             config.ModeSlidingWindow,
		Value:            5,
		ThresholdPercent: 75,
		Strategy:         config.StrategyTruncate,
		PreserveRecent:   4,
	}
	history := newMemRouter(t)

	request := chat(memory.RoleAssistant, 10)
	request.ToolCalls = []llms.ToolCall{{ID: "call-1", Name: "search"}}
	resultA := chat(memory.RoleTool, 10)
	resultA.ToolCallID = "call-1"
	resultB := chat(memory.RoleTool, 10)
	resultB.ToolCallID = "call-1"

	view := seedMessages(t, history, "s1",
		chat(memory.RoleUser, 10), // would be dropped alone
		request, resultA, resultB,
		chat(memory.RoleAssistant, 10),
		chat(memory.RoleUser, 10),
		chat(memory.RoleAssistant, 10),
		chat(memory.RoleUser, 10),
	)

	m := NewContextManager(cfg, llms.NewMockClient("mock"), history, newEvtRouter(t), "a1")
	got, dropped, err := m.Plan(context.Background(), "s1", view)
	require.NoError(t, err)

	// A count cut of 3 would land between the tool call and its results;
	// it must back off to just the leading user message.
	assert.Equal(t, 1, dropped)
	require.NotEmpty(t, got)
	assert.NotEmpty(t, got[0].ToolCalls)
}

func TestPlanStopsAtUnpersistedMessages(t *testing.T) {
	cfg := config.ContextManagementConfig{
		Enabled:          true,
		Mode:             config.ModeTokenBudget,
		Value:            10,
		ThresholdPercent: 75,
		Strategy:         config.StrategyTruncate,
		PreserveRecent:   4,
	}
	m := NewContextManager(cfg, llms.NewMockClient("mock"), newMemRouter(t), newEvtRouter(t), "a1")

	// Current-turn messages carry no ID yet and are untouchable.
	view := []memory.Message{
		chat(memory.RoleUser, 500),
		chat(memory.RoleAssistant, 500),
		chat(memory.RoleUser, 500),
		chat(memory.RoleAssistant, 500),
		chat(memory.RoleUser, 500),
	}
	got, dropped, err := m.Plan(context.Background(), "s1", view)
	require.NoError(t, err)
	assert.Zero(t, dropped)
	assert.Len(t, got, 5)
}

func TestPlanSummarizeFoldsDropSetIntoSummary(t *testing.T) {
	cfg := config.ContextManagementConfig{
		Enabled:          true,
		Mode:             config.ModeSlidingWindow,
		Value:            6,
		ThresholdPercent: 75,
		Strategy:         config.StrategySummarizeAndTruncate,
		PreserveRecent:   4,
	}
	history := newMemRouter(t)
	evts := newEvtRouter(t)
	llm := llms.NewMockClient("mock").Script(llms.MockTurn{Text: "Earlier the user compared storage backends."})

	msgs := make([]memory.Message, 0, 10)
	for i := 0; i < 10; i++ {
		msgs = append(msgs, chat(memory.RoleUser, 10))
	}
	view := seedMessages(t, history, "s1", msgs...)

	m := NewContextManager(cfg, llm, history, evts, "a1")
	got, dropped, err := m.Plan(context.Background(), "s1", view)
	require.NoError(t, err)
	assert.Equal(t, 4, dropped)
	assert.Len(t, got, 6)

	ctx := context.Background()
	summary, found, err := history.Summary(ctx, "s1")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, strings.HasPrefix(summary.Content, summaryPrefix))
	assert.Contains(t, summary.Content, "storage backends")
	assert.Equal(t, []int64{view[0].ID, view[1].ID, view[2].ID, view[3].ID}, summary.SupersedesIDs)

	active, err := history.Load(ctx, "s1", memory.LoadFilter{})
	require.NoError(t, err)
	assert.Len(t, active, 6, "superseded messages must drop out of active loads")

	assert.Contains(t, eventTypes(t, evts, "s1"), events.TypeSummaryCreated)
}

func TestPlanSummarizeFailureFallsBackToTruncate(t *testing.T) {
	cfg := config.ContextManagementConfig{
		Enabled:          true,
		Mode:             config.ModeSlidingWindow,
		Value:            6,
		ThresholdPercent: 75,
		Strategy:         config.StrategySummarizeAndTruncate,
		PreserveRecent:   4,
	}
	history := newMemRouter(t)
	llm := llms.NewMockClient("mock").Script(llms.MockTurn{Err: errors.New("model offline")})

	msgs := make([]memory.Message, 0, 10)
	for i := 0; i < 10; i++ {
		msgs = append(msgs, chat(memory.RoleUser, 10))
	}
	view := seedMessages(t, history, "s1", msgs...)

	m := NewContextManager(cfg, llm, history, newEvtRouter(t), "a1")
	got, dropped, err := m.Plan(context.Background(), "s1", view)
	require.NoError(t, err)
	assert.Equal(t, 4, dropped, "the prompt must still shrink")
	assert.Len(t, got, 6)

	ctx := context.Background()
	_, found, err := history.Summary(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, found, "no summary on failure")

	active, err := history.Load(ctx, "s1", memory.LoadFilter{})
	require.NoError(t, err)
	assert.Len(t, active, 10, "stored history is untouched on fallback")
}
