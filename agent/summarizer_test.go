package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/events"
	"github.com/loomworks/loom/llms"
	"github.com/loomworks/loom/memory"
)

func summarizerConfig(mode string, value int, retention string) config.MemoryConfig {
	return config.MemoryConfig{
		Mode:  mode,
		Value: value,
		Summary: config.MemorySummaryConfig{
			Enabled:         true,
			RetentionPolicy: retention,
		},
	}
}

func TestCompactDisabledIsNoOp(t *testing.T) {
	history := newMemRouter(t)
	seedMessages(t, history, "s1",
		chat(memory.RoleUser, 10), chat(memory.RoleAssistant, 10), chat(memory.RoleUser, 10))

	cfg := config.MemoryConfig{Mode: config.ModeSlidingWindow, Value: 1}
	s := NewSummarizer(cfg, llms.NewMockClient("mock"), history, newEvtRouter(t), "a1")
	require.NoError(t, s.Compact(context.Background(), "s1"))

	_, found, err := history.Summary(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCompactWithinWindowIsNoOp(t *testing.T) {
	history := newMemRouter(t)
	seedMessages(t, history, "s1", chat(memory.RoleUser, 10), chat(memory.RoleAssistant, 10))

	s := NewSummarizer(summarizerConfig(config.ModeSlidingWindow, 5, config.RetentionKeep),
		llms.NewMockClient("mock"), history, newEvtRouter(t), "a1")
	require.NoError(t, s.Compact(context.Background(), "s1"))

	_, found, err := history.Summary(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCompactSlidingWindowKeepsInactive(t *testing.T) {
	ctx := context.Background()
	history := newMemRouter(t)
	evts := newEvtRouter(t)
	llm := llms.NewMockClient("mock").Script(llms.MockTurn{Text: "Early discussion covered deployment options."})

	msgs := make([]memory.Message, 0, 7)
	for i := 0; i < 7; i++ {
		role := memory.RoleUser
		if i%2 == 1 {
			role = memory.RoleAssistant
		}
		msgs = append(msgs, chat(role, 10))
	}
	stored := seedMessages(t, history, "s1", msgs...)

	s := NewSummarizer(summarizerConfig(config.ModeSlidingWindow, 3, config.RetentionKeep), llm, history, evts, "a1")
	require.NoError(t, s.Compact(ctx, "s1"))

	summary, found, err := history.Summary(ctx, "s1")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, strings.HasPrefix(summary.Content, summaryPrefix))
	assert.Contains(t, summary.Content, "deployment options")
	assert.Equal(t, []int64{stored[0].ID, stored[1].ID, stored[2].ID, stored[3].ID}, summary.SupersedesIDs)

	active, err := history.Load(ctx, "s1", memory.LoadFilter{})
	require.NoError(t, err)
	assert.Len(t, active, 3)

	all, err := history.Load(ctx, "s1", memory.LoadFilter{IncludeInactive: true})
	require.NoError(t, err)
	assert.Len(t, all, 7, "keep policy retains superseded messages")

	assert.Contains(t, eventTypes(t, evts, "s1"), events.TypeSummaryCreated)
}

func TestCompactRetentionDeleteRemovesMessages(t *testing.T) {
	ctx := context.Background()
	history := newMemRouter(t)
	llm := llms.NewMockClient("mock").Script(llms.MockTurn{Text: "Condensed."})

	msgs := make([]memory.Message, 0, 6)
	for i := 0; i < 6; i++ {
		msgs = append(msgs, chat(memory.RoleUser, 10))
	}
	seedMessages(t, history, "s1", msgs...)

	s := NewSummarizer(summarizerConfig(config.ModeSlidingWindow, 2, config.RetentionDelete), llm, history, newEvtRouter(t), "a1")
	require.NoError(t, s.Compact(ctx, "s1"))

	all, err := history.Load(ctx, "s1", memory.LoadFilter{IncludeInactive: true})
	require.NoError(t, err)
	assert.Len(t, all, 2, "delete policy removes superseded messages outright")
}

func TestCompactTokenBudgetStopsUnderValue(t *testing.T) {
	ctx := context.Background()
	history := newMemRouter(t)
	llm := llms.NewMockClient("mock").Script(llms.MockTurn{Text: "Condensed."})

	msgs := make([]memory.Message, 0, 8)
	for i := 0; i < 8; i++ {
		msgs = append(msgs, chat(memory.RoleUser, 100))
	}
	seedMessages(t, history, "s1", msgs...)

	s := NewSummarizer(summarizerConfig(config.ModeTokenBudget, 300, config.RetentionKeep), llm, history, newEvtRouter(t), "a1")
	require.NoError(t, s.Compact(ctx, "s1"))

	active, err := history.Load(ctx, "s1", memory.LoadFilter{})
	require.NoError(t, err)
	assert.Len(t, active, 3)
	assert.LessOrEqual(t, viewTokens(active), 300)
}

func TestCompactRollingSummaryGrows(t *testing.T) {
	ctx := context.Background()
	history := newMemRouter(t)
	llm := llms.NewMockClient("mock").Script(
		llms.MockTurn{Text: "First pass."},
		llms.MockTurn{Text: "Second pass, merged."},
	)

	first := seedMessages(t, history, "s1",
		chat(memory.RoleUser, 10), chat(memory.RoleAssistant, 10),
		chat(memory.RoleUser, 10), chat(memory.RoleAssistant, 10))

	s := NewSummarizer(summarizerConfig(config.ModeSlidingWindow, 2, config.RetentionKeep), llm, history, newEvtRouter(t), "a1")
	require.NoError(t, s.Compact(ctx, "s1"))

	summary, found, err := history.Summary(ctx, "s1")
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, summary.SupersedesIDs, 2)

	more := memory.Message{Role: memory.RoleUser, Content: strings.Repeat("abcd", 10)}
	require.NoError(t, history.Append(ctx, "s1", &more))
	second := memory.Message{Role: memory.RoleAssistant, Content: strings.Repeat("abcd", 10)}
	require.NoError(t, history.Append(ctx, "s1", &second))

	require.NoError(t, s.Compact(ctx, "s1"))

	summary, found, err = history.Summary(ctx, "s1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Contains(t, summary.Content, "Second pass")
	assert.Equal(t, []int64{first[0].ID, first[1].ID, first[2].ID, first[3].ID}, summary.SupersedesIDs)
}

func TestCompactSummarizeFailureLeavesStoreUntouched(t *testing.T) {
	ctx := context.Background()
	history := newMemRouter(t)
	llm := llms.NewMockClient("mock").Script(llms.MockTurn{Text: ""})

	msgs := make([]memory.Message, 0, 5)
	for i := 0; i < 5; i++ {
		msgs = append(msgs, chat(memory.RoleUser, 10))
	}
	seedMessages(t, history, "s1", msgs...)

	s := NewSummarizer(summarizerConfig(config.ModeSlidingWindow, 2, config.RetentionKeep), llm, history, newEvtRouter(t), "a1")
	err := s.Compact(ctx, "s1")
	require.Error(t, err)

	active, err := history.Load(ctx, "s1", memory.LoadFilter{})
	require.NoError(t, err)
	assert.Len(t, active, 5)
}
