package events

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receiveEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		require.True(t, ok, "stream closed unexpectedly")
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

// ============================================================================
// EMIT / READ TESTS
// ============================================================================

func TestEmitAssignsMonotonicIDs(t *testing.T) {
	ctx := context.Background()
	router := NewRouter(NewInMemoryStream(), 0)
	defer router.Close(ctx)

	for i := 0; i < 3; i++ {
		evt := &Event{SessionID: "s", Type: TypeAgentThought}
		require.NoError(t, router.Emit(ctx, evt))
		assert.Equal(t, int64(i+1), evt.EventID)
		assert.False(t, evt.Timestamp.IsZero())
	}

	events, err := router.Read(ctx, "s", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, evt := range events {
		assert.Equal(t, int64(i+1), evt.EventID)
	}

	last, err := router.LastID(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(3), last)
}

func TestEmitContinuesIDsFromPersistedStream(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStream()
	require.NoError(t, store.Append(ctx, "s", &Event{EventID: 7, SessionID: "s", Type: TypeUserMessage}))

	router := NewRouter(store, 0)
	defer router.Close(ctx)

	evt := &Event{SessionID: "s", Type: TypeAgentThought}
	require.NoError(t, router.Emit(ctx, evt))
	assert.Equal(t, int64(8), evt.EventID)
}

func TestReadAfterID(t *testing.T) {
	ctx := context.Background()
	router := NewRouter(NewInMemoryStream(), 0)
	defer router.Close(ctx)

	for i := 0; i < 5; i++ {
		require.NoError(t, router.Emit(ctx, &Event{SessionID: "s", Type: TypeAgentThought}))
	}

	events, err := router.Read(ctx, "s", 3, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(4), events[0].EventID)

	events, err = router.Read(ctx, "s", 0, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].EventID)
}

// ============================================================================
// STREAM TESTS
// ============================================================================

func TestStreamReplaysThenFollows(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	router := NewRouter(NewInMemoryStream(), 0)
	defer router.Close(context.Background())

	for i := 0; i < 3; i++ {
		require.NoError(t, router.Emit(ctx, &Event{SessionID: "s", Type: TypeAgentThought}))
	}

	ch, err := router.Stream(ctx, "s", 0)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		evt := receiveEvent(t, ch)
		assert.Equal(t, int64(i), evt.EventID)
	}

	require.NoError(t, router.Emit(ctx, &Event{SessionID: "s", Type: TypeFinalAnswer}))
	evt := receiveEvent(t, ch)
	assert.Equal(t, int64(4), evt.EventID)
	assert.Equal(t, TypeFinalAnswer, evt.Type)

	// Cancelling the consumer closes the channel.
	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after cancel")
	}
}

func TestStreamFromTailSkipsHistory(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	router := NewRouter(NewInMemoryStream(), 0)
	defer router.Close(context.Background())

	for i := 0; i < 3; i++ {
		require.NoError(t, router.Emit(ctx, &Event{SessionID: "s", Type: TypeAgentThought}))
	}

	ch, err := router.Stream(ctx, "s", -1)
	require.NoError(t, err)

	require.NoError(t, router.Emit(ctx, &Event{SessionID: "s", Type: TypeFinalAnswer}))
	evt := receiveEvent(t, ch)
	assert.Equal(t, int64(4), evt.EventID)
}

func TestStreamResumesFromAfterID(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	router := NewRouter(NewInMemoryStream(), 0)
	defer router.Close(context.Background())

	for i := 0; i < 5; i++ {
		require.NoError(t, router.Emit(ctx, &Event{SessionID: "s", Type: TypeAgentThought}))
	}

	ch, err := router.Stream(ctx, "s", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(4), receiveEvent(t, ch).EventID)
	assert.Equal(t, int64(5), receiveEvent(t, ch).EventID)
}

// ============================================================================
// SUBSCRIBER BUFFER TESTS
// ============================================================================

func TestSubscriberDropsOldestNonCritical(t *testing.T) {
	var backpressure atomic.Int64
	sub := newSubscriber(2)

	sub.push(Event{EventID: 1, Type: TypeAgentThought}, &backpressure)
	sub.push(Event{EventID: 2, Type: TypeFinalAnswer}, &backpressure)
	sub.push(Event{EventID: 3, Type: TypeAgentThought}, &backpressure)

	buf := sub.drain()
	require.Len(t, buf, 2)
	assert.Equal(t, int64(2), buf[0].EventID)
	assert.Equal(t, int64(3), buf[1].EventID)
	assert.Equal(t, int64(1), backpressure.Load())
}

func TestSubscriberNeverDropsCritical(t *testing.T) {
	var backpressure atomic.Int64
	sub := newSubscriber(2)

	sub.push(Event{EventID: 1, Type: TypeFinalAnswer}, &backpressure)
	sub.push(Event{EventID: 2, Type: TypeGuardrailBlocked}, &backpressure)
	sub.push(Event{EventID: 3, Type: TypeTaskFailed}, &backpressure)

	buf := sub.drain()
	assert.Len(t, buf, 3)
	assert.Equal(t, int64(0), backpressure.Load())
}

// ============================================================================
// HOT SWAP TESTS
// ============================================================================

func TestSwitchToWritesHandoverMarkers(t *testing.T) {
	ctx := context.Background()
	oldStore := NewInMemoryStream()
	router := NewRouter(oldStore, 0)
	defer router.Close(ctx)

	require.NoError(t, router.Emit(ctx, &Event{SessionID: "s", Type: TypeUserMessage}))
	require.NoError(t, router.Emit(ctx, &Event{SessionID: "s", Type: TypeFinalAnswer}))

	next := NewInMemoryStream()
	require.NoError(t, router.SwitchTo(ctx, next))
	assert.Equal(t, "in_memory", router.Kind())

	// Old stream keeps its events plus the marker.
	oldEvents, err := oldStore.Read(ctx, "s", 0, 0)
	require.NoError(t, err)
	require.Len(t, oldEvents, 3)
	marker := oldEvents[2]
	assert.Equal(t, TypeRoutingHandover, marker.Type)
	assert.NotEmpty(t, marker.CorrelationID)

	// New stream starts with the same marker.
	newEvents, err := next.Read(ctx, "s", 0, 0)
	require.NoError(t, err)
	require.Len(t, newEvents, 1)
	assert.Equal(t, marker.EventID, newEvents[0].EventID)
	assert.Equal(t, marker.CorrelationID, newEvents[0].CorrelationID)

	// Subsequent events land in the new stream with increasing IDs.
	evt := &Event{SessionID: "s", Type: TypeAgentThought}
	require.NoError(t, router.Emit(ctx, evt))
	assert.Equal(t, marker.EventID+1, evt.EventID)

	newEvents, err = next.Read(ctx, "s", marker.EventID, 0)
	require.NoError(t, err)
	require.Len(t, newEvents, 1)

	oldEvents, err = oldStore.Read(ctx, "s", marker.EventID, 0)
	require.NoError(t, err)
	assert.Empty(t, oldEvents)
}

func TestSwitchToNotifiesLiveSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	router := NewRouter(NewInMemoryStream(), 0)
	defer router.Close(context.Background())

	require.NoError(t, router.Emit(ctx, &Event{SessionID: "s", Type: TypeUserMessage}))

	ch, err := router.Stream(ctx, "s", -1)
	require.NoError(t, err)

	require.NoError(t, router.SwitchTo(ctx, NewInMemoryStream()))

	evt := receiveEvent(t, ch)
	assert.Equal(t, TypeRoutingHandover, evt.Type)
}

// ============================================================================
// IN-MEMORY STORE TESTS
// ============================================================================

func TestInMemoryStreamSessions(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStream()

	require.NoError(t, store.Append(ctx, "b", &Event{EventID: 1, SessionID: "b"}))
	require.NoError(t, store.Append(ctx, "a", &Event{EventID: 1, SessionID: "a"}))

	sessions, err := store.Sessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, sessions)

	last, err := store.LastID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), last)

	last, err = store.LastID(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(0), last)
}
