package artifacts

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/memory"
	"github.com/loomworks/loom/tools"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	router := memory.NewRouter(memory.NewInMemoryStore())
	t.Cleanup(func() { _ = router.Close(context.Background()) })
	return NewStore(RouterBackend{Router: router}, "agent-1", 0)
}

func TestPutReadIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	data := []byte("hello world, this is artifact content")
	ref, err := store.Put(ctx, "sess-1", data, "text/plain")
	require.NoError(t, err)

	assert.Len(t, ref.ArtifactID, 16)
	assert.Equal(t, "sess-1", ref.SessionID)
	assert.Equal(t, len(data), ref.SizeBytes)
	assert.Equal(t, len(data)/4, ref.TokenEstimate)
	assert.Equal(t, "text/plain", ref.MimeHint)
	assert.Equal(t, string(data), ref.Preview)

	got, gotRef, err := store.Read(ctx, ref.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, ref.ArtifactID, gotRef.ArtifactID)

	// Same content stores once and returns the original reference.
	again, err := store.Put(ctx, "sess-1", data, "text/plain")
	require.NoError(t, err)
	assert.Equal(t, ref.ArtifactID, again.ArtifactID)
	assert.True(t, ref.CreatedAt.Equal(again.CreatedAt))
}

func TestReadMissing(t *testing.T) {
	store := newTestStore(t)
	_, _, err := store.Read(context.Background(), "deadbeefdeadbeef")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestMakePreview(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		maxTokens int
		want      string
	}{
		{
			name:      "short text unchanged",
			text:      "tiny",
			maxTokens: 5,
			want:      "tiny",
		},
		{
			name:      "plain cut with marker",
			text:      "short\n" + strings.Repeat("x", 30),
			maxTokens: 5,
			want:      "short\n" + strings.Repeat("x", 14) + "\n...",
		},
		{
			name:      "prefers newline boundary",
			text:      strings.Repeat("a", 15) + "\n" + strings.Repeat("b", 15),
			maxTokens: 5,
			want:      strings.Repeat("a", 15) + "\n...",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := makePreview(tt.text, tt.maxTokens)
			if got != tt.want {
				t.Errorf("makePreview() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTail(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ref, err := store.Put(ctx, "sess-1", []byte("line1\nline2\nline3\nline4\nline5\n"), "")
	require.NoError(t, err)

	tail, err := store.Tail(ctx, ref.ArtifactID, 2)
	require.NoError(t, err)
	assert.Equal(t, "(... 3 lines above)\nline4\nline5", tail)

	full, err := store.Tail(ctx, ref.ArtifactID, 10)
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2\nline3\nline4\nline5", full)
}

func TestSearch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ref, err := store.Put(ctx, "sess-1", []byte("alpha\nBETA beta\ngamma beta\n"), "")
	require.NoError(t, err)

	t.Run("case insensitive with offsets", func(t *testing.T) {
		report, err := store.Search(ctx, ref.ArtifactID, "beta")
		require.NoError(t, err)
		assert.Contains(t, report, `Found 3 matches for "beta"`)
		assert.Contains(t, report, "line 2, offset 6")
		assert.Contains(t, report, "line 2, offset 11")
		assert.Contains(t, report, "line 3, offset 22")
	})

	t.Run("no matches", func(t *testing.T) {
		report, err := store.Search(ctx, ref.ArtifactID, "zzz")
		require.NoError(t, err)
		assert.Equal(t, `No matches found for "zzz"`, report)
	})

	t.Run("empty query", func(t *testing.T) {
		_, err := store.Search(ctx, ref.ArtifactID, "")
		require.Error(t, err)
	})

	t.Run("cap at 100", func(t *testing.T) {
		big, err := store.Put(ctx, "sess-1", []byte(strings.Repeat("needle\n", 150)), "")
		require.NoError(t, err)
		report, err := store.Search(ctx, big.ArtifactID, "needle")
		require.NoError(t, err)
		assert.Contains(t, report, `Found 100+ matches for "needle" (capped)`)
		assert.Equal(t, 100, strings.Count(report, "line "))
	})
}

func TestList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.Put(ctx, "sess-1", []byte("first artifact"), "")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := store.Put(ctx, "sess-1", []byte("second artifact"), "")
	require.NoError(t, err)
	third, err := store.Put(ctx, "sess-2", []byte("third artifact"), "")
	require.NoError(t, err)

	refs, err := store.List(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, first.ArtifactID, refs[0].ArtifactID)
	assert.Equal(t, second.ArtifactID, refs[1].ArtifactID)

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	other, err := store.List(ctx, "sess-2")
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, third.ArtifactID, other[0].ArtifactID)
}

func TestOffloadContent(t *testing.T) {
	ref := &Ref{
		ArtifactID: "abcd1234abcd1234",
		SizeBytes:  4096,
		Preview:    "first line",
	}
	content := OffloadContent(ref)
	assert.Equal(t, "[TOOL RESPONSE OFFLOADED]\nartifact_id: abcd1234abcd1234\nsize_bytes: 4096\npreview:\nfirst line\nhint: use read_artifact to load full content", content)
}

func TestFSBackend(t *testing.T) {
	backend, err := NewFSBackend(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, backend.Put(ctx, "a/agent-1/art/one", []byte("payload")))
	require.NoError(t, backend.Put(ctx, "a/agent-1/art/two", []byte("other")))
	require.NoError(t, backend.Put(ctx, "a/agent-2/art/three", []byte("elsewhere")))

	value, found, err := backend.Get(ctx, "a/agent-1/art/one")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("payload"), value)

	_, found, err = backend.Get(ctx, "a/agent-1/art/missing")
	require.NoError(t, err)
	assert.False(t, found)

	keys, err := backend.ScanKeys(ctx, "a/agent-1/art/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/agent-1/art/one", "a/agent-1/art/two"}, keys)

	require.NoError(t, backend.Delete(ctx, "a/agent-1/art/"))
	keys, err = backend.ScanKeys(ctx, "a/agent-1/art/")
	require.NoError(t, err)
	assert.Empty(t, keys)

	keys, err = backend.ScanKeys(ctx, "a/agent-2/art/")
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	// A store works over the filesystem driver too.
	store := NewStore(backend, "agent-9", 0)
	ref, err := store.Put(ctx, "sess-1", []byte("fs-backed artifact"), "")
	require.NoError(t, err)
	data, _, err := store.Read(ctx, ref.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, "fs-backed artifact", string(data))
}

func TestBuiltinTools(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ref, err := store.Put(ctx, "sess-1", []byte("alpha\nbeta\ngamma\n"), "")
	require.NoError(t, err)

	builtins, err := BuiltinTools(store)
	require.NoError(t, err)
	require.Len(t, builtins, 4)

	byName := map[string]tools.Tool{}
	for _, tool := range builtins {
		desc := tool.Descriptor()
		assert.Equal(t, tools.KindBuiltin, desc.Kind)
		byName[desc.Name] = tool
	}

	t.Run("read_artifact", func(t *testing.T) {
		result, err := byName["read_artifact"].Execute(ctx, map[string]interface{}{"artifact_id": ref.ArtifactID})
		require.NoError(t, err)
		assert.Equal(t, "alpha\nbeta\ngamma\n", result.Content)
	})

	t.Run("tail_artifact", func(t *testing.T) {
		result, err := byName["tail_artifact"].Execute(ctx, map[string]interface{}{
			"artifact_id": ref.ArtifactID,
			"lines":       float64(1),
		})
		require.NoError(t, err)
		assert.Equal(t, "(... 2 lines above)\ngamma", result.Content)
	})

	t.Run("search_artifact", func(t *testing.T) {
		result, err := byName["search_artifact"].Execute(ctx, map[string]interface{}{
			"artifact_id": ref.ArtifactID,
			"query":       "beta",
		})
		require.NoError(t, err)
		assert.Contains(t, result.Content, `Found 1 matches for "beta"`)
	})

	t.Run("list_artifacts", func(t *testing.T) {
		result, err := byName["list_artifacts"].Execute(ctx, map[string]interface{}{"session_id": "sess-1"})
		require.NoError(t, err)
		assert.Contains(t, result.Content, ref.ArtifactID)
		assert.Contains(t, result.Content, "1 artifact(s)")
	})

	t.Run("read missing artifact fails", func(t *testing.T) {
		result, err := byName["read_artifact"].Execute(ctx, map[string]interface{}{"artifact_id": "ffffffffffffffff"})
		require.Error(t, err)
		assert.False(t, result.Success)
	})
}
