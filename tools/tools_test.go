package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/agenterrors"
)

// ============================================================================
// SCHEMA INFERENCE
// ============================================================================

type searchArgs struct {
	Query string   `json:"query" jsonschema:"description=Search query text"`
	Limit int      `json:"limit,omitempty" jsonschema:"description=Maximum results"`
	Deep  bool     `json:"deep,omitempty"`
	Tags  []string `json:"tags,omitempty"`
	Mode  string   `json:"mode,omitempty" jsonschema:"enum=fast,enum=thorough"`
}

func TestParametersFromStruct(t *testing.T) {
	params, err := ParametersFromStruct(&searchArgs{})
	require.NoError(t, err)
	require.Len(t, params, 5)

	byName := map[string]Parameter{}
	for _, p := range params {
		byName[p.Name] = p
	}

	query := byName["query"]
	assert.Equal(t, "string", query.Type)
	assert.True(t, query.Required)
	assert.Equal(t, "Search query text", query.Description)

	limit := byName["limit"]
	assert.Equal(t, "int", limit.Type)
	assert.False(t, limit.Required)

	assert.Equal(t, "bool", byName["deep"].Type)

	tags := byName["tags"]
	assert.Equal(t, "array<string>", tags.Type)
	assert.Equal(t, map[string]interface{}{"type": "string"}, tags.Items)

	mode := byName["mode"]
	assert.Equal(t, "enum", mode.Type)
	assert.Equal(t, []string{"fast", "thorough"}, mode.Enum)

	// Field order is preserved.
	assert.Equal(t, "query", params[0].Name)
	assert.Equal(t, "mode", params[4].Name)
}

func TestBuildJSONSchema(t *testing.T) {
	desc := Descriptor{
		Name: "search",
		Parameters: []Parameter{
			{Name: "query", Type: "string", Required: true, Description: "what to find"},
			{Name: "limit", Type: "int"},
			{Name: "mode", Type: "enum", Enum: []string{"fast", "thorough"}},
			{Name: "tags", Type: "array<string>"},
		},
	}

	schema := BuildJSONSchema(desc)
	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, []string{"query"}, schema["required"])

	props := schema["properties"].(map[string]interface{})
	assert.Equal(t, "string", props["query"].(map[string]interface{})["type"])
	assert.Equal(t, "integer", props["limit"].(map[string]interface{})["type"])
	assert.Equal(t, []interface{}{"fast", "thorough"}, props["mode"].(map[string]interface{})["enum"])
	items := props["tags"].(map[string]interface{})["items"].(map[string]interface{})
	assert.Equal(t, "string", items["type"])
}

func TestValidateArgs(t *testing.T) {
	desc := Descriptor{
		Name: "convert",
		Parameters: []Parameter{
			{Name: "value", Type: "string", Required: true},
			{Name: "unit", Type: "enum", Enum: []string{"km", "mi"}},
			{Name: "precision", Type: "int"},
		},
	}

	tests := []struct {
		name    string
		args    map[string]interface{}
		wantErr string
	}{
		{
			name: "valid",
			args: map[string]interface{}{"value": "10", "unit": "km"},
		},
		{
			name:    "missing required",
			args:    map[string]interface{}{"unit": "km"},
			wantErr: "missing required parameters: value",
		},
		{
			name:    "enum violation",
			args:    map[string]interface{}{"value": "10", "unit": "furlongs"},
			wantErr: "must be one of",
		},
		{
			name: "optional omitted",
			args: map[string]interface{}{"value": "10"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateArgs(desc, tt.args)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDecodeArgs(t *testing.T) {
	var out searchArgs
	err := DecodeArgs(map[string]interface{}{
		"query": "weather",
		"limit": float64(5), // JSON numbers arrive as float64
		"deep":  "true",
		"tags":  []interface{}{"news", "local"},
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, "weather", out.Query)
	assert.Equal(t, 5, out.Limit)
	assert.True(t, out.Deep)
	assert.Equal(t, []string{"news", "local"}, out.Tags)
}

// ============================================================================
// BM25 SELECTION
// ============================================================================

func TestBM25Ranking(t *testing.T) {
	idx := newBM25Index([]Descriptor{
		{Name: "web_search", Kind: KindLocal, Description: "search web pages for current news"},
		{Name: "file_read", Kind: KindLocal, Description: "read file contents from disk"},
		{Name: "calculator", Kind: KindLocal, Description: "evaluate arithmetic expressions"},
	})

	names := idx.search("search news", 3)
	require.NotEmpty(t, names)
	assert.Equal(t, "web_search", names[0])
	// Tools sharing no query tokens are excluded entirely.
	assert.NotContains(t, names, "calculator")
	assert.NotContains(t, names, "file_read")
}

func TestBM25TieBreaks(t *testing.T) {
	// Identical term statistics across all four tools; only kind and name
	// can order them.
	idx := newBM25Index([]Descriptor{
		{Name: "alpha", Kind: KindSkillScript, Description: "add numbers"},
		{Name: "beta", Kind: KindMCP, Description: "add numbers"},
		{Name: "delta", Kind: KindMCP, Description: "add numbers"},
		{Name: "gamma", Kind: KindLocal, Description: "add numbers"},
	})

	names := idx.search("add numbers", 4)
	assert.Equal(t, []string{"gamma", "beta", "delta", "alpha"}, names)
}

func TestBM25EmptyQuery(t *testing.T) {
	idx := newBM25Index([]Descriptor{{Name: "one", Kind: KindLocal, Description: "does things"}})
	assert.Nil(t, idx.search("", 5))
	assert.Nil(t, idx.search("!!!", 5))
	assert.Nil(t, idx.search("one", 0))
}

// ============================================================================
// REGISTRY
// ============================================================================

func echoTool(name string, kind Kind, description string) Tool {
	tool := NewLocalTool(name, description, nil, func(_ context.Context, args map[string]interface{}) (string, error) {
		return name, nil
	})
	return tool.WithKind(kind)
}

func TestRegistrySelectForPrompt(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterTools(
		echoTool("alpha", KindSkillScript, "add numbers"),
		echoTool("beta", KindMCP, "add numbers"),
		echoTool("gamma", KindLocal, "add numbers"),
		echoTool("web_search", KindLocal, "search web pages for news"),
	))

	t.Run("all fit", func(t *testing.T) {
		selected := reg.SelectForPrompt("anything", 10)
		assert.Len(t, selected, 4)
	})

	t.Run("ranked subset", func(t *testing.T) {
		selected := reg.SelectForPrompt("search news", 2)
		require.NotEmpty(t, selected)
		assert.Equal(t, "web_search", selected[0].Name)
		assert.LessOrEqual(t, len(selected), 2)
	})

	t.Run("no match falls back to priority order", func(t *testing.T) {
		selected := reg.SelectForPrompt("zzzqqq", 2)
		require.Len(t, selected, 2)
		// Local kinds first, then name order.
		assert.Equal(t, "gamma", selected[0].Name)
		assert.Equal(t, "web_search", selected[1].Name)
	})
}

func TestRegistryRegisterRemove(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterTool(echoTool("one", KindLocal, "first")))
	require.NoError(t, reg.RegisterTool(echoTool("two", KindLocal, "second")))

	descs := reg.Descriptors()
	require.Len(t, descs, 2)
	assert.Equal(t, "one", descs[0].Name)
	assert.Equal(t, "two", descs[1].Name)

	require.NoError(t, reg.RemoveTool("one"))
	descs = reg.Descriptors()
	require.Len(t, descs, 1)
	assert.Equal(t, "two", descs[0].Name)

	// Duplicate registration is rejected.
	err := reg.RegisterTool(echoTool("two", KindLocal, "second"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegistryExecute(t *testing.T) {
	reg := NewRegistry()

	require.NoError(t, reg.RegisterTool(NewLocalTool("greet", "say hello",
		[]Parameter{{Name: "name", Type: "string", Required: true}},
		func(_ context.Context, args map[string]interface{}) (string, error) {
			return fmt.Sprintf("hello %v", args["name"]), nil
		})))

	require.NoError(t, reg.RegisterTool(NewLocalTool("slow", "sleeps", nil,
		func(ctx context.Context, _ map[string]interface{}) (string, error) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(5 * time.Second):
				return "done", nil
			}
		})))

	require.NoError(t, reg.RegisterTool(NewLocalTool("broken", "always fails", nil,
		func(_ context.Context, _ map[string]interface{}) (string, error) {
			return "", fmt.Errorf("backend exploded")
		})))

	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		result, err := reg.Execute(ctx, "greet", map[string]interface{}{"name": "ada"}, 0)
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, "hello ada", result.Content)
		assert.Equal(t, "greet", result.ToolName)
	})

	t.Run("not found", func(t *testing.T) {
		result, err := reg.Execute(ctx, "nonexistent", nil, 0)
		require.Error(t, err)
		assert.True(t, agenterrors.IsKind(err, agenterrors.KindToolNotFound))
		require.NotNil(t, result)
		assert.False(t, result.Success)
		assert.NotEmpty(t, result.Error)
	})

	t.Run("invalid args", func(t *testing.T) {
		result, err := reg.Execute(ctx, "greet", map[string]interface{}{}, 0)
		require.Error(t, err)
		assert.True(t, agenterrors.IsKind(err, agenterrors.KindToolInvalidArgs))
		assert.False(t, result.Success)
	})

	t.Run("timeout", func(t *testing.T) {
		result, err := reg.Execute(ctx, "slow", nil, 30*time.Millisecond)
		require.Error(t, err)
		assert.True(t, agenterrors.IsKind(err, agenterrors.KindToolTimeout))
		assert.Contains(t, result.Error, "timed out")
		assert.True(t, agenterrors.IsRetriable(err))
	})

	t.Run("cancelled", func(t *testing.T) {
		cancelCtx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()
		_, err := reg.Execute(cancelCtx, "slow", nil, 0)
		require.Error(t, err)
		assert.True(t, agenterrors.IsKind(err, agenterrors.KindCancelled))
	})

	t.Run("tool error", func(t *testing.T) {
		result, err := reg.Execute(ctx, "broken", nil, 0)
		require.Error(t, err)
		assert.True(t, agenterrors.IsKind(err, agenterrors.KindToolError))
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "backend exploded")
	})
}

// ============================================================================
// TYPED TOOLS
// ============================================================================

func TestNewTypedTool(t *testing.T) {
	type distanceArgs struct {
		Miles float64 `json:"miles" jsonschema:"description=Distance in miles"`
	}

	tool, err := NewTypedTool("to_km", "convert miles to kilometers",
		func(_ context.Context, args distanceArgs) (string, error) {
			return fmt.Sprintf("%.2f km", args.Miles*1.609344), nil
		})
	require.NoError(t, err)

	desc := tool.Descriptor()
	assert.Equal(t, KindLocal, desc.Kind)
	require.Len(t, desc.Parameters, 1)
	assert.Equal(t, "miles", desc.Parameters[0].Name)
	assert.Equal(t, "float", desc.Parameters[0].Type)
	assert.True(t, desc.Parameters[0].Required)

	result, err := tool.Execute(context.Background(), map[string]interface{}{"miles": float64(10)})
	require.NoError(t, err)
	assert.Equal(t, "16.09 km", result.Content)

	// Weak typing accepts a numeric string too.
	result, err = tool.Execute(context.Background(), map[string]interface{}{"miles": "5"})
	require.NoError(t, err)
	assert.Equal(t, "8.05 km", result.Content)
}

// ============================================================================
// SKILLS
// ============================================================================

func writeSkill(t *testing.T, root, dir, manifest string) {
	t.Helper()
	skillDir := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(skillDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(skillDir, "skill.yaml"), []byte(manifest), 0o644))
}

func TestLoadSkills(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "echo", `
name: echo_args
description: Echo the JSON arguments back
command: sh
args: ["-c", "cat"]
timeout_s: 10
params:
  - name: text
    type: string
    description: Text to echo
    required: true
`)

	skills, err := LoadSkills(root)
	require.NoError(t, err)
	require.Len(t, skills, 1)

	desc := skills[0].Descriptor()
	assert.Equal(t, "echo_args", desc.Name)
	assert.Equal(t, KindSkillScript, desc.Kind)
	require.Len(t, desc.Parameters, 1)
	assert.Equal(t, "text", desc.Parameters[0].Name)
	assert.True(t, desc.Parameters[0].Required)

	result, err := skills[0].Execute(context.Background(), map[string]interface{}{"text": "hi"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Contains(t, result.Content, `"text":"hi"`)
}

func TestLoadSkillsInvalidManifest(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "bad", "name: broken\ndescription: no command\n")

	_, err := LoadSkills(root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing command")
}

func TestLoadSkillsMissingDirectory(t *testing.T) {
	skills, err := LoadSkills(filepath.Join(t.TempDir(), "nope"))
	assert.NoError(t, err)
	assert.Nil(t, skills)
}

func TestSkillToolFailure(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "fail", `
name: always_fail
description: exits nonzero
command: sh
args: ["-c", "echo boom >&2; exit 3"]
`)

	skills, err := LoadSkills(root)
	require.NoError(t, err)
	require.Len(t, skills, 1)

	result, execErr := skills[0].Execute(context.Background(), nil)
	require.Error(t, execErr)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "boom")
	assert.Contains(t, result.Error, "exit code 3")
}

// ============================================================================
// MEMORY FILE TOOLS
// ============================================================================

func TestMemoryTools(t *testing.T) {
	root := t.TempDir()
	memTools, err := NewMemoryTools(root)
	require.NoError(t, err)
	require.Len(t, memTools, 4)

	byName := map[string]Tool{}
	for _, tool := range memTools {
		desc := tool.Descriptor()
		assert.Equal(t, KindBuiltin, desc.Kind)
		byName[desc.Name] = tool
	}
	require.Contains(t, byName, "memory_view")
	require.Contains(t, byName, "memory_create")
	require.Contains(t, byName, "memory_append")
	require.Contains(t, byName, "memory_delete")

	ctx := context.Background()

	result, err := byName["memory_create"].Execute(ctx, map[string]interface{}{
		"path":    "notes/plan.md",
		"content": "step one",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)

	result, err = byName["memory_view"].Execute(ctx, map[string]interface{}{"path": "notes/plan.md"})
	require.NoError(t, err)
	assert.Contains(t, result.Content, "1: step one")

	result, err = byName["memory_append"].Execute(ctx, map[string]interface{}{
		"path":    "notes/plan.md",
		"content": "step two",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)

	result, err = byName["memory_view"].Execute(ctx, map[string]interface{}{"path": "notes/plan.md"})
	require.NoError(t, err)
	assert.Contains(t, result.Content, "2: step two")

	result, err = byName["memory_view"].Execute(ctx, map[string]interface{}{"path": ""})
	require.NoError(t, err)
	assert.Contains(t, result.Content, "notes/")

	result, err = byName["memory_delete"].Execute(ctx, map[string]interface{}{"path": "notes"})
	require.NoError(t, err)
	assert.True(t, result.Success)

	_, err = byName["memory_view"].Execute(ctx, map[string]interface{}{"path": "notes/plan.md"})
	require.Error(t, err)
}

func TestMemoryToolsRejectEscape(t *testing.T) {
	memTools, err := NewMemoryTools(t.TempDir())
	require.NoError(t, err)

	var create Tool
	for _, tool := range memTools {
		if tool.Descriptor().Name == "memory_create" {
			create = tool
		}
	}
	require.NotNil(t, create)

	result, err := create.Execute(context.Background(), map[string]interface{}{
		"path":    "../escape.txt",
		"content": "nope",
	})
	require.Error(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "escapes memory root")
}

func TestKindPriority(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindLocal, 0},
		{KindBuiltin, 1},
		{KindMCP, 2},
		{KindSkillScript, 3},
		{KindSubAgent, 4},
		{Kind("mystery"), 5},
	}
	for _, tt := range tests {
		if got := tt.kind.Priority(); got != tt.want {
			t.Errorf("Priority(%s) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}
