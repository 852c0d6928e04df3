package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ============================================================================
// MEMORY FILE TOOLS
// ============================================================================
//
// Persistent scratch files the agent manages itself: notes, plans, facts
// that should survive context truncation. All paths are confined to a
// single root directory.

type memoryRoot struct {
	root string
}

// NewMemoryTools returns the memory_view, memory_create, memory_append and
// memory_delete tools, all rooted at dir. The directory is created if it
// does not exist.
func NewMemoryTools(dir string) ([]Tool, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve memory root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create memory root: %w", err)
	}
	m := &memoryRoot{root: abs}

	view, err := NewTypedTool("memory_view",
		"View a memory file's contents with line numbers, or list a memory directory",
		m.view)
	if err != nil {
		return nil, err
	}
	create, err := NewTypedTool("memory_create",
		"Create or overwrite a memory file with the given content",
		m.create)
	if err != nil {
		return nil, err
	}
	appendTool, err := NewTypedTool("memory_append",
		"Append content to a memory file, creating it if needed",
		m.append)
	if err != nil {
		return nil, err
	}
	deleteTool, err := NewTypedTool("memory_delete",
		"Delete a memory file or directory",
		m.delete)
	if err != nil {
		return nil, err
	}

	memoryTools := []Tool{
		view.WithKind(KindBuiltin),
		create.WithKind(KindBuiltin),
		appendTool.WithKind(KindBuiltin),
		deleteTool.WithKind(KindBuiltin),
	}
	return memoryTools, nil
}

// resolve maps a tool-supplied path onto the sandbox root, rejecting
// anything that escapes it.
func (m *memoryRoot) resolve(rel string) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return m.root, nil
	}
	full := filepath.Clean(filepath.Join(m.root, filepath.FromSlash(rel)))
	within, err := filepath.Rel(m.root, full)
	if err != nil || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes memory root: %s", rel)
	}
	return full, nil
}

type memoryViewArgs struct {
	Path string `json:"path,omitempty" jsonschema:"description=File or directory to view; relative to the memory root; empty lists the root"`
}

func (m *memoryRoot) view(_ context.Context, args memoryViewArgs) (string, error) {
	full, err := m.resolve(args.Path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(full)
	if err != nil {
		return "", fmt.Errorf("memory path not found: %s", args.Path)
	}

	if info.IsDir() {
		entries, err := os.ReadDir(full)
		if err != nil {
			return "", fmt.Errorf("failed to list directory: %w", err)
		}
		if len(entries) == 0 {
			return "(empty directory)", nil
		}
		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
		sort.Strings(names)
		return strings.Join(names, "\n"), nil
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("failed to read memory file: %w", err)
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	var sb strings.Builder
	for i, line := range lines {
		fmt.Fprintf(&sb, "%4d: %s\n", i+1, line)
	}
	return sb.String(), nil
}

type memoryWriteArgs struct {
	Path    string `json:"path" jsonschema:"description=File path relative to the memory root"`
	Content string `json:"content" jsonschema:"description=Content to write"`
}

func (m *memoryRoot) create(_ context.Context, args memoryWriteArgs) (string, error) {
	full, err := m.resolve(args.Path)
	if err != nil {
		return "", err
	}
	if full == m.root {
		return "", fmt.Errorf("path is required")
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("failed to create parent directory: %w", err)
	}
	if err := os.WriteFile(full, []byte(args.Content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write memory file: %w", err)
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(args.Content), args.Path), nil
}

func (m *memoryRoot) append(_ context.Context, args memoryWriteArgs) (string, error) {
	full, err := m.resolve(args.Path)
	if err != nil {
		return "", err
	}
	if full == m.root {
		return "", fmt.Errorf("path is required")
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("failed to create parent directory: %w", err)
	}
	f, err := os.OpenFile(full, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to open memory file: %w", err)
	}
	defer f.Close()

	content := args.Content
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	if _, err := f.WriteString(content); err != nil {
		return "", fmt.Errorf("failed to append to memory file: %w", err)
	}
	return fmt.Sprintf("Appended %d bytes to %s", len(content), args.Path), nil
}

type memoryDeleteArgs struct {
	Path string `json:"path" jsonschema:"description=File or directory to delete; relative to the memory root"`
}

func (m *memoryRoot) delete(_ context.Context, args memoryDeleteArgs) (string, error) {
	full, err := m.resolve(args.Path)
	if err != nil {
		return "", err
	}
	if full == m.root {
		return "", fmt.Errorf("refusing to delete the memory root")
	}
	if _, err := os.Stat(full); err != nil {
		return "", fmt.Errorf("memory path not found: %s", args.Path)
	}
	if err := os.RemoveAll(full); err != nil {
		return "", fmt.Errorf("failed to delete: %w", err)
	}
	return fmt.Sprintf("Deleted %s", args.Path), nil
}
