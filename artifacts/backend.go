package artifacts

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/loomworks/loom/memory"
)

// ============================================================================
// ROUTER BACKEND
// ============================================================================

// RouterBackend stores artifacts in the memory router's raw key space. This
// is the default: artifacts live next to the sessions and migrate together
// with them on SwitchTo.
type RouterBackend struct {
	Router *memory.Router
}

var _ Backend = RouterBackend{}

func (b RouterBackend) Put(ctx context.Context, key string, value []byte) error {
	return b.Router.PutRaw(ctx, key, value)
}

func (b RouterBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return b.Router.GetRaw(ctx, key)
}

func (b RouterBackend) ScanKeys(ctx context.Context, prefix string) ([]string, error) {
	return b.Router.ScanRaw(ctx, prefix)
}

func (b RouterBackend) Delete(ctx context.Context, prefix string) error {
	return b.Router.DeleteRaw(ctx, prefix)
}

// ============================================================================
// FILESYSTEM BACKEND
// ============================================================================

// FSBackend stores artifacts as files under a root directory, one file per
// key. Selected by setting tool_offload.storage_dir.
type FSBackend struct {
	root string
}

var _ Backend = (*FSBackend)(nil)

// NewFSBackend creates the root directory if needed.
func NewFSBackend(root string) (*FSBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FSBackend{root: root}, nil
}

func (b *FSBackend) path(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(key))
}

func (b *FSBackend) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := b.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, value, 0o644)
}

func (b *FSBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(b.path(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (b *FSBackend) ScanKeys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	err := filepath.WalkDir(b.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *FSBackend) Delete(ctx context.Context, prefix string) error {
	keys, err := b.ScanKeys(ctx, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := os.Remove(b.path(key)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
