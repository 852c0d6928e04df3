package memory

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/config"
)

// ============================================================================
// KVSTORE CAPABILITY
// ============================================================================

// KV is one key-value pair returned by range scans.
type KV struct {
	Key   string
	Value []byte
}

// KVStore is the capability every message store backend implements. Range
// returns pairs under prefix with keys strictly greater than fromKey, in
// ascending key order, at most limit entries (limit <= 0 means no cap).
// Delete removes every key under the given prefix; a full key is its own
// prefix, so single-record deletes pass the exact key.
type KVStore interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Range(ctx context.Context, prefix, fromKey string, limit int) ([]KV, error)
	Delete(ctx context.Context, prefix string) error
	ScanKeys(ctx context.Context, prefix string) ([]string, error)
	Kind() string
	Close(ctx context.Context) error
}

// ============================================================================
// BACKEND FACTORY
// ============================================================================

// NewStoreFromConfig constructs a KVStore from its configuration block.
func NewStoreFromConfig(ctx context.Context, cfg *config.MemoryBackendConfig) (KVStore, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case "in_memory":
		return NewInMemoryStore(), nil
	case "redis":
		return NewRedisStore(ctx, &cfg.Redis)
	case "mongodb":
		return NewMongoStore(ctx, &cfg.Mongo)
	case "sql":
		return NewSQLStore(&cfg.SQL)
	default:
		return nil, fmt.Errorf("unknown memory backend kind: %s", cfg.Kind)
	}
}
