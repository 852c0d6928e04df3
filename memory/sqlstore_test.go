package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/config"
)

// sqliteConfig returns a single-connection in-memory database. One
// connection matters: every new sqlite :memory: connection is a fresh
// empty database.
func sqliteConfig() config.SQLConfig {
	return config.SQLConfig{
		Driver:   "sqlite",
		DSN:      ":memory:",
		MaxConns: 1,
		MaxIdle:  1,
	}
}

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	cfg := sqliteConfig()
	store, err := NewSQLStore(&cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	return store
}

func TestSQLStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	require.NoError(t, store.Put(ctx, "s/a/msg/00000001", []byte("one")))
	require.NoError(t, store.Put(ctx, "s/a/msg/00000002", []byte("two")))
	require.NoError(t, store.Put(ctx, "s/b/msg/00000001", []byte("other")))

	v, found, err := store.Get(ctx, "s/a/msg/00000001")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("one"), v)

	_, found, err = store.Get(ctx, "s/a/msg/00000009")
	require.NoError(t, err)
	assert.False(t, found)

	// Put on an existing key overwrites.
	require.NoError(t, store.Put(ctx, "s/a/msg/00000001", []byte("uno")))
	v, _, err = store.Get(ctx, "s/a/msg/00000001")
	require.NoError(t, err)
	assert.Equal(t, []byte("uno"), v)

	pairs, err := store.Range(ctx, "s/a/", "", 0)
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, "s/a/msg/00000001", pairs[0].Key)
	assert.Equal(t, "s/a/msg/00000002", pairs[1].Key)

	// fromKey is exclusive.
	pairs, err = store.Range(ctx, "s/a/", "s/a/msg/00000001", 0)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, "s/a/msg/00000002", pairs[0].Key)

	keys, err := store.ScanKeys(ctx, "s/")
	require.NoError(t, err)
	assert.Len(t, keys, 3)

	require.NoError(t, store.Delete(ctx, "s/a/"))
	keys, err = store.ScanKeys(ctx, "s/")
	require.NoError(t, err)
	assert.Equal(t, []string{"s/b/msg/00000001"}, keys)
}

func TestSwitchToSQLMigratesSessions(t *testing.T) {
	ctx := context.Background()
	first := NewInMemoryStore()
	router := NewRouter(first)

	for i := 0; i < 10; i++ {
		msg := &Message{Role: RoleUser, Content: fmt.Sprintf("message %d", i)}
		require.NoError(t, router.Append(ctx, "s", msg))
	}

	require.NoError(t, router.SwitchToConfig(ctx, &config.MemoryBackendConfig{
		Kind: "sql",
		SQL:  sqliteConfig(),
	}))
	assert.Equal(t, "sql", router.Kind())

	// Order and content survived the migration.
	msgs, err := router.Load(ctx, "s", LoadFilter{})
	require.NoError(t, err)
	require.Len(t, msgs, 10)
	for i, msg := range msgs {
		assert.Equal(t, fmt.Sprintf("message %d", i), msg.Content)
	}

	// The next append lands only in the new store.
	require.NoError(t, router.Append(ctx, "s", &Message{Role: RoleAssistant, Content: "eleven"}))

	msgs, err = router.Load(ctx, "s", LoadFilter{})
	require.NoError(t, err)
	assert.Len(t, msgs, 11)

	oldKeys, err := first.ScanKeys(ctx, "s/s/msg/")
	require.NoError(t, err)
	assert.Len(t, oldKeys, 10)
}
