package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	// Database drivers registered for database/sql.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/loomworks/loom/agenterrors"
	"github.com/loomworks/loom/config"
)

// ============================================================================
// SQL STORE
// ============================================================================

const kvTable = "loom_kv"

// SQLStore keeps records in a single two-column table. Supported dialects:
// sqlite, mysql, postgres.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

var _ KVStore = (*SQLStore)(nil)

// NewSQLStore opens the database, verifies the connection, and creates the
// schema if missing.
func NewSQLStore(cfg *config.SQLConfig) (*SQLStore, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	driverName := cfg.Driver
	if driverName == "sqlite" {
		driverName = "sqlite3"
	}
	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.KindStoreUnavailable, "open database", err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxIdle)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, agenterrors.Wrap(agenterrors.KindStoreUnavailable, "database ping failed", err)
	}

	store := &SQLStore{db: db, dialect: cfg.Driver}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLStore) initSchema() error {
	var ddl string
	switch s.dialect {
	case "mysql":
		ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			k VARCHAR(512) PRIMARY KEY,
			v LONGBLOB NOT NULL
		)`, kvTable)
	case "postgres":
		ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			k TEXT PRIMARY KEY,
			v BYTEA NOT NULL
		)`, kvTable)
	default:
		ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			k TEXT PRIMARY KEY,
			v BLOB NOT NULL
		)`, kvTable)
	}
	if _, err := s.db.Exec(ddl); err != nil {
		return agenterrors.Wrap(agenterrors.KindStoreUnavailable, "create schema", err)
	}
	return nil
}

// rebind converts ? placeholders to $1..$n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

// prefixUpperBound returns the smallest key greater than every key that
// carries the prefix, and false when no finite bound exists.
func prefixUpperBound(prefix string) (string, bool) {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xFF {
			b[i]++
			return string(b[:i+1]), true
		}
	}
	return "", false
}

// prefixConditions builds WHERE clauses bounding keys to the given prefix.
// Range bounds are used instead of LIKE so that underscores in session IDs
// are matched literally.
func prefixConditions(prefix string) (conds []string, args []interface{}) {
	if prefix == "" {
		return nil, nil
	}
	conds = append(conds, "k >= ?")
	args = append(args, prefix)
	if upper, ok := prefixUpperBound(prefix); ok {
		conds = append(conds, "k < ?")
		args = append(args, upper)
	}
	return conds, args
}

// Put upserts value under key.
func (s *SQLStore) Put(ctx context.Context, key string, value []byte) error {
	var query string
	if s.dialect == "mysql" {
		query = fmt.Sprintf("INSERT INTO %s (k, v) VALUES (?, ?) ON DUPLICATE KEY UPDATE v = VALUES(v)", kvTable)
	} else {
		query = fmt.Sprintf("INSERT INTO %s (k, v) VALUES (?, ?) ON CONFLICT (k) DO UPDATE SET v = excluded.v", kvTable)
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(query), key, value); err != nil {
		return agenterrors.Wrap(agenterrors.KindStoreUnavailable, "sql put", err)
	}
	return nil
}

// Get returns the value stored under key.
func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	query := fmt.Sprintf("SELECT v FROM %s WHERE k = ?", kvTable)
	var value []byte
	err := s.db.QueryRowContext(ctx, s.rebind(query), key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, agenterrors.Wrap(agenterrors.KindStoreUnavailable, "sql get", err)
	}
	return value, true, nil
}

// Range returns pairs under prefix with key > fromKey in ascending key order.
func (s *SQLStore) Range(ctx context.Context, prefix, fromKey string, limit int) ([]KV, error) {
	conds, args := prefixConditions(prefix)
	conds = append(conds, "k > ?")
	args = append(args, fromKey)

	query := fmt.Sprintf("SELECT k, v FROM %s WHERE %s ORDER BY k", kvTable, strings.Join(conds, " AND "))
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.KindStoreUnavailable, "sql range", err)
	}
	defer rows.Close()

	var out []KV
	for rows.Next() {
		var kv KV
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			return nil, agenterrors.Wrap(agenterrors.KindStoreUnavailable, "sql scan row", err)
		}
		out = append(out, kv)
	}
	if err := rows.Err(); err != nil {
		return nil, agenterrors.Wrap(agenterrors.KindStoreUnavailable, "sql rows", err)
	}
	return out, nil
}

// Delete removes every key under prefix.
func (s *SQLStore) Delete(ctx context.Context, prefix string) error {
	conds, args := prefixConditions(prefix)
	query := fmt.Sprintf("DELETE FROM %s", kvTable)
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(query), args...); err != nil {
		return agenterrors.Wrap(agenterrors.KindStoreUnavailable, "sql delete", err)
	}
	return nil
}

// ScanKeys returns all keys under prefix in ascending order.
func (s *SQLStore) ScanKeys(ctx context.Context, prefix string) ([]string, error) {
	conds, args := prefixConditions(prefix)
	query := fmt.Sprintf("SELECT k FROM %s", kvTable)
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY k"

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.KindStoreUnavailable, "sql scan", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, agenterrors.Wrap(agenterrors.KindStoreUnavailable, "sql scan row", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, agenterrors.Wrap(agenterrors.KindStoreUnavailable, "sql rows", err)
	}
	return keys, nil
}

// Kind identifies the backend.
func (s *SQLStore) Kind() string {
	return "sql"
}

// Close closes the connection pool.
func (s *SQLStore) Close(ctx context.Context) error {
	return s.db.Close()
}
