package modules

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

const storageSchema = `CREATE TABLE IF NOT EXISTS catalyst (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`

// Storage is a persistent key/value store on SQLite, exposed to script as
// "AsyncStorage".
type Storage struct {
	db *sql.DB
}

// OpenStorage opens or creates the database at path. Use ":memory:" for a
// throwaway store.
func OpenStorage(path string) (*Storage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases from splitting per connection.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		storageSchema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init storage: %w", err)
		}
	}
	return &Storage{db: db}, nil
}

// Close closes the database.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Module exposes s to script.
func (s *Storage) Module() Module {
	return NewModule("AsyncStorage", nil,
		Method{Name: "multiGet", Type: MethodPromise, Fn: s.MultiGet},
		Method{Name: "multiSet", Type: MethodPromise, Fn: s.MultiSet},
		Method{Name: "multiRemove", Type: MethodPromise, Fn: s.MultiRemove},
		Method{Name: "getAllKeys", Type: MethodPromise, Fn: s.AllKeys},
		Method{Name: "clear", Type: MethodPromise, Fn: s.Clear},
	)
}

// MultiGet resolves args[0] (a list of keys) to [[key, value|null], ...].
func (s *Storage) MultiGet(ctx context.Context, args []any) (any, error) {
	keys, err := StringsArg(args, 0, "keys")
	if err != nil {
		return nil, err
	}

	out := make([]any, len(keys))
	for i, k := range keys {
		var v sql.NullString
		err := s.db.QueryRowContext(ctx, `SELECT value FROM catalyst WHERE key = ?`, k).Scan(&v)
		if err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("get %s: %w", k, err)
		}
		if v.Valid {
			out[i] = []any{k, v.String}
		} else {
			out[i] = []any{k, nil}
		}
	}
	return out, nil
}

// MultiSet stores args[0], a list of [key, value] pairs, in one transaction.
func (s *Storage) MultiSet(ctx context.Context, args []any) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("pairs required")
	}
	pairs, ok := args[0].([]any)
	if !ok {
		return nil, fmt.Errorf("pairs must be a list")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for i, p := range pairs {
		kv, err := StringsArg([]any{p}, 0, fmt.Sprintf("pairs[%d]", i))
		if err != nil || len(kv) != 2 {
			return nil, fmt.Errorf("pairs[%d] must be [key, value]", i)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO catalyst (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, kv[0], kv[1]); err != nil {
			return nil, fmt.Errorf("set %s: %w", kv[0], err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return nil, nil
}

// MultiRemove deletes the keys in args[0].
func (s *Storage) MultiRemove(ctx context.Context, args []any) (any, error) {
	keys, err := StringsArg(args, 0, "keys")
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	params := make([]any, len(keys))
	for i, k := range keys {
		params[i] = k
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM catalyst WHERE key IN (`+placeholders+`)`, params...); err != nil {
		return nil, fmt.Errorf("remove: %w", err)
	}
	return nil, nil
}

// AllKeys lists every stored key in order.
func (s *Storage) AllKeys(ctx context.Context, args []any) (any, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM catalyst ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Clear deletes every key.
func (s *Storage) Clear(ctx context.Context, args []any) (any, error) {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM catalyst`); err != nil {
		return nil, fmt.Errorf("clear: %w", err)
	}
	return nil, nil
}
