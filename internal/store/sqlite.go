package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/substrate/internal/fault"
	"github.com/roach88/substrate/internal/ident"
	"github.com/roach88/substrate/internal/value"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - no schema
// 1 - meta + entries
// 2 - entries.key offset by 2^63 so INTEGER order is key order
const currentSchemaVersion = 2

// SQLite keeps values as CBOR blobs in a SQLite database.
// SQLite integers are signed, so each key is stored with its top bit
// flipped; the INTEGER column then sorts like the unsigned key and
// iteration is an index seek.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite creates or opens a database at path.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//
// Opening is idempotent.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fault.IO("open database", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fault.IO("connect to database", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}

	if err := applySchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) NewID(ctx context.Context) (string, error) {
	var next uint64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		n, err := readCounter(ctx, tx)
		if err != nil {
			return err
		}
		next = n
		_, err = tx.ExecContext(ctx, `UPDATE meta SET next_id = ? WHERE id = 0`, int64(n+1))
		return err
	})
	if err != nil {
		return "", fault.IO("new id", err)
	}
	return formatKey(next), nil
}

func (s *SQLite) Set(ctx context.Context, id ident.ID, v value.Value) error {
	ns, k, err := keyOf(id)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		root, err := loadRow(ctx, tx, ns, k)
		if err != nil {
			return err
		}
		next, err := applySet(root, id, v)
		if err != nil {
			return err
		}
		data, err := value.MarshalCBOR(next)
		if err != nil {
			return fmt.Errorf("set %s: %w", id, err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entries (namespace, key, data) VALUES (?, ?, ?)
			ON CONFLICT(namespace, key) DO UPDATE SET data = excluded.data
		`, ns, sqlKey(k), data); err != nil {
			return fault.IO("write entry", err)
		}

		counter, err := readCounter(ctx, tx)
		if err != nil {
			return err
		}
		if n := advance(counter, k); n != counter {
			if _, err := tx.ExecContext(ctx, `UPDATE meta SET next_id = ? WHERE id = 0`, int64(n)); err != nil {
				return fault.IO("advance next_id", err)
			}
		}
		return nil
	})
}

func (s *SQLite) GetFull(ctx context.Context, id ident.ID) (value.Value, error) {
	ns, k, err := keyOf(id)
	if err != nil {
		return nil, err
	}
	root, err := loadRow(ctx, s.db, ns, k)
	if err != nil {
		return nil, err
	}
	return getFull(root, id)
}

func (s *SQLite) GetRaw(ctx context.Context, id ident.ID) ([]byte, error) {
	ns, k, err := keyOf(id)
	if err != nil {
		return nil, err
	}
	root, err := loadRow(ctx, s.db, ns, k)
	if err != nil {
		return nil, err
	}
	return getRaw(root, id)
}

func (s *SQLite) FirstID(ctx context.Context, ns string) (uint64, bool, error) {
	return s.firstKey(ctx, `
		SELECT key FROM entries
		WHERE namespace = ?
		ORDER BY key LIMIT 1
	`, ns)
}

func (s *SQLite) NextID(ctx context.Context, ns string, prev uint64) (uint64, bool, error) {
	return s.firstKey(ctx, `
		SELECT key FROM entries
		WHERE namespace = ? AND key > ?
		ORDER BY key LIMIT 1
	`, ns, sqlKey(prev))
}

func (s *SQLite) firstKey(ctx context.Context, query string, args ...any) (uint64, bool, error) {
	var raw int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fault.IO("query keys", err)
	}
	return fromSQLKey(raw), true, nil
}

// sqlKey maps a key onto the signed INTEGER range, preserving order.
func sqlKey(k uint64) int64 {
	return int64(k ^ 1<<63)
}

func fromSQLKey(raw int64) uint64 {
	return uint64(raw) ^ 1<<63
}

func (s *SQLite) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.IO("begin transaction", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fault.IO("commit", err)
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadRow(ctx context.Context, q querier, ns string, k uint64) (value.Value, error) {
	var data []byte
	err := q.QueryRowContext(ctx, `
		SELECT data FROM entries WHERE namespace = ? AND key = ?
	`, ns, sqlKey(k)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.IO("read entry", err)
	}
	v, err := value.UnmarshalCBOR(data)
	if err != nil {
		return nil, fmt.Errorf("%s/%d: %w", ns, k, err)
	}
	return v, nil
}

func readCounter(ctx context.Context, q querier) (uint64, error) {
	var n int64
	if err := q.QueryRowContext(ctx, `SELECT next_id FROM meta WHERE id = 0`).Scan(&n); err != nil {
		return 0, fault.IO("read next_id", err)
	}
	return uint64(n), nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and records the schema
// version. Idempotent.
func applySchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version == 1 {
		if err := migrateOffsetKeys(ctx, db); err != nil {
			return fmt.Errorf("migrate keys: %w", err)
		}
	}
	if version < currentSchemaVersion {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}

// migrateOffsetKeys rewrites version 1 keys, stored as the raw bit
// pattern, into the offset form. The table is rebuilt because flipping
// keys in place can collide on the primary key mid-update.
func migrateOffsetKeys(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		`CREATE TABLE entries_v2 (
			namespace TEXT    NOT NULL,
			key       INTEGER NOT NULL,
			data      BLOB    NOT NULL,
			PRIMARY KEY (namespace, key)
		) WITHOUT ROWID`,
		`INSERT INTO entries_v2 (namespace, key, data)
			SELECT namespace,
				CASE WHEN key >= 0
					THEN (key - 9223372036854775807) - 1
					ELSE (key + 9223372036854775807) + 1
				END,
				data
			FROM entries`,
		`DROP TABLE entries`,
		`ALTER TABLE entries_v2 RENAME TO entries`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *SQLite) verifyPragma(name, expected string) error {
	var got string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&got); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if got != expected {
		return fmt.Errorf("%s = %q, expected %q", name, got, expected)
	}
	return nil
}
