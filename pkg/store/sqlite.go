package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLite is a Backend over a single key/value table.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	// ":memory:" is per connection; one connection keeps a single database
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to init database: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Get(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	q := `SELECT key, value FROM credential WHERE key IN (?` + strings.Repeat(",?", len(keys)-1) + `);`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *SQLite) Put(ctx context.Context, set map[string]string, remove ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, k := range remove {
		if _, err := tx.ExecContext(ctx, `DELETE FROM credential WHERE key = ?;`, k); err != nil {
			return fmt.Errorf("failed to delete %q: %w", k, err)
		}
	}
	for k, v := range set {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO credential (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value;`,
			k, v,
		); err != nil {
			return fmt.Errorf("failed to upsert %q: %w", k, err)
		}
	}
	return tx.Commit()
}

func initSchema(db *sql.DB) error {
	return initTable(db, "credential", `
		CREATE TABLE IF NOT EXISTS credential (
			key    TEXT PRIMARY KEY,
			value  TEXT NOT NULL
		);`,
	)
}

func initTable(
	db *sql.DB,
	name string,
	sql string,
) error {
	if _, err := db.Exec(sql); err != nil {
		return fmt.Errorf("failed to init '%s' table schema: %v", name, err)
	}
	return nil
}
