package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is a durable Store. It is opened in WAL mode with a single
// connection, so writes are serialised while the file stays readable by
// other processes (a second client instance, for example).
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at path and runs the schema
// migration. ":memory:" gives a private in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	// busy_timeout retries for up to 5 s when another process holds the
	// write lock.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One connection: avoids SQLITE_BUSY between our own goroutines and keeps
	// ":memory:" pointing at a single database.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS kv (
    key             TEXT    PRIMARY KEY,
    value           TEXT    NOT NULL,
    updated_at_unix INTEGER NOT NULL
);
`)
	return err
}

func (s *SQLite) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("kv get %q: %w", key, err)
	}
	return v, nil
}

func (s *SQLite) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at_unix) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at_unix = excluded.updated_at_unix`,
		key, value, s.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("kv set %q: %w", key, err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("kv delete %q: %w", key, err)
	}
	return nil
}

// CompareAndSwap writes new only if key still holds old (or is absent when
// old is nil). The check and the write are one statement.
func (s *SQLite) CompareAndSwap(ctx context.Context, key string, old *string, new string) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if old == nil {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO kv (key, value, updated_at_unix) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO NOTHING`,
			key, new, s.now().Unix(),
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE kv SET value = ?, updated_at_unix = ? WHERE key = ? AND value = ?`,
			new, s.now().Unix(), key, *old,
		)
	}
	if err != nil {
		return false, fmt.Errorf("kv cas %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("kv cas %q: %w", key, err)
	}
	return n == 1, nil
}

// Ping returns nil if the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases all database resources.
func (s *SQLite) Close() error {
	return s.db.Close()
}
