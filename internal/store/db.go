// Package store is the durable-state Store component of §4.1: a single
// SQLite file, opened in WAL mode, migrated with goose, and accessed only
// through the transactional helpers in this package. Grounded on
// dotcommander-vybe's internal/store/db.go (pragma tuning, busy_timeout,
// _txlock=immediate) and on the teacher's pkg/execution/engine.go for the
// shape of multi-row transactional operations.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Store wraps the single process-wide database handle. Its lifecycle
// (open on construction, close on shutdown) is explicit, per spec §9.
type Store struct {
	DB *sql.DB
}

// Open opens (creating if necessary) the SQLite file at path, configures
// WAL mode and busy_timeout for safe concurrent single-writer access, and
// applies any pending migrations.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single writer: the engine already serializes mutations with its own
	// mutex (spec §5), so one connection is sufficient and avoids SQLite
	// "database is locked" churn from concurrent pooled connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(context.Background(), p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", p, err)
		}
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.DB.Close()
}

func dsn(path string) string {
	if path == ":memory:" {
		return "file::memory:?cache=shared"
	}
	if strings.HasPrefix(path, "file:") {
		return path
	}
	return "file:" + path + "?mode=rwc&_txlock=immediate"
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

// Transact runs fn inside a transaction, committing on success and rolling
// back on any error (including a panic, which is re-raised after rollback).
func Transact(db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
