// Package database owns the SQLite persistence layer: the connection with
// its pragma setup, the embedded schema migrations, and the Store that
// loads and saves whole media item trees.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// busyTimeout bounds how long a statement waits on the single-writer lock
// before failing instead of stalling an event worker.
const busyTimeout = 5 * time.Second

// DB is the open SQLite handle the Store runs on.
type DB struct {
	conn *sql.DB
}

// New opens the SQLite database at path, creating its directory when
// needed. The pool is pinned to one connection: every SaveTree is a single
// serialized write, and WAL keeps readers unblocked meanwhile.
func New(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.PingContext(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{conn: conn}, nil
}

// dsn appends the pragmas every connection needs. foreign_keys keeps the
// item-tree cascade deletes working; synchronous NORMAL is safe under WAL.
func dsn(path string) string {
	pragmas := []string{
		"journal_mode(WAL)",
		fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()),
		"synchronous(NORMAL)",
		"foreign_keys(ON)",
	}
	return path + "?_pragma=" + strings.Join(pragmas, "&_pragma=")
}

// Conn exposes the underlying connection for the Store and tests.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	return db.conn.Close()
}

// Migrate applies pending schema migrations from the embedded SQL files.
// Safe to call on every boot; an up-to-date schema is a no-op.
func (db *DB) Migrate() error {
	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db.conn, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}
