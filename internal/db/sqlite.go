package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	busyTimeout = 5 * time.Second

	// WAL allows many readers beside the single writer; four read
	// connections covers a daemon serving a handful of websocket clients.
	readerConns = 4
)

// OpenSQLite opens the write side of a sqlite database: one connection, so
// writes serialize in Go instead of surfacing as SQLITE_BUSY.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	path, err := prepareSQLitePath(dbPath)
	if err != nil {
		return nil, err
	}

	// foreign_keys=on so cascade and SET NULL clauses in the schema hold,
	// WAL + synchronous=NORMAL for read concurrency without fsync per write.
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		path, int(busyTimeout/time.Millisecond),
	)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	return conn, nil
}

// OpenSQLiteReader opens a read-only pool against the same file. Journal
// mode and synchronous level are database-wide and already set by the
// writer.
func OpenSQLiteReader(dbPath string) (*sql.DB, error) {
	path, err := prepareSQLitePath(dbPath)
	if err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		path, int(busyTimeout/time.Millisecond),
	)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	conn.SetMaxOpenConns(readerConns)
	conn.SetMaxIdleConns(readerConns)
	return conn, nil
}

// prepareSQLitePath resolves the path and makes sure the parent directory
// and the file itself exist, so the read-only pool can open it.
func prepareSQLitePath(dbPath string) (string, error) {
	path := dbPath
	if abs, err := filepath.Abs(dbPath); err == nil {
		path = abs
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to prepare database directory: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create database file: %w", err)
	}
	return path, file.Close()
}
