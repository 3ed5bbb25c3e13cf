// Package storage provides the relational store for sessions, SDK messages,
// tasks, recurring jobs, drafts, and goals.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// Sentinel errors surfaced to handlers.
var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicateMessage = errors.New("message already persisted")
)

// Store provides typed operations over the relational store. Writes go
// through the writer pool; SELECTs use the reader pool.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// New creates a Store over an existing writer/reader pair and initializes
// the schema.
func New(writer, reader *sqlx.DB) (*Store, error) {
	s := &Store{db: writer, ro: reader}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// DB returns the underlying writer for shared access.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

// initSchema creates the database tables if they don't exist
func (s *Store) initSchema() error {
	if err := s.initSessionSchema(); err != nil {
		return err
	}
	if err := s.initTaskSchema(); err != nil {
		return err
	}
	if err := s.initGoalSchema(); err != nil {
		return err
	}
	return s.ensureIndexes()
}

func (s *Store) initSessionSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		workspace_path TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		config TEXT NOT NULL DEFAULT '{}',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		last_active_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sdk_messages (
		db_id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		uuid TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		subtype TEXT NOT NULL DEFAULT '',
		parent_tool_use_id TEXT NOT NULL DEFAULT '',
		internal INTEGER NOT NULL DEFAULT 0,
		is_replay INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'queued',
		timestamp_ms INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS drafts (
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		client_id TEXT NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (session_id, client_id)
	);
	`)
	return err
}

func (s *Store) initTaskSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS recurring_jobs (
		id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		schedule TEXT NOT NULL,
		template TEXT NOT NULL DEFAULT '{}',
		enabled INTEGER NOT NULL DEFAULT 1,
		max_runs INTEGER NOT NULL DEFAULT 0,
		run_count INTEGER NOT NULL DEFAULT 0,
		last_run_at TIMESTAMP,
		next_run_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL DEFAULT '',
		execution_mode TEXT NOT NULL DEFAULT 'single',
		session_assignments TEXT NOT NULL DEFAULT '[]',
		recurring_job_id TEXT REFERENCES recurring_jobs(id) ON DELETE SET NULL,
		created_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

func (s *Store) initGoalSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS goals (
		id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		priority INTEGER NOT NULL DEFAULT 0,
		progress INTEGER NOT NULL DEFAULT 0,
		block_reason TEXT NOT NULL DEFAULT '',
		task_ids TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);
	`)
	return err
}

func (s *Store) ensureIndexes() error {
	stmts := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sdk_messages_session_uuid ON sdk_messages(session_id, uuid) WHERE uuid != ''`,
		`CREATE INDEX IF NOT EXISTS idx_sdk_messages_session ON sdk_messages(session_id, db_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sdk_messages_status ON sdk_messages(session_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_recurring_jobs_room ON recurring_jobs(room_id)`,
		`CREATE INDEX IF NOT EXISTS idx_recurring_jobs_enabled ON recurring_jobs(enabled)`,
		`CREATE INDEX IF NOT EXISTS idx_recurring_jobs_next_run ON recurring_jobs(next_run_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_room ON tasks(room_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_recurring_job ON tasks(recurring_job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_goals_room ON goals(room_id)`,
		`CREATE INDEX IF NOT EXISTS idx_goals_status ON goals(room_id, status)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// isUniqueViolation detects duplicate-key failures across sqlite and postgres.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
