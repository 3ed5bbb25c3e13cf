package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relayd/relayd/internal/session/models"
)

// Session operations

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.LastActiveAt.IsZero() {
		session.LastActiveAt = now
	}
	if session.Status == "" {
		session.Status = models.StatusActive
	}

	configJSON, err := json.Marshal(session.Config)
	if err != nil {
		return fmt.Errorf("failed to serialize session config: %w", err)
	}
	metadataJSON, err := json.Marshal(session.Metadata)
	if err != nil {
		return fmt.Errorf("failed to serialize session metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, workspace_path, status, config, metadata, created_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, session.ID, session.Title, session.WorkspacePath, session.Status,
		string(configJSON), string(metadataJSON), session.CreatedAt, session.LastActiveAt)
	return err
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	session := &models.Session{}
	var configJSON, metadataJSON string
	err := s.ro.QueryRowContext(ctx, `
		SELECT id, title, workspace_path, status, config, metadata, created_at, last_active_at
		FROM sessions WHERE id = ?
	`, id).Scan(&session.ID, &session.Title, &session.WorkspacePath, &session.Status,
		&configJSON, &metadataJSON, &session.CreatedAt, &session.LastActiveAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(configJSON), &session.Config); err != nil {
		return nil, fmt.Errorf("failed to deserialize session config: %w", err)
	}
	if err := json.Unmarshal([]byte(metadataJSON), &session.Metadata); err != nil {
		return nil, fmt.Errorf("failed to deserialize session metadata: %w", err)
	}
	return session, nil
}

// ListSessions returns sessions filtered by status; an empty status returns
// every non-deleted session. Ordered by most recent activity.
func (s *Store) ListSessions(ctx context.Context, status models.Status) ([]*models.Session, error) {
	query := `
		SELECT id, title, workspace_path, status, config, metadata, created_at, last_active_at
		FROM sessions WHERE status != 'deleted' ORDER BY last_active_at DESC`
	args := []interface{}{}
	if status != "" {
		query = `
		SELECT id, title, workspace_path, status, config, metadata, created_at, last_active_at
		FROM sessions WHERE status = ? ORDER BY last_active_at DESC`
		args = append(args, status)
	}

	rows, err := s.ro.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Session
	for rows.Next() {
		session := &models.Session{}
		var configJSON, metadataJSON string
		if err := rows.Scan(&session.ID, &session.Title, &session.WorkspacePath, &session.Status,
			&configJSON, &metadataJSON, &session.CreatedAt, &session.LastActiveAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(configJSON), &session.Config); err != nil {
			return nil, fmt.Errorf("failed to deserialize session config: %w", err)
		}
		if err := json.Unmarshal([]byte(metadataJSON), &session.Metadata); err != nil {
			return nil, fmt.Errorf("failed to deserialize session metadata: %w", err)
		}
		result = append(result, session)
	}
	return result, rows.Err()
}

// UpdateSessionConfig persists a session's config. The stored config is the
// single source of truth on reload.
func (s *Store) UpdateSessionConfig(ctx context.Context, id string, cfg models.Config) error {
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize session config: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET config = ?, last_active_at = ? WHERE id = ?
	`, string(configJSON), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateSessionMetadata persists the rolling counters.
func (s *Store) UpdateSessionMetadata(ctx context.Context, id string, meta models.Metadata) error {
	metadataJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to serialize session metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET metadata = ?, last_active_at = ? WHERE id = ?
	`, string(metadataJSON), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateSessionTitle sets a session's title.
func (s *Store) UpdateSessionTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateSessionStatus transitions the lifecycle status.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status models.Status) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// TouchSession bumps last_active_at.
func (s *Store) TouchSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_active_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	return err
}

// DeleteSession removes a session; messages and drafts cascade.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
