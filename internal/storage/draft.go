package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/relayd/relayd/internal/session/models"
)

// Draft operations. An empty draft is a delete; upserts keep the
// (session, client) pair unique.

// SaveDraft upserts a draft, or deletes it when the text is empty.
func (s *Store) SaveDraft(ctx context.Context, draft *models.Draft) error {
	if draft.Text == "" {
		return s.DeleteDraft(ctx, draft.SessionID, draft.ClientID)
	}
	draft.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO drafts (session_id, client_id, text, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id, client_id) DO UPDATE SET text = excluded.text, updated_at = excluded.updated_at
	`, draft.SessionID, draft.ClientID, draft.Text, draft.UpdatedAt)
	return err
}

// GetDraft retrieves the draft for a (session, client) pair.
func (s *Store) GetDraft(ctx context.Context, sessionID, clientID string) (*models.Draft, error) {
	draft := &models.Draft{}
	err := s.ro.QueryRowContext(ctx, `
		SELECT session_id, client_id, text, updated_at FROM drafts
		WHERE session_id = ? AND client_id = ?
	`, sessionID, clientID).Scan(&draft.SessionID, &draft.ClientID, &draft.Text, &draft.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return draft, nil
}

// DeleteDraft removes a draft if present.
func (s *Store) DeleteDraft(ctx context.Context, sessionID, clientID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM drafts WHERE session_id = ? AND client_id = ?
	`, sessionID, clientID)
	return err
}
