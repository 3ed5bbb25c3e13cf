package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/relayd/relayd/internal/agent"
	"github.com/relayd/relayd/internal/db/dialect"
)

// SDK message operations. Rows are append-only and ordered by db_id, the
// monotonic insertion index.

// SaveMessage persists an SDK message and sets its DBID. A replayed message
// (same session and uuid) returns ErrDuplicateMessage so callers can abort
// fan-out.
func (s *Store) SaveMessage(ctx context.Context, msg *agent.Message) error {
	payload := string(msg.Payload)
	if payload == "" {
		payload = "{}"
	}
	if msg.Status == "" {
		msg.Status = agent.StatusQueued
	}

	id, err := dialect.InsertReturningID(ctx, s.db, `
		INSERT INTO sdk_messages (session_id, uuid, type, subtype, parent_tool_use_id, internal, is_replay, status, timestamp_ms, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.SessionID, msg.UUID, msg.Type, msg.Subtype, msg.ParentToolUseID,
		dialect.BoolToInt(msg.Internal), dialect.BoolToInt(msg.IsReplay),
		msg.Status, msg.TimestampMs, payload)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateMessage
		}
		return err
	}
	msg.DBID = id
	return nil
}

// UpdateMessageStatus transitions a message's persistence status by db id.
func (s *Store) UpdateMessageStatus(ctx context.Context, dbID int64, status agent.PersistStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sdk_messages SET status = ? WHERE db_id = ?`, status, dbID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ListMessages returns all messages for a session in insertion order.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]*agent.Message, error) {
	return s.queryMessages(ctx, `
		SELECT db_id, session_id, uuid, type, subtype, parent_tool_use_id, internal, is_replay, status, timestamp_ms, payload
		FROM sdk_messages WHERE session_id = ? ORDER BY db_id ASC
	`, sessionID)
}

// ListMessagesByStatus returns a session's messages matching any of the
// given statuses, in insertion order.
func (s *Store) ListMessagesByStatus(ctx context.Context, sessionID string, statuses ...agent.PersistStatus) ([]*agent.Message, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]interface{}, 0, len(statuses)+1)
	args = append(args, sessionID)
	for _, st := range statuses {
		args = append(args, st)
	}
	return s.queryMessages(ctx, fmt.Sprintf(`
		SELECT db_id, session_id, uuid, type, subtype, parent_tool_use_id, internal, is_replay, status, timestamp_ms, payload
		FROM sdk_messages WHERE session_id = ? AND status IN (%s) ORDER BY db_id ASC
	`, placeholders), args...)
}

// CountMessages returns the number of persisted messages for a session.
func (s *Store) CountMessages(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	err := s.ro.QueryRowContext(ctx, `SELECT COUNT(*) FROM sdk_messages WHERE session_id = ?`, sessionID).Scan(&count)
	return count, err
}

// GetMessageByUUID retrieves one message by its uuid.
func (s *Store) GetMessageByUUID(ctx context.Context, sessionID, msgUUID string) (*agent.Message, error) {
	msgs, err := s.queryMessages(ctx, `
		SELECT db_id, session_id, uuid, type, subtype, parent_tool_use_id, internal, is_replay, status, timestamp_ms, payload
		FROM sdk_messages WHERE session_id = ? AND uuid = ?
	`, sessionID, msgUUID)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	return msgs[0], nil
}

// ReplaceMessagePayload overwrites a message's stored payload. Used by
// message.removeOutput to drop bulky tool output.
func (s *Store) ReplaceMessagePayload(ctx context.Context, dbID int64, payload string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sdk_messages SET payload = ? WHERE db_id = ?`, payload, dbID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...interface{}) ([]*agent.Message, error) {
	rows, err := s.ro.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*agent.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}

func scanMessage(rows *sql.Rows) (*agent.Message, error) {
	msg := &agent.Message{}
	var internal, isReplay int
	var payload string
	err := rows.Scan(&msg.DBID, &msg.SessionID, &msg.UUID, &msg.Type, &msg.Subtype,
		&msg.ParentToolUseID, &internal, &isReplay, &msg.Status, &msg.TimestampMs, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	msg.Internal = internal == 1
	msg.IsReplay = isReplay == 1
	msg.Payload = []byte(payload)
	return msg, nil
}
