package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relayd/relayd/internal/task/models"
)

// Goal operations

// CreateGoal inserts a new goal row.
func (s *Store) CreateGoal(ctx context.Context, goal *models.Goal) error {
	if goal.ID == "" {
		goal.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if goal.CreatedAt.IsZero() {
		goal.CreatedAt = now
	}
	goal.UpdatedAt = now
	if goal.Status == "" {
		goal.Status = models.GoalStatusPending
	}

	taskIDs, err := goal.MarshalTaskIDs()
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO goals (id, room_id, title, description, status, priority, progress, block_reason, task_ids, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, goal.ID, goal.RoomID, goal.Title, goal.Description, goal.Status, goal.Priority,
		goal.Progress, goal.BlockReason, taskIDs, goal.CreatedAt, goal.UpdatedAt, goal.CompletedAt)
	return err
}

// GetGoal retrieves a goal by id.
func (s *Store) GetGoal(ctx context.Context, id string) (*models.Goal, error) {
	row := s.ro.QueryRowContext(ctx, `
		SELECT id, room_id, title, description, status, priority, progress, block_reason, task_ids, created_at, updated_at, completed_at
		FROM goals WHERE id = ?
	`, id)
	goal, err := scanGoal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return goal, err
}

// ListGoals returns goals for a room, optionally filtered by status,
// ordered by priority descending then creation time.
func (s *Store) ListGoals(ctx context.Context, roomID string, status models.GoalStatus) ([]*models.Goal, error) {
	query := `
		SELECT id, room_id, title, description, status, priority, progress, block_reason, task_ids, created_at, updated_at, completed_at
		FROM goals WHERE room_id = ? ORDER BY priority DESC, created_at ASC`
	args := []interface{}{roomID}
	if status != "" {
		query = `
		SELECT id, room_id, title, description, status, priority, progress, block_reason, task_ids, created_at, updated_at, completed_at
		FROM goals WHERE room_id = ? AND status = ? ORDER BY priority DESC, created_at ASC`
		args = append(args, status)
	}

	rows, err := s.ro.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Goal
	for rows.Next() {
		goal, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, goal)
	}
	return result, rows.Err()
}

// UpdateGoal persists the mutable fields of a goal.
func (s *Store) UpdateGoal(ctx context.Context, goal *models.Goal) error {
	goal.UpdatedAt = time.Now().UTC()

	taskIDs, err := goal.MarshalTaskIDs()
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE goals
		SET title = ?, description = ?, status = ?, priority = ?, progress = ?, block_reason = ?, task_ids = ?, updated_at = ?, completed_at = ?
		WHERE id = ?
	`, goal.Title, goal.Description, goal.Status, goal.Priority, goal.Progress,
		goal.BlockReason, taskIDs, goal.UpdatedAt, goal.CompletedAt, goal.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteGoal removes a goal.
func (s *Store) DeleteGoal(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM goals WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func scanGoal(row rowScanner) (*models.Goal, error) {
	goal := &models.Goal{}
	var taskIDsJSON string
	var completedAt sql.NullTime
	err := row.Scan(&goal.ID, &goal.RoomID, &goal.Title, &goal.Description, &goal.Status,
		&goal.Priority, &goal.Progress, &goal.BlockReason, &taskIDsJSON,
		&goal.CreatedAt, &goal.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		goal.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(taskIDsJSON), &goal.TaskIDs); err != nil {
		return nil, fmt.Errorf("failed to deserialize task ids: %w", err)
	}
	return goal, nil
}
