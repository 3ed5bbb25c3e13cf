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

// Task operations

// CreateTask inserts a new task row.
func (s *Store) CreateTask(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.ExecutionMode == "" {
		task.ExecutionMode = models.ExecutionModeSingle
	}

	assignmentsJSON, err := json.Marshal(task.SessionAssignments)
	if err != nil {
		return fmt.Errorf("failed to serialize session assignments: %w", err)
	}

	var jobID interface{}
	if task.RecurringJobID != "" {
		jobID = task.RecurringJobID
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, room_id, title, description, priority, execution_mode, session_assignments, recurring_job_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.RoomID, task.Title, task.Description, task.Priority,
		task.ExecutionMode, string(assignmentsJSON), jobID, task.CreatedAt)
	return err
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	task := &models.Task{}
	var assignmentsJSON string
	var jobID sql.NullString
	err := s.ro.QueryRowContext(ctx, `
		SELECT id, room_id, title, description, priority, execution_mode, session_assignments, recurring_job_id, created_at
		FROM tasks WHERE id = ?
	`, id).Scan(&task.ID, &task.RoomID, &task.Title, &task.Description, &task.Priority,
		&task.ExecutionMode, &assignmentsJSON, &jobID, &task.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	task.RecurringJobID = jobID.String
	if err := json.Unmarshal([]byte(assignmentsJSON), &task.SessionAssignments); err != nil {
		return nil, fmt.Errorf("failed to deserialize session assignments: %w", err)
	}
	return task, nil
}

// ListTasks returns tasks for a room ordered by creation time.
func (s *Store) ListTasks(ctx context.Context, roomID string) ([]*models.Task, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT id, room_id, title, description, priority, execution_mode, session_assignments, recurring_job_id, created_at
		FROM tasks WHERE room_id = ? ORDER BY created_at ASC
	`, roomID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Task
	for rows.Next() {
		task := &models.Task{}
		var assignmentsJSON string
		var jobID sql.NullString
		if err := rows.Scan(&task.ID, &task.RoomID, &task.Title, &task.Description, &task.Priority,
			&task.ExecutionMode, &assignmentsJSON, &jobID, &task.CreatedAt); err != nil {
			return nil, err
		}
		task.RecurringJobID = jobID.String
		if err := json.Unmarshal([]byte(assignmentsJSON), &task.SessionAssignments); err != nil {
			return nil, fmt.Errorf("failed to deserialize session assignments: %w", err)
		}
		result = append(result, task)
	}
	return result, rows.Err()
}

// DeleteTask removes a task.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}
