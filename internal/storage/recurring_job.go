package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relayd/relayd/internal/db/dialect"
	"github.com/relayd/relayd/internal/task/models"
)

// Recurring job operations

// CreateRecurringJob inserts a new job row.
func (s *Store) CreateRecurringJob(ctx context.Context, job *models.RecurringJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	scheduleJSON, err := json.Marshal(job.Schedule)
	if err != nil {
		return fmt.Errorf("failed to serialize schedule: %w", err)
	}
	templateJSON, err := json.Marshal(job.Template)
	if err != nil {
		return fmt.Errorf("failed to serialize task template: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO recurring_jobs (id, room_id, name, description, schedule, template, enabled, max_runs, run_count, last_run_at, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.RoomID, job.Name, job.Description, string(scheduleJSON), string(templateJSON),
		dialect.BoolToInt(job.Enabled), job.MaxRuns, job.RunCount, job.LastRunAt, job.NextRunAt,
		job.CreatedAt, job.UpdatedAt)
	return err
}

// GetRecurringJob retrieves a job by id.
func (s *Store) GetRecurringJob(ctx context.Context, id string) (*models.RecurringJob, error) {
	row := s.ro.QueryRowContext(ctx, `
		SELECT id, room_id, name, description, schedule, template, enabled, max_runs, run_count, last_run_at, next_run_at, created_at, updated_at
		FROM recurring_jobs WHERE id = ?
	`, id)
	job, err := scanRecurringJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// ListRecurringJobs returns jobs for a room ordered by creation time.
func (s *Store) ListRecurringJobs(ctx context.Context, roomID string) ([]*models.RecurringJob, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT id, room_id, name, description, schedule, template, enabled, max_runs, run_count, last_run_at, next_run_at, created_at, updated_at
		FROM recurring_jobs WHERE room_id = ? ORDER BY created_at ASC
	`, roomID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectRecurringJobs(rows)
}

// ListEnabledRecurringJobs returns every enabled job across rooms, for
// scheduler startup.
func (s *Store) ListEnabledRecurringJobs(ctx context.Context) ([]*models.RecurringJob, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT id, room_id, name, description, schedule, template, enabled, max_runs, run_count, last_run_at, next_run_at, created_at, updated_at
		FROM recurring_jobs WHERE enabled = 1 ORDER BY next_run_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectRecurringJobs(rows)
}

// UpdateRecurringJob persists the mutable fields of a job.
func (s *Store) UpdateRecurringJob(ctx context.Context, job *models.RecurringJob) error {
	job.UpdatedAt = time.Now().UTC()

	scheduleJSON, err := json.Marshal(job.Schedule)
	if err != nil {
		return fmt.Errorf("failed to serialize schedule: %w", err)
	}
	templateJSON, err := json.Marshal(job.Template)
	if err != nil {
		return fmt.Errorf("failed to serialize task template: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE recurring_jobs
		SET name = ?, description = ?, schedule = ?, template = ?, enabled = ?, max_runs = ?, run_count = ?, last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?
	`, job.Name, job.Description, string(scheduleJSON), string(templateJSON),
		dialect.BoolToInt(job.Enabled), job.MaxRuns, job.RunCount, job.LastRunAt, job.NextRunAt,
		job.UpdatedAt, job.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteRecurringJob removes a job; task links are nulled by the schema.
func (s *Store) DeleteRecurringJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM recurring_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecurringJob(row rowScanner) (*models.RecurringJob, error) {
	job := &models.RecurringJob{}
	var scheduleJSON, templateJSON string
	var enabled int
	var lastRunAt, nextRunAt sql.NullTime
	err := row.Scan(&job.ID, &job.RoomID, &job.Name, &job.Description, &scheduleJSON, &templateJSON,
		&enabled, &job.MaxRuns, &job.RunCount, &lastRunAt, &nextRunAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	job.Enabled = enabled == 1
	if lastRunAt.Valid {
		t := lastRunAt.Time
		job.LastRunAt = &t
	}
	if nextRunAt.Valid {
		t := nextRunAt.Time
		job.NextRunAt = &t
	}
	if err := json.Unmarshal([]byte(scheduleJSON), &job.Schedule); err != nil {
		return nil, fmt.Errorf("failed to deserialize schedule: %w", err)
	}
	if err := json.Unmarshal([]byte(templateJSON), &job.Template); err != nil {
		return nil, fmt.Errorf("failed to deserialize task template: %w", err)
	}
	return job, nil
}

func collectRecurringJobs(rows *sql.Rows) ([]*models.RecurringJob, error) {
	var result []*models.RecurringJob
	for rows.Next() {
		job, err := scanRecurringJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, job)
	}
	return result, rows.Err()
}
