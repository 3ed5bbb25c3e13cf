// Package models defines room-scoped task, recurring job, and goal models.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ExecutionMode controls how a task's session assignments run.
type ExecutionMode string

const (
	ExecutionModeSingle            ExecutionMode = "single"
	ExecutionModeParallel          ExecutionMode = "parallel"
	ExecutionModeSerial            ExecutionMode = "serial"
	ExecutionModeParallelThenMerge ExecutionMode = "parallel_then_merge"
)

// Task is a unit of work in a room. RecurringJobID links tasks materialized
// by the scheduler back to their job.
type Task struct {
	ID                 string        `json:"id" db:"id"`
	RoomID             string        `json:"room_id" db:"room_id"`
	Title              string        `json:"title" db:"title"`
	Description        string        `json:"description" db:"description"`
	Priority           string        `json:"priority" db:"priority"`
	ExecutionMode      ExecutionMode `json:"execution_mode" db:"execution_mode"`
	SessionAssignments []string      `json:"session_assignments,omitempty"`
	RecurringJobID     string        `json:"recurring_job_id,omitempty" db:"recurring_job_id"`
	CreatedAt          time.Time     `json:"created_at" db:"created_at"`
}

// ScheduleKind is the tagged variant of a recurring schedule.
type ScheduleKind string

const (
	ScheduleInterval ScheduleKind = "interval"
	ScheduleDaily    ScheduleKind = "daily"
	ScheduleWeekly   ScheduleKind = "weekly"
	ScheduleCron     ScheduleKind = "cron"
)

// Schedule is the tagged union of recurring schedules. Exactly the fields of
// the active kind are meaningful.
type Schedule struct {
	Kind      ScheduleKind `json:"kind"`
	Minutes   int          `json:"minutes,omitempty"`   // interval
	Hour      int          `json:"hour,omitempty"`      // daily, weekly
	Minute    int          `json:"minute,omitempty"`    // daily, weekly
	DayOfWeek int          `json:"dayOfWeek,omitempty"` // weekly, 0=Sunday
	Cron      string       `json:"expression,omitempty"`
}

// Validate checks the schedule's fields for its kind.
func (s Schedule) Validate() error {
	switch s.Kind {
	case ScheduleInterval:
		if s.Minutes < 0 {
			return fmt.Errorf("interval minutes must be non-negative")
		}
	case ScheduleDaily:
		if s.Hour < 0 || s.Hour > 23 || s.Minute < 0 || s.Minute > 59 {
			return fmt.Errorf("invalid daily time %02d:%02d", s.Hour, s.Minute)
		}
	case ScheduleWeekly:
		if s.DayOfWeek < 0 || s.DayOfWeek > 6 {
			return fmt.Errorf("invalid day of week %d", s.DayOfWeek)
		}
		if s.Hour < 0 || s.Hour > 23 || s.Minute < 0 || s.Minute > 59 {
			return fmt.Errorf("invalid weekly time %02d:%02d", s.Hour, s.Minute)
		}
	case ScheduleCron:
		if s.Cron == "" {
			return fmt.Errorf("cron expression is required")
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// TaskTemplate is the task shape a recurring job materializes on each run.
type TaskTemplate struct {
	Title              string        `json:"title"`
	Description        string        `json:"description,omitempty"`
	Priority           string        `json:"priority,omitempty"`
	ExecutionMode      ExecutionMode `json:"execution_mode,omitempty"`
	SessionAssignments []string      `json:"session_assignments,omitempty"`
}

// RecurringJob is a persistent scheduling record. A disabled job has no
// active timer; RunCount never exceeds MaxRuns when MaxRuns is set.
type RecurringJob struct {
	ID          string       `json:"id" db:"id"`
	RoomID      string       `json:"room_id" db:"room_id"`
	Name        string       `json:"name" db:"name"`
	Description string       `json:"description" db:"description"`
	Schedule    Schedule     `json:"schedule"`
	Template    TaskTemplate `json:"template"`
	Enabled     bool         `json:"enabled" db:"enabled"`
	MaxRuns     int          `json:"max_runs,omitempty" db:"max_runs"` // 0 = unlimited
	RunCount    int          `json:"run_count" db:"run_count"`
	LastRunAt   *time.Time   `json:"last_run_at,omitempty" db:"last_run_at"`
	NextRunAt   *time.Time   `json:"next_run_at,omitempty" db:"next_run_at"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at" db:"updated_at"`
}

// HasReachedMaxRuns reports whether the job exhausted its run budget.
func (j *RecurringJob) HasReachedMaxRuns() bool {
	return j.MaxRuns > 0 && j.RunCount >= j.MaxRuns
}

// RoomScope returns the compound event scope for the job's room.
func (j *RecurringJob) RoomScope() string {
	return "room:" + j.RoomID
}

// GoalStatus is the lifecycle status of a goal.
type GoalStatus string

const (
	GoalStatusPending   GoalStatus = "pending"
	GoalStatusActive    GoalStatus = "active"
	GoalStatusCompleted GoalStatus = "completed"
	GoalStatusBlocked   GoalStatus = "blocked"
)

// Goal is a room-scoped objective tracked across tasks.
type Goal struct {
	ID          string     `json:"id" db:"id"`
	RoomID      string     `json:"room_id" db:"room_id"`
	Title       string     `json:"title" db:"title"`
	Description string     `json:"description" db:"description"`
	Status      GoalStatus `json:"status" db:"status"`
	Priority    int        `json:"priority" db:"priority"`
	Progress    int        `json:"progress" db:"progress"` // 0-100
	BlockReason string     `json:"block_reason,omitempty" db:"block_reason"`
	TaskIDs     []string   `json:"task_ids,omitempty"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// MarshalTaskIDs serializes the linked task ids for storage.
func (g *Goal) MarshalTaskIDs() (string, error) {
	if len(g.TaskIDs) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(g.TaskIDs)
	if err != nil {
		return "", fmt.Errorf("failed to serialize task ids: %w", err)
	}
	return string(data), nil
}
