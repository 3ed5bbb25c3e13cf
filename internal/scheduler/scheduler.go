// Package scheduler arms one-shot timers for persisted recurring jobs and
// materializes tasks when they fire. The in-memory timer map is rebuilt from
// the store on Start; missed firings during downtime fire once immediately,
// they are not caught up.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relayd/relayd/internal/common/logger"
	"github.com/relayd/relayd/internal/events"
	"github.com/relayd/relayd/internal/events/bus"
	"github.com/relayd/relayd/internal/storage"
	"github.com/relayd/relayd/internal/task/models"
)

// ErrStopped is returned for mutations after Stop.
var ErrStopped = errors.New("scheduler is stopped")

// JobPatch is a partial job update. Nil fields are left unchanged.
type JobPatch struct {
	Name        *string
	Description *string
	Schedule    *models.Schedule
	Template    *models.TaskTemplate
	Enabled     *bool
	MaxRuns     *int
}

// Scheduler owns the jobId → timer map. All timer mutation happens under mu;
// a fired timer re-reads its job row so a concurrent disable or delete wins.
type Scheduler struct {
	store  *storage.Store
	bus    bus.EventBus
	logger *logger.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	started bool
	stopped bool

	// injectable clock for tests
	now func() time.Time
}

// New builds a scheduler. Nothing is armed until Start.
func New(store *storage.Store, eventBus bus.EventBus, log *logger.Logger) *Scheduler {
	return &Scheduler{
		store:  store,
		bus:    eventBus,
		logger: log,
		timers: make(map[string]*time.Timer),
		now:    time.Now,
	}
}

// Start loads every enabled job and arms its timer. Jobs with a missing
// next-run get one computed; jobs whose next-run already passed fire once
// immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return nil
	}
	s.started = true

	jobs, err := s.store.ListEnabledRecurringJobs(ctx)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		if job.HasReachedMaxRuns() {
			continue
		}
		if job.NextRunAt == nil {
			next, err := NextRun(job.Schedule, s.now())
			if err != nil {
				s.logger.Warn("Skipping job with invalid schedule",
					zap.String("job_id", job.ID), zap.Error(err))
				continue
			}
			job.NextRunAt = &next
			if err := s.store.UpdateRecurringJob(ctx, job); err != nil {
				s.logger.Warn("Failed to persist computed next run",
					zap.String("job_id", job.ID), zap.Error(err))
			}
		}
		s.armLocked(job)
	}

	s.logger.Info("Scheduler started", zap.Int("jobs", len(s.timers)))
	return nil
}

// Stop cancels every timer and empties the map. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.logger.Info("Scheduler stopped")
}

// ScheduledJobs returns the number of armed timers.
func (s *Scheduler) ScheduledJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// CreateJob validates the schedule, persists the job, and arms its timer
// when it is enabled and under its run budget.
func (s *Scheduler) CreateJob(ctx context.Context, job *models.RecurringJob) error {
	if err := ValidateSchedule(job.Schedule); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}

	if job.NextRunAt == nil && job.Enabled {
		next, err := NextRun(job.Schedule, s.now())
		if err != nil {
			return err
		}
		job.NextRunAt = &next
	}
	if err := s.store.CreateRecurringJob(ctx, job); err != nil {
		return err
	}

	if job.Enabled && !job.HasReachedMaxRuns() {
		s.armLocked(job)
	}
	s.publish(events.RecurringJobCreated, job.RoomScope(), map[string]interface{}{
		"roomId": job.RoomID,
		"job":    job,
	})
	return nil
}

// UpdateJob merges a patch into the job row. The timer is rescheduled when
// the schedule or the enabled flag changed.
func (s *Scheduler) UpdateJob(ctx context.Context, id string, patch JobPatch) (*models.RecurringJob, error) {
	if patch.Schedule != nil {
		if err := ValidateSchedule(*patch.Schedule); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, ErrStopped
	}

	job, err := s.store.GetRecurringJob(ctx, id)
	if err != nil {
		return nil, err
	}

	reschedule := false
	if patch.Name != nil {
		job.Name = *patch.Name
	}
	if patch.Description != nil {
		job.Description = *patch.Description
	}
	if patch.Template != nil {
		job.Template = *patch.Template
	}
	if patch.MaxRuns != nil {
		job.MaxRuns = *patch.MaxRuns
	}
	if patch.Schedule != nil {
		job.Schedule = *patch.Schedule
		reschedule = true
	}
	if patch.Enabled != nil && *patch.Enabled != job.Enabled {
		job.Enabled = *patch.Enabled
		reschedule = true
	}

	if reschedule && job.Enabled {
		next, err := NextRun(job.Schedule, s.now())
		if err != nil {
			return nil, err
		}
		job.NextRunAt = &next
	}
	if err := s.store.UpdateRecurringJob(ctx, job); err != nil {
		return nil, err
	}

	if reschedule {
		s.disarmLocked(id)
		if job.Enabled && !job.HasReachedMaxRuns() {
			s.armLocked(job)
		}
	}
	s.publish(events.RecurringJobUpdated, job.RoomScope(), map[string]interface{}{
		"roomId": job.RoomID,
		"job":    job,
	})
	return job, nil
}

// EnableJob arms a disabled job.
func (s *Scheduler) EnableJob(ctx context.Context, id string) (*models.RecurringJob, error) {
	enabled := true
	return s.UpdateJob(ctx, id, JobPatch{Enabled: &enabled})
}

// DisableJob cancels a job's timer without deleting it.
func (s *Scheduler) DisableJob(ctx context.Context, id string) (*models.RecurringJob, error) {
	enabled := false
	return s.UpdateJob(ctx, id, JobPatch{Enabled: &enabled})
}

// DeleteJob removes the row and cancels the timer. Tasks already
// materialized keep existing with their job reference cleared by the store.
func (s *Scheduler) DeleteJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}

	job, err := s.store.GetRecurringJob(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteRecurringJob(ctx, id); err != nil {
		return err
	}
	s.disarmLocked(id)

	s.publish(events.RecurringJobUpdated, job.RoomScope(), map[string]interface{}{
		"roomId":  job.RoomID,
		"jobId":   id,
		"deleted": true,
	})
	return nil
}

// TriggerJob materializes a task from the job's template right now. Manual
// triggering does not count against the run budget and does not touch the
// timer.
func (s *Scheduler) TriggerJob(ctx context.Context, id string) (*models.Task, error) {
	job, err := s.store.GetRecurringJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.materialize(ctx, job)
}

// fire runs when a job's timer elapses.
func (s *Scheduler) fire(id string) {
	ctx := context.Background()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	s.mu.Unlock()

	job, err := s.store.GetRecurringJob(ctx, id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("Failed to load fired job", zap.String("job_id", id), zap.Error(err))
		}
		return
	}
	if !job.Enabled || job.HasReachedMaxRuns() {
		return
	}

	if _, err := s.materialize(ctx, job); err != nil {
		s.logger.Error("Failed to materialize task for fired job",
			zap.String("job_id", id), zap.Error(err))
		// fall through: the job still advances so a bad template cannot
		// produce a hot retry loop
	}

	now := s.now()
	job.RunCount++
	job.LastRunAt = &now
	next, err := NextRun(job.Schedule, now)
	if err != nil {
		s.logger.Error("Failed to compute next run", zap.String("job_id", id), zap.Error(err))
		return
	}
	job.NextRunAt = &next
	if err := s.store.UpdateRecurringJob(ctx, job); err != nil {
		s.logger.Error("Failed to persist job run", zap.String("job_id", id), zap.Error(err))
		return
	}

	if job.Enabled && !job.HasReachedMaxRuns() {
		s.mu.Lock()
		if !s.stopped {
			s.armLocked(job)
		}
		s.mu.Unlock()
	}
}

// materialize creates the task row from the template and emits the
// triggered event.
func (s *Scheduler) materialize(ctx context.Context, job *models.RecurringJob) (*models.Task, error) {
	task := &models.Task{
		RoomID:             job.RoomID,
		Title:              job.Template.Title,
		Description:        job.Template.Description,
		Priority:           job.Template.Priority,
		ExecutionMode:      job.Template.ExecutionMode,
		SessionAssignments: job.Template.SessionAssignments,
		RecurringJobID:     job.ID,
	}
	if task.ExecutionMode == "" {
		task.ExecutionMode = models.ExecutionModeSingle
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	s.publish(events.TaskCreated, job.RoomScope(), map[string]interface{}{
		"roomId": job.RoomID,
		"task":   task,
	})
	s.publish(events.RecurringJobTriggered, job.RoomScope(), map[string]interface{}{
		"sessionId": job.RoomScope(),
		"roomId":    job.RoomID,
		"jobId":     job.ID,
		"taskId":    task.ID,
	})
	return task, nil
}

// armLocked schedules a one-shot timer for the job's next run. Caller holds mu.
func (s *Scheduler) armLocked(job *models.RecurringJob) {
	if existing, ok := s.timers[job.ID]; ok {
		existing.Stop()
	}

	var delay time.Duration
	if job.NextRunAt != nil {
		delay = job.NextRunAt.Sub(s.now())
	}
	if delay < 0 {
		delay = 0
	}

	id := job.ID
	s.timers[id] = time.AfterFunc(delay, func() { s.fire(id) })
}

func (s *Scheduler) disarmLocked(id string) {
	if timer, ok := s.timers[id]; ok {
		timer.Stop()
		delete(s.timers, id)
	}
}

func (s *Scheduler) publish(eventType, scope string, data map[string]interface{}) {
	event := bus.NewEvent(eventType, scope, "scheduler", data)
	if err := s.bus.Publish(context.Background(), eventType, event); err != nil {
		s.logger.Warn("Failed to publish scheduler event", zap.String("type", eventType), zap.Error(err))
	}
}
