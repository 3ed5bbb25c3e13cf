// Package goal tracks room-scoped objectives across tasks. Goals carry a
// priority and a 0-100 progress figure; status transitions flow through
// pending → active → completed, with blocked as a parkable side state.
package goal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/relayd/relayd/internal/common/logger"
	"github.com/relayd/relayd/internal/events"
	"github.com/relayd/relayd/internal/events/bus"
	"github.com/relayd/relayd/internal/storage"
	"github.com/relayd/relayd/internal/task/models"
)

// ErrInvalidProgress rejects progress outside 0-100.
var ErrInvalidProgress = errors.New("progress must be between 0 and 100")

// Service implements the goal operations over the store.
type Service struct {
	store  *storage.Store
	bus    bus.EventBus
	logger *logger.Logger
}

// NewService builds a goal service.
func NewService(store *storage.Store, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{store: store, bus: eventBus, logger: log}
}

// Create persists a new goal. Status defaults to pending.
func (s *Service) Create(ctx context.Context, goal *models.Goal) error {
	if goal.Title == "" {
		return errors.New("goal title is required")
	}
	if goal.Progress < 0 || goal.Progress > 100 {
		return ErrInvalidProgress
	}
	if err := s.store.CreateGoal(ctx, goal); err != nil {
		return err
	}
	s.publish(events.GoalCreated, goal, nil)
	return nil
}

// Get returns a goal by id.
func (s *Service) Get(ctx context.Context, id string) (*models.Goal, error) {
	return s.store.GetGoal(ctx, id)
}

// List returns a room's goals ordered by priority, optionally filtered by
// status.
func (s *Service) List(ctx context.Context, roomID string, status models.GoalStatus) ([]*models.Goal, error) {
	return s.store.ListGoals(ctx, roomID, status)
}

// GetActive returns the room's active goals.
func (s *Service) GetActive(ctx context.Context, roomID string) ([]*models.Goal, error) {
	return s.store.ListGoals(ctx, roomID, models.GoalStatusActive)
}

// GetNext returns the highest-priority goal still worth picking up: the
// first active goal, else the first pending one. Nil when the room has
// neither.
func (s *Service) GetNext(ctx context.Context, roomID string) (*models.Goal, error) {
	active, err := s.store.ListGoals(ctx, roomID, models.GoalStatusActive)
	if err != nil {
		return nil, err
	}
	if len(active) > 0 {
		return active[0], nil
	}
	pending, err := s.store.ListGoals(ctx, roomID, models.GoalStatusPending)
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		return pending[0], nil
	}
	return nil, nil
}

// UpdateStatus moves a goal to an arbitrary status. Completion timestamps
// are maintained on the way in and out of completed.
func (s *Service) UpdateStatus(ctx context.Context, id string, status models.GoalStatus) (*models.Goal, error) {
	switch status {
	case models.GoalStatusPending, models.GoalStatusActive, models.GoalStatusCompleted, models.GoalStatusBlocked:
	default:
		return nil, fmt.Errorf("unknown goal status %q", status)
	}
	return s.mutate(ctx, id, func(goal *models.Goal) {
		goal.Status = status
		switch status {
		case models.GoalStatusCompleted:
			now := time.Now().UTC()
			goal.CompletedAt = &now
			goal.Progress = 100
		default:
			goal.CompletedAt = nil
		}
		if status != models.GoalStatusBlocked {
			goal.BlockReason = ""
		}
	})
}

// UpdateProgress sets the progress figure. Reaching 100 does not complete
// the goal on its own; completion is an explicit transition.
func (s *Service) UpdateProgress(ctx context.Context, id string, progress int) (*models.Goal, error) {
	if progress < 0 || progress > 100 {
		return nil, ErrInvalidProgress
	}
	goal, err := s.mutate(ctx, id, func(goal *models.Goal) {
		goal.Progress = progress
	})
	if err != nil {
		return nil, err
	}
	s.publish(events.GoalProgressUpdated, goal, map[string]interface{}{"progress": progress})
	return goal, nil
}

// UpdatePriority reorders the goal within its room.
func (s *Service) UpdatePriority(ctx context.Context, id string, priority int) (*models.Goal, error) {
	return s.mutate(ctx, id, func(goal *models.Goal) {
		goal.Priority = priority
	})
}

// Start marks a goal active.
func (s *Service) Start(ctx context.Context, id string) (*models.Goal, error) {
	return s.UpdateStatus(ctx, id, models.GoalStatusActive)
}

// Complete marks a goal completed and emits goal.completed.
func (s *Service) Complete(ctx context.Context, id string) (*models.Goal, error) {
	goal, err := s.UpdateStatus(ctx, id, models.GoalStatusCompleted)
	if err != nil {
		return nil, err
	}
	s.publish(events.GoalCompleted, goal, nil)
	return goal, nil
}

// Block parks a goal with a reason.
func (s *Service) Block(ctx context.Context, id, reason string) (*models.Goal, error) {
	return s.mutate(ctx, id, func(goal *models.Goal) {
		goal.Status = models.GoalStatusBlocked
		goal.BlockReason = reason
		goal.CompletedAt = nil
	})
}

// Unblock returns a blocked goal to active.
func (s *Service) Unblock(ctx context.Context, id string) (*models.Goal, error) {
	return s.mutate(ctx, id, func(goal *models.Goal) {
		goal.Status = models.GoalStatusActive
		goal.BlockReason = ""
	})
}

// LinkTask attaches a task id to the goal. Linking twice is a no-op.
func (s *Service) LinkTask(ctx context.Context, id, taskID string) (*models.Goal, error) {
	return s.mutate(ctx, id, func(goal *models.Goal) {
		for _, existing := range goal.TaskIDs {
			if existing == taskID {
				return
			}
		}
		goal.TaskIDs = append(goal.TaskIDs, taskID)
	})
}

// UnlinkTask detaches a task id from the goal.
func (s *Service) UnlinkTask(ctx context.Context, id, taskID string) (*models.Goal, error) {
	return s.mutate(ctx, id, func(goal *models.Goal) {
		kept := goal.TaskIDs[:0]
		for _, existing := range goal.TaskIDs {
			if existing != taskID {
				kept = append(kept, existing)
			}
		}
		goal.TaskIDs = kept
	})
}

// Delete removes a goal.
func (s *Service) Delete(ctx context.Context, id string) error {
	goal, err := s.store.GetGoal(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteGoal(ctx, id); err != nil {
		return err
	}
	s.publish(events.GoalUpdated, goal, map[string]interface{}{"deleted": true})
	return nil
}

// mutate loads, applies, persists, and emits goal.updated.
func (s *Service) mutate(ctx context.Context, id string, apply func(goal *models.Goal)) (*models.Goal, error) {
	goal, err := s.store.GetGoal(ctx, id)
	if err != nil {
		return nil, err
	}
	apply(goal)
	if err := s.store.UpdateGoal(ctx, goal); err != nil {
		return nil, err
	}
	s.publish(events.GoalUpdated, goal, nil)
	return goal, nil
}

func (s *Service) publish(eventType string, goal *models.Goal, extra map[string]interface{}) {
	data := map[string]interface{}{
		"roomId": goal.RoomID,
		"goal":   goal,
	}
	for k, v := range extra {
		data[k] = v
	}
	event := bus.NewEvent(eventType, "room:"+goal.RoomID, "goal-service", data)
	if err := s.bus.Publish(context.Background(), eventType, event); err != nil {
		s.logger.Warn("Failed to publish goal event", zap.String("type", eventType), zap.Error(err))
	}
}
