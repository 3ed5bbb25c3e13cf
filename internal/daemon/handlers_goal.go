package daemon

import (
	"context"

	"github.com/relayd/relayd/internal/task/models"
	"github.com/relayd/relayd/pkg/wire"
)

func (d *Daemon) registerGoalHandlers(dispatcher *wire.Dispatcher) {
	dispatcher.RegisterFunc("goal.create", d.handleGoalCreate)
	dispatcher.RegisterFunc("goal.get", d.handleGoalGet)
	dispatcher.RegisterFunc("goal.list", d.handleGoalList)
	dispatcher.RegisterFunc("goal.updateStatus", d.handleGoalUpdateStatus)
	dispatcher.RegisterFunc("goal.updateProgress", d.handleGoalUpdateProgress)
	dispatcher.RegisterFunc("goal.updatePriority", d.handleGoalUpdatePriority)
	dispatcher.RegisterFunc("goal.start", d.goalTransition(func(ctx context.Context, id string) (*models.Goal, error) {
		return d.goals.Start(ctx, id)
	}))
	dispatcher.RegisterFunc("goal.complete", d.goalTransition(func(ctx context.Context, id string) (*models.Goal, error) {
		return d.goals.Complete(ctx, id)
	}))
	dispatcher.RegisterFunc("goal.block", d.handleGoalBlock)
	dispatcher.RegisterFunc("goal.unblock", d.goalTransition(func(ctx context.Context, id string) (*models.Goal, error) {
		return d.goals.Unblock(ctx, id)
	}))
	dispatcher.RegisterFunc("goal.linkTask", d.handleGoalLinkTask(true))
	dispatcher.RegisterFunc("goal.unlinkTask", d.handleGoalLinkTask(false))
	dispatcher.RegisterFunc("goal.delete", d.handleGoalDelete)
	dispatcher.RegisterFunc("goal.getNext", d.handleGoalGetNext)
	dispatcher.RegisterFunc("goal.getActive", d.handleGoalGetActive)
}

type goalRef struct {
	GoalID string `json:"goalId"`
}

func (d *Daemon) handleGoalCreate(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req struct {
		RoomID      string `json:"roomId"`
		Title       string `json:"title"`
		Description string `json:"description"`
		Priority    int    `json:"priority"`
	}
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	if req.RoomID == "" || req.Title == "" {
		return fail(frame, wire.ErrorCodeValidation, "roomId and title are required")
	}

	goal := &models.Goal{
		RoomID:      req.RoomID,
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
	}
	if err := d.goals.Create(ctx, goal); err != nil {
		return failErr(frame, err)
	}
	return respond(frame, map[string]interface{}{"goal": goal})
}

func (d *Daemon) handleGoalGet(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req goalRef
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	if req.GoalID == "" {
		return fail(frame, wire.ErrorCodeValidation, "goalId is required")
	}

	goal, err := d.goals.Get(ctx, req.GoalID)
	if err != nil {
		return failErr(frame, err)
	}
	return respond(frame, map[string]interface{}{"goal": goal})
}

func (d *Daemon) handleGoalList(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req struct {
		RoomID string `json:"roomId"`
		Status string `json:"status"`
	}
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	if req.RoomID == "" {
		return fail(frame, wire.ErrorCodeValidation, "roomId is required")
	}

	goals, err := d.goals.List(ctx, req.RoomID, models.GoalStatus(req.Status))
	if err != nil {
		return failErr(frame, err)
	}
	return respond(frame, map[string]interface{}{"goals": goals})
}

func (d *Daemon) handleGoalUpdateStatus(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req struct {
		goalRef
		Status string `json:"status"`
	}
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	if req.GoalID == "" || req.Status == "" {
		return fail(frame, wire.ErrorCodeValidation, "goalId and status are required")
	}

	goal, err := d.goals.UpdateStatus(ctx, req.GoalID, models.GoalStatus(req.Status))
	if err != nil {
		return failErr(frame, err)
	}
	return respond(frame, map[string]interface{}{"goal": goal})
}

func (d *Daemon) handleGoalUpdateProgress(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req struct {
		goalRef
		Progress int `json:"progress"`
	}
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	if req.GoalID == "" {
		return fail(frame, wire.ErrorCodeValidation, "goalId is required")
	}

	goal, err := d.goals.UpdateProgress(ctx, req.GoalID, req.Progress)
	if err != nil {
		return failErr(frame, err)
	}
	return respond(frame, map[string]interface{}{"goal": goal})
}

func (d *Daemon) handleGoalUpdatePriority(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req struct {
		goalRef
		Priority int `json:"priority"`
	}
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	if req.GoalID == "" {
		return fail(frame, wire.ErrorCodeValidation, "goalId is required")
	}

	goal, err := d.goals.UpdatePriority(ctx, req.GoalID, req.Priority)
	if err != nil {
		return failErr(frame, err)
	}
	return respond(frame, map[string]interface{}{"goal": goal})
}

// goalTransition builds a handler for single-argument lifecycle moves.
func (d *Daemon) goalTransition(move func(ctx context.Context, id string) (*models.Goal, error)) wire.HandlerFunc {
	return func(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
		var req goalRef
		if err := decode(frame, &req); err != nil {
			return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
		}
		if req.GoalID == "" {
			return fail(frame, wire.ErrorCodeValidation, "goalId is required")
		}

		goal, err := move(ctx, req.GoalID)
		if err != nil {
			return failErr(frame, err)
		}
		return respond(frame, map[string]interface{}{"goal": goal})
	}
}

func (d *Daemon) handleGoalBlock(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req struct {
		goalRef
		Reason string `json:"reason"`
	}
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	if req.GoalID == "" {
		return fail(frame, wire.ErrorCodeValidation, "goalId is required")
	}

	goal, err := d.goals.Block(ctx, req.GoalID, req.Reason)
	if err != nil {
		return failErr(frame, err)
	}
	return respond(frame, map[string]interface{}{"goal": goal})
}

func (d *Daemon) handleGoalLinkTask(link bool) wire.HandlerFunc {
	return func(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
		var req struct {
			goalRef
			TaskID string `json:"taskId"`
		}
		if err := decode(frame, &req); err != nil {
			return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
		}
		if req.GoalID == "" || req.TaskID == "" {
			return fail(frame, wire.ErrorCodeValidation, "goalId and taskId are required")
		}

		var goal *models.Goal
		var err error
		if link {
			goal, err = d.goals.LinkTask(ctx, req.GoalID, req.TaskID)
		} else {
			goal, err = d.goals.UnlinkTask(ctx, req.GoalID, req.TaskID)
		}
		if err != nil {
			return failErr(frame, err)
		}
		return respond(frame, map[string]interface{}{"goal": goal})
	}
}

func (d *Daemon) handleGoalDelete(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req goalRef
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	if req.GoalID == "" {
		return fail(frame, wire.ErrorCodeValidation, "goalId is required")
	}

	if err := d.goals.Delete(ctx, req.GoalID); err != nil {
		return failErr(frame, err)
	}
	return respond(frame, map[string]interface{}{"deleted": true})
}

func (d *Daemon) handleGoalGetNext(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req struct {
		RoomID string `json:"roomId"`
	}
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	if req.RoomID == "" {
		return fail(frame, wire.ErrorCodeValidation, "roomId is required")
	}

	goal, err := d.goals.GetNext(ctx, req.RoomID)
	if err != nil {
		return failErr(frame, err)
	}
	return respond(frame, map[string]interface{}{"goal": goal})
}

func (d *Daemon) handleGoalGetActive(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req struct {
		RoomID string `json:"roomId"`
	}
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	if req.RoomID == "" {
		return fail(frame, wire.ErrorCodeValidation, "roomId is required")
	}

	goals, err := d.goals.GetActive(ctx, req.RoomID)
	if err != nil {
		return failErr(frame, err)
	}
	return respond(frame, map[string]interface{}{"goals": goals})
}
