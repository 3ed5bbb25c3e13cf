package daemon

import (
	"context"

	"github.com/relayd/relayd/internal/scheduler"
	"github.com/relayd/relayd/internal/task/models"
	"github.com/relayd/relayd/pkg/wire"
)

func (d *Daemon) registerJobHandlers(dispatcher *wire.Dispatcher) {
	dispatcher.RegisterFunc("recurringJob.create", d.handleJobCreate)
	dispatcher.RegisterFunc("recurringJob.get", d.handleJobGet)
	dispatcher.RegisterFunc("recurringJob.list", d.handleJobList)
	dispatcher.RegisterFunc("recurringJob.update", d.handleJobUpdate)
	dispatcher.RegisterFunc("recurringJob.enable", d.handleJobEnable)
	dispatcher.RegisterFunc("recurringJob.disable", d.handleJobDisable)
	dispatcher.RegisterFunc("recurringJob.delete", d.handleJobDelete)
	dispatcher.RegisterFunc("recurringJob.trigger", d.handleJobTrigger)
}

type jobRef struct {
	JobID string `json:"jobId"`
}

func (d *Daemon) handleJobCreate(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req struct {
		RoomID      string              `json:"roomId"`
		Name        string              `json:"name"`
		Description string              `json:"description"`
		Schedule    models.Schedule     `json:"schedule"`
		Template    models.TaskTemplate `json:"template"`
		Enabled     *bool               `json:"enabled"`
		MaxRuns     int                 `json:"maxRuns"`
	}
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	if req.RoomID == "" || req.Name == "" {
		return fail(frame, wire.ErrorCodeValidation, "roomId and name are required")
	}

	job := &models.RecurringJob{
		RoomID:      req.RoomID,
		Name:        req.Name,
		Description: req.Description,
		Schedule:    req.Schedule,
		Template:    req.Template,
		Enabled:     req.Enabled == nil || *req.Enabled,
		MaxRuns:     req.MaxRuns,
	}
	if err := d.scheduler.CreateJob(ctx, job); err != nil {
		return failErr(frame, err)
	}
	return respond(frame, map[string]interface{}{"job": job})
}

func (d *Daemon) handleJobGet(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req jobRef
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	if req.JobID == "" {
		return fail(frame, wire.ErrorCodeValidation, "jobId is required")
	}

	job, err := d.store.GetRecurringJob(ctx, req.JobID)
	if err != nil {
		return failErr(frame, err)
	}
	return respond(frame, map[string]interface{}{"job": job})
}

func (d *Daemon) handleJobList(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req struct {
		RoomID string `json:"roomId"`
	}
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	if req.RoomID == "" {
		return fail(frame, wire.ErrorCodeValidation, "roomId is required")
	}

	jobs, err := d.store.ListRecurringJobs(ctx, req.RoomID)
	if err != nil {
		return failErr(frame, err)
	}
	return respond(frame, map[string]interface{}{"jobs": jobs})
}

func (d *Daemon) handleJobUpdate(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req struct {
		jobRef
		Name        *string              `json:"name"`
		Description *string              `json:"description"`
		Schedule    *models.Schedule     `json:"schedule"`
		Template    *models.TaskTemplate `json:"template"`
		Enabled     *bool                `json:"enabled"`
		MaxRuns     *int                 `json:"maxRuns"`
	}
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	if req.JobID == "" {
		return fail(frame, wire.ErrorCodeValidation, "jobId is required")
	}

	job, err := d.scheduler.UpdateJob(ctx, req.JobID, scheduler.JobPatch{
		Name:        req.Name,
		Description: req.Description,
		Schedule:    req.Schedule,
		Template:    req.Template,
		Enabled:     req.Enabled,
		MaxRuns:     req.MaxRuns,
	})
	if err != nil {
		return failErr(frame, err)
	}
	return respond(frame, map[string]interface{}{"job": job})
}

func (d *Daemon) handleJobEnable(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req jobRef
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	if req.JobID == "" {
		return fail(frame, wire.ErrorCodeValidation, "jobId is required")
	}

	job, err := d.scheduler.EnableJob(ctx, req.JobID)
	if err != nil {
		return failErr(frame, err)
	}
	return respond(frame, map[string]interface{}{"job": job})
}

func (d *Daemon) handleJobDisable(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req jobRef
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	if req.JobID == "" {
		return fail(frame, wire.ErrorCodeValidation, "jobId is required")
	}

	job, err := d.scheduler.DisableJob(ctx, req.JobID)
	if err != nil {
		return failErr(frame, err)
	}
	return respond(frame, map[string]interface{}{"job": job})
}

func (d *Daemon) handleJobDelete(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req jobRef
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	if req.JobID == "" {
		return fail(frame, wire.ErrorCodeValidation, "jobId is required")
	}

	if err := d.scheduler.DeleteJob(ctx, req.JobID); err != nil {
		return failErr(frame, err)
	}
	return respond(frame, map[string]interface{}{"deleted": true})
}

func (d *Daemon) handleJobTrigger(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req jobRef
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	if req.JobID == "" {
		return fail(frame, wire.ErrorCodeValidation, "jobId is required")
	}

	task, err := d.scheduler.TriggerJob(ctx, req.JobID)
	if err != nil {
		return failErr(frame, err)
	}
	return respond(frame, map[string]interface{}{"task": task})
}
