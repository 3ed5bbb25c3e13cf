package daemon

import (
	"context"
	"encoding/json"

	"github.com/relayd/relayd/internal/session/models"
	"github.com/relayd/relayd/pkg/wire"
)

type sessionRef struct {
	SessionID string `json:"sessionId"`
}

// sessionID prefers the payload's explicit id over the frame scope.
func (r sessionRef) resolve(frame *wire.Frame) string {
	if r.SessionID != "" {
		return r.SessionID
	}
	if frame.SessionID != wire.SessionGlobal {
		return frame.SessionID
	}
	return ""
}

func (d *Daemon) registerSessionHandlers(dispatcher *wire.Dispatcher) {
	dispatcher.RegisterFunc("session.create", d.handleSessionCreate)
	dispatcher.RegisterFunc("session.get", d.handleSessionGet)
	dispatcher.RegisterFunc("session.list", d.handleSessionList)
	dispatcher.RegisterFunc("session.delete", d.handleSessionDelete)
	dispatcher.RegisterFunc("session.archive", d.handleSessionArchive)
	dispatcher.RegisterFunc("session.export", d.handleSessionExport)
	dispatcher.RegisterFunc("session.resetQuery", d.handleSessionResetQuery)
	dispatcher.RegisterFunc("session.interrupt", d.handleSessionInterrupt)
	dispatcher.RegisterFunc("session.send", d.handleSessionSend)

	dispatcher.RegisterFunc("checkpoint.list", d.handleCheckpointList)
	dispatcher.RegisterFunc("checkpoint.rewind", d.handleCheckpointRewind)

	dispatcher.RegisterFunc("draft.get", d.handleDraftGet)
	dispatcher.RegisterFunc("draft.update", d.handleDraftUpdate)

	dispatcher.RegisterFunc("queue.get", d.handleQueueGet)
}

func (d *Daemon) handleSessionCreate(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req struct {
		Title         string        `json:"title"`
		WorkspacePath string        `json:"workspacePath"`
		Config        models.Config `json:"config"`
	}
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}

	sess := &models.Session{Title: req.Title, WorkspacePath: req.WorkspacePath, Config: req.Config}
	if _, err := d.manager.Create(ctx, sess); err != nil {
		return failErr(frame, err)
	}
	return respond(frame, map[string]interface{}{"session": sess})
}

func (d *Daemon) handleSessionGet(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req sessionRef
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	id := req.resolve(frame)
	if id == "" {
		return fail(frame, wire.ErrorCodeValidation, "sessionId is required")
	}

	rt, err := d.manager.GetOrAttach(ctx, id)
	if err != nil {
		return failErr(frame, err)
	}
	sess := rt.Session()
	return respond(frame, map[string]interface{}{
		"session":   sess,
		"state":     rt.State(),
		"queueSize": rt.Queue().Size(),
		"context":   rt.ContextTracker().Usage(),
		"breaker":   rt.Breaker().GetState(),
	})
}

func (d *Daemon) handleSessionList(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req struct {
		Status models.Status `json:"status"`
	}
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}

	sessions, err := d.manager.List(ctx, req.Status)
	if err != nil {
		return failErr(frame, err)
	}
	return respond(frame, map[string]interface{}{"sessions": sessions})
}

func (d *Daemon) handleSessionDelete(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req sessionRef
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	id := req.resolve(frame)
	if id == "" {
		return fail(frame, wire.ErrorCodeValidation, "sessionId is required")
	}

	if err := d.manager.Delete(ctx, id); err != nil {
		return failErr(frame, err)
	}
	return respond(frame, map[string]interface{}{"deleted": true})
}

func (d *Daemon) handleSessionArchive(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req sessionRef
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	id := req.resolve(frame)
	if id == "" {
		return fail(frame, wire.ErrorCodeValidation, "sessionId is required")
	}

	if err := d.manager.Archive(ctx, id); err != nil {
		return failErr(frame, err)
	}
	return respond(frame, map[string]interface{}{"archived": true})
}

func (d *Daemon) handleSessionExport(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req sessionRef
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	id := req.resolve(frame)
	if id == "" {
		return fail(frame, wire.ErrorCodeValidation, "sessionId is required")
	}

	sess, err := d.store.GetSession(ctx, id)
	if err != nil {
		return failErr(frame, err)
	}
	messages, err := d.store.ListMessages(ctx, id)
	if err != nil {
		return failErr(frame, err)
	}
	return respond(frame, map[string]interface{}{
		"session":  sess,
		"messages": messages,
	})
}

func (d *Daemon) handleSessionResetQuery(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req sessionRef
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	id := req.resolve(frame)
	if id == "" {
		return fail(frame, wire.ErrorCodeValidation, "sessionId is required")
	}

	rt, err := d.manager.GetOrAttach(ctx, id)
	if err != nil {
		return failErr(frame, err)
	}
	if err := rt.RestartQuery(ctx); err != nil {
		return failErr(frame, err)
	}
	return respond(frame, map[string]interface{}{"reset": true})
}

func (d *Daemon) handleSessionInterrupt(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req sessionRef
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	id := req.resolve(frame)
	if id == "" {
		return fail(frame, wire.ErrorCodeValidation, "sessionId is required")
	}

	rt, err := d.manager.GetOrAttach(ctx, id)
	if err != nil {
		return failErr(frame, err)
	}
	if err := rt.Interrupt(ctx); err != nil {
		return failErr(frame, err)
	}
	return respond(frame, map[string]interface{}{"interrupted": true})
}

func (d *Daemon) handleSessionSend(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req struct {
		sessionRef
		Content  json.RawMessage `json:"content"`
		Internal bool            `json:"internal"`
	}
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	id := req.resolve(frame)
	if id == "" {
		return fail(frame, wire.ErrorCodeValidation, "sessionId is required")
	}
	if len(req.Content) == 0 {
		return fail(frame, wire.ErrorCodeValidation, "content is required")
	}

	rt, err := d.manager.GetOrAttach(ctx, id)
	if err != nil {
		return failErr(frame, err)
	}
	uuid, _, err := rt.Enqueue(ctx, req.Content, req.Internal)
	if err != nil {
		return failErr(frame, err)
	}
	return respond(frame, map[string]interface{}{
		"uuid":      uuid,
		"queueSize": rt.Queue().Size(),
	})
}

func (d *Daemon) handleCheckpointList(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req sessionRef
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	id := req.resolve(frame)
	if id == "" {
		return fail(frame, wire.ErrorCodeValidation, "sessionId is required")
	}

	rt, err := d.manager.GetOrAttach(ctx, id)
	if err != nil {
		return failErr(frame, err)
	}
	return respond(frame, map[string]interface{}{
		"checkpoints": rt.Checkpoints().GetCheckpoints(),
	})
}

func (d *Daemon) handleCheckpointRewind(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req struct {
		sessionRef
		CheckpointID string `json:"checkpointId"`
	}
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	id := req.resolve(frame)
	if id == "" || req.CheckpointID == "" {
		return fail(frame, wire.ErrorCodeValidation, "sessionId and checkpointId are required")
	}

	rt, err := d.manager.GetOrAttach(ctx, id)
	if err != nil {
		return failErr(frame, err)
	}
	if !rt.Checkpoints().Has(req.CheckpointID) {
		return fail(frame, wire.ErrorCodeNotFound, "checkpoint not found")
	}
	removed := rt.Checkpoints().RewindTo(req.CheckpointID)
	return respond(frame, map[string]interface{}{
		"removed":   removed,
		"remaining": rt.Checkpoints().Size(),
	})
}

func (d *Daemon) handleDraftGet(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req struct {
		sessionRef
		ClientID string `json:"clientId"`
	}
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	id := req.resolve(frame)
	if id == "" || req.ClientID == "" {
		return fail(frame, wire.ErrorCodeValidation, "sessionId and clientId are required")
	}

	draft, err := d.manager.GetDraft(ctx, id, req.ClientID)
	if err != nil {
		return failErr(frame, err)
	}
	return respond(frame, map[string]interface{}{"draft": draft})
}

func (d *Daemon) handleDraftUpdate(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req struct {
		sessionRef
		ClientID string `json:"clientId"`
		Text     string `json:"text"`
	}
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	id := req.resolve(frame)
	if id == "" || req.ClientID == "" {
		return fail(frame, wire.ErrorCodeValidation, "sessionId and clientId are required")
	}

	d.manager.SetDraft(ctx, id, req.ClientID, req.Text)
	return respond(frame, map[string]interface{}{"accepted": true})
}

func (d *Daemon) handleQueueGet(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req sessionRef
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	id := req.resolve(frame)
	if id == "" {
		return fail(frame, wire.ErrorCodeValidation, "sessionId is required")
	}

	rt, err := d.manager.GetOrAttach(ctx, id)
	if err != nil {
		return failErr(frame, err)
	}
	return respond(frame, map[string]interface{}{
		"size":    rt.Queue().Size(),
		"running": rt.Queue().IsRunning(),
	})
}
