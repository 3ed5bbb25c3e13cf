package daemon

import (
	"context"
	"encoding/json"

	"github.com/relayd/relayd/internal/events"
	"github.com/relayd/relayd/pkg/wire"
)

func (d *Daemon) registerMessageHandlers(dispatcher *wire.Dispatcher) {
	dispatcher.RegisterFunc("message.sdkMessages", d.handleMessageList)
	dispatcher.RegisterFunc("message.count", d.handleMessageCount)
	dispatcher.RegisterFunc("message.removeOutput", d.handleMessageRemoveOutput)
}

func (d *Daemon) handleMessageList(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req sessionRef
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	id := req.resolve(frame)
	if id == "" {
		return fail(frame, wire.ErrorCodeValidation, "sessionId is required")
	}

	messages, err := d.store.ListMessages(ctx, id)
	if err != nil {
		return failErr(frame, err)
	}
	return respond(frame, map[string]interface{}{"messages": messages})
}

func (d *Daemon) handleMessageCount(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req sessionRef
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	id := req.resolve(frame)
	if id == "" {
		return fail(frame, wire.ErrorCodeValidation, "sessionId is required")
	}

	count, err := d.store.CountMessages(ctx, id)
	if err != nil {
		return failErr(frame, err)
	}
	return respond(frame, map[string]interface{}{"count": count})
}

// removedOutputPlaceholder replaces stripped tool output so readers see the
// redaction rather than an empty block.
const removedOutputPlaceholder = "[output removed]"

func (d *Daemon) handleMessageRemoveOutput(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req struct {
		sessionRef
		UUID string `json:"uuid"`
	}
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	id := req.resolve(frame)
	if id == "" || req.UUID == "" {
		return fail(frame, wire.ErrorCodeValidation, "sessionId and uuid are required")
	}

	msg, err := d.store.GetMessageByUUID(ctx, id, req.UUID)
	if err != nil {
		return failErr(frame, err)
	}

	stripped, changed, err := stripToolOutput(msg.Payload)
	if err != nil {
		return fail(frame, wire.ErrorCodeInternal, "failed to rewrite payload: "+err.Error())
	}
	if !changed {
		return respond(frame, map[string]interface{}{"updated": false})
	}

	if err := d.store.ReplaceMessagePayload(ctx, msg.DBID, string(stripped)); err != nil {
		return failErr(frame, err)
	}

	d.publishEvent(events.SDKMessageUpdated, id, map[string]interface{}{
		"uuid":      req.UUID,
		"sessionId": id,
	})
	return respond(frame, map[string]interface{}{"updated": true})
}

// stripToolOutput replaces the content of every tool_result block in the
// payload with a placeholder. The payload structure is otherwise preserved.
func stripToolOutput(payload json.RawMessage) (json.RawMessage, bool, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, false, err
	}

	message, ok := doc["message"].(map[string]interface{})
	if !ok {
		return payload, false, nil
	}
	content, ok := message["content"].([]interface{})
	if !ok {
		return payload, false, nil
	}

	changed := false
	for _, raw := range content {
		block, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if block["type"] != "tool_result" {
			continue
		}
		block["content"] = removedOutputPlaceholder
		changed = true
	}
	if !changed {
		return payload, false, nil
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}
