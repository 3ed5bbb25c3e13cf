package runtime

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/relayd/relayd/internal/agent"
	"github.com/relayd/relayd/internal/events"
	"github.com/relayd/relayd/internal/session/models"
	"github.com/relayd/relayd/internal/storage"
)

// handleMessage processes one SDK message end to end: stamp, persist, fan
// out, dispatch by type, derive phase, feed the breaker. A message that
// fails to persist (duplicate replay) is dropped before fan-out.
func (r *Runtime) handleMessage(ctx context.Context, msg *agent.Message) {
	r.stampMessage(msg)

	if msg.Status == "" {
		msg.Status = agent.StatusSaved
	}
	if err := r.store.SaveMessage(ctx, msg); err != nil {
		if errors.Is(err, storage.ErrDuplicateMessage) {
			r.logger.Debug("Dropped replayed message", zap.String("uuid", msg.UUID))
		} else {
			r.logger.Error("Failed to persist SDK message",
				zap.String("uuid", msg.UUID), zap.Error(err))
		}
		return
	}

	r.publish(events.SDKMessage, map[string]interface{}{"message": msg})
	r.publish(events.SDKMessagesDelta, map[string]interface{}{
		"added":   []*agent.Message{msg},
		"version": r.deltaVersion.Add(1),
	})

	switch msg.Type {
	case agent.MessageTypeUser:
		r.checkpoints.Observe(msg)

	case agent.MessageTypeAssistant:
		if count := msg.ToolUseCount(); count > 0 {
			r.bumpMetadata(ctx, func(meta *models.Metadata) {
				meta.ToolCallCount += int64(count)
			})
		}

	case agent.MessageTypeStreamEvent:
		r.contextTracker.HandleStreamUsage(msg)

	case agent.MessageTypeResult:
		usage := msg.ResultUsage()
		r.bumpMetadata(ctx, func(meta *models.Metadata) {
			meta.MessageCount++
			meta.InputTokens += usage.InputTokens
			meta.OutputTokens += usage.OutputTokens
			meta.TotalTokens += usage.TotalTokens()
			meta.TotalCostUSD += usage.CostUSD
		})
		r.contextTracker.HandleResultUsage(usage)
		if msg.Subtype == agent.SubtypeSuccess {
			r.breaker.MarkSuccess()
		}
		r.settlePendingRows(ctx)
		r.state.SetState(StateIdle)
	}

	r.state.DetectPhaseFromMessage(msg)
	r.breaker.Intake(msg)
}

// stampMessage fills session-derived fields. A top-level user message that
// is neither a replay nor one of our own enqueues was re-injected by the
// host and is marked synthetic.
func (r *Runtime) stampMessage(msg *agent.Message) {
	r.mu.Lock()
	msg.SessionID = r.session.ID
	_, local := r.localUUIDs[msg.UUID]
	r.mu.Unlock()

	if msg.TimestampMs == 0 {
		msg.TimestampMs = time.Now().UnixMilli()
	}
	if msg.Type == agent.MessageTypeUser && msg.ParentToolUseID == "" && !msg.IsReplay && !local {
		msg.IsSynthetic = true
	}
}

// settlePendingRows marks sent queue rows as saved after a completed turn.
func (r *Runtime) settlePendingRows(ctx context.Context) {
	pending, err := r.store.ListMessagesByStatus(ctx, r.sessionID(), agent.StatusSent)
	if err != nil {
		return
	}
	for _, row := range pending {
		if err := r.store.UpdateMessageStatus(ctx, row.DBID, agent.StatusSaved); err != nil {
			r.logger.Warn("Failed to settle message row",
				zap.Int64("db_id", row.DBID), zap.Error(err))
		}
	}
}

// bumpMetadata applies a mutation to the session metadata and persists it.
func (r *Runtime) bumpMetadata(ctx context.Context, mutate func(meta *models.Metadata)) {
	r.mu.Lock()
	mutate(&r.session.Metadata)
	id := r.session.ID
	meta := r.session.Metadata
	r.mu.Unlock()

	if err := r.store.UpdateSessionMetadata(ctx, id, meta); err != nil {
		r.logger.Warn("Failed to persist session metadata", zap.Error(err))
	}
}
