package runtime

import (
	"context"

	"go.uber.org/zap"

	"github.com/relayd/relayd/internal/agent"
	"github.com/relayd/relayd/internal/common/logger"
	"github.com/relayd/relayd/internal/storage"
)

// RecoverOrphans marks user messages stranded by a failed query attempt as
// saved. A message is an orphan when it is still queued or sent and its
// timestamp is strictly after the latest system init — the query that should
// have consumed it never did. Fetch failures are logged, never propagated.
func RecoverOrphans(ctx context.Context, store *storage.Store, sessionID string, log *logger.Logger) {
	pending, err := store.ListMessagesByStatus(ctx, sessionID, agent.StatusQueued, agent.StatusSent)
	if err != nil {
		log.Warn("Orphan recovery skipped: failed to load pending messages",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}

	all, err := store.ListMessages(ctx, sessionID)
	if err != nil {
		log.Warn("Orphan recovery skipped: failed to load messages",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	var latestInit int64
	for _, msg := range all {
		if msg.IsSystemInit() && msg.TimestampMs > latestInit {
			latestInit = msg.TimestampMs
		}
	}

	recovered := 0
	for _, msg := range pending {
		if msg.Type != agent.MessageTypeUser {
			continue
		}
		if msg.TimestampMs <= latestInit {
			continue
		}
		if msg.DBID == 0 {
			continue
		}
		if err := store.UpdateMessageStatus(ctx, msg.DBID, agent.StatusSaved); err != nil {
			log.Warn("Failed to recover orphaned message",
				zap.String("session_id", sessionID),
				zap.Int64("db_id", msg.DBID), zap.Error(err))
			continue
		}
		recovered++
	}

	if recovered > 0 {
		log.Info("Recovered orphaned messages",
			zap.String("session_id", sessionID), zap.Int("count", recovered))
	}
}
