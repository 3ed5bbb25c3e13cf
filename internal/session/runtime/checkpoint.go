package runtime

import (
	"sync"
	"time"

	"github.com/relayd/relayd/internal/agent"
	"github.com/relayd/relayd/internal/session/models"
)

// CheckpointTracker records one checkpoint per non-replay user message. Turn
// numbers are assigned in creation order and never renumbered; after a
// rewind, new checkpoints continue from the highest remaining turn.
type CheckpointTracker struct {
	mu          sync.Mutex
	sessionID   string
	checkpoints []*models.Checkpoint // insertion order

	onCreated func(cp *models.Checkpoint)
}

// NewCheckpointTracker creates an empty tracker for a session.
func NewCheckpointTracker(sessionID string, onCreated func(cp *models.Checkpoint)) *CheckpointTracker {
	return &CheckpointTracker{
		sessionID: sessionID,
		onCreated: onCreated,
	}
}

// Observe creates a checkpoint for a non-replay user message that carries a
// uuid. Anything else is ignored.
func (t *CheckpointTracker) Observe(msg *agent.Message) *models.Checkpoint {
	if msg.Type != agent.MessageTypeUser || msg.IsReplay || msg.UUID == "" {
		return nil
	}

	// Truncate on rune count, not bytes, so a multi-byte character at the
	// cut never leaves an invalid tail in the preview.
	preview := agent.FirstTextBlock(msg.Payload)
	if runes := []rune(preview); len(runes) > models.PreviewMaxLen {
		preview = string(runes[:models.PreviewMaxLen])
	}

	t.mu.Lock()
	cp := &models.Checkpoint{
		ID:         msg.UUID,
		SessionID:  t.sessionID,
		Preview:    preview,
		TurnNumber: t.nextTurnLocked(),
		CreatedAt:  time.Now().UTC(),
	}
	t.checkpoints = append(t.checkpoints, cp)
	cb := t.onCreated
	t.mu.Unlock()

	if cb != nil {
		cb(cp)
	}
	return cp
}

// nextTurnLocked is max(remaining turn numbers)+1, so turns stay unique
// across rewinds.
func (t *CheckpointTracker) nextTurnLocked() int {
	max := 0
	for _, cp := range t.checkpoints {
		if cp.TurnNumber > max {
			max = cp.TurnNumber
		}
	}
	return max + 1
}

// GetCheckpoints returns all checkpoints newest-first.
func (t *CheckpointTracker) GetCheckpoints() []*models.Checkpoint {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*models.Checkpoint, len(t.checkpoints))
	for i, cp := range t.checkpoints {
		out[len(t.checkpoints)-1-i] = cp
	}
	return out
}

// GetCheckpoint returns the checkpoint with the given id, if present.
func (t *CheckpointTracker) GetCheckpoint(id string) (*models.Checkpoint, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, cp := range t.checkpoints {
		if cp.ID == id {
			return cp, true
		}
	}
	return nil, false
}

// GetLatestCheckpoint returns the most recently created checkpoint.
func (t *CheckpointTracker) GetLatestCheckpoint() (*models.Checkpoint, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.checkpoints) == 0 {
		return nil, false
	}
	return t.checkpoints[len(t.checkpoints)-1], true
}

// GetFirstCheckpoint returns the oldest checkpoint.
func (t *CheckpointTracker) GetFirstCheckpoint() (*models.Checkpoint, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.checkpoints) == 0 {
		return nil, false
	}
	return t.checkpoints[0], true
}

// Has reports whether a checkpoint with the given id exists.
func (t *CheckpointTracker) Has(id string) bool {
	_, ok := t.GetCheckpoint(id)
	return ok
}

// Size returns the number of checkpoints.
func (t *CheckpointTracker) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.checkpoints)
}

// Clear drops all checkpoints.
func (t *CheckpointTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checkpoints = nil
}

// RewindTo removes every checkpoint with a turn number strictly greater than
// the target's and returns the count removed. An unknown id removes nothing.
// Remaining checkpoints keep their turn numbers.
func (t *CheckpointTracker) RewindTo(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var target *models.Checkpoint
	for _, cp := range t.checkpoints {
		if cp.ID == id {
			target = cp
			break
		}
	}
	if target == nil {
		return 0
	}

	kept := t.checkpoints[:0]
	removed := 0
	for _, cp := range t.checkpoints {
		if cp.TurnNumber > target.TurnNumber {
			removed++
			continue
		}
		kept = append(kept, cp)
	}
	t.checkpoints = kept
	return removed
}
