package runtime

import (
	"sync"

	"github.com/relayd/relayd/internal/agent"
)

// DefaultContextWindow is assumed until the upstream reports a real limit.
const DefaultContextWindow = 200_000

// ContextUsage is the published context window estimate.
type ContextUsage struct {
	UsedTokens int64   `json:"used_tokens"`
	MaxTokens  int64   `json:"max_tokens"`
	Percent    float64 `json:"percent"`
}

// ContextTracker estimates context window usage from stream and result
// usage. Stream events refine the in-flight estimate; result usage is
// authoritative for the turn.
type ContextTracker struct {
	mu         sync.Mutex
	usedTokens int64
	maxTokens  int64

	onUpdate func(usage ContextUsage)
}

// NewContextTracker creates a tracker with the default window size.
func NewContextTracker(onUpdate func(usage ContextUsage)) *ContextTracker {
	return &ContextTracker{
		maxTokens: DefaultContextWindow,
		onUpdate:  onUpdate,
	}
}

// HandleStreamUsage updates the estimate from a stream_event, if it carries
// usage.
func (t *ContextTracker) HandleStreamUsage(msg *agent.Message) {
	usage, ok := msg.StreamUsage()
	if !ok {
		return
	}
	t.update(usage)
}

// HandleResultUsage updates the estimate from a result's usage block.
func (t *ContextTracker) HandleResultUsage(usage agent.Usage) {
	t.update(usage)
}

func (t *ContextTracker) update(usage agent.Usage) {
	used := usage.InputTokens + usage.CacheReadInputTokens + usage.CacheCreationInputTokens + usage.OutputTokens
	if used == 0 {
		return
	}

	t.mu.Lock()
	t.usedTokens = used
	snapshot := t.usageLocked()
	cb := t.onUpdate
	t.mu.Unlock()

	if cb != nil {
		cb(snapshot)
	}
}

// SetMaxTokens records the real context window, learned from a
// context-overflow error or model metadata.
func (t *ContextTracker) SetMaxTokens(max int64) {
	if max <= 0 {
		return
	}
	t.mu.Lock()
	t.maxTokens = max
	t.mu.Unlock()
}

// Usage returns the current estimate.
func (t *ContextTracker) Usage() ContextUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usageLocked()
}

func (t *ContextTracker) usageLocked() ContextUsage {
	percent := 0.0
	if t.maxTokens > 0 {
		percent = float64(t.usedTokens) / float64(t.maxTokens) * 100
	}
	return ContextUsage{
		UsedTokens: t.usedTokens,
		MaxTokens:  t.maxTokens,
		Percent:    percent,
	}
}

// Reset clears the estimate, keeping the learned window size.
func (t *ContextTracker) Reset() {
	t.mu.Lock()
	t.usedTokens = 0
	t.mu.Unlock()
}
