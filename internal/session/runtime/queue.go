// Package runtime owns one live session: its input queue, agent query
// lifecycle, checkpoints, circuit breaker, and derived state.
package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relayd/relayd/internal/agent"
)

// ErrInterrupted rejects pending enqueue futures when the queue is cleared.
var ErrInterrupted = errors.New("Interrupted by user")

// TimeoutError is returned on an enqueue future when the query did not
// consume the message within the consumption timeout.
type TimeoutError struct {
	MessageID string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("message %s was not consumed in time", e.MessageID)
}

// QueuedMessage is one unit of pending user input.
type QueuedMessage struct {
	UUID            string
	SessionID       string
	Content         json.RawMessage // payload document: {"content": string | blocks}
	ParentToolUseID string
	Internal        bool
	EnqueuedAt      time.Time
}

// QueueItem pairs a message with its consumption callback. The consumer must
// call OnSent exactly once after the SDK accepted the message; it completes
// the enqueue future and cancels the timeout.
type QueueItem struct {
	Message *QueuedMessage
	OnSent  func()
}

type pendingItem struct {
	msg   *QueuedMessage
	done  chan error
	timer *time.Timer
	once  sync.Once
}

// settle completes the future once; later calls are no-ops.
func (p *pendingItem) settle(err error) {
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.done <- err
		close(p.done)
	})
}

// MessageQueue is the FIFO feeding the agent query. Start bumps a generation
// counter; a generator born under an older generation terminates instead of
// stealing messages meant for a newer query attempt.
type MessageQueue struct {
	mu         sync.Mutex
	cond       *sync.Cond
	items      []*pendingItem
	running    bool
	generation uint64
	timeout    time.Duration
	sessionID  string
	onUpdate   func(size int)
}

// NewMessageQueue creates a stopped queue for a session. onUpdate, when set,
// observes every size change (used for session.queueUpdated fan-out).
func NewMessageQueue(sessionID string, timeout time.Duration, onUpdate func(size int)) *MessageQueue {
	q := &MessageQueue{
		timeout:   timeout,
		sessionID: sessionID,
		onUpdate:  onUpdate,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends input and returns the assigned message uuid plus a future
// that resolves when the query consumes the item, or rejects on clear or
// consumption timeout. A tool_result block in the content binds the message
// to its originating tool use.
func (q *MessageQueue) Enqueue(content json.RawMessage, internal bool) (string, <-chan error) {
	msg := &QueuedMessage{
		UUID:            uuid.New().String(),
		SessionID:       q.sessionID,
		Content:         content,
		ParentToolUseID: agent.ToolResultToolUseID(content),
		Internal:        internal,
		EnqueuedAt:      time.Now().UTC(),
	}
	item := &pendingItem{msg: msg, done: make(chan error, 1)}
	item.timer = time.AfterFunc(q.timeout, func() {
		q.expire(item)
	})

	q.mu.Lock()
	q.items = append(q.items, item)
	size := len(q.items)
	q.mu.Unlock()

	q.cond.Broadcast()
	q.notifyUpdate(size)
	return msg.UUID, item.done
}

// expire removes a timed-out item and rejects its future.
func (q *MessageQueue) expire(item *pendingItem) {
	q.mu.Lock()
	for i, it := range q.items {
		if it == item {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	size := len(q.items)
	q.mu.Unlock()

	item.settle(&TimeoutError{MessageID: item.msg.UUID})
	q.notifyUpdate(size)
}

// Generator returns a channel yielding queued items in FIFO order. Each
// receive blocks until an item is available, the queue stops, or a newer
// generation supersedes the one captured at construction.
func (q *MessageQueue) Generator() <-chan *QueueItem {
	q.mu.Lock()
	gen := q.generation
	q.mu.Unlock()

	out := make(chan *QueueItem)
	go func() {
		defer close(out)
		for {
			q.mu.Lock()
			for q.running && q.generation == gen && len(q.items) == 0 {
				q.cond.Wait()
			}
			if !q.running || q.generation != gen {
				q.mu.Unlock()
				return
			}
			item := q.items[0]
			q.items = q.items[1:]
			size := len(q.items)
			q.mu.Unlock()

			q.notifyUpdate(size)
			out <- &QueueItem{
				Message: item.msg,
				OnSent:  func() { item.settle(nil) },
			}
		}
	}()
	return out
}

// Clear rejects every pending future with ErrInterrupted. Running state is
// preserved.
func (q *MessageQueue) Clear() {
	q.mu.Lock()
	cleared := q.items
	q.items = nil
	q.mu.Unlock()

	for _, item := range cleared {
		item.settle(ErrInterrupted)
	}
	if len(cleared) > 0 {
		q.notifyUpdate(0)
	}
}

// Start marks the queue running and bumps the generation counter.
func (q *MessageQueue) Start() {
	q.mu.Lock()
	q.running = true
	q.generation++
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Stop marks the queue stopped; blocked generators wake and terminate.
func (q *MessageQueue) Stop() {
	q.mu.Lock()
	q.running = false
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Size returns the number of pending items.
func (q *MessageQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsRunning reports whether the queue accepts consumption.
func (q *MessageQueue) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Generation returns the current generation counter.
func (q *MessageQueue) Generation() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.generation
}

func (q *MessageQueue) notifyUpdate(size int) {
	if q.onUpdate != nil {
		q.onUpdate(size)
	}
}

// TextContent wraps plain text into the payload document the queue accepts.
func TextContent(text string) json.RawMessage {
	doc, _ := json.Marshal(map[string]string{"content": text})
	return doc
}
