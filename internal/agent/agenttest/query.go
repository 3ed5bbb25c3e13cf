// Package agenttest provides a scripted agent query for runtime tests.
package agenttest

import (
	"context"
	"sync"

	"github.com/relayd/relayd/internal/agent"
)

// Query is a scripted agent.Query. Tests emit SDK messages through Emit and
// inspect recorded calls.
type Query struct {
	mu sync.Mutex

	messages chan *agent.Message
	closed   bool

	Sent            []*agent.Prompt
	Interrupts      int
	ModelCalls      []string
	ThinkingCalls   []int
	PermissionCalls []string
	MCPStatuses     []agent.MCPServerStatus

	// Optional error injection
	SendErr      error
	InterruptErr error
}

// NewQuery creates a scripted query with a buffered message stream.
func NewQuery() *Query {
	return &Query{messages: make(chan *agent.Message, 64)}
}

// Emit pushes an SDK message onto the stream.
func (q *Query) Emit(msg *agent.Message) {
	q.messages <- msg
}

// Finish closes the message stream, ending the consumer's pump.
func (q *Query) Finish() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.messages)
	}
}

func (q *Query) Messages() <-chan *agent.Message { return q.messages }

func (q *Query) Send(ctx context.Context, prompt *agent.Prompt) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.SendErr != nil {
		return q.SendErr
	}
	q.Sent = append(q.Sent, prompt)
	return nil
}

func (q *Query) Interrupt(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.Interrupts++
	return q.InterruptErr
}

func (q *Query) SetModel(ctx context.Context, model string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ModelCalls = append(q.ModelCalls, model)
	return nil
}

func (q *Query) SetMaxThinkingTokens(ctx context.Context, tokens int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ThinkingCalls = append(q.ThinkingCalls, tokens)
	return nil
}

func (q *Query) SetPermissionMode(ctx context.Context, mode string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.PermissionCalls = append(q.PermissionCalls, mode)
	return nil
}

func (q *Query) MCPServerStatus(ctx context.Context) ([]agent.MCPServerStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.MCPStatuses, nil
}

func (q *Query) Close() error {
	q.Finish()
	return nil
}

// SentPrompts returns a copy of the prompts recorded so far.
func (q *Query) SentPrompts() []*agent.Prompt {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*agent.Prompt(nil), q.Sent...)
}

// InterruptCount returns the number of recorded interrupts.
func (q *Query) InterruptCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.Interrupts
}

// Factory is a agent.QueryFactory returning pre-built scripted queries in
// order. Start panics when the script runs out.
type Factory struct {
	mu      sync.Mutex
	Queries []*Query
	Started []agent.QuerySpec
	next    int
}

// NewFactory creates a factory that will hand out the given queries.
func NewFactory(queries ...*Query) *Factory {
	return &Factory{Queries: queries}
}

func (f *Factory) Start(ctx context.Context, spec agent.QuerySpec) (agent.Query, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Started = append(f.Started, spec)
	if f.next >= len(f.Queries) {
		panic("agenttest: no scripted query left")
	}
	q := f.Queries[f.next]
	f.next++
	return q, nil
}

// StartedCount returns how many queries were started.
func (f *Factory) StartedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Started)
}
