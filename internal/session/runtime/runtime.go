package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/relayd/relayd/internal/agent"
	"github.com/relayd/relayd/internal/common/config"
	"github.com/relayd/relayd/internal/common/logger"
	"github.com/relayd/relayd/internal/events"
	"github.com/relayd/relayd/internal/events/bus"
	"github.com/relayd/relayd/internal/session/models"
	"github.com/relayd/relayd/internal/storage"
)

// MCPSettings is the slice of the settings store the runtime needs when the
// disabled MCP server set changes.
type MCPSettings interface {
	SetDisabledServers(servers []string) error
}

// ErrBreakerTripped rejects new input while the circuit breaker is open.
type ErrBreakerTripped struct {
	State BreakerState
}

func (e *ErrBreakerTripped) Error() string {
	if e.State.Message != "" {
		return e.State.Message
	}
	return "circuit breaker tripped"
}

// Runtime owns one live session. All mutation of the session's state runs
// through the runtime; the pump goroutine is the single writer for
// SDK-message-derived state.
type Runtime struct {
	store       *storage.Store
	bus         bus.EventBus
	factory     agent.QueryFactory
	mcpSettings MCPSettings
	cfg         config.RuntimeConfig

	queue          *MessageQueue
	state          *StateManager
	checkpoints    *CheckpointTracker
	breaker        *CircuitBreaker
	contextTracker *ContextTracker

	mu            sync.Mutex
	session       *models.Session
	query         agent.Query
	queryCancel   context.CancelFunc
	queryDone     chan struct{}
	interruptDone chan struct{}
	firstMessage  bool
	localUUIDs    map[string]struct{}

	deltaVersion atomic.Int64
	logger       *logger.Logger
}

// New wires a Runtime for a loaded session. The runtime is passive until the
// first enqueue spawns a query.
func New(session *models.Session, store *storage.Store, eventBus bus.EventBus, factory agent.QueryFactory, mcpSettings MCPSettings, cfg config.RuntimeConfig, log *logger.Logger) *Runtime {
	r := &Runtime{
		store:       store,
		bus:         eventBus,
		factory:     factory,
		mcpSettings: mcpSettings,
		cfg:         cfg,
		session:     session,
		localUUIDs:  make(map[string]struct{}),
		logger:      log.WithSessionID(session.ID),
	}

	r.queue = NewMessageQueue(session.ID, cfg.QueueTimeout(), func(size int) {
		r.publish(events.SessionQueueUpdated, map[string]interface{}{"size": size})
	})
	r.state = NewStateManager(func(phase Phase) {
		r.publish(events.SessionPhaseChanged, map[string]interface{}{"phase": string(phase)})
	})
	r.checkpoints = NewCheckpointTracker(session.ID, func(cp *models.Checkpoint) {
		r.publish(events.CheckpointCreated, map[string]interface{}{"checkpoint": cp})
	})
	r.contextTracker = NewContextTracker(func(usage ContextUsage) {
		r.publish(events.SessionContextUpdated, map[string]interface{}{
			"used_tokens": usage.UsedTokens,
			"max_tokens":  usage.MaxTokens,
			"percent":     usage.Percent,
		})
	})
	r.breaker = NewCircuitBreaker(cfg.ErrorThreshold, cfg.RapidFireThreshold, cfg.RapidFireWindow(), r.onBreakerTrip)
	return r
}

// Session returns a snapshot of the session row.
func (r *Runtime) Session() models.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.session
}

// State returns the lifecycle state.
func (r *Runtime) State() State { return r.state.State() }

// Queue exposes the message queue for introspection.
func (r *Runtime) Queue() *MessageQueue { return r.queue }

// Checkpoints exposes the checkpoint tracker.
func (r *Runtime) Checkpoints() *CheckpointTracker { return r.checkpoints }

// Breaker exposes the circuit breaker.
func (r *Runtime) Breaker() *CircuitBreaker { return r.breaker }

// ContextTracker exposes the context usage tracker.
func (r *Runtime) ContextTracker() *ContextTracker { return r.contextTracker }

// Enqueue accepts user input. The returned future resolves when the query
// consumes the message. Input is rejected while the breaker is tripped,
// except internal commands.
func (r *Runtime) Enqueue(ctx context.Context, content []byte, internal bool) (string, <-chan error, error) {
	if !internal {
		if state := r.breaker.GetState(); state.Tripped {
			return "", nil, &ErrBreakerTripped{State: state}
		}
	}

	id, done := r.queue.Enqueue(content, internal)

	r.mu.Lock()
	r.localUUIDs[id] = struct{}{}
	r.mu.Unlock()

	// Persist immediately so a crashed attempt leaves a recoverable row.
	msg := &agent.Message{
		UUID:        id,
		SessionID:   r.sessionID(),
		Type:        agent.MessageTypeUser,
		TimestampMs: time.Now().UnixMilli(),
		Internal:    internal,
		Status:      agent.StatusQueued,
		Payload:     content,
	}
	if err := r.store.SaveMessage(ctx, msg); err != nil {
		r.logger.Warn("Failed to persist queued message", zap.Error(err))
	}

	if err := r.ensureQueryStarted(ctx); err != nil {
		return id, done, err
	}
	return id, done, nil
}

// ensureQueryStarted spawns the agent query and its pump unless one is
// already in flight.
func (r *Runtime) ensureQueryStarted(ctx context.Context) error {
	r.mu.Lock()
	if r.query != nil {
		r.mu.Unlock()
		return nil
	}

	r.state.SetState(StateStarting)
	r.queue.Start()
	spec := querySpec(r.session)
	r.firstMessage = false

	queryCtx, cancel := context.WithCancel(context.Background())
	query, err := r.factory.Start(queryCtx, spec)
	if err != nil {
		cancel()
		r.state.SetState(StateIdle)
		r.queue.Stop()
		r.mu.Unlock()

		r.logger.Error("Failed to start agent query", zap.Error(err))
		r.injectUpstreamFailure(ctx, err)
		return fmt.Errorf("failed to start agent query: %w", err)
	}

	r.query = query
	r.queryCancel = cancel
	done := make(chan struct{})
	r.queryDone = done
	r.mu.Unlock()

	go r.sendLoop(queryCtx, query)
	go r.pump(query, done)
	return nil
}

// sendLoop drains the queue generator into the query. OnSent fires after the
// SDK accepted the prompt; send failures are re-injected into the message
// stream so the breaker sees them.
func (r *Runtime) sendLoop(ctx context.Context, query agent.Query) {
	for item := range r.queue.Generator() {
		prompt := &agent.Prompt{
			UUID:            item.Message.UUID,
			SessionID:       item.Message.SessionID,
			Content:         item.Message.Content,
			ParentToolUseID: item.Message.ParentToolUseID,
			Internal:        item.Message.Internal,
		}
		err := query.Send(ctx, prompt)
		item.OnSent()
		if err != nil {
			r.logger.Warn("Failed to send prompt to agent", zap.Error(err))
			r.injectUpstreamFailure(context.Background(), err)
			continue
		}
		r.markMessageStatus(item.Message.UUID, agent.StatusSent)
	}
}

// pump consumes the SDK message stream. Each message is fully handled before
// the next is read; a per-message recover keeps one bad message from killing
// the session.
func (r *Runtime) pump(query agent.Query, done chan struct{}) {
	defer close(done)
	ctx := context.Background()

	for msg := range query.Messages() {
		r.mu.Lock()
		if !r.firstMessage {
			r.firstMessage = true
			r.state.MarkProcessing()
		}
		r.mu.Unlock()

		r.handleMessageSafe(ctx, msg)
	}

	r.finalizeQuery(query)
}

func (r *Runtime) handleMessageSafe(ctx context.Context, msg *agent.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Message handler panicked",
				zap.String("uuid", msg.UUID), zap.Any("panic", rec))
		}
	}()
	r.handleMessage(ctx, msg)
}

// finalizeQuery releases the query after its stream ended.
func (r *Runtime) finalizeQuery(query agent.Query) {
	r.mu.Lock()
	if r.query == query {
		r.query = nil
		if r.queryCancel != nil {
			r.queryCancel()
			r.queryCancel = nil
		}
		r.queue.Stop()
		if r.state.State() != StateInterrupted {
			r.state.SetState(StateIdle)
		}
	}
	r.mu.Unlock()

	_ = query.Close()
}

// Interrupt stops the in-flight query, clears pending input, and returns the
// session to idle. Concurrent interrupts coalesce onto one completion; an
// interrupt on an idle session is a no-op.
func (r *Runtime) Interrupt(ctx context.Context) error {
	state := r.state.State()
	if state == StateIdle || state == StateInterrupted {
		if state == StateInterrupted {
			// Coalesce onto the in-flight interrupt.
			r.mu.Lock()
			done := r.interruptDone
			r.mu.Unlock()
			if done != nil {
				select {
				case <-done:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		}
		r.logger.Debug("Interrupt ignored: session idle")
		return nil
	}

	r.mu.Lock()
	if r.interruptDone != nil {
		done := r.interruptDone
		r.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}
	interruptDone := make(chan struct{})
	r.interruptDone = interruptDone
	r.state.SetState(StateInterrupted)

	query := r.query
	cancel := r.queryCancel
	queryDone := r.queryDone
	r.queryCancel = nil
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.interruptDone = nil
		r.mu.Unlock()
		close(interruptDone)
	}()

	if r.queue.Size() > 0 {
		r.queue.Clear()
	}
	if cancel != nil {
		cancel()
	}
	if query != nil {
		if err := query.Interrupt(ctx); err != nil {
			r.logger.Warn("SDK interrupt failed", zap.Error(err))
		}
	}
	if queryDone != nil {
		select {
		case <-queryDone:
		case <-ctx.Done():
			r.logger.Warn("Interrupt timed out awaiting query shutdown")
		}
	}

	r.mu.Lock()
	r.query = nil
	r.queryDone = nil
	r.mu.Unlock()
	r.queue.Stop()

	r.publish(events.SessionInterrupted, nil)
	r.state.SetState(StateIdle)
	return nil
}

// RestartQuery tears down the current query; the next enqueue starts a fresh
// one with the current configuration.
func (r *Runtime) RestartQuery(ctx context.Context) error {
	r.mu.Lock()
	query := r.query
	cancel := r.queryCancel
	queryDone := r.queryDone
	r.query = nil
	r.queryCancel = nil
	r.queryDone = nil
	r.mu.Unlock()

	if query == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	_ = query.Close()
	if queryDone != nil {
		select {
		case <-queryDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.queue.Stop()
	r.state.SetState(StateIdle)
	return nil
}

// Close shuts the runtime down; pending input is rejected.
func (r *Runtime) Close(ctx context.Context) error {
	r.queue.Clear()
	err := r.RestartQuery(ctx)
	r.queue.Stop()
	return err
}

// onBreakerTrip publishes the trip and feeds the learned context limit back
// into the tracker.
func (r *Runtime) onBreakerTrip(state BreakerState) {
	r.logger.Warn("Circuit breaker tripped",
		zap.String("kind", string(state.Kind)),
		zap.Int("trip_count", state.TripCount))

	if state.Kind == ErrorKindContextOverflow && state.MaxTokens > 0 {
		r.contextTracker.SetMaxTokens(state.MaxTokens)
	}
	r.publish(events.BreakerTripped, map[string]interface{}{
		"tripped":    state.Tripped,
		"trip_count": state.TripCount,
		"kind":       string(state.Kind),
		"message":    state.Message,
	})
}

// injectUpstreamFailure records an SDK call failure as a user message with
// the stderr marker so the breaker and subscribers see it.
func (r *Runtime) injectUpstreamFailure(ctx context.Context, cause error) {
	text := fmt.Sprintf("<%s>%s</%s>",
		agent.LocalCommandStderrMarker, cause.Error(), agent.LocalCommandStderrMarker)
	payload, err := json.Marshal(map[string]string{"content": text})
	if err != nil {
		return
	}
	msg := &agent.Message{
		SessionID:   r.sessionID(),
		Type:        agent.MessageTypeUser,
		TimestampMs: time.Now().UnixMilli(),
		IsSynthetic: true,
		Status:      agent.StatusSaved,
		Payload:     payload,
	}
	r.handleMessageSafe(ctx, msg)
}

// markMessageStatus updates a locally-persisted message row by uuid.
func (r *Runtime) markMessageStatus(uuid string, status agent.PersistStatus) {
	ctx := context.Background()
	msg, err := r.store.GetMessageByUUID(ctx, r.sessionID(), uuid)
	if err != nil {
		return
	}
	if err := r.store.UpdateMessageStatus(ctx, msg.DBID, status); err != nil {
		r.logger.Warn("Failed to update message status",
			zap.String("uuid", uuid), zap.Error(err))
	}
}

func (r *Runtime) sessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session.ID
}

// publish emits an event on the internal bus, scoped to the session.
func (r *Runtime) publish(eventType string, data map[string]interface{}) {
	event := bus.NewEvent(eventType, r.sessionID(), "session-runtime", data)
	if err := r.bus.Publish(context.Background(), eventType, event); err != nil {
		r.logger.Warn("Failed to publish event",
			zap.String("event_type", eventType), zap.Error(err))
	}
}

// querySpec builds the SDK start spec from the persisted config.
func querySpec(session *models.Session) agent.QuerySpec {
	cfg := session.Config
	return agent.QuerySpec{
		SessionID:         session.ID,
		Model:             cfg.Model,
		FallbackModel:     cfg.FallbackModel,
		MaxTurns:          cfg.MaxTurns,
		MaxBudgetUSD:      cfg.MaxBudgetUSD,
		MaxThinkingTokens: cfg.MaxThinkingTokens,
		ThinkingLevel:     cfg.ThinkingLevel,
		SystemPrompt:      cfg.SystemPrompt,
		AllowedTools:      cfg.AllowedTools,
		DisallowedTools:   cfg.DisallowedTools,
		PermissionMode:    cfg.PermissionMode,
		OutputFormat:      cfg.OutputFormat,
		Betas:             cfg.Betas,
		Env:               cfg.Env,
		MCPServers:        cfg.MCPServers,
		DisabledMCP:       cfg.DisabledMCP,
		WorkspacePath:     session.WorkspacePath,
	}
}
