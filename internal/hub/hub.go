// Package hub implements the transport-agnostic message router: request
// dispatch with deduplication, and per-(session, method) event fan-out.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relayd/relayd/internal/common/cache"
	"github.com/relayd/relayd/internal/common/config"
	"github.com/relayd/relayd/internal/common/logger"
	"github.com/relayd/relayd/pkg/wire"
)

// DeliveryReport is the per-publish routing statistic.
type DeliveryReport struct {
	SessionID        string `json:"sessionId"`
	Method           string `json:"method"`
	Sent             int    `json:"sent"`
	Failed           int    `json:"failed"`
	TotalSubscribers int    `json:"totalSubscribers"`
}

// Hub routes requests to registered handlers and fans events out to
// subscribed connections. The subscription index is a two-level map
// (session -> method -> client ids) with a reverse map for O(1) cleanup;
// empty inner containers are removed eagerly.
type Hub struct {
	mu sync.RWMutex

	clients       map[string]ClientConnection
	subscriptions map[string]map[string]map[string]struct{} // session -> method -> clientID
	bySubscriber  map[string]map[string]map[string]struct{} // clientID -> session -> method

	dispatcher *wire.Dispatcher
	dedup      *cache.LRU
	idempotent map[string]bool

	cfg    config.HubConfig
	logger *logger.Logger
}

// New creates a Hub with the given dispatcher and configuration.
func New(dispatcher *wire.Dispatcher, cfg config.HubConfig, log *logger.Logger) *Hub {
	return &Hub{
		clients:       make(map[string]ClientConnection),
		subscriptions: make(map[string]map[string]map[string]struct{}),
		bySubscriber:  make(map[string]map[string]map[string]struct{}),
		dispatcher:    dispatcher,
		dedup:         cache.NewLRU(cfg.DedupCacheSize, cfg.DedupTTL(), cfg.SweepInterval(), log),
		idempotent:    make(map[string]bool),
		cfg:           cfg,
		logger:        log.WithFields(zap.String("component", "hub")),
	}
}

// Dispatcher returns the request dispatcher for handler registration.
func (h *Hub) Dispatcher() *wire.Dispatcher {
	return h.dispatcher
}

// MarkIdempotent flags a method as a cacheable read: repeated requests with
// the same session and payload within the dedup TTL return the cached reply.
func (h *Hub) MarkIdempotent(methods ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range methods {
		h.idempotent[m] = true
	}
}

// Register adds a connection and auto-subscribes it per policy: the global
// method list for "global" joins, the session method list otherwise.
func (h *Hub) Register(conn ClientConnection, sessionID string) error {
	if err := wire.ValidateScope(sessionID); err != nil {
		return err
	}

	h.mu.Lock()
	h.clients[conn.ID()] = conn
	h.mu.Unlock()

	methods := h.cfg.SessionAutoMethods
	if sessionID == wire.SessionGlobal {
		methods = h.cfg.GlobalAutoMethods
	}
	for _, method := range methods {
		if err := h.Subscribe(conn.ID(), sessionID, method); err != nil {
			return err
		}
	}

	h.logger.Debug("Client registered",
		zap.String("client_id", conn.ID()),
		zap.String("session_id", sessionID))
	return nil
}

// Unregister removes a connection and all of its subscriptions.
func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.clients, clientID)
	for sessionID, methods := range h.bySubscriber[clientID] {
		for method := range methods {
			h.dropSubscriptionLocked(sessionID, method, clientID)
		}
	}
	delete(h.bySubscriber, clientID)

	h.logger.Debug("Client unregistered", zap.String("client_id", clientID))
}

// Subscribe adds a (session, method) subscription for a client. Subscribing
// twice is a no-op.
func (h *Hub) Subscribe(clientID, sessionID, method string) error {
	if err := wire.ValidateScope(sessionID); err != nil {
		return fmt.Errorf("invalid session id %q: %w", sessionID, err)
	}
	if err := wire.ValidateName(method); err != nil {
		return fmt.Errorf("invalid method %q: %w", method, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subscriptions[sessionID]; !ok {
		h.subscriptions[sessionID] = make(map[string]map[string]struct{})
	}
	if _, ok := h.subscriptions[sessionID][method]; !ok {
		h.subscriptions[sessionID][method] = make(map[string]struct{})
	}
	h.subscriptions[sessionID][method][clientID] = struct{}{}

	if _, ok := h.bySubscriber[clientID]; !ok {
		h.bySubscriber[clientID] = make(map[string]map[string]struct{})
	}
	if _, ok := h.bySubscriber[clientID][sessionID]; !ok {
		h.bySubscriber[clientID][sessionID] = make(map[string]struct{})
	}
	h.bySubscriber[clientID][sessionID][method] = struct{}{}
	return nil
}

// Unsubscribe removes a (session, method) subscription for a client.
func (h *Hub) Unsubscribe(clientID, sessionID, method string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.dropSubscriptionLocked(sessionID, method, clientID)

	if sessions, ok := h.bySubscriber[clientID]; ok {
		if methods, ok := sessions[sessionID]; ok {
			delete(methods, method)
			if len(methods) == 0 {
				delete(sessions, sessionID)
			}
		}
		if len(sessions) == 0 {
			delete(h.bySubscriber, clientID)
		}
	}
}

// dropSubscriptionLocked removes one forward-index entry, pruning emptied
// containers.
func (h *Hub) dropSubscriptionLocked(sessionID, method, clientID string) {
	methods, ok := h.subscriptions[sessionID]
	if !ok {
		return
	}
	subscribers, ok := methods[method]
	if !ok {
		return
	}
	delete(subscribers, clientID)
	if len(subscribers) == 0 {
		delete(methods, method)
	}
	if len(methods) == 0 {
		delete(h.subscriptions, sessionID)
	}
}

// Subscribers returns the client ids subscribed to a (session, method) tuple.
func (h *Hub) Subscribers(sessionID, method string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	subscribers := h.subscriptions[sessionID][method]
	ids := make([]string, 0, len(subscribers))
	for id := range subscribers {
		ids = append(ids, id)
	}
	return ids
}

// ClientCount returns the number of registered connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PublishEvent serializes the payload once and delivers it to every open
// subscriber of (sessionID, method). Send failures are counted; the
// subscription is retained since reconnection is the transport's problem.
func (h *Hub) PublishEvent(sessionID, method string, payload interface{}) (DeliveryReport, error) {
	report := DeliveryReport{SessionID: sessionID, Method: method}

	if err := wire.ValidateScope(sessionID); err != nil {
		return report, err
	}
	if err := wire.ValidateName(method); err != nil {
		return report, err
	}

	h.mu.RLock()
	subscribers := h.subscriptions[sessionID][method]
	conns := make([]ClientConnection, 0, len(subscribers))
	for id := range subscribers {
		if conn, ok := h.clients[id]; ok {
			conns = append(conns, conn)
		}
	}
	h.mu.RUnlock()

	report.TotalSubscribers = len(conns)
	if len(conns) == 0 {
		return report, nil
	}

	frame, err := wire.NewEvent(sessionID, method, payload)
	if err != nil {
		return report, fmt.Errorf("failed to serialize event payload: %w", err)
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return report, fmt.Errorf("failed to serialize event frame: %w", err)
	}

	for _, conn := range conns {
		if !conn.IsOpen() {
			report.Failed++
			continue
		}
		if err := conn.Send(data); err != nil {
			report.Failed++
			continue
		}
		report.Sent++
	}

	if report.Failed > 0 {
		h.logger.Debug("Event delivery incomplete",
			zap.String("session_id", sessionID),
			zap.String("method", method),
			zap.Int("sent", report.Sent),
			zap.Int("failed", report.Failed))
	}
	return report, nil
}

// Request dispatches a request frame to its handler and returns the reply
// frame. Handler panics become ERROR frames; idempotent methods are answered
// from the dedup cache when a matching request was served within the TTL.
func (h *Hub) Request(ctx context.Context, frame *wire.Frame) *wire.Frame {
	if frame.SessionID != "" && frame.SessionID != wire.SessionGlobal {
		if err := wire.ValidateScope(frame.SessionID); err != nil {
			return h.errorFrame(frame, wire.ErrorCodeValidation, err.Error())
		}
	}
	if err := wire.ValidateName(frame.Method); err != nil {
		return h.errorFrame(frame, wire.ErrorCodeValidation, err.Error())
	}

	h.mu.RLock()
	cacheable := h.idempotent[frame.Method]
	h.mu.RUnlock()

	var key string
	if cacheable {
		key = dedupKey(frame.Method, frame.SessionID, frame.Payload)
		if cached, ok := h.dedup.Get(key); ok {
			reply := cached.(*wire.Frame)
			// Re-correlate the cached reply with this request.
			copied := *reply
			copied.ID = frame.ID
			return &copied
		}
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.RequestTimeoutDuration())
	defer cancel()

	reply := h.dispatch(ctx, frame)
	if cacheable && reply.Type == wire.FrameTypeResponse {
		h.dedup.Set(key, reply)
	}
	return reply
}

// dispatch invokes the handler with panic containment.
func (h *Hub) dispatch(ctx context.Context, frame *wire.Frame) *wire.Frame {
	type result struct {
		frame *wire.Frame
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("Handler panicked",
					zap.String("method", frame.Method),
					zap.Any("panic", r))
				done <- result{frame: nil, err: fmt.Errorf("internal error")}
			}
		}()
		f, err := h.dispatcher.Dispatch(ctx, frame)
		done <- result{frame: f, err: err}
	}()

	select {
	case <-ctx.Done():
		h.logger.Warn("Request timed out",
			zap.String("method", frame.Method),
			zap.String("session_id", frame.SessionID),
			zap.Duration("timeout", h.cfg.RequestTimeoutDuration()))
		return h.errorFrame(frame, wire.ErrorCodeTimeout, "request timed out")
	case res := <-done:
		if res.err != nil {
			return h.errorFrame(frame, wire.ErrorCodeInternal, res.err.Error())
		}
		if res.frame == nil {
			return h.errorFrame(frame, wire.ErrorCodeInternal, "handler returned no reply")
		}
		return res.frame
	}
}

func (h *Hub) errorFrame(req *wire.Frame, code, message string) *wire.Frame {
	frame, err := wire.NewError(req.ID, req.Method, code, message, nil)
	if err != nil {
		// ErrorPayload marshaling cannot realistically fail; keep the
		// correlation id at minimum.
		return &wire.Frame{ID: req.ID, Type: wire.FrameTypeError, Method: req.Method, Timestamp: time.Now().UTC()}
	}
	return frame
}

// Close stops the dedup sweeper and drops all connections and subscriptions.
func (h *Hub) Close() {
	h.dedup.Destroy()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients = make(map[string]ClientConnection)
	h.subscriptions = make(map[string]map[string]map[string]struct{})
	h.bySubscriber = make(map[string]map[string]map[string]struct{})
}
