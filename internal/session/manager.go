// Package session owns the process-wide session registry. A session has at
// most one Runtime attached; attachment is lazy and eviction is explicit.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/relayd/relayd/internal/agent"
	"github.com/relayd/relayd/internal/common/config"
	"github.com/relayd/relayd/internal/common/logger"
	"github.com/relayd/relayd/internal/events"
	"github.com/relayd/relayd/internal/events/bus"
	"github.com/relayd/relayd/internal/session/models"
	"github.com/relayd/relayd/internal/session/runtime"
	"github.com/relayd/relayd/internal/storage"
	"github.com/relayd/relayd/pkg/wire"
)

// ErrManagerClosed is returned once Close has run.
var ErrManagerClosed = errors.New("session manager is closed")

// Manager maps session ids to live runtimes. There is no LRU: runtimes stay
// attached until Delete, Archive, or Close evicts them.
type Manager struct {
	store       *storage.Store
	bus         bus.EventBus
	factory     agent.QueryFactory
	mcpSettings runtime.MCPSettings
	cfg         config.RuntimeConfig
	logger      *logger.Logger

	mu       sync.Mutex
	runtimes map[string]*runtime.Runtime
	closed   bool

	draftMu sync.Mutex
	drafts  map[draftKey]*pendingDraft
}

type draftKey struct {
	sessionID string
	clientID  string
}

type pendingDraft struct {
	timer *time.Timer
	text  string
}

// NewManager builds an empty registry. Runtimes attach on demand via
// GetOrAttach.
func NewManager(store *storage.Store, eventBus bus.EventBus, factory agent.QueryFactory, mcpSettings runtime.MCPSettings, cfg config.RuntimeConfig, log *logger.Logger) *Manager {
	return &Manager{
		store:       store,
		bus:         eventBus,
		factory:     factory,
		mcpSettings: mcpSettings,
		cfg:         cfg,
		logger:      log,
		runtimes:    make(map[string]*runtime.Runtime),
		drafts:      make(map[draftKey]*pendingDraft),
	}
}

// Get returns the attached runtime for a session, if any.
func (m *Manager) Get(id string) (*runtime.Runtime, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.runtimes[id]
	return rt, ok
}

// GetOrAttach returns the runtime for a session, loading the row and
// attaching a fresh runtime when none exists. Recovery for messages stranded
// by a previous process runs once per attach.
func (m *Manager) GetOrAttach(ctx context.Context, id string) (*runtime.Runtime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if rt, ok := m.runtimes[id]; ok {
		return rt, nil
	}

	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status == models.StatusDeleted {
		return nil, storage.ErrNotFound
	}

	rt := runtime.New(session, m.store, m.bus, m.factory, m.mcpSettings, m.cfg, m.logger)
	runtime.RecoverOrphans(ctx, m.store, id, m.logger)
	m.runtimes[id] = rt

	if err := m.store.TouchSession(ctx, id); err != nil {
		m.logger.Warn("Failed to touch session on attach", zap.String("session_id", id), zap.Error(err))
	}
	return rt, nil
}

// Create persists a new session row and attaches its runtime.
func (m *Manager) Create(ctx context.Context, session *models.Session) (*runtime.Runtime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}

	if err := m.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	rt := runtime.New(session, m.store, m.bus, m.factory, m.mcpSettings, m.cfg, m.logger)
	m.runtimes[session.ID] = rt

	m.publish(events.SessionCreated, wire.SessionGlobal, map[string]interface{}{
		"session": session,
	})
	return rt, nil
}

// Delete tears down the runtime and removes the session row. The row delete
// cascades to messages, drafts, and recurring jobs.
func (m *Manager) Delete(ctx context.Context, id string) error {
	rt := m.evict(id)
	if rt != nil {
		if err := rt.Close(ctx); err != nil {
			m.logger.Warn("Runtime close failed during delete", zap.String("session_id", id), zap.Error(err))
		}
	}
	m.dropPendingDrafts(id)

	if err := m.store.DeleteSession(ctx, id); err != nil {
		return err
	}
	m.publish(events.SessionDeleted, wire.SessionGlobal, map[string]interface{}{
		"session_id": id,
	})
	return nil
}

// Archive tears down the runtime but keeps the row, marked archived. An
// archived session reattaches through GetOrAttach after reactivation.
func (m *Manager) Archive(ctx context.Context, id string) error {
	rt := m.evict(id)
	if rt != nil {
		if err := rt.Close(ctx); err != nil {
			m.logger.Warn("Runtime close failed during archive", zap.String("session_id", id), zap.Error(err))
		}
	}

	if err := m.store.UpdateSessionStatus(ctx, id, models.StatusArchived); err != nil {
		return err
	}
	m.publish(events.SessionArchived, wire.SessionGlobal, map[string]interface{}{
		"session_id": id,
	})
	return nil
}

// List returns session rows, optionally filtered by status.
func (m *Manager) List(ctx context.Context, status models.Status) ([]*models.Session, error) {
	return m.store.ListSessions(ctx, status)
}

// UpdateConfig applies a config mutation. When a runtime is attached the
// mutation runs through it so a live query observes the change; otherwise
// the row is updated directly.
func (m *Manager) UpdateConfig(ctx context.Context, id string, mutate func(cfg *models.Config)) error {
	if rt, ok := m.Get(id); ok {
		return rt.UpdateConfig(ctx, mutate)
	}

	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	mutate(&session.Config)
	if err := m.store.UpdateSessionConfig(ctx, id, session.Config); err != nil {
		return err
	}
	m.publish(events.SessionUpdated, id, map[string]interface{}{
		"session_id": id,
		"source":     "config",
	})
	return nil
}

// SetDraft records pending input text for a (session, client) pair. Writes
// are coalesced: rapid keystrokes collapse into one row update per interval,
// always persisting the latest text. Empty text deletes the row.
func (m *Manager) SetDraft(ctx context.Context, sessionID, clientID, text string) {
	key := draftKey{sessionID: sessionID, clientID: clientID}

	m.draftMu.Lock()
	defer m.draftMu.Unlock()
	if pending, ok := m.drafts[key]; ok {
		pending.text = text
		return
	}

	pending := &pendingDraft{text: text}
	pending.timer = time.AfterFunc(m.cfg.DraftCoalesce(), func() {
		m.flushDraft(key)
	})
	m.drafts[key] = pending
}

// GetDraft returns the persisted draft, folding in any not-yet-flushed text.
func (m *Manager) GetDraft(ctx context.Context, sessionID, clientID string) (*models.Draft, error) {
	key := draftKey{sessionID: sessionID, clientID: clientID}

	m.draftMu.Lock()
	pending, ok := m.drafts[key]
	var text string
	if ok {
		text = pending.text
	}
	m.draftMu.Unlock()

	if ok {
		if text == "" {
			return nil, storage.ErrNotFound
		}
		return &models.Draft{SessionID: sessionID, ClientID: clientID, Text: text, UpdatedAt: time.Now().UTC()}, nil
	}
	return m.store.GetDraft(ctx, sessionID, clientID)
}

func (m *Manager) flushDraft(key draftKey) {
	m.draftMu.Lock()
	pending, ok := m.drafts[key]
	if !ok {
		m.draftMu.Unlock()
		return
	}
	delete(m.drafts, key)
	text := pending.text
	m.draftMu.Unlock()

	draft := &models.Draft{SessionID: key.sessionID, ClientID: key.clientID, Text: text}
	if err := m.store.SaveDraft(context.Background(), draft); err != nil {
		m.logger.Warn("Failed to persist draft",
			zap.String("session_id", key.sessionID),
			zap.String("client_id", key.clientID),
			zap.Error(err))
	}
}

func (m *Manager) dropPendingDrafts(sessionID string) {
	m.draftMu.Lock()
	defer m.draftMu.Unlock()
	for key, pending := range m.drafts {
		if key.sessionID == sessionID {
			pending.timer.Stop()
			delete(m.drafts, key)
		}
	}
}

// Close flushes pending drafts and tears down every runtime. The manager
// rejects further attaches afterwards.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	runtimes := make(map[string]*runtime.Runtime, len(m.runtimes))
	for id, rt := range m.runtimes {
		runtimes[id] = rt
	}
	m.runtimes = make(map[string]*runtime.Runtime)
	m.mu.Unlock()

	m.draftMu.Lock()
	keys := make([]draftKey, 0, len(m.drafts))
	for key, pending := range m.drafts {
		pending.timer.Stop()
		keys = append(keys, key)
	}
	m.draftMu.Unlock()
	for _, key := range keys {
		m.flushDraft(key)
	}

	// Runtimes shut down independently; one slow agent process must not
	// serialize the rest of the teardown.
	var g errgroup.Group
	for id, rt := range runtimes {
		id, rt := id, rt
		g.Go(func() error {
			if err := rt.Close(ctx); err != nil {
				m.logger.Warn("Runtime close failed during shutdown", zap.String("session_id", id), zap.Error(err))
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func (m *Manager) evict(id string) *runtime.Runtime {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt := m.runtimes[id]
	delete(m.runtimes, id)
	return rt
}

func (m *Manager) publish(eventType, scope string, data map[string]interface{}) {
	event := bus.NewEvent(eventType, scope, "session-manager", data)
	if err := m.bus.Publish(context.Background(), eventType, event); err != nil {
		m.logger.Warn("Failed to publish session event", zap.String("type", eventType), zap.Error(err))
	}
}
