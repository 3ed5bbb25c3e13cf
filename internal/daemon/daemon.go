// Package daemon is the composition root: it builds the storage, bus, hub,
// session manager, scheduler, goal service, and settings manager, registers
// every request handler, and owns ordered startup and shutdown.
package daemon

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/relayd/relayd/internal/agent"
	"github.com/relayd/relayd/internal/common/config"
	"github.com/relayd/relayd/internal/common/logger"
	"github.com/relayd/relayd/internal/events"
	"github.com/relayd/relayd/internal/events/bus"
	"github.com/relayd/relayd/internal/gateway/websocket"
	"github.com/relayd/relayd/internal/goal"
	"github.com/relayd/relayd/internal/hub"
	"github.com/relayd/relayd/internal/scheduler"
	"github.com/relayd/relayd/internal/session"
	"github.com/relayd/relayd/internal/session/runtime"
	"github.com/relayd/relayd/internal/settings"
	"github.com/relayd/relayd/internal/storage"
	"github.com/relayd/relayd/pkg/wire"
)

// Daemon wires the subsystems together.
type Daemon struct {
	cfg    *config.Config
	logger *logger.Logger

	store      *storage.Store
	bus        bus.EventBus
	busCleanup func() error
	hub        *hub.Hub
	manager    *session.Manager
	scheduler  *scheduler.Scheduler
	goals      *goal.Service
	settings   *settings.Manager
	bridge     *websocket.Bridge
	wsServer   *websocket.Server
}

// New builds the daemon. The query factory is injected so the hosting binary
// chooses how agent queries are spawned.
func New(cfg *config.Config, store *storage.Store, factory agent.QueryFactory, log *logger.Logger) (*Daemon, error) {
	settingsMgr, err := settings.NewManager(cfg.Settings.Path, log)
	if err != nil {
		return nil, err
	}

	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:        cfg,
		logger:     log,
		store:      store,
		bus:        eventBus,
		busCleanup: busCleanup,
		settings:   settingsMgr,
	}

	d.manager = session.NewManager(store, eventBus, factory, settingsMgr, cfg.Runtime, log)
	d.scheduler = scheduler.New(store, eventBus, log)
	d.goals = goal.NewService(store, eventBus, log)

	dispatcher := wire.NewDispatcher()
	d.registerSessionHandlers(dispatcher)
	d.registerMessageHandlers(dispatcher)
	d.registerConfigHandlers(dispatcher)
	d.registerGoalHandlers(dispatcher)
	d.registerJobHandlers(dispatcher)
	d.registerSettingsHandlers(dispatcher)

	d.hub = hub.New(dispatcher, cfg.Hub, log)
	// Expensive reads whose replies can be served from the dedup cache when
	// clients re-request within the TTL. Fast-moving state (queue size,
	// breaker) is deliberately not cached.
	d.hub.MarkIdempotent(
		"session.export",
		"message.sdkMessages",
	)

	d.bridge = websocket.NewBridge(eventBus, d.hub, log)
	d.wsServer = websocket.NewServer(d.hub, log)
	return d, nil
}

// Hub exposes the message hub.
func (d *Daemon) Hub() *hub.Hub { return d.hub }

// Manager exposes the session registry.
func (d *Daemon) Manager() *session.Manager { return d.manager }

// Scheduler exposes the recurring job scheduler.
func (d *Daemon) Scheduler() *scheduler.Scheduler { return d.scheduler }

// Goals exposes the goal service.
func (d *Daemon) Goals() *goal.Service { return d.goals }

// Settings exposes the settings manager.
func (d *Daemon) Settings() *settings.Manager { return d.settings }

// Bus exposes the event bus.
func (d *Daemon) Bus() bus.EventBus { return d.bus }

// RegisterRoutes mounts the websocket endpoint.
func (d *Daemon) RegisterRoutes(router gin.IRouter) {
	d.wsServer.RegisterRoutes(router)
}

// Start brings up the bridge and the scheduler.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.bridge.Start(); err != nil {
		return err
	}
	if d.cfg.Scheduler.Enabled {
		if err := d.scheduler.Start(ctx); err != nil {
			return err
		}
	}
	d.logger.Info("Daemon started")
	return nil
}

// Stop tears down in reverse dependency order: no new timer firings, no new
// bridged events, then sessions, then the hub and the bus.
func (d *Daemon) Stop(ctx context.Context) error {
	d.scheduler.Stop()
	d.bridge.Stop()

	if err := d.manager.Close(ctx); err != nil {
		d.logger.Warn("Session manager shutdown incomplete", zap.Error(err))
	}

	d.hub.Close()
	if d.busCleanup != nil {
		if err := d.busCleanup(); err != nil {
			d.logger.Warn("Event bus shutdown failed", zap.Error(err))
		}
	}
	d.logger.Info("Daemon stopped")
	return nil
}

// publishEvent puts a daemon-originated event on the bus; the bridge fans it
// out to hub subscribers.
func (d *Daemon) publishEvent(eventType, scope string, data map[string]interface{}) {
	event := bus.NewEvent(eventType, scope, "daemon", data)
	if err := d.bus.Publish(context.Background(), eventType, event); err != nil {
		d.logger.Warn("Failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}

// respond builds a RESPONSE frame, turning marshal failures into internal
// errors at the hub layer.
func respond(frame *wire.Frame, payload interface{}) (*wire.Frame, error) {
	return wire.NewResponse(frame.ID, frame.Method, payload)
}

// fail builds a typed ERROR frame reply.
func fail(frame *wire.Frame, code, message string) (*wire.Frame, error) {
	return wire.NewError(frame.ID, frame.Method, code, message, nil)
}

// failErr maps service errors onto wire error codes.
func failErr(frame *wire.Frame, err error) (*wire.Frame, error) {
	var tripped *runtime.ErrBreakerTripped
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return fail(frame, wire.ErrorCodeNotFound, err.Error())
	case errors.As(err, &tripped):
		return fail(frame, wire.ErrorCodeTripped, tripped.Error())
	case errors.Is(err, session.ErrManagerClosed), errors.Is(err, scheduler.ErrStopped):
		return fail(frame, wire.ErrorCodeNotConnected, err.Error())
	default:
		return fail(frame, wire.ErrorCodeInternal, err.Error())
	}
}

// decode parses a request payload, treating an empty payload as an empty
// object.
func decode(frame *wire.Frame, into interface{}) error {
	if len(frame.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(frame.Payload, into)
}
