package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/relayd/relayd/internal/common/logger"
	"github.com/relayd/relayd/internal/events"
	"github.com/relayd/relayd/internal/events/bus"
	"github.com/relayd/relayd/internal/hub"
	"github.com/relayd/relayd/pkg/wire"
)

// Bridge forwards internal bus events onto the hub. Services publish to the
// bus without knowing about client connections; the bridge is the single
// point where bus scope becomes hub session scope.
type Bridge struct {
	bus    bus.EventBus
	hub    *hub.Hub
	logger *logger.Logger
	subs   []bus.Subscription
}

// NewBridge wires the forwarding. Nothing is subscribed until Start.
func NewBridge(eventBus bus.EventBus, h *hub.Hub, log *logger.Logger) *Bridge {
	return &Bridge{bus: eventBus, hub: h, logger: log}
}

// Start subscribes the bridged subject wildcards.
func (b *Bridge) Start() error {
	for _, subject := range events.BridgedSubjects {
		sub, err := b.bus.Subscribe(subject, b.forward)
		if err != nil {
			b.Stop()
			return err
		}
		b.subs = append(b.subs, sub)
	}
	return nil
}

// Stop drops the bus subscriptions.
func (b *Bridge) Stop() {
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
}

// forward republishes one bus event to hub subscribers. An empty scope maps
// to the global session; delivery failures are already counted by the hub.
func (b *Bridge) forward(ctx context.Context, event *bus.Event) error {
	scope := event.Scope
	if scope == "" {
		scope = wire.SessionGlobal
	}

	report, err := b.hub.PublishEvent(scope, event.Type, event.Data)
	if err != nil {
		b.logger.Warn("Failed to forward event to hub",
			zap.String("type", event.Type),
			zap.String("scope", scope),
			zap.Error(err))
		return nil // a bad event must not poison the bus subscription
	}

	if report.Failed > 0 {
		b.logger.Debug("Event delivery incomplete",
			zap.String("type", event.Type),
			zap.String("scope", scope),
			zap.Int("sent", report.Sent),
			zap.Int("failed", report.Failed))
	}
	return nil
}
