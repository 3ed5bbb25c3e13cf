// Package websocket is the gorilla-backed transport in front of the hub.
// Each connection runs a read pump and a write pump; the hub only ever sees
// the non-blocking ClientConnection surface.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relayd/relayd/internal/common/logger"
	"github.com/relayd/relayd/internal/hub"
	"github.com/relayd/relayd/pkg/wire"
)

const (
	// Time allowed to write a frame to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB

	// Outbound buffer per connection; overflow counts as a failed delivery
	sendBufferSize = 256
)

// ErrSendBufferFull is reported to the hub when a slow client's buffer
// overflows. The frame is dropped, not queued.
var ErrSendBufferFull = errors.New("client send buffer full")

// Client is a single websocket connection. It implements
// hub.ClientConnection.
type Client struct {
	id       string
	conn     *websocket.Conn
	hub      *hub.Hub
	send     chan []byte
	metadata map[string]string
	logger   *logger.Logger

	mu     sync.Mutex
	closed bool
}

// NewClient wraps an upgraded connection. The caller registers it with the
// hub and starts both pumps.
func NewClient(id string, conn *websocket.Conn, h *hub.Hub, metadata map[string]string, log *logger.Logger) *Client {
	return &Client{
		id:       id,
		conn:     conn,
		hub:      h,
		send:     make(chan []byte, sendBufferSize),
		metadata: metadata,
		logger:   log.WithFields(zap.String("client_id", id)),
	}
}

// ID implements hub.ClientConnection.
func (c *Client) ID() string { return c.id }

// Metadata implements hub.ClientConnection.
func (c *Client) Metadata() map[string]string { return c.metadata }

// IsOpen implements hub.ClientConnection.
func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Send implements hub.ClientConnection. It never blocks: a full buffer is a
// delivery failure, the hub counts it and moves on.
//
// The lock is held across the select so teardown cannot close the send
// channel between the closed check and the send. The select never blocks,
// so holding the lock here is safe.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}

	select {
	case c.send <- data:
		return nil
	default:
		c.logger.Warn("Dropping frame for slow client")
		return ErrSendBufferFull
	}
}

// markClosed flips the open flag exactly once and reports whether this call
// did the flip.
func (c *Client) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

// ReadPump consumes frames from the peer and dispatches them through the
// hub. It owns teardown: when the read side ends the client is unregistered
// and the write pump is released by closing the send channel.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c.id)
		if c.markClosed() {
			close(c.send)
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			return
		}

		var frame wire.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Debug("Failed to parse frame", zap.Error(err))
			c.sendError("", "", wire.ErrorCodeBadRequest, "invalid frame")
			continue
		}

		c.handleFrame(ctx, &frame)
	}
}

// handleFrame routes one inbound frame. Subscription management needs the
// client identity and is handled here; everything else goes through the hub
// request path.
func (c *Client) handleFrame(ctx context.Context, frame *wire.Frame) {
	c.logger.Debug("Received frame",
		zap.String("method", frame.Method),
		zap.String("id", frame.ID))

	switch frame.Method {
	case MethodSubscribe:
		c.handleSubscribe(frame)
		return
	case MethodUnsubscribe:
		c.handleUnsubscribe(frame)
		return
	}

	if reply := c.hub.Request(ctx, frame); reply != nil {
		c.sendFrame(reply)
	}
}

// MethodSubscribe and MethodUnsubscribe manage (session, method)
// subscriptions at the connection level.
const (
	MethodSubscribe   = "hub.subscribe"
	MethodUnsubscribe = "hub.unsubscribe"
)

type subscribePayload struct {
	SessionID string   `json:"sessionId"`
	Methods   []string `json:"methods"`
}

func (c *Client) handleSubscribe(frame *wire.Frame) {
	var req subscribePayload
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		c.sendError(frame.ID, frame.Method, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
		return
	}
	if req.SessionID == "" || len(req.Methods) == 0 {
		c.sendError(frame.ID, frame.Method, wire.ErrorCodeValidation, "sessionId and methods are required")
		return
	}

	for _, method := range req.Methods {
		if err := c.hub.Subscribe(c.id, req.SessionID, method); err != nil {
			c.sendError(frame.ID, frame.Method, wire.ErrorCodeValidation, err.Error())
			return
		}
	}

	resp, err := wire.NewResponse(frame.ID, frame.Method, map[string]interface{}{
		"sessionId": req.SessionID,
		"methods":   req.Methods,
	})
	if err != nil {
		c.logger.Error("Failed to build subscribe response", zap.Error(err))
		return
	}
	c.sendFrame(resp)
}

func (c *Client) handleUnsubscribe(frame *wire.Frame) {
	var req subscribePayload
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		c.sendError(frame.ID, frame.Method, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
		return
	}
	if req.SessionID == "" || len(req.Methods) == 0 {
		c.sendError(frame.ID, frame.Method, wire.ErrorCodeValidation, "sessionId and methods are required")
		return
	}

	for _, method := range req.Methods {
		c.hub.Unsubscribe(c.id, req.SessionID, method)
	}

	resp, err := wire.NewResponse(frame.ID, frame.Method, map[string]interface{}{
		"sessionId": req.SessionID,
		"methods":   req.Methods,
	})
	if err != nil {
		c.logger.Error("Failed to build unsubscribe response", zap.Error(err))
		return
	}
	c.sendFrame(resp)
}

func (c *Client) sendFrame(frame *wire.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("Failed to marshal frame", zap.Error(err))
		return
	}
	_ = c.Send(data)
}

func (c *Client) sendError(id, method, code, message string) {
	frame, err := wire.NewError(id, method, code, message, nil)
	if err != nil {
		c.logger.Error("Failed to build error frame", zap.Error(err))
		return
	}
	c.sendFrame(frame)
}

// WritePump drains the send channel to the peer, batching queued frames
// into one websocket message separated by newlines, and keeps the
// connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(data)

			// Batch additional queued frames
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
