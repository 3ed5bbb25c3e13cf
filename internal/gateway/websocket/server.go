package websocket

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relayd/relayd/internal/common/logger"
	"github.com/relayd/relayd/internal/hub"
	"github.com/relayd/relayd/pkg/wire"
)

// Server upgrades HTTP requests to websocket connections and hands them to
// the hub.
type Server struct {
	hub      *hub.Hub
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

// NewServer builds the websocket endpoint.
func NewServer(h *hub.Hub, log *logger.Logger) *Server {
	return &Server{
		hub: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The daemon binds locally; cross-origin browsers are expected.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log,
	}
}

// RegisterRoutes mounts the /ws endpoint on a gin router.
func (s *Server) RegisterRoutes(router gin.IRouter) {
	router.GET("/ws", s.handleWS)
}

// handleWS upgrades the connection and registers it with the hub. The
// session scope comes from the `session` query parameter, defaulting to the
// global scope.
func (s *Server) handleWS(c *gin.Context) {
	scope := c.Query("session")
	if scope == "" {
		scope = wire.SessionGlobal
	}
	if err := wire.ValidateScope(scope); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	metadata := map[string]string{
		"remote_addr": c.Request.RemoteAddr,
		"user_agent":  c.Request.UserAgent(),
		"scope":       scope,
	}
	client := NewClient(clientID, conn, s.hub, metadata, s.logger)

	if err := s.hub.Register(client, scope); err != nil {
		s.logger.Error("Failed to register client", zap.Error(err))
		_ = conn.Close()
		return
	}

	s.logger.Info("Client connected",
		zap.String("client_id", clientID),
		zap.String("scope", scope))

	// The request context dies with the HTTP handler; the pumps outlive it.
	go client.WritePump()
	go client.ReadPump(context.Background())
}
