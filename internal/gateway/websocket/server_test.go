package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayd/relayd/internal/common/config"
	"github.com/relayd/relayd/internal/common/logger"
	"github.com/relayd/relayd/internal/hub"
	"github.com/relayd/relayd/pkg/wire"
)

type serverFixture struct {
	hub    *hub.Hub
	server *httptest.Server
}

func setupServer(t *testing.T, hubCfg config.HubConfig) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	dispatcher := wire.NewDispatcher()
	dispatcher.RegisterFunc("daemon.ping", func(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
		return wire.NewResponse(frame.ID, frame.Method, map[string]interface{}{"pong": true})
	})

	h := hub.New(dispatcher, hubCfg, log)
	t.Cleanup(h.Close)

	router := gin.New()
	NewServer(h, log).RegisterRoutes(router)
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	return &serverFixture{hub: h, server: ts}
}

func dial(t *testing.T, ts *httptest.Server, query string) *gorilla.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	conn, resp, err := gorilla.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readFrames reads one websocket message and splits the newline batch.
func readFrames(t *testing.T, conn *gorilla.Conn) []wire.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frames []wire.Frame
	for _, chunk := range bytes.Split(data, []byte{'\n'}) {
		var frame wire.Frame
		require.NoError(t, json.Unmarshal(chunk, &frame))
		frames = append(frames, frame)
	}
	return frames
}

func testHubConfig() config.HubConfig {
	return config.HubConfig{
		DedupCacheSize:  16,
		DedupTTLSeconds: 60,
		SweepSeconds:    30,
		RequestTimeout:  5,
	}
}

func TestServerRequestResponse(t *testing.T) {
	f := setupServer(t, testHubConfig())
	conn := dial(t, f.server, "")

	req, err := wire.NewRequest("req-1", "", "daemon.ping", nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))

	frames := readFrames(t, conn)
	require.Len(t, frames, 1)
	assert.Equal(t, wire.FrameTypeResponse, frames[0].Type)
	assert.Equal(t, "req-1", frames[0].ID)
	assert.JSONEq(t, `{"pong":true}`, string(frames[0].Payload))
}

func TestServerAutoSubscribeDeliversEvents(t *testing.T) {
	cfg := testHubConfig()
	cfg.SessionAutoMethods = []string{"sdk.message"}
	f := setupServer(t, cfg)

	conn := dial(t, f.server, "?session=sess-1")
	waitForClients(t, f.hub, 1)

	report, err := f.hub.PublishEvent("sess-1", "sdk.message", map[string]interface{}{"uuid": "m1"})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)

	frames := readFrames(t, conn)
	require.Len(t, frames, 1)
	assert.Equal(t, wire.FrameTypeEvent, frames[0].Type)
	assert.Equal(t, "sess-1", frames[0].SessionID)
	assert.Equal(t, "sdk.message", frames[0].Method)
}

func TestServerExplicitSubscribe(t *testing.T) {
	f := setupServer(t, testHubConfig())
	conn := dial(t, f.server, "")
	waitForClients(t, f.hub, 1)

	sub, err := wire.NewRequest("req-1", "", MethodSubscribe, subscribePayload{
		SessionID: "sess-9",
		Methods:   []string{"session.queueUpdated"},
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(sub))

	frames := readFrames(t, conn)
	require.Len(t, frames, 1)
	assert.Equal(t, wire.FrameTypeResponse, frames[0].Type)

	report, err := f.hub.PublishEvent("sess-9", "session.queueUpdated", map[string]interface{}{"size": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)

	frames = readFrames(t, conn)
	require.Len(t, frames, 1)
	assert.Equal(t, "session.queueUpdated", frames[0].Method)
}

func TestServerRejectsReservedScope(t *testing.T) {
	f := setupServer(t, testHubConfig())

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?session=bad:scope:extra"
	_, resp, err := gorilla.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, 400, resp.StatusCode)
		_ = resp.Body.Close()
	}
}

func TestServerDisconnectCleansUp(t *testing.T) {
	f := setupServer(t, testHubConfig())
	conn := dial(t, f.server, "?session=sess-1")
	waitForClients(t, f.hub, 1)

	require.NoError(t, conn.Close())
	waitForClients(t, f.hub, 0)
}

func waitForClients(t *testing.T, h *hub.Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.ClientCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("hub client count never reached %d", want)
}
