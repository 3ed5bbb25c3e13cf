package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayd/relayd/internal/common/config"
	"github.com/relayd/relayd/internal/common/logger"
	"github.com/relayd/relayd/pkg/wire"
)

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func testHubConfig() config.HubConfig {
	return config.HubConfig{
		DedupCacheSize:     500,
		DedupTTLSeconds:    60,
		SweepSeconds:       30,
		RequestTimeout:     2,
		GlobalAutoMethods:  []string{"session.created", "session.updated", "session.deleted"},
		SessionAutoMethods: []string{"sdk.message", "state.sdkMessages.delta"},
	}
}

func newTestHub(t *testing.T) *Hub {
	h := New(wire.NewDispatcher(), testHubConfig(), testLogger(t))
	t.Cleanup(h.Close)
	return h
}

// fakeConn is an in-memory ClientConnection recording delivered frames.
type fakeConn struct {
	id      string
	mu      sync.Mutex
	frames  []*wire.Frame
	open    bool
	sendErr error
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, open: true}
}

func (c *fakeConn) ID() string                  { return c.id }
func (c *fakeConn) IsOpen() bool                { return c.open }
func (c *fakeConn) Metadata() map[string]string { return nil }

func (c *fakeConn) Send(data []byte) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	var frame wire.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, &frame)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) received() []*wire.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*wire.Frame(nil), c.frames...)
}

func TestRegisterGlobalAutoSubscribes(t *testing.T) {
	h := newTestHub(t)
	conn := newFakeConn("client-1")

	require.NoError(t, h.Register(conn, wire.SessionGlobal))

	for _, method := range testHubConfig().GlobalAutoMethods {
		assert.Equal(t, []string{"client-1"}, h.Subscribers(wire.SessionGlobal, method), method)
	}
	// Session methods were not subscribed on a global join.
	assert.Empty(t, h.Subscribers(wire.SessionGlobal, "sdk.message"))
}

func TestRegisterSessionAutoSubscribes(t *testing.T) {
	h := newTestHub(t)
	conn := newFakeConn("client-1")

	require.NoError(t, h.Register(conn, "sess-1"))

	assert.Equal(t, []string{"client-1"}, h.Subscribers("sess-1", "sdk.message"))
	assert.Equal(t, []string{"client-1"}, h.Subscribers("sess-1", "state.sdkMessages.delta"))
	assert.Empty(t, h.Subscribers(wire.SessionGlobal, "session.created"))
}

func TestSubscribeIdempotent(t *testing.T) {
	h := newTestHub(t)
	conn := newFakeConn("client-1")
	require.NoError(t, h.Register(conn, wire.SessionGlobal))

	require.NoError(t, h.Subscribe("client-1", "sess-1", "sdk.message"))
	require.NoError(t, h.Subscribe("client-1", "sess-1", "sdk.message"))

	assert.Len(t, h.Subscribers("sess-1", "sdk.message"), 1)
}

func TestSubscribeRejectsReservedSeparator(t *testing.T) {
	h := newTestHub(t)

	assert.Error(t, h.Subscribe("client-1", "bad:session", "sdk.message"))
	assert.Error(t, h.Subscribe("client-1", "sess-1", "bad:method"))
	// The room compound scope is the one permitted use of ':'.
	assert.NoError(t, h.Subscribe("client-1", "room:room-1", "task.created"))
}

func TestUnsubscribePrunesEmptyContainers(t *testing.T) {
	h := newTestHub(t)
	conn := newFakeConn("client-1")
	require.NoError(t, h.Register(conn, wire.SessionGlobal))
	require.NoError(t, h.Subscribe("client-1", "sess-1", "sdk.message"))

	h.Unsubscribe("client-1", "sess-1", "sdk.message")

	h.mu.RLock()
	_, sessionPresent := h.subscriptions["sess-1"]
	h.mu.RUnlock()
	assert.False(t, sessionPresent, "emptied session entry must be removed")
}

func TestUnregisterCleansAllSubscriptions(t *testing.T) {
	h := newTestHub(t)
	conn := newFakeConn("client-1")
	require.NoError(t, h.Register(conn, "sess-1"))
	require.NoError(t, h.Subscribe("client-1", "sess-2", "sdk.message"))

	h.Unregister("client-1")

	assert.Empty(t, h.Subscribers("sess-1", "sdk.message"))
	assert.Empty(t, h.Subscribers("sess-2", "sdk.message"))
	assert.Zero(t, h.ClientCount())

	h.mu.RLock()
	assert.Empty(t, h.subscriptions)
	assert.Empty(t, h.bySubscriber)
	h.mu.RUnlock()
}

func TestPublishEventDelivers(t *testing.T) {
	h := newTestHub(t)
	a := newFakeConn("client-a")
	b := newFakeConn("client-b")
	require.NoError(t, h.Register(a, "sess-1"))
	require.NoError(t, h.Register(b, "sess-1"))

	report, err := h.PublishEvent("sess-1", "sdk.message", map[string]string{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Sent)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 2, report.TotalSubscribers)

	frames := a.received()
	require.Len(t, frames, 1)
	assert.Equal(t, wire.FrameTypeEvent, frames[0].Type)
	assert.Equal(t, "sess-1", frames[0].SessionID)
	assert.Equal(t, "sdk.message", frames[0].Method)
}

func TestPublishEventNoSubscribers(t *testing.T) {
	h := newTestHub(t)

	report, err := h.PublishEvent("sess-1", "sdk.message", nil)
	require.NoError(t, err)
	assert.Zero(t, report.TotalSubscribers)
	assert.Zero(t, report.Sent)
}

func TestPublishEventCountsFailures(t *testing.T) {
	h := newTestHub(t)
	healthy := newFakeConn("client-a")
	closed := newFakeConn("client-b")
	closed.open = false
	broken := newFakeConn("client-c")
	broken.sendErr = errors.New("buffer full")

	for _, conn := range []*fakeConn{healthy, closed, broken} {
		require.NoError(t, h.Register(conn, "sess-1"))
	}

	report, err := h.PublishEvent("sess-1", "sdk.message", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, 3, report.TotalSubscribers)

	// A failed send does not drop the subscription.
	assert.Len(t, h.Subscribers("sess-1", "sdk.message"), 3)
}

func TestPublishOrderPerSubscriber(t *testing.T) {
	h := newTestHub(t)
	conn := newFakeConn("client-1")
	require.NoError(t, h.Register(conn, "sess-1"))

	for i := 0; i < 5; i++ {
		_, err := h.PublishEvent("sess-1", "sdk.message", map[string]int{"seq": i})
		require.NoError(t, err)
	}

	frames := conn.received()
	require.Len(t, frames, 5)
	for i, frame := range frames {
		var payload struct {
			Seq int `json:"seq"`
		}
		require.NoError(t, json.Unmarshal(frame.Payload, &payload))
		assert.Equal(t, i, payload.Seq)
	}
}

func TestRequestDispatch(t *testing.T) {
	h := newTestHub(t)
	h.Dispatcher().RegisterFunc("session.get", func(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
		return wire.NewResponse(frame.ID, frame.Method, map[string]string{"id": frame.SessionID})
	})

	req, err := wire.NewRequest("req-1", "sess-1", "session.get", nil)
	require.NoError(t, err)

	reply := h.Request(context.Background(), req)
	assert.Equal(t, wire.FrameTypeResponse, reply.Type)
	assert.Equal(t, "req-1", reply.ID)
}

func TestRequestUnknownMethod(t *testing.T) {
	h := newTestHub(t)

	req, err := wire.NewRequest("req-1", "", "nope.nothing", nil)
	require.NoError(t, err)

	reply := h.Request(context.Background(), req)
	assert.Equal(t, wire.FrameTypeError, reply.Type)

	var payload wire.ErrorPayload
	require.NoError(t, reply.ParsePayload(&payload))
	assert.Equal(t, wire.ErrorCodeUnknownMethod, payload.Code)
}

func TestRequestHandlerPanicBecomesError(t *testing.T) {
	h := newTestHub(t)
	h.Dispatcher().RegisterFunc("boom", func(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
		panic("handler bug")
	})

	req, err := wire.NewRequest("req-1", "", "boom", nil)
	require.NoError(t, err)

	reply := h.Request(context.Background(), req)
	assert.Equal(t, wire.FrameTypeError, reply.Type)
	assert.Equal(t, "req-1", reply.ID)
}

func TestRequestTimeout(t *testing.T) {
	cfg := testHubConfig()
	cfg.RequestTimeout = 1
	h := New(wire.NewDispatcher(), cfg, testLogger(t))
	t.Cleanup(h.Close)

	h.Dispatcher().RegisterFunc("slow", func(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
		}
		return wire.NewResponse(frame.ID, frame.Method, nil)
	})

	req, err := wire.NewRequest("req-1", "", "slow", nil)
	require.NoError(t, err)

	reply := h.Request(context.Background(), req)
	assert.Equal(t, wire.FrameTypeError, reply.Type)

	var payload wire.ErrorPayload
	require.NoError(t, reply.ParsePayload(&payload))
	assert.Equal(t, wire.ErrorCodeTimeout, payload.Code)
}

func TestRequestDedupIdempotentRead(t *testing.T) {
	h := newTestHub(t)

	calls := 0
	h.Dispatcher().RegisterFunc("session.list", func(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
		calls++
		return wire.NewResponse(frame.ID, frame.Method, map[string]int{"calls": calls})
	})
	h.MarkIdempotent("session.list")

	first, err := wire.NewRequest("req-1", "", "session.list", map[string]string{"status": "active"})
	require.NoError(t, err)
	second, err := wire.NewRequest("req-2", "", "session.list", map[string]string{"status": "active"})
	require.NoError(t, err)

	r1 := h.Request(context.Background(), first)
	r2 := h.Request(context.Background(), second)

	assert.Equal(t, 1, calls, "second request must be served from cache")
	assert.JSONEq(t, string(r1.Payload), string(r2.Payload))
	// The cached reply is re-correlated to its own request id.
	assert.Equal(t, "req-1", r1.ID)
	assert.Equal(t, "req-2", r2.ID)
}

func TestRequestDedupDistinguishesPayloads(t *testing.T) {
	h := newTestHub(t)

	calls := 0
	h.Dispatcher().RegisterFunc("session.list", func(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
		calls++
		return wire.NewResponse(frame.ID, frame.Method, nil)
	})
	h.MarkIdempotent("session.list")

	a, err := wire.NewRequest("req-1", "", "session.list", map[string]string{"status": "active"})
	require.NoError(t, err)
	b, err := wire.NewRequest("req-2", "", "session.list", map[string]string{"status": "archived"})
	require.NoError(t, err)

	h.Request(context.Background(), a)
	h.Request(context.Background(), b)

	assert.Equal(t, 2, calls)
}

func TestDedupKeyLargePayloads(t *testing.T) {
	big := make([]byte, 4096)
	for i := range big {
		big[i] = byte('a' + i%26)
	}
	other := append(append([]byte(nil), big...), 'x')

	k1 := dedupKey("m", "s", big)
	k2 := dedupKey("m", "s", big)
	k3 := dedupKey("m", "s", other)

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Less(t, len(k1), 128, "large payloads must hash, not inline")
}
