package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayd/relayd/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	received := make(chan *Event, 1)
	_, err := b.Subscribe("session.created", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	event := NewEvent("session.created", "global", "test", map[string]interface{}{"id": "s1"})
	require.NoError(t, b.Publish(context.Background(), "session.created", event))

	select {
	case got := <-received:
		assert.Equal(t, "session.created", got.Type)
		assert.Equal(t, "global", got.Scope)
		assert.Equal(t, "s1", got.Data["id"])
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestMemoryEventBus_Wildcards(t *testing.T) {
	t.Run("single token wildcard", func(t *testing.T) {
		b := NewMemoryEventBus(newTestLogger(t))
		defer b.Close()

		var count int64
		_, err := b.Subscribe("session.*", func(ctx context.Context, e *Event) error {
			atomic.AddInt64(&count, 1)
			return nil
		})
		require.NoError(t, err)

		require.NoError(t, b.Publish(context.Background(), "session.created", NewEvent("session.created", "global", "test", nil)))
		require.NoError(t, b.Publish(context.Background(), "task.created", NewEvent("task.created", "global", "test", nil)))

		assert.Eventually(t, func() bool {
			return atomic.LoadInt64(&count) == 1
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("tail wildcard", func(t *testing.T) {
		b := NewMemoryEventBus(newTestLogger(t))
		defer b.Close()

		received := make(chan string, 2)
		_, err := b.Subscribe("state.>", func(ctx context.Context, e *Event) error {
			received <- e.Type
			return nil
		})
		require.NoError(t, err)

		require.NoError(t, b.Publish(context.Background(), "state.sdkMessages.delta",
			NewEvent("state.sdkMessages.delta", "s1", "test", nil)))

		select {
		case typ := <-received:
			assert.Equal(t, "state.sdkMessages.delta", typ)
		case <-time.After(time.Second):
			t.Fatal("wildcard subscription missed event")
		}
	})
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var count int64
	sub, err := b.Subscribe("session.created", func(ctx context.Context, e *Event) error {
		atomic.AddInt64(&count, 1)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "session.created", NewEvent("session.created", "global", "test", nil)))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt64(&count))
}

func TestMemoryEventBus_Request(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	_, err := b.Subscribe("ping", func(ctx context.Context, e *Event) error {
		reply, _ := e.Data["_reply"].(string)
		return b.Publish(ctx, reply, NewEvent("pong", "global", "test", nil))
	})
	require.NoError(t, err)

	resp, err := b.Request(context.Background(), "ping", NewEvent("ping", "global", "test", nil), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pong", resp.Type)
}

func TestMemoryEventBus_RequestTimeout(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	_, err := b.Request(context.Background(), "nobody.home", NewEvent("ping", "global", "test", nil), 50*time.Millisecond)
	assert.Error(t, err)
}

func TestMemoryEventBus_Close(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	require.True(t, b.IsConnected())

	b.Close()
	assert.False(t, b.IsConnected())

	err := b.Publish(context.Background(), "session.created", NewEvent("session.created", "global", "test", nil))
	assert.Error(t, err)

	_, err = b.Subscribe("session.created", func(ctx context.Context, e *Event) error { return nil })
	assert.Error(t, err)
}
