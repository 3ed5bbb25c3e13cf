package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(timeout time.Duration) *MessageQueue {
	return NewMessageQueue("sess-1", timeout, nil)
}

func TestQueueGeneratorOrder(t *testing.T) {
	q := newTestQueue(time.Second)
	q.Start()
	defer q.Stop()

	id1, done1 := q.Enqueue(TextContent("Msg1"), false)
	id2, done2 := q.Enqueue(TextContent("Msg2"), false)
	id3, done3 := q.Enqueue(TextContent("Msg3"), false)
	require.NotEqual(t, id1, id2)
	require.NotEqual(t, id2, id3)

	gen := q.Generator()
	var got []string
	for i := 0; i < 3; i++ {
		select {
		case item := <-gen:
			got = append(got, item.Message.UUID)
			item.OnSent()
		case <-time.After(time.Second):
			t.Fatal("generator did not yield in time")
		}
	}
	assert.Equal(t, []string{id1, id2, id3}, got)

	for i, done := range []<-chan error{done1, done2, done3} {
		select {
		case err := <-done:
			assert.NoError(t, err, "future %d", i)
		case <-time.After(time.Second):
			t.Fatalf("future %d did not resolve", i)
		}
	}
}

func TestQueueToolResultBindsParent(t *testing.T) {
	q := newTestQueue(time.Second)
	q.Start()
	defer q.Stop()

	content := []byte(`{"content":[{"type":"tool_result","tool_use_id":"tool-9","content":"ok"}]}`)
	q.Enqueue(content, false)

	item := <-q.Generator()
	assert.Equal(t, "tool-9", item.Message.ParentToolUseID)
	item.OnSent()
}

func TestQueueClearRejectsPending(t *testing.T) {
	q := newTestQueue(time.Minute)
	q.Start()
	defer q.Stop()

	_, done := q.Enqueue(TextContent("pending"), false)
	q.Clear()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrInterrupted)
	case <-time.After(time.Second):
		t.Fatal("cleared future did not reject")
	}
	assert.Zero(t, q.Size())
	assert.True(t, q.IsRunning(), "clear preserves running state")
}

func TestQueueClearEmptyIsNoop(t *testing.T) {
	q := newTestQueue(time.Minute)
	q.Start()
	q.Clear()
	assert.Zero(t, q.Size())
}

func TestQueueConsumptionTimeout(t *testing.T) {
	q := newTestQueue(20 * time.Millisecond)
	q.Start()
	defer q.Stop()

	id, done := q.Enqueue(TextContent("never consumed"), false)

	select {
	case err := <-done:
		var timeoutErr *TimeoutError
		require.ErrorAs(t, err, &timeoutErr)
		assert.Equal(t, id, timeoutErr.MessageID)
	case <-time.After(time.Second):
		t.Fatal("future did not time out")
	}
	assert.Zero(t, q.Size(), "timed-out item is removed")
}

func TestQueueGenerationGuardsStaleGenerator(t *testing.T) {
	q := newTestQueue(time.Minute)
	q.Start()
	stale := q.Generator()

	// Restart: a new generation supersedes the stale generator.
	q.Stop()
	q.Start()
	fresh := q.Generator()

	q.Enqueue(TextContent("for the new attempt"), false)

	select {
	case _, ok := <-stale:
		assert.False(t, ok, "stale generator must terminate, not yield")
	case <-time.After(time.Second):
		t.Fatal("stale generator did not terminate")
	}

	select {
	case item := <-fresh:
		assert.NotNil(t, item)
		item.OnSent()
	case <-time.After(time.Second):
		t.Fatal("fresh generator did not yield")
	}

	q.Stop()
}

func TestQueueGeneratorStopsWithQueue(t *testing.T) {
	q := newTestQueue(time.Minute)
	q.Start()
	gen := q.Generator()

	q.Stop()

	select {
	case _, ok := <-gen:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("generator did not stop")
	}
}

func TestQueueGenerationCounter(t *testing.T) {
	q := newTestQueue(time.Minute)
	first := q.Generation()
	q.Start()
	second := q.Generation()
	q.Stop()
	q.Start()
	third := q.Generation()

	assert.Greater(t, second, first)
	assert.Greater(t, third, second)
}
