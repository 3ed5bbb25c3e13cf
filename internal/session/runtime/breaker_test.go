package runtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayd/relayd/internal/agent"
)

const overflowStderr = `<local-command-stderr>Error: 400 {"type":"error","error":{"type":"invalid_request_error","message":"prompt is too long: 205616 tokens > 200000 maximum"}}</local-command-stderr>`

// stderrMessage builds a user message wrapping text in the stderr marker
// tags, unless the text already carries them.
func stderrMessage(text, parentToolUseID string) *agent.Message {
	if !strings.Contains(text, agent.LocalCommandStderrMarker) {
		text = fmt.Sprintf("<%s>%s</%s>",
			agent.LocalCommandStderrMarker, text, agent.LocalCommandStderrMarker)
	}
	payload, _ := json.Marshal(map[string]string{"content": text})
	return &agent.Message{
		Type:            agent.MessageTypeUser,
		ParentToolUseID: parentToolUseID,
		Payload:         payload,
	}
}

func plainUserMessage(text string) *agent.Message {
	payload, _ := json.Marshal(map[string]string{"content": text})
	return &agent.Message{Type: agent.MessageTypeUser, Payload: payload}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		text string
		kind ErrorKind
		max  int64
	}{
		{overflowStderr, ErrorKindContextOverflow, 200000},
		{"Error: 429 rate limited", ErrorKindRateLimit, 0},
		{"Error: 400 bad request", ErrorKindGeneric4xx, 0},
		{"Error: 500 internal", ErrorKindGeneric5xx, 0},
		{"Error: 529 overloaded", ErrorKindGeneric5xx, 0},
		{"Connection error.", ErrorKindConnection, 0},
	}
	for _, tt := range tests {
		kind, max, ok := classifyError(tt.text)
		require.True(t, ok, tt.text)
		assert.Equal(t, tt.kind, kind, tt.text)
		assert.Equal(t, tt.max, max, tt.text)
	}

	_, _, ok := classifyError("just a normal message")
	assert.False(t, ok)
}

func TestBreakerTripsOnThreeContextOverflows(t *testing.T) {
	tripped := make(chan BreakerState, 1)
	b := NewCircuitBreaker(3, 50, 3*time.Second, func(state BreakerState) {
		tripped <- state
	})

	assert.False(t, b.Intake(stderrMessage(overflowStderr, "")))
	assert.False(t, b.Intake(stderrMessage(overflowStderr, "")))
	assert.True(t, b.Intake(stderrMessage(overflowStderr, "")))

	state := b.GetState()
	assert.True(t, state.Tripped)
	assert.Equal(t, 1, state.TripCount)
	assert.Contains(t, state.Message, "Context limit exceeded")
	assert.Contains(t, state.Message, "200000")

	select {
	case cb := <-tripped:
		assert.Equal(t, ErrorKindContextOverflow, cb.Kind)
	case <-time.After(time.Second):
		t.Fatal("trip callback not invoked")
	}
}

func TestBreakerPerAgentIsolation(t *testing.T) {
	// Only rapid-fire configured; four errors per agent stays below five.
	b := NewCircuitBreaker(10, 5, 3*time.Second, nil)

	for i := 0; i < 4; i++ {
		b.Intake(stderrMessage("Connection error.", ""))
		b.Intake(stderrMessage("Connection error.", "tool-1"))
	}

	assert.False(t, b.GetState().Tripped, "each agent at 4 < 5 must not trip")
}

func TestBreakerRapidFireTrips(t *testing.T) {
	b := NewCircuitBreaker(10, 5, 3*time.Second, nil)

	for i := 0; i < 5; i++ {
		b.Intake(stderrMessage("Connection error.", ""))
	}
	assert.True(t, b.GetState().Tripped)
	assert.Contains(t, b.GetState().Message, "Connection error")
}

func TestBreakerRapidFireWindowExpires(t *testing.T) {
	b := NewCircuitBreaker(10, 3, 100*time.Millisecond, nil)
	clock := time.Now()
	b.now = func() time.Time { return clock }

	b.Intake(stderrMessage("Connection error.", ""))
	b.Intake(stderrMessage("Connection error.", ""))
	clock = clock.Add(200 * time.Millisecond)
	b.Intake(stderrMessage("Connection error.", ""))

	assert.False(t, b.GetState().Tripped, "stale errors fell out of the window")
}

func TestBreakerKindChangeResetsConsecutive(t *testing.T) {
	b := NewCircuitBreaker(3, 50, 3*time.Second, nil)

	b.Intake(stderrMessage("Error: 429 slow down", ""))
	b.Intake(stderrMessage("Error: 429 slow down", ""))
	b.Intake(stderrMessage("Connection error.", ""))
	b.Intake(stderrMessage("Error: 429 slow down", ""))

	assert.False(t, b.GetState().Tripped)
}

func TestBreakerIgnoresNonUserAndUnmarkedMessages(t *testing.T) {
	b := NewCircuitBreaker(1, 1, time.Second, nil)

	assistant := stderrMessage(overflowStderr, "")
	assistant.Type = agent.MessageTypeAssistant
	b.Intake(assistant)
	b.Intake(plainUserMessage("perfectly fine text"))

	assert.False(t, b.GetState().Tripped)
}

func TestBreakerResetPreservesTripCount(t *testing.T) {
	b := NewCircuitBreaker(1, 50, time.Second, nil)

	require.True(t, b.Intake(stderrMessage("Connection error.", "")))
	assert.Equal(t, 1, b.GetState().TripCount)

	b.Reset()
	state := b.GetState()
	assert.False(t, state.Tripped)
	assert.Equal(t, 1, state.TripCount)

	require.True(t, b.Intake(stderrMessage("Connection error.", "")))
	assert.Equal(t, 2, b.GetState().TripCount)
}

func TestBreakerRateLimitMessage(t *testing.T) {
	b := NewCircuitBreaker(1, 50, time.Second, nil)
	b.Intake(stderrMessage(fmt.Sprintf("<%s>Error: 429 too many requests</%s>",
		agent.LocalCommandStderrMarker, agent.LocalCommandStderrMarker), ""))

	assert.Contains(t, b.GetState().Message, "Rate limit")
}
