package runtime

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/relayd/relayd/internal/agent"
)

// ErrorKind classifies an upstream API failure by its stderr marker.
type ErrorKind string

const (
	ErrorKindContextOverflow ErrorKind = "context-overflow"
	ErrorKindRateLimit       ErrorKind = "rate-limit"
	ErrorKindGeneric4xx      ErrorKind = "generic-4xx"
	ErrorKindGeneric5xx      ErrorKind = "generic-5xx"
	ErrorKindConnection      ErrorKind = "connection"
)

var contextOverflowRe = regexp.MustCompile(`prompt is too long:\s*\d+\s*tokens\s*>\s*(\d+)\s*maximum`)

// classifyError maps message text to an error kind. Context overflow wins
// over the generic 400 marker it rides in on; the second return is the
// extracted maximum token count for overflows.
func classifyError(text string) (ErrorKind, int64, bool) {
	if m := contextOverflowRe.FindStringSubmatch(text); m != nil {
		var max int64
		fmt.Sscanf(m[1], "%d", &max)
		return ErrorKindContextOverflow, max, true
	}
	if strings.Contains(text, "prompt is too long:") {
		return ErrorKindContextOverflow, 0, true
	}
	if strings.Contains(text, "Error: 429") {
		return ErrorKindRateLimit, 0, true
	}
	if strings.Contains(text, "Error: 400") {
		return ErrorKindGeneric4xx, 0, true
	}
	if strings.Contains(text, "Error: 5") {
		return ErrorKindGeneric5xx, 0, true
	}
	if strings.Contains(text, "Connection error.") {
		return ErrorKindConnection, 0, true
	}
	return "", 0, false
}

// BreakerState is the observable state of the circuit breaker. MaxTokens is
// set on context-overflow trips when the limit could be extracted.
type BreakerState struct {
	Tripped   bool      `json:"tripped"`
	TripCount int       `json:"trip_count"`
	Kind      ErrorKind `json:"kind,omitempty"`
	Message   string    `json:"message,omitempty"`
	MaxTokens int64     `json:"max_tokens,omitempty"`
}

// agentWindow is the per-agent-identity failure accounting.
type agentWindow struct {
	consecutive int
	lastKind    ErrorKind
	recent      []time.Time // rapid-fire window
}

// CircuitBreaker detects API failure storms from re-injected stderr messages
// and stops the session from retrying a doomed request. Counting is isolated
// per agent identity ("main" or a sub-agent's tool use id).
type CircuitBreaker struct {
	mu sync.Mutex

	errorThreshold     int
	rapidFireThreshold int
	rapidFireWindow    time.Duration

	agents    map[string]*agentWindow
	tripped   bool
	tripCount int
	kind      ErrorKind
	message   string
	maxTokens int64

	onTrip func(state BreakerState)
	now    func() time.Time
}

// NewCircuitBreaker creates a breaker with the given thresholds. onTrip runs
// asynchronously on every trip.
func NewCircuitBreaker(errorThreshold, rapidFireThreshold int, rapidFireWindow time.Duration, onTrip func(state BreakerState)) *CircuitBreaker {
	return &CircuitBreaker{
		errorThreshold:     errorThreshold,
		rapidFireThreshold: rapidFireThreshold,
		rapidFireWindow:    rapidFireWindow,
		agents:             make(map[string]*agentWindow),
		onTrip:             onTrip,
		now:                time.Now,
	}
}

// Intake inspects one SDK message and returns whether the breaker is tripped
// after accounting for it. Only user messages carrying the
// local-command-stderr marker participate.
func (b *CircuitBreaker) Intake(msg *agent.Message) bool {
	if msg.Type != agent.MessageTypeUser {
		return b.isTripped()
	}
	text := msg.TextContent()
	if !strings.Contains(text, agent.LocalCommandStderrMarker) {
		return b.isTripped()
	}
	kind, maxTokens, ok := classifyError(text)
	if !ok {
		return b.isTripped()
	}

	identity := msg.AgentIdentity()
	now := b.now()

	b.mu.Lock()
	win, present := b.agents[identity]
	if !present {
		win = &agentWindow{}
		b.agents[identity] = win
	}

	if win.lastKind == kind {
		win.consecutive++
	} else {
		win.lastKind = kind
		win.consecutive = 1
	}

	// Rapid-fire: any marker errors, regardless of kind.
	cutoff := now.Add(-b.rapidFireWindow)
	kept := win.recent[:0]
	for _, ts := range win.recent {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	win.recent = append(kept, now)

	shouldTrip := win.consecutive >= b.errorThreshold || len(win.recent) >= b.rapidFireThreshold
	if shouldTrip && !b.tripped {
		b.tripped = true
		b.tripCount++
		b.kind = kind
		b.message = tripMessage(kind, maxTokens)
		b.maxTokens = maxTokens
		cb := b.onTrip
		state := b.stateLocked()
		b.mu.Unlock()
		if cb != nil {
			go cb(state)
		}
		return true
	}
	tripped := b.tripped
	b.mu.Unlock()
	return tripped
}

func tripMessage(kind ErrorKind, maxTokens int64) string {
	switch kind {
	case ErrorKindContextOverflow:
		if maxTokens > 0 {
			return fmt.Sprintf("Context limit exceeded (%d tokens). The conversation is too large for the model's context window. Compact or rewind the session before continuing.", maxTokens)
		}
		return "Context limit exceeded. The conversation is too large for the model's context window. Compact or rewind the session before continuing."
	case ErrorKindRateLimit:
		return "Rate limit reached repeatedly. The API is rejecting requests; wait before retrying."
	case ErrorKindGeneric4xx:
		return "The API rejected the request repeatedly (4xx). Review the session configuration before retrying."
	case ErrorKindGeneric5xx:
		return "The API failed repeatedly (5xx). The upstream service is having trouble; wait before retrying."
	case ErrorKindConnection:
		return "Connection error detected repeatedly. Network connectivity issues are preventing API calls."
	default:
		return "Repeated API errors detected."
	}
}

// Reset clears all per-agent counts and the tripped flag. The cumulative trip
// count is preserved.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.agents = make(map[string]*agentWindow)
	b.tripped = false
	b.kind = ""
	b.message = ""
	b.maxTokens = 0
}

// MarkSuccess records a successful turn; equivalent to Reset.
func (b *CircuitBreaker) MarkSuccess() {
	b.Reset()
}

// GetState returns the observable breaker state.
func (b *CircuitBreaker) GetState() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *CircuitBreaker) stateLocked() BreakerState {
	return BreakerState{
		Tripped:   b.tripped,
		TripCount: b.tripCount,
		Kind:      b.kind,
		Message:   b.message,
		MaxTokens: b.maxTokens,
	}
}

func (b *CircuitBreaker) isTripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped
}
