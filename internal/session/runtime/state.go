package runtime

import (
	"sync"

	"github.com/relayd/relayd/internal/agent"
	"github.com/tidwall/gjson"
)

// State is the agent query lifecycle state of a session.
type State string

const (
	StateIdle        State = "idle"
	StateStarting    State = "starting"
	StateProcessing  State = "processing"
	StateInterrupted State = "interrupted"
)

// Phase is a derived UI hint; it never gates state transitions.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseThinking  Phase = "thinking"
	PhaseStreaming Phase = "streaming"
	PhaseTool      Phase = "tool"
)

// StateManager tracks the lifecycle state and derived phase of one session.
type StateManager struct {
	mu    sync.Mutex
	state State
	phase Phase

	onPhaseChanged func(phase Phase)
}

// NewStateManager creates a manager in the idle state.
func NewStateManager(onPhaseChanged func(phase Phase)) *StateManager {
	return &StateManager{
		state:          StateIdle,
		phase:          PhaseIdle,
		onPhaseChanged: onPhaseChanged,
	}
}

// State returns the current lifecycle state.
func (s *StateManager) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Phase returns the current derived phase.
func (s *StateManager) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// SetState transitions the lifecycle state.
func (s *StateManager) SetState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// MarkProcessing moves starting to processing on the first SDK message.
func (s *StateManager) MarkProcessing() {
	s.mu.Lock()
	if s.state == StateStarting {
		s.state = StateProcessing
	}
	s.mu.Unlock()
}

// DetectPhaseFromMessage derives the phase from an incoming SDK message and
// fires the phase callback when it changed.
func (s *StateManager) DetectPhaseFromMessage(msg *agent.Message) {
	phase := s.phaseOf(msg)
	if phase == "" {
		return
	}

	s.mu.Lock()
	changed := phase != s.phase
	s.phase = phase
	cb := s.onPhaseChanged
	s.mu.Unlock()

	if changed && cb != nil {
		cb(phase)
	}
}

func (s *StateManager) phaseOf(msg *agent.Message) Phase {
	switch msg.Type {
	case agent.MessageTypeStreamEvent:
		delta := gjson.GetBytes(msg.Payload, "event.delta.type").String()
		if delta == "thinking_delta" || delta == "signature_delta" {
			return PhaseThinking
		}
		return PhaseStreaming
	case agent.MessageTypeAssistant:
		if msg.ToolUseCount() > 0 {
			return PhaseTool
		}
		return PhaseStreaming
	case agent.MessageTypeResult:
		return PhaseIdle
	default:
		return ""
	}
}
