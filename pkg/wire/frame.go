// Package wire defines the hub wire protocol shared between the daemon and
// its clients.
package wire

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// FrameType represents the type of a wire frame
type FrameType string

const (
	FrameTypeRequest  FrameType = "REQUEST"
	FrameTypeResponse FrameType = "RESPONSE"
	FrameTypeEvent    FrameType = "EVENT"
	FrameTypeError    FrameType = "ERROR"
)

// Error codes carried in ERROR frames
const (
	ErrorCodeNotFound        = "not_found"
	ErrorCodeValidation      = "validation_error"
	ErrorCodeNotConnected    = "not_connected"
	ErrorCodeTimeout         = "timeout"
	ErrorCodeUpstreamFailure = "upstream_failure"
	ErrorCodeTripped         = "tripped"
	ErrorCodeInternal        = "internal_error"
	ErrorCodeUnknownMethod   = "unknown_method"
	ErrorCodeBadRequest      = "bad_request"
)

// SessionGlobal is the session scope for events that are not tied to a
// specific session. Room-scoped events use "room:<roomId>".
const SessionGlobal = "global"

// ErrReservedSeparator is returned when a session id or method contains the
// reserved ':' separator.
var ErrReservedSeparator = errors.New("session id and method must not contain ':'")

// Frame is the envelope for all hub traffic
type Frame struct {
	ID        string          `json:"id,omitempty"`
	Type      FrameType       `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ErrorPayload represents an error frame payload
type ErrorPayload struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ValidateName checks that a session id or method does not use the reserved
// ':' separator. The "room:<roomId>" compound scope is the one exception.
func ValidateName(name string) error {
	if strings.Contains(name, ":") {
		return ErrReservedSeparator
	}
	return nil
}

// ValidateScope checks an event scope: "global", a session id, or a
// "room:<roomId>" compound.
func ValidateScope(scope string) error {
	if rest, ok := strings.CutPrefix(scope, "room:"); ok {
		return ValidateName(rest)
	}
	return ValidateName(scope)
}

// NewRequest creates a new request frame
func NewRequest(id, sessionID, method string, payload interface{}) (*Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        id,
		Type:      FrameTypeRequest,
		SessionID: sessionID,
		Method:    method,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewResponse creates a new response frame
func NewResponse(id, method string, payload interface{}) (*Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        id,
		Type:      FrameTypeResponse,
		Method:    method,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewEvent creates a new event frame scoped to a session
func NewEvent(sessionID, method string, payload interface{}) (*Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Type:      FrameTypeEvent,
		SessionID: sessionID,
		Method:    method,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewError creates a new error frame
func NewError(id, method, code, message string, details map[string]interface{}) (*Frame, error) {
	payload := ErrorPayload{
		Code:    code,
		Message: message,
		Details: details,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{
		ID:        id,
		Type:      FrameTypeError,
		Method:    method,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// ParsePayload parses the payload into the given struct
func (f *Frame) ParsePayload(v interface{}) error {
	if f.Payload == nil {
		return nil
	}
	return json.Unmarshal(f.Payload, v)
}

// Result is the typed success/error shape returned by most request handlers.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// OK is a successful Result.
func OK() Result { return Result{Success: true} }

// Fail wraps an error into a Result without exposing stack traces.
func Fail(err error) Result {
	if err == nil {
		return OK()
	}
	return Result{Success: false, Error: err.Error()}
}
