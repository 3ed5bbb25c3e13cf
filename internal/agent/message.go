// Package agent defines the contract with the upstream agent SDK. The daemon
// treats the SDK as a bidirectional typed stream; everything here is the
// envelope and payload accessors, not the SDK protocol itself.
package agent

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// MessageType is the tagged variant of an SDK message.
type MessageType string

const (
	MessageTypeUser        MessageType = "user"
	MessageTypeAssistant   MessageType = "assistant"
	MessageTypeSystem      MessageType = "system"
	MessageTypeResult      MessageType = "result"
	MessageTypeStreamEvent MessageType = "stream_event"
)

// System and result subtypes.
const (
	SubtypeInit       = "init"
	SubtypeCompaction = "compaction"
	SubtypeSuccess    = "success"
	SubtypeError      = "error"
)

// PersistStatus is the persistence state of a message row.
type PersistStatus string

const (
	StatusQueued PersistStatus = "queued"
	StatusSent   PersistStatus = "sent"
	StatusSaved  PersistStatus = "saved"
)

// AgentMain is the agent identity for messages with no parent tool use.
const AgentMain = "main"

// LocalCommandStderrMarker wraps SDK call failures re-injected into the
// message stream. The circuit breaker keys off this marker.
const LocalCommandStderrMarker = "local-command-stderr"

// Message is an immutable record of one step in a conversation.
type Message struct {
	UUID            string          `json:"uuid"`
	SessionID       string          `json:"session_id"`
	Type            MessageType     `json:"type"`
	Subtype         string          `json:"subtype,omitempty"`
	ParentToolUseID string          `json:"parent_tool_use_id,omitempty"`
	TimestampMs     int64           `json:"timestamp"`
	Internal        bool            `json:"internal,omitempty"`
	IsReplay        bool            `json:"is_replay,omitempty"`
	IsSynthetic     bool            `json:"is_synthetic,omitempty"`
	Status          PersistStatus   `json:"status,omitempty"`
	DBID            int64           `json:"db_id,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// AgentIdentity returns "main" for main-agent messages, else the tool use id
// of the sub-agent that produced the message.
func (m *Message) AgentIdentity() string {
	if m.ParentToolUseID == "" {
		return AgentMain
	}
	return m.ParentToolUseID
}

// IsSystemInit reports whether the message is a system init marker.
func (m *Message) IsSystemInit() bool {
	return m.Type == MessageTypeSystem && m.Subtype == SubtypeInit
}

// TextContent returns the concatenated text of the message payload. It
// handles both a plain string content field and an array of content blocks.
func (m *Message) TextContent() string {
	return TextFromContent(m.Payload)
}

// ToolUseCount returns the number of tool_use blocks in the payload.
func (m *Message) ToolUseCount() int {
	count := 0
	gjson.GetBytes(m.Payload, "content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "tool_use" {
			count++
		}
		return true
	})
	return count
}

// Usage holds token accounting extracted from a result payload.
type Usage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
	CostUSD                  float64
}

// TotalTokens returns input plus output tokens.
func (u Usage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}

// ResultUsage extracts token usage and cost from a result payload.
func (m *Message) ResultUsage() Usage {
	usage := gjson.GetBytes(m.Payload, "usage")
	return Usage{
		InputTokens:              usage.Get("input_tokens").Int(),
		OutputTokens:             usage.Get("output_tokens").Int(),
		CacheCreationInputTokens: usage.Get("cache_creation_input_tokens").Int(),
		CacheReadInputTokens:     usage.Get("cache_read_input_tokens").Int(),
		CostUSD:                  gjson.GetBytes(m.Payload, "total_cost_usd").Float(),
	}
}

// StreamUsage extracts incremental usage from a stream_event payload, if any.
func (m *Message) StreamUsage() (Usage, bool) {
	usage := gjson.GetBytes(m.Payload, "event.usage")
	if !usage.Exists() {
		usage = gjson.GetBytes(m.Payload, "event.message.usage")
	}
	if !usage.Exists() {
		return Usage{}, false
	}
	return Usage{
		InputTokens:              usage.Get("input_tokens").Int(),
		OutputTokens:             usage.Get("output_tokens").Int(),
		CacheCreationInputTokens: usage.Get("cache_creation_input_tokens").Int(),
		CacheReadInputTokens:     usage.Get("cache_read_input_tokens").Int(),
	}, true
}

// TextFromContent extracts text from a content document: either
// {"content":"…"} or {"content":[{"type":"text","text":"…"},…]}.
func TextFromContent(payload json.RawMessage) string {
	content := gjson.GetBytes(payload, "content")
	if content.Type == gjson.String {
		return content.String()
	}
	var out string
	content.ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			out += block.Get("text").String()
		}
		return true
	})
	return out
}

// FirstTextBlock returns the text of the first text block (or the plain
// string content) of a content document.
func FirstTextBlock(payload json.RawMessage) string {
	content := gjson.GetBytes(payload, "content")
	if content.Type == gjson.String {
		return content.String()
	}
	var out string
	content.ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			out = block.Get("text").String()
			return false
		}
		return true
	})
	return out
}

// ToolResultToolUseID returns the tool_use_id of the first tool_result block
// in a content document, or empty when none exists.
func ToolResultToolUseID(payload json.RawMessage) string {
	content := gjson.GetBytes(payload, "content")
	var id string
	content.ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "tool_result" {
			id = block.Get("tool_use_id").String()
			return false
		}
		return true
	})
	return id
}
