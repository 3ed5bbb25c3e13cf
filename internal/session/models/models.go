// Package models defines the session domain model.
package models

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle status of a session.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusDeleted  Status = "deleted"
)

// Session is one conversation instance. The persisted config is the single
// source of truth on reload; the identifier never changes.
type Session struct {
	ID            string    `json:"id" db:"id"`
	Title         string    `json:"title" db:"title"`
	WorkspacePath string    `json:"workspace_path" db:"workspace_path"`
	Status        Status    `json:"status" db:"status"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	LastActiveAt  time.Time `json:"last_active_at" db:"last_active_at"`
	Config        Config    `json:"config"`
	Metadata      Metadata  `json:"metadata"`
}

// Config holds the per-session agent configuration.
type Config struct {
	Model             string                     `json:"model,omitempty"`
	FallbackModel     string                     `json:"fallback_model,omitempty"`
	MaxTurns          int                        `json:"max_turns,omitempty"`
	MaxBudgetUSD      float64                    `json:"max_budget_usd,omitempty"`
	MaxThinkingTokens int                        `json:"max_thinking_tokens,omitempty"`
	ThinkingLevel     string                     `json:"thinking_level,omitempty"`
	SystemPrompt      string                     `json:"system_prompt,omitempty"`
	AllowedTools      []string                   `json:"allowed_tools,omitempty"`
	DisallowedTools   []string                   `json:"disallowed_tools,omitempty"`
	Agents            map[string]json.RawMessage `json:"agents,omitempty"`
	Sandbox           json.RawMessage            `json:"sandbox,omitempty"`
	MCPServers        map[string]json.RawMessage `json:"mcp_servers,omitempty"`
	DisabledMCP       []string                   `json:"disabled_mcp,omitempty"`
	OutputFormat      string                     `json:"output_format,omitempty"`
	Betas             []string                   `json:"betas,omitempty"`
	Env               map[string]string          `json:"env,omitempty"`
	PermissionMode    string                     `json:"permission_mode,omitempty"`
	CoordinatorMode   string                     `json:"coordinator_mode,omitempty"`
}

// Metadata holds rolling counters. All counters are monotonic non-decreasing
// within a session's life.
type Metadata struct {
	MessageCount   int64   `json:"message_count"`
	InputTokens    int64   `json:"input_tokens"`
	OutputTokens   int64   `json:"output_tokens"`
	TotalTokens    int64   `json:"total_tokens"`
	TotalCostUSD   float64 `json:"total_cost_usd"`
	ToolCallCount  int64   `json:"tool_call_count"`
	TitleGenerated bool    `json:"title_generated"`
}

// Checkpoint marks a non-replay user message. Its id is the message uuid;
// turn numbers are assigned in creation order and never reassigned.
type Checkpoint struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Preview    string    `json:"preview"`
	TurnNumber int       `json:"turn_number"`
	CreatedAt  time.Time `json:"created_at"`
}

// PreviewMaxLen bounds checkpoint previews to the first characters of the
// first text block.
const PreviewMaxLen = 100

// Draft is pending input text per (session, client identity).
type Draft struct {
	SessionID string    `json:"session_id" db:"session_id"`
	ClientID  string    `json:"client_id" db:"client_id"`
	Text      string    `json:"text" db:"text"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
