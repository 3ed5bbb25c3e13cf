package agent

import (
	"context"
	"encoding/json"
)

// Prompt is one unit of user input fed to a running query.
type Prompt struct {
	UUID            string
	SessionID       string
	Content         json.RawMessage
	ParentToolUseID string
	Internal        bool
}

// MCPServerStatus describes a configured MCP server as reported by the SDK.
type MCPServerStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// QuerySpec carries the per-session configuration used to start a query.
type QuerySpec struct {
	SessionID         string
	Model             string
	FallbackModel     string
	MaxTurns          int
	MaxBudgetUSD      float64
	MaxThinkingTokens int
	ThinkingLevel     string
	SystemPrompt      string
	AllowedTools      []string
	DisallowedTools   []string
	PermissionMode    string
	OutputFormat      string
	Betas             []string
	Env               map[string]string
	MCPServers        map[string]json.RawMessage
	DisabledMCP       []string
	WorkspacePath     string
}

// Query is one in-flight conversation with the agent SDK. Messages yields
// every SDK message until the stream ends; the channel is closed when the
// query finishes or is interrupted.
type Query interface {
	// Messages returns the stream of SDK messages produced by the query.
	Messages() <-chan *Message

	// Send feeds a prompt into the running query.
	Send(ctx context.Context, prompt *Prompt) error

	// Interrupt asks the SDK to stop the current turn.
	Interrupt(ctx context.Context) error

	// SetModel reconfigures the model of the running query.
	SetModel(ctx context.Context, model string) error

	// SetMaxThinkingTokens reconfigures the thinking budget; 0 clears it.
	SetMaxThinkingTokens(ctx context.Context, tokens int) error

	// SetPermissionMode reconfigures the permission mode.
	SetPermissionMode(ctx context.Context, mode string) error

	// MCPServerStatus reports the status of configured MCP servers.
	MCPServerStatus(ctx context.Context) ([]MCPServerStatus, error)

	// Close releases the query. Idempotent.
	Close() error
}

// QueryFactory starts agent queries. The production factory wraps the agent
// SDK process; tests use a scripted fake.
type QueryFactory interface {
	Start(ctx context.Context, spec QuerySpec) (Query, error)
}
