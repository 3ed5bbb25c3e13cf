package runtime

import (
	"context"
	"slices"

	"go.uber.org/zap"

	"github.com/relayd/relayd/internal/agent"
	"github.com/relayd/relayd/internal/events"
	"github.com/relayd/relayd/internal/session/models"
)

// ToolsConfig is the mutable tool surface of a session.
type ToolsConfig struct {
	AllowedTools       []string `json:"allowed_tools,omitempty"`
	DisallowedTools    []string `json:"disallowed_tools,omitempty"`
	DisabledMCPServers []string `json:"disabled_mcp_servers,omitempty"`
}

// SetMaxThinkingTokens reconfigures the thinking budget. Before the query
// produced its first message the new value is persisted only; a live query
// gets the SDK setter first. 0 clears the budget.
func (r *Runtime) SetMaxThinkingTokens(ctx context.Context, tokens int) error {
	if query, live := r.liveQuery(); live {
		if err := query.SetMaxThinkingTokens(ctx, tokens); err != nil {
			r.logger.Warn("SDK rejected thinking budget change", zap.Error(err))
			return err
		}
	}

	r.mu.Lock()
	r.session.Config.MaxThinkingTokens = tokens
	r.mu.Unlock()
	if err := r.persistConfig(ctx); err != nil {
		return err
	}

	r.publish(events.SessionUpdated, map[string]interface{}{"source": "thinking-tokens"})
	return nil
}

// SetModel switches the model, mirroring the thinking budget flow.
func (r *Runtime) SetModel(ctx context.Context, model string) error {
	if query, live := r.liveQuery(); live {
		if err := query.SetModel(ctx, model); err != nil {
			r.logger.Warn("SDK rejected model change", zap.Error(err))
			return err
		}
	}

	r.mu.Lock()
	r.session.Config.Model = model
	r.mu.Unlock()
	if err := r.persistConfig(ctx); err != nil {
		return err
	}

	r.publish(events.SessionUpdated, map[string]interface{}{"source": "model"})
	return nil
}

// SetPermissionMode reconfigures the permission mode, mirroring the thinking
// budget flow.
func (r *Runtime) SetPermissionMode(ctx context.Context, mode string) error {
	if query, live := r.liveQuery(); live {
		if err := query.SetPermissionMode(ctx, mode); err != nil {
			r.logger.Warn("SDK rejected permission mode change", zap.Error(err))
			return err
		}
	}

	r.mu.Lock()
	r.session.Config.PermissionMode = mode
	r.mu.Unlock()
	if err := r.persistConfig(ctx); err != nil {
		return err
	}

	r.publish(events.SessionUpdated, map[string]interface{}{"source": "permission-mode"})
	return nil
}

// MCPServerStatus reports server status from a live query, or an empty list
// when no query is active. SDK errors are warned and yield an empty list.
func (r *Runtime) MCPServerStatus(ctx context.Context) []agent.MCPServerStatus {
	query, live := r.liveQuery()
	if !live {
		return []agent.MCPServerStatus{}
	}
	status, err := query.MCPServerStatus(ctx)
	if err != nil {
		r.logger.Warn("Failed to fetch MCP server status", zap.Error(err))
		return []agent.MCPServerStatus{}
	}
	return status
}

// UpdateToolsConfig persists a new tool surface. A change to the disabled
// MCP set is written to the settings store and restarts the query so the
// agent re-materializes with the new servers; a running queue additionally
// gets an internal context refresh.
func (r *Runtime) UpdateToolsConfig(ctx context.Context, tools ToolsConfig) error {
	r.mu.Lock()
	mcpChanged := !slices.Equal(r.session.Config.DisabledMCP, tools.DisabledMCPServers)
	r.session.Config.AllowedTools = tools.AllowedTools
	r.session.Config.DisallowedTools = tools.DisallowedTools
	r.session.Config.DisabledMCP = tools.DisabledMCPServers
	r.mu.Unlock()

	if err := r.persistConfig(ctx); err != nil {
		return err
	}

	if mcpChanged {
		if r.mcpSettings != nil {
			if err := r.mcpSettings.SetDisabledServers(tools.DisabledMCPServers); err != nil {
				r.logger.Warn("Failed to persist disabled MCP servers", zap.Error(err))
			}
		}
		if err := r.RestartQuery(ctx); err != nil {
			r.logger.Warn("Query restart failed after MCP change", zap.Error(err))
		}
	}

	if r.queue.IsRunning() {
		// Fire-and-forget context refresh; the reply is just stream noise.
		if _, _, err := r.Enqueue(ctx, TextContent("/context"), true); err != nil {
			r.logger.Warn("Failed to enqueue context refresh", zap.Error(err))
		}
	}

	r.publish(events.SessionUpdated, map[string]interface{}{"source": "tools"})
	return nil
}

// UpdateConfig replaces the whole session config and persists it.
func (r *Runtime) UpdateConfig(ctx context.Context, mutate func(cfg *models.Config)) error {
	r.mu.Lock()
	mutate(&r.session.Config)
	r.mu.Unlock()
	if err := r.persistConfig(ctx); err != nil {
		return err
	}
	r.publish(events.SessionUpdated, map[string]interface{}{"source": "config"})
	return nil
}

// liveQuery returns the query when it is active and has produced at least
// one message.
func (r *Runtime) liveQuery() (agent.Query, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.query == nil || !r.firstMessage {
		return nil, false
	}
	return r.query, true
}

func (r *Runtime) persistConfig(ctx context.Context) error {
	r.mu.Lock()
	id := r.session.ID
	cfg := r.session.Config
	r.mu.Unlock()

	if err := r.store.UpdateSessionConfig(ctx, id, cfg); err != nil {
		r.logger.Error("Failed to persist session config", zap.Error(err))
		return err
	}
	return nil
}
