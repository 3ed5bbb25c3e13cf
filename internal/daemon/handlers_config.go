package daemon

import (
	"context"
	"encoding/json"

	"github.com/relayd/relayd/internal/session/models"
	"github.com/relayd/relayd/internal/session/runtime"
	"github.com/relayd/relayd/pkg/wire"
)

func (d *Daemon) registerConfigHandlers(dispatcher *wire.Dispatcher) {
	dispatcher.RegisterFunc("config.getAll", d.handleConfigGetAll)
	dispatcher.RegisterFunc("config.updateBulk", d.handleConfigUpdateBulk)

	dispatcher.RegisterFunc("config.model.get", d.configGetter(func(cfg *models.Config) interface{} {
		return map[string]interface{}{"model": cfg.Model, "fallbackModel": cfg.FallbackModel}
	}))
	dispatcher.RegisterFunc("config.model.update", d.handleConfigModelUpdate)

	dispatcher.RegisterFunc("config.systemPrompt.get", d.configGetter(func(cfg *models.Config) interface{} {
		return map[string]interface{}{"systemPrompt": cfg.SystemPrompt}
	}))
	dispatcher.RegisterFunc("config.systemPrompt.update", d.handleConfigSystemPromptUpdate)

	dispatcher.RegisterFunc("config.tools.get", d.configGetter(func(cfg *models.Config) interface{} {
		return map[string]interface{}{
			"allowedTools":    cfg.AllowedTools,
			"disallowedTools": cfg.DisallowedTools,
			"disabledMcp":     cfg.DisabledMCP,
		}
	}))
	dispatcher.RegisterFunc("config.tools.update", d.handleConfigToolsUpdate)

	dispatcher.RegisterFunc("config.agents.get", d.configGetter(func(cfg *models.Config) interface{} {
		return map[string]interface{}{"agents": cfg.Agents}
	}))
	dispatcher.RegisterFunc("config.agents.update", d.handleConfigAgentsUpdate)

	dispatcher.RegisterFunc("config.sandbox.get", d.configGetter(func(cfg *models.Config) interface{} {
		return map[string]interface{}{"sandbox": cfg.Sandbox}
	}))
	dispatcher.RegisterFunc("config.sandbox.update", d.handleConfigSandboxUpdate)

	dispatcher.RegisterFunc("config.mcp.get", d.handleConfigMCPGet)
	dispatcher.RegisterFunc("config.mcp.addServer", d.handleConfigMCPAddServer)
	dispatcher.RegisterFunc("config.mcp.removeServer", d.handleConfigMCPRemoveServer)

	dispatcher.RegisterFunc("config.outputFormat.get", d.configGetter(func(cfg *models.Config) interface{} {
		return map[string]interface{}{"outputFormat": cfg.OutputFormat}
	}))
	dispatcher.RegisterFunc("config.outputFormat.update", d.handleConfigOutputFormatUpdate)

	dispatcher.RegisterFunc("config.betas.get", d.configGetter(func(cfg *models.Config) interface{} {
		return map[string]interface{}{"betas": cfg.Betas}
	}))
	dispatcher.RegisterFunc("config.betas.update", d.handleConfigBetasUpdate)

	dispatcher.RegisterFunc("config.env.get", d.configGetter(func(cfg *models.Config) interface{} {
		return map[string]interface{}{"env": cfg.Env}
	}))
	dispatcher.RegisterFunc("config.env.update", d.handleConfigEnvUpdate)

	dispatcher.RegisterFunc("config.permissions.get", d.configGetter(func(cfg *models.Config) interface{} {
		return map[string]interface{}{"permissionMode": cfg.PermissionMode}
	}))
	dispatcher.RegisterFunc("config.permissions.update", d.handleConfigPermissionsUpdate)

	dispatcher.RegisterFunc("config.thinking.get", d.configGetter(func(cfg *models.Config) interface{} {
		return map[string]interface{}{
			"maxThinkingTokens": cfg.MaxThinkingTokens,
			"thinkingLevel":     cfg.ThinkingLevel,
		}
	}))
	dispatcher.RegisterFunc("config.thinking.update", d.handleConfigThinkingUpdate)
}

// getConfig reads the session config through the attached runtime when one
// exists, else straight from the store.
func (d *Daemon) getConfig(ctx context.Context, id string) (models.Config, error) {
	if rt, ok := d.manager.Get(id); ok {
		return rt.Session().Config, nil
	}
	sess, err := d.store.GetSession(ctx, id)
	if err != nil {
		return models.Config{}, err
	}
	return sess.Config, nil
}

// configGetter builds a read handler for one config field.
func (d *Daemon) configGetter(project func(cfg *models.Config) interface{}) wire.HandlerFunc {
	return func(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
		var req sessionRef
		if err := decode(frame, &req); err != nil {
			return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
		}
		id := req.resolve(frame)
		if id == "" {
			return fail(frame, wire.ErrorCodeValidation, "sessionId is required")
		}

		cfg, err := d.getConfig(ctx, id)
		if err != nil {
			return failErr(frame, err)
		}
		return respond(frame, project(&cfg))
	}
}

// updateConfig applies a mutation through the manager, which routes it via
// the live runtime when one is attached.
func (d *Daemon) updateConfig(ctx context.Context, frame *wire.Frame, id string, mutate func(cfg *models.Config)) (*wire.Frame, error) {
	if err := d.manager.UpdateConfig(ctx, id, mutate); err != nil {
		return failErr(frame, err)
	}
	cfg, err := d.getConfig(ctx, id)
	if err != nil {
		return failErr(frame, err)
	}
	return respond(frame, map[string]interface{}{"config": cfg})
}

func (d *Daemon) handleConfigGetAll(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req sessionRef
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	id := req.resolve(frame)
	if id == "" {
		return fail(frame, wire.ErrorCodeValidation, "sessionId is required")
	}

	cfg, err := d.getConfig(ctx, id)
	if err != nil {
		return failErr(frame, err)
	}
	return respond(frame, map[string]interface{}{"config": cfg})
}

func (d *Daemon) handleConfigUpdateBulk(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req struct {
		sessionRef
		Config models.Config `json:"config"`
	}
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	id := req.resolve(frame)
	if id == "" {
		return fail(frame, wire.ErrorCodeValidation, "sessionId is required")
	}

	return d.updateConfig(ctx, frame, id, func(cfg *models.Config) {
		*cfg = req.Config
	})
}

func (d *Daemon) handleConfigModelUpdate(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req struct {
		sessionRef
		Model         string `json:"model"`
		FallbackModel string `json:"fallbackModel"`
	}
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	id := req.resolve(frame)
	if id == "" || req.Model == "" {
		return fail(frame, wire.ErrorCodeValidation, "sessionId and model are required")
	}

	// A live query switches models in place; detached sessions just persist.
	if rt, ok := d.manager.Get(id); ok {
		if err := rt.SetModel(ctx, req.Model); err != nil {
			return failErr(frame, err)
		}
		if req.FallbackModel != "" {
			if err := rt.UpdateConfig(ctx, func(cfg *models.Config) {
				cfg.FallbackModel = req.FallbackModel
			}); err != nil {
				return failErr(frame, err)
			}
		}
		return respond(frame, map[string]interface{}{"model": req.Model})
	}

	return d.updateConfig(ctx, frame, id, func(cfg *models.Config) {
		cfg.Model = req.Model
		if req.FallbackModel != "" {
			cfg.FallbackModel = req.FallbackModel
		}
	})
}

func (d *Daemon) handleConfigSystemPromptUpdate(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req struct {
		sessionRef
		SystemPrompt string `json:"systemPrompt"`
	}
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	id := req.resolve(frame)
	if id == "" {
		return fail(frame, wire.ErrorCodeValidation, "sessionId is required")
	}

	return d.updateConfig(ctx, frame, id, func(cfg *models.Config) {
		cfg.SystemPrompt = req.SystemPrompt
	})
}

func (d *Daemon) handleConfigToolsUpdate(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req struct {
		sessionRef
		AllowedTools    []string `json:"allowedTools"`
		DisallowedTools []string `json:"disallowedTools"`
		DisabledMCP     []string `json:"disabledMcp"`
	}
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	id := req.resolve(frame)
	if id == "" {
		return fail(frame, wire.ErrorCodeValidation, "sessionId is required")
	}

	// Tool changes on a live session go through the runtime so an MCP set
	// change can restart the query.
	if rt, ok := d.manager.Get(id); ok {
		err := rt.UpdateToolsConfig(ctx, runtime.ToolsConfig{
			AllowedTools:       req.AllowedTools,
			DisallowedTools:    req.DisallowedTools,
			DisabledMCPServers: req.DisabledMCP,
		})
		if err != nil {
			return failErr(frame, err)
		}
		return respond(frame, map[string]interface{}{"updated": true})
	}

	return d.updateConfig(ctx, frame, id, func(cfg *models.Config) {
		cfg.AllowedTools = req.AllowedTools
		cfg.DisallowedTools = req.DisallowedTools
		cfg.DisabledMCP = req.DisabledMCP
	})
}

func (d *Daemon) handleConfigAgentsUpdate(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req struct {
		sessionRef
		Agents map[string]json.RawMessage `json:"agents"`
	}
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	id := req.resolve(frame)
	if id == "" {
		return fail(frame, wire.ErrorCodeValidation, "sessionId is required")
	}

	return d.updateConfig(ctx, frame, id, func(cfg *models.Config) {
		cfg.Agents = req.Agents
	})
}

func (d *Daemon) handleConfigSandboxUpdate(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req struct {
		sessionRef
		Sandbox json.RawMessage `json:"sandbox"`
	}
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	id := req.resolve(frame)
	if id == "" {
		return fail(frame, wire.ErrorCodeValidation, "sessionId is required")
	}

	return d.updateConfig(ctx, frame, id, func(cfg *models.Config) {
		cfg.Sandbox = req.Sandbox
	})
}

func (d *Daemon) handleConfigMCPGet(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req sessionRef
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	id := req.resolve(frame)
	if id == "" {
		return fail(frame, wire.ErrorCodeValidation, "sessionId is required")
	}

	cfg, err := d.getConfig(ctx, id)
	if err != nil {
		return failErr(frame, err)
	}

	reply := map[string]interface{}{
		"servers":     cfg.MCPServers,
		"disabledMcp": cfg.DisabledMCP,
	}
	// A live query can also report server health.
	if rt, ok := d.manager.Get(id); ok {
		reply["status"] = rt.MCPServerStatus(ctx)
	}
	return respond(frame, reply)
}

func (d *Daemon) handleConfigMCPAddServer(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req struct {
		sessionRef
		Name   string          `json:"name"`
		Server json.RawMessage `json:"server"`
	}
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	id := req.resolve(frame)
	if id == "" || req.Name == "" || len(req.Server) == 0 {
		return fail(frame, wire.ErrorCodeValidation, "sessionId, name, and server are required")
	}

	return d.updateConfig(ctx, frame, id, func(cfg *models.Config) {
		if cfg.MCPServers == nil {
			cfg.MCPServers = make(map[string]json.RawMessage)
		}
		cfg.MCPServers[req.Name] = req.Server
	})
}

func (d *Daemon) handleConfigMCPRemoveServer(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req struct {
		sessionRef
		Name string `json:"name"`
	}
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	id := req.resolve(frame)
	if id == "" || req.Name == "" {
		return fail(frame, wire.ErrorCodeValidation, "sessionId and name are required")
	}

	return d.updateConfig(ctx, frame, id, func(cfg *models.Config) {
		delete(cfg.MCPServers, req.Name)
	})
}

func (d *Daemon) handleConfigOutputFormatUpdate(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req struct {
		sessionRef
		OutputFormat string `json:"outputFormat"`
	}
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	id := req.resolve(frame)
	if id == "" {
		return fail(frame, wire.ErrorCodeValidation, "sessionId is required")
	}

	return d.updateConfig(ctx, frame, id, func(cfg *models.Config) {
		cfg.OutputFormat = req.OutputFormat
	})
}

func (d *Daemon) handleConfigBetasUpdate(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req struct {
		sessionRef
		Betas []string `json:"betas"`
	}
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	id := req.resolve(frame)
	if id == "" {
		return fail(frame, wire.ErrorCodeValidation, "sessionId is required")
	}

	return d.updateConfig(ctx, frame, id, func(cfg *models.Config) {
		cfg.Betas = req.Betas
	})
}

func (d *Daemon) handleConfigEnvUpdate(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req struct {
		sessionRef
		Env map[string]string `json:"env"`
	}
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	id := req.resolve(frame)
	if id == "" {
		return fail(frame, wire.ErrorCodeValidation, "sessionId is required")
	}

	return d.updateConfig(ctx, frame, id, func(cfg *models.Config) {
		cfg.Env = req.Env
	})
}

func (d *Daemon) handleConfigPermissionsUpdate(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req struct {
		sessionRef
		PermissionMode string `json:"permissionMode"`
	}
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	id := req.resolve(frame)
	if id == "" || req.PermissionMode == "" {
		return fail(frame, wire.ErrorCodeValidation, "sessionId and permissionMode are required")
	}

	if rt, ok := d.manager.Get(id); ok {
		if err := rt.SetPermissionMode(ctx, req.PermissionMode); err != nil {
			return failErr(frame, err)
		}
		return respond(frame, map[string]interface{}{"permissionMode": req.PermissionMode})
	}

	return d.updateConfig(ctx, frame, id, func(cfg *models.Config) {
		cfg.PermissionMode = req.PermissionMode
	})
}

func (d *Daemon) handleConfigThinkingUpdate(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req struct {
		sessionRef
		MaxThinkingTokens int    `json:"maxThinkingTokens"`
		ThinkingLevel     string `json:"thinkingLevel"`
	}
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	id := req.resolve(frame)
	if id == "" {
		return fail(frame, wire.ErrorCodeValidation, "sessionId is required")
	}

	if rt, ok := d.manager.Get(id); ok {
		if err := rt.SetMaxThinkingTokens(ctx, req.MaxThinkingTokens); err != nil {
			return failErr(frame, err)
		}
		if req.ThinkingLevel != "" {
			if err := rt.UpdateConfig(ctx, func(cfg *models.Config) {
				cfg.ThinkingLevel = req.ThinkingLevel
			}); err != nil {
				return failErr(frame, err)
			}
		}
		return respond(frame, map[string]interface{}{"maxThinkingTokens": req.MaxThinkingTokens})
	}

	return d.updateConfig(ctx, frame, id, func(cfg *models.Config) {
		cfg.MaxThinkingTokens = req.MaxThinkingTokens
		if req.ThinkingLevel != "" {
			cfg.ThinkingLevel = req.ThinkingLevel
		}
	})
}
