package daemon

import (
	"context"
	"encoding/json"

	"github.com/relayd/relayd/internal/settings"
	"github.com/relayd/relayd/pkg/wire"
)

func (d *Daemon) registerSettingsHandlers(dispatcher *wire.Dispatcher) {
	dispatcher.RegisterFunc("settings.global.get", d.handleSettingsGlobalGet)
	dispatcher.RegisterFunc("settings.global.update", d.handleSettingsGlobalUpdate)
	dispatcher.RegisterFunc("settings.global.save", d.handleSettingsGlobalSave)
	dispatcher.RegisterFunc("settings.mcp.toggle", d.handleSettingsMCPToggle)
	dispatcher.RegisterFunc("settings.mcp.getDisabled", d.handleSettingsMCPGetDisabled)
	dispatcher.RegisterFunc("settings.mcp.setDisabled", d.handleSettingsMCPSetDisabled)
	dispatcher.RegisterFunc("settings.mcp.listFromSources", d.handleSettingsMCPListFromSources)
	dispatcher.RegisterFunc("settings.mcp.updateServerSettings", d.handleSettingsMCPUpdateServer)
	dispatcher.RegisterFunc("settings.fileOnly.read", d.handleSettingsFileRead)
}

func (d *Daemon) handleSettingsGlobalGet(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	return respond(frame, map[string]interface{}{"settings": d.settings.Get()})
}

func (d *Daemon) handleSettingsGlobalUpdate(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req struct {
		Settings settings.Document `json:"settings"`
	}
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}

	err := d.settings.Update(func(doc *settings.Document) {
		*doc = req.Settings
	})
	if err != nil {
		return failErr(frame, err)
	}
	return respond(frame, map[string]interface{}{"settings": d.settings.Get()})
}

func (d *Daemon) handleSettingsGlobalSave(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	if err := d.settings.Save(); err != nil {
		return failErr(frame, err)
	}
	return respond(frame, map[string]interface{}{"saved": true})
}

func (d *Daemon) handleSettingsMCPToggle(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	if req.Name == "" {
		return fail(frame, wire.ErrorCodeValidation, "name is required")
	}

	disabled, err := d.settings.ToggleServer(req.Name)
	if err != nil {
		return failErr(frame, err)
	}
	return respond(frame, map[string]interface{}{"name": req.Name, "disabled": disabled})
}

func (d *Daemon) handleSettingsMCPGetDisabled(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	return respond(frame, map[string]interface{}{"disabled": d.settings.DisabledServers()})
}

func (d *Daemon) handleSettingsMCPSetDisabled(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req struct {
		Disabled []string `json:"disabled"`
	}
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}

	if err := d.settings.SetDisabledServers(req.Disabled); err != nil {
		return failErr(frame, err)
	}
	return respond(frame, map[string]interface{}{"disabled": d.settings.DisabledServers()})
}

func (d *Daemon) handleSettingsMCPListFromSources(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req sessionRef
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}

	// Session-level servers shadow global ones when a session is named.
	var sessionServers map[string]json.RawMessage
	if id := req.resolve(frame); id != "" {
		cfg, err := d.getConfig(ctx, id)
		if err != nil {
			return failErr(frame, err)
		}
		sessionServers = cfg.MCPServers
	}

	return respond(frame, map[string]interface{}{
		"servers": d.settings.ListFromSources(sessionServers),
	})
}

func (d *Daemon) handleSettingsMCPUpdateServer(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	var req struct {
		Name   string          `json:"name"`
		Config json.RawMessage `json:"config"`
	}
	if err := decode(frame, &req); err != nil {
		return fail(frame, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	if req.Name == "" {
		return fail(frame, wire.ErrorCodeValidation, "name is required")
	}

	if err := d.settings.UpdateServerSettings(req.Name, req.Config); err != nil {
		return failErr(frame, err)
	}
	return respond(frame, map[string]interface{}{"settings": d.settings.Get()})
}

func (d *Daemon) handleSettingsFileRead(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	raw, err := d.settings.ReadFile()
	if err != nil {
		return failErr(frame, err)
	}
	return respond(frame, map[string]interface{}{
		"path":     d.settings.Path(),
		"contents": json.RawMessage(raw),
	})
}
