package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayd/relayd/internal/agent"
)

func TestSetMaxThinkingTokensPersistOnlyWhenInactive(t *testing.T) {
	f := setupRuntime(t)
	ctx := context.Background()

	require.NoError(t, f.runtime.SetMaxThinkingTokens(ctx, 8000))

	assert.Empty(t, f.query.ThinkingCalls, "no SDK call before the query is live")
	session, err := f.store.GetSession(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, 8000, session.Config.MaxThinkingTokens)
}

func TestSetMaxThinkingTokensLiveQuery(t *testing.T) {
	f := setupRuntime(t)
	ctx := context.Background()

	_, _, err := f.runtime.Enqueue(ctx, TextContent("go"), false)
	require.NoError(t, err)
	f.query.Emit(&agent.Message{UUID: "a-1", Type: agent.MessageTypeAssistant, Payload: []byte(`{"content":"working"}`)})
	waitFor(t, func() bool { return f.runtime.State() == StateProcessing }, "not processing")

	require.NoError(t, f.runtime.SetMaxThinkingTokens(ctx, 4000))
	assert.Equal(t, []int{4000}, f.query.ThinkingCalls)

	session, err := f.store.GetSession(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, 4000, session.Config.MaxThinkingTokens)
}

func TestSetPermissionModePersists(t *testing.T) {
	f := setupRuntime(t)
	ctx := context.Background()

	require.NoError(t, f.runtime.SetPermissionMode(ctx, "acceptEdits"))

	session, err := f.store.GetSession(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, "acceptEdits", session.Config.PermissionMode)
	assert.Empty(t, f.query.PermissionCalls)
}

func TestMCPServerStatusInactiveQuery(t *testing.T) {
	f := setupRuntime(t)
	assert.Empty(t, f.runtime.MCPServerStatus(context.Background()))
}

type fakeMCPSettings struct {
	disabled [][]string
}

func (s *fakeMCPSettings) SetDisabledServers(servers []string) error {
	s.disabled = append(s.disabled, servers)
	return nil
}

func TestUpdateToolsConfigMCPChangeRestartsQuery(t *testing.T) {
	f := setupRuntime(t)
	ctx := context.Background()

	mcp := &fakeMCPSettings{}
	f.runtime.mcpSettings = mcp

	_, _, err := f.runtime.Enqueue(ctx, TextContent("go"), false)
	require.NoError(t, err)
	f.query.Emit(&agent.Message{UUID: "a-1", Type: agent.MessageTypeAssistant, Payload: []byte(`{"content":"working"}`)})
	waitFor(t, func() bool { return f.runtime.State() == StateProcessing }, "not processing")

	require.NoError(t, f.runtime.UpdateToolsConfig(ctx, ToolsConfig{
		AllowedTools:       []string{"Read"},
		DisabledMCPServers: []string{"browser"},
	}))

	require.Len(t, mcp.disabled, 1)
	assert.Equal(t, []string{"browser"}, mcp.disabled[0])

	// The MCP change tore the query down; the next enqueue starts a new one.
	waitFor(t, func() bool { return f.runtime.State() == StateIdle }, "query not restarted to idle")

	session, err := f.store.GetSession(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Read"}, session.Config.AllowedTools)
	assert.Equal(t, []string{"browser"}, session.Config.DisabledMCP)
}

func TestUpdateToolsConfigNoMCPChange(t *testing.T) {
	f := setupRuntime(t)
	ctx := context.Background()

	mcp := &fakeMCPSettings{}
	f.runtime.mcpSettings = mcp

	require.NoError(t, f.runtime.UpdateToolsConfig(ctx, ToolsConfig{
		AllowedTools: []string{"Read", "Write"},
	}))

	assert.Empty(t, mcp.disabled, "settings untouched when the MCP set is unchanged")
}
