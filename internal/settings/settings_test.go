package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayd/relayd/internal/common/logger"
)

func testManager(t *testing.T) (*Manager, string) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "settings.json")
	m, err := NewManager(path, log)
	require.NoError(t, err)
	return m, path
}

func TestSettingsMissingFileStartsEmpty(t *testing.T) {
	m, path := testManager(t)

	assert.Empty(t, m.DisabledServers())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "loading alone must not create the file")

	raw, err := m.ReadFile()
	require.NoError(t, err)
	assert.JSONEq(t, "{}", string(raw))
}

func TestSettingsMalformedFileIsAnError(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err = NewManager(path, log)
	assert.Error(t, err)
}

func TestSettingsDisabledServersRoundTrip(t *testing.T) {
	m, path := testManager(t)

	require.NoError(t, m.SetDisabledServers([]string{"github", "linear", "github"}))
	assert.Equal(t, []string{"github", "linear"}, m.DisabledServers())

	// A fresh manager sees the persisted state.
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	reloaded, err := NewManager(path, log)
	require.NoError(t, err)
	assert.Equal(t, []string{"github", "linear"}, reloaded.DisabledServers())
}

func TestSettingsToggleServer(t *testing.T) {
	m, _ := testManager(t)

	disabled, err := m.ToggleServer("github")
	require.NoError(t, err)
	assert.True(t, disabled)
	assert.Equal(t, []string{"github"}, m.DisabledServers())

	disabled, err = m.ToggleServer("github")
	require.NoError(t, err)
	assert.False(t, disabled)
	assert.Empty(t, m.DisabledServers())
}

func TestSettingsPreservesUnknownKeys(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "settings.json")
	seed := `{"disabledMcpjsonServers":["old"],"theme":"dark","editor":{"font":"mono"}}`
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o644))

	m, err := NewManager(path, log)
	require.NoError(t, err)
	require.NoError(t, m.SetDisabledServers([]string{"new"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &got))
	assert.JSONEq(t, `"dark"`, string(got["theme"]))
	assert.JSONEq(t, `{"font":"mono"}`, string(got["editor"]))
	assert.JSONEq(t, `["new"]`, string(got["disabledMcpjsonServers"]))
}

func TestSettingsUpdateServerSettings(t *testing.T) {
	m, _ := testManager(t)

	cfg := json.RawMessage(`{"command":"npx","args":["-y","@modelcontextprotocol/server-github"]}`)
	require.NoError(t, m.UpdateServerSettings("github", cfg))

	doc := m.Get()
	require.Contains(t, doc.MCPServers, "github")
	assert.JSONEq(t, string(cfg), string(doc.MCPServers["github"]))

	// Nil config removes the definition.
	require.NoError(t, m.UpdateServerSettings("github", nil))
	assert.NotContains(t, m.Get().MCPServers, "github")
}

func TestSettingsListFromSources(t *testing.T) {
	m, _ := testManager(t)

	require.NoError(t, m.UpdateServerSettings("github", json.RawMessage(`{"command":"gh-mcp"}`)))
	require.NoError(t, m.UpdateServerSettings("linear", json.RawMessage(`{"command":"linear-mcp"}`)))
	require.NoError(t, m.SetDisabledServers([]string{"linear"}))

	session := map[string]json.RawMessage{
		"github": json.RawMessage(`{"command":"gh-mcp","args":["--scoped"]}`), // shadows global
		"local":  json.RawMessage(`{"command":"local-mcp"}`),
	}

	entries := m.ListFromSources(session)
	require.Len(t, entries, 3)

	byName := make(map[string]ServerEntry, len(entries))
	for _, e := range entries {
		byName[e.Name] = e
	}
	assert.Equal(t, SourceSession, byName["github"].Source, "session definition shadows global")
	assert.Equal(t, SourceGlobal, byName["linear"].Source)
	assert.True(t, byName["linear"].Disabled)
	assert.Equal(t, SourceSession, byName["local"].Source)
	assert.False(t, byName["local"].Disabled)
}

func TestSettingsSaveCreatesParentDir(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "nested", "deeper", "settings.json")
	m, err := NewManager(path, log)
	require.NoError(t, err)

	require.NoError(t, m.Save())
	_, err = os.Stat(path)
	assert.NoError(t, err)
}
