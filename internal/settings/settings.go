// Package settings manages the on-disk JSON settings document. The document
// is the durable companion to per-session config: server definitions and the
// disabled-MCP list survive daemon restarts through it. Writes are atomic
// (temp file + rename) so a crash never leaves a torn document.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/relayd/relayd/internal/common/logger"
)

// ServerSource names where an MCP server definition came from.
type ServerSource string

const (
	SourceGlobal  ServerSource = "global"
	SourceSession ServerSource = "session"
)

// ServerEntry is one MCP server definition with its origin.
type ServerEntry struct {
	Name     string          `json:"name"`
	Source   ServerSource    `json:"source"`
	Config   json.RawMessage `json:"config,omitempty"`
	Disabled bool            `json:"disabled"`
}

// Document is the persisted settings shape. Unknown keys written by other
// tools are preserved across saves via Extra.
type Document struct {
	DisabledMCPServers []string                   `json:"disabledMcpjsonServers"`
	MCPServers         map[string]json.RawMessage `json:"mcpServers,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// MarshalJSON folds the preserved unknown keys back into the document.
func (d Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(d.Extra)+2)
	for k, v := range d.Extra {
		out[k] = v
	}
	disabled, err := json.Marshal(d.DisabledMCPServers)
	if err != nil {
		return nil, err
	}
	out["disabledMcpjsonServers"] = disabled
	if d.MCPServers != nil {
		servers, err := json.Marshal(d.MCPServers)
		if err != nil {
			return nil, err
		}
		out["mcpServers"] = servers
	}
	return json.Marshal(out)
}

// UnmarshalJSON keeps keys this package does not model.
func (d *Document) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["disabledMcpjsonServers"]; ok {
		if err := json.Unmarshal(v, &d.DisabledMCPServers); err != nil {
			return fmt.Errorf("invalid disabledMcpjsonServers: %w", err)
		}
		delete(raw, "disabledMcpjsonServers")
	}
	if v, ok := raw["mcpServers"]; ok {
		if err := json.Unmarshal(v, &d.MCPServers); err != nil {
			return fmt.Errorf("invalid mcpServers: %w", err)
		}
		delete(raw, "mcpServers")
	}
	d.Extra = raw
	return nil
}

// Manager serializes access to the settings file. The in-memory document is
// authoritative between saves; every mutation persists immediately.
type Manager struct {
	path   string
	logger *logger.Logger

	mu  sync.Mutex
	doc Document
}

// NewManager loads the document at path, starting empty when the file does
// not exist yet. A malformed file is an error, not silently replaced.
func NewManager(path string, log *logger.Logger) (*Manager, error) {
	m := &Manager{path: path, logger: log}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		m.doc = Document{}
	case err != nil:
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	default:
		if err := json.Unmarshal(data, &m.doc); err != nil {
			return nil, fmt.Errorf("failed to parse settings file %s: %w", path, err)
		}
	}
	return m, nil
}

// Path returns the backing file location.
func (m *Manager) Path() string { return m.path }

// Get returns a deep-enough copy of the document for read-only use.
func (m *Manager) Get() Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Update applies a mutation and persists the result.
func (m *Manager) Update(mutate func(doc *Document)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mutate(&m.doc)
	return m.saveLocked()
}

// Save rewrites the file from the in-memory document.
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

// ReadFile returns the raw bytes currently on disk, bypassing the in-memory
// document. An absent file reads as an empty object.
func (m *Manager) ReadFile() ([]byte, error) {
	data, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return []byte("{}"), nil
	}
	return data, err
}

// DisabledServers returns the disabled-MCP list, sorted for stable output.
func (m *Manager) DisabledServers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]string(nil), m.doc.DisabledMCPServers...)
	sort.Strings(out)
	return out
}

// SetDisabledServers replaces the disabled-MCP list. Implements the slice of
// the settings store the session runtime consumes.
func (m *Manager) SetDisabledServers(servers []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc.DisabledMCPServers = dedupe(servers)
	return m.saveLocked()
}

// ToggleServer flips a server's disabled state and reports the new state.
func (m *Manager) ToggleServer(name string) (disabled bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i, s := range m.doc.DisabledMCPServers {
		if s == name {
			idx = i
			break
		}
	}
	if idx >= 0 {
		m.doc.DisabledMCPServers = append(m.doc.DisabledMCPServers[:idx], m.doc.DisabledMCPServers[idx+1:]...)
		disabled = false
	} else {
		m.doc.DisabledMCPServers = append(m.doc.DisabledMCPServers, name)
		disabled = true
	}
	return disabled, m.saveLocked()
}

// UpdateServerSettings upserts a global MCP server definition. A nil config
// removes the definition.
func (m *Manager) UpdateServerSettings(name string, config json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if config == nil {
		delete(m.doc.MCPServers, name)
	} else {
		if m.doc.MCPServers == nil {
			m.doc.MCPServers = make(map[string]json.RawMessage)
		}
		m.doc.MCPServers[name] = config
	}
	return m.saveLocked()
}

// ListFromSources merges global server definitions with a session's own,
// session definitions shadowing global ones of the same name. The disabled
// flag reflects the global disabled list in both cases.
func (m *Manager) ListFromSources(sessionServers map[string]json.RawMessage) []ServerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	disabled := make(map[string]bool, len(m.doc.DisabledMCPServers))
	for _, name := range m.doc.DisabledMCPServers {
		disabled[name] = true
	}

	merged := make(map[string]ServerEntry, len(m.doc.MCPServers)+len(sessionServers))
	for name, cfg := range m.doc.MCPServers {
		merged[name] = ServerEntry{Name: name, Source: SourceGlobal, Config: cfg, Disabled: disabled[name]}
	}
	for name, cfg := range sessionServers {
		merged[name] = ServerEntry{Name: name, Source: SourceSession, Config: cfg, Disabled: disabled[name]}
	}

	out := make([]ServerEntry, 0, len(merged))
	for _, entry := range merged {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// saveLocked writes atomically: marshal to a temp file in the same
// directory, then rename over the target. Caller holds mu.
func (m *Manager) saveLocked() error {
	data, err := json.MarshalIndent(m.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize settings: %w", err)
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".settings-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp settings file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp settings file: %w", err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace settings file: %w", err)
	}

	m.logger.Debug("Settings saved", zap.String("path", m.path))
	return nil
}

func (m *Manager) snapshotLocked() Document {
	doc := Document{
		DisabledMCPServers: append([]string(nil), m.doc.DisabledMCPServers...),
	}
	if m.doc.MCPServers != nil {
		doc.MCPServers = make(map[string]json.RawMessage, len(m.doc.MCPServers))
		for k, v := range m.doc.MCPServers {
			doc.MCPServers[k] = v
		}
	}
	if m.doc.Extra != nil {
		doc.Extra = make(map[string]json.RawMessage, len(m.doc.Extra))
		for k, v := range m.doc.Extra {
			doc.Extra[k] = v
		}
	}
	return doc
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
