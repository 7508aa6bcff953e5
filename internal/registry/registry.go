// Package registry tracks the tools and agents a project declares.
// Discovery creates a fresh Registry per pass and hands out immutable-ish
// snapshots; nothing in here is global.
package registry

import (
	"context"
	"sync"

	"klisk/internal/config"
)

// HandlerFunc executes a declared tool with decoded arguments.
type HandlerFunc func(ctx context.Context, args map[string]any) (string, error)

// ToolEntry describes one declared tool.
type ToolEntry struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	SourceFile  string         `json:"source_file"`
	Project     string         `json:"project,omitempty"`
	Handler     HandlerFunc    `json:"-"`
}

// AgentEntry describes one declared agent. Tools holds tool names in
// declaration order; provider-hosted tools carry a "builtin:" prefix.
type AgentEntry struct {
	Name            string   `json:"name"`
	Instructions    string   `json:"instructions"`
	Model           string   `json:"model"`
	Tools           []string `json:"tools"`
	Temperature     *float64 `json:"temperature"`
	ReasoningEffort string   `json:"reasoning_effort"`
	SourceFile      string   `json:"source_file"`
	Project         string   `json:"project,omitempty"`
}

// SnapshotConfig carries the project config block of a snapshot. Error is
// set instead of the other fields when discovery failed.
type SnapshotConfig struct {
	Name      string               `json:"name,omitempty"`
	Entry     string               `json:"entry,omitempty"`
	Workspace bool                 `json:"workspace,omitempty"`
	Studio    *config.StudioConfig `json:"studio,omitempty"`
	API       *config.APIConfig    `json:"api,omitempty"`
	Deploy    *config.DeployConfig `json:"deploy,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// ProjectSnapshot is a point-in-time view of a project's declarations.
// The maps are copies; the entries themselves are shared with the registry
// that produced them.
type ProjectSnapshot struct {
	Agents map[string]*AgentEntry `json:"agents"`
	Tools  map[string]*ToolEntry  `json:"tools"`
	Config SnapshotConfig         `json:"config"`

	agentOrder []string
	toolOrder  []string
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *ProjectSnapshot {
	return &ProjectSnapshot{
		Agents: make(map[string]*AgentEntry),
		Tools:  make(map[string]*ToolEntry),
	}
}

// AgentNames returns agent names in declaration order.
func (s *ProjectSnapshot) AgentNames() []string {
	names := make([]string, len(s.agentOrder))
	copy(names, s.agentOrder)
	return names
}

// ToolNames returns tool names in declaration order.
func (s *ProjectSnapshot) ToolNames() []string {
	names := make([]string, len(s.toolOrder))
	copy(names, s.toolOrder)
	return names
}

// FirstAgent returns the first declared agent, or nil when none exist.
func (s *ProjectSnapshot) FirstAgent() *AgentEntry {
	for _, name := range s.agentOrder {
		if a, ok := s.Agents[name]; ok {
			return a
		}
	}
	return nil
}

// AddAgent inserts an agent under key, preserving insertion order. Used by
// workspace merging; discovery goes through Registry.
func (s *ProjectSnapshot) AddAgent(key string, e *AgentEntry) {
	if _, exists := s.Agents[key]; !exists {
		s.agentOrder = append(s.agentOrder, key)
	}
	s.Agents[key] = e
}

// AddTool inserts a tool under key, preserving insertion order.
func (s *ProjectSnapshot) AddTool(key string, e *ToolEntry) {
	if _, exists := s.Tools[key]; !exists {
		s.toolOrder = append(s.toolOrder, key)
	}
	s.Tools[key] = e
}

// Registry collects declarations during a discovery pass. It is safe for
// concurrent use, though discovery itself is serialized.
type Registry struct {
	mu         sync.RWMutex
	agents     map[string]*AgentEntry
	tools      map[string]*ToolEntry
	agentOrder []string
	toolOrder  []string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		agents: make(map[string]*AgentEntry),
		tools:  make(map[string]*ToolEntry),
	}
}

// RegisterTool records a tool. A repeated name replaces the earlier entry
// and keeps its original position (last write wins).
func (r *Registry) RegisterTool(e *ToolEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[e.Name]; !exists {
		r.toolOrder = append(r.toolOrder, e.Name)
	}
	r.tools[e.Name] = e
}

// RegisterAgent records an agent, last write wins.
func (r *Registry) RegisterAgent(e *AgentEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[e.Name]; !exists {
		r.agentOrder = append(r.agentOrder, e.Name)
	}
	r.agents[e.Name] = e
}

// Tool returns the entry for name, or nil.
func (r *Registry) Tool(name string) *ToolEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Agent returns the entry for name, or nil.
func (r *Registry) Agent(name string) *AgentEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[name]
}

// ToolCount returns the number of registered tools.
func (r *Registry) ToolCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Snapshot copies the current state. Registrations after the call never
// show up in the returned snapshot.
func (r *Registry) Snapshot() *ProjectSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := &ProjectSnapshot{
		Agents:     make(map[string]*AgentEntry, len(r.agents)),
		Tools:      make(map[string]*ToolEntry, len(r.tools)),
		agentOrder: make([]string, len(r.agentOrder)),
		toolOrder:  make([]string, len(r.toolOrder)),
	}
	for name, e := range r.agents {
		snap.Agents[name] = e
	}
	for name, e := range r.tools {
		snap.Tools[name] = e
	}
	copy(snap.agentOrder, r.agentOrder)
	copy(snap.toolOrder, r.toolOrder)
	return snap
}

// Clear drops all registrations.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.agents = make(map[string]*AgentEntry)
	r.tools = make(map[string]*ToolEntry)
	r.agentOrder = nil
	r.toolOrder = nil
}
