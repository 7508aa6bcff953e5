package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"klisk/internal/editor"
	"klisk/internal/logging"
	"klisk/internal/provider"
	"klisk/internal/registry"
)

// Editable fields per declaration type. Everything else in a PUT body
// is dropped, as are explicit nulls.
var (
	agentFields = map[string]bool{
		"name":             true,
		"instructions":     true,
		"model":            true,
		"temperature":      true,
		"reasoning_effort": true,
	}
	toolFields = map[string]bool{
		"name":        true,
		"description": true,
	}
)

// routes registers the dev API. Workspace snapshots key entries as
// "project/name", which needs a second pattern per endpoint since the
// slash is a path separator.
func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/project", s.getProject)
	s.mux.HandleFunc("GET /api/models", s.getModels)
	s.mux.HandleFunc("GET /api/agents", s.getAgents)
	s.mux.HandleFunc("GET /api/agents/{name}", s.getAgent)
	s.mux.HandleFunc("GET /api/agents/{project}/{name}", s.getAgent)
	s.mux.HandleFunc("PUT /api/agents/{name}", s.putAgent)
	s.mux.HandleFunc("PUT /api/agents/{project}/{name}", s.putAgent)
	s.mux.HandleFunc("GET /api/tools", s.getTools)
	s.mux.HandleFunc("GET /api/tools/{name}/source", s.getToolSource)
	s.mux.HandleFunc("GET /api/tools/{project}/{name}/source", s.getToolSource)
	s.mux.HandleFunc("PUT /api/tools/{name}", s.putTool)
	s.mux.HandleFunc("PUT /api/tools/{project}/{name}", s.putTool)
	s.mux.HandleFunc("GET /api/env", s.getEnv)
	s.mux.HandleFunc("PUT /api/env", s.putEnv)
	s.mux.HandleFunc("GET /ws/chat", s.wsChat)
	s.mux.HandleFunc("GET /ws/reload", s.wsReload)
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.snapshot())
}

func (s *Server) getModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"providers": provider.Models()})
}

func (s *Server) getAgents(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot()
	agents := make([]*registry.AgentEntry, 0, len(snap.Agents))
	for _, name := range snap.AgentNames() {
		agents = append(agents, snap.Agents[name])
	}
	writeJSON(w, agents)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.snapshot().Agents[pathKey(r)]
	if !ok {
		errorJSON(w, "Agent not found")
		return
	}
	writeJSON(w, agent)
}

func (s *Server) putAgent(w http.ResponseWriter, r *http.Request) {
	key := pathKey(r)
	agent, ok := s.snapshot().Agents[key]
	if !ok {
		errorJSON(w, "Agent not found")
		return
	}

	updates, err := allowedUpdates(r, agentFields)
	if err != nil {
		errorJSON(w, "%v", err)
		return
	}
	if len(updates) == 0 {
		writeJSON(w, map[string]any{"ok": true})
		return
	}
	if agent.SourceFile == "" {
		errorJSON(w, "Source file unknown")
		return
	}

	file := s.sourcePath(agent.Project, agent.SourceFile)
	s.log.Info("updating agent %q in %s", agent.Name, file)
	if err := editor.UpdateAgent(file, agent.Name, updates); err != nil {
		s.log.Error("agent update failed: %v", err)
		errorJSON(w, "%v", err)
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

func (s *Server) getTools(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot()
	tools := make([]*registry.ToolEntry, 0, len(snap.Tools))
	for _, name := range snap.ToolNames() {
		tools = append(tools, snap.Tools[name])
	}
	writeJSON(w, tools)
}

func (s *Server) getToolSource(w http.ResponseWriter, r *http.Request) {
	tool, ok := s.snapshot().Tools[pathKey(r)]
	if !ok {
		errorJSON(w, "Tool not found")
		return
	}
	if tool.SourceFile == "" {
		writeJSON(w, map[string]any{"source_code": ""})
		return
	}
	code, err := editor.FunctionSource(s.sourcePath(tool.Project, tool.SourceFile), tool.Name)
	if err != nil {
		errorJSON(w, "%v", err)
		return
	}
	writeJSON(w, map[string]any{"source_code": code})
}

func (s *Server) putTool(w http.ResponseWriter, r *http.Request) {
	key := pathKey(r)
	tool, ok := s.snapshot().Tools[key]
	if !ok {
		errorJSON(w, "Tool not found")
		return
	}

	updates, err := allowedUpdates(r, toolFields)
	if err != nil {
		errorJSON(w, "%v", err)
		return
	}
	if len(updates) == 0 {
		writeJSON(w, map[string]any{"ok": true})
		return
	}
	if tool.SourceFile == "" {
		errorJSON(w, "Source file unknown")
		return
	}

	file := s.sourcePath(tool.Project, tool.SourceFile)
	s.log.Info("updating tool %q in %s", tool.Name, file)
	if err := editor.UpdateTool(file, tool.Name, updates); err != nil {
		s.log.Error("tool update failed: %v", err)
		errorJSON(w, "%v", err)
		return
	}

	// A rename must chase sdk.Use references across the whole project,
	// or every agent using the tool breaks on the next reload.
	if newName, ok := updates["name"].(string); ok && newName != "" && newName != tool.Name {
		if err := editor.RenameToolRefs(s.projectDir(tool.Project), tool.Name, newName); err != nil {
			s.log.Error("tool rename failed: %v", err)
			errorJSON(w, "%v", err)
			return
		}
	}
	writeJSON(w, map[string]any{"ok": true})
}

func (s *Server) getEnv(w http.ResponseWriter, r *http.Request) {
	dir, _, err := s.envDir(r)
	if err != nil {
		errorJSON(w, "%v", err)
		return
	}
	vals, err := godotenv.Read(filepath.Join(dir, ".env"))
	if err != nil {
		if !os.IsNotExist(err) {
			errorJSON(w, "%v", err)
			return
		}
		vals = map[string]string{}
	}
	writeJSON(w, map[string]any{"env": vals})
}

func (s *Server) putEnv(w http.ResponseWriter, r *http.Request) {
	dir, project, err := s.envDir(r)
	if err != nil {
		errorJSON(w, "%v", err)
		return
	}

	var body struct {
		Env map[string]string `json:"env"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		errorJSON(w, "invalid request body: %v", err)
		return
	}
	if body.Env == nil {
		body.Env = map[string]string{}
	}

	path := filepath.Join(dir, ".env")
	if err := godotenv.Write(body.Env, path); err != nil {
		errorJSON(w, "%v", err)
		return
	}

	// Re-cache so the next chat run sees the new credentials without a
	// restart.
	if s.opts.Workspace {
		if err := s.opts.Env.LoadProject(project, dir); err != nil {
			errorJSON(w, "%v", err)
			return
		}
	} else if err := godotenv.Overload(path); err != nil {
		errorJSON(w, "%v", err)
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

// envDir resolves which project's .env a request addresses. Workspace
// servers require an explicit ?project= since they hold many.
func (s *Server) envDir(r *http.Request) (dir, project string, err error) {
	if !s.opts.Workspace {
		return s.opts.ProjectDir, "", nil
	}
	project = r.URL.Query().Get("project")
	if project == "" {
		return "", "", fmt.Errorf("project parameter required")
	}
	return s.projectDir(project), project, nil
}

// sourcePath resolves an entry's source file against its owning
// project. Loaders record paths relative to the project root.
func (s *Server) sourcePath(project, sourceFile string) string {
	if filepath.IsAbs(sourceFile) {
		return sourceFile
	}
	return filepath.Join(s.projectDir(project), sourceFile)
}

// pathKey rebuilds the snapshot key from the route. Workspace entries
// arrive as two segments.
func pathKey(r *http.Request) string {
	name := r.PathValue("name")
	if project := r.PathValue("project"); project != "" {
		return project + "/" + name
	}
	return name
}

// allowedUpdates decodes a PUT body down to the editable fields.
func allowedUpdates(r *http.Request, allowed map[string]bool) (map[string]any, error) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	updates := make(map[string]any)
	for k, v := range body {
		if allowed[k] && v != nil {
			updates[k] = v
		}
	}
	return updates, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Get(logging.CategoryServer).Error("encoding response: %v", err)
	}
}

func errorJSON(w http.ResponseWriter, format string, args ...any) {
	writeJSON(w, map[string]string{"error": fmt.Sprintf(format, args...)})
}
