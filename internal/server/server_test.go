package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klisk/internal/paths"
	"klisk/internal/watcher"
)

const greetToolSrc = `package tools

import (
	"context"
	"fmt"

	"klisk/sdk"
)

func init() {
	sdk.Tool(sdk.ToolSpec{
		Name:        "greet",
		Description: "Greet someone by name.",
		Parameters: sdk.Schema{
			"name": map[string]any{"type": "string", "description": "Name to greet"},
		},
		Handler: func(ctx context.Context, args sdk.Args) (string, error) {
			return fmt.Sprintf("Hello, %s! How can I help you today?", args.String("name")), nil
		},
	})
}
`

const greeterEntrySrc = `package main

import "klisk/sdk"

func init() {
	sdk.Agent(sdk.AgentSpec{
		Name:         "Greeter",
		Instructions: "You are a friendly assistant.",
		Model:        "ollama/llama3.2",
		Tools:        sdk.Use("greet"),
	})
}
`

func demoFiles() map[string]string {
	return map[string]string{
		"klisk.config.yaml":    "name: Demo\nentry: src/main.go\n",
		"src/main.go":          greeterEntrySrc,
		"src/tools/example.go": greetToolSrc,
	}
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func writeProject(t *testing.T, files map[string]string) string {
	dir := t.TempDir()
	writeFiles(t, dir, files)
	return dir
}

func newDevServer(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	s := New(context.Background(), opts)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, srv
}

func request(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, raw
}

func decodeMap(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func dialWS(t *testing.T, httpURL, path string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + path
	conn, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if res != nil && res.Body != nil {
		res.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var ev map[string]any
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func useOllamaServer(t *testing.T, handler http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Setenv("OLLAMA_HOST", srv.URL)
	t.Cleanup(srv.Close)
}

func TestProjectEndpoint(t *testing.T) {
	dir := writeProject(t, demoFiles())
	_, srv := newDevServer(t, Options{ProjectDir: dir})

	res, raw := request(t, http.MethodGet, srv.URL+"/api/project", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var snap struct {
		Agents map[string]map[string]any `json:"agents"`
		Tools  map[string]map[string]any `json:"tools"`
		Config map[string]any            `json:"config"`
	}
	require.NoError(t, json.Unmarshal(raw, &snap))

	require.Contains(t, snap.Agents, "Greeter")
	assert.Equal(t, "ollama/llama3.2", snap.Agents["Greeter"]["model"])
	assert.Equal(t, []any{"greet"}, snap.Agents["Greeter"]["tools"])
	require.Contains(t, snap.Tools, "greet")
	assert.Equal(t, "src/tools/example.go", snap.Tools["greet"]["source_file"])
	assert.Equal(t, "Demo", snap.Config["name"])
}

func TestProjectEndpointDiscoveryError(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"klisk.config.yaml": "name: Broken\nentry: src/main.go\n",
	})
	_, srv := newDevServer(t, Options{ProjectDir: dir})

	res, raw := request(t, http.MethodGet, srv.URL+"/api/project", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var snap struct {
		Agents map[string]any `json:"agents"`
		Config map[string]any `json:"config"`
	}
	require.NoError(t, json.Unmarshal(raw, &snap))
	assert.Empty(t, snap.Agents)
	assert.Contains(t, snap.Config["error"], "entry point not found")
}

func TestAgentEndpoints(t *testing.T) {
	dir := writeProject(t, demoFiles())
	_, srv := newDevServer(t, Options{ProjectDir: dir})

	_, raw := request(t, http.MethodGet, srv.URL+"/api/agents", nil)
	var agents []map[string]any
	require.NoError(t, json.Unmarshal(raw, &agents))
	require.Len(t, agents, 1)
	assert.Equal(t, "Greeter", agents[0]["name"])

	_, raw = request(t, http.MethodGet, srv.URL+"/api/agents/Greeter", nil)
	assert.Equal(t, "Greeter", decodeMap(t, raw)["name"])

	res, raw := request(t, http.MethodGet, srv.URL+"/api/agents/Nobody", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, "dev errors ride in 200 bodies")
	assert.Equal(t, "Agent not found", decodeMap(t, raw)["error"])
}

func TestPutAgentRewritesSource(t *testing.T) {
	dir := writeProject(t, demoFiles())
	_, srv := newDevServer(t, Options{ProjectDir: dir})

	_, raw := request(t, http.MethodPut, srv.URL+"/api/agents/Greeter", map[string]any{
		"instructions": "Be terse.",
		"temperature":  0.2,
	})
	assert.Equal(t, true, decodeMap(t, raw)["ok"])

	src, err := os.ReadFile(filepath.Join(dir, "src", "main.go"))
	require.NoError(t, err)
	assert.Contains(t, string(src), `Instructions: "Be terse.",`)
	assert.Contains(t, string(src), "Temperature: sdk.Float(0.2),")
	assert.Contains(t, string(src), `sdk.Use("greet")`, "untouched fields survive the rewrite")
}

func TestPutAgentIgnoresUnknownFields(t *testing.T) {
	dir := writeProject(t, demoFiles())
	_, srv := newDevServer(t, Options{ProjectDir: dir})

	before, err := os.ReadFile(filepath.Join(dir, "src", "main.go"))
	require.NoError(t, err)

	_, raw := request(t, http.MethodPut, srv.URL+"/api/agents/Greeter", map[string]any{
		"bogus": "x",
		"model": nil,
	})
	assert.Equal(t, true, decodeMap(t, raw)["ok"])

	after, err := os.ReadFile(filepath.Join(dir, "src", "main.go"))
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestToolSourceEndpoint(t *testing.T) {
	dir := writeProject(t, demoFiles())
	_, srv := newDevServer(t, Options{ProjectDir: dir})

	_, raw := request(t, http.MethodGet, srv.URL+"/api/tools/greet/source", nil)
	code, _ := decodeMap(t, raw)["source_code"].(string)
	assert.True(t, strings.HasPrefix(code, "sdk.Tool(sdk.ToolSpec{"))
	assert.Contains(t, code, "How can I help you today")

	_, raw = request(t, http.MethodGet, srv.URL+"/api/tools/missing/source", nil)
	assert.Equal(t, "Tool not found", decodeMap(t, raw)["error"])
}

func TestPutToolRenameChasesReferences(t *testing.T) {
	dir := writeProject(t, demoFiles())
	_, srv := newDevServer(t, Options{ProjectDir: dir})

	_, raw := request(t, http.MethodPut, srv.URL+"/api/tools/greet", map[string]any{
		"name":        "hello",
		"description": "Say hi.",
	})
	assert.Equal(t, true, decodeMap(t, raw)["ok"])

	toolSrc, err := os.ReadFile(filepath.Join(dir, "src", "tools", "example.go"))
	require.NoError(t, err)
	assert.Contains(t, string(toolSrc), `"hello"`)
	assert.Contains(t, string(toolSrc), `Description: "Say hi.",`)
	assert.NotContains(t, string(toolSrc), `"greet"`)

	entrySrc, err := os.ReadFile(filepath.Join(dir, "src", "main.go"))
	require.NoError(t, err)
	assert.Contains(t, string(entrySrc), `sdk.Use("hello")`)
}

func TestEnvEndpoints(t *testing.T) {
	dir := writeProject(t, demoFiles())
	_, srv := newDevServer(t, Options{ProjectDir: dir})

	_, raw := request(t, http.MethodGet, srv.URL+"/api/env", nil)
	assert.Equal(t, map[string]any{}, decodeMap(t, raw)["env"])

	// Registers cleanup; the PUT below sets the real value via Overload.
	t.Setenv("GREETING_STYLE", "")

	_, raw = request(t, http.MethodPut, srv.URL+"/api/env", map[string]any{
		"env": map[string]string{"GREETING_STYLE": "warm"},
	})
	assert.Equal(t, true, decodeMap(t, raw)["ok"])
	assert.Equal(t, "warm", os.Getenv("GREETING_STYLE"), "single-project PUT applies to the process env")

	_, raw = request(t, http.MethodGet, srv.URL+"/api/env", nil)
	env, _ := decodeMap(t, raw)["env"].(map[string]any)
	assert.Equal(t, "warm", env["GREETING_STYLE"])

	_, err := os.Stat(filepath.Join(dir, ".env"))
	assert.NoError(t, err)
}

func TestModelsEndpoint(t *testing.T) {
	dir := writeProject(t, demoFiles())
	_, srv := newDevServer(t, Options{ProjectDir: dir})

	_, raw := request(t, http.MethodGet, srv.URL+"/api/models", nil)
	providers, _ := decodeMap(t, raw)["providers"].(map[string]any)
	require.Contains(t, providers, "openai")
	assert.Contains(t, providers["openai"], "gpt-4.1")
}

func TestCORSHeaders(t *testing.T) {
	dir := writeProject(t, demoFiles())
	_, srv := newDevServer(t, Options{ProjectDir: dir})

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/project", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	assert.Equal(t, "*", res.Header.Get("Access-Control-Allow-Origin"))

	res, _ = request(t, http.MethodGet, srv.URL+"/api/project", nil)
	assert.Equal(t, "*", res.Header.Get("Access-Control-Allow-Origin"))
}

func TestFullReloadPicksUpNewTools(t *testing.T) {
	dir := writeProject(t, demoFiles())
	s, srv := newDevServer(t, Options{ProjectDir: dir})

	waveSrc := strings.ReplaceAll(greetToolSrc, `"greet"`, `"wave"`)
	writeFiles(t, dir, map[string]string{"src/tools/extra.go": waveSrc})
	s.Reload(context.Background(), watcher.ReloadFull)

	_, raw := request(t, http.MethodGet, srv.URL+"/api/tools", nil)
	var tools []map[string]any
	require.NoError(t, json.Unmarshal(raw, &tools))

	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool["name"].(string))
	}
	assert.ElementsMatch(t, []string{"greet", "wave"}, names)
}

func TestLightReloadKeepsDeclarations(t *testing.T) {
	dir := writeProject(t, demoFiles())
	s, srv := newDevServer(t, Options{ProjectDir: dir})

	writeFiles(t, dir, map[string]string{
		"klisk.config.yaml": "name: Renamed\nentry: src/main.go\n",
	})
	s.Reload(context.Background(), watcher.ReloadLight)

	_, raw := request(t, http.MethodGet, srv.URL+"/api/project", nil)
	var snap struct {
		Agents map[string]any `json:"agents"`
		Config map[string]any `json:"config"`
	}
	require.NoError(t, json.Unmarshal(raw, &snap))
	assert.Equal(t, "Renamed", snap.Config["name"])
	assert.Contains(t, snap.Agents, "Greeter", "config-only reload keeps the loaded declarations")
}

func TestReloadSwapKeepsSnapshotsWhole(t *testing.T) {
	dir := writeProject(t, demoFiles())
	s, _ := newDevServer(t, Options{ProjectDir: dir})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			s.Reload(context.Background(), watcher.ReloadFull)
		}
	}()

	// Readers race the swaps. A snapshot published mid-build would show
	// the greet tool without its agent, since tool files evaluate first.
	for {
		snap := s.snapshot()
		require.NotNil(t, snap)
		assert.Equal(t, []string{"Greeter"}, snap.AgentNames())
		assert.Equal(t, []string{"greet"}, snap.ToolNames())
		select {
		case <-done:
			return
		default:
		}
	}
}

func TestReloadBroadcast(t *testing.T) {
	dir := writeProject(t, demoFiles())
	s, srv := newDevServer(t, Options{ProjectDir: dir})

	conn := dialWS(t, srv.URL, "/ws/reload")
	require.Eventually(t, func() bool {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		return len(s.hub.clients) == 1
	}, 5*time.Second, 10*time.Millisecond)

	s.Reload(context.Background(), watcher.ReloadFull)

	msg := readEvent(t, conn)
	assert.Equal(t, "reload", msg["type"])
	snapshot, _ := msg["snapshot"].(map[string]any)
	require.NotNil(t, snapshot)
	agents, _ := snapshot["agents"].(map[string]any)
	assert.Contains(t, agents, "Greeter")
}

func TestChatSocketBadJSON(t *testing.T) {
	dir := writeProject(t, demoFiles())
	_, srv := newDevServer(t, Options{ProjectDir: dir})

	conn := dialWS(t, srv.URL, "/ws/chat")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	ev := readEvent(t, conn)
	assert.Equal(t, "error", ev["type"])
	assert.Equal(t, "invalid message", ev["data"])
}

func TestChatSocketNoAgents(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"klisk.config.yaml": "name: Empty\nentry: src/main.go\n",
	})
	_, srv := newDevServer(t, Options{ProjectDir: dir})

	conn := dialWS(t, srv.URL, "/ws/chat")
	require.NoError(t, conn.WriteJSON(map[string]any{"message": "hi"}))

	ev := readEvent(t, conn)
	assert.Equal(t, "error", ev["type"])
	assert.Equal(t, "No agents loaded", ev["data"])
}

func TestChatSocketStreams(t *testing.T) {
	useOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hi"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":" there"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true}`)
	})

	dir := writeProject(t, demoFiles())
	_, srv := newDevServer(t, Options{ProjectDir: dir})

	conn := dialWS(t, srv.URL, "/ws/chat")
	require.NoError(t, conn.WriteJSON(map[string]any{"message": "hello"}))

	var types []string
	var final map[string]any
	for {
		ev := readEvent(t, conn)
		types = append(types, ev["type"].(string))
		if ev["type"] == "done" || ev["type"] == "error" {
			final = ev
			break
		}
	}
	assert.Equal(t, []string{"token", "token", "done"}, types)
	assert.Equal(t, "Hi there", final["data"])
}

func TestWorkspaceRouting(t *testing.T) {
	home := t.TempDir()
	t.Setenv(paths.EnvHome, home)

	soloAgent := `package main

import "klisk/sdk"

func init() {
	sdk.Agent(sdk.AgentSpec{
		Name:         "Greeter",
		Instructions: "Beta greeter.",
	})
}
`
	writeFiles(t, filepath.Join(home, "projects", "alpha"), demoFiles())
	writeFiles(t, filepath.Join(home, "projects", "beta"), map[string]string{
		"klisk.config.yaml": "name: Beta\nentry: src/main.go\n",
		"src/main.go":       soloAgent,
	})

	_, srv := newDevServer(t, Options{Workspace: true})

	// The shared agent name forces project-qualified keys, served by the
	// two-segment route patterns.
	_, raw := request(t, http.MethodGet, srv.URL+"/api/agents/alpha/Greeter", nil)
	agent := decodeMap(t, raw)
	assert.Equal(t, "Greeter", agent["name"])
	assert.Equal(t, "alpha", agent["project"])

	_, raw = request(t, http.MethodPut, srv.URL+"/api/agents/alpha/Greeter", map[string]any{
		"instructions": "Updated alpha.",
	})
	assert.Equal(t, true, decodeMap(t, raw)["ok"])

	alphaSrc, err := os.ReadFile(filepath.Join(home, "projects", "alpha", "src", "main.go"))
	require.NoError(t, err)
	assert.Contains(t, string(alphaSrc), "Updated alpha.")
	betaSrc, err := os.ReadFile(filepath.Join(home, "projects", "beta", "src", "main.go"))
	require.NoError(t, err)
	assert.Contains(t, string(betaSrc), "Beta greeter.")

	_, raw = request(t, http.MethodGet, srv.URL+"/api/env", nil)
	assert.Equal(t, "project parameter required", decodeMap(t, raw)["error"])

	_, raw = request(t, http.MethodPut, srv.URL+"/api/env?project=alpha", map[string]any{
		"env": map[string]string{"ALPHA_KEY": "1"},
	})
	assert.Equal(t, true, decodeMap(t, raw)["ok"])
	_, err = os.Stat(filepath.Join(home, "projects", "alpha", ".env"))
	assert.NoError(t, err)
}
