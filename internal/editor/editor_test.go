package editor

import (
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const agentSource = `package main

import "klisk/sdk"

func init() {
	// Greeter welcomes new users.
	sdk.Agent(sdk.AgentSpec{
		Name:         "Greeter",
		Instructions: "Be friendly.",
		Model:        "gpt-4o",
		Temperature:  sdk.Float(0.7),
		Tools:        sdk.Use("greet"),
	})
}
`

func writeSource(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func readSource(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func mustParse(t *testing.T, path string) {
	t.Helper()
	_, err := parser.ParseFile(token.NewFileSet(), path, nil, parser.ParseComments)
	require.NoError(t, err, "edited file no longer parses")
}

func TestUpdateAgentReplacesFields(t *testing.T) {
	path := writeSource(t, t.TempDir(), "main.go", agentSource)

	err := UpdateAgent(path, "Greeter", map[string]any{
		"instructions": "Be terse.",
		"model":        "gemini/gemini-2.5-pro",
		"temperature":  0.2,
	})
	require.NoError(t, err)
	mustParse(t, path)

	out := readSource(t, path)
	assert.Contains(t, out, `Instructions: "Be terse.",`)
	assert.Contains(t, out, `"gemini/gemini-2.5-pro"`)
	assert.Contains(t, out, "sdk.Float(0.2)")
	assert.NotContains(t, out, "Be friendly.")
	assert.Contains(t, out, "// Greeter welcomes new users.")
	assert.Contains(t, out, `sdk.Use("greet")`)
}

func TestUpdateAgentRename(t *testing.T) {
	path := writeSource(t, t.TempDir(), "main.go", agentSource)

	require.NoError(t, UpdateAgent(path, "Greeter", map[string]any{"name": "Welcomer"}))
	mustParse(t, path)

	out := readSource(t, path)
	assert.Contains(t, out, `"Welcomer"`)
	assert.NotContains(t, out, `"Greeter"`)
}

func TestUpdateAgentAppendsMissingFields(t *testing.T) {
	src := `package main

import "klisk/sdk"

func init() {
	sdk.Agent(sdk.AgentSpec{
		Name:  "Quiet",
		Model: "gpt-4o-mini",
	})
}
`
	path := writeSource(t, t.TempDir(), "main.go", src)

	err := UpdateAgent(path, "Quiet", map[string]any{
		"temperature":      1.0,
		"reasoning_effort": "low",
	})
	require.NoError(t, err)
	mustParse(t, path)

	out := readSource(t, path)
	assert.Contains(t, out, "Temperature: sdk.Float(1),")
	assert.Contains(t, out, `ReasoningEffort: "low",`)
	assert.Less(t, strings.Index(out, "Temperature:"), strings.Index(out, "ReasoningEffort:"))
}

func TestUpdateAgentIgnoresUnknownAndNilFields(t *testing.T) {
	path := writeSource(t, t.TempDir(), "main.go", agentSource)

	err := UpdateAgent(path, "Greeter", map[string]any{
		"tools":        []string{"x"},
		"instructions": nil,
	})
	require.NoError(t, err)
	assert.Equal(t, agentSource, readSource(t, path))
}

func TestUpdateAgentNotFound(t *testing.T) {
	path := writeSource(t, t.TempDir(), "main.go", agentSource)

	err := UpdateAgent(path, "Nobody", map[string]any{"model": "gpt-4o"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no AgentSpec named "Nobody"`)
}

func TestUpdateAgentMissingFile(t *testing.T) {
	err := UpdateAgent(filepath.Join(t.TempDir(), "gone.go"), "Greeter", map[string]any{"model": "gpt-4o"})
	require.Error(t, err)
}

func TestUpdateToolDescription(t *testing.T) {
	src := `package tools

import (
	"context"

	"klisk/sdk"
)

func init() {
	sdk.Tool(sdk.ToolSpec{
		Name:        "greet",
		Description: "Greet someone by name.",
		Handler: func(ctx context.Context, args sdk.Args) (string, error) {
			return "hi", nil
		},
	})
}
`
	path := writeSource(t, t.TempDir(), "example.go", src)

	require.NoError(t, UpdateTool(path, "greet", map[string]any{"description": "Wave at someone."}))
	mustParse(t, path)

	out := readSource(t, path)
	assert.Contains(t, out, `Description: "Wave at someone.",`)
	assert.NotContains(t, out, "Greet someone by name.")
	assert.Contains(t, out, `return "hi", nil`)
}

func TestUpdateToolSingleLineLiteral(t *testing.T) {
	src := `package tools

import "klisk/sdk"

var _ = sdk.Tool(sdk.ToolSpec{Name: "ping", Handler: pingHandler})
`
	path := writeSource(t, t.TempDir(), "ping.go", src)

	require.NoError(t, UpdateTool(path, "ping", map[string]any{"description": "Check liveness."}))
	mustParse(t, path)

	out := readSource(t, path)
	assert.Contains(t, out, `Handler: pingHandler, Description: "Check liveness."})`)
}

func TestRenameToolRefs(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "src/main.go", `package main

import "klisk/sdk"

func init() {
	sdk.Agent(sdk.AgentSpec{
		Name:         "Greeter",
		Instructions: "Use the greet tool.",
		Tools:        sdk.Use("greet"),
	})
}
`)
	writeSource(t, dir, "src/other.go", `package main

import "klisk/sdk"

var refs = sdk.Use("lookup", "greet")
`)
	writeSource(t, dir, ".hidden/skip.go", `package hidden

var refs = Use("greet")
`)

	require.NoError(t, RenameToolRefs(dir, "greet", "hello"))

	main := readSource(t, filepath.Join(dir, "src", "main.go"))
	assert.Contains(t, main, `sdk.Use("hello")`)
	assert.Contains(t, main, "Use the greet tool.")

	other := readSource(t, filepath.Join(dir, "src", "other.go"))
	assert.Contains(t, other, `sdk.Use("lookup", "hello")`)

	hidden := readSource(t, filepath.Join(dir, ".hidden", "skip.go"))
	assert.Contains(t, hidden, `Use("greet")`)
}

func TestFunctionSourceInlineHandler(t *testing.T) {
	src := `package tools

import (
	"context"

	"klisk/sdk"
)

func init() {
	sdk.Tool(sdk.ToolSpec{
		Name:        "greet",
		Description: "Greet someone by name.",
		Handler: func(ctx context.Context, args sdk.Args) (string, error) {
			return "hi", nil
		},
	})

	sdk.Tool(sdk.ToolSpec{
		Name:    "other",
		Handler: func(ctx context.Context, args sdk.Args) (string, error) { return "", nil },
	})
}
`
	path := writeSource(t, t.TempDir(), "example.go", src)

	code, err := FunctionSource(path, "greet")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(code, "sdk.Tool("))
	assert.Contains(t, code, `return "hi", nil`)
	assert.NotContains(t, code, `"other"`)
}

func TestFunctionSourceNamedHandler(t *testing.T) {
	src := `package tools

import (
	"context"

	"klisk/sdk"
)

// waveHandler says hello with feeling.
func waveHandler(ctx context.Context, args sdk.Args) (string, error) {
	return "yo", nil
}

func init() {
	sdk.Tool(sdk.ToolSpec{
		Name:    "wave",
		Handler: waveHandler,
	})
}
`
	path := writeSource(t, t.TempDir(), "wave.go", src)

	code, err := FunctionSource(path, "wave")
	require.NoError(t, err)
	assert.Contains(t, code, `Name:    "wave",`)
	assert.Contains(t, code, "// waveHandler says hello with feeling.")
	assert.Contains(t, code, "func waveHandler(ctx context.Context")
}

func TestFunctionSourceNotFound(t *testing.T) {
	path := writeSource(t, t.TempDir(), "empty.go", "package tools\n")

	code, err := FunctionSource(path, "ghost")
	require.NoError(t, err)
	assert.Empty(t, code)
}

func TestApplyEditsOrdering(t *testing.T) {
	src := []byte("aaa bbb ccc")
	out := applyEdits(src, []edit{
		{0, 3, "XX"},
		{8, 11, "YY"},
		{4, 4, "Z"},
	})
	assert.Equal(t, "XX Zbbb YY", string(out))
}
