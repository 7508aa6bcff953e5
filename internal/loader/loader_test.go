package loader

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klisk/internal/registry"
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
		Tools:        sdk.Use("greet"),
	})
}
`

func writeProject(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func TestLoadFileRegistersTool(t *testing.T) {
	dir := writeProject(t, map[string]string{"src/tools/example.go": greetToolSrc})

	reg := registry.New()
	path := filepath.Join(dir, "src", "tools", "example.go")
	require.NoError(t, LoadFile(context.Background(), reg, path, dir, 0))

	tool := reg.Tool("greet")
	require.NotNil(t, tool)
	assert.Equal(t, "Greet someone by name.", tool.Description)
	assert.Equal(t, "src/tools/example.go", tool.SourceFile)
	assert.Contains(t, tool.Parameters, "name")

	out, err := tool.Handler(context.Background(), map[string]any{"name": "World"})
	require.NoError(t, err)
	assert.Equal(t, "Hello, World! How can I help you today?", out)
}

func TestLoadProjectToolsRegisterBeforeEntry(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"src/main.go":          greeterEntrySrc,
		"src/tools/example.go": greetToolSrc,
	})

	reg := registry.New()
	require.NoError(t, LoadProject(context.Background(), reg, dir, "src/main.go", Options{}))

	agent := reg.Agent("Greeter")
	require.NotNil(t, agent)
	assert.Equal(t, []string{"greet"}, agent.Tools)
	assert.Equal(t, "src/main.go", agent.SourceFile)
	require.NotNil(t, reg.Tool("greet"))
}

func TestUseUnknownToolFailsEvaluation(t *testing.T) {
	dir := writeProject(t, map[string]string{"src/main.go": greeterEntrySrc})

	reg := registry.New()
	err := LoadProject(context.Background(), reg, dir, "src/main.go", Options{})
	require.Error(t, err)

	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Contains(t, le.Error(), `tool "greet" not found`)
	assert.Nil(t, reg.Agent("Greeter"))
}

func TestLoadFileSyntaxError(t *testing.T) {
	dir := writeProject(t, map[string]string{"src/main.go": "package main\n\nfunc broken( {\n"})

	reg := registry.New()
	err := LoadFile(context.Background(), reg, filepath.Join(dir, "src", "main.go"), dir, 0)

	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, filepath.Join(dir, "src", "main.go"), le.Path)
}

func TestBuiltinToolsRecordedWithPrefix(t *testing.T) {
	src := `package main

import "klisk/sdk"

func init() {
	sdk.Agent(sdk.AgentSpec{
		Name:         "Researcher",
		Model:        "gpt-5.2",
		BuiltinTools: []string{"web_search", "code_interpreter"},
		Temperature:  sdk.Float(0.3),
	})
}
`
	dir := writeProject(t, map[string]string{"src/main.go": src})

	reg := registry.New()
	require.NoError(t, LoadProject(context.Background(), reg, dir, "src/main.go", Options{}))

	agent := reg.Agent("Researcher")
	require.NotNil(t, agent)
	assert.Equal(t, []string{"builtin:web_search", "builtin:code_interpreter"}, agent.Tools)
	require.NotNil(t, agent.Temperature)
	assert.Equal(t, 0.3, *agent.Temperature)
}

func TestEntryMissing(t *testing.T) {
	dir := writeProject(t, map[string]string{"src/tools/example.go": greetToolSrc})

	_, err := SourceFiles(dir, "src/main.go", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entry point not found: src/main.go")
}

func TestSourceFilesOrder(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"src/main.go":          greeterEntrySrc,
		"src/tools/example.go": greetToolSrc,
		"src/aaa.go":           "package main\n",
	})

	files, err := SourceFiles(dir, "src/main.go", nil)
	require.NoError(t, err)

	require.Len(t, files, 3)
	assert.Equal(t, filepath.Join(dir, "src", "aaa.go"), files[0])
	assert.Equal(t, filepath.Join(dir, "src", "tools", "example.go"), files[1])
	assert.Equal(t, filepath.Join(dir, "src", "main.go"), files[2], "entry file evaluates last")
}

func TestSourceFilesSkips(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"src/main.go":               greeterEntrySrc,
		"src/main_test.go":          "package main\n",
		"src/_draft/wip.go":         "package draft\n",
		"src/.hidden/x.go":          "package hidden\n",
		"node_modules/pkg/index.go": "package pkg\n",
		"vendor/dep/dep.go":         "package dep\n",
		"testdata/fixture.go":       "package fixture\n",
		"src/generated/big.go":      "package generated\n",
	})

	files, err := SourceFiles(dir, "src/main.go", []string{"src/generated/**"})
	require.NoError(t, err)

	require.Len(t, files, 1)
	assert.Equal(t, filepath.Join(dir, "src", "main.go"), files[0])
}

func TestLoadFileTimeout(t *testing.T) {
	src := `package main

import "time"

func init() {
	time.Sleep(2 * time.Second)
}
`
	dir := writeProject(t, map[string]string{"src/main.go": src})

	reg := registry.New()
	start := time.Now()
	err := LoadFile(context.Background(), reg, filepath.Join(dir, "src", "main.go"), dir, 50*time.Millisecond)

	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Contains(t, le.Error(), "timed out")
	assert.Less(t, time.Since(start), time.Second, "timeout should fire well before the sleep finishes")
}

func TestFreshInterpreterPerFile(t *testing.T) {
	// Two files declaring the same package-level symbol must not clash,
	// and state set in one file is invisible to the next.
	srcA := `package main

import (
	"context"

	"klisk/sdk"
)

var shared = "from-a"

func init() {
	sdk.Tool(sdk.ToolSpec{
		Name:        "a",
		Description: "First tool.",
		Handler:     func(ctx context.Context, args sdk.Args) (string, error) { return shared, nil },
	})
}
`
	srcB := `package main

import (
	"context"

	"klisk/sdk"
)

var shared = "from-b"

func init() {
	sdk.Tool(sdk.ToolSpec{
		Name:        "b",
		Description: "Second tool.",
		Handler:     func(ctx context.Context, args sdk.Args) (string, error) { return shared, nil },
	})
}
`
	dir := writeProject(t, map[string]string{
		"src/a.go":    srcA,
		"src/b.go":    srcB,
		"src/main.go": "package main\n",
	})

	reg := registry.New()
	require.NoError(t, LoadProject(context.Background(), reg, dir, "src/main.go", Options{}))

	outA, err := reg.Tool("a").Handler(context.Background(), nil)
	require.NoError(t, err)
	outB, err := reg.Tool("b").Handler(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "from-a", outA)
	assert.Equal(t, "from-b", outB)
}

func TestLoadErrorUnwrap(t *testing.T) {
	inner := os.ErrNotExist
	le := &LoadError{Path: "x.go", Err: inner}
	assert.True(t, strings.HasPrefix(le.Error(), "x.go: "))
	assert.ErrorIs(t, le, os.ErrNotExist)
}
