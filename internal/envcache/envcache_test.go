package envcache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEnv(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(content), 0o644))
}

func TestLoadProject(t *testing.T) {
	dir := t.TempDir()
	writeEnv(t, dir, "OPENAI_API_KEY=sk-demo\nGROQ_API_KEY=gk-demo\n")

	c := New()
	require.NoError(t, c.LoadProject("demo", dir))

	vals := c.Project("demo")
	assert.Equal(t, "sk-demo", vals["OPENAI_API_KEY"])
	assert.Equal(t, "gk-demo", vals["GROQ_API_KEY"])
}

func TestLoadProjectMissingFile(t *testing.T) {
	c := New()
	require.NoError(t, c.LoadProject("empty", t.TempDir()))
	assert.Empty(t, c.Project("empty"))
}

func TestLoadProjectNeverTouchesProcessEnv(t *testing.T) {
	const key = "KLISK_TEST_ISOLATION_KEY"
	require.Empty(t, os.Getenv(key))

	dir := t.TempDir()
	writeEnv(t, dir, key+"=from-dotenv\n")

	c := New()
	require.NoError(t, c.LoadProject("demo", dir))

	assert.Empty(t, os.Getenv(key), "loading a project .env must not mutate the process environment")
	assert.Equal(t, "from-dotenv", c.Scope("demo").Lookup(key))
}

func TestScopeFallsBackToProcessEnv(t *testing.T) {
	t.Setenv("KLISK_TEST_FALLBACK", "from-process")

	c := New()
	require.NoError(t, c.LoadProject("demo", t.TempDir()))

	s := c.Scope("demo")
	assert.Equal(t, "from-process", s.Lookup("KLISK_TEST_FALLBACK"))
	assert.Equal(t, "demo", s.Project())
}

func TestScopeProjectValueWins(t *testing.T) {
	t.Setenv("KLISK_TEST_SHADOW", "from-process")

	dir := t.TempDir()
	writeEnv(t, dir, "KLISK_TEST_SHADOW=from-project\n")

	c := New()
	require.NoError(t, c.LoadProject("demo", dir))

	assert.Equal(t, "from-project", c.Scope("demo").Lookup("KLISK_TEST_SHADOW"))
	// Other projects are unaffected.
	assert.Equal(t, "from-process", c.Scope("other").Lookup("KLISK_TEST_SHADOW"))
}

func TestScopeEmptyValueStillShadows(t *testing.T) {
	t.Setenv("KLISK_TEST_EMPTY", "from-process")

	dir := t.TempDir()
	writeEnv(t, dir, "KLISK_TEST_EMPTY=\n")

	c := New()
	require.NoError(t, c.LoadProject("demo", dir))

	assert.Equal(t, "", c.Scope("demo").Lookup("KLISK_TEST_EMPTY"))
}

func TestProcessScope(t *testing.T) {
	t.Setenv("KLISK_TEST_PROC", "visible")

	s := Process()
	assert.Equal(t, "visible", s.Lookup("KLISK_TEST_PROC"))
	assert.Empty(t, s.Project())
}

func TestClear(t *testing.T) {
	dir := t.TempDir()
	writeEnv(t, dir, "A=1\n")

	c := New()
	require.NoError(t, c.LoadProject("demo", dir))
	c.Clear()

	assert.Empty(t, c.Project("demo"))
}

func TestProjectReturnsCopy(t *testing.T) {
	dir := t.TempDir()
	writeEnv(t, dir, "A=1\n")

	c := New()
	require.NoError(t, c.LoadProject("demo", dir))

	vals := c.Project("demo")
	vals["A"] = "mutated"

	assert.Equal(t, "1", c.Scope("demo").Lookup("A"))
}
