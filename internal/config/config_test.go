package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klisk/internal/paths"
)

func TestLoadProjectMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadProject(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "MyAgent", cfg.Name)
	assert.Equal(t, "src/main.go", cfg.Entry)
	assert.Equal(t, 3000, cfg.Studio.Port)
	assert.Equal(t, 8000, cfg.API.Port)
	assert.Equal(t, []string{"*"}, cfg.Deploy.API.CORSOrigins)
	assert.True(t, cfg.Deploy.Widget.Enabled)
	assert.True(t, cfg.Deploy.Chat.Enabled)
}

func TestLoadProjectPartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	content := `name: Greeter
api:
  port: 9000
deploy:
  widget:
    enabled: false
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, paths.ConfigFileName), []byte(content), 0644))

	cfg, err := LoadProject(dir)
	require.NoError(t, err)

	assert.Equal(t, "Greeter", cfg.Name)
	assert.Equal(t, 9000, cfg.API.Port)
	assert.Equal(t, "src/main.go", cfg.Entry, "entry keeps default")
	assert.Equal(t, 3000, cfg.Studio.Port, "studio keeps default")
	assert.False(t, cfg.Deploy.Widget.Enabled)
	assert.True(t, cfg.Deploy.Chat.Enabled, "chat keeps default")
}

func TestLoadProjectMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, paths.ConfigFileName), []byte("name: [unclosed"), 0644))

	_, err := LoadProject(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), paths.ConfigFileName)
}

func TestProjectConfigSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()

	cfg := DefaultProject()
	cfg.Name = "Support"
	cfg.API.Port = 8100
	cfg.Watch.Ignore = []string{"generated/**"}
	require.NoError(t, cfg.Save(dir))

	loaded, err := LoadProject(dir)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadGlobalDefaultsAndOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv(paths.EnvHome, home)

	t.Run("defaults when no file", func(t *testing.T) {
		cfg, err := LoadGlobal()
		require.NoError(t, err)
		assert.Equal(t, 8321, cfg.Studio.Port)
		assert.Equal(t, "gpt-5.2", cfg.Defaults.Model)
	})

	t.Run("file values win over defaults", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(home, "config.yaml"), []byte("studio:\n  port: 9999\n"), 0644))
		cfg, err := LoadGlobal()
		require.NoError(t, err)
		assert.Equal(t, 9999, cfg.Studio.Port)
		assert.Equal(t, "gpt-5.2", cfg.Defaults.Model)
	})

	t.Run("env wins over file", func(t *testing.T) {
		t.Setenv("KLISK_STUDIO_PORT", "7777")
		t.Setenv("KLISK_DEFAULT_MODEL", "gpt-4.1")
		cfg, err := LoadGlobal()
		require.NoError(t, err)
		assert.Equal(t, 7777, cfg.Studio.Port)
		assert.Equal(t, "gpt-4.1", cfg.Defaults.Model)
	})

	t.Run("bad env port ignored", func(t *testing.T) {
		t.Setenv("KLISK_STUDIO_PORT", "not-a-port")
		cfg, err := LoadGlobal()
		require.NoError(t, err)
		assert.Equal(t, 9999, cfg.Studio.Port)
	})
}

func TestGlobalConfigDottedKeys(t *testing.T) {
	cfg := DefaultGlobal()

	v, ok := cfg.Get("studio.port")
	assert.True(t, ok)
	assert.Equal(t, "8321", v)

	v, ok = cfg.Get("defaults.model")
	assert.True(t, ok)
	assert.Equal(t, "gpt-5.2", v)

	_, ok = cfg.Get("gcloud.project")
	assert.False(t, ok)

	require.NoError(t, cfg.Set("studio.port", "9000"))
	assert.Equal(t, 9000, cfg.Studio.Port)
	require.NoError(t, cfg.Set("defaults.model", "o3"))
	assert.Equal(t, "o3", cfg.Defaults.Model)

	assert.Error(t, cfg.Set("studio.port", "zero"))
	assert.Error(t, cfg.Set("nope", "x"))
}

func TestGlobalConfigSaveRoundTrip(t *testing.T) {
	home := t.TempDir()
	t.Setenv(paths.EnvHome, home)

	cfg := DefaultGlobal()
	cfg.Studio.Port = 8400
	require.NoError(t, cfg.Save())

	loaded, err := LoadGlobal()
	require.NoError(t, err)
	assert.Equal(t, 8400, loaded.Studio.Port)
	assert.Contains(t, cfg.Dump(), "port: 8400")
}
