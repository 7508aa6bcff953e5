// Package config loads klisk configuration: the per-project
// klisk.config.yaml and the global workspace config.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"klisk/internal/paths"
)

// StudioConfig holds the Studio front-end settings for a project.
type StudioConfig struct {
	Port int `yaml:"port" json:"port"`
}

// APIConfig holds the project dev-server settings.
type APIConfig struct {
	Port int `yaml:"port" json:"port"`
}

// WatchConfig holds file-watching settings.
type WatchConfig struct {
	// Ignore lists doublestar globs (relative to the project root) excluded
	// from watching and discovery, in addition to the built-in skips.
	Ignore []string `yaml:"ignore,omitempty" json:"ignore,omitempty"`
}

// DeployAPIConfig holds production API settings.
type DeployAPIConfig struct {
	CORSOrigins []string `yaml:"cors_origins" json:"cors_origins"`
}

// DeployWidgetConfig toggles the embeddable chat widget.
type DeployWidgetConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// DeployChatConfig toggles the hosted chat page.
type DeployChatConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// DeployConfig groups production-server settings.
type DeployConfig struct {
	API    DeployAPIConfig    `yaml:"api" json:"api"`
	Widget DeployWidgetConfig `yaml:"widget" json:"widget"`
	Chat   DeployChatConfig   `yaml:"chat" json:"chat"`
}

// ProjectConfig is the parsed klisk.config.yaml.
type ProjectConfig struct {
	Name   string       `yaml:"name" json:"name"`
	Entry  string       `yaml:"entry" json:"entry"`
	Studio StudioConfig `yaml:"studio" json:"studio"`
	API    APIConfig    `yaml:"api" json:"api"`
	Watch  WatchConfig  `yaml:"watch,omitempty" json:"watch,omitempty"`
	Deploy DeployConfig `yaml:"deploy" json:"deploy"`
}

// DefaultProject returns a config with all defaults applied.
func DefaultProject() *ProjectConfig {
	return &ProjectConfig{
		Name:   "MyAgent",
		Entry:  "src/main.go",
		Studio: StudioConfig{Port: 3000},
		API:    APIConfig{Port: 8000},
		Deploy: DeployConfig{
			API:    DeployAPIConfig{CORSOrigins: []string{"*"}},
			Widget: DeployWidgetConfig{Enabled: true},
			Chat:   DeployChatConfig{Enabled: true},
		},
	}
}

// LoadProject reads projectDir/klisk.config.yaml. A missing file yields
// defaults; fields absent from the file keep their default values.
func LoadProject(projectDir string) (*ProjectConfig, error) {
	cfg := DefaultProject()

	data, err := os.ReadFile(filepath.Join(projectDir, paths.ConfigFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read project config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", paths.ConfigFileName, err)
	}
	return cfg, nil
}

// Save writes the config back to projectDir/klisk.config.yaml.
func (c *ProjectConfig) Save(projectDir string) error {
	if err := os.MkdirAll(projectDir, 0755); err != nil {
		return fmt.Errorf("failed to create project directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(projectDir, paths.ConfigFileName), data, 0644)
}

// GlobalStudioConfig holds workspace-wide Studio settings.
type GlobalStudioConfig struct {
	Port int `yaml:"port"`
}

// GlobalDefaultsConfig holds workspace-wide agent defaults.
type GlobalDefaultsConfig struct {
	Model string `yaml:"model"`
}

// GlobalConfig is the workspace config stored at KLISK_HOME/config.yaml.
type GlobalConfig struct {
	Studio   GlobalStudioConfig   `yaml:"studio"`
	Defaults GlobalDefaultsConfig `yaml:"defaults"`
}

// DefaultGlobal returns the workspace defaults.
func DefaultGlobal() *GlobalConfig {
	return &GlobalConfig{
		Studio:   GlobalStudioConfig{Port: 8321},
		Defaults: GlobalDefaultsConfig{Model: "gpt-5.2"},
	}
}

func globalConfigPath() string {
	return filepath.Join(paths.Home(), "config.yaml")
}

// LoadGlobal reads the workspace config, applying env overrides on top.
func LoadGlobal() (*GlobalConfig, error) {
	cfg := DefaultGlobal()

	data, err := os.ReadFile(globalConfigPath())
	if err == nil {
		if uerr := yaml.Unmarshal(data, cfg); uerr != nil {
			return nil, fmt.Errorf("failed to parse global config: %w", uerr)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read global config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides lets the environment win over the config file.
func (c *GlobalConfig) applyEnvOverrides() {
	if v := os.Getenv("KLISK_STUDIO_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Studio.Port = port
		}
	}
	if v := os.Getenv("KLISK_DEFAULT_MODEL"); v != "" {
		c.Defaults.Model = v
	}
}

// Save writes the workspace config.
func (c *GlobalConfig) Save() error {
	if err := os.MkdirAll(paths.Home(), 0755); err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal global config: %w", err)
	}
	return os.WriteFile(globalConfigPath(), data, 0644)
}

// Dump renders the config as YAML for `klisk config`.
func (c *GlobalConfig) Dump() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return ""
	}
	return string(data)
}

// Get reads a dotted key ("studio.port", "defaults.model").
func (c *GlobalConfig) Get(key string) (string, bool) {
	switch key {
	case "studio.port":
		return strconv.Itoa(c.Studio.Port), true
	case "defaults.model":
		return c.Defaults.Model, true
	}
	return "", false
}

// Set writes a dotted key. Unknown keys and malformed values error.
func (c *GlobalConfig) Set(key, value string) error {
	switch key {
	case "studio.port":
		port, err := strconv.Atoi(value)
		if err != nil || port <= 0 {
			return fmt.Errorf("invalid port %q", value)
		}
		c.Studio.Port = port
	case "defaults.model":
		c.Defaults.Model = value
	default:
		return fmt.Errorf("unknown key: %s", key)
	}
	return nil
}
