// Package scaffold creates and deletes klisk projects from the embedded
// starter template.
package scaffold

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"klisk/internal/paths"
)

// all: keeps dotfiles like .gitignore in the embedding; naming _template
// explicitly overrides the underscore exclusion.
//
//go:embed all:_template
var templateFS embed.FS

const templateRoot = "_template"

var (
	// ErrProjectExists is returned by Create when the target directory is taken.
	ErrProjectExists = errors.New("project already exists")

	// ErrNotAProject is returned by Delete for directories without a config file.
	ErrNotAProject = errors.New("not a klisk project")
)

// Create materializes a new project named name. An empty parentDir places it
// under the workspace projects directory; otherwise it lands at
// parentDir/name. Returns the absolute project directory.
func Create(name, parentDir string) (string, error) {
	if parentDir == "" {
		if err := paths.EnsureWorkspace(); err != nil {
			return "", err
		}
		parentDir = paths.ProjectsDir()
	}
	parentDir, err := filepath.Abs(parentDir)
	if err != nil {
		return "", err
	}

	target := filepath.Join(parentDir, name)
	if _, err := os.Stat(target); err == nil {
		return "", fmt.Errorf("%w at %s", ErrProjectExists, paths.Display(target))
	}

	if err := copyTemplate(target, name); err != nil {
		os.RemoveAll(target)
		return "", fmt.Errorf("failed to copy template: %w", err)
	}

	// Seed .env from the example so the user has a file ready for keys.
	envFile := filepath.Join(target, ".env")
	if _, err := os.Stat(envFile); os.IsNotExist(err) {
		example, readErr := os.ReadFile(filepath.Join(target, ".env.example"))
		if readErr == nil {
			if err := os.WriteFile(envFile, example, 0644); err != nil {
				os.RemoveAll(target)
				return "", fmt.Errorf("failed to seed .env: %w", err)
			}
		}
	}

	return target, nil
}

// Delete removes a project directory. Directories that do not carry a klisk
// config file are refused.
func Delete(dir string) error {
	if _, err := os.Stat(dir); err != nil {
		return err
	}
	if !paths.IsProject(dir) {
		return fmt.Errorf("%s: %w (missing %s)", paths.Display(dir), ErrNotAProject, paths.ConfigFileName)
	}
	return os.RemoveAll(dir)
}

// copyTemplate writes the embedded template tree under target, substituting
// the project name placeholder in the config file.
func copyTemplate(target, name string) error {
	return fs.WalkDir(templateFS, templateRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(path, templateRoot), "/")
		dest := filepath.Join(target, filepath.FromSlash(rel))
		if d.IsDir() {
			return os.MkdirAll(dest, 0755)
		}
		data, err := templateFS.ReadFile(path)
		if err != nil {
			return err
		}
		if rel == paths.ConfigFileName {
			data = []byte(strings.ReplaceAll(string(data), "{{project_name}}", name))
		}
		return os.WriteFile(dest, data, 0644)
	})
}
