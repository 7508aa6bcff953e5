// Package paths resolves the klisk workspace layout. Everything klisk owns
// lives under a single home directory: projects, pid files, and logs.
package paths

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// EnvHome overrides the workspace location (defaults to ~/klisk).
const EnvHome = "KLISK_HOME"

// ConfigFileName marks a directory as a klisk project.
const ConfigFileName = "klisk.config.yaml"

// ErrProjectNotFound is returned when a project name resolves nowhere.
var ErrProjectNotFound = errors.New("project not found")

// Home returns the workspace root: $KLISK_HOME if set, else ~/klisk.
func Home() string {
	if h := os.Getenv(EnvHome); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "klisk"
	}
	return filepath.Join(home, "klisk")
}

// ProjectsDir returns the directory holding workspace projects.
func ProjectsDir() string {
	return filepath.Join(Home(), "projects")
}

// RunDir returns the directory holding daemon pid files.
func RunDir() string {
	return filepath.Join(Home(), "run")
}

// LogDir returns the directory holding daemon log files.
func LogDir() string {
	return filepath.Join(Home(), "logs")
}

// EnsureWorkspace creates the workspace skeleton. Run and log directories
// are created on demand by the daemon.
func EnsureWorkspace() error {
	if err := os.MkdirAll(ProjectsDir(), 0755); err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	return nil
}

// IsProject reports whether dir contains a klisk config file.
func IsProject(dir string) bool {
	st, err := os.Stat(filepath.Join(dir, ConfigFileName))
	return err == nil && !st.IsDir()
}

// ResolveProject turns a project name or path into an absolute directory.
// Path-like arguments ("." or anything containing a separator) resolve
// relative to the working directory; bare names resolve under the workspace
// projects directory. A name that matches an existing directory in the
// working directory wins over a workspace project of the same name.
func ResolveProject(nameOrPath string) (string, error) {
	if nameOrPath == "" {
		nameOrPath = "."
	}

	pathLike := nameOrPath == "." || nameOrPath == ".." ||
		strings.ContainsRune(nameOrPath, '/') || strings.ContainsRune(nameOrPath, os.PathSeparator)

	if pathLike {
		abs, err := filepath.Abs(nameOrPath)
		if err != nil {
			return "", err
		}
		if st, err := os.Stat(abs); err != nil || !st.IsDir() {
			return "", fmt.Errorf("project %q: %w", nameOrPath, ErrProjectNotFound)
		}
		return abs, nil
	}

	if st, err := os.Stat(nameOrPath); err == nil && st.IsDir() {
		return filepath.Abs(nameOrPath)
	}

	p := filepath.Join(ProjectsDir(), nameOrPath)
	if st, err := os.Stat(p); err == nil && st.IsDir() {
		return p, nil
	}
	return "", fmt.Errorf("project %q: %w", nameOrPath, ErrProjectNotFound)
}

// ListProjects returns the names of workspace projects (directories under
// ProjectsDir containing a config file), sorted.
func ListProjects() ([]string, error) {
	entries, err := os.ReadDir(ProjectsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if IsProject(filepath.Join(ProjectsDir(), e.Name())) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Display shortens a path for terminal output, substituting the user home
// directory with "~".
func Display(p string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return p
	}
	if p == home {
		return "~"
	}
	if strings.HasPrefix(p, home+string(os.PathSeparator)) {
		return "~" + p[len(home):]
	}
	return p
}
