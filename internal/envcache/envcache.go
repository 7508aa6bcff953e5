// Package envcache holds per-project .env values in memory.
//
// Workspace discovery and chat resolve credentials through a Scope instead
// of writing project values into the process environment. That keeps
// projects isolated from each other when one daemon hosts many of them.
// Single-project workers are different: they load their one .env into the
// process at startup and use the process scope.
package envcache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/joho/godotenv"
)

// Cache maps project names to their parsed .env contents.
type Cache struct {
	mu       sync.RWMutex
	projects map[string]map[string]string
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{projects: make(map[string]map[string]string)}
}

// LoadProject parses dir/.env and stores the values under name, replacing
// anything cached earlier. A missing file caches an empty set.
func (c *Cache) LoadProject(name, dir string) error {
	path := filepath.Join(dir, ".env")

	vals := map[string]string{}
	if _, err := os.Stat(path); err == nil {
		parsed, err := godotenv.Read(path)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
		vals = parsed
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	c.mu.Lock()
	c.projects[name] = vals
	c.mu.Unlock()
	return nil
}

// Project returns a copy of the cached values for name. Unknown projects
// yield an empty map.
func (c *Cache) Project(name string) map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]string, len(c.projects[name]))
	for k, v := range c.projects[name] {
		out[k] = v
	}
	return out
}

// Clear drops all cached projects.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.projects = make(map[string]map[string]string)
	c.mu.Unlock()
}

func (c *Cache) lookup(project, key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.projects[project][key]
	return v, ok
}

// Scope returns the credential scope for a project.
func (c *Cache) Scope(project string) Scope {
	return Scope{name: project, cache: c}
}

// Scope resolves keys for one project: the cached .env value wins when
// present (even if empty), otherwise the process environment answers.
type Scope struct {
	name  string
	cache *Cache
}

// Process returns a scope backed only by the process environment.
func Process() Scope {
	return Scope{}
}

// Project returns the project name this scope belongs to, "" for the
// process scope.
func (s Scope) Project() string {
	return s.name
}

// Lookup resolves key.
func (s Scope) Lookup(key string) string {
	if s.cache != nil {
		if v, ok := s.cache.lookup(s.name, key); ok {
			return v
		}
	}
	return os.Getenv(key)
}
