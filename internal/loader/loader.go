// Package loader evaluates project source files with the yaegi
// interpreter. Every file gets a fresh interpreter so state never leaks
// between files or between discovery passes; the sdk bindings it injects
// are closures over the pass's registry, which is the only channel
// declarations travel through.
package loader

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"klisk/internal/logging"
	"klisk/internal/registry"
)

// DefaultTimeout bounds the evaluation of a single file. Initializers
// that block longer than this abort the pass.
const DefaultTimeout = 10 * time.Second

// LoadError reports a failed evaluation of one source file.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Options control a load pass.
type Options struct {
	// Ignore holds doublestar globs from watch.ignore, matched against
	// slash paths relative to the project root.
	Ignore []string

	// Timeout overrides DefaultTimeout when positive.
	Timeout time.Duration
}

// SourceFiles lists the files a pass evaluates, in evaluation order:
// non-entry .go files sorted by path, then the entry file. Tool files
// therefore register before the entry's agents resolve them with sdk.Use.
func SourceFiles(projectDir, entry string, ignore []string) ([]string, error) {
	entryAbs := filepath.Join(projectDir, filepath.FromSlash(entry))

	var files []string
	err := filepath.WalkDir(projectDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		name := d.Name()
		if d.IsDir() {
			if path == projectDir {
				return nil
			}
			if skipName(name) {
				return filepath.SkipDir
			}
			return nil
		}
		if skipName(name) || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			return nil
		}
		rel, err := filepath.Rel(projectDir, path)
		if err != nil {
			return nil
		}
		if ignored(filepath.ToSlash(rel), ignore) {
			return nil
		}
		if path == entryAbs {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", projectDir, err)
	}
	sort.Strings(files)

	if _, err := os.Stat(entryAbs); err != nil {
		return nil, fmt.Errorf("entry point not found: %s", entry)
	}
	return append(files, entryAbs), nil
}

func skipName(name string) bool {
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
		return true
	}
	switch name {
	case "node_modules", "vendor", "testdata":
		return true
	}
	return false
}

func ignored(relSlash string, globs []string) bool {
	for _, glob := range globs {
		if ok, _ := doublestar.Match(glob, relSlash); ok {
			return true
		}
	}
	return false
}

// LoadProject evaluates projectDir's source files into reg.
func LoadProject(ctx context.Context, reg *registry.Registry, projectDir, entry string, opts Options) error {
	files, err := SourceFiles(projectDir, entry, opts.Ignore)
	if err != nil {
		return err
	}

	log := logging.Get(logging.CategoryLoader)
	timer := logging.StartTimer(logging.CategoryLoader, fmt.Sprintf("load %s", projectDir))
	defer timer.StopWithThreshold(2 * time.Second)

	for _, path := range files {
		if err := LoadFile(ctx, reg, path, projectDir, opts.Timeout); err != nil {
			return err
		}
		log.Debug("evaluated %s", path)
	}
	return nil
}

// LoadFile evaluates a single file in a fresh interpreter. Evaluation
// failures, sdk binding panics, and timeouts come back as *LoadError.
func LoadFile(ctx context.Context, reg *registry.Registry, path, projectDir string, timeout time.Duration) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return &LoadError{Path: path, Err: err}
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return &LoadError{Path: path, Err: fmt.Errorf("loading stdlib symbols: %w", err)}
	}
	if err := i.Use(sdkExports(reg, projectDir, path)); err != nil {
		return &LoadError{Path: path, Err: fmt.Errorf("loading sdk symbols: %w", err)}
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("%v", r)
			}
		}()
		_, evalErr := i.Eval(string(src))
		errCh <- evalErr
	}()

	select {
	case evalErr := <-errCh:
		if evalErr != nil {
			return &LoadError{Path: path, Err: evalErr}
		}
		return nil
	case <-ctx.Done():
		return &LoadError{Path: path, Err: fmt.Errorf("evaluation timed out after %s", timeout)}
	}
}
