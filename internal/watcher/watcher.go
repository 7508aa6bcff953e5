// Package watcher turns filesystem events on a project tree into
// debounced reload triggers for the dev server.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"klisk/internal/logging"
)

// Kind tells the reload callback how much work a settled batch needs.
type Kind int

const (
	// ReloadLight re-reads config only; no source file changed.
	ReloadLight Kind = iota
	// ReloadFull reruns discovery because a .go file changed.
	ReloadFull
)

func (k Kind) String() string {
	if k == ReloadFull {
		return "full"
	}
	return "light"
}

// Watcher watches a project tree and fires onReload once a burst of
// changes has settled. Rapid saves collapse into a single callback.
type Watcher struct {
	mu          sync.Mutex
	fw          *fsnotify.Watcher
	projectDir  string
	ignore      []string
	onReload    func(Kind)
	debounceMap map[string]time.Time
	settle      time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
	stopped     bool
}

// New creates a watcher for projectDir. ignore holds doublestar globs
// from watch.ignore, matched against slash paths relative to the root.
func New(projectDir string, ignore []string, onReload func(Kind)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		fw:          fw,
		projectDir:  projectDir,
		ignore:      ignore,
		onReload:    onReload,
		debounceMap: make(map[string]time.Time),
		settle:      500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start walks the tree, registers every directory, and begins the event
// loop in a goroutine. Non-blocking.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	log := logging.Get(logging.CategoryWatcher)
	if err := w.addTree(w.projectDir); err != nil {
		log.Warn("initial watch of %s incomplete: %v", w.projectDir, err)
	}
	log.Debug("watching %s", w.projectDir)

	go w.run(ctx)
	return nil
}

// Stop ends the loop and closes the underlying watcher. Idempotent; it
// returns after the loop has exited.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	started := w.running
	w.mu.Unlock()

	if started {
		close(w.stopCh)
		<-w.doneCh
	}
	if err := w.fw.Close(); err != nil {
		logging.Get(logging.CategoryWatcher).Error("closing watcher: %v", err)
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	log := logging.Get(logging.CategoryWatcher)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			log.Error("watch error: %v", err)

		case <-ticker.C:
			w.fireSettled()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	// New directories have to be registered before events inside them
	// can arrive.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !w.skipPath(event.Name) {
				if err := w.addTree(event.Name); err != nil {
					logging.Get(logging.CategoryWatcher).Warn("watching new directory %s: %v", event.Name, err)
				}
			}
			return
		}
	}

	if !w.relevant(event.Name) {
		return
	}

	logging.Get(logging.CategoryWatcher).Debug("%s %s", event.Op, event.Name)

	w.mu.Lock()
	w.debounceMap[event.Name] = time.Now()
	w.mu.Unlock()
}

// fireSettled collapses all settled paths into a single callback. One
// changed .go file upgrades the whole batch to a full reload.
func (w *Watcher) fireSettled() {
	w.mu.Lock()
	now := time.Now()
	settled := make([]string, 0, len(w.debounceMap))
	for path, at := range w.debounceMap {
		if now.Sub(at) >= w.settle {
			settled = append(settled, path)
			delete(w.debounceMap, path)
		}
	}
	w.mu.Unlock()

	if len(settled) == 0 {
		return
	}

	kind := ReloadLight
	for _, path := range settled {
		if strings.HasSuffix(path, ".go") {
			kind = ReloadFull
			break
		}
	}

	logging.Get(logging.CategoryWatcher).Info("%d change(s) settled, %s reload", len(settled), kind)
	if w.onReload != nil {
		w.onReload(kind)
	}
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.projectDir && w.skipPath(path) {
			return filepath.SkipDir
		}
		return w.fw.Add(path)
	})
}

// relevant reports whether a file event should trigger a reload.
func (w *Watcher) relevant(path string) bool {
	switch filepath.Ext(path) {
	case ".go", ".yaml", ".yml":
	default:
		return false
	}
	if strings.HasSuffix(path, "_test.go") {
		return false
	}
	return !w.skipPath(path)
}

// skipPath filters hidden and conventionally unwatched path parts plus
// the user's ignore globs.
func (w *Watcher) skipPath(path string) bool {
	rel, err := filepath.Rel(w.projectDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return true
	}
	relSlash := filepath.ToSlash(rel)

	for _, part := range strings.Split(relSlash, "/") {
		if part == "" || part == "." {
			continue
		}
		if strings.HasPrefix(part, ".") || strings.HasPrefix(part, "_") {
			return true
		}
		switch part {
		case "node_modules", "vendor", "testdata":
			return true
		}
	}

	for _, glob := range w.ignore {
		if ok, _ := doublestar.Match(glob, relSlash); ok {
			return true
		}
	}
	return false
}
