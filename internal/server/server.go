// Package server hosts klisk's HTTP surfaces: the Studio-facing dev
// server with hot reload, and the production server for deployed
// projects. Both speak the same JSON dialect; dev API errors ride in
// 200 responses as {"error": ...} so the Studio UI can render them
// inline.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"klisk/internal/config"
	"klisk/internal/discovery"
	"klisk/internal/envcache"
	"klisk/internal/logging"
	"klisk/internal/paths"
	"klisk/internal/registry"
	"klisk/internal/watcher"
)

// Options configure a dev server.
type Options struct {
	// ProjectDir is the project root in single-project mode.
	ProjectDir string

	// Workspace serves the merged snapshot of every project under the
	// workspace home; ProjectDir is ignored.
	Workspace bool

	// Env caches per-project credentials. Required in workspace mode and
	// created when nil there; single-project workers leave it nil and
	// resolve through the process environment.
	Env *envcache.Cache

	// DefaultModel overrides the built-in default for agents that do not
	// name a model.
	DefaultModel string

	Host string
	Port int
}

// Server is the dev server: REST over the current snapshot, websocket
// chat, and reload pushes driven by the file watcher. Handlers read the
// snapshot at call time, so every response reflects the latest
// discovery.
type Server struct {
	opts Options
	mux  *http.ServeMux
	hub  *reloadHub
	log  *logging.Logger

	mu   sync.RWMutex
	snap *registry.ProjectSnapshot

	reload singleflight.Group

	// runCtx is the lifetime handed to chat runs; Run replaces it before
	// serving.
	runCtx context.Context
}

// New builds a dev server and runs the initial discovery. Discovery
// failure degrades to an empty snapshot carrying the error, never a
// construction failure.
func New(ctx context.Context, opts Options) *Server {
	if opts.Host == "" {
		opts.Host = "0.0.0.0"
	}
	if opts.Workspace && opts.Env == nil {
		opts.Env = envcache.New()
	}

	s := &Server{
		opts:   opts,
		mux:    http.NewServeMux(),
		hub:    newReloadHub(),
		log:    logging.Get(logging.CategoryServer),
		runCtx: context.Background(),
	}
	s.snap = s.discover(ctx)
	s.routes()
	return s
}

// Handler returns the complete dev handler chain. The dev server trusts
// any origin; it binds to loopback-adjacent dev setups where the Studio
// UI is served from another port.
func (s *Server) Handler() http.Handler {
	return cors([]string{"*"}, s.mux)
}

// Run serves HTTP and watches the project tree until ctx is canceled,
// then shuts both down cleanly.
func (s *Server) Run(ctx context.Context) error {
	s.runCtx = ctx

	watchDir := s.opts.ProjectDir
	if s.opts.Workspace {
		watchDir = paths.ProjectsDir()
	}
	w, err := watcher.New(watchDir, s.watchIgnore(), func(kind watcher.Kind) {
		s.Reload(ctx, kind)
	})
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	srv := &http.Server{
		Addr:    net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port)),
		Handler: s.Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := w.Start(gctx); err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}
	g.Go(func() error {
		s.log.Info("dev server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		w.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Reload refreshes the snapshot and pushes it to reload subscribers.
// Light reloads re-read config only; anything else reruns discovery.
// Concurrent triggers coalesce into a single pass.
func (s *Server) Reload(ctx context.Context, kind watcher.Kind) {
	s.reload.Do("reload", func() (any, error) {
		if kind == watcher.ReloadLight && !s.opts.Workspace {
			s.reloadConfig()
		} else {
			snap := s.discover(ctx)
			s.mu.Lock()
			s.snap = snap
			s.mu.Unlock()
		}
		s.hub.broadcast(map[string]any{"type": "reload", "snapshot": s.snapshot()})
		return nil, nil
	})
}

func (s *Server) snapshot() *registry.ProjectSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func (s *Server) discover(ctx context.Context) *registry.ProjectSnapshot {
	if s.opts.Workspace {
		return discovery.DiscoverWorkspace(ctx, s.opts.Env, discovery.Options{})
	}
	snap, err := discovery.Discover(ctx, s.opts.ProjectDir, discovery.Options{})
	if err != nil {
		s.log.Warn("discovery failed: %v", err)
		snap = registry.NewSnapshot()
		snap.Config = registry.SnapshotConfig{Error: err.Error()}
	}
	return snap
}

// reloadConfig swaps in a snapshot that keeps the current declarations
// but carries freshly read config. Building a new snapshot keeps the
// published one immutable for concurrent readers.
func (s *Server) reloadConfig() {
	cfg, err := config.LoadProject(s.opts.ProjectDir)
	if err != nil {
		s.log.Warn("config reload failed: %v", err)
		return
	}

	old := s.snapshot()
	next := registry.NewSnapshot()
	for _, name := range old.AgentNames() {
		next.AddAgent(name, old.Agents[name])
	}
	for _, name := range old.ToolNames() {
		next.AddTool(name, old.Tools[name])
	}
	next.Config = registry.SnapshotConfig{
		Name:   cfg.Name,
		Entry:  cfg.Entry,
		Studio: &cfg.Studio,
		API:    &cfg.API,
		Deploy: &cfg.Deploy,
	}

	s.mu.Lock()
	s.snap = next
	s.mu.Unlock()
}

func (s *Server) watchIgnore() []string {
	if s.opts.Workspace {
		return nil
	}
	cfg, err := config.LoadProject(s.opts.ProjectDir)
	if err != nil {
		return nil
	}
	return cfg.Watch.Ignore
}

// projectDir returns the directory owning an entry. Workspace entries
// carry their project name; single-project servers own everything.
func (s *Server) projectDir(project string) string {
	if s.opts.Workspace && project != "" {
		return filepath.Join(paths.ProjectsDir(), project)
	}
	return s.opts.ProjectDir
}

// cors wraps next with an origin policy. A "*" entry answers every
// origin; otherwise the request origin must match a configured one.
func cors(origins []string, next http.Handler) http.Handler {
	wildcard := false
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			wildcard = true
		}
		allowed[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case wildcard:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && allowed[origin]:
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
