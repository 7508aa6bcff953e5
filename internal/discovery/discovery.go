// Package discovery runs load passes over projects and produces
// snapshots for the servers and the CLI. Workspace discovery merges every
// project under KLISK_HOME, renaming colliding agent and tool names so
// all owners stay addressable.
package discovery

import (
	"context"
	"path/filepath"
	"time"

	"klisk/internal/config"
	"klisk/internal/envcache"
	"klisk/internal/loader"
	"klisk/internal/logging"
	"klisk/internal/paths"
	"klisk/internal/registry"
)

// Options tune a discovery pass.
type Options struct {
	// Timeout bounds each file evaluation; zero means the loader default.
	Timeout time.Duration
}

// Discover evaluates one project and snapshots its declarations. The
// snapshot carries the project config so API consumers get both in one
// read.
func Discover(ctx context.Context, projectDir string, opts Options) (*registry.ProjectSnapshot, error) {
	cfg, err := config.LoadProject(projectDir)
	if err != nil {
		return nil, err
	}

	reg := registry.New()
	if err := loader.LoadProject(ctx, reg, projectDir, cfg.Entry, loader.Options{
		Ignore:  cfg.Watch.Ignore,
		Timeout: opts.Timeout,
	}); err != nil {
		return nil, err
	}

	snap := reg.Snapshot()
	snap.Config = registry.SnapshotConfig{
		Name:   cfg.Name,
		Entry:  cfg.Entry,
		Studio: &cfg.Studio,
		API:    &cfg.API,
		Deploy: &cfg.Deploy,
	}
	return snap, nil
}

// DiscoverWorkspace discovers every project under the workspace home and
// merges the results. Each project's .env lands in the cache (never the
// process environment) so chat can resolve credentials per project. A
// failing project is logged and skipped; the pass itself always returns a
// snapshot.
//
// Names held by more than one project are prefixed "project/name" for
// every owner; unique names stay bare.
func DiscoverWorkspace(ctx context.Context, env *envcache.Cache, opts Options) *registry.ProjectSnapshot {
	log := logging.Get(logging.CategoryDiscovery)
	timer := logging.StartTimer(logging.CategoryDiscovery, "workspace discovery")
	defer timer.StopWithThreshold(5 * time.Second)

	names, err := paths.ListProjects()
	if err != nil {
		log.Warn("listing projects: %v", err)
	}

	type discovered struct {
		name string
		snap *registry.ProjectSnapshot
	}
	var results []discovered

	for _, name := range names {
		dir := filepath.Join(paths.ProjectsDir(), name)

		if env != nil {
			if err := env.LoadProject(name, dir); err != nil {
				log.Warn("loading %s/.env: %v", name, err)
			}
		}

		snap, err := Discover(ctx, dir, opts)
		if err != nil {
			log.Warn("skipping project %s: %v", name, err)
			continue
		}
		for _, a := range snap.Agents {
			a.Project = name
		}
		for _, tl := range snap.Tools {
			tl.Project = name
		}
		results = append(results, discovered{name: name, snap: snap})
	}

	// First pass counts owners per name so every colliding owner gets
	// prefixed, not just the late ones.
	agentOwners := make(map[string]int)
	toolOwners := make(map[string]int)
	for _, r := range results {
		for _, n := range r.snap.AgentNames() {
			agentOwners[n]++
		}
		for _, n := range r.snap.ToolNames() {
			toolOwners[n]++
		}
	}

	merged := registry.NewSnapshot()
	merged.Config = registry.SnapshotConfig{Name: "Klisk Workspace", Workspace: true}

	for _, r := range results {
		for _, n := range r.snap.AgentNames() {
			key := n
			if agentOwners[n] > 1 {
				key = r.name + "/" + n
			}
			merged.AddAgent(key, r.snap.Agents[n])
		}
		for _, n := range r.snap.ToolNames() {
			key := n
			if toolOwners[n] > 1 {
				key = r.name + "/" + n
			}
			merged.AddTool(key, r.snap.Tools[n])
		}
	}

	log.Info("workspace discovery: %d projects, %d agents, %d tools",
		len(results), len(merged.Agents), len(merged.Tools))
	return merged
}
