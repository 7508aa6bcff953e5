package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"klisk/cmd/klisk/ui"
	"klisk/internal/config"
	"klisk/internal/discovery"
	"klisk/internal/paths"
	"klisk/internal/registry"
)

var checkAgentName string

var checkCmd = &cobra.Command{
	Use:   "check [NAME|PATH]",
	Short: "Validate that a project is well-formed",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := "."
		if len(args) == 1 {
			target = args[0]
		}
		dir, err := paths.ResolveProject(target)
		if err != nil {
			return err
		}

		report := checkProject(cmd.Context(), dir, checkAgentName)
		for _, msg := range report.ok {
			ui.Success(msg)
		}
		for _, msg := range report.warnings {
			ui.Warning(msg)
		}
		for _, msg := range report.errors {
			ui.Error(msg)
		}

		if n := len(report.errors); n > 0 {
			return fmt.Errorf("check failed with %d error(s)", n)
		}
		ui.Plain("")
		ui.Success("All checks passed.")
		return nil
	},
}

func init() {
	checkCmd.Flags().StringVarP(&checkAgentName, "agent", "a", "", "Check only the named agent")
}

type checkReport struct {
	ok       []string
	warnings []string
	errors   []string
}

func (r *checkReport) okf(format string, args ...any) {
	r.ok = append(r.ok, fmt.Sprintf(format, args...))
}

func (r *checkReport) warnf(format string, args ...any) {
	r.warnings = append(r.warnings, fmt.Sprintf(format, args...))
}

func (r *checkReport) errf(format string, args ...any) {
	r.errors = append(r.errors, fmt.Sprintf(format, args...))
}

// checkProject validates config, entry file, and the discovered
// declarations. A non-empty only restricts agent checks to that agent
// and tool checks to the tools it uses.
func checkProject(ctx context.Context, dir, only string) *checkReport {
	r := &checkReport{}

	cfg := config.DefaultProject()
	if _, err := os.Stat(filepath.Join(dir, paths.ConfigFileName)); err == nil {
		loaded, lerr := config.LoadProject(dir)
		if lerr != nil {
			r.errf("Config error: %v", lerr)
		} else {
			cfg = loaded
			r.okf("Config valid")
		}
	} else {
		r.okf("Config valid (using defaults)")
	}

	if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(cfg.Entry))); err != nil {
		r.errf("Entry point not found: %s", cfg.Entry)
		return r
	}
	r.okf("Entry point: %s", cfg.Entry)

	snap, err := discovery.Discover(ctx, dir, discovery.Options{})
	if err != nil {
		r.errf("Discovery error: %v", err)
		return r
	}

	agentNames := snap.AgentNames()
	toolNames := snap.ToolNames()
	if only != "" {
		agent, found := snap.Agents[only]
		if !found {
			available := strings.Join(agentNames, ", ")
			if available == "" {
				available = "(none)"
			}
			r.errf("Agent %q not found. Available: %s", only, available)
			return r
		}

		agentNames = []string{only}
		toolNames = nil
		for _, t := range agent.Tools {
			if strings.HasPrefix(t, "builtin:") {
				continue
			}
			if _, ok := snap.Tools[t]; ok {
				toolNames = append(toolNames, t)
			}
		}
		r.okf("Checking agent: %s", only)
		r.okf("%d tool(s) used by %q", len(toolNames), only)
	} else {
		r.okf("%d agent(s) registered", len(agentNames))
		r.okf("%d tool(s) registered", len(toolNames))
	}

	builtins := map[string]bool{}
	for _, name := range agentNames {
		for _, t := range snap.Agents[name].Tools {
			if strings.HasPrefix(t, "builtin:") {
				builtins[t] = true
			}
		}
	}
	if len(builtins) > 0 {
		names := make([]string, 0, len(builtins))
		for n := range builtins {
			names = append(names, n)
		}
		sort.Strings(names)
		r.okf("%d builtin tool(s): %s", len(names), strings.Join(names, ", "))
	}

	for _, name := range agentNames {
		checkEffort(r, name, snap.Agents[name])
	}

	for _, name := range toolNames {
		if snap.Tools[name].Description == "" {
			r.errf("Tool %q missing description", name)
		}
	}

	return r
}

var validEfforts = []string{"high", "low", "medium", "minimal", "none", "xhigh"}

var openaiOnlyEfforts = map[string]bool{"minimal": true, "xhigh": true}

// checkEffort validates one agent's reasoning_effort declaration against
// the models that accept it.
func checkEffort(r *checkReport, name string, agent *registry.AgentEntry) {
	effort := agent.ReasoningEffort
	if effort == "" {
		return
	}

	valid := false
	for _, v := range validEfforts {
		if effort == v {
			valid = true
			break
		}
	}
	if !valid {
		r.errf("Agent %q: invalid reasoning_effort %q. Valid values: %s",
			name, effort, strings.Join(validEfforts, ", "))
		return
	}

	model := agent.Model
	isOpenAI := model == "" || !strings.Contains(model, "/") || strings.HasPrefix(model, "openai/")
	switch {
	case isOpenAI && !supportsReasoning(model):
		r.warnf("Agent %q: reasoning_effort=%q is not supported by %q. Only o-series (o1, o3, o4-mini) and gpt-5+ support it",
			name, effort, model)
	case !isOpenAI && openaiOnlyEfforts[effort]:
		r.warnf("Agent %q: reasoning_effort=%q is OpenAI-specific and may not be supported by %q",
			name, effort, model)
	}
}

// supportsReasoning reports whether an OpenAI model accepts
// reasoning_effort: the o-series and gpt-5 or later do, earlier gpt
// generations do not. An empty model means the default, which does.
func supportsReasoning(model string) bool {
	if model == "" {
		return true
	}
	base := strings.TrimPrefix(model, "openai/")
	if strings.HasPrefix(base, "o") {
		return true
	}
	if !strings.HasPrefix(base, "gpt-") {
		return false
	}
	major := strings.TrimPrefix(base, "gpt-")
	if i := strings.IndexAny(major, ".-"); i >= 0 {
		major = major[:i]
	}
	n, err := strconv.Atoi(major)
	return err == nil && n >= 5
}
