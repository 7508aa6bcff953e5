// Package provider routes agent runs to model backends and streams the
// results. Models without a provider prefix go to the OpenAI Responses
// API ("native"); prefixed models go through gateway backends keyed by
// the prefix, with credentials resolved from the project's env scope.
package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"klisk/internal/envcache"
	"klisk/internal/logging"
	"klisk/internal/registry"
)

// DefaultModel is used when neither the agent nor the global config
// names one.
const DefaultModel = "gpt-5.2"

// DefaultMaxTurns bounds the tool loop of a single run.
const DefaultMaxTurns = 10

// Route describes where a model string resolves to.
type Route struct {
	Provider string
	Model    string
	Native   bool
}

// Resolve applies the routing convention: empty → default model, no
// slash → native, "openai/" → stripped native, anything else → gateway
// with the prefix as the provider.
func Resolve(model, defaultModel string) Route {
	if model == "" {
		model = defaultModel
	}
	if model == "" {
		model = DefaultModel
	}
	if !strings.Contains(model, "/") {
		return Route{Provider: "openai", Model: model, Native: true}
	}
	prov, rest, _ := strings.Cut(model, "/")
	if prov == "openai" {
		return Route{Provider: "openai", Model: rest, Native: true}
	}
	return Route{Provider: prov, Model: rest}
}

// KeyVar returns the environment variable holding the provider's API
// key, e.g. GROQ_API_KEY.
func (r Route) KeyVar() string {
	return strings.ToUpper(r.Provider) + "_API_KEY"
}

// Event is a streaming update from a run. Exactly one Done or Error
// event ends the stream.
type Event interface{ isEvent() }

// TextDelta carries a chunk of assistant output.
type TextDelta struct{ Text string }

// ThinkingDelta carries a chunk of reasoning output.
type ThinkingDelta struct{ Text string }

// ToolCall reports a tool invocation. Function tools emit it once their
// arguments are complete, with Arguments holding the JSON argument
// object. Hosted tools emit one per status change, with Arguments
// holding the raw provider item so consumers can pull query, sources
// and similar detail, and ItemID for deduplication.
type ToolCall struct {
	Name      string
	Arguments string
	ItemID    string
	Status    string
	Hosted    bool
}

// ToolResult reports a completed tool execution.
type ToolResult struct {
	Name   string
	Output string
}

// Done ends a successful run.
type Done struct {
	FinalOutput string
	ResponseID  string
}

// Error ends a failed run.
type Error struct{ Err error }

func (TextDelta) isEvent()     {}
func (ThinkingDelta) isEvent() {}
func (ToolCall) isEvent()      {}
func (ToolResult) isEvent()    {}
func (Done) isEvent()          {}
func (Error) isEvent()         {}

// Attachment is an inline file the user sent with a message. Data is
// base64 without a data: prefix.
type Attachment struct {
	Name string
	MIME string
	Data string
}

// Request describes one agent run.
type Request struct {
	Agent       *registry.AgentEntry
	Tools       map[string]*registry.ToolEntry
	Message     string
	Attachments []Attachment

	// PreviousResponseID continues a native conversation. Gateway
	// backends ignore it.
	PreviousResponseID string

	// History continues a gateway conversation, shaped like OpenAI chat
	// messages so it survives a JSON round-trip through client state.
	// The native backend ignores it.
	History []map[string]any

	Scope        envcache.Scope
	DefaultModel string
	MaxTurns     int
}

// Result carries the continuity state a session stores after a run.
type Result struct {
	FinalOutput string
	ResponseID  string
	History     []map[string]any
}

// Run executes the request against the routed backend, emitting events
// as they stream. The terminal Done or Error event mirrors the return
// values.
func Run(ctx context.Context, req Request, emit func(Event)) (*Result, error) {
	if emit == nil {
		emit = func(Event) {}
	}
	if req.MaxTurns <= 0 {
		req.MaxTurns = DefaultMaxTurns
	}

	route := Resolve(req.Agent.Model, req.DefaultModel)
	runID := uuid.NewString()[:8]
	log := logging.Get(logging.CategoryProvider)
	log.Info("run %s: agent=%s provider=%s model=%s", runID, req.Agent.Name, route.Provider, route.Model)

	res, err := dispatch(ctx, route, req, emit)
	if err != nil {
		log.Warn("run %s failed: %v", runID, err)
		emit(Error{Err: err})
		return nil, err
	}
	log.Debug("run %s done: %d output chars", runID, len(res.FinalOutput))
	emit(Done{FinalOutput: res.FinalOutput, ResponseID: res.ResponseID})
	return res, nil
}

func dispatch(ctx context.Context, route Route, req Request, emit func(Event)) (*Result, error) {
	if route.Native {
		key := req.Scope.Lookup("OPENAI_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("missing OPENAI_API_KEY for model %q", route.Model)
		}
		return runNative(ctx, route, req, key, emit)
	}

	switch route.Provider {
	case "gemini":
		key := req.Scope.Lookup(route.KeyVar())
		if key == "" {
			return nil, fmt.Errorf("missing %s for provider %q", route.KeyVar(), route.Provider)
		}
		return runGemini(ctx, route, req, key, emit)
	case "ollama":
		return runOllama(ctx, route, req, emit)
	}

	if _, ok := compatBaseURLs[route.Provider]; !ok {
		return nil, fmt.Errorf("unsupported provider %q", route.Provider)
	}
	key := req.Scope.Lookup(route.KeyVar())
	if key == "" {
		return nil, fmt.Errorf("missing %s for provider %q", route.KeyVar(), route.Provider)
	}
	return runCompat(ctx, route, req, key, emit)
}

// functionTools resolves the agent's non-builtin tool names against the
// run's tool map, preserving declaration order.
func functionTools(req Request) []*registry.ToolEntry {
	var out []*registry.ToolEntry
	for _, name := range req.Agent.Tools {
		if strings.HasPrefix(name, "builtin:") {
			continue
		}
		if t, ok := req.Tools[name]; ok && t != nil {
			out = append(out, t)
		}
	}
	return out
}

// builtinTools lists the agent's hosted tool names without the prefix.
func builtinTools(req Request) []string {
	var out []string
	for _, name := range req.Agent.Tools {
		if bare, ok := strings.CutPrefix(name, "builtin:"); ok {
			out = append(out, bare)
		}
	}
	return out
}

// execTool runs a registered handler, turning errors and panics into a
// printable output for the model.
func execTool(ctx context.Context, entry *registry.ToolEntry, args map[string]any) string {
	if entry == nil || entry.Handler == nil {
		return "Error: tool is not executable"
	}
	out, err := func() (out string, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return entry.Handler(ctx, args)
	}()
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	return out
}
