// Package sdk defines the declaration API for klisk projects.
//
// Project source files import this package and describe agents and tools:
//
//	sdk.Tool(sdk.ToolSpec{
//		Name:        "greet",
//		Description: "Greet someone by name.",
//		Parameters:  sdk.Schema{"name": map[string]any{"type": "string"}},
//		Handler: func(ctx context.Context, args sdk.Args) (string, error) {
//			return "Hello, " + args.String("name") + "!", nil
//		},
//	})
//
//	sdk.Agent(sdk.AgentSpec{
//		Name:  "Greeter",
//		Tools: sdk.Use("greet"),
//	})
//
// Tool, Agent, and Use are not compiled functions in this package. The
// klisk runtime evaluates project files in an embedded interpreter and
// injects them as bindings scoped to the current discovery pass, so each
// evaluation registers into its own registry. Everything else here is
// plain data those bindings accept and return.
package sdk

import "context"

// Schema maps parameter names to JSON Schema property definitions, for
// example map[string]any{"type": "string", "description": "City name"}.
type Schema map[string]any

// HandlerFunc implements a tool. The returned string is sent back to the
// model verbatim; a non-nil error surfaces as a tool failure.
type HandlerFunc func(ctx context.Context, args Args) (string, error)

// ToolSpec declares a callable tool.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  Schema
	Handler     HandlerFunc
}

// ToolHandle is returned by Tool after registration.
type ToolHandle struct {
	Name string
}

// ToolRef names a declared tool an agent may call. Obtain refs with Use,
// which resolves them against tools already registered in the same pass
// and fails loudly on unknown names.
type ToolRef struct {
	Name string
}

// AgentSpec declares an agent.
type AgentSpec struct {
	Name         string
	Instructions string

	// Model selects the model, optionally prefixed with a provider as in
	// "gemini/gemini-2.5-pro". Empty means the configured default.
	Model string

	Tools []ToolRef

	// BuiltinTools names provider-hosted tools: "web_search",
	// "file_search", "code_interpreter", "image_generation". They require
	// an OpenAI-routed model.
	BuiltinTools []string

	// Temperature overrides the provider default when non-nil.
	Temperature *float64

	// ReasoningEffort is one of "none", "minimal", "low", "medium",
	// "high" or "xhigh". Empty means "medium" on models that reason.
	ReasoningEffort string
}

// AgentHandle is returned by Agent after registration.
type AgentHandle struct {
	Name string
}

// Float returns a pointer to v, for optional fields like Temperature.
func Float(v float64) *float64 {
	return &v
}
