package loader

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/traefik/yaegi/interp"

	"klisk/internal/registry"
	"klisk/sdk"
)

// sdkExports builds the symbols interpreted files see as "klisk/sdk".
// Tool, Agent, and Use close over the pass's registry and the file being
// evaluated, so declarations are tagged with their source file and never
// touch shared state. Panics raised here surface as evaluation errors.
func sdkExports(reg *registry.Registry, projectDir, path string) interp.Exports {
	source := sourceRel(projectDir, path)

	toolFn := func(spec sdk.ToolSpec) sdk.ToolHandle {
		if strings.TrimSpace(spec.Name) == "" {
			panic("sdk.Tool: Name is required")
		}
		if spec.Handler == nil {
			panic(fmt.Sprintf("sdk.Tool %q: Handler is required", spec.Name))
		}

		params := make(map[string]any, len(spec.Parameters))
		for k, v := range spec.Parameters {
			params[k] = v
		}
		handler := spec.Handler
		reg.RegisterTool(&registry.ToolEntry{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  params,
			SourceFile:  source,
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return handler(ctx, sdk.Args(args))
			},
		})
		return sdk.ToolHandle{Name: spec.Name}
	}

	useFn := func(names ...string) []sdk.ToolRef {
		refs := make([]sdk.ToolRef, 0, len(names))
		for _, name := range names {
			if reg.Tool(name) == nil {
				panic(fmt.Sprintf("tool %q not found: declare it with sdk.Tool before referencing it", name))
			}
			refs = append(refs, sdk.ToolRef{Name: name})
		}
		return refs
	}

	agentFn := func(spec sdk.AgentSpec) sdk.AgentHandle {
		if strings.TrimSpace(spec.Name) == "" {
			panic("sdk.Agent: Name is required")
		}

		tools := make([]string, 0, len(spec.Tools)+len(spec.BuiltinTools))
		for _, ref := range spec.Tools {
			tools = append(tools, ref.Name)
		}
		for _, builtin := range spec.BuiltinTools {
			tools = append(tools, "builtin:"+builtin)
		}
		reg.RegisterAgent(&registry.AgentEntry{
			Name:            spec.Name,
			Instructions:    spec.Instructions,
			Model:           spec.Model,
			Tools:           tools,
			Temperature:     spec.Temperature,
			ReasoningEffort: spec.ReasoningEffort,
			SourceFile:      source,
		})
		return sdk.AgentHandle{Name: spec.Name}
	}

	return interp.Exports{
		"klisk/sdk/sdk": {
			"Tool":  reflect.ValueOf(toolFn),
			"Agent": reflect.ValueOf(agentFn),
			"Use":   reflect.ValueOf(useFn),
			"Float": reflect.ValueOf(sdk.Float),

			"ToolSpec":    reflect.ValueOf((*sdk.ToolSpec)(nil)),
			"ToolHandle":  reflect.ValueOf((*sdk.ToolHandle)(nil)),
			"ToolRef":     reflect.ValueOf((*sdk.ToolRef)(nil)),
			"AgentSpec":   reflect.ValueOf((*sdk.AgentSpec)(nil)),
			"AgentHandle": reflect.ValueOf((*sdk.AgentHandle)(nil)),
			"Schema":      reflect.ValueOf((*sdk.Schema)(nil)),
			"Args":        reflect.ValueOf((*sdk.Args)(nil)),
			"HandlerFunc": reflect.ValueOf((*sdk.HandlerFunc)(nil)),
		},
	}
}

// sourceRel records where a declaration came from, relative to the
// project when possible.
func sourceRel(projectDir, path string) string {
	rel, err := filepath.Rel(projectDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}
