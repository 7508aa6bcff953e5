package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"klisk/internal/logging"
)

// effortBudgets maps gateway reasoning_effort values to Gemini thinking
// budgets. Native-only efforts never reach this backend.
var effortBudgets = map[string]int32{
	"low":    1024,
	"medium": 8192,
	"high":   24576,
}

// runGemini drives the Gemini API through the official SDK. The wire
// history stays OpenAI-chat-shaped so sessions survive model switches;
// it is converted to genai contents on the way in.
func runGemini(ctx context.Context, route Route, req Request, key string, emit func(Event)) (*Result, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Backend: genai.BackendGeminiAPI,
		APIKey:  key,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	config := &genai.GenerateContentConfig{}
	if req.Agent.Instructions != "" {
		config.SystemInstruction = genai.NewContentFromText(req.Agent.Instructions, genai.RoleUser)
	}
	if req.Agent.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*req.Agent.Temperature))
	}
	if tools := geminiTools(req); len(tools) > 0 {
		config.Tools = tools
	}
	if budget, ok := effortBudgets[req.Agent.ReasoningEffort]; ok {
		config.ThinkingConfig = &genai.ThinkingConfig{
			IncludeThoughts: true,
			ThinkingBudget:  genai.Ptr(budget),
		}
	}

	contents := historyContents(req.History)
	contents = append(contents, geminiUserContent(req))

	msgs := make([]map[string]any, 0, len(req.History)+3)
	msgs = append(msgs, req.History...)
	msgs = append(msgs, compatUserMessage(req))

	log := logging.Get(logging.CategoryProvider)
	callSeq := 0
	for turn := 0; turn < req.MaxTurns; turn++ {
		var text strings.Builder
		var calls []*genai.FunctionCall

		for resp, err := range client.Models.GenerateContentStream(ctx, route.Model, contents, config) {
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, fmt.Errorf("gemini: %w", err)
			}
			if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
				continue
			}
			for _, part := range resp.Candidates[0].Content.Parts {
				if part.Thought {
					if part.Text != "" {
						emit(ThinkingDelta{Text: part.Text})
					}
					continue
				}
				if part.Text != "" {
					text.WriteString(part.Text)
					emit(TextDelta{Text: part.Text})
				}
				if part.FunctionCall != nil {
					calls = append(calls, part.FunctionCall)
				}
			}
		}

		if len(calls) == 0 {
			final := text.String()
			msgs = append(msgs, map[string]any{"role": "assistant", "content": final})
			return &Result{FinalOutput: final, History: msgs}, nil
		}

		modelParts := make([]*genai.Part, 0, len(calls)+1)
		if text.Len() > 0 {
			modelParts = append(modelParts, genai.NewPartFromText(text.String()))
		}
		wireCalls := make([]map[string]any, 0, len(calls))
		responseParts := make([]*genai.Part, 0, len(calls))
		var toolMsgs []map[string]any

		for _, fc := range calls {
			modelParts = append(modelParts, &genai.Part{FunctionCall: fc})

			id := fc.ID
			if id == "" {
				id = fmt.Sprintf("call_%d_%s", callSeq, fc.Name)
				callSeq++
			}
			argsJSON, err := json.Marshal(fc.Args)
			if err != nil {
				argsJSON = []byte("{}")
			}
			emit(ToolCall{Name: fc.Name, Arguments: string(argsJSON), ItemID: id})

			out := execTool(ctx, req.Tools[fc.Name], fc.Args)
			emit(ToolResult{Name: fc.Name, Output: out})
			log.Debug("tool %s returned %d bytes", fc.Name, len(out))

			responseParts = append(responseParts, genai.NewPartFromFunctionResponse(fc.Name, map[string]any{"output": out}))
			wireCalls = append(wireCalls, map[string]any{
				"id":   id,
				"type": "function",
				"function": map[string]any{
					"name":      fc.Name,
					"arguments": string(argsJSON),
				},
			})
			toolMsgs = append(toolMsgs, map[string]any{
				"role":         "tool",
				"tool_call_id": id,
				"name":         fc.Name,
				"content":      out,
			})
		}

		contents = append(contents,
			&genai.Content{Role: genai.RoleModel, Parts: modelParts},
			&genai.Content{Role: genai.RoleUser, Parts: responseParts},
		)

		assistant := map[string]any{"role": "assistant", "tool_calls": wireCalls}
		if text.Len() > 0 {
			assistant["content"] = text.String()
		}
		msgs = append(msgs, assistant)
		msgs = append(msgs, toolMsgs...)
	}
	return nil, fmt.Errorf("max turns (%d) exceeded", req.MaxTurns)
}

func geminiTools(req Request) []*genai.Tool {
	funcs := functionTools(req)
	if len(funcs) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(funcs))
	for _, entry := range funcs {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        entry.Name,
			Description: entry.Description,
			Parameters:  geminiSchema(entry.Parameters),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// geminiSchema converts flat parameter properties to a genai object
// schema, every property required.
func geminiSchema(params map[string]any) *genai.Schema {
	props := make(map[string]*genai.Schema, len(params))
	required := make([]string, 0, len(params))
	for name, def := range params {
		prop := &genai.Schema{Type: genai.TypeString}
		if m, ok := def.(map[string]any); ok {
			prop.Type = schemaType(mapStr(m, "type"))
			prop.Description = mapStr(m, "description")
			if raw, ok := m["enum"].([]any); ok {
				for _, v := range raw {
					if s, ok := v.(string); ok {
						prop.Enum = append(prop.Enum, s)
					}
				}
			}
		}
		props[name] = prop
		required = append(required, name)
	}
	return &genai.Schema{
		Type:       genai.TypeObject,
		Properties: props,
		Required:   required,
	}
}

func schemaType(s string) genai.Type {
	switch s {
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}

func geminiUserContent(req Request) *genai.Content {
	parts := []*genai.Part{genai.NewPartFromText(req.Message)}
	for _, att := range req.Attachments {
		data, err := base64.StdEncoding.DecodeString(att.Data)
		if err != nil {
			continue
		}
		parts = append(parts, genai.NewPartFromBytes(data, att.MIME))
	}
	return &genai.Content{Role: genai.RoleUser, Parts: parts}
}

// historyContents rebuilds genai contents from OpenAI-chat-shaped
// history maps. Entries that cannot be interpreted are skipped.
func historyContents(history []map[string]any) []*genai.Content {
	callNames := make(map[string]string)
	for _, msg := range history {
		for _, tc := range toolCallMaps(msg) {
			fn, _ := tc["function"].(map[string]any)
			if fn != nil {
				callNames[mapStr(tc, "id")] = mapStr(fn, "name")
			}
		}
	}

	var contents []*genai.Content
	for _, msg := range history {
		switch mapStr(msg, "role") {
		case "user":
			if c := userContentFromMap(msg); c != nil {
				contents = append(contents, c)
			}
		case "assistant":
			var parts []*genai.Part
			if s := mapStr(msg, "content"); s != "" {
				parts = append(parts, genai.NewPartFromText(s))
			}
			for _, tc := range toolCallMaps(msg) {
				fn, _ := tc["function"].(map[string]any)
				if fn == nil {
					continue
				}
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   mapStr(tc, "id"),
					Name: mapStr(fn, "name"),
					Args: decodeArgs(mapStr(fn, "arguments")),
				}})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
			}
		case "tool":
			name := mapStr(msg, "name")
			if name == "" {
				name = callNames[mapStr(msg, "tool_call_id")]
			}
			if name == "" {
				continue
			}
			part := genai.NewPartFromFunctionResponse(name, map[string]any{"output": mapStr(msg, "content")})
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{part}})
		}
	}
	return contents
}

func userContentFromMap(msg map[string]any) *genai.Content {
	if s, ok := msg["content"].(string); ok {
		return genai.NewContentFromText(s, genai.RoleUser)
	}
	var parts []*genai.Part
	for _, m := range anyMaps(msg["content"]) {
		switch mapStr(m, "type") {
		case "text":
			parts = append(parts, genai.NewPartFromText(mapStr(m, "text")))
		case "image_url":
			img, _ := m["image_url"].(map[string]any)
			if p := partFromDataURI(mapStr(img, "url")); p != nil {
				parts = append(parts, p)
			}
		case "file":
			file, _ := m["file"].(map[string]any)
			if p := partFromDataURI(mapStr(file, "file_data")); p != nil {
				parts = append(parts, p)
			}
		}
	}
	if len(parts) == 0 {
		return nil
	}
	return &genai.Content{Role: genai.RoleUser, Parts: parts}
}

func partFromDataURI(uri string) *genai.Part {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return nil
	}
	mime, b64, ok := strings.Cut(rest, ";base64,")
	if !ok {
		return nil
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil
	}
	return genai.NewPartFromBytes(data, mime)
}

func toolCallMaps(msg map[string]any) []map[string]any {
	return anyMaps(msg["tool_calls"])
}

// anyMaps normalizes a history field that is []map[string]any when
// built in-process and []any when decoded from JSON.
func anyMaps(v any) []map[string]any {
	switch raw := v.(type) {
	case []map[string]any:
		return raw
	case []any:
		out := make([]map[string]any, 0, len(raw))
		for _, item := range raw {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func mapStr(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
