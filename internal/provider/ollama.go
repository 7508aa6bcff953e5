package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

const defaultOllamaHost = "http://localhost:11434"

// runOllama drives a local Ollama daemon through its official client.
// The base URL comes from OLLAMA_HOST in the credential scope; no API
// key is involved. PDF attachments are skipped since the chat endpoint
// only accepts images.
func runOllama(ctx context.Context, route Route, req Request, emit func(Event)) (*Result, error) {
	base := req.Scope.Lookup("OLLAMA_HOST")
	if base == "" {
		base = defaultOllamaHost
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid OLLAMA_HOST %q: %w", base, err)
	}
	client := api.NewClient(u, &http.Client{})

	tools := ollamaTools(req)
	msgs := make([]api.Message, 0, len(req.History)+3)
	if req.Agent.Instructions != "" {
		msgs = append(msgs, api.Message{Role: "system", Content: req.Agent.Instructions})
	}
	msgs = append(msgs, ollamaHistory(req.History)...)
	msgs = append(msgs, ollamaUserMessage(req))

	wire := make([]map[string]any, 0, len(req.History)+3)
	wire = append(wire, req.History...)
	wire = append(wire, compatUserMessage(req))

	callSeq := 0
	for turn := 0; turn < req.MaxTurns; turn++ {
		var text strings.Builder
		var calls []api.ToolCall

		stream := true
		chatReq := &api.ChatRequest{
			Model:    route.Model,
			Messages: msgs,
			Stream:   &stream,
		}
		if len(tools) > 0 {
			chatReq.Tools = tools
		}
		if req.Agent.Temperature != nil {
			chatReq.Options = map[string]any{"temperature": *req.Agent.Temperature}
		}

		err := client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
			if resp.Message.Thinking != "" {
				emit(ThinkingDelta{Text: resp.Message.Thinking})
			}
			if resp.Message.Content != "" {
				text.WriteString(resp.Message.Content)
				emit(TextDelta{Text: resp.Message.Content})
			}
			calls = append(calls, resp.Message.ToolCalls...)
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("ollama: %w", err)
		}

		if len(calls) == 0 {
			final := text.String()
			wire = append(wire, map[string]any{"role": "assistant", "content": final})
			return &Result{FinalOutput: final, History: wire}, nil
		}

		msgs = append(msgs, api.Message{Role: "assistant", Content: text.String(), ToolCalls: calls})
		wireCalls := make([]map[string]any, 0, len(calls))
		var toolWire []map[string]any

		for _, tc := range calls {
			id := tc.ID
			if id == "" {
				id = fmt.Sprintf("call_%d_%s", callSeq, tc.Function.Name)
				callSeq++
			}
			args := tc.Function.Arguments.ToMap()
			argsJSON, err := json.Marshal(args)
			if err != nil {
				argsJSON = []byte("{}")
			}
			emit(ToolCall{Name: tc.Function.Name, Arguments: string(argsJSON), ItemID: id})

			out := execTool(ctx, req.Tools[tc.Function.Name], args)
			emit(ToolResult{Name: tc.Function.Name, Output: out})

			msgs = append(msgs, api.Message{
				Role:       "tool",
				Content:    out,
				ToolName:   tc.Function.Name,
				ToolCallID: id,
			})
			wireCalls = append(wireCalls, map[string]any{
				"id":   id,
				"type": "function",
				"function": map[string]any{
					"name":      tc.Function.Name,
					"arguments": string(argsJSON),
				},
			})
			toolWire = append(toolWire, map[string]any{
				"role":         "tool",
				"tool_call_id": id,
				"name":         tc.Function.Name,
				"content":      out,
			})
		}

		assistant := map[string]any{"role": "assistant", "tool_calls": wireCalls}
		if text.Len() > 0 {
			assistant["content"] = text.String()
		}
		wire = append(wire, assistant)
		wire = append(wire, toolWire...)
	}
	return nil, fmt.Errorf("max turns (%d) exceeded", req.MaxTurns)
}

func ollamaTools(req Request) []api.Tool {
	funcs := functionTools(req)
	if len(funcs) == 0 {
		return nil
	}
	tools := make([]api.Tool, 0, len(funcs))
	for _, entry := range funcs {
		params := api.ToolFunctionParameters{
			Type:       "object",
			Properties: api.NewToolPropertiesMap(),
		}
		for name, def := range entry.Parameters {
			prop := api.ToolProperty{Type: api.PropertyType{"string"}}
			if m, ok := def.(map[string]any); ok {
				if t := mapStr(m, "type"); t != "" {
					prop.Type = api.PropertyType{t}
				}
				prop.Description = mapStr(m, "description")
				if raw, ok := m["enum"].([]any); ok {
					prop.Enum = raw
				}
			}
			params.Properties.Set(name, prop)
			params.Required = append(params.Required, name)
		}
		tools = append(tools, api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        entry.Name,
				Description: entry.Description,
				Parameters:  params,
			},
		})
	}
	return tools
}

func ollamaUserMessage(req Request) api.Message {
	msg := api.Message{Role: "user", Content: req.Message}
	for _, att := range req.Attachments {
		if !strings.HasPrefix(att.MIME, "image/") {
			continue
		}
		if data, err := base64.StdEncoding.DecodeString(att.Data); err == nil {
			msg.Images = append(msg.Images, api.ImageData(data))
		}
	}
	return msg
}

// ollamaHistory rebuilds api messages from OpenAI-chat-shaped history.
func ollamaHistory(history []map[string]any) []api.Message {
	var msgs []api.Message
	for _, m := range history {
		switch mapStr(m, "role") {
		case "user":
			msgs = append(msgs, ollamaUserFromMap(m))
		case "assistant":
			msg := api.Message{Role: "assistant", Content: mapStr(m, "content")}
			for _, tc := range toolCallMaps(m) {
				fn, _ := tc["function"].(map[string]any)
				if fn == nil {
					continue
				}
				args := api.NewToolCallFunctionArguments()
				for k, v := range decodeArgs(mapStr(fn, "arguments")) {
					args.Set(k, v)
				}
				msg.ToolCalls = append(msg.ToolCalls, api.ToolCall{
					ID: mapStr(tc, "id"),
					Function: api.ToolCallFunction{
						Name:      mapStr(fn, "name"),
						Arguments: args,
					},
				})
			}
			msgs = append(msgs, msg)
		case "tool":
			msgs = append(msgs, api.Message{
				Role:       "tool",
				Content:    mapStr(m, "content"),
				ToolName:   mapStr(m, "name"),
				ToolCallID: mapStr(m, "tool_call_id"),
			})
		}
	}
	return msgs
}

func ollamaUserFromMap(m map[string]any) api.Message {
	if s, ok := m["content"].(string); ok {
		return api.Message{Role: "user", Content: s}
	}
	msg := api.Message{Role: "user"}
	var texts []string
	for _, part := range anyMaps(m["content"]) {
		switch mapStr(part, "type") {
		case "text":
			texts = append(texts, mapStr(part, "text"))
		case "image_url":
			img, _ := part["image_url"].(map[string]any)
			if data := dataURIBytes(mapStr(img, "url")); data != nil {
				msg.Images = append(msg.Images, api.ImageData(data))
			}
		}
	}
	msg.Content = strings.Join(texts, "\n")
	return msg
}

func dataURIBytes(uri string) []byte {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return nil
	}
	_, b64, ok := strings.Cut(rest, ";base64,")
	if !ok {
		return nil
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil
	}
	return data
}
