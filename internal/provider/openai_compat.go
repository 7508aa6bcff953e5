package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"klisk/internal/logging"
)

// compatBaseURLs lists the gateway providers spoken through their
// OpenAI-compatible chat-completions endpoints.
var compatBaseURLs = map[string]string{
	"anthropic":  "https://api.anthropic.com/v1",
	"groq":       "https://api.groq.com/openai/v1",
	"mistral":    "https://api.mistral.ai/v1",
	"deepseek":   "https://api.deepseek.com/v1",
	"xai":        "https://api.x.ai/v1",
	"openrouter": "https://openrouter.ai/api/v1",
	"together":   "https://api.together.xyz/v1",
}

// runCompat drives a gateway provider. Continuity is the accumulated
// chat-shaped history; the caller stores the returned Result.History.
func runCompat(ctx context.Context, route Route, req Request, key string, emit func(Event)) (*Result, error) {
	baseURL := compatBaseURLs[route.Provider]
	tools := compatTools(req)

	msgs := make([]map[string]any, 0, len(req.History)+3)
	if req.Agent.Instructions != "" {
		msgs = append(msgs, map[string]any{"role": "system", "content": req.Agent.Instructions})
	}
	histStart := len(msgs)
	msgs = append(msgs, req.History...)
	msgs = append(msgs, compatUserMessage(req))

	for turn := 0; turn < req.MaxTurns; turn++ {
		body := map[string]any{
			"model":    route.Model,
			"messages": msgs,
			"stream":   true,
		}
		if len(tools) > 0 {
			body["tools"] = tools
		}
		if req.Agent.Temperature != nil {
			body["temperature"] = *req.Agent.Temperature
		}
		if eff := req.Agent.ReasoningEffort; eff != "" && eff != "none" && !NativeOnlyEfforts[eff] {
			body["reasoning_effort"] = eff
		}

		text, calls, err := streamCompletions(ctx, baseURL, key, body, emit)
		if err != nil {
			return nil, err
		}

		if len(calls) == 0 {
			msgs = append(msgs, map[string]any{"role": "assistant", "content": text})
			return &Result{FinalOutput: text, History: msgs[histStart:]}, nil
		}

		assistant := map[string]any{"role": "assistant", "tool_calls": compatCallList(calls)}
		if text != "" {
			assistant["content"] = text
		}
		msgs = append(msgs, assistant)

		for _, call := range calls {
			out := execTool(ctx, req.Tools[call.name], decodeArgs(call.arguments))
			emit(ToolResult{Name: call.name, Output: out})
			msgs = append(msgs, map[string]any{
				"role":         "tool",
				"tool_call_id": call.id,
				"content":      out,
			})
		}
	}
	return nil, fmt.Errorf("max turns (%d) exceeded", req.MaxTurns)
}

type compatCall struct {
	id        string
	name      string
	arguments string
}

type compatChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			Reasoning        string `json:"reasoning"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// streamCompletions consumes one chat-completions SSE stream,
// accumulating fragmented tool calls by index.
func streamCompletions(ctx context.Context, baseURL, key string, body map[string]any, emit func(Event)) (string, []compatCall, error) {
	resp, err := postSSE(ctx, baseURL+"/chat/completions", key, body)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	log := logging.Get(logging.CategoryProvider)
	var text strings.Builder
	calls := make(map[int]*compatCall)
	maxIdx := -1

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		data, ok := sseData(scanner.Text())
		if !ok {
			continue
		}
		if data == "[DONE]" {
			break
		}

		var chunk compatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			log.Debug("skipping unparseable chunk: %v", err)
			continue
		}
		if chunk.Error != nil {
			return "", nil, fmt.Errorf("provider error: %s", chunk.Error.Message)
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			text.WriteString(delta.Content)
			emit(TextDelta{Text: delta.Content})
		}
		if thinking := delta.ReasoningContent + delta.Reasoning; thinking != "" {
			emit(ThinkingDelta{Text: thinking})
		}
		for _, tc := range delta.ToolCalls {
			call, ok := calls[tc.Index]
			if !ok {
				call = &compatCall{}
				calls[tc.Index] = call
				if tc.Index > maxIdx {
					maxIdx = tc.Index
				}
			}
			if tc.ID != "" {
				call.id = tc.ID
			}
			if tc.Function.Name != "" {
				call.name = tc.Function.Name
			}
			call.arguments += tc.Function.Arguments
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return "", nil, ctx.Err()
		}
		return "", nil, fmt.Errorf("reading stream: %w", err)
	}

	ordered := make([]compatCall, 0, len(calls))
	for i := 0; i <= maxIdx; i++ {
		if call, ok := calls[i]; ok {
			emit(ToolCall{Name: call.name, Arguments: call.arguments, ItemID: call.id})
			ordered = append(ordered, *call)
		}
	}
	return text.String(), ordered, nil
}

func compatCallList(calls []compatCall) []map[string]any {
	out := make([]map[string]any, 0, len(calls))
	for _, call := range calls {
		out = append(out, map[string]any{
			"id":   call.id,
			"type": "function",
			"function": map[string]any{
				"name":      call.name,
				"arguments": call.arguments,
			},
		})
	}
	return out
}

// compatTools renders function tools in chat-completions format.
// Hosted builtins have no gateway equivalent and are skipped.
func compatTools(req Request) []map[string]any {
	var tools []map[string]any
	for _, entry := range functionTools(req) {
		tools = append(tools, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        entry.Name,
				"description": entry.Description,
				"parameters":  schemaObject(entry.Parameters),
			},
		})
	}
	return tools
}

// compatUserMessage shapes the user turn; plain string content unless
// attachments force multimodal parts.
func compatUserMessage(req Request) map[string]any {
	if len(req.Attachments) == 0 {
		return map[string]any{"role": "user", "content": req.Message}
	}
	var parts []map[string]any
	if req.Message != "" {
		parts = append(parts, map[string]any{"type": "text", "text": req.Message})
	}
	for _, att := range req.Attachments {
		uri := dataURI(att)
		if strings.HasPrefix(att.MIME, "image/") {
			parts = append(parts, map[string]any{
				"type":      "image_url",
				"image_url": map[string]any{"url": uri, "detail": "auto"},
			})
		} else {
			parts = append(parts, map[string]any{
				"type": "file",
				"file": map[string]any{"filename": att.Name, "file_data": uri},
			})
		}
	}
	return map[string]any{"role": "user", "content": parts}
}
