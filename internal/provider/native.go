package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"klisk/internal/logging"
)

var nativeBaseURL = "https://api.openai.com/v1"

// ValidEfforts are the accepted reasoning_effort values.
var ValidEfforts = map[string]bool{
	"none": true, "minimal": true, "low": true,
	"medium": true, "high": true, "xhigh": true,
}

// NativeOnlyEfforts only exist on OpenAI-routed models; check warns when
// a gateway agent uses one.
var NativeOnlyEfforts = map[string]bool{"minimal": true, "xhigh": true}

// hostedCallNames maps Responses API item types to the builtin tool
// names users declare.
var hostedCallNames = map[string]string{
	"web_search_call":       "web_search",
	"file_search_call":      "file_search",
	"code_interpreter_call": "code_interpreter",
	"image_generation_call": "image_generation",
}

// SupportsReasoning reports whether a bare model name accepts reasoning
// parameters: o-series models, and gpt-5 or later.
func SupportsReasoning(model string) bool {
	m := strings.ToLower(model)
	if len(m) > 1 && m[0] == 'o' && m[1] >= '0' && m[1] <= '9' {
		return true
	}
	if rest, ok := strings.CutPrefix(m, "gpt-"); ok {
		major := rest
		if i := strings.IndexAny(major, ".-"); i >= 0 {
			major = major[:i]
		}
		if n, err := strconv.Atoi(major); err == nil {
			return n >= 5
		}
	}
	return false
}

// runNative drives the OpenAI Responses API. Continuity rides on
// previous_response_id; each follow-up turn sends only the pending
// function outputs.
func runNative(ctx context.Context, route Route, req Request, key string, emit func(Event)) (*Result, error) {
	tools := nativeTools(req)
	var input any = nativeUserInput(req)
	prevID := req.PreviousResponseID

	for turn := 0; turn < req.MaxTurns; turn++ {
		body := map[string]any{
			"model":  route.Model,
			"input":  input,
			"stream": true,
		}
		if prevID != "" {
			body["previous_response_id"] = prevID
		}
		if req.Agent.Instructions != "" {
			body["instructions"] = req.Agent.Instructions
		}
		if len(tools) > 0 {
			body["tools"] = tools
		}
		if req.Agent.Temperature != nil {
			body["temperature"] = *req.Agent.Temperature
		}
		if eff := req.Agent.ReasoningEffort; eff != "" && eff != "none" && SupportsReasoning(route.Model) {
			body["reasoning"] = map[string]any{"effort": eff}
		}
		// Surfaces web search sources on the completed call item.
		body["include"] = []string{"web_search_call.action.sources"}

		tr, err := streamResponses(ctx, key, body, emit)
		if err != nil {
			return nil, err
		}
		prevID = tr.responseID

		if len(tr.calls) == 0 {
			return &Result{FinalOutput: tr.text, ResponseID: tr.responseID}, nil
		}

		outputs := make([]map[string]any, 0, len(tr.calls))
		for _, call := range tr.calls {
			args := decodeArgs(call.arguments)
			out := execTool(ctx, req.Tools[call.name], args)
			emit(ToolResult{Name: call.name, Output: out})
			outputs = append(outputs, map[string]any{
				"type":    "function_call_output",
				"call_id": call.callID,
				"output":  out,
			})
		}
		input = outputs
	}
	return nil, fmt.Errorf("max turns (%d) exceeded", req.MaxTurns)
}

type nativeCall struct {
	itemID    string
	callID    string
	name      string
	arguments string
}

type nativeTurn struct {
	responseID string
	text       string
	calls      []nativeCall
}

type respEvent struct {
	Type      string          `json:"type"`
	Delta     string          `json:"delta"`
	ItemID    string          `json:"item_id"`
	Arguments string          `json:"arguments"`
	Item      json.RawMessage `json:"item"`
	Response  *respResponse   `json:"response"`
	Message   string          `json:"message"`
}

type respItem struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Status    string `json:"status"`

	raw json.RawMessage
}

func decodeItem(raw json.RawMessage) *respItem {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var item respItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil
	}
	item.raw = raw
	return &item
}

type respResponse struct {
	ID    string     `json:"id"`
	Error *respError `json:"error"`
}

type respError struct {
	Message string `json:"message"`
}

// streamResponses consumes one Responses API SSE stream. Function calls
// are collected for the caller's tool loop; hosted call progress is
// emitted directly.
func streamResponses(ctx context.Context, key string, body map[string]any, emit func(Event)) (*nativeTurn, error) {
	resp, err := postSSE(ctx, nativeBaseURL+"/responses", key, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	log := logging.Get(logging.CategoryProvider)
	turn := &nativeTurn{}
	pending := make(map[string]*nativeCall)
	var order []string

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		data, ok := sseData(scanner.Text())
		if !ok || data == "[DONE]" {
			continue
		}

		var ev respEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			log.Debug("skipping unparseable event: %v", err)
			continue
		}

		switch ev.Type {
		case "response.output_text.delta":
			turn.text += ev.Delta
			emit(TextDelta{Text: ev.Delta})

		case "response.reasoning_summary_text.delta", "response.reasoning_text.delta":
			emit(ThinkingDelta{Text: ev.Delta})

		case "response.output_item.added":
			item := decodeItem(ev.Item)
			if item == nil {
				continue
			}
			if item.Type == "function_call" {
				pending[item.ID] = &nativeCall{
					itemID: item.ID,
					callID: item.CallID,
					name:   item.Name,
				}
				order = append(order, item.ID)
			} else if hosted, ok := hostedCallNames[item.Type]; ok {
				status := item.Status
				if status == "" {
					status = "in_progress"
				}
				emit(ToolCall{
					Name:      hosted,
					Arguments: string(item.raw),
					ItemID:    item.ID,
					Status:    status,
					Hosted:    true,
				})
			}

		case "response.function_call_arguments.done":
			if call, ok := pending[ev.ItemID]; ok {
				call.arguments = ev.Arguments
				emit(ToolCall{
					Name:      call.name,
					Arguments: call.arguments,
					ItemID:    call.itemID,
				})
			}

		case "response.output_item.done":
			item := decodeItem(ev.Item)
			if item == nil {
				continue
			}
			if call, ok := pending[item.ID]; ok {
				if call.arguments == "" {
					call.arguments = item.Arguments
					emit(ToolCall{
						Name:      call.name,
						Arguments: call.arguments,
						ItemID:    call.itemID,
					})
				}
			} else if hosted, ok := hostedCallNames[item.Type]; ok {
				status := item.Status
				if status == "" {
					status = "completed"
				}
				emit(ToolCall{
					Name:      hosted,
					Arguments: string(item.raw),
					ItemID:    item.ID,
					Status:    status,
					Hosted:    true,
				})
			}

		case "response.completed":
			if ev.Response != nil {
				turn.responseID = ev.Response.ID
			}

		case "response.failed", "response.incomplete":
			msg := "response failed"
			if ev.Response != nil && ev.Response.Error != nil && ev.Response.Error.Message != "" {
				msg = ev.Response.Error.Message
			}
			return nil, fmt.Errorf("openai: %s", msg)

		case "error":
			if ev.Message != "" {
				return nil, fmt.Errorf("openai: %s", ev.Message)
			}
			return nil, fmt.Errorf("openai: stream error")
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("reading stream: %w", err)
	}

	for _, id := range order {
		turn.calls = append(turn.calls, *pending[id])
	}
	return turn, nil
}

func decodeArgs(raw string) map[string]any {
	args := map[string]any{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return map[string]any{}
		}
	}
	return args
}

// nativeTools builds the Responses API tool list: declared function
// tools first, hosted builtins after.
func nativeTools(req Request) []map[string]any {
	var tools []map[string]any
	for _, entry := range functionTools(req) {
		tools = append(tools, map[string]any{
			"type":        "function",
			"name":        entry.Name,
			"description": entry.Description,
			"parameters":  schemaObject(entry.Parameters),
		})
	}
	for _, name := range builtinTools(req) {
		switch name {
		case "code_interpreter":
			tools = append(tools, map[string]any{
				"type":      "code_interpreter",
				"container": map[string]any{"type": "auto"},
			})
		default:
			tools = append(tools, map[string]any{"type": name})
		}
	}
	return tools
}

// schemaObject wraps flat parameter properties in a JSON Schema object.
func schemaObject(params map[string]any) map[string]any {
	props := make(map[string]any, len(params))
	required := make([]string, 0, len(params))
	for name, def := range params {
		props[name] = def
		required = append(required, name)
	}
	sort.Strings(required)
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

// nativeUserInput is a plain string without attachments, otherwise a
// Responses API message with content parts.
func nativeUserInput(req Request) any {
	if len(req.Attachments) == 0 {
		return req.Message
	}
	var content []map[string]any
	if req.Message != "" {
		content = append(content, map[string]any{"type": "input_text", "text": req.Message})
	}
	for _, att := range req.Attachments {
		uri := dataURI(att)
		if strings.HasPrefix(att.MIME, "image/") {
			content = append(content, map[string]any{
				"type":      "input_image",
				"image_url": uri,
				"detail":    "auto",
			})
		} else {
			content = append(content, map[string]any{
				"type":      "input_file",
				"filename":  att.Name,
				"file_data": uri,
			})
		}
	}
	return []map[string]any{{"role": "user", "content": content}}
}

func dataURI(att Attachment) string {
	return fmt.Sprintf("data:%s;base64,%s", att.MIME, att.Data)
}
