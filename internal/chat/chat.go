// Package chat implements the conversation state machine shared by the
// websocket and SSE chat surfaces. A Session tracks continuity for one
// client: a provider response ID for native models, an accumulated
// message history for gateway models, never both. Each inbound message
// is resolved against the snapshot current at that moment, so hot
// reloads apply mid-conversation.
package chat

import (
	"context"
	"strings"

	"klisk/internal/envcache"
	"klisk/internal/logging"
	"klisk/internal/provider"
	"klisk/internal/registry"
)

const maxAttachmentSize = 20 * 1024 * 1024

var allowedImageMIMEs = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

var allowedFileMIMEs = map[string]bool{
	"application/pdf": true,
}

// Incoming is one client chat message.
type Incoming struct {
	Type               string               `json:"type"`
	Message            string               `json:"message"`
	AgentName          string               `json:"agent_name"`
	PreviousResponseID string               `json:"previous_response_id"`
	Attachments        []IncomingAttachment `json:"attachments"`
}

// IncomingAttachment is an inline upload; Data is base64 without a
// data: prefix.
type IncomingAttachment struct {
	Name string `json:"name"`
	MIME string `json:"mime_type"`
	Data string `json:"data"`
}

// SendFunc delivers one wire event to the client. A returned error
// marks the transport broken; the session stops sending.
type SendFunc func(event map[string]any) error

// Options configure sessions created for one server.
type Options struct {
	// Env resolves per-project credentials in workspace mode. Nil falls
	// back to the process environment.
	Env *envcache.Cache

	// DefaultModel overrides the built-in default for agents that do
	// not name a model.
	DefaultModel string
}

// Session is the per-connection conversation state. It is owned by a
// single connection goroutine and is not safe for concurrent use.
type Session struct {
	PreviousResponseID string
	History            []map[string]any
	CurrentAgent       string

	opts Options
}

func NewSession(opts Options) *Session {
	return &Session{opts: opts}
}

// SessionFromState rebuilds a session from a client-supplied state map,
// the REST continuity mechanism.
func SessionFromState(state map[string]any, opts Options) *Session {
	s := NewSession(opts)
	if state == nil {
		return s
	}
	s.PreviousResponseID = stringField(state, "previous_response_id")
	s.History = historyField(state["conversation_history"])
	s.CurrentAgent = stringField(state, "current_agent_name")
	return s
}

// State serializes the session for the client to echo back on its next
// request.
func (s *Session) State() map[string]any {
	state := map[string]any{}
	if s.PreviousResponseID != "" {
		state["previous_response_id"] = s.PreviousResponseID
	}
	if s.History != nil {
		state["conversation_history"] = s.History
	}
	if s.CurrentAgent != "" {
		state["current_agent_name"] = s.CurrentAgent
	}
	return state
}

// Clear drops conversation continuity. The selected agent is kept.
func (s *Session) Clear() {
	s.PreviousResponseID = ""
	s.History = nil
}

// Handle processes one inbound message against the given snapshot,
// streaming wire events through send. Run failures become error events;
// the returned error is only ever a transport failure from send.
func (s *Session) Handle(ctx context.Context, snap *registry.ProjectSnapshot, msg Incoming, send SendFunc) error {
	if msg.Type == "clear" {
		s.Clear()
		return nil
	}
	if msg.PreviousResponseID != "" {
		s.PreviousResponseID = msg.PreviousResponseID
	}

	if snap == nil || len(snap.Agents) == 0 {
		return send(errorEvent("No agents loaded"))
	}

	selected := msg.AgentName
	if _, ok := snap.Agents[selected]; selected == "" || !ok {
		selected = snap.AgentNames()[0]
	}
	if s.CurrentAgent != "" && selected != s.CurrentAgent {
		s.Clear()
	}
	s.CurrentAgent = selected
	agent := snap.Agents[selected]

	scope := envcache.Process()
	if s.opts.Env != nil && agent.Project != "" {
		scope = s.opts.Env.Scope(agent.Project)
	}

	log := logging.Get(logging.CategoryChat)
	log.Debug("message for agent %s (%d attachment(s))", selected, len(msg.Attachments))

	var sendErr error
	deliver := func(event map[string]any) {
		if sendErr == nil {
			sendErr = send(event)
		}
	}
	seenHosted := make(map[string]bool)

	res, runErr := provider.Run(ctx, provider.Request{
		Agent:              agent,
		Tools:              resolveTools(snap, agent),
		Message:            msg.Message,
		Attachments:        filterAttachments(msg.Attachments),
		PreviousResponseID: s.PreviousResponseID,
		History:            s.History,
		Scope:              scope,
		DefaultModel:       s.opts.DefaultModel,
	}, func(ev provider.Event) {
		switch e := ev.(type) {
		case provider.TextDelta:
			if e.Text != "" {
				deliver(map[string]any{"type": "token", "data": e.Text})
			}
		case provider.ThinkingDelta:
			if e.Text != "" {
				deliver(map[string]any{"type": "thinking", "data": e.Text})
			}
		case provider.ToolCall:
			if e.Hosted {
				s.deliverHosted(e, seenHosted, deliver)
			} else {
				deliver(toolCallEvent(e.Name, e.Arguments))
			}
		case provider.ToolResult:
			deliver(toolResultEvent(e.Output))
		}
	})
	if runErr != nil {
		log.Warn("run failed for agent %s: %v", selected, runErr)
		deliver(errorEvent(runErr.Error()))
		return sendErr
	}

	route := provider.Resolve(agent.Model, s.opts.DefaultModel)
	if route.Native {
		s.PreviousResponseID = res.ResponseID
		s.History = nil
	} else {
		s.History = res.History
		s.PreviousResponseID = ""
	}

	done := map[string]any{"type": "done", "data": res.FinalOutput}
	if s.PreviousResponseID != "" {
		done["response_id"] = s.PreviousResponseID
	} else {
		done["response_id"] = nil
	}
	deliver(done)
	return sendErr
}

// deliverHosted deduplicates hosted tool progress by item ID. A call is
// announced once meaningful arguments exist; completion adds a result
// event; argless calls are dropped.
func (s *Session) deliverHosted(e provider.ToolCall, seen map[string]bool, deliver func(map[string]any)) {
	args := hostedArgs(e.Name, e.Arguments)
	isDone := e.Status == "completed" || e.Status == "failed"

	if e.ItemID != "" {
		if emitted, ok := seen[e.ItemID]; ok && emitted {
			if isDone {
				deliver(toolResultEvent(hostedOutput(e.Name, e.Arguments)))
			}
			return
		}
	}
	if args == "" {
		if e.ItemID != "" {
			seen[e.ItemID] = false
		}
		return
	}
	if e.ItemID != "" {
		seen[e.ItemID] = true
	}
	deliver(toolCallEvent(e.Name, args))
	if isDone {
		deliver(toolResultEvent(hostedOutput(e.Name, e.Arguments)))
	}
}

// resolveTools maps the agent's declared tool names to snapshot
// entries. Workspace snapshots key colliding names as project/name, so
// a bare miss retries with the agent's project prefix.
func resolveTools(snap *registry.ProjectSnapshot, agent *registry.AgentEntry) map[string]*registry.ToolEntry {
	tools := make(map[string]*registry.ToolEntry)
	for _, name := range agent.Tools {
		if strings.HasPrefix(name, "builtin:") {
			continue
		}
		if t, ok := snap.Tools[name]; ok && t.Project == agent.Project {
			tools[name] = t
			continue
		}
		if agent.Project != "" {
			if t, ok := snap.Tools[agent.Project+"/"+name]; ok {
				tools[name] = t
			}
		}
	}
	return tools
}

func filterAttachments(in []IncomingAttachment) []provider.Attachment {
	var out []provider.Attachment
	for _, att := range in {
		if len(att.Data) > maxAttachmentSize*4/3 {
			continue
		}
		if !allowedImageMIMEs[att.MIME] && !allowedFileMIMEs[att.MIME] {
			continue
		}
		name := att.Name
		if name == "" {
			name = "file"
		}
		out = append(out, provider.Attachment{Name: name, MIME: att.MIME, Data: att.Data})
	}
	return out
}

func errorEvent(msg string) map[string]any {
	return map[string]any{"type": "error", "data": msg}
}

func toolCallEvent(tool, arguments string) map[string]any {
	return map[string]any{
		"type": "tool_call",
		"data": map[string]any{
			"tool":      tool,
			"arguments": arguments,
			"status":    "running",
		},
	}
}

func toolResultEvent(output string) map[string]any {
	return map[string]any{
		"type": "tool_result",
		"data": map[string]any{"output": output},
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func historyField(v any) []map[string]any {
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
		if len(out) == 0 {
			return nil
		}
		return out
	}
	return nil
}
