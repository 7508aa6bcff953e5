package chat

import (
	"encoding/json"
	"strings"
)

// hostedItem is the slice of a Responses API output item the chat
// surface cares about. Which fields are populated depends on the tool:
// web_search nests under action, file_search and code_interpreter keep
// theirs at the top level.
type hostedItem struct {
	Action  *hostedAction  `json:"action"`
	Queries []string       `json:"queries"`
	Code    string         `json:"code"`
	Results []hostedResult `json:"results"`
	Outputs []hostedLog    `json:"outputs"`
}

type hostedAction struct {
	Query   string         `json:"query"`
	Sources []hostedSource `json:"sources"`
}

type hostedSource struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

type hostedResult struct {
	Filename string   `json:"filename"`
	Text     string   `json:"text"`
	Score    *float64 `json:"score"`
}

type hostedLog struct {
	Type string `json:"type"`
	Logs string `json:"logs"`
}

// hostedArgs distills a hosted call's raw item JSON into the argument
// string shown to the user. Empty means nothing worth announcing yet.
func hostedArgs(name, raw string) string {
	item, ok := decodeHostedItem(raw)
	if !ok {
		return ""
	}
	switch name {
	case "web_search":
		if item.Action != nil && item.Action.Query != "" {
			return marshalJSON(map[string]any{"query": item.Action.Query})
		}
	case "file_search":
		if len(item.Queries) > 0 {
			return marshalJSON(map[string]any{"queries": item.Queries})
		}
	case "code_interpreter":
		if item.Code != "" {
			return marshalJSON(map[string]any{"code": item.Code})
		}
	}
	return ""
}

// hostedOutput distills a finished hosted call's raw item JSON into a
// result string: sources for web search, matched chunks for file
// search, captured logs for the interpreter.
func hostedOutput(name, raw string) string {
	item, ok := decodeHostedItem(raw)
	if !ok {
		return ""
	}
	switch name {
	case "web_search":
		if item.Action == nil {
			return ""
		}
		var urls []map[string]any
		for _, s := range item.Action.Sources {
			if s.URL == "" {
				continue
			}
			entry := map[string]any{"url": s.URL}
			if s.Title != "" {
				entry["title"] = s.Title
			}
			urls = append(urls, entry)
		}
		if len(urls) > 0 {
			return marshalJSON(urls)
		}
	case "file_search":
		var results []map[string]any
		for _, r := range item.Results {
			entry := map[string]any{}
			if r.Filename != "" {
				entry["file"] = r.Filename
			}
			if r.Text != "" {
				entry["text"] = truncateRunes(r.Text, 200)
			}
			if r.Score != nil {
				entry["score"] = *r.Score
			}
			if len(entry) > 0 {
				results = append(results, entry)
			}
		}
		if len(results) > 0 {
			return marshalJSON(results)
		}
	case "code_interpreter":
		var parts []string
		for _, o := range item.Outputs {
			if o.Type == "logs" && o.Logs != "" {
				parts = append(parts, o.Logs)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
	}
	return ""
}

func decodeHostedItem(raw string) (hostedItem, bool) {
	var item hostedItem
	if raw == "" {
		return item, false
	}
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return item, false
	}
	return item, true
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
