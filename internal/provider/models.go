package provider

// curatedModels backs GET /api/models; the studio picker offers these
// per provider.
var curatedModels = map[string][]string{
	"openai": {
		"gpt-4.1",
		"gpt-4.1-mini",
		"gpt-4.1-nano",
		"gpt-4o",
		"gpt-4o-mini",
		"o3",
		"o3-mini",
		"o4-mini",
	},
	"anthropic": {
		"claude-opus-4-6",
		"claude-sonnet-4-5",
		"claude-haiku-4-5",
	},
	"gemini": {
		"gemini-2.5-pro",
		"gemini-2.5-flash",
		"gemini-2.0-flash",
	},
}

// Models returns the curated model catalog keyed by provider.
func Models() map[string][]string {
	out := make(map[string][]string, len(curatedModels))
	for provider, models := range curatedModels {
		out[provider] = append([]string(nil), models...)
	}
	return out
}
