package main

import "klisk/sdk"

func init() {
	sdk.Agent(sdk.AgentSpec{
		Name:         "Greeter",
		Instructions: "You are a friendly assistant. Greet people warmly and answer their questions.",
		// Use "provider/model" for non-OpenAI models,
		// e.g. "anthropic/claude-sonnet-4-5" or "ollama/llama3.2".
		Model: "gpt-5.2",
		Tools: sdk.Use("greet"),
	})
}
