package tools

import (
	"context"
	"fmt"

	"klisk/sdk"
)

func init() {
	sdk.Tool(sdk.ToolSpec{
		Name:        "greet",
		Description: "Greet someone by name.",
		Parameters: sdk.Schema{
			"name": map[string]any{"type": "string", "description": "Name to greet"},
		},
		Handler: func(ctx context.Context, args sdk.Args) (string, error) {
			return fmt.Sprintf("Hello, %s! How can I help you today?", args.String("name")), nil
		},
	})
}
