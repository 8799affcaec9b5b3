package toolexecutor

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// RegisterBuiltins installs the tools every deployment ships with. now may be
// nil.
func RegisterBuiltins(te *ToolExecutor, now func() time.Time) error {
	if now == nil {
		now = time.Now
	}

	defs := []ToolDefinition{
		{
			Name:        "current_time",
			Description: "Returns the current time, optionally in an IANA time zone",
			Parameters: []ToolParameter{
				{Name: "timezone", Type: "string", Description: "IANA zone name such as Europe/Berlin"},
			},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				loc := time.UTC
				if tz, _ := params["timezone"].(string); tz != "" {
					l, err := time.LoadLocation(tz)
					if err != nil {
						return nil, fmt.Errorf("unknown timezone %q", tz)
					}
					loc = l
				}
				return map[string]any{
					"time":     now().In(loc).Format(time.RFC3339),
					"timezone": loc.String(),
				}, nil
			},
		},
		{
			Name:        "word_count",
			Description: "Counts the words and characters in a text",
			Parameters: []ToolParameter{
				{Name: "text", Type: "string", Description: "Text to measure", Required: true},
			},
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				text, _ := params["text"].(string)
				return map[string]any{
					"words":      len(strings.Fields(text)),
					"characters": len([]rune(text)),
				}, nil
			},
		},
		{
			Name:        "ask_user",
			Description: "Asks the user a question in the client UI and waits for the answer",
			Kind:        ToolKindClient,
			Parameters: []ToolParameter{
				{Name: "question", Type: "string", Description: "Question to show", Required: true},
				{Name: "choices", Type: "array", Description: "Optional answer choices"},
			},
		},
	}

	for _, def := range defs {
		if err := te.RegisterTool(def); err != nil {
			return fmt.Errorf("register %s: %w", def.Name, err)
		}
	}
	return nil
}
