// Package toolexecutor registers tools and dispatches agent tool calls.
//
// Invariants:
// - Tool names are unique.
// - Arguments are schema-validated before a handler runs.
// - Business failures (unknown tool, bad arguments, handler error, timeout,
//   policy denial) come back as failure results, never as errors.
// - Client tools are never executed here; Dispatch returns a deferred result.
//
// Usage:
//
//	exec := toolexecutor.New(toolexecutor.Config{Timeout: 30 * time.Second})
//	_ = exec.RegisterTool(toolexecutor.ToolDefinition{
//		Name:        "echo",
//		Description: "Echo input",
//		Parameters:  []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Handler:     func(ctx context.Context, params map[string]any) (any, error) { return params["text"], nil },
//	})
//	res, err := exec.Dispatch(ctx, toolexecutor.Invocation{CallID: "c1", ToolName: "echo", Arguments: args})
package toolexecutor
