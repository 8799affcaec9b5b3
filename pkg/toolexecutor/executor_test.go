package toolexecutor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(t *testing.T, cfg Config) *ToolExecutor {
	t.Helper()
	nop := zerolog.Nop()
	cfg.Logger = &nop
	return New(cfg)
}

func echoTool() ToolDefinition {
	return ToolDefinition{
		Name:        "echo",
		Description: "Echo tool",
		Parameters: []ToolParameter{
			{Name: "message", Type: "string", Description: "Message to echo", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			return params["message"], nil
		},
	}
}

func TestToolExecutor_RegisterTool(t *testing.T) {
	te := newTestExecutor(t, Config{})

	t.Run("should register a valid tool", func(t *testing.T) {
		require.NoError(t, te.RegisterTool(echoTool()))
		tool := te.GetTool("echo")
		require.NotNil(t, tool)
		assert.Equal(t, ToolKindLocal, tool.Kind)
	})

	t.Run("should reject duplicate names", func(t *testing.T) {
		assert.Error(t, te.RegisterTool(echoTool()))
	})

	tests := []struct {
		name string
		def  ToolDefinition
	}{
		{name: "empty name", def: ToolDefinition{Description: "x", Handler: echoTool().Handler}},
		{name: "empty description", def: ToolDefinition{Name: "x", Handler: echoTool().Handler}},
		{name: "nil handler", def: ToolDefinition{Name: "x", Description: "x"}},
		{name: "bad parameter type", def: ToolDefinition{
			Name: "x", Description: "x", Handler: echoTool().Handler,
			Parameters: []ToolParameter{{Name: "p", Type: "date", Description: "d"}},
		}},
		{name: "unknown kind", def: ToolDefinition{Name: "x", Description: "x", Kind: "remote"}},
	}
	for _, tt := range tests {
		t.Run("should reject "+tt.name, func(t *testing.T) {
			assert.Error(t, te.RegisterTool(tt.def))
		})
	}

	t.Run("should allow client tools without a handler", func(t *testing.T) {
		assert.NoError(t, te.RegisterTool(ToolDefinition{Name: "confirm", Description: "Ask", Kind: ToolKindClient}))
	})
}

func TestToolExecutor_Dispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("should return the handler output", func(t *testing.T) {
		te := newTestExecutor(t, Config{})
		require.NoError(t, te.RegisterTool(echoTool()))

		res, err := te.Dispatch(ctx, Invocation{CallID: "c1", ToolName: "echo", Arguments: map[string]any{"message": "hi"}})
		require.NoError(t, err)
		assert.True(t, res.IsSuccess)
		assert.Equal(t, "c1", res.CallID)
		assert.Equal(t, "echo", res.ToolName)
		assert.Equal(t, "hi", res.Output)
	})

	t.Run("should report unknown tools as failures", func(t *testing.T) {
		te := newTestExecutor(t, Config{})

		res, err := te.Dispatch(ctx, Invocation{CallID: "c1", ToolName: "nope"})
		require.NoError(t, err)
		assert.False(t, res.IsSuccess)
		assert.Contains(t, res.Error, "tool not found")
	})

	t.Run("should report schema violations as failures", func(t *testing.T) {
		te := newTestExecutor(t, Config{})
		require.NoError(t, te.RegisterTool(echoTool()))

		res, err := te.Dispatch(ctx, Invocation{CallID: "c1", ToolName: "echo", Arguments: map[string]any{"message": 3}})
		require.NoError(t, err)
		assert.False(t, res.IsSuccess)
		assert.Contains(t, res.Error, "parameter validation failed")

		res, err = te.Dispatch(ctx, Invocation{CallID: "c2", ToolName: "echo"})
		require.NoError(t, err)
		assert.False(t, res.IsSuccess)
	})

	t.Run("should report handler errors and panics as failures", func(t *testing.T) {
		te := newTestExecutor(t, Config{})
		require.NoError(t, te.RegisterTool(ToolDefinition{
			Name: "boom", Description: "fails",
			Handler: func(ctx context.Context, params map[string]any) (any, error) { return nil, errors.New("kaput") },
		}))
		require.NoError(t, te.RegisterTool(ToolDefinition{
			Name: "panic", Description: "panics",
			Handler: func(ctx context.Context, params map[string]any) (any, error) { panic("oh no") },
		}))

		res, err := te.Dispatch(ctx, Invocation{CallID: "c1", ToolName: "boom"})
		require.NoError(t, err)
		assert.Equal(t, "kaput", res.Error)

		res, err = te.Dispatch(ctx, Invocation{CallID: "c2", ToolName: "panic"})
		require.NoError(t, err)
		assert.False(t, res.IsSuccess)
		assert.Contains(t, res.Error, "panicked")
	})

	t.Run("should time out slow tools", func(t *testing.T) {
		te := newTestExecutor(t, Config{Timeout: 20 * time.Millisecond})
		require.NoError(t, te.RegisterTool(ToolDefinition{
			Name: "slow", Description: "slow",
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		}))

		res, err := te.Dispatch(ctx, Invocation{CallID: "c1", ToolName: "slow"})
		require.NoError(t, err)
		assert.False(t, res.IsSuccess)
		assert.True(t, strings.Contains(res.Error, "timeout") || strings.Contains(res.Error, "deadline"))
	})

	t.Run("should truncate large output", func(t *testing.T) {
		te := newTestExecutor(t, Config{MaxOutputChars: 10})
		require.NoError(t, te.RegisterTool(echoTool()))

		res, err := te.Dispatch(ctx, Invocation{CallID: "c1", ToolName: "echo", Arguments: map[string]any{"message": strings.Repeat("a", 50)}})
		require.NoError(t, err)
		assert.True(t, res.IsSuccess)
		assert.Contains(t, res.Output, "[output truncated]")
	})

	t.Run("should block tools denied by policy", func(t *testing.T) {
		te := newTestExecutor(t, Config{Policy: NewToolPolicy(nil, []string{"echo"})})
		require.NoError(t, te.RegisterTool(echoTool()))

		res, err := te.Dispatch(ctx, Invocation{CallID: "c1", ToolName: "echo", Arguments: map[string]any{"message": "x"}})
		require.NoError(t, err)
		assert.False(t, res.IsSuccess)
		assert.Contains(t, res.Error, "not allowed")
	})

	t.Run("should defer client tools without running anything", func(t *testing.T) {
		te := newTestExecutor(t, Config{})
		require.NoError(t, te.RegisterTool(ToolDefinition{
			Name: "confirm", Description: "Ask", Kind: ToolKindClient,
			Parameters: []ToolParameter{{Name: "question", Type: "string", Description: "q", Required: true}},
		}))

		res, err := te.Dispatch(ctx, Invocation{CallID: "c1", ToolName: "confirm", Arguments: map[string]any{"question": "ok?"}})
		require.NoError(t, err)
		assert.True(t, res.Deferred)
		assert.False(t, res.IsSuccess)

		res, err = te.Dispatch(ctx, Invocation{CallID: "c2", ToolName: "confirm"})
		require.NoError(t, err)
		assert.False(t, res.Deferred)
		assert.Contains(t, res.Error, "parameter validation failed")
	})

	t.Run("should pass the invocation to handlers", func(t *testing.T) {
		te := newTestExecutor(t, Config{})
		var seen atomic.Value
		require.NoError(t, te.RegisterTool(ToolDefinition{
			Name: "whoami", Description: "who",
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				inv, _ := InvocationFromContext(ctx)
				seen.Store(inv.UserID)
				return nil, nil
			},
		}))

		_, err := te.Dispatch(ctx, Invocation{CallID: "c1", ToolName: "whoami", UserID: "u1"})
		require.NoError(t, err)
		assert.Equal(t, "u1", seen.Load())
	})

	t.Run("should fail with ErrUnavailable after close", func(t *testing.T) {
		te := newTestExecutor(t, Config{})
		require.NoError(t, te.Close())

		_, err := te.Dispatch(ctx, Invocation{CallID: "c1", ToolName: "echo"})
		assert.ErrorIs(t, err, ErrUnavailable)
	})
}

func TestToolExecutor_Specs(t *testing.T) {
	te := newTestExecutor(t, Config{Policy: NewToolPolicy([]string{"echo", "word_count"}, nil)})
	require.NoError(t, RegisterBuiltins(te, nil))
	require.NoError(t, te.RegisterTool(echoTool()))

	specs := te.Specs()
	require.Len(t, specs, 2)
	assert.Equal(t, "echo", specs[0].Name)
	assert.Equal(t, "word_count", specs[1].Name)
	assert.Equal(t, "object", specs[0].InputSchema["type"])
	assert.Equal(t, []string{"message"}, specs[0].InputSchema["required"])
}

func TestToolExecutor_SetPolicy(t *testing.T) {
	t.Run("should apply a new policy to specs and dispatch", func(t *testing.T) {
		te := newTestExecutor(t, Config{})
		require.NoError(t, te.RegisterTool(echoTool()))
		require.Len(t, te.Specs(), 1)

		require.NoError(t, te.SetPolicy(NewToolPolicy(nil, []string{"echo"})))
		assert.Empty(t, te.Specs())

		res, err := te.Dispatch(context.Background(), Invocation{CallID: "c1", ToolName: "echo", Arguments: map[string]any{"message": "hi"}})
		require.NoError(t, err)
		assert.False(t, res.IsSuccess)
		assert.Contains(t, res.Error, "not allowed by policy")
	})

	t.Run("should keep the current policy when the new one is invalid", func(t *testing.T) {
		te := newTestExecutor(t, Config{Policy: NewToolPolicy([]string{"echo"}, nil)})
		require.NoError(t, te.RegisterTool(echoTool()))

		assert.Error(t, te.SetPolicy(&ToolPolicy{Allow: []string{""}}))
		assert.Len(t, te.Specs(), 1)
	})
}

func TestBuiltins(t *testing.T) {
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	te := newTestExecutor(t, Config{})
	require.NoError(t, RegisterBuiltins(te, func() time.Time { return fixed }))

	t.Run("should report the current time", func(t *testing.T) {
		res, err := te.Dispatch(context.Background(), Invocation{CallID: "c1", ToolName: "current_time"})
		require.NoError(t, err)
		require.True(t, res.IsSuccess)
		assert.Equal(t, "2025-06-01T12:00:00Z", res.Output.(map[string]any)["time"])
	})

	t.Run("should count words", func(t *testing.T) {
		res, err := te.Dispatch(context.Background(), Invocation{CallID: "c1", ToolName: "word_count", Arguments: map[string]any{"text": "one two three"}})
		require.NoError(t, err)
		assert.Equal(t, 3, res.Output.(map[string]any)["words"])
	})

	t.Run("should defer ask_user", func(t *testing.T) {
		res, err := te.Dispatch(context.Background(), Invocation{CallID: "c1", ToolName: "ask_user", Arguments: map[string]any{"question": "Proceed?"}})
		require.NoError(t, err)
		assert.True(t, res.Deferred)
	})
}
