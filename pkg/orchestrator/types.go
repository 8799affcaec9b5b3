package orchestrator

import (
	"context"

	"github.com/harun/turnstile/pkg/agent"
	"github.com/harun/turnstile/pkg/toolexecutor"
)

// ErrDispatcherUnavailable marks dispatcher failures that end the turn
// instead of being fed back to the agent as a failed tool result.
var ErrDispatcherUnavailable = toolexecutor.ErrUnavailable

// TurnRequest starts a turn.
type TurnRequest struct {
	UserID              string                  `json:"userId"`
	SessionID           string                  `json:"sessionId"`
	ConversationID      string                  `json:"conversationId,omitempty"`
	PersonaID           string                  `json:"personaId,omitempty"`
	TextInput           string                  `json:"textInput"`
	MultimodalInputs    []agent.MultimodalInput `json:"multimodalInputs,omitempty"`
	ProviderPreferences map[string]string       `json:"providerPreferences,omitempty"`
	UserCredentials     map[string]string       `json:"userCredentials,omitempty"`
}

// ToolResultInput is an out-of-band tool completion for a suspended stream.
type ToolResultInput struct {
	StreamID     string `json:"streamId"`
	ToolCallID   string `json:"toolCallId"`
	ToolName     string `json:"toolName"`
	Output       any    `json:"output,omitempty"`
	IsSuccess    bool   `json:"isSuccess"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// SessionResolver binds a request to an agent instance and its context.
type SessionResolver interface {
	Resolve(ctx context.Context, req agent.ResolveRequest) (*agent.Session, error)
}

// Dispatcher executes one tool call. Tool-level failures come back as
// failure results; a returned error is an infrastructure failure.
type Dispatcher interface {
	Dispatch(ctx context.Context, inv toolexecutor.Invocation) (agent.ToolResult, error)
}

// idleEvicter is implemented by resolvers that cache instances.
type idleEvicter interface {
	EvictIdle() int
}

// outcome statuses
const (
	statusCompleted = "completed"
	statusSuspended = "suspended"
	statusFailed    = "failed"
)
