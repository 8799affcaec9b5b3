package chunk

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/turnstile/pkg/agent"
	"github.com/harun/turnstile/pkg/conversation"
)

// Kind is the discriminator of the chunk union.
type Kind string

const (
	KindProgress        Kind = "progress"
	KindTextDelta       Kind = "text_delta"
	KindToolCallRequest Kind = "tool_call_request"
	KindToolResult      Kind = "tool_result"
	KindUICommand       Kind = "ui_command"
	KindError           Kind = "error"
	KindFinalResponse   Kind = "final_response"
)

// ErrorCode is the closed set of error chunk codes.
type ErrorCode string

const (
	CodeSessionResolutionFailed ErrorCode = "SESSION_RESOLUTION_FAILED"
	CodeAgentError              ErrorCode = "AGENT_ERROR"
	CodeInactiveStream          ErrorCode = "INACTIVE_STREAM"
	CodeStreamBusy              ErrorCode = "STREAM_BUSY"
	CodeUnknownToolCall         ErrorCode = "UNKNOWN_TOOL_CALL"
	CodeMaxToolIterations       ErrorCode = "MAX_TOOL_ITERATIONS_EXCEEDED"
	CodeInternalError           ErrorCode = "INTERNAL_ERROR"
	CodeNoFinalOutput           ErrorCode = "NO_FINAL_OUTPUT"
	CodeTurnTimeout             ErrorCode = "TURN_TIMEOUT"
	CodeCancelled               ErrorCode = "CANCELLED"
	CodeToolDispatchFailed      ErrorCode = "TOOL_DISPATCH_FAILED"
	CodePersistenceFailed       ErrorCode = "PERSISTENCE_FAILED"
	CodeInvalidRequest          ErrorCode = "INVALID_REQUEST"
)

// Progress reports a lifecycle step of the turn.
type Progress struct {
	Stage   string `json:"stage"`
	Message string `json:"message,omitempty"`
}

// TextDelta is incremental assistant text.
type TextDelta struct {
	Text string `json:"text"`
}

// ToolCallRequest announces the tool calls the agent asked for.
type ToolCallRequest struct {
	ToolCalls []agent.ToolCall `json:"toolCalls"`
}

// ToolResult reports the outcome of one tool call.
type ToolResult struct {
	ToolCallID   string `json:"toolCallId"`
	ToolName     string `json:"toolName"`
	Output       any    `json:"output,omitempty"`
	IsSuccess    bool   `json:"isSuccess"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// UICommand forwards an agent UI instruction.
type UICommand struct {
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Error is a terminal failure.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// FinalResponse closes a turn. When AwaitingToolResults is set the turn is
// suspended and PendingToolCalls lists the calls the client must answer.
type FinalResponse struct {
	Text                string                `json:"text"`
	ToolCalls           []agent.ToolCall      `json:"toolCalls,omitempty"`
	UICommands          []agent.UICommand     `json:"uiCommands,omitempty"`
	Usage               *agent.Usage          `json:"usage,omitempty"`
	ConversationID      string                `json:"conversationId,omitempty"`
	Iterations          int                   `json:"iterations"`
	AwaitingToolResults bool                  `json:"awaitingToolResults,omitempty"`
	PendingToolCalls    []agent.ToolCall      `json:"pendingToolCalls,omitempty"`
	Context             *conversation.Context `json:"context,omitempty"`
}

// Chunk is one element of an outward stream. Exactly one payload pointer is
// set, the one matching Kind.
type Chunk struct {
	Kind            Kind
	StreamID        string
	AgentInstanceID string
	PersonaID       string
	IsFinal         bool
	Timestamp       time.Time

	Progress        *Progress
	TextDelta       *TextDelta
	ToolCallRequest *ToolCallRequest
	ToolResult      *ToolResult
	UICommand       *UICommand
	Error           *Error
	FinalResponse   *FinalResponse
}

func (c Chunk) payload() (any, int) {
	var p any
	n := 0
	set := func(isNil bool, v any) {
		if !isNil {
			n++
			p = v
		}
	}
	set(c.Progress == nil, c.Progress)
	set(c.TextDelta == nil, c.TextDelta)
	set(c.ToolCallRequest == nil, c.ToolCallRequest)
	set(c.ToolResult == nil, c.ToolResult)
	set(c.UICommand == nil, c.UICommand)
	set(c.Error == nil, c.Error)
	set(c.FinalResponse == nil, c.FinalResponse)
	return p, n
}

func (c Chunk) payloadMatchesKind() bool {
	switch c.Kind {
	case KindProgress:
		return c.Progress != nil
	case KindTextDelta:
		return c.TextDelta != nil
	case KindToolCallRequest:
		return c.ToolCallRequest != nil
	case KindToolResult:
		return c.ToolResult != nil
	case KindUICommand:
		return c.UICommand != nil
	case KindError:
		return c.Error != nil
	case KindFinalResponse:
		return c.FinalResponse != nil
	default:
		return false
	}
}

// Validate checks that the kind is known, that exactly its payload is set,
// and that only terminal kinds are final.
func (c Chunk) Validate() error {
	if _, n := c.payload(); n != 1 {
		return fmt.Errorf("chunk %s: expected exactly one payload, got %d", c.Kind, n)
	}
	if !c.payloadMatchesKind() {
		return fmt.Errorf("chunk %q: payload does not match kind", c.Kind)
	}
	if c.IsFinal && c.Kind != KindError && c.Kind != KindFinalResponse {
		return fmt.Errorf("chunk %s cannot be final", c.Kind)
	}
	return nil
}

type envelope struct {
	Type            Kind      `json:"type"`
	StreamID        string    `json:"streamId"`
	AgentInstanceID string    `json:"agentInstanceId,omitempty"`
	PersonaID       string    `json:"personaId,omitempty"`
	IsFinal         bool      `json:"isFinal"`
	Timestamp       time.Time `json:"timestamp"`
}

// MarshalJSON flattens the envelope and the payload into one object.
func (c Chunk) MarshalJSON() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	p, _ := c.payload()

	fields := map[string]json.RawMessage{}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}

	env, err := json.Marshal(envelope{
		Type:            c.Kind,
		StreamID:        c.StreamID,
		AgentInstanceID: c.AgentInstanceID,
		PersonaID:       c.PersonaID,
		IsFinal:         c.IsFinal,
		Timestamp:       c.Timestamp,
	})
	if err != nil {
		return nil, err
	}
	envFields := map[string]json.RawMessage{}
	if err := json.Unmarshal(env, &envFields); err != nil {
		return nil, err
	}
	for k, v := range envFields {
		fields[k] = v
	}
	return json.Marshal(fields)
}

// UnmarshalJSON decodes a flattened chunk back into the union.
func (c *Chunk) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	out := Chunk{
		Kind:            env.Type,
		StreamID:        env.StreamID,
		AgentInstanceID: env.AgentInstanceID,
		PersonaID:       env.PersonaID,
		IsFinal:         env.IsFinal,
		Timestamp:       env.Timestamp,
	}

	var target any
	switch env.Type {
	case KindProgress:
		out.Progress = &Progress{}
		target = out.Progress
	case KindTextDelta:
		out.TextDelta = &TextDelta{}
		target = out.TextDelta
	case KindToolCallRequest:
		out.ToolCallRequest = &ToolCallRequest{}
		target = out.ToolCallRequest
	case KindToolResult:
		out.ToolResult = &ToolResult{}
		target = out.ToolResult
	case KindUICommand:
		out.UICommand = &UICommand{}
		target = out.UICommand
	case KindError:
		out.Error = &Error{}
		target = out.Error
	case KindFinalResponse:
		out.FinalResponse = &FinalResponse{}
		target = out.FinalResponse
	default:
		return fmt.Errorf("unknown chunk type %q", env.Type)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Type, err)
	}

	*c = out
	return nil
}
