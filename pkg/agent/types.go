package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/harun/turnstile/pkg/conversation"
)

// ChunkKind enumerates the internal output shapes an Agent produces.
type ChunkKind int

const (
	// ChunkText carries incremental assistant text.
	ChunkText ChunkKind = iota + 1
	// ChunkUICommand carries client-side UI instructions.
	ChunkUICommand
	// ChunkToolCalls requests tool execution. It is never terminal.
	ChunkToolCalls
	// ChunkFinal ends the agent's output for the turn.
	ChunkFinal
	// ChunkError reports an agent-side failure. It is terminal.
	ChunkError
	// ChunkAck acknowledges a tool result without producing output.
	ChunkAck
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkText:
		return "text"
	case ChunkUICommand:
		return "ui_command"
	case ChunkToolCalls:
		return "tool_calls"
	case ChunkFinal:
		return "final"
	case ChunkError:
		return "error"
	case ChunkAck:
		return "ack"
	default:
		return fmt.Sprintf("chunk_kind(%d)", int(k))
	}
}

// Terminal reports whether the kind ends the agent's output for the turn.
func (k ChunkKind) Terminal() bool {
	return k == ChunkFinal || k == ChunkError
}

// InternalChunk is one unit of agent output. Text and UICommands may ride
// along with any kind; ToolCalls is only meaningful for ChunkToolCalls.
type InternalChunk struct {
	Kind       ChunkKind
	Text       string
	ToolCalls  []ToolCall
	UICommands []UICommand
	Usage      *Usage
	Err        *Error
}

// ToolCall is a request from the agent to run a tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"toolName"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolResult is the outcome of one ToolCall. Deferred results have no output
// yet: the tool runs on the client and reports back out of band.
type ToolResult struct {
	CallID    string `json:"toolCallId"`
	ToolName  string `json:"toolName"`
	Output    any    `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
	IsSuccess bool   `json:"isSuccess"`
	Deferred  bool   `json:"deferred,omitempty"`
}

// Content renders the result as the text handed back to a model.
func (r ToolResult) Content() string {
	if !r.IsSuccess {
		if r.Error != "" {
			return r.Error
		}
		return "tool failed"
	}
	switch v := r.Output.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// Failure builds a structured failure result for call.
func Failure(call ToolCall, msg string) ToolResult {
	return ToolResult{CallID: call.ID, ToolName: call.Name, Error: msg}
}

// Usage tracks token consumption
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Add accumulates other into u.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// UICommand is an instruction for the client UI.
type UICommand struct {
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload,omitempty"`
}

// MultimodalInput is a non-text part of the user input.
type MultimodalInput struct {
	Type     string `json:"type"` // image, file
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"` // base64
	URL      string `json:"url,omitempty"`
	Name     string `json:"name,omitempty"`
}

// Error is an agent-reported failure, surfaced to the caller verbatim.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Input is what the orchestrator hands the agent at the start of a turn.
type Input struct {
	Text                string
	MultimodalInputs    []MultimodalInput
	ProviderPreferences map[string]string
	UserCredentials     map[string]string
}

// Agent is a stateful inference instance bound to one conversation context.
//
// Before calling ContinueWithResult the caller appends the matching tool
// message to the bound context, so an agent may read the full exchange from it.
type Agent interface {
	// Invoke starts a round. The channel is closed after a terminal chunk or
	// when ctx is done.
	Invoke(ctx context.Context, in Input) (<-chan InternalChunk, error)
	// ContinueWithResult feeds one tool result and returns the agent's
	// immediate reaction as a single chunk.
	ContinueWithResult(ctx context.Context, result ToolResult) (InternalChunk, error)
}

// ToolSpec describes a tool offered to the model.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolCatalog lists tools available to an agent.
type ToolCatalog interface {
	Specs() []ToolSpec
}

// ToConversation converts tool calls to their recorded form.
func ToConversation(calls []ToolCall) []conversation.ToolCallRecord {
	if len(calls) == 0 {
		return nil
	}
	out := make([]conversation.ToolCallRecord, len(calls))
	for i, c := range calls {
		out[i] = conversation.ToolCallRecord{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
	}
	return out
}

// Attachments converts multimodal inputs to conversation attachments.
func Attachments(inputs []MultimodalInput) []conversation.Attachment {
	if len(inputs) == 0 {
		return nil
	}
	out := make([]conversation.Attachment, len(inputs))
	for i, in := range inputs {
		out[i] = conversation.Attachment{Type: in.Type, MimeType: in.MimeType, Data: in.Data, URL: in.URL, Name: in.Name}
	}
	return out
}
