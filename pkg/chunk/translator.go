package chunk

import (
	"time"

	"github.com/harun/turnstile/pkg/agent"
)

// Progress stages emitted by the orchestrator.
const (
	StageTurnStarted    = "turn_started"
	StageTurnResumed    = "turn_resumed"
	StageDispatching    = "dispatching_tools"
	StageAwaitingResult = "awaiting_tool_results"
)

// Translator maps agent output to outward chunks stamped with one stream's envelope.
type Translator struct {
	StreamID        string
	AgentInstanceID string
	PersonaID       string
	// Now stamps timestamps; time.Now when nil.
	Now func() time.Time
}

func (t Translator) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now().UTC()
}

func (t Translator) envelope(kind Kind) Chunk {
	return Chunk{
		Kind:            kind,
		StreamID:        t.StreamID,
		AgentInstanceID: t.AgentInstanceID,
		PersonaID:       t.PersonaID,
		Timestamp:       t.now(),
	}
}

// Translate expands one internal chunk into outward chunks, in the order
// text, UI commands, tool-call request. Terminal handling is left to the
// caller: error and ack chunks contribute only their text.
func (t Translator) Translate(ic agent.InternalChunk) []Chunk {
	var out []Chunk

	appendContent := func() {
		if ic.Text != "" {
			c := t.envelope(KindTextDelta)
			c.TextDelta = &TextDelta{Text: ic.Text}
			out = append(out, c)
		}
		for _, cmd := range ic.UICommands {
			c := t.envelope(KindUICommand)
			c.UICommand = &UICommand{Name: cmd.Name, Payload: cmd.Payload}
			out = append(out, c)
		}
	}

	switch ic.Kind {
	case agent.ChunkText, agent.ChunkUICommand, agent.ChunkFinal:
		appendContent()
	case agent.ChunkToolCalls:
		appendContent()
		if len(ic.ToolCalls) > 0 {
			c := t.envelope(KindToolCallRequest)
			c.ToolCallRequest = &ToolCallRequest{ToolCalls: append([]agent.ToolCall(nil), ic.ToolCalls...)}
			out = append(out, c)
		}
	case agent.ChunkError, agent.ChunkAck:
		if ic.Text != "" {
			c := t.envelope(KindTextDelta)
			c.TextDelta = &TextDelta{Text: ic.Text}
			out = append(out, c)
		}
	default:
		return nil
	}
	return out
}

// Progress builds a progress chunk.
func (t Translator) Progress(stage, message string) Chunk {
	c := t.envelope(KindProgress)
	c.Progress = &Progress{Stage: stage, Message: message}
	return c
}

// ToolResult builds a tool-result chunk.
func (t Translator) ToolResult(r agent.ToolResult) Chunk {
	c := t.envelope(KindToolResult)
	c.ToolResult = &ToolResult{
		ToolCallID:   r.CallID,
		ToolName:     r.ToolName,
		Output:       r.Output,
		IsSuccess:    r.IsSuccess,
		ErrorMessage: r.Error,
	}
	return c
}

// Error builds a terminal error chunk.
func (t Translator) Error(code ErrorCode, message string) Chunk {
	c := t.envelope(KindError)
	c.IsFinal = true
	c.Error = &Error{Code: code, Message: message}
	return c
}

// Final builds the terminal final-response chunk.
func (t Translator) Final(resp FinalResponse) Chunk {
	c := t.envelope(KindFinalResponse)
	c.IsFinal = true
	c.FinalResponse = &resp
	return c
}
