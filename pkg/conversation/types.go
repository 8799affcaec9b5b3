package conversation

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// Context is the mutable state of one conversation.
type Context struct {
	ID           string         `json:"id"`
	UserID       string         `json:"userId"`
	Messages     []Message      `json:"messages"`
	PersonaState map[string]any `json:"personaState,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// Message is a single entry of the conversation history.
type Message struct {
	Role        string           `json:"role"`
	Content     string           `json:"content"`
	ToolCalls   []ToolCallRecord `json:"toolCalls,omitempty"`
	ToolCallID  string           `json:"toolCallId,omitempty"`
	ToolName    string           `json:"toolName,omitempty"`
	IsError     bool             `json:"isError,omitempty"`
	Attachments []Attachment     `json:"attachments,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
}

// ToolCallRecord is a tool call as recorded in an assistant message.
type ToolCallRecord struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Attachment is non-text user input (image, file) carried with a message.
type Attachment struct {
	Type     string `json:"type"` // image, file
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"` // base64
	URL      string `json:"url,omitempty"`
	Name     string `json:"name,omitempty"`
}

// New creates an empty conversation for userID with a fresh id.
func New(userID string) *Context {
	now := time.Now().UTC()
	return &Context{
		ID:           uuid.New().String(),
		UserID:       userID,
		Messages:     []Message{},
		PersonaState: map[string]any{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Append adds a message, stamping its timestamp when unset.
func (c *Context) Append(msg Message) {
	now := time.Now().UTC()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = now
}

// Insert places msg at index i, appending when i is past the end.
func (c *Context) Insert(i int, msg Message) {
	if i < 0 || i >= len(c.Messages) {
		c.Append(msg)
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	c.Messages = append(c.Messages, Message{})
	copy(c.Messages[i+1:], c.Messages[i:])
	c.Messages[i] = msg
	c.UpdatedAt = time.Now().UTC()
}

// LastAssistantWithToolCalls returns the index of the most recent assistant
// message that requested tools, or -1.
func (c *Context) LastAssistantWithToolCalls() int {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		m := c.Messages[i]
		if m.Role == RoleAssistant && len(m.ToolCalls) > 0 {
			return i
		}
	}
	return -1
}

// PendingToolCalls returns the calls of the last tool-requesting assistant
// message that have no tool message after it yet.
func (c *Context) PendingToolCalls() []ToolCallRecord {
	idx := c.LastAssistantWithToolCalls()
	if idx < 0 {
		return nil
	}
	answered := make(map[string]bool)
	for _, m := range c.Messages[idx+1:] {
		if m.Role == RoleTool {
			answered[m.ToolCallID] = true
		}
	}
	var pending []ToolCallRecord
	for _, tc := range c.Messages[idx].ToolCalls {
		if !answered[tc.ID] {
			pending = append(pending, tc)
		}
	}
	return pending
}

// CloseUnanswered appends a failed tool message for every recorded tool call
// that has no result anywhere after it, and returns the calls it closed.
func (c *Context) CloseUnanswered(reason string) []ToolCallRecord {
	answered := make(map[string]bool)
	for _, m := range c.Messages {
		if m.Role == RoleTool {
			answered[m.ToolCallID] = true
		}
	}
	var open []ToolCallRecord
	for _, m := range c.Messages {
		if m.Role != RoleAssistant {
			continue
		}
		for _, tc := range m.ToolCalls {
			if !answered[tc.ID] {
				answered[tc.ID] = true
				open = append(open, tc)
			}
		}
	}
	for _, tc := range open {
		c.Append(Message{
			Role:       RoleTool,
			Content:    reason,
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			IsError:    true,
		})
	}
	return open
}

// Clone returns a deep copy safe to hand to another goroutine.
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		cp := *c
		cp.Messages = append([]Message(nil), c.Messages...)
		return &cp
	}
	var out Context
	if err := json.Unmarshal(data, &out); err != nil {
		cp := *c
		cp.Messages = append([]Message(nil), c.Messages...)
		return &cp
	}
	return &out
}
