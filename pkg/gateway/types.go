package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/turnstile/pkg/chunk"
	"github.com/harun/turnstile/pkg/orchestrator"
)

// SecretHeader carries the shared secret on HTTP requests.
const SecretHeader = "X-Turnstile-Secret"

// TurnService is the part of the orchestrator the gateway serves.
type TurnService interface {
	OrchestrateTurn(ctx context.Context, req orchestrator.TurnRequest) <-chan chunk.Chunk
	OrchestrateToolResult(ctx context.Context, in orchestrator.ToolResultInput) <-chan chunk.Chunk
	ActiveStreams() int
}

// WebSocket message types
const (
	MsgAuthChallenge = "auth.challenge"
	MsgAuthResponse  = "auth.response"
	MsgAuthSuccess   = "auth.success"
	MsgAuthFailure   = "auth.failure"
	MsgStartTurn     = "start_turn"
	MsgToolResult    = "tool_result"
	MsgError         = "error"
)

// ClientMessage is a frame sent by a WebSocket client.
type ClientMessage struct {
	Type       string                        `json:"type"`
	RequestID  string                        `json:"requestId,omitempty"`
	Signature  string                        `json:"signature,omitempty"`
	Turn       *orchestrator.TurnRequest     `json:"turn,omitempty"`
	ToolResult *orchestrator.ToolResultInput `json:"toolResult,omitempty"`
}

// ServerMessage is a control frame sent to a WebSocket client. Chunks are
// written as-is.
type ServerMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Challenge string `json:"challenge,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ToolResultBody is the body of POST /v1/streams/{streamId}/tool-results.
type ToolResultBody struct {
	ToolCallID   string `json:"toolCallId"`
	ToolName     string `json:"toolName"`
	Output       any    `json:"output,omitempty"`
	IsSuccess    bool   `json:"isSuccess"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Health is the /healthz payload.
type Health struct {
	Status        string `json:"status"`
	ActiveStreams int    `json:"activeStreams"`
	Clients       int    `json:"clients"`
}

// ClientInfo represents information about a connected client
type ClientInfo struct {
	ID            string    `json:"id"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastActivity  time.Time `json:"lastActivity"`
	IPAddress     string    `json:"ipAddress"`
	Idle          bool      `json:"idle"`
}

// Client represents a connected WebSocket client
type Client struct {
	ID            string
	Conn          *websocket.Conn
	Authenticated bool
	Challenge     string
	ConnectedAt   time.Time
	LastActivity  time.Time
	IPAddress     string
	AuthAttempts  int
	RateLimiter   *ClientRateLimiter

	writeMu sync.Mutex
}

// Send writes one JSON frame. Safe for concurrent use.
func (c *Client) Send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteJSON(v)
}
