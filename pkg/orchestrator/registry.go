package orchestrator

import (
	"sync"
	"time"

	"github.com/harun/turnstile/pkg/agent"
	"github.com/harun/turnstile/pkg/conversation"
)

// StreamHandle is the live state of one turn, keyed by its stream id.
type StreamHandle struct {
	StreamID        string
	AgentInstanceID string
	UserID          string
	SessionID       string
	PersonaID       string
	ConversationID  string
	Context         *conversation.Context

	session *agent.Session

	// drive is held by whichever sequence is currently advancing the turn.
	// Everything below is guarded by it.
	drive sync.Mutex

	iteration    int
	seen         map[string]struct{}
	pending      []agent.ToolCall
	queued       []agent.ToolCall
	lastText     string
	toolCalls    []agent.ToolCall
	uiCommands   []agent.UICommand
	usage        agent.Usage
	suspended    bool
	closed       bool
	startedAt    time.Time
	lastActivity time.Time
}

func newHandle(streamID string, sess *agent.Session, now time.Time) *StreamHandle {
	return &StreamHandle{
		StreamID:        streamID,
		AgentInstanceID: sess.InstanceID,
		UserID:          sess.UserID,
		SessionID:       sess.SessionID,
		PersonaID:       sess.PersonaID,
		ConversationID:  sess.Context.ID,
		Context:         sess.Context,
		session:         sess,
		seen:            make(map[string]struct{}),
		startedAt:       now,
		lastActivity:    now,
	}
}

// takePending removes and returns the pending call with id.
func (h *StreamHandle) takePending(id string) (agent.ToolCall, bool) {
	for i, c := range h.pending {
		if c.ID == id {
			h.pending = append(h.pending[:i], h.pending[i+1:]...)
			return c, true
		}
	}
	return agent.ToolCall{}, false
}

func (h *StreamHandle) pendingIDs() []string {
	ids := make([]string, len(h.pending))
	for i, c := range h.pending {
		ids[i] = c.ID
	}
	return ids
}

// registry maps stream ids to live handles.
type registry struct {
	mu      sync.RWMutex
	handles map[string]*StreamHandle
}

func newRegistry() *registry {
	return &registry{handles: make(map[string]*StreamHandle)}
}

func (r *registry) add(h *StreamHandle) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[h.StreamID] = h
	return len(r.handles)
}

func (r *registry) get(streamID string) (*StreamHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[streamID]
	return h, ok
}

// remove deletes the handle if it is still the one registered under its id.
func (r *registry) remove(h *StreamHandle) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.handles[h.StreamID]; ok && cur == h {
		delete(r.handles, h.StreamID)
	}
	return len(r.handles)
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

func (r *registry) snapshot() []*StreamHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*StreamHandle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	return out
}
