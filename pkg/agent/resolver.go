package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/turnstile/internal/tracing"
	"github.com/harun/turnstile/pkg/conversation"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrInvalidRequest is returned for missing or malformed identifiers.
	ErrInvalidRequest = errors.New("invalid resolve request")
	// ErrConversationBusy is returned while another turn holds the conversation.
	ErrConversationBusy = errors.New("conversation has an active turn")
	// ErrLoadFailed wraps store failures during resolution.
	ErrLoadFailed = errors.New("failed to load conversation")
)

// ResolveRequest identifies the agent instance a turn needs.
type ResolveRequest struct {
	UserID         string
	SessionID      string
	PersonaID      string
	ConversationID string
}

// Binding is what a Factory gets to build an agent instance.
type Binding struct {
	InstanceID   string
	UserID       string
	SessionID    string
	PersonaID    string
	Conversation *conversation.Context
}

// Factory builds agent instances.
type Factory interface {
	NewAgent(ctx context.Context, b Binding) (Agent, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, b Binding) (Agent, error)

// NewAgent calls f.
func (f FactoryFunc) NewAgent(ctx context.Context, b Binding) (Agent, error) {
	return f(ctx, b)
}

// Session is a resolved agent instance with its conversation. The holder
// must call Release when the turn that owns it terminates.
type Session struct {
	InstanceID string
	UserID     string
	SessionID  string
	PersonaID  string
	Agent      Agent
	Context    *conversation.Context

	release func()
	once    sync.Once
}

// Release returns the instance to the resolver. Safe to call more than once.
func (s *Session) Release() {
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}

type instance struct {
	id       string
	agent    Agent
	conv     *conversation.Context
	busy     bool
	lastUsed time.Time
}

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	Store   conversation.Store // optional; nil means every conversation starts fresh
	Factory Factory
	IdleTTL time.Duration
	Logger  zerolog.Logger
}

// Resolver caches agent instances per user, session, persona and conversation.
type Resolver struct {
	store     conversation.Store
	factory   Factory
	idleTTL   time.Duration
	logger    zerolog.Logger
	now       func() time.Time
	mu        sync.Mutex
	instances map[string]*instance
}

// NewResolver creates a resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Factory == nil {
		return nil, fmt.Errorf("agent factory is required")
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	return &Resolver{
		store:     cfg.Store,
		factory:   cfg.Factory,
		idleTTL:   cfg.IdleTTL,
		logger:    cfg.Logger.With().Str("component", "resolver").Logger(),
		now:       time.Now,
		instances: make(map[string]*instance),
	}, nil
}

func cacheKey(req ResolveRequest, conversationID string) string {
	return req.UserID + "\x00" + req.SessionID + "\x00" + req.PersonaID + "\x00" + conversationID
}

// Resolve returns a session for req, reusing a cached instance when one
// exists for the same conversation.
func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) (*Session, error) {
	ctx = tracing.WithUserID(ctx, req.UserID)
	ctx, span := tracing.StartSpan(ctx, "turnstile.agent", "agent.resolve",
		attribute.String("session_id", req.SessionID),
		attribute.String("persona_id", req.PersonaID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	if err := r.validate(req); err != nil {
		tracing.FailSpan(span, err)
		return nil, err
	}

	if req.ConversationID != "" {
		if sess, err := r.fromCache(req, req.ConversationID); sess != nil || err != nil {
			if err != nil {
				tracing.FailSpan(span, err)
			}
			return sess, err
		}
	}

	conv, err := r.loadOrCreate(ctx, req)
	if err != nil {
		tracing.FailSpan(span, err)
		return nil, err
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate instance id: %w", err)
	}

	agent, err := r.factory.NewAgent(ctx, Binding{
		InstanceID:   id,
		UserID:       req.UserID,
		SessionID:    req.SessionID,
		PersonaID:    req.PersonaID,
		Conversation: conv,
	})
	if err != nil {
		tracing.FailSpan(span, err)
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}

	inst := &instance{id: id, agent: agent, conv: conv, busy: true, lastUsed: r.now()}
	key := cacheKey(req, conv.ID)

	r.mu.Lock()
	if existing, ok := r.instances[key]; ok && existing.busy {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrConversationBusy, conv.ID)
	}
	r.instances[key] = inst
	r.mu.Unlock()

	logger.Info().
		Str("agent_id", id).
		Str("conversation_id", conv.ID).
		Int("messages", len(conv.Messages)).
		Msg("Agent instance created")

	return r.session(req, key, inst), nil
}

func (r *Resolver) validate(req ResolveRequest) error {
	if err := conversation.ValidateID("user id", req.UserID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := conversation.ValidateID("session id", req.SessionID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.ConversationID != "" {
		if err := conversation.ValidateID("conversation id", req.ConversationID); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	return nil
}

func (r *Resolver) fromCache(req ResolveRequest, conversationID string) (*Session, error) {
	key := cacheKey(req, conversationID)

	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[key]
	if !ok {
		return nil, nil
	}
	if inst.busy {
		return nil, fmt.Errorf("%w: %s", ErrConversationBusy, conversationID)
	}
	inst.busy = true
	inst.lastUsed = r.now()
	return r.session(req, key, inst), nil
}

func (r *Resolver) loadOrCreate(ctx context.Context, req ResolveRequest) (*conversation.Context, error) {
	if req.ConversationID != "" && r.store != nil {
		conv, err := r.store.Load(ctx, req.ConversationID, req.UserID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLoadFailed, err)
		}
		if conv != nil {
			return conv, nil
		}
	}
	return conversation.New(req.UserID), nil
}

func (r *Resolver) session(req ResolveRequest, key string, inst *instance) *Session {
	return &Session{
		InstanceID: inst.id,
		UserID:     req.UserID,
		SessionID:  req.SessionID,
		PersonaID:  req.PersonaID,
		Agent:      inst.agent,
		Context:    inst.conv,
		release: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if cur, ok := r.instances[key]; ok && cur == inst {
				cur.busy = false
				cur.lastUsed = r.now()
			}
		},
	}
}

// EvictIdle drops instances unused for longer than the idle TTL and returns how many.
func (r *Resolver) EvictIdle() int {
	cutoff := r.now().Add(-r.idleTTL)

	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for key, inst := range r.instances {
		if !inst.busy && inst.lastUsed.Before(cutoff) {
			delete(r.instances, key)
			n++
		}
	}
	if n > 0 {
		r.logger.Debug().Int("evicted", n).Msg("Idle agent instances evicted")
	}
	return n
}

// Len returns the number of cached instances.
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}
