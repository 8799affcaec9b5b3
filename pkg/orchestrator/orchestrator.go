package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/turnstile/internal/observability"
	"github.com/harun/turnstile/internal/tracing"
	"github.com/harun/turnstile/pkg/agent"
	"github.com/harun/turnstile/pkg/chunk"
	"github.com/harun/turnstile/pkg/conversation"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Orchestrator drives turns and owns the registry of live streams.
type Orchestrator struct {
	cfg        Config
	resolver   SessionResolver
	dispatcher Dispatcher
	store      conversation.Store
	streams    *registry
	logger     zerolog.Logger
	now        func() time.Time

	cron      *cron.Cron
	startOnce sync.Once
	stopOnce  sync.Once
}

// Option is a functional option for configuring the Orchestrator
type Option func(*Orchestrator)

// WithLogger sets the logger for the orchestrator
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// New creates an Orchestrator. store may be nil only when persistence is
// disabled.
func New(cfg Config, resolver SessionResolver, dispatcher Dispatcher, store conversation.Store, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator config: %w", err)
	}
	if resolver == nil {
		return nil, fmt.Errorf("session resolver is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("tool dispatcher is required")
	}
	if cfg.PersistenceEnabled && store == nil {
		return nil, fmt.Errorf("conversation store is required when persistence is enabled")
	}

	o := &Orchestrator{
		cfg:        cfg,
		resolver:   resolver,
		dispatcher: dispatcher,
		store:      store,
		streams:    newRegistry(),
		logger:     log.Logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With().Str("component", "orchestrator").Logger()

	if cfg.SweepInterval != "" {
		o.cron = cron.New()
		if _, err := o.cron.AddFunc(cfg.SweepInterval, func() { o.Sweep() }); err != nil {
			return nil, fmt.Errorf("failed to schedule stream sweeper: %w", err)
		}
	}

	return o, nil
}

// Start launches the background sweeper.
func (o *Orchestrator) Start() {
	o.startOnce.Do(func() {
		if o.cron != nil {
			o.cron.Start()
			o.logger.Info().Str("interval", o.cfg.SweepInterval).Msg("Stream sweeper started")
		}
	})
}

// Stop halts the sweeper and waits for a running sweep to finish.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		if o.cron != nil {
			<-o.cron.Stop().Done()
			o.logger.Info().Msg("Stream sweeper stopped")
		}
	})
}

// ActiveStreams reports how many handles are registered, suspended ones
// included.
func (o *Orchestrator) ActiveStreams() int {
	return o.streams.len()
}

// Sweep evicts suspended streams idle longer than the configured TTL and
// returns how many were removed. Streams being driven are skipped.
func (o *Orchestrator) Sweep() int {
	now := o.now()
	evicted := 0

	for _, h := range o.streams.snapshot() {
		if !h.drive.TryLock() {
			continue
		}
		if !h.closed && h.suspended && now.Sub(h.lastActivity) > o.cfg.SuspendedStreamTTL {
			pending := h.pendingIDs()
			h.Context.CloseUnanswered("not executed: no result arrived before the stream expired")
			h.closed = true
			observability.SetActiveStreams(o.streams.remove(h))
			h.session.Release()
			evicted++
			o.logger.Info().
				Str("stream_id", h.StreamID).
				Strs("pending_calls", pending).
				Msg("Evicted expired suspended stream")
		}
		h.drive.Unlock()
	}

	if evicted > 0 {
		observability.RecordSuspendedEviction(evicted)
	}
	if ev, ok := o.resolver.(idleEvicter); ok {
		ev.EvictIdle()
	}
	return evicted
}

// OrchestrateTurn runs one turn and streams its chunks. The channel closes
// after the single final chunk. Cancelling ctx abandons the turn.
func (o *Orchestrator) OrchestrateTurn(ctx context.Context, req TurnRequest) <-chan chunk.Chunk {
	out := make(chan chunk.Chunk, o.cfg.StreamBuffer)
	go o.runTurn(ctx, req, out)
	return out
}

// OrchestrateToolResult resumes a suspended stream with one deferred tool
// result.
func (o *Orchestrator) OrchestrateToolResult(ctx context.Context, in ToolResultInput) <-chan chunk.Chunk {
	out := make(chan chunk.Chunk, o.cfg.StreamBuffer)
	go o.runContinuation(ctx, in, out)
	return out
}

func (o *Orchestrator) runTurn(ctx context.Context, req TurnRequest, out chan<- chunk.Chunk) {
	defer close(out)

	streamID := tracing.NewStreamID()
	ctx = tracing.WithStreamID(ctx, streamID)
	ctx = tracing.WithUserID(ctx, req.UserID)
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.WithTraceID(ctx, tracing.NewTraceID())
	}

	ctx, span := tracing.StartSpan(ctx, "turnstile.orchestrator", "orchestrator.turn",
		attribute.String("stream.id", streamID),
		attribute.String("session.id", req.SessionID),
		attribute.String("persona.id", req.PersonaID),
	)
	defer span.End()

	r := &run{
		o:      o,
		out:    out,
		reqCtx: ctx,
		tr:     chunk.Translator{StreamID: streamID, PersonaID: req.PersonaID, Now: o.now},
		logger: tracing.LoggerFromContext(ctx, o.logger),
		span:   span,
	}
	defer r.recoverPanic()

	sess, err := o.resolver.Resolve(ctx, agent.ResolveRequest{
		UserID:         req.UserID,
		SessionID:      req.SessionID,
		PersonaID:      req.PersonaID,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		r.logger.Warn().Err(err).Msg("Session resolution failed")
		tracing.FailSpan(span, err)
		r.send(r.tr.Error(chunk.CodeSessionResolutionFailed, err.Error()))
		observability.RecordTurn(string(chunk.CodeSessionResolutionFailed), 0, 0)
		observability.RecordTurnAudit(ctx, req.UserID, "session_failed", map[string]any{"error": err.Error()})
		return
	}

	h := newHandle(streamID, sess, o.now())
	h.drive.Lock()
	r.h = h
	r.tr.AgentInstanceID = h.AgentInstanceID
	r.reqCtx = tracing.WithConversationID(tracing.WithAgentID(ctx, h.AgentInstanceID), h.ConversationID)
	r.logger = tracing.LoggerFromContext(r.reqCtx, o.logger)
	span.SetAttributes(attribute.String("conversation.id", h.ConversationID))

	observability.SetActiveStreams(o.streams.add(h))

	r.logger.Info().Int("history", len(h.Context.Messages)).Msg("Turn started")
	r.send(r.tr.Progress(chunk.StageTurnStarted, ""))

	turnCtx, cancel := context.WithTimeout(r.reqCtx, o.cfg.TurnTimeout)
	defer cancel()

	r.finish(r.start(turnCtx, req))
}

func (o *Orchestrator) runContinuation(ctx context.Context, in ToolResultInput, out chan<- chunk.Chunk) {
	defer close(out)

	ctx = tracing.WithStreamID(ctx, in.StreamID)
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.WithTraceID(ctx, tracing.NewTraceID())
	}
	ctx, span := tracing.StartSpan(ctx, "turnstile.orchestrator", "orchestrator.continue",
		attribute.String("stream.id", in.StreamID),
		attribute.String("tool.call_id", in.ToolCallID),
	)
	defer span.End()

	r := &run{
		o:      o,
		out:    out,
		reqCtx: ctx,
		tr:     chunk.Translator{StreamID: in.StreamID, Now: o.now},
		logger: tracing.LoggerFromContext(ctx, o.logger),
		span:   span,
	}
	defer r.recoverPanic()

	h, ok := o.streams.get(in.StreamID)
	if !ok {
		r.reject(chunk.CodeInactiveStream, fmt.Sprintf("stream %s is not active", in.StreamID))
		return
	}
	r.tr.AgentInstanceID = h.AgentInstanceID
	r.tr.PersonaID = h.PersonaID

	if !h.drive.TryLock() {
		r.reject(chunk.CodeStreamBusy, fmt.Sprintf("stream %s is busy", in.StreamID))
		return
	}
	if h.closed {
		h.drive.Unlock()
		r.reject(chunk.CodeInactiveStream, fmt.Sprintf("stream %s is not active", in.StreamID))
		return
	}

	call, ok := h.takePending(in.ToolCallID)
	if !ok {
		h.drive.Unlock()
		r.reject(chunk.CodeUnknownToolCall, fmt.Sprintf("tool call %s is not awaiting a result on stream %s", in.ToolCallID, in.StreamID))
		return
	}

	if in.ToolName != "" && in.ToolName != call.Name {
		r.logger.Warn().
			Str("call_id", call.ID).
			Str("expected", call.Name).
			Str("got", in.ToolName).
			Msg("Tool name mismatch on continuation, using the pending call's tool name")
	}

	r.h = h
	h.suspended = false
	h.lastActivity = o.now()
	r.reqCtx = tracing.WithConversationID(tracing.WithAgentID(tracing.WithUserID(ctx, h.UserID), h.AgentInstanceID), h.ConversationID)
	r.logger = tracing.LoggerFromContext(r.reqCtx, o.logger)
	observability.RecordContinuation("accepted")

	r.logger.Info().Str("call_id", call.ID).Str("tool", call.Name).Msg("Turn resumed")
	r.send(r.tr.Progress(chunk.StageTurnResumed, ""))

	turnCtx, cancel := context.WithTimeout(r.reqCtx, o.cfg.TurnTimeout)
	defer cancel()

	res := agent.ToolResult{
		CallID:    call.ID,
		ToolName:  call.Name,
		Output:    in.Output,
		Error:     in.ErrorMessage,
		IsSuccess: in.IsSuccess,
	}
	r.finish(r.resume(turnCtx, res))
}
