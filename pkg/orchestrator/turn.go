package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/harun/turnstile/internal/observability"
	"github.com/harun/turnstile/internal/tracing"
	"github.com/harun/turnstile/pkg/agent"
	"github.com/harun/turnstile/pkg/chunk"
	"github.com/harun/turnstile/pkg/conversation"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// run is one outward sequence driving a handle. It holds h.drive from the
// moment h is set until finish.
type run struct {
	o      *Orchestrator
	h      *StreamHandle
	out    chan<- chunk.Chunk
	reqCtx context.Context
	tr     chunk.Translator
	logger zerolog.Logger
	span   trace.Span
	done   bool
}

type outcome struct {
	status  string
	code    chunk.ErrorCode
	message string
}

func failed(code chunk.ErrorCode, msg string) *outcome {
	return &outcome{status: statusFailed, code: code, message: msg}
}

// step is what one piece of agent output asks the loop to do next.
type step struct {
	final   bool
	calls   []agent.ToolCall
	failure *outcome
}

// send delivers c unless the consumer has gone away.
func (r *run) send(c chunk.Chunk) {
	if r.done {
		return
	}
	if c.IsFinal {
		r.done = true
	}
	select {
	case r.out <- c:
	case <-r.reqCtx.Done():
		// best effort for the terminal chunk of an abandoned stream
		if c.IsFinal {
			select {
			case r.out <- c:
			default:
			}
		}
	}
}

// reject ends a continuation that never touched the handle.
func (r *run) reject(code chunk.ErrorCode, msg string) {
	r.logger.Warn().Str("code", string(code)).Msg(msg)
	observability.RecordContinuation(strings.ToLower(string(code)))
	r.send(r.tr.Error(code, msg))
}

func (r *run) recoverPanic() {
	rec := recover()
	if rec == nil {
		return
	}
	r.logger.Error().Interface("panic", rec).Msg("Turn panicked")
	if r.span != nil {
		tracing.FailSpan(r.span, fmt.Errorf("panic: %v", rec))
	}
	if r.h != nil && !r.h.closed {
		r.finish(outcome{status: statusFailed, code: chunk.CodeInternalError, message: "internal error"})
		return
	}
	r.send(r.tr.Error(chunk.CodeInternalError, "internal error"))
}

// start records the user input and runs the first round.
func (r *run) start(ctx context.Context, req TurnRequest) outcome {
	r.h.Context.Append(conversation.Message{
		Role:        conversation.RoleUser,
		Content:     req.TextInput,
		Attachments: agent.Attachments(req.MultimodalInputs),
		Timestamp:   r.o.now(),
	})

	r.h.iteration++
	ch, err := r.h.session.Agent.Invoke(ctx, agent.Input{
		Text:                req.TextInput,
		MultimodalInputs:    req.MultimodalInputs,
		ProviderPreferences: req.ProviderPreferences,
		UserCredentials:     req.UserCredentials,
	})
	if err != nil {
		if f := r.ctxFailure(ctx); f != nil {
			return *f
		}
		return *failed(chunk.CodeAgentError, err.Error())
	}
	return r.loop(ctx, r.consume(ctx, ch))
}

// resume feeds a deferred result and continues the loop.
func (r *run) resume(ctx context.Context, res agent.ToolResult) outcome {
	return r.loop(ctx, r.feed(ctx, res))
}

func (r *run) loop(ctx context.Context, st step) outcome {
	h := r.h
	for {
		switch {
		case st.failure != nil:
			return *st.failure
		case st.final:
			return r.complete(ctx)
		case len(st.calls) == 0:
			if len(h.pending) > 0 {
				return outcome{status: statusSuspended}
			}
			if len(h.queued) > 0 {
				st.calls, h.queued = h.queued, nil
				continue
			}
			return *failed(chunk.CodeNoFinalOutput, "agent finished without a final response")
		}

		if len(h.pending) > 0 {
			h.queued = append(h.queued, st.calls...)
			return outcome{status: statusSuspended}
		}
		if h.iteration >= r.o.cfg.MaxToolCallIterations {
			return r.capExceeded(ctx)
		}
		h.iteration++
		st = r.runBatch(ctx, st.calls)
	}
}

// consume reads one streamed agent round. It stops at the first terminal
// chunk; tool calls are collected until the stream closes.
func (r *run) consume(ctx context.Context, ch <-chan agent.InternalChunk) step {
	var text strings.Builder
	var calls []agent.ToolCall

	for {
		select {
		case <-ctx.Done():
			return step{failure: r.ctxFailure(ctx)}
		case ic, ok := <-ch:
			if !ok {
				r.recordAssistant(text.String(), calls)
				if f := r.ctxFailure(ctx); f != nil {
					return step{failure: f}
				}
				if len(calls) > 0 {
					return step{calls: calls}
				}
				return step{failure: failed(chunk.CodeNoFinalOutput, "agent stream ended without a final response")}
			}

			ic = r.observe(ic)
			text.WriteString(ic.Text)
			switch ic.Kind {
			case agent.ChunkToolCalls:
				calls = append(calls, ic.ToolCalls...)
			case agent.ChunkFinal:
				r.recordAssistant(text.String(), calls)
				return step{final: true}
			case agent.ChunkError:
				r.recordAssistant(text.String(), calls)
				return step{failure: agentFailure(ic)}
			}
		}
	}
}

// classify handles the single chunk returned by a continuation.
func (r *run) classify(ic agent.InternalChunk) step {
	ic = r.observe(ic)
	if ic.Kind != agent.ChunkError {
		r.recordAssistant(ic.Text, ic.ToolCalls)
	}

	switch ic.Kind {
	case agent.ChunkFinal:
		return step{final: true}
	case agent.ChunkError:
		return step{failure: agentFailure(ic)}
	case agent.ChunkToolCalls:
		return step{calls: ic.ToolCalls}
	default:
		return step{}
	}
}

// observe drops already-consumed tool calls, emits the translated chunks and
// accumulates the turn totals. Only tool-call chunks may request tools.
func (r *run) observe(ic agent.InternalChunk) agent.InternalChunk {
	if ic.Kind == agent.ChunkToolCalls {
		ic.ToolCalls = r.fresh(ic.ToolCalls)
	} else if len(ic.ToolCalls) > 0 {
		r.logger.Warn().
			Str("kind", ic.Kind.String()).
			Int("tool_calls", len(ic.ToolCalls)).
			Msg("Ignoring tool calls on a non tool-call chunk")
		ic.ToolCalls = nil
	}
	for _, c := range r.tr.Translate(ic) {
		r.send(c)
	}

	h := r.h
	h.toolCalls = append(h.toolCalls, ic.ToolCalls...)
	h.uiCommands = append(h.uiCommands, ic.UICommands...)
	h.usage.Add(ic.Usage)
	return ic
}

// fresh filters out tool-call ids already seen in this turn and names
// anonymous calls.
func (r *run) fresh(calls []agent.ToolCall) []agent.ToolCall {
	out := make([]agent.ToolCall, 0, len(calls))
	for _, c := range calls {
		if c.ID == "" {
			c.ID = "call_" + uuid.NewString()
		}
		if _, dup := r.h.seen[c.ID]; dup {
			r.logger.Warn().Str("call_id", c.ID).Str("tool", c.Name).Msg("Dropping repeated tool call")
			continue
		}
		r.h.seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	return out
}

func (r *run) recordAssistant(text string, calls []agent.ToolCall) {
	if text == "" && len(calls) == 0 {
		return
	}
	if text != "" {
		r.h.lastText = text
	}
	r.h.Context.Append(conversation.Message{
		Role:      conversation.RoleAssistant,
		Content:   text,
		ToolCalls: agent.ToConversation(calls),
		Timestamp: r.o.now(),
	})
}

// runBatch dispatches one batch and feeds the results back in call order.
// Deferred results are parked on the handle.
func (r *run) runBatch(ctx context.Context, calls []agent.ToolCall) step {
	r.send(r.tr.Progress(chunk.StageDispatching, fmt.Sprintf("%d tool call(s)", len(calls))))

	results, err := r.dispatchBatch(ctx, calls)
	if err != nil {
		if f := r.ctxFailure(ctx); f != nil {
			return step{failure: f}
		}
		r.logger.Error().Err(err).Msg("Tool dispatcher unavailable")
		return step{failure: failed(chunk.CodeToolDispatchFailed, err.Error())}
	}

	// Once the agent has ended the turn, the remaining results are still
	// emitted and recorded, ahead of the agent's reply, but no longer fed.
	var next step
	insertAt := 0
	for i, res := range results {
		if res.Deferred {
			r.h.pending = append(r.h.pending, calls[i])
			continue
		}
		if next.final || next.failure != nil {
			r.send(r.tr.ToolResult(res))
			r.h.Context.Insert(insertAt, r.toolMessage(res))
			insertAt++
			continue
		}
		insertAt = len(r.h.Context.Messages) + 1
		st := r.feed(ctx, res)
		if st.failure != nil || st.final {
			next = step{final: st.final, failure: st.failure}
			continue
		}
		next.calls = append(next.calls, st.calls...)
	}

	if next.final || next.failure != nil {
		return next
	}
	if len(r.h.pending) > 0 {
		r.send(r.tr.Progress(chunk.StageAwaitingResult, strings.Join(r.h.pendingIDs(), ",")))
	}
	return next
}

func (r *run) toolMessage(res agent.ToolResult) conversation.Message {
	return conversation.Message{
		Role:       conversation.RoleTool,
		Content:    res.Content(),
		ToolCallID: res.CallID,
		ToolName:   res.ToolName,
		IsError:    !res.IsSuccess,
		Timestamp:  r.o.now(),
	}
}

// feed hands one result to the agent. The tool message is recorded first so
// the agent sees it in the context.
func (r *run) feed(ctx context.Context, res agent.ToolResult) step {
	r.send(r.tr.ToolResult(res))
	r.h.Context.Append(r.toolMessage(res))

	ic, err := r.h.session.Agent.ContinueWithResult(ctx, res)
	if err != nil {
		if f := r.ctxFailure(ctx); f != nil {
			return step{failure: f}
		}
		return step{failure: failed(chunk.CodeAgentError, err.Error())}
	}
	return r.classify(ic)
}

func (r *run) complete(ctx context.Context) outcome {
	r.closeUnanswered("not executed: the turn completed without it")
	if err := r.persist(ctx); err != nil {
		return *failed(chunk.CodePersistenceFailed, err.Error())
	}
	return outcome{status: statusCompleted}
}

func (r *run) capExceeded(ctx context.Context) outcome {
	r.closeUnanswered(fmt.Sprintf("not executed: tool-call iteration limit (%d) reached", r.o.cfg.MaxToolCallIterations))
	if err := r.persist(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("Best-effort save after iteration cap failed")
	}
	return *failed(chunk.CodeMaxToolIterations,
		fmt.Sprintf("turn exceeded %d tool-call iterations", r.o.cfg.MaxToolCallIterations))
}

// closeUnanswered gives every tool call still open in the context a failed
// result and drops the handle's pending and queued calls.
func (r *run) closeUnanswered(reason string) {
	closed := r.h.Context.CloseUnanswered(reason)
	if len(closed) == 0 {
		return
	}
	ids := make([]string, len(closed))
	for i, tc := range closed {
		ids[i] = tc.ID
	}
	r.h.pending, r.h.queued = nil, nil
	r.logger.Debug().Strs("call_ids", ids).Str("reason", reason).Msg("Closed unanswered tool calls")
}

func (r *run) persist(ctx context.Context) error {
	if !r.o.cfg.PersistenceEnabled || r.o.store == nil {
		return nil
	}
	if err := r.o.store.Save(ctx, r.h.Context); err != nil {
		return fmt.Errorf("failed to save conversation %s: %w", r.h.ConversationID, err)
	}
	return nil
}

// ctxFailure maps a finished context to its outcome, or nil while it is live.
func (r *run) ctxFailure(ctx context.Context) *outcome {
	if ctx.Err() == nil {
		return nil
	}
	if r.reqCtx.Err() != nil {
		return failed(chunk.CodeCancelled, "turn cancelled")
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return failed(chunk.CodeTurnTimeout, fmt.Sprintf("turn exceeded %s", r.o.cfg.TurnTimeout))
	}
	return failed(chunk.CodeCancelled, "turn cancelled")
}

func agentFailure(ic agent.InternalChunk) *outcome {
	if ic.Err == nil {
		return failed(chunk.CodeAgentError, "agent reported an error")
	}
	code := chunk.CodeAgentError
	if ic.Err.Code != "" {
		code = chunk.ErrorCode(ic.Err.Code)
	}
	return failed(code, ic.Err.Message)
}

// finish emits the terminal chunk and releases or parks the handle.
func (r *run) finish(res outcome) {
	h := r.h
	o := r.o
	now := o.now()

	switch res.status {
	case statusSuspended:
		h.suspended = true
		h.lastActivity = now
		r.send(r.tr.Final(r.finalResponse(true)))
		r.logger.Info().
			Strs("pending_calls", h.pendingIDs()).
			Int("iterations", h.iteration).
			Msg("Turn suspended awaiting client tool results")

	case statusCompleted:
		r.send(r.tr.Final(r.finalResponse(false)))
		r.logger.Info().Int("iterations", h.iteration).Msg("Turn completed")

	default:
		r.closeUnanswered(fmt.Sprintf("not executed: turn failed with %s", res.code))
		r.send(r.tr.Error(res.code, res.message))
		tracing.FailSpan(r.span, fmt.Errorf("%s: %s", res.code, res.message))
		r.logger.Warn().
			Str("code", string(res.code)).
			Str("error", res.message).
			Int("iterations", h.iteration).
			Msg("Turn failed")
	}

	label := res.status
	if res.status == statusFailed {
		label = strings.ToLower(string(res.code))
	}
	observability.RecordTurn(label, h.iteration, now.Sub(h.startedAt))
	observability.RecordTurnAudit(r.reqCtx, h.UserID, label, map[string]any{
		"stream_id":       h.StreamID,
		"conversation_id": h.ConversationID,
		"iterations":      h.iteration,
	})
	r.span.SetAttributes(attribute.String("turn.outcome", label), attribute.Int("turn.iterations", h.iteration))

	if res.status != statusSuspended {
		h.closed = true
		observability.SetActiveStreams(o.streams.remove(h))
		h.session.Release()
	}
	h.drive.Unlock()
}

func (r *run) finalResponse(awaiting bool) chunk.FinalResponse {
	h := r.h
	resp := chunk.FinalResponse{
		Text:           h.lastText,
		ToolCalls:      append([]agent.ToolCall(nil), h.toolCalls...),
		UICommands:     append([]agent.UICommand(nil), h.uiCommands...),
		ConversationID: h.ConversationID,
		Iterations:     h.iteration,
		Context:        h.Context.Clone(),
	}
	if h.usage.InputTokens > 0 || h.usage.OutputTokens > 0 {
		u := h.usage
		resp.Usage = &u
	}
	if awaiting {
		resp.AwaitingToolResults = true
		resp.PendingToolCalls = append([]agent.ToolCall(nil), h.pending...)
	}
	return resp
}
