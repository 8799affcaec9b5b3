package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/turnstile/internal/tracing"
	"github.com/harun/turnstile/pkg/agent"
	"github.com/harun/turnstile/pkg/toolexecutor"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// dispatchBatch runs every call concurrently and returns results in call
// order. A failing call never cancels its siblings; only an unavailable
// dispatcher or a cancelled context fails the batch.
func (r *run) dispatchBatch(ctx context.Context, calls []agent.ToolCall) ([]agent.ToolResult, error) {
	ctx, span := tracing.StartSpan(ctx, "turnstile.orchestrator", "orchestrator.dispatch",
		attribute.Int("tool.count", len(calls)),
		attribute.Int("turn.iteration", r.h.iteration),
	)
	defer span.End()

	startTime := time.Now()
	results := make([]agent.ToolResult, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.o.cfg.MaxParallelTools)

	for i, call := range calls {
		g.Go(func() (err error) {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error().
						Str("tool", call.Name).
						Str("call_id", call.ID).
						Interface("panic", rec).
						Msg("Tool dispatch panicked")
					results[i] = agent.Failure(call, fmt.Sprintf("tool %s failed unexpectedly", call.Name))
					err = nil
				}
			}()

			res, err := r.o.dispatcher.Dispatch(gctx, toolexecutor.Invocation{
				CallID:          call.ID,
				ToolName:        call.Name,
				Arguments:       call.Arguments,
				UserID:          r.h.UserID,
				AgentInstanceID: r.h.AgentInstanceID,
				ConversationID:  r.h.ConversationID,
			})
			if err != nil {
				if errors.Is(err, ErrDispatcherUnavailable) {
					return fmt.Errorf("dispatch %s: %w", call.Name, err)
				}
				r.logger.Warn().
					Err(err).
					Str("tool", call.Name).
					Str("call_id", call.ID).
					Msg("Tool dispatch failed")
				results[i] = agent.Failure(call, err.Error())
				return nil
			}

			// the dispatcher may not know the call id
			res.CallID = call.ID
			if res.ToolName == "" {
				res.ToolName = call.Name
			}
			results[i] = res
			return nil
		})
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		tracing.FailSpan(span, err)
		return nil, err
	}

	r.logger.Debug().
		Int("calls", len(calls)).
		Dur("duration", time.Since(startTime)).
		Msg("Tool batch completed")

	return results, nil
}
