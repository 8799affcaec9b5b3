package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/turnstile/internal/observability"
	"github.com/harun/turnstile/internal/tracing"
	"github.com/harun/turnstile/pkg/conversation"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// LLMConfig configures provider calls made by an LLMAgent.
type LLMConfig struct {
	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	MaxRetries   int
}

// LLMAgent is an Agent backed by a hosted model. History lives in the bound
// conversation context; the agent itself keeps no per-turn state.
type LLMAgent struct {
	instanceID string
	conv       *conversation.Context
	cfg        LLMConfig
	catalog    ToolCatalog
	providers  ProviderCreator
	pool       *ProfilePool
	logger     zerolog.Logger
}

// NewLLMAgent binds a provider-backed agent to conv.
func NewLLMAgent(instanceID string, conv *conversation.Context, cfg LLMConfig, catalog ToolCatalog, providers ProviderCreator, pool *ProfilePool, logger zerolog.Logger) (*LLMAgent, error) {
	if conv == nil {
		return nil, fmt.Errorf("conversation context is required")
	}
	if pool == nil {
		return nil, fmt.Errorf("profile pool is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model cannot be empty")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if providers == nil {
		providers = &ProviderFactory{}
	}
	return &LLMAgent{
		instanceID: instanceID,
		conv:       conv,
		cfg:        cfg,
		catalog:    catalog,
		providers:  providers,
		pool:       pool,
		logger:     logger.With().Str("component", "llm_agent").Str("agent_id", instanceID).Logger(),
	}, nil
}

func (a *LLMAgent) request(prefs map[string]string) LLMRequest {
	model := a.cfg.Model
	if m := prefs["model"]; m != "" {
		model = m
	}
	var tools []ToolSpec
	if a.catalog != nil {
		tools = a.catalog.Specs()
	}
	return LLMRequest{
		Model:        model,
		Messages:     append([]conversation.Message(nil), a.conv.Messages...),
		Tools:        tools,
		Temperature:  a.cfg.Temperature,
		MaxTokens:    a.cfg.MaxTokens,
		SystemPrompt: a.cfg.SystemPrompt,
	}
}

// Invoke snapshots the history synchronously and calls the provider in the background.
func (a *LLMAgent) Invoke(ctx context.Context, in Input) (<-chan InternalChunk, error) {
	req := a.request(in.ProviderPreferences)
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("conversation %s has no messages", a.conv.ID)
	}

	out := make(chan InternalChunk, 2)
	go func() {
		defer close(out)

		resp, err := a.callWithFailover(ctx, req, in.UserCredentials, in.ProviderPreferences)
		if err != nil {
			send(ctx, out, InternalChunk{Kind: ChunkError, Err: &Error{Code: "AGENT_ERROR", Message: err.Error()}})
			return
		}
		if resp.Content != "" && len(resp.ToolCalls) > 0 {
			if !send(ctx, out, InternalChunk{Kind: ChunkText, Text: resp.Content}) {
				return
			}
			resp.Content = ""
		}
		send(ctx, out, responseChunk(resp))
	}()
	return out, nil
}

// ContinueWithResult calls the provider once every call of the last
// tool-requesting message has a result in the context; until then it acknowledges.
func (a *LLMAgent) ContinueWithResult(ctx context.Context, result ToolResult) (InternalChunk, error) {
	if a.conv.LastAssistantWithToolCalls() < 0 {
		return InternalChunk{}, fmt.Errorf("no tool calls awaiting results")
	}
	if pending := a.conv.PendingToolCalls(); len(pending) > 0 {
		a.logger.Debug().
			Str("tool_call_id", result.CallID).
			Int("pending", len(pending)).
			Msg("Tool result buffered")
		return InternalChunk{Kind: ChunkAck}, nil
	}

	resp, err := a.callWithFailover(ctx, a.request(nil), nil, nil)
	if err != nil {
		return InternalChunk{}, err
	}
	return responseChunk(resp), nil
}

func responseChunk(resp *LLMResponse) InternalChunk {
	if len(resp.ToolCalls) > 0 {
		return InternalChunk{Kind: ChunkToolCalls, Text: resp.Content, ToolCalls: resp.ToolCalls, Usage: resp.Usage}
	}
	return InternalChunk{Kind: ChunkFinal, Text: resp.Content, Usage: resp.Usage}
}

func send(ctx context.Context, out chan<- InternalChunk, c InternalChunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// callWithFailover tries each usable profile in order.
func (a *LLMAgent) callWithFailover(ctx context.Context, req LLMRequest, credentials, prefs map[string]string) (*LLMResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "turnstile.agent", "agent.call",
		attribute.String("model", req.Model),
		attribute.Int("messages", len(req.Messages)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, a.logger)

	var lastErr error
	for _, profile := range a.pool.Candidates(credentials, prefs) {
		if a.pool.InCooldown(profile) {
			logger.Debug().Str("profile_id", profile.ID).Msg("Skipping profile in cooldown")
			continue
		}

		provider, err := a.providers.NewProvider(profile)
		if err != nil {
			logger.Warn().Err(err).Str("profile_id", profile.ID).Msg("Failed to create provider")
			lastErr = err
			continue
		}

		start := time.Now()
		resp, err := a.callWithRetry(ctx, provider, req)
		observability.RecordAgentCall(profile.Provider, time.Since(start), err == nil)
		if err == nil {
			a.pool.MarkSuccess(profile.ID)
			return resp, nil
		}

		lastErr = err
		logger.Warn().Err(err).Str("profile_id", profile.ID).Msg("Auth profile failed")
		a.pool.MarkFailure(profile.ID)

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || !IsRetryableError(err) {
			tracing.FailSpan(span, err)
			return nil, err
		}
	}

	if lastErr == nil {
		lastErr = errors.New("no usable auth profile")
	}
	err := fmt.Errorf("all auth profiles failed: %w", lastErr)
	tracing.FailSpan(span, err)
	return nil, err
}

// callWithRetry retries transient provider errors with exponential backoff: 1s, 2s, 4s.
func (a *LLMAgent) callWithRetry(ctx context.Context, provider LLMProvider, req LLMRequest) (*LLMResponse, error) {
	var lastErr error
	for attempt := 0; attempt < a.cfg.MaxRetries; attempt++ {
		resp, err := provider.Call(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !IsRetryableError(err) || attempt == a.cfg.MaxRetries-1 {
			break
		}

		delay := time.Duration(1<<attempt) * time.Second
		a.logger.Info().Int("attempt", attempt+1).Dur("delay", delay).Msg("Retrying after error")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

// NewLLMFactory returns a Factory building LLMAgents that share pool.
func NewLLMFactory(cfg LLMConfig, catalog ToolCatalog, providers ProviderCreator, pool *ProfilePool, logger zerolog.Logger) Factory {
	return FactoryFunc(func(_ context.Context, b Binding) (Agent, error) {
		return NewLLMAgent(b.InstanceID, b.Conversation, cfg, catalog, providers, pool, logger)
	})
}
