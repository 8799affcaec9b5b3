package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/turnstile/internal/config"
	"github.com/harun/turnstile/internal/logger"
	"github.com/harun/turnstile/internal/observability"
	"github.com/harun/turnstile/internal/tracing"
	"github.com/harun/turnstile/pkg/agent"
	"github.com/harun/turnstile/pkg/conversation"
	"github.com/harun/turnstile/pkg/gateway"
	"github.com/harun/turnstile/pkg/orchestrator"
	"github.com/harun/turnstile/pkg/toolexecutor"
)

// app is the wired server process.
type app struct {
	log      *logger.Logger
	store    conversation.Store
	tools    *toolexecutor.ToolExecutor
	resolver *agent.Resolver
	orch     *orchestrator.Orchestrator
	gateway  *gateway.Server
}

func orchestratorConfig(c config.OrchestratorConfig) orchestrator.Config {
	return orchestrator.Config{
		MaxToolCallIterations: c.MaxToolCallIterations,
		TurnTimeout:           c.TurnTimeout(),
		PersistenceEnabled:    c.PersistenceEnabled,
		MaxParallelTools:      c.MaxParallelTools,
		StreamBuffer:          c.StreamBuffer,
		SuspendedStreamTTL:    c.SuspendedStreamTTL(),
		SweepInterval:         c.SweepInterval,
	}
}

func authProfiles(profiles []config.AIProfile) []agent.AuthProfile {
	out := make([]agent.AuthProfile, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, agent.AuthProfile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			Priority: p.Priority,
		})
	}
	return out
}

// newApp wires config into a ready-to-start process. Nothing listens yet.
func newApp(cfg *config.Config, providers agent.ProviderCreator) (_ *app, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logCfg := logger.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.File = cfg.Logging.File
	logCfg.Pretty = cfg.Logging.Pretty
	logCfg.Redaction = cfg.Logging.Redaction
	log, err := logger.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	a := &app{log: log}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if err := tracing.InitOpenTelemetry(tracing.Config{
		ServiceName:    "turnstile",
		ServiceVersion: version,
		SampleRatio:    cfg.Tracing.SampleRatio,
	}); err != nil {
		log.Warn().Err(err).Msg("OpenTelemetry disabled")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	auditFile := cfg.Logging.AuditFile
	if auditFile == "" {
		auditFile = filepath.Join(cfg.DataDir, "audit.log")
	}
	if err := observability.InitAuditLogger(auditFile); err != nil {
		log.Warn().Err(err).Str("path", auditFile).Msg("Audit log disabled")
	}
	observability.EnsureRegistered()

	if cfg.Orchestrator.PersistenceEnabled {
		a.store, err = conversation.Open(cfg.Store.Driver, cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open conversation store: %w", err)
		}
	}

	toolLogger := log.Component("tools")
	a.tools = toolexecutor.New(toolexecutor.Config{
		Timeout:        time.Duration(cfg.Tools.TimeoutSeconds) * time.Second,
		MaxOutputChars: cfg.Tools.MaxOutputChars,
		Policy:         toolexecutor.NewToolPolicy(cfg.Tools.Allow, cfg.Tools.Deny),
		Logger:         &toolLogger,
	})
	if err := toolexecutor.RegisterBuiltins(a.tools, time.Now); err != nil {
		return nil, fmt.Errorf("failed to register builtin tools: %w", err)
	}

	factory := agent.NewLLMFactory(agent.LLMConfig{
		Model:        cfg.Agent.Model,
		SystemPrompt: cfg.Agent.SystemPrompt,
		MaxTokens:    cfg.Agent.MaxTokens,
		Temperature:  cfg.Agent.Temperature,
		MaxRetries:   2,
	}, a.tools, providers, agent.NewProfilePool(authProfiles(cfg.AI.Profiles)), log.Component("agent"))

	a.resolver, err = agent.NewResolver(agent.ResolverConfig{
		Store:   a.store,
		Factory: factory,
		IdleTTL: time.Duration(cfg.Agent.InstanceIdleSeconds) * time.Second,
		Logger:  log.GetZerolog(),
	})
	if err != nil {
		return nil, err
	}

	a.orch, err = orchestrator.New(orchestratorConfig(cfg.Orchestrator), a.resolver, a.tools, a.store,
		orchestrator.WithLogger(log.GetZerolog()))
	if err != nil {
		return nil, err
	}

	a.gateway, err = gateway.NewServer(gateway.Config{
		Host:         cfg.Gateway.Host,
		Port:         cfg.Gateway.Port,
		SharedSecret: cfg.Gateway.SharedSecret,
		Service:      a.orch,
		Logger:       log.GetZerolog(),
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// reload applies the settings that can change without a restart.
func (a *app) reload(cfg *config.Config) {
	if err := a.tools.SetPolicy(toolexecutor.NewToolPolicy(cfg.Tools.Allow, cfg.Tools.Deny)); err != nil {
		a.log.Warn().Err(err).Msg("Ignoring invalid tool policy from reloaded config")
	}
}

func (a *app) start() error {
	a.orch.Start()
	if err := a.gateway.Start(); err != nil {
		a.orch.Stop()
		return err
	}
	return nil
}

// shutdown stops accepting work, lets streams drain until ctx ends, then
// releases resources.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if err := a.gateway.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	a.orch.Stop()
	if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, a.close())
	return errors.Join(errs...)
}

func (a *app) close() error {
	var errs []error
	if a.tools != nil {
		errs = append(errs, a.tools.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if err := observability.GetAuditLogger().Close(); err != nil {
		errs = append(errs, err)
	}
	if a.log != nil {
		errs = append(errs, a.log.Close())
	}
	return errors.Join(errs...)
}
