package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/turnstile/internal/observability"
	"github.com/harun/turnstile/internal/tracing"
	"github.com/harun/turnstile/pkg/agent"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
)

// ErrUnavailable is returned by Dispatch once the executor is closed.
var ErrUnavailable = errors.New("tool executor unavailable")

const (
	defaultTimeout        = 30 * time.Second
	defaultMaxOutputChars = 10000
)

// ToolKind says where a tool runs.
type ToolKind string

const (
	// ToolKindLocal tools run in-process through their Handler.
	ToolKindLocal ToolKind = "local"
	// ToolKindClient tools run on the caller's side; Dispatch defers them.
	ToolKindClient ToolKind = "client"
)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
}

// ToolDefinition defines a tool's metadata and handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Kind        ToolKind        `json:"kind,omitempty"`
	Handler     ToolHandler     `json:"-"`
}

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, params map[string]any) (any, error)

// Invocation is one tool call routed through Dispatch.
type Invocation struct {
	CallID          string
	ToolName        string
	Arguments       map[string]any
	UserID          string
	AgentInstanceID string
	ConversationID  string
}

// ExecutionResult is the outcome of running a local tool.
type ExecutionResult struct {
	Success   bool           `json:"success"`
	Output    any            `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	Truncated bool           `json:"truncated,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Config tunes the executor.
type Config struct {
	Timeout        time.Duration
	MaxOutputChars int
	Policy         *ToolPolicy
	Logger         *zerolog.Logger
}

type registeredTool struct {
	def       ToolDefinition
	schema    *gojsonschema.Schema
	schemaMap map[string]any
}

// ToolExecutor manages and executes tools
type ToolExecutor struct {
	tools  map[string]*registeredTool
	cfg    Config
	logger zerolog.Logger
	closed atomic.Bool
	mu     sync.RWMutex
}

// New creates a new ToolExecutor
func New(cfg Config) *ToolExecutor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxOutputChars <= 0 {
		cfg.MaxOutputChars = defaultMaxOutputChars
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("component", "toolexecutor").Logger()

	if err := NewPolicyEngine(logger).ValidatePolicy(cfg.Policy); err != nil {
		logger.Warn().Err(err).Msg("Ignoring invalid tool policy")
		cfg.Policy = nil
	}

	return &ToolExecutor{
		tools:  make(map[string]*registeredTool),
		cfg:    cfg,
		logger: logger,
	}
}

// RegisterTool registers a new tool
func (te *ToolExecutor) RegisterTool(def ToolDefinition) error {
	if def.Kind == "" {
		def.Kind = ToolKindLocal
	}
	if err := validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schemaMap := buildSchemaMap(def)
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	if _, exists := te.tools[def.Name]; exists {
		return fmt.Errorf("tool %q already registered", def.Name)
	}
	te.tools[def.Name] = &registeredTool{def: def, schema: schema, schemaMap: schemaMap}

	te.logger.Info().Str("tool", def.Name).Str("kind", string(def.Kind)).Msg("Tool registered")
	return nil
}

// UnregisterTool removes a tool
func (te *ToolExecutor) UnregisterTool(name string) {
	te.mu.Lock()
	defer te.mu.Unlock()

	delete(te.tools, name)
	te.logger.Info().Str("tool", name).Msg("Tool unregistered")
}

// GetTool returns a tool definition by name
func (te *ToolExecutor) GetTool(name string) *ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()

	rt, ok := te.tools[name]
	if !ok {
		return nil
	}
	def := rt.def
	return &def
}

// ListTools returns all registered tool names, sorted.
func (te *ToolExecutor) ListTools() []string {
	te.mu.RLock()
	defer te.mu.RUnlock()

	names := make([]string, 0, len(te.tools))
	for name := range te.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs lists the tools the policy lets an agent see.
func (te *ToolExecutor) Specs() []agent.ToolSpec {
	names := NewPolicyEngine(te.logger).FilterToolsByPolicy(te.ListTools(), te.policy())

	te.mu.RLock()
	defer te.mu.RUnlock()

	specs := make([]agent.ToolSpec, 0, len(names))
	for _, name := range names {
		rt, ok := te.tools[name]
		if !ok {
			continue
		}
		specs = append(specs, agent.ToolSpec{
			Name:        rt.def.Name,
			Description: rt.def.Description,
			InputSchema: rt.schemaMap,
		})
	}
	return specs
}

func (te *ToolExecutor) policy() *ToolPolicy {
	te.mu.RLock()
	defer te.mu.RUnlock()
	return te.cfg.Policy
}

// SetPolicy swaps the allow/deny policy. An invalid policy is rejected and
// the current one stays in force.
func (te *ToolExecutor) SetPolicy(p *ToolPolicy) error {
	if err := NewPolicyEngine(te.logger).ValidatePolicy(p); err != nil {
		return err
	}
	te.mu.Lock()
	te.cfg.Policy = p
	te.mu.Unlock()
	te.logger.Info().Int("tools", len(te.Specs())).Msg("Tool policy updated")
	return nil
}

// Close makes later dispatches fail with ErrUnavailable.
func (te *ToolExecutor) Close() error {
	te.closed.Store(true)
	return nil
}

// Dispatch runs one tool call. Errors are reserved for infrastructure
// failures; anything the tool itself gets wrong is a failure result.
func (te *ToolExecutor) Dispatch(ctx context.Context, inv Invocation) (agent.ToolResult, error) {
	if te.closed.Load() {
		return agent.ToolResult{}, ErrUnavailable
	}

	ctx, span := tracing.StartSpan(ctx, "turnstile.toolexecutor", "toolexecutor.execute",
		attribute.String("tool.name", inv.ToolName),
		attribute.String("tool.call_id", inv.CallID),
	)
	defer span.End()

	ctx = ContextWithInvocation(ctx, inv)
	logger := tracing.LoggerFromContext(ctx, te.logger)

	base := agent.ToolResult{CallID: inv.CallID, ToolName: inv.ToolName}

	te.mu.RLock()
	rt := te.tools[inv.ToolName]
	te.mu.RUnlock()

	if rt != nil && rt.def.Kind == ToolKindClient {
		if msg := te.precheck(inv.ToolName, rt, inv.Arguments); msg != "" {
			logger.Warn().Str("tool", inv.ToolName).Str("reason", msg).Msg("Client tool rejected")
			base.Error = msg
			observability.RecordToolAudit(ctx, inv.ToolName, inv.UserID, "failure", map[string]any{"call_id": inv.CallID, "error": msg})
			return base, nil
		}
		logger.Debug().Str("tool", inv.ToolName).Str("call_id", inv.CallID).Msg("Deferring client tool")
		base.Deferred = true
		observability.RecordToolAudit(ctx, inv.ToolName, inv.UserID, "pending", map[string]any{"call_id": inv.CallID})
		return base, nil
	}

	res := te.Execute(ctx, inv.ToolName, inv.Arguments)

	base.IsSuccess = res.Success
	base.Output = res.Output
	base.Error = res.Error
	status := "success"
	if !res.Success {
		status = "failure"
		span.SetAttributes(attribute.String("tool.error", res.Error))
	}
	observability.RecordToolAudit(ctx, inv.ToolName, inv.UserID, status, map[string]any{
		"call_id":         inv.CallID,
		"conversation_id": inv.ConversationID,
		"truncated":       res.Truncated,
	})
	return base, nil
}

// precheck applies policy and schema validation, returning a failure message
// or "".
func (te *ToolExecutor) precheck(name string, rt *registeredTool, params map[string]any) string {
	if !te.policy().IsToolAllowed(name) {
		return fmt.Sprintf("tool '%s' is not allowed by policy", name)
	}
	if rt == nil {
		return fmt.Sprintf("tool not found: %s", name)
	}
	if err := validateParameters(rt.schema, params); err != nil {
		return fmt.Sprintf("parameter validation failed: %v", err)
	}
	return ""
}

// Execute runs a local tool with the given parameters.
func (te *ToolExecutor) Execute(ctx context.Context, toolName string, params map[string]any) ExecutionResult {
	startTime := time.Now()
	logger := tracing.LoggerFromContext(ctx, te.logger)

	te.mu.RLock()
	rt := te.tools[toolName]
	te.mu.RUnlock()

	if msg := te.precheck(toolName, rt, params); msg != "" {
		logger.Warn().Str("tool", toolName).Str("reason", msg).Msg("Tool execution rejected")
		observability.RecordToolExecution(toolName, time.Since(startTime), false)
		return ExecutionResult{Success: false, Error: msg}
	}
	if rt.def.Kind == ToolKindClient {
		return ExecutionResult{Success: false, Error: fmt.Sprintf("tool %s runs on the client", toolName)}
	}

	logger.Debug().Str("tool", toolName).Msg("Executing tool")

	timeoutCtx, cancel := context.WithTimeout(ctx, te.cfg.Timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		v, err := rt.def.Handler(timeoutCtx, params)
		done <- outcome{value: v, err: err}
	}()

	var res ExecutionResult
	select {
	case out := <-done:
		if out.err != nil {
			logger.Error().Str("tool", toolName).Err(out.err).Msg("Tool execution failed")
			res = ExecutionResult{Success: false, Error: out.err.Error()}
			break
		}
		output, truncated := te.truncateOutput(out.value)
		res = ExecutionResult{Success: true, Output: output, Truncated: truncated}

	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			logger.Warn().Str("tool", toolName).Msg("Tool execution cancelled")
			res = ExecutionResult{Success: false, Error: "tool execution cancelled"}
			break
		}
		logger.Error().Str("tool", toolName).Dur("timeout", te.cfg.Timeout).Msg("Tool execution timeout")
		res = ExecutionResult{Success: false, Error: fmt.Sprintf("tool execution timeout after %v", te.cfg.Timeout)}
	}

	duration := time.Since(startTime)
	res.Metadata = map[string]any{"duration": duration.Milliseconds()}
	observability.RecordToolExecution(toolName, duration, res.Success)

	logger.Debug().
		Str("tool", toolName).
		Dur("duration", duration).
		Bool("success", res.Success).
		Bool("truncated", res.Truncated).
		Msg("Tool execution completed")

	return res
}

func validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	switch def.Kind {
	case ToolKindLocal:
		if def.Handler == nil {
			return fmt.Errorf("tool handler cannot be nil")
		}
	case ToolKindClient:
	default:
		return fmt.Errorf("unknown tool kind %q", def.Kind)
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if param.Type == "" {
			return fmt.Errorf("parameter type cannot be empty for %s", param.Name)
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}
	return nil
}

// buildSchemaMap renders the parameters as a JSON schema object. The same map
// is shown to the model and used for validation.
func buildSchemaMap(def ToolDefinition) map[string]any {
	properties := make(map[string]any, len(def.Parameters))
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]any{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema
		if param.Required {
			required = append(required, param.Name)
		}
	}

	schemaMap := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}
	return schemaMap
}

func validateParameters(schema *gojsonschema.Schema, params map[string]any) error {
	if schema == nil {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("validation errors: %v", msgs)
	}
	return nil
}

func (te *ToolExecutor) truncateOutput(output any) (any, bool) {
	if output == nil {
		return nil, false
	}
	str, ok := output.(string)
	if !ok {
		str = fmt.Sprintf("%v", output)
	}
	if len(str) <= te.cfg.MaxOutputChars {
		return output, false
	}

	te.logger.Warn().
		Int("original", len(str)).
		Int("truncated", te.cfg.MaxOutputChars).
		Msg("Output truncated")

	return str[:te.cfg.MaxOutputChars] + "\n... [output truncated]", true
}
