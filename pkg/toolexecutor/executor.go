package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/harun/lumen/internal/observability"
	"github.com/harun/lumen/internal/tracing"
	"github.com/harun/lumen/pkg/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// DefaultTimeout applies when neither the tool nor the ToolContext sets one.
	DefaultTimeout = 60 * time.Second
	// DefaultMaxOutputBytes caps the text returned to the model.
	DefaultMaxOutputBytes = 10 * 1024

	// abandonGrace is how long past the deadline the executor waits for a
	// tool to report its own timeout before giving up on it.
	abandonGrace = 2 * time.Second

	truncationMarker = "\n... [output truncated]"
	tracerName       = "lumen.tools"
)

// Option configures a ToolExecutor.
type Option func(*ToolExecutor)

// WithDefaultTimeout sets the executor-wide deadline.
func WithDefaultTimeout(d time.Duration) Option {
	return func(te *ToolExecutor) {
		if d > 0 {
			te.defaultTimeout = d
		}
	}
}

// WithMaxOutputBytes caps tool output. Zero or less disables truncation.
func WithMaxOutputBytes(n int) Option {
	return func(te *ToolExecutor) {
		te.maxOutputBytes = n
	}
}

// WithPolicy restricts the offered and runnable tools.
func WithPolicy(p *ToolPolicy) Option {
	return func(te *ToolExecutor) {
		te.policy = p
	}
}

// WithLogger sets the executor logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(te *ToolExecutor) {
		te.logger = logger
	}
}

type registeredTool struct {
	tool      Tool
	validator *gojsonschema.Schema
}

// ToolExecutor is the tool registry. Registration happens at startup;
// lookups and executions are safe for concurrent use.
type ToolExecutor struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool

	defaultTimeout time.Duration
	maxOutputBytes int
	policy         *ToolPolicy
	logger         zerolog.Logger
}

// New creates an empty executor.
func New(opts ...Option) *ToolExecutor {
	observability.EnsureRegistered()

	te := &ToolExecutor{
		tools:          make(map[string]*registeredTool),
		defaultTimeout: DefaultTimeout,
		maxOutputBytes: DefaultMaxOutputBytes,
		logger:         log.With().Str("component", "toolexecutor").Logger(),
	}
	for _, opt := range opts {
		opt(te)
	}
	return te
}

// Register adds a tool. Names must be non-empty and unique, and the
// parameter schema must compile.
func (te *ToolExecutor) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("tool cannot be nil")
	}
	name := tool.Name()
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("tool name cannot be empty")
	}

	params := tool.Parameters()
	if params == nil {
		params = map[string]interface{}{"type": "object"}
	}
	validator, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(params))
	if err != nil {
		return fmt.Errorf("failed to compile schema for tool %s: %w", name, err)
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	if _, exists := te.tools[name]; exists {
		return fmt.Errorf("tool %s is already registered", name)
	}
	te.tools[name] = &registeredTool{tool: tool, validator: validator}

	te.logger.Info().Str("tool", name).Msg("Tool registered")
	return nil
}

// RegisterDefinition registers a handler-backed tool.
func (te *ToolExecutor) RegisterDefinition(def ToolDefinition) error {
	tool, err := def.Tool()
	if err != nil {
		return err
	}
	return te.Register(tool)
}

// Get returns the tool registered under name.
func (te *ToolExecutor) Get(name string) (Tool, bool) {
	te.mu.RLock()
	defer te.mu.RUnlock()

	rt, ok := te.tools[name]
	if !ok {
		return nil, false
	}
	return rt.tool, true
}

// List returns the registered tool names, sorted.
func (te *ToolExecutor) List() []string {
	te.mu.RLock()
	defer te.mu.RUnlock()

	names := make([]string, 0, len(te.tools))
	for name := range te.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (te *ToolExecutor) Count() int {
	te.mu.RLock()
	defer te.mu.RUnlock()
	return len(te.tools)
}

// Schemas describes every tool the policy allows, sorted by name.
func (te *ToolExecutor) Schemas() []ToolSchema {
	te.mu.RLock()
	defer te.mu.RUnlock()

	schemas := make([]ToolSchema, 0, len(te.tools))
	for name, rt := range te.tools {
		if !te.policy.IsToolAllowed(name) {
			continue
		}
		schemas = append(schemas, ToolSchema{
			Name:        name,
			Description: rt.tool.Description(),
			Parameters:  rt.tool.Parameters(),
		})
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	return schemas
}

// Execute runs the tool named by call. The returned error, when non-nil,
// is always a *ToolError.
func (te *ToolExecutor) Execute(ctx context.Context, call session.ToolCall, tc *ToolContext) (string, error) {
	args, err := ParseArguments(call.Arguments)
	if err != nil {
		return "", &ToolError{Kind: KindInvalidArguments, Tool: call.Name, Message: err.Error(), Err: err}
	}
	return te.Run(ctx, call.Name, args, tc)
}

// ParseArguments decodes raw tool-call arguments. Empty input and JSON null
// decode to an empty object.
func ParseArguments(raw string) (map[string]interface{}, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return map[string]interface{}{}, nil
	}

	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %v", err)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return args, nil
}

// Run executes a tool with already-decoded arguments.
func (te *ToolExecutor) Run(ctx context.Context, name string, args map[string]interface{}, tc *ToolContext) (output string, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	sessionKey := ""
	if tc != nil {
		sessionKey = tc.SessionKey
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "tool.execute",
		attribute.String("tool", name),
		attribute.String("session_key", sessionKey),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, te.logger).With().Str("tool", name).Logger()

	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = string(KindOf(err))
			tracing.FailSpan(span, err)
		}
		duration := time.Since(start)
		observability.RecordToolExecution(name, duration, outcome)
		observability.RecordToolAudit(ctx, sessionKey, name, outcome, map[string]interface{}{
			"duration_ms": duration.Milliseconds(),
		})
	}()

	te.mu.RLock()
	rt, ok := te.tools[name]
	te.mu.RUnlock()
	if !ok {
		logger.Warn().Msg("Tool not found")
		return "", &ToolError{Kind: KindNotFound, Tool: name, Message: fmt.Sprintf("tool %q not found", name)}
	}
	if !te.policy.IsToolAllowed(name) {
		logger.Warn().Msg("Tool blocked by policy")
		return "", &ToolError{Kind: KindDenied, Tool: name, Message: fmt.Sprintf("tool %q is not allowed", name)}
	}

	if args == nil {
		args = map[string]interface{}{}
	}
	if err := validateArguments(rt.validator, args); err != nil {
		logger.Debug().Err(err).Msg("Argument validation failed")
		return "", &ToolError{Kind: KindInvalidArguments, Tool: name, Message: err.Error(), Err: err}
	}

	timeout := te.resolveTimeout(rt.tool, args, tc)
	runTC := &ToolContext{Timeout: timeout}
	if tc != nil {
		c := *tc
		c.Timeout = timeout
		runTC = &c
	}

	output, err = te.invoke(ctx, rt.tool, args, runTC, timeout)
	if err != nil {
		logger.Debug().Err(err).Dur("duration", time.Since(start)).Msg("Tool execution failed")
		return "", err
	}

	output, truncated := truncateOutput(output, te.maxOutputBytes)
	if truncated {
		logger.Warn().Int("limit", te.maxOutputBytes).Msg("Tool output truncated")
	}
	logger.Debug().Dur("duration", time.Since(start)).Msg("Tool execution completed")
	return output, nil
}

func (te *ToolExecutor) resolveTimeout(tool Tool, args map[string]interface{}, tc *ToolContext) time.Duration {
	if hinter, ok := tool.(TimeoutHinter); ok {
		if d := hinter.TimeoutFor(args); d > 0 {
			return d
		}
	}
	if tc != nil && tc.Timeout > 0 {
		return tc.Timeout
	}
	return te.defaultTimeout
}

type toolOutcome struct {
	output string
	err    error
}

// invoke runs the tool under a deadline. The tool is expected to honour
// ctx; if it does not return within abandonGrace of the deadline the
// executor reports a timeout and stops waiting.
func (te *ToolExecutor) invoke(ctx context.Context, tool Tool, args map[string]interface{}, tc *ToolContext, timeout time.Duration) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	runCtx = ContextWithToolContext(runCtx, tc)

	done := make(chan toolOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- toolOutcome{err: &ToolError{
					Kind:    KindExecution,
					Message: fmt.Sprintf("tool panicked: %v", r),
				}}
			}
		}()
		output, err := tool.Execute(runCtx, args, tc)
		done <- toolOutcome{output: output, err: err}
	}()

	abandon := time.NewTimer(timeout + abandonGrace)
	defer abandon.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			return "", classify(tool.Name(), res.err, runCtx, timeout)
		}
		return res.output, nil
	case <-abandon.C:
		te.logger.Warn().Str("tool", tool.Name()).Dur("timeout", timeout).Msg("Tool ignored its deadline, abandoning")
		return "", &ToolError{
			Kind:    KindTimeout,
			Tool:    tool.Name(),
			Message: fmt.Sprintf("tool execution timed out after %v", timeout),
			Err:     context.DeadlineExceeded,
		}
	}
}

// classify converts a tool's error into a ToolError. Errors the tool already
// classified keep their kind and message.
func classify(name string, err error, runCtx context.Context, timeout time.Duration) *ToolError {
	var te *ToolError
	if errors.As(err, &te) {
		c := *te
		if c.Tool == "" {
			c.Tool = name
		}
		return &c
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return &ToolError{Kind: KindTimeout, Tool: name, Message: fmt.Sprintf("tool execution timed out after %v", timeout), Err: err}
	case errors.Is(runCtx.Err(), context.Canceled):
		return &ToolError{Kind: KindCancelled, Tool: name, Message: "tool execution cancelled", Err: err}
	default:
		return &ToolError{Kind: KindExecution, Tool: name, Message: err.Error(), Err: err}
	}
}

func validateArguments(schema *gojsonschema.Schema, args map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("failed to validate arguments: %w", err)
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	return fmt.Errorf("%w: %s", ErrInvalidArguments, strings.Join(problems, "; "))
}

// truncateOutput cuts output to at most limit bytes on a rune boundary.
func truncateOutput(output string, limit int) (string, bool) {
	if limit <= 0 || len(output) <= limit {
		return output, false
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(output[cut]) {
		cut--
	}
	return output[:cut] + truncationMarker, true
}
