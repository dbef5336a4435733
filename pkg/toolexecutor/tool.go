package toolexecutor

import (
	"context"
	"time"
)

// Tool is a named capability the model can invoke.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns a JSON schema object describing the arguments.
	Parameters() map[string]interface{}
	// Execute runs the tool. Failure of the invoked work belongs in the
	// returned text; the error is for runs that could not happen.
	Execute(ctx context.Context, args map[string]interface{}, tc *ToolContext) (string, error)
}

// TimeoutHinter is implemented by tools whose deadline depends on their
// arguments. A non-positive result falls back to the executor defaults.
type TimeoutHinter interface {
	TimeoutFor(args map[string]interface{}) time.Duration
}

// ToolContext is per-invocation configuration visible to a tool.
type ToolContext struct {
	Workspace  string
	SessionKey string
	Timeout    time.Duration
}

// WithWorkspace returns a copy of tc scoped to dir.
func (tc *ToolContext) WithWorkspace(dir string) *ToolContext {
	c := ToolContext{}
	if tc != nil {
		c = *tc
	}
	c.Workspace = dir
	return &c
}

// ToolSchema is the provider-facing description of a tool.
type ToolSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type toolContextKey struct{}

// ContextWithToolContext attaches tc to ctx for helpers deep inside a tool.
func ContextWithToolContext(ctx context.Context, tc *ToolContext) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if tc == nil {
		return ctx
	}
	return context.WithValue(ctx, toolContextKey{}, tc)
}

// ToolContextFromContext extracts the tool context from ctx.
func ToolContextFromContext(ctx context.Context) *ToolContext {
	if ctx == nil {
		return nil
	}
	if tc, ok := ctx.Value(toolContextKey{}).(*ToolContext); ok {
		return tc
	}
	return nil
}
