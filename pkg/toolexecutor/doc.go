// Package toolexecutor registers tools and runs them on behalf of the agent loop.
//
// Invariants:
// - Tool names are unique within an executor.
// - Arguments are schema-validated before a tool runs.
// - Every run has a deadline; the executor stops waiting once it passes.
// - A tool that ran reports the outcome of its work as text, even when that
//   work failed. Errors are reserved for runs that could not happen at all.
//
// Usage:
//
//	exec := toolexecutor.New()
//	_ = exec.Register(coretools.NewShellTool())
//	out, err := exec.Execute(ctx, session.ToolCall{ID: "call_1", Name: "shell", Arguments: `{"command":"ls"}`}, &toolexecutor.ToolContext{Workspace: "/tmp"})
package toolexecutor
