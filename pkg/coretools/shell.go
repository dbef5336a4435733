package coretools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/harun/lumen/pkg/toolexecutor"
)

const (
	// DefaultShellTimeout applies when neither the call nor the context sets one.
	DefaultShellTimeout = 60 * time.Second

	stderrSeparator = "\n--- stderr ---\n"
	// shellWaitDelay bounds how long output pipes stay open after the shell
	// exits or is killed, so orphaned children cannot hold the call hostage.
	shellWaitDelay = 500 * time.Millisecond
)

// ShellTool runs a command through sh -c.
type ShellTool struct{}

// NewShellTool returns the shell tool.
func NewShellTool() *ShellTool {
	return &ShellTool{}
}

func (t *ShellTool) Name() string {
	return "shell"
}

func (t *ShellTool) Description() string {
	return "Execute a shell command and return the output"
}

func (t *ShellTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"timeout": map[string]interface{}{
				"type":        "integer",
				"description": "Timeout in seconds (default: 60)",
			},
		},
		"required": []string{"command"},
	}
}

// TimeoutFor returns the explicit timeout argument, or zero when absent.
func (t *ShellTool) TimeoutFor(args map[string]interface{}) time.Duration {
	return parseDurationSeconds(args["timeout"], 0)
}

// Execute runs the command. A non-zero exit status is reported in the
// returned text; only bad arguments, spawn failures, timeouts and
// cancellation are errors.
func (t *ShellTool) Execute(ctx context.Context, args map[string]interface{}, tc *toolexecutor.ToolContext) (string, error) {
	command, ok := args["command"].(string)
	if !ok {
		return "", toolexecutor.NewToolError(toolexecutor.KindInvalidArguments, "Missing 'command' argument")
	}

	timeout := t.TimeoutFor(args)
	if timeout <= 0 && tc != nil && tc.Timeout > 0 {
		timeout = tc.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultShellTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	if tc != nil && tc.Workspace != "" {
		cmd.Dir = tc.Workspace
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = shellWaitDelay
	configureProcessGroup(cmd)

	err := cmd.Run()

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return "", &toolexecutor.ToolError{
			Kind:    toolexecutor.KindTimeout,
			Message: fmt.Sprintf("Command timed out after %gs", timeout.Seconds()),
			Err:     runCtx.Err(),
		}
	case errors.Is(ctx.Err(), context.Canceled):
		return "", &toolexecutor.ToolError{
			Kind:    toolexecutor.KindCancelled,
			Message: "Command cancelled",
			Err:     ctx.Err(),
		}
	}

	exitCode := 0
	var exitErr *exec.ExitError
	switch {
	case err == nil, errors.Is(err, exec.ErrWaitDelay):
		// A background child kept the pipes open after the shell exited.
	case errors.As(err, &exitErr):
		exitCode = exitErr.ExitCode()
	default:
		return "", &toolexecutor.ToolError{
			Kind:    toolexecutor.KindExecution,
			Message: fmt.Sprintf("Failed to execute command: %v", err),
			Err:     err,
		}
	}

	return formatShellOutput(stdout.String(), stderr.String(), exitCode), nil
}

func formatShellOutput(stdout, stderr string, exitCode int) string {
	var b strings.Builder
	b.WriteString(strings.ToValidUTF8(stdout, "\uFFFD"))

	if stderr != "" {
		if b.Len() > 0 {
			b.WriteString(stderrSeparator)
		}
		b.WriteString(strings.ToValidUTF8(stderr, "\uFFFD"))
	}

	if exitCode != 0 {
		fmt.Fprintf(&b, "\n[Exit code: %d]", exitCode)
	}
	return b.String()
}
