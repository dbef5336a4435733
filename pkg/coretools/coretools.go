package coretools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/harun/lumen/pkg/toolexecutor"
)

const defaultReadLimit = 200000

// Options configures core tool registration.
type Options struct {
	// WorkspaceRoot is used when a call carries no workspace of its own.
	WorkspaceRoot string
}

// RegisterCoreTools registers the shell tool and the workspace file tools.
func RegisterCoreTools(executor *toolexecutor.ToolExecutor, opts Options) error {
	if executor == nil {
		return errors.New("tool executor is required")
	}

	if err := executor.Register(NewShellTool()); err != nil {
		return fmt.Errorf("failed to register tool shell: %w", err)
	}

	defs := []toolexecutor.ToolDefinition{
		readFileTool(opts),
		writeFileTool(opts),
		editFileTool(opts),
		listDirTool(opts),
	}
	for _, def := range defs {
		if err := executor.RegisterDefinition(def); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", def.Name, err)
		}
	}
	return nil
}

func readFileTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "read_file",
		Description: "Read a file from the workspace.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "max_bytes", Type: "integer", Description: "Maximum bytes to read (default 200000)", Default: defaultReadLimit},
		},
		Handler: func(ctx context.Context, params map[string]interface{}, tc *toolexecutor.ToolContext) (string, error) {
			target, pathValue, err := resolveTarget(tc, opts, params["path"])
			if err != nil {
				return "", err
			}

			maxBytes := int64(defaultReadLimit)
			if raw, ok := params["max_bytes"].(float64); ok && raw > 0 {
				maxBytes = int64(raw)
			}

			data, truncated, err := readFileWithLimit(target, maxBytes)
			if err != nil {
				return "", execError(err)
			}
			if truncated {
				return fmt.Sprintf("%s\n[truncated: %s exceeds %d bytes]", data, pathValue, maxBytes), nil
			}
			return string(data), nil
		},
	}
}

func writeFileTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "write_file",
		Description: "Write content to a file in the workspace.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "content", Type: "string", Description: "File content", Required: true},
			{Name: "append", Type: "boolean", Description: "Append to file (default false)"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}, tc *toolexecutor.ToolContext) (string, error) {
			target, pathValue, err := resolveTarget(tc, opts, params["path"])
			if err != nil {
				return "", err
			}
			content, _ := params["content"].(string)
			appendMode, _ := params["append"].(bool)

			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return "", execError(err)
			}

			flag := os.O_CREATE | os.O_WRONLY
			if appendMode {
				flag |= os.O_APPEND
			} else {
				flag |= os.O_TRUNC
			}
			f, err := os.OpenFile(target, flag, 0644)
			if err != nil {
				return "", execError(err)
			}
			if _, err := f.WriteString(content); err != nil {
				f.Close()
				return "", execError(err)
			}
			if err := f.Close(); err != nil {
				return "", execError(err)
			}

			verb := "Wrote"
			if appendMode {
				verb = "Appended"
			}
			return fmt.Sprintf("%s %d bytes to %s", verb, len(content), pathValue), nil
		},
	}
}

func editFileTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "edit_file",
		Description: "Replace text in a workspace file.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "search", Type: "string", Description: "Text to search for", Required: true},
			{Name: "replace", Type: "string", Description: "Replacement text", Required: true},
			{Name: "replace_all", Type: "boolean", Description: "Replace all occurrences (default false)"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}, tc *toolexecutor.ToolContext) (string, error) {
			target, pathValue, err := resolveTarget(tc, opts, params["path"])
			if err != nil {
				return "", err
			}
			search, _ := params["search"].(string)
			replace, _ := params["replace"].(string)
			replaceAll, _ := params["replace_all"].(bool)
			if search == "" {
				return "", toolexecutor.NewToolError(toolexecutor.KindInvalidArguments, "search cannot be empty")
			}

			data, err := os.ReadFile(target)
			if err != nil {
				return "", execError(err)
			}
			content := string(data)

			occurrences := strings.Count(content, search)
			if occurrences == 0 {
				return fmt.Sprintf("No occurrences of the search text in %s; file unchanged.", pathValue), nil
			}
			updated := strings.Replace(content, search, replace, 1)
			if replaceAll {
				updated = strings.ReplaceAll(content, search, replace)
			} else {
				occurrences = 1
			}

			if err := os.WriteFile(target, []byte(updated), 0644); err != nil {
				return "", execError(err)
			}
			return fmt.Sprintf("Replaced %d occurrence(s) in %s", occurrences, pathValue), nil
		},
	}
}

func listDirTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "list_dir",
		Description: "List the entries of a workspace directory.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Relative directory path (default: workspace root)"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}, tc *toolexecutor.ToolContext) (string, error) {
			pathArg := params["path"]
			if s, _ := pathArg.(string); strings.TrimSpace(s) == "" {
				pathArg = "."
			}
			target, _, err := resolveTarget(tc, opts, pathArg)
			if err != nil {
				return "", err
			}

			entries, err := os.ReadDir(target)
			if err != nil {
				return "", execError(err)
			}
			names := make([]string, 0, len(entries))
			for _, entry := range entries {
				name := entry.Name()
				if entry.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			sort.Strings(names)
			if len(names) == 0 {
				return "(empty directory)", nil
			}
			return strings.Join(names, "\n"), nil
		},
	}
}

// resolveTarget maps a path argument to an absolute path inside the workspace.
func resolveTarget(tc *toolexecutor.ToolContext, opts Options, value interface{}) (string, string, error) {
	root, err := resolveWorkspaceRoot(tc, opts)
	if err != nil {
		return "", "", err
	}
	pathValue, _ := value.(string)
	target, err := resolvePathInWorkspace(root, pathValue)
	if err != nil {
		return "", "", &toolexecutor.ToolError{Kind: toolexecutor.KindInvalidArguments, Message: err.Error(), Err: err}
	}
	return target, pathValue, nil
}

func resolveWorkspaceRoot(tc *toolexecutor.ToolContext, opts Options) (string, error) {
	if tc != nil && strings.TrimSpace(tc.Workspace) != "" {
		return filepath.Clean(tc.Workspace), nil
	}
	if strings.TrimSpace(opts.WorkspaceRoot) != "" {
		return filepath.Clean(opts.WorkspaceRoot), nil
	}
	return "", toolexecutor.NewToolError(toolexecutor.KindExecution, "workspace root is not configured")
}

func resolvePathInWorkspace(workspaceRoot string, pathValue string) (string, error) {
	pathValue = strings.TrimSpace(pathValue)
	if pathValue == "" {
		return "", fmt.Errorf("path is required")
	}
	if strings.Contains(pathValue, "://") {
		return "", fmt.Errorf("path must be a local file")
	}
	candidate := pathValue
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(workspaceRoot, candidate)
	}
	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(workspaceRoot, candidate)
	if err != nil {
		return "", err
	}
	if rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..") {
		return candidate, nil
	}
	return "", fmt.Errorf("path %q is outside workspace root", pathValue)
}

func readFileWithLimit(path string, limit int64) ([]byte, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer file.Close()

	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, file, limit); err != nil && !errors.Is(err, io.EOF) {
		return nil, false, err
	}
	extra := make([]byte, 1)
	n, _ := file.Read(extra)
	return buf.Bytes(), n > 0, nil
}

func execError(err error) error {
	return &toolexecutor.ToolError{Kind: toolexecutor.KindExecution, Message: err.Error(), Err: err}
}

func parseDurationSeconds(value interface{}, fallback time.Duration) time.Duration {
	switch v := value.(type) {
	case float64:
		if v > 0 {
			return time.Duration(v * float64(time.Second))
		}
	case int:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	case int64:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	}
	return fallback
}
