package coretools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/harun/lumen/pkg/session"
	"github.com/harun/lumen/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupExecutor(t *testing.T) (*toolexecutor.ToolExecutor, string) {
	t.Helper()
	root := t.TempDir()
	te := toolexecutor.New(toolexecutor.WithLogger(zerolog.Nop()))
	require.NoError(t, RegisterCoreTools(te, Options{WorkspaceRoot: root}))
	return te, root
}

func call(name, args string) session.ToolCall {
	return session.ToolCall{ID: "call_1", Name: name, Arguments: args}
}

func TestRegisterCoreTools(t *testing.T) {
	te, _ := setupExecutor(t)
	assert.Equal(t, []string{"edit_file", "list_dir", "read_file", "shell", "write_file"}, te.List())

	assert.Error(t, RegisterCoreTools(nil, Options{}))
}

func TestFileTools(t *testing.T) {
	ctx := context.Background()
	te, root := setupExecutor(t)

	t.Run("should write then read a file", func(t *testing.T) {
		out, err := te.Execute(ctx, call("write_file", `{"path":"notes/a.txt","content":"hello"}`), nil)
		require.NoError(t, err)
		assert.Equal(t, "Wrote 5 bytes to notes/a.txt", out)

		out, err = te.Execute(ctx, call("write_file", `{"path":"notes/a.txt","content":" world","append":true}`), nil)
		require.NoError(t, err)
		assert.Contains(t, out, "Appended")

		out, err = te.Execute(ctx, call("read_file", `{"path":"notes/a.txt"}`), nil)
		require.NoError(t, err)
		assert.Equal(t, "hello world", out)
	})

	t.Run("should truncate large reads", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(root, "big.txt"), []byte("0123456789"), 0644))

		out, err := te.Execute(ctx, call("read_file", `{"path":"big.txt","max_bytes":4}`), nil)
		require.NoError(t, err)
		assert.Contains(t, out, "0123")
		assert.Contains(t, out, "[truncated")
	})

	t.Run("should edit in place", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(root, "e.txt"), []byte("a-a-a"), 0644))

		out, err := te.Execute(ctx, call("edit_file", `{"path":"e.txt","search":"a","replace":"b"}`), nil)
		require.NoError(t, err)
		assert.Equal(t, "Replaced 1 occurrence(s) in e.txt", out)

		out, err = te.Execute(ctx, call("edit_file", `{"path":"e.txt","search":"a","replace":"c","replace_all":true}`), nil)
		require.NoError(t, err)
		assert.Equal(t, "Replaced 2 occurrence(s) in e.txt", out)

		data, err := os.ReadFile(filepath.Join(root, "e.txt"))
		require.NoError(t, err)
		assert.Equal(t, "b-c-c", string(data))
	})

	t.Run("should list directories", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), nil, 0644))

		out, err := te.Execute(ctx, call("list_dir", `{}`), &toolexecutor.ToolContext{Workspace: dir})
		require.NoError(t, err)
		assert.Equal(t, "f.txt\nsub/", out)
	})

	t.Run("should refuse paths outside the workspace", func(t *testing.T) {
		_, err := te.Execute(ctx, call("read_file", `{"path":"../../etc/passwd"}`), nil)
		assert.ErrorIs(t, err, toolexecutor.ErrInvalidArguments)

		_, err = te.Execute(ctx, call("write_file", `{"path":"/etc/lumen-test","content":"x"}`), nil)
		assert.ErrorIs(t, err, toolexecutor.ErrInvalidArguments)
	})

	t.Run("should report missing files as execution errors", func(t *testing.T) {
		_, err := te.Execute(ctx, call("read_file", `{"path":"missing.txt"}`), nil)
		assert.ErrorIs(t, err, toolexecutor.ErrToolExecution)
	})
}

func TestResolvePathInWorkspace(t *testing.T) {
	root := "/work"
	tests := []struct {
		path    string
		want    string
		wantErr bool
	}{
		{"a.txt", "/work/a.txt", false},
		{"./dir/../b.txt", "/work/b.txt", false},
		{"/work/c.txt", "/work/c.txt", false},
		{".", "/work", false},
		{"..", "", true},
		{"../x", "", true},
		{"/etc/passwd", "", true},
		{"file://x", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := resolvePathInWorkspace(root, tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
