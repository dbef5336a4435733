package hooks

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, hooks ...Hook) *Manager {
	t.Helper()
	manager, err := NewManager(Config{Enabled: true, Logger: zerolog.Nop(), Hooks: hooks})
	require.NoError(t, err)
	return manager
}

func TestNewManager(t *testing.T) {
	t.Run("should reject an unknown event", func(t *testing.T) {
		_, err := NewManager(Config{
			Enabled: true,
			Hooks:   []Hook{{ID: "x", Event: "daemon:startup", Script: "true", Enabled: true}},
		})
		assert.ErrorContains(t, err, "unknown event")
	})

	t.Run("should reject an empty script", func(t *testing.T) {
		_, err := NewManager(Config{
			Enabled: true,
			Hooks:   []Hook{{ID: "x", Event: EventDaemonStart, Enabled: true}},
		})
		assert.ErrorContains(t, err, "script is required")
	})

	t.Run("should skip disabled hooks", func(t *testing.T) {
		manager := newTestManager(t, Hook{ID: "off", Event: "bogus", Script: "true"})
		assert.Equal(t, 0, manager.Count("bogus"))
	})

	t.Run("should ignore hooks when the manager is disabled", func(t *testing.T) {
		manager, err := NewManager(Config{
			Hooks: []Hook{{ID: "x", Event: EventDaemonStart, Script: "exit 1", Enabled: true}},
		})
		require.NoError(t, err)
		assert.NoError(t, manager.Trigger(context.Background(), EventDaemonStart, nil))
	})
}

func TestManagerTriggerExecutesHookScript(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), "startup.txt")
	manager := newTestManager(t, Hook{
		ID:      "startup",
		Event:   EventDaemonStart,
		Script:  "echo startup > " + outputPath,
		Enabled: true,
	})

	require.NoError(t, manager.Trigger(context.Background(), EventDaemonStart, nil))

	content, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	assert.Equal(t, "startup\n", string(content))
}

func TestManagerTriggerInjectsEventDataIntoEnvironment(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), "env.txt")
	manager := newTestManager(t, Hook{
		ID:      "round",
		Event:   EventRoundFinished,
		Script:  "echo \"$LUMEN_HOOK_EVENT:$LUMEN_HOOK_DATA_SESSION_KEY:$LUMEN_HOOK_DATA_OUTCOME\" > " + outputPath,
		Enabled: true,
	})

	require.NoError(t, manager.Trigger(context.Background(), EventRoundFinished, map[string]interface{}{
		"session_key": "cli:42",
		"outcome":     "answered",
	}))

	content, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	assert.Equal(t, "round.finished:cli:42:answered\n", string(content))
}

func TestManagerTriggerReturnsJoinedErrors(t *testing.T) {
	manager := newTestManager(t,
		Hook{ID: "fail-1", Event: EventDaemonStop, Script: "exit 2", Enabled: true},
		Hook{ID: "fail-2", Event: EventDaemonStop, Script: "exit 3", Enabled: true},
	)

	err := manager.Trigger(context.Background(), EventDaemonStop, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hook fail-1 failed")
	assert.Contains(t, err.Error(), "hook fail-2 failed")
}

func TestManagerTriggerRespectsTimeout(t *testing.T) {
	manager := newTestManager(t, Hook{
		ID:      "timeout",
		Event:   EventCronFinished,
		Script:  "sleep 1",
		Enabled: true,
		Timeout: 30 * time.Millisecond,
	})

	err := manager.Trigger(context.Background(), EventCronFinished, nil)
	require.Error(t, err)
	assert.True(t,
		strings.Contains(err.Error(), "deadline exceeded") || strings.Contains(err.Error(), "signal: killed"),
		"expected timeout-related error, got: %v",
		err,
	)
}

func TestManagerFire(t *testing.T) {
	t.Run("should run hooks in the background", func(t *testing.T) {
		outputPath := filepath.Join(t.TempDir(), "fired.txt")
		manager := newTestManager(t, Hook{
			ID:      "fired",
			Event:   EventRoundFinished,
			Script:  "echo $LUMEN_HOOK_DATA_TOOL_ROUNDS > " + outputPath,
			Enabled: true,
		})

		manager.Fire(EventRoundFinished, map[string]interface{}{"tool_rounds": 3})
		manager.Wait()

		content, err := os.ReadFile(outputPath)
		require.NoError(t, err)
		assert.Equal(t, "3\n", string(content))
	})

	t.Run("should be safe on a nil manager", func(t *testing.T) {
		var manager *Manager
		manager.Fire(EventDaemonStart, nil)
		manager.Wait()
		assert.Equal(t, 0, manager.Count(EventDaemonStart))
	})
}

func TestNormalizeEnvKey(t *testing.T) {
	assert.Equal(t, "SESSION_KEY", normalizeEnvKey("session-key"))
	assert.Equal(t, "JOB_ID2", normalizeEnvKey(" job.id2 "))
	assert.Equal(t, "UNKNOWN", normalizeEnvKey(""))
}
