package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("should build a console logger", func(t *testing.T) {
		logger, err := New(Config{Level: "info", Console: true})
		require.NoError(t, err)
		defer logger.Close()

		assert.Equal(t, zerolog.InfoLevel, logger.GetZerolog().GetLevel())
	})

	t.Run("should write to a plain file", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "lumen.log")

		logger, err := New(Config{Level: "debug", File: logFile})
		require.NoError(t, err)
		logger.Debug().Msg("debug line")
		require.NoError(t, logger.Close())

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), "debug line")
	})

	t.Run("should use the rotating writer when a size limit is set", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "lumen.log")

		logger, err := New(Config{Level: "info", File: logFile, MaxSize: 1})
		require.NoError(t, err)
		defer logger.Close()

		_, ok := logger.closer.(*RotatingWriter)
		assert.True(t, ok)
	})

	t.Run("should redact secrets before they reach the file", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "lumen.log")

		logger, err := New(Config{Level: "info", File: logFile, Redaction: true})
		require.NoError(t, err)
		require.NotNil(t, logger.redactor)

		logger.Info().Str("api_key", "sk-ant-REDACTED").Msg("provider configured")
		require.NoError(t, logger.Close())

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), "provider configured")
		assert.NotContains(t, string(content), "abcdefghijklmnop")
	})

	t.Run("should default unknown levels to info", func(t *testing.T) {
		logger, err := New(Config{Level: "loud"})
		require.NoError(t, err)
		defer logger.Close()
		assert.Equal(t, zerolog.InfoLevel, logger.GetZerolog().GetLevel())
	})

	t.Run("should filter below the configured level", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "lumen.log")

		logger, err := New(Config{Level: "warn", File: logFile})
		require.NoError(t, err)
		logger.Info().Msg("hidden")
		logger.Warn().Msg("shown")
		logger.Error().Msg("also shown")
		require.NoError(t, logger.Close())

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.NotContains(t, string(content), "hidden")
		assert.Equal(t, 2, strings.Count(string(content), "\n"))
	})
}

func TestLogger_Component(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "lumen.log")
	logger, err := New(Config{Level: "info", File: logFile})
	require.NoError(t, err)

	child := logger.Component("gateway")
	child.Info().Msg("listening")
	require.NoError(t, logger.Close())

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(content), `"component":"gateway"`)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Pretty)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, 100, cfg.MaxSize)
	assert.Equal(t, 7, cfg.MaxAge)
	assert.True(t, cfg.Compress)
}
