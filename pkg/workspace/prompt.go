package workspace

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// maxPromptBytes bounds how much of the prompt file is read.
const maxPromptBytes = 256 * 1024

// PromptFile serves a system prompt backed by a file on disk. Prompt falls
// back to the configured text while the file is missing or empty, and picks
// up edits once Watch is running.
type PromptFile struct {
	path     string
	fallback string
	debounce time.Duration
	logger   zerolog.Logger

	mu       sync.RWMutex
	content  string
	loadedAt time.Time

	watcher *Watcher
	onLoad  func(content string)
}

// PromptOption configures a PromptFile.
type PromptOption func(*PromptFile)

// WithFallback sets the prompt used while the file is missing or empty.
func WithFallback(text string) PromptOption {
	return func(p *PromptFile) {
		p.fallback = text
	}
}

// WithDebounce sets how long edits must settle before a reload.
func WithDebounce(d time.Duration) PromptOption {
	return func(p *PromptFile) {
		p.debounce = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) PromptOption {
	return func(p *PromptFile) {
		p.logger = logger
	}
}

// WithOnLoad registers a callback run after every successful (re)load.
func WithOnLoad(fn func(content string)) PromptOption {
	return func(p *PromptFile) {
		p.onLoad = fn
	}
}

// NewPromptFile creates a prompt file and performs the initial load. A
// missing file is not an error.
func NewPromptFile(path string, opts ...PromptOption) (*PromptFile, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("prompt file path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve prompt path: %w", err)
	}

	p := &PromptFile{
		path:     abs,
		debounce: 200 * time.Millisecond,
		logger:   log.With().Str("component", "workspace").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Path returns the absolute path of the file.
func (p *PromptFile) Path() string {
	return p.path
}

// Prompt returns the current prompt text.
func (p *PromptFile) Prompt() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.content == "" {
		return p.fallback
	}
	return p.content
}

// LoadedAt returns when the file content was last read.
func (p *PromptFile) LoadedAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.loadedAt
}

// Reload reads the file again. A missing file clears the content so the
// fallback applies.
func (p *PromptFile) Reload() error {
	content, err := readPrompt(p.path)
	if err != nil {
		return err
	}

	p.mu.Lock()
	changed := content != p.content
	p.content = content
	p.loadedAt = time.Now()
	p.mu.Unlock()

	if changed {
		p.logger.Info().
			Str("path", p.path).
			Int("bytes", len(content)).
			Msg("System prompt loaded")
	}
	if p.onLoad != nil {
		p.onLoad(content)
	}
	return nil
}

// Watch starts reloading the file whenever it changes. The parent directory
// is watched so editors that replace the file by rename are picked up.
func (p *PromptFile) Watch() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watcher != nil {
		return nil
	}

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create prompt directory: %w", err)
	}

	watcher, err := NewWatcher(WatcherConfig{
		Root:               dir,
		StabilityThreshold: p.debounce,
		Logger:             &p.logger,
		Filter: func(path string) bool {
			return filepath.Clean(path) == p.path
		},
		OnEvent: func(path string, kind FileEventType) error {
			p.logger.Debug().Str("path", path).Str("event", string(kind)).Msg("Prompt file event")
			return p.Reload()
		},
	})
	if err != nil {
		return err
	}
	if err := watcher.Start(); err != nil {
		_ = watcher.Stop()
		return err
	}

	p.watcher = watcher
	return nil
}

// Close stops watching.
func (p *PromptFile) Close() error {
	p.mu.Lock()
	watcher := p.watcher
	p.watcher = nil
	p.mu.Unlock()

	if watcher == nil {
		return nil
	}
	return watcher.Stop()
}

func readPrompt(path string) (string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to open prompt file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxPromptBytes+1))
	if err != nil {
		return "", fmt.Errorf("failed to read prompt file: %w", err)
	}
	if len(data) > maxPromptBytes {
		return "", fmt.Errorf("prompt file %s exceeds %d bytes", path, maxPromptBytes)
	}
	return strings.TrimSpace(string(data)), nil
}
