package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// FileEventType represents the type of file system event
type FileEventType string

const (
	FileEventAdd    FileEventType = "add"
	FileEventChange FileEventType = "change"
	FileEventDelete FileEventType = "delete"
)

// FileEventCallback is called once per settled file event.
type FileEventCallback func(path string, kind FileEventType) error

// Watcher monitors a directory tree and reports settled file events.
// Rapid events on one path collapse into a single callback after the
// stability threshold passes without further activity.
type Watcher struct {
	watcher            *fsnotify.Watcher
	root               string
	stabilityThreshold time.Duration
	filter             func(path string) bool
	onEvent            FileEventCallback
	logger             zerolog.Logger

	done           chan struct{}
	debounceTimers map[string]*time.Timer
	debounceMu     sync.Mutex
	stopOnce       sync.Once
}

// WatcherConfig holds configuration for the watcher
type WatcherConfig struct {
	Root               string
	StabilityThreshold time.Duration
	// Filter, when set, limits callbacks to paths it accepts.
	Filter  func(path string) bool
	OnEvent FileEventCallback
	Logger  *zerolog.Logger
}

// NewWatcher creates a new watcher
func NewWatcher(config WatcherConfig) (*Watcher, error) {
	if config.Root == "" {
		return nil, fmt.Errorf("watch root is required")
	}
	if config.OnEvent == nil {
		return nil, fmt.Errorf("event callback is required")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if config.StabilityThreshold == 0 {
		config.StabilityThreshold = 100 * time.Millisecond
	}

	logger := log.With().Str("component", "workspace").Logger()
	if config.Logger != nil {
		logger = *config.Logger
	}

	return &Watcher{
		watcher:            watcher,
		root:               config.Root,
		stabilityThreshold: config.StabilityThreshold,
		filter:             config.Filter,
		onEvent:            config.OnEvent,
		logger:             logger,
		done:               make(chan struct{}),
		debounceTimers:     make(map[string]*time.Timer),
	}, nil
}

// Start starts watching the root directory
func (w *Watcher) Start() error {
	if err := w.addDirectoryRecursive(w.root); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.root, err)
	}

	go w.eventLoop()

	w.logger.Debug().Str("path", w.root).Msg("Watcher started")
	return nil
}

// Stop stops the watcher. Pending debounced events are dropped.
func (w *Watcher) Stop() error {
	var closeErr error
	w.stopOnce.Do(func() {
		close(w.done)

		w.debounceMu.Lock()
		for _, timer := range w.debounceTimers {
			timer.Stop()
		}
		clear(w.debounceTimers)
		w.debounceMu.Unlock()

		if err := w.watcher.Close(); err != nil {
			closeErr = fmt.Errorf("failed to close watcher: %w", err)
		}
		w.logger.Debug().Str("path", w.root).Msg("Watcher stopped")
	})
	return closeErr
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if shouldIgnore(event.Name) {
		return
	}
	w.debounceEvent(event)
}

// debounceEvent restarts the per-path timer; only the last event of a burst
// is processed.
func (w *Watcher) debounceEvent(event fsnotify.Event) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, exists := w.debounceTimers[event.Name]; exists {
		timer.Stop()
	}

	eventCopy := event
	w.debounceTimers[event.Name] = time.AfterFunc(w.stabilityThreshold, func() {
		w.debounceMu.Lock()
		delete(w.debounceTimers, eventCopy.Name)
		w.debounceMu.Unlock()

		select {
		case <-w.done:
			return
		default:
			w.processEvent(eventCopy)
		}
	})
}

func (w *Watcher) processEvent(event fsnotify.Event) {
	var kind FileEventType
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		kind = FileEventAdd
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.addDirectoryRecursive(event.Name)
		}
	case event.Op&fsnotify.Write == fsnotify.Write:
		kind = FileEventChange
	case event.Op&fsnotify.Remove == fsnotify.Remove, event.Op&fsnotify.Rename == fsnotify.Rename:
		// A rename's new name arrives as its own create event.
		kind = FileEventDelete
	default:
		return
	}

	if w.filter != nil && !w.filter(event.Name) {
		return
	}
	if err := w.onEvent(event.Name, kind); err != nil {
		w.logger.Error().
			Err(err).
			Str("path", event.Name).
			Str("event", string(kind)).
			Msg("Error handling file event")
	}
}

func (w *Watcher) addDirectoryRecursive(path string) error {
	return filepath.Walk(path, func(walkPath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if walkPath != path && shouldIgnore(walkPath) {
			return filepath.SkipDir
		}

		if err := w.watcher.Add(walkPath); err != nil {
			w.logger.Warn().
				Err(err).
				Str("path", walkPath).
				Msg("Failed to watch path")
		}
		return nil
	})
}

// shouldIgnore skips dotfiles, editor swap files and VCS or dependency trees.
func shouldIgnore(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return true
	}
	if strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp") || strings.HasSuffix(base, ".tmp") {
		return true
	}

	for _, part := range strings.Split(filepath.Clean(path), string(filepath.Separator)) {
		if part == ".git" || part == "node_modules" {
			return true
		}
	}
	return false
}
