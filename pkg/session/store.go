package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/lumen/internal/observability"
	"github.com/harun/lumen/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	fileExt    = ".json"
	tracerName = "lumen.session"
)

var (
	// ErrInvalidKey is returned for keys that cannot name a session.
	ErrInvalidKey = errors.New("invalid session key")
	// ErrCorruptSession is returned when a persisted record cannot be decoded.
	ErrCorruptSession = errors.New("corrupt session record")
	// ErrKeyCollision is returned when a record on disk belongs to a different
	// key that sanitizes to the same file name.
	ErrKeyCollision = errors.New("session key collision")
	// ErrPersistence is returned when a session could not be written to disk.
	ErrPersistence = errors.New("session persistence failed")
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Store caches sessions in memory over optional JSON files, one per key.
type Store struct {
	dir    string
	logger zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	keyLocks sync.Map // key -> *sync.Mutex
}

// DefaultDir returns the default storage root, ~/.lumen/sessions.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".lumen", "sessions"), nil
}

// NewStore creates a store persisted under dir. An empty dir selects DefaultDir.
func NewStore(dir string, opts ...Option) (*Store, error) {
	observability.EnsureRegistered()

	if dir == "" {
		d, err := DefaultDir()
		if err != nil {
			return nil, err
		}
		dir = d
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	s := newStore(dir, opts...)
	s.logger.Info().Str("dir", dir).Msg("Session store initialized")
	return s, nil
}

// NewMemoryStore creates a store without persistence.
func NewMemoryStore(opts ...Option) *Store {
	observability.EnsureRegistered()
	return newStore("", opts...)
}

func newStore(dir string, opts ...Option) *Store {
	s := &Store{
		dir:      dir,
		logger:   log.With().Str("component", "session").Logger(),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the storage root, or "" for a memory store.
func (s *Store) Dir() string {
	return s.dir
}

// Persistent reports whether the store writes to disk.
func (s *Store) Persistent() bool {
	return s.dir != ""
}

// SanitizeKey maps a session key to a file-name-safe form. Each of
// / \ : * ? " < > | and every control character becomes '_'. Distinct keys
// can collapse to the same name; loads detect that via ErrKeyCollision.
func SanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		if r < 0x20 || r == 0x7f {
			return '_'
		}
		return r
	}, key)
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: key cannot be empty", ErrInvalidKey)
	}
	return nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, SanitizeKey(key)+fileExt)
}

func (s *Store) keyLock(key string) *sync.Mutex {
	l, _ := s.keyLocks.LoadOrStore(key, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func (s *Store) cached(key string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key]
	return sess, ok
}

// GetOrCreate returns the session for key, loading it from disk or creating
// an empty one as needed. The result is a clone.
func (s *Store) GetOrCreate(ctx context.Context, key string) (*Session, error) {
	sess, found, err := s.lookup(ctx, key, true)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return sess, nil
}

// Get returns the session for key without creating it.
func (s *Store) Get(ctx context.Context, key string) (*Session, bool, error) {
	return s.lookup(ctx, key, false)
}

func (s *Store) lookup(ctx context.Context, key string, create bool) (*Session, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	if sess, ok := s.cached(key); ok {
		return sess.Clone(), true, nil
	}

	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	// Another caller may have populated the cache while we waited.
	if sess, ok := s.cached(key); ok {
		return sess.Clone(), true, nil
	}

	sess, err := s.load(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if sess == nil {
		if !create {
			return nil, false, nil
		}
		sess = New(key)
		s.logger.Debug().Str("session_key", key).Msg("Session created")
	}

	s.mu.Lock()
	s.sessions[key] = sess
	size := len(s.sessions)
	s.mu.Unlock()
	observability.SetCachedSessions(size)

	return sess.Clone(), true, nil
}

// load reads the record for key. A missing record yields (nil, nil).
func (s *Store) load(ctx context.Context, key string) (*Session, error) {
	if !s.Persistent() {
		return nil, nil
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "session.load", attribute.String("session_key", key))
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordSessionLoad(time.Since(start))
	}()

	path := s.path(key)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, tracing.FailSpan(span, fmt.Errorf("failed to read session file: %w", err))
	}

	sess, err := decodeRecord(data)
	if err != nil {
		return nil, tracing.FailSpan(span, fmt.Errorf("%w: %s: %v", ErrCorruptSession, path, err))
	}
	if sess.Key == "" {
		sess.Key = key
	}
	if sess.Key != key {
		return nil, tracing.FailSpan(span, fmt.Errorf("%w: %s holds %q, not %q", ErrKeyCollision, path, sess.Key, key))
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().
		Int("messages", len(sess.Messages)).
		Msg("Session loaded from disk")
	return sess, nil
}

func decodeRecord(data []byte) (*Session, error) {
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, err
	}
	for i, m := range sess.Messages {
		if !m.Role.Valid() {
			return nil, fmt.Errorf("message %d has unknown role %q", i, m.Role)
		}
	}
	if sess.Messages == nil {
		sess.Messages = []Message{}
	}
	return &sess, nil
}

// Save writes sess to disk, then makes it the cached version. If the write
// fails the cache keeps the last successfully saved state.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	if sess == nil {
		return fmt.Errorf("%w: nil session", ErrInvalidKey)
	}
	if err := validateKey(sess.Key); err != nil {
		return err
	}

	snapshot := sess.Clone()
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now()
	}
	if snapshot.UpdatedAt.IsZero() {
		snapshot.UpdatedAt = snapshot.CreatedAt
	}

	lock := s.keyLock(snapshot.Key)
	lock.Lock()
	defer lock.Unlock()

	if s.Persistent() {
		if err := s.write(ctx, snapshot); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.sessions[snapshot.Key] = snapshot
	size := len(s.sessions)
	s.mu.Unlock()
	observability.SetCachedSessions(size)

	return nil
}

func (s *Store) write(ctx context.Context, sess *Session) (err error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.save",
		attribute.String("session_key", sess.Key),
		attribute.Int("messages", len(sess.Messages)),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordSessionSave(time.Since(start), err == nil)
	}()

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return tracing.FailSpan(span, fmt.Errorf("%w: failed to marshal session: %v", ErrPersistence, err))
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	path := s.path(sess.Key)
	if err := writeFileAtomic(path, data); err != nil {
		logger.Error().Err(err).Str("path", path).Msg("Failed to persist session")
		return tracing.FailSpan(span, fmt.Errorf("%w: %v", ErrPersistence, err))
	}

	logger.Debug().
		Int("messages", len(sess.Messages)).
		Msg("Session saved")
	return nil
}

// writeFileAtomic writes data to a temp file next to path and renames it
// into place, so readers never observe a partial record.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err = os.Chmod(tmpPath, 0600); err != nil {
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Delete removes key from the cache and from disk. A missing file is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	delete(s.sessions, key)
	size := len(s.sessions)
	s.mu.Unlock()
	observability.SetCachedSessions(size)

	if s.Persistent() {
		if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: failed to remove session file: %v", ErrPersistence, err)
		}
	}

	observability.RecordSessionAudit(ctx, key, "delete")
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().Str("session_key", key).Msg("Session deleted")
	return nil
}

// List returns the sorted union of cached and persisted session keys.
func (s *Store) List(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})

	s.mu.RLock()
	for key := range s.sessions {
		seen[key] = struct{}{}
	}
	s.mu.RUnlock()

	if s.Persistent() {
		entries, err := os.ReadDir(s.dir)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read sessions directory: %w", err)
		}
		for _, entry := range entries {
			name := entry.Name()
			// Temp files end in .tmp, so the suffix check also skips them.
			if entry.IsDir() || !strings.HasSuffix(name, fileExt) {
				continue
			}
			seen[s.persistedKey(ctx, name)] = struct{}{}
		}
	}

	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// persistedKey reads the key stored in a record, falling back to the file stem.
func (s *Store) persistedKey(ctx context.Context, name string) string {
	key, err := readRecordKey(filepath.Join(s.dir, name))
	if err != nil || key == "" {
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Warn().Err(err).Str("file", name).Msg("Unreadable session record, listing by file name")
		return strings.TrimSuffix(name, fileExt)
	}
	return key
}

// readRecordKey decodes only the key of the record at path.
func readRecordKey(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var head struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(f).Decode(&head); err != nil {
		return "", err
	}
	return head.Key, nil
}

// Exists reports whether key is cached or persisted. A file that holds a
// different key with the same sanitized name does not count.
func (s *Store) Exists(ctx context.Context, key string) bool {
	if validateKey(key) != nil {
		return false
	}
	if _, ok := s.cached(key); ok {
		return true
	}
	if !s.Persistent() {
		return false
	}
	path := s.path(key)
	if _, err := os.Stat(path); err != nil {
		return false
	}
	stored, err := readRecordKey(path)
	if err != nil || stored == "" {
		// Unreadable records still occupy the key; Get reports them as corrupt.
		return true
	}
	return stored == key
}

// ClearCache drops every cached session. Persisted records are untouched.
func (s *Store) ClearCache() {
	s.mu.Lock()
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()
	observability.SetCachedSessions(0)
}

// CacheSize returns the number of cached sessions.
func (s *Store) CacheSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// EvictIdle drops cached sessions not updated within olderThan and returns
// how many were dropped. A memory store never evicts, since the cache is
// its only copy.
func (s *Store) EvictIdle(olderThan time.Duration) int {
	if !s.Persistent() || olderThan <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-olderThan)

	s.mu.Lock()
	evicted := 0
	for key, sess := range s.sessions {
		if sess.UpdatedAt.Before(cutoff) {
			delete(s.sessions, key)
			evicted++
		}
	}
	size := len(s.sessions)
	s.mu.Unlock()

	observability.SetCachedSessions(size)
	if evicted > 0 {
		s.logger.Debug().Int("evicted", evicted).Int("cached", size).Msg("Evicted idle sessions")
	}
	return evicted
}
