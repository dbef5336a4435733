package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/lumen/pkg/session"
	"github.com/rs/zerolog"
)

// TaskEvictSessions drops idle sessions from the store cache.
const TaskEvictSessions = "sessions.evict"

// EvictSessionsTask returns a task that evicts cached sessions idle for
// longer than ttl. Persisted records are untouched and reload on demand.
func EvictSessionsTask(store *session.Store, ttl time.Duration, logger zerolog.Logger) TaskFunc {
	return func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		evicted := store.EvictIdle(ttl)
		logger.Debug().
			Int("evicted", evicted).
			Int("cached", store.CacheSize()).
			Dur("ttl", ttl).
			Msg("Evicted idle sessions")
		return nil
	}
}

// RegisterMaintenance installs the session eviction job on expr, replacing
// any previous configuration of it.
func RegisterMaintenance(s *Service, store *session.Store, expr string, ttl time.Duration, logger zerolog.Logger) (*Job, error) {
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("idle ttl must be positive, got %s", ttl)
	}

	if err := s.RegisterTask(TaskEvictSessions, EvictSessionsTask(store, ttl, logger)); err != nil {
		return nil, err
	}

	return s.EnsureJob(AddParams{
		Name:        "maintenance:" + TaskEvictSessions,
		Description: fmt.Sprintf("Evict sessions idle for more than %s from the cache", ttl),
		Enabled:     true,
		Schedule:    Schedule{Kind: ScheduleKindCron, Expr: expr},
		Action:      Action{Kind: ActionTask, Task: TaskEvictSessions},
	})
}
