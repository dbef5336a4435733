package daemon

import (
	"context"
	"time"

	"github.com/harun/lumen/internal/observability"
)

const (
	defaultStatsInterval = 30 * time.Second
	shutdownDrainTimeout = 5 * time.Second
)

// EventLoop runs periodic bookkeeping while the daemon is up.
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: defaultStatsInterval,
	}
}

// Run ticks until ctx ends.
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.logger.Debug().Dur("interval", e.interval).Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.logger.Debug().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks(ctx)
		}
	}
}

// processTasks refreshes gauges and logs busy lanes.
func (e *EventLoop) processTasks(_ context.Context) {
	observability.SetCachedSessions(e.daemon.store.CacheSize())

	stats := e.daemon.queue.GetStats()
	for lane, laneStats := range stats {
		if laneStats.Queued > 0 || laneStats.Running > 0 {
			e.daemon.logger.Debug().
				Str("lane", lane).
				Int("queued", laneStats.Queued).
				Int("running", laneStats.Running).
				Msg("Queue stats")
		}
	}
}

// HandleShutdown gives running rounds a moment to finish.
func (e *EventLoop) HandleShutdown() {
	if !e.daemon.queue.WaitForActive(shutdownDrainTimeout) {
		e.daemon.logger.Warn().Msg("Rounds still running at shutdown")
		return
	}
	e.daemon.logger.Debug().Msg("All active rounds completed")
}
