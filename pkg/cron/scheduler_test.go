package cron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextRun_At(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("should return the fixed instant", func(t *testing.T) {
		next, err := NextRun(Schedule{Kind: ScheduleKindAt, At: "2026-03-02T08:30:00Z"}, now)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC), next.UTC())
	})

	t.Run("should require a timestamp", func(t *testing.T) {
		_, err := NextRun(Schedule{Kind: ScheduleKindAt}, now)
		assert.ErrorContains(t, err, "requires 'at'")
	})

	t.Run("should reject malformed timestamps", func(t *testing.T) {
		_, err := NextRun(Schedule{Kind: ScheduleKindAt, At: "tomorrow"}, now)
		assert.ErrorContains(t, err, "invalid timestamp")
	})
}

func TestNextRun_Every(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("should add the interval without an anchor", func(t *testing.T) {
		next, err := NextRun(Schedule{Kind: ScheduleKindEvery, EverySeconds: 90}, now)
		require.NoError(t, err)
		assert.Equal(t, now.Add(90*time.Second), next)
	})

	t.Run("should align to a past anchor", func(t *testing.T) {
		anchor := now.Add(-25 * time.Minute)
		next, err := NextRun(Schedule{Kind: ScheduleKindEvery, EverySeconds: 600, Anchor: &anchor}, now)
		require.NoError(t, err)
		assert.Equal(t, now.Add(5*time.Minute), next)
	})

	t.Run("should use a future anchor as is", func(t *testing.T) {
		anchor := now.Add(time.Hour)
		next, err := NextRun(Schedule{Kind: ScheduleKindEvery, EverySeconds: 60, Anchor: &anchor}, now)
		require.NoError(t, err)
		assert.Equal(t, anchor, next)
	})

	t.Run("should reject non-positive intervals", func(t *testing.T) {
		_, err := NextRun(Schedule{Kind: ScheduleKindEvery}, now)
		assert.ErrorContains(t, err, "positive")
	})
}

func TestNextRun_Cron(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 7, 0, 0, time.UTC)

	tests := []struct {
		name string
		expr string
		tz   string
		want time.Time
	}{
		{"every quarter hour", "*/15 * * * *", "", time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC)},
		{"descriptor", "@hourly", "", time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)},
		{"daily at 3", "0 3 * * *", "", time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)},
		{"timezone", "0 * * * *", "Asia/Tokyo", time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := NextRun(Schedule{Kind: ScheduleKindCron, Expr: tt.expr, TZ: tt.tz}, now)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(next), "want %s, got %s", tt.want, next)
		})
	}

	t.Run("should reject invalid expressions", func(t *testing.T) {
		_, err := NextRun(Schedule{Kind: ScheduleKindCron, Expr: "not a cron"}, now)
		assert.ErrorContains(t, err, "invalid cron expression")
	})

	t.Run("should reject unknown timezones", func(t *testing.T) {
		_, err := NextRun(Schedule{Kind: ScheduleKindCron, Expr: "* * * * *", TZ: "Mars/Olympus"}, now)
		assert.ErrorContains(t, err, "invalid timezone")
	})
}

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule(Schedule{Kind: ScheduleKindCron, Expr: "@daily"}))
	assert.ErrorContains(t, ValidateSchedule(Schedule{Kind: "weekly"}), "unknown schedule kind")
}
