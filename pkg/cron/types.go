package cron

import (
	"context"
	"time"

	"github.com/harun/lumen/pkg/bus"
	"github.com/rs/zerolog"
)

// ScheduleKind represents the type of schedule
type ScheduleKind string

const (
	ScheduleKindAt    ScheduleKind = "at"
	ScheduleKindEvery ScheduleKind = "every"
	ScheduleKindCron  ScheduleKind = "cron"
)

// Schedule represents a time specification for job execution
type Schedule struct {
	Kind ScheduleKind `json:"kind"`

	// For "at": RFC 3339 timestamp.
	At string `json:"at,omitempty"`

	// For "every": interval in seconds, optionally aligned to an anchor.
	EverySeconds int64      `json:"everySeconds,omitempty"`
	Anchor       *time.Time `json:"anchor,omitempty"`

	// For "cron": 5-field expression or descriptor such as "@hourly".
	Expr string `json:"expr,omitempty"`
	TZ   string `json:"tz,omitempty"`
}

// ActionKind represents what a job does when it fires.
type ActionKind string

const (
	// ActionMessage publishes a user message to a session through the bus.
	ActionMessage ActionKind = "message"
	// ActionTask runs a registered in-process task.
	ActionTask ActionKind = "task"
)

// Action represents what to run when a job executes.
type Action struct {
	Kind ActionKind `json:"kind"`

	// For "message"
	SessionKey string `json:"sessionKey,omitempty"`
	Message    string `json:"message,omitempty"`

	// For "task"
	Task string `json:"task,omitempty"`
}

// Job status values.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// JobState tracks runtime state of a job
type JobState struct {
	NextRunAt         *time.Time    `json:"nextRunAt,omitempty"`
	LastRunAt         *time.Time    `json:"lastRunAt,omitempty"`
	LastStatus        string        `json:"lastStatus,omitempty"`
	LastError         string        `json:"lastError,omitempty"`
	LastDuration      time.Duration `json:"lastDuration,omitempty"`
	ConsecutiveErrors int           `json:"consecutiveErrors,omitempty"`

	running bool
}

// Job represents a complete cron job definition
type Job struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	Enabled        bool      `json:"enabled"`
	DeleteAfterRun bool      `json:"deleteAfterRun,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	Schedule       Schedule  `json:"schedule"`
	Action         Action    `json:"action"`
	State          JobState  `json:"state"`
}

func (j *Job) clone() *Job {
	c := *j
	return &c
}

// AddParams contains parameters for creating a job
type AddParams struct {
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Enabled        bool     `json:"enabled"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
	Schedule       Schedule `json:"schedule"`
	Action         Action   `json:"action"`
}

// JobPatch contains fields that can be updated
type JobPatch struct {
	Name           *string   `json:"name,omitempty"`
	Description    *string   `json:"description,omitempty"`
	Enabled        *bool     `json:"enabled,omitempty"`
	DeleteAfterRun *bool     `json:"deleteAfterRun,omitempty"`
	Schedule       *Schedule `json:"schedule,omitempty"`
	Action         *Action   `json:"action,omitempty"`
}

// EventAction represents the type of event
type EventAction string

const (
	EventActionFinished EventAction = "finished"
	EventActionAdded    EventAction = "added"
	EventActionUpdated  EventAction = "updated"
	EventActionDeleted  EventAction = "deleted"
)

// Event represents a cron system event
type Event struct {
	Action    EventAction   `json:"action"`
	JobID     string        `json:"jobId"`
	Status    string        `json:"status,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	NextRunAt *time.Time    `json:"nextRunAt,omitempty"`
}

// RunMode specifies how to run a job manually
type RunMode string

const (
	RunModeDue   RunMode = "due"
	RunModeForce RunMode = "force"
)

// TaskFunc is an in-process task a job can run by name.
type TaskFunc func(ctx context.Context) error

// ServiceOptions configures the cron service
type ServiceOptions struct {
	// StorePath is where jobs are persisted. Empty keeps jobs in memory.
	StorePath string
	// Bus receives the messages of "message" jobs.
	Bus bus.Bus
	// Tasks are the named tasks "task" jobs may run.
	Tasks map[string]TaskFunc
	// TaskTimeout bounds one execution. Zero means 5 minutes.
	TaskTimeout time.Duration
	OnEvent     func(evt Event)
	Logger      *zerolog.Logger
}

func timePtr(t time.Time) *time.Time {
	return &t
}
