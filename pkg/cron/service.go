package cron

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

	"github.com/google/uuid"
	"github.com/harun/lumen/internal/observability"
	"github.com/harun/lumen/internal/tracing"
	"github.com/harun/lumen/pkg/bus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ChannelName is the bus channel scheduled messages are published under.
const ChannelName = "cron"

const defaultTaskTimeout = 5 * time.Minute

var (
	// ErrJobNotFound is returned for unknown job IDs.
	ErrJobNotFound = errors.New("job not found")
	// ErrServiceStopped is returned once Stop has been called.
	ErrServiceStopped = errors.New("cron service is stopped")
)

// Service schedules jobs with one timer per enabled job. Jobs either
// publish a message to a session or run a named in-process task.
type Service struct {
	jobs    map[string]*Job
	timers  map[string]*time.Timer
	options ServiceOptions
	logger  zerolog.Logger

	mu      sync.RWMutex
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
	now     func() time.Time
}

// NewService creates a new cron service and schedules the persisted jobs.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = defaultTaskTimeout
	}
	if opts.Tasks == nil {
		opts.Tasks = make(map[string]TaskFunc)
	}

	logger := log.With().Str("component", "cron").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		jobs:    make(map[string]*Job),
		timers:  make(map[string]*time.Timer),
		options: opts,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
	}

	if err := s.loadJobs(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to load jobs, starting with empty registry")
	}
	s.scheduleAll()

	s.logger.Info().Int("jobCount", len(s.jobs)).Msg("Cron service initialized")
	return s, nil
}

// RegisterTask makes fn available to "task" jobs under name.
func (s *Service) RegisterTask(name string, fn TaskFunc) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("task name is required")
	}
	if fn == nil {
		return fmt.Errorf("task %q: function is required", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.options.Tasks[name] = fn
	return nil
}

func (s *Service) validateAction(action Action) error {
	switch action.Kind {
	case ActionMessage:
		if strings.TrimSpace(action.SessionKey) == "" {
			return fmt.Errorf("message action requires sessionKey")
		}
		if strings.TrimSpace(action.Message) == "" {
			return fmt.Errorf("message action requires message")
		}
		if s.options.Bus == nil {
			return fmt.Errorf("message actions need a message bus")
		}
	case ActionTask:
		if _, ok := s.options.Tasks[action.Task]; !ok {
			return fmt.Errorf("unknown task: %q", action.Task)
		}
	default:
		return fmt.Errorf("unknown action kind: %q", action.Kind)
	}
	return nil
}

// AddJob creates a new job
func (s *Service) AddJob(params AddParams) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, ErrServiceStopped
	}
	if strings.TrimSpace(params.Name) == "" {
		return nil, fmt.Errorf("job name is required")
	}

	now := s.now()
	nextRun, err := NextRun(params.Schedule, now)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule: %w", err)
	}
	if err := s.validateAction(params.Action); err != nil {
		return nil, fmt.Errorf("invalid action: %w", err)
	}

	job := &Job{
		ID:             uuid.NewString(),
		Name:           params.Name,
		Description:    params.Description,
		Enabled:        params.Enabled,
		DeleteAfterRun: params.DeleteAfterRun,
		CreatedAt:      now,
		UpdatedAt:      now,
		Schedule:       params.Schedule,
		Action:         params.Action,
		State: JobState{
			NextRunAt: timePtr(nextRun),
		},
	}

	s.jobs[job.ID] = job
	if err := s.persist(); err != nil {
		delete(s.jobs, job.ID)
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	if job.Enabled {
		s.scheduleJobLocked(job)
	}

	s.logger.Info().
		Str("jobId", job.ID).
		Str("name", job.Name).
		Bool("enabled", job.Enabled).
		Msg("Job created")

	s.emit(Event{Action: EventActionAdded, JobID: job.ID})
	return job.clone(), nil
}

// EnsureJob makes sure a job named params.Name exists with the given
// schedule and action, creating or updating it. Used for jobs derived from
// configuration so restarts do not duplicate them.
func (s *Service) EnsureJob(params AddParams) (*Job, error) {
	s.mu.RLock()
	var existing *Job
	for _, job := range s.jobs {
		if job.Name == params.Name {
			existing = job
			break
		}
	}
	s.mu.RUnlock()

	if existing == nil {
		return s.AddJob(params)
	}

	return s.UpdateJob(existing.ID, JobPatch{
		Description: &params.Description,
		Enabled:     &params.Enabled,
		Schedule:    &params.Schedule,
		Action:      &params.Action,
	})
}

// UpdateJob updates an existing job
func (s *Service) UpdateJob(id string, patch JobPatch) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, ErrServiceStopped
	}

	job, exists := s.jobs[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	if patch.Schedule != nil {
		if err := ValidateSchedule(*patch.Schedule); err != nil {
			return nil, fmt.Errorf("invalid schedule: %w", err)
		}
	}
	if patch.Action != nil {
		if err := s.validateAction(*patch.Action); err != nil {
			return nil, fmt.Errorf("invalid action: %w", err)
		}
	}

	scheduleChanged := patch.Schedule != nil && *patch.Schedule != job.Schedule
	enabledChanged := patch.Enabled != nil && *patch.Enabled != job.Enabled

	if patch.Name != nil {
		job.Name = *patch.Name
	}
	if patch.Description != nil {
		job.Description = *patch.Description
	}
	if patch.Enabled != nil {
		job.Enabled = *patch.Enabled
	}
	if patch.DeleteAfterRun != nil {
		job.DeleteAfterRun = *patch.DeleteAfterRun
	}
	if patch.Schedule != nil {
		job.Schedule = *patch.Schedule
	}
	if patch.Action != nil {
		job.Action = *patch.Action
	}
	job.UpdatedAt = s.now()

	if scheduleChanged || (enabledChanged && job.Enabled && job.State.NextRunAt == nil) {
		nextRun, err := NextRun(job.Schedule, job.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("invalid schedule: %w", err)
		}
		job.State.NextRunAt = timePtr(nextRun)
	}

	if err := s.persist(); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	if scheduleChanged || enabledChanged {
		s.cancelJobLocked(id)
		if job.Enabled {
			s.scheduleJobLocked(job)
		}
	}

	s.logger.Info().
		Str("jobId", id).
		Str("name", job.Name).
		Bool("scheduleChanged", scheduleChanged).
		Bool("enabledChanged", enabledChanged).
		Msg("Job updated")

	s.emit(Event{Action: EventActionUpdated, JobID: id})
	return job.clone(), nil
}

// RemoveJob deletes a job
func (s *Service) RemoveJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrServiceStopped
	}

	job, exists := s.jobs[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	s.cancelJobLocked(id)
	delete(s.jobs, id)

	if err := s.persist(); err != nil {
		return fmt.Errorf("failed to persist job: %w", err)
	}

	s.logger.Info().Str("jobId", id).Str("name", job.Name).Msg("Job removed")
	s.emit(Event{Action: EventActionDeleted, JobID: id})
	return nil
}

// RunJob executes a job now and waits for it. In "due" mode disabled jobs
// are skipped.
func (s *Service) RunJob(id string, mode RunMode) error {
	s.mu.RLock()
	job, exists := s.jobs[id]
	stopped := s.stopped
	enabled := exists && job.Enabled
	s.mu.RUnlock()

	if stopped {
		return ErrServiceStopped
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if mode == RunModeDue && !enabled {
		s.logger.Debug().Str("jobId", id).Msg("Skipping disabled job in 'due' mode")
		return nil
	}

	s.running.Add(1)
	s.executeJob(id)
	return nil
}

// ListJobs returns copies of all jobs ordered by creation time, optionally
// filtered by enabled state.
func (s *Service) ListJobs(enabled *bool) []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if enabled != nil && job.Enabled != *enabled {
			continue
		}
		jobs = append(jobs, job.clone())
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs
}

// GetJob returns a copy of a job
func (s *Service) GetJob(id string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	return job.clone(), true
}

// Stop cancels all timers, waits for running jobs until ctx ends and
// persists the final state.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for id := range s.timers {
		s.cancelJobLocked(id)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Timed out waiting for running jobs")
	}
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persist(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist state on shutdown")
		return err
	}

	s.logger.Info().Msg("Cron service stopped")
	return nil
}

func (s *Service) scheduleAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range s.jobs {
		if job.Enabled {
			s.scheduleJobLocked(job)
		}
	}
}

// scheduleJobLocked arms the job's timer. Past-due jobs fire immediately.
func (s *Service) scheduleJobLocked(job *Job) {
	if job.State.NextRunAt == nil {
		s.logger.Warn().Str("jobId", job.ID).Msg("Cannot schedule job without next run time")
		return
	}

	nextRun := *job.State.NextRunAt
	delay := nextRun.Sub(s.now())
	if delay < 0 {
		delay = 0
	}

	id := job.ID
	s.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		delete(s.timers, id)
		s.running.Add(1)
		s.mu.Unlock()

		s.executeJob(id)
	})

	s.logger.Debug().
		Str("jobId", id).
		Dur("delay", delay).
		Time("nextRun", nextRun).
		Msg("Job scheduled")
}

func (s *Service) cancelJobLocked(id string) {
	if timer, exists := s.timers[id]; exists {
		timer.Stop()
		delete(s.timers, id)
		s.logger.Debug().Str("jobId", id).Msg("Job timer cancelled")
	}
}

// executeJob runs one job. The caller must have added to s.running.
func (s *Service) executeJob(id string) {
	defer s.running.Done()

	s.mu.Lock()
	job, exists := s.jobs[id]
	if !exists {
		s.mu.Unlock()
		s.logger.Debug().Str("jobId", id).Msg("Job no longer exists, skipping execution")
		return
	}
	if job.State.running {
		s.mu.Unlock()
		s.logger.Debug().Str("jobId", id).Msg("Job already running, skipping execution")
		observability.RecordCronRun(string(job.Action.Kind), StatusSkipped)
		return
	}
	job.State.running = true
	action := job.Action
	name := job.Name
	task := s.options.Tasks[action.Task]
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, s.options.TaskTimeout)
	defer cancel()
	ctx = tracing.WithRunID(tracing.WithTraceID(ctx, tracing.NewTraceID()), tracing.NewRunID())
	logger := tracing.LoggerFromContext(ctx, s.logger)

	logger.Info().Str("jobId", id).Str("name", name).Str("kind", string(action.Kind)).Msg("Executing job")

	start := s.now()
	err := s.runAction(ctx, action, task)
	duration := s.now().Sub(start)

	s.mu.Lock()
	defer s.mu.Unlock()

	job.State.running = false
	job.State.LastRunAt = timePtr(start)
	job.State.LastDuration = duration

	if err != nil {
		job.State.LastStatus = StatusError
		job.State.LastError = err.Error()
		job.State.ConsecutiveErrors++
		logger.Error().
			Err(err).
			Str("jobId", id).
			Int("consecutiveErrors", job.State.ConsecutiveErrors).
			Msg("Job execution failed")
	} else {
		job.State.LastStatus = StatusOK
		job.State.LastError = ""
		job.State.ConsecutiveErrors = 0
		logger.Info().Str("jobId", id).Dur("duration", duration).Msg("Job execution completed")
	}
	observability.RecordCronRun(string(action.Kind), job.State.LastStatus)

	// One-shot schedules never fire twice.
	var calcErr error
	if job.Schedule.Kind == ScheduleKindAt {
		job.State.NextRunAt = nil
		job.Enabled = false
	} else {
		var nextRun time.Time
		nextRun, calcErr = NextRun(job.Schedule, s.now())
		if calcErr != nil {
			logger.Error().Err(calcErr).Str("jobId", id).Msg("Failed to calculate next run")
			job.State.NextRunAt = nil
		} else {
			job.State.NextRunAt = timePtr(nextRun)
		}
	}

	if _, stillPresent := s.jobs[id]; stillPresent && job.DeleteAfterRun && err == nil {
		s.cancelJobLocked(id)
		delete(s.jobs, id)
		if persistErr := s.persist(); persistErr != nil {
			logger.Error().Err(persistErr).Msg("Failed to persist after delete")
		}
		s.emitFinished(job, duration)
		s.emit(Event{Action: EventActionDeleted, JobID: id})
		return
	}

	if persistErr := s.persist(); persistErr != nil {
		logger.Error().Err(persistErr).Msg("Failed to persist job state")
	}
	s.emitFinished(job, duration)

	if _, stillPresent := s.jobs[id]; stillPresent && job.Enabled && calcErr == nil && !s.stopped {
		s.cancelJobLocked(id)
		s.scheduleJobLocked(job)
	}
}

func (s *Service) runAction(ctx context.Context, action Action, task TaskFunc) error {
	switch action.Kind {
	case ActionMessage:
		if s.options.Bus == nil {
			return fmt.Errorf("no message bus configured")
		}
		msg := bus.NewInbound(ChannelName, action.SessionKey, action.Message)
		if err := s.options.Bus.PublishInbound(ctx, msg); err != nil {
			return fmt.Errorf("failed to publish message: %w", err)
		}
		return nil
	case ActionTask:
		if task == nil {
			return fmt.Errorf("unknown task: %q", action.Task)
		}
		return task(ctx)
	default:
		return fmt.Errorf("unknown action kind: %q", action.Kind)
	}
}

func (s *Service) emitFinished(job *Job, duration time.Duration) {
	s.emit(Event{
		Action:    EventActionFinished,
		JobID:     job.ID,
		Status:    job.State.LastStatus,
		Error:     job.State.LastError,
		Duration:  duration,
		NextRunAt: job.State.NextRunAt,
	})
}

func (s *Service) emit(evt Event) {
	if s.options.OnEvent != nil {
		s.options.OnEvent(evt)
	}
}

func (s *Service) loadJobs() error {
	if s.options.StorePath == "" {
		return nil
	}

	data, err := os.ReadFile(s.options.StorePath)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Debug().Msg("No existing job registry, starting with empty registry")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read jobs file: %w", err)
	}

	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("failed to parse jobs file: %w", err)
	}

	for _, job := range jobs {
		if job == nil || job.ID == "" {
			continue
		}
		s.jobs[job.ID] = job
	}

	s.logger.Info().Int("count", len(s.jobs)).Msg("Loaded jobs from registry")
	return nil
}

// persist writes all jobs atomically. Must hold s.mu.
func (s *Service) persist() error {
	if s.options.StorePath == "" {
		return nil
	}

	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})

	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal jobs: %w", err)
	}

	dir := filepath.Dir(s.options.StorePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempFile := s.options.StorePath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempFile, s.options.StorePath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	s.logger.Debug().Int("count", len(jobs)).Msg("Persisted jobs to registry")
	return nil
}
