package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/lumen/internal/observability"
	"github.com/harun/lumen/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "lumen.commandqueue"

var (
	// ErrQueueClosed is returned for tasks submitted to, or still queued in, a closed queue.
	ErrQueueClosed = errors.New("command queue closed")
	// ErrLaneCleared is returned to tasks removed by ClearLane.
	ErrLaneCleared = errors.New("lane cleared")
	// ErrLaneReset is returned to tasks removed by ResetLane.
	ErrLaneReset = errors.New("lane reset")
)

// Event types emitted by the queue.
const (
	EventEnqueued  = "enqueued"
	EventStarted   = "started"
	EventCompleted = "completed"
)

// Task represents an asynchronous operation to be executed
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions provides configuration for task execution
type TaskOptions struct {
	WarnAfterMs int
	OnWait      func(waitMs int64, queuePos int)
}

// Result is the outcome of a task.
type Result struct {
	Value interface{}
	Err   error
}

// taskRecord tracks a task's execution state
type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	generation int
	enqueuedAt time.Time
	options    TaskOptions
	result     chan Result
}

// laneState manages execution state for a single lane
type laneState struct {
	name        string
	generation  int
	concurrency int
	queue       []*taskRecord
	running     int
	activeIDs   map[string]bool
	mu          sync.Mutex
}

func (ls *laneState) idle() bool {
	return ls.running == 0 && len(ls.queue) == 0
}

// EventHandler is a function that handles queue events
type EventHandler func(event Event)

// Event represents a queue event
type Event struct {
	Type   string                 // "enqueued", "started" or "completed"
	Lane   string                 // Lane name
	TaskID string                 // Task ID
	Data   map[string]interface{} // Additional event data
}

// LaneStats is a snapshot of one lane.
type LaneStats struct {
	Queued      int `json:"queued"`
	Running     int `json:"running"`
	Concurrency int `json:"concurrency"`
}

// CommandQueue provides lane-based task serialization with concurrency control.
// Lanes default to concurrency 1.
type CommandQueue struct {
	lanes       map[string]*laneState
	concurrency map[string]int
	taskIDSeq   int
	closed      bool
	mu          sync.Mutex
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	// Event handling
	eventHandlers map[string][]EventHandler
	eventMu       sync.RWMutex
}

// New creates an empty CommandQueue.
func New() *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())

	return &CommandQueue{
		lanes:         make(map[string]*laneState),
		concurrency:   make(map[string]int),
		ctx:           ctx,
		cancel:        cancel,
		eventHandlers: make(map[string][]EventHandler),
	}
}

// Enqueue adds a task to the lane and waits for its result. Waiting stops
// early if ctx ends; the task itself still runs to completion in its turn
// with ctx as its parent context.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task, options *TaskOptions) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ch, err := cq.Submit(ctx, lane, task, options)
	if err != nil {
		return nil, err
	}

	select {
	case res := <-ch:
		return res.Value, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Submit appends a task to the lane and returns a channel that receives its
// result exactly once. Ordering within the lane is fixed when Submit
// returns, so callers that need FIFO by arrival must call Submit from the
// goroutine that observed the arrival.
func (cq *CommandQueue) Submit(ctx context.Context, lane string, task Task, options *TaskOptions) (<-chan Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if task == nil {
		return nil, errors.New("task is required")
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "commandqueue.submit", attribute.String("lane", lane))
	defer span.End()

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, tracing.FailSpan(span, ErrQueueClosed)
	}
	ls := cq.laneLocked(lane)
	cq.taskIDSeq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, cq.taskIDSeq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan Result, 1),
	}
	ls.mu.Lock()
	record.generation = ls.generation
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()
	cq.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("lane", lane).
		Str("taskId", record.id).
		Int("queueSize", queueSize).
		Msg("Task enqueued")

	observability.RecordEnqueue()
	cq.updateGauges(lane)

	cq.emit(Event{
		Type:   EventEnqueued,
		Lane:   lane,
		TaskID: record.id,
		Data: map[string]interface{}{
			"queueSize": queueSize,
		},
	})

	if opts.WarnAfterMs > 0 {
		go cq.startWarnTimer(record, ls)
	}

	cq.processLane(ls)
	return record.result, nil
}

// laneLocked returns the lane, creating it if needed. cq.mu must be held.
func (cq *CommandQueue) laneLocked(lane string) *laneState {
	if ls, ok := cq.lanes[lane]; ok {
		return ls
	}
	concurrency := cq.concurrency[lane]
	if concurrency <= 0 {
		concurrency = 1
	}
	ls := &laneState{
		name:        lane,
		concurrency: concurrency,
		queue:       make([]*taskRecord, 0),
		activeIDs:   make(map[string]bool),
	}
	cq.lanes[lane] = ls
	log.Debug().Str("lane", lane).Int("concurrency", concurrency).Msg("Lane initialized")
	return ls
}

// processLane starts queued tasks while the lane has capacity.
func (cq *CommandQueue) processLane(ls *laneState) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		if record.generation != ls.generation {
			record.result <- Result{Err: ErrLaneReset}
			continue
		}

		ls.running++
		ls.activeIDs[record.id] = true

		cq.wg.Add(1)
		go cq.executeTask(ls, record)
	}
}

// executeTask executes a single task
func (cq *CommandQueue) executeTask(ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(
		record.ctx,
		tracerName,
		"commandqueue.execute_task",
		attribute.String("lane", ls.name),
		attribute.String("task_id", record.id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(taskCtx, log.Logger)

	cq.emit(Event{
		Type:   EventStarted,
		Lane:   ls.name,
		TaskID: record.id,
		Data: map[string]interface{}{
			"waitMs": time.Since(record.enqueuedAt).Milliseconds(),
		},
	})

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	startTime := time.Now()
	value, err := cq.runTask(runCtx, record)
	duration := time.Since(startTime)

	ls.mu.Lock()
	ls.running--
	delete(ls.activeIDs, record.id)
	ls.mu.Unlock()

	record.result <- Result{Value: value, Err: err}

	if err != nil {
		tracing.FailSpan(span, err)
		logger.Error().
			Str("lane", ls.name).
			Str("taskId", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("lane", ls.name).
			Str("taskId", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}

	observability.RecordTaskCompletion(duration, err == nil)

	cq.emit(Event{
		Type:   EventCompleted,
		Lane:   ls.name,
		TaskID: record.id,
		Data: map[string]interface{}{
			"duration": duration.Milliseconds(),
			"success":  err == nil,
		},
	})

	cq.processLane(ls)
	cq.removeIfIdle(ls)
	cq.updateGauges(ls.name)
}

func (cq *CommandQueue) runTask(ctx context.Context, record *taskRecord) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", record.id, r)
		}
	}()
	return record.task(ctx)
}

// removeIfIdle drops the lane once nothing is queued or running in it.
// Submit holds cq.mu while appending, so a lane cannot gain work between
// the idle check and the delete.
func (cq *CommandQueue) removeIfIdle(ls *laneState) {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if cq.lanes[ls.name] != ls {
		return
	}
	ls.mu.Lock()
	idle := ls.idle()
	ls.mu.Unlock()
	if idle {
		delete(cq.lanes, ls.name)
		log.Debug().Str("lane", ls.name).Msg("Lane removed")
	}
}

// updateGauges refreshes lane metrics for the kind of the given lane.
// The kind is the lane name up to the first colon.
func (cq *CommandQueue) updateGauges(lane string) {
	kind := laneKind(lane)

	cq.mu.Lock()
	active := len(cq.lanes)
	depth := 0
	for name, ls := range cq.lanes {
		if laneKind(name) != kind {
			continue
		}
		ls.mu.Lock()
		depth += len(ls.queue) + ls.running
		ls.mu.Unlock()
	}
	cq.mu.Unlock()

	observability.SetActiveLanes(active)
	observability.SetLaneDepth(kind, depth)
}

func laneKind(lane string) string {
	if i := strings.IndexByte(lane, ':'); i > 0 {
		return lane[:i]
	}
	return lane
}

// startWarnTimer starts a timer to warn about long wait times
func (cq *CommandQueue) startWarnTimer(record *taskRecord, ls *laneState) {
	timer := time.NewTimer(time.Duration(record.options.WarnAfterMs) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C:
		ls.mu.Lock()
		queuePos := -1
		for i, r := range ls.queue {
			if r.id == record.id {
				queuePos = i
				break
			}
		}
		ls.mu.Unlock()

		if queuePos >= 0 {
			waitMs := time.Since(record.enqueuedAt).Milliseconds()
			log.Warn().
				Str("lane", ls.name).
				Str("taskId", record.id).
				Int64("waitMs", waitMs).
				Int("queuePos", queuePos).
				Msg("Task waiting longer than expected")

			if record.options.OnWait != nil {
				record.options.OnWait(waitMs, queuePos)
			}
		}
	case <-cq.ctx.Done():
		return
	}
}

func (cq *CommandQueue) lane(lane string) (*laneState, bool) {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	ls, ok := cq.lanes[lane]
	return ls, ok
}

// GetQueueSize returns the number of queued tasks for a lane
func (cq *CommandQueue) GetQueueSize(lane string) int {
	ls, ok := cq.lane(lane)
	if !ok {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// GetRunningCount returns the number of currently executing tasks for a lane
func (cq *CommandQueue) GetRunningCount(lane string) int {
	ls, ok := cq.lane(lane)
	if !ok {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running
}

// LaneCount returns the number of live lanes.
func (cq *CommandQueue) LaneCount() int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return len(cq.lanes)
}

// GetStats returns statistics for all live lanes
func (cq *CommandQueue) GetStats() map[string]LaneStats {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	stats := make(map[string]LaneStats, len(cq.lanes))
	for lane, ls := range cq.lanes {
		ls.mu.Lock()
		stats[lane] = LaneStats{
			Queued:      len(ls.queue),
			Running:     ls.running,
			Concurrency: ls.concurrency,
		}
		ls.mu.Unlock()
	}
	return stats
}

// ClearLane rejects all queued tasks in a lane. Running tasks are unaffected.
func (cq *CommandQueue) ClearLane(lane string) int {
	ls, ok := cq.lane(lane)
	if !ok {
		return 0
	}
	count := ls.reject(ErrLaneCleared, false)

	log.Info().Str("lane", lane).Int("cleared", count).Msg("Lane cleared")
	cq.updateGauges(lane)
	return count
}

// ResetLane rejects queued tasks and starts a new generation for the lane.
func (cq *CommandQueue) ResetLane(lane string) {
	ls, ok := cq.lane(lane)
	if !ok {
		return
	}
	ls.reject(ErrLaneReset, true)

	log.Info().Str("lane", lane).Msg("Lane reset")
	cq.updateGauges(lane)
}

func (ls *laneState) reject(err error, bump bool) int {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if bump {
		ls.generation++
	}
	count := len(ls.queue)
	for _, record := range ls.queue {
		record.result <- Result{Err: err}
	}
	ls.queue = make([]*taskRecord, 0)
	return count
}

// SetConcurrency updates the concurrency limit for a lane. The setting
// outlives idle removal of the lane.
func (cq *CommandQueue) SetConcurrency(lane string, concurrency int) {
	if concurrency <= 0 {
		concurrency = 1
	}

	cq.mu.Lock()
	cq.concurrency[lane] = concurrency
	ls, ok := cq.lanes[lane]
	cq.mu.Unlock()

	oldMax := 1
	if ok {
		ls.mu.Lock()
		oldMax = ls.concurrency
		ls.concurrency = concurrency
		ls.mu.Unlock()
	}

	log.Info().
		Str("lane", lane).
		Int("oldMax", oldMax).
		Int("newMax", concurrency).
		Msg("Lane concurrency updated")

	if ok && concurrency > oldMax {
		cq.processLane(ls)
	}
}

// WaitForActive waits for all queued and running tasks to finish, up to timeout.
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		if cq.LaneCount() == 0 {
			return true
		}
		if time.Now().After(deadline) {
			log.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

// Close rejects queued tasks with ErrQueueClosed, cancels the contexts of
// running tasks and waits for them to return.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	lanes := make([]*laneState, 0, len(cq.lanes))
	for _, ls := range cq.lanes {
		lanes = append(lanes, ls)
	}
	cq.mu.Unlock()

	for _, ls := range lanes {
		ls.reject(ErrQueueClosed, true)
	}
	cq.cancel()
	cq.wg.Wait()
	return nil
}

// On registers an event handler for a specific event type
func (cq *CommandQueue) On(eventType string, handler EventHandler) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()

	cq.eventHandlers[eventType] = append(cq.eventHandlers[eventType], handler)
}

// Off removes an event handler (removes all handlers for the event type)
func (cq *CommandQueue) Off(eventType string) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()

	delete(cq.eventHandlers, eventType)
}

// emit emits an event synchronously to all registered handlers
func (cq *CommandQueue) emit(event Event) {
	cq.eventMu.RLock()
	handlers := cq.eventHandlers[event.Type]
	cq.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
