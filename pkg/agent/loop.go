package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/lumen/internal/observability"
	"github.com/harun/lumen/internal/tracing"
	"github.com/harun/lumen/pkg/bus"
	"github.com/harun/lumen/pkg/commandqueue"
	"github.com/harun/lumen/pkg/session"
	"github.com/harun/lumen/pkg/toolexecutor"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"
)

const (
	tracerName = "lumen.agent"

	DefaultMaxToolRounds    = 20
	DefaultMaxParallelTools = 4
	DefaultMaxRetries       = 3
	DefaultRetryBaseDelay   = time.Second

	toolErrorPrefix = "Error: "
	failureNotice   = "Sorry, I could not complete that request."
	roundLimitText  = "I reached the maximum number of tool rounds (%d) without a final answer. Please narrow the request or ask me to continue."
)

var (
	// ErrProviderFailed wraps provider errors that ended a round.
	ErrProviderFailed = errors.New("provider call failed")
	// ErrRoundCancelled is returned when a round is aborted or shut down.
	ErrRoundCancelled = errors.New("round cancelled")
	// ErrLoopClosed is returned for messages submitted after Close.
	ErrLoopClosed = errors.New("agent loop closed")
)

type roundState int

const (
	stateIdle roundState = iota
	stateBuildingContext
	stateAwaitingProvider
	stateExecutingTools
	stateDone
)

func (s roundState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateBuildingContext:
		return "building_context"
	case stateAwaitingProvider:
		return "awaiting_provider"
	case stateExecutingTools:
		return "executing_tools"
	case stateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Round outcomes, reported to metrics and in RoundEvent.
const (
	OutcomeAnswered      = "answered"
	OutcomeLimitReached  = "limit_reached"
	OutcomeProviderError = "provider_error"
	OutcomePersistError  = "persist_error"
	OutcomeCancelled     = "cancelled"
)

// RoundEvent describes a finished round.
type RoundEvent struct {
	SessionKey string
	MessageID  string
	Channel    string
	Outcome    string
	ToolRounds int
	Duration   time.Duration
	Err        error
}

// Config holds loop configuration. Store, Tools and Provider are required.
type Config struct {
	Store    *session.Store
	Tools    *toolexecutor.ToolExecutor
	Provider LLMProvider
	// Queue serializes rounds per session. A private queue is created when nil.
	Queue *commandqueue.CommandQueue
	// Bus is only needed by Run.
	Bus    bus.Bus
	Logger zerolog.Logger

	Model       string
	MaxTokens   int
	Temperature float64

	SystemPrompt string
	// PromptFunc, when set and non-empty, overrides SystemPrompt on every round.
	PromptFunc func() string
	// Workspace is the working directory handed to tools.
	Workspace string

	MaxToolRounds      int
	MaxParallelTools   int
	ToolTimeout        time.Duration
	MaxContextTokens   int
	MaxContextMessages int
	// MaxRetries is the number of retries after a failed provider call.
	// Zero means the default; negative disables retries.
	MaxRetries     int
	RetryBaseDelay time.Duration
	// DedupTTL bounds how long answered message IDs are remembered.
	DedupTTL time.Duration
	// OnRoundFinished is called after every round, whatever its outcome.
	// It runs on the round's goroutine and should return quickly.
	OnRoundFinished func(evt RoundEvent)
}

func (c Config) withDefaults() Config {
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = DefaultMaxToolRounds
	}
	if c.MaxParallelTools <= 0 {
		c.MaxParallelTools = DefaultMaxParallelTools
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	} else if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}
	return c
}

func (c Config) validate() error {
	if c.Store == nil {
		return fmt.Errorf("session store is required")
	}
	if c.Tools == nil {
		return fmt.Errorf("tool executor is required")
	}
	if c.Provider == nil {
		return fmt.Errorf("provider is required")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	return nil
}

// Loop runs conversation rounds: one inbound message in, one reply out.
// Rounds for the same session run one at a time in arrival order; rounds
// for different sessions run in parallel.
type Loop struct {
	cfg       Config
	store     *session.Store
	tools     *toolexecutor.ToolExecutor
	provider  LLMProvider
	queue     *commandqueue.CommandQueue
	ownsQueue bool
	builder   *ContextBuilder
	dedup     *commandqueue.DedupCache
	logger    zerolog.Logger

	// Active rounds for abort capability
	mu     sync.Mutex
	active map[string]context.CancelFunc
	closed bool
}

// NewLoop creates a loop from cfg.
func NewLoop(cfg Config) (*Loop, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg = cfg.withDefaults()
	observability.EnsureRegistered()

	logger := cfg.Logger.With().Str("component", "agent").Logger()

	queue := cfg.Queue
	ownsQueue := false
	if queue == nil {
		queue = commandqueue.New()
		ownsQueue = true
	}

	return &Loop{
		cfg:       cfg,
		store:     cfg.Store,
		tools:     cfg.Tools,
		provider:  cfg.Provider,
		queue:     queue,
		ownsQueue: ownsQueue,
		builder:   NewContextBuilder(cfg.MaxContextTokens, cfg.MaxContextMessages, logger),
		dedup:     commandqueue.NewDedupCache(cfg.DedupTTL),
		logger:    logger,
		active:    make(map[string]context.CancelFunc),
	}, nil
}

func laneFor(sessionKey string) string {
	return "session:" + sessionKey
}

// dedupKey scopes a message ID to its session. Channels number messages
// per chat, so bare IDs repeat across sessions. Messages without an ID
// are never deduplicated.
func dedupKey(msg bus.InboundMessage) string {
	if msg.ID == "" {
		return ""
	}
	return msg.SessionKey + "\x00" + msg.ID
}

// Process handles one inbound message and returns the reply. Failures are
// reported in the reply's Error field, never dropped.
func (l *Loop) Process(ctx context.Context, msg bus.InboundMessage) bus.OutboundMessage {
	ch, err := l.submit(ctx, msg)
	if err != nil {
		return msg.Failure(failureNotice, err)
	}
	return l.await(ctx, msg, ch)
}

// ProcessDirect runs one round for key outside any bus and returns the
// answer text.
func (l *Loop) ProcessDirect(ctx context.Context, key, content string) (string, error) {
	msg := bus.NewInbound("direct", key, content)
	ch, err := l.submit(ctx, msg)
	if err != nil {
		return "", err
	}
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Value.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// submit places msg in its session lane. The lane position is fixed when
// submit returns.
func (l *Loop) submit(ctx context.Context, msg bus.InboundMessage) (<-chan commandqueue.Result, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return nil, ErrLoopClosed
	}

	return l.queue.Submit(ctx, laneFor(msg.SessionKey), func(taskCtx context.Context) (interface{}, error) {
		if cached, ok := l.dedup.Get(dedupKey(msg)); ok {
			l.logger.Info().
				Str("session_key", msg.SessionKey).
				Str("message_id", msg.ID).
				Msg("Skipping redelivered message")
			return cached.Value, cached.Err
		}
		answer, err := l.runRound(taskCtx, msg)
		if err != nil {
			return nil, err
		}
		l.dedup.Set(dedupKey(msg), commandqueue.Result{Value: answer})
		return answer, nil
	}, nil)
}

func (l *Loop) await(ctx context.Context, msg bus.InboundMessage, ch <-chan commandqueue.Result) bus.OutboundMessage {
	select {
	case res := <-ch:
		if res.Err != nil {
			return msg.Failure(failureNotice, res.Err)
		}
		answer, _ := res.Value.(string)
		return msg.Reply(answer)
	case <-ctx.Done():
		return msg.Failure(failureNotice, fmt.Errorf("%w: %v", ErrRoundCancelled, ctx.Err()))
	}
}

// Run consumes the bus until ctx ends or the bus closes, publishing one
// reply per inbound message.
func (l *Loop) Run(ctx context.Context) error {
	if l.cfg.Bus == nil {
		return fmt.Errorf("message bus is required")
	}
	l.logger.Info().Msg("Agent loop started")

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		msg, err := l.cfg.Bus.ConsumeInbound(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, bus.ErrBusClosed) {
				l.logger.Info().Msg("Agent loop stopped")
				return nil
			}
			l.logger.Error().Err(err).Msg("Failed to consume inbound message")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		ch, err := l.submit(ctx, msg)

		wg.Add(1)
		go func() {
			defer wg.Done()
			var reply bus.OutboundMessage
			if err != nil {
				reply = msg.Failure(failureNotice, err)
			} else {
				reply = l.await(ctx, msg, ch)
			}
			l.publish(ctx, reply)
		}()
	}
}

func (l *Loop) publish(ctx context.Context, reply bus.OutboundMessage) {
	if ctx.Err() != nil {
		detached, cancel := context.WithTimeout(tracing.Detach(ctx), 5*time.Second)
		defer cancel()
		ctx = detached
	}
	if err := l.cfg.Bus.PublishOutbound(ctx, reply); err != nil {
		l.logger.Error().
			Err(err).
			Str("session_key", reply.SessionKey).
			Str("in_reply_to", reply.InReplyTo).
			Msg("Failed to publish reply")
	}
}

// Abort cancels the running round for a session. The session keeps its
// last checkpoint.
func (l *Loop) Abort(sessionKey string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cancel, exists := l.active[sessionKey]
	if !exists {
		l.logger.Debug().Str("session_key", sessionKey).Msg("No active round to abort")
		return false
	}

	l.logger.Info().Str("session_key", sessionKey).Msg("Aborting round")
	cancel()
	delete(l.active, sessionKey)
	return true
}

// IsRunning checks if a round is currently running for a session
func (l *Loop) IsRunning(sessionKey string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, exists := l.active[sessionKey]
	return exists
}

// Close cancels running rounds and rejects queued ones.
func (l *Loop) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	for key, cancel := range l.active {
		cancel()
		delete(l.active, key)
	}
	l.mu.Unlock()

	l.dedup.Stop()
	if l.ownsQueue {
		return l.queue.Close()
	}
	return nil
}

func (l *Loop) register(sessionKey string, cancel context.CancelFunc) {
	l.mu.Lock()
	l.active[sessionKey] = cancel
	l.mu.Unlock()
}

func (l *Loop) unregister(sessionKey string) {
	l.mu.Lock()
	delete(l.active, sessionKey)
	l.mu.Unlock()
}

func (l *Loop) prompt() string {
	if l.cfg.PromptFunc != nil {
		if p := l.cfg.PromptFunc(); p != "" {
			return p
		}
	}
	return l.cfg.SystemPrompt
}

// runRound drives one message through the state machine. The working copy
// is persisted after each tool batch and at the end; on any error it is
// discarded and the session stays at its last checkpoint.
func (l *Loop) runRound(ctx context.Context, msg bus.InboundMessage) (answer string, err error) {
	key := msg.SessionKey
	ctx = tracing.NewRoundContext(ctx, key, msg.ID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.round", attribute.String("session_key", key))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, l.logger)

	roundCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	l.register(key, cancel)
	defer l.unregister(key)

	start := time.Now()
	cycles := 0
	outcome := OutcomeAnswered
	defer func() {
		if err != nil {
			tracing.FailSpan(span, err)
		}
		observability.RecordRound(outcome, time.Since(start), cycles)
		observability.RecordSessionAudit(ctx, key, "round_"+outcome)
		if l.cfg.OnRoundFinished != nil {
			l.cfg.OnRoundFinished(RoundEvent{
				SessionKey: key,
				MessageID:  msg.ID,
				Channel:    msg.Channel,
				Outcome:    outcome,
				ToolRounds: cycles,
				Duration:   time.Since(start),
				Err:        err,
			})
		}
		logger.Info().
			Str("outcome", outcome).
			Int("tool_rounds", cycles).
			Dur("duration", time.Since(start)).
			Msg("Round finished")
	}()

	state := stateIdle
	setState := func(next roundState) {
		state = next
		logger.Debug().Stringer("state", state).Int("tool_rounds", cycles).Msg("Round state")
	}
	var sess *session.Session
	cancelled := func() error {
		outcome = OutcomeCancelled
		return fmt.Errorf("%w: %v", ErrRoundCancelled, context.Cause(roundCtx))
	}
	persist := func() error {
		if err := l.store.Save(roundCtx, sess); err != nil {
			outcome = OutcomePersistError
			if !errors.Is(err, session.ErrPersistence) {
				err = fmt.Errorf("%w: %w", session.ErrPersistence, err)
			}
			logger.Error().Err(err).Msg("Failed to persist session")
			return err
		}
		return nil
	}

	sess, err = l.store.GetOrCreate(roundCtx, key)
	if err != nil {
		if roundCtx.Err() != nil {
			return "", cancelled()
		}
		outcome = OutcomePersistError
		logger.Error().Err(err).Msg("Failed to load session")
		return "", fmt.Errorf("%w: failed to load session: %w", session.ErrPersistence, err)
	}
	sess.AddMessage(session.NewUserMessage(msg.Content))

	for {
		if roundCtx.Err() != nil {
			return "", cancelled()
		}

		setState(stateBuildingContext)
		request := LLMRequest{
			Model:       l.cfg.Model,
			Messages:    l.builder.Build(l.prompt(), sess.Messages),
			Tools:       l.tools.Schemas(),
			MaxTokens:   l.cfg.MaxTokens,
			Temperature: l.cfg.Temperature,
		}

		setState(stateAwaitingProvider)
		resp, err := l.callWithRetry(roundCtx, request)
		if err != nil {
			if roundCtx.Err() != nil {
				return "", cancelled()
			}
			outcome = OutcomeProviderError
			return "", fmt.Errorf("%w: %w", ErrProviderFailed, err)
		}

		calls := sanitizeToolCalls(resp.ToolCalls)
		if len(calls) == 0 {
			sess.AddMessage(session.NewAssistantMessage(resp.Content))
			if err := persist(); err != nil {
				return "", err
			}
			setState(stateDone)
			return resp.Content, nil
		}

		if cycles >= l.cfg.MaxToolRounds {
			logger.Warn().Int("max_tool_rounds", l.cfg.MaxToolRounds).Msg("Tool round limit reached")
			notice := fmt.Sprintf(roundLimitText, l.cfg.MaxToolRounds)
			sess.AddMessage(session.NewAssistantMessage(notice))
			if err := persist(); err != nil {
				return "", err
			}
			outcome = OutcomeLimitReached
			setState(stateDone)
			return notice, nil
		}

		sess.AddMessage(session.NewAssistantWithTools(resp.Content, calls))
		setState(stateExecutingTools)
		results := l.executeTools(roundCtx, key, calls)
		if roundCtx.Err() != nil {
			return "", cancelled()
		}
		for _, result := range results {
			sess.AddMessage(result)
		}
		cycles++

		if err := persist(); err != nil {
			return "", err
		}
	}
}

// callWithRetry calls the provider with exponential backoff on retryable
// errors: base, 2*base, 4*base...
func (l *Loop) callWithRetry(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	logger := tracing.LoggerFromContext(ctx, l.logger)
	name := l.provider.Provider()

	var lastErr error
	for attempt := 0; attempt <= l.cfg.MaxRetries; attempt++ {
		callCtx, span := tracing.StartSpan(ctx, tracerName, "agent.provider_call",
			attribute.String("provider", name),
			attribute.Int("attempt", attempt+1),
		)
		resp, err := l.provider.Call(callCtx, request)
		if err == nil && resp == nil {
			err = errors.New("provider returned no response")
		}
		tracing.FailSpan(span, err)
		span.End()
		observability.RecordProviderCall(name, err == nil)

		if err == nil {
			if resp.Usage != nil {
				logger.Debug().
					Int("input_tokens", resp.Usage.InputTokens).
					Int("output_tokens", resp.Usage.OutputTokens).
					Str("stop_reason", resp.StopReason).
					Msg("Provider responded")
			}
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil || !IsRetryableError(err) || attempt == l.cfg.MaxRetries {
			break
		}

		delay := l.cfg.RetryBaseDelay * time.Duration(1<<attempt)
		logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying after error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	logger.Error().Err(lastErr).Str("provider", name).Msg("Provider call failed")
	return nil, lastErr
}

// executeTools runs calls concurrently, bounded by MaxParallelTools, and
// returns their tool messages in call order.
func (l *Loop) executeTools(ctx context.Context, sessionKey string, calls []session.ToolCall) []session.Message {
	results := make([]session.Message, len(calls))
	p := pool.New().WithMaxGoroutines(l.cfg.MaxParallelTools)
	for i, call := range calls {
		i, call := i, call
		p.Go(func() {
			results[i] = l.runTool(ctx, sessionKey, call)
		})
	}
	p.Wait()
	return results
}

func (l *Loop) runTool(ctx context.Context, sessionKey string, call session.ToolCall) session.Message {
	tc := &toolexecutor.ToolContext{
		Workspace:  l.cfg.Workspace,
		SessionKey: sessionKey,
		Timeout:    l.cfg.ToolTimeout,
	}
	output, err := l.tools.Execute(ctx, call, tc)
	if err == nil {
		return session.NewToolResultMessage(call.ID, output)
	}

	var toolErr *toolexecutor.ToolError
	if errors.As(err, &toolErr) && toolErr.Message != "" {
		return session.NewToolErrorMessage(call.ID, toolErrorPrefix+toolErr.Message)
	}
	return session.NewToolErrorMessage(call.ID, toolErrorPrefix+err.Error())
}

// sanitizeToolCalls gives every call a unique, non-empty ID. Calls with an
// empty name are kept; they resolve to "tool not found".
func sanitizeToolCalls(calls []session.ToolCall) []session.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]session.ToolCall, 0, len(calls))
	seen := make(map[string]bool, len(calls))
	for _, call := range calls {
		call.ID = strings.TrimSpace(call.ID)
		call.Name = strings.TrimSpace(call.Name)
		if call.ID == "" || seen[call.ID] {
			call.ID = newToolCallID()
		}
		seen[call.ID] = true
		out = append(out, call)
	}
	return out
}

func newToolCallID() string {
	id, err := gonanoid.New()
	if err != nil {
		return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return "call_" + id
}
