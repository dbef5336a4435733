package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/lumen/internal/config"
	"github.com/harun/lumen/internal/logger"
	"github.com/harun/lumen/internal/observability"
	"github.com/harun/lumen/internal/tracing"
	"github.com/harun/lumen/pkg/agent"
	"github.com/harun/lumen/pkg/bus"
	"github.com/harun/lumen/pkg/channels"
	"github.com/harun/lumen/pkg/commandqueue"
	"github.com/harun/lumen/pkg/coretools"
	"github.com/harun/lumen/pkg/cron"
	"github.com/harun/lumen/pkg/gateway"
	"github.com/harun/lumen/pkg/hooks"
	"github.com/harun/lumen/pkg/session"
	"github.com/harun/lumen/pkg/toolexecutor"
	"github.com/harun/lumen/pkg/workspace"
	"github.com/rs/zerolog"
)

// CLIChannel is the channel `lumen chat` speaks on when it reaches a
// daemon through a shared bus.
const CLIChannel = "cli"

const stopTimeout = 10 * time.Second

// Daemon wires the agent loop to its bus, channels and housekeeping.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	queue    *commandqueue.CommandQueue
	store    *session.Store
	tools    *toolexecutor.ToolExecutor
	provider agent.LLMProvider
	bus      bus.Bus
	loop     *agent.Loop
	prompt   *workspace.PromptFile
	hooks    *hooks.Manager

	// Services
	gatewayServer   *gateway.Server
	cronService     *cron.Service
	channelRegistry *channels.Registry

	// Internal
	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime   time.Time
	running     bool
	mu          sync.RWMutex
	releaseOnce sync.Once

	tracingEnabled bool
}

// Status reports whether the daemon is running and for how long.
type Status struct {
	Running   bool
	StartTime time.Time
	Uptime    time.Duration
}

var newProvider = func(profiles []agent.AuthProfile, log zerolog.Logger) (agent.LLMProvider, error) {
	return agent.NewFailoverProvider(profiles, agent.WithFailoverLogger(log))
}

var newBus = func(ctx context.Context, cfg config.BusConfig) (bus.Bus, error) {
	switch cfg.Driver {
	case bus.DriverRedis:
		return bus.NewRedisBus(ctx, bus.RedisOptions{
			Addr:            cfg.Redis.Addr,
			Password:        cfg.Redis.Password,
			DB:              cfg.Redis.DB,
			InboundKey:      cfg.Redis.InboundKey,
			OutboundChannel: cfg.Redis.OutboundChannel,
		})
	default:
		return bus.NewMessageBus(cfg.Capacity), nil
	}
}

// New builds every module without starting anything. A daemon that is
// never started still serves ProcessDirect through its loop.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Telemetry.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Telemetry.ServiceName); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Info().Msg("Tracing initialized")
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		d.release()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		d.release()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// initializeCoreModules initializes all core modules
func (d *Daemon) initializeCoreModules() error {
	cfg := d.config

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.MkdirAll(cfg.WorkspacePath, 0755); err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}

	auditPath := filepath.Join(cfg.DataDir, "audit.log")
	if err := observability.InitAuditLogger(auditPath); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
	}

	d.queue = commandqueue.New()

	store, err := session.NewStore(filepath.Join(cfg.DataDir, "sessions"),
		session.WithLogger(d.logger.Component("session")))
	if err != nil {
		return fmt.Errorf("failed to create session store: %w", err)
	}
	d.store = store
	d.logger.Info().Str("dir", store.Dir()).Msg("Session store initialized")

	d.tools = toolexecutor.New(
		toolexecutor.WithDefaultTimeout(cfg.Agent.ToolTimeout()),
		toolexecutor.WithPolicy(&toolexecutor.ToolPolicy{
			Allow: cfg.Agent.Tools.Allow,
			Deny:  cfg.Agent.Tools.Deny,
		}),
		toolexecutor.WithLogger(d.logger.Component("toolexecutor")),
	)
	if err := coretools.RegisterCoreTools(d.tools, coretools.Options{WorkspaceRoot: cfg.WorkspacePath}); err != nil {
		return fmt.Errorf("failed to register core tools: %w", err)
	}
	d.logger.Info().Strs("tools", d.tools.List()).Msg("Tools registered")

	provider, err := newProvider(convertAuthProfiles(cfg.AI.Profiles), d.logger.Component("provider"))
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}
	d.provider = provider

	if cfg.Agent.SystemPromptFile != "" {
		prompt, err := workspace.NewPromptFile(cfg.Agent.SystemPromptFile,
			workspace.WithFallback(cfg.Agent.SystemPrompt),
			workspace.WithLogger(d.logger.Component("prompt")),
		)
		if err != nil {
			return fmt.Errorf("failed to load system prompt file: %w", err)
		}
		d.prompt = prompt
	}

	hookManager, err := hooks.NewManager(convertHooks(cfg.Hooks, d.logger.GetZerolog()))
	if err != nil {
		return fmt.Errorf("failed to create hook manager: %w", err)
	}
	d.hooks = hookManager

	b, err := newBus(d.ctx, cfg.Bus)
	if err != nil {
		return fmt.Errorf("failed to create message bus: %w", err)
	}
	d.bus = b
	d.logger.Info().Str("driver", cfg.Bus.Driver).Msg("Message bus initialized")

	loopCfg := agent.Config{
		Store:              d.store,
		Tools:              d.tools,
		Provider:           d.provider,
		Queue:              d.queue,
		Bus:                d.bus,
		Logger:             d.logger.GetZerolog(),
		Model:              cfg.Agent.Model,
		MaxTokens:          cfg.Agent.MaxTokens,
		Temperature:        cfg.Agent.Temperature,
		SystemPrompt:       cfg.Agent.SystemPrompt,
		Workspace:          cfg.WorkspacePath,
		MaxToolRounds:      cfg.Agent.MaxToolRounds,
		MaxParallelTools:   cfg.Agent.MaxParallelTools,
		ToolTimeout:        cfg.Agent.ToolTimeout(),
		MaxContextTokens:   cfg.Agent.MaxContextTokens,
		MaxContextMessages: cfg.Agent.MaxContextMessages,
		MaxRetries:         cfg.Agent.MaxRetries,
		OnRoundFinished:    d.onRoundFinished,
	}
	if d.prompt != nil {
		loopCfg.PromptFunc = d.prompt.Prompt
	}

	loop, err := agent.NewLoop(loopCfg)
	if err != nil {
		return fmt.Errorf("failed to create agent loop: %w", err)
	}
	d.loop = loop
	d.logger.Info().
		Str("model", cfg.Agent.Model).
		Int("max_tool_rounds", cfg.Agent.MaxToolRounds).
		Msg("Agent loop initialized")

	return nil
}

// initializeServices builds the channels. The cron service is created on
// Start because loading it arms its timers.
func (d *Daemon) initializeServices() error {
	d.channelRegistry = channels.NewRegistry(d.bus, d.logger.Component("channels"))

	for _, name := range []string{cron.ChannelName, CLIChannel} {
		if err := d.channelRegistry.Register(channels.NewDirectChannel(name)); err != nil {
			return fmt.Errorf("failed to register channel %s: %w", name, err)
		}
	}

	if d.config.Gateway.Enabled {
		gw := d.config.Gateway
		server, err := gateway.NewServer(gateway.Config{
			Host:         gw.Host,
			Port:         gw.Port,
			SharedSecret: gw.SharedSecret,
			TickInterval: time.Duration(gw.TickInterval) * time.Millisecond,
			Limits: gateway.Limits{
				RequestsPerMinute: gw.RequestsPerMinute,
				MaxConcurrent:     gw.MaxConcurrent,
			},
			Store:   d.store,
			Queue:   d.queue,
			Aborter: d.loop,
			Logger:  d.logger.Component("gateway"),
		})
		if err != nil {
			return fmt.Errorf("failed to create gateway server: %w", err)
		}
		if err := d.channelRegistry.Register(server); err != nil {
			return fmt.Errorf("failed to register gateway channel: %w", err)
		}
		d.gatewayServer = server
	}

	return nil
}

func (d *Daemon) startCron() error {
	cronLogger := d.logger.Component("cron")
	service, err := cron.NewService(cron.ServiceOptions{
		StorePath: filepath.Join(d.config.DataDir, "cron", "jobs.json"),
		Bus:       d.bus,
		OnEvent:   d.onCronEvent,
		Logger:    &cronLogger,
	})
	if err != nil {
		return err
	}
	d.cronService = service

	maintenance := d.config.Maintenance
	if maintenance.EvictSchedule == "" {
		return nil
	}
	job, err := cron.RegisterMaintenance(service, d.store, maintenance.EvictSchedule, maintenance.IdleTTL(), cronLogger)
	if err != nil {
		return fmt.Errorf("failed to register maintenance: %w", err)
	}
	cronLogger.Info().Str("job_id", job.ID).Str("schedule", maintenance.EvictSchedule).Msg("Session eviction scheduled")
	return nil
}

func (d *Daemon) onRoundFinished(evt agent.RoundEvent) {
	data := map[string]interface{}{
		"session_key": evt.SessionKey,
		"message_id":  evt.MessageID,
		"channel":     evt.Channel,
		"outcome":     evt.Outcome,
		"tool_rounds": evt.ToolRounds,
		"duration_ms": evt.Duration.Milliseconds(),
	}
	if evt.Err != nil {
		data["error"] = evt.Err.Error()
	}
	d.hooks.Fire(hooks.EventRoundFinished, data)
}

func (d *Daemon) onCronEvent(evt cron.Event) {
	if evt.Action != cron.EventActionFinished {
		return
	}
	data := map[string]interface{}{
		"job_id":      evt.JobID,
		"status":      evt.Status,
		"duration_ms": evt.Duration.Milliseconds(),
	}
	if evt.Error != "" {
		data["error"] = evt.Error
	}
	d.hooks.Fire(hooks.EventCronFinished, data)
}

func convertHooks(cfg config.HooksConfig, log zerolog.Logger) hooks.Config {
	result := hooks.Config{Enabled: cfg.Enabled, Logger: log}
	for _, h := range cfg.Hooks {
		result.Hooks = append(result.Hooks, hooks.Hook{
			ID:      h.ID,
			Event:   h.Event,
			Script:  h.Script,
			Timeout: time.Duration(h.TimeoutSeconds) * time.Second,
			Enabled: h.Enabled,
		})
	}
	return result
}

func convertAuthProfiles(profiles []config.AIProfile) []agent.AuthProfile {
	result := make([]agent.AuthProfile, 0, len(profiles))
	for _, p := range profiles {
		result = append(result, agent.AuthProfile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			BaseURL:  p.BaseURL,
			Priority: p.Priority,
		})
	}
	return result
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting lumen daemon")

	if err := d.start(logger); err != nil {
		if stopErr := d.Stop(); stopErr != nil {
			logger.Error().Err(stopErr).Msg("Failed to stop after failed start")
		}
		return err
	}

	logger.Info().Strs("channels", d.channelRegistry.Names()).Msg("Daemon started")
	d.hooks.Fire(hooks.EventDaemonStart, map[string]interface{}{"pid": os.Getpid()})
	return nil
}

func (d *Daemon) start(logger zerolog.Logger) error {
	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.prompt != nil {
		if err := d.prompt.Watch(); err != nil {
			logger.Warn().Err(err).Str("path", d.prompt.Path()).Msg("Failed to watch system prompt file")
		}
	}

	if err := d.startCron(); err != nil {
		return fmt.Errorf("failed to start cron service: %w", err)
	}

	if err := d.channelRegistry.StartAll(d.ctx); err != nil {
		return fmt.Errorf("failed to start channels: %w", err)
	}

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		if err := d.loop.Run(d.ctx); err != nil {
			logger.Error().Err(err).Msg("Agent loop exited")
		}
	}()
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	return nil
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping lumen daemon")

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	if err := d.channelRegistry.StopAll(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop channels")
	}

	if d.cronService != nil {
		if err := d.cronService.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop cron service")
		}
	}

	d.eventLoop.HandleShutdown()

	// Cancelling the root context ends loop.Run after in-flight rounds reply.
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info().Msg("All goroutines stopped")
	case <-ctx.Done():
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if err := d.hooks.Trigger(ctx, hooks.EventDaemonStop, map[string]interface{}{"pid": os.Getpid()}); err != nil {
		logger.Warn().Err(err).Msg("Stop hook failed")
	}

	d.release()

	logger.Info().Msg("Daemon stopped")
	return nil
}

// Close releases a daemon that was built but never started.
func (d *Daemon) Close() error {
	d.mu.RLock()
	running := d.running
	d.mu.RUnlock()
	if running {
		return d.Stop()
	}
	d.release()
	return nil
}

// release closes the core modules once. Safe on a partially built daemon.
func (d *Daemon) release() {
	d.releaseOnce.Do(d.closeModules)
}

func (d *Daemon) closeModules() {
	d.cancel()

	if d.loop != nil {
		if err := d.loop.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close agent loop")
		}
	}
	if d.queue != nil {
		if err := d.queue.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close command queue")
		}
	}
	if d.bus != nil {
		if err := d.bus.Close(); err != nil && !errors.Is(err, bus.ErrBusClosed) {
			d.logger.Error().Err(err).Msg("Failed to close message bus")
		}
	}
	if d.prompt != nil {
		if err := d.prompt.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close prompt watcher")
		}
	}
	d.hooks.Wait()

	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	if err := observability.GetAuditLogger().Close(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to close audit logger")
	}
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}

	return status
}

// Wait blocks until SIGINT, SIGTERM or ctx ends, then stops the daemon.
func (d *Daemon) Wait(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-sigCtx.Done()
	d.logger.Info().Msg("Shutdown requested")

	return d.Stop()
}

// ProcessDirect runs one round in-process without touching the bus.
func (d *Daemon) ProcessDirect(ctx context.Context, sessionKey, content string) (string, error) {
	return d.loop.ProcessDirect(ctx, sessionKey, content)
}

// GetHooks returns the hook manager
func (d *Daemon) GetHooks() *hooks.Manager {
	return d.hooks
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// GetQueue returns the command queue
func (d *Daemon) GetQueue() *commandqueue.CommandQueue {
	return d.queue
}

// GetStore returns the session store
func (d *Daemon) GetStore() *session.Store {
	return d.store
}

// GetToolExecutor returns the tool executor
func (d *Daemon) GetToolExecutor() *toolexecutor.ToolExecutor {
	return d.tools
}

// GetLoop returns the agent loop
func (d *Daemon) GetLoop() *agent.Loop {
	return d.loop
}

// GetBus returns the message bus
func (d *Daemon) GetBus() bus.Bus {
	return d.bus
}

// GetGatewayServer returns the gateway, nil when disabled
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

// GetCronService returns the cron service, nil before Start
func (d *Daemon) GetCronService() *cron.Service {
	return d.cronService
}

// GetChannelRegistry returns the channel registry
func (d *Daemon) GetChannelRegistry() *channels.Registry {
	return d.channelRegistry
}
