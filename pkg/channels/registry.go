package channels

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/harun/lumen/pkg/bus"
	"github.com/rs/zerolog"
)

// Registry owns the channels attached to one bus and starts and stops them
// together.
type Registry struct {
	bus    bus.Bus
	logger zerolog.Logger

	mu       sync.RWMutex
	channels map[string]Channel
	started  map[string]bool
}

// NewRegistry constructs a channel registry over b.
func NewRegistry(b bus.Bus, logger zerolog.Logger) *Registry {
	return &Registry{
		bus:      b,
		logger:   logger.With().Str("component", "channels").Logger(),
		channels: make(map[string]Channel),
		started:  make(map[string]bool),
	}
}

// Register adds a channel to the registry.
func (r *Registry) Register(ch Channel) error {
	if ch == nil {
		return fmt.Errorf("channel is required")
	}

	name := strings.TrimSpace(ch.Name())
	if name == "" {
		return fmt.Errorf("channel name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.channels[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}

	r.channels[name] = ch
	return nil
}

// IsRegistered returns true when channel exists in the registry.
func (r *Registry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[strings.TrimSpace(name)]
	return ok
}

// Names returns sorted registered channel names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns a registered channel by name.
func (r *Registry) Get(name string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[strings.TrimSpace(name)]
	return ch, ok
}

// Publish validates msg and puts it on the bus. The message must name a
// registered channel so its reply has somewhere to go.
func (r *Registry) Publish(ctx context.Context, msg bus.InboundMessage) error {
	if r.bus == nil {
		return fmt.Errorf("message bus is not configured")
	}

	msg.Channel = strings.TrimSpace(msg.Channel)
	if msg.Channel == "" {
		return fmt.Errorf("channel is required")
	}
	if !r.IsRegistered(msg.Channel) {
		return fmt.Errorf("channel %q is not registered", msg.Channel)
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	return r.bus.PublishInbound(ctx, msg)
}

// StartAll starts all registered channels. On failure the channels already
// started are stopped again.
func (r *Registry) StartAll(ctx context.Context) error {
	names := r.Names()
	for i, name := range names {
		if err := r.Start(ctx, name); err != nil {
			for j := i - 1; j >= 0; j-- {
				if stopErr := r.Stop(ctx, names[j]); stopErr != nil {
					r.logger.Warn().Err(stopErr).Str("channel", names[j]).Msg("Failed to stop channel after start failure")
				}
			}
			return err
		}
	}
	return nil
}

// StopAll stops all registered channels.
func (r *Registry) StopAll(ctx context.Context) error {
	var firstErr error
	names := r.Names()
	for i := len(names) - 1; i >= 0; i-- {
		if err := r.Stop(ctx, names[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Start starts a registered channel by name.
func (r *Registry) Start(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("channel name is required")
	}

	r.mu.Lock()
	ch, ok := r.channels[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("channel %q is not registered", name)
	}
	if r.started[name] {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if r.bus == nil {
		return fmt.Errorf("message bus is not configured")
	}
	if err := ch.Start(ctx, r.bus); err != nil {
		return fmt.Errorf("failed to start channel %q: %w", name, err)
	}
	r.logger.Info().Str("channel", name).Msg("Channel started")

	r.mu.Lock()
	r.started[name] = true
	r.mu.Unlock()

	return nil
}

// Stop stops a registered channel by name.
func (r *Registry) Stop(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("channel name is required")
	}

	r.mu.Lock()
	ch, ok := r.channels[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("channel %q is not registered", name)
	}
	if !r.started[name] {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := ch.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop channel %q: %w", name, err)
	}

	r.mu.Lock()
	delete(r.started, name)
	r.mu.Unlock()
	r.logger.Info().Str("channel", name).Msg("Channel stopped")

	return nil
}
