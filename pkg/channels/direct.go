package channels

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/lumen/pkg/bus"
)

// DirectChannel sends one message at a time and waits for its reply. It
// backs `lumen chat` when the agent runs in another process behind a
// shared bus.
type DirectChannel struct {
	name string
	bus  bus.Bus
}

// NewDirectChannel creates a direct channel by name.
func NewDirectChannel(name string) *DirectChannel {
	return &DirectChannel{name: strings.TrimSpace(name)}
}

// Name returns channel name.
func (c *DirectChannel) Name() string {
	return c.name
}

// Start binds the channel to b.
func (c *DirectChannel) Start(_ context.Context, b bus.Bus) error {
	if c.name == "" {
		return fmt.Errorf("channel name is required")
	}
	if b == nil {
		return fmt.Errorf("message bus is required")
	}
	c.bus = b
	return nil
}

// Stop is a no-op for direct channels.
func (c *DirectChannel) Stop(_ context.Context) error {
	return nil
}

// Send publishes content for sessionKey and blocks until the matching reply
// arrives or ctx ends.
func (c *DirectChannel) Send(ctx context.Context, sessionKey, content string) (bus.OutboundMessage, error) {
	if c.bus == nil {
		return bus.OutboundMessage{}, fmt.Errorf("channel %q is not started", c.name)
	}

	// Subscribe before publishing so a fast reply is not missed.
	replies, cancel, err := c.bus.SubscribeOutbound(ctx)
	if err != nil {
		return bus.OutboundMessage{}, fmt.Errorf("failed to subscribe to replies: %w", err)
	}
	defer cancel()

	msg := bus.NewInbound(c.name, sessionKey, content)
	if err := c.bus.PublishInbound(ctx, msg); err != nil {
		return bus.OutboundMessage{}, fmt.Errorf("failed to publish message: %w", err)
	}

	for {
		select {
		case reply, ok := <-replies:
			if !ok {
				if err := ctx.Err(); err != nil {
					return bus.OutboundMessage{}, err
				}
				return bus.OutboundMessage{}, bus.ErrBusClosed
			}
			if reply.InReplyTo == msg.ID {
				return reply, nil
			}
		case <-ctx.Done():
			return bus.OutboundMessage{}, ctx.Err()
		}
	}
}
