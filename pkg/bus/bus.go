// Package bus carries inbound user messages to the agent loop and its replies
// back to whichever front door is listening.
package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/harun/lumen/internal/observability"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrBusClosed is returned by every operation on a closed bus.
var ErrBusClosed = errors.New("message bus closed")

const (
	DriverMemory = "memory"
	DriverRedis  = "redis"

	defaultInboundCapacity    = 256
	defaultSubscriberCapacity = 64
)

// Bus moves messages between front doors and the agent loop. Inbound
// messages are consumed by exactly one consumer; outbound messages are
// delivered to every subscriber.
type Bus interface {
	PublishInbound(ctx context.Context, msg InboundMessage) error
	// ConsumeInbound blocks until a message is available, ctx ends or the
	// bus is closed.
	ConsumeInbound(ctx context.Context) (InboundMessage, error)
	PublishOutbound(ctx context.Context, msg OutboundMessage) error
	// SubscribeOutbound returns a channel of replies and a function that
	// ends the subscription. The channel is closed when the subscription
	// ends, ctx ends or the bus is closed.
	SubscribeOutbound(ctx context.Context) (<-chan OutboundMessage, func(), error)
	Close() error
}

// MessageBus is an in-process Bus.
type MessageBus struct {
	inbound chan InboundMessage
	done    chan struct{}
	logger  zerolog.Logger

	mu          sync.RWMutex
	closed      bool
	subscribers map[int]chan OutboundMessage
	nextSubID   int
}

// NewMessageBus creates an in-process bus. capacity bounds the inbound
// backlog; PublishInbound blocks while it is full.
func NewMessageBus(capacity int) *MessageBus {
	if capacity <= 0 {
		capacity = defaultInboundCapacity
	}
	observability.EnsureRegistered()
	return &MessageBus{
		inbound:     make(chan InboundMessage, capacity),
		done:        make(chan struct{}),
		logger:      log.With().Str("component", "bus").Str("driver", DriverMemory).Logger(),
		subscribers: make(map[int]chan OutboundMessage),
	}
}

func (b *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	select {
	case <-b.done:
		return ErrBusClosed
	default:
	}

	select {
	case b.inbound <- msg:
		observability.RecordBusMessage(DriverMemory, "inbound")
		return nil
	case <-b.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, error) {
	select {
	case <-b.done:
		return InboundMessage{}, ErrBusClosed
	default:
	}

	select {
	case msg := <-b.inbound:
		return msg, nil
	case <-b.done:
		return InboundMessage{}, ErrBusClosed
	case <-ctx.Done():
		return InboundMessage{}, ctx.Err()
	}
}

// PublishOutbound fans msg out to all subscribers. A subscriber whose
// buffer is full misses the message; the drop is logged.
func (b *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	for id, ch := range b.subscribers {
		select {
		case ch <- msg:
		default:
			b.logger.Warn().
				Int("subscriber", id).
				Str("session_key", msg.SessionKey).
				Str("in_reply_to", msg.InReplyTo).
				Msg("Outbound subscriber is full, dropping message")
		}
	}
	observability.RecordBusMessage(DriverMemory, "outbound")
	return nil
}

func (b *MessageBus) SubscribeOutbound(ctx context.Context) (<-chan OutboundMessage, func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, ErrBusClosed
	}
	id := b.nextSubID
	b.nextSubID++
	ch := make(chan OutboundMessage, defaultSubscriberCapacity)
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subscribers[id]; ok {
				delete(b.subscribers, id)
				close(sub)
			}
		})
	}

	stop := context.AfterFunc(ctx, cancel)
	return ch, func() {
		stop()
		cancel()
	}, nil
}

// SubscriberCount returns the number of live outbound subscriptions.
func (b *MessageBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close stops the bus and ends all subscriptions. Messages still queued
// inbound are discarded.
func (b *MessageBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
	return nil
}
