package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/lumen/internal/observability"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultInboundKey      = "lumen:inbound"
	DefaultOutboundChannel = "lumen:outbound"

	// brpopTimeout bounds each blocking pop so ctx and Close are noticed.
	brpopTimeout = time.Second
)

// RedisOptions configures a RedisBus.
type RedisOptions struct {
	Addr            string
	Password        string
	DB              int
	InboundKey      string
	OutboundChannel string
}

func (o RedisOptions) withDefaults() RedisOptions {
	if o.InboundKey == "" {
		o.InboundKey = DefaultInboundKey
	}
	if o.OutboundChannel == "" {
		o.OutboundChannel = DefaultOutboundChannel
	}
	return o
}

// RedisBus is a Bus backed by Redis. Inbound messages are a list used as a
// work queue (LPUSH / BRPOP), so each is consumed once even with several
// consumers. Outbound replies are published on a pub/sub channel.
type RedisBus struct {
	client *redis.Client
	opts   RedisOptions
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	subs   map[*redis.PubSub]struct{}
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(ctx context.Context, opts RedisOptions) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	return NewRedisBusFromClient(client, opts), nil
}

// NewRedisBusFromClient wraps an existing client. The bus closes the client
// on Close.
func NewRedisBusFromClient(client *redis.Client, opts RedisOptions) *RedisBus {
	observability.EnsureRegistered()
	opts = opts.withDefaults()
	return &RedisBus{
		client: client,
		opts:   opts,
		logger: log.With().Str("component", "bus").Str("driver", DriverRedis).Logger(),
		done:   make(chan struct{}),
		subs:   make(map[*redis.PubSub]struct{}),
	}
}

func (b *RedisBus) isClosed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func (b *RedisBus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if b.isClosed() {
		return ErrBusClosed
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode inbound message: %w", err)
	}
	if err := b.client.LPush(ctx, b.opts.InboundKey, payload).Err(); err != nil {
		return fmt.Errorf("failed to push inbound message: %w", err)
	}
	observability.RecordBusMessage(DriverRedis, "inbound")
	return nil
}

// ConsumeInbound pops the oldest inbound message. Payloads that do not
// decode are logged and skipped.
func (b *RedisBus) ConsumeInbound(ctx context.Context) (InboundMessage, error) {
	for {
		if b.isClosed() {
			return InboundMessage{}, ErrBusClosed
		}
		if err := ctx.Err(); err != nil {
			return InboundMessage{}, err
		}

		res, err := b.client.BRPop(ctx, brpopTimeout, b.opts.InboundKey).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return InboundMessage{}, ctx.Err()
			}
			if b.isClosed() || errors.Is(err, redis.ErrClosed) {
				return InboundMessage{}, ErrBusClosed
			}
			return InboundMessage{}, fmt.Errorf("failed to pop inbound message: %w", err)
		}

		// BRPOP replies with [key, value].
		if len(res) != 2 {
			continue
		}
		var msg InboundMessage
		if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
			b.logger.Warn().Err(err).Msg("Skipping undecodable inbound message")
			continue
		}
		if err := msg.Validate(); err != nil {
			b.logger.Warn().Err(err).Str("id", msg.ID).Msg("Skipping invalid inbound message")
			continue
		}
		return msg, nil
	}
}

func (b *RedisBus) PublishOutbound(ctx context.Context, msg OutboundMessage) error {
	if b.isClosed() {
		return ErrBusClosed
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode outbound message: %w", err)
	}
	if err := b.client.Publish(ctx, b.opts.OutboundChannel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish outbound message: %w", err)
	}
	observability.RecordBusMessage(DriverRedis, "outbound")
	return nil
}

func (b *RedisBus) SubscribeOutbound(ctx context.Context) (<-chan OutboundMessage, func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, ErrBusClosed
	}
	sub := b.client.Subscribe(ctx, b.opts.OutboundChannel)
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	// Wait for subscription confirmation.
	if _, err := sub.Receive(ctx); err != nil {
		b.release(sub)
		return nil, nil, fmt.Errorf("failed to subscribe to %s: %w", b.opts.OutboundChannel, err)
	}

	out := make(chan OutboundMessage, defaultSubscriberCapacity)
	redisCh := sub.Channel()

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case raw, ok := <-redisCh:
				if !ok {
					return
				}
				var msg OutboundMessage
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					b.logger.Warn().Err(err).Msg("Skipping undecodable outbound message")
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				case <-b.done:
					return
				}
			}
		}
	}()

	return out, func() { b.release(sub) }, nil
}

func (b *RedisBus) release(sub *redis.PubSub) {
	b.mu.Lock()
	_, ok := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()
	if ok {
		_ = sub.Close()
	}
}

// Close ends all subscriptions and closes the Redis client.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	subs := make([]*redis.PubSub, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = map[*redis.PubSub]struct{}{}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}
	return nil
}
