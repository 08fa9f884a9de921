package pubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPublishTimeout = 2 * time.Second
	healthCheckInterval   = 15 * time.Second
	subscriptionBuffer    = 256
)

// RedisBus bridges processes over Redis PUBLISH/SUBSCRIBE. Publishing and
// subscribing use separate clients because a connection in subscribe mode
// cannot issue other commands.
type RedisBus struct {
	pub            *redis.Client
	sub            *redis.Client
	publishTimeout time.Duration

	mu     sync.Mutex
	active map[*redisSubscription]struct{}
	closed bool
}

// RedisOption configures a RedisBus.
type RedisOption func(*RedisBus)

// WithPublishTimeout bounds how long Publish waits on a degraded connection.
func WithPublishTimeout(d time.Duration) RedisOption {
	return func(b *RedisBus) {
		if d > 0 {
			b.publishTimeout = d
		}
	}
}

// NewRedisBus wires the publish and subscribe clients into a bus. The clients
// stay owned by the caller.
func NewRedisBus(pub, sub *redis.Client, opts ...RedisOption) *RedisBus {
	b := &RedisBus{
		pub:            pub,
		sub:            sub,
		publishTimeout: defaultPublishTimeout,
		active:         make(map[*redisSubscription]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish sends payload on the Redis channel named topic.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	ctx, cancel := context.WithTimeout(ctx, b.publishTimeout)
	defer cancel()

	if err := b.pub.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

type redisSubscription struct {
	bus  *RedisBus
	ps   *redis.PubSub
	once sync.Once
	done chan struct{}
}

func (s *redisSubscription) Done() <-chan struct{} { return s.done }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.ps.Close()
		<-s.done
		s.bus.mu.Lock()
		delete(s.bus.active, s)
		s.bus.mu.Unlock()
	})
	return err
}

// Subscribe issues SUBSCRIBE for topics and waits for the server to confirm
// it. go-redis re-dials and re-subscribes on its own after connection loss.
func (b *RedisBus) Subscribe(ctx context.Context, handler Handler, topics ...string) (Subscription, error) {
	if len(topics) == 0 {
		return nil, ErrNoTopics
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	ps := b.sub.Subscribe(ctx, topics...)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	s := &redisSubscription{bus: b, ps: ps, done: make(chan struct{})}
	ch := ps.Channel(
		redis.WithChannelSize(subscriptionBuffer),
		redis.WithChannelHealthCheckInterval(healthCheckInterval),
	)

	go func() {
		defer close(s.done)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(ctx, Message{Topic: msg.Channel, Payload: []byte(msg.Payload)})
			}
		}
	}()

	b.mu.Lock()
	b.active[s] = struct{}{}
	b.mu.Unlock()

	return s, nil
}

// Close ends every subscription opened through this bus.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := make([]*redisSubscription, 0, len(b.active))
	for s := range b.active {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	return nil
}
