package pubsub

import (
	"context"
	"sync"
)

// MemoryBus delivers messages to subscribers in the same process. It backs
// single-instance deployments and tests.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	closed bool
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[*memorySubscription]struct{})}
}

type memorySubscription struct {
	bus     *MemoryBus
	ctx     context.Context
	topics  map[string]struct{}
	handler Handler

	once sync.Once
	done chan struct{}
}

func (s *memorySubscription) Close() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.stop()
	return nil
}

func (s *memorySubscription) Done() <-chan struct{} { return s.done }

func (s *memorySubscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// Publish hands payload to every matching subscriber before returning.
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	var targets []*memorySubscription
	for sub := range b.subs {
		if _, ok := sub.topics[topic]; ok && sub.ctx.Err() == nil {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		data := make([]byte, len(payload))
		copy(data, payload)
		sub.handler(sub.ctx, Message{Topic: topic, Payload: data})
	}
	return nil
}

// Subscribe registers handler for topics.
func (b *MemoryBus) Subscribe(ctx context.Context, handler Handler, topics ...string) (Subscription, error) {
	if len(topics) == 0 {
		return nil, ErrNoTopics
	}

	sub := &memorySubscription{
		bus:     b,
		ctx:     ctx,
		topics:  make(map[string]struct{}, len(topics)),
		handler: handler,
		done:    make(chan struct{}),
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// Close drops all subscribers.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for sub := range b.subs {
		sub.stop()
	}
	b.subs = make(map[*memorySubscription]struct{})
	return nil
}
