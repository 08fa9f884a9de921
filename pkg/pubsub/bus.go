// Package pubsub carries opaque payloads between processes on named topics.
//
// Every process subscribes to the same topics, so a message published by any
// instance is delivered to all instances, the publisher included.
package pubsub

import (
	"context"
	"errors"
)

// Message is one payload received from the bus.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler processes a received message. It runs on the subscription's
// goroutine and must not block for long.
type Handler func(ctx context.Context, msg Message)

// Subscription is an active subscription. Close stops delivery. Done is
// closed once the subscription will deliver nothing more, whether it was
// closed or lost by the transport.
type Subscription interface {
	Close() error
	Done() <-chan struct{}
}

// Bus is the cross-process publish/subscribe transport.
type Bus interface {
	// Publish sends payload on topic. It must return promptly when the
	// transport is unavailable rather than waiting for it to recover.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe returns once the subscription is confirmed by the transport.
	// Messages are then handed to handler until the subscription is closed
	// or ctx is cancelled.
	Subscribe(ctx context.Context, handler Handler, topics ...string) (Subscription, error)

	Close() error
}

var (
	ErrClosed   = errors.New("pubsub: bus closed")
	ErrNoTopics = errors.New("pubsub: no topics to subscribe")
)
