package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gocomet/ride-dispatch/pkg/logger"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrUnavailable is returned by Publish while the broker connection is down.
var ErrUnavailable = errors.New("pubsub: broker unavailable")

// AMQPConfig holds RabbitMQ bus settings.
type AMQPConfig struct {
	URL             string
	Exchange        string
	ConnectTimeout  time.Duration
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
	PublishTimeout  time.Duration
}

// AMQPBus fans messages out through a RabbitMQ fanout exchange. Each process
// consumes from its own exclusive, auto-deleted queue bound to the exchange,
// so every instance sees every message. The topic travels in the message type.
type AMQPBus struct {
	cfg AMQPConfig
	log *logger.Logger

	mu     sync.RWMutex
	conn   *amqp.Connection
	pubCh  *amqp.Channel
	subs   map[*amqpSubscription]struct{}
	closed bool
	done   chan struct{}
}

// NewAMQPBus dials the broker, retrying with growing delay up to
// cfg.MaxRetries times, and declares the exchange.
func NewAMQPBus(ctx context.Context, cfg AMQPConfig, log *logger.Logger) (*AMQPBus, error) {
	if cfg.Exchange == "" {
		cfg.Exchange = "ride.realtime"
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.MinRetryBackoff == 0 {
		cfg.MinRetryBackoff = 50 * time.Millisecond
	}
	if cfg.MaxRetryBackoff == 0 {
		cfg.MaxRetryBackoff = 2 * time.Second
	}
	if cfg.PublishTimeout == 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}

	b := &AMQPBus{
		cfg:  cfg,
		log:  log,
		subs: make(map[*amqpSubscription]struct{}),
		done: make(chan struct{}),
	}

	delay := cfg.MinRetryBackoff
	for attempt := 0; ; attempt++ {
		notify, err := b.connect()
		if err == nil {
			go b.watch(notify)
			return b, nil
		}
		if attempt >= cfg.MaxRetries {
			return nil, fmt.Errorf("rabbitmq connect after %d attempts: %w", attempt+1, err)
		}

		log.Warn("RabbitMQ connection attempt failed",
			logger.Int("attempt", attempt+1),
			logger.Duration("retry_in", delay),
			logger.Err(err),
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = nextBackoff(delay, cfg.MaxRetryBackoff)
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func (b *AMQPBus) connect() (chan *amqp.Error, error) {
	conn, err := amqp.DialConfig(b.cfg.URL, amqp.Config{
		Dial: amqp.DefaultDial(b.cfg.ConnectTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(b.cfg.Exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", b.cfg.Exchange, err)
	}

	notify := conn.NotifyClose(make(chan *amqp.Error, 1))

	b.mu.Lock()
	b.conn = conn
	b.pubCh = ch
	b.mu.Unlock()

	return notify, nil
}

// watch waits for the connection to drop, then redials with capped backoff
// until it succeeds or the bus is closed, and restores subscriptions.
func (b *AMQPBus) watch(notify chan *amqp.Error) {
	select {
	case <-b.done:
		return
	case reason := <-notify:
		if reason != nil {
			b.log.Warn("RabbitMQ connection lost", logger.String("reason", reason.Reason))
		}
	}

	b.mu.Lock()
	b.pubCh = nil
	b.mu.Unlock()

	delay := b.cfg.MinRetryBackoff
	for {
		select {
		case <-b.done:
			return
		case <-time.After(delay):
		}

		next, err := b.connect()
		if err == nil {
			b.log.Info("RabbitMQ connection restored")
			b.resubscribe()
			go b.watch(next)
			return
		}
		b.log.Warn("RabbitMQ reconnect failed", logger.Err(err))
		delay = nextBackoff(delay, b.cfg.MaxRetryBackoff)
	}
}

func (b *AMQPBus) resubscribe() {
	b.mu.RLock()
	subs := make([]*amqpSubscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if err := s.start(); err != nil {
			// the owner sees Done and subscribes again
			b.log.Error("RabbitMQ resubscribe failed, dropping subscription", logger.Err(err))
			s.Close()
		}
	}
}

// Publish sends payload to the exchange. It fails immediately while the
// connection is being restored.
func (b *AMQPBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	ch, closed := b.pubCh, b.closed
	b.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if ch == nil || ch.IsClosed() {
		return ErrUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.PublishTimeout)
	defer cancel()

	err := ch.PublishWithContext(ctx, b.cfg.Exchange, topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Type:         topic,
		Body:         payload,
		DeliveryMode: amqp.Transient,
		Timestamp:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("rabbitmq publish %s: %w", topic, err)
	}
	return nil
}

type amqpSubscription struct {
	bus     *AMQPBus
	ctx     context.Context
	topics  map[string]struct{}
	handler Handler

	mu   sync.Mutex
	ch   *amqp.Channel
	once sync.Once
	done chan struct{}
}

func newAMQPSubscription(b *AMQPBus, ctx context.Context, handler Handler, topics []string) *amqpSubscription {
	s := &amqpSubscription{
		bus:     b,
		ctx:     ctx,
		topics:  make(map[string]struct{}, len(topics)),
		handler: handler,
		done:    make(chan struct{}),
	}
	for _, t := range topics {
		s.topics[t] = struct{}{}
	}
	return s
}

// start opens a fresh channel and queue on the bus's current connection.
func (s *amqpSubscription) start() error {
	s.bus.mu.RLock()
	conn := s.bus.conn
	s.bus.mu.RUnlock()
	if conn == nil || conn.IsClosed() {
		return ErrUnavailable
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", s.bus.cfg.Exchange, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("bind queue: %w", err)
	}

	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("consume: %w", err)
	}

	s.mu.Lock()
	s.ch = ch
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-s.ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				if !s.wants(d.Type) {
					continue
				}
				s.handler(s.ctx, Message{Topic: d.Type, Payload: d.Body})
			}
		}
	}()
	return nil
}

func (s *amqpSubscription) wants(topic string) bool {
	_, ok := s.topics[topic]
	return ok
}

func (s *amqpSubscription) Done() <-chan struct{} { return s.done }

func (s *amqpSubscription) Close() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.once.Do(func() { close(s.done) })

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		err := s.ch.Close()
		s.ch = nil
		return err
	}
	return nil
}

// Subscribe binds a new exclusive queue to the exchange and consumes from it.
func (b *AMQPBus) Subscribe(ctx context.Context, handler Handler, topics ...string) (Subscription, error) {
	if len(topics) == 0 {
		return nil, ErrNoTopics
	}

	s := newAMQPSubscription(b, ctx, handler, topics)
	if err := s.start(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s, nil
}

// Close stops reconnecting and shuts the broker connection.
func (b *AMQPBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	conn := b.conn
	subs := make([]*amqpSubscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	if conn != nil && !conn.IsClosed() {
		return conn.Close()
	}
	return nil
}
