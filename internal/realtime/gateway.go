// Package realtime bridges local websocket connections and the cross-process
// bus: events published by any instance reach the matching connections on
// every instance.
package realtime

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gocomet/ride-dispatch/internal/domain/ride"
	"github.com/gocomet/ride-dispatch/pkg/logger"
	"github.com/gocomet/ride-dispatch/pkg/pubsub"
	"github.com/gocomet/ride-dispatch/pkg/websocket"
	"github.com/google/uuid"
)

const notInitialized = "realtime gateway not initialized"

const (
	minResubscribeDelay = 50 * time.Millisecond
	maxResubscribeDelay = 2 * time.Second
)

// Metrics receives gateway counters. *monitoring.NewRelicApp satisfies it.
type Metrics interface {
	RecordEventPublished(topic string)
	RecordEventDelivered(topic string, connections int)
	RecordBusFailure(operation string)
	RecordConnections(count int)
}

type nopMetrics struct{}

func (nopMetrics) RecordEventPublished(string)      {}
func (nopMetrics) RecordEventDelivered(string, int) {}
func (nopMetrics) RecordBusFailure(string)          {}
func (nopMetrics) RecordConnections(int)            {}

// Gateway fans events out to connections. A nil *Gateway panics on use.
type Gateway struct {
	hub        *websocket.Hub
	bus        pubsub.Bus
	logger     *logger.Logger
	metrics    Metrics
	instanceID string
	available  AvailabilityFunc

	subscribed atomic.Bool
}

// AvailabilityFunc reports whether a driver currently takes rides. Drivers
// it reports offline do not join the drivers channel.
type AvailabilityFunc func(ctx context.Context, driverID string) bool

// Option configures a Gateway.
type Option func(*Gateway)

// WithMetrics reports counters to m.
func WithMetrics(m Metrics) Option {
	return func(g *Gateway) {
		if m != nil {
			g.metrics = m
		}
	}
}

// WithAvailability consults available when a driver joins.
func WithAvailability(available AvailabilityFunc) Option {
	return func(g *Gateway) { g.available = available }
}

// NewGateway creates a gateway over hub and bus. Run must be started for
// events from other instances to arrive.
func NewGateway(hub *websocket.Hub, bus pubsub.Bus, log *logger.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		hub:        hub,
		bus:        bus,
		logger:     log,
		metrics:    nopMetrics{},
		instanceID: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) must() {
	if g == nil || g.hub == nil || g.bus == nil {
		panic(notInitialized)
	}
}

// Hub exposes the local connection registry.
func (g *Gateway) Hub() *websocket.Hub {
	g.must()
	return g.hub
}

// Subscribed reports whether the bus subscription is live.
func (g *Gateway) Subscribed() bool {
	g.must()
	return g.subscribed.Load()
}

// Run keeps the bus subscription alive until ctx is done. While it is down,
// published events are delivered to this instance's connections only.
func (g *Gateway) Run(ctx context.Context) error {
	g.must()

	delay := minResubscribeDelay
	for {
		sub, err := g.bus.Subscribe(ctx, g.handleBusMessage, Topics...)
		if err == nil {
			g.subscribed.Store(true)
			g.logger.Info("Subscribed to realtime topics", logger.Strings("topics", Topics))

			select {
			case <-ctx.Done():
				g.subscribed.Store(false)
				if err := sub.Close(); err != nil {
					g.logger.Warn("Failed to close bus subscription", logger.Err(err))
				}
				return nil
			case <-sub.Done():
			}

			g.subscribed.Store(false)
			sub.Close()
			g.metrics.RecordBusFailure("subscription")
			g.logger.Warn("Bus subscription lost, resubscribing")
			delay = minResubscribeDelay
		} else {
			g.metrics.RecordBusFailure("subscribe")
			g.logger.Warn("Bus subscribe failed, retrying",
				logger.Duration("retry_in", delay),
				logger.Err(err),
			)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxResubscribeDelay {
			delay = maxResubscribeDelay
		}
	}
}

// Register adds a new connection with no memberships.
func (g *Gateway) Register(client *websocket.Client) {
	g.must()
	g.hub.Register(client)
	g.metrics.RecordConnections(g.hub.GetActiveConnections())
}

// Join adds a connection to a channel. Joining twice is a no-op.
func (g *Gateway) Join(connectionID, channel string) error {
	g.must()
	changed, err := g.hub.Join(connectionID, channel)
	if err != nil {
		return err
	}
	if changed {
		g.logger.Debug("Joined channel",
			logger.String("connection_id", connectionID),
			logger.String("channel", channel),
		)
	}
	return nil
}

// Leave drops every membership of a connection.
func (g *Gateway) Leave(connectionID string) {
	g.must()
	g.hub.Leave(connectionID)
}

// Stats reports local occupancy.
func (g *Gateway) Stats() websocket.Stats {
	g.must()
	return g.hub.Stats()
}

// PublishLocal delivers event to one channel on this instance only.
func (g *Gateway) PublishLocal(channel, event string, payload interface{}) int {
	g.must()
	return g.hub.PublishLocal(websocket.Message{Type: event, Data: payload}, channel)
}

// PublishGlobal sends payload on topic to every instance, which route it with
// the routing table. Bus failures are logged and the event is delivered
// locally instead.
func (g *Gateway) PublishGlobal(ctx context.Context, topic string, payload interface{}) error {
	g.must()

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	g.publish(ctx, topic, Envelope{Event: eventForTopic(topic), Payload: raw})
	return nil
}

// EmitToDriver sends event to every connection of the driver, on any instance.
func (g *Gateway) EmitToDriver(ctx context.Context, driverID, event string, payload interface{}) {
	g.emitTo(ctx, event, payload, "", DriverChannel(driverID))
}

// EmitToRider sends event to every connection of the rider, on any instance.
func (g *Gateway) EmitToRider(ctx context.Context, riderID, event string, payload interface{}) {
	g.emitTo(ctx, event, payload, "", RiderChannel(riderID))
}

// SetDriverAvailability tells the driver's connections, on every instance,
// that the driver went online or offline. Online connections join the
// drivers channel and offline ones leave it.
func (g *Gateway) SetDriverAvailability(ctx context.Context, driverID string, online bool) {
	g.must()

	raw, err := json.Marshal(DriverAvailability{DriverID: driverID, IsOnline: online})
	if err != nil {
		g.logger.Error("Failed to encode availability", logger.String("driver_id", driverID), logger.Err(err))
		return
	}
	env := Envelope{Event: EventDriverAvailability, Channels: []string{DriverChannel(driverID)}, Payload: raw}
	if online {
		env.Scope = DriversChannel
	} else {
		env.Drop = DriversChannel
	}
	g.publish(ctx, TopicMessages, env)
}

// EmitRideRequest offers a new ride to all drivers.
func (g *Gateway) EmitRideRequest(ctx context.Context, r ride.Ride) {
	if err := g.PublishGlobal(ctx, TopicNewRideRequest, r); err != nil {
		g.logger.Error("Failed to encode ride request", logger.String("ride_id", r.ID), logger.Err(err))
	}
}

// EmitRideStatusUpdate relays a status update to the rider and driver.
func (g *Gateway) EmitRideStatusUpdate(ctx context.Context, update RideStatusUpdate) error {
	if err := update.Validate(); err != nil {
		return err
	}
	return g.PublishGlobal(ctx, TopicRideStatus, update)
}

// Notify delivers a ride transition event to its audiences. Riders told their
// ride was accepted also join the ride channel.
func (g *Gateway) Notify(ctx context.Context, ev ride.Event) {
	channels := make([]string, len(ev.Audiences))
	for i, a := range ev.Audiences {
		channels[i] = a.Channel()
	}

	scope := ""
	if ev.Name == ride.EventAccepted {
		scope = RideChannel(ev.Ride.ID)
	}
	g.emitTo(ctx, ev.Name, ev.Ride, scope, channels...)
}

func (g *Gateway) emitTo(ctx context.Context, event string, payload interface{}, scope string, channels ...string) {
	g.must()

	raw, err := json.Marshal(payload)
	if err != nil {
		g.logger.Error("Failed to encode event", logger.String("event", event), logger.Err(err))
		return
	}
	g.publish(ctx, TopicMessages, Envelope{Event: event, Channels: channels, Scope: scope, Payload: raw})
}

func (g *Gateway) publish(ctx context.Context, topic string, env Envelope) {
	env.Origin = g.instanceID
	data, err := json.Marshal(env)
	if err != nil {
		g.logger.Error("Failed to encode envelope", logger.String("topic", topic), logger.Err(err))
		return
	}

	if err := g.bus.Publish(ctx, topic, data); err != nil {
		g.metrics.RecordBusFailure("publish")
		g.logger.Warn("Bus publish failed, delivering locally",
			logger.String("topic", topic),
			logger.String("event", env.Event),
			logger.Err(err),
		)
		g.route(topic, env)
		return
	}
	g.metrics.RecordEventPublished(topic)

	// our own subscription is down, so the bus will not hand it back to us
	if !g.subscribed.Load() {
		g.route(topic, env)
	}
}

func (g *Gateway) handleBusMessage(_ context.Context, msg pubsub.Message) {
	var env Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		g.logger.Warn("Dropping undecodable bus message", logger.String("topic", msg.Topic), logger.Err(err))
		return
	}
	g.route(msg.Topic, env)
}

func eventForTopic(topic string) string {
	switch topic {
	case TopicDriverLocation:
		return EventDriverLocation
	case TopicRideStatus:
		return EventRideStatus
	case TopicNewRideRequest:
		return EventRideNew
	}
	return EventMessage
}
