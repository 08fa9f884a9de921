package realtime

import (
	"encoding/json"

	"github.com/gocomet/ride-dispatch/pkg/logger"
	"github.com/gocomet/ride-dispatch/pkg/websocket"
)

// route delivers an envelope to this instance's connections.
//
//	DRIVER_LOCATION  -> drivers, plus ride:<rideId> when present
//	RIDE_STATUS      -> rider:<riderId>, plus driver:<driverId> when present
//	NEW_RIDE_REQUEST -> drivers
//	MESSAGES         -> the envelope's channels, or every connection
func (g *Gateway) route(topic string, env Envelope) {
	msg := websocket.Message{Type: env.Event, Data: env.Payload}
	var delivered int

	switch topic {
	case TopicDriverLocation:
		var loc DriverLocation
		if err := json.Unmarshal(env.Payload, &loc); err != nil {
			g.dropped(topic, err)
			return
		}
		channels := []string{DriversChannel}
		if loc.RideID != "" {
			channels = append(channels, RideChannel(loc.RideID))
		}
		delivered = g.hub.PublishLocal(msg, channels...)

	case TopicRideStatus:
		var update RideStatusUpdate
		if err := json.Unmarshal(env.Payload, &update); err != nil {
			g.dropped(topic, err)
			return
		}
		if update.RiderID == "" {
			g.dropped(topic, ErrMissingRiderID)
			return
		}
		channels := []string{RiderChannel(update.RiderID)}
		if update.DriverID != "" {
			channels = append(channels, DriverChannel(update.DriverID))
		}
		delivered = g.hub.PublishLocal(msg, channels...)

	case TopicNewRideRequest:
		delivered = g.hub.PublishLocal(msg, DriversChannel)

	case TopicMessages:
		if msg.Type == "" {
			msg.Type = EventMessage
		}
		if len(env.Channels) == 0 {
			delivered = g.hub.Broadcast(msg)
			break
		}
		for _, ch := range env.Channels {
			if env.Scope != "" {
				g.hub.JoinMembers(ch, env.Scope)
			}
			if env.Drop != "" {
				g.hub.LeaveMembers(ch, env.Drop)
			}
		}
		delivered = g.hub.PublishLocal(msg, env.Channels...)

	default:
		g.logger.Warn("Dropping message on unknown topic", logger.String("topic", topic))
		return
	}

	g.metrics.RecordEventDelivered(topic, delivered)
	g.logger.Debug("Routed event",
		logger.String("topic", topic),
		logger.String("event", msg.Type),
		logger.String("origin", env.Origin),
		logger.Bool("remote", env.Origin != g.instanceID),
		logger.Int("connections", delivered),
	)
}

func (g *Gateway) dropped(topic string, err error) {
	g.logger.Warn("Dropping malformed bus payload", logger.String("topic", topic), logger.Err(err))
}
