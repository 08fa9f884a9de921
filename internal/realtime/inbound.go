package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gocomet/ride-dispatch/pkg/auth"
	"github.com/gocomet/ride-dispatch/pkg/logger"
	"github.com/gocomet/ride-dispatch/pkg/websocket"
)

var errForeignIdentity = errors.New("cannot join another user's channel")

// HandleFrame dispatches one client frame. Invalid frames are answered with an
// error event to that connection only.
func (g *Gateway) HandleFrame(client *websocket.Client, frame websocket.Frame) {
	g.must()

	ctx := context.Background()
	var err error

	switch frame.Type {
	case EventJoinRider:
		err = g.joinRider(client, frame.Data)
	case EventJoinDriver:
		err = g.joinDriver(ctx, client, frame.Data)
	case EventJoinRide:
		var rideID string
		if rideID, err = decodeID(frame.Data, "rideId"); err == nil {
			if rideID == "" {
				err = ErrMissingRideID
			} else {
				err = g.Join(client.ID, RideChannel(rideID))
			}
		}
	case EventDriverLocation:
		err = g.driverLocation(ctx, client, frame.Data)
	case EventRideStatus:
		err = g.rideStatus(ctx, client, frame.Data)
	case EventMessage:
		g.emitTo(ctx, EventMessage, ChatMessage{Message: frame.Data, From: client.Principal.ID()}, "")
	case EventPing:
		g.hub.Send(client.ID, websocket.Message{Type: EventPong, Data: map[string]int64{"ts": time.Now().UnixMilli()}})
	default:
		err = errors.New("unknown event " + frame.Type)
	}

	if err != nil {
		g.logger.Debug("Rejected client frame",
			logger.String("connection_id", client.ID),
			logger.String("event", frame.Type),
			logger.Err(err),
		)
		g.hub.Send(client.ID, websocket.Message{
			Type: EventError,
			Data: errorPayload{Event: frame.Type, Message: err.Error()},
		})
	}
}

func (g *Gateway) joinRider(client *websocket.Client, data json.RawMessage) error {
	userID, err := decodeID(data, "userId")
	if err != nil {
		return err
	}
	if userID == "" {
		return ErrMissingUserID
	}
	if p := client.Principal; p.Verified && p.UserID != userID {
		return errForeignIdentity
	}
	return g.Join(client.ID, RiderChannel(userID))
}

func (g *Gateway) joinDriver(ctx context.Context, client *websocket.Client, data json.RawMessage) error {
	driverID, err := decodeID(data, "driverId")
	if err != nil {
		return err
	}
	if driverID == "" {
		return ErrMissingDriverID
	}
	if !mayActAsDriver(client.Principal, driverID) {
		return errForeignIdentity
	}
	if err := g.Join(client.ID, DriverChannel(driverID)); err != nil {
		return err
	}
	if g.available != nil && !g.available(ctx, driverID) {
		return nil
	}
	return g.Join(client.ID, DriversChannel)
}

func (g *Gateway) driverLocation(ctx context.Context, client *websocket.Client, data json.RawMessage) error {
	var loc DriverLocation
	if err := decode(data, &loc); err != nil {
		return err
	}
	if loc.DriverID == "" && client.Principal.IsDriver() {
		loc.DriverID = client.Principal.DriverID
	}
	if err := loc.Validate(); err != nil {
		return err
	}
	if !mayActAsDriver(client.Principal, loc.DriverID) {
		return errForeignIdentity
	}

	if loc.RideID != "" {
		if err := g.Join(client.ID, RideChannel(loc.RideID)); err != nil {
			return err
		}
	}
	return g.PublishGlobal(ctx, TopicDriverLocation, loc)
}

func (g *Gateway) rideStatus(ctx context.Context, client *websocket.Client, data json.RawMessage) error {
	var update RideStatusUpdate
	if err := decode(data, &update); err != nil {
		return err
	}
	if err := update.Validate(); err != nil {
		return err
	}
	if err := g.Join(client.ID, RideChannel(update.RideID)); err != nil {
		return err
	}
	return g.PublishGlobal(ctx, TopicRideStatus, update)
}

func mayActAsDriver(p auth.Principal, driverID string) bool {
	return !p.Verified || p.DriverID == driverID
}

func decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.New("malformed payload")
	}
	return nil
}

// decodeID reads a join argument sent either as a bare string ("u1") or as an
// object carrying it under key ({"userId":"u1"}).
func decodeID(data json.RawMessage, key string) (string, error) {
	if len(data) == 0 {
		return "", errors.New("missing payload")
	}

	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		return strings.TrimSpace(id), nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", errors.New("malformed payload")
	}
	raw, ok := obj[key]
	if !ok {
		return "", nil
	}
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", errors.New(key + " must be a string")
	}
	return strings.TrimSpace(id), nil
}
