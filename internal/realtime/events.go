package realtime

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/gocomet/ride-dispatch/internal/domain/driver"
)

// Bus topics. Every instance subscribes to all of them.
const (
	TopicDriverLocation = "DRIVER_LOCATION"
	TopicRideStatus     = "RIDE_STATUS"
	TopicNewRideRequest = "NEW_RIDE_REQUEST"
	TopicMessages       = "MESSAGES"
)

// Topics lists every topic the gateway routes.
var Topics = []string{TopicDriverLocation, TopicRideStatus, TopicNewRideRequest, TopicMessages}

// Client to server events.
const (
	EventJoinRider      = "join:rider"
	EventJoinDriver     = "join:driver"
	EventJoinRide       = "join:ride"
	EventDriverLocation = "driver:location"
	EventRideStatus     = "ride:status"
	EventMessage        = "message"
	EventPing           = "ping"
)

// Server to client events not produced by ride transitions.
const (
	EventRideNew            = "ride:new"
	EventRideRequest        = "ride:request"
	EventDriverAvailability = "driver:availability"
	EventError              = "error"
	EventPong               = "pong"
)

// DriversChannel reaches every connected driver.
const DriversChannel = "drivers"

func RiderChannel(id string) string { return "rider:" + id }

func DriverChannel(id string) string { return "driver:" + id }

func RideChannel(id string) string { return "ride:" + id }

var (
	ErrMissingDriverID = errors.New("driverId is required")
	ErrMissingRiderID  = errors.New("riderId is required")
	ErrMissingRideID   = errors.New("rideId is required")
	ErrMissingUserID   = errors.New("userId is required")
	ErrMissingStatus   = errors.New("status is required")
	ErrMissingLocation = errors.New("lat and lng are required")
)

// Envelope is what travels on the bus. Channels, when set, restricts a
// MESSAGES envelope to those channels instead of every connection. Scope names
// a channel that members of Channels join on delivery, Drop one they leave.
// Origin is the publishing instance.
type Envelope struct {
	Event    string          `json:"event"`
	Channels []string        `json:"channels,omitempty"`
	Scope    string          `json:"scope,omitempty"`
	Drop     string          `json:"drop,omitempty"`
	Origin   string          `json:"origin"`
	Payload  json.RawMessage `json:"payload"`
}

// DriverAvailability is the payload of driver:availability.
type DriverAvailability struct {
	DriverID string `json:"driverId"`
	IsOnline bool   `json:"isOnline"`
}

// Coordinates is a bare lat/lng pair.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// DriverLocation is a driver position update.
type DriverLocation struct {
	DriverID string   `json:"driverId"`
	Lat      *float64 `json:"lat"`
	Lng      *float64 `json:"lng"`
	RideID   string   `json:"rideId,omitempty"`
}

func (l DriverLocation) Validate() error {
	if strings.TrimSpace(l.DriverID) == "" {
		return ErrMissingDriverID
	}
	if l.Lat == nil || l.Lng == nil {
		return ErrMissingLocation
	}
	return driver.ValidateLocation(*l.Lat, *l.Lng)
}

// RideStatusUpdate is a free-form status relay between the parties of a ride.
type RideStatusUpdate struct {
	RideID         string       `json:"rideId"`
	RiderID        string       `json:"riderId"`
	Status         string       `json:"status"`
	DriverID       string       `json:"driverId,omitempty"`
	DriverLocation *Coordinates `json:"driverLocation,omitempty"`
}

func (u RideStatusUpdate) Validate() error {
	switch {
	case strings.TrimSpace(u.RideID) == "":
		return ErrMissingRideID
	case strings.TrimSpace(u.RiderID) == "":
		return ErrMissingRiderID
	case strings.TrimSpace(u.Status) == "":
		return ErrMissingStatus
	}
	if u.DriverLocation != nil {
		return driver.ValidateLocation(u.DriverLocation.Lat, u.DriverLocation.Lng)
	}
	return nil
}

// ChatMessage is the payload of the global message broadcast.
type ChatMessage struct {
	Message json.RawMessage `json:"message"`
	From    string          `json:"from,omitempty"`
}

// errorPayload is the data of an error event: the refused event and why, e.g.
// {"event":"ride:status","message":"riderId is required"}.
type errorPayload struct {
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}
