package dto

import (
	"time"

	"github.com/gocomet/ride-dispatch/internal/domain/driver"
	"github.com/gocomet/ride-dispatch/internal/domain/ride"
)

// LocationRequest is a point with an optional address.
type LocationRequest struct {
	Latitude  *float64 `json:"latitude" binding:"required"`
	Longitude *float64 `json:"longitude" binding:"required"`
	Address   string   `json:"address"`
}

// ToLocation converts the request into a ride location.
func (l LocationRequest) ToLocation() ride.Location {
	loc := ride.Location{Address: l.Address}
	if l.Latitude != nil {
		loc.Lat = *l.Latitude
	}
	if l.Longitude != nil {
		loc.Lng = *l.Longitude
	}
	return loc
}

// CreateRideRequest represents a request to create a new ride
type CreateRideRequest struct {
	Pickup      LocationRequest `json:"pickup"`
	Dropoff     LocationRequest `json:"dropoff"`
	VehicleType string          `json:"vehicle_type" binding:"omitempty,oneof=economy premium luxury"`
	// DriverID offers the ride to one driver instead of all of them.
	DriverID string `json:"driver_id"`
}

// UpdateLocationRequest represents a driver location update
type UpdateLocationRequest struct {
	Latitude  *float64 `json:"latitude" binding:"required"`
	Longitude *float64 `json:"longitude" binding:"required"`
	RideID    string   `json:"ride_id"`
}

// AvailabilityRequest switches a driver online or offline.
type AvailabilityRequest struct {
	IsOnline *bool `json:"is_online" binding:"required"`
}

// HistoryQuery pages through past rides. Status "All" or empty lists every
// status.
type HistoryQuery struct {
	Status string `form:"status"`
	Page   int    `form:"page" binding:"omitempty,min=1"`
	Limit  int    `form:"limit" binding:"omitempty,min=1,max=100"`
}

// RejectRideRequest carries an optional reason.
type RejectRideRequest struct {
	Reason string `json:"reason"`
}

// CancelRideRequest carries an optional reason.
type CancelRideRequest struct {
	Reason string `json:"reason"`
}

// CompleteRideRequest carries the final figures. Fare defaults to the estimate.
type CompleteRideRequest struct {
	Fare       *float64 `json:"fare" binding:"omitempty,gte=0"`
	DistanceKM *float64 `json:"distance_km" binding:"omitempty,gte=0"`
}

// RideStatusRequest relays a status update to the ride's parties. The rider is
// always the ride's own.
type RideStatusRequest struct {
	Status         string           `json:"status" binding:"required"`
	DriverLocation *LocationRequest `json:"driver_location"`
}

// EarningsResponse lists a driver's earnings.
type EarningsResponse struct {
	DriverID string           `json:"driver_id"`
	Total    float64          `json:"total"`
	Count    int              `json:"count"`
	From     *time.Time       `json:"from,omitempty"`
	To       *time.Time       `json:"to,omitempty"`
	Earnings []driver.Earning `json:"earnings"`
}

// RidesResponse wraps a ride listing.
type RidesResponse struct {
	Rides []*ride.Ride `json:"rides"`
	Count int          `json:"count"`
}

// HistoryResponse is one page of past rides.
type HistoryResponse struct {
	Rides []*ride.Ride `json:"rides"`
	Total int          `json:"total"`
	Page  int          `json:"page"`
	Limit int          `json:"limit"`
}

// Error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}
