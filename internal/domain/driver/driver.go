package driver

import "time"

// Status represents driver availability status
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusBusy    Status = "busy"
)

// VehicleType represents the type of vehicle
type VehicleType string

const (
	VehicleEconomy VehicleType = "economy"
	VehiclePremium VehicleType = "premium"
	VehicleLuxury  VehicleType = "luxury"
)

// EarningTypeRide marks earnings produced by a completed ride.
const EarningTypeRide = "RIDE"

// Driver is the dispatch view of a driver profile. The profile itself is
// owned by the account service; only what dispatch reads or writes is here.
type Driver struct {
	ID               string      `json:"id"`
	UserID           string      `json:"user_id"`
	Status           Status      `json:"status"`
	VehicleType      VehicleType `json:"vehicle_type"`
	CurrentLatitude  *float64    `json:"current_latitude,omitempty"`
	CurrentLongitude *float64    `json:"current_longitude,omitempty"`
	TotalTrips       int         `json:"total_trips"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Earning is money credited to a driver.
type Earning struct {
	ID          string    `json:"id"`
	DriverID    string    `json:"driver_id"`
	RideID      string    `json:"ride_id,omitempty"`
	Amount      float64   `json:"amount"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Date        time.Time `json:"date"`
}

// Location represents a geographic location
type Location struct {
	Latitude  float64
	Longitude float64
}

// IsValid validates the status
func (s Status) IsValid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusBusy:
		return true
	}
	return false
}

// IsValid validates the vehicle type
func (v VehicleType) IsValid() bool {
	switch v {
	case VehicleEconomy, VehiclePremium, VehicleLuxury:
		return true
	}
	return false
}

// CanAcceptRides returns true if driver can accept new rides
func (d *Driver) CanAcceptRides() bool {
	return d.Status == StatusOnline
}

// SetLocation updates the driver's current location
func (d *Driver) SetLocation(lat, lng float64, at time.Time) {
	d.CurrentLatitude = &lat
	d.CurrentLongitude = &lng
	d.UpdatedAt = at
}

// GetLocation returns the driver's current location
func (d *Driver) GetLocation() *Location {
	if d.CurrentLatitude == nil || d.CurrentLongitude == nil {
		return nil
	}
	return &Location{
		Latitude:  *d.CurrentLatitude,
		Longitude: *d.CurrentLongitude,
	}
}

// EarningsFilter bounds an earnings listing. Zero times are open bounds.
type EarningsFilter struct {
	From time.Time
	To   time.Time
}

// Matches reports whether at falls inside the filter.
func (f EarningsFilter) Matches(at time.Time) bool {
	if !f.From.IsZero() && at.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && at.After(f.To) {
		return false
	}
	return true
}
