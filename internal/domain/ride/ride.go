package ride

import (
	"context"
	"time"

	"github.com/gocomet/ride-dispatch/internal/domain/driver"
)

// Status represents ride status
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusAccepted  Status = "ACCEPTED"
	StatusArriving  Status = "ARRIVING"
	StatusStarted   Status = "STARTED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusArriving, StatusStarted, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Location is a point with an optional human readable address.
type Location struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

// Ride represents a ride request and its progress.
//
// DriverID is nil only while the ride is PENDING and unassigned. A PENDING
// ride may carry a driver it was offered to.
type Ride struct {
	ID              string             `json:"id"`
	RiderID         string             `json:"rider_id"`
	DriverID        *string            `json:"driver_id,omitempty"`
	Status          Status             `json:"status"`
	VehicleType     driver.VehicleType `json:"vehicle_type"`
	Pickup          Location           `json:"pickup"`
	Dropoff         Location           `json:"dropoff"`
	EstimatedFare   *float64           `json:"estimated_fare,omitempty"`
	Fare            *float64           `json:"fare,omitempty"`
	DistanceKM      *float64           `json:"distance_km,omitempty"`
	DurationMinutes *int               `json:"duration_minutes,omitempty"`
	CancelReason    string             `json:"cancel_reason,omitempty"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	CompletedAt     *time.Time         `json:"completed_at,omitempty"`
	CancelledAt     *time.Time         `json:"cancelled_at,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
	Version         int                `json:"version"`
}

// AssignedTo reports whether the ride's driver is driverID.
func (r Ride) AssignedTo(driverID string) bool {
	return r.DriverID != nil && driverID != "" && *r.DriverID == driverID
}

// Driver returns the assigned driver id or "".
func (r Ride) Driver() string {
	if r.DriverID == nil {
		return ""
	}
	return *r.DriverID
}

// HistoryFilter selects a page of a rider's or a driver's rides. Empty
// fields do not filter.
type HistoryFilter struct {
	RiderID  string
	DriverID string
	Status   Status
	Limit    int
	Offset   int
}

// Matches reports whether r passes the filter, ignoring paging.
func (f HistoryFilter) Matches(r Ride) bool {
	if f.RiderID != "" && r.RiderID != f.RiderID {
		return false
	}
	if f.DriverID != "" && r.Driver() != f.DriverID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

// Repository persists rides. Writes after creation are conditional on the
// version that was read, so two writers racing on the same ride cannot both
// succeed.
type Repository interface {
	Create(ctx context.Context, ride *Ride) error

	// GetByID returns ErrRideNotFound when no such ride exists.
	GetByID(ctx context.Context, id string) (*Ride, error)

	// UpdateIfVersion stores next only when the stored version still equals
	// expected, otherwise it returns ErrVersionConflict.
	UpdateIfVersion(ctx context.Context, next *Ride, expected int) error

	// Complete stores a completed ride, records the driver's earning and bumps
	// the driver's trip count in one unit of work.
	Complete(ctx context.Context, next *Ride, expected int, earning *driver.Earning) error

	// ListOpen returns unassigned PENDING rides, oldest first.
	ListOpen(ctx context.Context, limit int) ([]*Ride, error)

	// ListHistory returns one page of matching rides, newest first, and the
	// number of matches across all pages.
	ListHistory(ctx context.Context, filter HistoryFilter) ([]*Ride, int, error)
}
