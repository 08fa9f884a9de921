package driver

import "context"

// Repository defines the interface for driver data access
type Repository interface {
	// GetByID retrieves a driver by ID
	GetByID(ctx context.Context, id string) (*Driver, error)

	// UpdateLocation updates driver location
	UpdateLocation(ctx context.Context, id string, lat, lng float64) error

	// SetStatus changes the driver's availability, creating the driver on
	// first sight, and returns the stored driver.
	SetStatus(ctx context.Context, id string, status Status) (*Driver, error)

	// ListAvailable returns online drivers with a known location.
	ListAvailable(ctx context.Context) ([]Driver, error)

	// ListEarnings returns the driver's earnings, newest first, with their sum.
	ListEarnings(ctx context.Context, driverID string, filter EarningsFilter) ([]Earning, float64, error)
}
