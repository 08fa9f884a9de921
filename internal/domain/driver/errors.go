package driver

import "errors"

var (
	ErrDriverNotFound      = errors.New("driver not found")
	ErrInvalidDriverStatus = errors.New("invalid driver status")
	ErrInvalidVehicleType  = errors.New("invalid vehicle type")
	ErrDriverNotAvailable  = errors.New("driver is not available")
	ErrInvalidLocation     = errors.New("latitude must be within [-90,90] and longitude within [-180,180]")
)

// ValidateLocation checks a coordinate pair.
func ValidateLocation(lat, lng float64) error {
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return ErrInvalidLocation
	}
	return nil
}
