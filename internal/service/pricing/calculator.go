package pricing

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/gocomet/ride-dispatch/internal/domain/driver"
	"github.com/redis/go-redis/v9"
)

// surgeLookupTimeout bounds the surge read on a degraded Redis.
const surgeLookupTimeout = 300 * time.Millisecond

const defaultSurgeTTL = 2 * time.Minute

// Service handles fare calculation
type Service struct {
	redis  *redis.Client
	config Config
}

// Config holds pricing configuration
type Config struct {
	BaseFare           map[driver.VehicleType]float64
	PerKMRate          map[driver.VehicleType]float64
	PerMinuteRate      map[driver.VehicleType]float64
	MaxSurgeMultiplier float64
	MinSurgeMultiplier float64
	// AverageSpeedKMH converts straight-line distance into estimated minutes.
	AverageSpeedKMH float64
	// SurgeTTL expires a stored multiplier that nobody refreshes.
	SurgeTTL time.Duration
}

// FareBreakdown represents the breakdown of a fare
type FareBreakdown struct {
	BaseFare        float64 `json:"base_fare"`
	DistanceFare    float64 `json:"distance_fare"`
	TimeFare        float64 `json:"time_fare"`
	SurgeMultiplier float64 `json:"surge_multiplier"`
	Subtotal        float64 `json:"subtotal"`
	Total           float64 `json:"total"`
}

// Quote is the estimate attached to a new ride.
type Quote struct {
	DistanceKM       float64       `json:"distance_km"`
	EstimatedMinutes int           `json:"estimated_minutes"`
	Fare             FareBreakdown `json:"fare"`
}

// DefaultConfig is used when no rates are configured.
func DefaultConfig() Config {
	return Config{
		BaseFare: map[driver.VehicleType]float64{
			driver.VehicleEconomy: 50.0,
			driver.VehiclePremium: 100.0,
			driver.VehicleLuxury:  200.0,
		},
		PerKMRate: map[driver.VehicleType]float64{
			driver.VehicleEconomy: 10.0,
			driver.VehiclePremium: 15.0,
			driver.VehicleLuxury:  25.0,
		},
		PerMinuteRate: map[driver.VehicleType]float64{
			driver.VehicleEconomy: 2.0,
			driver.VehiclePremium: 3.0,
			driver.VehicleLuxury:  5.0,
		},
		MaxSurgeMultiplier: 3.0,
		MinSurgeMultiplier: 1.0,
		AverageSpeedKMH:    30.0,
		SurgeTTL:           defaultSurgeTTL,
	}
}

// NewService creates a new pricing service. redis may be nil, in which case
// surge is never applied.
func NewService(redis *redis.Client, config Config) *Service {
	if config.AverageSpeedKMH <= 0 {
		config.AverageSpeedKMH = 30.0
	}
	if config.SurgeTTL <= 0 {
		config.SurgeTTL = defaultSurgeTTL
	}
	return &Service{
		redis:  redis,
		config: config,
	}
}

// Quote estimates distance, time and fare between pickup and dropoff, with the
// pickup region's surge applied.
func (s *Service) Quote(ctx context.Context, vehicleType driver.VehicleType, pickupLat, pickupLng, dropoffLat, dropoffLng float64) (*Quote, error) {
	if !vehicleType.IsValid() {
		return nil, driver.ErrInvalidVehicleType
	}

	distance := CalculateDistance(pickupLat, pickupLng, dropoffLat, dropoffLng)
	minutes := s.EstimateMinutes(distance)

	fare, err := s.CalculateFare(ctx, vehicleType, distance, minutes, RegionFor(pickupLat, pickupLng))
	if err != nil {
		return nil, err
	}

	return &Quote{
		DistanceKM:       math.Round(distance*100) / 100,
		EstimatedMinutes: minutes,
		Fare:             *fare,
	}, nil
}

// CalculateFare calculates the total fare for a trip
func (s *Service) CalculateFare(ctx context.Context, vehicleType driver.VehicleType, distanceKM float64, durationMinutes int, region string) (*FareBreakdown, error) {
	subtotal := s.EstimateFare(vehicleType, distanceKM, durationMinutes)
	surgeMultiplier := s.GetSurgeMultiplier(ctx, region)
	total := math.Round(subtotal*surgeMultiplier*100) / 100

	return &FareBreakdown{
		BaseFare:        s.config.BaseFare[vehicleType],
		DistanceFare:    distanceKM * s.config.PerKMRate[vehicleType],
		TimeFare:        float64(durationMinutes) * s.config.PerMinuteRate[vehicleType],
		SurgeMultiplier: surgeMultiplier,
		Subtotal:        subtotal,
		Total:           total,
	}, nil
}

// EstimateFare is the fare before surge.
func (s *Service) EstimateFare(vehicleType driver.VehicleType, distanceKM float64, estimatedMinutes int) float64 {
	baseFare := s.config.BaseFare[vehicleType]
	perKM := s.config.PerKMRate[vehicleType]
	perMinute := s.config.PerMinuteRate[vehicleType]

	return baseFare + (distanceKM * perKM) + (float64(estimatedMinutes) * perMinute)
}

// EstimateMinutes converts a distance to whole minutes at the configured
// average speed. Any non-zero trip takes at least a minute.
func (s *Service) EstimateMinutes(distanceKM float64) int {
	if distanceKM <= 0 {
		return 0
	}
	minutes := int(math.Ceil(distanceKM * 60 / s.config.AverageSpeedKMH))
	if minutes < 1 {
		return 1
	}
	return minutes
}

// GetSurgeMultiplier gets the current surge multiplier for a region
func (s *Service) GetSurgeMultiplier(ctx context.Context, region string) float64 {
	if s.redis == nil {
		return 1.0
	}

	ctx, cancel := context.WithTimeout(ctx, surgeLookupTimeout)
	defer cancel()

	key := fmt.Sprintf("surge:%s", region)
	val, err := s.redis.Get(ctx, key).Float64()
	if err != nil {
		return 1.0 // Default no surge
	}

	return s.clampSurge(val)
}

// SetSurgeMultiplier stores the surge multiplier for a region. It expires
// after the configured TTL unless set again.
func (s *Service) SetSurgeMultiplier(ctx context.Context, region string, multiplier float64) error {
	if s.redis == nil {
		return fmt.Errorf("surge pricing needs redis")
	}
	key := fmt.Sprintf("surge:%s", region)
	return s.redis.Set(ctx, key, s.clampSurge(multiplier), s.config.SurgeTTL).Err()
}

// surgeCurve maps the ratio of waiting rides to available drivers onto a
// multiplier. Between points the multiplier is interpolated; past the last
// point it keeps rising at the last segment's slope until clamped.
var surgeCurve = []struct{ ratio, multiplier float64 }{
	{0.5, 1.0},
	{1.0, 1.5},
	{2.0, 2.5},
	{4.0, 3.0},
}

// SurgeFor returns the multiplier for a region with openRides waiting and
// availableDrivers free. No waiting rides means no surge; waiting rides and
// no drivers means the maximum.
func (s *Service) SurgeFor(openRides, availableDrivers int) float64 {
	if openRides <= 0 {
		return s.clampSurge(1.0)
	}
	if availableDrivers <= 0 {
		return s.config.MaxSurgeMultiplier
	}
	ratio := float64(openRides) / float64(availableDrivers)
	return s.clampSurge(math.Round(surgeAt(ratio)*100) / 100)
}

func surgeAt(ratio float64) float64 {
	if ratio <= surgeCurve[0].ratio {
		return surgeCurve[0].multiplier
	}
	for i := 1; i < len(surgeCurve); i++ {
		lo, hi := surgeCurve[i-1], surgeCurve[i]
		if ratio <= hi.ratio {
			return lo.multiplier + (ratio-lo.ratio)*(hi.multiplier-lo.multiplier)/(hi.ratio-lo.ratio)
		}
	}
	lo, hi := surgeCurve[len(surgeCurve)-2], surgeCurve[len(surgeCurve)-1]
	return hi.multiplier + (ratio-hi.ratio)*(hi.multiplier-lo.multiplier)/(hi.ratio-lo.ratio)
}

func (s *Service) clampSurge(m float64) float64 {
	if m > s.config.MaxSurgeMultiplier {
		return s.config.MaxSurgeMultiplier
	}
	if m < s.config.MinSurgeMultiplier {
		return s.config.MinSurgeMultiplier
	}
	return m
}

// RegionFor buckets a coordinate into a surge region of roughly 11km.
func RegionFor(lat, lng float64) string {
	return fmt.Sprintf("%.1f:%.1f", lat, lng)
}

// CalculateDistance calculates haversine distance between two points
func CalculateDistance(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadius = 6371 // kilometers

	dLat := toRadians(lat2 - lat1)
	dLon := toRadians(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadius * c
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
