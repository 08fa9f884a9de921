package pricing

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gocomet/ride-dispatch/internal/domain/driver"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getTestConfig returns a test configuration
func getTestConfig() Config {
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
	}
}

// TestEstimateFare_BaseCalculation tests basic fare estimation
func TestEstimateFare_BaseCalculation(t *testing.T) {
	service := &Service{config: getTestConfig()}

	tests := []struct {
		name        string
		vehicleType driver.VehicleType
		distanceKm  float64
		durationMin int
		expected    float64
	}{
		{
			name:        "Economy 10km 20min",
			vehicleType: driver.VehicleEconomy,
			distanceKm:  10.0,
			durationMin: 20,
			expected:    190.0, // 50 + (10*10) + (20*2)
		},
		{
			name:        "Premium 15km 30min",
			vehicleType: driver.VehiclePremium,
			distanceKm:  15.0,
			durationMin: 30,
			expected:    415.0, // 100 + (15*15) + (30*3)
		},
		{
			name:        "Luxury 20km 45min",
			vehicleType: driver.VehicleLuxury,
			distanceKm:  20.0,
			durationMin: 45,
			expected:    925.0, // 200 + (20*25) + (45*5)
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fare := service.EstimateFare(tt.vehicleType, tt.distanceKm, tt.durationMin)
			assert.Equal(t, tt.expected, fare, "Fare should match expected value")
		})
	}
}

// TestEstimateFare_MinimumFare tests minimum fare is enforced
func TestEstimateFare_MinimumFare(t *testing.T) {
	service := &Service{config: getTestConfig()}

	// Very short trip - should still have base fare
	fare := service.EstimateFare(driver.VehicleEconomy, 0.5, 2)

	assert.GreaterOrEqual(t, fare, 50.0, "Fare should be at least the base fare")
}

// TestEstimateFare_ZeroDistance tests edge case of zero distance
func TestEstimateFare_ZeroDistance(t *testing.T) {
	service := &Service{config: getTestConfig()}

	fare := service.EstimateFare(driver.VehicleEconomy, 0, 10)

	expected := 70.0 // 50 + (10*2)
	assert.Equal(t, expected, fare, "Zero distance should charge base + time")
}

// TestEstimateFare_DifferentVehicleTypes tests all vehicle types
func TestEstimateFare_DifferentVehicleTypes(t *testing.T) {
	service := &Service{config: getTestConfig()}

	distanceKm := 10.0
	durationMin := 20

	economyFare := service.EstimateFare(driver.VehicleEconomy, distanceKm, durationMin)
	premiumFare := service.EstimateFare(driver.VehiclePremium, distanceKm, durationMin)
	luxuryFare := service.EstimateFare(driver.VehicleLuxury, distanceKm, durationMin)

	assert.Less(t, economyFare, premiumFare, "Economy should be cheaper than Premium")
	assert.Less(t, premiumFare, luxuryFare, "Premium should be cheaper than Luxury")
}

// TestSurgeFor_DemandSupplyRatio tests surge calculation
func TestSurgeFor_DemandSupplyRatio(t *testing.T) {
	service := &Service{config: getTestConfig()}

	tests := []struct {
		name             string
		openRides        int
		availableDrivers int
		expected         float64
	}{
		{name: "No demand", openRides: 0, availableDrivers: 20, expected: 1.0},
		{name: "Low demand", openRides: 5, availableDrivers: 20, expected: 1.0},
		{name: "Moderate demand", openRides: 15, availableDrivers: 20, expected: 1.25},
		{name: "Balanced", openRides: 20, availableDrivers: 20, expected: 1.5},
		{name: "High demand", openRides: 30, availableDrivers: 20, expected: 2.0},
		{name: "Very high demand", openRides: 60, availableDrivers: 20, expected: 2.75},
		{name: "Past the curve", openRides: 100, availableDrivers: 10, expected: 3.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			surge := service.SurgeFor(tt.openRides, tt.availableDrivers)

			assert.InDelta(t, tt.expected, surge, 0.001)
			assert.LessOrEqual(t, surge, 3.0, "Surge should never exceed max")
		})
	}
}

// TestSurgeFor_NoDrivers tests surge when no drivers
func TestSurgeFor_NoDrivers(t *testing.T) {
	service := &Service{config: getTestConfig()}

	assert.Equal(t, 3.0, service.SurgeFor(50, 0), "Surge should be max when no drivers")
	assert.Equal(t, 1.0, service.SurgeFor(0, 0), "No riders waiting means no surge")
}

// TestSurgeFor_RespectsConfiguredCap tests a lower max clamps the curve
func TestSurgeFor_RespectsConfiguredCap(t *testing.T) {
	cfg := getTestConfig()
	cfg.MaxSurgeMultiplier = 2.0
	service := &Service{config: cfg}

	assert.Equal(t, 2.0, service.SurgeFor(60, 20))
	assert.Equal(t, 2.0, service.SurgeFor(1, 0))
}

// TestCalculateDistance checks haversine against known city distances
func TestCalculateDistance(t *testing.T) {
	// Bangalore MG Road to Indiranagar, about 3.9km
	d := CalculateDistance(12.9756, 77.6050, 12.9784, 77.6408)
	assert.InDelta(t, 3.9, d, 0.3)

	assert.Equal(t, 0.0, CalculateDistance(12.9, 77.6, 12.9, 77.6))
}

// TestEstimateMinutes tests distance to time conversion
func TestEstimateMinutes(t *testing.T) {
	service := NewService(nil, getTestConfig())

	assert.Equal(t, 0, service.EstimateMinutes(0))
	assert.Equal(t, 1, service.EstimateMinutes(0.1))
	assert.Equal(t, 20, service.EstimateMinutes(10))
	assert.Equal(t, 21, service.EstimateMinutes(10.1))
}

// TestSurgeMultiplier_NoRedis tests that surge defaults to 1.0 without redis
func TestSurgeMultiplier_NoRedis(t *testing.T) {
	service := NewService(nil, getTestConfig())

	assert.Equal(t, 1.0, service.GetSurgeMultiplier(context.Background(), "12.9:77.6"))
	assert.Error(t, service.SetSurgeMultiplier(context.Background(), "12.9:77.6", 2.0))
}

// TestSurgeMultiplier_Redis tests surge storage and clamping
func TestSurgeMultiplier_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	service := NewService(client, getTestConfig())
	ctx := context.Background()

	assert.Equal(t, 1.0, service.GetSurgeMultiplier(ctx, "north"))

	require.NoError(t, service.SetSurgeMultiplier(ctx, "north", 1.8))
	assert.Equal(t, 1.8, service.GetSurgeMultiplier(ctx, "north"))

	require.NoError(t, service.SetSurgeMultiplier(ctx, "north", 9))
	assert.Equal(t, 3.0, service.GetSurgeMultiplier(ctx, "north"))

	// values written out of band are clamped on read
	require.NoError(t, mr.Set("surge:south", "0.2"))
	assert.Equal(t, 1.0, service.GetSurgeMultiplier(ctx, "south"))
}

// TestSurgeMultiplier_Expires tests that an unrefreshed surge lapses
func TestSurgeMultiplier_Expires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cfg := getTestConfig()
	cfg.SurgeTTL = time.Minute
	service := NewService(client, cfg)
	ctx := context.Background()

	require.NoError(t, service.SetSurgeMultiplier(ctx, "north", 2.2))
	assert.Equal(t, time.Minute, mr.TTL("surge:north"))

	mr.FastForward(30 * time.Second)
	assert.Equal(t, 2.2, service.GetSurgeMultiplier(ctx, "north"))

	mr.FastForward(31 * time.Second)
	assert.Equal(t, 1.0, service.GetSurgeMultiplier(ctx, "north"))
}

// TestQuote tests the estimate attached to a new ride
func TestQuote(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	service := NewService(client, getTestConfig())
	ctx := context.Background()

	plain, err := service.Quote(ctx, driver.VehicleEconomy, 12.9756, 77.6050, 12.9784, 77.6408)
	require.NoError(t, err)
	assert.Greater(t, plain.DistanceKM, 0.0)
	assert.Greater(t, plain.EstimatedMinutes, 0)
	assert.Equal(t, 1.0, plain.Fare.SurgeMultiplier)
	assert.InDelta(t, plain.Fare.Subtotal, plain.Fare.Total, 0.01)

	require.NoError(t, service.SetSurgeMultiplier(ctx, RegionFor(12.9756, 77.6050), 2.0))
	surged, err := service.Quote(ctx, driver.VehicleEconomy, 12.9756, 77.6050, 12.9784, 77.6408)
	require.NoError(t, err)
	assert.Equal(t, 2.0, surged.Fare.SurgeMultiplier)
	assert.InDelta(t, plain.Fare.Total*2, surged.Fare.Total, 0.02)

	_, err = service.Quote(ctx, driver.VehicleType("rickshaw"), 0, 0, 1, 1)
	assert.ErrorIs(t, err, driver.ErrInvalidVehicleType)
}

// BenchmarkEstimateFare benchmarks fare calculation
func BenchmarkEstimateFare(b *testing.B) {
	service := &Service{config: getTestConfig()}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		service.EstimateFare(driver.VehicleEconomy, 10.0, 20)
	}
}
