package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/gocomet/ride-dispatch/internal/domain/driver"
	"github.com/gocomet/ride-dispatch/internal/domain/ride"
	"github.com/gocomet/ride-dispatch/pkg/logger"
)

// surgeScanLimit caps how many open rides one refresh looks at.
const surgeScanLimit = 500

// OpenRides lists rides still waiting for a driver.
type OpenRides interface {
	ListOpen(ctx context.Context, limit int) ([]*ride.Ride, error)
}

// AvailableDrivers lists drivers free to take a ride.
type AvailableDrivers interface {
	ListAvailable(ctx context.Context) ([]driver.Driver, error)
}

// SurgeUpdater recomputes each region's multiplier from waiting rides and
// free drivers. Regions that drop out of both lists keep their last value
// until it expires.
type SurgeUpdater struct {
	pricing  *Service
	rides    OpenRides
	drivers  AvailableDrivers
	logger   *logger.Logger
	interval time.Duration
}

func NewSurgeUpdater(pricing *Service, rides OpenRides, drivers AvailableDrivers, log *logger.Logger, interval time.Duration) *SurgeUpdater {
	return &SurgeUpdater{
		pricing:  pricing,
		rides:    rides,
		drivers:  drivers,
		logger:   log,
		interval: interval,
	}
}

type regionLoad struct {
	open, available int
}

// Refresh stores a new multiplier for every region with a waiting ride or a
// free driver and returns what it stored.
func (u *SurgeUpdater) Refresh(ctx context.Context) (map[string]float64, error) {
	open, err := u.rides.ListOpen(ctx, surgeScanLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list open rides: %w", err)
	}
	available, err := u.drivers.ListAvailable(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list available drivers: %w", err)
	}

	loads := make(map[string]*regionLoad)
	load := func(region string) *regionLoad {
		l, ok := loads[region]
		if !ok {
			l = &regionLoad{}
			loads[region] = l
		}
		return l
	}
	for _, r := range open {
		load(RegionFor(r.Pickup.Lat, r.Pickup.Lng)).open++
	}
	for _, d := range available {
		if loc := d.GetLocation(); loc != nil {
			load(RegionFor(loc.Latitude, loc.Longitude)).available++
		}
	}

	out := make(map[string]float64, len(loads))
	for region, l := range loads {
		m := u.pricing.SurgeFor(l.open, l.available)
		if err := u.pricing.SetSurgeMultiplier(ctx, region, m); err != nil {
			return out, fmt.Errorf("failed to store surge for %s: %w", region, err)
		}
		out[region] = m
		if m > 1.0 {
			u.logger.Debug("Surge applied",
				logger.String("region", region),
				logger.Int("open_rides", l.open),
				logger.Int("available_drivers", l.available),
				logger.Float64("multiplier", m),
			)
		}
	}
	return out, nil
}

// Run refreshes on every tick until ctx is done.
func (u *SurgeUpdater) Run(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			regions, err := u.Refresh(ctx)
			if err != nil {
				u.logger.Warn("Surge refresh failed", logger.Err(err))
				continue
			}
			u.logger.Debug("Surge refreshed", logger.Int("regions", len(regions)))
		}
	}
}
