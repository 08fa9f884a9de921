package pricing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gocomet/ride-dispatch/internal/domain/driver"
	"github.com/gocomet/ride-dispatch/internal/domain/ride"
	"github.com/gocomet/ride-dispatch/internal/repository/memory"
	"github.com/gocomet/ride-dispatch/pkg/logger"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSurgeUpdater_Refresh(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	service := NewService(client, getTestConfig())
	store := memory.NewStore()
	ctx := context.Background()

	// downtown: three waiting riders, one free driver
	downtown := ride.Location{Lat: 12.97, Lng: 77.59}
	for _, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, store.Create(ctx, &ride.Ride{ID: id, Status: ride.StatusPending, Pickup: downtown, CreatedAt: time.Now()}))
	}
	drivers := store.Drivers()
	require.NoError(t, drivers.UpdateLocation(ctx, "d1", 12.98, 77.58))

	// suburb: plenty of drivers, nobody waiting
	require.NoError(t, drivers.UpdateLocation(ctx, "d2", 13.31, 77.91))
	require.NoError(t, drivers.UpdateLocation(ctx, "d3", 13.32, 77.92))

	// an offline driver downtown does not ease the surge
	require.NoError(t, drivers.UpdateLocation(ctx, "d4", 12.97, 77.59))
	_, err := drivers.SetStatus(ctx, "d4", driver.StatusOffline)
	require.NoError(t, err)

	updater := NewSurgeUpdater(service, store, drivers, logger.Nop(), time.Minute)
	regions, err := updater.Refresh(ctx)
	require.NoError(t, err)

	assert.Equal(t, map[string]float64{
		RegionFor(12.97, 77.59): 2.75,
		RegionFor(13.31, 77.91): 1.0,
	}, regions)
	assert.Equal(t, 2.75, service.GetSurgeMultiplier(ctx, RegionFor(12.97, 77.59)))
	assert.Equal(t, 1.0, service.GetSurgeMultiplier(ctx, RegionFor(13.31, 77.91)))
}

type failingRides struct{}

func (failingRides) ListOpen(context.Context, int) ([]*ride.Ride, error) {
	return nil, errors.New("connection refused")
}

func TestSurgeUpdater_RefreshErrors(t *testing.T) {
	store := memory.NewStore()

	updater := NewSurgeUpdater(NewService(nil, getTestConfig()), failingRides{}, store.Drivers(), logger.Nop(), time.Minute)
	_, err := updater.Refresh(context.Background())
	assert.ErrorContains(t, err, "failed to list open rides")

	// without redis nothing can be stored
	require.NoError(t, store.Drivers().UpdateLocation(context.Background(), "d1", 12.9, 77.6))
	updater = NewSurgeUpdater(NewService(nil, getTestConfig()), store, store.Drivers(), logger.Nop(), time.Minute)
	_, err = updater.Refresh(context.Background())
	assert.ErrorContains(t, err, "surge pricing needs redis")
}

func TestSurgeUpdater_RunStopsWithContext(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := memory.NewStore()
	require.NoError(t, store.Drivers().UpdateLocation(context.Background(), "d1", 12.9, 77.6))
	updater := NewSurgeUpdater(NewService(client, getTestConfig()), store, store.Drivers(), logger.Nop(), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		updater.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return mr.Exists("surge:" + RegionFor(12.9, 77.6))
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
