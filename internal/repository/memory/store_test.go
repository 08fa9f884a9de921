package memory

import (
	"context"
	"testing"
	"time"

	"github.com/gocomet/ride-dispatch/internal/domain/driver"
	"github.com/gocomet/ride-dispatch/internal/domain/ride"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_UpdateIfVersion(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	r := &ride.Ride{ID: "r1", RiderID: "u1", Status: ride.StatusPending, Version: 1}
	require.NoError(t, s.Create(ctx, r))
	assert.ErrorIs(t, s.Create(ctx, r), ride.ErrDuplicateRide)

	next := *r
	next.Status = ride.StatusAccepted
	next.Version = 2
	require.NoError(t, s.UpdateIfVersion(ctx, &next, 1))

	// a second writer that read version 1 loses
	stale := *r
	stale.Version = 2
	assert.ErrorIs(t, s.UpdateIfVersion(ctx, &stale, 1), ride.ErrVersionConflict)

	got, err := s.GetByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, ride.StatusAccepted, got.Status)

	_, err = s.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, ride.ErrRideNotFound)
	assert.ErrorIs(t, s.UpdateIfVersion(ctx, &ride.Ride{ID: "missing"}, 0), ride.ErrRideNotFound)
}

func TestStore_CompleteRecordsEarningAndTrip(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	s.PutDriver(driver.Driver{ID: "d1", TotalTrips: 4})

	d := "d1"
	r := &ride.Ride{ID: "r1", RiderID: "u1", DriverID: &d, Status: ride.StatusStarted, Version: 3}
	require.NoError(t, s.Create(ctx, r))

	next := *r
	next.Status = ride.StatusCompleted
	next.Version = 4
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	earning := &driver.Earning{ID: "e1", DriverID: "d1", RideID: "r1", Amount: 150, Type: driver.EarningTypeRide, Date: at}

	assert.ErrorIs(t, s.Complete(ctx, &next, 2, earning), ride.ErrVersionConflict)
	require.NoError(t, s.Complete(ctx, &next, 3, earning))

	got, err := s.Drivers().GetByID(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 5, got.TotalTrips)

	earnings, total, err := s.Drivers().ListEarnings(ctx, "d1", driver.EarningsFilter{})
	require.NoError(t, err)
	assert.Len(t, earnings, 1)
	assert.Equal(t, 150.0, total)

	earnings, total, err = s.Drivers().ListEarnings(ctx, "d1", driver.EarningsFilter{From: at.Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, earnings)
	assert.Zero(t, total)
}

func TestStore_ListOpen(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	offered := "d9"

	require.NoError(t, s.Create(ctx, &ride.Ride{ID: "late", Status: ride.StatusPending, CreatedAt: base.Add(time.Minute)}))
	require.NoError(t, s.Create(ctx, &ride.Ride{ID: "early", Status: ride.StatusPending, CreatedAt: base}))
	require.NoError(t, s.Create(ctx, &ride.Ride{ID: "offered", Status: ride.StatusPending, DriverID: &offered, CreatedAt: base}))
	require.NoError(t, s.Create(ctx, &ride.Ride{ID: "taken", Status: ride.StatusAccepted, CreatedAt: base}))

	open, err := s.ListOpen(ctx, 20)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "early", open[0].ID)
	assert.Equal(t, "late", open[1].ID)

	open, err = s.ListOpen(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestStore_UpdateLocationCreatesDriver(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	_, err := s.Drivers().GetByID(ctx, "d1")
	assert.ErrorIs(t, err, driver.ErrDriverNotFound)

	require.NoError(t, s.Drivers().UpdateLocation(ctx, "d1", 12.9, 77.6))

	d, err := s.Drivers().GetByID(ctx, "d1")
	require.NoError(t, err)
	loc := d.GetLocation()
	require.NotNil(t, loc)
	assert.Equal(t, 12.9, loc.Latitude)
	assert.Equal(t, 77.6, loc.Longitude)
}

func TestStore_ListHistory(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	d1 := "d1"

	for i, r := range []ride.Ride{
		{ID: "r1", RiderID: "u1", Status: ride.StatusCompleted, DriverID: &d1},
		{ID: "r2", RiderID: "u1", Status: ride.StatusCancelled},
		{ID: "r3", RiderID: "u2", Status: ride.StatusCompleted, DriverID: &d1},
		{ID: "r4", RiderID: "u1", Status: ride.StatusPending},
	} {
		r := r
		r.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.Create(ctx, &r))
	}

	page, total, err := s.ListHistory(ctx, ride.HistoryFilter{RiderID: "u1", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 2)
	assert.Equal(t, "r4", page[0].ID)
	assert.Equal(t, "r2", page[1].ID)

	page, _, err = s.ListHistory(ctx, ride.HistoryFilter{RiderID: "u1", Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "r1", page[0].ID)

	page, total, err = s.ListHistory(ctx, ride.HistoryFilter{DriverID: "d1", Status: ride.StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, "r3", page[0].ID)

	page, total, err = s.ListHistory(ctx, ride.HistoryFilter{RiderID: "u1", Offset: 10})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Empty(t, page)
}

func TestStore_DriverAvailability(t *testing.T) {
	s := NewStore()
	drivers := s.Drivers()
	ctx := context.Background()

	require.NoError(t, drivers.UpdateLocation(ctx, "d1", 12.9, 77.6))
	require.NoError(t, drivers.UpdateLocation(ctx, "d2", 12.8, 77.5))
	_, err := drivers.SetStatus(ctx, "d3", driver.StatusOnline)
	require.NoError(t, err)

	available, err := drivers.ListAvailable(ctx)
	require.NoError(t, err)
	require.Len(t, available, 2, "a driver without a location is not available")
	assert.Equal(t, "d1", available[0].ID)

	d, err := drivers.SetStatus(ctx, "d1", driver.StatusOffline)
	require.NoError(t, err)
	assert.Equal(t, driver.StatusOffline, d.Status)
	require.NotNil(t, d.GetLocation(), "going offline keeps the last position")

	available, err = drivers.ListAvailable(ctx)
	require.NoError(t, err)
	require.Len(t, available, 1)
	assert.Equal(t, "d2", available[0].ID)

	_, err = drivers.SetStatus(ctx, "d1", driver.Status("napping"))
	assert.ErrorIs(t, err, driver.ErrInvalidDriverStatus)
}
