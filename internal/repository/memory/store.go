// Package memory is an in-process store for rides, drivers and earnings. It
// backs single-instance runs and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gocomet/ride-dispatch/internal/domain/driver"
	"github.com/gocomet/ride-dispatch/internal/domain/ride"
)

// Store implements ride.Repository and driver.Repository.
type Store struct {
	mu       sync.RWMutex
	rides    map[string]ride.Ride
	drivers  map[string]driver.Driver
	earnings []driver.Earning
	now      func() time.Time
}

func NewStore() *Store {
	return &Store{
		rides:   make(map[string]ride.Ride),
		drivers: make(map[string]driver.Driver),
		now:     time.Now,
	}
}

func (s *Store) Create(_ context.Context, r *ride.Ride) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rides[r.ID]; ok {
		return ride.ErrDuplicateRide
	}
	s.rides[r.ID] = *r
	return nil
}

func (s *Store) GetByID(_ context.Context, id string) (*ride.Ride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rides[id]
	if !ok {
		return nil, ride.ErrRideNotFound
	}
	return &r, nil
}

func (s *Store) UpdateIfVersion(_ context.Context, next *ride.Ride, expected int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkVersionLocked(next.ID, expected); err != nil {
		return err
	}
	s.rides[next.ID] = *next
	return nil
}

func (s *Store) Complete(_ context.Context, next *ride.Ride, expected int, earning *driver.Earning) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkVersionLocked(next.ID, expected); err != nil {
		return err
	}
	s.rides[next.ID] = *next

	if earning != nil {
		s.earnings = append(s.earnings, *earning)
		d := s.drivers[earning.DriverID]
		d.ID = earning.DriverID
		d.TotalTrips++
		s.drivers[d.ID] = d
	}
	return nil
}

func (s *Store) checkVersionLocked(id string, expected int) error {
	current, ok := s.rides[id]
	if !ok {
		return ride.ErrRideNotFound
	}
	if current.Version != expected {
		return ride.ErrVersionConflict
	}
	return nil
}

func (s *Store) ListOpen(_ context.Context, limit int) ([]*ride.Ride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ride.Ride, 0)
	for _, r := range s.rides {
		if r.Status == ride.StatusPending && r.DriverID == nil {
			r := r
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListHistory(_ context.Context, filter ride.HistoryFilter) ([]*ride.Ride, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*ride.Ride, 0)
	for _, r := range s.rides {
		if filter.Matches(r) {
			r := r
			matched = append(matched, &r)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if filter.Offset >= total {
		return []*ride.Ride{}, total, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

// Drivers is the driver.Repository view of the store. Rides and drivers
// share GetByID, so they are exposed separately.
func (s *Store) Drivers() driver.Repository {
	return driverView{s}
}

// PutDriver inserts or replaces a driver.
func (s *Store) PutDriver(d driver.Driver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drivers[d.ID] = d
}

type driverView struct {
	s *Store
}

func (v driverView) GetByID(_ context.Context, id string) (*driver.Driver, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()

	d, ok := v.s.drivers[id]
	if !ok {
		return nil, driver.ErrDriverNotFound
	}
	return &d, nil
}

// UpdateLocation records a position, creating the driver on first sight.
func (v driverView) UpdateLocation(_ context.Context, id string, lat, lng float64) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	d, ok := v.s.drivers[id]
	if !ok {
		d = driver.Driver{ID: id, Status: driver.StatusOnline}
	}
	d.SetLocation(lat, lng, v.s.now())
	v.s.drivers[id] = d
	return nil
}

func (v driverView) SetStatus(_ context.Context, id string, status driver.Status) (*driver.Driver, error) {
	if !status.IsValid() {
		return nil, driver.ErrInvalidDriverStatus
	}
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	d, ok := v.s.drivers[id]
	if !ok {
		d = driver.Driver{ID: id}
	}
	d.Status = status
	d.UpdatedAt = v.s.now()
	v.s.drivers[id] = d
	return &d, nil
}

func (v driverView) ListAvailable(_ context.Context) ([]driver.Driver, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()

	out := make([]driver.Driver, 0)
	for _, d := range v.s.drivers {
		if d.CanAcceptRides() && d.GetLocation() != nil {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v driverView) ListEarnings(_ context.Context, driverID string, filter driver.EarningsFilter) ([]driver.Earning, float64, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()

	out := make([]driver.Earning, 0)
	var total float64
	for _, e := range v.s.earnings {
		if e.DriverID != driverID || !filter.Matches(e.Date) {
			continue
		}
		out = append(out, e)
		total += e.Amount
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Date.After(out[j].Date)
	})
	return out, total, nil
}
