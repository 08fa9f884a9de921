// Package lifecycle runs ride transitions: it reads the ride, applies the state
// machine, writes the result conditionally and tells the parties.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gocomet/ride-dispatch/internal/domain/driver"
	"github.com/gocomet/ride-dispatch/internal/domain/ride"
	"github.com/gocomet/ride-dispatch/internal/service/pricing"
	"github.com/gocomet/ride-dispatch/pkg/logger"
	"github.com/google/uuid"
)

// Notifier delivers ride events to connected parties.
type Notifier interface {
	Notify(ctx context.Context, ev ride.Event)
	EmitRideRequest(ctx context.Context, r ride.Ride)
	EmitToDriver(ctx context.Context, driverID, event string, payload interface{})
}

// Estimator prices a trip before it starts.
type Estimator interface {
	Quote(ctx context.Context, vehicleType driver.VehicleType, pickupLat, pickupLng, dropoffLat, dropoffLng float64) (*pricing.Quote, error)
}

// Metrics receives ride counters. *monitoring.NewRelicApp satisfies it.
type Metrics interface {
	RecordTransition(rideID, from, to string)
	RecordRideCompleted(rideID string, fare float64, durationMinutes int)
}

type nopMetrics struct{}

func (nopMetrics) RecordTransition(string, string, string)  {}
func (nopMetrics) RecordRideCompleted(string, float64, int) {}

// EventRideRequest offers a ride to one specific driver.
const EventRideRequest = "ride:request"

var (
	ErrRiderRequired  = errors.New("riderId is required")
	ErrDriverRequired = errors.New("driverId is required")
	ErrInvalidPickup  = errors.New("invalid pickup location")
	ErrInvalidDropoff = errors.New("invalid dropoff location")
)

// Service coordinates ride transitions.
type Service struct {
	rides    ride.Repository
	pricing  Estimator
	notifier Notifier
	logger   *logger.Logger
	metrics  Metrics
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithMetrics(m Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates the lifecycle service. pricing may be nil, in which case
// rides carry no estimate.
func NewService(rides ride.Repository, pricing Estimator, notifier Notifier, log *logger.Logger, opts ...Option) *Service {
	s := &Service{
		rides:    rides,
		pricing:  pricing,
		notifier: notifier,
		logger:   log,
		metrics:  nopMetrics{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RequestInput describes a new ride. DriverID, when set, offers the ride to
// that driver only.
type RequestInput struct {
	RiderID     string
	VehicleType driver.VehicleType
	Pickup      ride.Location
	Dropoff     ride.Location
	DriverID    string
}

// Request creates a PENDING ride and offers it to drivers.
func (s *Service) Request(ctx context.Context, in RequestInput) (*ride.Ride, error) {
	if strings.TrimSpace(in.RiderID) == "" {
		return nil, ErrRiderRequired
	}
	if in.VehicleType == "" {
		in.VehicleType = driver.VehicleEconomy
	}
	if !in.VehicleType.IsValid() {
		return nil, driver.ErrInvalidVehicleType
	}
	if driver.ValidateLocation(in.Pickup.Lat, in.Pickup.Lng) != nil {
		return nil, ErrInvalidPickup
	}
	if driver.ValidateLocation(in.Dropoff.Lat, in.Dropoff.Lng) != nil {
		return nil, ErrInvalidDropoff
	}

	now := s.now()
	r := &ride.Ride{
		ID:          uuid.NewString(),
		RiderID:     in.RiderID,
		Status:      ride.StatusPending,
		VehicleType: in.VehicleType,
		Pickup:      in.Pickup,
		Dropoff:     in.Dropoff,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
	if in.DriverID != "" {
		offered := in.DriverID
		r.DriverID = &offered
	}

	if s.pricing != nil {
		quote, err := s.pricing.Quote(ctx, in.VehicleType, in.Pickup.Lat, in.Pickup.Lng, in.Dropoff.Lat, in.Dropoff.Lng)
		if err != nil {
			return nil, fmt.Errorf("estimate fare: %w", err)
		}
		fare := quote.Fare.Total
		r.EstimatedFare = &fare
	}

	if err := s.rides.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("create ride: %w", err)
	}

	if in.DriverID != "" {
		s.notifier.EmitToDriver(ctx, in.DriverID, EventRideRequest, r)
	} else {
		s.notifier.EmitRideRequest(ctx, *r)
	}

	s.logger.Info("Ride requested",
		logger.String("ride_id", r.ID),
		logger.String("rider_id", r.RiderID),
		logger.String("driver_id", in.DriverID),
	)
	return r, nil
}

// Get returns a ride by id.
func (s *Service) Get(ctx context.Context, rideID string) (*ride.Ride, error) {
	return s.rides.GetByID(ctx, rideID)
}

// ListOpen returns unassigned PENDING rides, oldest first.
func (s *Service) ListOpen(ctx context.Context, limit int) ([]*ride.Ride, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.rides.ListOpen(ctx, limit)
}

// HistoryQuery selects a page of one party's rides. Page starts at 1.
type HistoryQuery struct {
	RiderID  string
	DriverID string
	Status   string
	Page     int
	Limit    int
}

// HistoryPage is one page of past rides.
type HistoryPage struct {
	Rides []*ride.Ride
	Total int
	Page  int
	Limit int
}

// History lists a rider's or a driver's rides, newest first. An empty status
// or "All" lists every status.
func (s *Service) History(ctx context.Context, q HistoryQuery) (*HistoryPage, error) {
	if q.RiderID == "" && q.DriverID == "" {
		return nil, ErrRiderRequired
	}
	if q.Limit <= 0 {
		q.Limit = 10
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	if q.Page <= 0 {
		q.Page = 1
	}

	filter := ride.HistoryFilter{
		RiderID:  q.RiderID,
		DriverID: q.DriverID,
		Limit:    q.Limit,
		Offset:   (q.Page - 1) * q.Limit,
	}
	if q.Status != "" && !strings.EqualFold(q.Status, "all") {
		status := ride.Status(strings.ToUpper(q.Status))
		if !status.IsValid() {
			return nil, ride.ErrInvalidStatus
		}
		filter.Status = status
	}

	rides, total, err := s.rides.ListHistory(ctx, filter)
	if err != nil {
		return nil, err
	}
	return &HistoryPage{Rides: rides, Total: total, Page: q.Page, Limit: q.Limit}, nil
}

// Accept assigns the ride to driverID. Of two drivers racing, only one wins.
func (s *Service) Accept(ctx context.Context, rideID, driverID string) (*ride.Ride, error) {
	if driverID == "" {
		return nil, ErrDriverRequired
	}
	return s.transition(ctx, rideID, ride.Command{Trigger: ride.TriggerAccept, DriverID: driverID})
}

// Reject hands an offered ride back to the pool.
func (s *Service) Reject(ctx context.Context, rideID, driverID, reason string) (*ride.Ride, error) {
	if driverID == "" {
		return nil, ErrDriverRequired
	}
	return s.transition(ctx, rideID, ride.Command{Trigger: ride.TriggerReject, DriverID: driverID, Reason: reason})
}

// Arrive marks the driver as arriving at pickup.
func (s *Service) Arrive(ctx context.Context, rideID, driverID string) (*ride.Ride, error) {
	if driverID == "" {
		return nil, ErrDriverRequired
	}
	return s.transition(ctx, rideID, ride.Command{Trigger: ride.TriggerArrive, DriverID: driverID})
}

// Start begins the trip.
func (s *Service) Start(ctx context.Context, rideID, driverID string) (*ride.Ride, error) {
	if driverID == "" {
		return nil, ErrDriverRequired
	}
	return s.transition(ctx, rideID, ride.Command{Trigger: ride.TriggerStart, DriverID: driverID})
}

// CompleteInput carries the final trip figures. A nil fare falls back to the
// ride's estimate.
type CompleteInput struct {
	Fare       *float64
	DistanceKM *float64
}

// Complete finishes the trip, records the driver's earning and trip count.
func (s *Service) Complete(ctx context.Context, rideID, driverID string, in CompleteInput) (*ride.Ride, error) {
	if driverID == "" {
		return nil, ErrDriverRequired
	}
	return s.transition(ctx, rideID, ride.Command{
		Trigger:    ride.TriggerComplete,
		DriverID:   driverID,
		Fare:       in.Fare,
		DistanceKM: in.DistanceKM,
	})
}

// Cancel cancels the rider's ride.
func (s *Service) Cancel(ctx context.Context, rideID, riderID, reason string) (*ride.Ride, error) {
	if riderID == "" {
		return nil, ErrRiderRequired
	}
	return s.transition(ctx, rideID, ride.Command{Trigger: ride.TriggerCancel, RiderID: riderID, Reason: reason})
}

func (s *Service) transition(ctx context.Context, rideID string, cmd ride.Command) (*ride.Ride, error) {
	current, err := s.rides.GetByID(ctx, rideID)
	if errors.Is(err, ride.ErrRideNotFound) {
		return nil, &ride.TransitionError{Trigger: cmd.Trigger, Err: ride.RejectionFor(cmd.Trigger)}
	}
	if err != nil {
		return nil, fmt.Errorf("load ride: %w", err)
	}

	out, err := ride.Apply(*current, cmd, s.now())
	if err != nil {
		return nil, err
	}

	if out.Earning != nil {
		err = s.rides.Complete(ctx, &out.Ride, current.Version, out.Earning)
	} else {
		err = s.rides.UpdateIfVersion(ctx, &out.Ride, current.Version)
	}
	if errors.Is(err, ride.ErrVersionConflict) || errors.Is(err, ride.ErrRideNotFound) {
		s.logger.Info("Lost ride transition race",
			logger.String("ride_id", rideID),
			logger.String("trigger", string(cmd.Trigger)),
		)
		return nil, &ride.TransitionError{Trigger: cmd.Trigger, From: current.Status, Err: ride.RejectionFor(cmd.Trigger)}
	}
	if err != nil {
		return nil, fmt.Errorf("save ride: %w", err)
	}

	s.metrics.RecordTransition(rideID, string(current.Status), string(out.Ride.Status))
	if out.Earning != nil {
		s.metrics.RecordRideCompleted(rideID, out.Earning.Amount, *out.Ride.DurationMinutes)
	}

	s.notifier.Notify(ctx, out.Event)

	s.logger.Info("Ride transition",
		logger.String("ride_id", rideID),
		logger.String("trigger", string(cmd.Trigger)),
		logger.String("from", string(current.Status)),
		logger.String("to", string(out.Ride.Status)),
		logger.String("event", out.Event.Name),
	)
	return &out.Ride, nil
}
