package ride

import (
	"math"
	"time"

	"github.com/gocomet/ride-dispatch/internal/domain/driver"
	"github.com/google/uuid"
)

// Trigger names a requested transition.
type Trigger string

const (
	TriggerAccept   Trigger = "accept"
	TriggerReject   Trigger = "reject"
	TriggerArrive   Trigger = "arriving"
	TriggerStart    Trigger = "start"
	TriggerComplete Trigger = "complete"
	TriggerCancel   Trigger = "cancel"
)

// Events emitted to clients, one per successful transition.
const (
	EventAccepted  = "ride:accepted"
	EventRejected  = "ride:rejected"
	EventArriving  = "ride:arriving"
	EventStarted   = "ride:started"
	EventCompleted = "ride:completed"
	EventCancelled = "ride:cancelled"
)

// Command is a transition request. DriverID identifies the acting driver for
// driver triggers, RiderID the acting rider for cancel.
type Command struct {
	Trigger    Trigger
	DriverID   string
	RiderID    string
	Reason     string
	Fare       *float64
	DistanceKM *float64
}

// AudienceKind is the kind of channel an event is addressed to.
type AudienceKind string

const (
	AudienceRider   AudienceKind = "rider"
	AudienceDriver  AudienceKind = "driver"
	AudienceDrivers AudienceKind = "drivers"
	AudienceRide    AudienceKind = "ride"
)

// Audience is one recipient channel of an event.
type Audience struct {
	Kind AudienceKind
	ID   string
}

// Channel renders the audience as a channel name.
func (a Audience) Channel() string {
	if a.Kind == AudienceDrivers {
		return string(AudienceDrivers)
	}
	return string(a.Kind) + ":" + a.ID
}

// Event is the notification produced by a transition.
type Event struct {
	Name      string
	Audiences []Audience
	Ride      Ride
}

// Outcome is the result of a successful transition. Earning is set only on
// completion.
type Outcome struct {
	Ride    Ride
	Event   Event
	Earning *driver.Earning
}

// Apply computes the transition of current under cmd at time now. It has no
// side effects: on error nothing changed and nothing should be emitted.
func Apply(current Ride, cmd Command, now time.Time) (Outcome, error) {
	reject := func(err error) (Outcome, error) {
		return Outcome{}, &TransitionError{Trigger: cmd.Trigger, From: current.Status, Err: err}
	}

	if current.Status.IsTerminal() {
		return reject(ErrRideFinished)
	}

	next := current
	next.Version = current.Version + 1
	next.UpdatedAt = now
	rider := Audience{Kind: AudienceRider, ID: current.RiderID}

	var (
		event   Event
		earning *driver.Earning
	)

	switch cmd.Trigger {
	case TriggerAccept:
		if cmd.DriverID == "" || current.Status != StatusPending ||
			(current.DriverID != nil && *current.DriverID != cmd.DriverID) {
			return reject(ErrRideNotAvailable)
		}
		id := cmd.DriverID
		next.DriverID = &id
		next.Status = StatusAccepted
		event = Event{Name: EventAccepted, Audiences: []Audience{rider}}

	case TriggerReject:
		if current.Status != StatusPending || !current.AssignedTo(cmd.DriverID) {
			return reject(ErrNotAssigned)
		}
		next.DriverID = nil
		next.CancelReason = cmd.Reason
		event = Event{Name: EventRejected, Audiences: []Audience{rider, {Kind: AudienceDrivers}}}

	case TriggerArrive:
		if current.Status != StatusAccepted || !current.AssignedTo(cmd.DriverID) {
			return reject(ErrRideNotAccepted)
		}
		next.Status = StatusArriving
		event = Event{Name: EventArriving, Audiences: []Audience{rider}}

	case TriggerStart:
		if (current.Status != StatusAccepted && current.Status != StatusArriving) || !current.AssignedTo(cmd.DriverID) {
			return reject(ErrRideNotAccepted)
		}
		started := now
		next.Status = StatusStarted
		next.StartedAt = &started
		event = Event{Name: EventStarted, Audiences: []Audience{rider}}

	case TriggerComplete:
		if current.Status != StatusStarted || !current.AssignedTo(cmd.DriverID) {
			return reject(ErrRideNotStarted)
		}
		fare := cmd.Fare
		if fare == nil {
			fare = current.EstimatedFare
		}
		if fare == nil {
			return reject(ErrFareRequired)
		}
		if *fare < 0 {
			return reject(ErrInvalidFare)
		}
		amount := *fare
		completed := now
		duration := DurationMinutes(current.StartedAt, completed)

		next.Status = StatusCompleted
		next.CompletedAt = &completed
		next.Fare = &amount
		next.DurationMinutes = &duration
		if cmd.DistanceKM != nil {
			distance := *cmd.DistanceKM
			next.DistanceKM = &distance
		}
		earning = &driver.Earning{
			ID:          uuid.NewString(),
			DriverID:    cmd.DriverID,
			RideID:      current.ID,
			Amount:      amount,
			Type:        driver.EarningTypeRide,
			Description: "Ride " + current.ID,
			Date:        completed,
		}
		event = Event{Name: EventCompleted, Audiences: []Audience{rider}}

	case TriggerCancel:
		if cmd.RiderID == "" || current.RiderID != cmd.RiderID {
			return reject(ErrRideNotFound)
		}
		cancelled := now
		next.Status = StatusCancelled
		next.CancelledAt = &cancelled
		next.CancelReason = cmd.Reason

		audiences := []Audience{{Kind: AudienceRide, ID: current.ID}}
		if d := current.Driver(); d != "" {
			audiences = append(audiences, Audience{Kind: AudienceDriver, ID: d})
		} else {
			audiences = append(audiences, Audience{Kind: AudienceDrivers})
		}
		event = Event{Name: EventCancelled, Audiences: audiences}

	default:
		return reject(ErrUnknownTrigger)
	}

	event.Ride = next
	return Outcome{Ride: next, Event: event, Earning: earning}, nil
}

// DurationMinutes is the whole minutes between start and end, rounded to the
// nearest minute. A ride that never started lasted zero minutes.
func DurationMinutes(startedAt *time.Time, end time.Time) int {
	if startedAt == nil {
		return 0
	}
	ms := float64(end.Sub(*startedAt).Milliseconds())
	return int(math.Round(ms / 60000))
}
