package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shuttleops/fleet-api/internal/storage"
)

// EventPublisher fans trip activity out to subscribers. Implementations must
// be safe for concurrent use.
type EventPublisher interface {
	PublishTripEvent(ctx context.Context, trip *storage.Trip, event *storage.TripEvent) error
	PublishLocation(ctx context.Context, tenantID string, sample *storage.LocationSample) error
}

// Recorder receives operational counters.
type Recorder interface {
	TripTransition(op, outcome string)
	LocationIngested(outcome string)
}

type nopPublisher struct{}

func (nopPublisher) PublishTripEvent(context.Context, *storage.Trip, *storage.TripEvent) error {
	return nil
}

func (nopPublisher) PublishLocation(context.Context, string, *storage.LocationSample) error {
	return nil
}

type nopRecorder struct{}

func (nopRecorder) TripTransition(string, string) {}
func (nopRecorder) LocationIngested(string)       {}

// systemClock returns the current UTC time at the resolution Postgres stores.
func systemClock() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// nextStatus is the trip transition table. It is total: every (status, op)
// pair yields either the resulting status or an *InvalidTransitionError.
// Stop operations leave the status unchanged.
func nextStatus(tripID string, current storage.TripStatus, op string) (storage.TripStatus, error) {
	invalid := &InvalidTransitionError{TripID: tripID, Op: op, Current: current}

	switch op {
	case OpArrive, OpDepart:
		switch current {
		case storage.TripScheduled, storage.TripInProgress, storage.TripEmergency:
			return current, nil
		}
	case OpComplete:
		switch current {
		case storage.TripInProgress, storage.TripEmergency:
			return storage.TripCompleted, nil
		}
	case OpEmergency:
		if current == storage.TripInProgress {
			return storage.TripEmergency, nil
		}
	case OpResume:
		if current == storage.TripEmergency {
			return storage.TripInProgress, nil
		}
	default:
		return current, fmt.Errorf("service: unknown trip operation %q", op)
	}
	return current, invalid
}

// StartTripInput carries the fields needed to start a trip. MaxCapacity is
// optional and defaults to the vehicle's capacity.
type StartTripInput struct {
	TenantID       string
	RouteID        string
	VehicleID      string
	DriverID       string
	ScheduledStart time.Time
	ScheduledEnd   time.Time
	MaxCapacity    *int
	Notes          string
}

// TripService owns the trip state machine. Each transition reads, validates
// and writes the trip inside one transaction holding the trip's row lock.
type TripService struct {
	trips     storage.TripsRepository
	routes    storage.RoutesRepository
	vehicles  storage.VehiclesRepository
	users     storage.UsersRepository
	publisher EventPublisher
	recorder  Recorder
	now       func() time.Time
}

// TripServiceOption configures a TripService.
type TripServiceOption func(*TripService)

// WithPublisher sets the publisher notified after each committed transition.
func WithPublisher(p EventPublisher) TripServiceOption {
	return func(s *TripService) { s.publisher = p }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) TripServiceOption {
	return func(s *TripService) { s.recorder = r }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) TripServiceOption {
	return func(s *TripService) { s.now = now }
}

// NewTripService creates a TripService.
func NewTripService(
	trips storage.TripsRepository,
	routes storage.RoutesRepository,
	vehicles storage.VehiclesRepository,
	users storage.UsersRepository,
	opts ...TripServiceOption,
) *TripService {
	s := &TripService{
		trips:     trips,
		routes:    routes,
		vehicles:  vehicles,
		users:     users,
		publisher: nopPublisher{},
		recorder:  nopRecorder{},
		now:       systemClock,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// StartTrip creates a trip in IN_PROGRESS with no passengers on board.
func (s *TripService) StartTrip(ctx context.Context, in StartTripInput) (*storage.Trip, error) {
	trip, err := s.startTrip(ctx, in)
	s.recordOutcome("start", err)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, trip, &storage.TripEvent{TripID: trip.ID, Kind: storage.EventStarted, OccurredAt: *trip.ActualStart})
	return trip, nil
}

func (s *TripService) startTrip(ctx context.Context, in StartTripInput) (*storage.Trip, error) {
	for _, f := range []struct{ name, value string }{
		{"tenant_id", in.TenantID},
		{"route_id", in.RouteID},
		{"vehicle_id", in.VehicleID},
		{"driver_id", in.DriverID},
	} {
		if strings.TrimSpace(f.value) == "" {
			return nil, &ValidationError{Field: f.name, Message: "is required"}
		}
	}
	if in.ScheduledStart.IsZero() {
		return nil, &ValidationError{Field: "scheduled_start", Message: "is required"}
	}
	if in.ScheduledEnd.IsZero() {
		return nil, &ValidationError{Field: "scheduled_end", Message: "is required"}
	}
	if !in.ScheduledEnd.After(in.ScheduledStart) {
		return nil, &ValidationError{Field: "scheduled_end", Message: "must be after scheduled_start"}
	}
	if in.MaxCapacity != nil && *in.MaxCapacity <= 0 {
		return nil, &ValidationError{Field: "max_capacity", Message: "must be positive"}
	}

	ok, err := s.routes.RouteExists(ctx, in.TenantID, in.RouteID)
	if err != nil {
		return nil, fmt.Errorf("service: StartTrip: %w", err)
	}
	if !ok {
		return nil, &ReferenceError{Entity: "route", ID: in.RouteID}
	}

	vehicle, err := s.vehicles.GetVehicleByID(ctx, in.TenantID, in.VehicleID)
	if err != nil {
		return nil, fmt.Errorf("service: StartTrip: %w", err)
	}
	if vehicle == nil {
		return nil, &ReferenceError{Entity: "vehicle", ID: in.VehicleID}
	}

	ok, err = s.users.DriverExists(ctx, in.TenantID, in.DriverID)
	if err != nil {
		return nil, fmt.Errorf("service: StartTrip: %w", err)
	}
	if !ok {
		return nil, &ReferenceError{Entity: "driver", ID: in.DriverID}
	}

	capacity := vehicle.Capacity
	if in.MaxCapacity != nil {
		capacity = *in.MaxCapacity
	}
	if capacity <= 0 {
		return nil, &ValidationError{Field: "max_capacity", Message: "is required when the vehicle has no capacity"}
	}

	now := s.now()
	trip := &storage.Trip{
		ID:             uuid.NewString(),
		TenantID:       in.TenantID,
		RouteID:        in.RouteID,
		VehicleID:      in.VehicleID,
		DriverID:       in.DriverID,
		ScheduledStart: in.ScheduledStart.UTC(),
		ScheduledEnd:   in.ScheduledEnd.UTC(),
		ActualStart:    &now,
		Status:         storage.TripInProgress,
		MaxCapacity:    capacity,
		Notes:          in.Notes,
	}
	created, err := s.trips.CreateTrip(ctx, trip)
	if err != nil {
		return nil, fmt.Errorf("service: StartTrip: %w", err)
	}
	return created, nil
}

// ArriveAtStop records the trip's arrival at a route point. A repeated
// arrival before departure overwrites the arrival time.
func (s *TripService) ArriveAtStop(ctx context.Context, tenantID, tripID, routePointID string) (*storage.TripStop, error) {
	var (
		trip  *storage.Trip
		stop  *storage.TripStop
		event *storage.TripEvent
	)
	err := s.trips.InTripTx(ctx, func(ctx context.Context, tx storage.TripTx) error {
		var err error
		trip, err = s.lockTrip(ctx, tx, tenantID, tripID)
		if err != nil {
			return err
		}
		if _, err := nextStatus(trip.ID, trip.Status, OpArrive); err != nil {
			return err
		}
		if err := s.checkRoutePoint(ctx, trip, routePointID); err != nil {
			return err
		}

		stop, err = tx.GetStop(ctx, trip.ID, routePointID)
		if err != nil {
			return err
		}
		if stop.State() == storage.StopDeparted {
			return &PreconditionError{Message: fmt.Sprintf("trip already departed from route point %s", routePointID)}
		}
		if stop == nil {
			stop = &storage.TripStop{TripID: trip.ID, RoutePointID: routePointID}
		}

		now := s.now()
		stop.ArrivedAt = &now
		if err := tx.SaveStop(ctx, stop); err != nil {
			return err
		}

		event = &storage.TripEvent{TripID: trip.ID, Kind: storage.EventArrived, Detail: routePointID, OccurredAt: now}
		return tx.AppendEvent(ctx, event)
	})
	s.recordOutcome(OpArrive, err)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, trip, event)
	return stop, nil
}

// DepartFromStop records the departure from a route point the trip has
// arrived at and applies the passenger delta. A delta that would leave the
// on-board count outside [0, MaxCapacity] fails without changing anything.
func (s *TripService) DepartFromStop(ctx context.Context, tenantID, tripID, routePointID string, boarded, alighted int) (*storage.TripStop, error) {
	if boarded < 0 || alighted < 0 {
		field := "boarded"
		if alighted < 0 {
			field = "alighted"
		}
		err := &ValidationError{Field: field, Message: "must not be negative"}
		s.recordOutcome(OpDepart, err)
		return nil, err
	}

	var (
		trip  *storage.Trip
		stop  *storage.TripStop
		event *storage.TripEvent
	)
	err := s.trips.InTripTx(ctx, func(ctx context.Context, tx storage.TripTx) error {
		var err error
		trip, err = s.lockTrip(ctx, tx, tenantID, tripID)
		if err != nil {
			return err
		}
		if _, err := nextStatus(trip.ID, trip.Status, OpDepart); err != nil {
			return err
		}

		stop, err = tx.GetStop(ctx, trip.ID, routePointID)
		if err != nil {
			return err
		}
		switch stop.State() {
		case storage.StopPending:
			return &PreconditionError{Message: fmt.Sprintf("trip has not arrived at route point %s", routePointID)}
		case storage.StopDeparted:
			return &PreconditionError{Message: fmt.Sprintf("trip already departed from route point %s", routePointID)}
		}

		onboard := trip.CurrentPassengers + boarded - alighted
		if onboard < 0 || onboard > trip.MaxCapacity {
			return &CapacityViolationError{
				Current:  trip.CurrentPassengers,
				Boarded:  boarded,
				Alighted: alighted,
				Max:      trip.MaxCapacity,
			}
		}

		now := s.now()
		if !now.After(*stop.ArrivedAt) {
			now = stop.ArrivedAt.Add(time.Microsecond)
		}
		stop.DepartedAt = &now
		stop.Boarded = boarded
		stop.Alighted = alighted
		stop.OnboardAfter = onboard
		if err := tx.SaveStop(ctx, stop); err != nil {
			return err
		}

		trip.CurrentPassengers = onboard
		if err := tx.UpdateTrip(ctx, trip); err != nil {
			return err
		}

		event = &storage.TripEvent{
			TripID:     trip.ID,
			Kind:       storage.EventDeparted,
			Detail:     fmt.Sprintf("%s boarded=%d alighted=%d", routePointID, boarded, alighted),
			OccurredAt: now,
		}
		return tx.AppendEvent(ctx, event)
	})
	s.recordOutcome(OpDepart, err)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, trip, event)
	return stop, nil
}

// CompleteTrip ends an in-progress or interrupted trip. Non-empty notes
// replace the trip's notes.
func (s *TripService) CompleteTrip(ctx context.Context, tenantID, tripID, notes string) (*storage.Trip, error) {
	return s.transition(ctx, tenantID, tripID, OpComplete, func(trip *storage.Trip, now time.Time) *storage.TripEvent {
		trip.ActualEnd = &now
		trip.EmergencyReason = nil
		if notes != "" {
			trip.Notes = notes
		}
		return &storage.TripEvent{TripID: trip.ID, Kind: storage.EventCompleted, Detail: notes, OccurredAt: now}
	})
}

// EmergencyStop interrupts an in-progress trip. A reason is required.
func (s *TripService) EmergencyStop(ctx context.Context, tenantID, tripID, reason string) (*storage.Trip, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		err := &ValidationError{Field: "reason", Message: "is required"}
		s.recordOutcome(OpEmergency, err)
		return nil, err
	}
	return s.transition(ctx, tenantID, tripID, OpEmergency, func(trip *storage.Trip, now time.Time) *storage.TripEvent {
		trip.EmergencyReason = &reason
		trip.EmergencyAt = &now
		return &storage.TripEvent{TripID: trip.ID, Kind: storage.EventEmergency, Detail: reason, OccurredAt: now}
	})
}

// ResumeTrip returns an interrupted trip to IN_PROGRESS. The emergency reason
// stops being active but remains in the trip's events.
func (s *TripService) ResumeTrip(ctx context.Context, tenantID, tripID string) (*storage.Trip, error) {
	return s.transition(ctx, tenantID, tripID, OpResume, func(trip *storage.Trip, now time.Time) *storage.TripEvent {
		detail := ""
		if trip.EmergencyReason != nil {
			detail = *trip.EmergencyReason
		}
		trip.EmergencyReason = nil
		return &storage.TripEvent{TripID: trip.ID, Kind: storage.EventResumed, Detail: detail, OccurredAt: now}
	})
}

// transition runs a status-changing operation under the trip lock. apply
// mutates the locked trip after the status has been advanced and returns the
// event to record.
func (s *TripService) transition(
	ctx context.Context,
	tenantID, tripID, op string,
	apply func(trip *storage.Trip, now time.Time) *storage.TripEvent,
) (*storage.Trip, error) {
	var (
		trip  *storage.Trip
		event *storage.TripEvent
	)
	err := s.trips.InTripTx(ctx, func(ctx context.Context, tx storage.TripTx) error {
		var err error
		trip, err = s.lockTrip(ctx, tx, tenantID, tripID)
		if err != nil {
			return err
		}
		next, err := nextStatus(trip.ID, trip.Status, op)
		if err != nil {
			return err
		}

		trip.Status = next
		event = apply(trip, s.now())
		if err := tx.UpdateTrip(ctx, trip); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, event)
	})
	s.recordOutcome(op, err)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, trip, event)
	return trip, nil
}

func (s *TripService) lockTrip(ctx context.Context, tx storage.TripTx, tenantID, tripID string) (*storage.Trip, error) {
	if strings.TrimSpace(tripID) == "" {
		return nil, &ValidationError{Field: "trip_id", Message: "is required"}
	}
	trip, err := tx.LockTrip(ctx, tenantID, tripID)
	if err != nil {
		return nil, err
	}
	if trip == nil {
		return nil, &ReferenceError{Entity: "trip", ID: tripID}
	}
	return trip, nil
}

func (s *TripService) checkRoutePoint(ctx context.Context, trip *storage.Trip, routePointID string) error {
	if strings.TrimSpace(routePointID) == "" {
		return &ValidationError{Field: "route_point_id", Message: "is required"}
	}
	ok, err := s.routes.RoutePointOnRoute(ctx, trip.RouteID, routePointID)
	if err != nil {
		return err
	}
	if !ok {
		return &ReferenceError{Entity: "route point", ID: routePointID}
	}
	return nil
}

func (s *TripService) publish(ctx context.Context, trip *storage.Trip, event *storage.TripEvent) {
	if err := s.publisher.PublishTripEvent(ctx, trip, event); err != nil {
		log.Warn().Err(err).
			Str("trip_id", trip.ID).
			Str("event", string(event.Kind)).
			Msg("service: publish trip event failed")
	}
}

func (s *TripService) recordOutcome(op string, err error) {
	s.recorder.TripTransition(op, outcomeOf(err))
}
