package storage

import (
	"context"
	"time"
)

// TripStatus is the lifecycle state of a trip.
type TripStatus string

const (
	TripScheduled  TripStatus = "SCHEDULED"
	TripInProgress TripStatus = "IN_PROGRESS"
	TripEmergency  TripStatus = "EMERGENCY"
	TripCompleted  TripStatus = "COMPLETED"
	TripCancelled  TripStatus = "CANCELLED"
)

// Terminal reports whether no further transition is possible from s.
func (s TripStatus) Terminal() bool {
	return s == TripCompleted || s == TripCancelled
}

// Valid reports whether s is one of the known statuses.
func (s TripStatus) Valid() bool {
	switch s {
	case TripScheduled, TripInProgress, TripEmergency, TripCompleted, TripCancelled:
		return true
	}
	return false
}

// Trip is one run of a vehicle along a route. It is the aggregate root for
// its stops, events and location samples.
type Trip struct {
	ID                string
	TenantID          string
	RouteID           string
	VehicleID         string
	DriverID          string
	ScheduledStart    time.Time
	ScheduledEnd      time.Time
	ActualStart       *time.Time
	ActualEnd         *time.Time // set iff Status is terminal
	Status            TripStatus
	MaxCapacity       int
	CurrentPassengers int
	Notes             string
	EmergencyReason   *string // reason of the emergency in effect; history lives in trip events
	EmergencyAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// StopState describes how far a trip has progressed at one route point.
type StopState string

const (
	StopPending  StopState = "pending"
	StopArrived  StopState = "arrived"
	StopDeparted StopState = "departed"
)

// TripStop records a trip's visit to one route point. A nil ArrivedAt or
// DepartedAt means the event has not happened yet.
type TripStop struct {
	TripID       string
	RoutePointID string
	ArrivedAt    *time.Time
	DepartedAt   *time.Time
	Boarded      int
	Alighted     int
	OnboardAfter int // passengers on board when the vehicle left this stop
}

// State derives the explicit stop state from the nullable timestamps.
func (s *TripStop) State() StopState {
	switch {
	case s == nil || s.ArrivedAt == nil:
		return StopPending
	case s.DepartedAt == nil:
		return StopArrived
	default:
		return StopDeparted
	}
}

// TripEventKind identifies an entry of a trip's history.
type TripEventKind string

const (
	EventStarted   TripEventKind = "started"
	EventArrived   TripEventKind = "arrived"
	EventDeparted  TripEventKind = "departed"
	EventEmergency TripEventKind = "emergency"
	EventResumed   TripEventKind = "resumed"
	EventCompleted TripEventKind = "completed"
)

// TripEvent is an append-only history entry of a trip.
type TripEvent struct {
	ID         int64
	TripID     string
	Kind       TripEventKind
	Detail     string
	OccurredAt time.Time
}

// TripTx exposes the trip operations that must run inside the transaction
// holding the trip's row lock.
type TripTx interface {
	// LockTrip loads the tenant's trip and locks it until the transaction
	// ends. Returns (nil, nil) when the trip does not exist.
	LockTrip(ctx context.Context, tenantID, tripID string) (*Trip, error)

	// UpdateTrip persists the mutable trip fields.
	UpdateTrip(ctx context.Context, t *Trip) error

	// GetStop returns the stop record, or (nil, nil) when the trip has not
	// arrived at the route point yet.
	GetStop(ctx context.Context, tripID, routePointID string) (*TripStop, error)

	// SaveStop inserts or updates a stop record.
	SaveStop(ctx context.Context, s *TripStop) error

	// AppendEvent adds an entry to the trip's history.
	AppendEvent(ctx context.Context, e *TripEvent) error
}

// TripsRepository defines operations on trips and their stops and events.
type TripsRepository interface {
	// CreateTrip inserts a new trip and its "started" event atomically.
	CreateTrip(ctx context.Context, t *Trip) (*Trip, error)

	// InTripTx runs fn inside a transaction. The transaction commits when fn
	// returns nil and rolls back otherwise; fn's error is returned unchanged.
	InTripTx(ctx context.Context, fn func(ctx context.Context, tx TripTx) error) error

	// GetTrip returns the tenant's trip without locking it, or (nil, nil).
	GetTrip(ctx context.Context, tenantID, tripID string) (*Trip, error)

	// ListStops returns a trip's stop records ordered by arrival.
	ListStops(ctx context.Context, tripID string) ([]TripStop, error)

	// ListEvents returns a trip's history in insertion order.
	ListEvents(ctx context.Context, tripID string) ([]TripEvent, error)

	// ListActiveTrips returns the tenant's non-terminal trips ordered by
	// scheduled start ascending.
	ListActiveTrips(ctx context.Context, tenantID string) ([]Trip, error)
}
