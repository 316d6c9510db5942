package service

import (
	"errors"
	"fmt"

	"github.com/shuttleops/fleet-api/internal/storage"
)

// ValidationError reports malformed input. Field names the offending input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// ReferenceError reports an entity that does not exist, or is not visible to
// the caller's tenant.
type ReferenceError struct {
	Entity string
	ID     string
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// Trip operations named in InvalidTransitionError and metrics.
const (
	OpArrive    = "arrive"
	OpDepart    = "depart"
	OpComplete  = "complete"
	OpEmergency = "emergency"
	OpResume    = "resume"
)

// InvalidTransitionError reports an operation the trip's current status does
// not allow.
type InvalidTransitionError struct {
	TripID  string
	Op      string
	Current storage.TripStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("trip %s: cannot %s while %s", e.TripID, e.Op, e.Current)
}

// PreconditionError reports a stop-level ordering violation, such as a
// departure without a prior arrival.
type PreconditionError struct {
	Message string
}

func (e *PreconditionError) Error() string {
	return "precondition failed: " + e.Message
}

// CapacityViolationError reports a departure whose passenger delta would
// leave the on-board count outside [0, Max].
type CapacityViolationError struct {
	Current  int
	Boarded  int
	Alighted int
	Max      int
}

func (e *CapacityViolationError) Error() string {
	return fmt.Sprintf("capacity violation: %d + %d - %d is outside [0, %d]",
		e.Current, e.Boarded, e.Alighted, e.Max)
}

// outcomeOf classifies err for metrics labels.
func outcomeOf(err error) string {
	var (
		validation *ValidationError
		reference  *ReferenceError
		transition *InvalidTransitionError
		pre        *PreconditionError
		capacity   *CapacityViolationError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &validation):
		return "validation"
	case errors.As(err, &reference):
		return "not_found"
	case errors.As(err, &transition):
		return "invalid_transition"
	case errors.As(err, &pre):
		return "precondition"
	case errors.As(err, &capacity):
		return "capacity"
	default:
		return "error"
	}
}
