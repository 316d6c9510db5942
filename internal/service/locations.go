package service

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shuttleops/fleet-api/internal/storage"
)

// LatestLocationCache holds the most recent sample per trip.
type LatestLocationCache interface {
	// Get returns the cached sample, or (nil, nil) on a miss.
	Get(ctx context.Context, tripID string) (*storage.LocationSample, error)
	// Set stores sample unless a newer one is already cached.
	Set(ctx context.Context, sample *storage.LocationSample) error
}

type nopLocationCache struct{}

func (nopLocationCache) Get(context.Context, string) (*storage.LocationSample, error) { return nil, nil }
func (nopLocationCache) Set(context.Context, *storage.LocationSample) error          { return nil }

// maxClockSkew bounds how far ahead of the server clock a reported
// RecordedAt may be.
const maxClockSkew = time.Minute

// LocationInput is one position report. RecordedAt defaults to the time of
// ingestion when zero.
type LocationInput struct {
	TenantID   string
	TripID     string
	VehicleID  string
	Lat        float64
	Lon        float64
	Speed      *float64
	Heading    *float64
	Accuracy   *float64
	RecordedAt time.Time
}

// LocationService ingests vehicle positions. It never takes the trip lock, so
// position reports do not wait on trip transitions.
type LocationService struct {
	trips     storage.TripsRepository
	locations storage.LocationsRepository
	cache     LatestLocationCache
	publisher EventPublisher
	recorder  Recorder
	now       func() time.Time
}

// LocationServiceOption configures a LocationService.
type LocationServiceOption func(*LocationService)

// WithLocationCache sets the latest-sample cache.
func WithLocationCache(c LatestLocationCache) LocationServiceOption {
	return func(s *LocationService) { s.cache = c }
}

// WithLocationPublisher sets the publisher notified after each stored sample.
func WithLocationPublisher(p EventPublisher) LocationServiceOption {
	return func(s *LocationService) { s.publisher = p }
}

// WithLocationRecorder sets the metrics recorder.
func WithLocationRecorder(r Recorder) LocationServiceOption {
	return func(s *LocationService) { s.recorder = r }
}

// WithLocationClock overrides the time source. Intended for tests.
func WithLocationClock(now func() time.Time) LocationServiceOption {
	return func(s *LocationService) { s.now = now }
}

// NewLocationService creates a LocationService.
func NewLocationService(trips storage.TripsRepository, locations storage.LocationsRepository, opts ...LocationServiceOption) *LocationService {
	s := &LocationService{
		trips:     trips,
		locations: locations,
		cache:     nopLocationCache{},
		publisher: nopPublisher{},
		recorder:  nopRecorder{},
		now:       systemClock,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// UpdateVehicleLocation validates and appends a position sample for an active
// trip. Cache and publish failures are logged and do not fail the call.
func (s *LocationService) UpdateVehicleLocation(ctx context.Context, in LocationInput) (*storage.LocationSample, error) {
	sample, err := s.updateVehicleLocation(ctx, in)
	s.recorder.LocationIngested(outcomeOf(err))
	if err != nil {
		return nil, err
	}

	if err := s.cache.Set(ctx, sample); err != nil {
		log.Warn().Err(err).Str("trip_id", sample.TripID).Msg("service: cache latest location failed")
	}
	if err := s.publisher.PublishLocation(ctx, in.TenantID, sample); err != nil {
		log.Warn().Err(err).Str("trip_id", sample.TripID).Msg("service: publish location failed")
	}
	return sample, nil
}

func (s *LocationService) updateVehicleLocation(ctx context.Context, in LocationInput) (*storage.LocationSample, error) {
	if err := validateLocation(in, s.now()); err != nil {
		return nil, err
	}

	trip, err := s.trips.GetTrip(ctx, in.TenantID, in.TripID)
	if err != nil {
		return nil, fmt.Errorf("service: UpdateVehicleLocation: %w", err)
	}
	if trip == nil || trip.Status.Terminal() {
		return nil, &ReferenceError{Entity: "active trip", ID: in.TripID}
	}
	if trip.VehicleID != in.VehicleID {
		return nil, &ReferenceError{Entity: "vehicle on trip", ID: in.VehicleID}
	}

	recordedAt := in.RecordedAt.UTC().Truncate(time.Microsecond)
	if in.RecordedAt.IsZero() {
		recordedAt = s.now()
	}

	sample := &storage.LocationSample{
		TripID:     trip.ID,
		VehicleID:  in.VehicleID,
		Lat:        in.Lat,
		Lon:        in.Lon,
		Speed:      in.Speed,
		Heading:    in.Heading,
		Accuracy:   in.Accuracy,
		RecordedAt: recordedAt,
	}
	if err := s.locations.AppendSample(ctx, sample); err != nil {
		return nil, fmt.Errorf("service: UpdateVehicleLocation: %w", err)
	}
	return sample, nil
}

func validateLocation(in LocationInput, now time.Time) error {
	if strings.TrimSpace(in.TripID) == "" {
		return &ValidationError{Field: "trip_id", Message: "is required"}
	}
	if strings.TrimSpace(in.VehicleID) == "" {
		return &ValidationError{Field: "vehicle_id", Message: "is required"}
	}
	if math.IsNaN(in.Lat) || in.Lat < -90 || in.Lat > 90 {
		return &ValidationError{Field: "lat", Message: "must be within [-90, 90]"}
	}
	if math.IsNaN(in.Lon) || in.Lon < -180 || in.Lon > 180 {
		return &ValidationError{Field: "lon", Message: "must be within [-180, 180]"}
	}
	if in.Speed != nil && !(*in.Speed >= 0) {
		return &ValidationError{Field: "speed", Message: "must not be negative"}
	}
	if in.Heading != nil && !(*in.Heading >= 0 && *in.Heading < 360) {
		return &ValidationError{Field: "heading", Message: "must be within [0, 360)"}
	}
	if in.Accuracy != nil && !(*in.Accuracy >= 0) {
		return &ValidationError{Field: "accuracy", Message: "must not be negative"}
	}
	if in.RecordedAt.After(now.Add(maxClockSkew)) {
		return &ValidationError{Field: "recorded_at", Message: "must not be in the future"}
	}
	return nil
}
