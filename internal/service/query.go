package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shuttleops/fleet-api/internal/storage"
)

// TripStatusView is a trip with its stop history, event history and most
// recent location sample. Latest is nil when no sample has been recorded.
type TripStatusView struct {
	Trip   *storage.Trip
	Stops  []storage.TripStop
	Events []storage.TripEvent
	Latest *storage.LocationSample
}

// TripQueryService serves read-only views of trips.
type TripQueryService struct {
	trips     storage.TripsRepository
	locations storage.LocationsRepository
	cache     LatestLocationCache
}

// NewTripQueryService creates a TripQueryService. cache may be nil.
func NewTripQueryService(trips storage.TripsRepository, locations storage.LocationsRepository, cache LatestLocationCache) *TripQueryService {
	if cache == nil {
		cache = nopLocationCache{}
	}
	return &TripQueryService{trips: trips, locations: locations, cache: cache}
}

// GetTripStatus returns the trip's view, or (nil, nil) when the tenant has no
// such trip.
func (s *TripQueryService) GetTripStatus(ctx context.Context, tenantID, tripID string) (*TripStatusView, error) {
	trip, err := s.trips.GetTrip(ctx, tenantID, tripID)
	if err != nil {
		return nil, fmt.Errorf("service: GetTripStatus: %w", err)
	}
	if trip == nil {
		return nil, nil
	}

	stops, err := s.trips.ListStops(ctx, trip.ID)
	if err != nil {
		return nil, fmt.Errorf("service: GetTripStatus: %w", err)
	}
	events, err := s.trips.ListEvents(ctx, trip.ID)
	if err != nil {
		return nil, fmt.Errorf("service: GetTripStatus: %w", err)
	}
	latest, err := s.latestSample(ctx, trip.ID)
	if err != nil {
		return nil, fmt.Errorf("service: GetTripStatus: %w", err)
	}

	return &TripStatusView{Trip: trip, Stops: stops, Events: events, Latest: latest}, nil
}

// GetActiveTrips returns the tenant's non-terminal trips ordered by scheduled
// start.
func (s *TripQueryService) GetActiveTrips(ctx context.Context, tenantID string) ([]storage.Trip, error) {
	trips, err := s.trips.ListActiveTrips(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("service: GetActiveTrips: %w", err)
	}
	return trips, nil
}

// GetLocationHistory returns the trip's samples recorded at or after since,
// oldest first, or (nil, nil) when the tenant has no such trip.
func (s *TripQueryService) GetLocationHistory(ctx context.Context, tenantID, tripID string, since time.Time) ([]storage.LocationSample, error) {
	trip, err := s.trips.GetTrip(ctx, tenantID, tripID)
	if err != nil {
		return nil, fmt.Errorf("service: GetLocationHistory: %w", err)
	}
	if trip == nil {
		return nil, nil
	}

	samples, err := s.locations.ListSamples(ctx, trip.ID, since)
	if err != nil {
		return nil, fmt.Errorf("service: GetLocationHistory: %w", err)
	}
	if samples == nil {
		samples = []storage.LocationSample{}
	}
	return samples, nil
}

// latestSample reads through the cache. A cache failure falls back to the
// database.
func (s *TripQueryService) latestSample(ctx context.Context, tripID string) (*storage.LocationSample, error) {
	cached, err := s.cache.Get(ctx, tripID)
	if err != nil {
		log.Warn().Err(err).Str("trip_id", tripID).Msg("service: read latest location from cache failed")
	}
	if cached != nil {
		return cached, nil
	}

	latest, err := s.locations.LatestSample(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if latest != nil {
		if err := s.cache.Set(ctx, latest); err != nil {
			log.Warn().Err(err).Str("trip_id", tripID).Msg("service: cache latest location failed")
		}
	}
	return latest, nil
}
