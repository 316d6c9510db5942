package storage

import (
	"context"
	"time"
)

// LocationSample is one GPS reading of a vehicle during a trip.
type LocationSample struct {
	ID         string    `json:"id"`
	TripID     string    `json:"trip_id"`
	VehicleID  string    `json:"vehicle_id"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	Speed      *float64  `json:"speed,omitempty"`
	Heading    *float64  `json:"heading,omitempty"`
	Accuracy   *float64  `json:"accuracy,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// LocationsRepository stores the append-only location stream of trips.
type LocationsRepository interface {
	// AppendSample inserts a sample. Assigns an ID when empty.
	AppendSample(ctx context.Context, s *LocationSample) error

	// LatestSample returns the sample with the greatest RecordedAt for the
	// trip, or (nil, nil) when none exists.
	LatestSample(ctx context.Context, tripID string) (*LocationSample, error)

	// ListSamples returns the trip's samples recorded at or after since,
	// ordered by RecordedAt ascending.
	ListSamples(ctx context.Context, tripID string, since time.Time) ([]LocationSample, error)
}
