package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const sampleColumns = `id, trip_id, vehicle_id, ST_Y(geom), ST_X(geom), speed, heading, accuracy, recorded_at`

// pgLocationsRepository is the pgx-backed implementation of LocationsRepository.
type pgLocationsRepository struct {
	pool *pgxpool.Pool
}

// NewLocationsRepository creates a LocationsRepository backed by the given pool.
func NewLocationsRepository(pool *pgxpool.Pool) LocationsRepository {
	return &pgLocationsRepository{pool: pool}
}

func (r *pgLocationsRepository) AppendSample(ctx context.Context, s *LocationSample) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if s.ID == "" {
		s.ID = uuid.NewString()
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO vehicle_locations (id, trip_id, vehicle_id, geom, speed, heading, accuracy, recorded_at)
		VALUES ($1, $2, $3, ST_SetSRID(ST_MakePoint($4, $5), 4326), $6, $7, $8, $9)`,
		s.ID, s.TripID, s.VehicleID, s.Lon, s.Lat, s.Speed, s.Heading, s.Accuracy, s.RecordedAt)
	if err != nil {
		return fmt.Errorf("storage: AppendSample: %w", err)
	}
	return nil
}

func (r *pgLocationsRepository) LatestSample(ctx context.Context, tripID string) (*LocationSample, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	s, err := scanSample(r.pool.QueryRow(ctx, `
		SELECT `+sampleColumns+`
		FROM vehicle_locations
		WHERE trip_id = $1
		ORDER BY recorded_at DESC
		LIMIT 1`, tripID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: LatestSample: %w", err)
	}
	return s, nil
}

func (r *pgLocationsRepository) ListSamples(ctx context.Context, tripID string, since time.Time) ([]LocationSample, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		SELECT `+sampleColumns+`
		FROM vehicle_locations
		WHERE trip_id = $1 AND recorded_at >= $2
		ORDER BY recorded_at ASC`, tripID, since)
	if err != nil {
		return nil, fmt.Errorf("storage: ListSamples: %w", err)
	}
	defer rows.Close()

	samples := make([]LocationSample, 0)
	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: ListSamples: scan: %w", err)
		}
		samples = append(samples, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: ListSamples: %w", err)
	}
	return samples, nil
}

func scanSample(row pgx.Row) (*LocationSample, error) {
	s := &LocationSample{}
	if err := row.Scan(&s.ID, &s.TripID, &s.VehicleID, &s.Lat, &s.Lon,
		&s.Speed, &s.Heading, &s.Accuracy, &s.RecordedAt); err != nil {
		return nil, err
	}
	return s, nil
}
