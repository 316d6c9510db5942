package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// txTimeout bounds a whole trip transaction, lock wait included.
const txTimeout = 10 * time.Second

const tripColumns = `id, tenant_id, route_id, vehicle_id, driver_id,
	scheduled_start, scheduled_end, actual_start, actual_end, status,
	max_capacity, current_passengers, notes, emergency_reason, emergency_at,
	created_at, updated_at`

// pgTripsRepository is the pgx-backed implementation of TripsRepository.
type pgTripsRepository struct {
	pool *pgxpool.Pool
}

// NewTripsRepository creates a TripsRepository backed by the given pool.
func NewTripsRepository(pool *pgxpool.Pool) TripsRepository {
	return &pgTripsRepository{pool: pool}
}

func (r *pgTripsRepository) CreateTrip(ctx context.Context, t *Trip) (*Trip, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: CreateTrip: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }() //nolint:errcheck // rollback after commit is harmless

	err = tx.QueryRow(ctx, `
		INSERT INTO trips (id, tenant_id, route_id, vehicle_id, driver_id,
			scheduled_start, scheduled_end, actual_start, actual_end, status,
			max_capacity, current_passengers, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at`,
		t.ID, t.TenantID, t.RouteID, t.VehicleID, t.DriverID,
		t.ScheduledStart, t.ScheduledEnd, t.ActualStart, t.ActualEnd, string(t.Status),
		t.MaxCapacity, t.CurrentPassengers, t.Notes,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("storage: CreateTrip: insert: %w", err)
	}

	startedAt := t.CreatedAt
	if t.ActualStart != nil {
		startedAt = *t.ActualStart
	}
	if err := insertEvent(ctx, tx, &TripEvent{TripID: t.ID, Kind: EventStarted, OccurredAt: startedAt}); err != nil {
		return nil, fmt.Errorf("storage: CreateTrip: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: CreateTrip: commit: %w", err)
	}
	return t, nil
}

func (r *pgTripsRepository) InTripTx(ctx context.Context, fn func(ctx context.Context, tx TripTx) error) error {
	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("storage: InTripTx: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }() //nolint:errcheck // rollback after commit is harmless

	if err := fn(ctx, &pgTripTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: InTripTx: commit: %w", err)
	}
	return nil
}

func (r *pgTripsRepository) GetTrip(ctx context.Context, tenantID, tripID string) (*Trip, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	t, err := scanTrip(r.pool.QueryRow(ctx,
		`SELECT `+tripColumns+` FROM trips WHERE tenant_id = $1 AND id = $2`, tenantID, tripID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: GetTrip: %w", err)
	}
	return t, nil
}

func (r *pgTripsRepository) ListStops(ctx context.Context, tripID string) ([]TripStop, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		SELECT trip_id, route_point_id, arrived_at, departed_at, boarded, alighted, onboard_after
		FROM trip_stops
		WHERE trip_id = $1
		ORDER BY arrived_at NULLS LAST, route_point_id`, tripID)
	if err != nil {
		return nil, fmt.Errorf("storage: ListStops: %w", err)
	}
	defer rows.Close()

	stops := make([]TripStop, 0)
	for rows.Next() {
		s, err := scanStop(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: ListStops: scan: %w", err)
		}
		stops = append(stops, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: ListStops: %w", err)
	}
	return stops, nil
}

func (r *pgTripsRepository) ListEvents(ctx context.Context, tripID string) ([]TripEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		SELECT id, trip_id, kind, detail, occurred_at
		FROM trip_events
		WHERE trip_id = $1
		ORDER BY id`, tripID)
	if err != nil {
		return nil, fmt.Errorf("storage: ListEvents: %w", err)
	}
	defer rows.Close()

	events := make([]TripEvent, 0)
	for rows.Next() {
		var (
			e    TripEvent
			kind string
		)
		if err := rows.Scan(&e.ID, &e.TripID, &kind, &e.Detail, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("storage: ListEvents: scan: %w", err)
		}
		e.Kind = TripEventKind(kind)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: ListEvents: %w", err)
	}
	return events, nil
}

func (r *pgTripsRepository) ListActiveTrips(ctx context.Context, tenantID string) ([]Trip, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		SELECT `+tripColumns+`
		FROM trips
		WHERE tenant_id = $1 AND status NOT IN ('COMPLETED', 'CANCELLED')
		ORDER BY scheduled_start ASC, id ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("storage: ListActiveTrips: %w", err)
	}
	defer rows.Close()

	trips := make([]Trip, 0)
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: ListActiveTrips: scan: %w", err)
		}
		trips = append(trips, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: ListActiveTrips: %w", err)
	}
	return trips, nil
}

// ---------------------------------------------------------------------------
// TripTx
// ---------------------------------------------------------------------------

// pgTripTx implements TripTx on an open pgx transaction.
type pgTripTx struct {
	tx pgx.Tx
}

func (t *pgTripTx) LockTrip(ctx context.Context, tenantID, tripID string) (*Trip, error) {
	trip, err := scanTrip(t.tx.QueryRow(ctx,
		`SELECT `+tripColumns+` FROM trips WHERE tenant_id = $1 AND id = $2 FOR UPDATE`,
		tenantID, tripID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: LockTrip: %w", err)
	}
	return trip, nil
}

func (t *pgTripTx) UpdateTrip(ctx context.Context, trip *Trip) error {
	err := t.tx.QueryRow(ctx, `
		UPDATE trips
		SET status = $2, actual_end = $3, current_passengers = $4, notes = $5,
		    emergency_reason = $6, emergency_at = $7, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		trip.ID, string(trip.Status), trip.ActualEnd, trip.CurrentPassengers, trip.Notes,
		trip.EmergencyReason, trip.EmergencyAt,
	).Scan(&trip.UpdatedAt)
	if err != nil {
		return fmt.Errorf("storage: UpdateTrip: %w", err)
	}
	return nil
}

func (t *pgTripTx) GetStop(ctx context.Context, tripID, routePointID string) (*TripStop, error) {
	s, err := scanStop(t.tx.QueryRow(ctx, `
		SELECT trip_id, route_point_id, arrived_at, departed_at, boarded, alighted, onboard_after
		FROM trip_stops
		WHERE trip_id = $1 AND route_point_id = $2`, tripID, routePointID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: GetStop: %w", err)
	}
	return s, nil
}

func (t *pgTripTx) SaveStop(ctx context.Context, s *TripStop) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO trip_stops (trip_id, route_point_id, arrived_at, departed_at, boarded, alighted, onboard_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (trip_id, route_point_id)
		DO UPDATE SET
			arrived_at    = EXCLUDED.arrived_at,
			departed_at   = EXCLUDED.departed_at,
			boarded       = EXCLUDED.boarded,
			alighted      = EXCLUDED.alighted,
			onboard_after = EXCLUDED.onboard_after`,
		s.TripID, s.RoutePointID, s.ArrivedAt, s.DepartedAt, s.Boarded, s.Alighted, s.OnboardAfter)
	if err != nil {
		return fmt.Errorf("storage: SaveStop: %w", err)
	}
	return nil
}

func (t *pgTripTx) AppendEvent(ctx context.Context, e *TripEvent) error {
	if err := insertEvent(ctx, t.tx, e); err != nil {
		return fmt.Errorf("storage: AppendEvent: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func insertEvent(ctx context.Context, tx pgx.Tx, e *TripEvent) error {
	return tx.QueryRow(ctx, `
		INSERT INTO trip_events (trip_id, kind, detail, occurred_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		e.TripID, string(e.Kind), e.Detail, e.OccurredAt,
	).Scan(&e.ID)
}

// scanTrip reads one row selected with tripColumns.
func scanTrip(row pgx.Row) (*Trip, error) {
	t := &Trip{}
	var status string
	err := row.Scan(&t.ID, &t.TenantID, &t.RouteID, &t.VehicleID, &t.DriverID,
		&t.ScheduledStart, &t.ScheduledEnd, &t.ActualStart, &t.ActualEnd, &status,
		&t.MaxCapacity, &t.CurrentPassengers, &t.Notes, &t.EmergencyReason, &t.EmergencyAt,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = TripStatus(status)
	if !t.Status.Valid() {
		return nil, fmt.Errorf("trip id=%s has unknown status %q (data integrity issue)", t.ID, status)
	}
	return t, nil
}

func scanStop(row pgx.Row) (*TripStop, error) {
	s := &TripStop{}
	err := row.Scan(&s.TripID, &s.RoutePointID, &s.ArrivedAt, &s.DepartedAt,
		&s.Boarded, &s.Alighted, &s.OnboardAfter)
	if err != nil {
		return nil, err
	}
	return s, nil
}
