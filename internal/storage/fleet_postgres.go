package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// vehicleColumns follows the field order of Vehicle.
const vehicleColumns = `id, tenant_id, plate_number, capacity, status, created_at`

type pgVehiclesRepository struct {
	pool *pgxpool.Pool
}

// NewVehiclesRepository creates a VehiclesRepository backed by the given pool.
func NewVehiclesRepository(pool *pgxpool.Pool) VehiclesRepository {
	return &pgVehiclesRepository{pool: pool}
}

func (r *pgVehiclesRepository) CreateVehicle(ctx context.Context, v *Vehicle) (*Vehicle, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.Status == "" {
		v.Status = VehicleActive
	}

	if err := r.pool.QueryRow(ctx,
		`INSERT INTO vehicles (id, tenant_id, plate_number, capacity, status) VALUES ($1, $2, $3, $4, $5) RETURNING created_at`,
		v.ID, v.TenantID, v.PlateNumber, v.Capacity, v.Status,
	).Scan(&v.CreatedAt); err != nil {
		return nil, fmt.Errorf("storage: CreateVehicle: %w", err)
	}
	return v, nil
}

func (r *pgVehiclesRepository) GetVehicleByID(ctx context.Context, tenantID, id string) (*Vehicle, error) {
	return queryOne[Vehicle](ctx, r.pool, "GetVehicleByID",
		`SELECT `+vehicleColumns+` FROM vehicles WHERE tenant_id = $1 AND id = $2`, tenantID, id)
}

// ListVehicles orders by plate; an empty status lists every vehicle.
func (r *pgVehiclesRepository) ListVehicles(ctx context.Context, tenantID, status string) ([]Vehicle, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := r.pool.Query(ctx,
		`SELECT `+vehicleColumns+` FROM vehicles
		WHERE tenant_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY plate_number`,
		tenantID, status)
	if err != nil {
		return nil, fmt.Errorf("storage: ListVehicles: %w", err)
	}
	vehicles, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Vehicle])
	if err != nil {
		return nil, fmt.Errorf("storage: ListVehicles: %w", err)
	}
	return vehicles, nil
}

func (r *pgVehiclesRepository) UpdateVehicle(ctx context.Context, v *Vehicle) error {
	return execTimeout(ctx, r.pool, "UpdateVehicle",
		`UPDATE vehicles SET plate_number = $3, capacity = $4, status = $5 WHERE tenant_id = $1 AND id = $2`,
		v.TenantID, v.ID, v.PlateNumber, v.Capacity, v.Status)
}
