package storage

import (
	"context"
	"time"
)

// Vehicle statuses.
const (
	VehicleActive      = "active"
	VehicleInactive    = "inactive"
	VehicleMaintenance = "maintenance"
)

// Vehicle represents a shuttle in a tenant's fleet.
type Vehicle struct {
	ID          string
	TenantID    string
	PlateNumber string
	Capacity    int    // seats; 0 when unknown
	Status      string // "active", "inactive", "maintenance"
	CreatedAt   time.Time
}

// VehiclesRepository defines operations on the vehicles table.
type VehiclesRepository interface {
	// CreateVehicle inserts a new vehicle. An empty ID is replaced by a generated UUID.
	CreateVehicle(ctx context.Context, v *Vehicle) (*Vehicle, error)

	// GetVehicleByID returns the tenant's vehicle, or (nil, nil) if not found.
	GetVehicleByID(ctx context.Context, tenantID, id string) (*Vehicle, error)

	// ListVehicles returns the tenant's vehicles filtered by optional status.
	ListVehicles(ctx context.Context, tenantID, status string) ([]Vehicle, error)

	// UpdateVehicle updates mutable fields on a vehicle.
	UpdateVehicle(ctx context.Context, v *Vehicle) error
}
