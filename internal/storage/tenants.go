package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Tenant is an operator whose fleet, users and trips are isolated from every
// other tenant.
type Tenant struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// TenantsRepository defines operations on the tenants table.
type TenantsRepository interface {
	// CreateTenant inserts a tenant. An empty ID is replaced by a generated UUID.
	CreateTenant(ctx context.Context, t *Tenant) (*Tenant, error)

	// GetTenant returns a tenant by ID, or (nil, nil) if not found.
	GetTenant(ctx context.Context, id string) (*Tenant, error)
}

type pgTenantsRepository struct {
	pool *pgxpool.Pool
}

// NewTenantsRepository creates a TenantsRepository backed by the given pool.
func NewTenantsRepository(pool *pgxpool.Pool) TenantsRepository {
	return &pgTenantsRepository{pool: pool}
}

func (r *pgTenantsRepository) CreateTenant(ctx context.Context, t *Tenant) (*Tenant, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if err := r.pool.QueryRow(ctx, `INSERT INTO tenants (id, name) VALUES ($1, $2) RETURNING created_at`,
		t.ID, t.Name).Scan(&t.CreatedAt); err != nil {
		return nil, fmt.Errorf("storage: CreateTenant: %w", err)
	}
	return t, nil
}

func (r *pgTenantsRepository) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	return queryOne[Tenant](ctx, r.pool, "GetTenant", `SELECT id, name, created_at FROM tenants WHERE id = $1`, id)
}
