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

// queryTimeout is applied to every database query.
const queryTimeout = 5 * time.Second

// Point columns are read as plain floats; RoutePoint field order matches.
const routePointColumns = `id, route_id, sequence, name, ST_Y(geom), ST_X(geom)`

type pgRoutesRepository struct {
	pool *pgxpool.Pool
}

// NewRoutesRepository returns a RoutesRepository backed by pool.
func NewRoutesRepository(pool *pgxpool.Pool) RoutesRepository {
	return &pgRoutesRepository{pool: pool}
}

// CreateRoute inserts the route and all of its points in one transaction.
// Missing IDs are generated and written back into rt.
func (r *pgRoutesRepository) CreateRoute(ctx context.Context, rt *Route) (*Route, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if rt.ID == "" {
		rt.ID = uuid.NewString()
	}
	batch := &pgx.Batch{}
	for i := range rt.Points {
		p := &rt.Points[i]
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		p.RouteID = rt.ID
		batch.Queue(`INSERT INTO route_points (id, route_id, sequence, name, geom)
			VALUES ($1, $2, $3, $4, ST_SetSRID(ST_MakePoint($5, $6), 4326))`,
			p.ID, p.RouteID, p.Sequence, p.Name, p.Lon, p.Lat)
	}

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`INSERT INTO routes (id, tenant_id, name) VALUES ($1, $2, $3) RETURNING active, created_at`,
			rt.ID, rt.TenantID, rt.Name,
		).Scan(&rt.Active, &rt.CreatedAt); err != nil {
			return fmt.Errorf("insert route: %w", err)
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert points: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: CreateRoute: %w", err)
	}
	return rt, nil
}

func (r *pgRoutesRepository) GetRoute(ctx context.Context, tenantID, id string) (*Route, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := r.pool.Query(ctx,
		`SELECT id, tenant_id, name, active, created_at FROM routes WHERE tenant_id = $1 AND id = $2`,
		tenantID, id)
	if err != nil {
		return nil, fmt.Errorf("storage: GetRoute: %w", err)
	}
	rt, err := pgx.CollectOneRow(rows, scanRoute)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: GetRoute: %w", err)
	}

	rows, err = r.pool.Query(ctx,
		`SELECT `+routePointColumns+` FROM route_points WHERE route_id = $1 ORDER BY sequence`, id)
	if err != nil {
		return nil, fmt.Errorf("storage: GetRoute: points: %w", err)
	}
	rt.Points, err = pgx.CollectRows(rows, pgx.RowToStructByPos[RoutePoint])
	if err != nil {
		return nil, fmt.Errorf("storage: GetRoute: points: %w", err)
	}
	return &rt, nil
}

// ListRoutes returns the tenant's routes by name, without points.
func (r *pgRoutesRepository) ListRoutes(ctx context.Context, tenantID string) ([]Route, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := r.pool.Query(ctx,
		`SELECT id, tenant_id, name, active, created_at FROM routes WHERE tenant_id = $1 ORDER BY name`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("storage: ListRoutes: %w", err)
	}
	routes, err := pgx.CollectRows(rows, scanRoute)
	if err != nil {
		return nil, fmt.Errorf("storage: ListRoutes: %w", err)
	}
	return routes, nil
}

func (r *pgRoutesRepository) RouteExists(ctx context.Context, tenantID, id string) (bool, error) {
	return r.exists(ctx, "RouteExists",
		`SELECT EXISTS (SELECT 1 FROM routes WHERE tenant_id = $1 AND id = $2 AND active)`,
		tenantID, id)
}

func (r *pgRoutesRepository) RoutePointOnRoute(ctx context.Context, routeID, routePointID string) (bool, error) {
	return r.exists(ctx, "RoutePointOnRoute",
		`SELECT EXISTS (SELECT 1 FROM route_points WHERE route_id = $1 AND id = $2)`,
		routeID, routePointID)
}

func (r *pgRoutesRepository) exists(ctx context.Context, op, query string, args ...any) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var ok bool
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&ok); err != nil {
		return false, fmt.Errorf("storage: %s: %w", op, err)
	}
	return ok, nil
}

func scanRoute(row pgx.CollectableRow) (Route, error) {
	var rt Route
	err := row.Scan(&rt.ID, &rt.TenantID, &rt.Name, &rt.Active, &rt.CreatedAt)
	return rt, err
}
