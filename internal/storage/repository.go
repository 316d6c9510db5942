// Package storage provides PostgreSQL-backed repository implementations.
//
// Lookups return (nil, nil) when the requested row does not exist; any non-nil
// error is an infrastructure failure wrapped as "storage: Op: ...".
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Route is a named sequence of route points operated by a tenant.
type Route struct {
	ID        string
	TenantID  string
	Name      string
	Active    bool
	CreatedAt time.Time
	Points    []RoutePoint
}

// RoutePoint is a fixed location along a route where passengers board or alight.
type RoutePoint struct {
	ID       string
	RouteID  string
	Sequence int
	Name     string
	Lat      float64
	Lon      float64
}

// RoutesRepository defines operations on routes and their points.
type RoutesRepository interface {
	// CreateRoute inserts a route together with its points in one transaction.
	// Empty IDs are replaced by generated UUIDs.
	CreateRoute(ctx context.Context, rt *Route) (*Route, error)

	// GetRoute returns the tenant's route with its points ordered by sequence,
	// or (nil, nil) when it does not exist.
	GetRoute(ctx context.Context, tenantID, id string) (*Route, error)

	// ListRoutes returns the tenant's routes without points.
	ListRoutes(ctx context.Context, tenantID string) ([]Route, error)

	// RouteExists reports whether an active route belongs to the tenant.
	RouteExists(ctx context.Context, tenantID, id string) (bool, error)

	// RoutePointOnRoute reports whether the route point belongs to the route.
	RoutePointOnRoute(ctx context.Context, routeID, routePointID string) (bool, error)
}

// IsUniqueViolation reports whether err was caused by a unique constraint,
// such as a duplicate username or plate number.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
