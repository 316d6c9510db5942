package storage

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shuttleops/fleet-api/internal/migrations"
)

// RunMigrations brings the schema up to date and fails when a required table
// is still missing afterwards.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	if err := migrations.Run(ctx, pool); err != nil {
		return err
	}
	return migrations.CheckSchema(ctx, pool)
}

// MigrationStatus reports which embedded migrations have been applied.
func MigrationStatus(ctx context.Context, pool *pgxpool.Pool) ([]migrations.VersionStatus, error) {
	return migrations.Status(ctx, pool)
}
