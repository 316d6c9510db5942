// Package migrations applies the embedded SQL schema.
//
// Files are named NNN_description.sql and run in lexicographic order, each in
// its own transaction. Applied versions and their SHA-256 checksums are kept
// in schema_migrations; editing a file after it was applied is reported as
// drift instead of being silently skipped. Concurrent runners serialize on a
// Postgres advisory lock.
package migrations

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

//go:embed *.sql
var sqlFiles embed.FS

// advisoryLockKey identifies the migration lock ("fleetmig" as an int64).
const advisoryLockKey = 0x666c6565746d6967

type entry struct {
	version  string
	sql      string
	checksum string
}

// DriftError reports an applied migration whose file content has changed.
type DriftError struct {
	Version string
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("migrations: %s was modified after it was applied", e.Version)
}

// VersionStatus describes one embedded migration.
type VersionStatus struct {
	Version string
	Applied bool
}

// Run applies every pending migration.
func Run(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("migrations: acquire: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, int64(advisoryLockKey)); err != nil {
		return fmt.Errorf("migrations: lock: %w", err)
	}
	defer func() {
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, int64(advisoryLockKey)); err != nil {
			log.Warn().Err(err).Msg("migrations: unlock failed")
		}
	}()

	if err := ensureTable(ctx, conn.Conn()); err != nil {
		return err
	}
	entries, err := loadEntries()
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	applied, err := appliedChecksums(ctx, conn.Conn())
	if err != nil {
		return err
	}
	todo, err := pending(entries, applied)
	if err != nil {
		return err
	}

	for _, e := range todo {
		if err := apply(ctx, conn.Conn(), e); err != nil {
			return fmt.Errorf("migrations: apply %s: %w", e.version, err)
		}
		log.Info().Str("version", e.version).Msg("migrations: applied")
	}
	log.Info().Int("applied", len(todo)).Int("total", len(entries)).Msg("migrations: schema up to date")
	return nil
}

// Status lists every embedded migration and whether it has been applied.
func Status(ctx context.Context, pool *pgxpool.Pool) ([]VersionStatus, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("migrations: acquire: %w", err)
	}
	defer conn.Release()

	if err := ensureTable(ctx, conn.Conn()); err != nil {
		return nil, err
	}
	entries, err := loadEntries()
	if err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}
	applied, err := appliedChecksums(ctx, conn.Conn())
	if err != nil {
		return nil, err
	}
	if _, err := pending(entries, applied); err != nil {
		return nil, err
	}

	out := make([]VersionStatus, len(entries))
	for i, e := range entries {
		_, ok := applied[e.version]
		out[i] = VersionStatus{Version: e.version, Applied: ok}
	}
	return out, nil
}

// RequiredTables lists the tables CheckSchema expects after all migrations ran.
var RequiredTables = []string{
	"tenants",
	"users",
	"refresh_tokens",
	"vehicles",
	"routes",
	"route_points",
	"route_preview_cache",
	"trips",
	"trip_stops",
	"trip_events",
	"vehicle_locations",
}

// CheckSchema verifies that every table in RequiredTables exists.
func CheckSchema(ctx context.Context, pool *pgxpool.Pool) error {
	rows, err := pool.Query(ctx, `
		SELECT t.name
		FROM unnest($1::text[]) AS t(name)
		WHERE NOT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = current_schema() AND table_name = t.name
		)`, RequiredTables)
	if err != nil {
		return fmt.Errorf("migrations: check schema: %w", err)
	}
	missing, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("migrations: check schema: %w", err)
	}
	if len(missing) > 0 {
		return fmt.Errorf("migrations: missing tables %v", missing)
	}
	return nil
}

// pending returns the entries not yet applied, or a *DriftError when an
// applied entry's checksum no longer matches.
func pending(entries []entry, applied map[string]string) ([]entry, error) {
	var out []entry
	for _, e := range entries {
		sum, ok := applied[e.version]
		if !ok {
			out = append(out, e)
			continue
		}
		if sum != e.checksum {
			return nil, &DriftError{Version: e.version}
		}
	}
	return out, nil
}

func ensureTable(ctx context.Context, conn *pgx.Conn) error {
	_, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			checksum   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("migrations: ensure tracking table: %w", err)
	}
	return nil
}

func appliedChecksums(ctx context.Context, conn *pgx.Conn) (map[string]string, error) {
	rows, err := conn.Query(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("migrations: read applied: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var version, sum string
		if err := rows.Scan(&version, &sum); err != nil {
			return nil, fmt.Errorf("migrations: read applied: %w", err)
		}
		applied[version] = sum
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("migrations: read applied: %w", err)
	}
	return applied, nil
}

// loadEntries returns the embedded files in lexicographic order, which
// embed.FS.ReadDir guarantees.
func loadEntries() ([]entry, error) {
	files, err := sqlFiles.ReadDir(".")
	if err != nil {
		return nil, fmt.Errorf("read embedded files: %w", err)
	}

	out := make([]entry, 0, len(files))
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		content, err := sqlFiles.ReadFile(f.Name())
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Name(), err)
		}
		sum := sha256.Sum256(content)
		out = append(out, entry{
			version:  f.Name(),
			sql:      string(content),
			checksum: hex.EncodeToString(sum[:]),
		})
	}
	return out, nil
}

func apply(ctx context.Context, conn *pgx.Conn, e entry) error {
	return pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, e.sql); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO schema_migrations (version, checksum) VALUES ($1, $2)
			 ON CONFLICT (version) DO NOTHING`,
			e.version, e.checksum)
		return err
	})
}
