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

// userColumns follows the field order of User.
const userColumns = `id, tenant_id, username, password_hash, full_name, phone, role, active, created_at, updated_at`

type pgUsersRepository struct {
	pool *pgxpool.Pool
}

// NewUsersRepository returns a UsersRepository backed by pool.
func NewUsersRepository(pool *pgxpool.Pool) UsersRepository {
	return &pgUsersRepository{pool: pool}
}

func (r *pgUsersRepository) CreateUser(ctx context.Context, u *User) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if err := r.pool.QueryRow(ctx,
		`INSERT INTO users (id, tenant_id, username, password_hash, full_name, phone, role)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING active, created_at, updated_at`,
		u.ID, u.TenantID, u.Username, u.PasswordHash, u.FullName, u.Phone, u.Role,
	).Scan(&u.Active, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, fmt.Errorf("storage: CreateUser: %w", err)
	}
	return u, nil
}

// GetUserByUsername is not tenant scoped: usernames are unique across tenants
// so login can resolve the tenant from the account.
func (r *pgUsersRepository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return queryOne[User](ctx, r.pool, "GetUserByUsername",
		`SELECT `+userColumns+` FROM users WHERE username = $1`, username)
}

func (r *pgUsersRepository) GetUserByID(ctx context.Context, tenantID, id string) (*User, error) {
	return queryOne[User](ctx, r.pool, "GetUserByID",
		`SELECT `+userColumns+` FROM users WHERE tenant_id = $1 AND id = $2`, tenantID, id)
}

func (r *pgUsersRepository) ListUsers(ctx context.Context, tenantID, role string, activeOnly bool) ([]User, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := r.pool.Query(ctx,
		`SELECT `+userColumns+` FROM users
		WHERE tenant_id = $1 AND ($2 = '' OR role = $2) AND (NOT $3 OR active)
		ORDER BY username`,
		tenantID, role, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("storage: ListUsers: %w", err)
	}
	users, err := pgx.CollectRows(rows, pgx.RowToStructByPos[User])
	if err != nil {
		return nil, fmt.Errorf("storage: ListUsers: %w", err)
	}
	return users, nil
}

func (r *pgUsersRepository) UpdateUser(ctx context.Context, u *User) error {
	return execTimeout(ctx, r.pool, "UpdateUser",
		`UPDATE users SET full_name = $3, phone = $4, role = $5, active = $6, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2`,
		u.TenantID, u.ID, u.FullName, u.Phone, u.Role, u.Active)
}

func (r *pgUsersRepository) DeactivateUser(ctx context.Context, tenantID, id string) error {
	return execTimeout(ctx, r.pool, "DeactivateUser",
		`UPDATE users SET active = FALSE, updated_at = NOW() WHERE tenant_id = $1 AND id = $2`,
		tenantID, id)
}

func (r *pgUsersRepository) DriverExists(ctx context.Context, tenantID, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var ok bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE tenant_id = $1 AND id = $2 AND role = $3 AND active)`,
		tenantID, id, RoleDriver).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("storage: DriverExists: %w", err)
	}
	return ok, nil
}

type pgRefreshTokensRepository struct {
	pool *pgxpool.Pool
}

// NewRefreshTokensRepository returns a RefreshTokensRepository backed by pool.
func NewRefreshTokensRepository(pool *pgxpool.Pool) RefreshTokensRepository {
	return &pgRefreshTokensRepository{pool: pool}
}

func (r *pgRefreshTokensRepository) StoreRefreshToken(ctx context.Context, tokenHash string, userID string, expiresAt time.Time) error {
	return execTimeout(ctx, r.pool, "StoreRefreshToken",
		`INSERT INTO refresh_tokens (token_hash, user_id, expires_at) VALUES ($1, $2, $3)`,
		tokenHash, userID, expiresAt)
}

// GetRefreshToken joins the owning user to fill TenantID.
func (r *pgRefreshTokensRepository) GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	return queryOne[RefreshToken](ctx, r.pool, "GetRefreshToken",
		`SELECT t.id, t.token_hash, t.user_id, u.tenant_id, t.expires_at, t.revoked, t.created_at
		FROM refresh_tokens t JOIN users u ON u.id = t.user_id
		WHERE t.token_hash = $1`, tokenHash)
}

func (r *pgRefreshTokensRepository) RevokeRefreshToken(ctx context.Context, tokenHash string) error {
	return execTimeout(ctx, r.pool, "RevokeRefreshToken",
		`UPDATE refresh_tokens SET revoked = TRUE WHERE token_hash = $1`, tokenHash)
}

func (r *pgRefreshTokensRepository) RevokeAllUserTokens(ctx context.Context, userID string) error {
	return execTimeout(ctx, r.pool, "RevokeAllUserTokens",
		`UPDATE refresh_tokens SET revoked = TRUE WHERE user_id = $1 AND NOT revoked`, userID)
}

// queryOne scans the single row of query into T by column position.
// No row yields (nil, nil).
func queryOne[T any](ctx context.Context, pool *pgxpool.Pool, op, query string, args ...any) (*T, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: %s: %w", op, err)
	}
	v, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByPos[T])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: %s: %w", op, err)
	}
	return v, nil
}

func execTimeout(ctx context.Context, pool *pgxpool.Pool, op, query string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if _, err := pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("storage: %s: %w", op, err)
	}
	return nil
}
