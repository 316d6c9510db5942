package storage

import (
	"context"
	"time"
)

// User roles.
const (
	RoleAdmin      = "admin"
	RoleDispatcher = "dispatcher"
	RoleDriver     = "driver"
)

// User represents an operator account: an admin, a dispatcher or a driver.
// Drivers referenced by trips are users with RoleDriver.
type User struct {
	ID           string
	TenantID     string
	Username     string
	PasswordHash string
	FullName     string
	Phone        string
	Role         string
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RefreshToken represents a stored JWT refresh token.
type RefreshToken struct {
	ID        int64
	TokenHash string
	UserID    string
	TenantID  string // tenant of the owning user
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
}

// UsersRepository defines operations on the users table.
type UsersRepository interface {
	// CreateUser inserts a new user. An empty ID is replaced by a generated UUID.
	CreateUser(ctx context.Context, u *User) (*User, error)

	// GetUserByUsername returns a user by username, or (nil, nil) if not found.
	GetUserByUsername(ctx context.Context, username string) (*User, error)

	// GetUserByID returns a user of the tenant by ID, or (nil, nil) if not found.
	GetUserByID(ctx context.Context, tenantID, id string) (*User, error)

	// ListUsers returns the tenant's users filtered by optional role and active status.
	// Pass empty role to list all roles.
	ListUsers(ctx context.Context, tenantID, role string, activeOnly bool) ([]User, error)

	// UpdateUser updates mutable fields on a user.
	UpdateUser(ctx context.Context, u *User) error

	// DeactivateUser performs a soft-delete by setting active = false.
	DeactivateUser(ctx context.Context, tenantID, id string) error

	// DriverExists reports whether an active driver with the given ID belongs to the tenant.
	DriverExists(ctx context.Context, tenantID, id string) (bool, error)
}

// RefreshTokensRepository defines operations on the refresh_tokens table.
type RefreshTokensRepository interface {
	// StoreRefreshToken persists a hashed refresh token.
	StoreRefreshToken(ctx context.Context, tokenHash string, userID string, expiresAt time.Time) error

	// GetRefreshToken returns a refresh token by hash, or (nil, nil) if not found.
	GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error)

	// RevokeRefreshToken marks a refresh token as revoked.
	RevokeRefreshToken(ctx context.Context, tokenHash string) error

	// RevokeAllUserTokens revokes all refresh tokens for a user.
	RevokeAllUserTokens(ctx context.Context, userID string) error
}
