package app

import (
	"context"
	"fmt"

	"github.com/shuttleops/fleet-api/internal/service"
	"github.com/shuttleops/fleet-api/internal/storage"
)

// BootstrapInput names a new tenant and its first admin account.
type BootstrapInput struct {
	TenantID      string // generated when empty
	TenantName    string
	AdminUsername string
	AdminPassword string
	AdminFullName string
}

// Bootstrap creates a tenant and its first admin user. Every other account
// and all reference data are then managed through the admin API.
func Bootstrap(ctx context.Context, tenants storage.TenantsRepository, users storage.UsersRepository, in BootstrapInput) (*storage.Tenant, *storage.User, error) {
	if in.TenantName == "" {
		return nil, nil, &service.ValidationError{Field: "tenant-name", Message: "is required"}
	}
	if in.AdminUsername == "" {
		return nil, nil, &service.ValidationError{Field: "admin-username", Message: "is required"}
	}
	if len(in.AdminPassword) < 6 {
		return nil, nil, &service.ValidationError{Field: "admin-password", Message: "must be at least 6 characters"}
	}

	if in.TenantID != "" {
		existing, err := tenants.GetTenant(ctx, in.TenantID)
		if err != nil {
			return nil, nil, fmt.Errorf("app: Bootstrap: %w", err)
		}
		if existing != nil {
			return nil, nil, fmt.Errorf("app: Bootstrap: tenant %q already exists", in.TenantID)
		}
	}

	hash, err := service.HashPassword(in.AdminPassword)
	if err != nil {
		return nil, nil, fmt.Errorf("app: Bootstrap: %w", err)
	}

	tenant, err := tenants.CreateTenant(ctx, &storage.Tenant{ID: in.TenantID, Name: in.TenantName})
	if err != nil {
		return nil, nil, fmt.Errorf("app: Bootstrap: %w", err)
	}

	fullName := in.AdminFullName
	if fullName == "" {
		fullName = in.AdminUsername
	}
	admin, err := users.CreateUser(ctx, &storage.User{
		TenantID:     tenant.ID,
		Username:     in.AdminUsername,
		PasswordHash: hash,
		FullName:     fullName,
		Role:         storage.RoleAdmin,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("app: Bootstrap: %w", err)
	}
	return tenant, admin, nil
}
