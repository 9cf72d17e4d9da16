package permission

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("permission: role not found")
	ErrConflict = errors.New("permission: role already exists")
	// ErrSystemRoleProtected is returned by any mutation aimed at a SYSTEM role.
	ErrSystemRoleProtected = errors.New("permission: system roles cannot be modified")
)

// Store reads and writes role rows and assignments.
type Store interface {
	FindRole(ctx context.Context, id string) (*Role, error)
	ListRoles(ctx context.Context, companyID string) ([]*Role, error)

	// RolesForUser returns the user's roles scoped to one company.
	RolesForUser(ctx context.Context, userID, companyID string) ([]*Role, error)
	// PlatformRolesForUser returns the user's PLATFORM roles.
	PlatformRolesForUser(ctx context.Context, userID string) ([]*Role, error)

	CreateRole(ctx context.Context, r *Role) error
	UpdateRole(ctx context.Context, r *Role) error
	DeleteRole(ctx context.Context, id string) error

	AssignRole(ctx context.Context, userID, roleID, companyID string) error
	UnassignRole(ctx context.Context, userID, roleID string) error
}
