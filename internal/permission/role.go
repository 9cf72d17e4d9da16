package permission

import "time"

// RoleType partitions roles by where they apply and who may edit them.
type RoleType string

const (
	// RoleSystem roles ship with the product and are immutable through the
	// mutation API.
	RoleSystem RoleType = "SYSTEM"
	// RoleCompany roles are tenant-defined.
	RoleCompany RoleType = "COMPANY"
	// RolePlatform roles belong to internal operators. Permissions gate the
	// platform console; CompanyPermissions apply inside any tenant the
	// operator enters.
	RolePlatform RoleType = "PLATFORM"
)

// Role is a named permission bundle.
type Role struct {
	ID        string   `json:"id"`
	CompanyID string   `json:"company_id,omitempty"`
	Name      string   `json:"name"`
	Type      RoleType `json:"type"`

	Permissions        []string `json:"permissions"`
	CompanyPermissions []string `json:"company_permissions,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
