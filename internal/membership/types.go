package membership

import "time"

// UserCompany links a company user to a tenant. Billing counts active rows,
// so deactivation is a stamped soft-delete, never a DELETE.
type UserCompany struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	CompanyID string `json:"company_id"`

	IsActive bool `json:"is_active"`
	IsPinned bool `json:"is_pinned"`

	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`

	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
	DeactivatedBy *string    `json:"deactivated_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Restriction is an internal user's company allow-list as explicit state.
// Zero grant rows means unrestricted access to every company; one or more
// rows restrict the user to exactly those companies.
type Restriction struct {
	restricted bool
	companies  map[string]struct{}
	order      []string
}

// Unrestricted is the no-rows state: every company is accessible.
func Unrestricted() Restriction {
	return Restriction{}
}

// RestrictedTo builds the allow-list state. An empty list collapses back to
// Unrestricted, mirroring how deleting the last grant row widens access.
func RestrictedTo(companyIDs []string) Restriction {
	if len(companyIDs) == 0 {
		return Unrestricted()
	}
	set := make(map[string]struct{}, len(companyIDs))
	order := make([]string, 0, len(companyIDs))
	for _, id := range companyIDs {
		if _, dup := set[id]; dup {
			continue
		}
		set[id] = struct{}{}
		order = append(order, id)
	}
	return Restriction{restricted: true, companies: set, order: order}
}

// IsRestricted reports whether an allow-list is in force.
func (r Restriction) IsRestricted() bool { return r.restricted }

// Allows reports whether the company is accessible under this restriction.
func (r Restriction) Allows(companyID string) bool {
	if !r.restricted {
		return true
	}
	_, ok := r.companies[companyID]
	return ok
}

// Companies returns the allow-list in grant order, nil when unrestricted.
func (r Restriction) Companies() []string { return r.order }
