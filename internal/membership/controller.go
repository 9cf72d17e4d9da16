package membership

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"opsdeck.io/internal/audit"
	"opsdeck.io/internal/identity"
	"opsdeck.io/internal/obs"
)

const recentLimit = 5

// Invalidator drops cached permission sets after a membership change.
type Invalidator interface {
	Invalidate(ctx context.Context, userID string) error
}

// CompanyList groups the switcher payload: pinned and recently accessed
// subsets plus the full (possibly searched) result set.
type CompanyList struct {
	Pinned  []*identity.Company `json:"pinned"`
	Recent  []*identity.Company `json:"recent"`
	Results []*identity.Company `json:"results"`
}

// Controller answers which companies a user may act in and performs the
// active-company switch. Company users are governed by UserCompany rows,
// internal users by the Restriction allow-list.
type Controller struct {
	store     Store
	companies identity.CompanyStore
	audit     *audit.Log
	perms     Invalidator
	now       func() time.Time
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithClock overrides the time source. Test use only.
func WithClock(fn func() time.Time) ControllerOption {
	return func(c *Controller) { c.now = fn }
}

// WithInvalidator hooks permission cache invalidation into grant changes.
func WithInvalidator(inv Invalidator) ControllerOption {
	return func(c *Controller) { c.perms = inv }
}

// NewController wires a Controller.
func NewController(store Store, companies identity.CompanyStore, log *audit.Log, opts ...ControllerOption) *Controller {
	c := &Controller{store: store, companies: companies, audit: log, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Restriction resolves an internal user's allow-list state. Company users
// are never restricted this way; their memberships carry the access.
func (c *Controller) Restriction(ctx context.Context, user *identity.User) (Restriction, error) {
	if !user.IsInternal {
		return Unrestricted(), nil
	}
	grants, err := c.store.InternalGrants(ctx, user.ID)
	if err != nil {
		return Restriction{}, err
	}
	return RestrictedTo(grants), nil
}

// Companies lists what the user sees in the company switcher. search filters
// by case-insensitive substring on the company name.
func (c *Controller) Companies(ctx context.Context, user *identity.User, search string) (*CompanyList, error) {
	if user.IsInternal {
		return c.internalCompanies(ctx, user, search)
	}

	rows, err := c.store.Memberships(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	active := rows[:0:0]
	ids := make([]string, 0, len(rows))
	for _, uc := range rows {
		if uc.IsActive {
			active = append(active, uc)
			ids = append(ids, uc.CompanyID)
		}
	}
	companies, err := c.companies.FindMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*identity.Company, len(companies))
	for _, co := range companies {
		byID[co.ID] = co
	}

	list := &CompanyList{}
	for _, uc := range active {
		co := byID[uc.CompanyID]
		if co == nil || !matches(co, search) {
			continue
		}
		list.Results = append(list.Results, co)
		if uc.IsPinned {
			list.Pinned = append(list.Pinned, co)
		}
	}
	list.Recent = recentCompanies(active, byID, search)
	sortByName(list.Results)
	sortByName(list.Pinned)
	return list, nil
}

func (c *Controller) internalCompanies(ctx context.Context, user *identity.User, search string) (*CompanyList, error) {
	restriction, err := c.Restriction(ctx, user)
	if err != nil {
		return nil, err
	}

	var companies []*identity.Company
	if restriction.IsRestricted() {
		companies, err = c.companies.FindMany(ctx, restriction.Companies())
	} else {
		companies, err = c.companies.List(ctx, search)
	}
	if err != nil {
		return nil, err
	}

	list := &CompanyList{}
	for _, co := range companies {
		if co.IsActive && matches(co, search) {
			list.Results = append(list.Results, co)
		}
	}
	sortByName(list.Results)
	return list, nil
}

// CanAccess reports whether the user may act inside the company. It consults
// membership or restriction state only, deliberately not company existence.
func (c *Controller) CanAccess(ctx context.Context, user *identity.User, companyID string) (bool, error) {
	if user.IsInternal {
		restriction, err := c.Restriction(ctx, user)
		if err != nil {
			return false, err
		}
		return restriction.Allows(companyID), nil
	}
	uc, err := c.store.FindMembership(ctx, user.ID, companyID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return uc.IsActive, nil
}

// Switch moves the session's active company. The membership check runs before
// the existence check: a caller without access gets the same refusal whether
// or not the company exists.
func (c *Controller) Switch(ctx context.Context, sessionID string, user *identity.User, companyID string) (*identity.Company, error) {
	ok, err := c.CanAccess(ctx, user, companyID)
	if err != nil {
		return nil, err
	}
	if !ok {
		obs.ObserveSwitch("denied")
		return nil, ErrNoMembership
	}

	company, err := c.companies.Find(ctx, companyID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil, ErrCompanyNotFound
		}
		return nil, err
	}
	if !company.IsActive {
		return nil, ErrCompanyNotFound
	}

	if err := c.store.SwitchCompany(ctx, sessionID, user.ID, companyID, user.IsInternal, c.now().UTC()); err != nil {
		return nil, err
	}
	obs.ObserveSwitch("ok")
	c.record(ctx, audit.Event{
		Type:        audit.EventCompanySwitched,
		ActorUserID: user.ID,
		CompanyID:   companyID,
		SessionID:   sessionID,
	})
	return company, nil
}

// CanSwitch reports whether the switcher UI applies: more than one reachable
// company.
func (c *Controller) CanSwitch(ctx context.Context, user *identity.User) (bool, error) {
	if user.IsInternal {
		restriction, err := c.Restriction(ctx, user)
		if err != nil {
			return false, err
		}
		if !restriction.IsRestricted() {
			return true, nil
		}
		return len(restriction.Companies()) > 1, nil
	}
	rows, err := c.store.Memberships(ctx, user.ID)
	if err != nil {
		return false, err
	}
	var active int
	for _, uc := range rows {
		if uc.IsActive {
			active++
		}
	}
	return active > 1, nil
}

// Pin marks a membership for the top of the switcher. Pinning without an
// existing membership is a not-found, not an upsert.
func (c *Controller) Pin(ctx context.Context, userID, companyID string, pinned bool) error {
	if _, err := c.store.FindMembership(ctx, userID, companyID); err != nil {
		return err
	}
	return c.store.SetPinned(ctx, userID, companyID, pinned)
}

// GrantInternal adds a company to an internal user's allow-list. The first
// grant narrows the user from all companies to exactly this one.
func (c *Controller) GrantInternal(ctx context.Context, internalUser *identity.User, companyID, byUserID string) error {
	if !internalUser.IsInternal {
		return ErrNotFound
	}
	if _, err := c.companies.Find(ctx, companyID); err != nil {
		return err
	}
	if err := c.store.AddInternalGrant(ctx, internalUser.ID, companyID, byUserID, c.now().UTC()); err != nil {
		return err
	}
	c.invalidate(ctx, internalUser.ID)
	c.record(ctx, audit.Event{
		Type:        audit.EventMembershipGranted,
		ActorUserID: byUserID,
		CompanyID:   companyID,
		Metadata:    map[string]string{"internal_user_id": internalUser.ID},
	})
	return nil
}

// RevokeInternal removes a grant. Removing the last row returns the user to
// unrestricted access over every company.
func (c *Controller) RevokeInternal(ctx context.Context, internalUser *identity.User, companyID, byUserID string) error {
	if !internalUser.IsInternal {
		return ErrNotFound
	}
	if err := c.store.RemoveInternalGrant(ctx, internalUser.ID, companyID); err != nil {
		return err
	}
	c.invalidate(ctx, internalUser.ID)
	c.record(ctx, audit.Event{
		Type:        audit.EventMembershipRevoked,
		ActorUserID: byUserID,
		CompanyID:   companyID,
		Metadata:    map[string]string{"internal_user_id": internalUser.ID},
	})
	return nil
}

// Deactivate soft-deletes a membership, recording who did it. Repeating the
// call is a conflict, not an idempotent success, so audits stay truthful.
func (c *Controller) Deactivate(ctx context.Context, userID, companyID, byUserID string) error {
	uc, err := c.store.FindMembership(ctx, userID, companyID)
	if err != nil {
		return err
	}
	if !uc.IsActive {
		return ErrDeactivated
	}
	if err := c.store.Deactivate(ctx, userID, companyID, byUserID, c.now().UTC()); err != nil {
		return err
	}
	c.invalidate(ctx, userID)
	c.record(ctx, audit.Event{
		Type:        audit.EventMembershipRevoked,
		ActorUserID: byUserID,
		CompanyID:   companyID,
		Metadata:    map[string]string{"user_id": userID},
	})
	return nil
}

func (c *Controller) invalidate(ctx context.Context, userID string) {
	if c.perms == nil {
		return
	}
	_ = c.perms.Invalidate(ctx, userID)
}

func (c *Controller) record(ctx context.Context, e audit.Event) {
	if c.audit == nil {
		return
	}
	_ = c.audit.Record(ctx, e)
}

func matches(co *identity.Company, search string) bool {
	if search == "" {
		return true
	}
	return strings.Contains(strings.ToLower(co.Name), strings.ToLower(search))
}

func recentCompanies(rows []*UserCompany, byID map[string]*identity.Company, search string) []*identity.Company {
	accessed := make([]*UserCompany, 0, len(rows))
	for _, uc := range rows {
		if uc.LastAccessedAt != nil {
			accessed = append(accessed, uc)
		}
	}
	sort.Slice(accessed, func(i, j int) bool {
		return accessed[i].LastAccessedAt.After(*accessed[j].LastAccessedAt)
	})
	var out []*identity.Company
	for _, uc := range accessed {
		co := byID[uc.CompanyID]
		if co == nil || !matches(co, search) {
			continue
		}
		out = append(out, co)
		if len(out) == recentLimit {
			break
		}
	}
	return out
}

func sortByName(companies []*identity.Company) {
	sort.Slice(companies, func(i, j int) bool {
		return companies[i].Name < companies[j].Name
	})
}
