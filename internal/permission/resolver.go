package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Resolver computes effective permission sets and guards role mutations.
// The Redis cache is optional: a nil client resolves straight from the store
// on every call, which is how tests and single-node deployments run.
type Resolver struct {
	store Store
	cache *redis.Client
	ttl   time.Duration
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithCache attaches a Redis cache with the given entry TTL.
func WithCache(client *redis.Client, ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.cache = client
		r.ttl = ttl
	}
}

// NewResolver builds a Resolver over the role store.
func NewResolver(store Store, opts ...ResolverOption) *Resolver {
	r := &Resolver{store: store, ttl: 30 * time.Second}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Effective returns the union of the user's company-role permissions and the
// company-scoped permissions of their platform roles, for one active company.
func (r *Resolver) Effective(ctx context.Context, userID, companyID string) (Set, error) {
	key := cacheKey(userID, companyID)
	if cached, ok := r.cacheGet(ctx, key); ok {
		return cached, nil
	}

	set := NewSet()
	roles, err := r.store.RolesForUser(ctx, userID, companyID)
	if err != nil {
		return nil, err
	}
	for _, role := range roles {
		set.Add(role.Permissions...)
	}

	platform, err := r.store.PlatformRolesForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, role := range platform {
		set.Add(role.CompanyPermissions...)
	}

	r.cacheSet(ctx, key, set)
	return set, nil
}

// Platform returns the permissions gating the internal platform console.
// These never mix with tenant-scoped sets and are not cached.
func (r *Resolver) Platform(ctx context.Context, userID string) (Set, error) {
	roles, err := r.store.PlatformRolesForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	set := NewSet()
	for _, role := range roles {
		set.Add(role.Permissions...)
	}
	return set, nil
}

// Invalidate drops every cached set for the user, across all companies.
// Role and membership mutations call this so grants apply within one request.
func (r *Resolver) Invalidate(ctx context.Context, userID string) error {
	if r.cache == nil {
		return nil
	}
	iter := r.cache.Scan(ctx, 0, cacheKey(userID, "*"), 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("permission: cache scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return r.cache.Del(ctx, keys...).Err()
}

// CreateRole inserts a tenant or platform role. SYSTEM roles are seeded by
// migration, never created here.
func (r *Resolver) CreateRole(ctx context.Context, role *Role) error {
	if role.Type == RoleSystem {
		return ErrSystemRoleProtected
	}
	return r.store.CreateRole(ctx, role)
}

// UpdateRole rewrites a role's name and permission lists.
func (r *Resolver) UpdateRole(ctx context.Context, role *Role) error {
	existing, err := r.store.FindRole(ctx, role.ID)
	if err != nil {
		return err
	}
	if existing.Type == RoleSystem {
		return ErrSystemRoleProtected
	}
	return r.store.UpdateRole(ctx, role)
}

// DeleteRole removes a role and its assignments.
func (r *Resolver) DeleteRole(ctx context.Context, id string) error {
	existing, err := r.store.FindRole(ctx, id)
	if err != nil {
		return err
	}
	if existing.Type == RoleSystem {
		return ErrSystemRoleProtected
	}
	return r.store.DeleteRole(ctx, id)
}

// Assign grants a role to a user and invalidates their cached sets.
func (r *Resolver) Assign(ctx context.Context, userID, roleID, companyID string) error {
	if err := r.store.AssignRole(ctx, userID, roleID, companyID); err != nil {
		return err
	}
	return r.Invalidate(ctx, userID)
}

// Unassign removes a role from a user and invalidates their cached sets.
func (r *Resolver) Unassign(ctx context.Context, userID, roleID string) error {
	if err := r.store.UnassignRole(ctx, userID, roleID); err != nil {
		return err
	}
	return r.Invalidate(ctx, userID)
}

func cacheKey(userID, companyID string) string {
	return strings.Join([]string{"perm", userID, companyID}, ":")
}

func (r *Resolver) cacheGet(ctx context.Context, key string) (Set, bool) {
	if r.cache == nil {
		return nil, false
	}
	raw, err := r.cache.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	var perms []string
	if err := json.Unmarshal(raw, &perms); err != nil {
		return nil, false
	}
	return NewSet(perms...), true
}

func (r *Resolver) cacheSet(ctx context.Context, key string, set Set) {
	if r.cache == nil {
		return
	}
	raw, err := json.Marshal(set.List())
	if err != nil {
		return
	}
	// Cache failures degrade to store reads, never to request errors.
	_ = r.cache.Set(ctx, key, raw, r.ttl).Err()
}
