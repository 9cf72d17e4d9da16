package invite

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"opsdeck.io/internal/audit"
	"opsdeck.io/internal/credential"
	"opsdeck.io/internal/identity"
	"opsdeck.io/internal/ids"
	"opsdeck.io/internal/membership"
	"opsdeck.io/internal/notify"
)

// Service issues and redeems company invites.
type Service struct {
	store       Store
	users       identity.UserStore
	companies   identity.CompanyStore
	memberships membership.Store
	audit       *audit.Log
	notifier    *notify.Async

	ttl time.Duration
	now func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source. Test use only.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) { s.now = fn }
}

// NewService wires the invite service.
func NewService(store Store, users identity.UserStore, companies identity.CompanyStore, memberships membership.Store, log *audit.Log, notifier *notify.Async, ttl time.Duration, opts ...Option) *Service {
	s := &Service{
		store:       store,
		users:       users,
		companies:   companies,
		memberships: memberships,
		audit:       log,
		notifier:    notifier,
		ttl:         ttl,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateInput describes a new invite.
type CreateInput struct {
	InviterID string
	CompanyID string
	Email     string
	RoleIDs   []string
}

// Create issues an invite and returns the clear token for the email link.
// An address belonging to a known account becomes an existing-user invite;
// internal users and current members are refused.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Invite, string, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if _, err := s.companies.Find(ctx, in.CompanyID); err != nil {
		return nil, "", err
	}

	inv := &Invite{
		ID:        ids.New(),
		CompanyID: in.CompanyID,
		Email:     email,
		RoleIDs:   in.RoleIDs,
		InvitedBy: in.InviterID,
	}

	existing, err := s.users.FindByEmail(ctx, email)
	switch {
	case err == nil:
		if existing.IsInternal {
			return nil, "", ErrInternalUserNotInvitable
		}
		uc, err := s.memberships.FindMembership(ctx, existing.ID, in.CompanyID)
		if err == nil && uc.IsActive {
			return nil, "", ErrAlreadyMember
		}
		if err != nil && !errors.Is(err, membership.ErrNotFound) {
			return nil, "", err
		}
		inv.IsExistingUserInvite = true
		inv.ExistingUserID = &existing.ID
	case errors.Is(err, identity.ErrNotFound):
		// New-user invite.
	default:
		return nil, "", err
	}

	token, err := ids.NewSecret(32)
	if err != nil {
		return nil, "", fmt.Errorf("invite: generate token: %w", err)
	}
	now := s.now().UTC()
	inv.TokenHash = hashToken(token)
	inv.ExpiresAt = now.Add(s.ttl)
	inv.CreatedAt = now

	if err := s.store.Create(ctx, inv); err != nil {
		return nil, "", err
	}

	if s.notifier != nil {
		s.notifier.Dispatch(notify.Message{
			To:       email,
			Template: "company_invite",
			Fields:   map[string]string{"token": token, "company_id": in.CompanyID},
		})
	}
	s.record(ctx, audit.Event{
		Type:        audit.EventInviteCreated,
		ActorUserID: in.InviterID,
		CompanyID:   in.CompanyID,
		Metadata:    map[string]string{"invite_id": inv.ID, "existing_user": fmt.Sprintf("%t", inv.IsExistingUserInvite)},
	})
	return inv, token, nil
}

// Validate resolves a presented token to a live invite.
func (s *Service) Validate(ctx context.Context, token string) (*Invite, error) {
	inv, err := s.store.FindByTokenHash(ctx, hashToken(token))
	if err != nil {
		return nil, ErrNotFound
	}
	if inv.Accepted() {
		return nil, ErrAlreadyAccepted
	}
	if s.now().UTC().After(inv.ExpiresAt) {
		return nil, ErrExpired
	}
	return inv, nil
}

// AcceptInput carries the redeeming user's details. Password and names are
// required only for new-user invites.
type AcceptInput struct {
	Token     string
	Password  string
	FirstName string
	LastName  string
}

// Accept redeems an invite. A new-user invite creates the account under the
// company's password policy; an existing-user invite attaches the membership
// to the known account. All writes happen in one store transaction.
func (s *Service) Accept(ctx context.Context, in AcceptInput) (*identity.User, error) {
	inv, err := s.Validate(ctx, in.Token)
	if err != nil {
		return nil, err
	}
	company, err := s.companies.Find(ctx, inv.CompanyID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()

	params := AcceptParams{Invite: inv, RoleIDs: inv.RoleIDs, At: now}
	var user *identity.User

	if inv.IsExistingUserInvite {
		user, err = s.users.Find(ctx, *inv.ExistingUserID)
		if err != nil {
			return nil, err
		}
		params.UserID = user.ID
	} else {
		if in.Password == "" {
			return nil, ErrPasswordRequired
		}
		if err := credential.ValidatePolicy(company.PasswordPolicy, in.Password); err != nil {
			return nil, err
		}
		hash, err := credential.HashPassword(in.Password)
		if err != nil {
			return nil, err
		}
		verifiedAt := now
		user = &identity.User{
			ID:                ids.New(),
			Email:             inv.Email,
			FirstName:         strings.TrimSpace(in.FirstName),
			LastName:          strings.TrimSpace(in.LastName),
			PasswordHash:      hash,
			CompanyID:         inv.CompanyID,
			IsActive:          true,
			EmailVerifiedAt:   &verifiedAt,
			PasswordChangedAt: now,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		params.NewUser = user
		params.UserID = user.ID
	}

	if err := s.store.Accept(ctx, params); err != nil {
		return nil, err
	}
	s.record(ctx, audit.Event{
		Type:        audit.EventInviteAccepted,
		ActorUserID: user.ID,
		CompanyID:   inv.CompanyID,
		Metadata:    map[string]string{"invite_id": inv.ID},
	})
	return user, nil
}

func (s *Service) record(ctx context.Context, e audit.Event) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, e)
}

func hashToken(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])
}
