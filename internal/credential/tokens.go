package credential

import (
	"context"
	"errors"
	"strings"
	"time"

	"opsdeck.io/internal/audit"
	"opsdeck.io/internal/identity"
	"opsdeck.io/internal/ids"
	"opsdeck.io/internal/notify"
	"opsdeck.io/internal/obs"
)

// APIKeyPrefix marks programmatic keys so the HTTP layer can tell them apart
// from JWT bearer tokens.
const APIKeyPrefix = "odk_"

// prefixLen is how much of the raw key a listing exposes.
const prefixLen = 12

// IssueRememberMe mints a single-use remember-me secret for the user. The
// clear secret travels once in the cookie; only the hash is stored.
func (s *Service) IssueRememberMe(ctx context.Context, user *identity.User) (string, error) {
	secret, err := ids.NewSecret(32)
	if err != nil {
		return "", err
	}
	now := s.now().UTC()
	t := RememberMeToken{
		ID:        ids.New(),
		UserID:    user.ID,
		TokenHash: hashToken(secret),
		ExpiresAt: now.Add(s.rememberTTL),
		CreatedAt: now,
	}
	if err := s.store.CreateRememberToken(ctx, t); err != nil {
		return "", err
	}
	return secret, nil
}

// RedeemRememberMe claims the token and rotates it. The account checks mirror
// Verify: a locked or inactive user cannot ride an old cookie back in.
func (s *Service) RedeemRememberMe(ctx context.Context, token string) (*identity.User, string, error) {
	if strings.TrimSpace(token) == "" {
		return nil, "", ErrInvalidCredentials
	}
	now := s.now().UTC()
	rec, err := s.store.ConsumeRememberToken(ctx, hashToken(token), now)
	if err != nil {
		return nil, "", err
	}
	user, err := s.users.Find(ctx, rec.UserID)
	if err != nil {
		return nil, "", err
	}
	if user.Locked(now) {
		return nil, "", ErrAccountLocked
	}
	if !user.IsActive {
		return nil, "", ErrAccountInactive
	}
	next, err := s.IssueRememberMe(ctx, user)
	if err != nil {
		return nil, "", err
	}
	s.recordEvent(ctx, user.ID, eventRememberRedeemed, "", now)
	return user, next, nil
}

// DropRememberMe consumes the presented token so a logged-out cookie cannot
// be replayed into a session. Unknown or dead tokens are a no-op.
func (s *Service) DropRememberMe(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	_, err := s.store.ConsumeRememberToken(ctx, hashToken(token), s.now().UTC())
	if err != nil && !errors.Is(err, ErrTokenExpired) && !errors.Is(err, ErrTokenAlreadyUsed) {
		return err
	}
	return nil
}

// RevokeRememberMe invalidates every outstanding remember-me token for the
// user, across all browsers.
func (s *Service) RevokeRememberMe(ctx context.Context, userID string) error {
	return s.store.RevokeRememberTokens(ctx, userID, s.now().UTC())
}

// StartEmailVerification issues a verification token. Like StartReset it
// reports success whether or not the email resolves, and it is a no-op for
// already-verified addresses.
func (s *Service) StartEmailVerification(ctx context.Context, email string) error {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return nil
	}
	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil
		}
		return err
	}
	if user.EmailVerified() {
		return nil
	}

	secret, err := ids.NewSecret(32)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	t := VerificationToken{
		ID:        ids.New(),
		UserID:    user.ID,
		TokenHash: hashToken(secret),
		ExpiresAt: now.Add(s.verifyTTL),
		CreatedAt: now,
	}
	if err := s.store.CreateVerificationToken(ctx, t); err != nil {
		return err
	}
	s.notifier.Dispatch(notify.Message{
		To:       user.Email,
		Template: "email_verification",
		Fields:   map[string]string{"token": secret},
	})
	return nil
}

// ConfirmEmail consumes a verification token and stamps the user verified.
func (s *Service) ConfirmEmail(ctx context.Context, token string) (*identity.User, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrInvalidCredentials
	}
	now := s.now().UTC()
	rec, err := s.store.ConsumeVerificationToken(ctx, hashToken(token), now)
	if err != nil {
		return nil, err
	}
	user, err := s.users.Find(ctx, rec.UserID)
	if err != nil {
		return nil, err
	}
	if err := s.users.MarkEmailVerified(ctx, user.ID, now); err != nil {
		return nil, err
	}
	verified := now
	user.EmailVerifiedAt = &verified
	s.recordEvent(ctx, user.ID, eventEmailVerified, "", now)
	_ = s.audit.Record(ctx, audit.Event{
		Type:        audit.EventEmailVerified,
		ActorUserID: user.ID,
		CompanyID:   user.CompanyID,
	})
	return user, nil
}

// IssueAPIKey mints a programmatic key. The clear key is returned exactly
// once; listings show only the prefix. ttl of zero means no expiry.
func (s *Service) IssueAPIKey(ctx context.Context, userID, name string, ttl time.Duration) (*APIKey, string, error) {
	user, err := s.users.Find(ctx, userID)
	if err != nil {
		return nil, "", err
	}
	secret, err := ids.NewSecret(32)
	if err != nil {
		return nil, "", err
	}
	raw := APIKeyPrefix + secret
	now := s.now().UTC()
	key := &APIKey{
		ID:        ids.New(),
		UserID:    user.ID,
		Name:      name,
		KeyHash:   hashToken(raw),
		Prefix:    raw[:prefixLen],
		CreatedAt: now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		key.ExpiresAt = &exp
	}
	if err := s.store.CreateAPIKey(ctx, key); err != nil {
		return nil, "", err
	}
	_ = s.audit.Record(ctx, audit.Event{
		Type:        audit.EventAPIKeyIssued,
		ActorUserID: user.ID,
		CompanyID:   user.CompanyID,
		Metadata:    map[string]string{"api_key_id": key.ID, "name": name},
	})
	return key, raw, nil
}

// ResolveAPIKey authenticates a raw key and stamps its last use.
func (s *Service) ResolveAPIKey(ctx context.Context, raw string) (*identity.User, error) {
	if !strings.HasPrefix(raw, APIKeyPrefix) {
		return nil, ErrInvalidAPIKey
	}
	now := s.now().UTC()
	key, err := s.store.FindAPIKeyByHash(ctx, hashToken(raw))
	if err != nil {
		return nil, err
	}
	if key.RevokedAt != nil {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && now.After(*key.ExpiresAt) {
		return nil, ErrTokenExpired
	}
	user, err := s.users.Find(ctx, key.UserID)
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrAccountInactive
	}
	if err := s.store.TouchAPIKey(ctx, key.ID, now); err != nil {
		obs.LogRequest(map[string]any{"level": "warn", "msg": "touch api key", "error": err.Error()})
	}
	return user, nil
}

// ListAPIKeys returns the user's keys, live and revoked.
func (s *Service) ListAPIKeys(ctx context.Context, userID string) ([]*APIKey, error) {
	return s.store.ListAPIKeys(ctx, userID)
}

// RevokeAPIKey invalidates one key. The userID scope stops one user revoking
// another's keys by id.
func (s *Service) RevokeAPIKey(ctx context.Context, id, userID string) error {
	if err := s.store.RevokeAPIKey(ctx, id, userID, s.now().UTC()); err != nil {
		return err
	}
	_ = s.audit.Record(ctx, audit.Event{
		Type:        audit.EventAPIKeyRevoked,
		ActorUserID: userID,
		Metadata:    map[string]string{"api_key_id": id},
	})
	return nil
}
