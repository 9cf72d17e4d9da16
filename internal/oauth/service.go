package oauth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"opsdeck.io/internal/audit"
	"opsdeck.io/internal/ids"
	"opsdeck.io/internal/obs"
)

const refreshPrefixLen = 12

// Service implements the authorization-code flow with PKCE and rotating
// refresh-token families. Access tokens are signed JWTs; refresh tokens and
// authorization codes are opaque secrets stored only as hashes.
type Service struct {
	store      Store
	audit      *audit.Log
	signingKey []byte
	issuer     string

	accessTTL  time.Duration
	refreshTTL time.Duration
	codeTTL    time.Duration

	now func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source. Test use only.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) { s.now = fn }
}

// NewService wires the token service.
func NewService(store Store, log *audit.Log, signingKey []byte, issuer string, accessTTL, refreshTTL, codeTTL time.Duration, opts ...Option) *Service {
	s := &Service{
		store:      store,
		audit:      log,
		signingKey: signingKey,
		issuer:     issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		codeTTL:    codeTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AuthorizeInput is a consented authorization request. The user has already
// authenticated through the session flow before this is called.
type AuthorizeInput struct {
	ClientID    string
	RedirectURI string
	UserID      string
	CompanyID   string
	Scope       string

	// State is the caller's CSRF binding value, carried opaquely through the
	// grant and echoed back with the code.
	State string

	CodeChallenge       string
	CodeChallengeMethod string
}

// Authorize validates the client and mints a single-use authorization code.
// Public clients must present a PKCE challenge; confidential clients may.
func (s *Service) Authorize(ctx context.Context, in AuthorizeInput) (string, error) {
	client, err := s.activeClient(ctx, in.ClientID)
	if err != nil {
		return "", err
	}
	if !client.AllowsRedirect(in.RedirectURI) {
		return "", ErrInvalidRedirectURI
	}
	if client.Type == ClientPublic && in.CodeChallenge == "" {
		return "", ErrPKCERequired
	}
	if in.CodeChallenge != "" && !ValidChallengeMethod(in.CodeChallengeMethod) {
		return "", fmt.Errorf("%w: unsupported challenge method %q", ErrInvalidGrant, in.CodeChallengeMethod)
	}

	code, err := ids.NewSecret(32)
	if err != nil {
		return "", fmt.Errorf("oauth: generate code: %w", err)
	}
	now := s.now().UTC()
	row := &AuthorizationCode{
		ID:                  ids.New(),
		CodeHash:            hashSecret(code),
		ClientID:            client.ID,
		UserID:              in.UserID,
		CompanyID:           in.CompanyID,
		RedirectURI:         in.RedirectURI,
		Scope:               in.Scope,
		State:               in.State,
		CodeChallenge:       in.CodeChallenge,
		CodeChallengeMethod: in.CodeChallengeMethod,
		ExpiresAt:           now.Add(s.codeTTL),
		CreatedAt:           now,
	}
	if err := s.store.CreateCode(ctx, row); err != nil {
		return "", err
	}
	return code, nil
}

// ExchangeInput redeems an authorization code for a token pair.
type ExchangeInput struct {
	ClientID     string
	ClientSecret string
	Code         string
	RedirectURI  string
	CodeVerifier string
}

// Exchange redeems a code exactly once. The redirect URI must repeat the
// authorization request's value, and PKCE is verified when a challenge was
// bound to the code.
func (s *Service) Exchange(ctx context.Context, in ExchangeInput) (*TokenPair, error) {
	client, err := s.authenticateClient(ctx, in.ClientID, in.ClientSecret)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	code, err := s.store.ConsumeCode(ctx, hashSecret(in.Code), now)
	if err != nil {
		return nil, err
	}
	if code.ClientID != client.ID {
		return nil, ErrInvalidGrant
	}
	if now.After(code.ExpiresAt) {
		return nil, ErrTokenExpired
	}
	if code.RedirectURI != in.RedirectURI {
		return nil, ErrInvalidRedirectURI
	}
	if !VerifyPKCE(code.CodeChallenge, code.CodeChallengeMethod, in.CodeVerifier) {
		return nil, ErrPKCEMismatch
	}

	pair, token, err := s.mintPair(client.ID, code.UserID, code.CompanyID, code.Scope, ids.New(), now)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateToken(ctx, token); err != nil {
		return nil, err
	}
	s.record(ctx, audit.Event{
		Type:        audit.EventTokenIssued,
		ActorUserID: code.UserID,
		CompanyID:   code.CompanyID,
		Metadata:    map[string]string{"client_id": client.ID, "family": token.Family},
	})
	return pair, nil
}

// Refresh rotates a refresh token. Presenting an already-revoked token is
// treated as theft: the entire family dies and the caller gets a hard error.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	current, err := s.store.FindTokenByHash(ctx, hashSecret(refreshToken))
	if err != nil {
		return nil, ErrInvalidToken
	}
	now := s.now().UTC()

	if current.Revoked() {
		return nil, s.killFamily(ctx, current)
	}
	if now.After(current.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	pair, successor, err := s.mintPair(current.ClientID, current.UserID, current.CompanyID, current.Scope, current.Family, now)
	if err != nil {
		return nil, err
	}
	if err := s.store.Rotate(ctx, current.ID, successor, now); err != nil {
		if errors.Is(err, ErrAlreadyRevoked) {
			// Lost the race to a concurrent use of the same token.
			return nil, s.killFamily(ctx, current)
		}
		return nil, err
	}
	obs.ObserveRotation()
	s.record(ctx, audit.Event{
		Type:        audit.EventTokenRotated,
		ActorUserID: current.UserID,
		CompanyID:   current.CompanyID,
		Metadata:    map[string]string{"family": current.Family, "token_id": current.ID, "successor_id": successor.ID},
	})
	return pair, nil
}

// Revoke invalidates a presented refresh token and its whole family, as on
// logout.
func (s *Service) Revoke(ctx context.Context, refreshToken string) error {
	current, err := s.store.FindTokenByHash(ctx, hashSecret(refreshToken))
	if err != nil {
		// Revocation of an unknown token is a no-op per RFC 7009.
		return nil
	}
	if err := s.store.RevokeFamily(ctx, current.Family, ReasonLogout, s.now().UTC()); err != nil {
		return err
	}
	s.record(ctx, audit.Event{
		Type:        audit.EventTokenRevoked,
		ActorUserID: current.UserID,
		CompanyID:   current.CompanyID,
		Metadata:    map[string]string{"family": current.Family, "reason": string(ReasonLogout)},
	})
	return nil
}

// AccessClaims is the validated content of a bearer access token.
type AccessClaims struct {
	CompanyID string `json:"company_id,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Scope     string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the token subject.
func (c *AccessClaims) UserID() string { return c.Subject }

// ValidateAccess parses and verifies a bearer access token.
func (s *Service) ValidateAccess(_ context.Context, bearer string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	token, err := jwt.ParseWithClaims(bearer, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("oauth: unexpected signing method %v", t.Header["alg"])
		}
		return s.signingKey, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *Service) killFamily(ctx context.Context, t *Token) error {
	if err := s.store.RevokeFamily(ctx, t.Family, ReasonSuspiciousUse, s.now().UTC()); err != nil {
		return err
	}
	obs.ObserveReuseDetected()
	s.record(ctx, audit.Event{
		Type:        audit.EventTokenReuseDetected,
		ActorUserID: t.UserID,
		CompanyID:   t.CompanyID,
		Metadata:    map[string]string{"family": t.Family, "token_id": t.ID},
	})
	return ErrReuseDetected
}

func (s *Service) mintPair(clientID, userID, companyID, scope, family string, now time.Time) (*TokenPair, *Token, error) {
	refresh, err := ids.NewSecret(32)
	if err != nil {
		return nil, nil, fmt.Errorf("oauth: generate refresh token: %w", err)
	}
	token := &Token{
		ID:            ids.New(),
		ClientID:      clientID,
		UserID:        userID,
		CompanyID:     companyID,
		RefreshHash:   hashSecret(refresh),
		RefreshPrefix: refresh[:refreshPrefixLen],
		Family:        family,
		Scope:         scope,
		ExpiresAt:     now.Add(s.refreshTTL),
		CreatedAt:     now,
	}

	claims := &AccessClaims{
		CompanyID: companyID,
		ClientID:  clientID,
		Scope:     scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
		},
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return nil, nil, fmt.Errorf("oauth: sign access token: %w", err)
	}

	return &TokenPair{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.accessTTL.Seconds()),
		RefreshToken: refresh,
		Scope:        scope,
	}, token, nil
}

func (s *Service) activeClient(ctx context.Context, id string) (*Client, error) {
	client, err := s.store.FindClient(ctx, id)
	if err != nil {
		return nil, ErrInvalidClient
	}
	if !client.IsActive {
		return nil, ErrInvalidClient
	}
	return client, nil
}

func (s *Service) authenticateClient(ctx context.Context, id, secret string) (*Client, error) {
	client, err := s.activeClient(ctx, id)
	if err != nil {
		return nil, err
	}
	if client.Type == ClientConfidential {
		if subtle.ConstantTimeCompare([]byte(hashSecret(secret)), []byte(client.SecretHash)) != 1 {
			return nil, ErrInvalidClient
		}
	}
	return client, nil
}

func (s *Service) record(ctx context.Context, e audit.Event) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, e)
}

func hashSecret(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])
}

// HashClientSecret hashes a client secret for storage. Provisioning tools call
// this when registering confidential clients.
func HashClientSecret(secret string) string {
	return hashSecret(secret)
}
