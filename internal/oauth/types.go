package oauth

import "time"

// ClientType separates clients that can keep a secret from those that cannot.
type ClientType string

const (
	ClientConfidential ClientType = "CONFIDENTIAL"
	ClientPublic       ClientType = "PUBLIC"
)

// Client is a registered OAuth application. Secrets are hashed at rest.
type Client struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Type         ClientType `json:"type"`
	SecretHash   string     `json:"-"`
	RedirectURIs []string   `json:"redirect_uris"`
	Scopes       []string   `json:"scopes"`
	IsActive     bool       `json:"is_active"`
	CreatedAt    time.Time  `json:"created_at"`
}

// AllowsRedirect reports whether the URI exactly matches a registered one.
func (c *Client) AllowsRedirect(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// AuthorizationCode is a single-use grant. Only the hash is stored; the clear
// code travels once through the redirect.
type AuthorizationCode struct {
	ID       string `json:"id"`
	CodeHash string `json:"-"`

	ClientID  string `json:"client_id"`
	UserID    string `json:"user_id"`
	CompanyID string `json:"company_id"`

	RedirectURI string `json:"redirect_uri"`
	Scope       string `json:"scope"`
	State       string `json:"-"`

	CodeChallenge       string `json:"-"`
	CodeChallengeMethod string `json:"-"`

	ExpiresAt time.Time  `json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// RevokedReason records why a refresh token died.
type RevokedReason string

const (
	ReasonRotation      RevokedReason = "rotation"
	ReasonSuspiciousUse RevokedReason = "suspicious_reuse"
	ReasonLogout        RevokedReason = "logout"
	ReasonAdmin         RevokedReason = "admin"
)

// Token is one refresh token row. Family ties every rotation of an original
// grant together; ReplacedByTokenID links each row to its successor.
type Token struct {
	ID string `json:"id"`

	ClientID  string `json:"client_id"`
	UserID    string `json:"user_id"`
	CompanyID string `json:"company_id"`

	RefreshHash   string `json:"-"`
	RefreshPrefix string `json:"refresh_prefix"`

	Family string `json:"family"`
	Scope  string `json:"scope"`

	ExpiresAt time.Time `json:"expires_at"`

	RevokedAt         *time.Time    `json:"revoked_at,omitempty"`
	RevokedReason     RevokedReason `json:"revoked_reason,omitempty"`
	ReplacedByTokenID *string       `json:"replaced_by_token_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Revoked reports whether the row has been invalidated.
func (t *Token) Revoked() bool { return t.RevokedAt != nil }

// TokenPair is a minted access/refresh pair as returned to the client.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope,omitempty"`
}
