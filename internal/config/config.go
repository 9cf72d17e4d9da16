package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config carries every tunable the engine reads at startup. Values come from
// an optional TOML file overridden by OPSDECK_* environment variables.
type Config struct {
	ListenAddr  string
	PostgresDSN string
	RedisAddr   string

	SessionCookieName string
	SessionSliding    time.Duration
	SessionAbsolute   time.Duration

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	AuthCodeTTL     time.Duration
	TokenSigningKey string
	TokenIssuer     string

	PermissionCacheTTL time.Duration
	TrustedDeviceTTL   time.Duration
	InviteTTL          time.Duration
	ResetTokenTTL      time.Duration
	RememberMeTTL      time.Duration
	EmailVerifyTTL     time.Duration

	StoreTimeout time.Duration

	RateLimitPerSecond int
	RateLimitBurst     int
}

// duration lets TOML carry durations as strings ("30m", "12h").
type duration struct{ time.Duration }

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// fileConfig mirrors Config for TOML decoding.
type fileConfig struct {
	ListenAddr         string   `toml:"listen_addr"`
	PostgresDSN        string   `toml:"postgres_dsn"`
	RedisAddr          string   `toml:"redis_addr"`
	SessionCookieName  string   `toml:"session_cookie_name"`
	SessionSliding     duration `toml:"session_sliding"`
	SessionAbsolute    duration `toml:"session_absolute"`
	AccessTokenTTL     duration `toml:"access_token_ttl"`
	RefreshTokenTTL    duration `toml:"refresh_token_ttl"`
	AuthCodeTTL        duration `toml:"auth_code_ttl"`
	TokenSigningKey    string   `toml:"token_signing_key"`
	TokenIssuer        string   `toml:"token_issuer"`
	PermissionCacheTTL duration `toml:"permission_cache_ttl"`
	TrustedDeviceTTL   duration `toml:"trusted_device_ttl"`
	InviteTTL          duration `toml:"invite_ttl"`
	ResetTokenTTL      duration `toml:"reset_token_ttl"`
	RememberMeTTL      duration `toml:"remember_me_ttl"`
	EmailVerifyTTL     duration `toml:"email_verify_ttl"`
	StoreTimeout       duration `toml:"store_timeout"`
	RateLimitPerSecond int      `toml:"rate_limit_per_second"`
	RateLimitBurst     int      `toml:"rate_limit_burst"`
}

// Default returns the configuration used when nothing is provided.
func Default() Config {
	return Config{
		ListenAddr:         ":8080",
		SessionCookieName:  "odk_session",
		SessionSliding:     30 * time.Minute,
		SessionAbsolute:    12 * time.Hour,
		AccessTokenTTL:     15 * time.Minute,
		RefreshTokenTTL:    14 * 24 * time.Hour,
		AuthCodeTTL:        10 * time.Minute,
		TokenIssuer:        "opsdeck",
		PermissionCacheTTL: 30 * time.Second,
		TrustedDeviceTTL:   30 * 24 * time.Hour,
		InviteTTL:          7 * 24 * time.Hour,
		ResetTokenTTL:      time.Hour,
		RememberMeTTL:      30 * 24 * time.Hour,
		EmailVerifyTTL:     24 * time.Hour,
		StoreTimeout:       5 * time.Second,
		RateLimitPerSecond: 20,
		RateLimitBurst:     40,
	}
}

// Load merges defaults, the TOML file at path (if non-empty), and environment
// variables, then validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		var fc fileConfig
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
		applyFile(&cfg, fc)
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, fc fileConfig) {
	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}
	if fc.PostgresDSN != "" {
		cfg.PostgresDSN = fc.PostgresDSN
	}
	if fc.RedisAddr != "" {
		cfg.RedisAddr = fc.RedisAddr
	}
	if fc.SessionCookieName != "" {
		cfg.SessionCookieName = fc.SessionCookieName
	}
	if fc.TokenSigningKey != "" {
		cfg.TokenSigningKey = fc.TokenSigningKey
	}
	if fc.TokenIssuer != "" {
		cfg.TokenIssuer = fc.TokenIssuer
	}
	if fc.SessionSliding.Duration > 0 {
		cfg.SessionSliding = fc.SessionSliding.Duration
	}
	if fc.SessionAbsolute.Duration > 0 {
		cfg.SessionAbsolute = fc.SessionAbsolute.Duration
	}
	if fc.AccessTokenTTL.Duration > 0 {
		cfg.AccessTokenTTL = fc.AccessTokenTTL.Duration
	}
	if fc.RefreshTokenTTL.Duration > 0 {
		cfg.RefreshTokenTTL = fc.RefreshTokenTTL.Duration
	}
	if fc.AuthCodeTTL.Duration > 0 {
		cfg.AuthCodeTTL = fc.AuthCodeTTL.Duration
	}
	if fc.PermissionCacheTTL.Duration > 0 {
		cfg.PermissionCacheTTL = fc.PermissionCacheTTL.Duration
	}
	if fc.TrustedDeviceTTL.Duration > 0 {
		cfg.TrustedDeviceTTL = fc.TrustedDeviceTTL.Duration
	}
	if fc.InviteTTL.Duration > 0 {
		cfg.InviteTTL = fc.InviteTTL.Duration
	}
	if fc.ResetTokenTTL.Duration > 0 {
		cfg.ResetTokenTTL = fc.ResetTokenTTL.Duration
	}
	if fc.RememberMeTTL.Duration > 0 {
		cfg.RememberMeTTL = fc.RememberMeTTL.Duration
	}
	if fc.EmailVerifyTTL.Duration > 0 {
		cfg.EmailVerifyTTL = fc.EmailVerifyTTL.Duration
	}
	if fc.StoreTimeout.Duration > 0 {
		cfg.StoreTimeout = fc.StoreTimeout.Duration
	}
	if fc.RateLimitPerSecond > 0 {
		cfg.RateLimitPerSecond = fc.RateLimitPerSecond
	}
	if fc.RateLimitBurst > 0 {
		cfg.RateLimitBurst = fc.RateLimitBurst
	}
}

func applyEnv(cfg *Config) {
	setString(&cfg.ListenAddr, "OPSDECK_LISTEN_ADDR")
	setString(&cfg.PostgresDSN, "OPSDECK_PG_DSN")
	setString(&cfg.RedisAddr, "OPSDECK_REDIS_ADDR")
	setString(&cfg.SessionCookieName, "OPSDECK_SESSION_COOKIE")
	setString(&cfg.TokenSigningKey, "OPSDECK_TOKEN_SIGNING_KEY")
	setString(&cfg.TokenIssuer, "OPSDECK_TOKEN_ISSUER")
	setDuration(&cfg.SessionSliding, "OPSDECK_SESSION_SLIDING")
	setDuration(&cfg.SessionAbsolute, "OPSDECK_SESSION_ABSOLUTE")
	setDuration(&cfg.AccessTokenTTL, "OPSDECK_ACCESS_TOKEN_TTL")
	setDuration(&cfg.RefreshTokenTTL, "OPSDECK_REFRESH_TOKEN_TTL")
	setDuration(&cfg.AuthCodeTTL, "OPSDECK_AUTH_CODE_TTL")
	setDuration(&cfg.PermissionCacheTTL, "OPSDECK_PERMISSION_CACHE_TTL")
	setDuration(&cfg.TrustedDeviceTTL, "OPSDECK_TRUSTED_DEVICE_TTL")
	setDuration(&cfg.InviteTTL, "OPSDECK_INVITE_TTL")
	setDuration(&cfg.ResetTokenTTL, "OPSDECK_RESET_TOKEN_TTL")
	setDuration(&cfg.RememberMeTTL, "OPSDECK_REMEMBER_ME_TTL")
	setDuration(&cfg.EmailVerifyTTL, "OPSDECK_EMAIL_VERIFY_TTL")
	setDuration(&cfg.StoreTimeout, "OPSDECK_STORE_TIMEOUT")
	setInt(&cfg.RateLimitPerSecond, "OPSDECK_RATE_LIMIT_PER_SECOND")
	setInt(&cfg.RateLimitBurst, "OPSDECK_RATE_LIMIT_BURST")
}

func (c Config) validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return errors.New("config: listen_addr is required")
	}
	if c.SessionSliding <= 0 || c.SessionAbsolute <= 0 {
		return errors.New("config: session lifetimes must be positive")
	}
	if c.SessionSliding > c.SessionAbsolute {
		return errors.New("config: session_sliding must not exceed session_absolute")
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 || c.AuthCodeTTL <= 0 {
		return errors.New("config: token lifetimes must be positive")
	}
	if c.StoreTimeout <= 0 {
		return errors.New("config: store_timeout must be positive")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		*dst = d
	}
}

func setInt(dst *int, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		*dst = n
	}
}
