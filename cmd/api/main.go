package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"opsdeck.io/internal/audit"
	"opsdeck.io/internal/config"
	"opsdeck.io/internal/credential"
	"opsdeck.io/internal/httpapi"
	"opsdeck.io/internal/invite"
	"opsdeck.io/internal/membership"
	"opsdeck.io/internal/mfa"
	"opsdeck.io/internal/notify"
	"opsdeck.io/internal/oauth"
	"opsdeck.io/internal/obs"
	"opsdeck.io/internal/permission"
	"opsdeck.io/internal/session"
	"opsdeck.io/internal/store/pg"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("OPSDECK_CONFIG"), "Path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.PostgresDSN == "" {
		log.Fatal("missing DSN: set postgres_dsn or OPSDECK_PG_DSN")
	}
	if cfg.TokenSigningKey == "" {
		log.Fatal("missing token signing key: set token_signing_key or OPSDECK_TOKEN_SIGNING_KEY")
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	store, err := pg.Open(cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}

	var cache *redis.Client
	if cfg.RedisAddr != "" {
		cache = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}

	auditLog := audit.New(store.Audit())
	notifier := notify.NewAsync(notify.LogSender{}, 10*time.Second)

	var resolverOpts []permission.ResolverOption
	if cache != nil {
		resolverOpts = append(resolverOpts, permission.WithCache(cache, cfg.PermissionCacheTTL))
	}
	permissions := permission.NewResolver(store.Roles(), resolverOpts...)

	credentials := credential.NewService(store.Users(), store.Companies(), store.Credentials(),
		auditLog, notifier,
		credential.WithResetTTL(cfg.ResetTokenTTL),
		credential.WithRememberTTL(cfg.RememberMeTTL),
		credential.WithVerifyTTL(cfg.EmailVerifyTTL))
	sessions := session.NewManager(store.Sessions(), store.Users(), auditLog,
		cfg.SessionSliding, cfg.SessionAbsolute)
	mfaEngine := mfa.NewEngine(store.MFA(), store.Users(), sessions, notifier, auditLog,
		cfg.TokenIssuer, cfg.TrustedDeviceTTL)
	memberships := membership.NewController(store.Memberships(), store.Companies(), auditLog,
		membership.WithInvalidator(permissions))
	tokens := oauth.NewService(store.OAuth(), auditLog, []byte(cfg.TokenSigningKey),
		cfg.TokenIssuer, cfg.AccessTokenTTL, cfg.RefreshTokenTTL, cfg.AuthCodeTTL)
	invites := invite.NewService(store.Invites(), store.Users(), store.Companies(),
		store.Memberships(), auditLog, notifier, cfg.InviteTTL)

	api := httpapi.New(httpapi.Deps{
		Credentials:        credentials,
		APIKeys:            credentials,
		Sessions:           sessions,
		MFA:                mfaEngine,
		Memberships:        memberships,
		Tokens:             tokens,
		Invites:            invites,
		Permissions:        permissions,
		Roles:              store.Roles(),
		Users:              store.Users(),
		Companies:          store.Companies(),
		CookieName:         cfg.SessionCookieName,
		RememberTTL:        cfg.RememberMeTTL,
		CookieSecure:       true,
		DB:                 store.DB(),
		RateLimitPerSecond: cfg.RateLimitPerSecond,
		RateLimitBurst:     cfg.RateLimitBurst,
		Version:            version,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting opsdeck-auth %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if cache != nil {
		_ = cache.Close()
	}
	_ = store.Close()
	log.Println("Stopped")
}
