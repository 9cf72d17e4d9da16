// opsdeckctl is the operator CLI: migrations, tenant provisioning, OAuth
// client registration, and bootstrap of the first internal user.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"opsdeck.io/internal/credential"
	"opsdeck.io/internal/identity"
	"opsdeck.io/internal/ids"
	"opsdeck.io/internal/migrate"
	"opsdeck.io/internal/oauth"
	"opsdeck.io/internal/store/pg"
	"opsdeck.io/migrations"
)

var dsn string

func main() {
	root := &cobra.Command{
		Use:           "opsdeckctl",
		Short:         "Operate an opsdeck-auth deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dsn, "dsn", os.Getenv("OPSDECK_PG_DSN"), "PostgreSQL DSN")

	root.AddCommand(migrateCmd(), createCompanyCmd(), createUserCmd(), createClientCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func openStore() (*pg.Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("missing DSN: provide via --dsn or OPSDECK_PG_DSN")
	}
	return pg.Open(dsn)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate [up|down|status|seed]",
		Short: "Apply or roll back the embedded schema migrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			mgr := migrate.NewManager(store.DB(), migrations.FS, migrations.SQLDir, migrations.SeedsDir)
			ctx := cmd.Context()
			switch args[0] {
			case "up":
				return mgr.Up(ctx)
			case "down":
				return mgr.Down(ctx)
			case "seed":
				return mgr.Seed(ctx)
			case "status":
				history, err := mgr.Status(ctx)
				if err != nil {
					return err
				}
				for _, item := range history {
					fmt.Println(item)
				}
				return nil
			default:
				return fmt.Errorf("unknown command %q", args[0])
			}
		},
	}
	return cmd
}

func createCompanyCmd() *cobra.Command {
	var (
		name        string
		mfaRequired bool
		maxSessions int
		strategy    string
	)
	cmd := &cobra.Command{
		Use:   "create-company",
		Short: "Provision a tenant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			co := &identity.Company{
				ID:                   ids.New(),
				Name:                 name,
				IsActive:             true,
				MaxSessionsPerUser:   maxSessions,
				SessionLimitStrategy: identity.SessionLimitStrategy(strategy),
				MfaRequired:          mfaRequired,
				LockoutThreshold:     5,
				LockoutWindow:        15 * time.Minute,
				LockoutDuration:      30 * time.Minute,
			}
			if err := store.Companies().Create(cmd.Context(), co); err != nil {
				return err
			}
			return printJSON(co)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Company name")
	cmd.Flags().BoolVar(&mfaRequired, "mfa-required", false, "Require MFA for every member")
	cmd.Flags().IntVar(&maxSessions, "max-sessions", 0, "Concurrent session cap per user (0 = unlimited)")
	cmd.Flags().StringVar(&strategy, "strategy", string(identity.LimitRevokeOldest), "Session limit strategy")
	return cmd
}

func createUserCmd() *cobra.Command {
	var (
		email     string
		password  string
		firstName string
		lastName  string
		companyID string
		internal  bool
		roleID    string
	)
	cmd := &cobra.Command{
		Use:   "create-user",
		Short: "Create an account, typically the first internal operator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if email == "" || password == "" {
				return fmt.Errorf("--email and --password are required")
			}
			if !internal && companyID == "" {
				return fmt.Errorf("--company is required unless --internal is set")
			}
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			hash, err := credential.HashPassword(password)
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			user := &identity.User{
				ID:                ids.New(),
				Email:             email,
				FirstName:         firstName,
				LastName:          lastName,
				PasswordHash:      hash,
				CompanyID:         companyID,
				IsInternal:        internal,
				IsActive:          true,
				EmailVerifiedAt:   &now,
				PasswordChangedAt: now,
				CreatedAt:         now,
			}
			ctx := cmd.Context()
			if err := store.Users().Create(ctx, user); err != nil {
				return err
			}
			if roleID != "" {
				if err := store.Roles().AssignRole(ctx, user.ID, roleID, companyID); err != nil {
					return err
				}
			}
			return printJSON(user)
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email address")
	cmd.Flags().StringVar(&password, "password", "", "Initial password")
	cmd.Flags().StringVar(&firstName, "first-name", "", "First name")
	cmd.Flags().StringVar(&lastName, "last-name", "", "Last name")
	cmd.Flags().StringVar(&companyID, "company", "", "Home company ID")
	cmd.Flags().BoolVar(&internal, "internal", false, "Mark as internal platform staff")
	cmd.Flags().StringVar(&roleID, "role", "", "Role ID to assign (e.g. platform-operator)")
	return cmd
}

func createClientCmd() *cobra.Command {
	var (
		name         string
		public       bool
		redirectURIs []string
		scopes       []string
	)
	cmd := &cobra.Command{
		Use:   "create-client",
		Short: "Register an OAuth client",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			if len(redirectURIs) == 0 {
				return fmt.Errorf("at least one --redirect-uri is required")
			}
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			client := &oauth.Client{
				ID:           ids.New(),
				Name:         name,
				Type:         oauth.ClientConfidential,
				RedirectURIs: redirectURIs,
				Scopes:       scopes,
				IsActive:     true,
				CreatedAt:    time.Now().UTC(),
			}
			var secret string
			if public {
				client.Type = oauth.ClientPublic
			} else {
				secret, err = ids.NewSecret(32)
				if err != nil {
					return err
				}
				client.SecretHash = oauth.HashClientSecret(secret)
			}
			if err := store.OAuth().CreateClient(cmd.Context(), client); err != nil {
				return err
			}
			out := map[string]any{"client": client}
			if secret != "" {
				// Shown once; only the hash is stored.
				out["secret"] = secret
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Client name")
	cmd.Flags().BoolVar(&public, "public", false, "Register a public (PKCE-only) client")
	cmd.Flags().StringArrayVar(&redirectURIs, "redirect-uri", nil, "Allowed redirect URI (repeatable)")
	cmd.Flags().StringArrayVar(&scopes, "scope", nil, "Granted scope (repeatable)")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
