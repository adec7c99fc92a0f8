package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aussiebroadwan/carelink/internal/app"
	"github.com/spf13/cobra"
)

func main() {
	cfg := app.LoadConfig()

	rootCmd := &cobra.Command{
		Use:           "carelink",
		Short:         "Enroll with and keep a session to the Medtronic CareLink cloud",
		Version:       app.BuildVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Flags default to the environment, so a set flag wins over both.
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfg.DiscoveryURL, "discovery-url", cfg.DiscoveryURL, "Discovery document URL (CARELINK_DISCOVERY_URL)")
	flags.StringVar(&cfg.Region, "region", cfg.Region, "Deployment region: us or eu; defaults to the stored token's country (CARELINK_REGION)")
	flags.StringVar(&cfg.Country, "country", cfg.Country, "Two-letter country, resolved to a region via discovery (CARELINK_COUNTRY)")
	flags.StringVar(&cfg.Store, "store", cfg.Store, "Credential store: file, keyring or sqlite (CARELINK_STORE)")
	flags.StringVar(&cfg.Account, "account", cfg.Account, "Keyring account or sqlite row name (CARELINK_ACCOUNT)")
	flags.StringVar(&cfg.CredentialsFile, "credentials", cfg.CredentialsFile, "Credential file for the file store (CARELINK_CREDENTIALS_FILE)")
	flags.StringVar(&cfg.DatabaseFile, "database", cfg.DatabaseFile, "Database for the sqlite store (CARELINK_DATABASE_FILE)")
	flags.StringVar(&cfg.MasterKeyFile, "master-key", cfg.MasterKeyFile, "Key file sealing secrets in the sqlite store (CARELINK_MASTER_KEY_FILE)")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn or error (LOG_LEVEL)")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text or json (LOG_FORMAT)")

	rootCmd.AddCommand(
		newLoginCmd(&cfg),
		newCommand(&cfg, "token", "Print the current Authorization header value, refreshing if needed",
			func(ctx context.Context, a *app.Application) error { return a.Token(ctx) }),
		newCommand(&cfg, "status", "Show the stored credential's state without contacting the server",
			func(ctx context.Context, a *app.Application) error { return a.PrintStatus(ctx) }),
		newCommand(&cfg, "refresh", "Force a token refresh",
			func(ctx context.Context, a *app.Application) error { return a.Refresh(ctx) }),
		newCommand(&cfg, "watch", "Keep the credential fresh until interrupted",
			func(ctx context.Context, a *app.Application) error { return a.Watch(ctx) }),
		newCommand(&cfg, "logout", "Remove the stored credential",
			func(ctx context.Context, a *app.Application) error { return a.Logout(ctx) }),
		newGetCmd(&cfg),
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "carelink: %v\n", err)
		os.Exit(1)
	}
}

// withApp builds the Application from the flag-adjusted config and closes
// it after fn.
func withApp(ctx context.Context, cfg *app.Config, fn func(context.Context, *app.Application) error) error {
	application, err := app.New(*cfg)
	if err != nil {
		return err
	}
	defer func() { _ = application.Close() }()

	return fn(ctx, application)
}

func newCommand(cfg *app.Config, use, short string, fn func(context.Context, *app.Application) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), cfg, fn)
		},
	}
}

func newLoginCmd(cfg *app.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Register this client as a device and store the credential",
		Long: `Run the device enrollment handshake. The command prints a login URL;
open it in a browser, sign in, and paste the URL the browser is finally
redirected to. Only the resulting credential is stored.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), cfg, func(ctx context.Context, a *app.Application) error {
				return a.Login(ctx)
			})
		},
	}

	cmd.Flags().IntVar(&cfg.RSABits, "rsa-bits", cfg.RSABits, "Device key size; below 2048 is raised (CARELINK_RSA_BITS)")
	cmd.Flags().DurationVar(&cfg.ChallengeTimeout, "timeout", cfg.ChallengeTimeout, "How long to wait for the pasted redirect, 0 for no limit (CARELINK_CHALLENGE_TIMEOUT)")
	return cmd
}

func newGetCmd(cfg *app.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "get <path|url>",
		Short: "GET a data API path with the stored credential and print the JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cfg, func(ctx context.Context, a *app.Application) error {
				return a.Get(ctx, args[0])
			})
		},
	}
}
