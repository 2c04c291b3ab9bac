// butlerctl operates a butler deployment from the shell: database
// migrations and resets, config validation, and an in-process daemon
// run for development setups.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/butler-platform/butlerd/pkg/butler"
	"github.com/butler-platform/butlerd/pkg/config"
	"github.com/butler-platform/butlerd/pkg/postgres"
	"github.com/butler-platform/butlerd/pkg/slack"
	"github.com/butler-platform/butlerd/pkg/version"
)

// databaseURLEnv names the connection string every database subcommand
// operates on. The URL's path component names the target database.
const databaseURLEnv = "BUTLER_DATABASE_URL"

// resetConfirmValue is what --confirm-destructive-reset must spell out.
const resetConfirmValue = "RESET"

// Exit codes are a scripting contract: deployment wrappers branch on them.
const (
	exitOK          = 0
	exitConfig      = 2
	exitUnexpected  = 3
	exitInterrupted = 130
)

// errUsage marks operator mistakes: missing env vars, unconfirmed
// destructive commands, tripped production guards. They exit with
// exitConfig rather than exitUnexpected.
var errUsage = errors.New("usage error")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := rootCmd().ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(exitCode(ctx, err))
}

// exitCode maps an error to the documented exit code contract: 0 ok,
// 2 config or usage error, 130 interrupted, 3 anything else.
func exitCode(ctx context.Context, err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage),
		errors.Is(err, config.ErrValidationFailed),
		errors.Is(err, config.ErrConfigNotFound),
		errors.Is(err, config.ErrInvalidTOML),
		errors.Is(err, config.ErrInvalidValue),
		errors.Is(err, config.ErrMissingRequiredField):
		return exitConfig
	case ctx.Err() != nil:
		return exitInterrupted
	default:
		return exitUnexpected
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func rootCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "butlerctl",
		Short: "Operate a butler deployment",
		Long: `butlerctl manages the operational side of a butler deployment.

Database subcommands (migrate, reset) read the target from the
` + databaseURLEnv + ` environment variable. reset is destructive and
requires explicit confirmation; database names containing "prod" are
refused unless --allow-production-db-name is set.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(logLevel)
		},
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	// Flag misuse is an operator error, not an internal one.
	cmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errUsage, err)
	})

	cmd.AddCommand(migrateCmd())
	cmd.AddCommand(resetCmd())
	cmd.AddCommand(validateCmd())
	cmd.AddCommand(runCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Full())
		},
	})

	return cmd
}

// databaseURL reads and parses the target connection string. The
// database name is returned separately so reset can inspect it before
// dropping anything.
func databaseURL() (dsn, database string, err error) {
	raw := os.Getenv(databaseURLEnv)
	if raw == "" {
		return "", "", fmt.Errorf("%w: %s is not set", errUsage, databaseURLEnv)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("%w: parse %s: %v", errUsage, databaseURLEnv, err)
	}
	database = strings.TrimPrefix(u.Path, "/")
	if database == "" {
		return "", "", fmt.Errorf("%w: %s names no database", errUsage, databaseURLEnv)
	}
	return raw, database, nil
}

// looksProduction guards reset against database names that smell like a
// live deployment.
func looksProduction(database string) bool {
	return strings.Contains(strings.ToLower(database), "prod")
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, database, err := databaseURL()
			if err != nil {
				return err
			}
			if err := postgres.RunMigrations(dsn, database); err != nil {
				return fmt.Errorf("migrate %s: %w", database, err)
			}
			fmt.Printf("Migrations applied to %s\n", database)
			return nil
		},
	}
}

func resetCmd() *cobra.Command {
	var (
		confirm       string
		allowProdName bool
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop all butler state and re-apply migrations from scratch",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, database, err := databaseURL()
			if err != nil {
				return err
			}
			if confirm != resetConfirmValue {
				return fmt.Errorf("%w: reset is destructive, pass --confirm-destructive-reset=%s",
					errUsage, resetConfirmValue)
			}
			if looksProduction(database) && !allowProdName {
				return fmt.Errorf("%w: %q looks like a production database, pass --allow-production-db-name to proceed",
					errUsage, database)
			}
			if err := postgres.ResetDatabase(dsn, database); err != nil {
				return fmt.Errorf("reset %s: %w", database, err)
			}
			fmt.Printf("Database %s reset\n", database)
			return nil
		},
	}

	cmd.Flags().StringVar(&confirm, "confirm-destructive-reset", "",
		fmt.Sprintf("Must be %q to proceed", resetConfirmValue))
	cmd.Flags().BoolVar(&allowProdName, "allow-production-db-name", false,
		`Permit resetting a database whose name contains "prod"`)

	return cmd
}

func validateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a butler config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Initialize(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			stats := cfg.Stats()
			fmt.Printf("Configuration valid: butler %q on port %d (%d schedules, %d modules)\n",
				cfg.Butler.Name, cfg.Butler.Port, stats.Schedules, stats.Modules)
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config",
		getEnv("BUTLER_CONFIG", "butler.toml"), "Path to the butler config file")

	return cmd
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the butler daemon in-process until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			slog.Info("Starting butlerd", "version", version.Full(), "config", configPath)
			return butler.Run(cmd.Context(), butler.RunOptions{
				ConfigPath: configPath,
				OptionalModules: []butler.Module{
					slack.NewModule(),
				},
			})
		},
	}

	cmd.Flags().StringVar(&configPath, "config",
		getEnv("BUTLER_CONFIG", "butler.toml"), "Path to the butler config file")

	return cmd
}
