package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"scriptgate/internal/app"
	"scriptgate/internal/config"
	"scriptgate/internal/infrastructure"
	"scriptgate/internal/store/postgres"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("Command failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           config.AppName,
		Short:         "Secure script delivery and license validation gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			path, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			if path != "" {
				return os.Setenv(config.EnvPrefix+"_CONFIG", path)
			}
			return nil
		},
	}
	root.PersistentFlags().String("config", "", "path to a YAML config file")

	root.AddCommand(
		serveCmd(),
		migrateCmd(),
		versionCmd(),
	)
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := infrastructure.InitializeLogger(cfg.Logging)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer func() { _ = infrastructure.CloseLogFile() }()

			application, err := app.NewApplication(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			return application.Run(cmd.Context())
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
	}
	cmd.PersistentFlags().String("dsn", "", "database DSN (defaults to store.dsn)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				dsn, err := migrationDSN(cmd)
				if err != nil {
					return err
				}
				if err := postgres.ApplyMigrations(cmd.Context(), dsn); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return nil
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			RunE: func(cmd *cobra.Command, _ []string) error {
				dsn, err := migrationDSN(cmd)
				if err != nil {
					return err
				}
				if err := postgres.RollbackMigration(cmd.Context(), dsn); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migration rolled back")
				return nil
			},
		},
	)
	return cmd
}

// migrationDSN prefers the --dsn flag over the configured store DSN.
func migrationDSN(cmd *cobra.Command) (string, error) {
	dsn, err := cmd.Flags().GetString("dsn")
	if err != nil {
		return "", err
	}
	if dsn != "" {
		return dsn, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return "", err
	}
	if cfg.Store.DSN == "" {
		return "", fmt.Errorf("no database DSN: pass --dsn or set %s_STORE_DSN", config.EnvPrefix)
	}
	return cfg.Store.DSN, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", config.AppName, config.AppVersion)
		},
	}
}
