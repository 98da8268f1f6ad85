package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	_ "github.com/kirinyoku/turnstile/docs"
	"github.com/kirinyoku/turnstile/internal/app"
	"github.com/kirinyoku/turnstile/internal/config"
)

// @title Turnstile API
// @version 1.0
// @description Admission queue, reservations, entitlements and door scanning for live events.
// @host localhost:8080
// @BasePath /
// @securityDefinitions.apikey AdminBearer
// @in header
// @name Authorization
func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:           "turnstile",
		Short:         "Admission and entitlement engine for live events",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(serveCmd(logger), migrateCmd(logger))

	if err := root.ExecuteContext(context.Background()); err != nil {
		logger.Error("turnstile finished with error", "error", err)
		os.Exit(1)
	}
}

func serveCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background sweeps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return err
			}

			application, err := app.New(cfg, logger)
			if err != nil {
				return err
			}

			return application.Run(cmd.Context())
		},
	}
}

func migrateCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return err
			}

			if err := app.Migrate(cmd.Context(), cfg); err != nil {
				return err
			}

			logger.Info("schema applied")
			return nil
		},
	}
}
