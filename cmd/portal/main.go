package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/vedran77/portal/internal/app"
	"github.com/vedran77/portal/internal/backend/postgres"
	"github.com/vedran77/portal/internal/config"
	"github.com/vedran77/portal/internal/logging"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "portal",
		Short:        "Realtime chat gateway and tools",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), watchCmd(), migrateCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the REST and websocket gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			fx.New(app.Gateway).Run()
			return nil
		},
	}
}

func watchCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stay online as a user and show their notifications on the desktop",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := uuid.Parse(user)
			if err != nil {
				return fmt.Errorf("invalid --user: %w", err)
			}
			a := fx.New(app.Watch(userID))
			if err := a.Err(); err != nil {
				return err
			}
			a.Run()
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id to watch for")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the chat schema to the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := logging.New(cfg.Env, cfg.LogLevel)

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			pool, err := postgres.Connect(ctx, cfg.Database.DSN())
			if err != nil {
				return err
			}
			defer pool.Close()
			return postgres.Migrate(ctx, pool, log)
		},
	}
}
