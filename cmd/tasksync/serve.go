package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"task-sync/internal/config"
	"task-sync/internal/logging"
	"task-sync/internal/repos"
	"task-sync/internal/server"
)

func serveCmd() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		Long: `Run the sync server: batch sync over HTTP and live fan-out over websocket.

Examples:
  tasksync serve
  TASKSYNC_AUTH_TOKENS="tok1=alice,tok2=bob" tasksync serve --port 9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if port != "" {
				cfg.Port = port
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&port, "port", "p", "", "listen port (overrides config)")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config) error {
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	if len(cfg.AuthTokens) == 0 {
		log.Warn("no auth tokens configured; every request will be rejected")
	}

	db, err := repos.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := repos.Migrate(ctx, db, cfg.DatabaseDriver); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	log.Info("database ready", "driver", cfg.DatabaseDriver)

	return server.New(cfg, db, log).Run(ctx, ":"+cfg.Port)
}
