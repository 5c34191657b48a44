package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/researcher/internal/server"
	"github.com/mohammad-safakhou/researcher/internal/store"
	"github.com/mohammad-safakhou/researcher/internal/telemetry"
)

func serveCmd(opts *rootOptions) *cobra.Command {
	var addr string
	var autoMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if autoMigrate && cfg.Storage.Ledger == "postgres" {
				if err := store.Migrate("", cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
			}
			tele, err := telemetry.Setup(ctx, cfg.Telemetry, version)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tele.Shutdown(shutdownCtx)
			}()

			a, err := newApp(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if addr == "" {
				addr = cfg.Server.Address
			}
			if cfg.Server.JWTSecret == "" {
				log.Printf("server.jwt_secret is empty: API authentication is disabled")
			}
			e := server.New(server.Deps{
				Projects:      a.records,
				Runner:        a.runner,
				Budget:        a.guard,
				Metrics:       tele.Handler(),
				MetricsPath:   cfg.Telemetry.MetricsPath,
				Secret:        []byte(cfg.Server.JWTSecret),
				DefaultDomain: cfg.General.DefaultDomain,
			})
			return server.Run(ctx, e, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.address)")
	cmd.Flags().BoolVar(&autoMigrate, "migrate", true, "apply embedded migrations before serving")
	return cmd
}
