// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"

	"github.com/efchatnet/efmsg/backend/config"
	"github.com/efchatnet/efmsg/backend/integration"
	"github.com/efchatnet/efmsg/backend/middleware"
)

func serveCommand() *cli.Command {
	cfg := config.DefaultConfig()
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the messaging HTTP and websocket server",
		Flags: serveFlags(&cfg),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := setLogLevel(cfg.LogLevel); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(ctx, cfg)
		},
	}
}

func serveFlags(cfg *config.Config) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Server:",
			Sources:     cli.EnvVars("EFMSG_PORT", "PORT"),
			Destination: &cfg.Port,
			Value:       cfg.Port,
			Usage:       "HTTP server port",
		},
		&cli.StringFlag{
			Name:        "log-level",
			Category:    "Server:",
			Sources:     cli.EnvVars("EFMSG_LOG_LEVEL"),
			Destination: &cfg.LogLevel,
			Value:       cfg.LogLevel,
			Usage:       "Log level (debug|info|warn|error)",
		},
		&cli.DurationFlag{
			Name:        "shutdown-timeout",
			Category:    "Server:",
			Sources:     cli.EnvVars("EFMSG_SHUTDOWN_TIMEOUT"),
			Destination: &cfg.ShutdownTimeout,
			Value:       cfg.ShutdownTimeout,
			Usage:       "Time allowed for in-flight requests on shutdown",
		},

		// ── Storage ───────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "store",
			Category:    "Storage:",
			Sources:     cli.EnvVars("EFMSG_STORE"),
			Destination: &cfg.Store,
			Value:       cfg.Store,
			Usage:       "Message store backend (postgres|memory)",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Storage:",
			Sources:     cli.EnvVars("EFMSG_DATABASE_URL", "DATABASE_URL"),
			Destination: &cfg.DatabaseURL,
			Value:       cfg.DatabaseURL,
			Usage:       "Postgres connection URL",
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Storage:",
			Sources:     cli.EnvVars("EFMSG_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum open Postgres connections",
		},
		&cli.BoolFlag{
			Name:        "migrate",
			Category:    "Storage:",
			Sources:     cli.EnvVars("EFMSG_MIGRATE"),
			Destination: &cfg.MigrateAtStart,
			Value:       cfg.MigrateAtStart,
			Usage:       "Run schema migrations on startup",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Storage:",
			Sources:     cli.EnvVars("EFMSG_REDIS_URL", "REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis URL for cross-node delivery (disabled when empty)",
		},

		// ── Authorization ─────────────────────────────────────────
		&cli.StringFlag{
			Name:        "jwt-secret",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("EFMSG_JWT_SECRET", "JWT_SECRET"),
			Destination: &cfg.JWTSecret,
			Usage:       "HS256 secret used to verify bearer tokens",
		},
		&cli.StringFlag{
			Name:        "jwt-issuer",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("EFMSG_JWT_ISSUER", "JWT_ISSUER"),
			Destination: &cfg.JWTIssuer,
			Value:       cfg.JWTIssuer,
			Usage:       "Required token issuer (empty accepts any)",
		},
		&cli.StringSliceFlag{
			Name:        "allowed-origins",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("EFMSG_ALLOWED_ORIGINS"),
			Destination: &cfg.AllowedOrigins,
			Value:       cfg.AllowedOrigins,
			Usage:       "Origins allowed for CORS and websocket upgrades",
		},

		// ── Messages ──────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "max-ciphertext-bytes",
			Category:    "Messages:",
			Sources:     cli.EnvVars("EFMSG_MAX_CIPHERTEXT_BYTES"),
			Destination: &cfg.MaxCiphertextBytes,
			Value:       cfg.MaxCiphertextBytes,
			Usage:       "Largest accepted ciphertext",
		},
		&cli.BoolFlag{
			Name:        "require-iv",
			Category:    "Messages:",
			Sources:     cli.EnvVars("EFMSG_REQUIRE_IV"),
			Destination: &cfg.RequireIV,
			Value:       cfg.RequireIV,
			Usage:       "Reject new messages without an IV",
		},
		&cli.IntFlag{
			Name:        "page-size",
			Category:    "Messages:",
			Sources:     cli.EnvVars("EFMSG_PAGE_SIZE"),
			Destination: &cfg.DefaultPageSize,
			Value:       cfg.DefaultPageSize,
			Usage:       "Default listing page size",
		},
		&cli.IntFlag{
			Name:        "max-page-size",
			Category:    "Messages:",
			Sources:     cli.EnvVars("EFMSG_MAX_PAGE_SIZE"),
			Destination: &cfg.MaxPageSize,
			Value:       cfg.MaxPageSize,
			Usage:       "Largest listing page size",
		},

		// ── Delivery ──────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "delivery-lanes",
			Category:    "Delivery:",
			Sources:     cli.EnvVars("EFMSG_DELIVERY_LANES"),
			Destination: &cfg.DeliveryLanes,
			Value:       cfg.DeliveryLanes,
			Usage:       "Number of ordered dispatch lanes",
		},
		&cli.IntFlag{
			Name:        "delivery-lane-buffer",
			Category:    "Delivery:",
			Sources:     cli.EnvVars("EFMSG_DELIVERY_LANE_BUFFER"),
			Destination: &cfg.DeliveryLaneBuffer,
			Value:       cfg.DeliveryLaneBuffer,
			Usage:       "Queued dispatches per lane before reporting pending",
		},
		&cli.DurationFlag{
			Name:        "delivery-push-timeout",
			Category:    "Delivery:",
			Sources:     cli.EnvVars("EFMSG_DELIVERY_PUSH_TIMEOUT"),
			Destination: &cfg.DeliveryPushTimeout,
			Value:       cfg.DeliveryPushTimeout,
			Usage:       "Bound on a single session push",
		},
		&cli.IntFlag{
			Name:        "delivery-parallelism",
			Category:    "Delivery:",
			Sources:     cli.EnvVars("EFMSG_DELIVERY_PARALLELISM"),
			Destination: &cfg.DeliveryParallelism,
			Value:       cfg.DeliveryParallelism,
			Usage:       "Recipients pushed concurrently per dispatch",
		},
		&cli.IntFlag{
			Name:        "session-buffer",
			Category:    "Delivery:",
			Sources:     cli.EnvVars("EFMSG_SESSION_BUFFER"),
			Destination: &cfg.SessionBuffer,
			Value:       cfg.SessionBuffer,
			Usage:       "Outbound frames buffered per websocket session",
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	m, err := integration.NewMessaging(ctx, &integration.Config{Settings: cfg})
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			log.Error("Close error", "err", err)
		}
	}()

	r := mux.NewRouter()
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	m.RegisterRoutes(r, nil)

	// Health check (no auth required)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		hctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := m.Health(hctx); err != nil {
			log.Warn("Health check failed", "err", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Storage unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("Server starting", "port", cfg.Port, "store", cfg.Store, "issuer", cfg.JWTIssuer)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}
	log.Info("Shutting down...")

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}
