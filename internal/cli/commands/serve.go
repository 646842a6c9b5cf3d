package commands

import (
	"context"
	"errors"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fieldops/layoutd/internal/api"
	"github.com/fieldops/layoutd/internal/web/auth"
	"github.com/fieldops/layoutd/internal/web/middleware"
	"github.com/fieldops/layoutd/internal/web/server"
	"github.com/fieldops/layoutd/internal/web/websocket"
)

// NewServeCommand creates the serve command
func NewServeCommand() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the layout API server",
		Long: `Start the HTTP API serving layout recommendations, field analysis,
interaction tracking and permission lookups.

The server shuts down gracefully on SIGINT or SIGTERM, draining queued
interaction events before exiting.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is required (set LAYOUTD_AUTH_JWT_SECRET)")
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			hubCtx, stopHub := context.WithCancel(context.Background())
			hub := websocket.NewHub(logger)
			go hub.Run(hubCtx)
			defer stopHub()

			a, err := buildApp(ctx, cfg, logger, hub)
			if err != nil {
				return err
			}
			defer a.close()
			a.pool.Start()
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
				defer cancel()
				a.pool.Stop(stopCtx)
			}()

			router := api.NewRouter(api.Deps{
				Layouts:      a.rec,
				Permissions:  a.perms,
				Tracker:      a.tracker,
				Tokens:       auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
				Stream:       websocket.NewUpgrader(hub, middleware.OriginChecker(cfg.Server.AllowedOrigins)),
				EventLimiter: a.limiter,
				Checks:       a.healthChecks(),
				Gauges:       a.gauges(hub),
			}, api.Config{
				RequestTimeout:        cfg.Server.RequestTimeout,
				AllowedOrigins:        cfg.Server.AllowedOrigins,
				SignificantImportance: api.DefaultConfig().SignificantImportance,
				Profiling:             cfg.Server.Profiling,
				Logger:                logger,
			})

			srvConfig := server.DefaultConfig(router)
			srvConfig.Address = cfg.Server.Address()
			srvConfig.ReadTimeout = cfg.Server.ReadTimeout
			srvConfig.WriteTimeout = cfg.Server.WriteTimeout
			if cfg.Server.TLSCert != "" {
				srvConfig.TLS = &server.TLSConfig{CertFile: cfg.Server.TLSCert, KeyFile: cfg.Server.TLSKey}
			}
			srv, err := server.New(srvConfig)
			if err != nil {
				return err
			}

			shutdown := server.NewGracefulShutdown(srv, &server.ShutdownConfig{
				Timeout: cfg.Server.ShutdownTimeout,
				Signals: server.DefaultShutdownConfig().Signals,
				Logger:  logger,
			})
			// hooks run after the listener stops accepting requests
			shutdown.RegisterHook(func(ctx context.Context) error {
				return a.pool.Stop(ctx)
			})
			shutdown.RegisterHook(func(ctx context.Context) error {
				stopHub()
				select {
				case <-hub.Done():
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})

			if err := srv.Listen(); err != nil {
				return err
			}
			color.New(color.FgGreen, color.Bold).Fprintf(cmd.OutOrStdout(), "layoutd listening on %s\n", srv.Addr())
			logger.Info("engine wired",
				zap.String("addr", srv.Addr()),
				zap.String("database", cfg.Database.Driver),
				zap.Bool("redis", a.redis != nil),
				zap.Bool("tls", srvConfig.TLS != nil),
			)
			return shutdown.Run(ctx)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "port to listen on (overrides server.port)")
	return cmd
}

// healthChecks probes the backing stores the app is connected to
func (a *app) healthChecks() map[string]api.HealthCheck {
	checks := map[string]api.HealthCheck{}
	if a.db != nil {
		checks["database"] = func(ctx context.Context) error {
			return a.db.PingContext(ctx)
		}
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}
	}
	checks["tracking_queue"] = func(context.Context) error {
		if a.pool.Pending() >= a.cfg.Tracking.QueueSize {
			return errors.New("interaction queue is full")
		}
		return nil
	}
	return checks
}

// shutdownGrace bounds the final drain when serve exits before the
// graceful shutdown ran
const shutdownGrace = 5 * time.Second
