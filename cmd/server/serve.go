package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/ashureev/careline-hub/internal/api"
	"github.com/ashureev/careline-hub/internal/archive"
	"github.com/ashureev/careline-hub/internal/call"
	"github.com/ashureev/careline-hub/internal/config"
	"github.com/ashureev/careline-hub/internal/hub"
	"github.com/ashureev/careline-hub/internal/identity"
	"github.com/ashureev/careline-hub/internal/middleware"
	"github.com/ashureev/careline-hub/internal/presence"
	"github.com/ashureev/careline-hub/internal/registry"
	"github.com/ashureev/careline-hub/internal/relay"
	"github.com/ashureev/careline-hub/internal/store"
	"github.com/ashureev/careline-hub/internal/telemetry"
)

func serveCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the hub server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			return serve(cfg, logger)
		},
	}
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func serve(cfg *config.Config, logger *slog.Logger) error {
	if cfg.DevMode {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
		slog.SetDefault(logger)
	}
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "archive", cfg.Archive.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Metrics.
	shutdownMetrics, err := telemetry.Init(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			slog.Error("Failed to flush metrics", "error", err)
		}
	}()
	metrics, err := telemetry.NewMetrics(otel.Meter("github.com/ashureev/careline-hub"))
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	// Archive sinks.
	var (
		sinks []archive.Sink
		repo  store.Repository
	)
	if cfg.Archive.Driver != "none" {
		repo, err = store.Open(cfg.Archive.Driver, cfg.Archive.DSN)
		if err != nil {
			return fmt.Errorf("initialize archive: %w", err)
		}
		if err := repo.Ping(ctx); err != nil {
			_ = repo.Close()
			return fmt.Errorf("archive health check: %w", err)
		}
		sinks = append(sinks, repo)
		slog.Info("Archive connected", "driver", cfg.Archive.Driver)
	}
	if cfg.NATS.URL != "" {
		natsSink, err := archive.DialNATS(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			slog.Warn("Failed to connect to NATS, archive events will not be published", "error", err)
		} else {
			sinks = append(sinks, natsSink)
			slog.Info("Publishing archive events to NATS", "url", cfg.NATS.URL, "prefix", cfg.NATS.SubjectPrefix)
		}
	}
	recorder := archive.NewRecorder(cfg.Archive.QueueSize, logger, metrics, sinks...)

	// Core components.
	reg := registry.New(logger)
	typing := presence.NewTyping(reg, cfg.Typing.QuietPeriod, cfg.Typing.MaxDuration, logger)
	tracker := presence.NewTracker(reg)

	rel := relay.New(reg, typing,
		relay.WithArchive(recorder),
		relay.WithMetrics(metrics),
		relay.WithWindow(cfg.Relay.MessageWindow),
		relay.WithLogger(logger),
	)
	rel.StartSweeper(ctx, 0)

	calls := call.NewManager(reg,
		call.WithRingTimeout(cfg.Call.RingTimeout),
		call.WithArchive(recorder),
		call.WithMetrics(metrics),
		call.WithDevMode(cfg.DevMode),
		call.WithLogger(logger),
	)

	limiter := hub.NewRateLimiter(cfg.Transport.EventLimit, cfg.Transport.EventWindow)
	limiter.StartEviction(ctx)

	sup := hub.NewSupervisor(reg, calls, typing, metrics, logger)
	dispatcher := hub.NewDispatcher(rel, calls, tracker, limiter, logger)
	wsHandler := hub.NewWebSocketHandler(sup, dispatcher, hub.Options{
		AllowedOrigins: cfg.AllowedOrigins(),
		IsDev:          cfg.IsDevelopment(),
		SendQueueSize:  cfg.Transport.SendQueueSize,
		ReadLimit:      cfg.Transport.ReadLimit,
		PingInterval:   cfg.Transport.PingInterval,
	}, logger)

	var verifier identity.Verifier
	if cfg.Auth.JWTSecret != "" {
		verifier = identity.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
	} else {
		slog.Warn("JWT_SECRET not set, trusting handshake tokens as user IDs (development only)")
		verifier = identity.DevVerifier{}
	}

	// Handlers. Interfaces stay nil when no archive is configured.
	var (
		history api.History
		pinger  api.Pinger
	)
	if repo != nil {
		history = repo
		pinger = repo
	}
	apiHandler := api.NewHandler(tracker, calls, history)
	healthHandler := api.NewHealthHandler(pinger, reg)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	r.Route("/api", func(r chi.Router) {
		// Public routes.
		healthHandler.RegisterHealth(r)

		r.Group(func(r chi.Router) {
			r.Use(identity.Middleware(verifier))
			apiHandler.RegisterRoutes(r)
		})
	})

	// WebSocket endpoint.
	r.With(identity.Middleware(verifier)).Get("/ws", wsHandler.ServeHTTP)

	// WebSocket connections are long-lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for shutdown signal.
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by Shutdown.
	sup.Shutdown("server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	calls.Close()

	if err := recorder.Close(); err != nil {
		slog.Error("Failed to close archive", "error", err)
	}

	slog.Info("Server stopped successfully")
	return nil
}
