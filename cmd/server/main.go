package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stripe/stripe-go/v82"

	"github.com/arkwell/gatekeeper/internal/config"
	"github.com/arkwell/gatekeeper/internal/database"
	"github.com/arkwell/gatekeeper/internal/handler"
	"github.com/arkwell/gatekeeper/internal/logger"
	"github.com/arkwell/gatekeeper/internal/middleware"
	"github.com/arkwell/gatekeeper/internal/notify"
	"github.com/arkwell/gatekeeper/internal/repository"
	"github.com/arkwell/gatekeeper/internal/ritual"
	"github.com/arkwell/gatekeeper/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Environment,
		ServiceName: cfg.ServiceName,
		Version:     cfg.Version,
	})

	log.Info().
		Str("service", cfg.ServiceName).
		Str("version", cfg.Version).
		Str("environment", cfg.Environment).
		Msg("Starting Gatekeeper access engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		DSN:            cfg.DatabaseDSN,
		StorageTimeout: cfg.StorageTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	if cfg.MigrationsUp {
		if err := database.Migrate(ctx, db); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply migrations")
		}
		log.Info().Msg("Migrations applied")
	}

	// Initialize notification pipeline. No NATS URL means events are
	// dispatched to a no-op notifier.
	var notifier *notify.NATSNotifier
	if cfg.NATSURL != "" {
		nc, err := notify.Connect(cfg.NATSURL, cfg.ServiceName)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer nc.Close()
		notifier = notify.NewNATSNotifier(nc, log)
		log.Info().Str("url", cfg.NATSURL).Msg("NATS connection established")
	} else {
		notifier = notify.NewNATSNotifier(nil, log)
		log.Warn().Msg("NATS_URL not set, notifications disabled")
	}
	dispatcher := notify.NewDispatcher(notifier, log, 0)

	// Initialize repositories
	nodeRepo := repository.NewNodeRepository(db)
	accessRepo := repository.NewAccessRepository(db)
	voteRepo := repository.NewVoteRepository(db)

	// Initialize services
	accessService := service.NewAccessService(nodeRepo, accessRepo, voteRepo, dispatcher, log)
	ritualService := service.NewRitualService(nodeRepo, accessRepo, ritual.NewEngine(), log)

	stripe.Key = cfg.StripeSecretKey

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(accessService, ritualService, log)
	adminHandler := handler.NewAdminHandler(accessService, nodeRepo, log)
	paymentsHandler := handler.NewPaymentsHandler(accessService,
		cfg.StripeWebhookSecret, cfg.CheckoutSuccessURL, cfg.CheckoutCancelURL, log)

	mux := http.NewServeMux()

	mux.HandleFunc("/health", httpHandler.Health)

	mux.HandleFunc("/api/nodes/map", httpHandler.NodeMap)
	mux.HandleFunc("/api/access/status", httpHandler.AccessStatus)
	mux.HandleFunc("/api/access/request", httpHandler.RequestAccess)
	mux.HandleFunc("/api/ritual", httpHandler.Ritual)

	mux.HandleFunc("/admin/pending", adminHandler.Pending)
	mux.HandleFunc("/admin/vote", adminHandler.Vote)
	mux.HandleFunc("/admin/decide", adminHandler.Decide)
	mux.HandleFunc("/admin/revoke", adminHandler.Revoke)
	mux.HandleFunc("/admin/votes", adminHandler.Votes)
	mux.HandleFunc("/admin/nodes", adminHandler.Nodes)
	mux.HandleFunc("/admin/nodes/policy", adminHandler.UpdatePolicy)

	mux.HandleFunc("/payments/checkout", paymentsHandler.Checkout)
	mux.HandleFunc("/payments/webhook", paymentsHandler.Webhook)

	// Apply middleware
	var h http.Handler = mux
	h = middleware.RequestID(h)
	h = middleware.Logger(log)(h)
	h = middleware.Recovery(log)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(30 * time.Second)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.HTTPPort).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	// Drain queued notifications before dropping the NATS connection.
	dispatcher.Close()

	log.Info().Msg("Server stopped")
}
