package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	billingapi "hostelpay/internal/billing/api"
	entitlementapi "hostelpay/internal/entitlement/api"
	escrowapi "hostelpay/internal/escrow/api"
	paymentapi "hostelpay/internal/payment/api"
	walletapi "hostelpay/internal/wallet/api"

	"hostelpay/internal/billing"
	"hostelpay/internal/billing/scheduler"
	"hostelpay/internal/common/database"
	"hostelpay/internal/common/middleware"
	natsclient "hostelpay/internal/common/nats"
	"hostelpay/internal/entitlement"
	"hostelpay/internal/escrow"
	"hostelpay/internal/gateway/daraja"
	"hostelpay/internal/notify"
	"hostelpay/internal/payment"
	"hostelpay/internal/wallet"
	"hostelpay/migrations"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"PORT" default:"8080"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	Database  database.Config
	NATS      natsclient.Config
	Daraja    daraja.Config
	Notify    notify.Config
	Escrow    escrow.Config
	Scheduler scheduler.Config
}

func main() {
	// .env fills in anything the environment does not already set.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := database.Migrate(cfg.Database.URL, migrations.Files, logger); err != nil {
		logger.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}

	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	nc, err := natsclient.New(ctx, cfg.NATS, logger)
	if err != nil {
		logger.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	if _, err := nc.EnsureStream(ctx, natsclient.DefaultStreamConfig("HOSTELPAY", []string{"events.>"})); err != nil {
		logger.Error("failed to ensure event stream", "error", err)
		os.Exit(1)
	}
	publisher := natsclient.NewPublisher(nc, logger)

	notifier := notify.NewService(cfg.Notify, logger)
	gateway := daraja.NewClient(cfg.Daraja, logger)

	// Registration is best-effort: a sandbox that rejects it should not keep
	// the service from starting.
	if cfg.Daraja.C2BConfirmationURL != "" {
		if err := gateway.RegisterC2BURLs(ctx, cfg.Daraja.C2BConfirmationURL, cfg.Daraja.C2BValidationURL); err != nil {
			logger.Warn("failed to register C2B URLs", "error", err)
		}
	}

	// Stores
	paymentStore := payment.NewStore(db)
	walletStore := wallet.NewStore(db)
	escrowStore := escrow.NewStore(db, walletStore)
	entitlementStore := entitlement.NewStore(db)
	billingStore := billing.NewStore(db)

	// Services
	paymentService := payment.NewService(paymentStore, gateway, publisher, logger)
	walletService := wallet.NewService(walletStore, publisher, logger)
	escrowService := escrow.NewService(escrowStore, paymentService, publisher, notifier, cfg.Escrow, logger)
	entitlementService := entitlement.NewService(entitlementStore, paymentService, publisher, notifier, logger)
	billingService := billing.NewService(billingStore, paymentService, publisher, notifier, logger)

	// Completed payments fan out to the purpose that initiated them.
	paymentService.RegisterActivator(payment.PurposeInvoice, billingService)
	paymentService.RegisterActivator(payment.PurposeServiceBooking, escrowService)
	paymentService.RegisterActivator(payment.PurposeSubscription, entitlementService)
	paymentService.RegisterActivator(payment.PurposeSmsBundle, entitlementService)
	paymentService.RegisterActivator(payment.PurposeVisibilityBoost, entitlementService)

	sched := scheduler.New(cfg.Scheduler, billingService, paymentService, entitlementService, logger)
	go sched.Start(ctx)

	// Handlers
	paymentHandler := paymentapi.NewHandler(paymentService, logger)
	escrowHandler := escrowapi.NewHandler(escrowService)
	entitlementHandler := entitlementapi.NewHandler(entitlementService)
	billingHandler := billingapi.NewHandler(billingService)
	walletHandler := walletapi.NewHandler(walletService)

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	// Gateway callbacks arrive unauthenticated and are always acked 2xx.
	r.Route("/callbacks", func(r chi.Router) {
		r.Mount("/", paymentHandler.CallbackRoutes())
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.ActorExtractor)

		r.Mount("/payments", paymentHandler.Routes())
		r.Mount("/bookings", escrowHandler.Routes())
		r.Mount("/entitlements", entitlementHandler.Routes())
		r.Mount("/billing", billingHandler.Routes())
		r.Mount("/wallet", walletHandler.Routes())
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting hostelpay service",
			"port", cfg.Port,
			"environment", cfg.Environment,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
