package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ruralpay/wallet/internal/audit"
	"github.com/ruralpay/wallet/internal/config"
	"github.com/ruralpay/wallet/internal/database"
	"github.com/ruralpay/wallet/internal/events"
	"github.com/ruralpay/wallet/internal/gateway"
	"github.com/ruralpay/wallet/internal/handlers"
	"github.com/ruralpay/wallet/internal/metrics"
	mW "github.com/ruralpay/wallet/internal/middleware"
	"github.com/ruralpay/wallet/internal/services"
	"github.com/ruralpay/wallet/internal/worker"
)

// @title Wallet Ledger API
// @version 1.0
// @description Custodial wallets, transfers and gateway-funded deposits
// @BasePath /api/v1
// @schemes http https

func main() {
	configFile := flag.String("config", "", "path to a .env style config file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create zap logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.EncoderConfig.TimeKey = "timestamp"

	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zapConfig.Level = lvl
	return zapConfig.Build()
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	db, err := database.Open(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Error closing database connection", zap.Error(err))
		}
	}()

	if cfg.Database.MigrateOnStart {
		if err := database.Migrate(db, logger); err != nil {
			return err
		}
	}

	redisClient := database.OpenRedis(ctx, cfg.Redis, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	var publisher events.Publisher = events.Noop{}
	if cfg.Kafka.Enabled() {
		publisher = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger.Named("kafka"))
		logger.Info("Publishing wallet events to Kafka",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic))
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Error("Error closing event publisher", zap.Error(err))
		}
	}()

	paystack := gateway.NewPaystack(gateway.PaystackConfig{
		BaseURL:     cfg.Paystack.BaseURL,
		SecretKey:   cfg.Paystack.SecretKey,
		CallbackURL: cfg.Paystack.CallbackURL,
		Timeout:     cfg.Paystack.Timeout,
	}, logger.Named("paystack"))

	auditLogger := audit.NewLogger(logger)
	limiter := services.NewRateLimiter(redisClient, cfg.RateLimit.Requests, cfg.RateLimit.Window, logger.Named("ratelimit"))

	store := services.NewWalletStore(db, services.StoreConfig{
		LockTimeout:          cfg.Limits.LockTimeout,
		RoutingNumberRetries: cfg.Limits.RoutingNumberRetries,
	}, logger.Named("store"))
	transferService := services.NewTransferService(store, limiter, cfg.Limits.MinTransfer, publisher, auditLogger, logger.Named("transfer"))
	depositService := services.NewDepositService(store, paystack, limiter, publisher, auditLogger, cfg.Limits.MinDeposit, logger.Named("deposit"))

	walletHandler := handlers.NewWalletHandler(store, transferService, depositService, logger)
	paystackHandler := handlers.NewPaystackHandler(depositService, paystack, limiter, logger)
	authenticator := mW.NewAuthenticator(cfg.JWT.SecretKey, mW.NewPostgresAPIKeyStore(db), logger.Named("auth"))

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(mW.SecurityHeaders)
	r.Use(mW.RequestLogger(logger.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", mW.APIKeyHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status, code := "healthy", http.StatusOK
		if err := db.PingContext(r.Context()); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{"status": status})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Gateway endpoints authenticate by signature or by re-verification.
		r.Post("/paystack/webhook", paystackHandler.Webhook)
		r.Get("/paystack/callback", paystackHandler.Callback)

		r.Group(func(r chi.Router) {
			r.Use(authenticator.Middleware)

			r.Post("/wallet", walletHandler.CreateWallet)

			r.With(mW.RequirePermission(mW.PermissionRead)).Get("/wallet/balance", walletHandler.Balance)
			r.With(mW.RequirePermission(mW.PermissionRead)).Get("/wallet/transactions", walletHandler.Transactions)
			r.With(mW.RequirePermission(mW.PermissionRead)).Get("/wallet/deposit/{reference}/status", walletHandler.DepositStatus)
			r.With(mW.RequirePermission(mW.PermissionDeposit)).Post("/wallet/deposit", walletHandler.Deposit)
			r.With(mW.RequirePermission(mW.PermissionTransfer)).Post("/wallet/transfer", walletHandler.Transfer)
		})
	})

	sweeper := worker.NewSweeper(depositService, cfg.Sweeper.Interval, cfg.Sweeper.PendingTTL, logger)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("Server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("Server stopped")
	return nil
}
