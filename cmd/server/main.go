package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/tradepost/backend/docs"
	"github.com/tradepost/backend/internal/app"
	"github.com/tradepost/backend/internal/config"
	"github.com/tradepost/backend/internal/handlers"
	mW "github.com/tradepost/backend/internal/middleware"
	"github.com/tradepost/backend/internal/signing"
)

// @title Tradepost Settlement API
// @version 1.0
// @description Wholesale order settlement for merchant stores
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	config.Init()
	cfg := config.Load()

	docs.SwaggerInfo.Title = "Tradepost Settlement API"
	docs.SwaggerInfo.Description = "Wholesale order settlement for merchant stores"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:" + cfg.Server.Port
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Migrate(ctx); err != nil {
		logger.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}

	if cfg.JWT.SecretKey == "" {
		logger.Warn("JWT_SECRET_KEY not set, admin endpoints will reject every request")
	}

	go func() {
		if err := a.Events.Run(ctx, cfg.Delivery.SweepInterval); err != nil && ctx.Err() == nil {
			logger.Error("retry engine exited", "error", err)
		}
	}()

	storeVerifier := signing.NewVerifier(a.Secrets, signing.NewRedisNonceCache(a.Redis), cfg.Signing.FreshnessWindow, logger)
	webhookVerifier := signing.NewVerifier(
		signing.StaticSecrets{cfg.Billing.Provider: []byte(cfg.Billing.WebhookSecret)},
		signing.NewRedisNonceCache(a.Redis),
		cfg.Signing.FreshnessWindow,
		logger,
	)
	limiter := mW.NewRateLimiter(a.Redis, cfg.RateLimit.Requests, cfg.RateLimit.Window, logger)

	tenantAPI := handlers.NewTenantAPI(a.Orders, a.Settlement, a.Ledger, cfg.Settlement.DefaultCurrency, logger)
	adminAPI := handlers.NewAdminAPI(a.Tenants, a.Secrets, a.Ledger, a.Orders, a.Settlement, a.Events, logger)
	webhook := handlers.NewBillingWebhook(a.Events, cfg.Billing.Provider, logger)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type",
			signing.HeaderStoreID, signing.HeaderTimestamp, signing.HeaderNonce, signing.HeaderSignature,
		},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status, code := "healthy", http.StatusOK
		if err := a.DB.PingContext(r.Context()); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{"status": status})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mW.SignedRequest(storeVerifier, logger))
		r.Use(mW.ActiveStore(a.Tenants, logger))
		r.Use(limiter.Middleware)
		tenantAPI.Routes(r)
	})

	r.With(mW.SignedRequest(webhookVerifier, logger)).Post("/webhooks/billing", webhook.Handle)

	r.Route("/admin", func(r chi.Router) {
		r.Use(mW.OperatorAuth(cfg.JWT.SecretKey, cfg.JWT.Issuer, logger))
		adminAPI.Routes(r)
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		logger.Info("server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	logger.Info("server stopped")
}
