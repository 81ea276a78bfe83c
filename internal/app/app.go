// Package app wires repositories and services for the server and CLI.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/go-redis/redis/v8"
	"github.com/tradepost/backend/internal/billing"
	"github.com/tradepost/backend/internal/config"
	"github.com/tradepost/backend/internal/database"
	"github.com/tradepost/backend/internal/delivery"
	"github.com/tradepost/backend/internal/idempotency"
	"github.com/tradepost/backend/internal/ledger"
	"github.com/tradepost/backend/internal/orders"
	"github.com/tradepost/backend/internal/settlement"
	"github.com/tradepost/backend/internal/signing"
	"github.com/tradepost/backend/internal/tenants"
	"github.com/tradepost/backend/internal/vault"
)

type App struct {
	Config *config.Config
	Log    *slog.Logger
	DB     *sql.DB
	Redis  *redis.Client

	Ledger     *ledger.Service
	Registry   *idempotency.Registry
	Events     *delivery.Engine
	Callbacks  *delivery.Callbacks
	Orders     *orders.Service
	Secrets    *signing.SecretStore
	Tenants    *tenants.Service
	Billing    *billing.Client
	Settlement *settlement.Engine
}

// New opens postgres and redis and builds every service. The caller must
// call Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	db, err := database.Open(database.GetConfig())
	if err != nil {
		return nil, err
	}
	rdb, err := database.OpenRedis(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}

	a, err := Build(cfg, db, log)
	if err != nil {
		db.Close()
		rdb.Close()
		return nil, err
	}
	a.Redis = rdb
	return a, nil
}

// Build constructs the services over an open database handle.
func Build(cfg *config.Config, db *sql.DB, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}

	sealer, err := vault.New(vault.Config{MasterKey: cfg.Signing.MasterKey, Salt: cfg.Signing.Salt})
	if err != nil {
		return nil, fmt.Errorf("secret vault: %w", err)
	}

	a := &App{Config: cfg, Log: log, DB: db}

	a.Ledger = ledger.NewService(ledger.NewPostgresRepository(db),
		ledger.WithLogger(log),
		ledger.WithMaxAttempts(cfg.Ledger.MaxAttempts),
	)
	a.Registry = idempotency.NewRegistry(idempotency.NewPostgresRepository(db), idempotency.Config{
		Lease:        cfg.Idempotency.Lease,
		WaitTimeout:  cfg.Idempotency.WaitTimeout,
		PollInterval: cfg.Idempotency.PollInterval,
	}, log)
	a.Events = delivery.NewEngine(delivery.NewPostgresRepository(db), delivery.Config{
		Backoff: delivery.Backoff{
			Initial:    cfg.Delivery.InitialDelay,
			Multiplier: cfg.Delivery.Multiplier,
			Max:        cfg.Delivery.MaxDelay,
			Jitter:     0.1,
		},
		MaxAttempts: cfg.Delivery.MaxAttempts,
		StaleAfter:  cfg.Delivery.StaleAfter,
		BatchSize:   cfg.Delivery.BatchSize,
		Concurrency: cfg.Delivery.Concurrency,
	}, log)

	a.Secrets = signing.NewSecretStore(signing.NewPostgresSecretRepository(db), sealer, cfg.Signing.RotationGrace, log)
	a.Tenants = tenants.NewService(tenants.NewPostgresRepository(db), a.Ledger, a.Secrets, log)

	a.Orders = orders.NewService(orders.NewPostgresRepository(db), a.Registry, orders.Config{
		ShippingFeeMinor: cfg.Settlement.ShippingFeeMinor,
	}, log)
	a.Callbacks = delivery.NewCallbacks(a.Events, a.Tenants, a.Secrets, cfg.Delivery.CallbackTimeout, log)
	a.Orders.SetNotifier(a.Callbacks)

	a.Billing = billing.NewClient(billing.Config{
		Provider: cfg.Billing.Provider,
		BaseURL:  cfg.Billing.BaseURL,
		APIKey:   cfg.Billing.APIKey,
		Timeout:  cfg.Billing.Timeout,
	}, log)
	a.Settlement = settlement.NewEngine(a.Ledger, a.Orders, a.Billing, a.Registry, a.Events, log)

	a.registerHandlers()
	return a, nil
}

func (a *App) registerHandlers() {
	a.Events.Handle(delivery.EventTenantCallback, a.Callbacks.Deliver)
	a.Events.Handle(settlement.EventInvoiceCreate, a.Settlement.RetryInvoice)
	a.Events.Handle(settlement.EventPaymentSettled, a.Settlement.HandlePaymentEvent)
	a.Events.Handle(settlement.EventRefund, a.Settlement.RetryRefund)
	a.Events.Handle(settlement.EventReconcile, a.Settlement.RetryReconcile)
}

// Migrate applies pending schema migrations.
func (a *App) Migrate(ctx context.Context) error {
	return database.Migrate(ctx, a.DB)
}

func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Log.Warn("failed to close redis", "error", err)
		}
	}
	if err := a.DB.Close(); err != nil {
		a.Log.Warn("failed to close database", "error", err)
	}
}
