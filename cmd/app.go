package cmd

import (
	"context"
	"database/sql"

	_ "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-billing/app/billing"
	"github.com/vibast-solutions/ms-go-billing/app/events"
	"github.com/vibast-solutions/ms-go-billing/app/executor"
	"github.com/vibast-solutions/ms-go-billing/app/provider"
	"github.com/vibast-solutions/ms-go-billing/app/repository"
	"github.com/vibast-solutions/ms-go-billing/app/service"
	"github.com/vibast-solutions/ms-go-billing/config"
)

type application struct {
	cfg         *config.Config
	checkout    *service.CheckoutService
	refunds     *service.RefundWorkflow
	webhooks    *service.WebhookService
	directPool  *executor.Pool
	webhookPool *executor.Pool
}

func mustCreateApplication() (*application, func()) {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if err := configureLogging(cfg); err != nil {
		logrus.WithError(err).Fatal("Failed to configure logging")
	}

	db, err := sql.Open("mysql", cfg.MySQL.DSN.Value())
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to database")
	}

	db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MySQL.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		logrus.WithError(err).Fatal("Failed to ping database")
	}

	stores := service.Stores{
		Tx:       repository.NewTxManager(db),
		Methods:  repository.NewPaymentMethodRepository(db),
		Attempts: repository.NewPaymentAttemptRepository(db),
		Refunds:  repository.NewRefundRequestRepository(db),
		Webhooks: repository.NewWebhookEventRepository(db),
		Audit:    repository.NewAttemptEventRepository(db),
	}

	calc, err := billing.NewCalculatorForZone(cfg.Billing.Timezone)
	if err != nil {
		_ = db.Close()
		logrus.WithError(err).WithField("timezone", cfg.Billing.Timezone).Fatal("Failed to load billing timezone")
	}

	if !cfg.Webhook.Secret.IsSet() {
		logrus.WithField("secret_env", cfg.Webhook.SecretEnv).Warn("Webhook secret is not set, every delivery will be rejected")
	}

	publisher, err := events.NewPublisher(cfg.Events)
	if err != nil {
		_ = db.Close()
		logrus.WithError(err).Fatal("Failed to initialize event publisher")
	}

	gateway := provider.NewGatewayClient(provider.GatewayConfig{
		BaseURL:         cfg.Gateway.ResolvedBaseURL(),
		APIKey:          cfg.Gateway.APIKey.Value(),
		ConnectTimeout:  cfg.Gateway.ConnectTimeout,
		ResponseTimeout: cfg.Gateway.ResponseTimeout,
	})
	verifier := provider.NewWebhookVerifier(cfg.Webhook.Secret.Value(), cfg.Webhook.ReplayWindow)

	directPool := executor.NewPool("direct-confirm", cfg.Executors.DirectWorkers, cfg.Executors.DirectQueue)
	webhookPool := executor.NewPool("webhook-ingest", cfg.Executors.WebhookWorkers, cfg.Executors.WebhookQueue)

	reconciler := service.NewReconciler(stores, calc, provider.DefaultExtractor(), publisher, service.ReconcilerConfig{
		AdminConsoleURL:   cfg.Gateway.AdminConsoleURL,
		PrepaidTermMonths: cfg.Billing.PrepaidTermMonths,
	})
	refunds := service.NewRefundWorkflow(stores, reconciler, gateway, publisher)
	checkout := service.NewCheckoutService(stores, reconciler, gateway, directPool, publisher, service.CheckoutConfig{
		ImmediateEnabled:    cfg.Billing.ImmediateEnabled,
		DefaultCurrency:     cfg.Billing.DefaultCurrency,
		DirectWait:          cfg.Executors.DirectWait,
		ReconcileStaleAfter: cfg.Jobs.ReconcileStaleAfter,
		BatchSize:           cfg.Jobs.BatchSize,
	})
	webhooks := service.NewWebhookService(stores, verifier, reconciler, refunds, webhookPool, service.WebhookConfig{
		ReplayMinAge:      cfg.Jobs.ReplayMinAge,
		ReplayMaxAttempts: cfg.Jobs.ReplayMaxAttempts,
		BatchSize:         cfg.Jobs.BatchSize,
	})

	logrus.WithFields(logrus.Fields{
		"immediate_enabled": cfg.Billing.ImmediateEnabled,
		"gateway_base_url":  cfg.Gateway.ResolvedBaseURL(),
		"events_backend":    cfg.Events.Backend,
		"timezone":          cfg.Billing.Timezone,
	}).Info("Billing service configured")

	app := &application{
		cfg:         cfg,
		checkout:    checkout,
		refunds:     refunds,
		webhooks:    webhooks,
		directPool:  directPool,
		webhookPool: webhookPool,
	}

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Executors.ShutdownTimeout)
		defer cancel()
		for _, pool := range []*executor.Pool{directPool, webhookPool} {
			if err := pool.Shutdown(ctx); err != nil {
				logrus.WithError(err).WithField("pool", pool.Name()).Warn("Executor did not drain before shutdown timeout")
			}
		}
		if err := publisher.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close event publisher")
		}
		if err := db.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close database")
		}
	}

	return app, cleanup
}
