package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/vibast-solutions/ms-go-billing/config"
)

var (
	workerMode bool
)

var webhooksCmd = &cobra.Command{
	Use:   "webhooks",
	Short: "Run gateway webhook related commands",
}

var webhooksReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Reprocess stored webhook deliveries left in RECEIVED",
	Run: func(_ *cobra.Command, _ []string) {
		runCommand(
			"webhooks_replay",
			func(cfg *config.Config) time.Duration { return cfg.Jobs.WebhookReplayInterval },
			func(app *application, ctx context.Context) error {
				return app.webhooks.RunReplayBatch(ctx)
			},
		)
	},
}

var subscriptionsCmd = &cobra.Command{
	Use:   "subscriptions",
	Short: "Run subscription lifecycle commands",
}

var subscriptionsRolloverCmd = &cobra.Command{
	Use:   "rollover",
	Short: "Cancel subscriptions whose scheduled cancellation is due",
	Run: func(_ *cobra.Command, _ []string) {
		runCommand(
			"subscriptions_rollover",
			func(cfg *config.Config) time.Duration { return cfg.Jobs.RolloverInterval },
			func(app *application, ctx context.Context) error {
				return app.checkout.RunRolloverBatch(ctx)
			},
		)
	},
}

var attemptsCmd = &cobra.Command{
	Use:   "attempts",
	Short: "Run payment attempt commands",
}

var attemptsReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Ask the gateway about attempts stuck in PENDING",
	Run: func(_ *cobra.Command, _ []string) {
		runCommand(
			"attempts_reconcile",
			func(cfg *config.Config) time.Duration { return cfg.Jobs.ReconcileInterval },
			func(app *application, ctx context.Context) error {
				return app.checkout.RunReconcileBatch(ctx)
			},
		)
	},
}

func init() {
	rootCmd.AddCommand(webhooksCmd)
	rootCmd.AddCommand(subscriptionsCmd)
	rootCmd.AddCommand(attemptsCmd)
	webhooksCmd.AddCommand(webhooksReplayCmd)
	subscriptionsCmd.AddCommand(subscriptionsRolloverCmd)
	attemptsCmd.AddCommand(attemptsReconcileCmd)

	rootCmd.PersistentFlags().BoolVar(&workerMode, "worker", false, "Run continuously using configured interval")
}

func runCommand(
	name string,
	intervalResolver func(cfg *config.Config) time.Duration,
	fn func(app *application, ctx context.Context) error,
) {
	app, cleanup := mustCreateApplication()
	defer cleanup()

	if workerMode {
		runWorker(name, intervalResolver(app.cfg), app, fn)
		return
	}

	ctx := context.Background()
	runJob(name, func() error { return fn(app, ctx) })
}

func runWorker(
	name string,
	interval time.Duration,
	app *application,
	fn func(app *application, ctx context.Context) error,
) {
	if interval <= 0 {
		logrus.WithField("job", name).Fatal("invalid worker interval")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runJob(name, func() error { return fn(app, ctx) })

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case <-quit:
			logrus.WithField("job", name).Info("Worker shutdown requested")
			return
		case <-ticker.C:
			runJob(name, func() error { return fn(app, ctx) })
		}
	}
}

func runJob(name string, fn func() error) {
	start := time.Now()
	err := fn()
	latency := time.Since(start)
	if err != nil {
		logrus.WithError(err).WithField("job", name).WithField("latency", latency.String()).Error("job_failed")
		return
	}
	logrus.WithField("job", name).WithField("latency", latency.String()).Info("job_completed")
}
