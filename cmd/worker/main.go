package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/storefront-backend/internal/analytics"
	"github.com/angelmondragon/storefront-backend/internal/analytics/worker"
	"github.com/angelmondragon/storefront-backend/internal/analytics/writer"
	"github.com/angelmondragon/storefront-backend/internal/catalog"
	"github.com/angelmondragon/storefront-backend/internal/notifications"
	"github.com/angelmondragon/storefront-backend/internal/orders"
	"github.com/angelmondragon/storefront-backend/pkg/bigquery"
	"github.com/angelmondragon/storefront-backend/pkg/config"
	"github.com/angelmondragon/storefront-backend/pkg/db"
	"github.com/angelmondragon/storefront-backend/pkg/instance"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/metrics"
	"github.com/angelmondragon/storefront-backend/pkg/outbox/idempotency"
	"github.com/angelmondragon/storefront-backend/pkg/pubsub"
	"github.com/angelmondragon/storefront-backend/pkg/redis"
)

func main() {
	ctx := context.Background()
	logg := logger.New(logger.Options{ServiceName: "worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(ctx, ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	requireResource(ctx, logg, "config", err)
	cfg.Service.Kind = "worker"

	logg = logger.New(logger.Options{
		ServiceName: "worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Format:      cfg.App.LogFormat,
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	requireResource(ctx, logg, "database", err)
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(ctx, "error closing database", err)
		}
	}()

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	requireResource(ctx, logg, "redis", err)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(ctx, "error closing redis", err)
		}
	}()

	pubsubClient, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
	requireResource(ctx, logg, "pubsub", err)
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logg.Error(ctx, "error closing pubsub client", err)
		}
	}()

	bqClient, err := bigquery.NewClient(ctx, cfg.GCP, cfg.BigQuery, logg)
	requireResource(ctx, logg, "bigquery", err)
	defer func() {
		if err := bqClient.Close(); err != nil {
			logg.Error(ctx, "error closing bigquery client", err)
		}
	}()

	guard, err := idempotency.NewGuard(redisClient, cfg.Eventing.OutboxIdempotencyTTL)
	requireResource(ctx, logg, "idempotency guard", err)

	var sender notifications.Sender = notifications.NewLogSender(logg)
	if cfg.SMTP.Enabled() {
		smtpSender, err := notifications.NewSMTPSender(cfg.SMTP)
		requireResource(ctx, logg, "smtp sender", err)
		sender = smtpSender
	} else {
		logg.Warn(ctx, "smtp not configured; confirmation emails are logged only")
	}

	notificationConsumer, err := notifications.NewConsumer(notifications.ConsumerParams{
		Orders:       orders.NewRepository(dbClient.DB()),
		Catalog:      catalog.NewRepository(dbClient.DB()),
		Sender:       sender,
		Subscription: pubsubClient.NotificationSubscription(),
		Idempotency:  guard,
		Logger:       logg,
	})
	requireResource(ctx, logg, "notification consumer", err)

	factsWriter, err := writer.New(bqClient, writer.Config{OrderFactsTable: cfg.BigQuery.OrderFactsTable})
	requireResource(ctx, logg, "order facts writer", err)
	factHandler, err := analytics.NewOrderFactHandler(factsWriter, logg)
	requireResource(ctx, logg, "order facts handler", err)
	analyticsWorker, err := worker.NewConsumer(worker.ConsumerParams{
		Subscription: pubsubClient.AnalyticsSubscription(),
		Handler:      factHandler,
		Idempotency:  guard,
		Logger:       logg,
	})
	requireResource(ctx, logg, "order facts consumer", err)

	service, err := NewService(ServiceParams{
		Logger:               logg,
		NotificationConsumer: notificationConsumer,
		AnalyticsWorker:      analyticsWorker,
		Dependencies: []dependency{
			{name: "database", ping: dbClient.Ping},
			{name: "redis", ping: redisClient.Ping},
			{name: "pubsub", ping: pubsubClient.Ping},
			{name: "bigquery", ping: bqClient.Ping},
		},
	})
	requireResource(ctx, logg, "worker service", err)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx = logg.WithFields(runCtx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"worker_id":   instance.GetID(),
	})
	logg.Info(runCtx, "starting worker")
	metrics.Serve(runCtx, cfg.App.MetricsAddr, prometheus.DefaultGatherer, logg)

	err = service.Run(runCtx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(runCtx, "worker stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(runCtx, "worker shutting down gracefully")
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
