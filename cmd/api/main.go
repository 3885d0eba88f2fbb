package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/storefront-backend/api/controllers"
	"github.com/angelmondragon/storefront-backend/api/routes"
	"github.com/angelmondragon/storefront-backend/internal/cart"
	"github.com/angelmondragon/storefront-backend/internal/catalog"
	"github.com/angelmondragon/storefront-backend/internal/checkout"
	"github.com/angelmondragon/storefront-backend/internal/coupons"
	"github.com/angelmondragon/storefront-backend/internal/customers"
	"github.com/angelmondragon/storefront-backend/internal/notifications"
	"github.com/angelmondragon/storefront-backend/internal/orders"
	"github.com/angelmondragon/storefront-backend/internal/stock"
	stripewebhook "github.com/angelmondragon/storefront-backend/internal/webhooks/stripe"
	"github.com/angelmondragon/storefront-backend/pkg/config"
	"github.com/angelmondragon/storefront-backend/pkg/db"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/metrics"
	"github.com/angelmondragon/storefront-backend/pkg/migrate"
	"github.com/angelmondragon/storefront-backend/pkg/outbox"
	"github.com/angelmondragon/storefront-backend/pkg/redis"
	stripeclient "github.com/angelmondragon/storefront-backend/pkg/stripe"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Format:      cfg.App.LogFormat,
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		logg.Error(ctx, "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	stripeClient, err := stripeclient.NewClient(ctx, cfg.Stripe, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap stripe client", err)
		os.Exit(1)
	}

	params, err := buildRouterParams(cfg, logg, dbClient, redisClient, stripeClient)
	if err != nil {
		logg.Error(ctx, "failed to wire api", err)
		os.Exit(1)
	}

	server := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           routes.NewRouter(params),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(shutdownCtx, "api shutdown failed", err)
		}
	}()

	logg.Info(logg.WithFields(ctx, map[string]any{
		"addr":       server.Addr,
		"stripe_mode": string(stripeClient.Mode()),
	}), "starting api server")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logg.Error(ctx, "api server stopped", err)
		os.Exit(1)
	}
	logg.Info(context.Background(), "api server stopped")
}

func buildRouterParams(cfg *config.Config, logg *logger.Logger, dbClient *db.Client, redisClient *redis.Client, stripeClient *stripeclient.Client) (routes.Params, error) {
	gormDB := dbClient.DB()

	gateway, err := stripeclient.NewGateway(stripeClient)
	if err != nil {
		return routes.Params{}, err
	}

	snapshot := catalog.NewRepository(gormDB)
	couponRepo := coupons.NewRepository(gormDB)
	outboxSvc := outbox.NewService(outbox.NewRepository(gormDB), logg)
	ordersRepo := orders.NewRepository(gormDB)
	deadLetters := stripewebhook.NewDeadLetterRepository(gormDB)

	validator, err := cart.NewValidator(snapshot, cfg.Checkout.MaxCartLines)
	if err != nil {
		return routes.Params{}, err
	}
	resolver, err := coupons.NewResolver(couponRepo)
	if err != nil {
		return routes.Params{}, err
	}
	directory, err := customers.NewDirectory(customers.DirectoryParams{
		Store:   customers.NewRepository(gormDB),
		Cache:   redisClient,
		Gateway: gateway,
		TTL:     cfg.Checkout.CustomerCacheTTL,
		Logger:  logg,
	})
	if err != nil {
		return routes.Params{}, err
	}
	sessions, err := checkout.NewSessionFactory(checkout.SessionFactoryParams{
		Gateway:           gateway,
		BaseURL:           cfg.App.BaseURL,
		ShippingCountries: cfg.Stripe.ShippingCountries,
		Logger:            logg,
	})
	if err != nil {
		return routes.Params{}, err
	}
	checkoutSvc, err := checkout.NewService(checkout.ServiceParams{
		Validator:      validator,
		Coupons:        resolver,
		Customers:      directory,
		Sessions:       sessions,
		GatewayTimeout: cfg.Stripe.SessionTimeout,
		Logger:         logg,
	})
	if err != nil {
		return routes.Params{}, err
	}

	ordersSvc, err := orders.NewService(orders.ServiceParams{
		Repo:              ordersRepo,
		TransactionRunner: dbClient,
		Outbox:            outboxSvc,
	})
	if err != nil {
		return routes.Params{}, err
	}

	stockSvc, err := stock.NewService(stock.ServiceParams{DB: gormDB, TransactionRunner: dbClient})
	if err != nil {
		return routes.Params{}, err
	}
	dispatcher, err := notifications.NewDispatcher(notifications.DispatcherParams{
		TransactionRunner: dbClient,
		Outbox:            outboxSvc,
		Timeout:           cfg.Stripe.NotificationTimeout,
	})
	if err != nil {
		return routes.Params{}, err
	}
	reconciler, err := stripewebhook.NewReconciler(stripewebhook.ReconcilerParams{
		Orders:            ordersRepo,
		Catalog:           snapshot,
		LineItems:         gateway,
		Stock:             stockSvc,
		Coupons:           couponRepo,
		Outbox:            outboxSvc,
		Dispatcher:        dispatcher,
		DeadLetters:       deadLetters,
		TransactionRunner: dbClient,
		Metrics:           metrics.NewWebhookMetrics(prometheus.DefaultRegisterer),
		Currency:          stripeClient.Currency(),
		Logger:            logg,
	})
	if err != nil {
		return routes.Params{}, err
	}

	return routes.Params{
		Config:   cfg,
		Logger:   logg,
		Gatherer: prometheus.DefaultGatherer,
		Dependencies: []controllers.Dependency{
			{Name: "database", Ping: dbClient.Ping},
			{Name: "redis", Ping: redisClient.Ping},
		},
		Cache:         redisClient,
		Checkout:      checkoutSvc,
		Orders:        ordersSvc,
		Reconciler:    reconciler,
		DeadLetters:   deadLetters,
		Webhooks:      stripeClient.Webhooks(),
	}, nil
}
