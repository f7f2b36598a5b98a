package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/Genocs/genocs-library-template/internal/consumers/submitorder"
	"github.com/Genocs/genocs-library-template/internal/orders"
	"github.com/Genocs/genocs-library-template/pkg/broker"
	"github.com/Genocs/genocs-library-template/pkg/config"
	"github.com/Genocs/genocs-library-template/pkg/db"
	"github.com/Genocs/genocs-library-template/pkg/logger"
	"github.com/Genocs/genocs-library-template/pkg/metrics"
	"github.com/Genocs/genocs-library-template/pkg/migrate"
	"github.com/Genocs/genocs-library-template/pkg/outbox"
	"github.com/Genocs/genocs-library-template/pkg/outbox/idempotency"
	"github.com/Genocs/genocs-library-template/pkg/outbox/registry"
	"github.com/Genocs/genocs-library-template/pkg/redis"
)

const serviceName = "worker"

func main() {
	logg := logger.New(logger.Options{ServiceName: serviceName})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = serviceName

	logg = logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	transport, err := broker.Open(context.Background(), cfg, serviceName, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap broker", err)
		os.Exit(1)
	}
	defer func() {
		if err := transport.Close(); err != nil {
			logg.Error(context.Background(), "error closing broker", err)
		}
	}()

	orderService, err := orders.NewService(orders.NewRepository(dbClient.DB()), logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create order service", err)
		os.Exit(1)
	}
	submitConsumer, err := submitorder.NewConsumer(submitorder.Params{
		Tx:             dbClient,
		Processor:      orderService,
		Outbox:         outbox.NewService(outbox.NewRepository(dbClient.DB()), registry.NewEventRegistry(), logg),
		Logger:         logg,
		HandlerTimeout: cfg.Broker.HandlerTimeout,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create submit order consumer", err)
		os.Exit(1)
	}

	deliveryMetrics := metrics.NewDeliveryMetrics(prometheus.DefaultRegisterer)
	commands, err := NewCommandRouter(submitConsumer.Handle, registry.NewOrderDecoders(), logg, deliveryMetrics)
	if err != nil {
		logg.Error(context.Background(), "failed to build command router", err)
		os.Exit(1)
	}

	idempotencyManager, err := idempotency.NewManager(redisClient, cfg.Eventing.IdempotencyTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create idempotency manager", err)
		os.Exit(1)
	}
	subscribers, err := buildSubscribers(context.Background(), cfg, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to build event subscribers", err)
		os.Exit(1)
	}
	defer func() {
		if err := subscribers.Close(); err != nil {
			logg.Error(context.Background(), "error closing subscriber clients", err)
		}
	}()
	events, err := NewEventRoutes(subscribers.subscribers, idempotencyManager, logg, deliveryMetrics, cfg.Broker.HandlerTimeout)
	if err != nil {
		logg.Error(context.Background(), "failed to build event routes", err)
		os.Exit(1)
	}

	service, err := NewService(ServiceParams{
		Config:       cfg,
		Logger:       logg,
		DB:           dbClient,
		Redis:        redisClient,
		Broker:       transport,
		Commands:     commands,
		Events:       events,
		Dependencies: subscribers.dependencies,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create worker", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting worker")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return service.Run(groupCtx)
	})
	if cfg.Service.MetricsAddr != "" {
		group.Go(func() error {
			return metrics.Serve(groupCtx, metrics.NewServer(cfg.Service.MetricsAddr, prometheus.DefaultGatherer), logg)
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "worker shutting down gracefully")
}
