package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"go.uber.org/zap"

	httptransport "github.com/solsync-africa/dispatch/internal/api/http"
	"github.com/solsync-africa/dispatch/internal/api/http/handlers"
	"github.com/solsync-africa/dispatch/internal/auth"
	"github.com/solsync-africa/dispatch/internal/config"
	"github.com/solsync-africa/dispatch/internal/dispatch"
	"github.com/solsync-africa/dispatch/internal/domain"
	"github.com/solsync-africa/dispatch/internal/events"
	"github.com/solsync-africa/dispatch/internal/observability"
	"github.com/solsync-africa/dispatch/internal/persistence"
	"github.com/solsync-africa/dispatch/internal/repository"
	"github.com/solsync-africa/dispatch/internal/service"
	"github.com/solsync-africa/dispatch/internal/worker"
	"github.com/solsync-africa/dispatch/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()

	pool := pg.PoolHandle()
	if pool != nil && cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pool, migrations.FS, logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	redis := persistence.NewRedis(cfg.Redis, logger)
	defer redis.Close()

	dispatcher := events.NewInMemoryDispatcher()
	var publisher service.OncePublisher
	if cfg.Notification.PublishToRedis {
		publisher = redis
	}
	service.NewNotificationService(dispatcher, publisher, logger, cfg.Notification).RegisterHandlers()

	deps := dispatch.Dependencies{
		Notifier: events.NewTransitionNotifier(dispatcher),
		Metrics:  metrics,
		Logger:   logger,
	}
	var stored technicianCounter
	if pool != nil {
		repo := repository.NewDispatchRepository(pool)
		deps.Persistence = repo
		stored = repo.Technicians
	}
	knownTags := make([]domain.CapabilityTag, 0, len(cfg.Dispatch.KnownTags))
	for _, raw := range cfg.Dispatch.KnownTags {
		knownTags = append(knownTags, domain.NormalizeTag(raw))
	}
	controller := dispatch.NewController(deps, dispatch.Options{
		Capacity:    cfg.Dispatch.Capacity,
		KnownTags:   knownTags,
		FallbackTag: domain.NormalizeTag(cfg.Dispatch.FallbackTag),
	})

	if err := controller.Restore(ctx); err != nil {
		logger.Fatal("failed to restore dispatch state", zap.Error(err))
	}
	if cfg.Dispatch.SeedFile != "" {
		roster, err := config.LoadTechnicianSeed(cfg.Dispatch.SeedFile)
		if err != nil {
			logger.Fatal("failed to load technician seed", zap.String("path", cfg.Dispatch.SeedFile), zap.Error(err))
		}
		if _, err := seedTechnicians(ctx, controller, stored, roster, logger); err != nil {
			logger.Fatal("failed to seed technicians", zap.Error(err))
		}
	}

	sweeper := worker.NewSweepWorker(controller, cfg.Dispatch.SweepInterval(), logger)
	controller.Registry().OnCapacityFreed(sweeper.OnCapacityFreed)
	go sweeper.Run(ctx)

	healthDeps := map[string]handlers.Pinger{"redis": redis}
	if pool != nil {
		healthDeps["postgres"] = pg
	}
	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.AccessTokenTTLMinutes)

	app := fiber.New(fiber.Config{AppName: cfg.App.Name})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())
	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:         handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, healthDeps),
		Requests:       handlers.NewRequestsHandler(controller),
		Technicians:    handlers.NewTechniciansHandler(controller),
		Dispatch:       handlers.NewDispatchHandler(controller),
		Metrics:        adaptor.HTTPHandler(metrics.Handler()),
		AuthMiddleware: auth.NewAuthMiddleware(tokens),
	})

	go func() {
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	cancel()
	_ = app.Shutdown()
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
