// Package app собирает компоненты сервиса и управляет их жизненным циклом.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/travel-entitlements/config"
	"github.com/Dhoini/travel-entitlements/internal/api/rest"
	"github.com/Dhoini/travel-entitlements/internal/api/rest/middleware"
	"github.com/Dhoini/travel-entitlements/internal/db"
	"github.com/Dhoini/travel-entitlements/internal/kafka"
	"github.com/Dhoini/travel-entitlements/internal/metrics"
	"github.com/Dhoini/travel-entitlements/internal/notification"
	"github.com/Dhoini/travel-entitlements/internal/repository"
	"github.com/Dhoini/travel-entitlements/internal/service"
	"github.com/Dhoini/travel-entitlements/internal/sweeper"
	"github.com/Dhoini/travel-entitlements/internal/usage"
	"github.com/Dhoini/travel-entitlements/internal/webhook"
	"github.com/Dhoini/travel-entitlements/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const systemMetricsInterval = 15 * time.Second

// App представляет собой контейнер для всех компонентов приложения
type App struct {
	Config        *config.Config
	Logger        *logger.Logger
	Registry      *prometheus.Registry
	Store         repository.Store
	Webhooks      service.WebhookService
	Gate          service.AccessGate
	Subscriptions service.SubscriptionService
	Dispatcher    *notification.Dispatcher
	Sweeper       *sweeper.Sweeper
	SystemMetrics metrics.SystemMetrics
	Server        *rest.Server

	closers []func() error
}

// New создает и инициализирует приложение. При ошибке уже открытые
// соединения закрываются.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Logger: log, Registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	entitlementMetrics := metrics.NewEntitlementMetrics(a.Registry, log)
	a.SystemMetrics = metrics.NewSystemMetrics(a.Registry, log)

	if err := a.initStore(ctx); err != nil {
		return nil, err
	}

	// Кэш аккаунтов необязателен: без Redis чтение идёт напрямую из хранилища
	var (
		reader      repository.AccountReader = a.Store
		invalidator service.CacheInvalidator
	)
	if cfg.Redis.Addr != "" {
		client, err := repository.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		cache := repository.NewAccountCache(client, cfg.Redis.CacheTTL, log.Named("cache"))
		reader = repository.NewCachedAccountReader(a.Store, cache, log.Named("cache"))
		invalidator = cache
	}

	publisher, err := a.initPublisher(ctx)
	if err != nil {
		return nil, err
	}
	a.Dispatcher = notification.NewDispatcher(publisher, entitlementMetrics, cfg.Kafka.QueueSize, cfg.Kafka.Workers, log)

	verifiers, err := webhook.NewRegistry(cfg.Webhook.Providers)
	if err != nil {
		return nil, fmt.Errorf("webhook providers: %w", err)
	}
	log.Infow("Webhook providers configured", "providers", verifiers.Providers())

	a.Webhooks = service.NewWebhookService(verifiers, webhook.NewDecoder(), a.Store, invalidator, a.Dispatcher,
		entitlementMetrics, service.WebhookOptions{
			SubscriptionDays: cfg.Entitlement.SubscriptionDays,
			ReminderLeadDays: cfg.Entitlement.ReminderLeadDays,
		}, log, nil)
	a.Gate = service.NewAccessGate(a.Store, usage.NewCounter(usage.NewMemoryCounter(cfg.Entitlement.FreeTrialLimit)),
		invalidator, entitlementMetrics, log, nil)
	a.Subscriptions = service.NewSubscriptionService(a.Store, reader, invalidator, log.Named("subscriptions"), nil)

	var sweepInvalidator sweeper.Invalidator
	if invalidator != nil {
		sweepInvalidator = invalidator
	}
	a.Sweeper = sweeper.New(a.Store, sweepInvalidator, entitlementMetrics, log, nil)

	var validator middleware.TokenValidator
	if cfg.Auth.JWTSecret != "" {
		validator = &middleware.HMACTokenValidator{Secret: []byte(cfg.Auth.JWTSecret)}
	} else {
		log.Warnw("auth.jwt_secret is empty, all callers are treated as anonymous")
	}

	if cfg.Server.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := rest.SetupRouter(log, rest.RouterDeps{
		Webhooks:       a.Webhooks,
		Gate:           a.Gate,
		Subscriptions:  a.Subscriptions,
		Authenticator:  middleware.NewAuthenticator(validator, reader, log.Named("auth")),
		Registry:       a.Registry,
		HTTPMetrics:    metrics.NewHTTPMetrics(a.Registry),
		MaxBodyBytes:   cfg.Webhook.MaxBodyBytes,
		Storage:        cfg.Database.Driver,
		TrustedProxies: cfg.Server.TrustedProxies,
	})
	a.Server = rest.NewServer(router, cfg.Server, log)

	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	if a.Config.Database.Driver == config.DriverMemory {
		a.Logger.Warnw("Using in-memory storage, state is lost on restart")
		a.Store = repository.NewMemoryStore()
		return nil
	}

	client, err := db.Connect(ctx, a.Config.Database, a.Logger)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, client.Close)

	store := repository.NewPostgresStore(client.DB, a.Logger.Named("postgres"))
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	a.Store = store
	return nil
}

func (a *App) initPublisher(ctx context.Context) (notification.Publisher, error) {
	cfg := a.Config.Kafka
	if len(cfg.Brokers) == 0 {
		a.Logger.Warnw("Kafka brokers are not configured, notifications are only logged")
		return notification.NewLogPublisher(a.Logger), nil
	}

	if cfg.EnsureTopics {
		if err := kafka.EnsureTopics(ctx, cfg.Brokers, []string{cfg.NotificationTopic, cfg.ReminderTopic}, a.Logger); err != nil {
			a.Logger.Warnw("Failed to ensure Kafka topics", "error", err)
		}
	}

	syncProducer, err := kafka.NewSyncProducer(cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	producer := kafka.NewProducer(syncProducer, cfg.NotificationTopic, cfg.ReminderTopic, a.Logger)
	a.closers = append(a.closers, producer.Close)
	return producer, nil
}

// Run запускает HTTP сервер, воркеры уведомлений, sweeper и системные метрики.
// Очередь уведомлений останавливается только после сервера, чтобы запросы,
// обработанные во время shutdown, успели поставить свои сообщения.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	defer stopDispatch()

	g.Go(func() error {
		defer stopDispatch()
		return a.Server.Run(gctx)
	})
	g.Go(func() error {
		return a.Dispatcher.Run(dispatchCtx)
	})
	g.Go(func() error {
		a.SystemMetrics.Run(gctx, systemMetricsInterval)
		return nil
	})
	if schedule := a.Config.Entitlement.SweepSchedule; schedule != "" {
		g.Go(func() error {
			return a.Sweeper.Run(gctx, schedule)
		})
	}

	return g.Wait()
}

// Close освобождает внешние соединения в обратном порядке
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
