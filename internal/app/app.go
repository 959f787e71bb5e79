package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-multierror"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	grpcapi "github.com/Dhoini/checkout-engine/internal/api/grpc"
	"github.com/Dhoini/checkout-engine/internal/api/rest"
	"github.com/Dhoini/checkout-engine/internal/api/rest/handlers"
	"github.com/Dhoini/checkout-engine/internal/api/rest/middleware"
	"github.com/Dhoini/checkout-engine/internal/config"
	"github.com/Dhoini/checkout-engine/internal/domain"
	"github.com/Dhoini/checkout-engine/internal/gateway"
	"github.com/Dhoini/checkout-engine/internal/gateway/asaas"
	"github.com/Dhoini/checkout-engine/internal/idempotency"
	"github.com/Dhoini/checkout-engine/internal/kafka"
	"github.com/Dhoini/checkout-engine/internal/metrics"
	"github.com/Dhoini/checkout-engine/internal/outbox"
	"github.com/Dhoini/checkout-engine/internal/rabbitmq"
	"github.com/Dhoini/checkout-engine/internal/reconcile"
	"github.com/Dhoini/checkout-engine/internal/repository"
	"github.com/Dhoini/checkout-engine/internal/repository/postgres"
	"github.com/Dhoini/checkout-engine/internal/scheduler"
	"github.com/Dhoini/checkout-engine/internal/service"
	"github.com/Dhoini/checkout-engine/internal/subscription"
	"github.com/Dhoini/checkout-engine/migrations"
	"github.com/Dhoini/checkout-engine/pkg/logger"
)

// App представляет собой контейнер для всех компонентов приложения
type App struct {
	cfg *config.Config
	log *logger.Logger

	registry      *prometheus.Registry
	systemMetrics *metrics.SystemMetrics

	pool  *pgxpool.Pool
	redis *redis.Client

	poller    *reconcile.Poller
	intake    *reconcile.WebhookIntake
	outbox    *outbox.Worker
	publisher outbox.Publisher
	scheduler *scheduler.Scheduler

	httpServer *rest.Server
	grpcServer *grpcapi.Server
}

// New собирает приложение по конфигурации. При ошибке уже открытые
// соединения закрываются.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log}
	if err := a.build(ctx); err != nil {
		if cerr := a.Close(); cerr != nil {
			log.Errorw("Failed to release resources after startup error", "error", cerr)
		}
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg, log := a.cfg, a.log

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	paymentMetrics := metrics.NewPaymentMetrics(a.registry, log)
	a.systemMetrics = metrics.NewSystemMetrics(a.registry, log)

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}

	plans, err := a.openPlans(ctx)
	if err != nil {
		return err
	}

	idem, err := a.openIdempotency(ctx)
	if err != nil {
		return err
	}

	asaasClient := asaas.NewClient(cfg.AsaasConfig(), log.Named("asaas"))
	gw := gateway.WithRetry(asaasClient, cfg.RetryPolicy(), log.Named("gateway"), paymentMetrics)

	machine := subscription.NewMachine(outbox.NewDispatcher(), paymentMetrics, log.Named("subscription"))
	transitioner := subscription.NewTransitioner(store, plans, machine, log.Named("subscription"))
	reducer := reconcile.NewReducer(store, plans, machine, cfg.ReducerOptions(), paymentMetrics, log.Named("reconcile"))

	a.poller = reconcile.NewPoller(reducer, gw, store, cfg.PollerOptions(), log.Named("poller"))
	prober := reconcile.NewProber(reducer, gw, store, cfg.PollerOptions(), log.Named("prober"))
	a.intake = reconcile.NewWebhookIntake(reducer, cfg.IntakeOptions(), log.Named("intake"))

	checkoutOpts := service.CheckoutOptions{
		WaitTimeout: cfg.Idempotency.WaitTimeout,
		Location:    cfg.Location(),
		Poll:        cfg.PollerOptions(),
	}
	checkout := service.NewCheckoutService(store, plans, gw, idem, reducer, a.poller, prober, checkoutOpts, paymentMetrics, log.Named("checkout"))
	admin := service.NewAdminService(store, transitioner, log.Named("admin"))

	publisher, err := a.openPublisher(ctx)
	if err != nil {
		return err
	}
	a.publisher = publisher
	a.outbox = outbox.NewWorker(store, a.publisher, cfg.WorkerOptions(), paymentMetrics, log.Named("outbox"))

	if cfg.Scheduler.Enabled {
		sweeper := scheduler.NewSweeper(store, transitioner, cfg.SweeperOptions(), paymentMetrics, log.Named("sweeper"))
		a.scheduler = scheduler.NewScheduler(sweeper, cfg.Schedules(), log.Named("scheduler"))
	}

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	validator := &middleware.DefaultTokenValidator{Secret: []byte(cfg.Auth.JWTSecret), Issuer: cfg.Auth.Issuer}
	router := rest.SetupRouter(rest.Dependencies{
		Checkout: checkout,
		Admin:    admin,
		Webhooks: handlers.NewWebhookHandler(asaasClient, a.intake, paymentMetrics, cfg.HTTP.WebhookMaxBytes, log.Named("webhook")),
		Auth:     middleware.NewJWTMiddleware(validator, log.Named("auth")),
		Gatherer: a.registry,
		Checks:   a.readinessChecks(),
	}, log.Named("http"))

	a.httpServer = rest.NewServer(router, cfg.HTTP, log)
	a.grpcServer = grpcapi.NewServer(cfg.GRPC.Port, log.Named("grpc"))
	return nil
}

// Run запускает фоновые компоненты и серверы и блокируется до отмены ctx
// или падения одного из серверов; затем выполняет graceful shutdown.
func (a *App) Run(ctx context.Context) error {
	if err := a.poller.Resume(ctx); err != nil {
		return fmt.Errorf("failed to resume polling: %w", err)
	}
	a.intake.Start()
	a.outbox.Start(ctx)
	if a.scheduler != nil {
		if err := a.scheduler.Start(); err != nil {
			return err
		}
	}
	a.systemMetrics.StartRecording(a.cfg.Metrics.SystemInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(a.httpServer.Start)
	g.Go(a.grpcServer.Start)
	a.grpcServer.SetServing(true)

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return a.shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.log.Info("Server stopped gracefully")
	return nil
}

// shutdown останавливает компоненты в обратном порядке: сначала прием запросов,
// затем фоновые воркеры, затем соединения.
func (a *App) shutdown(ctx context.Context) error {
	var result *multierror.Error

	a.grpcServer.SetServing(false)
	if err := a.httpServer.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("http shutdown: %w", err))
	}
	a.grpcServer.Stop(ctx)

	if a.scheduler != nil {
		select {
		case <-a.scheduler.Stop().Done():
		case <-ctx.Done():
			result = multierror.Append(result, errors.New("scheduler jobs did not finish in time"))
		}
	}
	a.intake.Stop()
	a.poller.Stop()
	a.outbox.Stop()
	a.systemMetrics.Stop()

	if err := a.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Close закрывает внешние соединения
func (a *App) Close() error {
	var result *multierror.Error
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("outbox publisher: %w", err))
		}
		a.publisher = nil
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("redis: %w", err))
		}
		a.redis = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	return result.ErrorOrNil()
}

func (a *App) openStore(ctx context.Context) (repository.Store, error) {
	if a.cfg.Storage.Driver == "memory" {
		a.log.Warn("Using in-memory storage: state is lost on restart")
		return repository.NewInMemoryStore(), nil
	}

	if a.cfg.Database.AutoMigrate {
		if err := migrations.Up(a.cfg.Database.DSN); err != nil {
			return nil, err
		}
		a.log.Info("Database migrations applied")
	}

	pool, err := postgres.NewConnection(ctx, a.cfg.Database.DSN, a.cfg.PoolOptions(), a.log.Named("postgres"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.pool = pool
	return postgres.NewStore(pool, a.log.Named("store")), nil
}

func (a *App) openPlans(ctx context.Context) (repository.PlanReader, error) {
	var (
		plans  repository.PlanReader
		seeded []domain.Plan
	)
	switch a.cfg.Plans.Source {
	case "postgres":
		repo := postgres.NewPlanRepository(a.pool, a.log.Named("plans"))
		if a.cfg.Plans.Seed {
			catalog, err := repository.LoadPlanCatalog(a.cfg.Plans.File)
			if err != nil {
				return nil, fmt.Errorf("failed to load plan catalog for seeding: %w", err)
			}
			if seeded, err = catalog.ListPlans(ctx); err != nil {
				return nil, err
			}
			if err := repo.UpsertPlans(ctx, seeded); err != nil {
				return nil, err
			}
		}
		plans = repo
	default:
		catalog, err := repository.LoadPlanCatalog(a.cfg.Plans.File)
		if err != nil {
			return nil, fmt.Errorf("failed to load plan catalog: %w", err)
		}
		plans = catalog
	}

	if a.cfg.Plans.CacheTTL <= 0 || a.cfg.Redis.Addr == "" {
		return plans, nil
	}
	client, err := a.redisClient(ctx)
	if err != nil {
		return nil, err
	}
	cache := repository.NewRedisPlanCache(client, a.cfg.Plans.CacheTTL, a.log.Named("plan-cache"))
	// кэш другого узла мог остаться со старыми ценами
	for _, p := range seeded {
		if err := cache.Invalidate(ctx, p.ID); err != nil {
			return nil, err
		}
	}
	return repository.NewCachedPlanReader(plans, cache, a.log.Named("plans")), nil
}

func (a *App) openIdempotency(ctx context.Context) (idempotency.Store, error) {
	if a.cfg.Idempotency.Driver == "memory" {
		return idempotency.NewMemoryStore(a.cfg.IdempotencyOptions()), nil
	}
	client, err := a.redisClient(ctx)
	if err != nil {
		return nil, err
	}
	return idempotency.NewRedisStore(client, a.cfg.Idempotency.Prefix, a.cfg.IdempotencyOptions(), a.log.Named("idempotency")), nil
}

func (a *App) redisClient(ctx context.Context) (*redis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	client, err := repository.NewRedisClient(ctx, a.cfg.Redis.Addr, a.cfg.Redis.Password, a.cfg.Redis.DB, a.log.Named("redis"))
	if err != nil {
		return nil, err
	}
	a.redis = client
	return client, nil
}

func (a *App) openPublisher(ctx context.Context) (outbox.Publisher, error) {
	if a.cfg.Outbox.Driver == "rabbitmq" {
		pub, err := rabbitmq.NewPublisher(a.cfg.RabbitMQ.URL, a.cfg.RabbitMQ.Exchange, a.log.Named("rabbitmq"))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
		}
		return pub, nil
	}

	kcfg := a.cfg.KafkaConfig()
	if err := a.ensureTopics(ctx, kcfg); err != nil {
		return nil, err
	}
	if a.cfg.Outbox.Driver == "kafka-go" {
		pub, err := kafka.NewWriterPublisher(kcfg, a.log.Named("kafka"))
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka writer: %w", err)
		}
		return pub, nil
	}
	pub, err := kafka.NewSaramaPublisher(kcfg, a.log.Named("kafka"))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return pub, nil
}

func (a *App) ensureTopics(ctx context.Context, kcfg *kafka.Config) error {
	if !a.cfg.Kafka.EnsureTopics {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return kafka.EnsureTopics(ctx, kcfg, a.log.Named("kafka"))
}

func (a *App) readinessChecks() map[string]handlers.Checker {
	checks := make(map[string]handlers.Checker)
	if a.pool != nil {
		checks["postgres"] = a.pool.Ping
	}
	if a.redis != nil {
		client := a.redis
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}
	return checks
}
