package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	r "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/runengine/internal/billing"
	"github.com/SirClappington/runengine/internal/cache"
	"github.com/SirClappington/runengine/internal/config"
	"github.com/SirClappington/runengine/internal/engine"
	"github.com/SirClappington/runengine/internal/metrics"
	"github.com/SirClappington/runengine/internal/queue"
	"github.com/SirClappington/runengine/internal/runqueue"
	"github.com/SirClappington/runengine/internal/storage"
	"github.com/SirClappington/runengine/internal/workerqueue"
)

const (
	overridesRefresh = 30 * time.Second
	reconcileBatch   = 500
	planCacheSize    = 1024
)

// App holds the process-wide dependencies shared by the binaries.
type App struct {
	Config    config.Config
	Logger    *zap.Logger
	Redis     *r.Client
	DB        *pgxpool.Pool
	Store     storage.Store
	RunQueue  *runqueue.RunQueue
	Jobs      *queue.RedisQ
	Worker    *queue.Worker
	Overrides *workerqueue.Store
	Resolver  *workerqueue.Resolver
	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
	Engine    *engine.Engine
}

// New connects to Redis and the system of record and builds the engine.
// With background set the engine's job handlers are registered on Worker so
// Background can run them.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, background bool) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	a.Redis = r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}

	if cfg.Development() {
		logger.Warn("using the in-memory store; state is lost on restart")
		a.Store = storage.NewMemStore()
	} else {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres: %w", err)
		}
		if cfg.MigrateOnStart {
			if err := storage.Migrate(ctx, pool, logger); err != nil {
				pool.Close()
				return nil, err
			}
		}
		a.DB = pool
		a.Store = storage.NewPGStore(pool)
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	a.RunQueue = runqueue.New(a.Redis, runqueue.Options{
		KeyPrefix:             cfg.RedisPrefix,
		ShardCount:            cfg.MasterQueueShards,
		DefaultEnvConcurrency: cfg.DefaultEnvConcurrency,
	}, logger)
	a.Jobs = queue.New(a.Redis, cfg.RedisPrefix)

	a.Overrides = workerqueue.NewStore(a.Redis, cfg.RedisPrefix)
	if cfg.WorkerQueueOverrides != "" {
		if err := a.Overrides.Save(ctx, []byte(cfg.WorkerQueueOverrides)); err != nil {
			return nil, fmt.Errorf("WORKER_QUEUE_OVERRIDES: %w", err)
		}
	}
	a.Resolver = workerqueue.NewResolver(cfg.DefaultWorkerQueue, nil, a.Overrides, logger)
	a.Resolver.Refresh(ctx)

	plans, err := a.billing()
	if err != nil {
		return nil, err
	}

	if background {
		a.Worker = queue.NewWorker(a.Jobs, queue.WorkerOptions{
			Poll:        cfg.JobsPollInterval,
			Concurrency: cfg.JobsConcurrency,
		}, logger)
	}
	a.Engine = engine.New(engine.Options{
		Store:              a.Store,
		RunQueue:           a.RunQueue,
		Jobs:               a.Jobs,
		Worker:             a.Worker,
		Resolver:           a.Resolver,
		Billing:            plans,
		Metrics:            a.Metrics,
		Logger:             logger,
		DefaultWorkerQueue: cfg.DefaultWorkerQueue,
		HeartbeatTimeout:   cfg.HeartbeatTimeout,
		BatchDebounce:      cfg.BatchDebounce,
	})
	return a, nil
}

func (a *App) billing() (*billing.Cache, error) {
	if a.Config.BillingURL == "" {
		return nil, nil
	}
	mem, err := cache.NewMemoryStore[*billing.Plan](planCacheSize)
	if err != nil {
		return nil, err
	}
	plans := cache.New[*billing.Plan](cache.Options{
		Fresh: a.Config.BillingFreshTTL,
		Stale: a.Config.BillingStaleTTL,
	}, a.Logger.Named("cache"), mem, cache.NewRedisStore[*billing.Plan](a.Redis, a.Config.RedisPrefix+"plans:"))
	backend := billing.NewHTTPBackend(billing.HTTPOptions{
		BaseURL: a.Config.BillingURL,
		Token:   a.Config.BillingToken,
	}, a.Logger)
	return billing.NewCache(backend, plans, a.Logger), nil
}

// Health pings Redis and, when configured, Postgres.
func (a *App) Health(ctx context.Context) error {
	err := a.Redis.Ping(ctx).Err()
	if a.DB != nil {
		err = multierr.Append(err, a.DB.Ping(ctx))
	}
	return err
}

// Background runs the master queue consumer, the job worker, the override
// refresher and the reconcile schedule until ctx is cancelled.
func (a *App) Background(ctx context.Context) error {
	if a.Worker == nil {
		return fmt.Errorf("app was built without a job worker")
	}
	consumerID := a.Config.ConsumerID
	if consumerID == "" {
		host, _ := os.Hostname()
		consumerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	base := runqueue.NewBaseScheduler(a.RunQueue, a.RunQueue.IsAtCapacity, 0, a.Logger.Named("scheduler"))
	consumer := runqueue.NewConsumer(
		a.RunQueue,
		runqueue.NewRoundRobinScheduler(base, nil, 1),
		runqueue.NewShardAssigner(a.Redis, a.RunQueue, consumerID, 10*a.Config.ConsumerTick+5*time.Second),
		runqueue.ConsumerOptions{
			ID:   consumerID,
			Tick: a.Config.ConsumerTick,
			OnMoved: func(runqueue.MovedMessage) {
				a.Metrics.MovedToWorkerQueue.Inc()
			},
		},
		a.Logger,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(ctx) })
	g.Go(func() error { return a.Worker.Run(ctx) })
	g.Go(func() error {
		tick := time.NewTicker(overridesRefresh)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-tick.C:
				a.Resolver.Refresh(ctx)
			}
		}
	})
	g.Go(func() error {
		c := cron.New()
		if _, err := c.AddFunc(a.Config.ReconcileCron, func() { a.reconcile(ctx) }); err != nil {
			return fmt.Errorf("RECONCILE_CRON: %w", err)
		}
		c.Start()
		<-ctx.Done()
		<-c.Stop().Done()
		return nil
	})
	return g.Wait()
}

func (a *App) reconcile(ctx context.Context) {
	n, err := a.Engine.ReconcileQueuedRuns(ctx, reconcileBatch)
	if err != nil && ctx.Err() == nil {
		a.Logger.Warn("reconcile queued runs failed", zap.Error(err))
	}
	if n > 0 {
		a.Logger.Info("re-enqueued lost runs", zap.Int("count", n))
	}
}

// Close releases connections.
func (a *App) Close() {
	if a.DB != nil {
		a.DB.Close()
	}
	_ = a.Redis.Close()
}
