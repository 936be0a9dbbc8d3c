package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/familyhub/familyhub/internal/audit"
	"github.com/familyhub/familyhub/internal/authcache"
	"github.com/familyhub/familyhub/internal/observability"
	"github.com/familyhub/familyhub/internal/platform/cache"
	"github.com/familyhub/familyhub/internal/platform/db"
	"github.com/familyhub/familyhub/internal/rbac"
	"github.com/familyhub/familyhub/internal/rbac/memstore"
	"github.com/familyhub/familyhub/internal/shared"
	"github.com/familyhub/familyhub/migrations"
)

// auditStore is both the emitter's sink and the timeline's repository.
type auditStore interface {
	audit.Sink
	audit.Repository
}

// Engine holds the wired authorization runtime shared by the API and the worker.
type Engine struct {
	Logger      *slog.Logger
	Config      *Config
	Pool        *pgxpool.Pool
	Redis       redis.UniversalClient
	Tier        *authcache.Tier
	Coordinator *authcache.Coordinator
	Emitter     *audit.Emitter
	Audit       *audit.Service
	Resolver    *rbac.Resolver
	Service     *rbac.Service
	Metrics     *observability.Metrics

	// Memory is set when STORE_DRIVER=memory; seeding and tests use it.
	Memory *memstore.Store
}

// EngineOptions carries optional collaborators.
type EngineOptions struct {
	Notifier rbac.OverrideNotifier
	// Redis overrides the client built from REDIS_ADDR.
	Redis redis.UniversalClient
}

// NewEngine connects the store, the audit sink and the cache, and builds the
// resolver and the administrative service on top of them. A Redis outage at
// start only disables L2; a store failure is fatal.
func NewEngine(ctx context.Context, cfg *Config, logger *slog.Logger, opts EngineOptions) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{Logger: logger, Config: cfg, Metrics: observability.NewMetrics()}

	var (
		store rbac.Store
		sink  auditStore
	)
	switch cfg.StoreDriver {
	case StoreMemory:
		e.Memory = memstore.New()
		store = e.Memory
		sink = audit.NewMemorySink()
	case StorePostgres:
		pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{ConnectTimeout: cfg.StoreTimeout})
		if err != nil {
			return nil, err
		}
		if err := migrations.Apply(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		e.Pool = pool
		store = rbac.NewPostgresStore(pool)
		sink = audit.NewPostgresSink(pool)
	default:
		return nil, fmt.Errorf("app: unknown store driver %q", cfg.StoreDriver)
	}

	e.Redis = opts.Redis
	if e.Redis == nil && cfg.CacheL2Enabled {
		client, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr})
		if err != nil {
			logger.Warn("redis unavailable, decision cache runs without L2", slog.Any("error", err))
		} else {
			e.Redis = client
		}
	}

	e.Tier = authcache.NewTier(cfg.CacheConfig(), e.Redis, authcache.WithLogger(logger))
	e.Coordinator = authcache.NewCoordinator(e.Tier, e.Redis, cfg.CacheInvalidationChannel, logger)
	if err := e.Metrics.RegisterCache(e.Tier); err != nil {
		logger.Warn("register cache metrics", slog.Any("error", err))
	}

	e.Emitter = audit.NewEmitter(sink, logger,
		audit.WithTimeout(cfg.AuditTimeout),
		audit.WithContextFunc(shared.AuditContext),
	)
	if err := e.Metrics.RegisterAuditDrops(e.Emitter.Dropped); err != nil {
		logger.Warn("register audit metrics", slog.Any("error", err))
	}
	e.Audit = audit.NewService(sink)

	e.Resolver = rbac.NewResolver(store,
		rbac.WithCache(e.Tier),
		rbac.WithAuditor(e.Emitter),
		rbac.WithRecorder(e.Metrics),
		rbac.WithLogger(logger),
		rbac.WithStoreTimeout(cfg.StoreTimeout),
	)
	svcOpts := []rbac.ServiceOption{rbac.WithServiceLogger(logger)}
	if opts.Notifier != nil {
		svcOpts = append(svcOpts, rbac.WithNotifier(opts.Notifier))
	}
	e.Service = rbac.NewService(store, e.Resolver, e.Coordinator, e.Emitter, svcOpts...)
	return e, nil
}

// Run keeps the invalidation subscription alive until ctx ends.
func (e *Engine) Run(ctx context.Context, ready chan<- struct{}) error {
	return e.Coordinator.Run(ctx, ready)
}

// Close flushes pending audit entries and releases connections.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	if err := e.Emitter.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("app: flush audit: %w", err))
	}
	if e.Redis != nil {
		if err := e.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("app: close redis: %w", err))
		}
	}
	if e.Pool != nil {
		e.Pool.Close()
	}
	return errors.Join(errs...)
}
