package app

import (
	"context"
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/auth"
	"github.com/odyssey-erp/odyssey-access/internal/escalation"
	"github.com/odyssey-erp/odyssey-access/internal/observability"
	"github.com/odyssey-erp/odyssey-access/internal/permcache"
	"github.com/odyssey-erp/odyssey-access/internal/policy"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Deps are the backing services the container is assembled from. Redis is
// optional unless a redis backend is configured.
type Deps struct {
	Config    *Config
	Logger    *slog.Logger
	Policy    policy.Store
	Workflows escalation.Store
	Timeline  audit.Repository
	Redis     *redis.Client
	Notifier  escalation.Notifier
	Metrics   *observability.Metrics
}

// Container holds the wired access engine.
type Container struct {
	Cache      permcache.Cache
	broadcast  *permcache.Broadcast
	Locker     shared.Locker
	Resolver   *rbac.Resolver
	Service    *rbac.Service
	Engine     *escalation.Engine
	Tokens     *auth.TokenService
	Middleware rbac.Middleware
	Metrics    *observability.Metrics

	AccessHandler     *rbac.Handler
	EscalationHandler *escalation.Handler
}

// NewContainer wires stores, cache, locks, resolver, mutation service and the
// escalation engine according to cfg.
func NewContainer(d Deps) (*Container, error) {
	if d.Config == nil {
		return nil, errors.New("app: config required")
	}
	if d.Policy == nil || d.Workflows == nil {
		return nil, errors.New("app: policy and workflow stores required")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := d.Config
	metrics := d.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	needsRedis := cfg.CacheBackend == BackendRedis || cfg.LockBackend == BackendRedis
	if needsRedis && d.Redis == nil {
		return nil, errors.New("app: redis backend configured without a redis client")
	}

	c := &Container{Metrics: metrics}
	switch cfg.CacheBackend {
	case BackendRedis:
		c.Cache = permcache.NewRedisCache(d.Redis, cfg.DecisionCacheTTL, cfg.SealLease)
	default:
		c.broadcast = permcache.NewBroadcast(permcache.NewMemoryCache(cfg.DecisionCacheTTL, cfg.CacheSweep), d.Redis, cfg.SealLease, logger)
		c.Cache = c.broadcast
	}

	// Siblings that share cache state through Redis must also share the
	// per-user mutation lock, so a Redis client always selects RedisLocker.
	c.Locker = shared.NewKeyedMutex()
	if d.Redis != nil {
		if cfg.LockBackend != BackendRedis {
			logger.Info("redis connected, mutation locks are shared", slog.String("configured", cfg.LockBackend))
		}
		c.Locker = shared.NewRedisLocker(d.Redis, cfg.LockTTL)
	}
	locker := c.Locker

	c.Resolver = rbac.NewResolver(d.Policy, c.Cache, logger, rbac.WithMetrics(metrics))
	c.Service = rbac.NewService(d.Policy, c.Cache, locker, c.Resolver, logger,
		rbac.WithServiceMetrics(metrics),
		rbac.WithTxWindow(cfg.TxWindow),
	)

	opts := []escalation.Option{
		escalation.WithLocker(locker),
		escalation.WithMetrics(metrics),
		escalation.WithPredicateTimeout(cfg.PredicateTimeout),
	}
	if d.Notifier != nil {
		opts = append(opts, escalation.WithNotifier(d.Notifier))
	}
	c.Engine = escalation.NewEngine(c.Service, d.Workflows, c.Resolver, logger, opts...)
	c.Tokens = auth.NewTokenService(cfg.JWTSigningKey, cfg.JWTIssuer, cfg.JWTAudience)
	c.Middleware = rbac.Middleware{Resolver: c.Resolver, Logger: logger}

	var timeline *audit.Service
	if d.Timeline != nil {
		timeline = audit.NewService(d.Timeline)
	}
	c.AccessHandler = rbac.NewHandler(logger, c.Service, timeline, c.Middleware)
	c.EscalationHandler = escalation.NewHandler(logger, c.Engine, c.Middleware)
	return c, nil
}

// Listen subscribes to sibling invalidations when the in-process cache is
// shared across replicas. It is a no-op for the redis cache.
func (c *Container) Listen(ctx context.Context) error {
	if c.broadcast == nil {
		return nil
	}
	return c.broadcast.Listen(ctx)
}

// Close releases the decision cache.
func (c *Container) Close() error {
	if c.Cache == nil {
		return nil
	}
	return c.Cache.Close()
}
