package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/desertthunder/tunegate/internal/artifacts"
	"github.com/desertthunder/tunegate/internal/formatter"
	"github.com/desertthunder/tunegate/internal/gateway"
	"github.com/desertthunder/tunegate/internal/metrics"
	"github.com/desertthunder/tunegate/internal/models"
	"github.com/desertthunder/tunegate/internal/quota"
	"github.com/desertthunder/tunegate/internal/repositories"
	"github.com/desertthunder/tunegate/internal/services"
	"github.com/desertthunder/tunegate/internal/shared"
	"github.com/desertthunder/tunegate/internal/storage"
	"github.com/desertthunder/tunegate/internal/tasks"
)

// app is the component graph built from the loaded configuration.
type app struct {
	db           *sql.DB
	redis        *redis.Client
	pool         *quota.Pool // nil when the rapidapi provider is disabled
	limiters     []*quota.DailyLimiter
	orchestrator *tasks.Orchestrator
	metrics      *metrics.Metrics
	artifacts    *artifacts.Store
	gateway      *gateway.Gateway
}

// openDatabase opens the configured database and brings its schema up to date.
func (r *Runner) openDatabase(ctx context.Context) (*sql.DB, error) {
	cfg := r.config.Database
	db, err := shared.NewDatabase(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}
	shared.ConfigureDatabase(db, cfg.MaxOpenConns, cfg.MaxIdleConns)

	if err := shared.RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}

// counters returns the pool and daily counter stores for the configured quota backend.
func (r *Runner) counters(ctx context.Context, a *app) (quota.CounterStore, quota.DailyCounter, error) {
	cfg := r.config.Quota
	switch cfg.Backend {
	case "redis":
		client, err := quota.NewRedisClient(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		a.redis = client
		return quota.NewRedisCounterStore(client, cfg.KeyPrefix), quota.NewRedisDailyCounter(client, cfg.KeyPrefix), nil
	default:
		return repositories.NewPoolUsageRepository(a.db), repositories.NewDailyUsageRepository(a.db), nil
	}
}

// strategies builds the fallback chain in priority order:
// the rapidapi pool, cloudconvert production then sandbox, and the proxy.
func (r *Runner) strategies(a *app, store quota.CounterStore, daily quota.DailyCounter) []tasks.Strategy {
	p := r.config.Providers
	var chain []tasks.Strategy

	if p.RapidAPI.Enabled {
		if len(p.RapidAPI.Keys) == 0 || len(p.RapidAPI.Endpoints) == 0 {
			r.logger.Warn("rapidapi enabled without keys or endpoints, skipping")
		} else {
			a.pool = quota.NewPool(p.RapidAPI.Keys, p.RapidAPI.Endpoints, store, shared.WithLogger(r.logger, "component", "pool"))
			provider := services.NewRapidAPIProvider(p.RapidAPI, r.httpClient, shared.WithLogger(r.logger, "provider", "rapidapi"))
			chain = append(chain, tasks.NewPooledStrategy(a.pool, provider))
		}
	}

	if p.CloudConvert.Enabled {
		for _, env := range services.Environments(p.CloudConvert) {
			provider := services.NewCloudConvertProvider(env, p.CloudConvert, r.httpClient, shared.WithLogger(r.logger, "provider", "cloudconvert", "env", env.Name))
			limit := p.CloudConvert.ProductionDaily
			if env.Name == "sandbox" {
				limit = p.CloudConvert.SandboxDaily
			}
			limiter := quota.NewDailyLimiter(provider.Name(), limit, daily)
			a.limiters = append(a.limiters, limiter)
			chain = append(chain, tasks.NewMeteredStrategy(limiter, provider))
		}
	}

	if p.Proxy.Enabled {
		provider := services.NewProxyProvider(p.Proxy, r.httpClient, shared.WithLogger(r.logger, "provider", "proxy"))
		chain = append(chain, tasks.NewDirectStrategy(provider))
	}
	return chain
}

// build wires every component. Callers must Close the returned app.
func (r *Runner) build(ctx context.Context) (*app, error) {
	if err := r.config.Validate(); err != nil {
		return nil, err
	}

	db, err := r.openDatabase(ctx)
	if err != nil {
		return nil, err
	}
	a := &app{db: db}

	store, daily, err := r.counters(ctx, a)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.metrics, err = metrics.NewMetrics(nil)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	chain := r.strategies(a, store, daily)
	if len(chain) == 0 {
		a.Close(ctx)
		return nil, fmt.Errorf("%w: no usable conversion strategy", shared.ErrInvalidConfig)
	}
	a.orchestrator = tasks.NewOrchestrator(chain, a.metrics, shared.WithLogger(r.logger, "component", "orchestrator"))

	objects, err := storage.New(r.config.Storage, shared.WithLogger(r.logger, "component", "storage"))
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.artifacts = artifacts.NewStore(repositories.NewArtifactRepository(db), objects, artifacts.Options{
		MaxDownloadBytes: r.config.Storage.MaxDownloadBytes,
		PersistTimeout:   r.config.Server.PersistTimeout,
		LookupTTL:        r.config.Cache.LookupTTL,
		HTTPClient:       r.httpClient,
		Logger:           shared.WithLogger(r.logger, "component", "artifacts"),
	})

	opts := gateway.Options{
		RedirectOnReady: r.config.Server.RedirectOnReady,
		ResolveTimeout:  r.config.Server.RequestTimeout,
		PersistTimeout:  r.config.Server.PersistTimeout,
		FailureCooldown: r.config.Server.FailureCooldown,
		Metrics:         a.metrics,
		Logger:          shared.WithLogger(r.logger, "component", "gateway"),
	}
	if a.pool != nil {
		opts.Pool = a.pool
	}
	a.gateway = gateway.New(a.artifacts, a.orchestrator, opts)

	r.logger.Info("components ready",
		"strategies", len(chain), "storage", objects.Name(), "quota", r.config.Quota.Backend)
	return a, nil
}

// Close drains background persists, then releases the database and redis connections.
func (a *app) Close(ctx context.Context) error {
	var err error
	if a.gateway != nil {
		err = errors.Join(err, a.gateway.Close(ctx))
	}
	if a.redis != nil {
		err = errors.Join(err, a.redis.Close())
	}
	if a.db != nil {
		err = errors.Join(err, a.db.Close())
	}
	return err
}

// poolStatus collects the pool snapshot and daily usage rows.
func (a *app) poolStatus(ctx context.Context) ([]models.PoolEntry, []formatter.DailyRow, error) {
	var entries []models.PoolEntry
	if a.pool != nil {
		var err error
		if entries, err = a.pool.Snapshot(ctx); err != nil {
			return nil, nil, err
		}
	}

	rows := make([]formatter.DailyRow, 0, len(a.limiters))
	for _, l := range a.limiters {
		used, err := l.Usage(ctx)
		if err != nil {
			return nil, nil, err
		}
		rows = append(rows, formatter.DailyRow{Name: l.Name(), Limit: l.Limit(), Used: used})
	}
	return entries, rows, nil
}
