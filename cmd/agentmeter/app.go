package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alecgard/agentmeter/internal/api"
	"github.com/alecgard/agentmeter/internal/config"
	"github.com/alecgard/agentmeter/internal/directory"
	"github.com/alecgard/agentmeter/internal/events"
	"github.com/alecgard/agentmeter/internal/ingest"
	"github.com/alecgard/agentmeter/internal/invoice"
	"github.com/alecgard/agentmeter/internal/kpi"
	"github.com/alecgard/agentmeter/internal/lock"
	"github.com/alecgard/agentmeter/internal/memstore"
	"github.com/alecgard/agentmeter/internal/metrics"
	"github.com/alecgard/agentmeter/internal/pricing"
	"github.com/alecgard/agentmeter/internal/ratelimit"
	"github.com/alecgard/agentmeter/internal/reconcile"
	"github.com/alecgard/agentmeter/internal/rollup"
	"github.com/alecgard/agentmeter/internal/webhook"
	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"
)

type eventBackend interface {
	ingest.EventStore
	api.EventLister
	reconcile.Store
}

type rollupBackend interface {
	rollup.Incrementer
	api.UsageReader
}

// backend is the set of repositories the services run on, either all
// PostgreSQL or all in-memory.
type backend struct {
	events   eventBackend
	rollups  rollupBackend
	kpis     kpi.Repository
	pricing  pricing.Repository
	invoices invoice.Repository
	db       api.Pinger
	pool     *pgxpool.Pool
}

func openBackend(ctx context.Context, cfg *config.Config, memory bool) (*backend, func(), error) {
	if memory {
		slog.Warn("using in-memory storage; data is lost on exit")
		return &backend{
			events:   memstore.NewEvents(),
			rollups:  memstore.NewRollups(),
			kpis:     memstore.NewKPIs(),
			pricing:  memstore.NewPricing(),
			invoices: memstore.NewInvoices(),
		}, func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	slog.Info("connected to database")

	return &backend{
		events:   events.NewStore(pool),
		rollups:  rollup.NewStore(pool),
		kpis:     kpi.NewStore(pool),
		pricing:  pricing.NewStore(pool),
		invoices: invoice.NewStore(pool),
		db:       pool,
		pool:     pool,
	}, pool.Close, nil
}

// app wires services over a backend.
type app struct {
	cfg        *config.Config
	backend    *backend
	metrics    *metrics.Metrics
	kpis       *kpi.Registry
	pricing    *pricing.Resolver
	invoices   *invoice.Generator
	ingest     *ingest.Service
	reconciler *reconcile.Reconciler
	closers    []func()
}

func newApp(ctx context.Context, cfg *config.Config, memory bool) (*app, error) {
	b, closeBackend, err := openBackend(ctx, cfg, memory)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, backend: b, metrics: metrics.New(), closers: []func(){closeBackend}}

	if b.pool != nil {
		pool := b.pool
		a.metrics.RegisterDBPoolCollector(func() metrics.DBPoolStats {
			s := pool.Stat()
			return metrics.DBPoolStats{
				Total:         s.TotalConns(),
				Idle:          s.IdleConns(),
				Acquired:      s.AcquiredConns(),
				Max:           s.MaxConns(),
				EmptyAcquires: s.EmptyAcquireCount(),
				AcquireWait:   s.AcquireDuration(),
			}
		})
	}

	a.kpis = kpi.NewRegistry(b.kpis)
	a.pricing = pricing.NewResolver(b.pricing)
	a.invoices = invoice.NewGenerator(a.pricing, b.rollups, b.invoices)

	if cfg.Webhook.Secret == "" {
		slog.Warn("webhook.secret is empty; signatures are not verified")
	}
	validator := webhook.NewValidator(cfg.Webhook.Secret, cfg.Webhook.ReplayWindow, a.kpis)

	var dir directory.Checker = directory.NewPricingChecker(a.pricing)
	if cfg.Directory.URL != "" {
		dir = directory.NewHTTPChecker(cfg.Directory.URL, cfg.Directory.Timeout)
		slog.Info("using remote agent directory", "url", cfg.Directory.URL)
	}

	a.ingest = ingest.NewService(validator, b.events, rollup.NewAggregator(b.rollups), a.kpis,
		ingest.WithDirectory(dir),
		ingest.WithMetrics(a.metrics),
		ingest.WithLimiter(a.limiter()),
	)

	locker, err := a.newLocker()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.reconciler = reconcile.New(reconcileConfig(cfg), b.events, a.ingest,
		reconcile.WithLocker(locker),
		reconcile.WithMetrics(a.metrics),
	)
	return a, nil
}

func (a *app) newLocker() (lock.Locker, error) {
	if a.cfg.Redis.URL == "" {
		return lock.NewLocalLocker(), nil
	}
	opts, err := redis.ParseURL(a.cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis.url: %w", err)
	}
	client := redis.NewClient(opts)
	a.closers = append(a.closers, func() { _ = client.Close() })
	slog.Info("using redis sweep lock", "addr", opts.Addr)
	return lock.NewRedisLocker(client), nil
}

func (a *app) routerDeps() api.RouterDeps {
	return api.RouterDeps{
		Ingest:       a.ingest,
		KPIs:         a.kpis,
		Pricing:      a.pricing,
		Invoices:     a.invoices,
		Usage:        a.backend.rollups,
		Events:       a.backend.events,
		Reconciler:   a.reconciler,
		Metrics:      a.metrics,
		DB:           a.backend.db,
		AdminKey:     a.cfg.Auth.AdminKey,
		MaxBodyBytes: a.cfg.Webhook.MaxBodyBytes,
	}
}

func (a *app) limiter() *ratelimit.Limiter {
	if a.cfg.Webhook.RateLimit <= 0 {
		return nil
	}
	return ratelimit.New(a.cfg.Webhook.RateLimit, time.Minute)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func reconcileConfig(cfg *config.Config) reconcile.Config {
	rc := cfg.Reconcile
	return reconcile.Config{
		Enabled:          rc.Enabled,
		Interval:         rc.Interval,
		Timeout:          rc.Timeout,
		AverageDays:      rc.AverageDays,
		BatchSize:        rc.BatchSize,
		ScanWindow:       rc.ScanWindow,
		DefaultKPIValues: rc.DefaultKPIValues,
		FallbackValue:    rc.FallbackValue,
		LockTTL:          cfg.Redis.LockTTL,
	}
}

// loadConfig loads and validates configuration and installs the JSON logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	level, _ := config.ParseLevel(cfg.Log.Level)
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
	return cfg, nil
}
