package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fullctl/aaactl-sub000/pkg/billing"
	"github.com/fullctl/aaactl-sub000/pkg/billing/processor"
	"github.com/fullctl/aaactl-sub000/pkg/bridge"
	"github.com/fullctl/aaactl-sub000/pkg/config"
	"github.com/fullctl/aaactl-sub000/pkg/observability"
	"github.com/fullctl/aaactl-sub000/pkg/orgs"
	"github.com/fullctl/aaactl-sub000/pkg/rbac"
	"github.com/fullctl/aaactl-sub000/pkg/storage"
	"github.com/fullctl/aaactl-sub000/pkg/tasks"
)

const (
	checkerCacheSize = 10000
	checkerCacheTTL  = 30 * time.Second
)

// Runtime holds the wired services of one aaactl process
type Runtime struct {
	Config  *config.Config
	Logger  *observability.Logger
	Metrics *observability.Metrics
	// Registry is nil when metrics are disabled
	Registry *prometheus.Registry

	DB    *sql.DB
	Redis *redis.Client

	Orgs         orgs.Service
	RBAC         rbac.Store
	Permissions  *rbac.Registry
	Resolver     *rbac.Resolver
	Checker      *rbac.Checker
	Queue        *tasks.Queue
	Billing      *billing.Engine
	Orchestrator *billing.Orchestrator
	Bridge       *bridge.Client
	Seeder       *config.Seeder
}

// NewRuntime connects the configured backends, runs migrations and wires the
// permission and billing engines onto one task queue. Without a database URL
// every store is in memory.
func NewRuntime(ctx context.Context, cfg *config.Config, logger *observability.Logger) (rt *Runtime, err error) {
	rt = &Runtime{Config: cfg, Logger: observability.OrDefault(logger)}
	defer func() {
		if err != nil {
			rt.Close(context.Background())
		}
	}()

	if cfg.Observability.MetricsEnabled {
		rt.Registry = prometheus.NewRegistry()
		rt.Metrics = observability.NewMetrics(rt.Registry)
	}

	var billingStore billing.Store
	if cfg.Database.URL != "" {
		rt.DB, err = storage.Open(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		for _, m := range []struct {
			component  string
			migrations []storage.Migration
		}{
			{"orgs", orgs.Migrations()},
			{"rbac", rbac.Migrations()},
			{"billing", billing.Migrations()},
		} {
			if err := storage.Migrate(ctx, rt.DB, m.component, m.migrations, rt.Logger); err != nil {
				return nil, err
			}
		}
		rt.Orgs = orgs.NewPostgresService(rt.DB)
		rt.RBAC = rbac.NewPostgresStore(rt.DB)
		billingStore = billing.NewPostgresStore(rt.DB)
	} else {
		rt.Logger.Warn("No database configured, using in-memory stores")
		rt.Orgs = orgs.NewMemoryService()
		rt.RBAC = rbac.NewMemoryStore()
		billingStore = billing.NewMemoryStore()
	}

	queueOpts := []tasks.Option{tasks.WithLogger(rt.Logger), tasks.WithMetrics(rt.Metrics)}
	if cfg.Redis.URL != "" {
		rt.Redis, err = tasks.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		queueOpts = append(queueOpts, tasks.WithLocker(tasks.NewRedisLocker(rt.Redis, cfg.Redis.Prefix)))
	}
	rt.Queue = tasks.NewQueue(ctx, cfg.Tasks, queueOpts...)

	rt.Checker = rbac.NewChecker(rt.RBAC, checkerCacheSize, checkerCacheTTL, rt.Metrics)
	rt.Resolver = rbac.NewResolver(rt.RBAC, rt.Orgs,
		rbac.WithResolverLogger(rt.Logger),
		rbac.WithResolverMetrics(rt.Metrics),
		rbac.WithChecker(rt.Checker),
	)
	rt.Permissions = rbac.NewRegistry(rt.RBAC, rt.Queue, rt.Logger)
	rbac.RegisterTasks(rt.Queue, rt.Resolver)
	if n, ok := rt.Orgs.(interface{ SetNotifier(orgs.MembershipNotifier) }); ok {
		n.SetNotifier(rt.Permissions)
	}

	processors := processor.NewRegistry(processor.NewDummy())
	if cfg.Billing.StripeSecretKey != "" {
		processors.Register(processor.NewStripe(processor.StripeConfig{
			SecretKey: cfg.Billing.StripeSecretKey,
			BaseURL:   cfg.Billing.StripeAPIURL,
			Timeout:   cfg.Billing.StripeTimeout,
		}, rt.Metrics))
	}
	rt.Billing = billing.NewEngine(billingStore, processors,
		billing.WithLogger(rt.Logger),
		billing.WithMetrics(rt.Metrics),
		billing.WithScheduler(rt.Queue),
		billing.WithDirectory(rt.Orgs),
	)

	var usage billing.UsageSource
	var lookup billing.ObjectLookup
	if len(cfg.Bridge.URLs) > 0 {
		rt.Bridge = bridge.New(ctx, cfg.Bridge, bridge.WithLogger(rt.Logger), bridge.WithMetrics(rt.Metrics))
		usage, lookup = rt.Bridge, rt.Bridge
	}
	rt.Orchestrator = billing.NewOrchestrator(rt.Billing, usage, billing.OrchestratorConfig{
		UsageWorkers: cfg.Billing.UsageWorkers,
	})
	billing.RegisterTasks(rt.Queue, rt.Orchestrator, lookup)

	rt.Seeder = config.NewSeeder(rt.RBAC, rt.Permissions, rt.Billing, rt.Logger)
	return rt, nil
}

// ApplySeed loads and applies the configured seed file, if any
func (rt *Runtime) ApplySeed(ctx context.Context) (config.SeedResult, error) {
	if rt.Config.Seed.File == "" {
		return config.SeedResult{}, nil
	}
	seed, err := config.LoadSeed(rt.Config.Seed.File)
	if err != nil {
		return config.SeedResult{}, err
	}
	return rt.Seeder.Apply(ctx, seed)
}

// Close drains the task queue and releases connections
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.Queue != nil {
		if err := rt.Queue.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("task queue: %w", err))
		}
	}
	if rt.Redis != nil {
		if err := rt.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if rt.DB != nil {
		if err := rt.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	return errors.Join(errs...)
}
