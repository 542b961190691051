package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fullctl/aaactl-sub000/pkg/billing"
	"github.com/fullctl/aaactl-sub000/pkg/cli"
	"github.com/fullctl/aaactl-sub000/pkg/config"
	"github.com/fullctl/aaactl-sub000/pkg/observability"
	"github.com/fullctl/aaactl-sub000/pkg/rbac"
)

var version = "dev"

var (
	runOnce          = flag.Bool("run-once", false, "Run one billing pass and exit")
	recomputeOnStart = flag.Bool("recompute-on-start", true, "Rebuild all managed permission grants at startup")
	seedSettle       = flag.Duration("seed-settle", time.Second, "Delay before re-applying a changed seed file")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("service", cfg.Observability.OTelServiceName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := observability.InitOTel(ctx, cfg.Observability.OTel(), logger)
	if err != nil {
		log.Fatalf("Failed to initialize OpenTelemetry: %v", err)
	}

	rt, err := cli.NewRuntime(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialize runtime: %v", err)
	}

	if _, err := rt.ApplySeed(ctx); err != nil {
		log.Fatalf("Failed to apply seed: %v", err)
	}

	if *runOnce {
		report, err := rt.Orchestrator.Run(ctx)
		closeErr := rt.Close(context.Background())
		if err != nil {
			log.Fatalf("Billing run failed: %v", err)
		}
		if closeErr != nil {
			logger.WithError(closeErr).Warn("Shutdown incomplete")
		}
		logger.WithFields(map[string]interface{}{
			"subscriptions": report.Subscriptions,
			"charges":       report.Charges,
			"failures":      len(report.Failures),
		}).Info("Billing run completed")
		return
	}

	if *recomputeOnStart {
		if _, err := rt.Queue.Schedule(ctx, rbac.TaskRecomputeAll, rbac.RecomputeArgs{}, rbac.GlobalKey); err != nil {
			log.Fatalf("Failed to schedule permission recompute: %v", err)
		}
	}

	if cfg.Seed.Watch {
		go func() {
			if err := config.WatchSeed(ctx, cfg.Seed.File, rt.Seeder, *seedSettle, logger); err != nil {
				logger.WithError(err).Error("Seed watcher stopped")
			}
		}()
	}

	c := cron.New()
	_, err = c.AddFunc(cfg.Billing.Schedule, func() {
		if _, err := rt.Queue.Schedule(ctx, billing.TaskProgress, struct{}{}, billing.ProgressKey); err != nil {
			logger.WithError(err).Error("Failed to schedule billing run")
		}
	})
	if err != nil {
		log.Fatalf("Failed to schedule billing run: %v", err)
	}
	if rt.DB != nil && rt.Metrics != nil {
		_, err = c.AddFunc("@every 30s", func() { rt.Metrics.UpdateDBStats(rt.DB) })
		if err != nil {
			log.Fatalf("Failed to schedule database stats: %v", err)
		}
	}
	c.Start()

	checker := observability.NewHealthChecker(rt.DB, rt.Redis, version)
	if cfg.Seed.File != "" {
		checker.AddCheck("seed_file", func(ctx context.Context) error {
			_, err := os.Stat(cfg.Seed.File)
			return err
		})
	}
	server := &http.Server{
		Addr:              cfg.Observability.OpsAddr,
		Handler:           observability.NewOpsRouter(checker, rt.Registry),
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Observability.ShutdownTimeout)
	shutdown.Register("workers", func(ctx context.Context) error {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			return ctx.Err()
		}
		return rt.Close(ctx)
	})
	shutdown.Register("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})

	go func() {
		logger.WithFields(map[string]interface{}{
			"addr":             cfg.Observability.OpsAddr,
			"billing_schedule": cfg.Billing.Schedule,
		}).Info("aaactl worker started")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Ops server failed")
			stop()
		}
	}()

	if err := shutdown.Wait(ctx); err != nil {
		logger.WithError(err).Error("Shutdown incomplete")
		os.Exit(1)
	}
	logger.Info("aaactl worker stopped")
}
