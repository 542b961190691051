// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health checks and graceful shutdown for aaactl.
//
// # Structured Logging
//
// Logger wraps logrus with a JSON formatter:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("org_id", org.ID).Info("recomputed permissions")
//
// Components accept a *Logger and fall back to Default() when it is nil.
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.RecordTask("permissions.recompute_org", time.Second, nil)
//
// A nil *Metrics records nothing.
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:  true,
//		Endpoint: "otel-collector:4317",
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
//
//	ctx, span := observability.StartSpan(ctx, "billing.charge")
//	defer func() { observability.EndSpan(span, err) }()
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	router := observability.NewOpsRouter(checker, registry)
//
// # Related Packages
//
//   - pkg/config: Observability configuration
//   - cmd/aaactl-worker: Ops server wiring
package observability
