package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/fullctl/aaactl-sub000/pkg/observability"
)

// UsageSource reports the usage of a product by an organization in the
// service owning component. A nil value means no usage was reported.
type UsageSource interface {
	Usage(ctx context.Context, orgID int64, component, product string) (*float64, error)
}

// OrchestratorConfig configures an Orchestrator
type OrchestratorConfig struct {
	// UsageWorkers bounds concurrent usage queries per subscription
	UsageWorkers int
}

// DefaultOrchestratorConfig returns the default orchestrator configuration
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{UsageWorkers: 4}
}

// SubscriptionFailure is a subscription whose processing failed in a run
type SubscriptionFailure struct {
	SubscriptionID int64 `json:"subscription_id"`
	OrgID          int64 `json:"org_id"`
	Err            error `json:"-"`
}

// MarshalJSON includes the error message
func (f SubscriptionFailure) MarshalJSON() ([]byte, error) {
	type alias SubscriptionFailure
	var msg string
	if f.Err != nil {
		msg = f.Err.Error()
	}
	return json.Marshal(struct {
		alias
		Error string `json:"error"`
	}{alias(f), msg})
}

// RunReport summarizes an orchestrator run
type RunReport struct {
	ProductsExpired int                   `json:"products_expired"`
	Subscriptions   int                   `json:"subscriptions"`
	CyclesStarted   int                   `json:"cycles_started"`
	Charges         int                   `json:"charges"`
	// Synced counts pending charges that left the pending state
	Synced          int                   `json:"synced"`
	Skipped         int                   `json:"skipped"`
	Failures        []SubscriptionFailure `json:"failures"`
}

// Orchestrator progresses every active subscription: it opens cycles,
// collects usage, charges closed cycles and reconciles pending charges.
type Orchestrator struct {
	engine *Engine
	usage  UsageSource
	cfg    OrchestratorConfig
	logger *observability.Logger
}

// NewOrchestrator creates an orchestrator. usage may be nil when no product
// is metered through a downstream service.
func NewOrchestrator(engine *Engine, usage UsageSource, cfg OrchestratorConfig) *Orchestrator {
	if cfg.UsageWorkers <= 0 {
		cfg.UsageWorkers = DefaultOrchestratorConfig().UsageWorkers
	}
	return &Orchestrator{engine: engine, usage: usage, cfg: cfg, logger: engine.logger}
}

// Run performs one billing pass. Failures of single subscriptions are
// collected in the report and do not stop the run; only errors that prevent
// the run itself are returned.
func (o *Orchestrator) Run(ctx context.Context) (report *RunReport, err error) {
	ctx, span := observability.StartSpan(ctx, "billing.progress")
	start := time.Now()
	report = &RunReport{}
	defer func() {
		o.engine.metrics.RecordBillingRun(time.Since(start), len(report.Failures), err)
		observability.EndSpan(span, err)
	}()

	expired, err := o.engine.ExpireProducts(ctx)
	report.ProductsExpired = expired
	if err != nil {
		o.logger.WithError(err).Error("Product expiry failed")
	}

	subs, err := o.engine.store.ListSubscriptions(ctx, SubscriptionStatusOK)
	if err != nil {
		return report, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Subscriptions++
		if err := o.progress(ctx, sub, report); err != nil {
			o.logger.WithFields(map[string]interface{}{
				"subscription_id": sub.ID,
				"org_id":          sub.OrgID,
			}).WithError(err).Error("Failed to progress subscription")
			report.Failures = append(report.Failures, SubscriptionFailure{
				SubscriptionID: sub.ID,
				OrgID:          sub.OrgID,
				Err:            err,
			})
		}
	}

	o.logger.WithFields(map[string]interface{}{
		"subscriptions":  report.Subscriptions,
		"cycles_started": report.CyclesStarted,
		"charges":        report.Charges,
		"synced":         report.Synced,
		"failures":       len(report.Failures),
	}).Info("Billing run complete")
	return report, nil
}

func (o *Orchestrator) progress(ctx context.Context, sub *Subscription, report *RunReport) (err error) {
	defer observability.RecoverToError(o.logger, fmt.Sprintf("progress subscription %d", sub.ID), &err)

	ctx, span := observability.StartSpan(ctx, "billing.progress_subscription",
		attribute.Int64("subscription_id", sub.ID),
		attribute.Int64("org_id", sub.OrgID),
	)
	defer func() { observability.EndSpan(span, err) }()

	e := o.engine
	logger := o.logger.WithFields(map[string]interface{}{
		"subscription_id": sub.ID,
		"org_id":          sub.OrgID,
	})

	current, err := e.CurrentCycle(ctx, sub.ID)
	if err != nil {
		return err
	}
	if current == nil {
		_, err := e.StartCycle(ctx, sub.ID, false)
		switch {
		case err == nil:
			report.CyclesStarted++
		case IsIdempotencyGuard(err):
			logger.WithError(err).Debug("Cycle already active")
		default:
			return err
		}
	}

	cycles, err := e.store.ListCycles(ctx, sub.ID)
	if err != nil {
		return err
	}

	if err := o.collectUsage(ctx, sub, cycles); err != nil {
		return err
	}

	now := e.now()
	for _, cycle := range cycles {
		if cycle.Status != CycleOpen && cycle.Status != CycleFailed {
			continue
		}
		if sub.ChargesAtEnd() && !cycle.Ended(now) {
			continue
		}
		clog := logger.WithField("cycle_id", cycle.ID)
		if cycle.Status == CycleFailed {
			clog.Info("retrying failed subscription cycle charge")
		}

		if _, err := e.AutoAssignPaymentMethod(ctx, sub); err != nil {
			return err
		}

		done, err := e.Charged(ctx, cycle.ID)
		if err != nil {
			return err
		}
		if done {
			continue
		}

		cc, err := e.Charge(ctx, cycle.ID)
		switch {
		case errors.Is(err, ErrNoPaymentMethod):
			clog.Warn("No payment method available, skipping cycle charge")
			report.Skipped++
			continue
		case IsIdempotencyGuard(err):
			continue
		case err != nil:
			return err
		}
		if cc == nil {
			continue
		}
		report.Charges++
		if cc.Charge.Status == ChargePending {
			synced, err := e.SyncStatus(ctx, cc.Charge.ID)
			if err != nil {
				return err
			}
			if synced.Status != ChargePending {
				report.Synced++
			}
		}
	}

	return o.syncPending(ctx, cycles, report)
}

// collectUsage refreshes the usage of metered products in open cycles.
// Products for which the service reports nothing keep their value.
func (o *Orchestrator) collectUsage(ctx context.Context, sub *Subscription, cycles []*SubscriptionCycle) error {
	if o.usage == nil {
		return nil
	}

	var open []*SubscriptionCycle
	for _, c := range cycles {
		if c.Status == CycleOpen {
			open = append(open, c)
		}
	}
	if len(open) == 0 {
		return nil
	}

	products, err := o.engine.store.ListSubscriptionProducts(ctx, sub.ID)
	if err != nil {
		return err
	}

	type measured struct {
		sp      *SubscriptionProduct
		product *Product
		usage   *float64
	}
	var metered []*measured
	for _, sp := range products {
		p, err := o.engine.store.GetProduct(ctx, sp.ProductID)
		if err != nil {
			return err
		}
		if p.Type != ProductMetered || p.Component == "" {
			continue
		}
		metered = append(metered, &measured{sp: sp, product: p})
	}
	if len(metered) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.UsageWorkers)
	for _, m := range metered {
		m := m
		g.Go(func() (err error) {
			defer observability.RecoverToError(o.logger, "collect usage", &err)
			u, err := o.usage.Usage(gctx, sub.OrgID, m.product.Component, m.product.Name)
			if err != nil {
				return fmt.Errorf("usage of %s: %w", m.product.Name, err)
			}
			m.usage = u
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, c := range open {
		for _, m := range metered {
			if m.usage == nil {
				continue
			}
			if _, err := o.engine.UpdateUsage(ctx, c.ID, m.sp.ID, *m.usage); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *Orchestrator) syncPending(ctx context.Context, cycles []*SubscriptionCycle, report *RunReport) error {
	for _, cycle := range cycles {
		charges, err := o.engine.store.ListCycleCharges(ctx, cycle.ID)
		if err != nil {
			return err
		}
		for _, cc := range charges {
			if cc.Charge.Status != ChargePending {
				continue
			}
			synced, err := o.engine.SyncStatus(ctx, cc.Charge.ID)
			if err != nil {
				return err
			}
			if synced.Status != ChargePending {
				report.Synced++
			}
		}
	}
	return nil
}
