package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/fullctl/aaactl-sub000/pkg/observability"
	"github.com/fullctl/aaactl-sub000/pkg/tasks"
)

// Billing task names
const (
	TaskProgress = "billing.progress"
	TaskLookup   = "subscription_product.lookup"
)

// ProgressKey is the concurrency key of the orchestrator task. Only one
// billing run is in flight at a time.
const ProgressKey = "billing"

// LookupKey returns the concurrency key of a component lookup
func LookupKey(subscriptionProductID int64) string {
	return fmt.Sprintf("subscription_product:%d", subscriptionProductID)
}

// LookupArgs are the arguments of the component lookup task
type LookupArgs struct {
	SubscriptionProductID int64 `json:"subscription_product_id"`
}

// ObjectLookup resolves the display name of an object owned by the service
// behind component.
type ObjectLookup interface {
	LookupObject(ctx context.Context, orgID int64, component string, objectID int64) (string, error)
}

// ResolveComponentObject stores the name of the component object a
// subscription product references.
func (e *Engine) ResolveComponentObject(ctx context.Context, subscriptionProductID int64, lookup ObjectLookup) error {
	sp, err := e.store.GetSubscriptionProduct(ctx, subscriptionProductID)
	if err != nil {
		return err
	}
	if sp.ComponentObjectID == nil {
		return nil
	}
	sub, err := e.store.GetSubscription(ctx, sp.SubscriptionID)
	if err != nil {
		return err
	}
	product, err := e.store.GetProduct(ctx, sp.ProductID)
	if err != nil {
		return err
	}
	if product.Component == "" {
		return fmt.Errorf("product %s has no component", product.Name)
	}

	name, err := lookup.LookupObject(ctx, sub.OrgID, product.Component, *sp.ComponentObjectID)
	if err != nil {
		return err
	}
	if name == sp.ComponentObjectName {
		return nil
	}
	sp.ComponentObjectName = name
	return e.store.UpdateSubscriptionProduct(ctx, sp)
}

// RegisterTasks registers the orchestrator and lookup handlers on q. lookup
// may be nil, in which case lookup tasks fail permanently.
func RegisterTasks(q *tasks.Queue, o *Orchestrator, lookup ObjectLookup) {
	q.Register(TaskProgress, func(ctx context.Context, payload tasks.Payload) error {
		report, err := o.Run(ctx)
		if err != nil {
			return err
		}
		observability.FromContext(ctx).WithFields(map[string]interface{}{
			"subscriptions":  report.Subscriptions,
			"cycles_started": report.CyclesStarted,
			"charges":        report.Charges,
			"skipped":        report.Skipped,
			"failures":       len(report.Failures),
		}).Info("Billing run completed")
		return nil
	})

	q.Register(TaskLookup, func(ctx context.Context, payload tasks.Payload) error {
		var args LookupArgs
		if err := payload.Decode(&args); err != nil {
			return tasks.Permanent(err)
		}
		if lookup == nil {
			return tasks.Permanent(errors.New("no component lookup configured"))
		}
		err := o.engine.ResolveComponentObject(ctx, args.SubscriptionProductID, lookup)
		if errors.Is(err, ErrProductNotFound) || errors.Is(err, ErrSubscriptionNotFound) {
			return tasks.Permanent(err)
		}
		return err
	})
}
