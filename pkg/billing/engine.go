package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/fullctl/aaactl-sub000/pkg/billing/processor"
	"github.com/fullctl/aaactl-sub000/pkg/observability"
	"github.com/fullctl/aaactl-sub000/pkg/orgs"
	"github.com/fullctl/aaactl-sub000/pkg/tasks"
)

// DefaultCurrency is used for subscriptions and products without one
const DefaultCurrency = "USD"

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(logger *observability.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the engine metrics
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithScheduler sets the scheduler used for component lookups
func WithScheduler(s tasks.Scheduler) Option {
	return func(e *Engine) { e.scheduler = s }
}

// WithDirectory sets the organization directory consulted by the expiry sweep
func WithDirectory(dir orgs.Directory) Option {
	return func(e *Engine) { e.dir = dir }
}

// Engine runs the subscription cycle state machine: catalog and
// subscription management, cycle progression, charging and capture.
type Engine struct {
	store      Store
	processors *processor.Registry
	dir        orgs.Directory
	scheduler  tasks.Scheduler
	logger     *observability.Logger
	metrics    *observability.Metrics
	now        func() time.Time
}

// NewEngine creates an engine over store charging through processors
func NewEngine(store Store, processors *processor.Registry, opts ...Option) *Engine {
	e := &Engine{store: store, processors: processors, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = observability.OrDefault(e.logger)
	return e
}

// Store returns the engine store
func (e *Engine) Store() Store { return e.store }

// Now returns the engine clock reading
func (e *Engine) Now() time.Time { return e.now() }

// CreateProductGroup returns the group called name, creating it if needed
func (e *Engine) CreateProductGroup(ctx context.Context, name string) (*ProductGroup, error) {
	g, err := e.store.GetProductGroupByName(ctx, name)
	if err == nil {
		return g, nil
	}
	return e.store.CreateProductGroup(ctx, &ProductGroup{Name: name})
}

// CreateProduct validates and stores p
func (e *Engine) CreateProduct(ctx context.Context, p *Product) (*Product, error) {
	if p.Currency == "" {
		p.Currency = DefaultCurrency
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.ReplacementID != nil {
		if _, err := e.store.GetProduct(ctx, *p.ReplacementID); err != nil {
			return nil, fmt.Errorf("replacement product: %w", err)
		}
	}
	return e.store.CreateProduct(ctx, p)
}

// Subscribe returns the ok subscription of orgID to the group, creating one
// if none exists.
func (e *Engine) Subscribe(ctx context.Context, sub *Subscription) (*Subscription, error) {
	existing, err := e.store.ListSubscriptions(ctx, SubscriptionStatusOK)
	if err != nil {
		return nil, err
	}
	for _, s := range existing {
		if s.OrgID == sub.OrgID && s.GroupID == sub.GroupID {
			return s, nil
		}
	}

	if sub.Status == "" {
		sub.Status = SubscriptionStatusOK
	}
	if sub.Interval == "" {
		sub.Interval = IntervalMonth
	}
	if sub.ChargeType == "" {
		sub.ChargeType = ChargeAtEnd
	}
	if sub.Currency == "" {
		sub.Currency = DefaultCurrency
	}
	switch sub.Interval {
	case IntervalMonth, IntervalYear:
	default:
		return nil, fmt.Errorf("unsupported subscription interval %q", sub.Interval)
	}
	switch sub.ChargeType {
	case ChargeAtEnd, ChargeAtStart:
	default:
		return nil, fmt.Errorf("unsupported charge type %q", sub.ChargeType)
	}

	created, err := e.store.CreateSubscription(ctx, sub)
	if err != nil {
		return nil, err
	}
	e.logger.WithFields(map[string]interface{}{
		"subscription_id": created.ID,
		"org_id":          created.OrgID,
	}).Info("Subscription created")
	return created, nil
}

// Cancel marks a subscription cancelled; the orchestrator stops progressing it
func (e *Engine) Cancel(ctx context.Context, subscriptionID int64) error {
	sub, err := e.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	sub.Status = SubscriptionStatusCancelled
	return e.store.UpdateSubscription(ctx, sub)
}

// AddSubscriptionProduct attaches productID to the subscription and grants
// the organization access to it. When componentObjectID is set a lookup task
// resolves the object name.
func (e *Engine) AddSubscriptionProduct(ctx context.Context, subscriptionID, productID int64, componentObjectID *int64) (*SubscriptionProduct, error) {
	var created *SubscriptionProduct
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx Store) error {
		sub, err := tx.GetSubscription(ctx, subscriptionID)
		if err != nil {
			return err
		}
		product, err := tx.GetProduct(ctx, productID)
		if err != nil {
			return err
		}
		if product.GroupID != nil && *product.GroupID != sub.GroupID {
			return fmt.Errorf("%w: %s", ErrProductGroupMismatch, product.Name)
		}

		created, err = tx.CreateSubscriptionProduct(ctx, &SubscriptionProduct{
			SubscriptionID:    sub.ID,
			ProductID:         product.ID,
			ComponentObjectID: componentObjectID,
		})
		if err != nil {
			return err
		}

		_, err = tx.AddOrganizationProduct(ctx, e.organizationProduct(sub.OrgID, product, &sub.ID))
		return err
	})
	if err != nil {
		return nil, err
	}

	if created.ComponentObjectID != nil && e.scheduler != nil {
		if _, err := e.scheduler.Schedule(ctx, TaskLookup, LookupArgs{SubscriptionProductID: created.ID}, LookupKey(created.ID)); err != nil {
			return created, fmt.Errorf("failed to schedule component lookup: %w", err)
		}
	}
	return created, nil
}

func (e *Engine) organizationProduct(orgID int64, p *Product, subscriptionID *int64) *OrganizationProduct {
	op := &OrganizationProduct{OrgID: orgID, ProductID: p.ID, SubscriptionID: subscriptionID}
	if p.ExpiresAfter > 0 {
		expires := e.now().Add(p.ExpiresAfter)
		op.Expires = &expires
	}
	return op
}

// AddModifier validates and attaches a price modifier to a subscription product
func (e *Engine) AddModifier(ctx context.Context, m *SubscriptionProductModifier) (*SubscriptionProductModifier, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if _, err := e.store.GetSubscriptionProduct(ctx, m.SubscriptionProductID); err != nil {
		return nil, err
	}
	return e.store.CreateModifier(ctx, m)
}

// CreatePaymentMethod stores pm after checking its processor is registered
func (e *Engine) CreatePaymentMethod(ctx context.Context, pm *PaymentMethod) (*PaymentMethod, error) {
	if _, err := e.processors.Get(pm.Processor); err != nil {
		return nil, err
	}
	if pm.Status == "" {
		pm.Status = PaymentMethodOK
	}
	return e.store.CreatePaymentMethod(ctx, pm)
}

// AssignPaymentMethod sets the payment method of a subscription. The method
// must belong to the subscribed organization and be usable.
func (e *Engine) AssignPaymentMethod(ctx context.Context, subscriptionID, paymentMethodID int64) error {
	sub, err := e.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	pm, err := e.store.GetPaymentMethod(ctx, paymentMethodID)
	if err != nil {
		return err
	}
	if pm.OrgID != sub.OrgID {
		return fmt.Errorf("%w: %d does not belong to organization %d", ErrPaymentMethodNotFound, pm.ID, sub.OrgID)
	}
	if pm.Status != PaymentMethodOK {
		return fmt.Errorf("payment method %d is %s", pm.ID, pm.Status)
	}
	sub.PaymentMethodID = &pm.ID
	return e.store.UpdateSubscription(ctx, sub)
}

// AutoAssignPaymentMethod assigns the organization's first usable payment
// method to a subscription without one. It returns nil when there is none.
func (e *Engine) AutoAssignPaymentMethod(ctx context.Context, sub *Subscription) (*PaymentMethod, error) {
	if sub.PaymentMethodID != nil {
		return e.store.GetPaymentMethod(ctx, *sub.PaymentMethodID)
	}

	methods, err := e.store.ListPaymentMethods(ctx, sub.OrgID)
	if err != nil {
		return nil, err
	}
	for _, pm := range methods {
		if pm.Status != PaymentMethodOK {
			continue
		}
		sub.PaymentMethodID = &pm.ID
		if err := e.store.UpdateSubscription(ctx, sub); err != nil {
			return nil, err
		}
		e.logger.WithFields(map[string]interface{}{
			"subscription_id":   sub.ID,
			"payment_method_id": pm.ID,
		}).Info("Assigned payment method to subscription")
		return pm, nil
	}
	return nil, nil
}
