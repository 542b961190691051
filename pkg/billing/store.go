package billing

import (
	"context"
	"time"
)

// Store persists the catalog, subscriptions, cycles, charges and ledger
type Store interface {
	CreateProductGroup(ctx context.Context, g *ProductGroup) (*ProductGroup, error)
	GetProductGroupByName(ctx context.Context, name string) (*ProductGroup, error)

	CreateProduct(ctx context.Context, p *Product) (*Product, error)
	UpdateProduct(ctx context.Context, p *Product) error
	GetProduct(ctx context.Context, id int64) (*Product, error)
	GetProductByName(ctx context.Context, name string) (*Product, error)
	ListProducts(ctx context.Context) ([]*Product, error)

	CreateSubscription(ctx context.Context, s *Subscription) (*Subscription, error)
	UpdateSubscription(ctx context.Context, s *Subscription) error
	GetSubscription(ctx context.Context, id int64) (*Subscription, error)
	// ListSubscriptions returns subscriptions with status ordered by ID
	ListSubscriptions(ctx context.Context, status SubscriptionStatus) ([]*Subscription, error)

	CreateSubscriptionProduct(ctx context.Context, sp *SubscriptionProduct) (*SubscriptionProduct, error)
	UpdateSubscriptionProduct(ctx context.Context, sp *SubscriptionProduct) error
	GetSubscriptionProduct(ctx context.Context, id int64) (*SubscriptionProduct, error)
	ListSubscriptionProducts(ctx context.Context, subscriptionID int64) ([]*SubscriptionProduct, error)

	CreateModifier(ctx context.Context, m *SubscriptionProductModifier) (*SubscriptionProductModifier, error)
	// ListModifiers returns modifiers in stored order
	ListModifiers(ctx context.Context, subscriptionProductID int64) ([]*SubscriptionProductModifier, error)

	CreateCycle(ctx context.Context, c *SubscriptionCycle) (*SubscriptionCycle, error)
	UpdateCycleStatus(ctx context.Context, id int64, status CycleStatus) error
	GetCycle(ctx context.Context, id int64) (*SubscriptionCycle, error)
	// ListCycles returns the cycles of a subscription ordered by start
	ListCycles(ctx context.Context, subscriptionID int64) ([]*SubscriptionCycle, error)

	// UpsertCycleProduct creates or updates the row for (cycle, subscription product)
	UpsertCycleProduct(ctx context.Context, cp *SubscriptionCycleProduct) (*SubscriptionCycleProduct, error)
	ListCycleProducts(ctx context.Context, cycleID int64) ([]*SubscriptionCycleProduct, error)

	CreatePaymentMethod(ctx context.Context, pm *PaymentMethod) (*PaymentMethod, error)
	GetPaymentMethod(ctx context.Context, id int64) (*PaymentMethod, error)
	ListPaymentMethods(ctx context.Context, orgID int64) ([]*PaymentMethod, error)

	CreateCharge(ctx context.Context, c *PaymentCharge) (*PaymentCharge, error)
	UpdateCharge(ctx context.Context, c *PaymentCharge) error
	GetCharge(ctx context.Context, id int64) (*PaymentCharge, error)

	LinkCycleCharge(ctx context.Context, cycleID, chargeID int64) (*SubscriptionCycleCharge, error)
	// ListCycleCharges returns the charge attempts of a cycle, oldest first
	ListCycleCharges(ctx context.Context, cycleID int64) ([]*SubscriptionCycleCharge, error)
	// GetCycleChargeByCharge returns the cycle link of a charge
	GetCycleChargeByCharge(ctx context.Context, chargeID int64) (*SubscriptionCycleCharge, error)

	CreateOrder(ctx context.Context, o *OrderHistory) (*OrderHistory, error)
	GetOrderByCharge(ctx context.Context, chargeID int64) (*OrderHistory, error)
	ListOrders(ctx context.Context, orgID int64) ([]*OrderHistory, error)

	AddLedgerEntry(ctx context.Context, orgID int64, e LedgerEntry) (*LedgerRecord, error)
	ListLedger(ctx context.Context, orgID int64) ([]*LedgerRecord, error)

	// AddOrganizationProduct is get-or-create on (org, product)
	AddOrganizationProduct(ctx context.Context, op *OrganizationProduct) (*OrganizationProduct, error)
	ListOrganizationProducts(ctx context.Context, orgID int64) ([]*OrganizationProduct, error)
	// ListExpiredOrganizationProducts returns grants whose Expires is before now
	ListExpiredOrganizationProducts(ctx context.Context, now time.Time) ([]*OrganizationProduct, error)
	DeleteOrganizationProduct(ctx context.Context, id int64) error

	// RunInTx runs fn against a transactional view of the store
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
