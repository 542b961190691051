package billing

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAlreadyCharged is returned when charging a cycle that has an ok charge
	ErrAlreadyCharged = errors.New("subscription cycle already charged")
	// ErrCycleActive is returned when starting a cycle while an uncharged,
	// unended one exists
	ErrCycleActive = errors.New("subscription has an active cycle")
	// ErrNoPaymentMethod is returned when a priced cycle has no payment method
	ErrNoPaymentMethod = errors.New("subscription has no payment method")

	ErrProductNotFound       = errors.New("product not found")
	ErrProductGroupNotFound  = errors.New("product group not found")
	ErrSubscriptionNotFound  = errors.New("subscription not found")
	ErrCycleNotFound         = errors.New("subscription cycle not found")
	ErrChargeNotFound        = errors.New("payment charge not found")
	ErrPaymentMethodNotFound = errors.New("payment method not found")
	ErrInvalidModifier       = errors.New("invalid subscription product modifier")
	ErrInvalidProduct        = errors.New("invalid product")
	// ErrProductGroupMismatch is returned when adding a product from another
	// group to a subscription
	ErrProductGroupMismatch = errors.New("product does not belong to the subscription group")
)

// IsIdempotencyGuard reports whether err signals that the target is already
// in the requested state. Orchestration treats these as no-ops.
func IsIdempotencyGuard(err error) bool {
	return errors.Is(err, ErrAlreadyCharged) || errors.Is(err, ErrCycleActive)
}

// Validate checks the product type, price and currency
func (p *Product) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidProduct)
	}
	switch p.Type {
	case ProductFixed, ProductMetered:
	default:
		return fmt.Errorf("%w: type %q", ErrInvalidProduct, p.Type)
	}
	if p.UnitPrice < 0 {
		return fmt.Errorf("%w: negative unit price", ErrInvalidProduct)
	}
	if p.ExpiresAfter < 0 {
		return fmt.Errorf("%w: negative expiry", ErrInvalidProduct)
	}
	return nil
}

// ProductType decides how a product is priced
type ProductType string

const (
	// ProductFixed is billed a flat unit price per cycle
	ProductFixed ProductType = "fixed"
	// ProductMetered is billed usage times unit price
	ProductMetered ProductType = "metered"
)

// Interval is a subscription billing interval
type Interval string

const (
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
)

// ProductGroup groups the products one subscription can carry
type ProductGroup struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Product is a billable product
type Product struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	GroupID     *int64      `json:"group_id,omitempty"`
	Component   string      `json:"component,omitempty"`
	Description string      `json:"description,omitempty"`
	Type        ProductType `json:"type"`
	UnitPrice   Money       `json:"unit_price"`
	Currency    string      `json:"currency"`
	Recurring   bool        `json:"recurring"`

	// ExpiresAfter limits access granted through OrganizationProduct; zero
	// means access does not expire.
	ExpiresAfter time.Duration `json:"expires_after,omitempty"`
	// ReplacementID is granted when access to this product expires
	ReplacementID *int64 `json:"replacement_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// SubscriptionStatus is the status of a subscription
type SubscriptionStatus string

const (
	SubscriptionStatusOK        SubscriptionStatus = "ok"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
)

// ChargeType decides when cycles are charged
type ChargeType string

const (
	// ChargeAtEnd charges a cycle once it has ended
	ChargeAtEnd ChargeType = "end"
	// ChargeAtStart charges a cycle as soon as it is open
	ChargeAtStart ChargeType = "start"
)

// Subscription enrolls an organization in recurring billing for a product group
type Subscription struct {
	ID      int64              `json:"id"`
	OrgID   int64              `json:"org_id"`
	GroupID int64              `json:"group_id"`
	Status  SubscriptionStatus `json:"status"`

	Interval Interval `json:"interval"`
	// CycleStart anchors cycle boundaries; its day of month is kept when
	// computing monthly cycle ends.
	CycleStart      *time.Time `json:"cycle_start,omitempty"`
	PaymentMethodID *int64     `json:"payment_method_id,omitempty"`
	ChargeType      ChargeType `json:"charge_type"`
	Currency        string     `json:"currency"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChargesAtEnd reports whether cycles wait for their end before charging.
// An empty charge type means "end".
func (s *Subscription) ChargesAtEnd() bool {
	return s.ChargeType == "" || s.ChargeType == ChargeAtEnd
}

// SubscriptionProduct attaches a product to a subscription
type SubscriptionProduct struct {
	ID             int64 `json:"id"`
	SubscriptionID int64 `json:"subscription_id"`
	ProductID      int64 `json:"product_id"`

	// ComponentObjectID references the object in the owning service that
	// usage is reported for; its name is resolved by a lookup task.
	ComponentObjectID   *int64 `json:"component_object_id,omitempty"`
	ComponentObjectName string `json:"component_object_name,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ModifierType is the kind of price adjustment
type ModifierType string

const (
	ModifierFree       ModifierType = "free"
	ModifierQuantity   ModifierType = "quantity"
	ModifierReduction  ModifierType = "reduction"
	ModifierReductionP ModifierType = "reduction_p"
)

// SubscriptionProductModifier adjusts the price of a subscription product
// until Valid.
type SubscriptionProductModifier struct {
	ID                    int64        `json:"id"`
	SubscriptionProductID int64        `json:"subscription_product_id"`
	Type                  ModifierType `json:"type"`
	// Value is units for quantity, currency units for reduction and percent
	// for reduction_p. It is ignored by free.
	Value     float64   `json:"value"`
	Valid     time.Time `json:"valid"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ValidAt reports whether the modifier applies at now
func (m *SubscriptionProductModifier) ValidAt(now time.Time) bool {
	return now.Before(m.Valid)
}

// Validate checks the modifier type and value
func (m *SubscriptionProductModifier) Validate() error {
	switch m.Type {
	case ModifierFree:
	case ModifierQuantity, ModifierReduction:
		if m.Value < 0 {
			return fmt.Errorf("%w: negative value", ErrInvalidModifier)
		}
	case ModifierReductionP:
		if m.Value < 0 || m.Value > 100 {
			return fmt.Errorf("%w: percentage out of range", ErrInvalidModifier)
		}
	default:
		return fmt.Errorf("%w: type %q", ErrInvalidModifier, m.Type)
	}
	if m.Valid.IsZero() {
		return fmt.Errorf("%w: valid until is required", ErrInvalidModifier)
	}
	return nil
}

// CycleStatus is the status of a subscription cycle
type CycleStatus string

const (
	CycleOpen CycleStatus = "open"
	// CycleFailed marks a cycle whose last charge attempt failed
	CycleFailed CycleStatus = "failed"
	// CycleExpired marks a closed cycle whose charge was attempted
	CycleExpired CycleStatus = "expired"
)

// SubscriptionCycle is one billing period [Start, End)
type SubscriptionCycle struct {
	ID             int64       `json:"id"`
	SubscriptionID int64       `json:"subscription_id"`
	Start          time.Time   `json:"start"`
	End            time.Time   `json:"end"`
	Status         CycleStatus `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Ended reports whether the period is over at now
func (c *SubscriptionCycle) Ended(now time.Time) bool {
	return !now.Before(c.End)
}

// Contains reports whether now falls inside the period
func (c *SubscriptionCycle) Contains(now time.Time) bool {
	return !now.Before(c.Start) && now.Before(c.End)
}

// SubscriptionCycleProduct is the usage snapshot of one product in a cycle
type SubscriptionCycleProduct struct {
	ID                    int64     `json:"id"`
	CycleID               int64     `json:"cycle_id"`
	SubscriptionProductID int64     `json:"subscription_product_id"`
	Usage                 float64   `json:"usage"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// PaymentMethodStatus is the status of a payment method
type PaymentMethodStatus string

const (
	PaymentMethodOK          PaymentMethodStatus = "ok"
	PaymentMethodUnconfirmed PaymentMethodStatus = "unconfirmed"
)

// PaymentMethod is an organization's way of paying through a processor
type PaymentMethod struct {
	ID        int64               `json:"id"`
	OrgID     int64               `json:"org_id"`
	Processor string              `json:"processor"`
	Name      string              `json:"name"`
	Status    PaymentMethodStatus `json:"status"`
	Data      map[string]string   `json:"data,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
}

// ChargeStatus is the status of a payment charge
type ChargeStatus string

const (
	ChargePending ChargeStatus = "pending"
	ChargeOK      ChargeStatus = "ok"
	ChargeFailed  ChargeStatus = "failed"
)

// PaymentCharge is one attempt to collect Price from a payment method
type PaymentCharge struct {
	ID              int64             `json:"id"`
	PaymentMethodID int64             `json:"payment_method_id"`
	Processor       string            `json:"processor"`
	Price           Money             `json:"price"`
	Currency        string            `json:"currency"`
	Description     string            `json:"description"`
	Status          ChargeStatus      `json:"status"`
	TransactionID   string            `json:"transaction_id,omitempty"`
	Data            map[string]string `json:"data,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// SubscriptionCycleCharge links a cycle to a charge attempt
type SubscriptionCycleCharge struct {
	ID      int64          `json:"id"`
	CycleID int64          `json:"cycle_id"`
	Charge  *PaymentCharge `json:"charge"`
}

// OrganizationProduct grants an organization access to a product
type OrganizationProduct struct {
	ID             int64      `json:"id"`
	OrgID          int64      `json:"org_id"`
	ProductID      int64      `json:"product_id"`
	SubscriptionID *int64     `json:"subscription_id,omitempty"`
	Expires        *time.Time `json:"expires,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Expired reports whether access ran out before now
func (p *OrganizationProduct) Expired(now time.Time) bool {
	return p.Expires != nil && p.Expires.Before(now)
}

// OrderHistory is the receipt snapshot written when a charge succeeds
type OrderHistory struct {
	ID          int64               `json:"id"`
	OrgID       int64               `json:"org_id"`
	OrderNumber string              `json:"order_number"`
	ChargeID    int64               `json:"charge_id"`
	Price       Money               `json:"price"`
	Currency    string              `json:"currency"`
	Description string              `json:"description"`
	Processed   time.Time           `json:"processed"`
	Items       []*OrderHistoryItem `json:"items"`
}

// OrderHistoryItem is one line of an order
type OrderHistoryItem struct {
	ID          int64  `json:"id"`
	OrderID     int64  `json:"order_id"`
	Description string `json:"description"`
	Price       Money  `json:"price"`
	CycleID     *int64 `json:"cycle_id,omitempty"`
}
