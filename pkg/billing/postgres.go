package billing

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fullctl/aaactl-sub000/pkg/storage"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db *sql.DB
	q  storage.Querier
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db}
}

// RunInTx runs fn inside a database transaction
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if _, inTx := s.q.(*sql.Tx); inTx {
		return fn(ctx, s)
	}
	return storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		return fn(ctx, &PostgresStore{db: s.db, q: tx})
	})
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullTime(p *time.Time) sql.NullTime {
	if p == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *p, Valid: true}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	v := n.Time
	return &v
}

func marshalData(data map[string]string) ([]byte, error) {
	if data == nil {
		data = map[string]string{}
	}
	return json.Marshal(data)
}

func unmarshalData(raw []byte) (map[string]string, error) {
	data := map[string]string{}
	if len(raw) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to decode data: %w", err)
	}
	return data, nil
}

func notFound(err error, sentinel error, format string, args ...interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: "+format, append([]interface{}{sentinel}, args...)...)
	}
	return err
}

// CreateProductGroup stores g
func (s *PostgresStore) CreateProductGroup(ctx context.Context, g *ProductGroup) (*ProductGroup, error) {
	query := `INSERT INTO product_groups (name) VALUES ($1) RETURNING id, name, created_at`
	out := &ProductGroup{}
	if err := s.q.QueryRowContext(ctx, query, g.Name).Scan(&out.ID, &out.Name, &out.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to create product group: %w", err)
	}
	return out, nil
}

// GetProductGroupByName looks up a product group
func (s *PostgresStore) GetProductGroupByName(ctx context.Context, name string) (*ProductGroup, error) {
	query := `SELECT id, name, created_at FROM product_groups WHERE name = $1`
	out := &ProductGroup{}
	if err := s.q.QueryRowContext(ctx, query, name).Scan(&out.ID, &out.Name, &out.CreatedAt); err != nil {
		return nil, notFound(fmt.Errorf("failed to get product group: %w", err), ErrProductGroupNotFound, "%s", name)
	}
	return out, nil
}

const productColumns = `id, name, group_id, component, description, product_type, unit_price, currency,
		recurring, expires_after_seconds, replacement_id, created_at`

func scanProduct(sc scanner) (*Product, error) {
	p := &Product{}
	var groupID, replacementID sql.NullInt64
	var unitPrice, expires int64
	if err := sc.Scan(
		&p.ID, &p.Name, &groupID, &p.Component, &p.Description, &p.Type, &unitPrice, &p.Currency,
		&p.Recurring, &expires, &replacementID, &p.CreatedAt,
	); err != nil {
		return nil, err
	}
	p.GroupID = int64Ptr(groupID)
	p.ReplacementID = int64Ptr(replacementID)
	p.UnitPrice = Money(unitPrice)
	p.ExpiresAfter = time.Duration(expires) * time.Second
	return p, nil
}

// CreateProduct stores p
func (s *PostgresStore) CreateProduct(ctx context.Context, p *Product) (*Product, error) {
	query := `
		INSERT INTO products (name, group_id, component, description, product_type, unit_price, currency,
			recurring, expires_after_seconds, replacement_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING ` + productColumns
	row := s.q.QueryRowContext(ctx, query,
		p.Name, nullInt64(p.GroupID), p.Component, p.Description, p.Type, int64(p.UnitPrice), p.Currency,
		p.Recurring, int64(p.ExpiresAfter/time.Second), nullInt64(p.ReplacementID),
	)
	created, err := scanProduct(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create product: %w", err)
	}
	return created, nil
}

// UpdateProduct replaces the stored product
func (s *PostgresStore) UpdateProduct(ctx context.Context, p *Product) error {
	query := `
		UPDATE products
		SET name = $2, group_id = $3, component = $4, description = $5, product_type = $6,
			unit_price = $7, currency = $8, recurring = $9, expires_after_seconds = $10, replacement_id = $11
		WHERE id = $1
	`
	result, err := s.q.ExecContext(ctx, query,
		p.ID, p.Name, nullInt64(p.GroupID), p.Component, p.Description, p.Type,
		int64(p.UnitPrice), p.Currency, p.Recurring, int64(p.ExpiresAfter/time.Second), nullInt64(p.ReplacementID),
	)
	if err != nil {
		return fmt.Errorf("failed to update product: %w", err)
	}
	n, err := storage.RowsAffected(result)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrProductNotFound, p.ID)
	}
	return nil
}

// GetProduct returns the product with id
func (s *PostgresStore) GetProduct(ctx context.Context, id int64) (*Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1`
	p, err := scanProduct(s.q.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(fmt.Errorf("failed to get product: %w", err), ErrProductNotFound, "%d", id)
	}
	return p, nil
}

// GetProductByName returns the product called name
func (s *PostgresStore) GetProductByName(ctx context.Context, name string) (*Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE name = $1`
	p, err := scanProduct(s.q.QueryRowContext(ctx, query, name))
	if err != nil {
		return nil, notFound(fmt.Errorf("failed to get product: %w", err), ErrProductNotFound, "%s", name)
	}
	return p, nil
}

// ListProducts returns all products ordered by ID
func (s *PostgresStore) ListProducts(ctx context.Context) ([]*Product, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+productColumns+` FROM products ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	var out []*Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const subscriptionColumns = `id, org_id, group_id, status, subscription_interval, cycle_start,
		payment_method_id, charge_type, currency, created_at, updated_at`

func scanSubscription(sc scanner) (*Subscription, error) {
	sub := &Subscription{}
	var cycleStart sql.NullTime
	var pmID sql.NullInt64
	if err := sc.Scan(
		&sub.ID, &sub.OrgID, &sub.GroupID, &sub.Status, &sub.Interval, &cycleStart,
		&pmID, &sub.ChargeType, &sub.Currency, &sub.CreatedAt, &sub.UpdatedAt,
	); err != nil {
		return nil, err
	}
	sub.CycleStart = timePtr(cycleStart)
	sub.PaymentMethodID = int64Ptr(pmID)
	return sub, nil
}

// CreateSubscription stores sub
func (s *PostgresStore) CreateSubscription(ctx context.Context, sub *Subscription) (*Subscription, error) {
	query := `
		INSERT INTO subscriptions (org_id, group_id, status, subscription_interval, cycle_start,
			payment_method_id, charge_type, currency)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + subscriptionColumns
	created, err := scanSubscription(s.q.QueryRowContext(ctx, query,
		sub.OrgID, sub.GroupID, sub.Status, sub.Interval, nullTime(sub.CycleStart),
		nullInt64(sub.PaymentMethodID), sub.ChargeType, sub.Currency,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	return created, nil
}

// UpdateSubscription replaces the stored subscription
func (s *PostgresStore) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	query := `
		UPDATE subscriptions
		SET status = $2, subscription_interval = $3, cycle_start = $4, payment_method_id = $5,
			charge_type = $6, currency = $7, updated_at = NOW()
		WHERE id = $1
	`
	result, err := s.q.ExecContext(ctx, query,
		sub.ID, sub.Status, sub.Interval, nullTime(sub.CycleStart), nullInt64(sub.PaymentMethodID),
		sub.ChargeType, sub.Currency,
	)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	n, err := storage.RowsAffected(result)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrSubscriptionNotFound, sub.ID)
	}
	return nil
}

// GetSubscription returns the subscription with id
func (s *PostgresStore) GetSubscription(ctx context.Context, id int64) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	sub, err := scanSubscription(s.q.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(fmt.Errorf("failed to get subscription: %w", err), ErrSubscriptionNotFound, "%d", id)
	}
	return sub, nil
}

// ListSubscriptions returns subscriptions with status ordered by ID
func (s *PostgresStore) ListSubscriptions(ctx context.Context, status SubscriptionStatus) ([]*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE status = $1 ORDER BY id`
	rows, err := s.q.QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

const subscriptionProductColumns = `id, subscription_id, product_id, component_object_id, component_object_name, created_at`

func scanSubscriptionProduct(sc scanner) (*SubscriptionProduct, error) {
	sp := &SubscriptionProduct{}
	var objectID sql.NullInt64
	if err := sc.Scan(&sp.ID, &sp.SubscriptionID, &sp.ProductID, &objectID, &sp.ComponentObjectName, &sp.CreatedAt); err != nil {
		return nil, err
	}
	sp.ComponentObjectID = int64Ptr(objectID)
	return sp, nil
}

// CreateSubscriptionProduct stores sp
func (s *PostgresStore) CreateSubscriptionProduct(ctx context.Context, sp *SubscriptionProduct) (*SubscriptionProduct, error) {
	query := `
		INSERT INTO subscription_products (subscription_id, product_id, component_object_id, component_object_name)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + subscriptionProductColumns
	created, err := scanSubscriptionProduct(s.q.QueryRowContext(ctx, query,
		sp.SubscriptionID, sp.ProductID, nullInt64(sp.ComponentObjectID), sp.ComponentObjectName,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription product: %w", err)
	}
	return created, nil
}

// UpdateSubscriptionProduct stores the component object of sp
func (s *PostgresStore) UpdateSubscriptionProduct(ctx context.Context, sp *SubscriptionProduct) error {
	query := `
		UPDATE subscription_products
		SET component_object_id = $2, component_object_name = $3
		WHERE id = $1
	`
	result, err := s.q.ExecContext(ctx, query, sp.ID, nullInt64(sp.ComponentObjectID), sp.ComponentObjectName)
	if err != nil {
		return fmt.Errorf("failed to update subscription product: %w", err)
	}
	n, err := storage.RowsAffected(result)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: subscription product %d", ErrProductNotFound, sp.ID)
	}
	return nil
}

// GetSubscriptionProduct returns the subscription product with id
func (s *PostgresStore) GetSubscriptionProduct(ctx context.Context, id int64) (*SubscriptionProduct, error) {
	query := `SELECT ` + subscriptionProductColumns + ` FROM subscription_products WHERE id = $1`
	sp, err := scanSubscriptionProduct(s.q.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(fmt.Errorf("failed to get subscription product: %w", err), ErrProductNotFound, "subscription product %d", id)
	}
	return sp, nil
}

// ListSubscriptionProducts returns the products of a subscription ordered by ID
func (s *PostgresStore) ListSubscriptionProducts(ctx context.Context, subscriptionID int64) ([]*SubscriptionProduct, error) {
	query := `SELECT ` + subscriptionProductColumns + ` FROM subscription_products WHERE subscription_id = $1 ORDER BY id`
	rows, err := s.q.QueryContext(ctx, query, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscription products: %w", err)
	}
	defer rows.Close()

	var out []*SubscriptionProduct
	for rows.Next() {
		sp, err := scanSubscriptionProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription product: %w", err)
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

// CreateModifier stores m
func (s *PostgresStore) CreateModifier(ctx context.Context, m *SubscriptionProductModifier) (*SubscriptionProductModifier, error) {
	query := `
		INSERT INTO subscription_product_modifiers (subscription_product_id, modifier_type, value, valid, reason)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	out := *m
	if err := s.q.QueryRowContext(ctx, query, m.SubscriptionProductID, m.Type, m.Value, m.Valid, m.Reason).
		Scan(&out.ID, &out.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to create modifier: %w", err)
	}
	return &out, nil
}

// ListModifiers returns modifiers in stored order
func (s *PostgresStore) ListModifiers(ctx context.Context, subscriptionProductID int64) ([]*SubscriptionProductModifier, error) {
	query := `
		SELECT id, subscription_product_id, modifier_type, value, valid, reason, created_at
		FROM subscription_product_modifiers
		WHERE subscription_product_id = $1
		ORDER BY id
	`
	rows, err := s.q.QueryContext(ctx, query, subscriptionProductID)
	if err != nil {
		return nil, fmt.Errorf("failed to list modifiers: %w", err)
	}
	defer rows.Close()

	var out []*SubscriptionProductModifier
	for rows.Next() {
		m := &SubscriptionProductModifier{}
		if err := rows.Scan(&m.ID, &m.SubscriptionProductID, &m.Type, &m.Value, &m.Valid, &m.Reason, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan modifier: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const cycleColumns = `id, subscription_id, cycle_start, cycle_end, status, created_at`

func scanCycle(sc scanner) (*SubscriptionCycle, error) {
	c := &SubscriptionCycle{}
	if err := sc.Scan(&c.ID, &c.SubscriptionID, &c.Start, &c.End, &c.Status, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Start, c.End = c.Start.UTC(), c.End.UTC()
	return c, nil
}

// CreateCycle stores c
func (s *PostgresStore) CreateCycle(ctx context.Context, c *SubscriptionCycle) (*SubscriptionCycle, error) {
	query := `
		INSERT INTO subscription_cycles (subscription_id, cycle_start, cycle_end, status)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + cycleColumns
	created, err := scanCycle(s.q.QueryRowContext(ctx, query, c.SubscriptionID, c.Start, c.End, c.Status))
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription cycle: %w", err)
	}
	return created, nil
}

// UpdateCycleStatus sets the status of cycle id
func (s *PostgresStore) UpdateCycleStatus(ctx context.Context, id int64, status CycleStatus) error {
	result, err := s.q.ExecContext(ctx, `UPDATE subscription_cycles SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update subscription cycle: %w", err)
	}
	n, err := storage.RowsAffected(result)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrCycleNotFound, id)
	}
	return nil
}

// GetCycle returns the cycle with id
func (s *PostgresStore) GetCycle(ctx context.Context, id int64) (*SubscriptionCycle, error) {
	query := `SELECT ` + cycleColumns + ` FROM subscription_cycles WHERE id = $1`
	c, err := scanCycle(s.q.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(fmt.Errorf("failed to get subscription cycle: %w", err), ErrCycleNotFound, "%d", id)
	}
	return c, nil
}

// ListCycles returns the cycles of a subscription ordered by start
func (s *PostgresStore) ListCycles(ctx context.Context, subscriptionID int64) ([]*SubscriptionCycle, error) {
	query := `SELECT ` + cycleColumns + ` FROM subscription_cycles WHERE subscription_id = $1 ORDER BY cycle_start, id`
	rows, err := s.q.QueryContext(ctx, query, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscription cycles: %w", err)
	}
	defer rows.Close()

	var out []*SubscriptionCycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription cycle: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertCycleProduct creates or updates the row for (cycle, subscription product)
func (s *PostgresStore) UpsertCycleProduct(ctx context.Context, cp *SubscriptionCycleProduct) (*SubscriptionCycleProduct, error) {
	query := `
		INSERT INTO subscription_cycle_products (cycle_id, subscription_product_id, usage, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (cycle_id, subscription_product_id)
		DO UPDATE SET usage = EXCLUDED.usage, updated_at = NOW()
		RETURNING id, cycle_id, subscription_product_id, usage, updated_at
	`
	out := &SubscriptionCycleProduct{}
	if err := s.q.QueryRowContext(ctx, query, cp.CycleID, cp.SubscriptionProductID, cp.Usage).
		Scan(&out.ID, &out.CycleID, &out.SubscriptionProductID, &out.Usage, &out.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to upsert cycle product: %w", err)
	}
	return out, nil
}

// ListCycleProducts returns the usage rows of a cycle ordered by ID
func (s *PostgresStore) ListCycleProducts(ctx context.Context, cycleID int64) ([]*SubscriptionCycleProduct, error) {
	query := `
		SELECT id, cycle_id, subscription_product_id, usage, updated_at
		FROM subscription_cycle_products
		WHERE cycle_id = $1
		ORDER BY id
	`
	rows, err := s.q.QueryContext(ctx, query, cycleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cycle products: %w", err)
	}
	defer rows.Close()

	var out []*SubscriptionCycleProduct
	for rows.Next() {
		cp := &SubscriptionCycleProduct{}
		if err := rows.Scan(&cp.ID, &cp.CycleID, &cp.SubscriptionProductID, &cp.Usage, &cp.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cycle product: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

const paymentMethodColumns = `id, org_id, processor, name, status, data, created_at`

func scanPaymentMethod(sc scanner) (*PaymentMethod, error) {
	pm := &PaymentMethod{}
	var raw []byte
	if err := sc.Scan(&pm.ID, &pm.OrgID, &pm.Processor, &pm.Name, &pm.Status, &raw, &pm.CreatedAt); err != nil {
		return nil, err
	}
	data, err := unmarshalData(raw)
	if err != nil {
		return nil, err
	}
	pm.Data = data
	return pm, nil
}

// CreatePaymentMethod stores pm
func (s *PostgresStore) CreatePaymentMethod(ctx context.Context, pm *PaymentMethod) (*PaymentMethod, error) {
	data, err := marshalData(pm.Data)
	if err != nil {
		return nil, err
	}
	query := `
		INSERT INTO payment_methods (org_id, processor, name, status, data)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + paymentMethodColumns
	created, err := scanPaymentMethod(s.q.QueryRowContext(ctx, query, pm.OrgID, pm.Processor, pm.Name, pm.Status, data))
	if err != nil {
		return nil, fmt.Errorf("failed to create payment method: %w", err)
	}
	return created, nil
}

// GetPaymentMethod returns the payment method with id
func (s *PostgresStore) GetPaymentMethod(ctx context.Context, id int64) (*PaymentMethod, error) {
	query := `SELECT ` + paymentMethodColumns + ` FROM payment_methods WHERE id = $1`
	pm, err := scanPaymentMethod(s.q.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(fmt.Errorf("failed to get payment method: %w", err), ErrPaymentMethodNotFound, "%d", id)
	}
	return pm, nil
}

// ListPaymentMethods returns the payment methods of an organization ordered by ID
func (s *PostgresStore) ListPaymentMethods(ctx context.Context, orgID int64) ([]*PaymentMethod, error) {
	query := `SELECT ` + paymentMethodColumns + ` FROM payment_methods WHERE org_id = $1 ORDER BY id`
	rows, err := s.q.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment methods: %w", err)
	}
	defer rows.Close()

	var out []*PaymentMethod
	for rows.Next() {
		pm, err := scanPaymentMethod(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment method: %w", err)
		}
		out = append(out, pm)
	}
	return out, rows.Err()
}

const chargeColumns = `id, payment_method_id, processor, price, currency, description, status,
		transaction_id, data, created_at, updated_at`

func scanCharge(sc scanner) (*PaymentCharge, error) {
	c := &PaymentCharge{}
	var price int64
	var raw []byte
	if err := sc.Scan(
		&c.ID, &c.PaymentMethodID, &c.Processor, &price, &c.Currency, &c.Description, &c.Status,
		&c.TransactionID, &raw, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	data, err := unmarshalData(raw)
	if err != nil {
		return nil, err
	}
	c.Price = Money(price)
	c.Data = data
	return c, nil
}

// CreateCharge stores c
func (s *PostgresStore) CreateCharge(ctx context.Context, c *PaymentCharge) (*PaymentCharge, error) {
	data, err := marshalData(c.Data)
	if err != nil {
		return nil, err
	}
	query := `
		INSERT INTO payment_charges (payment_method_id, processor, price, currency, description, status,
			transaction_id, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + chargeColumns
	created, err := scanCharge(s.q.QueryRowContext(ctx, query,
		c.PaymentMethodID, c.Processor, int64(c.Price), c.Currency, c.Description, c.Status, c.TransactionID, data,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create payment charge: %w", err)
	}
	return created, nil
}

// UpdateCharge replaces status, transaction and data of a charge
func (s *PostgresStore) UpdateCharge(ctx context.Context, c *PaymentCharge) error {
	data, err := marshalData(c.Data)
	if err != nil {
		return err
	}
	query := `
		UPDATE payment_charges
		SET status = $2, transaction_id = $3, data = $4, updated_at = NOW()
		WHERE id = $1
	`
	result, err := s.q.ExecContext(ctx, query, c.ID, c.Status, c.TransactionID, data)
	if err != nil {
		return fmt.Errorf("failed to update payment charge: %w", err)
	}
	n, err := storage.RowsAffected(result)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrChargeNotFound, c.ID)
	}
	return nil
}

// GetCharge returns the charge with id
func (s *PostgresStore) GetCharge(ctx context.Context, id int64) (*PaymentCharge, error) {
	query := `SELECT ` + chargeColumns + ` FROM payment_charges WHERE id = $1`
	c, err := scanCharge(s.q.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(fmt.Errorf("failed to get payment charge: %w", err), ErrChargeNotFound, "%d", id)
	}
	return c, nil
}

// LinkCycleCharge links a charge attempt to a cycle
func (s *PostgresStore) LinkCycleCharge(ctx context.Context, cycleID, chargeID int64) (*SubscriptionCycleCharge, error) {
	var id int64
	query := `INSERT INTO subscription_cycle_charges (cycle_id, charge_id) VALUES ($1, $2) RETURNING id`
	if err := s.q.QueryRowContext(ctx, query, cycleID, chargeID).Scan(&id); err != nil {
		return nil, fmt.Errorf("failed to link cycle charge: %w", err)
	}
	charge, err := s.GetCharge(ctx, chargeID)
	if err != nil {
		return nil, err
	}
	return &SubscriptionCycleCharge{ID: id, CycleID: cycleID, Charge: charge}, nil
}

const cycleChargeQuery = `
		SELECT cc.id, cc.cycle_id, c.id, c.payment_method_id, c.processor, c.price, c.currency, c.description,
			c.status, c.transaction_id, c.data, c.created_at, c.updated_at
		FROM subscription_cycle_charges cc
		JOIN payment_charges c ON c.id = cc.charge_id
`

func scanCycleCharge(sc scanner) (*SubscriptionCycleCharge, error) {
	cc := &SubscriptionCycleCharge{Charge: &PaymentCharge{}}
	c := cc.Charge
	var price int64
	var raw []byte
	if err := sc.Scan(
		&cc.ID, &cc.CycleID, &c.ID, &c.PaymentMethodID, &c.Processor, &price, &c.Currency, &c.Description,
		&c.Status, &c.TransactionID, &raw, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	data, err := unmarshalData(raw)
	if err != nil {
		return nil, err
	}
	c.Price = Money(price)
	c.Data = data
	return cc, nil
}

// ListCycleCharges returns the charge attempts of a cycle, oldest first
func (s *PostgresStore) ListCycleCharges(ctx context.Context, cycleID int64) ([]*SubscriptionCycleCharge, error) {
	rows, err := s.q.QueryContext(ctx, cycleChargeQuery+` WHERE cc.cycle_id = $1 ORDER BY cc.id`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cycle charges: %w", err)
	}
	defer rows.Close()

	var out []*SubscriptionCycleCharge
	for rows.Next() {
		cc, err := scanCycleCharge(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cycle charge: %w", err)
		}
		out = append(out, cc)
	}
	return out, rows.Err()
}

// GetCycleChargeByCharge returns the cycle link of a charge
func (s *PostgresStore) GetCycleChargeByCharge(ctx context.Context, chargeID int64) (*SubscriptionCycleCharge, error) {
	cc, err := scanCycleCharge(s.q.QueryRowContext(ctx, cycleChargeQuery+` WHERE cc.charge_id = $1`, chargeID))
	if err != nil {
		return nil, notFound(fmt.Errorf("failed to get cycle charge: %w", err), ErrChargeNotFound, "no cycle for charge %d", chargeID)
	}
	return cc, nil
}

// CreateOrder stores o with its items
func (s *PostgresStore) CreateOrder(ctx context.Context, o *OrderHistory) (*OrderHistory, error) {
	out := *o
	query := `
		INSERT INTO order_history (org_id, order_number, charge_id, price, currency, description, processed)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	if err := s.q.QueryRowContext(ctx, query,
		o.OrgID, o.OrderNumber, o.ChargeID, int64(o.Price), o.Currency, o.Description, o.Processed,
	).Scan(&out.ID); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	out.Items = make([]*OrderHistoryItem, 0, len(o.Items))
	itemQuery := `
		INSERT INTO order_history_items (order_id, description, price, cycle_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`
	for _, item := range o.Items {
		ic := *item
		ic.OrderID = out.ID
		if err := s.q.QueryRowContext(ctx, itemQuery, out.ID, item.Description, int64(item.Price), nullInt64(item.CycleID)).
			Scan(&ic.ID); err != nil {
			return nil, fmt.Errorf("failed to create order item: %w", err)
		}
		out.Items = append(out.Items, &ic)
	}
	return &out, nil
}

const orderColumns = `id, org_id, order_number, charge_id, price, currency, description, processed`

func scanOrder(sc scanner) (*OrderHistory, error) {
	o := &OrderHistory{}
	var price int64
	if err := sc.Scan(&o.ID, &o.OrgID, &o.OrderNumber, &o.ChargeID, &price, &o.Currency, &o.Description, &o.Processed); err != nil {
		return nil, err
	}
	o.Price = Money(price)
	return o, nil
}

func (s *PostgresStore) orderItems(ctx context.Context, o *OrderHistory) error {
	query := `
		SELECT id, order_id, description, price, cycle_id
		FROM order_history_items
		WHERE order_id = $1
		ORDER BY id
	`
	rows, err := s.q.QueryContext(ctx, query, o.ID)
	if err != nil {
		return fmt.Errorf("failed to list order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		item := &OrderHistoryItem{}
		var price int64
		var cycleID sql.NullInt64
		if err := rows.Scan(&item.ID, &item.OrderID, &item.Description, &price, &cycleID); err != nil {
			return fmt.Errorf("failed to scan order item: %w", err)
		}
		item.Price = Money(price)
		item.CycleID = int64Ptr(cycleID)
		o.Items = append(o.Items, item)
	}
	return rows.Err()
}

// GetOrderByCharge returns the order written for a charge, or nil
func (s *PostgresStore) GetOrderByCharge(ctx context.Context, chargeID int64) (*OrderHistory, error) {
	query := `SELECT ` + orderColumns + ` FROM order_history WHERE charge_id = $1`
	o, err := scanOrder(s.q.QueryRowContext(ctx, query, chargeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	if err := s.orderItems(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// ListOrders returns the orders of an organization ordered by ID
func (s *PostgresStore) ListOrders(ctx context.Context, orgID int64) ([]*OrderHistory, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+orderColumns+` FROM order_history WHERE org_id = $1 ORDER BY id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	var out []*OrderHistory
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, o := range out {
		if err := s.orderItems(ctx, o); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// AddLedgerEntry appends e to the organization ledger
func (s *PostgresStore) AddLedgerEntry(ctx context.Context, orgID int64, e LedgerEntry) (*LedgerRecord, error) {
	row := flattenLedgerEntry(e)
	var invoice sql.NullString
	if row.InvoiceNumber != nil {
		invoice = sql.NullString{String: *row.InvoiceNumber, Valid: true}
	}
	query := `
		INSERT INTO ledger_entries (org_id, kind, amount, currency, description, payment_method_id, charge_id,
			order_id, item_id, invoice_number)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`
	rec := &LedgerRecord{OrgID: orgID, Entry: e}
	if err := s.q.QueryRowContext(ctx, query,
		orgID, row.Kind, int64(row.Line.Price), row.Line.CurrencyCode, row.Line.Memo,
		nullInt64(row.PaymentMethodID), nullInt64(row.ChargeID), nullInt64(row.OrderID), nullInt64(row.ItemID), invoice,
	).Scan(&rec.ID, &rec.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to add ledger entry: %w", err)
	}
	return rec, nil
}

// ListLedger returns the ledger of an organization in insertion order
func (s *PostgresStore) ListLedger(ctx context.Context, orgID int64) ([]*LedgerRecord, error) {
	query := `
		SELECT id, kind, amount, currency, description, payment_method_id, charge_id, order_id, item_id,
			invoice_number, created_at
		FROM ledger_entries
		WHERE org_id = $1
		ORDER BY id
	`
	rows, err := s.q.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger: %w", err)
	}
	defer rows.Close()

	var out []*LedgerRecord
	for rows.Next() {
		rec := &LedgerRecord{OrgID: orgID}
		var row ledgerRow
		var amount int64
		var pmID, chargeID, orderID, itemID sql.NullInt64
		var invoice sql.NullString
		if err := rows.Scan(
			&rec.ID, &row.Kind, &amount, &row.Line.CurrencyCode, &row.Line.Memo,
			&pmID, &chargeID, &orderID, &itemID, &invoice, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		row.Line.Price = Money(amount)
		row.PaymentMethodID, row.ChargeID = int64Ptr(pmID), int64Ptr(chargeID)
		row.OrderID, row.ItemID = int64Ptr(orderID), int64Ptr(itemID)
		if invoice.Valid {
			row.InvoiceNumber = &invoice.String
		}
		entry, err := row.entry()
		if err != nil {
			return nil, err
		}
		rec.Entry = entry
		out = append(out, rec)
	}
	return out, rows.Err()
}

const organizationProductColumns = `id, org_id, product_id, subscription_id, expires, created_at`

func scanOrganizationProduct(sc scanner) (*OrganizationProduct, error) {
	op := &OrganizationProduct{}
	var subID sql.NullInt64
	var expires sql.NullTime
	if err := sc.Scan(&op.ID, &op.OrgID, &op.ProductID, &subID, &expires, &op.CreatedAt); err != nil {
		return nil, err
	}
	op.SubscriptionID = int64Ptr(subID)
	op.Expires = timePtr(expires)
	return op, nil
}

// AddOrganizationProduct is get-or-create on (org, product)
func (s *PostgresStore) AddOrganizationProduct(ctx context.Context, op *OrganizationProduct) (*OrganizationProduct, error) {
	query := `
		INSERT INTO organization_products (org_id, product_id, subscription_id, expires)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (org_id, product_id) DO NOTHING
	`
	if _, err := s.q.ExecContext(ctx, query, op.OrgID, op.ProductID, nullInt64(op.SubscriptionID), nullTime(op.Expires)); err != nil {
		return nil, fmt.Errorf("failed to add organization product: %w", err)
	}

	get := `SELECT ` + organizationProductColumns + ` FROM organization_products WHERE org_id = $1 AND product_id = $2`
	out, err := scanOrganizationProduct(s.q.QueryRowContext(ctx, get, op.OrgID, op.ProductID))
	if err != nil {
		return nil, fmt.Errorf("failed to get organization product: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) listOrganizationProducts(ctx context.Context, where string, arg interface{}) ([]*OrganizationProduct, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+organizationProductColumns+` FROM organization_products WHERE `+where+` ORDER BY id`, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list organization products: %w", err)
	}
	defer rows.Close()

	var out []*OrganizationProduct
	for rows.Next() {
		op, err := scanOrganizationProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan organization product: %w", err)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// ListOrganizationProducts returns the products an organization can access
func (s *PostgresStore) ListOrganizationProducts(ctx context.Context, orgID int64) ([]*OrganizationProduct, error) {
	return s.listOrganizationProducts(ctx, "org_id = $1", orgID)
}

// ListExpiredOrganizationProducts returns grants whose Expires is before now
func (s *PostgresStore) ListExpiredOrganizationProducts(ctx context.Context, now time.Time) ([]*OrganizationProduct, error) {
	return s.listOrganizationProducts(ctx, "expires IS NOT NULL AND expires < $1", now)
}

// DeleteOrganizationProduct removes a grant
func (s *PostgresStore) DeleteOrganizationProduct(ctx context.Context, id int64) error {
	result, err := s.q.ExecContext(ctx, `DELETE FROM organization_products WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete organization product: %w", err)
	}
	n, err := storage.RowsAffected(result)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: organization product %d", ErrProductNotFound, id)
	}
	return nil
}
