package billing

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"
)

type cycleChargeLink struct {
	ID       int64
	CycleID  int64
	ChargeID int64
}

type memoryData struct {
	nextID        int64
	groups        map[int64]*ProductGroup
	products      map[int64]*Product
	subs          map[int64]*Subscription
	subProducts   map[int64]*SubscriptionProduct
	modifiers     map[int64]*SubscriptionProductModifier
	cycles        map[int64]*SubscriptionCycle
	cycleProducts map[int64]*SubscriptionCycleProduct
	methods       map[int64]*PaymentMethod
	charges       map[int64]*PaymentCharge
	cycleCharges  map[int64]*cycleChargeLink
	orders        map[int64]*OrderHistory
	ledger        []*LedgerRecord
	orgProducts   map[int64]*OrganizationProduct
}

// clone copies the indexes. Stored values are replaced on update, never
// mutated, so sharing them is safe.
func (d *memoryData) clone() memoryData {
	return memoryData{
		nextID:        d.nextID,
		groups:        maps.Clone(d.groups),
		products:      maps.Clone(d.products),
		subs:          maps.Clone(d.subs),
		subProducts:   maps.Clone(d.subProducts),
		modifiers:     maps.Clone(d.modifiers),
		cycles:        maps.Clone(d.cycles),
		cycleProducts: maps.Clone(d.cycleProducts),
		methods:       maps.Clone(d.methods),
		charges:       maps.Clone(d.charges),
		cycleCharges:  maps.Clone(d.cycleCharges),
		orders:        maps.Clone(d.orders),
		ledger:        append([]*LedgerRecord(nil), d.ledger...),
		orgProducts:   maps.Clone(d.orgProducts),
	}
}

// MemoryStore implements Store in process memory
type MemoryStore struct {
	mu   sync.RWMutex
	txMu sync.Mutex
	d    memoryData
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{d: memoryData{
		groups:        make(map[int64]*ProductGroup),
		products:      make(map[int64]*Product),
		subs:          make(map[int64]*Subscription),
		subProducts:   make(map[int64]*SubscriptionProduct),
		modifiers:     make(map[int64]*SubscriptionProductModifier),
		cycles:        make(map[int64]*SubscriptionCycle),
		cycleProducts: make(map[int64]*SubscriptionCycleProduct),
		methods:       make(map[int64]*PaymentMethod),
		charges:       make(map[int64]*PaymentCharge),
		cycleCharges:  make(map[int64]*cycleChargeLink),
		orders:        make(map[int64]*OrderHistory),
		orgProducts:   make(map[int64]*OrganizationProduct),
	}}
}

func (s *MemoryStore) id() int64 {
	s.d.nextID++
	return s.d.nextID
}

// RunInTx serializes transactions and restores the previous state when fn fails
func (s *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snapshot := s.d.clone()
	s.mu.RUnlock()

	if err := fn(ctx, &memoryTx{s}); err != nil {
		s.mu.Lock()
		s.d = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

type memoryTx struct {
	*MemoryStore
}

func (t *memoryTx) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return fn(ctx, t)
}

func sortedValues[V any](m map[int64]*V, keep func(*V) bool) []*V {
	keys := make([]int64, 0, len(m))
	for k, v := range m {
		if keep == nil || keep(v) {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	out := make([]*V, 0, len(keys))
	for _, k := range keys {
		cp := *m[k]
		out = append(out, &cp)
	}
	return out
}

// CreateProductGroup stores g; names are unique
func (s *MemoryStore) CreateProductGroup(ctx context.Context, g *ProductGroup) (*ProductGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.d.groups {
		if existing.Name == g.Name {
			return nil, fmt.Errorf("product group %q already exists", g.Name)
		}
	}
	cp := *g
	cp.ID = s.id()
	cp.CreatedAt = time.Now()
	s.d.groups[cp.ID] = &cp
	out := cp
	return &out, nil
}

// GetProductGroupByName looks up a product group
func (s *MemoryStore) GetProductGroupByName(ctx context.Context, name string) (*ProductGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.d.groups {
		if g.Name == name {
			cp := *g
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrProductGroupNotFound, name)
}

// CreateProduct stores p; names are unique
func (s *MemoryStore) CreateProduct(ctx context.Context, p *Product) (*Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.d.products {
		if existing.Name == p.Name {
			return nil, fmt.Errorf("product %q already exists", p.Name)
		}
	}
	cp := *p
	cp.ID = s.id()
	cp.CreatedAt = time.Now()
	s.d.products[cp.ID] = &cp
	out := cp
	return &out, nil
}

// UpdateProduct replaces the stored product
func (s *MemoryStore) UpdateProduct(ctx context.Context, p *Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.d.products[p.ID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrProductNotFound, p.ID)
	}
	cp := *p
	cp.CreatedAt = existing.CreatedAt
	s.d.products[p.ID] = &cp
	return nil
}

// GetProduct returns the product with id
func (s *MemoryStore) GetProduct(ctx context.Context, id int64) (*Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.d.products[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrProductNotFound, id)
	}
	cp := *p
	return &cp, nil
}

// GetProductByName returns the product called name
func (s *MemoryStore) GetProductByName(ctx context.Context, name string) (*Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.d.products {
		if p.Name == name {
			cp := *p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrProductNotFound, name)
}

// ListProducts returns all products ordered by ID
func (s *MemoryStore) ListProducts(ctx context.Context) ([]*Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedValues(s.d.products, nil), nil
}

// CreateSubscription stores sub
func (s *MemoryStore) CreateSubscription(ctx context.Context, sub *Subscription) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sub
	cp.ID = s.id()
	now := time.Now()
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.d.subs[cp.ID] = &cp
	out := cp
	return &out, nil
}

// UpdateSubscription replaces the stored subscription
func (s *MemoryStore) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.d.subs[sub.ID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrSubscriptionNotFound, sub.ID)
	}
	cp := *sub
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = time.Now()
	s.d.subs[sub.ID] = &cp
	return nil
}

// GetSubscription returns the subscription with id
func (s *MemoryStore) GetSubscription(ctx context.Context, id int64) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.d.subs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrSubscriptionNotFound, id)
	}
	cp := *sub
	return &cp, nil
}

// ListSubscriptions returns subscriptions with status ordered by ID
func (s *MemoryStore) ListSubscriptions(ctx context.Context, status SubscriptionStatus) ([]*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedValues(s.d.subs, func(sub *Subscription) bool { return sub.Status == status }), nil
}

// CreateSubscriptionProduct stores sp
func (s *MemoryStore) CreateSubscriptionProduct(ctx context.Context, sp *SubscriptionProduct) (*SubscriptionProduct, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.d.subs[sp.SubscriptionID]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrSubscriptionNotFound, sp.SubscriptionID)
	}
	cp := *sp
	cp.ID = s.id()
	cp.CreatedAt = time.Now()
	s.d.subProducts[cp.ID] = &cp
	out := cp
	return &out, nil
}

// UpdateSubscriptionProduct replaces the stored subscription product
func (s *MemoryStore) UpdateSubscriptionProduct(ctx context.Context, sp *SubscriptionProduct) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.d.subProducts[sp.ID]; !ok {
		return fmt.Errorf("%w: subscription product %d", ErrProductNotFound, sp.ID)
	}
	cp := *sp
	s.d.subProducts[sp.ID] = &cp
	return nil
}

// GetSubscriptionProduct returns the subscription product with id
func (s *MemoryStore) GetSubscriptionProduct(ctx context.Context, id int64) (*SubscriptionProduct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp, ok := s.d.subProducts[id]
	if !ok {
		return nil, fmt.Errorf("%w: subscription product %d", ErrProductNotFound, id)
	}
	cp := *sp
	return &cp, nil
}

// ListSubscriptionProducts returns the products of a subscription ordered by ID
func (s *MemoryStore) ListSubscriptionProducts(ctx context.Context, subscriptionID int64) ([]*SubscriptionProduct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedValues(s.d.subProducts, func(sp *SubscriptionProduct) bool {
		return sp.SubscriptionID == subscriptionID
	}), nil
}

// CreateModifier stores m
func (s *MemoryStore) CreateModifier(ctx context.Context, m *SubscriptionProductModifier) (*SubscriptionProductModifier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	cp.ID = s.id()
	cp.CreatedAt = time.Now()
	s.d.modifiers[cp.ID] = &cp
	out := cp
	return &out, nil
}

// ListModifiers returns modifiers in stored order
func (s *MemoryStore) ListModifiers(ctx context.Context, subscriptionProductID int64) ([]*SubscriptionProductModifier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedValues(s.d.modifiers, func(m *SubscriptionProductModifier) bool {
		return m.SubscriptionProductID == subscriptionProductID
	}), nil
}

// CreateCycle stores c
func (s *MemoryStore) CreateCycle(ctx context.Context, c *SubscriptionCycle) (*SubscriptionCycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	cp.ID = s.id()
	cp.CreatedAt = time.Now()
	s.d.cycles[cp.ID] = &cp
	out := cp
	return &out, nil
}

// UpdateCycleStatus sets the status of cycle id
func (s *MemoryStore) UpdateCycleStatus(ctx context.Context, id int64, status CycleStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.d.cycles[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrCycleNotFound, id)
	}
	cp := *c
	cp.Status = status
	s.d.cycles[id] = &cp
	return nil
}

// SetCycleDates moves a cycle. Used to back-date cycles in tests and tooling.
func (s *MemoryStore) SetCycleDates(ctx context.Context, id int64, start, end time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.d.cycles[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrCycleNotFound, id)
	}
	cp := *c
	cp.Start, cp.End = start, end
	s.d.cycles[id] = &cp
	return nil
}

// GetCycle returns the cycle with id
func (s *MemoryStore) GetCycle(ctx context.Context, id int64) (*SubscriptionCycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.d.cycles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrCycleNotFound, id)
	}
	cp := *c
	return &cp, nil
}

// ListCycles returns the cycles of a subscription ordered by start
func (s *MemoryStore) ListCycles(ctx context.Context, subscriptionID int64) ([]*SubscriptionCycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := sortedValues(s.d.cycles, func(c *SubscriptionCycle) bool { return c.SubscriptionID == subscriptionID })
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// UpsertCycleProduct creates or updates the row for (cycle, subscription product)
func (s *MemoryStore) UpsertCycleProduct(ctx context.Context, cp *SubscriptionCycleProduct) (*SubscriptionCycleProduct, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := *cp
	row.UpdatedAt = time.Now()
	for id, existing := range s.d.cycleProducts {
		if existing.CycleID == cp.CycleID && existing.SubscriptionProductID == cp.SubscriptionProductID {
			row.ID = id
			s.d.cycleProducts[id] = &row
			out := row
			return &out, nil
		}
	}
	row.ID = s.id()
	s.d.cycleProducts[row.ID] = &row
	out := row
	return &out, nil
}

// ListCycleProducts returns the usage rows of a cycle ordered by ID
func (s *MemoryStore) ListCycleProducts(ctx context.Context, cycleID int64) ([]*SubscriptionCycleProduct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedValues(s.d.cycleProducts, func(cp *SubscriptionCycleProduct) bool { return cp.CycleID == cycleID }), nil
}

// CreatePaymentMethod stores pm
func (s *MemoryStore) CreatePaymentMethod(ctx context.Context, pm *PaymentMethod) (*PaymentMethod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *pm
	cp.ID = s.id()
	cp.Data = maps.Clone(pm.Data)
	cp.CreatedAt = time.Now()
	s.d.methods[cp.ID] = &cp
	out := cp
	return &out, nil
}

// GetPaymentMethod returns the payment method with id
func (s *MemoryStore) GetPaymentMethod(ctx context.Context, id int64) (*PaymentMethod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pm, ok := s.d.methods[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrPaymentMethodNotFound, id)
	}
	cp := *pm
	cp.Data = maps.Clone(pm.Data)
	return &cp, nil
}

// ListPaymentMethods returns the payment methods of an organization ordered by ID
func (s *MemoryStore) ListPaymentMethods(ctx context.Context, orgID int64) ([]*PaymentMethod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := sortedValues(s.d.methods, func(pm *PaymentMethod) bool { return pm.OrgID == orgID })
	for _, pm := range out {
		pm.Data = maps.Clone(pm.Data)
	}
	return out, nil
}

// CreateCharge stores c
func (s *MemoryStore) CreateCharge(ctx context.Context, c *PaymentCharge) (*PaymentCharge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	cp.ID = s.id()
	cp.Data = maps.Clone(c.Data)
	now := time.Now()
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.d.charges[cp.ID] = &cp
	out := cp
	return &out, nil
}

// UpdateCharge replaces status, transaction and data of a charge
func (s *MemoryStore) UpdateCharge(ctx context.Context, c *PaymentCharge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.d.charges[c.ID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrChargeNotFound, c.ID)
	}
	cp := *c
	cp.Data = maps.Clone(c.Data)
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = time.Now()
	s.d.charges[c.ID] = &cp
	return nil
}

// GetCharge returns the charge with id
func (s *MemoryStore) GetCharge(ctx context.Context, id int64) (*PaymentCharge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chargeLocked(id)
}

func (s *MemoryStore) chargeLocked(id int64) (*PaymentCharge, error) {
	c, ok := s.d.charges[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrChargeNotFound, id)
	}
	cp := *c
	cp.Data = maps.Clone(c.Data)
	return &cp, nil
}

// LinkCycleCharge links a charge attempt to a cycle
func (s *MemoryStore) LinkCycleCharge(ctx context.Context, cycleID, chargeID int64) (*SubscriptionCycleCharge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	charge, err := s.chargeLocked(chargeID)
	if err != nil {
		return nil, err
	}
	link := &cycleChargeLink{ID: s.id(), CycleID: cycleID, ChargeID: chargeID}
	s.d.cycleCharges[link.ID] = link
	return &SubscriptionCycleCharge{ID: link.ID, CycleID: cycleID, Charge: charge}, nil
}

// ListCycleCharges returns the charge attempts of a cycle, oldest first
func (s *MemoryStore) ListCycleCharges(ctx context.Context, cycleID int64) ([]*SubscriptionCycleCharge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*SubscriptionCycleCharge
	for _, link := range sortedValues(s.d.cycleCharges, func(l *cycleChargeLink) bool { return l.CycleID == cycleID }) {
		charge, err := s.chargeLocked(link.ChargeID)
		if err != nil {
			return nil, err
		}
		out = append(out, &SubscriptionCycleCharge{ID: link.ID, CycleID: link.CycleID, Charge: charge})
	}
	return out, nil
}

// GetCycleChargeByCharge returns the cycle link of a charge
func (s *MemoryStore) GetCycleChargeByCharge(ctx context.Context, chargeID int64) (*SubscriptionCycleCharge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, link := range s.d.cycleCharges {
		if link.ChargeID == chargeID {
			charge, err := s.chargeLocked(chargeID)
			if err != nil {
				return nil, err
			}
			return &SubscriptionCycleCharge{ID: link.ID, CycleID: link.CycleID, Charge: charge}, nil
		}
	}
	return nil, fmt.Errorf("%w: no cycle for charge %d", ErrChargeNotFound, chargeID)
}

func copyOrder(o *OrderHistory) *OrderHistory {
	cp := *o
	cp.Items = make([]*OrderHistoryItem, len(o.Items))
	for i, item := range o.Items {
		ic := *item
		cp.Items[i] = &ic
	}
	return &cp
}

// CreateOrder stores o with its items
func (s *MemoryStore) CreateOrder(ctx context.Context, o *OrderHistory) (*OrderHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := copyOrder(o)
	cp.ID = s.id()
	for _, item := range cp.Items {
		item.ID = s.id()
		item.OrderID = cp.ID
	}
	s.d.orders[cp.ID] = cp
	return copyOrder(cp), nil
}

// GetOrderByCharge returns the order written for a charge
func (s *MemoryStore) GetOrderByCharge(ctx context.Context, chargeID int64) (*OrderHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, o := range s.d.orders {
		if o.ChargeID == chargeID {
			return copyOrder(o), nil
		}
	}
	return nil, nil
}

// ListOrders returns the orders of an organization ordered by ID
func (s *MemoryStore) ListOrders(ctx context.Context, orgID int64) ([]*OrderHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*OrderHistory
	for _, o := range sortedValues(s.d.orders, func(o *OrderHistory) bool { return o.OrgID == orgID }) {
		out = append(out, copyOrder(o))
	}
	return out, nil
}

// AddLedgerEntry appends e to the organization ledger
func (s *MemoryStore) AddLedgerEntry(ctx context.Context, orgID int64, e LedgerEntry) (*LedgerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := &LedgerRecord{ID: s.id(), OrgID: orgID, Entry: e, CreatedAt: time.Now()}
	s.d.ledger = append(s.d.ledger, rec)
	out := *rec
	return &out, nil
}

// ListLedger returns the ledger of an organization in insertion order
func (s *MemoryStore) ListLedger(ctx context.Context, orgID int64) ([]*LedgerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*LedgerRecord
	for _, rec := range s.d.ledger {
		if rec.OrgID == orgID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

// AddOrganizationProduct is get-or-create on (org, product)
func (s *MemoryStore) AddOrganizationProduct(ctx context.Context, op *OrganizationProduct) (*OrganizationProduct, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.d.orgProducts {
		if existing.OrgID == op.OrgID && existing.ProductID == op.ProductID {
			cp := *existing
			return &cp, nil
		}
	}
	cp := *op
	cp.ID = s.id()
	cp.CreatedAt = time.Now()
	s.d.orgProducts[cp.ID] = &cp
	out := cp
	return &out, nil
}

// ListOrganizationProducts returns the products an organization can access
func (s *MemoryStore) ListOrganizationProducts(ctx context.Context, orgID int64) ([]*OrganizationProduct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedValues(s.d.orgProducts, func(op *OrganizationProduct) bool { return op.OrgID == orgID }), nil
}

// ListExpiredOrganizationProducts returns grants whose Expires is before now
func (s *MemoryStore) ListExpiredOrganizationProducts(ctx context.Context, now time.Time) ([]*OrganizationProduct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedValues(s.d.orgProducts, func(op *OrganizationProduct) bool { return op.Expired(now) }), nil
}

// DeleteOrganizationProduct removes a grant
func (s *MemoryStore) DeleteOrganizationProduct(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.d.orgProducts[id]; !ok {
		return fmt.Errorf("%w: organization product %d", ErrProductNotFound, id)
	}
	delete(s.d.orgProducts, id)
	return nil
}
