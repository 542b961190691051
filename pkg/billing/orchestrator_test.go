package billing

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fullctl/aaactl-sub000/pkg/billing/processor"
	"github.com/fullctl/aaactl-sub000/pkg/observability"
	"github.com/fullctl/aaactl-sub000/pkg/orgs"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type stubUsage struct {
	mu     sync.Mutex
	values map[string]*float64
	errs   map[int64]error
	panics map[int64]bool
	calls  int
}

func (s *stubUsage) Usage(ctx context.Context, orgID int64, component, product string) (*float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.panics[orgID] {
		panic("usage endpoint exploded")
	}
	if err := s.errs[orgID]; err != nil {
		return nil, err
	}
	return s.values[product], nil
}

func usage(v float64) *float64 { return &v }

func (f *engineFixture) orchestrator(usage UsageSource) *Orchestrator {
	return NewOrchestrator(f.engine, usage, DefaultOrchestratorConfig())
}

func (f *engineFixture) run(t *testing.T, o *Orchestrator) *RunReport {
	t.Helper()
	report, err := o.Run(f.ctx)
	require.NoError(t, err)
	return report
}

func (f *engineFixture) backdate(t *testing.T, cycleID int64) {
	t.Helper()
	c, err := f.store.GetCycle(f.ctx, cycleID)
	require.NoError(t, err)
	end := midnight(f.clock.Now()).AddDate(0, 0, -1)
	require.NoError(t, f.store.SetCycleDates(f.ctx, c.ID, end.AddDate(0, -1, 0), end))
}

func countCharges(t *testing.T, f *engineFixture, subID int64, status ChargeStatus) int {
	t.Helper()
	cycles, err := f.store.ListCycles(f.ctx, subID)
	require.NoError(t, err)
	n := 0
	for _, c := range cycles {
		charges, err := f.store.ListCycleCharges(f.ctx, c.ID)
		require.NoError(t, err)
		for _, cc := range charges {
			if cc.Charge.Status == status {
				n++
			}
		}
	}
	return n
}

func TestOrchestrator_EndToEnd(t *testing.T) {
	f := newEngineFixture(t)
	sub, _ := f.subscription(t, f.product(t, &Product{Name: "peerctl", UnitPrice: MustParseMoney("125.99"), Recurring: true}))
	f.paymentMethod(t, nil)
	o := f.orchestrator(nil)

	report := f.run(t, o)
	assert.Equal(t, 1, report.CyclesStarted)
	assert.Zero(t, report.Charges)

	f.clock.Advance(14 * 24 * time.Hour)
	report = f.run(t, o)
	assert.Zero(t, report.CyclesStarted)
	assert.Zero(t, report.Charges)
	assert.Empty(t, f.dummy.Charges())

	cycles, err := f.store.ListCycles(f.ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	first := cycles[0]
	f.backdate(t, first.ID)

	report = f.run(t, o)
	assert.Equal(t, 1, report.CyclesStarted)
	assert.Equal(t, 1, report.Charges)
	assert.Empty(t, report.Failures)

	require.Len(t, f.dummy.Charges(), 1)
	assert.Equal(t, int64(12599), f.dummy.Charges()[0].Amount)
	assert.Equal(t, 1, countCharges(t, f, sub.ID, ChargeOK))
	assert.Equal(t, CycleExpired, f.cycleStatus(t, first.ID))

	cycles, err = f.store.ListCycles(f.ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, cycles, 2)
	assert.Equal(t, CycleOpen, cycles[1].Status)
	assert.True(t, cycles[1].Contains(f.clock.Now()))

	stored, err := f.store.GetSubscription(f.ctx, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.PaymentMethodID)

	report = f.run(t, o)
	assert.Zero(t, report.CyclesStarted)
	assert.Zero(t, report.Charges)
	assert.Len(t, f.dummy.Charges(), 1)
	assert.Equal(t, 1, countCharges(t, f, sub.ID, ChargeOK))

	orders, err := f.store.ListOrders(f.ctx, f.org.ID)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, MustParseMoney("125.99"), orders[0].Price)
}

func TestOrchestrator_RetriesFailedCharge(t *testing.T) {
	f := newEngineFixture(t)
	logs := &syncBuffer{}
	f.engine.logger = observability.NewLogger(observability.InfoLevel, logs)

	sub, _ := f.subscription(t, f.product(t, &Product{Name: "peerctl", UnitPrice: MustParseMoney("50")}))
	f.paymentMethod(t, sub)
	o := f.orchestrator(nil)

	f.run(t, o)
	cycles, err := f.store.ListCycles(f.ctx, sub.ID)
	require.NoError(t, err)
	first := cycles[0]
	f.backdate(t, first.ID)

	f.dummy.FailWith(errors.New("gateway timeout"))
	report := f.run(t, o)
	assert.Empty(t, report.Failures)
	assert.Equal(t, CycleFailed, f.cycleStatus(t, first.ID))
	assert.Equal(t, 1, countCharges(t, f, sub.ID, ChargeFailed))
	assert.NotContains(t, logs.String(), "retrying failed subscription cycle charge")

	f.dummy.FailWith(nil)
	f.run(t, o)
	assert.Contains(t, logs.String(), "retrying failed subscription cycle charge")
	assert.Equal(t, CycleExpired, f.cycleStatus(t, first.ID))
	assert.Equal(t, 1, countCharges(t, f, sub.ID, ChargeOK))
	assert.Equal(t, 1, countCharges(t, f, sub.ID, ChargeFailed))

	f.run(t, o)
	assert.Equal(t, 1, countCharges(t, f, sub.ID, ChargeOK))
	assert.Len(t, f.dummy.Charges(), 2)
}

func TestOrchestrator_IsolatesSubscriptions(t *testing.T) {
	f := newEngineFixture(t)
	traffic := f.product(t, &Product{Name: "traffic", Type: ProductMetered, Component: "prefixctl", UnitPrice: MustParseMoney("1")})

	var subs []*Subscription
	for _, name := range []string{"broken", "exploding", "healthy"} {
		org, err := f.dir.CreateOrganization(f.ctx, &orgs.Organization{Name: name})
		require.NoError(t, err)
		sub, err := f.engine.Subscribe(f.ctx, &Subscription{OrgID: org.ID, GroupID: f.group.ID, ChargeType: ChargeAtStart})
		require.NoError(t, err)
		_, err = f.engine.AddSubscriptionProduct(f.ctx, sub.ID, traffic.ID, nil)
		require.NoError(t, err)
		_, err = f.engine.CreatePaymentMethod(f.ctx, &PaymentMethod{OrgID: org.ID, Processor: processor.DummyName})
		require.NoError(t, err)
		subs = append(subs, sub)
	}

	source := &stubUsage{
		values: map[string]*float64{"traffic": usage(3)},
		errs:   map[int64]error{subs[0].OrgID: errors.New("connection refused")},
		panics: map[int64]bool{subs[1].OrgID: true},
	}
	report := f.run(t, f.orchestrator(source))

	assert.Equal(t, 3, report.Subscriptions)
	require.Len(t, report.Failures, 2)
	assert.Equal(t, subs[0].ID, report.Failures[0].SubscriptionID)
	assert.Contains(t, report.Failures[0].Err.Error(), "connection refused")
	assert.Equal(t, subs[1].ID, report.Failures[1].SubscriptionID)
	assert.Contains(t, report.Failures[1].Err.Error(), "panic")

	assert.Equal(t, 1, report.Charges)
	require.Len(t, f.dummy.Charges(), 1)
	assert.Equal(t, int64(300), f.dummy.Charges()[0].Amount)
}

func TestOrchestrator_CollectsUsage(t *testing.T) {
	f := newEngineFixture(t)
	traffic := f.product(t, &Product{Name: "traffic", Type: ProductMetered, Component: "prefixctl", UnitPrice: MustParseMoney("0.50")})
	sessions := f.product(t, &Product{Name: "sessions", Type: ProductMetered, Component: "peerctl", UnitPrice: MustParseMoney("2")})
	hosting := f.product(t, &Product{Name: "hosting", UnitPrice: MustParseMoney("10")})
	sub, sps := f.subscription(t, traffic, sessions, hosting)

	source := &stubUsage{values: map[string]*float64{"traffic": usage(50)}}
	o := f.orchestrator(source)
	f.run(t, o)
	assert.Equal(t, 2, source.calls)

	current, err := f.engine.CurrentCycle(f.ctx, sub.ID)
	require.NoError(t, err)
	_, err = f.engine.UpdateUsage(f.ctx, current.ID, sps[1].ID, 4)
	require.NoError(t, err)

	f.run(t, o)
	lines, err := f.engine.CycleLines(f.ctx, current.ID)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Equal(t, float64(50), lines[0].Usage)
	assert.Equal(t, MustParseMoney("25"), lines[0].Price)
	assert.Equal(t, float64(4), lines[1].Usage, "unreported usage keeps its value")
	assert.Equal(t, MustParseMoney("8"), lines[1].Price)
	assert.Equal(t, MustParseMoney("10"), lines[2].Price)

	price, err := f.engine.CyclePrice(f.ctx, current.ID)
	require.NoError(t, err)
	assert.Equal(t, MustParseMoney("43"), price)
}

func TestOrchestrator_SkipsWithoutPaymentMethod(t *testing.T) {
	f := newEngineFixture(t)
	sub, _ := f.subscription(t, f.product(t, &Product{Name: "peerctl", UnitPrice: MustParseMoney("10")}))
	sub.ChargeType = ChargeAtStart
	require.NoError(t, f.store.UpdateSubscription(f.ctx, sub))

	report := f.run(t, f.orchestrator(nil))
	assert.Equal(t, 1, report.Skipped)
	assert.Empty(t, report.Failures)

	current, err := f.engine.CurrentCycle(f.ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, CycleOpen, current.Status)

	f.paymentMethod(t, nil)
	report = f.run(t, f.orchestrator(nil))
	assert.Zero(t, report.Skipped)
	assert.Equal(t, 1, report.Charges)
}

func TestOrchestrator_ReconcilesPendingCharges(t *testing.T) {
	f := newEngineFixture(t)
	sub, _ := f.subscription(t, f.product(t, &Product{Name: "peerctl", UnitPrice: MustParseMoney("10")}))
	sub.ChargeType = ChargeAtStart
	require.NoError(t, f.store.UpdateSubscription(f.ctx, sub))
	f.paymentMethod(t, sub)
	f.dummy.SetOutcome(processor.StatusPending)

	o := f.orchestrator(nil)
	f.run(t, o)
	assert.Equal(t, 1, countCharges(t, f, sub.ID, ChargePending))

	charges := f.dummy.Charges()
	require.Len(t, charges, 1)
	current, err := f.engine.CurrentCycle(f.ctx, sub.ID)
	require.NoError(t, err)
	ccs, err := f.store.ListCycleCharges(f.ctx, current.ID)
	require.NoError(t, err)
	f.dummy.Settle(ccs[0].Charge.TransactionID, processor.StatusOK)

	report := f.run(t, o)
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, 1, countCharges(t, f, sub.ID, ChargeOK))
	assert.Len(t, f.dummy.Charges(), 1)
}

func TestOrchestrator_RecoversChargeInterruptedBeforeProcessor(t *testing.T) {
	f := newEngineFixture(t)
	sub, _ := f.subscription(t, f.product(t, &Product{Name: "peerctl", UnitPrice: MustParseMoney("50")}))
	f.paymentMethod(t, sub)
	o := f.orchestrator(nil)

	f.run(t, o)
	cycles, err := f.store.ListCycles(f.ctx, sub.ID)
	require.NoError(t, err)
	first := cycles[0]
	f.backdate(t, first.ID)

	f.crashNextCharges(1)
	report := f.run(t, o)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, CycleExpired, f.cycleStatus(t, first.ID))
	assert.Equal(t, 1, countCharges(t, f, sub.ID, ChargePending))

	report = f.run(t, o)
	assert.Empty(t, report.Failures)
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, 1, countCharges(t, f, sub.ID, ChargeOK))
	assert.Zero(t, countCharges(t, f, sub.ID, ChargePending))
	assert.Len(t, f.dummy.Charges(), 1)

	report = f.run(t, o)
	assert.Zero(t, report.Synced)
	assert.Zero(t, report.Charges)
	assert.Len(t, f.dummy.Charges(), 1)

	orders, err := f.store.ListOrders(f.ctx, f.org.ID)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, MustParseMoney("50"), orders[0].Price)
}

func TestOrchestrator_CountsOnlySettledSyncs(t *testing.T) {
	f := newEngineFixture(t)
	sub, _ := f.subscription(t, f.product(t, &Product{Name: "peerctl", UnitPrice: MustParseMoney("10")}))
	sub.ChargeType = ChargeAtStart
	require.NoError(t, f.store.UpdateSubscription(f.ctx, sub))
	f.paymentMethod(t, sub)
	f.dummy.SetOutcome(processor.StatusPending)

	o := f.orchestrator(nil)
	report := f.run(t, o)
	assert.Equal(t, 1, report.Charges)
	assert.Zero(t, report.Synced)

	report = f.run(t, o)
	assert.Zero(t, report.Synced)
	assert.Equal(t, 1, countCharges(t, f, sub.ID, ChargePending))
}

func TestOrchestrator_ExpiresProducts(t *testing.T) {
	f := newEngineFixture(t)
	trial := f.product(t, &Product{Name: "trial", ExpiresAfter: time.Hour})
	_, err := f.store.AddOrganizationProduct(f.ctx, f.engine.organizationProduct(f.org.ID, trial, nil))
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	report := f.run(t, f.orchestrator(nil))
	assert.Equal(t, 1, report.ProductsExpired)
}
