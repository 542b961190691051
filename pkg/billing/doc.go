// Package billing implements subscription cycles, usage based pricing,
// payment charges and the orchestrator that progresses them.
//
// # Overview
//
// An organization subscribes to a product group. Products attached to the
// subscription are priced per cycle:
//
//	fixed:   price = unit_price
//	metered: price = round(usage * unit_price)
//
// Modifiers valid at pricing time run in stored order over the running price,
// which never drops below zero:
//
//	free         price = 0
//	quantity     price -= unit_price * value
//	reduction    price -= value (currency units)
//	reduction_p  price -= price * value / 100
//
// Amounts are Money, an int64 count of minor currency units.
//
// # Cycles
//
// A SubscriptionCycle covers [Start, End). Cycles start at the end of the
// previous cycle, at the subscription anchor or today, and keep the anchor day
// of month across short months. A cycle moves through
//
//	open -> expired            charge attempted (or nothing to charge)
//	expired -> failed          processor rejected or errored
//	failed -> expired          retried by the next run
//
// Charge is guarded: an ok charge makes it fail with ErrAlreadyCharged and a
// pending charge is returned as is. When a charge turns ok it is captured into
// an OrderHistory with one item per cycle product and ledger entries
// (one Withdrawal plus an OrderLine per item).
//
// # Orchestrator
//
// Orchestrator.Run expires organization products, then for every ok
// subscription opens a cycle when none covers now, collects metered usage
// from a UsageSource, charges cycles that are due and reconciles pending
// charges. Subscriptions are isolated from each other:
//
//	engine := billing.NewEngine(store, processor.NewRegistry(processor.NewDummy()),
//		billing.WithLogger(logger), billing.WithMetrics(metrics))
//	report, err := billing.NewOrchestrator(engine, usage, billing.DefaultOrchestratorConfig()).Run(ctx)
//
// The worker runs it as the billing.progress task under the billing
// concurrency key.
//
// # Backends
//
//   - MemoryStore: in-process maps with snapshot transactions
//   - PostgresStore: PostgreSQL tables created by Migrations
//
// # Related Packages
//
//   - pkg/billing/processor: Payment processor adapters
//   - pkg/bridge: Usage and component object lookups against services
//   - pkg/orgs: Organization directory
package billing
