// Package cli implements the aaactl maintenance commands and the runtime
// wiring shared with the worker.
//
// # Commands
//
//	aaactl progress-billing [--json]       # one billing pass over all subscriptions
//	aaactl expire-products                 # expire organization products, grant replacements
//	aaactl cycle --id 12 [--json]          # lines and price of a subscription cycle
//	aaactl recompute-permissions [--org 7] # rebuild managed permission grants
//	aaactl seed [--file seed.yaml]         # apply roles, permissions and products
//
// Every command builds a Runtime from the AAACTL_* environment (see
// pkg/config). NewRuntime connects PostgreSQL and Redis when configured,
// runs the orgs, rbac and billing migrations, and registers the permission
// and billing task handlers on one queue.
//
// # Related Packages
//
//   - pkg/config: Environment and seed
//   - pkg/rbac: Permission propagation
//   - pkg/billing: Subscription cycles and charges
package cli
