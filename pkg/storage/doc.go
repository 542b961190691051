// Package storage holds the PostgreSQL plumbing shared by the aaactl stores.
//
// # Overview
//
// Open creates a pooled *sql.DB using the lib/pq driver and verifies it with a
// ping. Querier abstracts *sql.DB and *sql.Tx so a store can run the same
// statements inside or outside a transaction, and WithTx wraps a function in
// BEGIN/COMMIT with rollback on error or panic. Migrate applies versioned
// schema migrations once per component.
//
// # Usage Example
//
//	db, err := storage.Open(ctx, storage.ConnectionConfig{URL: cfg.Database.URL})
//	if err != nil {
//		return err
//	}
//	if err := storage.Migrate(ctx, db, "rbac", rbac.Migrations(), logger); err != nil {
//		return err
//	}
//
// # Related Packages
//
//   - pkg/orgs, pkg/rbac, pkg/billing: PostgreSQL stores
package storage
