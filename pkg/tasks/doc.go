// Package tasks runs named background tasks with per-key exclusivity.
//
// # Overview
//
// A Queue holds a registry of named handlers. Schedule enqueues a call with
// JSON-encoded arguments and an optional concurrency key. Two tasks sharing a
// key never run at the same time, within this process or, when a Locker is
// configured, across processes. Tasks with different keys run concurrently on
// a bounded number of workers. Failed tasks are retried with exponential
// backoff unless the handler returns a Permanent error.
//
// # Usage Example
//
//	q := tasks.NewQueue(ctx, tasks.DefaultConfig(), tasks.WithLogger(logger))
//	q.Register("permissions.recompute_org", func(ctx context.Context, p tasks.Payload) error {
//		var args struct{ OrgID int64 `json:"org_id"` }
//		if err := p.Decode(&args); err != nil {
//			return tasks.Permanent(err)
//		}
//		return resolver.RecomputeOrg(ctx, args.OrgID)
//	})
//
//	h, err := q.Schedule(ctx, "permissions.recompute_org", map[string]int64{"org_id": 7}, "org:7")
//	err = h.Wait(ctx)
//
// # Related Packages
//
//   - pkg/rbac: Permission recompute tasks
//   - pkg/billing: Subscription product lookup task
package tasks
