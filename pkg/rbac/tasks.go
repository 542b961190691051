package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/fullctl/aaactl-sub000/pkg/orgs"
	"github.com/fullctl/aaactl-sub000/pkg/tasks"
)

// Recompute task names
const (
	TaskRecomputeAll = "permissions.recompute_all"
	TaskRecomputeOrg = "permissions.recompute_org"
)

// GlobalKey is the concurrency key of the global recompute
const GlobalKey = "global"

// OrgKey returns the concurrency key of an organization recompute
func OrgKey(orgID int64) string {
	return fmt.Sprintf("org:%d", orgID)
}

// RecomputeArgs are the arguments of both recompute tasks
type RecomputeArgs struct {
	OrgID int64 `json:"org_id,omitempty"`
	// RevokeNamespace is revoked from every organization before the rebuild
	RevokeNamespace string `json:"revoke_namespace,omitempty"`
}

// RegisterTasks registers the recompute handlers on q
func RegisterTasks(q *tasks.Queue, r *Resolver) {
	q.Register(TaskRecomputeAll, func(ctx context.Context, payload tasks.Payload) error {
		var args RecomputeArgs
		if err := payload.Decode(&args); err != nil {
			return tasks.Permanent(err)
		}
		if args.RevokeNamespace != "" {
			if err := r.RevokeNamespaceAll(ctx, args.RevokeNamespace); err != nil {
				return err
			}
		}
		return r.RecomputeAll(ctx)
	})

	q.Register(TaskRecomputeOrg, func(ctx context.Context, payload tasks.Payload) error {
		var args RecomputeArgs
		if err := payload.Decode(&args); err != nil {
			return tasks.Permanent(err)
		}
		if args.OrgID == 0 {
			return tasks.Permanent(errors.New("recompute_org requires org_id"))
		}
		err := r.RecomputeOrg(ctx, args.OrgID)
		if errors.Is(err, orgs.ErrOrganizationNotFound) {
			return tasks.Permanent(err)
		}
		return err
	})
}
