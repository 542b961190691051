package rbac

import (
	"context"
	"fmt"

	"github.com/fullctl/aaactl-sub000/pkg/observability"
	"github.com/fullctl/aaactl-sub000/pkg/perms"
	"github.com/fullctl/aaactl-sub000/pkg/tasks"
)

// Registry is the mutation surface for managed permissions, roles, role auto
// grants, opt-ins and role assignments. Every mutation that can change derived
// grants schedules a recompute task; the registry itself never writes grants.
type Registry struct {
	store     Store
	scheduler tasks.Scheduler
	logger    *observability.Logger
}

// NewRegistry creates a registry that publishes recomputes to scheduler
func NewRegistry(store Store, scheduler tasks.Scheduler, logger *observability.Logger) *Registry {
	return &Registry{
		store:     store,
		scheduler: scheduler,
		logger:    observability.OrDefault(logger),
	}
}

func (r *Registry) recomputeAll(ctx context.Context, revokeNamespace string) error {
	_, err := r.scheduler.Schedule(ctx, TaskRecomputeAll, RecomputeArgs{RevokeNamespace: revokeNamespace}, GlobalKey)
	if err != nil {
		return fmt.Errorf("failed to schedule permission recompute: %w", err)
	}
	return nil
}

func (r *Registry) recomputeOrg(ctx context.Context, orgID int64) error {
	_, err := r.scheduler.Schedule(ctx, TaskRecomputeOrg, RecomputeArgs{OrgID: orgID}, OrgKey(orgID))
	if err != nil {
		return fmt.Errorf("failed to schedule permission recompute for organization %d: %w", orgID, err)
	}
	return nil
}

// CreateManagedPermission stores mp and recomputes every organization
func (r *Registry) CreateManagedPermission(ctx context.Context, mp *ManagedPermission) (*ManagedPermission, error) {
	if mp.GrantMode == "" {
		mp.GrantMode = GrantModeAuto
	}
	if err := mp.Validate(); err != nil {
		return nil, err
	}

	created, err := r.store.CreateManagedPermission(ctx, mp)
	if err != nil {
		return nil, err
	}
	r.logger.WithFields(map[string]interface{}{
		"managed_permission_id": created.ID,
		"namespace":             created.Namespace,
		"grant_mode":            created.GrantMode,
	}).Info("Created managed permission")

	return created, r.recomputeAll(ctx, "")
}

// UpdateManagedPermission stores the new definition and rebuilds all grants.
// A renamed namespace, or a permission that stops being managable, is
// revoked everywhere before the rebuild.
func (r *Registry) UpdateManagedPermission(ctx context.Context, mp *ManagedPermission) error {
	if err := mp.Validate(); err != nil {
		return err
	}
	prev, err := r.store.GetManagedPermission(ctx, mp.ID)
	if err != nil {
		return err
	}
	if err := r.store.UpdateManagedPermission(ctx, mp); err != nil {
		return err
	}

	var revoke string
	switch {
	case prev.Namespace != mp.Namespace:
		revoke = prev.Namespace
	case prev.Managable && !mp.Managable:
		revoke = mp.Namespace
	}

	r.logger.WithFields(map[string]interface{}{
		"managed_permission_id": mp.ID,
		"namespace":             mp.Namespace,
		"revoke":                revoke,
	}).Info("Updated managed permission")

	return r.recomputeAll(ctx, revoke)
}

// DeleteManagedPermission removes mp and revokes its grants everywhere
func (r *Registry) DeleteManagedPermission(ctx context.Context, id int64) error {
	mp, err := r.store.GetManagedPermission(ctx, id)
	if err != nil {
		return err
	}
	if err := r.store.DeleteManagedPermission(ctx, id); err != nil {
		return err
	}
	r.logger.WithField("namespace", mp.Namespace).Info("Deleted managed permission")
	return r.recomputeAll(ctx, mp.Namespace)
}

// CreateRole stores a role. Roles confer nothing until auto grants reference them.
func (r *Registry) CreateRole(ctx context.Context, role *Role) (*Role, error) {
	if role.Name == "" {
		return nil, fmt.Errorf("role name is required")
	}
	return r.store.CreateRole(ctx, role)
}

// UpdateRole updates a role definition
func (r *Registry) UpdateRole(ctx context.Context, role *Role) error {
	return r.store.UpdateRole(ctx, role)
}

// DeleteRole removes a role that no organization assigns
func (r *Registry) DeleteRole(ctx context.Context, id int64) error {
	n, err := r.store.CountRoleAssignments(ctx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: %d assignments", ErrRoleInUse, n)
	}

	hadGrants, err := r.roleHasAutoGrants(ctx, id)
	if err != nil {
		return err
	}
	if err := r.store.DeleteRole(ctx, id); err != nil {
		return err
	}
	if !hadGrants {
		return nil
	}
	return r.recomputeAll(ctx, "")
}

func (r *Registry) roleHasAutoGrants(ctx context.Context, roleID int64) (bool, error) {
	mps, err := r.store.ListManagedPermissions(ctx)
	if err != nil {
		return false, err
	}
	for _, mp := range mps {
		grants, err := r.store.ListRoleAutoGrants(ctx, mp.ID)
		if err != nil {
			return false, err
		}
		for _, ag := range grants {
			if ag.RoleID == roleID {
				return true, nil
			}
		}
	}
	return false, nil
}

// SetRoleAutoGrant sets the bits holders of roleID receive on mpID
func (r *Registry) SetRoleAutoGrant(ctx context.Context, mpID, roleID int64, bits perms.Bits) (*RoleAutoGrant, error) {
	if !bits.Valid() {
		return nil, perms.ErrInvalidBits
	}
	if _, err := r.store.GetManagedPermission(ctx, mpID); err != nil {
		return nil, err
	}
	if _, err := r.store.GetRole(ctx, roleID); err != nil {
		return nil, err
	}

	ag, err := r.store.SetRoleAutoGrant(ctx, mpID, roleID, bits)
	if err != nil {
		return nil, err
	}
	return ag, r.recomputeAll(ctx, "")
}

// DeleteRoleAutoGrant removes the auto grant for (mpID, roleID)
func (r *Registry) DeleteRoleAutoGrant(ctx context.Context, mpID, roleID int64) error {
	if err := r.store.DeleteRoleAutoGrant(ctx, mpID, roleID); err != nil {
		return err
	}
	return r.recomputeAll(ctx, "")
}

// OptIn enables a restricted managed permission for an organization
func (r *Registry) OptIn(ctx context.Context, actor Actor, orgID, mpID int64, reason string) (*OrganizationManagedPermission, error) {
	if err := r.checkOptIn(ctx, actor, mpID); err != nil {
		return nil, err
	}
	omp, err := r.store.AddOrganizationPermission(ctx, orgID, mpID, reason)
	if err != nil {
		return nil, err
	}
	r.logger.WithFields(map[string]interface{}{
		"org_id":                orgID,
		"managed_permission_id": mpID,
		"reason":                reason,
	}).Info("Organization opted in to managed permission")
	return omp, r.recomputeOrg(ctx, orgID)
}

// OptOut removes a restricted managed permission from an organization
func (r *Registry) OptOut(ctx context.Context, actor Actor, orgID, mpID int64) error {
	if err := r.checkOptIn(ctx, actor, mpID); err != nil {
		return err
	}
	if err := r.store.RemoveOrganizationPermission(ctx, orgID, mpID); err != nil {
		return err
	}
	return r.recomputeOrg(ctx, orgID)
}

func (r *Registry) checkOptIn(ctx context.Context, actor Actor, mpID int64) error {
	mp, err := r.store.GetManagedPermission(ctx, mpID)
	if err != nil {
		return err
	}
	if mp.GrantMode != GrantModeRestricted {
		return fmt.Errorf("%w: %s", ErrNotRestricted, mp.Namespace)
	}
	if actor == ActorOrgAdmin && !mp.Managable {
		return fmt.Errorf("%w: %s", ErrNotManagable, mp.Namespace)
	}
	return nil
}

// AssignRole gives userID roleID within orgID
func (r *Registry) AssignRole(ctx context.Context, orgID, userID, roleID int64) (*OrganizationRole, error) {
	if _, err := r.store.GetRole(ctx, roleID); err != nil {
		return nil, err
	}
	or, err := r.store.AddOrganizationRole(ctx, orgID, userID, roleID)
	if err != nil {
		return nil, err
	}
	return or, r.recomputeOrg(ctx, orgID)
}

// UnassignRole takes roleID from userID within orgID
func (r *Registry) UnassignRole(ctx context.Context, orgID, userID, roleID int64) error {
	if err := r.store.RemoveOrganizationRole(ctx, orgID, userID, roleID); err != nil {
		return err
	}
	return r.recomputeOrg(ctx, orgID)
}

// MembershipChanged schedules a recompute of orgID. It satisfies
// orgs.MembershipNotifier.
func (r *Registry) MembershipChanged(ctx context.Context, orgID int64) error {
	return r.recomputeOrg(ctx, orgID)
}
