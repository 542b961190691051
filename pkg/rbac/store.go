package rbac

import (
	"context"

	"github.com/fullctl/aaactl-sub000/pkg/perms"
)

// GrantStore holds the materialized grants owned by the resolver
type GrantStore interface {
	// GetGrants returns every grant held by p
	GetGrants(ctx context.Context, p Principal) (*perms.Set, error)
	// SetGrant replaces the grant on namespace. perms.None deletes it.
	SetGrant(ctx context.Context, p Principal, namespace string, bits perms.Bits) error
	// ListHolders returns the principals holding a grant on namespace
	ListHolders(ctx context.Context, namespace string) ([]Principal, error)
}

// Store persists managed permission definitions, roles, assignments and
// materialized grants
type Store interface {
	GrantStore

	CreateManagedPermission(ctx context.Context, mp *ManagedPermission) (*ManagedPermission, error)
	UpdateManagedPermission(ctx context.Context, mp *ManagedPermission) error
	GetManagedPermission(ctx context.Context, id int64) (*ManagedPermission, error)
	GetManagedPermissionByNamespace(ctx context.Context, namespace string) (*ManagedPermission, error)
	ListManagedPermissions(ctx context.Context) ([]*ManagedPermission, error)
	// DeleteManagedPermission also removes its role auto grants and opt-ins
	DeleteManagedPermission(ctx context.Context, id int64) error

	CreateRole(ctx context.Context, role *Role) (*Role, error)
	UpdateRole(ctx context.Context, role *Role) error
	GetRole(ctx context.Context, id int64) (*Role, error)
	GetRoleByName(ctx context.Context, name string) (*Role, error)
	ListRoles(ctx context.Context) ([]*Role, error)
	// DeleteRole also removes the role's auto grants
	DeleteRole(ctx context.Context, id int64) error

	// SetRoleAutoGrant creates or updates the single grant for (mpID, roleID)
	SetRoleAutoGrant(ctx context.Context, mpID, roleID int64, bits perms.Bits) (*RoleAutoGrant, error)
	DeleteRoleAutoGrant(ctx context.Context, mpID, roleID int64) error
	ListRoleAutoGrants(ctx context.Context, mpID int64) ([]*RoleAutoGrant, error)

	// AddOrganizationPermission is get-or-create on (orgID, mpID)
	AddOrganizationPermission(ctx context.Context, orgID, mpID int64, reason string) (*OrganizationManagedPermission, error)
	RemoveOrganizationPermission(ctx context.Context, orgID, mpID int64) error
	HasOrganizationPermission(ctx context.Context, orgID, mpID int64) (bool, error)

	// AddOrganizationRole is get-or-create on (orgID, userID, roleID)
	AddOrganizationRole(ctx context.Context, orgID, userID, roleID int64) (*OrganizationRole, error)
	RemoveOrganizationRole(ctx context.Context, orgID, userID, roleID int64) error
	ListOrganizationRoles(ctx context.Context, orgID int64) ([]*OrganizationRole, error)
	CountRoleAssignments(ctx context.Context, roleID int64) (int, error)

	// RunInTx runs fn against a transactional view of the store. Grant writes
	// made through that view become visible to others only if fn succeeds.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
