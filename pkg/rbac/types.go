package rbac

import (
	"errors"
	"fmt"
	"time"

	"github.com/fullctl/aaactl-sub000/pkg/perms"
)

var (
	ErrRoleNotFound              = errors.New("role not found")
	ErrRoleInUse                 = errors.New("role is assigned in one or more organizations")
	ErrManagedPermissionNotFound = errors.New("managed permission not found")
	ErrNotManagable              = errors.New("managed permission is not managable by organization admins")
	ErrNotRestricted             = errors.New("managed permission is not in restricted grant mode")
	ErrInvalidNamespace          = perms.ErrInvalidNamespace
	ErrInvalidGrantMode          = errors.New("invalid grant mode")
)

// GrantMode decides which organizations a managed permission applies to
type GrantMode string

const (
	// GrantModeAuto applies to every organization
	GrantModeAuto GrantMode = "auto"
	// GrantModeRestricted applies only to organizations with an opt-in
	GrantModeRestricted GrantMode = "restricted"
)

// Valid reports whether m is a known grant mode
func (m GrantMode) Valid() bool {
	return m == GrantModeAuto || m == GrantModeRestricted
}

// ManagedPermission is a declarative permission namespace whose grants the
// resolver materializes on organization members and API keys.
type ManagedPermission struct {
	ID          int64     `json:"id"`
	Namespace   string    `json:"namespace"`
	Group       string    `json:"group"`
	Description string    `json:"description,omitempty"`
	Managable   bool      `json:"managable"`
	GrantMode   GrantMode `json:"grant_mode"`

	// AutoGrantAdmins and AutoGrantUsers are granted to org admins and
	// regular members on top of any role based grants. API keys receive one
	// of them depending on their admin flag.
	AutoGrantAdmins perms.Bits `json:"auto_grant_admins"`
	AutoGrantUsers  perms.Bits `json:"auto_grant_users"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Template parses the namespace template. It must be scoped by {org_id} so
// that every organization owns a distinct namespace.
func (mp *ManagedPermission) Template() (perms.Template, error) {
	return perms.ParseOrgTemplate(mp.Namespace)
}

// Validate checks the namespace template and grant mode
func (mp *ManagedPermission) Validate() error {
	if _, err := mp.Template(); err != nil {
		return err
	}
	if !mp.GrantMode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidGrantMode, mp.GrantMode)
	}
	if !mp.AutoGrantAdmins.Valid() || !mp.AutoGrantUsers.Valid() {
		return perms.ErrInvalidBits
	}
	return nil
}

// Role is a named, ranked permission bundle. Higher Level means more privileged.
type Role struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Level       int       `json:"level"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HighestRole returns the role with the greatest Level, or nil for none
func HighestRole(roles []*Role) *Role {
	var best *Role
	for _, r := range roles {
		if best == nil || r.Level > best.Level {
			best = r
		}
	}
	return best
}

// RoleAutoGrant grants Permissions on a managed permission to every holder of a role
type RoleAutoGrant struct {
	ID                  int64      `json:"id"`
	ManagedPermissionID int64      `json:"managed_permission_id"`
	RoleID              int64      `json:"role_id"`
	Permissions         perms.Bits `json:"permissions"`
}

// OrganizationManagedPermission opts an organization in to a restricted
// managed permission
type OrganizationManagedPermission struct {
	ID                  int64     `json:"id"`
	OrganizationID      int64     `json:"organization_id"`
	ManagedPermissionID int64     `json:"managed_permission_id"`
	Reason              string    `json:"reason"`
	CreatedAt           time.Time `json:"created_at"`
}

// OrganizationRole assigns a role to a user within an organization
type OrganizationRole struct {
	ID             int64     `json:"id"`
	OrganizationID int64     `json:"organization_id"`
	UserID         int64     `json:"user_id"`
	RoleID         int64     `json:"role_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// PrincipalKind is the kind of entity holding materialized grants
type PrincipalKind string

const (
	PrincipalUser PrincipalKind = "user"
	PrincipalKey  PrincipalKind = "key"
)

// Principal identifies a grant holder
type Principal struct {
	Kind PrincipalKind `json:"kind"`
	ID   int64         `json:"id"`
}

// User returns the principal for a user
func User(id int64) Principal { return Principal{Kind: PrincipalUser, ID: id} }

// Key returns the principal for an API key
func Key(id int64) Principal { return Principal{Kind: PrincipalKey, ID: id} }

func (p Principal) String() string {
	return fmt.Sprintf("%s:%d", p.Kind, p.ID)
}

// Actor identifies who requests an organization opt-in change
type Actor int

const (
	// ActorOperator is internal tooling; it may opt in to any restricted permission
	ActorOperator Actor = iota
	// ActorOrgAdmin is an organization admin; it may only change managable permissions
	ActorOrgAdmin
)
