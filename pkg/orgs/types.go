package orgs

import (
	"context"
	"errors"
	"time"
)

// OrgStatus represents organization status
type OrgStatus string

const (
	OrgStatusActive    OrgStatus = "active"
	OrgStatusSuspended OrgStatus = "suspended"
	OrgStatusDeleted   OrgStatus = "deleted"
)

var (
	ErrOrganizationNotFound = errors.New("organization not found")
	ErrMemberNotFound       = errors.New("member not found")
	ErrMemberExists         = errors.New("member already exists")
	ErrAPIKeyNotFound       = errors.New("api key not found")
)

// Organization is a tenant record
type Organization struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	Slug            string    `json:"slug"`
	PersonalOwnerID *int64    `json:"personal_owner_id,omitempty"`
	Status          OrgStatus `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// IsPersonal reports whether the organization belongs to a single user.
func (o *Organization) IsPersonal() bool {
	return o.PersonalOwnerID != nil
}

// IsOwner reports whether userID owns this personal organization.
func (o *Organization) IsOwner(userID int64) bool {
	return o.PersonalOwnerID != nil && *o.PersonalOwnerID == userID
}

// Member is a user's membership in an organization
type Member struct {
	ID             int64     `json:"id"`
	OrganizationID int64     `json:"organization_id"`
	UserID         int64     `json:"user_id"`
	Username       string    `json:"username,omitempty"`
	Email          string    `json:"email,omitempty"`
	JoinedAt       time.Time `json:"joined_at"`
}

// APIKey is an organization-issued key. Keys hold no roles; Admin marks the
// key as admin-equivalent for managed permission grants.
type APIKey struct {
	ID             int64     `json:"id"`
	OrganizationID int64     `json:"organization_id"`
	UserID         *int64    `json:"user_id,omitempty"`
	Name           string    `json:"name"`
	Key            string    `json:"key,omitempty"`
	Admin          bool      `json:"admin"`
	CreatedAt      time.Time `json:"created_at"`
}

// Directory is the read-only view of organizations consumed by the
// permission and billing engines.
type Directory interface {
	GetOrganization(ctx context.Context, id int64) (*Organization, error)
	ListOrganizations(ctx context.Context) ([]*Organization, error)
	ListMembers(ctx context.Context, orgID int64) ([]*Member, error)
	ListAPIKeys(ctx context.Context, orgID int64) ([]*APIKey, error)
}

// MembershipNotifier is told whenever the membership of an organization changes.
type MembershipNotifier interface {
	MembershipChanged(ctx context.Context, orgID int64) error
}

// Service defines the interface for organization management
type Service interface {
	Directory

	CreateOrganization(ctx context.Context, org *Organization) (*Organization, error)
	DeleteOrganization(ctx context.Context, id int64) error

	AddMember(ctx context.Context, orgID, userID int64) error
	RemoveMember(ctx context.Context, orgID, userID int64) error

	CreateAPIKey(ctx context.Context, key *APIKey) (*APIKey, error)
	DeleteAPIKey(ctx context.Context, orgID, keyID int64) error
}
