package rbac

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fullctl/aaactl-sub000/pkg/observability"
	"github.com/fullctl/aaactl-sub000/pkg/orgs"
	"github.com/fullctl/aaactl-sub000/pkg/perms"
)

type resolverFixture struct {
	ctx      context.Context
	store    *MemoryStore
	dir      *orgs.MemoryService
	resolver *Resolver
	org      *orgs.Organization
}

func newResolverFixture(t *testing.T, members ...int64) *resolverFixture {
	t.Helper()
	ctx := context.Background()
	dir := orgs.NewMemoryService()
	store := NewMemoryStore()

	org, err := dir.CreateOrganization(ctx, &orgs.Organization{Name: "20C"})
	require.NoError(t, err)
	for _, id := range members {
		require.NoError(t, dir.AddMember(ctx, org.ID, id))
	}

	return &resolverFixture{
		ctx:      ctx,
		store:    store,
		dir:      dir,
		resolver: NewResolver(store, dir, WithResolverLogger(observability.Discard())),
		org:      org,
	}
}

func (f *resolverFixture) managedPermission(t *testing.T, mp *ManagedPermission) *ManagedPermission {
	t.Helper()
	if mp.GrantMode == "" {
		mp.GrantMode = GrantModeAuto
	}
	created, err := f.store.CreateManagedPermission(f.ctx, mp)
	require.NoError(t, err)
	return created
}

func (f *resolverFixture) role(t *testing.T, name string, level int) *Role {
	t.Helper()
	role, err := f.store.CreateRole(f.ctx, &Role{Name: name, Level: level})
	require.NoError(t, err)
	return role
}

func grantOf(t *testing.T, st GrantStore, p Principal, ns string) perms.Bits {
	t.Helper()
	set, err := st.GetGrants(context.Background(), p)
	require.NoError(t, err)
	bits, _ := set.Get(ns)
	return bits
}

func TestResolver_GrantRevokeSymmetry(t *testing.T) {
	f := newResolverFixture(t, 1, 2)
	key, err := f.dir.CreateAPIKey(f.ctx, &orgs.APIKey{OrganizationID: f.org.ID, Name: "ci"})
	require.NoError(t, err)

	mp := f.managedPermission(t, &ManagedPermission{
		Namespace:       "service.peerctl.{org_id}",
		AutoGrantAdmins: perms.All,
		AutoGrantUsers:  perms.Read,
	})
	ns := "service.peerctl.1"

	require.NoError(t, f.resolver.AutoGrant(f.ctx, f.org, mp))
	assert.Equal(t, perms.Read, grantOf(t, f.store, User(1), ns))
	assert.Equal(t, perms.Read, grantOf(t, f.store, User(2), ns))
	assert.Equal(t, perms.Read, grantOf(t, f.store, Key(key.ID), ns))

	require.NoError(t, f.resolver.Revoke(f.ctx, f.org, mp))
	for _, p := range []Principal{User(1), User(2), Key(key.ID)} {
		set, err := f.store.GetGrants(f.ctx, p)
		require.NoError(t, err)
		assert.Zero(t, set.Len(), p.String())
	}
	holders, err := f.store.ListHolders(f.ctx, ns)
	require.NoError(t, err)
	assert.Empty(t, holders)
}

func TestResolver_RecomputeIsIdempotent(t *testing.T) {
	f := newResolverFixture(t, 1, 2)
	admin := f.role(t, "admin", 100)
	f.managedPermission(t, &ManagedPermission{Namespace: "service.ixctl.{org_id}", AutoGrantUsers: perms.Read})
	mp := f.managedPermission(t, &ManagedPermission{Namespace: "service.peerctl.{org_id}.manage"})
	_, err := f.store.SetRoleAutoGrant(f.ctx, mp.ID, admin.ID, perms.MustParse("crud"))
	require.NoError(t, err)
	_, err = f.store.AddOrganizationRole(f.ctx, f.org.ID, 1, admin.ID)
	require.NoError(t, err)

	require.NoError(t, f.resolver.RecomputeOrg(f.ctx, f.org.ID))
	first, err := f.store.GetGrants(f.ctx, User(1))
	require.NoError(t, err)

	require.NoError(t, f.resolver.RecomputeOrg(f.ctx, f.org.ID))
	second, err := f.store.GetGrants(f.ctx, User(1))
	require.NoError(t, err)

	assert.Equal(t, first.Grants(), second.Grants())
	assert.Equal(t, perms.All, grantOf(t, f.store, User(1), "service.peerctl.1.manage"))
	assert.Equal(t, perms.None, grantOf(t, f.store, User(2), "service.peerctl.1.manage"))
}

func TestResolver_RoleGrantsAreORed(t *testing.T) {
	f := newResolverFixture(t, 1)
	reader := f.role(t, "reader", 10)
	editor := f.role(t, "editor", 20)
	mp := f.managedPermission(t, &ManagedPermission{Namespace: "service.peerctl.{org_id}"})

	_, err := f.store.SetRoleAutoGrant(f.ctx, mp.ID, reader.ID, perms.Read)
	require.NoError(t, err)
	_, err = f.store.SetRoleAutoGrant(f.ctx, mp.ID, editor.ID, perms.Update)
	require.NoError(t, err)
	_, err = f.store.AddOrganizationRole(f.ctx, f.org.ID, 1, reader.ID)
	require.NoError(t, err)
	_, err = f.store.AddOrganizationRole(f.ctx, f.org.ID, 1, editor.ID)
	require.NoError(t, err)

	require.NoError(t, f.resolver.RecomputeOrg(f.ctx, f.org.ID))
	assert.Equal(t, perms.Read|perms.Update, grantOf(t, f.store, User(1), "service.peerctl.1"))

	// Recompute replaces: dropping a role narrows the grant.
	require.NoError(t, f.store.RemoveOrganizationRole(f.ctx, f.org.ID, 1, editor.ID))
	require.NoError(t, f.resolver.RecomputeOrg(f.ctx, f.org.ID))
	assert.Equal(t, perms.Read, grantOf(t, f.store, User(1), "service.peerctl.1"))
}

func TestResolver_RestrictedRequiresOptIn(t *testing.T) {
	f := newResolverFixture(t, 1)
	mp := f.managedPermission(t, &ManagedPermission{
		Namespace:      "service.devicectl.{org_id}",
		GrantMode:      GrantModeRestricted,
		AutoGrantUsers: perms.Read,
	})
	ns := "service.devicectl.1"

	require.NoError(t, f.resolver.RecomputeOrg(f.ctx, f.org.ID))
	assert.Equal(t, perms.None, grantOf(t, f.store, User(1), ns))

	_, err := f.store.AddOrganizationPermission(f.ctx, f.org.ID, mp.ID, "beta")
	require.NoError(t, err)
	require.NoError(t, f.resolver.RecomputeOrg(f.ctx, f.org.ID))
	assert.Equal(t, perms.Read, grantOf(t, f.store, User(1), ns))

	require.NoError(t, f.store.RemoveOrganizationPermission(f.ctx, f.org.ID, mp.ID))
	require.NoError(t, f.resolver.RecomputeOrg(f.ctx, f.org.ID))
	assert.Equal(t, perms.None, grantOf(t, f.store, User(1), ns))
}

func TestResolver_MemberOfTwoOrganizations(t *testing.T) {
	f := newResolverFixture(t, 7)
	other, err := f.dir.CreateOrganization(f.ctx, &orgs.Organization{Name: "NOC"})
	require.NoError(t, err)
	require.NoError(t, f.dir.AddMember(f.ctx, other.ID, 7))

	mp := f.managedPermission(t, &ManagedPermission{
		Namespace:      "service.billing.{org_id}",
		GrantMode:      GrantModeRestricted,
		AutoGrantUsers: perms.Read,
	})
	_, err = f.store.AddOrganizationPermission(f.ctx, f.org.ID, mp.ID, "beta")
	require.NoError(t, err)

	tmpl := perms.MustTemplate(mp.Namespace)
	nsA := tmpl.Format(perms.Vars{OrgID: f.org.ID})
	nsB := tmpl.Format(perms.Vars{OrgID: other.ID})

	require.NoError(t, f.resolver.RecomputeOrg(f.ctx, f.org.ID))
	require.NoError(t, f.resolver.RecomputeOrg(f.ctx, other.ID))
	assert.Equal(t, perms.Read, grantOf(t, f.store, User(7), nsA))
	assert.Equal(t, perms.None, grantOf(t, f.store, User(7), nsB))

	require.NoError(t, f.resolver.Revoke(f.ctx, other, mp))
	assert.Equal(t, perms.Read, grantOf(t, f.store, User(7), nsA))
}

func TestResolver_RejectsUnscopedNamespace(t *testing.T) {
	f := newResolverFixture(t, 1)
	f.managedPermission(t, &ManagedPermission{Namespace: "service.billing", AutoGrantUsers: perms.Read})

	err := f.resolver.RecomputeOrg(f.ctx, f.org.ID)
	assert.ErrorIs(t, err, perms.ErrUnscopedTemplate)
	assert.Equal(t, perms.None, grantOf(t, f.store, User(1), "service.billing"))
}

func TestResolver_AdminDetermination(t *testing.T) {
	f := newResolverFixture(t, 1, 2)
	adminRole := f.role(t, "admin", 100)
	orgMP := f.managedPermission(t, &ManagedPermission{Namespace: AdminNamespace, AutoGrantUsers: perms.Read})
	_, err := f.store.SetRoleAutoGrant(f.ctx, orgMP.ID, adminRole.ID, perms.All)
	require.NoError(t, err)
	// Created after the admin namespace on purpose; ordering must not matter.
	f.managedPermission(t, &ManagedPermission{
		Namespace:       "service.peerctl.{org_id}",
		AutoGrantAdmins: perms.All,
		AutoGrantUsers:  perms.Read,
	})
	_, err = f.store.AddOrganizationRole(f.ctx, f.org.ID, 1, adminRole.ID)
	require.NoError(t, err)

	require.NoError(t, f.resolver.RecomputeOrg(f.ctx, f.org.ID))
	assert.Equal(t, perms.All, grantOf(t, f.store, User(1), "org.1"))
	assert.Equal(t, perms.Read, grantOf(t, f.store, User(2), "org.1"))
	assert.Equal(t, perms.All, grantOf(t, f.store, User(1), "service.peerctl.1"))
	assert.Equal(t, perms.Read, grantOf(t, f.store, User(2), "service.peerctl.1"))

	admin, err := f.resolver.IsAdmin(f.ctx, f.store, f.org, 1)
	require.NoError(t, err)
	assert.True(t, admin)

	// Losing the role demotes on the next recompute instead of sticking.
	require.NoError(t, f.store.RemoveOrganizationRole(f.ctx, f.org.ID, 1, adminRole.ID))
	require.NoError(t, f.resolver.RecomputeOrg(f.ctx, f.org.ID))
	assert.Equal(t, perms.Read, grantOf(t, f.store, User(1), "org.1"))
	assert.Equal(t, perms.Read, grantOf(t, f.store, User(1), "service.peerctl.1"))
}

func TestResolver_PersonalOwnerIsAdmin(t *testing.T) {
	ctx := context.Background()
	dir := orgs.NewMemoryService()
	store := NewMemoryStore()
	owner := int64(7)
	org, err := dir.CreateOrganization(ctx, &orgs.Organization{Name: "alice", PersonalOwnerID: &owner})
	require.NoError(t, err)
	require.NoError(t, dir.AddMember(ctx, org.ID, owner))

	_, err = store.CreateManagedPermission(ctx, &ManagedPermission{
		Namespace:       "billing.{org_id}",
		GrantMode:       GrantModeAuto,
		AutoGrantAdmins: perms.All,
		AutoGrantUsers:  perms.Read,
	})
	require.NoError(t, err)

	r := NewResolver(store, dir, WithResolverLogger(observability.Discard()))
	require.NoError(t, r.RecomputeOrg(ctx, org.ID))
	assert.Equal(t, perms.All, grantOf(t, store, User(owner), "billing.1"))
}

func TestResolver_APIKeysFollowAdminFlag(t *testing.T) {
	f := newResolverFixture(t)
	adminKey, err := f.dir.CreateAPIKey(f.ctx, &orgs.APIKey{OrganizationID: f.org.ID, Name: "admin", Admin: true})
	require.NoError(t, err)
	userKey, err := f.dir.CreateAPIKey(f.ctx, &orgs.APIKey{OrganizationID: f.org.ID, Name: "user"})
	require.NoError(t, err)

	f.managedPermission(t, &ManagedPermission{
		Namespace:       "service.peerctl.{org_id}",
		AutoGrantAdmins: perms.MustParse("cru"),
		AutoGrantUsers:  perms.Read,
	})

	require.NoError(t, f.resolver.RecomputeOrg(f.ctx, f.org.ID))
	assert.Equal(t, perms.Create|perms.Read|perms.Update, grantOf(t, f.store, Key(adminKey.ID), "service.peerctl.1"))
	assert.Equal(t, perms.Read, grantOf(t, f.store, Key(userKey.ID), "service.peerctl.1"))
}

func TestResolver_FormerMembersLoseGrants(t *testing.T) {
	f := newResolverFixture(t, 1, 2)
	f.managedPermission(t, &ManagedPermission{Namespace: "service.peerctl.{org_id}", AutoGrantUsers: perms.Read})

	require.NoError(t, f.resolver.RecomputeOrg(f.ctx, f.org.ID))
	assert.Equal(t, perms.Read, grantOf(t, f.store, User(2), "service.peerctl.1"))

	require.NoError(t, f.dir.RemoveMember(f.ctx, f.org.ID, 2))
	require.NoError(t, f.resolver.RecomputeOrg(f.ctx, f.org.ID))
	assert.Equal(t, perms.None, grantOf(t, f.store, User(2), "service.peerctl.1"))
	assert.Equal(t, perms.Read, grantOf(t, f.store, User(1), "service.peerctl.1"))
}

type flakyDirectory struct {
	*orgs.MemoryService
	failOrg int64
}

func (d *flakyDirectory) ListMembers(ctx context.Context, orgID int64) ([]*orgs.Member, error) {
	if orgID == d.failOrg {
		return nil, errors.New("directory unavailable")
	}
	return d.MemoryService.ListMembers(ctx, orgID)
}

func TestResolver_RecomputeAllIsolatesOrganizations(t *testing.T) {
	ctx := context.Background()
	dir := orgs.NewMemoryService()
	store := NewMemoryStore()

	good, err := dir.CreateOrganization(ctx, &orgs.Organization{Name: "good"})
	require.NoError(t, err)
	bad, err := dir.CreateOrganization(ctx, &orgs.Organization{Name: "bad"})
	require.NoError(t, err)
	require.NoError(t, dir.AddMember(ctx, good.ID, 1))
	require.NoError(t, dir.AddMember(ctx, bad.ID, 2))

	_, err = store.CreateManagedPermission(ctx, &ManagedPermission{
		Namespace:      "service.peerctl.{org_id}",
		GrantMode:      GrantModeAuto,
		AutoGrantUsers: perms.Read,
	})
	require.NoError(t, err)

	r := NewResolver(store, &flakyDirectory{MemoryService: dir, failOrg: bad.ID},
		WithResolverLogger(observability.Discard()))
	err = r.RecomputeAll(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "directory unavailable")

	good1, err := store.GetGrants(ctx, User(1))
	require.NoError(t, err)
	assert.True(t, good1.Check("service.peerctl.1", perms.Read))

	bad2, err := store.GetGrants(ctx, User(2))
	require.NoError(t, err)
	assert.Zero(t, bad2.Len())
}

func TestResolver_RevokeNamespaceAll(t *testing.T) {
	f := newResolverFixture(t, 1)
	mp := f.managedPermission(t, &ManagedPermission{Namespace: "service.peerctl.{org_id}", AutoGrantUsers: perms.Read})
	require.NoError(t, f.resolver.AutoGrant(f.ctx, f.org, mp))

	require.NoError(t, f.resolver.RevokeNamespaceAll(f.ctx, mp.Namespace))
	assert.Equal(t, perms.None, grantOf(t, f.store, User(1), "service.peerctl.1"))

	assert.ErrorIs(t, f.resolver.RevokeNamespaceAll(f.ctx, "service.{tenant}"), perms.ErrUnknownPlaceholder)
}

func TestResolver_PurgesChecker(t *testing.T) {
	f := newResolverFixture(t, 1)
	checker := NewChecker(f.store, 16, 0, nil)
	f.resolver = NewResolver(f.store, f.dir, WithResolverLogger(observability.Discard()), WithChecker(checker))

	ok, err := checker.Check(f.ctx, User(1), "service.peerctl.1", perms.Read)
	require.NoError(t, err)
	assert.False(t, ok)

	f.managedPermission(t, &ManagedPermission{Namespace: "service.peerctl.{org_id}", AutoGrantUsers: perms.Read})
	require.NoError(t, f.resolver.RecomputeOrg(f.ctx, f.org.ID))

	ok, err = checker.Check(f.ctx, User(1), "service.peerctl.1", perms.Read)
	require.NoError(t, err)
	assert.True(t, ok)
}
