package rbac

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fullctl/aaactl-sub000/pkg/observability"
	"github.com/fullctl/aaactl-sub000/pkg/orgs"
	"github.com/fullctl/aaactl-sub000/pkg/perms"
	"github.com/fullctl/aaactl-sub000/pkg/tasks"
)

type scheduledTask struct {
	name string
	args RecomputeArgs
	key  string
}

type recordingScheduler struct {
	mu    sync.Mutex
	tasks []scheduledTask
}

func (s *recordingScheduler) Schedule(ctx context.Context, name string, args interface{}, key string) (*tasks.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, scheduledTask{name: name, args: args.(RecomputeArgs), key: key})
	return nil, nil
}

func (s *recordingScheduler) last() scheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[len(s.tasks)-1]
}

func (s *recordingScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

type registryFixture struct {
	*resolverFixture
	queue    *tasks.Queue
	registry *Registry
}

func newRegistryFixture(t *testing.T, members ...int64) *registryFixture {
	t.Helper()
	f := newResolverFixture(t, members...)

	cfg := tasks.DefaultConfig()
	cfg.Retry.MaxAttempts = 1
	q := tasks.NewQueue(f.ctx, cfg, tasks.WithLogger(observability.Discard()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Close(ctx)
	})
	RegisterTasks(q, f.resolver)

	registry := NewRegistry(f.store, q, observability.Discard())
	f.dir.SetNotifier(registry)
	return &registryFixture{resolverFixture: f, queue: q, registry: registry}
}

func (f *registryFixture) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(f.ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.queue.Drain(ctx))
}

func TestRegistry_CreateManagedPermissionGrants(t *testing.T) {
	f := newRegistryFixture(t, 1)

	mp, err := f.registry.CreateManagedPermission(f.ctx, &ManagedPermission{
		Namespace:      "service.peerctl.{org_id}",
		AutoGrantUsers: perms.Read,
	})
	require.NoError(t, err)
	assert.Equal(t, GrantModeAuto, mp.GrantMode)
	f.drain(t)

	assert.Equal(t, perms.Read, grantOf(t, f.store, User(1), "service.peerctl.1"))
}

func TestRegistry_CreateRejectsInvalidTemplates(t *testing.T) {
	f := newRegistryFixture(t)

	_, err := f.registry.CreateManagedPermission(f.ctx, &ManagedPermission{Namespace: "service.{tenant}"})
	assert.ErrorIs(t, err, perms.ErrUnknownPlaceholder)

	_, err = f.registry.CreateManagedPermission(f.ctx, &ManagedPermission{Namespace: "x.{org_id}", GrantMode: "sometimes"})
	assert.ErrorIs(t, err, ErrInvalidGrantMode)

	_, err = f.registry.CreateManagedPermission(f.ctx, &ManagedPermission{Namespace: "service.billing", GrantMode: GrantModeAuto})
	assert.ErrorIs(t, err, perms.ErrUnscopedTemplate)
}

func TestRegistry_MembershipChangesRecompute(t *testing.T) {
	f := newRegistryFixture(t)
	_, err := f.registry.CreateManagedPermission(f.ctx, &ManagedPermission{
		Namespace:      "service.peerctl.{org_id}",
		AutoGrantUsers: perms.Read,
	})
	require.NoError(t, err)
	f.drain(t)

	require.NoError(t, f.dir.AddMember(f.ctx, f.org.ID, 5))
	f.drain(t)
	assert.Equal(t, perms.Read, grantOf(t, f.store, User(5), "service.peerctl.1"))

	require.NoError(t, f.dir.RemoveMember(f.ctx, f.org.ID, 5))
	f.drain(t)
	assert.Equal(t, perms.None, grantOf(t, f.store, User(5), "service.peerctl.1"))
}

func TestRegistry_RoleAssignmentFlow(t *testing.T) {
	f := newRegistryFixture(t, 1)
	role, err := f.registry.CreateRole(f.ctx, &Role{Name: "member", Level: 10})
	require.NoError(t, err)
	mp, err := f.registry.CreateManagedPermission(f.ctx, &ManagedPermission{Namespace: "service.ixctl.{org_id}"})
	require.NoError(t, err)

	_, err = f.registry.SetRoleAutoGrant(f.ctx, mp.ID, role.ID, perms.MustParse("ru"))
	require.NoError(t, err)
	f.drain(t)

	_, err = f.registry.AssignRole(f.ctx, f.org.ID, 1, role.ID)
	require.NoError(t, err)
	f.drain(t)
	assert.Equal(t, perms.Read|perms.Update, grantOf(t, f.store, User(1), "service.ixctl.1"))

	require.NoError(t, f.registry.DeleteRoleAutoGrant(f.ctx, mp.ID, role.ID))
	f.drain(t)
	assert.Equal(t, perms.None, grantOf(t, f.store, User(1), "service.ixctl.1"))

	err = f.registry.DeleteRole(f.ctx, role.ID)
	assert.ErrorIs(t, err, ErrRoleInUse)

	require.NoError(t, f.registry.UnassignRole(f.ctx, f.org.ID, 1, role.ID))
	require.NoError(t, f.registry.DeleteRole(f.ctx, role.ID))
	_, err = f.store.GetRole(f.ctx, role.ID)
	assert.ErrorIs(t, err, ErrRoleNotFound)
}

func TestRegistry_SetRoleAutoGrantValidates(t *testing.T) {
	f := newRegistryFixture(t)
	mp, err := f.registry.CreateManagedPermission(f.ctx, &ManagedPermission{Namespace: "service.ixctl.{org_id}"})
	require.NoError(t, err)

	_, err = f.registry.SetRoleAutoGrant(f.ctx, mp.ID, 999, perms.Read)
	assert.ErrorIs(t, err, ErrRoleNotFound)

	_, err = f.registry.SetRoleAutoGrant(f.ctx, mp.ID, 999, perms.Bits(0x40))
	assert.ErrorIs(t, err, perms.ErrInvalidBits)
}

func TestRegistry_OptInRules(t *testing.T) {
	f := newRegistryFixture(t, 1)
	auto, err := f.registry.CreateManagedPermission(f.ctx, &ManagedPermission{Namespace: "service.peerctl.{org_id}"})
	require.NoError(t, err)
	locked, err := f.registry.CreateManagedPermission(f.ctx, &ManagedPermission{
		Namespace:      "service.devicectl.{org_id}",
		GrantMode:      GrantModeRestricted,
		AutoGrantUsers: perms.Read,
	})
	require.NoError(t, err)
	open, err := f.registry.CreateManagedPermission(f.ctx, &ManagedPermission{
		Namespace:      "service.prefixctl.{org_id}",
		GrantMode:      GrantModeRestricted,
		Managable:      true,
		AutoGrantUsers: perms.Read,
	})
	require.NoError(t, err)
	f.drain(t)

	_, err = f.registry.OptIn(f.ctx, ActorOperator, f.org.ID, auto.ID, "")
	assert.ErrorIs(t, err, ErrNotRestricted)

	_, err = f.registry.OptIn(f.ctx, ActorOrgAdmin, f.org.ID, locked.ID, "self service")
	assert.ErrorIs(t, err, ErrNotManagable)

	_, err = f.registry.OptIn(f.ctx, ActorOrgAdmin, f.org.ID, open.ID, "self service")
	require.NoError(t, err)
	_, err = f.registry.OptIn(f.ctx, ActorOperator, f.org.ID, locked.ID, "beta program")
	require.NoError(t, err)
	f.drain(t)
	assert.Equal(t, perms.Read, grantOf(t, f.store, User(1), "service.devicectl.1"))
	assert.Equal(t, perms.Read, grantOf(t, f.store, User(1), "service.prefixctl.1"))

	require.NoError(t, f.registry.OptOut(f.ctx, ActorOperator, f.org.ID, locked.ID))
	f.drain(t)
	assert.Equal(t, perms.None, grantOf(t, f.store, User(1), "service.devicectl.1"))
	assert.Equal(t, perms.Read, grantOf(t, f.store, User(1), "service.prefixctl.1"))
}

func TestRegistry_UpdateSchedulesRevocation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	sched := &recordingScheduler{}
	registry := NewRegistry(store, sched, observability.Discard())

	mp, err := registry.CreateManagedPermission(ctx, &ManagedPermission{
		Namespace: "service.peerctl.{org_id}",
		Managable: true,
	})
	require.NoError(t, err)
	assert.Equal(t, scheduledTask{name: TaskRecomputeAll, key: GlobalKey}, sched.last())

	// Description only: plain rebuild.
	mp.Description = "peerctl"
	require.NoError(t, registry.UpdateManagedPermission(ctx, mp))
	assert.Empty(t, sched.last().args.RevokeNamespace)

	// Losing managable revokes the current namespace first.
	mp.Managable = false
	require.NoError(t, registry.UpdateManagedPermission(ctx, mp))
	assert.Equal(t, "service.peerctl.{org_id}", sched.last().args.RevokeNamespace)

	// Renaming revokes the previous namespace.
	mp.Namespace = "service.peerctl.v2.{org_id}"
	require.NoError(t, registry.UpdateManagedPermission(ctx, mp))
	assert.Equal(t, "service.peerctl.{org_id}", sched.last().args.RevokeNamespace)

	require.NoError(t, registry.DeleteManagedPermission(ctx, mp.ID))
	assert.Equal(t, "service.peerctl.v2.{org_id}", sched.last().args.RevokeNamespace)
	assert.Equal(t, 5, sched.count())
}

func TestRegistry_OrgScopedKeys(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	sched := &recordingScheduler{}
	registry := NewRegistry(store, sched, observability.Discard())

	require.NoError(t, registry.MembershipChanged(ctx, 42))
	assert.Equal(t, scheduledTask{name: TaskRecomputeOrg, args: RecomputeArgs{OrgID: 42}, key: "org:42"}, sched.last())
}

func TestRegistry_RenameMovesGrants(t *testing.T) {
	f := newRegistryFixture(t, 1)
	mp, err := f.registry.CreateManagedPermission(f.ctx, &ManagedPermission{
		Namespace:      "service.peerctl.{org_id}",
		AutoGrantUsers: perms.Read,
	})
	require.NoError(t, err)
	f.drain(t)

	mp.Namespace = "service.peerctl2.{org_id}"
	require.NoError(t, f.registry.UpdateManagedPermission(f.ctx, mp))
	f.drain(t)

	assert.Equal(t, perms.None, grantOf(t, f.store, User(1), "service.peerctl.1"))
	assert.Equal(t, perms.Read, grantOf(t, f.store, User(1), "service.peerctl2.1"))

	require.NoError(t, f.registry.DeleteManagedPermission(f.ctx, mp.ID))
	f.drain(t)
	assert.Equal(t, perms.None, grantOf(t, f.store, User(1), "service.peerctl2.1"))
}

func TestRecomputeOrgTaskRejectsMissingOrg(t *testing.T) {
	f := newRegistryFixture(t)

	h, err := f.queue.Schedule(f.ctx, TaskRecomputeOrg, RecomputeArgs{}, OrgKey(0))
	require.NoError(t, err)
	err = h.Wait(f.ctx)
	require.Error(t, err)
	assert.True(t, tasks.IsPermanent(err))

	h, err = f.queue.Schedule(f.ctx, TaskRecomputeOrg, RecomputeArgs{OrgID: 404}, OrgKey(404))
	require.NoError(t, err)
	err = h.Wait(f.ctx)
	assert.ErrorIs(t, err, orgs.ErrOrganizationNotFound)
}

var _ orgs.MembershipNotifier = (*Registry)(nil)
