package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fullctl/aaactl-sub000/pkg/billing"
	"github.com/fullctl/aaactl-sub000/pkg/billing/processor"
	"github.com/fullctl/aaactl-sub000/pkg/observability"
	"github.com/fullctl/aaactl-sub000/pkg/perms"
	"github.com/fullctl/aaactl-sub000/pkg/rbac"
	"github.com/fullctl/aaactl-sub000/pkg/tasks"
)

const testSeed = `
roles:
  - name: admin
    level: 100
    description: Organization administrators
  - name: member
    level: 10
managed_permissions:
  - namespace: "service.peerctl.{org_id}"
    group: peerctl
    managable: true
    auto_grant_admins: crud
    auto_grant_users: r
    roles:
      admin: crud
      member: r
  - namespace: "service.devicectl.{org_id}"
    group: devicectl
    grant_mode: restricted
product_groups:
  - name: fullctl
    products:
      - name: peerctl.peers.trial
        component: peerctl
        type: metered
        unit_price: "0"
        expires_after: 720h
        replacement: peerctl.peers
      - name: peerctl.peers
        component: peerctl
        type: metered
        unit_price: "0.50"
        recurring: true
`

type countingScheduler struct {
	mu    sync.Mutex
	names []string
}

func (s *countingScheduler) Schedule(ctx context.Context, name string, args interface{}, key string) (*tasks.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names, name)
	return nil, nil
}

func (s *countingScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.names)
}

type seedFixture struct {
	store     *rbac.MemoryStore
	engine    *billing.Engine
	scheduler *countingScheduler
	seeder    *Seeder
}

func newSeedFixture() *seedFixture {
	f := &seedFixture{
		store:     rbac.NewMemoryStore(),
		scheduler: &countingScheduler{},
	}
	logger := observability.Discard()
	f.engine = billing.NewEngine(billing.NewMemoryStore(), processor.NewRegistry(processor.NewDummy()), billing.WithLogger(logger))
	f.seeder = NewSeeder(f.store, rbac.NewRegistry(f.store, f.scheduler, logger), f.engine, logger)
	return f
}

func TestParseSeed(t *testing.T) {
	seed, err := ParseSeed([]byte(testSeed))
	require.NoError(t, err)

	require.Len(t, seed.Roles, 2)
	require.Len(t, seed.ManagedPermissions, 2)
	mp := seed.ManagedPermissions[0]
	assert.Equal(t, perms.MustParse("crud"), mp.AutoGrantAdmins)
	assert.Equal(t, perms.MustParse("r"), mp.Roles["member"])
	require.Len(t, seed.ProductGroups, 1)
	assert.Equal(t, 720*time.Hour, seed.ProductGroups[0].Products[0].ExpiresAfter)

	empty, err := ParseSeed(nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Roles)
}

func TestParseSeed_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "roles:\n  - name: admin\n    rank: 1\n"},
		{"bad bits", "managed_permissions:\n  - namespace: \"a.{org_id}\"\n    auto_grant_users: rwx\n"},
		{"bad namespace", "managed_permissions:\n  - namespace: \"a.{org_id\"\n"},
		{"bad grant mode", "managed_permissions:\n  - namespace: \"a.{org_id}\"\n    grant_mode: sometimes\n"},
		{"unscoped namespace", "managed_permissions:\n  - namespace: service.billing\n"},
		{"duplicate role", "roles:\n  - name: admin\n  - name: admin\n"},
		{"bad price", "product_groups:\n  - name: g\n    products:\n      - name: p\n        type: fixed\n        unit_price: \"1.999\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSeed([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestSeederApply(t *testing.T) {
	f := newSeedFixture()
	ctx := context.Background()
	seed, err := ParseSeed([]byte(testSeed))
	require.NoError(t, err)

	res, err := f.seeder.Apply(ctx, seed)
	require.NoError(t, err)
	assert.Equal(t, SeedResult{
		RolesCreated:       2,
		PermissionsCreated: 2,
		AutoGrantsSet:      2,
		ProductsCreated:    2,
	}, res)
	assert.Equal(t, 4, f.scheduler.count(), "each permission and auto grant schedules a recompute")

	mp, err := f.store.GetManagedPermissionByNamespace(ctx, "service.devicectl.{org_id}")
	require.NoError(t, err)
	assert.Equal(t, rbac.GrantModeRestricted, mp.GrantMode)

	trial, err := f.engine.Store().GetProductByName(ctx, "peerctl.peers.trial")
	require.NoError(t, err)
	paid, err := f.engine.Store().GetProductByName(ctx, "peerctl.peers")
	require.NoError(t, err)
	require.NotNil(t, trial.ReplacementID)
	assert.Equal(t, paid.ID, *trial.ReplacementID)
	assert.Equal(t, billing.Money(50), paid.UnitPrice)
	assert.Equal(t, "USD", paid.Currency)

	// applying again is a no-op
	res, err = f.seeder.Apply(ctx, seed)
	require.NoError(t, err)
	assert.False(t, res.Changed())
	assert.Equal(t, 4, f.scheduler.count())
}

func TestSeederApply_Updates(t *testing.T) {
	f := newSeedFixture()
	ctx := context.Background()
	seed, err := ParseSeed([]byte(testSeed))
	require.NoError(t, err)
	_, err = f.seeder.Apply(ctx, seed)
	require.NoError(t, err)

	seed.Roles[1].Level = 20
	seed.ManagedPermissions[0].AutoGrantUsers = perms.MustParse("cr")
	seed.ManagedPermissions[0].Roles["member"] = perms.MustParse("ru")

	res, err := f.seeder.Apply(ctx, seed)
	require.NoError(t, err)
	assert.Equal(t, SeedResult{RolesUpdated: 1, PermissionsUpdated: 1, AutoGrantsSet: 1}, res)

	role, err := f.store.GetRoleByName(ctx, "member")
	require.NoError(t, err)
	assert.Equal(t, 20, role.Level)

	mp, err := f.store.GetManagedPermissionByNamespace(ctx, "service.peerctl.{org_id}")
	require.NoError(t, err)
	assert.Equal(t, perms.MustParse("cr"), mp.AutoGrantUsers)
}

func TestSeederApply_UnknownReplacement(t *testing.T) {
	f := newSeedFixture()
	seed, err := ParseSeed([]byte(`
product_groups:
  - name: fullctl
    products:
      - name: trial
        type: fixed
        unit_price: "0"
        replacement: missing
`))
	require.NoError(t, err)

	_, err = f.seeder.Apply(context.Background(), seed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown replacement")
}

func TestSeederApply_ProductsWithoutBilling(t *testing.T) {
	store := rbac.NewMemoryStore()
	seeder := NewSeeder(store, rbac.NewRegistry(store, &countingScheduler{}, nil), nil, observability.Discard())
	seed, err := ParseSeed([]byte(testSeed))
	require.NoError(t, err)

	_, err = seeder.Apply(context.Background(), seed)
	assert.Error(t, err)
}

func TestWatchSeed(t *testing.T) {
	f := newSeedFixture()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte("roles:\n  - name: admin\n    level: 100\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- WatchSeed(ctx, path, f.seeder, 10*time.Millisecond, observability.Discard()) }()

	// the watcher may not be registered yet, so keep touching the file
	assert.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("roles:\n  - name: admin\n    level: 100\n  - name: billing\n    level: 50\n"), 0o644)
		_, err := f.store.GetRoleByName(context.Background(), "billing")
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}
