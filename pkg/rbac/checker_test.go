package rbac

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fullctl/aaactl-sub000/pkg/observability"
	"github.com/fullctl/aaactl-sub000/pkg/perms"
)

type countingGrants struct {
	GrantStore
	calls int
}

func (c *countingGrants) GetGrants(ctx context.Context, p Principal) (*perms.Set, error) {
	c.calls++
	return c.GrantStore.GetGrants(ctx, p)
}

func TestChecker_CachesAndInvalidates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.SetGrant(ctx, User(1), "service.peerctl", perms.Read))
	require.NoError(t, store.SetGrant(ctx, User(1), "service.peerctl.42", perms.All))

	grants := &countingGrants{GrantStore: store}
	m := observability.NewMetrics(prometheus.NewRegistry())
	c := NewChecker(grants, 8, 0, m)

	ok, err := c.Check(ctx, User(1), "service.peerctl.42.routers", perms.Create)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Check(ctx, User(1), "service.peerctl.7", perms.Update)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, grants.calls)

	require.NoError(t, store.SetGrant(ctx, User(1), "service.peerctl.7", perms.Update))
	ok, err = c.Check(ctx, User(1), "service.peerctl.7", perms.Update)
	require.NoError(t, err)
	assert.False(t, ok, "stale until invalidated")

	c.Invalidate(User(1))
	ok, err = c.Check(ctx, User(1), "service.peerctl.7", perms.Update)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, grants.calls)

	c.Purge()
	_, err = c.Grants(ctx, User(1))
	require.NoError(t, err)
	assert.Equal(t, 3, grants.calls)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.CheckerCacheHitsTotal))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.CheckerCacheMissesTotal))
}

func TestMemoryStore_RunInTxDiscardsOnError(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.SetGrant(ctx, User(1), "a", perms.Read))

	err := store.RunInTx(ctx, func(ctx context.Context, tx Store) error {
		require.NoError(t, tx.SetGrant(ctx, User(1), "a", perms.None))
		require.NoError(t, tx.SetGrant(ctx, User(2), "a", perms.All))

		holders, err := tx.ListHolders(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, []Principal{User(2)}, holders)
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	holders, err := store.ListHolders(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []Principal{User(1)}, holders)

	require.NoError(t, store.RunInTx(ctx, func(ctx context.Context, tx Store) error {
		return tx.SetGrant(ctx, User(3), "a", perms.Update)
	}))
	assert.Equal(t, perms.Update, grantOf(t, store, User(3), "a"))
}

func TestHighestRole(t *testing.T) {
	assert.Nil(t, HighestRole(nil))
	roles := []*Role{{Name: "member", Level: 10}, {Name: "admin", Level: 100}, {Name: "billing", Level: 50}}
	assert.Equal(t, "admin", HighestRole(roles).Name)
}
