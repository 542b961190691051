package orgs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryService_Organizations(t *testing.T) {
	ctx := context.Background()
	svc := NewMemoryService()

	owner := int64(42)
	personal, err := svc.CreateOrganization(ctx, &Organization{Name: "Alice", PersonalOwnerID: &owner})
	require.NoError(t, err)
	team, err := svc.CreateOrganization(ctx, &Organization{Name: "Team Rocket"})
	require.NoError(t, err)

	assert.Equal(t, "team-rocket", team.Slug)
	assert.Equal(t, OrgStatusActive, team.Status)
	assert.True(t, personal.IsOwner(42))

	orgs, err := svc.ListOrganizations(ctx)
	require.NoError(t, err)
	require.Len(t, orgs, 2)
	assert.Equal(t, personal.ID, orgs[0].ID)

	require.NoError(t, svc.DeleteOrganization(ctx, team.ID))
	_, err = svc.GetOrganization(ctx, team.ID)
	assert.ErrorIs(t, err, ErrOrganizationNotFound)

	orgs, err = svc.ListOrganizations(ctx)
	require.NoError(t, err)
	assert.Len(t, orgs, 1)
}

func TestMemoryService_MembersNotify(t *testing.T) {
	ctx := context.Background()
	svc := NewMemoryService()
	notifier := &recordingNotifier{}
	svc.SetNotifier(notifier)

	org, err := svc.CreateOrganization(ctx, &Organization{Name: "Acme"})
	require.NoError(t, err)

	require.NoError(t, svc.AddMember(ctx, org.ID, 3))
	require.NoError(t, svc.AddMember(ctx, org.ID, 1))
	assert.ErrorIs(t, svc.AddMember(ctx, org.ID, 1), ErrMemberExists)
	assert.ErrorIs(t, svc.AddMember(ctx, 999, 1), ErrOrganizationNotFound)

	members, err := svc.ListMembers(ctx, org.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, int64(1), members[0].UserID)

	require.NoError(t, svc.RemoveMember(ctx, org.ID, 3))
	assert.ErrorIs(t, svc.RemoveMember(ctx, org.ID, 3), ErrMemberNotFound)

	key, err := svc.CreateAPIKey(ctx, &APIKey{OrganizationID: org.ID, Name: "deploy"})
	require.NoError(t, err)
	assert.NotEmpty(t, key.Key)
	require.NoError(t, svc.DeleteAPIKey(ctx, org.ID, key.ID))

	assert.Equal(t, []int64{org.ID, org.ID, org.ID, org.ID, org.ID}, notifier.orgs)
}
