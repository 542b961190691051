package orgs

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockService(t *testing.T) (*PostgresService, sqlmock.Sqlmock, *sql.DB) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return NewPostgresService(db), mock, db
}

type recordingNotifier struct {
	orgs []int64
	err  error
}

func (r *recordingNotifier) MembershipChanged(ctx context.Context, orgID int64) error {
	r.orgs = append(r.orgs, orgID)
	return r.err
}

func TestGenerateSlug(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "simple name", input: "MyOrg", expected: "myorg"},
		{name: "name with spaces", input: "My Organization", expected: "my-organization"},
		{name: "name with invalid chars", input: "My@Org!", expected: "myorg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, generateSlug(tt.input))
		})
	}
}

func TestGenerateToken(t *testing.T) {
	token1, err := generateToken()
	require.NoError(t, err)
	assert.Len(t, token1, 64)

	token2, err := generateToken()
	require.NoError(t, err)
	assert.NotEqual(t, token1, token2)
}

func TestPostgresService_GetOrganization(t *testing.T) {
	service, mock, db := newMockService(t)
	defer db.Close()
	ctx := context.Background()
	now := time.Now()

	t.Run("personal organization", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{"id", "name", "slug", "personal_owner_id", "status", "created_at", "updated_at"}).
			AddRow(1, "alice", "alice", 10, "active", now, now)
		mock.ExpectQuery("SELECT (.+) FROM organizations WHERE id = \\$1").
			WithArgs(int64(1)).
			WillReturnRows(rows)

		org, err := service.GetOrganization(ctx, 1)
		require.NoError(t, err)
		assert.True(t, org.IsPersonal())
		assert.True(t, org.IsOwner(10))
		assert.False(t, org.IsOwner(11))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM organizations WHERE id = \\$1").
			WithArgs(int64(2)).
			WillReturnError(sql.ErrNoRows)

		_, err := service.GetOrganization(ctx, 2)
		assert.ErrorIs(t, err, ErrOrganizationNotFound)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresService_ListOrganizations(t *testing.T) {
	service, mock, db := newMockService(t)
	defer db.Close()
	now := time.Now()

	rows := sqlmock.NewRows([]string{"id", "name", "slug", "personal_owner_id", "status", "created_at", "updated_at"}).
		AddRow(1, "Acme", "acme", nil, "active", now, now).
		AddRow(2, "Globex", "globex", nil, "suspended", now, now)
	mock.ExpectQuery("SELECT (.+) FROM organizations WHERE status <> 'deleted' ORDER BY id ASC").
		WillReturnRows(rows)

	orgs, err := service.ListOrganizations(context.Background())
	require.NoError(t, err)
	require.Len(t, orgs, 2)
	assert.False(t, orgs[0].IsPersonal())
	assert.Equal(t, OrgStatusSuspended, orgs[1].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresService_CreateOrganization(t *testing.T) {
	service, mock, db := newMockService(t)
	defer db.Close()
	now := time.Now()

	mock.ExpectQuery("INSERT INTO organizations").
		WithArgs("Acme Corp", "acme-corp", nil, OrgStatusActive).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(7, now, now))

	org, err := service.CreateOrganization(context.Background(), &Organization{Name: "Acme Corp"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), org.ID)
	assert.Equal(t, "acme-corp", org.Slug)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresService_DeleteOrganization(t *testing.T) {
	service, mock, db := newMockService(t)
	defer db.Close()

	mock.ExpectExec("UPDATE organizations SET status").
		WithArgs(OrgStatusDeleted, int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := service.DeleteOrganization(context.Background(), 3)
	assert.ErrorIs(t, err, ErrOrganizationNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresService_Members(t *testing.T) {
	service, mock, db := newMockService(t)
	defer db.Close()
	ctx := context.Background()
	notifier := &recordingNotifier{}
	service.SetNotifier(notifier)

	t.Run("list", func(t *testing.T) {
		now := time.Now()
		rows := sqlmock.NewRows([]string{"id", "organization_id", "user_id", "username", "email", "joined_at"}).
			AddRow(1, 5, 10, "alice", "alice@example.com", now).
			AddRow(2, 5, 11, "bob", nil, now)
		mock.ExpectQuery("SELECT (.+) FROM organization_members m JOIN users u").
			WithArgs(int64(5)).
			WillReturnRows(rows)

		members, err := service.ListMembers(ctx, 5)
		require.NoError(t, err)
		require.Len(t, members, 2)
		assert.Equal(t, "alice@example.com", members[0].Email)
		assert.Equal(t, "", members[1].Email)
	})

	t.Run("add notifies", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO organization_members").
			WithArgs(int64(5), int64(12)).
			WillReturnResult(sqlmock.NewResult(3, 1))

		require.NoError(t, service.AddMember(ctx, 5, 12))
		assert.Equal(t, []int64{5}, notifier.orgs)
	})

	t.Run("add existing", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO organization_members").
			WithArgs(int64(5), int64(12)).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := service.AddMember(ctx, 5, 12)
		assert.ErrorIs(t, err, ErrMemberExists)
		assert.Len(t, notifier.orgs, 1)
	})

	t.Run("remove notifies", func(t *testing.T) {
		mock.ExpectExec("DELETE FROM organization_members").
			WithArgs(int64(5), int64(12)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, service.RemoveMember(ctx, 5, 12))
		assert.Equal(t, []int64{5, 5}, notifier.orgs)
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresService_APIKeys(t *testing.T) {
	service, mock, db := newMockService(t)
	defer db.Close()
	ctx := context.Background()
	now := time.Now()

	mock.ExpectQuery("INSERT INTO api_keys").
		WithArgs(int64(5), nil, "ci", sqlmock.AnyArg(), true).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(9, now))

	key, err := service.CreateAPIKey(ctx, &APIKey{OrganizationID: 5, Name: "ci", Admin: true})
	require.NoError(t, err)
	assert.Equal(t, int64(9), key.ID)
	assert.Len(t, key.Key, 64)

	mock.ExpectQuery("SELECT (.+) FROM api_keys WHERE organization_id = \\$1").
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "organization_id", "user_id", "name", "admin", "created_at"}).
			AddRow(9, 5, nil, "ci", true, now))

	keys, err := service.ListAPIKeys(ctx, 5)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.True(t, keys[0].Admin)
	assert.Nil(t, keys[0].UserID)

	mock.ExpectExec("DELETE FROM api_keys").
		WithArgs(int64(9), int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, service.DeleteAPIKey(ctx, 5, 9), ErrAPIKeyNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNotifyWrapsError(t *testing.T) {
	boom := errors.New("boom")
	err := notify(context.Background(), &recordingNotifier{err: boom}, 1)
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, notify(context.Background(), nil, 1))
}
