package rbac

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fullctl/aaactl-sub000/pkg/perms"
	"github.com/fullctl/aaactl-sub000/pkg/storage"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db *sql.DB
	q  storage.Querier
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db}
}

// RunInTx runs fn inside a database transaction
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if _, inTx := s.q.(*sql.Tx); inTx {
		return fn(ctx, s)
	}
	return storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		return fn(ctx, &PostgresStore{db: s.db, q: tx})
	})
}

// GetGrants returns every grant held by p
func (s *PostgresStore) GetGrants(ctx context.Context, p Principal) (*perms.Set, error) {
	query := `
		SELECT namespace, permissions
		FROM permission_grants
		WHERE principal_kind = $1 AND principal_id = $2
	`
	rows, err := s.q.QueryContext(ctx, query, p.Kind, p.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get grants: %w", err)
	}
	defer rows.Close()

	set := perms.NewSet()
	for rows.Next() {
		var ns string
		var bits int16
		if err := rows.Scan(&ns, &bits); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		set.Grant(ns, perms.Bits(bits))
	}
	return set, rows.Err()
}

// SetGrant replaces the grant on namespace; perms.None deletes it
func (s *PostgresStore) SetGrant(ctx context.Context, p Principal, namespace string, bits perms.Bits) error {
	if bits == perms.None {
		query := `DELETE FROM permission_grants WHERE principal_kind = $1 AND principal_id = $2 AND namespace = $3`
		if _, err := s.q.ExecContext(ctx, query, p.Kind, p.ID, namespace); err != nil {
			return fmt.Errorf("failed to delete grant: %w", err)
		}
		return nil
	}

	query := `
		INSERT INTO permission_grants (principal_kind, principal_id, namespace, permissions, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (principal_kind, principal_id, namespace)
		DO UPDATE SET permissions = EXCLUDED.permissions, updated_at = NOW()
	`
	if _, err := s.q.ExecContext(ctx, query, p.Kind, p.ID, namespace, int16(bits)); err != nil {
		return fmt.Errorf("failed to set grant: %w", err)
	}
	return nil
}

// ListHolders returns the principals holding namespace
func (s *PostgresStore) ListHolders(ctx context.Context, namespace string) ([]Principal, error) {
	query := `
		SELECT principal_kind, principal_id
		FROM permission_grants
		WHERE namespace = $1
		ORDER BY principal_kind, principal_id
	`
	rows, err := s.q.QueryContext(ctx, query, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list grant holders: %w", err)
	}
	defer rows.Close()

	var out []Principal
	for rows.Next() {
		var p Principal
		if err := rows.Scan(&p.Kind, &p.ID); err != nil {
			return nil, fmt.Errorf("failed to scan grant holder: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const managedPermissionColumns = `id, namespace, permission_group, description, managable, grant_mode,
		auto_grant_admins, auto_grant_users, created_at, updated_at`

func scanManagedPermission(scanner interface {
	Scan(dest ...interface{}) error
}) (*ManagedPermission, error) {
	mp := &ManagedPermission{}
	var admins, users int16
	if err := scanner.Scan(
		&mp.ID, &mp.Namespace, &mp.Group, &mp.Description, &mp.Managable, &mp.GrantMode,
		&admins, &users, &mp.CreatedAt, &mp.UpdatedAt,
	); err != nil {
		return nil, err
	}
	mp.AutoGrantAdmins = perms.Bits(admins)
	mp.AutoGrantUsers = perms.Bits(users)
	return mp, nil
}

// CreateManagedPermission inserts mp
func (s *PostgresStore) CreateManagedPermission(ctx context.Context, mp *ManagedPermission) (*ManagedPermission, error) {
	query := `
		INSERT INTO managed_permissions (namespace, permission_group, description, managable, grant_mode, auto_grant_admins, auto_grant_users)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`
	cp := *mp
	err := s.q.QueryRowContext(ctx, query,
		cp.Namespace, cp.Group, cp.Description, cp.Managable, cp.GrantMode,
		int16(cp.AutoGrantAdmins), int16(cp.AutoGrantUsers),
	).Scan(&cp.ID, &cp.CreatedAt, &cp.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create managed permission: %w", err)
	}
	return &cp, nil
}

// UpdateManagedPermission updates the stored definition
func (s *PostgresStore) UpdateManagedPermission(ctx context.Context, mp *ManagedPermission) error {
	query := `
		UPDATE managed_permissions
		SET namespace = $1, permission_group = $2, description = $3, managable = $4, grant_mode = $5,
			auto_grant_admins = $6, auto_grant_users = $7, updated_at = NOW()
		WHERE id = $8
	`
	result, err := s.q.ExecContext(ctx, query,
		mp.Namespace, mp.Group, mp.Description, mp.Managable, mp.GrantMode,
		int16(mp.AutoGrantAdmins), int16(mp.AutoGrantUsers), mp.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update managed permission: %w", err)
	}
	n, err := storage.RowsAffected(result)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrManagedPermissionNotFound, mp.ID)
	}
	return nil
}

// GetManagedPermission returns the managed permission with id
func (s *PostgresStore) GetManagedPermission(ctx context.Context, id int64) (*ManagedPermission, error) {
	query := `SELECT ` + managedPermissionColumns + ` FROM managed_permissions WHERE id = $1`
	mp, err := scanManagedPermission(s.q.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrManagedPermissionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get managed permission: %w", err)
	}
	return mp, nil
}

// GetManagedPermissionByNamespace looks up a managed permission by template
func (s *PostgresStore) GetManagedPermissionByNamespace(ctx context.Context, namespace string) (*ManagedPermission, error) {
	query := `SELECT ` + managedPermissionColumns + ` FROM managed_permissions WHERE namespace = $1`
	mp, err := scanManagedPermission(s.q.QueryRowContext(ctx, query, namespace))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrManagedPermissionNotFound, namespace)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get managed permission: %w", err)
	}
	return mp, nil
}

// ListManagedPermissions returns all managed permissions ordered by ID
func (s *PostgresStore) ListManagedPermissions(ctx context.Context) ([]*ManagedPermission, error) {
	query := `SELECT ` + managedPermissionColumns + ` FROM managed_permissions ORDER BY id ASC`
	rows, err := s.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list managed permissions: %w", err)
	}
	defer rows.Close()

	var out []*ManagedPermission
	for rows.Next() {
		mp, err := scanManagedPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan managed permission: %w", err)
		}
		out = append(out, mp)
	}
	return out, rows.Err()
}

// DeleteManagedPermission removes mp; auto grants and opt-ins cascade
func (s *PostgresStore) DeleteManagedPermission(ctx context.Context, id int64) error {
	result, err := s.q.ExecContext(ctx, `DELETE FROM managed_permissions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete managed permission: %w", err)
	}
	n, err := storage.RowsAffected(result)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrManagedPermissionNotFound, id)
	}
	return nil
}

const roleColumns = `id, name, level, description, created_at, updated_at`

func scanRole(scanner interface {
	Scan(dest ...interface{}) error
}) (*Role, error) {
	role := &Role{}
	if err := scanner.Scan(&role.ID, &role.Name, &role.Level, &role.Description, &role.CreatedAt, &role.UpdatedAt); err != nil {
		return nil, err
	}
	return role, nil
}

// CreateRole inserts role
func (s *PostgresStore) CreateRole(ctx context.Context, role *Role) (*Role, error) {
	query := `
		INSERT INTO roles (name, level, description)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at
	`
	cp := *role
	if err := s.q.QueryRowContext(ctx, query, cp.Name, cp.Level, cp.Description).
		Scan(&cp.ID, &cp.CreatedAt, &cp.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to create role: %w", err)
	}
	return &cp, nil
}

// UpdateRole updates name, level and description
func (s *PostgresStore) UpdateRole(ctx context.Context, role *Role) error {
	query := `UPDATE roles SET name = $1, level = $2, description = $3, updated_at = NOW() WHERE id = $4`
	result, err := s.q.ExecContext(ctx, query, role.Name, role.Level, role.Description, role.ID)
	if err != nil {
		return fmt.Errorf("failed to update role: %w", err)
	}
	n, err := storage.RowsAffected(result)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrRoleNotFound, role.ID)
	}
	return nil
}

// GetRole returns the role with id
func (s *PostgresStore) GetRole(ctx context.Context, id int64) (*Role, error) {
	role, err := scanRole(s.q.QueryRowContext(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrRoleNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// GetRoleByName returns the role called name
func (s *PostgresStore) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	role, err := scanRole(s.q.QueryRowContext(ctx, `SELECT `+roleColumns+` FROM roles WHERE name = $1`, name))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// ListRoles returns all roles, highest level first
func (s *PostgresStore) ListRoles(ctx context.Context) ([]*Role, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY level DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var out []*Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

// DeleteRole removes a role; its auto grants cascade
func (s *PostgresStore) DeleteRole(ctx context.Context, id int64) error {
	result, err := s.q.ExecContext(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	n, err := storage.RowsAffected(result)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrRoleNotFound, id)
	}
	return nil
}

// SetRoleAutoGrant upserts the grant for (mpID, roleID)
func (s *PostgresStore) SetRoleAutoGrant(ctx context.Context, mpID, roleID int64, bits perms.Bits) (*RoleAutoGrant, error) {
	query := `
		INSERT INTO role_auto_grants (managed_permission_id, role_id, permissions)
		VALUES ($1, $2, $3)
		ON CONFLICT (managed_permission_id, role_id)
		DO UPDATE SET permissions = EXCLUDED.permissions
		RETURNING id
	`
	ag := &RoleAutoGrant{ManagedPermissionID: mpID, RoleID: roleID, Permissions: bits}
	if err := s.q.QueryRowContext(ctx, query, mpID, roleID, int16(bits)).Scan(&ag.ID); err != nil {
		return nil, fmt.Errorf("failed to set role auto grant: %w", err)
	}
	return ag, nil
}

// DeleteRoleAutoGrant removes the grant for (mpID, roleID), if any
func (s *PostgresStore) DeleteRoleAutoGrant(ctx context.Context, mpID, roleID int64) error {
	query := `DELETE FROM role_auto_grants WHERE managed_permission_id = $1 AND role_id = $2`
	if _, err := s.q.ExecContext(ctx, query, mpID, roleID); err != nil {
		return fmt.Errorf("failed to delete role auto grant: %w", err)
	}
	return nil
}

// ListRoleAutoGrants returns the role grants of a managed permission
func (s *PostgresStore) ListRoleAutoGrants(ctx context.Context, mpID int64) ([]*RoleAutoGrant, error) {
	query := `
		SELECT id, managed_permission_id, role_id, permissions
		FROM role_auto_grants
		WHERE managed_permission_id = $1
		ORDER BY id ASC
	`
	rows, err := s.q.QueryContext(ctx, query, mpID)
	if err != nil {
		return nil, fmt.Errorf("failed to list role auto grants: %w", err)
	}
	defer rows.Close()

	var out []*RoleAutoGrant
	for rows.Next() {
		ag := &RoleAutoGrant{}
		var bits int16
		if err := rows.Scan(&ag.ID, &ag.ManagedPermissionID, &ag.RoleID, &bits); err != nil {
			return nil, fmt.Errorf("failed to scan role auto grant: %w", err)
		}
		ag.Permissions = perms.Bits(bits)
		out = append(out, ag)
	}
	return out, rows.Err()
}

// AddOrganizationPermission is get-or-create on (orgID, mpID)
func (s *PostgresStore) AddOrganizationPermission(ctx context.Context, orgID, mpID int64, reason string) (*OrganizationManagedPermission, error) {
	query := `
		INSERT INTO organization_managed_permissions (organization_id, managed_permission_id, reason)
		VALUES ($1, $2, $3)
		ON CONFLICT (organization_id, managed_permission_id)
		DO UPDATE SET organization_id = EXCLUDED.organization_id
		RETURNING id, reason, created_at
	`
	omp := &OrganizationManagedPermission{OrganizationID: orgID, ManagedPermissionID: mpID}
	if err := s.q.QueryRowContext(ctx, query, orgID, mpID, reason).Scan(&omp.ID, &omp.Reason, &omp.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to add organization permission: %w", err)
	}
	return omp, nil
}

// RemoveOrganizationPermission removes the opt-in, if any
func (s *PostgresStore) RemoveOrganizationPermission(ctx context.Context, orgID, mpID int64) error {
	query := `DELETE FROM organization_managed_permissions WHERE organization_id = $1 AND managed_permission_id = $2`
	if _, err := s.q.ExecContext(ctx, query, orgID, mpID); err != nil {
		return fmt.Errorf("failed to remove organization permission: %w", err)
	}
	return nil
}

// HasOrganizationPermission reports whether orgID opted in to mpID
func (s *PostgresStore) HasOrganizationPermission(ctx context.Context, orgID, mpID int64) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM organization_managed_permissions
			WHERE organization_id = $1 AND managed_permission_id = $2
		)
	`
	var exists bool
	if err := s.q.QueryRowContext(ctx, query, orgID, mpID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check organization permission: %w", err)
	}
	return exists, nil
}

// AddOrganizationRole is get-or-create on (orgID, userID, roleID)
func (s *PostgresStore) AddOrganizationRole(ctx context.Context, orgID, userID, roleID int64) (*OrganizationRole, error) {
	query := `
		INSERT INTO organization_roles (organization_id, user_id, role_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (organization_id, user_id, role_id)
		DO UPDATE SET role_id = EXCLUDED.role_id
		RETURNING id, created_at
	`
	or := &OrganizationRole{OrganizationID: orgID, UserID: userID, RoleID: roleID}
	if err := s.q.QueryRowContext(ctx, query, orgID, userID, roleID).Scan(&or.ID, &or.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to add organization role: %w", err)
	}
	return or, nil
}

// RemoveOrganizationRole removes the assignment, if any
func (s *PostgresStore) RemoveOrganizationRole(ctx context.Context, orgID, userID, roleID int64) error {
	query := `DELETE FROM organization_roles WHERE organization_id = $1 AND user_id = $2 AND role_id = $3`
	if _, err := s.q.ExecContext(ctx, query, orgID, userID, roleID); err != nil {
		return fmt.Errorf("failed to remove organization role: %w", err)
	}
	return nil
}

// ListOrganizationRoles returns the role assignments in orgID
func (s *PostgresStore) ListOrganizationRoles(ctx context.Context, orgID int64) ([]*OrganizationRole, error) {
	query := `
		SELECT id, organization_id, user_id, role_id, created_at
		FROM organization_roles
		WHERE organization_id = $1
		ORDER BY id ASC
	`
	rows, err := s.q.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list organization roles: %w", err)
	}
	defer rows.Close()

	var out []*OrganizationRole
	for rows.Next() {
		or := &OrganizationRole{}
		if err := rows.Scan(&or.ID, &or.OrganizationID, &or.UserID, &or.RoleID, &or.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan organization role: %w", err)
		}
		out = append(out, or)
	}
	return out, rows.Err()
}

// CountRoleAssignments counts assignments of roleID across organizations
func (s *PostgresStore) CountRoleAssignments(ctx context.Context, roleID int64) (int, error) {
	var n int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM organization_roles WHERE role_id = $1`, roleID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count role assignments: %w", err)
	}
	return n, nil
}
