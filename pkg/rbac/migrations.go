package rbac

import "github.com/fullctl/aaactl-sub000/pkg/storage"

// Migrations returns the permission engine schema
func Migrations() []storage.Migration {
	return []storage.Migration{
		{
			Version:     1,
			Description: "Create managed_permissions and roles tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS managed_permissions (
					id BIGSERIAL PRIMARY KEY,
					namespace VARCHAR(255) NOT NULL UNIQUE,
					permission_group VARCHAR(255) NOT NULL DEFAULT '',
					description TEXT NOT NULL DEFAULT '',
					managable BOOLEAN NOT NULL DEFAULT FALSE,
					grant_mode VARCHAR(16) NOT NULL DEFAULT 'auto',
					auto_grant_admins SMALLINT NOT NULL DEFAULT 0,
					auto_grant_users SMALLINT NOT NULL DEFAULT 0,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS roles (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL UNIQUE,
					level INT NOT NULL DEFAULT 0,
					description TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);
			`,
		},
		{
			Version:     2,
			Description: "Create grant definition tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS role_auto_grants (
					id BIGSERIAL PRIMARY KEY,
					managed_permission_id BIGINT NOT NULL REFERENCES managed_permissions(id) ON DELETE CASCADE,
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					permissions SMALLINT NOT NULL,
					UNIQUE(managed_permission_id, role_id)
				);

				CREATE TABLE IF NOT EXISTS organization_managed_permissions (
					id BIGSERIAL PRIMARY KEY,
					organization_id BIGINT NOT NULL,
					managed_permission_id BIGINT NOT NULL REFERENCES managed_permissions(id) ON DELETE CASCADE,
					reason TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(organization_id, managed_permission_id)
				);

				CREATE TABLE IF NOT EXISTS organization_roles (
					id BIGSERIAL PRIMARY KEY,
					organization_id BIGINT NOT NULL,
					user_id BIGINT NOT NULL,
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE RESTRICT,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(organization_id, user_id, role_id)
				);

				CREATE INDEX IF NOT EXISTS idx_organization_roles_role_id ON organization_roles(role_id);
			`,
		},
		{
			Version:     3,
			Description: "Create permission_grants table",
			SQL: `
				CREATE TABLE IF NOT EXISTS permission_grants (
					principal_kind VARCHAR(16) NOT NULL,
					principal_id BIGINT NOT NULL,
					namespace VARCHAR(255) NOT NULL,
					permissions SMALLINT NOT NULL,
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					PRIMARY KEY (principal_kind, principal_id, namespace)
				);

				CREATE INDEX IF NOT EXISTS idx_permission_grants_namespace ON permission_grants(namespace);
			`,
		},
	}
}
