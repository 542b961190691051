package orgs

import (
	"context"
	"database/sql"
	"fmt"
)

// ListMembers retrieves all members of an organization
func (s *PostgresService) ListMembers(ctx context.Context, orgID int64) ([]*Member, error) {
	query := `
		SELECT m.id, m.organization_id, m.user_id, u.username, u.email, m.joined_at
		FROM organization_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.organization_id = $1
		ORDER BY m.user_id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []*Member
	for rows.Next() {
		member := &Member{}
		var email sql.NullString
		if err := rows.Scan(
			&member.ID, &member.OrganizationID, &member.UserID,
			&member.Username, &email, &member.JoinedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		if email.Valid {
			member.Email = email.String
		}
		members = append(members, member)
	}

	return members, rows.Err()
}

// AddMember adds a user to an organization
func (s *PostgresService) AddMember(ctx context.Context, orgID, userID int64) error {
	query := `
		INSERT INTO organization_members (organization_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (organization_id, user_id) DO NOTHING
	`
	result, err := s.db.ExecContext(ctx, query, orgID, userID)
	if err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrMemberExists
	}

	return notify(ctx, s.notifier, orgID)
}

// RemoveMember removes a user from an organization
func (s *PostgresService) RemoveMember(ctx context.Context, orgID, userID int64) error {
	query := `DELETE FROM organization_members WHERE organization_id = $1 AND user_id = $2`
	result, err := s.db.ExecContext(ctx, query, orgID, userID)
	if err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrMemberNotFound
	}

	return notify(ctx, s.notifier, orgID)
}

// ListAPIKeys lists the API keys issued by an organization
func (s *PostgresService) ListAPIKeys(ctx context.Context, orgID int64) ([]*APIKey, error) {
	query := `
		SELECT id, organization_id, user_id, name, admin, created_at
		FROM api_keys
		WHERE organization_id = $1
		ORDER BY id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		key := &APIKey{}
		var userID sql.NullInt64
		if err := rows.Scan(&key.ID, &key.OrganizationID, &userID, &key.Name, &key.Admin, &key.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		if userID.Valid {
			id := userID.Int64
			key.UserID = &id
		}
		keys = append(keys, key)
	}

	return keys, rows.Err()
}

// CreateAPIKey issues a new key for an organization
func (s *PostgresService) CreateAPIKey(ctx context.Context, key *APIKey) (*APIKey, error) {
	secret, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	cp := *key
	cp.Key = secret
	query := `
		INSERT INTO api_keys (organization_id, user_id, name, key, admin)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	err = s.db.QueryRowContext(ctx, query, cp.OrganizationID, cp.UserID, cp.Name, cp.Key, cp.Admin).
		Scan(&cp.ID, &cp.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create api key: %w", err)
	}

	return &cp, notify(ctx, s.notifier, cp.OrganizationID)
}

// DeleteAPIKey removes a key
func (s *PostgresService) DeleteAPIKey(ctx context.Context, orgID, keyID int64) error {
	query := `DELETE FROM api_keys WHERE id = $1 AND organization_id = $2`
	result, err := s.db.ExecContext(ctx, query, keyID, orgID)
	if err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrAPIKeyNotFound
	}

	return notify(ctx, s.notifier, orgID)
}
