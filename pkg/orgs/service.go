package orgs

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
)

// PostgresService implements the Service interface using PostgreSQL
type PostgresService struct {
	db       *sql.DB
	notifier MembershipNotifier
}

// NewPostgresService creates a new PostgresService
func NewPostgresService(db *sql.DB) *PostgresService {
	return &PostgresService{db: db}
}

// SetNotifier registers the receiver of membership change events
func (s *PostgresService) SetNotifier(n MembershipNotifier) {
	s.notifier = n
}

// CreateOrganization creates a new organization
func (s *PostgresService) CreateOrganization(ctx context.Context, org *Organization) (*Organization, error) {
	cp := *org
	if cp.Slug == "" {
		cp.Slug = generateSlug(cp.Name)
	}
	if cp.Status == "" {
		cp.Status = OrgStatusActive
	}

	query := `
		INSERT INTO organizations (name, slug, personal_owner_id, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query, cp.Name, cp.Slug, cp.PersonalOwnerID, cp.Status).
		Scan(&cp.ID, &cp.CreatedAt, &cp.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create organization: %w", err)
	}

	return &cp, nil
}

// GetOrganization retrieves an organization by ID
func (s *PostgresService) GetOrganization(ctx context.Context, id int64) (*Organization, error) {
	query := `
		SELECT id, name, slug, personal_owner_id, status, created_at, updated_at
		FROM organizations
		WHERE id = $1 AND status <> 'deleted'
	`
	org, err := scanOrganization(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrOrganizationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return org, nil
}

// ListOrganizations lists all non-deleted organizations
func (s *PostgresService) ListOrganizations(ctx context.Context) ([]*Organization, error) {
	query := `
		SELECT id, name, slug, personal_owner_id, status, created_at, updated_at
		FROM organizations
		WHERE status <> 'deleted'
		ORDER BY id ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	defer rows.Close()

	var orgs []*Organization
	for rows.Next() {
		org, err := scanOrganization(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan organization: %w", err)
		}
		orgs = append(orgs, org)
	}

	return orgs, rows.Err()
}

// DeleteOrganization soft deletes an organization
func (s *PostgresService) DeleteOrganization(ctx context.Context, id int64) error {
	query := `UPDATE organizations SET status = $1, updated_at = NOW() WHERE id = $2`
	result, err := s.db.ExecContext(ctx, query, OrgStatusDeleted, id)
	if err != nil {
		return fmt.Errorf("failed to delete organization: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %d", ErrOrganizationNotFound, id)
	}

	return nil
}

func scanOrganization(scanner interface {
	Scan(dest ...interface{}) error
}) (*Organization, error) {
	org := &Organization{}
	var owner sql.NullInt64
	if err := scanner.Scan(
		&org.ID, &org.Name, &org.Slug, &owner, &org.Status, &org.CreatedAt, &org.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if owner.Valid {
		id := owner.Int64
		org.PersonalOwnerID = &id
	}
	return org, nil
}

// generateSlug generates a URL-friendly slug from a name
func generateSlug(name string) string {
	slug := strings.ToLower(name)
	slug = strings.ReplaceAll(slug, " ", "-")
	slug = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return -1
	}, slug)
	return slug
}

// generateToken generates a random token
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
