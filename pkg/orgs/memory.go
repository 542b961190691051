package orgs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryService implements Service with in-process maps
type MemoryService struct {
	mu       sync.RWMutex
	nextID   int64
	orgs     map[int64]*Organization
	members  map[int64]map[int64]*Member
	keys     map[int64]map[int64]*APIKey
	notifier MembershipNotifier
}

// NewMemoryService creates an empty MemoryService
func NewMemoryService() *MemoryService {
	return &MemoryService{
		orgs:    make(map[int64]*Organization),
		members: make(map[int64]map[int64]*Member),
		keys:    make(map[int64]map[int64]*APIKey),
	}
}

// SetNotifier registers the receiver of membership change events
func (s *MemoryService) SetNotifier(n MembershipNotifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

func (s *MemoryService) id() int64 {
	s.nextID++
	return s.nextID
}

// CreateOrganization stores a copy of org and returns it with ID set
func (s *MemoryService) CreateOrganization(ctx context.Context, org *Organization) (*Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *org
	if cp.ID == 0 {
		cp.ID = s.id()
	} else if cp.ID > s.nextID {
		s.nextID = cp.ID
	}
	if cp.Slug == "" {
		cp.Slug = generateSlug(cp.Name)
	}
	if cp.Status == "" {
		cp.Status = OrgStatusActive
	}
	now := time.Now()
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.orgs[cp.ID] = &cp

	out := cp
	return &out, nil
}

// GetOrganization returns the organization with the given ID
func (s *MemoryService) GetOrganization(ctx context.Context, id int64) (*Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	org, ok := s.orgs[id]
	if !ok || org.Status == OrgStatusDeleted {
		return nil, fmt.Errorf("%w: %d", ErrOrganizationNotFound, id)
	}
	cp := *org
	return &cp, nil
}

// ListOrganizations returns all non-deleted organizations ordered by ID
func (s *MemoryService) ListOrganizations(ctx context.Context) ([]*Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Organization, 0, len(s.orgs))
	for _, org := range s.orgs {
		if org.Status == OrgStatusDeleted {
			continue
		}
		cp := *org
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteOrganization soft deletes an organization
func (s *MemoryService) DeleteOrganization(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	org, ok := s.orgs[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrOrganizationNotFound, id)
	}
	org.Status = OrgStatusDeleted
	org.UpdatedAt = time.Now()
	return nil
}

// ListMembers returns the members of an organization ordered by user ID
func (s *MemoryService) ListMembers(ctx context.Context, orgID int64) ([]*Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Member, 0, len(s.members[orgID]))
	for _, m := range s.members[orgID] {
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// AddMember adds a user to an organization
func (s *MemoryService) AddMember(ctx context.Context, orgID, userID int64) error {
	s.mu.Lock()
	if _, ok := s.orgs[orgID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrOrganizationNotFound, orgID)
	}
	if s.members[orgID] == nil {
		s.members[orgID] = make(map[int64]*Member)
	}
	if _, ok := s.members[orgID][userID]; ok {
		s.mu.Unlock()
		return ErrMemberExists
	}
	s.members[orgID][userID] = &Member{
		ID:             s.id(),
		OrganizationID: orgID,
		UserID:         userID,
		JoinedAt:       time.Now(),
	}
	n := s.notifier
	s.mu.Unlock()

	return notify(ctx, n, orgID)
}

// RemoveMember removes a user from an organization
func (s *MemoryService) RemoveMember(ctx context.Context, orgID, userID int64) error {
	s.mu.Lock()
	if _, ok := s.members[orgID][userID]; !ok {
		s.mu.Unlock()
		return ErrMemberNotFound
	}
	delete(s.members[orgID], userID)
	n := s.notifier
	s.mu.Unlock()

	return notify(ctx, n, orgID)
}

// ListAPIKeys returns the API keys of an organization ordered by ID
func (s *MemoryService) ListAPIKeys(ctx context.Context, orgID int64) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*APIKey, 0, len(s.keys[orgID]))
	for _, k := range s.keys[orgID] {
		cp := *k
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateAPIKey issues a new key for an organization
func (s *MemoryService) CreateAPIKey(ctx context.Context, key *APIKey) (*APIKey, error) {
	secret, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	s.mu.Lock()
	if _, ok := s.orgs[key.OrganizationID]; !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrOrganizationNotFound, key.OrganizationID)
	}
	cp := *key
	cp.ID = s.id()
	cp.Key = secret
	cp.CreatedAt = time.Now()
	if s.keys[cp.OrganizationID] == nil {
		s.keys[cp.OrganizationID] = make(map[int64]*APIKey)
	}
	s.keys[cp.OrganizationID][cp.ID] = &cp
	n := s.notifier
	s.mu.Unlock()

	out := cp
	return &out, notify(ctx, n, cp.OrganizationID)
}

// DeleteAPIKey removes a key from an organization
func (s *MemoryService) DeleteAPIKey(ctx context.Context, orgID, keyID int64) error {
	s.mu.Lock()
	if _, ok := s.keys[orgID][keyID]; !ok {
		s.mu.Unlock()
		return ErrAPIKeyNotFound
	}
	delete(s.keys[orgID], keyID)
	n := s.notifier
	s.mu.Unlock()

	return notify(ctx, n, orgID)
}

func notify(ctx context.Context, n MembershipNotifier, orgID int64) error {
	if n == nil {
		return nil
	}
	if err := n.MembershipChanged(ctx, orgID); err != nil {
		return fmt.Errorf("failed to notify membership change: %w", err)
	}
	return nil
}
