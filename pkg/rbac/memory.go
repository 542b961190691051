package rbac

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fullctl/aaactl-sub000/pkg/perms"
)

type pairKey [2]int64

type grantKey struct {
	principal Principal
	namespace string
}

// MemoryStore implements Store in process memory
type MemoryStore struct {
	mu         sync.RWMutex
	nextID     int64
	mps        map[int64]*ManagedPermission
	roles      map[int64]*Role
	autoGrants map[pairKey]*RoleAutoGrant
	orgPerms   map[pairKey]*OrganizationManagedPermission
	orgRoles   map[int64][]*OrganizationRole
	grants     map[Principal]map[string]perms.Bits
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mps:        make(map[int64]*ManagedPermission),
		roles:      make(map[int64]*Role),
		autoGrants: make(map[pairKey]*RoleAutoGrant),
		orgPerms:   make(map[pairKey]*OrganizationManagedPermission),
		orgRoles:   make(map[int64][]*OrganizationRole),
		grants:     make(map[Principal]map[string]perms.Bits),
	}
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

// GetGrants returns a copy of the grants held by p
func (s *MemoryStore) GetGrants(ctx context.Context, p Principal) (*perms.Set, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := perms.NewSet()
	for ns, b := range s.grants[p] {
		set.Grant(ns, b)
	}
	return set, nil
}

// SetGrant replaces the grant on namespace
func (s *MemoryStore) SetGrant(ctx context.Context, p Principal, namespace string, bits perms.Bits) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setGrantLocked(p, namespace, bits)
	return nil
}

func (s *MemoryStore) setGrantLocked(p Principal, namespace string, bits perms.Bits) {
	if bits == perms.None {
		delete(s.grants[p], namespace)
		if len(s.grants[p]) == 0 {
			delete(s.grants, p)
		}
		return
	}
	if s.grants[p] == nil {
		s.grants[p] = make(map[string]perms.Bits)
	}
	s.grants[p][namespace] = bits
}

// ListHolders returns the principals holding namespace
func (s *MemoryStore) ListHolders(ctx context.Context, namespace string) ([]Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Principal
	for p, grants := range s.grants {
		if _, ok := grants[namespace]; ok {
			out = append(out, p)
		}
	}
	sortPrincipals(out)
	return out, nil
}

func sortPrincipals(ps []Principal) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Kind != ps[j].Kind {
			return ps[i].Kind < ps[j].Kind
		}
		return ps[i].ID < ps[j].ID
	})
}

// CreateManagedPermission stores a copy of mp
func (s *MemoryStore) CreateManagedPermission(ctx context.Context, mp *ManagedPermission) (*ManagedPermission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.mps {
		if existing.Namespace == mp.Namespace {
			return nil, fmt.Errorf("managed permission %q already exists", mp.Namespace)
		}
	}

	cp := *mp
	cp.ID = s.id()
	now := time.Now()
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.mps[cp.ID] = &cp

	out := cp
	return &out, nil
}

// UpdateManagedPermission replaces the stored definition
func (s *MemoryStore) UpdateManagedPermission(ctx context.Context, mp *ManagedPermission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.mps[mp.ID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrManagedPermissionNotFound, mp.ID)
	}
	cp := *mp
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = time.Now()
	s.mps[mp.ID] = &cp
	return nil
}

// GetManagedPermission returns the managed permission with id
func (s *MemoryStore) GetManagedPermission(ctx context.Context, id int64) (*ManagedPermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mp, ok := s.mps[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrManagedPermissionNotFound, id)
	}
	cp := *mp
	return &cp, nil
}

// GetManagedPermissionByNamespace looks up a managed permission by template
func (s *MemoryStore) GetManagedPermissionByNamespace(ctx context.Context, namespace string) (*ManagedPermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, mp := range s.mps {
		if mp.Namespace == namespace {
			cp := *mp
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrManagedPermissionNotFound, namespace)
}

// ListManagedPermissions returns all managed permissions ordered by ID
func (s *MemoryStore) ListManagedPermissions(ctx context.Context) ([]*ManagedPermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ManagedPermission, 0, len(s.mps))
	for _, mp := range s.mps {
		cp := *mp
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteManagedPermission removes mp with its auto grants and opt-ins
func (s *MemoryStore) DeleteManagedPermission(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.mps[id]; !ok {
		return fmt.Errorf("%w: %d", ErrManagedPermissionNotFound, id)
	}
	delete(s.mps, id)
	for k := range s.autoGrants {
		if k[0] == id {
			delete(s.autoGrants, k)
		}
	}
	for k := range s.orgPerms {
		if k[1] == id {
			delete(s.orgPerms, k)
		}
	}
	return nil
}

// CreateRole stores a copy of role
func (s *MemoryStore) CreateRole(ctx context.Context, role *Role) (*Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.roles {
		if existing.Name == role.Name {
			return nil, fmt.Errorf("role %q already exists", role.Name)
		}
	}

	cp := *role
	cp.ID = s.id()
	now := time.Now()
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.roles[cp.ID] = &cp

	out := cp
	return &out, nil
}

// UpdateRole replaces the stored role
func (s *MemoryStore) UpdateRole(ctx context.Context, role *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.roles[role.ID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrRoleNotFound, role.ID)
	}
	cp := *role
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = time.Now()
	s.roles[role.ID] = &cp
	return nil
}

// GetRole returns the role with id
func (s *MemoryStore) GetRole(ctx context.Context, id int64) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	role, ok := s.roles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrRoleNotFound, id)
	}
	cp := *role
	return &cp, nil
}

// GetRoleByName returns the role called name
func (s *MemoryStore) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, role := range s.roles {
		if role.Name == name {
			cp := *role
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, name)
}

// ListRoles returns all roles ordered by level, highest first
func (s *MemoryStore) ListRoles(ctx context.Context) ([]*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Role, 0, len(s.roles))
	for _, role := range s.roles {
		cp := *role
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level > out[j].Level
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// DeleteRole removes a role and its auto grants
func (s *MemoryStore) DeleteRole(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.roles[id]; !ok {
		return fmt.Errorf("%w: %d", ErrRoleNotFound, id)
	}
	delete(s.roles, id)
	for k := range s.autoGrants {
		if k[1] == id {
			delete(s.autoGrants, k)
		}
	}
	return nil
}

// SetRoleAutoGrant creates or updates the grant for (mpID, roleID)
func (s *MemoryStore) SetRoleAutoGrant(ctx context.Context, mpID, roleID int64, bits perms.Bits) (*RoleAutoGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.mps[mpID]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrManagedPermissionNotFound, mpID)
	}
	if _, ok := s.roles[roleID]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrRoleNotFound, roleID)
	}

	k := pairKey{mpID, roleID}
	ag, ok := s.autoGrants[k]
	if !ok {
		ag = &RoleAutoGrant{ID: s.id(), ManagedPermissionID: mpID, RoleID: roleID}
		s.autoGrants[k] = ag
	}
	ag.Permissions = bits

	cp := *ag
	return &cp, nil
}

// DeleteRoleAutoGrant removes the grant for (mpID, roleID), if any
func (s *MemoryStore) DeleteRoleAutoGrant(ctx context.Context, mpID, roleID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.autoGrants, pairKey{mpID, roleID})
	return nil
}

// ListRoleAutoGrants returns the role grants of a managed permission
func (s *MemoryStore) ListRoleAutoGrants(ctx context.Context, mpID int64) ([]*RoleAutoGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*RoleAutoGrant
	for k, ag := range s.autoGrants {
		if k[0] == mpID {
			cp := *ag
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AddOrganizationPermission opts orgID in to mpID
func (s *MemoryStore) AddOrganizationPermission(ctx context.Context, orgID, mpID int64, reason string) (*OrganizationManagedPermission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := pairKey{orgID, mpID}
	if existing, ok := s.orgPerms[k]; ok {
		cp := *existing
		return &cp, nil
	}
	omp := &OrganizationManagedPermission{
		ID:                  s.id(),
		OrganizationID:      orgID,
		ManagedPermissionID: mpID,
		Reason:              reason,
		CreatedAt:           time.Now(),
	}
	s.orgPerms[k] = omp

	cp := *omp
	return &cp, nil
}

// RemoveOrganizationPermission removes the opt-in, if any
func (s *MemoryStore) RemoveOrganizationPermission(ctx context.Context, orgID, mpID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.orgPerms, pairKey{orgID, mpID})
	return nil
}

// HasOrganizationPermission reports whether orgID opted in to mpID
func (s *MemoryStore) HasOrganizationPermission(ctx context.Context, orgID, mpID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.orgPerms[pairKey{orgID, mpID}]
	return ok, nil
}

// AddOrganizationRole assigns roleID to userID in orgID
func (s *MemoryStore) AddOrganizationRole(ctx context.Context, orgID, userID, roleID int64) (*OrganizationRole, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.roles[roleID]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrRoleNotFound, roleID)
	}
	for _, or := range s.orgRoles[orgID] {
		if or.UserID == userID && or.RoleID == roleID {
			cp := *or
			return &cp, nil
		}
	}
	or := &OrganizationRole{
		ID:             s.id(),
		OrganizationID: orgID,
		UserID:         userID,
		RoleID:         roleID,
		CreatedAt:      time.Now(),
	}
	s.orgRoles[orgID] = append(s.orgRoles[orgID], or)

	cp := *or
	return &cp, nil
}

// RemoveOrganizationRole removes every matching assignment
func (s *MemoryStore) RemoveOrganizationRole(ctx context.Context, orgID, userID, roleID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.orgRoles[orgID][:0]
	for _, or := range s.orgRoles[orgID] {
		if or.UserID == userID && or.RoleID == roleID {
			continue
		}
		kept = append(kept, or)
	}
	s.orgRoles[orgID] = kept
	return nil
}

// ListOrganizationRoles returns the role assignments in orgID
func (s *MemoryStore) ListOrganizationRoles(ctx context.Context, orgID int64) ([]*OrganizationRole, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*OrganizationRole, 0, len(s.orgRoles[orgID]))
	for _, or := range s.orgRoles[orgID] {
		cp := *or
		out = append(out, &cp)
	}
	return out, nil
}

// CountRoleAssignments counts assignments of roleID across organizations
func (s *MemoryStore) CountRoleAssignments(ctx context.Context, roleID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, assignments := range s.orgRoles {
		for _, or := range assignments {
			if or.RoleID == roleID {
				n++
			}
		}
	}
	return n, nil
}

// RunInTx buffers grant writes made by fn and applies them atomically when
// fn succeeds. Definition writes are applied immediately.
func (s *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	tx := &memoryTx{MemoryStore: s, overlay: make(map[grantKey]perms.Bits)}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, b := range tx.overlay {
		s.setGrantLocked(k.principal, k.namespace, b)
	}
	return nil
}

type memoryTx struct {
	*MemoryStore
	mu      sync.Mutex
	overlay map[grantKey]perms.Bits
}

func (t *memoryTx) GetGrants(ctx context.Context, p Principal) (*perms.Set, error) {
	set, err := t.MemoryStore.GetGrants(ctx, p)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for k, b := range t.overlay {
		if k.principal == p {
			set.Grant(k.namespace, b)
		}
	}
	return set, nil
}

func (t *memoryTx) SetGrant(ctx context.Context, p Principal, namespace string, bits perms.Bits) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.overlay[grantKey{principal: p, namespace: namespace}] = bits
	return nil
}

func (t *memoryTx) ListHolders(ctx context.Context, namespace string) ([]Principal, error) {
	base, err := t.MemoryStore.ListHolders(ctx, namespace)
	if err != nil {
		return nil, err
	}

	holders := make(map[Principal]bool, len(base))
	for _, p := range base {
		holders[p] = true
	}

	t.mu.Lock()
	for k, b := range t.overlay {
		if k.namespace == namespace {
			holders[k.principal] = b != perms.None
		}
	}
	t.mu.Unlock()

	out := make([]Principal, 0, len(holders))
	for p, held := range holders {
		if held {
			out = append(out, p)
		}
	}
	sortPrincipals(out)
	return out, nil
}

func (t *memoryTx) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return fn(ctx, t)
}
