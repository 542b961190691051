package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fullctl/aaactl-sub000/pkg/billing"
	"github.com/fullctl/aaactl-sub000/pkg/observability"
	"github.com/fullctl/aaactl-sub000/pkg/perms"
	"github.com/fullctl/aaactl-sub000/pkg/rbac"
)

// Seed declares the roles, managed permissions and products an aaactl
// installation starts with
type Seed struct {
	Roles              []SeedRole              `yaml:"roles"`
	ManagedPermissions []SeedManagedPermission `yaml:"managed_permissions"`
	ProductGroups      []SeedProductGroup      `yaml:"product_groups"`
}

type SeedRole struct {
	Name        string `yaml:"name"`
	Level       int    `yaml:"level"`
	Description string `yaml:"description"`
}

type SeedManagedPermission struct {
	Namespace       string     `yaml:"namespace"`
	Group           string     `yaml:"group"`
	Description     string     `yaml:"description"`
	Managable       bool       `yaml:"managable"`
	GrantMode       string     `yaml:"grant_mode"`
	AutoGrantAdmins perms.Bits `yaml:"auto_grant_admins"`
	AutoGrantUsers  perms.Bits `yaml:"auto_grant_users"`
	// Roles maps role names to the permissions their holders receive
	Roles map[string]perms.Bits `yaml:"roles"`
}

type SeedProductGroup struct {
	Name     string        `yaml:"name"`
	Products []SeedProduct `yaml:"products"`
}

type SeedProduct struct {
	Name         string        `yaml:"name"`
	Component    string        `yaml:"component"`
	Description  string        `yaml:"description"`
	Type         string        `yaml:"type"`
	UnitPrice    string        `yaml:"unit_price"`
	Currency     string        `yaml:"currency"`
	Recurring    bool          `yaml:"recurring"`
	ExpiresAfter time.Duration `yaml:"expires_after"`
	Replacement  string        `yaml:"replacement"`
}

// SeedResult counts what applying a seed changed
type SeedResult struct {
	RolesCreated       int
	RolesUpdated       int
	PermissionsCreated int
	PermissionsUpdated int
	AutoGrantsSet      int
	ProductsCreated    int
}

// Changed reports whether anything was written
func (r SeedResult) Changed() bool {
	return r != SeedResult{}
}

// LoadSeed reads and validates a seed file
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes and validates a YAML seed. Unknown keys are rejected.
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse seed: %w", err)
	}
	if err := seed.Validate(); err != nil {
		return nil, err
	}
	return &seed, nil
}

// Validate checks names, references and prices
func (s *Seed) Validate() error {
	roles := make(map[string]bool, len(s.Roles))
	for _, r := range s.Roles {
		if r.Name == "" {
			return fmt.Errorf("seed: role name is required")
		}
		if roles[r.Name] {
			return fmt.Errorf("seed: duplicate role %q", r.Name)
		}
		roles[r.Name] = true
	}

	for _, mp := range s.ManagedPermissions {
		if _, err := perms.ParseOrgTemplate(mp.Namespace); err != nil {
			return fmt.Errorf("seed: managed permission %q: %w", mp.Namespace, err)
		}
		if mp.GrantMode != "" && !rbac.GrantMode(mp.GrantMode).Valid() {
			return fmt.Errorf("seed: managed permission %q: %w: %q", mp.Namespace, rbac.ErrInvalidGrantMode, mp.GrantMode)
		}
	}

	products := make(map[string]bool)
	for _, g := range s.ProductGroups {
		if g.Name == "" {
			return fmt.Errorf("seed: product group name is required")
		}
		for _, p := range g.Products {
			if p.Name == "" {
				return fmt.Errorf("seed: product name is required in group %q", g.Name)
			}
			if products[p.Name] {
				return fmt.Errorf("seed: duplicate product %q", p.Name)
			}
			products[p.Name] = true
			if _, err := billing.ParseMoney(p.UnitPrice); err != nil {
				return fmt.Errorf("seed: product %q: %w", p.Name, err)
			}
		}
	}
	return nil
}

// Seeder applies seeds through the rbac registry and the billing engine so
// that changes emit the same recompute tasks as any other mutation
type Seeder struct {
	store    rbac.Store
	registry *rbac.Registry
	engine   *billing.Engine
	logger   *observability.Logger
}

// NewSeeder creates a seeder. engine may be nil when billing is not in use.
func NewSeeder(store rbac.Store, registry *rbac.Registry, engine *billing.Engine, logger *observability.Logger) *Seeder {
	return &Seeder{
		store:    store,
		registry: registry,
		engine:   engine,
		logger:   observability.OrDefault(logger).WithField("component", "seed"),
	}
}

// Apply creates what the seed declares and does not exist yet, and updates
// roles and managed permissions whose definition changed. Applying the same
// seed twice writes nothing the second time.
func (s *Seeder) Apply(ctx context.Context, seed *Seed) (SeedResult, error) {
	var res SeedResult

	roleIDs, err := s.applyRoles(ctx, seed.Roles, &res)
	if err != nil {
		return res, err
	}
	if err := s.applyManagedPermissions(ctx, seed.ManagedPermissions, roleIDs, &res); err != nil {
		return res, err
	}
	if err := s.applyProducts(ctx, seed.ProductGroups, &res); err != nil {
		return res, err
	}

	s.logger.WithFields(map[string]interface{}{
		"roles_created":       res.RolesCreated,
		"roles_updated":       res.RolesUpdated,
		"permissions_created": res.PermissionsCreated,
		"permissions_updated": res.PermissionsUpdated,
		"auto_grants_set":     res.AutoGrantsSet,
		"products_created":    res.ProductsCreated,
	}).Info("Applied seed")
	return res, nil
}

func (s *Seeder) applyRoles(ctx context.Context, roles []SeedRole, res *SeedResult) (map[string]int64, error) {
	ids := make(map[string]int64, len(roles))
	for _, sr := range roles {
		role, err := s.store.GetRoleByName(ctx, sr.Name)
		switch {
		case errors.Is(err, rbac.ErrRoleNotFound):
			role, err = s.registry.CreateRole(ctx, &rbac.Role{Name: sr.Name, Level: sr.Level, Description: sr.Description})
			if err != nil {
				return nil, fmt.Errorf("create role %q: %w", sr.Name, err)
			}
			res.RolesCreated++
		case err != nil:
			return nil, err
		case role.Level != sr.Level || role.Description != sr.Description:
			role.Level = sr.Level
			role.Description = sr.Description
			if err := s.registry.UpdateRole(ctx, role); err != nil {
				return nil, fmt.Errorf("update role %q: %w", sr.Name, err)
			}
			res.RolesUpdated++
		}
		ids[sr.Name] = role.ID
	}
	return ids, nil
}

func (s *Seeder) roleID(ctx context.Context, declared map[string]int64, name string) (int64, error) {
	if id, ok := declared[name]; ok {
		return id, nil
	}
	role, err := s.store.GetRoleByName(ctx, name)
	if err != nil {
		return 0, err
	}
	return role.ID, nil
}

func (s *Seeder) applyManagedPermissions(ctx context.Context, mps []SeedManagedPermission, roleIDs map[string]int64, res *SeedResult) error {
	for _, sm := range mps {
		want := &rbac.ManagedPermission{
			Namespace:       sm.Namespace,
			Group:           sm.Group,
			Description:     sm.Description,
			Managable:       sm.Managable,
			GrantMode:       rbac.GrantMode(sm.GrantMode),
			AutoGrantAdmins: sm.AutoGrantAdmins,
			AutoGrantUsers:  sm.AutoGrantUsers,
		}
		if want.GrantMode == "" {
			want.GrantMode = rbac.GrantModeAuto
		}

		mp, err := s.store.GetManagedPermissionByNamespace(ctx, sm.Namespace)
		switch {
		case errors.Is(err, rbac.ErrManagedPermissionNotFound):
			mp, err = s.registry.CreateManagedPermission(ctx, want)
			if err != nil {
				return fmt.Errorf("create managed permission %q: %w", sm.Namespace, err)
			}
			res.PermissionsCreated++
		case err != nil:
			return err
		case !sameManagedPermission(mp, want):
			want.ID = mp.ID
			if err := s.registry.UpdateManagedPermission(ctx, want); err != nil {
				return fmt.Errorf("update managed permission %q: %w", sm.Namespace, err)
			}
			mp = want
			res.PermissionsUpdated++
		}

		existing, err := s.store.ListRoleAutoGrants(ctx, mp.ID)
		if err != nil {
			return err
		}
		current := make(map[int64]perms.Bits, len(existing))
		for _, ag := range existing {
			current[ag.RoleID] = ag.Permissions
		}
		for name, bits := range sm.Roles {
			id, err := s.roleID(ctx, roleIDs, name)
			if err != nil {
				return fmt.Errorf("managed permission %q: role %q: %w", sm.Namespace, name, err)
			}
			if have, ok := current[id]; ok && have == bits {
				continue
			}
			if _, err := s.registry.SetRoleAutoGrant(ctx, mp.ID, id, bits); err != nil {
				return fmt.Errorf("managed permission %q: role %q: %w", sm.Namespace, name, err)
			}
			res.AutoGrantsSet++
		}
	}
	return nil
}

func sameManagedPermission(a, b *rbac.ManagedPermission) bool {
	return a.Group == b.Group &&
		a.Description == b.Description &&
		a.Managable == b.Managable &&
		a.GrantMode == b.GrantMode &&
		a.AutoGrantAdmins == b.AutoGrantAdmins &&
		a.AutoGrantUsers == b.AutoGrantUsers
}

// applyProducts creates missing products. Existing products are never
// modified since cycles and orders reference their prices.
func (s *Seeder) applyProducts(ctx context.Context, groups []SeedProductGroup, res *SeedResult) error {
	if len(groups) == 0 {
		return nil
	}
	if s.engine == nil {
		return fmt.Errorf("seed declares products but billing is not configured")
	}
	st := s.engine.Store()

	type pending struct {
		groupID int64
		sp      SeedProduct
	}
	var todo []pending
	for _, g := range groups {
		group, err := s.engine.CreateProductGroup(ctx, g.Name)
		if err != nil {
			return fmt.Errorf("product group %q: %w", g.Name, err)
		}
		for _, sp := range g.Products {
			todo = append(todo, pending{groupID: group.ID, sp: sp})
		}
	}

	// replacements have to exist before the products pointing at them
	for len(todo) > 0 {
		var deferred []pending
		for _, p := range todo {
			if _, err := st.GetProductByName(ctx, p.sp.Name); err == nil {
				continue
			} else if !errors.Is(err, billing.ErrProductNotFound) {
				return err
			}

			var replacementID *int64
			if p.sp.Replacement != "" {
				r, err := st.GetProductByName(ctx, p.sp.Replacement)
				if errors.Is(err, billing.ErrProductNotFound) {
					deferred = append(deferred, p)
					continue
				} else if err != nil {
					return err
				}
				replacementID = &r.ID
			}

			price, err := billing.ParseMoney(p.sp.UnitPrice)
			if err != nil {
				return fmt.Errorf("product %q: %w", p.sp.Name, err)
			}
			groupID := p.groupID
			if _, err := s.engine.CreateProduct(ctx, &billing.Product{
				Name:          p.sp.Name,
				GroupID:       &groupID,
				Component:     p.sp.Component,
				Description:   p.sp.Description,
				Type:          billing.ProductType(p.sp.Type),
				UnitPrice:     price,
				Currency:      p.sp.Currency,
				Recurring:     p.sp.Recurring,
				ExpiresAfter:  p.sp.ExpiresAfter,
				ReplacementID: replacementID,
			}); err != nil {
				return fmt.Errorf("create product %q: %w", p.sp.Name, err)
			}
			res.ProductsCreated++
		}
		if len(deferred) == len(todo) {
			return fmt.Errorf("seed: product %q: unknown replacement %q", deferred[0].sp.Name, deferred[0].sp.Replacement)
		}
		todo = deferred
	}
	return nil
}
