package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fullctl/aaactl-sub000/pkg/observability"
	"github.com/fullctl/aaactl-sub000/pkg/orgs"
	"github.com/fullctl/aaactl-sub000/pkg/perms"
)

// AdminNamespace is checked for the create bit to decide whether a member is
// an organization admin.
const AdminNamespace = "org.{org_id}"

var adminTemplate = perms.MustTemplate(AdminNamespace)

// ResolverOption configures a Resolver
type ResolverOption func(*Resolver)

// WithResolverLogger sets the resolver logger
func WithResolverLogger(logger *observability.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = logger }
}

// WithResolverMetrics sets the resolver metrics
func WithResolverMetrics(m *observability.Metrics) ResolverOption {
	return func(r *Resolver) { r.metrics = m }
}

// WithChecker registers a checker whose cache is purged after every recompute
func WithChecker(c *Checker) ResolverOption {
	return func(r *Resolver) { r.checker = c }
}

// Resolver materializes managed permission grants on organization members
// and API keys. It is the only writer of the grant store.
type Resolver struct {
	store   Store
	dir     orgs.Directory
	checker *Checker
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewResolver creates a resolver over store and the organization directory
func NewResolver(store Store, dir orgs.Directory, opts ...ResolverOption) *Resolver {
	r := &Resolver{store: store, dir: dir}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = observability.OrDefault(r.logger)
	return r
}

// Applies reports whether mp applies to the organization
func (r *Resolver) Applies(ctx context.Context, st Store, orgID int64, mp *ManagedPermission) (bool, error) {
	if mp.GrantMode != GrantModeRestricted {
		return true, nil
	}
	return st.HasOrganizationPermission(ctx, orgID, mp.ID)
}

// IsAdmin reports whether userID is an admin of org: its personal owner or a
// holder of the create bit on the organization namespace.
func (r *Resolver) IsAdmin(ctx context.Context, st Store, org *orgs.Organization, userID int64) (bool, error) {
	if org.IsOwner(userID) {
		return true, nil
	}
	grants, err := st.GetGrants(ctx, User(userID))
	if err != nil {
		return false, err
	}
	return grants.Check(adminTemplate.Format(perms.Vars{OrgID: org.ID}), perms.Create), nil
}

// AutoGrant materializes mp on every member and API key of org
func (r *Resolver) AutoGrant(ctx context.Context, org *orgs.Organization, mp *ManagedPermission) error {
	return r.store.RunInTx(ctx, func(ctx context.Context, tx Store) error {
		return r.autoGrant(ctx, tx, org, mp)
	})
}

// Revoke removes mp's grant from every member and API key of org
func (r *Resolver) Revoke(ctx context.Context, org *orgs.Organization, mp *ManagedPermission) error {
	tmpl, err := mp.Template()
	if err != nil {
		return err
	}
	return r.store.RunInTx(ctx, func(ctx context.Context, tx Store) error {
		return r.revoke(ctx, tx, org, tmpl)
	})
}

func (r *Resolver) autoGrant(ctx context.Context, st Store, org *orgs.Organization, mp *ManagedPermission) error {
	tmpl, err := mp.Template()
	if err != nil {
		return err
	}
	ns := tmpl.Format(perms.Vars{OrgID: org.ID})
	isAdminNamespace := ns == adminTemplate.Format(perms.Vars{OrgID: org.ID})

	autoGrants, err := st.ListRoleAutoGrants(ctx, mp.ID)
	if err != nil {
		return fmt.Errorf("failed to list role auto grants: %w", err)
	}
	byRole := make(map[int64]perms.Bits, len(autoGrants))
	for _, ag := range autoGrants {
		byRole[ag.RoleID] = ag.Permissions
	}

	assignments, err := st.ListOrganizationRoles(ctx, org.ID)
	if err != nil {
		return fmt.Errorf("failed to list organization roles: %w", err)
	}
	roleBits := make(map[int64]perms.Bits)
	for _, a := range assignments {
		roleBits[a.UserID] = roleBits[a.UserID].Or(byRole[a.RoleID])
	}

	members, err := r.dir.ListMembers(ctx, org.ID)
	if err != nil {
		return fmt.Errorf("failed to list members: %w", err)
	}
	keys, err := r.dir.ListAPIKeys(ctx, org.ID)
	if err != nil {
		return fmt.Errorf("failed to list api keys: %w", err)
	}

	desired := make(map[Principal]perms.Bits, len(members)+len(keys))
	for _, m := range members {
		bits := roleBits[m.UserID]

		// The admin namespace decides admin status for everything else, so
		// it must not feed on its own previous value.
		var admin bool
		if isAdminNamespace {
			admin = org.IsOwner(m.UserID) || bits.Has(perms.Create)
		} else if admin, err = r.IsAdmin(ctx, st, org, m.UserID); err != nil {
			return fmt.Errorf("failed to check admin status: %w", err)
		}

		if admin {
			bits = bits.Or(mp.AutoGrantAdmins)
		} else {
			bits = bits.Or(mp.AutoGrantUsers)
		}
		desired[User(m.UserID)] = bits
	}
	for _, k := range keys {
		if k.Admin {
			desired[Key(k.ID)] = mp.AutoGrantAdmins
		} else {
			desired[Key(k.ID)] = mp.AutoGrantUsers
		}
	}

	principals := make([]Principal, 0, len(desired))
	for p := range desired {
		principals = append(principals, p)
	}
	sortPrincipals(principals)
	for _, p := range principals {
		if err := r.setGrant(ctx, st, p, ns, desired[p]); err != nil {
			return err
		}
	}

	// Former members keep nothing on a namespace scoped to this organization.
	holders, err := st.ListHolders(ctx, ns)
	if err != nil {
		return fmt.Errorf("failed to list grant holders: %w", err)
	}
	for _, h := range holders {
		if _, ok := desired[h]; ok {
			continue
		}
		if err := r.setGrant(ctx, st, h, ns, perms.None); err != nil {
			return err
		}
	}
	return nil
}

func (r *Resolver) revoke(ctx context.Context, st Store, org *orgs.Organization, tmpl perms.Template) error {
	ns := tmpl.Format(perms.Vars{OrgID: org.ID})

	members, err := r.dir.ListMembers(ctx, org.ID)
	if err != nil {
		return fmt.Errorf("failed to list members: %w", err)
	}
	keys, err := r.dir.ListAPIKeys(ctx, org.ID)
	if err != nil {
		return fmt.Errorf("failed to list api keys: %w", err)
	}

	targets := make([]Principal, 0, len(members)+len(keys))
	for _, m := range members {
		targets = append(targets, User(m.UserID))
	}
	for _, k := range keys {
		targets = append(targets, Key(k.ID))
	}
	holders, err := st.ListHolders(ctx, ns)
	if err != nil {
		return fmt.Errorf("failed to list grant holders: %w", err)
	}
	targets = append(targets, holders...)

	seen := make(map[Principal]bool, len(targets))
	for _, p := range targets {
		if seen[p] {
			continue
		}
		seen[p] = true
		if err := r.setGrant(ctx, st, p, ns, perms.None); err != nil {
			return err
		}
	}
	return nil
}

func (r *Resolver) setGrant(ctx context.Context, st Store, p Principal, ns string, bits perms.Bits) error {
	if err := st.SetGrant(ctx, p, ns, bits); err != nil {
		return fmt.Errorf("failed to write grant %s on %s: %w", ns, p, err)
	}
	if bits == perms.None {
		r.metrics.RecordGrantWrite("delete")
	} else {
		r.metrics.RecordGrantWrite("set")
	}
	return nil
}

// orderManagedPermissions puts the admin namespace first so that admin status
// is settled before any other permission is resolved.
func orderManagedPermissions(mps []*ManagedPermission) []*ManagedPermission {
	out := make([]*ManagedPermission, len(mps))
	copy(out, mps)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Namespace == AdminNamespace && out[j].Namespace != AdminNamespace
	})
	return out
}

// RecomputeOrg rebuilds every managed permission grant in one organization
// inside a single transaction.
func (r *Resolver) RecomputeOrg(ctx context.Context, orgID int64) (err error) {
	ctx, span := observability.StartSpan(ctx, "rbac.RecomputeOrg", attribute.Int64("org_id", orgID))
	defer func() {
		observability.EndSpan(span, err)
		r.metrics.RecordRecompute("org", err)
	}()

	org, err := r.dir.GetOrganization(ctx, orgID)
	if err != nil {
		return err
	}
	mps, err := r.store.ListManagedPermissions(ctx)
	if err != nil {
		return err
	}

	err = r.store.RunInTx(ctx, func(ctx context.Context, tx Store) error {
		for _, mp := range orderManagedPermissions(mps) {
			applies, err := r.Applies(ctx, tx, org.ID, mp)
			if err != nil {
				return err
			}
			if applies {
				err = r.autoGrant(ctx, tx, org, mp)
			} else {
				err = r.revokeManaged(ctx, tx, org, mp)
			}
			if err != nil {
				return fmt.Errorf("managed permission %s: %w", mp.Namespace, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("recompute organization %d: %w", orgID, err)
	}

	if r.checker != nil {
		r.checker.Purge()
	}
	r.logger.WithFields(map[string]interface{}{
		"org_id":              orgID,
		"managed_permissions": len(mps),
	}).Debug("Recomputed organization permissions")
	return nil
}

func (r *Resolver) revokeManaged(ctx context.Context, st Store, org *orgs.Organization, mp *ManagedPermission) error {
	tmpl, err := mp.Template()
	if err != nil {
		return err
	}
	return r.revoke(ctx, st, org, tmpl)
}

// RecomputeAll rebuilds grants for every organization. A failing organization
// does not stop the others; all failures are returned joined.
func (r *Resolver) RecomputeAll(ctx context.Context) (err error) {
	ctx, span := observability.StartSpan(ctx, "rbac.RecomputeAll")
	defer func() {
		observability.EndSpan(span, err)
		r.metrics.RecordRecompute("all", err)
	}()

	all, err := r.dir.ListOrganizations(ctx)
	if err != nil {
		return fmt.Errorf("failed to list organizations: %w", err)
	}

	var errs []error
	for _, org := range all {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := r.RecomputeOrg(ctx, org.ID); err != nil {
			r.logger.WithError(err).WithField("org_id", org.ID).Error("Permission recompute failed")
			errs = append(errs, err)
		}
	}

	r.logger.WithFields(map[string]interface{}{
		"organizations": len(all),
		"failed":        len(errs),
	}).Info("Recomputed permissions")
	return errors.Join(errs...)
}

// RevokeNamespaceAll removes the grants of a namespace template from every
// organization.
func (r *Resolver) RevokeNamespaceAll(ctx context.Context, namespace string) error {
	tmpl, err := perms.ParseOrgTemplate(namespace)
	if err != nil {
		return err
	}

	all, err := r.dir.ListOrganizations(ctx)
	if err != nil {
		return fmt.Errorf("failed to list organizations: %w", err)
	}

	var errs []error
	for _, org := range all {
		err := r.store.RunInTx(ctx, func(ctx context.Context, tx Store) error {
			return r.revoke(ctx, tx, org, tmpl)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("revoke %s in organization %d: %w", namespace, org.ID, err))
		}
	}
	if r.checker != nil {
		r.checker.Purge()
	}
	return errors.Join(errs...)
}
