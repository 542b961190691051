// Package orgs provides the organization, membership and API key directory.
//
// # Overview
//
// Organizations are tenants. Users join organizations as members and
// organizations issue API keys. Personal organizations carry the owning user
// in PersonalOwnerID.
//
// The directory is read by the permission resolver (pkg/rbac) and the billing
// engine (pkg/billing). Membership mutations notify a MembershipNotifier so
// derived permission grants can be recomputed:
//
//	svc := orgs.NewMemoryService()
//	svc.SetNotifier(registry) // *rbac.Registry
//	org, _ := svc.CreateOrganization(ctx, &orgs.Organization{Name: "Acme"})
//	svc.AddMember(ctx, org.ID, userID) // schedules a recompute for org
//
// # Backends
//
//   - MemoryService: in-process maps, used by tests and single-node setups
//   - PostgresService: organizations, organization_members and api_keys tables
//
// # Related Packages
//
//   - pkg/rbac: Roles and managed permissions
//   - pkg/billing: Subscriptions and payment methods
package orgs
