// Package rbac materializes managed permission grants for organization members
// and API keys.
//
// # Overview
//
// Grants are derived state. Operators declare managed permissions (namespace
// templates such as "service.peerctl.{org_id}"), roles, and role auto grants;
// the Resolver turns those declarations into concrete per-principal grants in
// a GrantStore. Nothing else writes grants.
//
// # Managed Permissions
//
// A ManagedPermission applies to an organization when its grant mode is
// "auto", or when it is "restricted" and the organization holds an opt-in
// (OrganizationManagedPermission). For an applicable permission the grant a
// member receives is
//
//	OR over the member's roles of RoleAutoGrant(mp, role)
//	| AutoGrantAdmins  (organization admins)
//	| AutoGrantUsers   (everyone else)
//
// and the stored value is replaced, never merged with what was there before.
// API keys hold no roles and receive AutoGrantAdmins or AutoGrantUsers based
// on their admin flag. A member is an admin when it is the personal owner of
// the organization or holds the create bit on "org.{org_id}".
//
// # Recompute
//
// Every definition change goes through the Registry, which schedules one of
// two tasks on a tasks.Scheduler:
//
//	permissions.recompute_all   key "global"
//	permissions.recompute_org   key "org:<id>"
//
// Tasks sharing a key never run concurrently. Each organization is rebuilt
// inside its own transaction, so a failing organization leaves the others
// untouched. Rebuilds are full, which makes running them twice harmless.
//
// # Usage
//
//	store := rbac.NewPostgresStore(db)
//	resolver := rbac.NewResolver(store, orgService)
//	rbac.RegisterTasks(queue, resolver)
//	registry := rbac.NewRegistry(store, queue, logger)
//	orgService.SetNotifier(registry)
//
//	mp, err := registry.CreateManagedPermission(ctx, &rbac.ManagedPermission{
//		Namespace:       "service.peerctl.{org_id}",
//		GrantMode:       rbac.GrantModeAuto,
//		AutoGrantAdmins: perms.MustParse("crud"),
//		AutoGrantUsers:  perms.Read,
//	})
//
// Reads go through a Checker, which caches each principal's grant set and is
// purged after every recompute:
//
//	ok, err := checker.Check(ctx, rbac.User(userID), "service.peerctl.42", perms.Read)
package rbac
