// Package perms models namespaced CRUD permissions.
//
// # Overview
//
// A permission is a namespace string paired with a CRUD bitmask. Namespaces are
// dot separated ("service.peerctl.42") and may be declared as templates that
// carry the {org_id} placeholder, which is substituted per organization:
//
//	tmpl, err := perms.ParseTemplate("service.peerctl.{org_id}")
//	ns := tmpl.Format(perms.Vars{OrgID: 42}) // "service.peerctl.42"
//
// Bitmasks use the flags create=8, read=4, update=2, delete=1 and can be parsed
// from and rendered to the short "crud" notation:
//
//	bits, _ := perms.Parse("cr")   // Create|Read
//	bits.Or(perms.Update).String() // "cru"
//
// # Checking
//
// A Set holds the materialized grants of one principal. Checks walk the
// namespace hierarchy and the most specific granted namespace decides:
//
//	set := perms.NewSet()
//	set.Grant("service", perms.Read)
//	set.Grant("service.peerctl.42", perms.All)
//	set.Check("service.peerctl.42.net", perms.Create) // true
//	set.Check("service.ixctl.42", perms.Create)        // false
package perms
