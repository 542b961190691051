// Package bridge talks to the fullctl services (peerctl, ixctl, prefixctl,
// ...) on behalf of the billing engine.
//
// It implements billing.UsageSource and billing.ObjectLookup:
//
//	GET {url}/api/billing/usage?org={id}&product={name}
//	GET {url}/api/billing/object/{object_id}?org={id}
//
// Both return a {"data": [...]} envelope. A 404 or an empty usage row means
// no usage was reported. Requests authenticate with OAuth2 client
// credentials when a client ID is configured, are rate limited per service
// and cached for a short TTL.
package bridge
