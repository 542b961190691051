package rbac

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/fullctl/aaactl-sub000/pkg/observability"
	"github.com/fullctl/aaactl-sub000/pkg/perms"
)

const (
	defaultCheckerSize = 4096
	defaultCheckerTTL  = time.Minute
)

// Checker answers permission checks from materialized grants, caching each
// principal's grant set.
type Checker struct {
	grants  GrantStore
	cache   *expirable.LRU[Principal, *perms.Set]
	metrics *observability.Metrics
}

// NewChecker creates a checker. A zero size or ttl uses the defaults.
func NewChecker(grants GrantStore, size int, ttl time.Duration, metrics *observability.Metrics) *Checker {
	if size <= 0 {
		size = defaultCheckerSize
	}
	if ttl <= 0 {
		ttl = defaultCheckerTTL
	}
	return &Checker{
		grants:  grants,
		cache:   expirable.NewLRU[Principal, *perms.Set](size, nil, ttl),
		metrics: metrics,
	}
}

// Grants returns the grant set of p
func (c *Checker) Grants(ctx context.Context, p Principal) (*perms.Set, error) {
	if set, ok := c.cache.Get(p); ok {
		c.metrics.RecordCheckerLookup(true)
		return set, nil
	}
	c.metrics.RecordCheckerLookup(false)

	set, err := c.grants.GetGrants(ctx, p)
	if err != nil {
		return nil, err
	}
	c.cache.Add(p, set)
	return set, nil
}

// Check reports whether p holds want on namespace
func (c *Checker) Check(ctx context.Context, p Principal, namespace string, want perms.Bits) (bool, error) {
	set, err := c.Grants(ctx, p)
	if err != nil {
		return false, err
	}
	return set.Check(namespace, want), nil
}

// Invalidate drops the cached grants of p
func (c *Checker) Invalidate(p Principal) {
	c.cache.Remove(p)
}

// Purge drops every cached grant set
func (c *Checker) Purge() {
	c.cache.Purge()
}
