package perms

import (
	"sort"
	"strings"
)

// Grant is a single materialized namespace permission.
type Grant struct {
	Namespace string `json:"namespace"`
	Bits      Bits   `json:"permissions"`
}

// Set is the collection of namespace grants held by one principal.
// A Set is not safe for concurrent mutation.
type Set struct {
	grants map[string]Bits
}

// NewSet creates a set from the given grants.
func NewSet(grants ...Grant) *Set {
	s := &Set{grants: make(map[string]Bits, len(grants))}
	for _, g := range grants {
		s.Grant(g.Namespace, g.Bits)
	}
	return s
}

// Grant sets the exact bits for a namespace. Granting None removes it.
func (s *Set) Grant(namespace string, bits Bits) {
	if bits == None {
		delete(s.grants, namespace)
		return
	}
	s.grants[namespace] = bits
}

// Add ORs bits into the existing grant for a namespace.
func (s *Set) Add(namespace string, bits Bits) {
	s.Grant(namespace, s.grants[namespace].Or(bits))
}

// Revoke removes the namespace entirely.
func (s *Set) Revoke(namespace string) {
	delete(s.grants, namespace)
}

// Get returns the exact grant stored for a namespace.
func (s *Set) Get(namespace string) (Bits, bool) {
	b, ok := s.grants[namespace]
	return b, ok
}

// Len returns the number of namespaces in the set.
func (s *Set) Len() int { return len(s.grants) }

// Effective resolves the permission on namespace: the grant on the longest
// namespace prefix wins, so a more specific grant can narrow a broad one.
func (s *Set) Effective(namespace string) Bits {
	if b, ok := s.grants[namespace]; ok {
		return b
	}
	for ns := namespace; ns != ""; {
		idx := strings.LastIndexByte(ns, '.')
		if idx < 0 {
			break
		}
		ns = ns[:idx]
		if b, ok := s.grants[ns]; ok {
			return b
		}
	}
	return None
}

// Check reports whether the effective permission on namespace carries want.
func (s *Set) Check(namespace string, want Bits) bool {
	if want == None {
		return true
	}
	return s.Effective(namespace).Has(want)
}

// Grants returns the grants sorted by namespace.
func (s *Set) Grants() []Grant {
	out := make([]Grant, 0, len(s.grants))
	for ns, b := range s.grants {
		out = append(out, Grant{Namespace: ns, Bits: b})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Namespace < out[j].Namespace })
	return out
}
