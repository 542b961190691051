package perms

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetMostSpecificWins(t *testing.T) {
	s := NewSet(
		Grant{Namespace: "service", Bits: Read},
		Grant{Namespace: "service.peerctl.42", Bits: All},
		Grant{Namespace: "service.peerctl.42.secret", Bits: None},
	)

	assert.True(t, s.Check("service.peerctl.42.net", Create))
	assert.True(t, s.Check("service.ixctl.42", Read))
	assert.False(t, s.Check("service.ixctl.42", Create))
	assert.False(t, s.Check("billing", Read))
	// None grants are not stored, so the parent grant applies
	assert.True(t, s.Check("service.peerctl.42.secret", Delete))
}

func TestSetNarrowing(t *testing.T) {
	s := NewSet()
	s.Grant("org", All)
	s.Grant("org.5", Read)

	assert.Equal(t, Read, s.Effective("org.5.users"))
	assert.Equal(t, All, s.Effective("org.6"))
}

func TestSetAddAndRevoke(t *testing.T) {
	s := NewSet()
	s.Add("x.1", Read)
	s.Add("x.1", Update)
	b, ok := s.Get("x.1")
	assert.True(t, ok)
	assert.Equal(t, Read|Update, b)

	s.Revoke("x.1")
	_, ok = s.Get("x.1")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
	assert.True(t, s.Check("anything", None))
}

func TestSetGrantsSorted(t *testing.T) {
	s := NewSet(Grant{"b", Read}, Grant{"a", Create})
	assert.Equal(t, []Grant{{"a", Create}, {"b", Read}}, s.Grants())
}
