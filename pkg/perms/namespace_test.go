package perms

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTemplate(t *testing.T) {
	tmpl, err := ParseTemplate("service.peerctl.{org_id}")
	require.NoError(t, err)
	assert.True(t, tmpl.HasOrgID())
	assert.Equal(t, "service.peerctl.42", tmpl.Format(Vars{OrgID: 42}))
	assert.Equal(t, "service.peerctl.{org_id}", tmpl.String())

	static, err := ParseTemplate("billing.admin")
	require.NoError(t, err)
	assert.False(t, static.HasOrgID())
	assert.Equal(t, "billing.admin", static.Format(Vars{OrgID: 7}))

	embedded, err := ParseTemplate("org.{org_id}.billing")
	require.NoError(t, err)
	assert.Equal(t, "org.9.billing", embedded.Format(Vars{OrgID: 9}))
}

func TestParseOrgTemplate(t *testing.T) {
	tmpl, err := ParseOrgTemplate("service.peerctl.{org_id}")
	require.NoError(t, err)
	assert.Equal(t, "service.peerctl.3", tmpl.Format(Vars{OrgID: 3}))

	for _, raw := range []string{"billing.admin", "org.{org_id}.{org_id}"} {
		t.Run(raw, func(t *testing.T) {
			_, err := ParseOrgTemplate(raw)
			assert.ErrorIs(t, err, ErrUnscopedTemplate)
		})
	}

	_, err = ParseOrgTemplate("service.{user_id}")
	assert.ErrorIs(t, err, ErrUnknownPlaceholder)
}

func TestParseTemplateRejectsUnknownPlaceholders(t *testing.T) {
	_, err := ParseTemplate("service.{user_id}")
	assert.ErrorIs(t, err, ErrUnknownPlaceholder)

	_, err = ParseTemplate("service.{__class__}")
	assert.ErrorIs(t, err, ErrUnknownPlaceholder)
}

func TestParseTemplateRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "service.{org_id", "service.org_id}", "service..x", ".service"} {
		t.Run(raw, func(t *testing.T) {
			_, err := ParseTemplate(raw)
			assert.Error(t, err)
		})
	}
}

func TestValidateNamespace(t *testing.T) {
	assert.NoError(t, ValidateNamespace("a.b.c"))
	assert.ErrorIs(t, ValidateNamespace(""), ErrInvalidNamespace)
	assert.ErrorIs(t, ValidateNamespace("a..b"), ErrInvalidNamespace)
	assert.ErrorIs(t, ValidateNamespace("a.{x}"), ErrInvalidNamespace)
}
