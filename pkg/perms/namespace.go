package perms

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrUnknownPlaceholder is returned when a template references a placeholder
	// outside the recognized set.
	ErrUnknownPlaceholder = errors.New("unknown namespace placeholder")

	// ErrInvalidNamespace is returned for empty or malformed namespaces.
	ErrInvalidNamespace = errors.New("invalid namespace")

	// ErrUnscopedTemplate is returned when an organization template does not
	// carry exactly one {org_id} placeholder.
	ErrUnscopedTemplate = errors.New("namespace template must contain {org_id} exactly once")
)

// PlaceholderOrgID is the only placeholder recognized in namespace templates.
const PlaceholderOrgID = "org_id"

// Vars carries the values substituted into a namespace template.
type Vars struct {
	OrgID int64
}

type segment struct {
	literal     string
	placeholder string
}

// Template is a parsed namespace template such as "service.peerctl.{org_id}".
type Template struct {
	raw      string
	segments []segment
}

// ParseTemplate parses and validates a namespace template.
func ParseTemplate(raw string) (Template, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Template{}, fmt.Errorf("%w: empty template", ErrInvalidNamespace)
	}

	var segs []segment
	rest := raw
	for rest != "" {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			if strings.IndexByte(rest, '}') >= 0 {
				return Template{}, fmt.Errorf("%w: unbalanced brace in %q", ErrInvalidNamespace, raw)
			}
			segs = append(segs, segment{literal: rest})
			break
		}
		if strings.IndexByte(rest[:open], '}') >= 0 {
			return Template{}, fmt.Errorf("%w: unbalanced brace in %q", ErrInvalidNamespace, raw)
		}
		closeIdx := strings.IndexByte(rest[open:], '}')
		if closeIdx < 0 {
			return Template{}, fmt.Errorf("%w: unterminated placeholder in %q", ErrInvalidNamespace, raw)
		}
		name := rest[open+1 : open+closeIdx]
		if name != PlaceholderOrgID {
			return Template{}, fmt.Errorf("%w: {%s}", ErrUnknownPlaceholder, name)
		}
		if open > 0 {
			segs = append(segs, segment{literal: rest[:open]})
		}
		segs = append(segs, segment{placeholder: name})
		rest = rest[open+closeIdx+1:]
	}

	t := Template{raw: raw, segments: segs}
	if err := ValidateNamespace(t.Format(Vars{OrgID: 1})); err != nil {
		return Template{}, err
	}
	return t, nil
}

// ParseOrgTemplate parses a template that expands to a distinct namespace per
// organization.
func ParseOrgTemplate(raw string) (Template, error) {
	t, err := ParseTemplate(raw)
	if err != nil {
		return Template{}, err
	}
	if t.orgIDs() != 1 {
		return Template{}, fmt.Errorf("%w: %q", ErrUnscopedTemplate, t.raw)
	}
	return t, nil
}

// MustTemplate is like ParseTemplate but panics on error.
func MustTemplate(raw string) Template {
	t, err := ParseTemplate(raw)
	if err != nil {
		panic(err)
	}
	return t
}

// Format substitutes the placeholders and returns a concrete namespace.
func (t Template) Format(v Vars) string {
	var sb strings.Builder
	for _, s := range t.segments {
		if s.placeholder == PlaceholderOrgID {
			sb.WriteString(strconv.FormatInt(v.OrgID, 10))
			continue
		}
		sb.WriteString(s.literal)
	}
	return sb.String()
}

// String returns the raw template.
func (t Template) String() string { return t.raw }

// IsZero reports whether the template was never parsed.
func (t Template) IsZero() bool { return t.raw == "" }

// HasOrgID reports whether the template is organization scoped.
func (t Template) HasOrgID() bool { return t.orgIDs() > 0 }

func (t Template) orgIDs() int {
	n := 0
	for _, s := range t.segments {
		if s.placeholder == PlaceholderOrgID {
			n++
		}
	}
	return n
}

// ValidateNamespace checks that a concrete namespace is non-empty and made of
// non-empty dot separated parts.
func ValidateNamespace(ns string) error {
	if ns == "" {
		return fmt.Errorf("%w: empty", ErrInvalidNamespace)
	}
	for _, part := range strings.Split(ns, ".") {
		if part == "" {
			return fmt.Errorf("%w: %q has an empty segment", ErrInvalidNamespace, ns)
		}
		if strings.ContainsAny(part, "{} \t\n") {
			return fmt.Errorf("%w: %q", ErrInvalidNamespace, ns)
		}
	}
	return nil
}
