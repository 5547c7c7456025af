// Package hrn implements hierarchical resource names, the canonical
// addressing scheme for every entity the service manages.
//
// Canonical form:
//
//	hrn:iam:<organization>[/<subOrganization>]:<resourceType>[/<resourceInstance>]
package hrn

import (
	"fmt"
	"strings"
)

const (
	// Scheme prefixes every resource name.
	Scheme = "hrn"
	// Service identifies this service inside a resource name.
	Service = "iam"

	delimiter    = ":"
	subDelimiter = "/"
	segments     = 4
)

// ParseError describes a malformed resource name.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("hrn: cannot parse %q: %s", e.Input, e.Reason)
}

// HRN is an immutable hierarchical resource name. Construct one with New
// or Parse; the zero value is not a valid name.
type HRN struct {
	organization     string
	subOrganization  string
	resourceType     string
	resourceInstance string
}

// New builds a resource name from its components. It never fails;
// callers are expected to pass non-empty organization and resourceType.
func New(organization, subOrganization, resourceType, resourceInstance string) HRN {
	return HRN{
		organization:     organization,
		subOrganization:  subOrganization,
		resourceType:     resourceType,
		resourceInstance: resourceInstance,
	}
}

// Parse converts the canonical string form back into an HRN.
func Parse(s string) (HRN, error) {
	parts := strings.Split(s, delimiter)
	if len(parts) != segments {
		return HRN{}, &ParseError{Input: s, Reason: fmt.Sprintf("expected %d segments, got %d", segments, len(parts))}
	}
	if strings.TrimSpace(parts[0]) != Scheme {
		return HRN{}, &ParseError{Input: s, Reason: "unknown scheme " + parts[0]}
	}
	if strings.TrimSpace(parts[1]) != Service {
		return HRN{}, &ParseError{Input: s, Reason: "unknown service " + parts[1]}
	}

	org, subOrg := splitPair(parts[2])
	if strings.TrimSpace(org) == "" {
		return HRN{}, &ParseError{Input: s, Reason: "organization segment is empty"}
	}
	resType, resInstance := splitPair(parts[3])
	if strings.TrimSpace(resType) == "" {
		return HRN{}, &ParseError{Input: s, Reason: "resource type segment is empty"}
	}
	return HRN{
		organization:     org,
		subOrganization:  subOrg,
		resourceType:     resType,
		resourceInstance: resInstance,
	}, nil
}

// splitPair splits "a/b" into its two halves; a bare "a" yields an
// empty second half. Only the first separator is significant.
func splitPair(s string) (string, string) {
	parts := strings.SplitN(s, subDelimiter, 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

// Organization returns the organization component.
func (h HRN) Organization() string { return h.organization }

// SubOrganization returns the optional sub-organization component.
func (h HRN) SubOrganization() string { return h.subOrganization }

// ResourceType returns the resource type component.
func (h HRN) ResourceType() string { return h.resourceType }

// ResourceInstance returns the optional resource instance component.
func (h HRN) ResourceInstance() string { return h.resourceInstance }

// String renders the canonical form. Parse(h.String()) always yields an
// HRN equal to h.
func (h HRN) String() string {
	var b strings.Builder
	b.WriteString(Scheme)
	b.WriteString(delimiter)
	b.WriteString(Service)
	b.WriteString(delimiter)
	b.WriteString(h.organization)
	if h.subOrganization != "" {
		b.WriteString(subDelimiter)
		b.WriteString(h.subOrganization)
	}
	b.WriteString(delimiter)
	b.WriteString(h.resourceType)
	if h.resourceInstance != "" {
		b.WriteString(subDelimiter)
		b.WriteString(h.resourceInstance)
	}
	return b.String()
}

// Equal reports whether two names have the same canonical form.
// Names built through different code paths compare equal as long as
// their string forms agree.
func (h HRN) Equal(other HRN) bool {
	return h.String() == other.String()
}

// MarshalText implements encoding.TextMarshaler.
func (h HRN) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *HRN) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
