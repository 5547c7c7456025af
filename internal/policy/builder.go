// Package policy implements the line-based policy document format and
// the matching engine that evaluates requests against it.
//
// A document is a sequence of lines, one rule per line:
//
//	p, <principal>, <resource>, <action>, <effect>
//	g, <principal>, <policyHrn>
//
// "p" lines grant or deny an action on a resource to a principal
// pattern. "g" lines bind a principal to a policy name so the principal
// inherits every "p" line scoped to that policy. This textual form is
// persisted and embedded into tokens; it must stay byte-compatible with
// existing stored policies.
package policy

import (
	"fmt"
	"strings"

	"github.com/org/iamcore/pkg/models"
)

// Template variables recognized in policy text.
const (
	VarOrganizationID = "organizationId"
	VarUserHrn        = "userHrn"
	VarUserID         = "userId"
)

// Builder accumulates policy lines and renders them into a document.
// A Builder is scoped to a single evaluation or token issuance; it is
// not safe for concurrent use and is always constructed fresh.
type Builder struct {
	lines []string
	vars  map[string]string
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{vars: map[string]string{}}
}

// WithStatement appends one "p" line. A statement without a principal
// is scoped to defaultPrincipal, normally the owning policy's resource
// name.
func (b *Builder) WithStatement(defaultPrincipal string, st models.Statement) *Builder {
	principal := st.Principal
	if principal == "" {
		principal = defaultPrincipal
	}
	b.lines = append(b.lines, renderStatementLine(principal, st.Resource, st.Action, st.Effect))
	return b
}

// WithPolicy absorbs another policy's rendered document. When the
// policy carries no pre-rendered document its statements are rendered
// in place, scoped to the policy's own resource name.
func (b *Builder) WithPolicy(p *models.Policy) *Builder {
	if p == nil {
		return b
	}
	if p.Document != "" {
		return b.WithDocument(p.Document)
	}
	for _, st := range p.Statements {
		b.WithStatement(p.Hrn, st)
	}
	return b
}

// WithDocument absorbs raw document text line by line.
func (b *Builder) WithDocument(document string) *Builder {
	for _, line := range strings.Split(document, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		b.lines = append(b.lines, line)
	}
	return b
}

// WithPrincipalPolicy appends a "g" line binding the principal to a
// policy, granting it every rule the policy carries.
func (b *Builder) WithPrincipalPolicy(principalHrn, policyHrn string) *Builder {
	b.lines = append(b.lines, fmt.Sprintf("g, %s, %s", principalHrn, policyHrn))
	return b
}

// WithVariables registers substitution values for ${var} placeholders.
// Later registrations win on key collision.
func (b *Builder) WithVariables(vars map[string]string) *Builder {
	for k, v := range vars {
		b.vars[k] = v
	}
	return b
}

// Build renders the accumulated lines, substituting registered ${var}
// placeholders. Placeholders without a registered value stay verbatim:
// stored policies may carry literal ${...} text on purpose.
func (b *Builder) Build() string {
	document := strings.Join(b.lines, "\n")
	for key, value := range b.vars {
		document = strings.ReplaceAll(document, "${"+key+"}", value)
	}
	return document
}

// RenderDocument renders a policy's statements into its canonical
// persisted document, scoping principal-less statements to policyHrn.
func RenderDocument(policyHrn string, statements []models.Statement) string {
	b := NewBuilder()
	for _, st := range statements {
		b.WithStatement(policyHrn, st)
	}
	return b.Build()
}

func renderStatementLine(principal, resource, action, effect string) string {
	return fmt.Sprintf("p, %s, %s, %s, %s", principal, resource, action, effect)
}
