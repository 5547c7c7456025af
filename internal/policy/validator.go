package policy

import (
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

// modelText is the enforcement model: deny-overrides effect, grouping
// for policy membership, and glob matching on every request field.
const modelText = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act, eft

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow)) && !some(where (p.eft == deny))

[matchers]
m = (wildcardMatch(r.sub, p.sub) || g(r.sub, p.sub)) && wildcardMatch(r.obj, p.obj) && wildcardMatch(r.act, p.act)
`

// ParseError describes a malformed policy line.
type ParseError struct {
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("policy: cannot parse line %q: %s", e.Line, e.Reason)
}

// Request is one (principal, resource, action) triple to evaluate.
type Request struct {
	Principal string
	Resource  string
	Action    string
}

// Validator evaluates requests against one rendered policy document.
// Construction parses the document once; evaluation afterwards is pure
// and safe to run concurrently.
type Validator struct {
	enforcer *casbin.Enforcer
}

// NewValidator parses a policy document and prepares it for
// enforcement. An empty document yields a validator that denies
// everything.
func NewValidator(document string) (*Validator, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, fmt.Errorf("policy: loading model: %w", err)
	}
	enforcer, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("policy: creating enforcer: %w", err)
	}
	enforcer.AddFunction("wildcardMatch", func(args ...any) (any, error) {
		if len(args) != 2 {
			return false, fmt.Errorf("wildcardMatch expects 2 arguments, got %d", len(args))
		}
		value, ok1 := args[0].(string)
		pattern, ok2 := args[1].(string)
		if !ok1 || !ok2 {
			return false, fmt.Errorf("wildcardMatch expects string arguments")
		}
		return matchWildcard(value, pattern), nil
	})

	for _, line := range strings.Split(document, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := splitLine(line)
		switch fields[0] {
		case "p":
			if len(fields) != 5 {
				return nil, &ParseError{Line: line, Reason: "statement line needs 5 fields"}
			}
			if fields[4] != "allow" && fields[4] != "deny" {
				return nil, &ParseError{Line: line, Reason: "effect must be allow or deny"}
			}
			if _, err := enforcer.AddPolicy(fields[1], fields[2], fields[3], fields[4]); err != nil {
				return nil, fmt.Errorf("policy: adding statement: %w", err)
			}
		case "g":
			if len(fields) != 3 {
				return nil, &ParseError{Line: line, Reason: "grouping line needs 3 fields"}
			}
			if _, err := enforcer.AddGroupingPolicy(fields[1], fields[2]); err != nil {
				return nil, fmt.Errorf("policy: adding grouping: %w", err)
			}
		default:
			return nil, &ParseError{Line: line, Reason: "unknown line type " + fields[0]}
		}
	}
	return &Validator{enforcer: enforcer}, nil
}

func splitLine(line string) []string {
	raw := strings.Split(line, ",")
	fields := make([]string, len(raw))
	for i, f := range raw {
		fields[i] = strings.TrimSpace(f)
	}
	return fields
}

// Validate evaluates one request. A matching deny rule wins over any
// number of matching allows; no match at all denies.
func (v *Validator) Validate(req Request) (bool, error) {
	allowed, err := v.enforcer.Enforce(req.Principal, req.Resource, req.Action)
	if err != nil {
		return false, fmt.Errorf("policy: enforcing: %w", err)
	}
	return allowed, nil
}

// ValidateAll reports whether every request is allowed.
func (v *Validator) ValidateAll(reqs []Request) (bool, error) {
	results, err := v.BatchValidate(reqs)
	if err != nil {
		return false, err
	}
	for _, allowed := range results {
		if !allowed {
			return false, nil
		}
	}
	return true, nil
}

// ValidateAny reports whether at least one request is allowed.
func (v *Validator) ValidateAny(reqs []Request) (bool, error) {
	results, err := v.BatchValidate(reqs)
	if err != nil {
		return false, err
	}
	for _, allowed := range results {
		if allowed {
			return true, nil
		}
	}
	return false, nil
}

// ValidateNone reports whether no request is allowed.
func (v *Validator) ValidateNone(reqs []Request) (bool, error) {
	any, err := v.ValidateAny(reqs)
	if err != nil {
		return false, err
	}
	return !any, nil
}

// BatchValidate evaluates every request independently, preserving
// order.
func (v *Validator) BatchValidate(reqs []Request) ([]bool, error) {
	batch := make([][]any, len(reqs))
	for i, req := range reqs {
		batch[i] = []any{req.Principal, req.Resource, req.Action}
	}
	results, err := v.enforcer.BatchEnforce(batch)
	if err != nil {
		return nil, fmt.Errorf("policy: batch enforcing: %w", err)
	}
	return results, nil
}

// matchWildcard matches value against a glob pattern where "*" spans
// zero or more characters at any position. No other metacharacters are
// recognized.
func matchWildcard(value, pattern string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return value == pattern
	}
	if !strings.HasPrefix(value, parts[0]) {
		return false
	}
	rest := value[len(parts[0]):]
	for _, mid := range parts[1 : len(parts)-1] {
		idx := strings.Index(rest, mid)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(mid):]
	}
	return strings.HasSuffix(rest, parts[len(parts)-1])
}
