package models

import "time"

// Effect is the outcome a policy statement attaches to a match.
const (
	EffectAllow = "allow"
	EffectDeny  = "deny"
)

// ValidEffect reports whether the given effect is one of the two
// supported outcomes.
func ValidEffect(effect string) bool {
	return effect == EffectAllow || effect == EffectDeny
}

// Statement is a single allow/deny rule inside a policy. Principal may
// be empty in create/update requests; the builder then scopes the rule
// to the owning policy's resource name.
type Statement struct {
	Principal string `json:"principal,omitempty"`
	Resource  string `json:"resource"`
	Action    string `json:"action"`
	Effect    string `json:"effect"`
}

// Policy is a named, versioned set of statements owned by an
// organization. Document holds the rendered line form persisted to
// storage; it is the wire format consumed by the validator.
type Policy struct {
	Hrn            string      `json:"hrn"`
	OrganizationID string      `json:"organization_id"`
	Name           string      `json:"name"`
	Version        int         `json:"version"`
	Statements     []Statement `json:"statements"`
	Document       string      `json:"-"`
	CreatedAt      time.Time   `json:"created_at,omitempty"`
	UpdatedAt      time.Time   `json:"updated_at,omitempty"`
}

// PolicyAttachment links a principal to a policy.
type PolicyAttachment struct {
	PrincipalHrn string    `json:"principal_hrn"`
	PolicyHrn    string    `json:"policy_hrn"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuditEntry records a single authorization decision or management
// request event.
type AuditEntry struct {
	ID             string         `json:"id"`
	RequestID      string         `json:"request_id"`
	Timestamp      time.Time      `json:"timestamp"`
	PrincipalHrn   string         `json:"principal_hrn"`
	Operation      string         `json:"operation"`
	Path           string         `json:"path"`
	Decision       string         `json:"decision"`
	ResponseCode   int            `json:"response_code"`
	ResponseTimeMs int64          `json:"response_time_ms"`
	ClientIP       string         `json:"client_ip"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}
