package models

import "time"

// User statuses.
const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

// Organization is a tenant. Every other entity is scoped to one.
type Organization struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// User is a human or service account belonging to an organization.
type User struct {
	Hrn            string    `json:"hrn"`
	OrganizationID string    `json:"organization_id"`
	Username       string    `json:"username"`
	Email          string    `json:"email"`
	PasswordHash   string    `json:"-"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Principal is the authenticated identity behind a request, together
// with its rendered entitlement document. Entitlements come either from
// verified token claims or from a fresh aggregation at login time.
type Principal struct {
	Hrn            string
	OrganizationID string
	UserID         string
	Entitlements   string
}
