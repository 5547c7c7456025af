package storage

import (
	"context"
	"errors"
	"time"

	"github.com/org/iamcore/pkg/models"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when trying to create a resource that already exists.
var ErrAlreadyExists = errors.New("already exists")

// Store defines the persistence interface for the IAM core.
type Store interface {
	// Organizations
	CreateOrganization(ctx context.Context, org *models.Organization) error
	GetOrganization(ctx context.Context, id string) (*models.Organization, error)

	// Users
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, hrn string) (*models.User, error)
	GetUserByEmail(ctx context.Context, organizationID, email string) (*models.User, error)
	DeleteUser(ctx context.Context, hrn string) error

	// Policies
	CreatePolicy(ctx context.Context, p *models.Policy) error
	GetPolicy(ctx context.Context, hrn string) (*models.Policy, error)
	UpdatePolicy(ctx context.Context, hrn string, statements []models.Statement, document string) (*models.Policy, error)
	DeletePolicy(ctx context.Context, hrn string) error
	ListPolicies(ctx context.Context, organizationID string) ([]*models.Policy, error)
	// MissingPolicies returns, out of the given resource names, those
	// with no stored policy.
	MissingPolicies(ctx context.Context, hrns []string) ([]string, error)

	// Principal-policy attachments
	InsertAttachments(ctx context.Context, attachments []*models.PolicyAttachment) error
	DeleteAttachments(ctx context.Context, principalHrn string, policyHrns []string) error
	DeleteAttachmentsByPrincipal(ctx context.Context, principalHrn string) error
	DeleteAttachmentsByPolicy(ctx context.Context, policyHrn string) error
	ListAttachments(ctx context.Context, principalHrn string) ([]*models.PolicyAttachment, error)

	// Signing keys
	InsertKey(ctx context.Context, key *models.SigningKey) error
	GetSigningKey(ctx context.Context) (*models.SigningKey, error)
	GetKeyByID(ctx context.Context, id string) (*models.SigningKey, error)
	ListKeys(ctx context.Context) ([]*models.SigningKey, error)
	// RotateKeys performs the full rotation in one transaction: expire
	// VERIFYING keys not updated since the cutoff, demote the SIGNING
	// key to VERIFYING, insert newKey as SIGNING. Partial application
	// must never be observable.
	RotateKeys(ctx context.Context, newKey *models.SigningKey, expireBefore time.Time) error

	// Audit
	WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error
	QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error)

	// Lifecycle
	Close()
}

// AuditFilter specifies query parameters for audit log retrieval.
type AuditFilter struct {
	PrincipalHrn string
	Path         string
	Since        *time.Time
	Limit        int
	Offset       int
}
