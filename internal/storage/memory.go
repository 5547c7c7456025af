package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/org/iamcore/pkg/models"
)

// MemoryStore is an in-memory Store for tests and local development.
// All methods are safe for concurrent use.
type MemoryStore struct {
	mu            sync.RWMutex
	organizations map[string]*models.Organization
	users         map[string]*models.User
	policies      map[string]*models.Policy
	attachments   []*models.PolicyAttachment
	keys          []*models.SigningKey
	auditEntries  []*models.AuditEntry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		organizations: make(map[string]*models.Organization),
		users:         make(map[string]*models.User),
		policies:      make(map[string]*models.Policy),
	}
}

// --- Organizations ---

func (m *MemoryStore) CreateOrganization(ctx context.Context, org *models.Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.organizations[org.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *org
	cp.UpdatedAt = cp.CreatedAt
	m.organizations[org.ID] = &cp
	return nil
}

func (m *MemoryStore) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	org, ok := m.organizations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *org
	return &cp, nil
}

// --- Users ---

func (m *MemoryStore) CreateUser(ctx context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.Hrn]; ok {
		return ErrAlreadyExists
	}
	for _, existing := range m.users {
		if existing.OrganizationID == u.OrganizationID && existing.Email == u.Email {
			return ErrAlreadyExists
		}
	}
	cp := *u
	cp.UpdatedAt = cp.CreatedAt
	m.users[u.Hrn] = &cp
	return nil
}

func (m *MemoryStore) GetUser(ctx context.Context, hrn string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[hrn]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) GetUserByEmail(ctx context.Context, organizationID, email string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.OrganizationID == organizationID && u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) DeleteUser(ctx context.Context, hrn string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[hrn]; !ok {
		return ErrNotFound
	}
	delete(m.users, hrn)
	return nil
}

// --- Policies ---

func (m *MemoryStore) CreatePolicy(ctx context.Context, p *models.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[p.Hrn]; ok {
		return ErrAlreadyExists
	}
	cp := *p
	cp.Statements = append([]models.Statement(nil), p.Statements...)
	cp.UpdatedAt = cp.CreatedAt
	m.policies[p.Hrn] = &cp
	return nil
}

func (m *MemoryStore) GetPolicy(ctx context.Context, hrn string) (*models.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[hrn]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	cp.Statements = append([]models.Statement(nil), p.Statements...)
	return &cp, nil
}

func (m *MemoryStore) UpdatePolicy(ctx context.Context, hrn string, statements []models.Statement, document string) (*models.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[hrn]
	if !ok {
		return nil, ErrNotFound
	}
	p.Statements = append([]models.Statement(nil), statements...)
	p.Document = document
	p.Version++
	p.UpdatedAt = time.Now().UTC()
	cp := *p
	cp.Statements = append([]models.Statement(nil), p.Statements...)
	return &cp, nil
}

func (m *MemoryStore) DeletePolicy(ctx context.Context, hrn string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[hrn]; !ok {
		return ErrNotFound
	}
	delete(m.policies, hrn)
	return nil
}

func (m *MemoryStore) ListPolicies(ctx context.Context, organizationID string) ([]*models.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Policy
	for _, p := range m.policies {
		if p.OrganizationID == organizationID {
			cp := *p
			cp.Statements = append([]models.Statement(nil), p.Statements...)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hrn < out[j].Hrn })
	return out, nil
}

func (m *MemoryStore) MissingPolicies(ctx context.Context, hrns []string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var missing []string
	for _, hrn := range hrns {
		if _, ok := m.policies[hrn]; !ok {
			missing = append(missing, hrn)
		}
	}
	return missing, nil
}

// --- Attachments ---

func (m *MemoryStore) InsertAttachments(ctx context.Context, attachments []*models.PolicyAttachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, att := range attachments {
		if m.attached(att.PrincipalHrn, att.PolicyHrn) {
			continue
		}
		cp := *att
		m.attachments = append(m.attachments, &cp)
	}
	return nil
}

func (m *MemoryStore) attached(principalHrn, policyHrn string) bool {
	for _, att := range m.attachments {
		if att.PrincipalHrn == principalHrn && att.PolicyHrn == policyHrn {
			return true
		}
	}
	return false
}

func (m *MemoryStore) DeleteAttachments(ctx context.Context, principalHrn string, policyHrns []string) error {
	drop := make(map[string]bool, len(policyHrns))
	for _, hrn := range policyHrns {
		drop[hrn] = true
	}
	return m.filterAttachments(func(att *models.PolicyAttachment) bool {
		return att.PrincipalHrn == principalHrn && drop[att.PolicyHrn]
	})
}

func (m *MemoryStore) DeleteAttachmentsByPrincipal(ctx context.Context, principalHrn string) error {
	return m.filterAttachments(func(att *models.PolicyAttachment) bool {
		return att.PrincipalHrn == principalHrn
	})
}

func (m *MemoryStore) DeleteAttachmentsByPolicy(ctx context.Context, policyHrn string) error {
	return m.filterAttachments(func(att *models.PolicyAttachment) bool {
		return att.PolicyHrn == policyHrn
	})
}

func (m *MemoryStore) filterAttachments(remove func(*models.PolicyAttachment) bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.attachments[:0]
	for _, att := range m.attachments {
		if !remove(att) {
			kept = append(kept, att)
		}
	}
	m.attachments = kept
	return nil
}

func (m *MemoryStore) ListAttachments(ctx context.Context, principalHrn string) ([]*models.PolicyAttachment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.PolicyAttachment
	for _, att := range m.attachments {
		if att.PrincipalHrn == principalHrn {
			cp := *att
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Signing keys ---

func (m *MemoryStore) InsertKey(ctx context.Context, key *models.SigningKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := copyKey(key)
	m.keys = append(m.keys, cp)
	return nil
}

func (m *MemoryStore) GetSigningKey(ctx context.Context) (*models.SigningKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, key := range m.keys {
		if key.Status == models.KeyStatusSigning {
			return copyKey(key), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetKeyByID(ctx context.Context, id string) (*models.SigningKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, key := range m.keys {
		if key.ID == id {
			return copyKey(key), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListKeys(ctx context.Context) ([]*models.SigningKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.SigningKey, len(m.keys))
	for i, key := range m.keys {
		out[i] = copyKey(key)
	}
	return out, nil
}

func (m *MemoryStore) RotateKeys(ctx context.Context, newKey *models.SigningKey, expireBefore time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, key := range m.keys {
		switch key.Status {
		case models.KeyStatusVerifying:
			if key.UpdatedAt.Before(expireBefore) {
				key.Status = models.KeyStatusExpired
				key.UpdatedAt = now
			}
		case models.KeyStatusSigning:
			key.Status = models.KeyStatusVerifying
			key.UpdatedAt = now
		}
	}
	m.keys = append(m.keys, copyKey(newKey))
	return nil
}

func copyKey(key *models.SigningKey) *models.SigningKey {
	cp := *key
	cp.PrivateKey = append([]byte(nil), key.PrivateKey...)
	cp.PublicKey = append([]byte(nil), key.PublicKey...)
	return &cp
}

// --- Audit ---

func (m *MemoryStore) WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.auditEntries = append(m.auditEntries, &cp)
	return nil
}

func (m *MemoryStore) QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []*models.AuditEntry
	for _, entry := range m.auditEntries {
		if filter.PrincipalHrn != "" && entry.PrincipalHrn != filter.PrincipalHrn {
			continue
		}
		if filter.Path != "" && !strings.HasPrefix(entry.Path, filter.Path) {
			continue
		}
		if filter.Since != nil && entry.Timestamp.Before(*filter.Since) {
			continue
		}
		cp := *entry
		matched = append(matched, &cp)
	}
	// Newest first, like the SQL query.
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (m *MemoryStore) Close() {}
