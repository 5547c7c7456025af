package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/org/iamcore/pkg/models"
)

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pgxpool connection and returns a ready store.
func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	p.pool.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Organizations ---

func (p *PostgresStore) CreateOrganization(ctx context.Context, org *models.Organization) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO organizations (id, name, description, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4)`,
		org.ID, org.Name, org.Description, org.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (p *PostgresStore) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, name, description, created_at, updated_at FROM organizations WHERE id = $1`, id)
	var org models.Organization
	if err := row.Scan(&org.ID, &org.Name, &org.Description, &org.CreatedAt, &org.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &org, nil
}

// --- Users ---

func (p *PostgresStore) CreateUser(ctx context.Context, u *models.User) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO users (hrn, organization_id, username, email, password_hash, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		u.Hrn, u.OrganizationID, u.Username, u.Email, u.PasswordHash, u.Status, u.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (p *PostgresStore) GetUser(ctx context.Context, hrn string) (*models.User, error) {
	return p.scanUser(p.pool.QueryRow(ctx,
		`SELECT hrn, organization_id, username, email, password_hash, status, created_at, updated_at
		 FROM users WHERE hrn = $1`, hrn))
}

func (p *PostgresStore) GetUserByEmail(ctx context.Context, organizationID, email string) (*models.User, error) {
	return p.scanUser(p.pool.QueryRow(ctx,
		`SELECT hrn, organization_id, username, email, password_hash, status, created_at, updated_at
		 FROM users WHERE organization_id = $1 AND email = $2`, organizationID, email))
}

func (p *PostgresStore) scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.Hrn, &u.OrganizationID, &u.Username, &u.Email, &u.PasswordHash, &u.Status, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (p *PostgresStore) DeleteUser(ctx context.Context, hrn string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM users WHERE hrn = $1`, hrn)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Policies ---

func (p *PostgresStore) CreatePolicy(ctx context.Context, pol *models.Policy) error {
	statements, err := json.Marshal(pol.Statements)
	if err != nil {
		return fmt.Errorf("encoding statements: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO policies (hrn, organization_id, name, version, statements, document, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		pol.Hrn, pol.OrganizationID, pol.Name, pol.Version, statements, pol.Document, pol.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (p *PostgresStore) GetPolicy(ctx context.Context, hrn string) (*models.Policy, error) {
	return scanPolicy(p.pool.QueryRow(ctx,
		`SELECT hrn, organization_id, name, version, statements, document, created_at, updated_at
		 FROM policies WHERE hrn = $1`, hrn))
}

func scanPolicy(row pgx.Row) (*models.Policy, error) {
	var pol models.Policy
	var statements []byte
	err := row.Scan(&pol.Hrn, &pol.OrganizationID, &pol.Name, &pol.Version, &statements, &pol.Document, &pol.CreatedAt, &pol.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(statements, &pol.Statements); err != nil {
		return nil, fmt.Errorf("decoding statements: %w", err)
	}
	return &pol, nil
}

func (p *PostgresStore) UpdatePolicy(ctx context.Context, hrn string, statements []models.Statement, document string) (*models.Policy, error) {
	encoded, err := json.Marshal(statements)
	if err != nil {
		return nil, fmt.Errorf("encoding statements: %w", err)
	}
	return scanPolicy(p.pool.QueryRow(ctx,
		`UPDATE policies
		 SET statements = $2, document = $3, version = version + 1, updated_at = NOW()
		 WHERE hrn = $1
		 RETURNING hrn, organization_id, name, version, statements, document, created_at, updated_at`,
		hrn, encoded, document))
}

func (p *PostgresStore) DeletePolicy(ctx context.Context, hrn string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM policies WHERE hrn = $1`, hrn)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListPolicies(ctx context.Context, organizationID string) ([]*models.Policy, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT hrn, organization_id, name, version, statements, document, created_at, updated_at
		 FROM policies WHERE organization_id = $1 ORDER BY name`, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []*models.Policy
	for rows.Next() {
		pol, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, pol)
	}
	return policies, rows.Err()
}

func (p *PostgresStore) MissingPolicies(ctx context.Context, hrns []string) ([]string, error) {
	if len(hrns) == 0 {
		return nil, nil
	}
	rows, err := p.pool.Query(ctx, `SELECT hrn FROM policies WHERE hrn = ANY($1)`, hrns)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found := make(map[string]struct{}, len(hrns))
	for rows.Next() {
		var hrn string
		if err := rows.Scan(&hrn); err != nil {
			return nil, err
		}
		found[hrn] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var missing []string
	for _, hrn := range hrns {
		if _, ok := found[hrn]; !ok {
			missing = append(missing, hrn)
		}
	}
	return missing, nil
}

// --- Attachments ---

func (p *PostgresStore) InsertAttachments(ctx context.Context, attachments []*models.PolicyAttachment) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, att := range attachments {
		_, err := tx.Exec(ctx,
			`INSERT INTO principal_policies (principal_hrn, policy_hrn, created_at)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (principal_hrn, policy_hrn) DO NOTHING`,
			att.PrincipalHrn, att.PolicyHrn, att.CreatedAt,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (p *PostgresStore) DeleteAttachments(ctx context.Context, principalHrn string, policyHrns []string) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM principal_policies WHERE principal_hrn = $1 AND policy_hrn = ANY($2)`,
		principalHrn, policyHrns)
	return err
}

func (p *PostgresStore) DeleteAttachmentsByPrincipal(ctx context.Context, principalHrn string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM principal_policies WHERE principal_hrn = $1`, principalHrn)
	return err
}

func (p *PostgresStore) DeleteAttachmentsByPolicy(ctx context.Context, policyHrn string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM principal_policies WHERE policy_hrn = $1`, policyHrn)
	return err
}

func (p *PostgresStore) ListAttachments(ctx context.Context, principalHrn string) ([]*models.PolicyAttachment, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT principal_hrn, policy_hrn, created_at
		 FROM principal_policies WHERE principal_hrn = $1 ORDER BY created_at`, principalHrn)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attachments []*models.PolicyAttachment
	for rows.Next() {
		var att models.PolicyAttachment
		if err := rows.Scan(&att.PrincipalHrn, &att.PolicyHrn, &att.CreatedAt); err != nil {
			return nil, err
		}
		attachments = append(attachments, &att)
	}
	return attachments, rows.Err()
}

// --- Signing keys ---

func (p *PostgresStore) InsertKey(ctx context.Context, key *models.SigningKey) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO signing_keys (id, private_key, public_key, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)`,
		key.ID, key.PrivateKey, key.PublicKey, string(key.Status), key.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (p *PostgresStore) GetSigningKey(ctx context.Context) (*models.SigningKey, error) {
	return scanKey(p.pool.QueryRow(ctx,
		`SELECT id, private_key, public_key, status, created_at, updated_at
		 FROM signing_keys WHERE status = $1
		 ORDER BY created_at DESC LIMIT 1`, string(models.KeyStatusSigning)))
}

func (p *PostgresStore) GetKeyByID(ctx context.Context, id string) (*models.SigningKey, error) {
	return scanKey(p.pool.QueryRow(ctx,
		`SELECT id, private_key, public_key, status, created_at, updated_at
		 FROM signing_keys WHERE id = $1`, id))
}

func scanKey(row pgx.Row) (*models.SigningKey, error) {
	var key models.SigningKey
	var status string
	err := row.Scan(&key.ID, &key.PrivateKey, &key.PublicKey, &status, &key.CreatedAt, &key.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	key.Status = models.KeyStatus(status)
	return &key, nil
}

func (p *PostgresStore) ListKeys(ctx context.Context) ([]*models.SigningKey, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, private_key, public_key, status, created_at, updated_at
		 FROM signing_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*models.SigningKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// RotateKeys runs the three lifecycle transitions in one transaction so
// concurrent token issuance never observes two SIGNING keys.
func (p *PostgresStore) RotateKeys(ctx context.Context, newKey *models.SigningKey, expireBefore time.Time) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`UPDATE signing_keys SET status = $1, updated_at = NOW()
		 WHERE status = $2 AND updated_at < $3`,
		string(models.KeyStatusExpired), string(models.KeyStatusVerifying), expireBefore)
	if err != nil {
		return fmt.Errorf("expiring verifying keys: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE signing_keys SET status = $1, updated_at = NOW() WHERE status = $2`,
		string(models.KeyStatusVerifying), string(models.KeyStatusSigning))
	if err != nil {
		return fmt.Errorf("demoting signing key: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO signing_keys (id, private_key, public_key, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)`,
		newKey.ID, newKey.PrivateKey, newKey.PublicKey, string(models.KeyStatusSigning), newKey.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting new signing key: %w", err)
	}

	return tx.Commit(ctx)
}

// --- Audit ---

func (p *PostgresStore) WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO audit_log (id, request_id, ts, principal_hrn, operation, path, decision, response_code, response_time_ms, client_ip, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.ID, entry.RequestID, entry.Timestamp, entry.PrincipalHrn, entry.Operation,
		entry.Path, entry.Decision, entry.ResponseCode, entry.ResponseTimeMs, entry.ClientIP, metadata,
	)
	return err
}

func (p *PostgresStore) QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error) {
	query := `SELECT id, request_id, ts, principal_hrn, operation, path, decision, response_code, response_time_ms, client_ip, metadata
	          FROM audit_log WHERE 1=1`
	args := []any{}
	idx := 1
	if filter.PrincipalHrn != "" {
		query += fmt.Sprintf(" AND principal_hrn = $%d", idx)
		args = append(args, filter.PrincipalHrn)
		idx++
	}
	if filter.Path != "" {
		query += fmt.Sprintf(" AND path LIKE $%d", idx)
		args = append(args, filter.Path+"%")
		idx++
	}
	if filter.Since != nil {
		query += fmt.Sprintf(" AND ts >= $%d", idx)
		args = append(args, *filter.Since)
		idx++
	}
	query += " ORDER BY ts DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", idx)
		args = append(args, filter.Limit)
		idx++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", idx)
		args = append(args, filter.Offset)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var metadata []byte
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Timestamp, &e.PrincipalHrn, &e.Operation,
			&e.Path, &e.Decision, &e.ResponseCode, &e.ResponseTimeMs, &e.ClientIP, &metadata); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decoding metadata: %w", err)
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
