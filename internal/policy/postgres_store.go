package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresStore persists policies in PostgreSQL as one JSONB document per
// tenant.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed policy store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, tenantID string) (*Policy, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT document, version, updated_by, created_at, updated_at
		FROM tenant_policies WHERE tenant_id = $1`, tenantID)
	return scanPolicy(row)
}

func (p *PostgresStore) Put(ctx context.Context, pol *Policy) error {
	doc, err := json.Marshal(pol)
	if err != nil {
		return err
	}
	err = p.db.QueryRowContext(ctx, `
		INSERT INTO tenant_policies (tenant_id, document, version, updated_by, created_at, updated_at)
		VALUES ($1, $2, 1, $3, NOW(), NOW())
		ON CONFLICT (tenant_id) DO UPDATE
		SET document = EXCLUDED.document,
		    version = tenant_policies.version + 1,
		    updated_by = EXCLUDED.updated_by,
		    updated_at = NOW()
		RETURNING version, created_at, updated_at`,
		pol.TenantID, doc, pol.UpdatedBy,
	).Scan(&pol.Version, &pol.CreatedAt, &pol.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put policy: %w", err)
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, tenantID string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM tenant_policies WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context) ([]*Policy, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT document, version, updated_by, created_at, updated_at
		FROM tenant_policies ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Policy
	for rows.Next() {
		pol, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pol)
	}
	return result, rows.Err()
}

// Migrate creates the tenant_policies table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tenant_policies (
			tenant_id   TEXT PRIMARY KEY,
			document    JSONB NOT NULL,
			version     INTEGER NOT NULL DEFAULT 1,
			updated_by  TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row scanner) (*Policy, error) {
	var doc []byte
	var version int
	var updatedBy string
	pol := &Policy{}
	err := row.Scan(&doc, &version, &updatedBy, &pol.CreatedAt, &pol.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, err
	}
	createdAt, updatedAt := pol.CreatedAt, pol.UpdatedAt
	// A corrupt document must not silently become an empty (fail-open) policy.
	if err := json.Unmarshal(doc, pol); err != nil {
		return nil, fmt.Errorf("corrupt policy document: %w", err)
	}
	pol.Version = version
	pol.UpdatedBy = updatedBy
	pol.CreatedAt, pol.UpdatedAt = createdAt, updatedAt
	return pol, nil
}

var _ Store = (*PostgresStore)(nil)
