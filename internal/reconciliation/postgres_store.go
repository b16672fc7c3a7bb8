package reconciliation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/mbd888/guardrail/internal/amount"
)

// PostgresStore persists drift exceptions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the drift_exceptions table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS drift_exceptions (
			decision_id              VARCHAR(64) PRIMARY KEY,
			tenant_id                VARCHAR(128) NOT NULL,
			scope_key                VARCHAR(400) NOT NULL,
			expected_reserved_amount NUMERIC(20,6) NOT NULL,
			actual_delta_amount      NUMERIC(20,6),
			drift_amount             NUMERIC(20,6),
			tolerance_amount         NUMERIC(20,6) NOT NULL DEFAULT 0,
			status                   VARCHAR(16) NOT NULL,
			reconciled_at            TIMESTAMPTZ,
			notes                    TEXT NOT NULL DEFAULT '',
			resolved_by              VARCHAR(255) NOT NULL DEFAULT '',
			created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at               TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_drift_exceptions_tenant ON drift_exceptions(tenant_id, created_at DESC, decision_id DESC);
		CREATE INDEX IF NOT EXISTS idx_drift_exceptions_status ON drift_exceptions(tenant_id, status);
	`)
	return err
}

func (p *PostgresStore) Upsert(ctx context.Context, e *Exception) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO drift_exceptions (
			decision_id, tenant_id, scope_key, expected_reserved_amount, actual_delta_amount,
			drift_amount, tolerance_amount, status, reconciled_at, notes, resolved_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4::NUMERIC(20,6), $5::NUMERIC(20,6), $6::NUMERIC(20,6), $7::NUMERIC(20,6), $8, $9, $10, $11, $12, $13)
		ON CONFLICT (decision_id) DO UPDATE SET
			actual_delta_amount = EXCLUDED.actual_delta_amount,
			drift_amount        = EXCLUDED.drift_amount,
			tolerance_amount    = EXCLUDED.tolerance_amount,
			status              = EXCLUDED.status,
			reconciled_at       = EXCLUDED.reconciled_at,
			notes               = EXCLUDED.notes,
			resolved_by         = EXCLUDED.resolved_by,
			updated_at          = EXCLUDED.updated_at
		RETURNING created_at
	`, e.DecisionID, e.TenantID, e.ScopeKey, amount.Normalize(e.ExpectedReservedAmount),
		nullAmount(e.ActualDeltaAmount), nullAmount(e.DriftAmount), amount.Normalize(e.ToleranceAmount),
		string(e.Status), e.ReconciledAt, e.Notes, e.ResolvedBy, e.CreatedAt, e.UpdatedAt,
	).Scan(&e.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert drift exception: %w", err)
	}
	return nil
}

func (p *PostgresStore) RecordSignal(ctx context.Context, e *Exception) (bool, error) {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO drift_exceptions (
			decision_id, tenant_id, scope_key, expected_reserved_amount, actual_delta_amount,
			drift_amount, tolerance_amount, status, reconciled_at, notes, resolved_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4::NUMERIC(20,6), $5::NUMERIC(20,6), $6::NUMERIC(20,6), $7::NUMERIC(20,6), $8, $9, $10, $11, $12, $13)
		ON CONFLICT (decision_id) DO UPDATE SET
			actual_delta_amount = EXCLUDED.actual_delta_amount,
			drift_amount        = EXCLUDED.drift_amount,
			status              = EXCLUDED.status,
			notes               = EXCLUDED.notes,
			updated_at          = EXCLUDED.updated_at
		WHERE drift_exceptions.status = 'pending' AND drift_exceptions.reconciled_at IS NULL
		RETURNING created_at
	`, e.DecisionID, e.TenantID, e.ScopeKey, amount.Normalize(e.ExpectedReservedAmount),
		nullAmount(e.ActualDeltaAmount), nullAmount(e.DriftAmount), amount.Normalize(e.ToleranceAmount),
		string(e.Status), e.ReconciledAt, e.Notes, e.ResolvedBy, e.CreatedAt, e.UpdatedAt,
	).Scan(&e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("record cost signal: %w", err)
	}
	return true, nil
}

const exceptionColumns = `decision_id, tenant_id, scope_key, expected_reserved_amount, actual_delta_amount,
	drift_amount, tolerance_amount, status, reconciled_at, notes, resolved_by, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, decisionID string) (*Exception, error) {
	e, err := scanException(p.db.QueryRowContext(ctx,
		`SELECT `+exceptionColumns+` FROM drift_exceptions WHERE decision_id = $1`, decisionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExceptionNotFound
	}
	return e, err
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Exception, error) {
	where := []string{"tenant_id = $1"}
	args := []any{f.TenantID}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, pq.Array(statuses))
		where = append(where, "status = ANY($"+strconv.Itoa(len(args))+")")
	}
	if f.Cursor != nil {
		args = append(args, f.Cursor.CreatedAt, f.Cursor.DecisionID)
		where = append(where, fmt.Sprintf("(created_at, decision_id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit+1)

	rows, err := p.db.QueryContext(ctx, `SELECT `+exceptionColumns+` FROM drift_exceptions WHERE `+
		strings.Join(where, " AND ")+
		` ORDER BY created_at DESC, decision_id DESC LIMIT $`+strconv.Itoa(len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("list drift exceptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Exception
	for rows.Next() {
		e, err := scanException(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanException(row scanner) (*Exception, error) {
	var (
		e             Exception
		actual, drift sql.NullString
		status        string
		reconciledAt  sql.NullTime
	)
	err := row.Scan(&e.DecisionID, &e.TenantID, &e.ScopeKey, &e.ExpectedReservedAmount, &actual,
		&drift, &e.ToleranceAmount, &status, &reconciledAt, &e.Notes, &e.ResolvedBy, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Status = Status(status)
	e.ExpectedReservedAmount = amount.Normalize(e.ExpectedReservedAmount)
	e.ToleranceAmount = amount.Normalize(e.ToleranceAmount)
	if actual.Valid {
		v := amount.Normalize(actual.String)
		e.ActualDeltaAmount = &v
	}
	if drift.Valid {
		v := amount.Normalize(drift.String)
		e.DriftAmount = &v
	}
	if reconciledAt.Valid {
		t := reconciledAt.Time
		e.ReconciledAt = &t
	}
	return &e, nil
}

func nullAmount(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: amount.Normalize(*s), Valid: true}
}

var _ Store = (*PostgresStore)(nil)
