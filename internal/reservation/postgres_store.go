package reservation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/guardrail/internal/amount"
)

// PostgresStore persists reservations in PostgreSQL. Transition is a
// conditional UPDATE on the current state, so concurrent closers race on
// a single row and exactly one sees a row affected.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed reservation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the reservations table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS reservations (
			decision_id                VARCHAR(64) PRIMARY KEY,
			tenant_id                  VARCHAR(128) NOT NULL,
			project_id                 VARCHAR(128) NOT NULL,
			environment                VARCHAR(128) NOT NULL,
			scope_key                  VARCHAR(400) NOT NULL,
			source                     VARCHAR(32) NOT NULL,
			action                     VARCHAR(255) NOT NULL DEFAULT '',
			resource_reference         TEXT NOT NULL DEFAULT '',
			decision                   VARCHAR(16) NOT NULL,
			reason_codes               TEXT[] NOT NULL DEFAULT '{}',
			reserved_allocation_amount NUMERIC(20,6) NOT NULL,
			reserved_credit_amount     NUMERIC(20,6) NOT NULL,
			reserved_total_amount      NUMERIC(20,6) NOT NULL,
			credit_draws               JSONB NOT NULL DEFAULT '[]',
			approved_by                VARCHAR(255) NOT NULL DEFAULT '',
			state                      VARCHAR(20) NOT NULL,
			created_at                 TIMESTAMPTZ NOT NULL,
			ttl_expires_at             TIMESTAMPTZ NOT NULL,
			resolved_at                TIMESTAMPTZ,
			updated_at                 TIMESTAMPTZ NOT NULL,
			CONSTRAINT chk_reservation_total CHECK (reserved_total_amount = reserved_allocation_amount + reserved_credit_amount),
			CONSTRAINT chk_reservation_nonneg CHECK (reserved_allocation_amount >= 0 AND reserved_credit_amount >= 0)
		);
		CREATE INDEX IF NOT EXISTS idx_reservations_tenant ON reservations(tenant_id, created_at DESC, decision_id DESC);
		CREATE INDEX IF NOT EXISTS idx_reservations_overdue ON reservations(ttl_expires_at) WHERE state = 'active';
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, r *Reservation) error {
	draws, err := json.Marshal(r.CreditDraws)
	if err != nil {
		return fmt.Errorf("marshal credit draws: %w", err)
	}
	if r.CreditDraws == nil {
		draws = []byte("[]")
	}
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO reservations (
			decision_id, tenant_id, project_id, environment, scope_key, source, action, resource_reference,
			decision, reason_codes, reserved_allocation_amount, reserved_credit_amount, reserved_total_amount,
			credit_draws, approved_by, state, created_at, ttl_expires_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::NUMERIC(20,6), $12::NUMERIC(20,6), $13::NUMERIC(20,6),
			$14, $15, $16, $17, $18, $19)
		ON CONFLICT (decision_id) DO NOTHING
	`, r.DecisionID, r.TenantID, r.ProjectID, r.Environment, r.ScopeKey, r.Source, r.Action, r.ResourceReference,
		r.Decision, pq.Array(r.ReasonCodes), amount.Normalize(r.ReservedAllocationAmount),
		amount.Normalize(r.ReservedCreditAmount), amount.Normalize(r.ReservedTotalAmount),
		draws, r.ApprovedBy, string(r.State), r.CreatedAt, r.TTLExpiresAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicateDecision
	}
	return nil
}

const reservationColumns = `decision_id, tenant_id, project_id, environment, scope_key, source, action, resource_reference,
	decision, reason_codes, reserved_allocation_amount, reserved_credit_amount, reserved_total_amount,
	credit_draws, approved_by, state, created_at, ttl_expires_at, resolved_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, decisionID string) (*Reservation, error) {
	r, err := scanReservation(p.db.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE decision_id = $1`, decisionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReservationNotFound
	}
	return r, err
}

func (p *PostgresStore) Transition(ctx context.Context, decisionID string, from, to State, at time.Time) (bool, error) {
	if !from.CanTransition(to) {
		return false, ErrInvalidState
	}
	var resolved sql.NullTime
	if to.IsTerminal() {
		resolved = sql.NullTime{Time: at, Valid: true}
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE reservations SET state = $3, resolved_at = COALESCE($4, resolved_at), updated_at = $5
		WHERE decision_id = $1 AND state = $2
	`, decisionID, string(from), string(to), resolved, at)
	if err != nil {
		return false, fmt.Errorf("transition reservation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := p.Get(ctx, decisionID); err != nil {
		return false, err
	}
	return false, nil
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Reservation, error) {
	where := []string{"tenant_id = $1"}
	args := []any{f.TenantID}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.ProjectID != "" {
		add("project_id = $%d", f.ProjectID)
	}
	if f.Environment != "" {
		add("environment = $%d", f.Environment)
	}
	if f.State != "" {
		add("state = $%d", string(f.State))
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

	return p.query(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE `+strings.Join(where, " AND ")+
		` ORDER BY created_at DESC, decision_id DESC LIMIT $`+strconv.Itoa(len(args)), args...)
}

func (p *PostgresStore) ListOverdue(ctx context.Context, tenantID string, cutoff time.Time, limit int) ([]*Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE state = 'active' AND ttl_expires_at < $1`
	args := []any{cutoff}
	if tenantID != "" {
		args = append(args, tenantID)
		query += ` AND tenant_id = $2`
	}
	args = append(args, limit)
	query += ` ORDER BY ttl_expires_at, decision_id LIMIT $` + strconv.Itoa(len(args))
	return p.query(ctx, query, args...)
}

func (p *PostgresStore) query(ctx context.Context, query string, args ...any) ([]*Reservation, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query reservations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReservation(row scanner) (*Reservation, error) {
	var (
		r          Reservation
		reasons    pq.StringArray
		draws      []byte
		state      string
		resolvedAt sql.NullTime
	)
	err := row.Scan(&r.DecisionID, &r.TenantID, &r.ProjectID, &r.Environment, &r.ScopeKey, &r.Source, &r.Action,
		&r.ResourceReference, &r.Decision, &reasons, &r.ReservedAllocationAmount, &r.ReservedCreditAmount,
		&r.ReservedTotalAmount, &draws, &r.ApprovedBy, &state, &r.CreatedAt, &r.TTLExpiresAt, &resolvedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.State = State(state)
	r.ReasonCodes = []string(reasons)
	if r.ReasonCodes == nil {
		r.ReasonCodes = []string{}
	}
	r.ReservedAllocationAmount = amount.Normalize(r.ReservedAllocationAmount)
	r.ReservedCreditAmount = amount.Normalize(r.ReservedCreditAmount)
	r.ReservedTotalAmount = amount.Normalize(r.ReservedTotalAmount)
	if len(draws) > 0 {
		if err := json.Unmarshal(draws, &r.CreditDraws); err != nil {
			return nil, fmt.Errorf("decode credit draws for %s: %w", r.DecisionID, err)
		}
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		r.ResolvedAt = &t
	}
	return &r, nil
}

var _ Store = (*PostgresStore)(nil)
