package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/guardrail/internal/amount"
)

// PostgresStore implements Store with PostgreSQL. The account row's
// version column is the CAS token; credits and journal entries are
// written in the same transaction as the version bump.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables with NUMERIC columns
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_accounts (
			scope_key       VARCHAR(400) PRIMARY KEY,
			tenant_id       VARCHAR(128) NOT NULL,
			has_budget      BOOLEAN NOT NULL DEFAULT FALSE,
			monthly_limit   NUMERIC(20,6) NOT NULL DEFAULT 0,
			reserved        NUMERIC(20,6) NOT NULL DEFAULT 0,
			spent           NUMERIC(20,6) NOT NULL DEFAULT 0,
			period          VARCHAR(7) NOT NULL DEFAULT '',
			active          BOOLEAN NOT NULL DEFAULT FALSE,
			version         BIGINT NOT NULL,
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_reserved_nonneg CHECK (reserved >= 0),
			CONSTRAINT chk_spent_nonneg    CHECK (spent >= 0)
		);
		CREATE INDEX IF NOT EXISTS idx_ledger_accounts_tenant ON ledger_accounts(tenant_id);

		CREATE TABLE IF NOT EXISTS ledger_credits (
			id               VARCHAR(64) PRIMARY KEY,
			scope_key        VARCHAR(400) NOT NULL REFERENCES ledger_accounts(scope_key),
			total_amount     NUMERIC(20,6) NOT NULL,
			remaining_amount NUMERIC(20,6) NOT NULL,
			expires_at       TIMESTAMPTZ,
			reason           TEXT NOT NULL DEFAULT '',
			active           BOOLEAN NOT NULL DEFAULT TRUE,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_credit_remaining CHECK (remaining_amount >= 0 AND remaining_amount <= total_amount)
		);
		CREATE INDEX IF NOT EXISTS idx_ledger_credits_scope ON ledger_credits(scope_key);

		CREATE TABLE IF NOT EXISTS ledger_entries (
			id          VARCHAR(64) PRIMARY KEY,
			scope_key   VARCHAR(400) NOT NULL,
			type        VARCHAR(32) NOT NULL,
			amount      NUMERIC(20,6) NOT NULL,
			reference   VARCHAR(255),
			version     BIGINT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_ledger_entries_scope ON ledger_entries(scope_key, created_at DESC);
	`)
	return err
}

const accountColumns = `scope_key, tenant_id, has_budget, monthly_limit, reserved, spent, period, active, version, updated_at`

func (p *PostgresStore) GetAccount(ctx context.Context, scopeKey string) (*Account, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	acct, err := scanAccount(tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM ledger_accounts WHERE scope_key = $1`, scopeKey))
	if err != nil {
		return nil, err
	}
	if acct.Credits, err = queryCredits(ctx, tx, scopeKey); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return acct, nil
}

func (p *PostgresStore) CompareAndSwap(ctx context.Context, expectedVersion int64, next *Account, entry *Entry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	b := next.Budget
	hasBudget := b != nil
	if b == nil {
		b = &Budget{}
	}
	args := []any{
		next.ScopeKey, next.TenantID, hasBudget,
		amount.Normalize(b.MonthlyLimit), amount.Normalize(b.Reserved), amount.Normalize(b.Spent),
		b.Period, b.Active, expectedVersion,
	}

	var res sql.Result
	if expectedVersion == 0 {
		res, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_accounts (scope_key, tenant_id, has_budget, monthly_limit, reserved, spent, period, active, version, updated_at)
			VALUES ($1, $2, $3, $4::NUMERIC(20,6), $5::NUMERIC(20,6), $6::NUMERIC(20,6), $7, $8, $9 + 1, NOW())
			ON CONFLICT (scope_key) DO NOTHING
		`, args...)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE ledger_accounts SET
				tenant_id = $2, has_budget = $3,
				monthly_limit = $4::NUMERIC(20,6), reserved = $5::NUMERIC(20,6), spent = $6::NUMERIC(20,6),
				period = $7, active = $8, version = version + 1, updated_at = NOW()
			WHERE scope_key = $1 AND version = $9
		`, args...)
	}
	if err != nil {
		return fmt.Errorf("write account: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrLedgerConflict
	}

	for _, c := range next.Credits {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_credits (id, scope_key, total_amount, remaining_amount, expires_at, reason, active, created_at)
			VALUES ($1, $2, $3::NUMERIC(20,6), $4::NUMERIC(20,6), $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET remaining_amount = EXCLUDED.remaining_amount, active = EXCLUDED.active
		`, c.ID, next.ScopeKey, amount.Normalize(c.TotalAmount), amount.Normalize(c.RemainingAmount),
			nullTime(c.ExpiresAt), c.Reason, c.Active, c.CreatedAt)
		if err != nil {
			return fmt.Errorf("write credit %s: %w", c.ID, err)
		}
	}

	if entry != nil {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, scope_key, type, amount, reference, version, created_at)
			VALUES ($1, $2, $3, $4::NUMERIC(20,6), $5, $6, $7)
		`, entry.ID, next.ScopeKey, string(entry.Type), amount.Normalize(entry.Amount),
			nullString(entry.Reference), expectedVersion+1, entry.CreatedAt)
		if err != nil {
			return fmt.Errorf("write entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	next.Version = expectedVersion + 1
	return nil
}

func (p *PostgresStore) ListAccounts(ctx context.Context, tenantID string) ([]*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM ledger_accounts`
	var args []any
	if tenantID != "" {
		query += ` WHERE tenant_id = $1`
		args = append(args, tenantID)
	}
	query += ` ORDER BY scope_key`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, acct := range out {
		if acct.Credits, err = queryCredits(ctx, p.db, acct.ScopeKey); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *PostgresStore) ListEntries(ctx context.Context, scopeKey string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, scope_key, type, amount, COALESCE(reference, ''), version, created_at
		FROM ledger_entries WHERE scope_key = $1
		ORDER BY created_at DESC, version DESC
		LIMIT $2
	`, scopeKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*Entry{}
	for rows.Next() {
		var e Entry
		var typ string
		if err := rows.Scan(&e.ID, &e.ScopeKey, &typ, &e.Amount, &e.Reference, &e.Version, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EntryType(typ)
		e.Amount = amount.Normalize(e.Amount)
		out = append(out, &e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func scanAccount(row scanner) (*Account, error) {
	var (
		acct      Account
		hasBudget bool
		b         Budget
	)
	err := row.Scan(&acct.ScopeKey, &acct.TenantID, &hasBudget,
		&b.MonthlyLimit, &b.Reserved, &b.Spent, &b.Period, &b.Active,
		&acct.Version, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScopeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	if hasBudget {
		b.MonthlyLimit = amount.Normalize(b.MonthlyLimit)
		b.Reserved = amount.Normalize(b.Reserved)
		b.Spent = amount.Normalize(b.Spent)
		acct.Budget = &b
	}
	acct.Credits = []*Credit{}
	return &acct, nil
}

func queryCredits(ctx context.Context, q querier, scopeKey string) ([]*Credit, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, scope_key, total_amount, remaining_amount, expires_at, reason, active, created_at
		FROM ledger_credits WHERE scope_key = $1
		ORDER BY created_at, id
	`, scopeKey)
	if err != nil {
		return nil, fmt.Errorf("query credits: %w", err)
	}
	defer func() { _ = rows.Close() }()

	credits := []*Credit{}
	for rows.Next() {
		var c Credit
		var expires sql.NullTime
		if err := rows.Scan(&c.ID, &c.ScopeKey, &c.TotalAmount, &c.RemainingAmount, &expires, &c.Reason, &c.Active, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credit: %w", err)
		}
		c.TotalAmount = amount.Normalize(c.TotalAmount)
		c.RemainingAmount = amount.Normalize(c.RemainingAmount)
		if expires.Valid {
			t := expires.Time
			c.ExpiresAt = &t
		}
		credits = append(credits, &c)
	}
	return credits, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
