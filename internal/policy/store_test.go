package policy

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_CRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Get(ctx, "acme")
	assert.ErrorIs(t, err, ErrPolicyNotFound)

	p := hardPolicy()
	require.NoError(t, s.Put(ctx, p))
	created := p.CreatedAt

	got, err := s.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)

	// Returned policies are copies.
	got.HardDenyAboveMonthlyUSD = 1
	again, _ := s.Get(ctx, "acme")
	assert.Equal(t, 5000.0, again.HardDenyAboveMonthlyUSD)

	require.NoError(t, s.Put(ctx, p))
	assert.Equal(t, 2, p.Version)
	assert.Equal(t, created, p.CreatedAt)

	require.NoError(t, s.Put(ctx, DefaultPolicy("beta")))
	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "acme", list[0].TenantID)

	require.NoError(t, s.Delete(ctx, "acme"))
	assert.ErrorIs(t, s.Delete(ctx, "acme"), ErrPolicyNotFound)
}

func TestPostgresStore_Put(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO tenant_policies`)).
		WithArgs("acme", sqlmock.AnyArg(), "alice").
		WillReturnRows(sqlmock.NewRows([]string{"version", "created_at", "updated_at"}).AddRow(3, now, now))

	p := hardPolicy()
	p.UpdatedBy = "alice"
	require.NoError(t, NewPostgresStore(db).Put(context.Background(), p))
	assert.Equal(t, 3, p.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	doc := `{"tenantId":"acme","defaultMode":"soft","hardDenyAboveMonthlyUsd":5000}`
	mock.ExpectQuery(regexp.QuoteMeta(`FROM tenant_policies WHERE tenant_id = $1`)).
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"document", "version", "updated_by", "created_at", "updated_at"}).
			AddRow([]byte(doc), 4, "bob", now, now))

	p, err := NewPostgresStore(db).Get(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, ModeSoft, p.DefaultMode)
	assert.Equal(t, 4, p.Version)
	assert.Equal(t, "bob", p.UpdatedBy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM tenant_policies WHERE tenant_id = $1`)).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err = NewPostgresStore(db).Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrPolicyNotFound)
}

func TestPostgresStore_GetCorruptDocument(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM tenant_policies WHERE tenant_id = $1`)).
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"document", "version", "updated_by", "created_at", "updated_at"}).
			AddRow([]byte(`{not json`), 1, "", now, now))

	_, err = NewPostgresStore(db).Get(context.Background(), "acme")
	assert.ErrorContains(t, err, "corrupt policy document")
}

func TestPostgresStore_DeleteMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM tenant_policies`)).
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, NewPostgresStore(db).Delete(context.Background(), "ghost"), ErrPolicyNotFound)
}
