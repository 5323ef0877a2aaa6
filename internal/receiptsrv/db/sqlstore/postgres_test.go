package sqlstore

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tansive/receipts/internal/receiptsrv/db/dberror"
	"github.com/tansive/receipts/internal/receiptsrv/db/dbmanager"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return New(&dbmanager.Pool{DB: sqlDB, Dialect: dbmanager.DialectPostgres}), mock
}

func TestRebind(t *testing.T) {
	pg := &Store{dialect: dbmanager.DialectPostgres}
	lite := &Store{dialect: dbmanager.DialectSQLite}
	q := "UPDATE t SET a = ? WHERE b = ? AND c IS NULL"
	assert.Equal(t, "UPDATE t SET a = $1 WHERE b = $2 AND c IS NULL", pg.rebind(q))
	assert.Equal(t, q, lite.rebind(q))
}

func TestPostgresConditionalSetRedeemed(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	at := t0

	redeem := regexp.QuoteMeta("UPDATE receipts SET redeemed_at = $1 WHERE receipt_id = $2 AND redeemed_at IS NULL")

	mock.ExpectExec(redeem).
		WithArgs(at.UnixMilli(), "rcpt_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := s.ConditionalSetRedeemed(ctx, "rcpt_1", at)
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec(redeem).
		WithArgs(at.UnixMilli(), "rcpt_1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM receipts WHERE receipt_id = $1")).
		WithArgs("rcpt_1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	ok, err = s.ConditionalSetRedeemed(ctx, "rcpt_1", at)
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectExec(redeem).
		WithArgs(at.UnixMilli(), "rcpt_2").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM receipts WHERE receipt_id = $1")).
		WithArgs("rcpt_2").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
	_, err = s.ConditionalSetRedeemed(ctx, "rcpt_2", at)
	assert.ErrorIs(t, err, dberror.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateReceiptUniqueViolation(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO receipts")).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "receipts_pkey"})

	err := s.CreateReceipt(context.Background(), testReceipt("rcpt_dup"))
	assert.ErrorIs(t, err, dberror.ErrAlreadyExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRotateRollsBackOnFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM signing_keys WHERE key_id = $1")).
		WithArgs("k2").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE signing_keys")).
		WithArgs(t0.UnixMilli(), "prod").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO signing_keys")).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "idx_signing_keys_one_active"})
	mock.ExpectRollback()

	err := s.RotateSigningKey(context.Background(), testKey("k2", "prod"), t0)
	assert.ErrorIs(t, err, dberror.ErrConcurrentEdit)
	assert.NoError(t, mock.ExpectationsWereMet())
}
