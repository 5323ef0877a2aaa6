// Package sqlstore implements the receipt and signing key stores over database/sql.
// Queries are written with ? placeholders and rebound for PostgreSQL.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgconn"
	"github.com/rs/zerolog/log"
	"github.com/tansive/receipts/internal/common/apperrors"
	"github.com/tansive/receipts/internal/receiptsrv/db/dberror"
	"github.com/tansive/receipts/internal/receiptsrv/db/dbmanager"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Store is a SQL-backed receipt and signing key store.
type Store struct {
	db      *sql.DB
	dialect dbmanager.Dialect
}

// New wraps an opened pool. Call Migrate before first use.
func New(pool *dbmanager.Pool) *Store {
	return &Store{db: pool.DB, dialect: pool.Dialect}
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	blob := "BLOB"
	if s.dialect == dbmanager.DialectPostgres {
		blob = "BYTEA"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS receipts (
			receipt_id  TEXT PRIMARY KEY,
			decision    TEXT NOT NULL,
			scope       TEXT NOT NULL,
			scope_ref   TEXT NOT NULL,
			scope_sha   TEXT NOT NULL,
			issued_at   BIGINT NOT NULL,
			expires_at  BIGINT NOT NULL,
			redeemed_at BIGINT,
			signature   TEXT,
			sig_alg     TEXT,
			key_id      TEXT,
			signed_at   BIGINT
		)`,
		`CREATE TABLE IF NOT EXISTS signing_keys (
			key_id      TEXT PRIMARY KEY,
			environment TEXT NOT NULL,
			algorithm   TEXT NOT NULL,
			public_key  ` + blob + ` NOT NULL,
			private_key ` + blob + `,
			status      TEXT NOT NULL CHECK (status IN ('active', 'rotated', 'revoked')),
			created_at  BIGINT NOT NULL,
			rotated_at  BIGINT,
			revoked_at  BIGINT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_signing_keys_one_active
			ON signing_keys (environment) WHERE status = 'active'`,
		`CREATE INDEX IF NOT EXISTS idx_receipts_key_id ON receipts (key_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("failed to migrate schema")
			return dberror.ErrDatabase.Err(err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != dbmanager.DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// isUniqueViolation reports whether err is a unique or primary key constraint failure.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		case sqlite3.SQLITE_CONSTRAINT:
			return strings.Contains(liteErr.Error(), "UNIQUE constraint failed")
		}
	}
	return false
}

// withTx runs fn in a transaction, rolling back when fn or commit fails.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) apperrors.Error) apperrors.Error {
	tx, errdb := s.db.BeginTx(ctx, &sql.TxOptions{})
	if errdb != nil {
		log.Ctx(ctx).Error().Err(errdb).Msg("failed to start transaction")
		return dberror.ErrDatabase.Err(errdb)
	}

	var txErr apperrors.Error
	defer func() {
		if txErr != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				log.Ctx(ctx).Error().Err(rollbackErr).Msg("failed to rollback transaction")
			}
		}
	}()

	if txErr = fn(tx); txErr != nil {
		return txErr
	}
	if err := tx.Commit(); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to commit transaction")
		return dberror.ErrDatabase.Err(err)
	}
	return nil
}
