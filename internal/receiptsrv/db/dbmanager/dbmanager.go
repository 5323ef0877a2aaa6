// Package dbmanager opens and configures the database connection pools used by the receipt store.
package dbmanager

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Dialect identifies the SQL flavour behind a pool.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Pool is an opened database together with its dialect.
type Pool struct {
	DB      *sql.DB
	Dialect Dialect
}

// Open creates a connection pool for the given driver and verifies it with a ping.
func Open(ctx context.Context, driver string, dsn string) (*Pool, error) {
	var (
		db  *sql.DB
		err error
	)
	switch Dialect(driver) {
	case DialectPostgres:
		db, err = openPostgres(dsn)
	case DialectSQLite:
		db, err = openSQLite(dsn)
	default:
		return nil, fmt.Errorf("unsupported db driver: %s", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		log.Ctx(ctx).Error().Err(err).Str("driver", driver).Msg("failed to ping db")
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Pool{DB: db, Dialect: Dialect(driver)}, nil
}
