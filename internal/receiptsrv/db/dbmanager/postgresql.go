package dbmanager

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/stdlib"
	"github.com/lib/pq"
)

// sessionParams bound every statement so a stuck redemption cannot hold a verify call
// past its deadline.
var sessionParams = map[string]string{
	"lock_timeout":                        "5s",
	"statement_timeout":                   "5s",
	"idle_in_transaction_session_timeout": "5s",
}

// sessionSetStatements renders the SET statements applied to each new connection.
func sessionSetStatements() []string {
	stmts := make([]string, 0, len(sessionParams))
	for param, value := range sessionParams {
		stmts = append(stmts, fmt.Sprintf("SET %s = %s", pq.QuoteIdentifier(param), pq.QuoteLiteral(value)))
	}
	return stmts
}

func openPostgres(dsn string) (*sql.DB, error) {
	connConfig, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres dsn: %w", err)
	}

	afterConnect := stdlib.OptionAfterConnect(func(ctx context.Context, conn *pgx.Conn) error {
		for _, stmt := range sessionSetStatements() {
			if _, err := conn.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to apply %q: %w", stmt, err)
			}
		}
		return nil
	})
	sqlDB := stdlib.OpenDB(*connConfig, afterConnect)

	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	return sqlDB, nil
}
