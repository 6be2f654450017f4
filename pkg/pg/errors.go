package pg

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrFailedToParseConfig = errors.New("failed to parse postgres config")
	ErrFailedToConnect     = errors.New("failed to open postgres connection")
	ErrHealthcheckFailed   = errors.New("postgres healthcheck failed")
)

// IsNotFoundError reports whether err is pgx.ErrNoRows.
func IsNotFoundError(err error) bool {
	return err != nil && errors.Is(err, pgx.ErrNoRows)
}

// IsDuplicateKeyError reports a unique constraint violation (SQLSTATE 23505),
// the signal the ledger uses to resolve concurrent row creation.
func IsDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// IsCheckViolationError reports a CHECK constraint violation (SQLSTATE 23514).
// The counters table enforces used <= usage_limit at the schema level; this
// surfacing in logs means an increment bypassed the conditional update.
func IsCheckViolationError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23514"
}
