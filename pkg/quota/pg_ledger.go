package quota

import (
	"context"
	"embed"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/dmitrymomot/quotakit/pkg/plan"
)

//go:embed migrations/*.sql
var ledgerMigrations embed.FS

// MigratePostgresLedger applies the ledger schema migrations embedded in
// this package. Call once at startup before using PostgresLedger.
func MigratePostgresLedger(ctx context.Context, pool *pgxpool.Pool) error {
	// goose speaks database/sql; bridge the pgx pool without a second
	// connection set.
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close() //nolint:errcheck

	goose.SetBaseFS(ledgerMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations")
}

// PostgresLedger implements LedgerStore on PostgreSQL. The increment relies
// on a single conditional UPDATE, so row-level locking gives the same
// no-overshoot guarantee as the Mongo implementation.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger returns a LedgerStore backed by the given pool.
func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

// FindCurrent returns the row whose period window contains now.
func (l *PostgresLedger) FindCurrent(ctx context.Context, userID uuid.UUID, now time.Time) (*UsageQuota, error) {
	row := &UsageQuota{UserID: userID, Usage: make(map[plan.UsageType]Counter)}

	err := l.pool.QueryRow(ctx, `
		SELECT period_key, period_start, period_end, plan, last_synced_at
		FROM usage_quotas
		WHERE user_id = $1 AND period_start <= $2 AND period_end >= $2`,
		userID, now.UTC(),
	).Scan(&row.PeriodKey, &row.PeriodStart, &row.PeriodEnd, &row.Plan, &row.LastSyncedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrQuotaNotFound
		}
		return nil, err
	}

	rows, err := l.pool.Query(ctx, `
		SELECT usage_type, used, usage_limit
		FROM usage_counters
		WHERE user_id = $1 AND period_key = $2`,
		userID, row.PeriodKey,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var usageType plan.UsageType
		var counter Counter
		if err := rows.Scan(&usageType, &counter.Used, &counter.Limit); err != nil {
			return nil, err
		}
		row.Usage[usageType] = counter
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return row, nil
}

// Create inserts the row and its counters; a concurrent create resolves to
// the existing row via ON CONFLICT DO NOTHING plus a read-back.
func (l *PostgresLedger) Create(ctx context.Context, row *UsageQuota) (*UsageQuota, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		INSERT INTO usage_quotas (user_id, period_key, period_start, period_end, plan, last_synced_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, period_key) DO NOTHING`,
		row.UserID, row.PeriodKey, row.PeriodStart, row.PeriodEnd, string(row.Plan), row.LastSyncedAt,
	)
	if err != nil {
		return nil, err
	}

	if tag.RowsAffected() > 0 {
		for usageType, counter := range row.Usage {
			if _, err := tx.Exec(ctx, `
				INSERT INTO usage_counters (user_id, period_key, usage_type, used, usage_limit)
				VALUES ($1, $2, $3, $4, $5)`,
				row.UserID, row.PeriodKey, string(usageType), counter.Used, counter.Limit,
			); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	if tag.RowsAffected() > 0 {
		return row, nil
	}
	// Lost the create race; the winner's row is authoritative.
	return l.FindCurrent(ctx, row.UserID, row.PeriodStart)
}

// IncrementWithCeiling performs the atomic check-then-commit as one
// conditional UPDATE.
func (l *PostgresLedger) IncrementWithCeiling(ctx context.Context, userID uuid.UUID, periodKey string, usageType plan.UsageType, amount int64) (int64, error) {
	var newUsed int64
	err := l.pool.QueryRow(ctx, `
		UPDATE usage_counters
		SET used = used + $4
		WHERE user_id = $1 AND period_key = $2 AND usage_type = $3 AND used + $4 <= usage_limit
		RETURNING used`,
		userID, periodKey, string(usageType), amount,
	).Scan(&newUsed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrConditionNotMatched
		}
		return 0, err
	}
	return newUsed, nil
}

// Sync overwrites the stored used counters and LastSyncedAt.
func (l *PostgresLedger) Sync(ctx context.Context, row *UsageQuota) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		UPDATE usage_quotas SET last_synced_at = $3
		WHERE user_id = $1 AND period_key = $2`,
		row.UserID, row.PeriodKey, row.LastSyncedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrQuotaNotFound
	}

	for usageType, counter := range row.Usage {
		if _, err := tx.Exec(ctx, `
			UPDATE usage_counters SET used = $4
			WHERE user_id = $1 AND period_key = $2 AND usage_type = $3`,
			row.UserID, row.PeriodKey, string(usageType), counter.Used,
		); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}
