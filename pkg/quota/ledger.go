package quota

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/quotakit/pkg/period"
	"github.com/dmitrymomot/quotakit/pkg/plan"
)

// UsageQuota is the system-of-record row for one user's paid-plan usage in
// one calendar-month period. Rows are created lazily on the first check or
// increment within a period and never deleted; old periods remain as the
// usage-history record.
//
// Invariant: Used <= Limit for every counter after every committed increment.
// Stores enforce this through their atomic increment primitive, never through
// application-level read-then-write.
type UsageQuota struct {
	UserID       uuid.UUID                  `json:"user_id"`
	PeriodKey    string                     `json:"period_key"`
	PeriodStart  time.Time                  `json:"period_start"`
	PeriodEnd    time.Time                  `json:"period_end"`
	Plan         plan.Name                  `json:"plan"` // snapshot at period start
	Usage        map[plan.UsageType]Counter `json:"usage"`
	LastSyncedAt time.Time                  `json:"last_synced_at"`
}

// CounterFor returns the counter for the given usage type.
func (q *UsageQuota) CounterFor(usageType plan.UsageType) Counter {
	if q.Usage == nil {
		return Counter{}
	}
	return q.Usage[usageType]
}

// NewQuotaRow builds a zeroed ledger row for the period containing now, with
// limits snapshotted from the resolved plan.
func NewQuotaRow(userID uuid.UUID, limits plan.Limits, now time.Time) *UsageQuota {
	start, end := period.Boundaries(now)

	usage := make(map[plan.UsageType]Counter, len(plan.UsageTypes))
	for _, usageType := range plan.UsageTypes {
		usage[usageType] = Counter{Used: 0, Limit: limits.LimitFor(usageType)}
	}

	return &UsageQuota{
		UserID:       userID,
		PeriodKey:    period.Key(now),
		PeriodStart:  start,
		PeriodEnd:    end,
		Plan:         limits.Plan,
		Usage:        usage,
		LastSyncedAt: now.UTC(),
	}
}

// LedgerStore is the durable store for UsageQuota rows. Implementations must
// provide the atomic increment-with-ceiling primitive; everything else in the
// engine's correctness story leans on it.
type LedgerStore interface {
	// FindCurrent returns the row whose period contains now.
	// Returns ErrQuotaNotFound when absent.
	FindCurrent(ctx context.Context, userID uuid.UUID, now time.Time) (*UsageQuota, error)

	// Create inserts the row if no row exists for (UserID, PeriodKey) and
	// returns the stored row. On a concurrent create it returns the existing
	// row rather than an error, so lazy creation is race-free.
	Create(ctx context.Context, row *UsageQuota) (*UsageQuota, error)

	// IncrementWithCeiling atomically adds amount to the counter for the
	// given usage type, only if used+amount <= limit on the stored row.
	// Returns the new used value, or ErrConditionNotMatched when the ceiling
	// (or a missing row) prevented the update.
	IncrementWithCeiling(ctx context.Context, userID uuid.UUID, periodKey string, usageType plan.UsageType, amount int64) (int64, error)

	// Sync overwrites the stored used counters and LastSyncedAt from the
	// given row. It is idempotent: flushing the same snapshot twice leaves
	// the row unchanged after the first flush.
	Sync(ctx context.Context, row *UsageQuota) error
}
