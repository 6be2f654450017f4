package quota

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/quotakit/pkg/period"
	"github.com/dmitrymomot/quotakit/pkg/plan"
)

type ledgerKey struct {
	userID    uuid.UUID
	periodKey string
}

// MemoryLedger is an in-memory LedgerStore for tests and local development.
// A single mutex stands in for the storage-native atomicity of the real
// implementations.
type MemoryLedger struct {
	mu   sync.RWMutex
	rows map[ledgerKey]*UsageQuota
}

// NewMemoryLedger returns an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{rows: make(map[ledgerKey]*UsageQuota)}
}

func cloneRow(row *UsageQuota) *UsageQuota {
	cp := *row
	cp.Usage = maps.Clone(row.Usage)
	return &cp
}

// FindCurrent returns the row for the period containing now.
func (l *MemoryLedger) FindCurrent(ctx context.Context, userID uuid.UUID, now time.Time) (*UsageQuota, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	row, ok := l.rows[ledgerKey{userID: userID, periodKey: period.Key(now)}]
	if !ok {
		return nil, ErrQuotaNotFound
	}
	return cloneRow(row), nil
}

// Create inserts the row unless one already exists, returning the stored row.
func (l *MemoryLedger) Create(ctx context.Context, row *UsageQuota) (*UsageQuota, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := ledgerKey{userID: row.UserID, periodKey: row.PeriodKey}
	if existing, ok := l.rows[key]; ok {
		return cloneRow(existing), nil
	}

	l.rows[key] = cloneRow(row)
	return cloneRow(row), nil
}

// IncrementWithCeiling applies the conditional increment under the lock.
func (l *MemoryLedger) IncrementWithCeiling(ctx context.Context, userID uuid.UUID, periodKey string, usageType plan.UsageType, amount int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	row, ok := l.rows[ledgerKey{userID: userID, periodKey: periodKey}]
	if !ok {
		return 0, ErrConditionNotMatched
	}

	counter := row.Usage[usageType]
	if counter.Used+amount > counter.Limit {
		return 0, ErrConditionNotMatched
	}

	counter.Used += amount
	row.Usage[usageType] = counter
	return counter.Used, nil
}

// Sync overwrites used counters and LastSyncedAt from the given row.
func (l *MemoryLedger) Sync(ctx context.Context, syncRow *UsageQuota) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := ledgerKey{userID: syncRow.UserID, periodKey: syncRow.PeriodKey}
	row, ok := l.rows[key]
	if !ok {
		l.rows[key] = cloneRow(syncRow)
		return nil
	}

	for usageType, counter := range syncRow.Usage {
		stored := row.Usage[usageType]
		stored.Used = counter.Used
		row.Usage[usageType] = stored
	}
	row.LastSyncedAt = syncRow.LastSyncedAt
	return nil
}
