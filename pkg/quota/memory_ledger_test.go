package quota_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/quotakit/pkg/period"
	"github.com/dmitrymomot/quotakit/pkg/plan"
	"github.com/dmitrymomot/quotakit/pkg/quota"
)

func TestMemoryLedgerIncrementWithCeiling(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, time.August, 15, 12, 0, 0, 0, time.UTC)

	t.Run("increments under the ceiling", func(t *testing.T) {
		t.Parallel()

		ledger := quota.NewMemoryLedger()
		row := quota.NewQuotaRow(uuid.New(), plan.DefaultCatalog()[plan.Starter], now)
		_, err := ledger.Create(context.Background(), row)
		require.NoError(t, err)

		newUsed, err := ledger.IncrementWithCeiling(context.Background(), row.UserID, row.PeriodKey, plan.UsageTemplateGeneration, 10)
		require.NoError(t, err)
		assert.EqualValues(t, 10, newUsed)

		_, err = ledger.IncrementWithCeiling(context.Background(), row.UserID, row.PeriodKey, plan.UsageTemplateGeneration, 1)
		assert.ErrorIs(t, err, quota.ErrConditionNotMatched)
	})

	t.Run("missing row", func(t *testing.T) {
		t.Parallel()

		ledger := quota.NewMemoryLedger()
		_, err := ledger.IncrementWithCeiling(context.Background(), uuid.New(), period.Key(now), plan.UsageTemplateGeneration, 1)
		assert.ErrorIs(t, err, quota.ErrConditionNotMatched)
	})

	t.Run("counter the row never granted is denied", func(t *testing.T) {
		t.Parallel()

		// A row created before a usage type existed has no counter for it.
		// The increment must be denied, not create an unbounded counter.
		userID := uuid.New()
		start, end := period.Boundaries(now)
		row := &quota.UsageQuota{
			UserID:      userID,
			PeriodKey:   period.Key(now),
			PeriodStart: start,
			PeriodEnd:   end,
			Plan:        plan.Starter,
			Usage: map[plan.UsageType]quota.Counter{
				plan.UsageTemplateGeneration: {Used: 0, Limit: 10},
			},
		}

		ledger := quota.NewMemoryLedger()
		_, err := ledger.Create(context.Background(), row)
		require.NoError(t, err)

		_, err = ledger.IncrementWithCeiling(context.Background(), userID, row.PeriodKey, plan.UsageImageGeneration, 1)
		assert.ErrorIs(t, err, quota.ErrConditionNotMatched)

		stored, err := ledger.FindCurrent(context.Background(), userID, now)
		require.NoError(t, err)
		_, exists := stored.Usage[plan.UsageImageGeneration]
		assert.False(t, exists)
	})
}
