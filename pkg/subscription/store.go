package subscription

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/quotakit/pkg/plan"
)

// Store defines the interface for subscription persistence.
// Each user has exactly one subscription, so UserID serves as the primary key.
type Store interface {
	// Get retrieves a subscription by user ID, whatever its status.
	// Returns ErrSubscriptionNotFound if no subscription exists.
	Get(ctx context.Context, userID uuid.UUID) (*Subscription, error)

	// Save creates or updates a subscription keyed by UserID.
	Save(ctx context.Context, sub *Subscription) error

	// IncrementTrialUsage atomically adds amount to the trial counter for the
	// given usage type, scoped to a subscription that is still trialing with a
	// trial end after now, and only if the resulting counter would not exceed
	// ceiling. The whole check-then-commit must be a single storage-native
	// operation; a read-modify-write here would race under concurrency.
	//
	// Returns the new counter value on success. Returns ErrConditionNotMatched
	// when no row satisfied the filter, which the caller must disambiguate
	// between "no active trial" and "ceiling reached" via a follow-up Get.
	IncrementTrialUsage(ctx context.Context, userID uuid.UUID, usageType plan.UsageType, amount, ceiling int64, now time.Time) (int64, error)
}
