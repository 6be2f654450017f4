package quota

import (
	"errors"
	"fmt"
	"time"

	"github.com/dmitrymomot/quotakit/pkg/plan"
)

var (
	// ErrQuotaExceeded is the sentinel matched by QuotaExceededError.
	// It is an expected, user-facing denial, never an infrastructure fault.
	ErrQuotaExceeded = errors.New("usage quota exceeded")

	// ErrQuotaNotFound is returned by ledger stores when no row exists for
	// the requested user and period.
	ErrQuotaNotFound = errors.New("usage quota row not found")

	// ErrConditionNotMatched is returned by ledger stores when the atomic
	// increment-with-ceiling matched zero rows.
	ErrConditionNotMatched = errors.New("conditional increment matched no quota row")

	ErrInvalidUsageType = errors.New("invalid usage type")
	ErrInvalidAmount    = errors.New("increment amount must be positive")

	// ErrCacheMiss is returned by CacheBackend implementations when a key is
	// absent. Any other cache error is treated as a miss too, but logged.
	ErrCacheMiss = errors.New("cache miss")
)

// DenialCode discriminates the two user-facing denial kinds, since the
// product messaging differs between them.
type DenialCode string

const (
	CodeQuotaExceeded     DenialCode = "QUOTA_EXCEEDED"
	CodeTrialLimitReached DenialCode = "TRIAL_LIMIT_REACHED"
)

// QuotaExceededError carries everything a client needs to render a denial:
// the limit, a reset date for "resets in N days" messaging, and an upgrade
// affordance. Remaining is always 0 on a denial. Matches ErrQuotaExceeded
// via errors.Is, keeping denial distinguishable from infrastructure errors
// at the type level.
type QuotaExceededError struct {
	Code       DenialCode     `json:"code"`
	UsageType  plan.UsageType `json:"usage_type"`
	Limit      int64          `json:"limit"`
	Remaining  int64          `json:"remaining"`
	ResetDate  time.Time      `json:"reset_date"`
	UpgradeURL string         `json:"upgrade_url,omitempty"`
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s: %s limit of %d reached, resets at %s",
		e.Code, e.UsageType, e.Limit, e.ResetDate.Format(time.RFC3339))
}

func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}
