package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/quotakit/pkg/plan"
)

// TrialCheck is the result of a read-only trial usage check.
type TrialCheck struct {
	Allowed    bool
	Used       int64
	Limit      int64
	Remaining  int64
	Percentage int
	ResetDate  time.Time // trial end, not a calendar period boundary
}

// TrialLimitError is returned when a trial increment would exceed the fixed
// trial allowance. Matches ErrTrialLimitReached via errors.Is.
type TrialLimitError struct {
	UsageType plan.UsageType
	Used      int64
	Limit     int64
	ResetDate time.Time
}

func (e *TrialLimitError) Error() string {
	return fmt.Sprintf("trial limit reached for %s: %d/%d used", e.UsageType, e.Used, e.Limit)
}

func (e *TrialLimitError) Is(target error) bool {
	return target == ErrTrialLimitReached
}

// TrialServiceOption configures a TrialService.
type TrialServiceOption func(*TrialService)

// WithTrialLimits overrides the default fixed trial allowance.
func WithTrialLimits(limits plan.Limits) TrialServiceOption {
	return func(s *TrialService) { s.limits = limits }
}

// WithTrialClock injects a clock, used by tests to pin trial expiry.
func WithTrialClock(now func() time.Time) TrialServiceOption {
	return func(s *TrialService) {
		if now != nil {
			s.now = now
		}
	}
}

// TrialService answers trial usage questions against the subscription store.
// Trial counters are deliberately not cached: the subscription record stays
// authoritative for conversion and billing logic.
type TrialService struct {
	store  Store
	limits plan.Limits
	now    func() time.Time
}

// NewTrialService creates a TrialService. Panics on a nil store to fail fast
// during initialization.
func NewTrialService(store Store, opts ...TrialServiceOption) *TrialService {
	if store == nil {
		panic("subscription: Store is required")
	}

	s := &TrialService{
		store:  store,
		limits: plan.TrialLimits(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Limits returns the fixed trial allowance this service enforces.
func (s *TrialService) Limits() plan.Limits {
	return s.limits
}

// GetActiveTrial returns the subscription if the user's trial is in progress
// right now. The recency check is applied on every call: a stale "trialing"
// status past its end date yields ErrNoActiveTrial, never an active trial.
func (s *TrialService) GetActiveTrial(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	sub, err := s.store.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return nil, ErrNoActiveTrial
		}
		return nil, err
	}

	if !sub.HasActiveTrialAt(s.now()) {
		return nil, ErrNoActiveTrial
	}

	return sub, nil
}

// CheckUsage is a pure read derived from GetActiveTrial: whether amount more
// units of the given type fit in the trial allowance.
func (s *TrialService) CheckUsage(ctx context.Context, userID uuid.UUID, usageType plan.UsageType, amount int64) (TrialCheck, error) {
	if !usageType.Valid() {
		return TrialCheck{}, ErrInvalidUsageType
	}

	sub, err := s.GetActiveTrial(ctx, userID)
	if err != nil {
		return TrialCheck{}, err
	}

	used := sub.TrialUsedFor(usageType)
	limit := s.limits.LimitFor(usageType)

	return TrialCheck{
		Allowed:    used+amount <= limit,
		Used:       used,
		Limit:      limit,
		Remaining:  max(0, limit-used),
		Percentage: usagePercentage(used, limit),
		ResetDate:  *sub.TrialEndsAt,
	}, nil
}

// IncrementUsage commits amount units against the trial allowance through the
// store's atomic increment-with-ceiling. On a zero-match it disambiguates:
// trial gone concurrently yields ErrNoActiveTrial (caller re-routes to the
// paid path), ceiling hit yields a TrialLimitError.
func (s *TrialService) IncrementUsage(ctx context.Context, userID uuid.UUID, usageType plan.UsageType, amount int64) (int64, error) {
	if !usageType.Valid() {
		return 0, ErrInvalidUsageType
	}
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	now := s.now()
	limit := s.limits.LimitFor(usageType)

	newUsed, err := s.store.IncrementTrialUsage(ctx, userID, usageType, amount, limit, now)
	if err == nil {
		return newUsed, nil
	}
	if !errors.Is(err, ErrConditionNotMatched) {
		return 0, err
	}

	sub, getErr := s.store.Get(ctx, userID)
	if getErr != nil || !sub.HasActiveTrialAt(now) {
		return 0, ErrNoActiveTrial
	}

	return 0, &TrialLimitError{
		UsageType: usageType,
		Used:      sub.TrialUsedFor(usageType),
		Limit:     limit,
		ResetDate: *sub.TrialEndsAt,
	}
}

// usagePercentage returns used/limit as 0-100, capped at 100.
func usagePercentage(used, limit int64) int {
	if limit <= 0 {
		return 100
	}
	return min(int((used*100)/limit), 100)
}
