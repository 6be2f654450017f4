package subscription

import (
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/quotakit/pkg/plan"
)

// Subscription represents a user's subscription record.
// Each user has exactly one subscription at a time; UserID is the primary key.
//
// Trial usage counters live directly on the record, not in the usage ledger,
// so conversion and billing logic stays authoritative over trial state. The
// counters are monotonically non-decreasing and are mutated only through the
// store's conditional increment. Once the trial ends or the status moves away
// from "trialing" the trial fields become inert; they are never deleted.
type Subscription struct {
	UserID             uuid.UUID
	Plan               plan.Name
	Status             Status
	ProviderSubID      string // billing provider's subscription ID, opaque here
	ProviderCustomerID string
	TrialStartedAt     *time.Time
	TrialEndsAt        *time.Time
	TrialUsage         map[plan.UsageType]int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CancelledAt        *time.Time
}

// IsTrialing reports whether the subscription status is "trialing".
// Note that a trialing status alone does not mean the trial is active;
// use HasActiveTrialAt, which also checks the end date.
func (s *Subscription) IsTrialing() bool {
	return s.Status == StatusTrialing
}

// IsActive reports whether the subscription is active (paid).
func (s *Subscription) IsActive() bool {
	return s.Status == StatusActive
}

// HasActiveTrialAt reports whether the trial is in progress at the given
// instant. A stale "trialing" status past the trial end date is not active;
// this check must be applied on every read.
func (s *Subscription) HasActiveTrialAt(now time.Time) bool {
	if !s.IsTrialing() || s.TrialEndsAt == nil {
		return false
	}
	return s.TrialEndsAt.After(now)
}

// TrialUsedFor returns the trial counter for the given usage type.
func (s *Subscription) TrialUsedFor(usageType plan.UsageType) int64 {
	if s.TrialUsage == nil {
		return 0
	}
	return s.TrialUsage[usageType]
}

// TrialDaysRemainingAt returns the number of trial days left at a given time,
// rounded up so a partial day still reads as one day. Returns 0 when there is
// no active trial.
func (s *Subscription) TrialDaysRemainingAt(now time.Time) int {
	if !s.HasActiveTrialAt(now) {
		return 0
	}

	remaining := s.TrialEndsAt.Sub(now)
	days := remaining.Hours() / 24
	return int(days + 0.5)
}

// TrialDaysRemaining returns the number of trial days left.
func (s *Subscription) TrialDaysRemaining() int {
	return s.TrialDaysRemainingAt(time.Now().UTC())
}

// StartTrial initializes trial fields on a new subscription: trialing status,
// zeroed counters, and an end date at the fixed trial duration from start.
func (s *Subscription) StartTrial(now time.Time) {
	now = now.UTC()
	end := now.Add(plan.TrialDuration)

	s.Status = StatusTrialing
	s.TrialStartedAt = &now
	s.TrialEndsAt = &end
	s.TrialUsage = make(map[plan.UsageType]int64, len(plan.UsageTypes))
	for _, usageType := range plan.UsageTypes {
		s.TrialUsage[usageType] = 0
	}
}
