package subscription

import "errors"

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrNoActiveTrial is returned when trial usage is read or incremented but
	// the user has no trial in progress (never started, expired, or converted
	// concurrently). Callers are expected to re-resolve the plan and retry the
	// paid path rather than surface this to the end user.
	ErrNoActiveTrial = errors.New("no active trial")

	// ErrTrialLimitReached is the sentinel matched by TrialLimitError.
	ErrTrialLimitReached = errors.New("trial usage limit reached")

	// ErrConditionNotMatched is returned by stores when a conditional trial
	// increment matched zero rows. It is ambiguous between "trial gone" and
	// "ceiling hit"; TrialService disambiguates with a follow-up read.
	ErrConditionNotMatched = errors.New("conditional update matched no subscription")

	ErrInvalidUsageType = errors.New("invalid usage type")
	ErrInvalidAmount    = errors.New("increment amount must be positive")
)
