package quota

import (
	"time"

	"github.com/dmitrymomot/quotakit/pkg/plan"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

// Counter is a used/limit pair for one usage type.
type Counter struct {
	Used  int64 `json:"used" bson:"used"`
	Limit int64 `json:"limit" bson:"limit"`
}

// UsageCheckResult is the outcome of a pre-flight usage check.
// It is advisory only: a true Allowed does not reserve quota, and the
// subsequent increment remains the authoritative gate.
type UsageCheckResult struct {
	Allowed     bool      `json:"allowed"`
	Used        int64     `json:"used"`
	Limit       int64     `json:"limit"`
	Remaining   int64     `json:"remaining"`
	Percentage  int       `json:"percentage"`
	ResetDate   time.Time `json:"reset_date"`
	IsTrialUser bool      `json:"is_trial_user"`
}

// UsageStats aggregates everything an account/usage dashboard needs.
// Trial is nil for paid users; Quota is nil for trial users.
type UsageStats struct {
	Trial         *subscription.Subscription `json:"trial,omitempty"`
	Quota         *UsageQuota                `json:"quota,omitempty"`
	Limits        plan.Limits                `json:"limits"`
	TemplateUsage UsageCheckResult           `json:"template_usage"`
	ImageUsage    UsageCheckResult           `json:"image_usage"`
}

// usagePercentage returns used/limit as 0-100, capped at 100.
func usagePercentage(used, limit int64) int {
	if limit <= 0 {
		return 100
	}
	return min(int((used*100)/limit), 100)
}
