package plan

// UsageType represents a billable action kind with its own counter and limit.
type UsageType string

// Predefined billable action kinds.
const (
	UsageTemplateGeneration UsageType = "template_generation"
	UsageImageGeneration    UsageType = "image_generation"
	// extend as needed
)

// UsageTypes lists all known billable action kinds. Ledger rows and cached
// snapshots carry a counter per entry.
var UsageTypes = []UsageType{
	UsageTemplateGeneration,
	UsageImageGeneration,
}

// Valid reports whether the usage type is one of the known kinds.
func (u UsageType) Valid() bool {
	for _, known := range UsageTypes {
		if u == known {
			return true
		}
	}
	return false
}

// Name identifies a subscription tier.
type Name string

// Predefined subscription tiers.
const (
	Starter Name = "starter"
	Pro     Name = "pro"
	Scale   Name = "scale"
)

// Limits describes the entitlements of a tier: per-usage-type ceilings plus
// feature flags. Limits values are immutable configuration, never user state.
type Limits struct {
	Plan          Name                `json:"plan" yaml:"plan"`
	Usage         map[UsageType]int64 `json:"usage" yaml:"usage"`
	PremiumModels bool                `json:"premium_models" yaml:"premium_models"`
	PriorityQueue bool                `json:"priority_queue" yaml:"priority_queue"`
}

// LimitFor returns the ceiling for the given usage type, or 0 if the tier
// does not grant that action at all.
func (l Limits) LimitFor(usageType UsageType) int64 {
	return l.Usage[usageType]
}
