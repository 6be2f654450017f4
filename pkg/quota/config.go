package quota

import "time"

// Config holds the engine's tunables. The defaults mirror the product's
// original constants but everything is overridable through the environment,
// loaded with the pkg/config loader.
type Config struct {
	// SyncThreshold is N in "flush cached counters to the ledger every Nth
	// increment". Larger values cut ledger write volume at the cost of a
	// wider cache/ledger divergence window (at most SyncThreshold-1 actions).
	SyncThreshold int64 `env:"QUOTA_SYNC_THRESHOLD" envDefault:"10"`

	// PlanCacheTTL bounds staleness of the resolved paid-plan limits cache.
	PlanCacheTTL time.Duration `env:"QUOTA_PLAN_CACHE_TTL" envDefault:"1h"`

	// TrialPlanCacheTTL is the shorter TTL for trial users, whose plan state
	// churns faster (conversion, expiry).
	TrialPlanCacheTTL time.Duration `env:"QUOTA_TRIAL_PLAN_CACHE_TTL" envDefault:"5m"`

	// GraceBuffer is added to the period end when computing usage snapshot
	// expiry, absorbing clock skew near the month boundary. Must be >= 24h.
	GraceBuffer time.Duration `env:"QUOTA_CACHE_GRACE_BUFFER" envDefault:"48h"`

	// SyncTimeout bounds the asynchronous ledger flush.
	SyncTimeout time.Duration `env:"QUOTA_SYNC_TIMEOUT" envDefault:"5s"`
}

// DefaultConfig returns the built-in tunables.
func DefaultConfig() Config {
	return Config{
		SyncThreshold:     10,
		PlanCacheTTL:      time.Hour,
		TrialPlanCacheTTL: 5 * time.Minute,
		GraceBuffer:       48 * time.Hour,
		SyncTimeout:       5 * time.Second,
	}
}

// normalize fills zero values with defaults so a partially populated Config
// stays safe to use.
func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.SyncThreshold <= 0 {
		c.SyncThreshold = def.SyncThreshold
	}
	if c.PlanCacheTTL <= 0 {
		c.PlanCacheTTL = def.PlanCacheTTL
	}
	if c.TrialPlanCacheTTL <= 0 {
		c.TrialPlanCacheTTL = def.TrialPlanCacheTTL
	}
	if c.GraceBuffer < 24*time.Hour {
		c.GraceBuffer = def.GraceBuffer
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = def.SyncTimeout
	}
	return c
}
