// Package plan defines subscription tiers and their entitlements.
//
// A tier (Name) maps to a Limits record: per-usage-type ceilings plus
// premium-model and priority-queue feature flags. The catalog is static,
// read-only configuration loaded through a Source (in-memory or YAML file)
// and validated at startup. Trial allowances are a separate fixed constant
// set (TrialLimits) that never grants premium entitlements.
package plan
