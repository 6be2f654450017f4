// Package subscription holds the user subscription record and the trial
// usage store.
//
// A subscription carries the user's plan, lifecycle status, and, while the
// status is "trialing", per-usage-type trial counters stored directly on the
// record. Trial counters are never cached; the subscription row is the single
// source of truth so billing/conversion logic cannot observe stale usage.
//
// TrialService enforces the fixed trial allowance. Its increment path relies
// exclusively on the store's atomic increment-with-ceiling primitive (a
// conditional FindOneAndUpdate in the Mongo implementation), so concurrent
// increments can under-count in the safe direction but never overshoot the
// trial limit.
package subscription
