// Package period provides calendar-month billing period resolution.
//
// Paid-plan usage counters are scoped to calendar months. The package
// computes the stable key identifying the current period (used as a cache
// key component), the first and last instants of the month, and the cache
// expiry timestamp aligned to the end of the period plus a grace buffer.
//
// All computations are done in UTC from the supplied wall-clock time; the
// package holds no state and has no dependencies.
//
// Basic usage:
//
//	key := period.CurrentKey()               // "2025-08"
//	start, end := period.CurrentBoundaries() // first/last instant of month
//	exp := period.EndOfPeriodUnix(time.Now(), 48*time.Hour)
package period
