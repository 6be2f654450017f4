package period

import "time"

// KeyLayout is the time layout used to render period keys.
const KeyLayout = "2006-01"

// DefaultGraceBuffer is added to the period end when computing cache expiry.
// It must be at least a day to absorb clock skew across application instances
// and to avoid dropping cached usage mid-request near the month boundary.
const DefaultGraceBuffer = 48 * time.Hour

// Key returns the stable identifier of the calendar month containing t,
// formatted as "YYYY-MM" in UTC.
func Key(t time.Time) string {
	return t.UTC().Format(KeyLayout)
}

// CurrentKey returns the key of the current calendar month.
func CurrentKey() string {
	return Key(time.Now())
}

// Boundaries returns the first and last instants of the calendar month
// containing t. The end is computed as "day 0 of the next month" at
// 23:59:59.999999999 rather than a fixed day-count offset, so 28/29/30/31-day
// months all resolve correctly.
func Boundaries(t time.Time) (start, end time.Time) {
	t = t.UTC()
	start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	// Normalized by time.Date: month+1 with day 0 yields the last day of month.
	end = time.Date(t.Year(), t.Month()+1, 0, 23, 59, 59, int(time.Second-time.Nanosecond), time.UTC)
	return start, end
}

// CurrentBoundaries returns the boundaries of the current calendar month.
func CurrentBoundaries() (start, end time.Time) {
	return Boundaries(time.Now())
}

// EndOfPeriodUnix returns the expiry timestamp for cached usage snapshots:
// the last instant of the month containing t plus the grace buffer, as epoch
// seconds. A non-positive grace falls back to DefaultGraceBuffer.
func EndOfPeriodUnix(t time.Time, grace time.Duration) int64 {
	if grace <= 0 {
		grace = DefaultGraceBuffer
	}
	_, end := Boundaries(t)
	return end.Add(grace).Unix()
}

// Contains reports whether t falls within the period identified by key.
func Contains(key string, t time.Time) bool {
	return Key(t) == key
}
