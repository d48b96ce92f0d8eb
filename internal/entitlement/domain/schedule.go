package domain

import "time"

// AddMonths advances t by the given number of months, clamping the day to
// the target month's length so Jan 31 + 1 month lands on Feb 28/29 instead
// of spilling into March.
func AddMonths(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	hour, minute, sec := t.Clock()
	first := time.Date(year, month+time.Month(months), 1, hour, minute, sec, t.Nanosecond(), t.Location())
	if last := daysIn(first.Year(), first.Month()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, hour, minute, sec, t.Nanosecond(), t.Location())
}

// NextReset returns the first period boundary strictly after from. A non-nil
// anchor pins the boundary to the anchor's day of month (and month, for
// yearly grants) instead of drifting with each reset.
func NextReset(from time.Time, interval ResetInterval, anchor *time.Time) time.Time {
	switch interval {
	case ResetIntervalDay:
		return from.AddDate(0, 0, 1)
	case ResetIntervalWeek:
		return from.AddDate(0, 0, 7)
	case ResetIntervalYear:
		if anchor != nil {
			return nextAnchored(from, *anchor, 12)
		}
		return AddMonths(from, 12)
	default:
		if anchor != nil {
			return nextAnchored(from, *anchor, 1)
		}
		return AddMonths(from, 1)
	}
}

func nextAnchored(from, anchor time.Time, stepMonths int) time.Time {
	month := from.Month()
	if stepMonths == 12 {
		month = anchor.Month()
	}
	candidate := time.Date(from.Year(), month, 1,
		anchor.Hour(), anchor.Minute(), anchor.Second(), 0, from.Location())
	candidate = clampDay(candidate, anchor.Day())
	for !candidate.After(from) {
		next := time.Date(candidate.Year(), candidate.Month()+time.Month(stepMonths), 1,
			anchor.Hour(), anchor.Minute(), anchor.Second(), 0, from.Location())
		candidate = clampDay(next, anchor.Day())
	}
	return candidate
}

func clampDay(firstOfMonth time.Time, day int) time.Time {
	if last := daysIn(firstOfMonth.Year(), firstOfMonth.Month()); day > last {
		day = last
	}
	return time.Date(firstOfMonth.Year(), firstOfMonth.Month(), day,
		firstOfMonth.Hour(), firstOfMonth.Minute(), firstOfMonth.Second(), 0, firstOfMonth.Location())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// RolloverExpiry returns when balance carried at resetAt stops being usable,
// or nil for the forever policy. The none policy never creates rollovers so
// callers must not ask for its expiry.
func RolloverExpiry(resetAt time.Time, policy RolloverPolicy, months int) *time.Time {
	if policy == RolloverPolicyForever {
		return nil
	}
	if months <= 0 {
		months = 1
	}
	expiry := AddMonths(resetAt, months)
	return &expiry
}
