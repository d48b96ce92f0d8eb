package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestAddMonthsClampsDay(t *testing.T) {
	tests := []struct {
		name   string
		from   time.Time
		months int
		want   time.Time
	}{
		{"plain month", date(2026, 3, 15), 1, date(2026, 4, 15)},
		{"jan 31 to feb", date(2026, 1, 31), 1, date(2026, 2, 28)},
		{"jan 31 leap year", date(2028, 1, 31), 1, date(2028, 2, 29)},
		{"year wrap", date(2026, 12, 10), 2, date(2027, 2, 10)},
		{"twelve months", date(2028, 2, 29), 12, date(2029, 2, 28)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AddMonths(tt.from, tt.months))
		})
	}
}

func TestNextResetIntervals(t *testing.T) {
	from := time.Date(2026, 3, 15, 9, 30, 0, 0, time.UTC)

	assert.Equal(t, from.AddDate(0, 0, 1), NextReset(from, ResetIntervalDay, nil))
	assert.Equal(t, from.AddDate(0, 0, 7), NextReset(from, ResetIntervalWeek, nil))
	assert.Equal(t, time.Date(2026, 4, 15, 9, 30, 0, 0, time.UTC), NextReset(from, ResetIntervalMonth, nil))
	assert.Equal(t, time.Date(2027, 3, 15, 9, 30, 0, 0, time.UTC), NextReset(from, ResetIntervalYear, nil))
}

func TestNextResetMonthlyAnchor(t *testing.T) {
	anchor := date(2026, 1, 31)

	// Before the anchor day in the current month.
	got := NextReset(date(2026, 3, 15), ResetIntervalMonth, &anchor)
	assert.Equal(t, date(2026, 3, 31), got)

	// On the boundary itself, move to the next month and clamp.
	got = NextReset(date(2026, 3, 31), ResetIntervalMonth, &anchor)
	assert.Equal(t, date(2026, 4, 30), got)

	// Clamped month keeps the anchor day afterwards, no drift.
	got = NextReset(date(2026, 4, 30), ResetIntervalMonth, &anchor)
	assert.Equal(t, date(2026, 5, 31), got)

	// February clamps hardest.
	got = NextReset(date(2026, 1, 31), ResetIntervalMonth, &anchor)
	assert.Equal(t, date(2026, 2, 28), got)
}

func TestNextResetYearlyAnchor(t *testing.T) {
	anchor := date(2024, 2, 29)

	got := NextReset(date(2026, 1, 10), ResetIntervalYear, &anchor)
	assert.Equal(t, date(2026, 2, 28), got)

	got = NextReset(date(2026, 2, 28), ResetIntervalYear, &anchor)
	assert.Equal(t, date(2027, 2, 28), got)

	got = NextReset(date(2027, 3, 1), ResetIntervalYear, &anchor)
	assert.Equal(t, date(2028, 2, 29), got)
}

func TestRolloverExpiry(t *testing.T) {
	resetAt := date(2026, 3, 31)

	expiry := RolloverExpiry(resetAt, RolloverPolicyMonths, 2)
	assert.Equal(t, date(2026, 5, 31), *expiry)

	expiry = RolloverExpiry(resetAt, RolloverPolicyMonths, 0)
	assert.Equal(t, date(2026, 4, 30), *expiry)

	assert.Nil(t, RolloverExpiry(resetAt, RolloverPolicyForever, 3))
}
