package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDayNumber_SameLocalDate(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*60*60)
	a := time.Date(2026, 3, 10, 0, 30, 0, 0, loc)
	b := time.Date(2026, 3, 10, 23, 59, 0, 0, loc)

	assert.Equal(t, DayNumber(a, loc), DayNumber(b, loc))
	// 00:30 at UTC+5 is still the previous day in UTC.
	assert.Equal(t, DayNumber(a, loc)-1, DayNumber(a, time.UTC))
}

func TestDayNumber_AcrossDST(t *testing.T) {
	loc, err := LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skip("tzdata not available")
	}
	before := time.Date(2026, 3, 28, 12, 0, 0, 0, loc)
	after := time.Date(2026, 3, 29, 12, 0, 0, 0, loc)

	assert.True(t, IsConsecutiveDay(before, after, loc))
	assert.Equal(t, 1, DaysBetween(after, before, loc))
}

func TestStartOfWeek(t *testing.T) {
	sunday := time.Date(2026, 10, 18, 15, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC), StartOfWeek(sunday, time.UTC))

	monday := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC), StartOfWeek(monday, nil))
}

func TestStartOfMonth(t *testing.T) {
	got := StartOfMonth(time.Date(2026, 2, 17, 9, 0, 0, 0, time.UTC), time.UTC)
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), got)
}

func TestLoadLocation(t *testing.T) {
	loc, err := LoadLocation("")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)

	_, err = LoadLocation("Not/AZone")
	assert.Error(t, err)
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		seconds int
		want    string
	}{
		{0, "0m"},
		{59, "0m"},
		{600, "10m"},
		{3600, "1h"},
		{3900, "1h 05m"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDuration(tt.seconds), "seconds=%d", tt.seconds)
	}
}

func TestFormatRelative(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "just now", FormatRelative(now.Add(-10*time.Second), now))
	assert.Equal(t, "5 min ago", FormatRelative(now.Add(-5*time.Minute), now))
	assert.Equal(t, "yesterday", FormatRelative(now.Add(-30*time.Hour), now))
	assert.Equal(t, "3 days ago", FormatRelative(now.Add(-72*time.Hour), now))
}

func TestEpochMillisRoundTrip(t *testing.T) {
	ts := time.Date(2026, 10, 19, 12, 0, 0, int(123*time.Millisecond), time.UTC)
	assert.True(t, ts.Equal(FromEpochMillis(EpochMillis(ts))))
}
