// Package timeutil provides calendar-day helpers bound to a configurable
// location. Streaks and time-by-day buckets depend on where "midnight" is, so
// every helper takes the location explicitly instead of assuming the host zone.
// No external dependencies - uses only standard library.
package timeutil

import (
	"fmt"
	"time"
)

// Common date formats.
const (
	FormatDate     = "2006-01-02"
	FormatDateTime = "2006-01-02 15:04"
	FormatMonth    = "2006-01"
)

// LoadLocation resolves an IANA zone name, falling back to UTC for "".
func LoadLocation(name string) (*time.Location, error) {
	if name == "" || name == "UTC" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load location %q: %w", name, err)
	}
	return loc, nil
}

func orUTC(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}

// StartOfDay returns the start of the day (00:00:00) in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	loc = orUTC(loc)
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, loc)
}

// StartOfWeek returns the start of the ISO week (Monday 00:00:00) in loc.
func StartOfWeek(t time.Time, loc *time.Location) time.Time {
	l := t.In(orUTC(loc))
	weekday := int(l.Weekday())
	if weekday == 0 {
		weekday = 7 // Sunday
	}
	return StartOfDay(l.AddDate(0, 0, -(weekday - 1)), loc)
}

// StartOfMonth returns the first day of the month in loc.
func StartOfMonth(t time.Time, loc *time.Location) time.Time {
	loc = orUTC(loc)
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), 1, 0, 0, 0, 0, loc)
}

// DayNumber returns the calendar date of t in loc as a day count since the
// Unix epoch. Two instants on the same local date share a day number, and
// consecutive dates differ by exactly one regardless of DST shifts.
func DayNumber(t time.Time, loc *time.Location) int {
	l := t.In(orUTC(loc))
	civil := time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, time.UTC)
	return int(civil.Unix() / 86400)
}

// IsSameDay checks if two times fall on the same calendar day in loc.
func IsSameDay(t1, t2 time.Time, loc *time.Location) bool {
	return DayNumber(t1, loc) == DayNumber(t2, loc)
}

// IsConsecutiveDay checks if t2 is the calendar day after t1 in loc.
func IsConsecutiveDay(t1, t2 time.Time, loc *time.Location) bool {
	return DayNumber(t2, loc)-DayNumber(t1, loc) == 1
}

// DaysBetween returns the absolute number of calendar days between two times.
func DaysBetween(t1, t2 time.Time, loc *time.Location) int {
	d := DayNumber(t2, loc) - DayNumber(t1, loc)
	if d < 0 {
		d = -d
	}
	return d
}

// EpochMillis converts t to milliseconds since the Unix epoch.
func EpochMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromEpochMillis converts epoch milliseconds to a UTC time.
func FromEpochMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// FormatDuration renders seconds as a compact "1h 05m" style string.
func FormatDuration(seconds int) string {
	if seconds <= 0 {
		return "0m"
	}
	d := time.Duration(seconds) * time.Second
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	switch {
	case h == 0:
		return fmt.Sprintf("%dm", m)
	case m == 0:
		return fmt.Sprintf("%dh", h)
	default:
		return fmt.Sprintf("%dh %02dm", h, m)
	}
}

// FormatRelative returns a human-readable relative time string.
func FormatRelative(t, now time.Time) string {
	d := now.Sub(t)
	if d < 0 {
		return "in the future"
	}
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%d min ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%d h ago", int(d.Hours()))
	case d < 48*time.Hour:
		return "yesterday"
	case d < 30*24*time.Hour:
		return fmt.Sprintf("%d days ago", int(d.Hours()/24))
	default:
		months := int(d.Hours() / 24 / 30)
		if months < 12 {
			return fmt.Sprintf("%d months ago", months)
		}
		return fmt.Sprintf("%d years ago", months/12)
	}
}
