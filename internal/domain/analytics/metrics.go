// Package analytics derives learning metrics from progress snapshots.
//
// Every function here is pure: it reads a snapshot (or a milestone list) and
// returns a value. Calendar-day logic takes an explicit location because
// streaks depend on where midnight falls for the learner.
package analytics

import (
	"math"
	"sort"
	"time"

	"github.com/alem-hub/roadmap-tracker/internal/domain/progress"
	"github.com/alem-hub/roadmap-tracker/pkg/timeutil"
)

// Granularity selects the bucket width of TimeByPeriod.
type Granularity string

const (
	Day   Granularity = "day"
	Week  Granularity = "week"
	Month Granularity = "month"
)

// IsValid reports whether g is a known granularity.
func (g Granularity) IsValid() bool {
	return g == Day || g == Week || g == Month
}

// Trend is the direction of a time series.
type Trend string

const (
	TrendUp     Trend = "up"
	TrendDown   Trend = "down"
	TrendStable Trend = "stable"
)

// trendWindow is the number of buckets averaged on each side of a trend
// comparison; trendThreshold is the relative change that counts as movement.
const (
	trendWindow    = 3
	trendThreshold = 0.05
)

// qualifies reports whether m counts as a completion for streaks and the
// thresholded completion percentage.
func qualifies(m progress.Milestone, minSeconds int) bool {
	return m.Completed && m.CompletedAt != nil && m.TimeSpent >= minSeconds
}

// CompletionPercentage returns round(100*completed/total). Completions with
// less than minSeconds recorded are left out of the numerator only.
func CompletionPercentage(ms []progress.Milestone, minSeconds int) int {
	done := 0
	for _, m := range ms {
		if m.Completed && m.TimeSpent >= minSeconds {
			done++
		}
	}
	return progress.Percent(done, len(ms))
}

// Velocity returns completions per day over the trailing window of days
// ending at now.
func Velocity(ms []progress.Milestone, days int, now time.Time) float64 {
	if days <= 0 {
		return 0
	}
	since := now.Add(-time.Duration(days) * 24 * time.Hour)
	n := 0
	for _, m := range ms {
		if m.CompletedAt == nil {
			continue
		}
		if m.CompletedAt.After(since) && !m.CompletedAt.After(now) {
			n++
		}
	}
	return float64(n) / float64(days)
}

// completionDays returns the set of calendar days holding a qualifying
// completion.
func completionDays(ms []progress.Milestone, minSeconds int, loc *time.Location) map[int]bool {
	days := make(map[int]bool)
	for _, m := range ms {
		if qualifies(m, minSeconds) {
			days[timeutil.DayNumber(*m.CompletedAt, loc)] = true
		}
	}
	return days
}

// CurrentStreak walks back one calendar day at a time from today and counts
// consecutive days with a qualifying completion, stopping at the first gap.
func CurrentStreak(ms []progress.Milestone, now time.Time, minSeconds int, loc *time.Location) int {
	days := completionDays(ms, minSeconds, loc)
	streak := 0
	for d := timeutil.DayNumber(now, loc); days[d]; d-- {
		streak++
	}
	return streak
}

// LongestStreak returns the longest run of consecutive calendar days with a
// qualifying completion. Several completions on one day count once.
func LongestStreak(ms []progress.Milestone, minSeconds int, loc *time.Location) int {
	set := completionDays(ms, minSeconds, loc)
	if len(set) == 0 {
		return 0
	}
	days := make([]int, 0, len(set))
	for d := range set {
		days = append(days, d)
	}
	sort.Ints(days)

	longest, run := 1, 1
	for i := 1; i < len(days); i++ {
		if days[i]-days[i-1] == 1 {
			run++
		} else {
			run = 1
		}
		longest = max(longest, run)
	}
	return longest
}

// TimeByType sums recorded seconds per content kind.
func TimeByType(ms []progress.Milestone) map[progress.ContentKind]int {
	out := make(map[progress.ContentKind]int)
	for _, m := range ms {
		if m.TimeSpent > 0 {
			out[m.Kind] += m.TimeSpent
		}
	}
	return out
}

// Bucket is one period of the time-by-day series.
type Bucket struct {
	Start       time.Time `json:"start"`
	Label       string    `json:"label"`
	Seconds     int       `json:"seconds"`
	Completions int       `json:"completions"`
}

func bucketStart(t time.Time, g Granularity, loc *time.Location) time.Time {
	switch g {
	case Week:
		return timeutil.StartOfWeek(t, loc)
	case Month:
		return timeutil.StartOfMonth(t, loc)
	default:
		return timeutil.StartOfDay(t, loc)
	}
}

func nextBucket(t time.Time, g Granularity) time.Time {
	switch g {
	case Week:
		return t.AddDate(0, 0, 7)
	case Month:
		return t.AddDate(0, 1, 0)
	default:
		return t.AddDate(0, 0, 1)
	}
}

func bucketLabel(t time.Time, g Granularity) string {
	if g == Month {
		return t.Format(timeutil.FormatMonth)
	}
	return t.Format(timeutil.FormatDate)
}

// TimeByPeriod groups completed milestones into day, week or month buckets.
// The series is contiguous from the first to the last active bucket, with
// empty periods present as zero buckets.
func TimeByPeriod(ms []progress.Milestone, g Granularity, loc *time.Location) []Bucket {
	if !g.IsValid() {
		g = Day
	}
	if loc == nil {
		loc = time.UTC
	}

	type agg struct{ seconds, completions int }
	byStart := make(map[int64]*agg)
	var first, last time.Time
	for _, m := range ms {
		if !m.Completed || m.CompletedAt == nil {
			continue
		}
		start := bucketStart(*m.CompletedAt, g, loc)
		key := start.Unix()
		a, ok := byStart[key]
		if !ok {
			a = &agg{}
			byStart[key] = a
		}
		a.seconds += m.TimeSpent
		a.completions++
		if first.IsZero() || start.Before(first) {
			first = start
		}
		if start.After(last) {
			last = start
		}
	}
	if len(byStart) == 0 {
		return []Bucket{}
	}

	var out []Bucket
	for t := first; !t.After(last); t = bucketStart(nextBucket(t, g), g, loc) {
		b := Bucket{Start: t, Label: bucketLabel(t, g)}
		if a, ok := byStart[t.Unix()]; ok {
			b.Seconds = a.seconds
			b.Completions = a.completions
		}
		out = append(out, b)
	}
	return out
}

// TrendOf compares the mean seconds of the most recent three buckets with
// the mean of the three before them. A change above 5% either way is a trend.
func TrendOf(buckets []Bucket) Trend {
	n := len(buckets)
	if n < 2 {
		return TrendStable
	}
	recentFrom := max(0, n-trendWindow)
	prevFrom := max(0, recentFrom-trendWindow)
	if prevFrom == recentFrom {
		return TrendStable
	}

	recent := meanSeconds(buckets[recentFrom:])
	prev := meanSeconds(buckets[prevFrom:recentFrom])
	if prev == 0 {
		if recent > 0 {
			return TrendUp
		}
		return TrendStable
	}

	change := (recent - prev) / prev
	switch {
	case change > trendThreshold:
		return TrendUp
	case change < -trendThreshold:
		return TrendDown
	default:
		return TrendStable
	}
}

func meanSeconds(bs []Bucket) float64 {
	if len(bs) == 0 {
		return 0
	}
	sum := 0
	for _, b := range bs {
		sum += b.Seconds
	}
	return float64(sum) / float64(len(bs))
}

// ProductivityMetrics describes how and when a learner works.
type ProductivityMetrics struct {
	AverageTimePerMilestone float64 `json:"averageTimePerMilestone"` // seconds
	AverageScore            float64 `json:"averageScore"`
	ScoredMilestones        int     `json:"scoredMilestones"`
	MostProductiveWeekday   string  `json:"mostProductiveWeekday,omitempty"`
	MostProductiveHour      int     `json:"mostProductiveHour"` // -1 when unknown
	EstimateAccuracy        float64 `json:"estimateAccuracy"`   // actual/estimated time
}

// Productivity aggregates completion timing, scores and estimate accuracy.
func Productivity(ms []progress.Milestone, loc *time.Location) ProductivityMetrics {
	if loc == nil {
		loc = time.UTC
	}
	pm := ProductivityMetrics{MostProductiveHour: -1}

	var (
		completed, timeSum int
		scoreSum           int
		actual, estimated  int
		byWeekday          [7]int
		byHour             [24]int
	)
	for _, m := range ms {
		if !m.Completed || m.CompletedAt == nil {
			continue
		}
		completed++
		timeSum += m.TimeSpent
		if m.Score != nil {
			scoreSum += *m.Score
			pm.ScoredMilestones++
		}
		if m.EstimatedMinutes > 0 && m.TimeSpent > 0 {
			actual += m.TimeSpent
			estimated += m.EstimatedMinutes * 60
		}
		at := m.CompletedAt.In(loc)
		byWeekday[at.Weekday()] += m.TimeSpent + 1
		byHour[at.Hour()] += m.TimeSpent + 1
	}
	if completed == 0 {
		return pm
	}

	pm.AverageTimePerMilestone = round2(float64(timeSum) / float64(completed))
	if pm.ScoredMilestones > 0 {
		pm.AverageScore = round2(float64(scoreSum) / float64(pm.ScoredMilestones))
	}
	if estimated > 0 {
		pm.EstimateAccuracy = round2(float64(actual) / float64(estimated))
	}
	pm.MostProductiveWeekday = time.Weekday(argmax(byWeekday[:])).String()
	pm.MostProductiveHour = argmax(byHour[:])
	return pm
}

func argmax(vs []int) int {
	best := 0
	for i, v := range vs {
		if v > vs[best] {
			best = i
		}
	}
	return best
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
