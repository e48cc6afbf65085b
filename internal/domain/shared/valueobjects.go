// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages.
package shared

import "regexp"

// ═══════════════════════════════════════════════════════════════════════════
// UserID Value Object
// ═══════════════════════════════════════════════════════════════════════════

// UserID identifies the owner of a progress aggregate. It is also used as the
// storage namespace, so it is restricted to a key-safe alphabet.
type UserID string

var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.@-]{0,63}$`)

// IsValid checks if the user ID is usable as a storage namespace.
func (u UserID) IsValid() bool {
	return userIDRegex.MatchString(string(u))
}

// String returns the string representation.
func (u UserID) String() string {
	return string(u)
}

// ═══════════════════════════════════════════════════════════════════════════
// Rating Value Object
// ═══════════════════════════════════════════════════════════════════════════

// Rating represents a difficulty rating value (1-5). Zero means "not rated".
type Rating int

const (
	MinRating Rating = 1
	MaxRating Rating = 5
)

// IsValid checks if the rating is within valid range.
func (r Rating) IsValid() bool {
	return r >= MinRating && r <= MaxRating
}

// IsRated reports whether a rating was given at all.
func (r Rating) IsRated() bool {
	return r != 0
}

// Int returns the underlying int value.
func (r Rating) Int() int {
	return int(r)
}

// NewRating creates a new Rating with validation.
func NewRating(value int) (Rating, error) {
	if value < int(MinRating) || value > int(MaxRating) {
		return 0, ErrInvalidRating
	}
	return Rating(value), nil
}

// AverageRating calculates the average from a slice of ratings, ignoring
// unrated entries.
func AverageRating(ratings []Rating) float64 {
	sum, n := 0, 0
	for _, r := range ratings {
		if !r.IsRated() {
			continue
		}
		sum += int(r)
		n++
	}
	if n == 0 {
		return 0
	}
	return float64(sum) / float64(n)
}

// ═══════════════════════════════════════════════════════════════════════════
// Score Value Object
// ═══════════════════════════════════════════════════════════════════════════

// Score is a 0-100 assessment result.
type Score int

// IsValid checks if the score is within 0..100.
func (s Score) IsValid() bool {
	return s >= 0 && s <= 100
}

// NewScore creates a new Score with validation.
func NewScore(value int) (Score, error) {
	s := Score(value)
	if !s.IsValid() {
		return 0, ErrInvalidScore
	}
	return s, nil
}
