// Package expiry parses the broker's expiry strings into calendar dates.
//
// The scrip master writes "31JUL2025", contract symbols embed "31JUL25", and
// clients often send just "31JUL". All of them resolve to the same date here so
// that sorting and nearest-match work on the calendar, not on the string.
package expiry

import (
	"sort"
	"strings"
	"time"
)

var layouts = []string{
	"02Jan2006",
	"02Jan06",
	"2006-01-02",
	"02-Jan-2006",
	"02-01-2006",
	time.RFC3339,
}

// Parse converts an expiry string to a date at midnight in ref's location.
// A day-month string without a year ("31JUL") takes the year that puts the
// date closest to ref.
func Parse(s string, ref time.Time) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	loc := ref.Location()
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return truncateDay(t), true
		}
	}
	t, err := time.ParseInLocation("02Jan", s, loc)
	if err != nil {
		return time.Time{}, false
	}
	return closestYear(t.Day(), t.Month(), ref), true
}

func closestYear(day int, month time.Month, ref time.Time) time.Time {
	var best time.Time
	var bestDist time.Duration = -1
	for _, y := range []int{ref.Year() - 1, ref.Year(), ref.Year() + 1} {
		c := time.Date(y, month, day, 0, 0, 0, 0, ref.Location())
		d := c.Sub(ref)
		if d < 0 {
			d = -d
		}
		if bestDist < 0 || d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// Format renders t the way contract symbols embed expiries: "31JUL25".
func Format(t time.Time) string {
	return strings.ToUpper(t.Format("02Jan06"))
}

// Expired reports whether the expiry date lies strictly before now's day.
// Unparseable strings are never expired.
func Expired(s string, now time.Time) bool {
	t, ok := Parse(s, now)
	if !ok {
		return false
	}
	return t.Before(truncateDay(now))
}

// Compare orders two expiry strings by calendar date. Unparseable strings
// sort after parseable ones and among themselves by string.
func Compare(a, b string, ref time.Time) int {
	ta, okA := Parse(a, ref)
	tb, okB := Parse(b, ref)
	switch {
	case okA && okB:
		if ta.Before(tb) {
			return -1
		}
		if tb.Before(ta) {
			return 1
		}
		return strings.Compare(a, b)
	case okA:
		return -1
	case okB:
		return 1
	default:
		return strings.Compare(a, b)
	}
}

// Sort sorts expiry strings in place by calendar date.
func Sort(expiries []string, ref time.Time) {
	sort.SliceStable(expiries, func(i, j int) bool {
		return Compare(expiries[i], expiries[j], ref) < 0
	})
}

// Nearest picks the candidate whose date is closest to the hint's date.
// Ties go to the earlier expiry. Returns false when the hint or every
// candidate is unparseable.
func Nearest(hint string, candidates []string, ref time.Time) (string, bool) {
	target, ok := Parse(hint, ref)
	if !ok {
		return "", false
	}
	var best string
	var bestDate time.Time
	var bestDist time.Duration = -1
	for _, c := range candidates {
		t, ok := Parse(c, ref)
		if !ok {
			continue
		}
		d := t.Sub(target)
		if d < 0 {
			d = -d
		}
		if bestDist < 0 || d < bestDist || (d == bestDist && t.Before(bestDate)) {
			best, bestDate, bestDist = c, t, d
		}
	}
	return best, bestDist >= 0
}
