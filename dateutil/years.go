// Package dateutil extracts publication years from the heterogeneous date
// strings found in paper metadata and provides year spans for filtering.
package dateutil

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/jinzhu/now"
)

// ErrNoYear is returned, if no plausible year can be found.
var ErrNoYear = errors.New("no year found")

var (
	yearPattern = regexp.MustCompile(`\b(19\d{2}|20\d{2})\b`)
	// Short numbers are neither years nor something dateparse should guess
	// a timestamp from.
	shortNumber = regexp.MustCompile(`^[-+]?\d{1,7}$`)
)

const (
	minYear = 1000
	maxYear = 2999
)

func plausible(y int) bool {
	return y >= minYear && y <= maxYear
}

// Interval groups start and end.
type Interval struct {
	Start time.Time
	End   time.Time
}

// Validate checks if the interval is valid (end after start)
func (iv Interval) Validate() error {
	if iv.End.Before(iv.Start) {
		return fmt.Errorf("invalid interval: end %v before start %v", iv.End, iv.Start)
	}
	return nil
}

// Contains reports whether t lies within the interval, inclusive.
func (iv Interval) Contains(t time.Time) bool {
	return !t.Before(iv.Start) && !t.After(iv.End)
}

// ContainsYear reports whether any part of year lies within the interval.
func (iv Interval) ContainsYear(year int) bool {
	return year >= iv.Start.Year() && year <= iv.End.Year()
}

// YearSpan returns the interval from the first second of year from to the
// last second of year to, in UTC.
func YearSpan(from, to int) Interval {
	return Interval{
		Start: now.With(time.Date(from, 1, 1, 0, 0, 0, 0, time.UTC)).BeginningOfYear(),
		End:   now.With(time.Date(to, 1, 1, 0, 0, 0, 0, time.UTC)).EndOfYear(),
	}
}

// Year finds the year in a date string like "2019", "2019-05-01", "May 2019"
// or a free text like "IEEE Trans. Softw. Eng. 45(3), 2019". A bare four
// digit number counts as a year between 1000 and 2999, free text is only
// searched for years of the 20th and 21st century.
func Year(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrNoYear
	}
	if len(s) == 4 && s[0] != '-' && s[0] != '+' {
		if y, err := strconv.Atoi(s); err == nil && plausible(y) {
			return y, nil
		}
	}
	if m := yearPattern.FindString(s); m != "" {
		return strconv.Atoi(m)
	}
	if shortNumber.MatchString(s) {
		return 0, fmt.Errorf("%w: %q", ErrNoYear, s)
	}
	if t, err := dateparse.ParseAny(s); err == nil && plausible(t.Year()) {
		return t.Year(), nil
	}
	return 0, fmt.Errorf("%w: %q", ErrNoYear, s)
}
