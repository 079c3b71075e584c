// Package interval maps wall-clock time onto fixed-length counter buckets.
//
// Every resolution (hour, day, ...) is a fixed number of seconds. A bucket's
// ordinal is the Unix time divided by that length, so any process bucketing
// the same timestamp arrives at the same ordinal. Calendar months and years
// are approximated by fixed lengths; buckets never align with calendar
// boundaries.
package interval

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Forever is the length of the lifetime interval: a single bucket that
// never closes and never expires.
const Forever = time.Duration(math.MaxInt64)

// ErrInvalidInterval is returned when an interval table is misconfigured.
var ErrInvalidInterval = errors.New("invalid interval")

// Interval is a named time resolution.
type Interval struct {
	Name string
	// Length of one bucket. Must be a whole number of seconds, or Forever.
	Length time.Duration
	// Retention is the number of bucket lengths a bucket stays readable
	// after it closes. Ignored for Forever.
	Retention int64
}

// IsLifetime reports whether iv is the single never-expiring bucket.
func (iv Interval) IsLifetime() bool {
	return iv.Length == Forever
}

func (iv Interval) seconds() int64 {
	return int64(iv.Length / time.Second)
}

// Ordinal returns floor(ts / length). The lifetime interval always yields 0.
// ts must not precede the Unix epoch.
func (iv Interval) Ordinal(ts time.Time) int64 {
	if iv.IsLifetime() {
		return 0
	}
	return floorDiv(ts.Unix(), iv.seconds())
}

// Epoch returns ordinal * length: the instant bucket ordinal-1 closes, which
// is also the first instant of bucket ordinal. The lifetime interval has no
// epoch and returns the zero Time.
func (iv Interval) Epoch(ordinal int64) time.Time {
	if iv.IsLifetime() {
		return time.Time{}
	}
	return time.Unix(ordinal*iv.seconds(), 0).UTC()
}

// Expiry returns the time at which bucket ordinal may be discarded:
// Retention full bucket lengths past the bucket's epoch. ok is false for
// the lifetime interval, which never expires.
func (iv Interval) Expiry(ordinal int64) (at time.Time, ok bool) {
	if iv.IsLifetime() {
		return time.Time{}, false
	}
	return iv.Epoch(ordinal + iv.Retention), true
}

func (iv Interval) validate() error {
	switch {
	case iv.Name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidInterval)
	case strings.ContainsAny(iv.Name, ": \t\n"):
		return fmt.Errorf("%w: %q: name must not contain ':' or whitespace", ErrInvalidInterval, iv.Name)
	case iv.IsLifetime():
		return nil
	case iv.Length <= 0:
		return fmt.Errorf("%w: %q: length must be positive, got %s", ErrInvalidInterval, iv.Name, iv.Length)
	case iv.Length%time.Second != 0:
		return fmt.Errorf("%w: %q: length must be whole seconds, got %s", ErrInvalidInterval, iv.Name, iv.Length)
	case iv.Retention < 1:
		return fmt.Errorf("%w: %q: retention must be >= 1, got %d", ErrInvalidInterval, iv.Name, iv.Retention)
	}
	return nil
}

// Set is an immutable, validated list of intervals.
type Set struct {
	intervals []Interval
}

// New validates intervals and returns them as a Set. Names must be unique.
func New(intervals ...Interval) (*Set, error) {
	if len(intervals) == 0 {
		return nil, fmt.Errorf("%w: no intervals configured", ErrInvalidInterval)
	}
	seen := make(map[string]struct{}, len(intervals))
	for _, iv := range intervals {
		if err := iv.validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[iv.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate name %q", ErrInvalidInterval, iv.Name)
		}
		seen[iv.Name] = struct{}{}
	}
	return &Set{intervals: append([]Interval(nil), intervals...)}, nil
}

// MustNew is like New but panics on error. Only for compiled-in tables.
func MustNew(intervals ...Interval) *Set {
	s, err := New(intervals...)
	if err != nil {
		panic(err)
	}
	return s
}

// Intervals returns a copy of the configured intervals in table order.
func (s *Set) Intervals() []Interval {
	return append([]Interval(nil), s.intervals...)
}

// Len returns the number of intervals.
func (s *Set) Len() int {
	return len(s.intervals)
}

// Default returns the compiled-in resolution table. Months are 30 days and
// years 365.25 days.
func Default() *Set {
	return MustNew(
		Interval{Name: "hour", Length: time.Hour, Retention: 25},
		Interval{Name: "day", Length: 24 * time.Hour, Retention: 31},
		Interval{Name: "month", Length: 30 * 24 * time.Hour, Retention: 13},
		Interval{Name: "year", Length: 31557600 * time.Second, Retention: 5},
		Interval{Name: "total", Length: Forever},
	)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
