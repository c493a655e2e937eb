package models

import (
	"encoding/json"
	"time"
)

// DateLayout is the canonical date format.
const DateLayout = "2006-01-02"

// Bounds on requested date ranges.
const (
	// MaxRangeDays is the longest range, in calendar days, one request may span.
	MaxRangeDays = 100*365 + 25
	// EarliestYear is the first year a range may start in.
	EarliestYear = 1970
)

// EarliestDate is the first day a range may start on.
var EarliestDate = NewDate(EarliestYear, time.January, 1)

// Date is a calendar day with no time-of-day. The zero Date means unset.
// Dates are comparable and safe to use as map keys.
type Date struct {
	t time.Time
}

// NewDate returns the given calendar day.
func NewDate(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf returns the calendar day of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return NewDate(y, m, d)
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, err
	}
	return DateOf(t), nil
}

// MustDate parses s and panics on error. Intended for tests and constants.
func MustDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Time returns midnight UTC of the day.
func (d Date) Time() time.Time { return d.t }

// IsZero reports whether d is unset.
func (d Date) IsZero() bool { return d.t.IsZero() }

// AddDays returns d shifted by n days.
func (d Date) AddDays(n int) Date { return Date{t: d.t.AddDate(0, 0, n)} }

// Before reports whether d is strictly before o.
func (d Date) Before(o Date) bool { return d.t.Before(o.t) }

// After reports whether d is strictly after o.
func (d Date) After(o Date) bool { return d.t.After(o.t) }

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.t.Format(DateLayout)
}

// MarshalJSON encodes the date as "YYYY-MM-DD".
func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON decodes a "YYYY-MM-DD" string.
func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// SpanDays returns the number of calendar days in [start, end], or 0 when
// end is before start.
func SpanDays(start, end Date) int {
	if end.Before(start) {
		return 0
	}
	return int((end.t.Unix()-start.t.Unix())/86400) + 1
}

// DatesBetween returns every calendar day from start to end inclusive.
// It returns nil when end is before start.
func DatesBetween(start, end Date) []Date {
	if end.Before(start) {
		return nil
	}
	var out []Date
	for d := start; !d.After(end); d = d.AddDays(1) {
		out = append(out, d)
	}
	return out
}
