// Package dates provides calendar-day arithmetic for loan schedules.
//
// Every value returned by this package is midnight of a calendar day in the
// Reference offset, so two dates are the same day exactly when they are equal.
package dates

import (
	"fmt"
	"strings"
	"time"
)

// Layout is the storage and output format for due dates.
const Layout = "2006-01-02"

// Reference is the fixed offset all due dates and payment dates are compared in
// (Brasília time, no daylight saving).
var Reference = time.FixedZone("BRT", -3*60*60)

// Layouts accepted by Parse, tried in order. Zoned layouts keep their offset and
// are then converted to Reference; the others are read as Reference wall time.
var zonedLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
}

var localLayouts = []string{
	Layout,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"02/01/2006",
}

// Parse reads a stored date string and returns the calendar day it denotes.
func Parse(s string) (time.Time, error) {
	value := strings.TrimSpace(s)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return Normalize(t), nil
		}
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, value, Reference); err == nil {
			return Normalize(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// MustParse parses a date string and panics on error. Intended for tests and
// literals known to be valid.
func MustParse(s string) time.Time {
	t, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return t
}

// Normalize returns midnight, in Reference, of the day t falls on in Reference.
func Normalize(t time.Time) time.Time {
	r := t.In(Reference)
	return time.Date(r.Year(), r.Month(), r.Day(), 0, 0, 0, 0, Reference)
}

// Today returns the calendar day of now.
func Today(now time.Time) time.Time {
	return Normalize(now)
}

// SameDay reports whether a and b fall on the same calendar day.
func SameDay(a, b time.Time) bool {
	return Normalize(a).Equal(Normalize(b))
}

// Before reports whether the day of a is strictly before the day of b.
func Before(a, b time.Time) bool {
	return Normalize(a).Before(Normalize(b))
}

// AddDays moves day by n calendar days.
func AddDays(day time.Time, n int) time.Time {
	d := Normalize(day)
	return time.Date(d.Year(), d.Month(), d.Day()+n, 0, 0, 0, 0, Reference)
}

// AddMonths moves day by n months, keeping the day of month. When the target
// month is too short the result is clamped to its last day, so Jan 31 + 1 month
// is Feb 28 (or 29), never Mar 3.
func AddMonths(day time.Time, n int) time.Time {
	d := Normalize(day)
	t := time.Date(d.Year(), d.Month()+time.Month(n), d.Day(), 0, 0, 0, 0, Reference)
	if t.Day() != d.Day() {
		// day 0 of the following month is the last day of the intended one
		t = time.Date(d.Year(), d.Month()+time.Month(n)+1, 0, 0, 0, 0, 0, Reference)
	}
	return t
}

// Format renders the day in Layout.
func Format(day time.Time) string {
	return Normalize(day).Format(Layout)
}
