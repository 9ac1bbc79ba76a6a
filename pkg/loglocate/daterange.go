// Package loglocate resolves calendar date ranges to rotated access-log
// files, probing known compression extensions and opening the matching
// decompressed stream.
package loglocate

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the calendar date format accepted on the command line.
const DateLayout = "2006-01-02"

// ParseDate parses a YYYY-MM-DD date as UTC midnight.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t.UTC(), nil
}

// DateRange enumerates every calendar day in [start, end] inclusive.
//
// The enumeration is pure timestamp arithmetic: numdays is the integer
// quotient of the timestamp difference by 86400 and each step advances
// exactly 86400 seconds. Both endpoints are taken at UTC midnight, so the
// count is a wall-clock UTC day count unaffected by DST transitions.
func DateRange(start, end time.Time) []time.Time {
	startTS := start.UTC().Unix()
	endTS := end.UTC().Unix()
	if endTS < startTS {
		return nil
	}

	numDays := (endTS - startTS) / 86400
	days := make([]time.Time, 0, numDays+1)
	for i := int64(0); i <= numDays; i++ {
		days = append(days, time.Unix(startTS+i*86400, 0).UTC())
	}
	return days
}

// ExpandTemplate substitutes the strftime-style %Y, %m, %d placeholders in
// a path template with the given day's UTC date. %% escapes a literal
// percent sign.
func ExpandTemplate(template string, day time.Time) string {
	day = day.UTC()
	r := strings.NewReplacer(
		"%%", "%",
		"%Y", fmt.Sprintf("%04d", day.Year()),
		"%m", fmt.Sprintf("%02d", int(day.Month())),
		"%d", fmt.Sprintf("%02d", day.Day()),
	)
	return r.Replace(template)
}
