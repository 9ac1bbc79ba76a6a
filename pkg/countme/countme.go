// Package countme holds the shared record types and UTC calendar math for
// the DNF mirror "countme" telemetry pipeline.
//
// All week arithmetic is integer math over Unix timestamps. Weeks are
// aligned to the countme epoch (a Monday), so weeknum N covers the
// half-open range [Epoch + N*WeekLen, Epoch + (N+1)*WeekLen).
package countme

import "time"

const (
	// DayLen and WeekLen are wall-clock day/week lengths in seconds.
	// Calendar math in this pipeline is UTC-only, so DST never applies.
	DayLen  = 24 * 60 * 60
	WeekLen = 7 * DayLen

	// Epoch is 00:00:00 Mon Jan 5 1970 UTC, the Monday that countme
	// weeks are aligned to.
	Epoch = 345600

	// LogJitterWindow pads resumption and week-completeness cutoffs.
	// Rotated log files can contain a few minutes of the next day's
	// traffic at the boundary; 600s is a generous bound on the observed
	// skew. The first-event presence check in the ingestor is the real
	// correctness backstop, this constant only biases which day gets
	// reprocessed.
	LogJitterWindow = 600

	// StartTime is 00:00:00 Mon Feb 10 2020 UTC. Data from before this
	// week predates the countme rollout and is never counted.
	StartTime    = 1581292800
	StartWeekNum = 2614

	// StartDate is the resumption floor: when the raw store is empty or
	// holds nothing newer than StartTime, ingestion starts here.
	StartDate = "2020-02-11"

	// UniqueHostAge is the sys_age sentinel for unique-host rows, which
	// carry no age bucket.
	UniqueHostAge = -1
)

// WeekNum returns the countme week number containing the given timestamp.
func WeekNum(ts int64) int64 {
	return (ts - Epoch) / WeekLen
}

// WeekStartTime returns the Unix timestamp of the first second of a week.
func WeekStartTime(week int64) int64 {
	return Epoch + week*WeekLen
}

// WeekDate returns the UTC date of the given weekday (0=Mon .. 6=Sun)
// within a week.
func WeekDate(week int64, weekday int) time.Time {
	ts := WeekStartTime(week) + int64(weekday)*DayLen
	return time.Unix(ts, 0).UTC()
}

// WeekRange returns the Monday and Sunday dates of a week.
func WeekRange(week int64) (time.Time, time.Time) {
	return WeekDate(week, 0), WeekDate(week, 6)
}

// StartDay returns the UTC midnight timestamp of the day containing ts.
func StartDay(ts int64) int64 {
	return ts - ts%DayLen
}
