package rawdb

import (
	"fmt"

	"github.com/mirrorstats/countme/pkg/countme"
)

// CompleteWeeks returns the weeks whose totals may be finalized, in
// ascending order.
//
// A week qualifies when:
//   - it is not before the countme start week;
//   - it is strictly before the provisional week, i.e. the week containing
//     max(timestamp) minus the jitter window — data for the provisional
//     week may still arrive with the next day's log;
//   - all 7 of its UTC days have at least one event, so a gap in the log
//     archive can never produce an undercounted week.
func (d *DB) CompleteWeeks() ([]int64, error) {
	minTS, ok, err := d.MinTimestamp()
	if err != nil || !ok {
		return nil, err
	}
	maxTS, ok, err := d.MaxTimestamp()
	if err != nil || !ok {
		return nil, err
	}

	first := countme.WeekNum(minTS)
	if first < countme.StartWeekNum {
		first = countme.StartWeekNum
	}
	provisional := countme.WeekNum(maxTS - countme.LogJitterWindow)

	var weeks []int64
	for week := first; week < provisional; week++ {
		days, err := d.weekDayCount(week)
		if err != nil {
			return nil, err
		}
		if days == 7 {
			weeks = append(weeks, week)
		}
	}
	return weeks, nil
}

// weekDayCount returns how many distinct UTC days of a week have events.
func (d *DB) weekDayCount(week int64) (int64, error) {
	start := countme.WeekStartTime(week)
	end := start + countme.WeekLen
	var n int64
	err := d.db.QueryRow(`SELECT COUNT(DISTINCT timestamp/86400) FROM countme_raw
		WHERE timestamp >= ? AND timestamp < ?`, start, end).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count days of week %d: %w", week, err)
	}
	return n, nil
}

// WeekCount returns the number of events in a week.
func (d *DB) WeekCount(week int64) (int64, error) {
	start := countme.WeekStartTime(week)
	end := start + countme.WeekLen
	var n int64
	err := d.db.QueryRow(`SELECT COUNT(*) FROM countme_raw
		WHERE timestamp >= ? AND timestamp < ?`, start, end).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events of week %d: %w", week, err)
	}
	return n, nil
}

// WeekBuckets aggregates a week's events into grouped hit counts, one row
// per distinct grouping tuple.
func (d *DB) WeekBuckets(week int64) ([]countme.WeeklyTotal, error) {
	start := countme.WeekStartTime(week)
	end := start + countme.WeekLen

	query := fmt.Sprintf(`SELECT COUNT(*) AS hits,
		(timestamp-%d)/%d AS weeknum,
		os_name, os_version, os_variant, os_arch, sys_age, repo_tag, repo_arch
		FROM countme_raw
		WHERE timestamp >= ? AND timestamp < ?
		GROUP BY weeknum, os_name, os_version, os_variant, os_arch, sys_age, repo_tag, repo_arch`,
		countme.Epoch, countme.WeekLen)

	rows, err := d.db.Query(query, start, end)
	if err != nil {
		return nil, fmt.Errorf("aggregate week %d: %w", week, err)
	}
	defer rows.Close()

	var totals []countme.WeeklyTotal
	for rows.Next() {
		var t countme.WeeklyTotal
		if err := rows.Scan(
			&t.Hits, &t.WeekNum,
			&t.OSName, &t.OSVersion, &t.OSVariant, &t.OSArch,
			&t.SysAge, &t.RepoTag, &t.RepoArch,
		); err != nil {
			return nil, fmt.Errorf("scan bucket of week %d: %w", week, err)
		}
		totals = append(totals, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate buckets of week %d: %w", week, err)
	}
	return totals, nil
}

// CountBefore returns how many events predate the cutoff timestamp,
// optionally restricted to unique-host rows.
func (d *DB) CountBefore(cutoff int64, uniqueOnly bool) (int64, error) {
	query := `SELECT COUNT(*) FROM countme_raw WHERE timestamp < ?`
	if uniqueOnly {
		query += ` AND sys_age < 0`
	}
	var n int64
	if err := d.db.QueryRow(query, cutoff).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events before %d: %w", cutoff, err)
	}
	return n, nil
}

// DeleteBefore removes events older than the cutoff timestamp, optionally
// restricted to unique-host rows. Callers run this on a scratch copy only.
func (d *DB) DeleteBefore(cutoff int64, uniqueOnly bool) (int64, error) {
	query := `DELETE FROM countme_raw WHERE timestamp < ?`
	if uniqueOnly {
		query += ` AND sys_age < 0`
	}
	res, err := d.db.Exec(query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete events before %d: %w", cutoff, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted events: %w", err)
	}
	return n, nil
}

// NextTrimWeekStart returns the timestamp of the first week boundary after
// the oldest stored event: trimming up to it removes exactly the oldest
// (possibly partial) week.
func (d *DB) NextTrimWeekStart() (int64, bool, error) {
	minTS, ok, err := d.MinTimestamp()
	if err != nil || !ok {
		return 0, ok, err
	}
	return countme.WeekStartTime(countme.WeekNum(minTS) + 1), true, nil
}
