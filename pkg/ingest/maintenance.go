package ingest

import (
	"fmt"
	"time"

	"github.com/mirrorstats/countme/pkg/atomicfile"
	"github.com/mirrorstats/countme/pkg/countme"
	"github.com/mirrorstats/countme/pkg/logging"
	"github.com/mirrorstats/countme/pkg/loglocate"
	"github.com/mirrorstats/countme/pkg/rawdb"
	"github.com/mirrorstats/countme/pkg/totalsdb"
)

// DefaultKeepWeeks is how many trailing weeks of raw events TrimRaw
// retains by default. Thirteen weeks comfortably covers the rollup
// window plus any re-ingestion of late archives.
const DefaultKeepWeeks = 13

// TrimResult reports what a trim run removed, or would remove.
type TrimResult struct {
	// Cutoff is the week-boundary timestamp events were trimmed before.
	Cutoff int64

	// Rows is how many events fell before the cutoff.
	Rows int64

	// DryRun is true when the store was left untouched.
	DryRun bool
}

// TrimRaw removes raw events older than the trailing keep window. Only
// events in already-finalized weeks should ever be trimmed, so callers
// run the totals rollup first. With uniqueOnly set, only the unique-host
// rows (negative sys_age) are removed and the countme rows stay. With
// dryRun set the store is left untouched and only the would-be count is
// reported.
func TrimRaw(rawPath string, keepWeeks int64, uniqueOnly, dryRun bool) (TrimResult, error) {
	log := logging.WithPhase("trim_raw")
	if keepWeeks < 1 {
		return TrimResult{}, fmt.Errorf("keep weeks must be positive, got %d", keepWeeks)
	}

	db, err := rawdb.OpenReadOnly(rawPath)
	if err != nil {
		return TrimResult{}, err
	}
	maxTS, ok, err := db.MaxTimestamp()
	if err != nil || !ok {
		db.Close()
		return TrimResult{DryRun: dryRun}, err
	}

	cutoff := countme.WeekStartTime(countme.WeekNum(maxTS) - keepWeeks + 1)
	res := TrimResult{Cutoff: cutoff, DryRun: dryRun}

	res.Rows, err = db.CountBefore(cutoff, uniqueOnly)
	db.Close()
	if err != nil {
		return TrimResult{}, err
	}

	log.Info().
		Int64("cutoff", cutoff).
		Str("cutoff_date", time.Unix(cutoff, 0).UTC().Format(loglocate.DateLayout)).
		Int64("rows", res.Rows).
		Bool("unique_only", uniqueOnly).
		Bool("dry_run", dryRun).
		Msg("trim window computed")

	if dryRun || res.Rows == 0 {
		return res, nil
	}

	_, err = atomicfile.Replace(rawPath, func(scratch string) error {
		if err := atomicfile.Clone(rawPath, scratch); err != nil {
			return err
		}
		db, err := rawdb.Open(scratch)
		if err != nil {
			return err
		}
		defer db.Close()

		deleted, err := db.DeleteBefore(cutoff, uniqueOnly)
		if err != nil {
			return err
		}
		if deleted != res.Rows {
			return fmt.Errorf("trim deleted %d rows, expected %d", deleted, res.Rows)
		}
		return db.Close()
	})
	if err != nil {
		return TrimResult{}, fmt.Errorf("trim raw store %s: %w", rawPath, err)
	}
	return res, nil
}

// DeleteWeekResult reports what a totals week deletion removed, or would
// remove.
type DeleteWeekResult struct {
	Week   int64
	Rows   int64
	DryRun bool
}

// DeleteTotalsWeek removes one week's rows from the totals store so the
// next rollup recomputes it from raw data. This is the manual recovery
// path for a week finalized from bad logs. week <= 0 selects the newest
// stored week, the usual recovery target. With dryRun set the store is
// left untouched.
func DeleteTotalsWeek(totalsPath string, week int64, dryRun bool) (DeleteWeekResult, error) {
	log := logging.WithPhase("delete_week")

	db, err := totalsdb.OpenReadOnly(totalsPath)
	if err != nil {
		return DeleteWeekResult{}, err
	}
	if week <= 0 {
		newest, ok, err := db.MaxWeek()
		if err != nil || !ok {
			db.Close()
			if err == nil {
				err = fmt.Errorf("totals store %s is empty", totalsPath)
			}
			return DeleteWeekResult{}, err
		}
		week = newest
	}
	res := DeleteWeekResult{Week: week, DryRun: dryRun}

	res.Rows, err = db.WeekRowCount(week)
	db.Close()
	if err != nil {
		return DeleteWeekResult{}, err
	}
	if res.Rows == 0 {
		return res, fmt.Errorf("totals store %s has no rows for week %d", totalsPath, week)
	}

	log.Info().
		Int64("week", week).
		Str("week_start", countme.WeekDate(week, 0).Format(loglocate.DateLayout)).
		Int64("rows", res.Rows).
		Bool("dry_run", dryRun).
		Msg("selected week for deletion")

	if dryRun {
		return res, nil
	}

	_, err = atomicfile.Replace(totalsPath, func(scratch string) error {
		if err := atomicfile.Clone(totalsPath, scratch); err != nil {
			return err
		}
		db, err := totalsdb.Open(scratch)
		if err != nil {
			return err
		}
		defer db.Close()

		deleted, err := db.DeleteWeek(week)
		if err != nil {
			return err
		}
		if deleted != res.Rows {
			return fmt.Errorf("deleted %d rows of week %d, expected %d", deleted, week, res.Rows)
		}
		return db.Close()
	})
	if err != nil {
		return DeleteWeekResult{}, fmt.Errorf("delete week %d from %s: %w", week, totalsPath, err)
	}
	return res, nil
}
