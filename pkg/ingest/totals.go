package ingest

import (
	"fmt"
	"os"

	"github.com/mirrorstats/countme/pkg/atomicfile"
	"github.com/mirrorstats/countme/pkg/logging"
	"github.com/mirrorstats/countme/pkg/rawdb"
	"github.com/mirrorstats/countme/pkg/totalsdb"
)

// UpdateTotals rolls newly completed weeks from the raw store into the
// totals store and returns the weeks it finalized, in ascending order.
//
// A week is rolled up only once: weeks already present in the totals
// store are never recomputed, so published totals stay stable even if
// the raw store is later trimmed. As with ingestion, the whole rollup
// mutates a scratch copy and publishes it with a single rename; a run
// that finds no new complete weeks leaves the totals file untouched.
func UpdateTotals(rawPath, totalsPath string) ([]int64, error) {
	log := logging.WithPhase("update_totals")

	raw, err := rawdb.OpenReadOnly(rawPath)
	if err != nil {
		return nil, err
	}
	defer raw.Close()

	complete, err := raw.CompleteWeeks()
	if err != nil {
		return nil, fmt.Errorf("find complete weeks in %s: %w", rawPath, err)
	}

	newWeeks, err := missingWeeks(totalsPath, complete)
	if err != nil {
		return nil, err
	}
	if len(newWeeks) == 0 {
		log.Info().Int("complete_weeks", len(complete)).Msg("no new weeks to finalize")
		return nil, nil
	}

	_, err = atomicfile.Replace(totalsPath, func(scratch string) error {
		if err := cloneIfExists(totalsPath, scratch); err != nil {
			return err
		}
		db, err := totalsdb.Open(scratch)
		if err != nil {
			return err
		}
		defer db.Close()

		for _, week := range newWeeks {
			buckets, err := raw.WeekBuckets(week)
			if err != nil {
				return err
			}
			if err := db.InsertTotals(buckets); err != nil {
				return err
			}
			log.Info().
				Int64("week", week).
				Int("buckets", len(buckets)).
				Msg("finalized week")
		}

		if err := db.WriteIndex(); err != nil {
			return err
		}
		return db.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("update totals store %s: %w", totalsPath, err)
	}
	return newWeeks, nil
}

// missingWeeks filters the complete weeks down to those absent from the
// totals store. A missing store means every complete week is new.
func missingWeeks(totalsPath string, complete []int64) ([]int64, error) {
	if len(complete) == 0 {
		return nil, nil
	}
	if _, err := os.Stat(totalsPath); os.IsNotExist(err) {
		return complete, nil
	}

	db, err := totalsdb.OpenReadOnly(totalsPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var missing []int64
	for _, week := range complete {
		have, err := db.HasWeek(week)
		if err != nil {
			return nil, err
		}
		if !have {
			missing = append(missing, week)
		}
	}
	return missing, nil
}
