package totalsdb

import (
	"fmt"

	"github.com/mirrorstats/countme/pkg/atomicfile"
	"github.com/mirrorstats/countme/pkg/countme"
	"github.com/mirrorstats/countme/pkg/logging"
)

// SplitStats reports the outcome of a totals split.
type SplitStats struct {
	InputRows   int64
	UniqueRows  int64
	CountmeRows int64
}

// Split partitions a totals store into two disjoint stores on the sys_age
// sentinel: rows with sys_age = -1 (the age-agnostic unique-host
// aggregate) go to uniquePath, every other row goes to countmePath. The
// two outputs together hold exactly the input's rows. Each output is
// published through the atomic writer.
func Split(srcPath, uniquePath, countmePath string) (SplitStats, error) {
	log := logging.WithPhase("split")

	src, err := OpenReadOnly(srcPath)
	if err != nil {
		return SplitStats{}, err
	}
	defer src.Close()

	var stats SplitStats

	writeHalf := func(outPath string, keep func(countme.WeeklyTotal) bool, kept *int64) error {
		_, err := atomicfile.Replace(outPath, func(scratch string) error {
			out, err := Open(scratch)
			if err != nil {
				return err
			}

			// Batch rows so the output is written in a handful of
			// transactions rather than one per row.
			const batchSize = 10000
			batch := make([]countme.WeeklyTotal, 0, batchSize)
			flush := func() error {
				if len(batch) == 0 {
					return nil
				}
				if err := out.InsertTotals(batch); err != nil {
					return err
				}
				batch = batch[:0]
				return nil
			}

			err = src.ForEach(func(t countme.WeeklyTotal) error {
				if !keep(t) {
					return nil
				}
				*kept++
				batch = append(batch, t)
				if len(batch) == batchSize {
					return flush()
				}
				return nil
			})
			if err != nil {
				out.Close()
				return err
			}
			if err := flush(); err != nil {
				out.Close()
				return err
			}
			if err := out.WriteIndex(); err != nil {
				out.Close()
				return err
			}
			return out.Close()
		})
		return err
	}

	isUnique := func(t countme.WeeklyTotal) bool {
		return t.SysAge == countme.UniqueHostAge
	}

	if err := writeHalf(uniquePath, isUnique, &stats.UniqueRows); err != nil {
		return SplitStats{}, fmt.Errorf("write unique totals %s: %w", uniquePath, err)
	}
	if err := writeHalf(countmePath, func(t countme.WeeklyTotal) bool { return !isUnique(t) }, &stats.CountmeRows); err != nil {
		return SplitStats{}, fmt.Errorf("write countme totals %s: %w", countmePath, err)
	}

	stats.InputRows, err = src.Count()
	if err != nil {
		return SplitStats{}, err
	}
	if stats.UniqueRows+stats.CountmeRows != stats.InputRows {
		return stats, fmt.Errorf("split of %s dropped rows: %d + %d != %d",
			srcPath, stats.UniqueRows, stats.CountmeRows, stats.InputRows)
	}

	log.Info().
		Int64("input_rows", stats.InputRows).
		Int64("unique_rows", stats.UniqueRows).
		Int64("countme_rows", stats.CountmeRows).
		Msg("split totals store")
	return stats, nil
}
