// Package ingest orchestrates the countme pipeline: resumption-cursor
// computation, raw-store ingestion, and the weekly totals rollup. Every
// store mutation it performs goes through pkg/atomicfile, which is what
// makes re-running the pipeline after any failure safe.
package ingest

import (
	"fmt"
	"os"
	"time"

	"github.com/mirrorstats/countme/pkg/countme"
	"github.com/mirrorstats/countme/pkg/loglocate"
	"github.com/mirrorstats/countme/pkg/rawdb"
)

// ResumeDate computes the date ingestion should resume from.
//
// The raw store's newest timestamp, padded by the jitter window, names the
// day whose log may still be partially ingested; resumption starts there
// so the boundary day is reprocessed rather than skipped. The parser's
// first-event presence check makes the reprocessing free. An absent or
// empty store, or one holding only pre-rollout data, resumes from the
// epoch floor date.
func ResumeDate(rawPath string) (time.Time, error) {
	epochStart, err := loglocate.ParseDate(countme.StartDate)
	if err != nil {
		return time.Time{}, err
	}

	if _, err := os.Stat(rawPath); os.IsNotExist(err) {
		return epochStart, nil
	}

	db, err := rawdb.OpenReadOnly(rawPath)
	if err != nil {
		return time.Time{}, err
	}
	defer db.Close()

	maxTS, ok, err := db.MaxTimestamp()
	if err != nil {
		return time.Time{}, fmt.Errorf("resume date from %s: %w", rawPath, err)
	}
	if !ok || maxTS < countme.StartTime {
		return epochStart, nil
	}

	padded := maxTS + countme.LogJitterWindow
	return time.Unix(countme.StartDay(padded), 0).UTC(), nil
}
