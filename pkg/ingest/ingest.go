package ingest

import (
	"fmt"
	"os"
	"time"

	"github.com/mirrorstats/countme/pkg/accesslog"
	"github.com/mirrorstats/countme/pkg/atomicfile"
	"github.com/mirrorstats/countme/pkg/loglocate"
	"github.com/mirrorstats/countme/pkg/logging"
	"github.com/mirrorstats/countme/pkg/rawdb"
)

// LogParser parses one located log file into a raw store. The concrete
// implementation lives in pkg/accesslog; the indirection keeps the
// orchestration testable with synthetic parsers.
type LogParser interface {
	ParseLog(path string, db *rawdb.DB) (accesslog.Stats, error)
}

// Config configures one raw-store ingestion run. It is immutable once the
// run starts.
type Config struct {
	// RawPath is the raw store file; created if absent.
	RawPath string

	// Locator finds the day's log files.
	Locator loglocate.Locator

	// Parser parses located files. Defaults to the countme parser.
	Parser LogParser

	// Start overrides the resume cursor when non-zero.
	Start time.Time

	// End is the last day to ingest, inclusive. Zero means today (UTC).
	End time.Time
}

// Result summarizes an ingestion run.
type Result struct {
	Start        time.Time
	End          time.Time
	FilesParsed  int
	FilesSkipped int
	FilesFailed  int
	Events       int64

	// Changed is false when the run was a complete no-op and the raw
	// store file was left byte-identical.
	Changed bool
}

// Run ingests every new day's log into the raw store.
//
// The whole run mutates a scratch copy of the store and publishes it with
// a single rename; inside the scratch, each log file is one transaction.
// A file that fails to parse is logged and skipped without aborting the
// run, and a file whose first event is already stored is skipped outright.
func Run(cfg Config) (Result, error) {
	log := logging.WithPhase("update_raw")
	logging.LogSystemMemory("update_raw")

	if cfg.Parser == nil {
		cfg.Parser = accesslog.NewCountme()
	}

	start := cfg.Start
	if start.IsZero() {
		var err error
		start, err = ResumeDate(cfg.RawPath)
		if err != nil {
			return Result{}, err
		}
	}
	end := cfg.End
	if end.IsZero() {
		now := time.Now().UTC()
		end = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}

	paths, err := cfg.Locator.Locate(start, end)
	if err != nil {
		return Result{}, err
	}
	log.Info().
		Str("start", start.Format(loglocate.DateLayout)).
		Str("end", end.Format(loglocate.DateLayout)).
		Int("files", len(paths)).
		Msg("ingesting logs")

	res := Result{Start: start, End: end}
	changed, err := atomicfile.Replace(cfg.RawPath, func(scratch string) error {
		if err := cloneIfExists(cfg.RawPath, scratch); err != nil {
			return err
		}
		db, err := rawdb.Open(scratch)
		if err != nil {
			return err
		}
		defer db.Close()

		for _, path := range paths {
			stats, err := cfg.Parser.ParseLog(path, db)
			if err != nil {
				// One bad file must not abort the run; its day is
				// simply absent until a fixed archive appears.
				log.Warn().Err(err).Str("log", path).Msg("skipping unparseable log")
				res.FilesFailed++
				continue
			}
			if stats.SkippedDup {
				res.FilesSkipped++
				continue
			}
			res.FilesParsed++
			res.Events += stats.Appended
		}

		if err := db.WriteIndex(); err != nil {
			return err
		}
		return db.Close()
	})
	if err != nil {
		return Result{}, fmt.Errorf("update raw store %s: %w", cfg.RawPath, err)
	}

	res.Changed = changed
	log.Info().
		Int("parsed", res.FilesParsed).
		Int("skipped", res.FilesSkipped).
		Int("failed", res.FilesFailed).
		Int64("events", res.Events).
		Bool("changed", res.Changed).
		Msg("ingestion run complete")
	return res, nil
}

// cloneIfExists copies an existing store into the scratch path; a missing
// store means this is the first run and the scratch starts empty.
func cloneIfExists(src, scratch string) error {
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	return atomicfile.Clone(src, scratch)
}
