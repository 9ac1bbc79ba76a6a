// Package cli implements the command-line interface for the countme
// pipeline tool.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mirrorstats/countme/pkg/accesslog"
	"github.com/mirrorstats/countme/pkg/countme"
	"github.com/mirrorstats/countme/pkg/ingest"
	"github.com/mirrorstats/countme/pkg/loglocate"
	"github.com/mirrorstats/countme/pkg/logging"
	"github.com/mirrorstats/countme/pkg/rawdb"
	"github.com/mirrorstats/countme/pkg/s3fetch"
	"github.com/mirrorstats/countme/pkg/totalsdb"
)

// ErrUsage marks errors caused by bad invocation rather than a failed
// run; main maps these to a distinct exit code.
var ErrUsage = errors.New("usage error")

func usageErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrUsage}, args...)...)
}

const usage = `usage: countme [--debug] [--console] <command> [options]
commands:
  update-raw    ingest new access logs into the raw store
  update-totals roll completed weeks into the totals store
  export        dump the totals store as CSV or Parquet
  split-totals  split totals into unique-host and countme stores
  vacuum        rebuild the raw store to reclaim space
  trim-raw      delete raw events older than the keep window
  delete-week   remove one week from the totals store
  fetch         mirror the log archive from S3`

// Run executes the CLI with the given arguments.
func Run(args []string) error {
	// Global flags come before the command.
	global := flag.NewFlagSet("countme", flag.ContinueOnError)
	debug := global.Bool("debug", false, "enable debug logging")
	console := global.Bool("console", false, "human-friendly console log output")
	global.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	if err := global.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}
	logging.Init(*debug, *console)

	rest := global.Args()
	if len(rest) == 0 {
		return usageErrorf("no command given\n%s", usage)
	}

	switch rest[0] {
	case "update-raw":
		return runUpdateRaw(rest[1:])
	case "update-totals":
		return runUpdateTotals(rest[1:])
	case "export":
		return runExport(rest[1:])
	case "split-totals":
		return runSplitTotals(rest[1:])
	case "vacuum":
		return runVacuum(rest[1:])
	case "trim-raw":
		return runTrimRaw(rest[1:])
	case "delete-week":
		return runDeleteWeek(rest[1:])
	case "fetch":
		return runFetch(rest[1:])
	default:
		return usageErrorf("unknown command: %s", rest[0])
	}
}

func runUpdateRaw(args []string) error {
	fs := flag.NewFlagSet("update-raw", flag.ContinueOnError)
	rawPath := fs.String("raw", "", "raw store file (required)")
	logRoot := fs.String("logs", "", "root of the local log archive (required)")
	template := fs.String("template", loglocate.DefaultTemplate, "strftime-style path of one day's log under the root")
	start := fs.String("start", "", "first date to ingest (YYYY-MM-DD, default: resume from the store)")
	end := fs.String("end", "", "last date to ingest (YYYY-MM-DD, default: today)")
	matcher := fs.String("matcher", "countme", "log line matcher: countme or mirrors")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}
	if *rawPath == "" {
		return usageErrorf("--raw is required")
	}
	if *logRoot == "" {
		return usageErrorf("--logs is required")
	}

	cfg := ingest.Config{
		RawPath: *rawPath,
		Locator: loglocate.Locator{Root: *logRoot, Template: *template},
	}
	switch *matcher {
	case "countme":
		// ingest.Run defaults to the countme parser.
	case "mirrors":
		cfg.Parser = accesslog.New(accesslog.MirrorMatcher{})
	default:
		return usageErrorf("unknown matcher: %s", *matcher)
	}
	var err error
	if cfg.Start, err = parseDateFlag("start", *start); err != nil {
		return err
	}
	if cfg.End, err = parseDateFlag("end", *end); err != nil {
		return err
	}

	_, err = ingest.Run(cfg)
	return err
}

func runUpdateTotals(args []string) error {
	fs := flag.NewFlagSet("update-totals", flag.ContinueOnError)
	rawPath := fs.String("raw", "", "raw store file (required)")
	totalsPath := fs.String("totals", "", "totals store file (required)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}
	if *rawPath == "" {
		return usageErrorf("--raw is required")
	}
	if *totalsPath == "" {
		return usageErrorf("--totals is required")
	}

	weeks, err := ingest.UpdateTotals(*rawPath, *totalsPath)
	if err != nil {
		return err
	}
	for _, week := range weeks {
		start, end := countme.WeekRange(week)
		fmt.Printf("finalized week %d (%s .. %s)\n",
			week, start.Format(loglocate.DateLayout), end.Format(loglocate.DateLayout))
	}
	return nil
}

func runExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	totalsPath := fs.String("totals", "", "totals store file (required)")
	out := fs.String("out", "", "output file; - or empty writes CSV to stdout")
	format := fs.String("format", "", "output format: csv or parquet (default: from --out extension)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}
	if *totalsPath == "" {
		return usageErrorf("--totals is required")
	}

	db, err := totalsdb.OpenReadOnly(*totalsPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if *out == "" || *out == "-" {
		if *format == "parquet" {
			return usageErrorf("parquet export needs --out")
		}
		return db.WriteCSV(os.Stdout)
	}

	f := *format
	if f == "" {
		if strings.HasSuffix(*out, ".parquet") {
			f = "parquet"
		} else {
			f = "csv"
		}
	}
	switch f {
	case "csv":
		_, err = db.ExportCSV(*out)
	case "parquet":
		_, err = db.ExportParquet(*out)
	default:
		return usageErrorf("unknown format: %s", f)
	}
	return err
}

func runSplitTotals(args []string) error {
	fs := flag.NewFlagSet("split-totals", flag.ContinueOnError)
	totalsPath := fs.String("totals", "", "totals store file (required)")
	uniquePath := fs.String("unique", "", "output store for unique-host rows (required)")
	countmePath := fs.String("countme", "", "output store for countme rows (required)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}
	if *totalsPath == "" {
		return usageErrorf("--totals is required")
	}
	if *uniquePath == "" {
		return usageErrorf("--unique is required")
	}
	if *countmePath == "" {
		return usageErrorf("--countme is required")
	}

	_, err := totalsdb.Split(*totalsPath, *uniquePath, *countmePath)
	return err
}

func runVacuum(args []string) error {
	fs := flag.NewFlagSet("vacuum", flag.ContinueOnError)
	rawPath := fs.String("raw", "", "raw store file (required)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}
	if *rawPath == "" {
		return usageErrorf("--raw is required")
	}
	_, err := rawdb.SuperVacuum(*rawPath)
	return err
}

func runTrimRaw(args []string) error {
	fs := flag.NewFlagSet("trim-raw", flag.ContinueOnError)
	rawPath := fs.String("raw", "", "raw store file (required)")
	keepWeeks := fs.Int64("keep-weeks", ingest.DefaultKeepWeeks, "trailing weeks of events to keep")
	uniqueOnly := fs.Bool("unique-only", false, "trim only unique-host rows")
	apply := fs.Bool("apply", false, "actually delete; default is a dry run")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}
	if *rawPath == "" {
		return usageErrorf("--raw is required")
	}

	res, err := ingest.TrimRaw(*rawPath, *keepWeeks, *uniqueOnly, !*apply)
	if err != nil {
		return err
	}
	if res.DryRun {
		fmt.Printf("would delete %d rows before %d; re-run with --apply\n", res.Rows, res.Cutoff)
	} else {
		fmt.Printf("deleted %d rows before %d\n", res.Rows, res.Cutoff)
	}
	return nil
}

func runDeleteWeek(args []string) error {
	fs := flag.NewFlagSet("delete-week", flag.ContinueOnError)
	totalsPath := fs.String("totals", "", "totals store file (required)")
	week := fs.Int64("week", 0, "week number to delete (default: newest)")
	apply := fs.Bool("apply", false, "actually delete; default is a dry run")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}
	if *totalsPath == "" {
		return usageErrorf("--totals is required")
	}

	res, err := ingest.DeleteTotalsWeek(*totalsPath, *week, !*apply)
	if err != nil {
		return err
	}
	if res.DryRun {
		fmt.Printf("would delete %d rows of week %d; re-run with --apply\n", res.Rows, res.Week)
	} else {
		fmt.Printf("deleted %d rows of week %d\n", res.Rows, res.Week)
	}
	return nil
}

func runFetch(args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	bucket := fs.String("bucket", "", "S3 bucket holding the log archive (required)")
	prefix := fs.String("prefix", "", "key prefix to mirror")
	dest := fs.String("dest", "", "local directory to mirror into (required)")
	concurrency := fs.Int("concurrency", s3fetch.DefaultConcurrency, "parallel downloads")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}

	cfg := s3fetch.Config{
		Bucket:      *bucket,
		Prefix:      *prefix,
		Dest:        *dest,
		Concurrency: *concurrency,
	}
	if err := cfg.Validate(); err != nil {
		return usageErrorf("%v", err)
	}
	_, err := s3fetch.Fetch(context.Background(), cfg)
	return err
}

func parseDateFlag(name, value string) (t time.Time, err error) {
	if value == "" {
		return t, nil
	}
	t, err = loglocate.ParseDate(value)
	if err != nil {
		return t, usageErrorf("--%s: %v", name, err)
	}
	return t, nil
}
