package ingest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mirrorstats/countme/pkg/countme"
	"github.com/mirrorstats/countme/pkg/loglocate"
	"github.com/mirrorstats/countme/pkg/rawdb"
	"github.com/mirrorstats/countme/pkg/totalsdb"
)

const testTemplate = "%Y/%m/%d/access.log"

// logLine renders one countme hit in combined log format.
func logLine(ts int64, host, repo string, age int) string {
	when := time.Unix(ts, 0).UTC().Format("02/Jan/2006:15:04:05 -0700")
	return fmt.Sprintf(`%s - - [%s] "GET /metalink?repo=%s&arch=x86_64&countme=%d HTTP/2.0" 200 1024 "-" "libdnf (Fedora 32; workstation; Linux.x86_64)"`,
		host, when, repo, age)
}

// writeDayLog writes one day's log file under the archive root.
func writeDayLog(t *testing.T, root string, day time.Time, lines ...string) {
	t.Helper()
	path := filepath.Join(root, loglocate.ExpandTemplate(testTemplate, day))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
}

func mustDate(t *testing.T, s string) time.Time {
	t.Helper()
	day, err := loglocate.ParseDate(s)
	if err != nil {
		t.Fatal(err)
	}
	return day
}

func TestResumeDateMissingStore(t *testing.T) {
	day, err := ResumeDate(filepath.Join(t.TempDir(), "raw.db"))
	if err != nil {
		t.Fatalf("ResumeDate: %v", err)
	}
	if got := day.Format(loglocate.DateLayout); got != countme.StartDate {
		t.Errorf("ResumeDate = %s, want %s", got, countme.StartDate)
	}
}

func TestResumeDateFromStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.db")
	db, err := rawdb.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	// 23:55:30 UTC on 2020-03-02: the jitter pad crosses midnight, so
	// resumption lands on the next day.
	maxTS := mustDate(t, "2020-03-02").Unix() + 86400 - 270
	tx, err := db.BeginFile()
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Append(countme.RawEvent{Timestamp: maxTS, Host: "h"}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	day, err := ResumeDate(path)
	if err != nil {
		t.Fatalf("ResumeDate: %v", err)
	}
	if got := day.Format(loglocate.DateLayout); got != "2020-03-03" {
		t.Errorf("ResumeDate = %s, want 2020-03-03", got)
	}
}

func TestResumeDatePreRolloutData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.db")
	db, err := rawdb.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	tx, err := db.BeginFile()
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Append(countme.RawEvent{Timestamp: countme.StartTime - 1000, Host: "h"}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	day, err := ResumeDate(path)
	if err != nil {
		t.Fatalf("ResumeDate: %v", err)
	}
	if got := day.Format(loglocate.DateLayout); got != countme.StartDate {
		t.Errorf("ResumeDate = %s, want %s", got, countme.StartDate)
	}
}

func TestRunIngestsAndIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "logs")
	rawPath := filepath.Join(dir, "raw.db")

	day1 := mustDate(t, "2020-02-11")
	day2 := mustDate(t, "2020-02-12")
	writeDayLog(t, root, day1,
		logLine(day1.Unix()+100, "1.1.1.1", "fedora-32", 1),
		logLine(day1.Unix()+200, "2.2.2.2", "fedora-32", 2),
	)
	writeDayLog(t, root, day2,
		logLine(day2.Unix()+100, "3.3.3.3", "fedora-31", 3),
	)

	cfg := Config{
		RawPath: rawPath,
		Locator: loglocate.Locator{Root: root, Template: testTemplate},
		Start:   day1,
		End:     day2,
	}
	res, err := Run(cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.FilesParsed != 2 || res.Events != 3 || !res.Changed {
		t.Errorf("first run = %+v, want 2 files, 3 events, changed", res)
	}

	before, err := os.ReadFile(rawPath)
	if err != nil {
		t.Fatal(err)
	}

	res, err = Run(cfg)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if res.FilesSkipped != 2 || res.FilesParsed != 0 {
		t.Errorf("second run = %+v, want 2 files skipped", res)
	}
	if res.Changed {
		t.Error("second run should leave the store untouched")
	}

	after, err := os.ReadFile(rawPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Error("store bytes changed across an idempotent re-run")
	}
}

func TestRunResumesFromStore(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "logs")
	rawPath := filepath.Join(dir, "raw.db")

	day1 := mustDate(t, "2020-02-11")
	day2 := mustDate(t, "2020-02-12")
	writeDayLog(t, root, day1, logLine(day1.Unix()+100, "1.1.1.1", "fedora-32", 1))

	cfg := Config{
		RawPath: rawPath,
		Locator: loglocate.Locator{Root: root, Template: testTemplate},
		Start:   day1,
		End:     day1,
	}
	if _, err := Run(cfg); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// A later run picks up where the store left off: day1 is probed again
	// (and skipped as a duplicate), day2 is new.
	writeDayLog(t, root, day2, logLine(day2.Unix()+100, "3.3.3.3", "fedora-31", 3))
	res, err := Run(Config{
		RawPath: rawPath,
		Locator: loglocate.Locator{Root: root, Template: testTemplate},
		End:     day2,
	})
	if err != nil {
		t.Fatalf("resumed Run: %v", err)
	}
	if !res.Start.Equal(day1) {
		t.Errorf("resumed start = %s, want %s", res.Start, day1)
	}
	if res.FilesSkipped != 1 || res.FilesParsed != 1 || res.Events != 1 {
		t.Errorf("resumed run = %+v, want 1 skipped, 1 parsed, 1 event", res)
	}

	db, err := rawdb.OpenReadOnly(rawPath)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	n, err := db.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("store holds %d events, want 2", n)
	}
}

// buildRawStore creates a raw store with one event per day for each listed
// week, plus extra events, and returns its path.
func buildRawStore(t *testing.T, dir string, weeks []int64, extra ...countme.RawEvent) string {
	t.Helper()
	path := filepath.Join(dir, "raw.db")
	db, err := rawdb.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	tx, err := db.BeginFile()
	if err != nil {
		t.Fatal(err)
	}
	for _, week := range weeks {
		start := countme.WeekStartTime(week)
		for day := int64(0); day < 7; day++ {
			ev := countme.RawEvent{
				Timestamp: start + day*countme.DayLen + 3600,
				Host:      "1.1.1.1",
				OSName:    "Fedora",
				OSVersion: "32",
				OSVariant: "workstation",
				OSArch:    "x86_64",
				SysAge:    1,
				RepoTag:   "fedora-32",
				RepoArch:  "x86_64",
			}
			if err := tx.Append(ev); err != nil {
				t.Fatal(err)
			}
		}
	}
	for _, ev := range extra {
		if err := tx.Append(ev); err != nil {
			t.Fatal(err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := db.WriteIndex(); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestUpdateTotalsGatesIncompleteWeeks(t *testing.T) {
	dir := t.TempDir()
	w := int64(countme.StartWeekNum)
	// Weeks w and w+1 are complete; w+2 has a single day and only exists
	// to push the provisional cutoff past w+1.
	partial := countme.RawEvent{
		Timestamp: countme.WeekStartTime(w+2) + countme.DayLen,
		Host:      "9.9.9.9",
		SysAge:    1,
	}
	rawPath := buildRawStore(t, dir, []int64{w, w + 1}, partial)
	totalsPath := filepath.Join(dir, "totals.db")

	weeks, err := UpdateTotals(rawPath, totalsPath)
	if err != nil {
		t.Fatalf("UpdateTotals: %v", err)
	}
	if len(weeks) != 2 || weeks[0] != w || weeks[1] != w+1 {
		t.Fatalf("UpdateTotals finalized %v, want [%d %d]", weeks, w, w+1)
	}

	db, err := totalsdb.OpenReadOnly(totalsPath)
	if err != nil {
		t.Fatal(err)
	}
	for _, tc := range []struct {
		week int64
		want bool
	}{{w, true}, {w + 1, true}, {w + 2, false}} {
		have, err := db.HasWeek(tc.week)
		if err != nil {
			t.Fatal(err)
		}
		if have != tc.want {
			t.Errorf("HasWeek(%d) = %v, want %v", tc.week, have, tc.want)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	// Finalized weeks are never recomputed.
	before, err := os.ReadFile(totalsPath)
	if err != nil {
		t.Fatal(err)
	}
	weeks, err = UpdateTotals(rawPath, totalsPath)
	if err != nil {
		t.Fatalf("second UpdateTotals: %v", err)
	}
	if len(weeks) != 0 {
		t.Errorf("second UpdateTotals finalized %v, want none", weeks)
	}
	after, err := os.ReadFile(totalsPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Error("totals store changed with no new complete weeks")
	}
}

func TestTrimRaw(t *testing.T) {
	dir := t.TempDir()
	w := int64(countme.StartWeekNum)
	rawPath := buildRawStore(t, dir, []int64{w, w + 1, w + 2})

	// Dry run reports without deleting.
	res, err := TrimRaw(rawPath, 1, false, true)
	if err != nil {
		t.Fatalf("TrimRaw dry run: %v", err)
	}
	if !res.DryRun {
		t.Error("expected dry run result")
	}
	if res.Cutoff != countme.WeekStartTime(w+2) {
		t.Errorf("cutoff = %d, want %d", res.Cutoff, countme.WeekStartTime(w+2))
	}
	if res.Rows != 14 {
		t.Errorf("dry run rows = %d, want 14", res.Rows)
	}

	db, err := rawdb.OpenReadOnly(rawPath)
	if err != nil {
		t.Fatal(err)
	}
	n, err := db.Count()
	if err != nil {
		t.Fatal(err)
	}
	db.Close()
	if n != 21 {
		t.Errorf("dry run deleted rows: count = %d, want 21", n)
	}

	// Apply the trim.
	res, err = TrimRaw(rawPath, 1, false, false)
	if err != nil {
		t.Fatalf("TrimRaw: %v", err)
	}
	if res.Rows != 14 {
		t.Errorf("trimmed rows = %d, want 14", res.Rows)
	}

	db, err = rawdb.OpenReadOnly(rawPath)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	n, err = db.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 7 {
		t.Errorf("count after trim = %d, want 7", n)
	}
	minTS, ok, err := db.MinTimestamp()
	if err != nil || !ok {
		t.Fatalf("MinTimestamp: ok=%v err=%v", ok, err)
	}
	if countme.WeekNum(minTS) != w+2 {
		t.Errorf("oldest remaining week = %d, want %d", countme.WeekNum(minTS), w+2)
	}
}

func TestTrimRawRejectsBadKeep(t *testing.T) {
	if _, err := TrimRaw(filepath.Join(t.TempDir(), "raw.db"), 0, false, true); err == nil {
		t.Error("expected error for keep-weeks 0")
	}
}

func TestDeleteTotalsWeek(t *testing.T) {
	dir := t.TempDir()
	totalsPath := filepath.Join(dir, "totals.db")
	db, err := totalsdb.Open(totalsPath)
	if err != nil {
		t.Fatal(err)
	}
	totals := []countme.WeeklyTotal{
		{Hits: 5, WeekNum: 2614, OSName: "Fedora", SysAge: 1},
		{Hits: 6, WeekNum: 2615, OSName: "Fedora", SysAge: 1},
		{Hits: 7, WeekNum: 2615, OSName: "Fedora", SysAge: 2},
	}
	if err := db.InsertTotals(totals); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	// Default target is the newest week; dry run leaves it in place.
	res, err := DeleteTotalsWeek(totalsPath, 0, true)
	if err != nil {
		t.Fatalf("DeleteTotalsWeek dry run: %v", err)
	}
	if res.Week != 2615 || res.Rows != 2 || !res.DryRun {
		t.Errorf("dry run = %+v, want week 2615, 2 rows", res)
	}

	res, err = DeleteTotalsWeek(totalsPath, 0, false)
	if err != nil {
		t.Fatalf("DeleteTotalsWeek: %v", err)
	}
	if res.Week != 2615 || res.Rows != 2 {
		t.Errorf("delete = %+v, want week 2615, 2 rows", res)
	}

	check, err := totalsdb.OpenReadOnly(totalsPath)
	if err != nil {
		t.Fatal(err)
	}
	defer check.Close()
	n, err := check.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("count after delete = %d, want 1", n)
	}

	// Deleting an absent week is an error.
	if _, err := DeleteTotalsWeek(totalsPath, 2615, false); err == nil {
		t.Error("expected error deleting an absent week")
	}
}
