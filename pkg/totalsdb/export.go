package totalsdb

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/parquet-go/parquet-go"

	"github.com/mirrorstats/countme/pkg/atomicfile"
	"github.com/mirrorstats/countme/pkg/countme"
)

// WriteCSV streams the store's rows to w in the published CSV shape:
// weeknum replaced by week start/end dates, header row first.
func (d *DB) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(countme.ExportHeader); err != nil {
		return fmt.Errorf("write CSV header: %w", err)
	}

	err := d.ForEach(func(t countme.WeeklyTotal) error {
		r := t.Export()
		return cw.Write([]string{
			r.WeekStart, r.WeekEnd,
			strconv.FormatInt(r.Hits, 10),
			r.OSName, r.OSVersion, r.OSVariant, r.OSArch,
			strconv.FormatInt(r.SysAge, 10),
			r.RepoTag, r.RepoArch,
		})
	})
	if err != nil {
		return err
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush CSV: %w", err)
	}
	return nil
}

// ExportCSV writes the published CSV dump to path through the atomic
// writer, so report consumers never observe a partial dump.
func (d *DB) ExportCSV(path string) (changed bool, err error) {
	return atomicfile.Replace(path, func(scratch string) error {
		f, err := os.OpenFile(scratch, os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return fmt.Errorf("open CSV scratch: %w", err)
		}
		if err := d.WriteCSV(f); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
}

// ExportParquet writes the published rows as a Parquet file, for report
// consumers that prefer a typed columnar dump over CSV.
func (d *DB) ExportParquet(path string) (changed bool, err error) {
	return atomicfile.Replace(path, func(scratch string) error {
		f, err := os.OpenFile(scratch, os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return fmt.Errorf("open parquet scratch: %w", err)
		}

		pw := parquet.NewGenericWriter[countme.ExportRow](f)
		werr := d.ForEach(func(t countme.WeeklyTotal) error {
			_, err := pw.Write([]countme.ExportRow{t.Export()})
			return err
		})
		if werr != nil {
			pw.Close()
			f.Close()
			return werr
		}
		if err := pw.Close(); err != nil {
			f.Close()
			return fmt.Errorf("close parquet writer: %w", err)
		}
		return f.Close()
	})
}
