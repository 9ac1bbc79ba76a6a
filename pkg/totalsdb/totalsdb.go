// Package totalsdb implements the weekly totals store: one SQLite table of
// finalized per-week aggregate counts, indexed by week number.
//
// Rows are written once per finalized week and are read-only afterwards;
// the only later operations are store-level (split, export, the manual
// delete-week recovery path). Like the raw store it is kept a single file
// and only ever mutated on scratch copies.
package totalsdb

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mirrorstats/countme/pkg/countme"
)

const (
	createTable = `CREATE TABLE IF NOT EXISTS countme_totals (
		hits INTEGER NOT NULL,
		weeknum INTEGER NOT NULL,
		os_name TEXT NOT NULL,
		os_version TEXT NOT NULL,
		os_variant TEXT NOT NULL,
		os_arch TEXT NOT NULL,
		sys_age INTEGER NOT NULL,
		repo_tag TEXT NOT NULL,
		repo_arch TEXT NOT NULL
	)`

	createWeekIndex = `CREATE INDEX IF NOT EXISTS weeknum_idx ON countme_totals (weeknum)`

	insertTotal = `INSERT INTO countme_totals
		(hits, weeknum, os_name, os_version, os_variant, os_arch, sys_age, repo_tag, repo_arch)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	totalColumns = `hits, weeknum, os_name, os_version, os_variant, os_arch, sys_age, repo_tag, repo_arch`
)

// DB is an open totals store.
type DB struct {
	db       *sql.DB
	path     string
	readOnly bool
}

// Open opens (or creates) a totals store for writing and ensures its schema.
func Open(path string) (*DB, error) {
	return open(path, false)
}

// OpenReadOnly opens an existing totals store for reading only.
func OpenReadOnly(path string) (*DB, error) {
	return open(path, true)
}

func open(path string, readOnly bool) (*DB, error) {
	mode := "rwc"
	if readOnly {
		mode = "ro"
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=%s", path, mode))
	if err != nil {
		return nil, fmt.Errorf("open totals store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if !readOnly {
		pragmas := []string{
			"PRAGMA journal_mode=DELETE",
			"PRAGMA synchronous=NORMAL",
		}
		for _, pragma := range pragmas {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("execute pragma %q on %s: %w", pragma, path, err)
			}
		}
		if _, err := db.Exec(createTable); err != nil {
			db.Close()
			return nil, fmt.Errorf("create totals schema in %s: %w", path, err)
		}
	}

	return &DB{db: db, path: path, readOnly: readOnly}, nil
}

// Path returns the file path the store was opened from.
func (d *DB) Path() string {
	return d.path
}

// Close closes the store.
func (d *DB) Close() error {
	return d.db.Close()
}

// WriteIndex ensures the weeknum index exists.
func (d *DB) WriteIndex() error {
	if _, err := d.db.Exec(createWeekIndex); err != nil {
		return fmt.Errorf("create weeknum index: %w", err)
	}
	return nil
}

// Count returns the total number of aggregate rows.
func (d *DB) Count() (int64, error) {
	var n int64
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM countme_totals`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count totals rows: %w", err)
	}
	return n, nil
}

// MaxWeek returns the newest finalized week. ok is false when the store is
// empty.
func (d *DB) MaxWeek() (week int64, ok bool, err error) {
	var v sql.NullInt64
	err = d.db.QueryRow(`SELECT MAX(weeknum) FROM countme_totals`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query max week in %s: %w", d.path, err)
	}
	return v.Int64, v.Valid, nil
}

// HasWeek reports whether the store holds any rows for a week. Weeks are
// finalized whole, so one row means the week is present.
func (d *DB) HasWeek(week int64) (bool, error) {
	var n int64
	err := d.db.QueryRow(`SELECT COUNT(*) FROM countme_totals WHERE weeknum = ?`, week).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("probe week %d in %s: %w", week, d.path, err)
	}
	return n > 0, nil
}

// WeekRowCount returns the number of aggregate rows for a week.
func (d *DB) WeekRowCount(week int64) (int64, error) {
	var n int64
	err := d.db.QueryRow(`SELECT COUNT(*) FROM countme_totals WHERE weeknum = ?`, week).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count rows of week %d: %w", week, err)
	}
	return n, nil
}

// InsertTotals writes a batch of aggregate rows in one transaction.
func (d *DB) InsertTotals(totals []countme.WeeklyTotal) error {
	if d.readOnly {
		return errors.New("totals store is read-only")
	}
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin totals transaction: %w", err)
	}
	stmt, err := tx.Prepare(insertTotal)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare totals insert: %w", err)
	}
	for _, t := range totals {
		if _, err := stmt.Exec(
			t.Hits, t.WeekNum,
			t.OSName, t.OSVersion, t.OSVariant, t.OSArch,
			t.SysAge, t.RepoTag, t.RepoArch,
		); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("insert total for week %d: %w", t.WeekNum, err)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit totals transaction: %w", err)
	}
	return nil
}

// DeleteWeek removes every row of a week. This is the deliberate manual
// recovery path for recomputing a bad week; callers run it on a scratch
// copy only.
func (d *DB) DeleteWeek(week int64) (int64, error) {
	res, err := d.db.Exec(`DELETE FROM countme_totals WHERE weeknum = ?`, week)
	if err != nil {
		return 0, fmt.Errorf("delete week %d: %w", week, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted rows: %w", err)
	}
	return n, nil
}

// ForEach streams every row to fn in weeknum order.
func (d *DB) ForEach(fn func(countme.WeeklyTotal) error) error {
	rows, err := d.db.Query(`SELECT ` + totalColumns + ` FROM countme_totals ORDER BY weeknum, rowid`)
	if err != nil {
		return fmt.Errorf("iterate totals store %s: %w", d.path, err)
	}
	defer rows.Close()

	for rows.Next() {
		var t countme.WeeklyTotal
		if err := rows.Scan(
			&t.Hits, &t.WeekNum,
			&t.OSName, &t.OSVersion, &t.OSVariant, &t.OSArch,
			&t.SysAge, &t.RepoTag, &t.RepoArch,
		); err != nil {
			return fmt.Errorf("scan totals row: %w", err)
		}
		if err := fn(t); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate totals store %s: %w", d.path, err)
	}
	return nil
}
