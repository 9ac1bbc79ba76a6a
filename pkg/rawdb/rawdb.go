// Package rawdb implements the append-mostly raw event store: one SQLite
// table of countme hits keyed by timestamp.
//
// The store is kept a single file (rollback journal, no WAL side files) so
// that the atomicfile compare-and-rename discipline sees complete store
// versions. All mutations happen on scratch copies owned by the caller;
// nothing in this package writes to a live published store.
package rawdb

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mirrorstats/countme/pkg/countme"
	"github.com/mirrorstats/countme/pkg/logging"
)

const (
	tableName = "countme_raw"

	createTable = `CREATE TABLE IF NOT EXISTS countme_raw (
		timestamp INTEGER NOT NULL,
		host TEXT NOT NULL,
		os_name TEXT NOT NULL,
		os_version TEXT NOT NULL,
		os_variant TEXT NOT NULL,
		os_arch TEXT NOT NULL,
		sys_age INTEGER NOT NULL,
		repo_tag TEXT NOT NULL,
		repo_arch TEXT NOT NULL
	)`

	createTimeIndex = `CREATE INDEX IF NOT EXISTS timestamp_idx ON countme_raw (timestamp)`

	insertEvent = `INSERT INTO countme_raw
		(timestamp, host, os_name, os_version, os_variant, os_arch, sys_age, repo_tag, repo_arch)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	eventColumns = `timestamp, host, os_name, os_version, os_variant, os_arch, sys_age, repo_tag, repo_arch`
)

// DB is an open raw event store.
type DB struct {
	db       *sql.DB
	path     string
	readOnly bool
}

// Open opens (or creates) a raw store for writing and ensures its schema.
func Open(path string) (*DB, error) {
	return open(path, false)
}

// OpenReadOnly opens an existing raw store for reading only.
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
		return nil, fmt.Errorf("open raw store %s: %w", path, err)
	}
	// Single-writer batch tool: one connection, no pool churn.
	db.SetMaxOpenConns(1)

	if !readOnly {
		// DELETE journal keeps the store a single file; NORMAL sync is
		// enough since every publish goes through scratch+rename anyway.
		pragmas := []string{
			"PRAGMA journal_mode=DELETE",
			"PRAGMA synchronous=NORMAL",
			"PRAGMA temp_store=MEMORY",
		}
		for _, pragma := range pragmas {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("execute pragma %q on %s: %w", pragma, path, err)
			}
		}
		if _, err := db.Exec(createTable); err != nil {
			db.Close()
			return nil, fmt.Errorf("create raw schema in %s: %w", path, err)
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

// WriteIndex ensures the timestamp index exists. Called after bulk appends
// rather than per row, matching the append-then-index ingestion pattern.
func (d *DB) WriteIndex() error {
	if _, err := d.db.Exec(createTimeIndex); err != nil {
		return fmt.Errorf("create timestamp index: %w", err)
	}
	return nil
}

// Count returns the total number of events.
func (d *DB) Count() (int64, error) {
	var n int64
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM countme_raw`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count raw events: %w", err)
	}
	return n, nil
}

// MaxTimestamp returns the newest event timestamp. ok is false when the
// store holds no events.
func (d *DB) MaxTimestamp() (ts int64, ok bool, err error) {
	return d.scanNullableInt(`SELECT MAX(timestamp) FROM countme_raw`)
}

// MinTimestamp returns the oldest event timestamp.
func (d *DB) MinTimestamp() (ts int64, ok bool, err error) {
	return d.scanNullableInt(`SELECT MIN(timestamp) FROM countme_raw`)
}

func (d *DB) scanNullableInt(query string) (int64, bool, error) {
	var v sql.NullInt64
	err := d.db.QueryRow(query).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query %s: %w", d.path, err)
	}
	return v.Int64, v.Valid, nil
}

// HasEvent reports whether an exact copy of the event is already stored.
// The ingestor probes the first event of each log file with this to decide
// whether the whole file was already ingested.
func (d *DB) HasEvent(ev countme.RawEvent) (bool, error) {
	var n int64
	err := d.db.QueryRow(`SELECT COUNT(*) FROM countme_raw
		WHERE timestamp=? AND host=? AND os_name=? AND os_version=?
		AND os_variant=? AND os_arch=? AND sys_age=? AND repo_tag=? AND repo_arch=?`,
		ev.Timestamp, ev.Host, ev.OSName, ev.OSVersion,
		ev.OSVariant, ev.OSArch, ev.SysAge, ev.RepoTag, ev.RepoArch,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("probe event in %s: %w", d.path, err)
	}
	return n > 0, nil
}

// FileTx is the transaction covering one log file's events. A file is
// represented in the store all-or-nothing: Commit publishes every appended
// event, Rollback discards them all.
type FileTx struct {
	tx   *sql.Tx
	stmt *sql.Stmt
	n    int64
}

// BeginFile starts the transaction for one log file.
func (d *DB) BeginFile() (*FileTx, error) {
	if d.readOnly {
		return nil, errors.New("raw store is read-only")
	}
	tx, err := d.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin file transaction: %w", err)
	}
	stmt, err := tx.Prepare(insertEvent)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("prepare insert: %w", err)
	}
	return &FileTx{tx: tx, stmt: stmt}, nil
}

// Append adds one event to the file's transaction.
func (t *FileTx) Append(ev countme.RawEvent) error {
	_, err := t.stmt.Exec(
		ev.Timestamp, ev.Host, ev.OSName, ev.OSVersion,
		ev.OSVariant, ev.OSArch, ev.SysAge, ev.RepoTag, ev.RepoArch,
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	t.n++
	return nil
}

// Appended returns the number of events added so far.
func (t *FileTx) Appended() int64 {
	return t.n
}

// Commit publishes the file's events.
func (t *FileTx) Commit() error {
	t.stmt.Close()
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit file transaction: %w", err)
	}
	return nil
}

// Rollback discards the file's events.
func (t *FileTx) Rollback() error {
	t.stmt.Close()
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback file transaction: %w", err)
	}
	return nil
}

// CopyAllTo streams every event into dst in storage order, inside one
// transaction on dst. Used by the dump-and-reload compaction.
func (d *DB) CopyAllTo(dst *DB) (int64, error) {
	rows, err := d.db.Query(`SELECT ` + eventColumns + ` FROM countme_raw ORDER BY rowid`)
	if err != nil {
		return 0, fmt.Errorf("dump raw store %s: %w", d.path, err)
	}
	defer rows.Close()

	tx, err := dst.BeginFile()
	if err != nil {
		return 0, err
	}

	meter := logging.NewMeter("vacuum", "copy", 1_000_000)
	for rows.Next() {
		var ev countme.RawEvent
		if err := rows.Scan(
			&ev.Timestamp, &ev.Host, &ev.OSName, &ev.OSVersion,
			&ev.OSVariant, &ev.OSArch, &ev.SysAge, &ev.RepoTag, &ev.RepoArch,
		); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("scan raw event: %w", err)
		}
		if err := tx.Append(ev); err != nil {
			tx.Rollback()
			return 0, err
		}
		meter.Add(1)
	}
	if err := rows.Err(); err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("iterate raw store %s: %w", d.path, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	meter.Done()
	return meter.Rows(), nil
}
