package accesslog

import (
	"bufio"
	"fmt"

	"github.com/mirrorstats/countme/pkg/loglocate"
	"github.com/mirrorstats/countme/pkg/logging"
	"github.com/mirrorstats/countme/pkg/rawdb"
)

// maxLineLen bounds one access-log line. Referrer and User-Agent strings
// are attacker-supplied, so lines can get long, but 1MiB is far past
// anything a real client sends.
const maxLineLen = 1 << 20

// Stats summarizes parsing one log file.
type Stats struct {
	// Matched is the number of lines that matched the hit pattern.
	Matched int64

	// Appended is the number of events written to the raw store.
	Appended int64

	// SkippedDup is true when the file was skipped because its first
	// matching event was already stored.
	SkippedDup bool
}

// Parser parses located log files and appends their events to a raw store.
// Each file is one store transaction: it is either fully represented in
// the store afterwards, or not at all.
type Parser struct {
	matcher Matcher
}

// New creates a Parser using the given matcher.
func New(m Matcher) *Parser {
	return &Parser{matcher: m}
}

// NewCountme creates the default parser for countme ingestion.
func NewCountme() *Parser {
	return New(CountmeMatcher{})
}

// ParseLog parses one log file into the raw store.
//
// If the first matching event already exists in the store, the whole file
// is skipped: log files are ingested in order with monotonically
// non-decreasing timestamps inside each file, so a present first event
// means the file was fully ingested by an earlier run. This is what makes
// overlapping resumption windows safe.
func (p *Parser) ParseLog(path string, db *rawdb.DB) (Stats, error) {
	log := logging.WithPhase("parse")

	r, err := loglocate.Open(path)
	if err != nil {
		return Stats{}, err
	}
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineLen)

	var (
		stats Stats
		tx    *rawdb.FileTx
	)
	fail := func(err error) (Stats, error) {
		if tx != nil {
			tx.Rollback()
		}
		return Stats{}, err
	}

	for scanner.Scan() {
		ev, ok := p.matcher.MatchLine(scanner.Text())
		if !ok {
			continue
		}
		stats.Matched++

		if tx == nil {
			// First matching event decides whether this file is new.
			present, err := db.HasEvent(ev)
			if err != nil {
				return fail(err)
			}
			if present {
				log.Debug().Str("log", path).Msg("first event already stored, skipping file")
				return Stats{Matched: stats.Matched, SkippedDup: true}, nil
			}
			tx, err = db.BeginFile()
			if err != nil {
				return fail(err)
			}
		}

		if err := tx.Append(ev); err != nil {
			return fail(err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fail(fmt.Errorf("read log %s: %w", path, err))
	}

	if tx == nil {
		// No matching lines at all; nothing to commit.
		return stats, nil
	}
	stats.Appended = tx.Appended()
	if err := tx.Commit(); err != nil {
		return Stats{}, err
	}
	return stats, nil
}
