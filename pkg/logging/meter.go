package logging

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/mirrorstats/countme/pkg/humanfmt"
)

// Meter logs periodic progress for a long row-streaming operation. It
// replaces a terminal progress bar: the pipeline runs from cron, so
// progress goes to the structured log at a bounded rate instead.
//
// Meter is not safe for concurrent use; the pipeline is single-threaded.
type Meter struct {
	log      zerolog.Logger
	label    string
	interval int64
	rows     int64
	nextLog  int64
	start    time.Time
}

// NewMeter creates a progress meter that logs every interval rows.
func NewMeter(phase, label string, interval int64) *Meter {
	if interval <= 0 {
		interval = 1_000_000
	}
	return &Meter{
		log:      WithPhase(phase),
		label:    label,
		interval: interval,
		nextLog:  interval,
		start:    time.Now(),
	}
}

// Add records n more rows, emitting a debug log when the interval is crossed.
func (m *Meter) Add(n int64) {
	m.rows += n
	if m.rows < m.nextLog {
		return
	}
	m.nextLog = m.rows + m.interval
	m.log.Debug().
		Str("label", m.label).
		Str("rows", humanfmt.Count(m.rows)).
		Str("rate", humanfmt.Rate(m.rows, time.Since(m.start))).
		Msg("progress")
}

// Rows returns the number of rows recorded so far.
func (m *Meter) Rows() int64 {
	return m.rows
}

// Done emits the final summary log for the operation.
func (m *Meter) Done() {
	elapsed := time.Since(m.start)
	m.log.Info().
		Str("label", m.label).
		Str("rows", humanfmt.Count(m.rows)).
		Str("rate", humanfmt.Rate(m.rows, elapsed)).
		Str("elapsed", humanfmt.Duration(elapsed)).
		Msg("done")
}
