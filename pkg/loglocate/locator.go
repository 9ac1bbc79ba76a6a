package loglocate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mirrorstats/countme/pkg/logging"
)

// DefaultTemplate is the per-day log path used when no template is
// configured, matching the Fedora mirror proxy archive layout.
const DefaultTemplate = "%Y/%m/%d/mirrors.fedoraproject.org-access.log"

// CompressionExts is the ordered list of extensions probed when the
// uncompressed log path for a day does not exist. Order decides which
// format wins when several coexist.
var CompressionExts = []string{".zst", ".zstd", ".lz4", ".lzo", ".gz", ".xz"}

// ErrNoLogs is returned when a locate pass finds no file for any day in
// the range, which indicates a misconfigured root or template.
var ErrNoLogs = errors.New("no log files found for any day in range")

// Locator maps calendar days to concrete log file paths under a root
// directory, using a path template with %Y/%m/%d placeholders.
type Locator struct {
	// Root is the log archive root directory.
	Root string

	// Template is the per-day relative path, e.g.
	// "%Y/%m/%d/mirrors.fedoraproject.org-access.log".
	Template string
}

// Validate checks the locator configuration.
func (l Locator) Validate() error {
	if l.Root == "" {
		return errors.New("log root is required")
	}
	if l.Template == "" {
		return errors.New("path template is required")
	}
	return nil
}

// DayPath resolves one day to an existing log file path. The uncompressed
// path is tried first, then each entry of CompressionExts in order.
// Returns ok=false when no candidate exists; a missing day is not an error.
func (l Locator) DayPath(day time.Time) (string, bool) {
	base := filepath.Join(l.Root, ExpandTemplate(l.Template, day))
	if fileExists(base) {
		return base, true
	}
	for _, ext := range CompressionExts {
		if p := base + ext; fileExists(p) {
			return p, true
		}
	}
	return "", false
}

// Locate resolves every day in [start, end] to a log file path, in date
// order, skipping days with no file. It fails only when the combined
// result is empty.
func (l Locator) Locate(start, end time.Time) ([]string, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}

	log := logging.WithPhase("locate")
	var paths []string
	for _, day := range DateRange(start, end) {
		p, ok := l.DayPath(day)
		if !ok {
			log.Debug().Str("day", day.Format(DateLayout)).Msg("no log file for day")
			continue
		}
		paths = append(paths, p)
	}

	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: root %s template %s", ErrNoLogs, l.Root, l.Template)
	}
	return paths, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
