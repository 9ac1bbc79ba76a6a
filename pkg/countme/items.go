package countme

// RawEvent is one observed countme hit as parsed from an access log line.
// Events are immutable once written to the raw store.
type RawEvent struct {
	// Timestamp is the request time in seconds, UTC.
	Timestamp int64

	// Host is the anonymized client identifier. It is stored so that
	// re-ingestion can detect already-present records; it never reaches
	// the totals store.
	Host string

	// OS fields decoded from the libdnf/rpm-ostree User-Agent string.
	OSName    string
	OSVersion string
	OSVariant string
	OSArch    string

	// SysAge is the countme age bucket (1-4), or UniqueHostAge for
	// requests without a countme value.
	SysAge int64

	// RepoTag and RepoArch come from the repo= and arch= query keys.
	RepoTag  string
	RepoArch string
}

// WeeklyTotal is one aggregate row: the hit count for a (week, grouping
// tuple) pair. Rows are written once per finalized week and never updated.
type WeeklyTotal struct {
	Hits      int64
	WeekNum   int64
	OSName    string
	OSVersion string
	OSVariant string
	OSArch    string
	SysAge    int64
	RepoTag   string
	RepoArch  string
}

// ExportRow is the published representation of a WeeklyTotal: weeknum is
// replaced with the week's start and end dates for human readability.
type ExportRow struct {
	WeekStart string `parquet:"week_start"`
	WeekEnd   string `parquet:"week_end"`
	Hits      int64  `parquet:"hits"`
	OSName    string `parquet:"os_name"`
	OSVersion string `parquet:"os_version"`
	OSVariant string `parquet:"os_variant"`
	OSArch    string `parquet:"os_arch"`
	SysAge    int64  `parquet:"sys_age"`
	RepoTag   string `parquet:"repo_tag"`
	RepoArch  string `parquet:"repo_arch"`
}

// ExportHeader is the CSV header for exported totals, in column order.
var ExportHeader = []string{
	"week_start", "week_end", "hits",
	"os_name", "os_version", "os_variant", "os_arch",
	"sys_age", "repo_tag", "repo_arch",
}

// Export converts a WeeklyTotal to its published form.
func (t WeeklyTotal) Export() ExportRow {
	start, end := WeekRange(t.WeekNum)
	return ExportRow{
		WeekStart: start.Format("2006-01-02"),
		WeekEnd:   end.Format("2006-01-02"),
		Hits:      t.Hits,
		OSName:    t.OSName,
		OSVersion: t.OSVersion,
		OSVariant: t.OSVariant,
		OSArch:    t.OSArch,
		SysAge:    t.SysAge,
		RepoTag:   t.RepoTag,
		RepoArch:  t.RepoArch,
	}
}
