package accesslog

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mirrorstats/countme/pkg/countme"
)

// logTimeLayout is the httpd %t time format, e.g. "29/Mar/2020:16:04:28 +0000".
const logTimeLayout = "02/Jan/2006:15:04:05 -0700"

// Matcher turns one access-log line into a raw event.
type Matcher interface {
	// MatchLine reports the event for a matching line. ok is false both
	// for non-matching lines and for matching lines whose fields fail to
	// convert; neither aborts the file.
	MatchLine(line string) (ev countme.RawEvent, ok bool)
}

// CountmeMatcher matches libdnf-style countme requests. Matching requests
// without a countme= query key become unique-host rows (sys_age -1), which
// is how the traditional unique-client statistics are gathered.
type CountmeMatcher struct{}

func (CountmeMatcher) MatchLine(line string) (countme.RawEvent, bool) {
	m := match(countmeLogRE, line)
	if m == nil {
		return countme.RawEvent{}, false
	}

	ts, err := parseLogTime(m["time"])
	if err != nil {
		return countme.RawEvent{}, false
	}
	query := parseQueryDict(m["query"])

	sysAge := int64(countme.UniqueHostAge)
	if v, present := query["countme"]; present {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return countme.RawEvent{}, false
		}
		sysAge = n
	}

	return countme.RawEvent{
		Timestamp: ts,
		Host:      m["host"],
		OSName:    m["os_name"],
		OSVersion: m["os_version"],
		OSVariant: m["os_variant"],
		OSArch:    m["os_arch"],
		SysAge:    sysAge,
		RepoTag:   query["repo"],
		RepoArch:  query["arch"],
	}, true
}

// MirrorMatcher matches every mirrorlist/metalink request, like
// mirrorlist.py does. Only the repo fields are known; OS fields are empty
// and sys_age is the unique-host sentinel.
type MirrorMatcher struct{}

func (MirrorMatcher) MatchLine(line string) (countme.RawEvent, bool) {
	m := match(mirrorsLogRE, line)
	if m == nil {
		return countme.RawEvent{}, false
	}

	ts, err := parseLogTime(m["time"])
	if err != nil {
		return countme.RawEvent{}, false
	}
	query := parseQueryDict(m["query"])

	return countme.RawEvent{
		Timestamp: ts,
		Host:      m["host"],
		SysAge:    countme.UniqueHostAge,
		RepoTag:   query["repo"],
		RepoArch:  query["arch"],
	}, true
}

// match applies re to line and returns named group values, or nil.
func match(re *regexp.Regexp, line string) map[string]string {
	sub := re.FindStringSubmatch(line)
	if sub == nil {
		return nil
	}
	groups := make(map[string]string, len(sub))
	for i, name := range re.SubexpNames() {
		if name != "" {
			groups[name] = sub[i]
		}
	}
	return groups
}

// parseLogTime parses the httpd log time field to a Unix timestamp.
func parseLogTime(s string) (int64, error) {
	t, err := time.Parse(logTimeLayout, s)
	if err != nil {
		return 0, err
	}
	return t.Unix(), nil
}

// parseQueryDict parses a query string the way mirrormanager does: pairs
// split on '&', last value wins, '+' and percent-escapes decoded.
func parseQueryDict(query string) map[string]string {
	dict := make(map[string]string)
	for _, pair := range strings.Split(query, "&") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		key = unescape(key)
		if key == "" {
			continue
		}
		dict[key] = unescape(value)
	}
	return dict
}

func unescape(s string) string {
	s = strings.ReplaceAll(s, "+", " ")
	if u, err := url.QueryUnescape(s); err == nil {
		return u
	}
	return s
}
