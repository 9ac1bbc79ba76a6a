// Package accesslog parses httpd combined-log-format lines into countme
// raw events: it matches mirrorlist/metalink requests, decodes the libdnf
// User-Agent string, and extracts the countme query parameters.
package accesslog

import "regexp"

// Log format is the standard Combined Log Format with numeric client IPs:
//
//	%a %l %u %t "%r" %>s %b "%{Referer}i" "%{User-Agent}i"
//
// Example:
//
//	240.159.140.173 - - [29/Mar/2020:16:04:28 +0000] "GET /metalink?repo=fedora-modular-32&arch=x86_64&countme=1 HTTP/2.0" 200 18336 "-" "libdnf (Fedora 32; workstation; Linux.x86_64)"

// httpToken matches an HTTP header token per RFC 7230 §3.2.6: printable
// ASCII minus separators.
const httpToken = `[\w#$%^!&'*+.` + "`" + `|~-]+`

// userAgentPattern matches libdnf/rpm-ostree User-Agent strings. Per
// libdnf's getUserAgent():
//
//	{product} ({os_name} {os_version}; {os_variant}; {os_canon}.{os_arch})
//
// where product is "libdnf", "libdnf/{version}" (dropped in 0.37.2 for
// privacy) or "rpm-ostree".
const userAgentPattern = `(?P<product>(?:libdnf|rpm-ostree)(?:/(?P<product_version>\S+))?)\s+` +
	`\(` +
	`(?P<os_name>.*)\s` +
	`(?P<os_version>[0-9a-z._-]*?);\s` +
	`(?P<os_variant>[0-9a-z._-]*);\s` +
	`(?P<os_canon>[\w./]+)\.` +
	`(?P<os_arch>\w+)` +
	`\)`

// logFields holds the per-field patterns composed into a full line regex.
// Zero values fall back to the permissive defaults that match any line.
type logFields struct {
	method    string
	path      string
	status    string
	userAgent string

	// queryMatch is "" (query optional), "required", or "absent".
	queryMatch string
}

// compileLogPattern builds the full line regex from per-field patterns.
func compileLogPattern(f logFields) *regexp.Regexp {
	defaults := map[string]string{
		"method":     httpToken,
		"path":       `[^\s\?]+`,
		"status":     `\d+`,
		"user_agent": `.+?`,
	}
	pick := func(v, key string) string {
		if v == "" {
			return defaults[key]
		}
		return v
	}
	var queryMatch string
	switch f.queryMatch {
	case "required":
		queryMatch = ""
	case "absent":
		queryMatch = "{0}"
	default:
		queryMatch = "?"
	}

	pattern := `^` +
		`(?P<host>\S+)\s` +
		`(?P<identity>\S+)\s` +
		`(?P<user>\S+)\s` +
		`\[(?P<time>.+?)\]\s` +
		`"(?P<method>` + pick(f.method, "method") + `)\s` +
		`(?P<path>` + pick(f.path, "path") + `)` +
		`(?:\?(?P<query>\S*))` + queryMatch +
		`\s(?P<protocol>HTTP/\d\.\d)"\s` +
		`(?P<status>` + pick(f.status, "status") + `)\s` +
		`(?P<nbytes>\d+|-)\s` +
		`"(?P<referrer>[^"]+)"\s` +
		`"(?P<user_agent>` + pick(f.userAgent, "user_agent") + `)"\s*` +
		`$`
	return regexp.MustCompile(pattern)
}

// countmeLogRE matches the lines that count: GET/HEAD requests for
// /metalink or /mirrorlist with a query string, status 200 or 302, and a
// libdnf-style User-Agent. Lines without a countme= key still match and
// become unique-host rows.
var countmeLogRE = compileLogPattern(logFields{
	method:     `GET|HEAD`,
	path:       `/metalink|/mirrorlist`,
	status:     `200|302`,
	userAgent:  userAgentPattern,
	queryMatch: "required",
})

// mirrorsLogRE matches every mirrorlist/metalink request regardless of
// client, the way mirrorlist.py counts them.
var mirrorsLogRE = compileLogPattern(logFields{
	path: `/metalink|/mirrorlist`,
})
