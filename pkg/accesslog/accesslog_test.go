package accesslog

import (
	"testing"

	"github.com/mirrorstats/countme/pkg/countme"
)

const countmeLine = `240.159.140.173 - - [29/Mar/2020:16:04:28 +0000] ` +
	`"GET /metalink?repo=fedora-modular-32&arch=x86_64&countme=1 HTTP/2.0" 200 18336 "-" ` +
	`"libdnf (Fedora 32; workstation; Linux.x86_64)"`

const versionedAgentLine = `10.0.0.1 - - [29/Mar/2020:16:04:28 +0000] ` +
	`"GET /mirrorlist?repo=fedora-32&arch=aarch64&countme=4 HTTP/1.1" 302 1423 "-" ` +
	`"libdnf/0.35.5 (Fedora 32; server; Linux.aarch64)"`

const rpmOstreeLine = `10.0.0.2 - - [29/Mar/2020:16:04:28 +0000] ` +
	`"GET /metalink?repo=fedora-33&arch=x86_64&countme=2 HTTP/2.0" 200 300 "-" ` +
	`"rpm-ostree (Fedora 33; coreos; Linux.x86_64)"`

const noCountmeLine = `10.0.0.3 - - [29/Mar/2020:16:04:28 +0000] ` +
	`"GET /metalink?repo=fedora-32&arch=x86_64 HTTP/2.0" 200 18336 "-" ` +
	`"libdnf (Fedora 32; workstation; Linux.x86_64)"`

func TestCountmeMatcherBasic(t *testing.T) {
	ev, ok := CountmeMatcher{}.MatchLine(countmeLine)
	if !ok {
		t.Fatal("line did not match")
	}

	want := countme.RawEvent{
		Timestamp: 1585497868, // 29 Mar 2020 16:04:28 UTC
		Host:      "240.159.140.173",
		OSName:    "Fedora",
		OSVersion: "32",
		OSVariant: "workstation",
		OSArch:    "x86_64",
		SysAge:    1,
		RepoTag:   "fedora-modular-32",
		RepoArch:  "x86_64",
	}
	if ev != want {
		t.Errorf("event = %+v\nwant    %+v", ev, want)
	}
}

func TestCountmeMatcherVariants(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		sysAge  int64
		osName  string
		repoTag string
	}{
		{"versioned libdnf", versionedAgentLine, 4, "Fedora", "fedora-32"},
		{"rpm-ostree", rpmOstreeLine, 2, "Fedora", "fedora-33"},
		{"no countme key is unique-host", noCountmeLine, countme.UniqueHostAge, "Fedora", "fedora-32"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := CountmeMatcher{}.MatchLine(tt.line)
			if !ok {
				t.Fatal("line did not match")
			}
			if ev.SysAge != tt.sysAge {
				t.Errorf("sys_age = %d, want %d", ev.SysAge, tt.sysAge)
			}
			if ev.OSName != tt.osName {
				t.Errorf("os_name = %q, want %q", ev.OSName, tt.osName)
			}
			if ev.RepoTag != tt.repoTag {
				t.Errorf("repo_tag = %q, want %q", ev.RepoTag, tt.repoTag)
			}
		})
	}
}

func TestCountmeMatcherRejects(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"empty", ""},
		{"garbage", "not a log line"},
		{"wrong path", `1.2.3.4 - - [29/Mar/2020:16:04:28 +0000] "GET /other?countme=1 HTTP/1.1" 200 5 "-" "libdnf (Fedora 32; workstation; Linux.x86_64)"`},
		{"wrong status", `1.2.3.4 - - [29/Mar/2020:16:04:28 +0000] "GET /metalink?countme=1 HTTP/1.1" 404 5 "-" "libdnf (Fedora 32; workstation; Linux.x86_64)"`},
		{"wrong agent", `1.2.3.4 - - [29/Mar/2020:16:04:28 +0000] "GET /metalink?countme=1 HTTP/1.1" 200 5 "-" "curl/7.68.0"`},
		{"no query", `1.2.3.4 - - [29/Mar/2020:16:04:28 +0000] "GET /metalink HTTP/1.1" 200 5 "-" "libdnf (Fedora 32; workstation; Linux.x86_64)"`},
		{"bad countme value", `1.2.3.4 - - [29/Mar/2020:16:04:28 +0000] "GET /metalink?countme=zzz HTTP/1.1" 200 5 "-" "libdnf (Fedora 32; workstation; Linux.x86_64)"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := (CountmeMatcher{}).MatchLine(tt.line); ok {
				t.Error("line matched, want reject")
			}
		})
	}
}

func TestCountmeMatcherTimezoneOffset(t *testing.T) {
	line := `1.2.3.4 - - [29/Mar/2020:12:04:28 -0400] ` +
		`"GET /metalink?countme=1 HTTP/2.0" 200 5 "-" ` +
		`"libdnf (Fedora 32; workstation; Linux.x86_64)"`
	ev, ok := CountmeMatcher{}.MatchLine(line)
	if !ok {
		t.Fatal("line did not match")
	}
	// 12:04:28 -0400 is 16:04:28 UTC.
	if ev.Timestamp != 1585497868 {
		t.Errorf("timestamp = %d, want 1585497868", ev.Timestamp)
	}
}

func TestMirrorMatcher(t *testing.T) {
	line := `1.2.3.4 - - [29/Mar/2020:16:04:28 +0000] ` +
		`"GET /mirrorlist?repo=epel-8&arch=ppc64le HTTP/1.1" 200 5 "-" "curl/7.68.0"`
	ev, ok := MirrorMatcher{}.MatchLine(line)
	if !ok {
		t.Fatal("line did not match")
	}
	if ev.RepoTag != "epel-8" || ev.RepoArch != "ppc64le" {
		t.Errorf("repo = %q/%q", ev.RepoTag, ev.RepoArch)
	}
	if ev.SysAge != countme.UniqueHostAge {
		t.Errorf("sys_age = %d, want sentinel", ev.SysAge)
	}
	if ev.OSName != "" {
		t.Errorf("os_name = %q, want empty", ev.OSName)
	}
}

func TestParseQueryDict(t *testing.T) {
	tests := []struct {
		query string
		key   string
		want  string
	}{
		{"repo=fedora-32&arch=x86_64", "repo", "fedora-32"},
		{"repo=a&repo=b", "repo", "b"}, // last value wins
		{"arch=x86%5F64", "arch", "x86_64"},
		{"name=a+b", "name", "a b"},
		{"", "repo", ""},
	}
	for _, tt := range tests {
		dict := parseQueryDict(tt.query)
		if got := dict[tt.key]; got != tt.want {
			t.Errorf("parseQueryDict(%q)[%q] = %q, want %q", tt.query, tt.key, got, tt.want)
		}
	}
}
