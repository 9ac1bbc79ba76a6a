package atomicfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func listScratch(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, ".*.tmp"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	return matches
}

func TestReplaceCreatesNewTarget(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "store.db")

	changed, err := Replace(target, func(scratch string) error {
		return os.WriteFile(scratch, []byte("v1"), 0644)
	})
	if err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	if !changed {
		t.Error("Replace reported no change for a new target")
	}

	got, err := os.ReadFile(target)
	if err != nil || string(got) != "v1" {
		t.Errorf("target content = %q, %v", got, err)
	}
	if s := listScratch(t, dir); len(s) != 0 {
		t.Errorf("scratch files left behind: %v", s)
	}
}

func TestReplaceIdenticalIsNoOp(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "store.db")
	if err := os.WriteFile(target, []byte("same"), 0644); err != nil {
		t.Fatal(err)
	}
	before, err := os.Stat(target)
	if err != nil {
		t.Fatal(err)
	}

	changed, err := Replace(target, func(scratch string) error {
		return os.WriteFile(scratch, []byte("same"), 0644)
	})
	if err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	if changed {
		t.Error("Replace reported change for identical content")
	}

	after, err := os.Stat(target)
	if err != nil {
		t.Fatal(err)
	}
	if !after.ModTime().Equal(before.ModTime()) {
		t.Error("no-op replace churned the target mtime")
	}
	if s := listScratch(t, dir); len(s) != 0 {
		t.Errorf("scratch files left behind: %v", s)
	}
}

func TestReplaceBuildErrorLeavesTargetUntouched(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "store.db")
	if err := os.WriteFile(target, []byte("original"), 0644); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	changed, err := Replace(target, func(scratch string) error {
		// Simulate an interrupted build: partial scratch content, then failure.
		if werr := os.WriteFile(scratch, []byte("part"), 0644); werr != nil {
			return werr
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Replace err = %v, want boom", err)
	}
	if changed {
		t.Error("Replace reported change after build failure")
	}

	got, err := os.ReadFile(target)
	if err != nil || string(got) != "original" {
		t.Errorf("target content = %q, %v; want original", got, err)
	}
	if s := listScratch(t, dir); len(s) != 0 {
		t.Errorf("scratch files left behind: %v", s)
	}
}

func TestReplacePreservesMode(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "store.db")
	if err := os.WriteFile(target, []byte("v1"), 0600); err != nil {
		t.Fatal(err)
	}

	changed, err := Replace(target, func(scratch string) error {
		return os.WriteFile(scratch, []byte("v2"), 0644)
	})
	if err != nil || !changed {
		t.Fatalf("Replace = %v, %v", changed, err)
	}

	info, err := os.Stat(target)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("target mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestClone(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	if err := os.WriteFile(src, []byte("payload"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := Clone(src, dst); err != nil {
		t.Fatalf("Clone failed: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil || string(got) != "payload" {
		t.Errorf("clone content = %q, %v", got, err)
	}
}

func TestSameContent(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")

	tests := []struct {
		name  string
		aData string
		bData string
		want  bool
	}{
		{"identical", "hello", "hello", true},
		{"different same length", "hello", "world", false},
		{"different length", "hello", "hello!", false},
		{"both empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := os.WriteFile(a, []byte(tt.aData), 0644); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(b, []byte(tt.bData), 0644); err != nil {
				t.Fatal(err)
			}
			got, err := sameContent(a, b)
			if err != nil {
				t.Fatalf("sameContent: %v", err)
			}
			if got != tt.want {
				t.Errorf("sameContent = %v, want %v", got, tt.want)
			}
		})
	}
}
