package walker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

func names(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}

func TestList_SortedChildren(t *testing.T) {
	fsys := memfs.New()
	for _, f := range []string{"zeta.txt", "alpha.txt", "mid/file.md", "beta.go"} {
		if err := util.WriteFile(fsys, f, []byte("content"), 0644); err != nil {
			t.Fatalf("Failed to create file: %v", err)
		}
	}

	entries, err := List(fsys, ".", SymlinkSkip, nil)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}

	got := names(entries)
	want := []string{"alpha.txt", "beta.go", "mid", "zeta.txt"}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Entry %d: expected %q, got %q", i, want[i], got[i])
		}
	}
	if !entries[2].IsDir() {
		t.Error("mid should be listed as a directory")
	}
	if entries[0].Size != int64(len("content")) {
		t.Errorf("Expected size %d, got %d", len("content"), entries[0].Size)
	}
}

func TestList_WithExclusions(t *testing.T) {
	fsys := memfs.New()

	files := map[string]bool{
		"file1.txt":           false, // should be included
		"file2.tmp":           true,  // should be excluded (*.tmp)
		"file3.log":           true,  // should be excluded (*.log)
		"node_modules/lib.js": true,  // should be excluded (node_modules/)
		"src/main.go":         false, // should be included
		"dist/output.js":      true,  // should be excluded (dist/)
		".git/config":         true,  // should be excluded (.git/)
	}
	for f := range files {
		if err := util.WriteFile(fsys, f, []byte("content"), 0644); err != nil {
			t.Fatalf("Failed to create file: %v", err)
		}
	}

	matcher := NewMatcher([]string{"*.tmp", "*.log", "node_modules/", "dist/", ".git/"})
	entries, err := List(fsys, ".", SymlinkSkip, matcher)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}

	got := names(entries)
	want := []string{"file1.txt", "src"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestList_NestedDirectory(t *testing.T) {
	fsys := memfs.New()
	if err := util.WriteFile(fsys, "a/b/c.txt", []byte("x"), 0644); err != nil {
		t.Fatalf("Failed to create file: %v", err)
	}

	entries, err := List(fsys, "a/b", SymlinkSkip, nil)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "c.txt" {
		t.Errorf("Expected [c.txt], got %v", names(entries))
	}
}

func TestList_EmptyDirectory(t *testing.T) {
	fsys := memfs.New()
	if err := fsys.MkdirAll("empty", 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}

	entries, err := List(fsys, "empty", SymlinkSkip, nil)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected 0 entries in empty directory, got %d", len(entries))
	}
}

func TestList_NonExistentDirectory(t *testing.T) {
	if _, err := List(memfs.New(), "nonexistent/directory", SymlinkSkip, nil); err == nil {
		t.Error("List should return error for nonexistent directory")
	}
}

func TestList_SymlinkPolicy(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmpDir, "real.txt"), []byte("data"), 0644); err != nil {
		t.Fatalf("Failed to create file: %v", err)
	}
	if err := os.Symlink("real.txt", filepath.Join(tmpDir, "link.txt")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	fsys := osfs.New(tmpDir)

	skipped, err := List(fsys, ".", SymlinkSkip, nil)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(skipped) != 1 || skipped[0].Name != "real.txt" {
		t.Errorf("skip policy: expected [real.txt], got %v", names(skipped))
	}

	named, err := List(fsys, ".", SymlinkNameOnly, nil)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(named) != 2 {
		t.Fatalf("name-only policy: expected 2 entries, got %v", names(named))
	}
	if named[0].Name != "link.txt" || named[0].Kind != KindSpecial || named[0].Size != 0 {
		t.Errorf("name-only policy: expected zero-size special link.txt, got %+v", named[0])
	}
}

func TestMatcher(t *testing.T) {
	m := NewMatcher([]string{"*.tmp", "bin/", "docs/*.md"})

	cases := []struct {
		path  string
		isDir bool
		want  bool
	}{
		{"a.tmp", false, true},
		{"deep/nested/a.tmp", false, true},
		{"bin", true, true},
		{"src/bin", true, true},
		{"bin", false, false}, // a file named bin is not a directory match
		{"docs/readme.md", false, true},
		{"other/readme.md", false, false},
		{"main.go", false, false},
	}
	for _, c := range cases {
		if got := m.Match(c.path, c.isDir); got != c.want {
			t.Errorf("Match(%q, %v) = %v, want %v", c.path, c.isDir, got, c.want)
		}
	}

	var nilMatcher *Matcher
	if nilMatcher.Match("anything", false) {
		t.Error("nil matcher should exclude nothing")
	}
}

func TestParseSymlinkPolicy(t *testing.T) {
	if p, err := ParseSymlinkPolicy(""); err != nil || p != SymlinkSkip {
		t.Errorf("empty policy should default to skip, got %q %v", p, err)
	}
	if p, err := ParseSymlinkPolicy("name-only"); err != nil || p != SymlinkNameOnly {
		t.Errorf("expected name-only, got %q %v", p, err)
	}
	if _, err := ParseSymlinkPolicy("follow"); err == nil {
		t.Error("follow should be rejected")
	}
}

func TestJoin(t *testing.T) {
	if got := Join(".", "a"); got != "a" {
		t.Errorf("Join(., a) = %q", got)
	}
	if got := Join("a/b", "c"); got != "a/b/c" {
		t.Errorf("Join(a/b, c) = %q", got)
	}
}
