package walker

import (
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/pkg/errors"
)

// SymlinkPolicy decides how symbolic links and special files enter a manifest.
type SymlinkPolicy string

const (
	// SymlinkSkip leaves symlinks and special files out of the tree entirely.
	SymlinkSkip SymlinkPolicy = "skip"
	// SymlinkNameOnly records them as zero-length entries, so their names are hashed
	// but link targets and device contents are not.
	SymlinkNameOnly SymlinkPolicy = "name-only"
)

// ParseSymlinkPolicy maps a configuration value to a policy.
func ParseSymlinkPolicy(s string) (SymlinkPolicy, error) {
	switch SymlinkPolicy(s) {
	case SymlinkSkip, "":
		return SymlinkSkip, nil
	case SymlinkNameOnly:
		return SymlinkNameOnly, nil
	default:
		return "", errors.Errorf("unknown symlink policy: %s", s)
	}
}

type Kind int

const (
	KindFile Kind = iota
	KindDir
	KindSpecial
)

// Entry is one child of a listed directory.
type Entry struct {
	Name    string
	Kind    Kind
	Size    int64
	ModTime time.Time
	Mode    os.FileMode
}

func (e Entry) IsDir() bool { return e.Kind == KindDir }

// List returns the children of dir sorted by name. dir is slash-separated and
// relative to the filesystem root ("." for the root itself). Excluded entries
// are dropped, and symlinks/special files are handled per policy.
func List(fsys billy.Filesystem, dir string, policy SymlinkPolicy, matcher *Matcher) ([]Entry, error) {
	infos, err := fsys.ReadDir(OSPath(dir))
	if err != nil {
		return nil, errors.WithMessage(err, "failed to read directory")
	}

	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		entry := Entry{
			Name:    info.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Mode:    info.Mode(),
		}

		switch {
		case info.IsDir():
			entry.Kind = KindDir
			entry.Size = 0
		case info.Mode().IsRegular():
			entry.Kind = KindFile
		default:
			if policy != SymlinkNameOnly {
				continue
			}
			entry.Kind = KindSpecial
			entry.Size = 0
		}

		if matcher.Match(Join(dir, entry.Name), entry.IsDir()) {
			continue
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

// Join appends name to a slash-separated relative directory.
func Join(dir, name string) string {
	if dir == "" || dir == "." {
		return name
	}
	return path.Join(dir, name)
}

// OSPath converts a slash-separated relative path for use with a billy filesystem.
func OSPath(rel string) string {
	if rel == "" {
		return "."
	}
	return filepath.FromSlash(rel)
}

// Matcher holds exclusion patterns. Patterns ending in "/" match any directory
// component; other patterns are globs matched against the base name, or
// against the whole relative path when they contain "/".
type Matcher struct {
	patterns []string
}

// NewMatcher compiles nothing; patterns are matched with path.Match at lookup.
func NewMatcher(patterns []string) *Matcher {
	return &Matcher{patterns: append([]string(nil), patterns...)}
}

// Match reports whether relPath (slash-separated) is excluded.
func (m *Matcher) Match(relPath string, isDir bool) bool {
	if m == nil {
		return false
	}

	parts := strings.Split(relPath, "/")
	for _, pattern := range m.patterns {
		// Handle directory exclusions (patterns ending with /)
		if strings.HasSuffix(pattern, "/") {
			dirPattern := strings.TrimSuffix(pattern, "/")
			for i, part := range parts {
				if i == len(parts)-1 && !isDir {
					break
				}
				if matched, _ := path.Match(dirPattern, part); matched || part == dirPattern {
					return true
				}
			}
			continue
		}

		if matched, err := path.Match(pattern, path.Base(relPath)); err == nil && matched {
			return true
		}
		// Also try matching against the full relative path for patterns with /
		if strings.Contains(pattern, "/") {
			if matched, err := path.Match(pattern, relPath); err == nil && matched {
				return true
			}
		}
	}
	return false
}
