// Package manifest holds the checksum tree of a directory hierarchy, builds it
// from a filesystem, and persists it as a sidecar document at the tree root.
package manifest

import (
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"tree-inventory/internal/errs"
	"tree-inventory/internal/hash"
	"tree-inventory/internal/walker"
)

// FormatVersion is the sidecar document version written by this package.
const FormatVersion = 1

// RootPath is the relative path of a manifest's root node.
const RootPath = "."

// ErrorMode decides what happens when a file or directory cannot be read.
type ErrorMode string

const (
	// Strict fails the whole build on the first unreadable entry.
	Strict ErrorMode = "strict"
	// Lenient records the error on the entry and marks every enclosing directory degraded.
	Lenient ErrorMode = "lenient"
)

func ParseErrorMode(s string) (ErrorMode, error) {
	switch ErrorMode(s) {
	case Strict, "":
		return Strict, nil
	case Lenient:
		return Lenient, nil
	default:
		return "", errors.Errorf("unknown error mode: %s", s)
	}
}

// Signature is the cheap staleness check for a file: size plus modification
// time in Unix nanoseconds. It decides cache reuse only; it is never compared
// across trees.
type Signature struct {
	Size    int64 `json:"size"`
	ModTime int64 `json:"mtime"`
}

func SignatureOf(e walker.Entry) Signature {
	return Signature{Size: e.Size, ModTime: e.ModTime.UnixNano()}
}

type FileEntry struct {
	Name      string      `json:"name"`
	Size      int64       `json:"size"`
	Digest    hash.Digest `json:"digest,omitempty"`
	Signature Signature   `json:"signature"`
	Err       string      `json:"error,omitempty"`
}

// Degraded reports whether the file could not be hashed.
func (f *FileEntry) Degraded() bool { return f.Err != "" }

// DirectoryNode is one directory of the tree. Files and Dirs are sorted by name.
// Path is relative to the manifest root and is derived, not stored.
type DirectoryNode struct {
	Name     string           `json:"name"`
	Path     string           `json:"-"`
	Digest   hash.Digest      `json:"digest"`
	Size     int64            `json:"size"`
	Files    []*FileEntry     `json:"files,omitempty"`
	Dirs     []*DirectoryNode `json:"dirs,omitempty"`
	Err      string           `json:"error,omitempty"`
	Degraded bool             `json:"degraded,omitempty"`
}

// File returns the named file child, or nil.
func (n *DirectoryNode) File(name string) *FileEntry {
	if n == nil {
		return nil
	}
	i := sort.Search(len(n.Files), func(i int) bool { return n.Files[i].Name >= name })
	if i < len(n.Files) && n.Files[i].Name == name {
		return n.Files[i]
	}
	return nil
}

// Dir returns the named subdirectory, or nil.
func (n *DirectoryNode) Dir(name string) *DirectoryNode {
	if n == nil {
		return nil
	}
	i := sort.Search(len(n.Dirs), func(i int) bool { return n.Dirs[i].Name >= name })
	if i < len(n.Dirs) && n.Dirs[i].Name == name {
		return n.Dirs[i]
	}
	return nil
}

// Walk visits n and its descendants depth-first, pre-order, until fn returns false.
func (n *DirectoryNode) Walk(fn func(*DirectoryNode) bool) bool {
	if n == nil {
		return true
	}
	if !fn(n) {
		return false
	}
	for _, d := range n.Dirs {
		if !d.Walk(fn) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of n.
func (n *DirectoryNode) Clone() *DirectoryNode {
	if n == nil {
		return nil
	}
	c := *n
	if n.Files != nil {
		c.Files = make([]*FileEntry, len(n.Files))
		for i, f := range n.Files {
			fc := *f
			c.Files[i] = &fc
		}
	}
	if n.Dirs != nil {
		c.Dirs = make([]*DirectoryNode, len(n.Dirs))
		for i, d := range n.Dirs {
			c.Dirs[i] = d.Clone()
		}
	}
	return &c
}

// Manifest is the persisted checksum tree of one root directory.
type Manifest struct {
	Version       int                  `json:"version"`
	Root          string               `json:"root"`
	Algorithm     hash.Algorithm       `json:"algorithm"`
	SymlinkPolicy walker.SymlinkPolicy `json:"symlinks"`
	CalculatedAt  time.Time            `json:"calculated_at"`
	// Partial marks a checkpoint of an interrupted calculation. Only the
	// subtrees that carry a digest are complete.
	Partial       bool                 `json:"partial,omitempty"`
	Tree          *DirectoryNode       `json:"tree"`
}

// Lookup returns the directory at the slash-separated relative path rel, or nil.
func (m *Manifest) Lookup(rel string) *DirectoryNode {
	if m == nil {
		return nil
	}
	node := m.Tree
	for _, name := range splitPath(rel) {
		if node = node.Dir(name); node == nil {
			return nil
		}
	}
	return node
}

// Sub returns a manifest rooted at the subdirectory rel. The returned tree is a copy.
func (m *Manifest) Sub(rel string) (*Manifest, error) {
	node := m.Lookup(rel)
	if node == nil {
		return nil, errs.NotFound("select subtree", rel, errors.New("directory is not in the manifest"))
	}
	sub := *m
	sub.Root = filepath.Join(m.Root, filepath.FromSlash(path.Clean(rel)))
	sub.Tree = node.Clone()
	setPaths(sub.Tree, RootPath)
	return &sub, nil
}

// Clone returns a deep copy of m.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	c := *m
	c.Tree = m.Tree.Clone()
	return &c
}

// setPaths derives Path for node and all descendants.
func setPaths(node *DirectoryNode, rel string) {
	node.Path = rel
	for _, d := range node.Dirs {
		setPaths(d, walker.Join(rel, d.Name))
	}
}

func splitPath(rel string) []string {
	rel = path.Clean(strings.TrimPrefix(rel, "./"))
	if rel == "." || rel == "" || rel == "/" {
		return nil
	}
	return strings.Split(strings.Trim(rel, "/"), "/")
}
