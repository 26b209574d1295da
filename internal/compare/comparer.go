// Package compare diffs two manifests by aggregate digest, descending only
// into directories whose digests differ.
package compare

import (
	"time"

	"github.com/google/btree"
	"github.com/pkg/errors"

	"tree-inventory/internal/errs"
	"tree-inventory/internal/manifest"
	"tree-inventory/internal/walker"
)

// Verdict is the outcome for one path.
type Verdict string

const (
	Identical Verdict = "identical"
	Changed   Verdict = "changed"
	// Added paths exist only in the second manifest.
	Added Verdict = "added"
	// Removed paths exist only in the first manifest.
	Removed Verdict = "removed"
)

// Node is one path of a Diff. Only Changed directories have children.
type Node struct {
	Name     string
	Path     string
	IsDir    bool
	Verdict  Verdict
	Size     int64
	Degraded bool

	// Manifest entries on each side; nil where the path is absent.
	DirA, DirB   *manifest.DirectoryNode
	FileA, FileB *manifest.FileEntry

	Children *btree.BTreeG[*Node]
}

func lessNode(a, b *Node) bool {
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	return !a.IsDir && b.IsDir
}

func newNode(name, path string, isDir bool, verdict Verdict) *Node {
	n := &Node{Name: name, Path: path, IsDir: isDir, Verdict: verdict}
	if isDir && verdict == Changed {
		n.Children = btree.NewG(2, lessNode)
	}
	return n
}

// Child returns the direct child with the given name and kind, or nil.
func (n *Node) Child(name string, isDir bool) *Node {
	if n.Children == nil {
		return nil
	}
	child, _ := n.Children.Get(&Node{Name: name, IsDir: isDir})
	return child
}

// Ascend calls fn for each direct child in name order until fn returns false.
func (n *Node) Ascend(fn func(*Node) bool) {
	if n.Children != nil {
		n.Children.Ascend(fn)
	}
}

// Stats counts the work done and the verdicts emitted.
type Stats struct {
	// Visited is the number of path pairs whose digests were inspected.
	Visited   int
	Identical int
	Changed   int
	Added     int
	Removed   int
}

// Diff is the verdict tree of comparing manifest A against manifest B.
type Diff struct {
	Root         *Node
	Stats        Stats
	RootA, RootB string
	AsOfA, AsOfB time.Time
}

// HasDifferences reports whether any path differs.
func (d *Diff) HasDifferences() bool {
	return d.Root.Verdict != Identical
}

// Walk visits every node depth-first in name order until fn returns false.
func (d *Diff) Walk(fn func(*Node) bool) {
	walk(d.Root, fn)
}

func walk(n *Node, fn func(*Node) bool) bool {
	if !fn(n) {
		return false
	}
	cont := true
	n.Ascend(func(child *Node) bool {
		cont = walk(child, fn)
		return cont
	})
	return cont
}

// Compatible reports whether digests of a and b can be compared at all.
func Compatible(a, b *manifest.Manifest) error {
	if a == nil || b == nil {
		return nil
	}
	if a.Algorithm != b.Algorithm {
		return errs.Invalid("compare manifests", b.Root,
			errors.Errorf("digest algorithms differ: %s vs %s", a.Algorithm, b.Algorithm))
	}
	return nil
}

// Compare diffs a against b. A nil manifest is an empty tree. Subtrees whose
// aggregate digests match are reported Identical without being descended;
// degraded subtrees are never reported Identical.
func Compare(a, b *manifest.Manifest) *Diff {
	d := &Diff{}
	var ta, tb *manifest.DirectoryNode
	if a != nil {
		ta, d.RootA, d.AsOfA = a.Tree, a.Root, a.CalculatedAt
	}
	if b != nil {
		tb, d.RootB, d.AsOfB = b.Tree, b.Root, b.CalculatedAt
	}

	if ta != nil && tb != nil {
		d.Root = d.dirs(manifest.RootPath, manifest.RootPath, ta, tb)
		return d
	}

	// One side is missing: pair the other against an empty directory.
	d.Root = newNode(manifest.RootPath, manifest.RootPath, true, Changed)
	d.Root.DirA, d.Root.DirB = ta, tb
	if ta == nil {
		ta = &manifest.DirectoryNode{}
	}
	if tb == nil {
		tb = &manifest.DirectoryNode{}
	}
	d.Root.Size = tb.Size
	d.Stats.Visited++
	d.children(d.Root, ta, tb)
	if d.Root.Children.Len() == 0 {
		d.Root.Verdict, d.Root.Children = Identical, nil
	}
	d.count(d.Root)
	return d
}

// Differs reports whether a and b differ. It decides from the root digests
// alone and never builds a Diff.
func Differs(a, b *manifest.Manifest) bool {
	var ta, tb *manifest.DirectoryNode
	if a != nil {
		ta = a.Tree
	}
	if b != nil {
		tb = b.Tree
	}
	if ta == nil || tb == nil {
		return !isEmpty(ta) || !isEmpty(tb)
	}
	return ta.Degraded || tb.Degraded || ta.Digest != tb.Digest
}

func isEmpty(n *manifest.DirectoryNode) bool {
	return n == nil || (len(n.Files) == 0 && len(n.Dirs) == 0)
}

func (d *Diff) dirs(name, path string, a, b *manifest.DirectoryNode) *Node {
	d.Stats.Visited++
	if a.Digest == b.Digest && !a.Degraded && !b.Degraded {
		n := newNode(name, path, true, Identical)
		n.DirA, n.DirB, n.Size = a, b, b.Size
		d.count(n)
		return n
	}

	n := newNode(name, path, true, Changed)
	n.DirA, n.DirB, n.Size = a, b, b.Size
	n.Degraded = a.Degraded || b.Degraded
	d.children(n, a, b)
	d.count(n)
	return n
}

// children fills n with the union of the children of a and b.
func (d *Diff) children(n *Node, a, b *manifest.DirectoryNode) {
	for _, fa := range a.Files {
		childPath := walker.Join(n.Path, fa.Name)
		fb := b.File(fa.Name)
		if fb == nil {
			c := newNode(fa.Name, childPath, false, Removed)
			c.FileA, c.Size = fa, fa.Size
			d.add(n, c)
			continue
		}
		d.Stats.Visited++
		verdict := Identical
		if fa.Digest != fb.Digest || fa.Degraded() || fb.Degraded() {
			verdict = Changed
		}
		c := newNode(fa.Name, childPath, false, verdict)
		c.FileA, c.FileB, c.Size = fa, fb, fb.Size
		c.Degraded = fa.Degraded() || fb.Degraded()
		d.add(n, c)
	}
	for _, fb := range b.Files {
		if a.File(fb.Name) == nil {
			c := newNode(fb.Name, walker.Join(n.Path, fb.Name), false, Added)
			c.FileB, c.Size = fb, fb.Size
			d.add(n, c)
		}
	}

	for _, da := range a.Dirs {
		childPath := walker.Join(n.Path, da.Name)
		db := b.Dir(da.Name)
		if db == nil {
			c := newNode(da.Name, childPath, true, Removed)
			c.DirA, c.Size = da, da.Size
			d.add(n, c)
			continue
		}
		n.Children.ReplaceOrInsert(d.dirs(da.Name, childPath, da, db))
	}
	for _, db := range b.Dirs {
		if a.Dir(db.Name) == nil {
			c := newNode(db.Name, walker.Join(n.Path, db.Name), true, Added)
			c.DirB, c.Size = db, db.Size
			d.add(n, c)
		}
	}
}

func (d *Diff) add(parent, child *Node) {
	parent.Children.ReplaceOrInsert(child)
	d.count(child)
}

func (d *Diff) count(n *Node) {
	switch n.Verdict {
	case Identical:
		d.Stats.Identical++
	case Changed:
		d.Stats.Changed++
	case Added:
		d.Stats.Added++
	case Removed:
		d.Stats.Removed++
	}
}
