// Package dupes finds directories with identical content inside a manifest.
package dupes

import (
	"encoding/csv"
	"io"
	"iter"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"tree-inventory/internal/hash"
	"tree-inventory/internal/manifest"
)

// Group is a set of directories sharing one aggregate digest.
type Group struct {
	Digest hash.Digest
	Size   int64
	// Paths are relative to the manifest root, sorted.
	Paths []string
}

// Find returns the duplicate groups of m, largest first. Ties are broken by
// the depth of the shallowest member and then by digest. Degraded directories
// never take part. A group is dropped when every pair of its members lies
// inside the respective members of a group already yielded.
//
// The ranking is computed up front; suppression happens while iterating, so
// stopping after the first K groups is cheap.
func Find(m *manifest.Manifest, minSize int64) iter.Seq[Group] {
	groups := index(m, minSize)

	return func(yield func(Group) bool) {
		var reported []Group
		for _, g := range groups {
			if covered(reported, g) {
				continue
			}
			reported = append(reported, g)
			if !yield(g) {
				return
			}
		}
	}
}

type candidate struct {
	Group
	depth int
}

func index(m *manifest.Manifest, minSize int64) []Group {
	if m == nil || m.Tree == nil {
		return nil
	}

	byDigest := make(map[hash.Digest]*candidate)
	m.Tree.Walk(func(n *manifest.DirectoryNode) bool {
		if n.Path == manifest.RootPath || n.Degraded || n.Size < minSize {
			return true
		}
		c, ok := byDigest[n.Digest]
		if !ok {
			c = &candidate{Group: Group{Digest: n.Digest, Size: n.Size}, depth: depth(n.Path)}
			byDigest[n.Digest] = c
		}
		c.Paths = append(c.Paths, n.Path)
		c.depth = min(c.depth, depth(n.Path))
		return true
	})

	candidates := make([]*candidate, 0, len(byDigest))
	for _, c := range byDigest {
		if len(c.Paths) < 2 {
			continue
		}
		sort.Strings(c.Paths)
		candidates = append(candidates, c)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Size != b.Size {
			return a.Size > b.Size
		}
		if a.depth != b.depth {
			return a.depth < b.depth
		}
		return a.Digest < b.Digest
	})

	groups := make([]Group, len(candidates))
	for i, c := range candidates {
		groups[i] = c.Group
	}
	return groups
}

func covered(reported []Group, g Group) bool {
	for i := 0; i < len(g.Paths); i++ {
		for j := i + 1; j < len(g.Paths); j++ {
			if !pairCovered(reported, g.Paths[i], g.Paths[j]) {
				return false
			}
		}
	}
	return true
}

func pairCovered(reported []Group, p, q string) bool {
	for _, r := range reported {
		for i, a := range r.Paths {
			for j, b := range r.Paths {
				if i != j && within(p, a) && within(q, b) {
					return true
				}
			}
		}
	}
	return false
}

// within reports whether p is dir or lies below it.
func within(p, dir string) bool {
	return dir == manifest.RootPath || p == dir || strings.HasPrefix(p, dir+"/")
}

func depth(p string) int {
	if p == manifest.RootPath {
		return 0
	}
	return strings.Count(p, "/") + 1
}

// WriteCSV writes one row per duplicate: the group size, its first member
// and one other member. It returns the number of rows written.
func WriteCSV(w io.Writer, groups iter.Seq[Group]) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Size (in bytes)", "Folder Path", "Duplicate Folder Path"}); err != nil {
		return 0, errors.WithMessage(err, "failed to write csv header")
	}

	rows := 0
	for g := range groups {
		size := strconv.FormatInt(g.Size, 10)
		for _, dup := range g.Paths[1:] {
			if err := cw.Write([]string{size, g.Paths[0], dup}); err != nil {
				return rows, errors.WithMessage(err, "failed to write csv row")
			}
			rows++
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return rows, errors.WithMessage(err, "failed to flush csv")
	}
	return rows, nil
}
