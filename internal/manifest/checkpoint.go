package manifest

import (
	"maps"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"tree-inventory/internal/walker"
)

// Checkpoint collects the subtrees a running build has finished, so that an
// interrupted calculation can be saved and later continued with Resume.
type Checkpoint struct {
	mu     sync.Mutex
	header Manifest
	done   map[string]*DirectoryNode
}

// Checkpoint attaches a new Checkpoint to b and returns it. Call it before
// the build starts; the builder reports every finished directory to it.
func (b *Builder) Checkpoint(rootPath string) *Checkpoint {
	c := &Checkpoint{
		header: Manifest{
			Version:       FormatVersion,
			Root:          rootPath,
			Algorithm:     b.hasher.Algorithm(),
			SymlinkPolicy: b.opts.Symlinks,
			Partial:       true,
		},
		done: make(map[string]*DirectoryNode),
	}
	b.checkpoint = c
	return c
}

// Add records a finished subtree, replacing the entries of its children.
// The root is ignored; a finished root is a complete manifest.
func (c *Checkpoint) Add(node *DirectoryNode) {
	if node.Path == RootPath {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range node.Dirs {
		delete(c.done, d.Path)
	}
	c.done[node.Path] = node
}

// Len returns the number of finished subtrees not covered by another one.
func (c *Checkpoint) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.done)
}

// Manifest returns a partial manifest holding every finished subtree. Their
// unfinished ancestors are present without a digest. Finished nodes are
// shared with the build, which no longer modifies them.
func (c *Checkpoint) Manifest() *Manifest {
	c.mu.Lock()
	nodes := maps.Clone(c.done)
	c.mu.Unlock()

	root := &DirectoryNode{Name: filepath.Base(c.header.Root), Path: RootPath}
	for _, p := range slices.Sorted(maps.Keys(nodes)) {
		names := splitPath(p)
		parent := root
		for _, name := range names[:len(names)-1] {
			next := parent.Dir(name)
			if next == nil {
				next = &DirectoryNode{Name: name, Path: walker.Join(parent.Path, name)}
				replaceDir(parent, next)
			}
			parent = next
		}
		replaceDir(parent, nodes[p])
	}

	m := c.header
	m.CalculatedAt = time.Now().UTC()
	m.Tree = root
	return &m
}
