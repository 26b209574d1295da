package manifest

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"tree-inventory/internal/errs"
	"tree-inventory/internal/hash"
	"tree-inventory/internal/walker"
)

// DefaultSidecar is the file name of the manifest written at a tree root.
const DefaultSidecar = "tree_checksum.json"

// degradedMarker enters the aggregate of a degraded directory under an empty
// name, which no real entry can have.
var degradedMarker = []byte("degraded")

// Options configures a Builder.
type Options struct {
	Algorithm hash.Algorithm
	// Workers bounds concurrent directory listings and file reads. Zero means GOMAXPROCS.
	Workers   int
	Exclude   []string
	Symlinks  walker.SymlinkPolicy
	ErrorMode ErrorMode
	// ForceRecompute ignores cached digests from the previous manifest.
	ForceRecompute bool
	ReadRetries    int
	// Sidecar is skipped when it appears directly under the tree root.
	Sidecar string
	Logger  logrus.FieldLogger

	// OnFile and OnDir are progress hooks. They are called concurrently.
	OnFile func(rel string, reused bool)
	OnDir  func(rel string)
}

// Builder produces manifests from a filesystem rooted at the tree to inventory.
type Builder struct {
	fsys    billy.Filesystem
	opts    Options
	hasher  *hash.Hasher
	matcher *walker.Matcher
	sem     *semaphore.Weighted
	log     logrus.FieldLogger

	checkpoint *Checkpoint
}

func NewBuilder(fsys billy.Filesystem, opts Options) (*Builder, error) {
	alg, err := hash.ParseAlgorithm(string(opts.Algorithm))
	if err != nil {
		return nil, errs.Invalid("create builder", "", err)
	}
	if opts.Symlinks, err = walker.ParseSymlinkPolicy(string(opts.Symlinks)); err != nil {
		return nil, errs.Invalid("create builder", "", err)
	}
	if opts.ErrorMode, err = ParseErrorMode(string(opts.ErrorMode)); err != nil {
		return nil, errs.Invalid("create builder", "", err)
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.Sidecar == "" {
		opts.Sidecar = DefaultSidecar
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	hasher, err := hash.New(alg, hash.WithRetries(opts.ReadRetries))
	if err != nil {
		return nil, errs.Invalid("create builder", "", err)
	}

	return &Builder{
		fsys:    fsys,
		opts:    opts,
		hasher:  hasher,
		matcher: walker.NewMatcher(opts.Exclude),
		sem:     semaphore.NewWeighted(int64(opts.Workers)),
		log:     opts.Logger,
	}, nil
}

// Build walks the whole filesystem and returns its manifest. rootPath is
// recorded as the manifest root. When prev is given, file digests whose
// signature is unchanged are reused from it.
func (b *Builder) Build(ctx context.Context, rootPath string, prev *Manifest) (*Manifest, error) {
	var prevTree *DirectoryNode
	if usable := b.cacheUsable(prev); usable {
		prevTree = prev.Tree
	}
	return b.build(ctx, rootPath, prevTree, false)
}

// Resume continues the interrupted calculation recorded in prev. Subdirectories
// below the root that prev holds complete and not degraded are kept without
// being read again; everything else is calculated, reusing cached digests.
// When prev was made with other settings the calculation starts over.
func (b *Builder) Resume(ctx context.Context, rootPath string, prev *Manifest) (*Manifest, error) {
	if !b.cacheUsable(prev) || !b.sameSettings(prev) {
		if prev != nil {
			b.log.WithField("root", rootPath).Warn("Previous calculation cannot be continued, starting over")
		}
		return b.build(ctx, rootPath, nil, false)
	}
	return b.build(ctx, rootPath, prev.Tree, true)
}

func (b *Builder) build(ctx context.Context, rootPath string, prev *DirectoryNode, resume bool) (*Manifest, error) {
	tree, err := b.buildDir(ctx, RootPath, prev, resume)
	if err != nil {
		return nil, err
	}
	tree.Name = filepath.Base(rootPath)

	return &Manifest{
		Version:       FormatVersion,
		Root:          rootPath,
		Algorithm:     b.hasher.Algorithm(),
		SymlinkPolicy: b.opts.Symlinks,
		CalculatedAt:  time.Now().UTC(),
		Tree:          tree,
	}, nil
}

// BuildDir builds the subtree at rel, reusing digests from prev where the
// signatures match.
func (b *Builder) BuildDir(ctx context.Context, rel string, prev *DirectoryNode) (*DirectoryNode, error) {
	rel = path.Clean(rel)
	return b.buildDir(ctx, rel, prev, false)
}

// Rebuild recalculates the subtree at rel in place and refreshes the digests
// and sizes of its ancestors. A directory new to the manifest is inserted
// under its parent, which must already be present; one that has disappeared
// from disk is removed. A manifest made with another algorithm or symlink
// policy, or a partial one, is recalculated as a whole.
func (b *Builder) Rebuild(ctx context.Context, m *Manifest, rel string) error {
	names := splitPath(rel)
	switch {
	case !b.sameSettings(m):
		b.log.WithFields(logrus.Fields{
			"root":      m.Root,
			"algorithm": m.Algorithm,
			"symlinks":  m.SymlinkPolicy,
		}).Info("Manifest was calculated with other settings, recalculating the whole tree")
		fresh, err := b.Build(ctx, m.Root, nil)
		if err != nil {
			return err
		}
		*m = *fresh
		return nil
	case m.Partial, len(names) == 0:
		prev := m
		if !b.cacheUsable(prev) {
			prev = nil
		}
		fresh, err := b.Build(ctx, m.Root, prev)
		if err != nil {
			return err
		}
		*m = *fresh
		return nil
	}

	// Collect the ancestor chain, root first.
	chain := []*DirectoryNode{m.Tree}
	for _, name := range names[:len(names)-1] {
		next := chain[len(chain)-1].Dir(name)
		if next == nil {
			return errs.NotFound("recalculate subtree", rel, errors.New("parent directory is not in the manifest"))
		}
		chain = append(chain, next)
	}
	parent := chain[len(chain)-1]
	name := names[len(names)-1]

	var prev *DirectoryNode
	if b.cacheUsable(m) {
		prev = parent.Dir(name)
	}

	target := walker.Join(parent.Path, name)
	if _, err := b.fsys.Stat(walker.OSPath(target)); errors.Is(err, os.ErrNotExist) {
		b.log.WithField("path", target).Debug("Directory no longer exists, dropping it from the manifest")
		removeDir(parent, name)
	} else {
		node, err := b.buildDir(ctx, target, prev, false)
		if err != nil {
			return err
		}
		replaceDir(parent, node)
	}

	for i := len(chain) - 1; i >= 0; i-- {
		if err := b.finish(chain[i]); err != nil {
			return err
		}
	}
	m.CalculatedAt = time.Now().UTC()
	return nil
}

// sameSettings reports whether m was calculated with b's algorithm and
// symlink policy, so that subtrees built by b can be merged into it.
func (b *Builder) sameSettings(m *Manifest) bool {
	return m != nil && m.Algorithm == b.hasher.Algorithm() && m.SymlinkPolicy == b.opts.Symlinks
}

func (b *Builder) cacheUsable(prev *Manifest) bool {
	if prev == nil || prev.Tree == nil || b.opts.ForceRecompute {
		return false
	}
	if prev.Algorithm != b.hasher.Algorithm() {
		b.log.WithFields(logrus.Fields{
			"cached":  prev.Algorithm,
			"current": b.hasher.Algorithm(),
		}).Debug("Ignoring cached digests computed with another algorithm")
		return false
	}
	return true
}

func (b *Builder) buildDir(ctx context.Context, rel string, prev *DirectoryNode, resume bool) (*DirectoryNode, error) {
	if resume && rel != RootPath && prev != nil && prev.Digest != "" && !prev.Degraded {
		node := prev.Clone()
		node.Name = path.Base(rel)
		setPaths(node, rel)
		b.log.WithField("path", rel).Debug("Keeping subtree finished by the previous calculation")
		b.done(node)
		return node, nil
	}

	node := &DirectoryNode{Name: path.Base(rel), Path: rel}
	if b.opts.OnDir != nil {
		b.opts.OnDir(rel)
	}

	if err := b.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	entries, err := walker.List(b.fsys, rel, b.opts.Symlinks, b.matcher)
	b.sem.Release(1)
	if err != nil {
		err = errs.IO("list directory", rel, err)
		if b.opts.ErrorMode != Lenient {
			return nil, err
		}
		b.log.WithError(err).WithField("path", rel).Warn("Directory unreadable, recording it as degraded")
		node.Err = err.Error()
		if err := b.finish(node); err != nil {
			return nil, err
		}
		b.done(node)
		return node, nil
	}

	var files []walker.Entry
	for _, e := range entries {
		switch {
		case e.IsDir():
			node.Dirs = append(node.Dirs, &DirectoryNode{Name: e.Name})
		case rel == RootPath && e.Name == b.opts.Sidecar:
		default:
			files = append(files, e)
			node.Files = append(node.Files, &FileEntry{Name: e.Name, Size: e.Size, Signature: SignatureOf(e)})
		}
	}

	// Slices are fully allocated above; goroutines only write their own element.
	g, gctx := errgroup.WithContext(ctx)
	for i, child := range node.Dirs {
		childPrev := prev.Dir(child.Name)
		g.Go(func() error {
			built, err := b.buildDir(gctx, walker.Join(rel, child.Name), childPrev, resume)
			if err != nil {
				return err
			}
			node.Dirs[i] = built
			return nil
		})
	}
	g.Go(func() error {
		return b.hashFiles(gctx, rel, node.Files, files, prev)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := b.finish(node); err != nil {
		return nil, err
	}
	b.done(node)
	return node, nil
}

// hashFiles fills in the digests of one directory's files, reusing cached
// ones, with at most Workers files in flight.
func (b *Builder) hashFiles(ctx context.Context, rel string, entries []*FileEntry, listed []walker.Entry, prev *DirectoryNode) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.opts.Workers)

	for i, entry := range entries {
		if gctx.Err() != nil {
			break
		}
		childRel := walker.Join(rel, entry.Name)
		if listed[i].Kind == walker.KindSpecial {
			entry.Digest = b.hasher.Bytes(nil)
			continue
		}
		if cached := prev.File(entry.Name); b.reusable(cached, entry) {
			entry.Digest = cached.Digest
			if b.opts.OnFile != nil {
				b.opts.OnFile(childRel, true)
			}
			continue
		}
		g.Go(func() error {
			return b.hashFile(gctx, childRel, entry)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (b *Builder) done(node *DirectoryNode) {
	if b.checkpoint != nil {
		b.checkpoint.Add(node)
	}
}

func (b *Builder) reusable(cached, current *FileEntry) bool {
	return cached != nil &&
		!cached.Degraded() &&
		cached.Digest != "" &&
		cached.Signature == current.Signature
}

func (b *Builder) hashFile(ctx context.Context, rel string, entry *FileEntry) error {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	digest, err := b.hasher.File(ctx, b.fsys, walker.OSPath(rel))
	b.sem.Release(1)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = errs.IO("hash file", rel, err)
		if b.opts.ErrorMode != Lenient {
			return err
		}
		b.log.WithError(err).WithField("path", rel).Warn("File unreadable, recording it as degraded")
		entry.Err = err.Error()
		return nil
	}

	entry.Digest = digest
	if b.opts.OnFile != nil {
		b.opts.OnFile(rel, false)
	}
	return nil
}

// finish computes the aggregate digest, size and degraded flag of node from
// its already completed children. A degraded directory never shares a digest
// with a complete one.
func (b *Builder) finish(node *DirectoryNode) error {
	pairs := make([]hash.Pair, 0, len(node.Files)+len(node.Dirs))
	var size int64
	degraded := node.Err != ""

	for _, f := range node.Files {
		pairs = append(pairs, hash.Pair{Name: f.Name, Digest: f.Digest})
		size += f.Size
		degraded = degraded || f.Degraded()
	}
	for _, d := range node.Dirs {
		pairs = append(pairs, hash.Pair{Name: d.Name, Digest: d.Digest})
		size += d.Size
		degraded = degraded || d.Degraded
	}

	if degraded {
		pairs = append(pairs, hash.Pair{Digest: b.hasher.Bytes(degradedMarker)})
	}

	digest, err := b.hasher.Aggregate(pairs)
	if err != nil {
		return errs.IO("aggregate directory", node.Path, err)
	}
	node.Digest = digest
	node.Size = size
	node.Degraded = degraded
	return nil
}

func replaceDir(parent, node *DirectoryNode) {
	for i, d := range parent.Dirs {
		if d.Name == node.Name {
			parent.Dirs[i] = node
			return
		}
		if d.Name > node.Name {
			parent.Dirs = append(parent.Dirs[:i], append([]*DirectoryNode{node}, parent.Dirs[i:]...)...)
			return
		}
	}
	parent.Dirs = append(parent.Dirs, node)
}

func removeDir(parent *DirectoryNode, name string) {
	for i, d := range parent.Dirs {
		if d.Name == name {
			parent.Dirs = append(parent.Dirs[:i], parent.Dirs[i+1:]...)
			return
		}
	}
}
