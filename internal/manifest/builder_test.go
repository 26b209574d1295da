package manifest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tree-inventory/internal/errs"
	"tree-inventory/internal/hash"
	"tree-inventory/internal/walker"
)

func writeTree(t *testing.T, fsys billy.Filesystem, files map[string]string) {
	t.Helper()
	for name, content := range files {
		require.NoError(t, util.WriteFile(fsys, name, []byte(content), 0644))
	}
}

func newTestBuilder(t *testing.T, fsys billy.Filesystem, opts Options) *Builder {
	t.Helper()
	b, err := NewBuilder(fsys, opts)
	require.NoError(t, err)
	return b
}

func build(t *testing.T, fsys billy.Filesystem, opts Options, prev *Manifest) *Manifest {
	t.Helper()
	m, err := newTestBuilder(t, fsys, opts).Build(context.Background(), "/tree", prev)
	require.NoError(t, err)
	return m
}

func sampleTree() map[string]string {
	return map[string]string{
		"foo/one.txt": "hello",
		"foo/two.txt": "world",
		"bar/a.txt":   "alpha",
		"top.txt":     "top level",
	}
}

func TestBuildIdenticalTrees(t *testing.T) {
	a, b := memfs.New(), memfs.New()
	writeTree(t, a, sampleTree())
	writeTree(t, b, sampleTree())

	ma := build(t, a, Options{}, nil)
	mb := build(t, b, Options{}, nil)

	assert.Equal(t, FormatVersion, ma.Version)
	assert.Equal(t, hash.XXH64, ma.Algorithm)
	assert.Equal(t, "tree", ma.Tree.Name)
	assert.Equal(t, ma.Tree.Digest, mb.Tree.Digest)
	assert.Equal(t, int64(len("hello")+len("world")+len("alpha")+len("top level")), ma.Tree.Size)

	hasher, err := hash.New(hash.XXH64)
	require.NoError(t, err)
	one := ma.Lookup("foo").File("one.txt")
	require.NotNil(t, one)
	assert.Equal(t, hasher.Bytes([]byte("hello")), one.Digest)
	assert.Equal(t, int64(5), one.Size)
	assert.Equal(t, "foo", ma.Lookup("foo").Path)
}

func TestBuildDirectoryDigestFormula(t *testing.T) {
	fsys := memfs.New()
	writeTree(t, fsys, map[string]string{"foo/one.txt": "hello", "foo/two.txt": "world"})
	m := build(t, fsys, Options{}, nil)

	hasher, err := hash.New(hash.XXH64)
	require.NoError(t, err)
	foo, err := hasher.Aggregate([]hash.Pair{
		{Name: "one.txt", Digest: hasher.Bytes([]byte("hello"))},
		{Name: "two.txt", Digest: hasher.Bytes([]byte("world"))},
	})
	require.NoError(t, err)
	root, err := hasher.Aggregate([]hash.Pair{{Name: "foo", Digest: foo}})
	require.NoError(t, err)

	assert.Equal(t, foo, m.Lookup("foo").Digest)
	assert.Equal(t, root, m.Tree.Digest)
}

func TestBuildRenameChangesAncestorsOnly(t *testing.T) {
	a, b := memfs.New(), memfs.New()
	writeTree(t, a, sampleTree())
	renamed := sampleTree()
	delete(renamed, "foo/two.txt")
	renamed["foo/three.txt"] = "world"
	writeTree(t, b, renamed)

	ma := build(t, a, Options{}, nil)
	mb := build(t, b, Options{}, nil)

	assert.NotEqual(t, ma.Tree.Digest, mb.Tree.Digest)
	assert.NotEqual(t, ma.Lookup("foo").Digest, mb.Lookup("foo").Digest)
	assert.Equal(t, ma.Lookup("bar").Digest, mb.Lookup("bar").Digest)
	assert.Equal(t, ma.Lookup("foo").Size, mb.Lookup("foo").Size)
}

func TestBuildEmptyDirectory(t *testing.T) {
	fsys := memfs.New()
	require.NoError(t, fsys.MkdirAll("empty", 0755))
	writeTree(t, fsys, map[string]string{"file.txt": "x"})

	m := build(t, fsys, Options{}, nil)

	empty := m.Lookup("empty")
	require.NotNil(t, empty, "empty directories are part of the tree")
	assert.Equal(t, int64(0), empty.Size)

	hasher, err := hash.New(hash.XXH64)
	require.NoError(t, err)
	want, err := hasher.Aggregate(nil)
	require.NoError(t, err)
	assert.Equal(t, want, empty.Digest)
}

func TestBuildSkipsRootSidecarOnly(t *testing.T) {
	fsys := memfs.New()
	writeTree(t, fsys, map[string]string{
		DefaultSidecar:             "{}",
		"nested/" + DefaultSidecar: "{}",
		"data.txt":                 "data",
	})

	m := build(t, fsys, Options{}, nil)

	assert.Nil(t, m.Tree.File(DefaultSidecar))
	assert.NotNil(t, m.Lookup("nested").File(DefaultSidecar))
	assert.NotNil(t, m.Tree.File("data.txt"))
}

func TestBuildExclusions(t *testing.T) {
	fsys := memfs.New()
	writeTree(t, fsys, map[string]string{
		"keep.txt":          "k",
		"drop.tmp":          "d",
		"node_modules/x.js": "x",
	})

	m := build(t, fsys, Options{Exclude: []string{"*.tmp", "node_modules/"}}, nil)

	assert.NotNil(t, m.Tree.File("keep.txt"))
	assert.Nil(t, m.Tree.File("drop.tmp"))
	assert.Nil(t, m.Lookup("node_modules"))
}

func TestBuildDeterministicAcrossWorkerCounts(t *testing.T) {
	fsys := memfs.New()
	files := map[string]string{}
	for _, d := range []string{"a", "b", "c/d", "c/e/f"} {
		for _, f := range []string{"1.txt", "2.txt", "3.txt"} {
			files[d+"/"+f] = d + f
		}
	}
	writeTree(t, fsys, files)

	serial := build(t, fsys, Options{Workers: 1}, nil)
	parallel := build(t, fsys, Options{Workers: 16}, nil)

	assert.Equal(t, serial.Tree.Digest, parallel.Tree.Digest)
}

func TestBuildSHA256(t *testing.T) {
	fsys := memfs.New()
	writeTree(t, fsys, sampleTree())

	m := build(t, fsys, Options{Algorithm: hash.SHA256}, nil)

	assert.Equal(t, hash.SHA256, m.Algorithm)
	assert.Len(t, string(m.Tree.Digest), 64)
}

func TestNewBuilderRejectsUnknownOptions(t *testing.T) {
	_, err := NewBuilder(memfs.New(), Options{Algorithm: "md5"})
	assert.True(t, errs.Is(err, errs.CodeInvalidInput))

	_, err = NewBuilder(memfs.New(), Options{Symlinks: "follow"})
	assert.True(t, errs.Is(err, errs.CodeInvalidInput))

	_, err = NewBuilder(memfs.New(), Options{ErrorMode: "sloppy"})
	assert.True(t, errs.Is(err, errs.CodeInvalidInput))
}

// deniedFS refuses to open one path.
type deniedFS struct {
	billy.Filesystem
	denied string
}

func (f *deniedFS) Open(name string) (billy.File, error) {
	if filepath.ToSlash(name) == f.denied {
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrPermission}
	}
	return f.Filesystem.Open(name)
}

func (f *deniedFS) ReadDir(name string) ([]os.FileInfo, error) {
	if filepath.ToSlash(name) == f.denied {
		return nil, &os.PathError{Op: "readdir", Path: name, Err: os.ErrPermission}
	}
	return f.Filesystem.ReadDir(name)
}

func TestBuildStrictModeFails(t *testing.T) {
	base := memfs.New()
	writeTree(t, base, sampleTree())
	fsys := &deniedFS{Filesystem: base, denied: "foo/two.txt"}

	_, err := newTestBuilder(t, fsys, Options{}).Build(context.Background(), "/tree", nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeIO))
	assert.Contains(t, err.Error(), "foo/two.txt")
	assert.ErrorIs(t, err, os.ErrPermission)
}

func TestBuildLenientModeDegrades(t *testing.T) {
	base := memfs.New()
	writeTree(t, base, sampleTree())
	fsys := &deniedFS{Filesystem: base, denied: "foo/two.txt"}

	m := build(t, fsys, Options{ErrorMode: Lenient}, nil)

	two := m.Lookup("foo").File("two.txt")
	require.NotNil(t, two)
	assert.True(t, two.Degraded())
	assert.Empty(t, two.Digest)
	assert.True(t, m.Lookup("foo").Degraded)
	assert.True(t, m.Tree.Degraded)
	assert.False(t, m.Lookup("bar").Degraded)
	assert.NotEmpty(t, m.Lookup("foo").File("one.txt").Digest)
}

func TestBuildDegradedDirectoryDiffersFromEmpty(t *testing.T) {
	base := memfs.New()
	writeTree(t, base, sampleTree())
	require.NoError(t, base.MkdirAll("empty", 0755))
	fsys := &deniedFS{Filesystem: base, denied: "bar"}

	m := build(t, fsys, Options{ErrorMode: Lenient}, nil)

	bar := m.Lookup("bar")
	require.NotNil(t, bar)
	assert.True(t, bar.Degraded)
	assert.Empty(t, bar.Files)
	assert.NotEqual(t, m.Lookup("empty").Digest, bar.Digest)
}

func TestBuildBoundsFileHashingPerDirectory(t *testing.T) {
	fsys := memfs.New()
	for i := range 2000 {
		require.NoError(t, util.WriteFile(fsys, fmt.Sprintf("big/f%04d", i), []byte{byte(i)}, 0644))
	}

	before := runtime.NumGoroutine()
	var peak atomic.Int64
	opts := Options{Workers: 2, OnFile: func(string, bool) {
		n := int64(runtime.NumGoroutine())
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				return
			}
		}
	}}

	m := build(t, fsys, opts, nil)
	assert.Len(t, m.Lookup("big").Files, 2000)
	assert.Less(t, peak.Load(), int64(before+50))
}

func TestBuildCancelled(t *testing.T) {
	fsys := memfs.New()
	writeTree(t, fsys, sampleTree())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestBuilder(t, fsys, Options{}).Build(ctx, "/tree", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBuildReusesCachedDigests(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.txt")
	require.NoError(t, os.WriteFile(path, []byte("original"), 0644))
	stamp := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, os.Chtimes(path, stamp, stamp))

	fsys := osfs.New(dir)
	first := build(t, fsys, Options{}, nil)

	// Same size and modification time, different bytes: only a cache hit
	// can explain an unchanged digest.
	require.NoError(t, os.WriteFile(path, []byte("modified"), 0644))
	require.NoError(t, os.Chtimes(path, stamp, stamp))

	var reused, hashed atomic.Int32
	opts := Options{OnFile: func(rel string, cached bool) {
		if cached {
			reused.Add(1)
		} else {
			hashed.Add(1)
		}
	}}
	second := build(t, fsys, opts, first)
	assert.Equal(t, first.Tree.File("data.txt").Digest, second.Tree.File("data.txt").Digest)
	assert.Equal(t, int32(1), reused.Load())
	assert.Equal(t, int32(0), hashed.Load())

	opts.ForceRecompute = true
	forced := build(t, fsys, opts, first)
	assert.NotEqual(t, first.Tree.File("data.txt").Digest, forced.Tree.File("data.txt").Digest)

	// A changed signature invalidates the cached digest.
	require.NoError(t, os.Chtimes(path, stamp.Add(time.Second), stamp.Add(time.Second)))
	third := build(t, fsys, Options{}, first)
	assert.Equal(t, forced.Tree.File("data.txt").Digest, third.Tree.File("data.txt").Digest)
}

func TestBuildIgnoresCacheFromOtherAlgorithm(t *testing.T) {
	fsys := memfs.New()
	writeTree(t, fsys, sampleTree())

	prev := build(t, fsys, Options{}, nil)
	m := build(t, fsys, Options{Algorithm: hash.SHA256}, prev)

	assert.Len(t, string(m.Lookup("foo").File("one.txt").Digest), 64)
}

func TestBuildSymlinkNameOnly(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "real.txt"), []byte("data"), 0644))
	if err := os.Symlink("real.txt", filepath.Join(dir, "link.txt")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	fsys := osfs.New(dir)

	skipped := build(t, fsys, Options{}, nil)
	assert.Nil(t, skipped.Tree.File("link.txt"))
	assert.Equal(t, walker.SymlinkSkip, skipped.SymlinkPolicy)

	named := build(t, fsys, Options{Symlinks: walker.SymlinkNameOnly}, nil)
	link := named.Tree.File("link.txt")
	require.NotNil(t, link)
	assert.Equal(t, int64(0), link.Size)
	assert.NotEqual(t, skipped.Tree.Digest, named.Tree.Digest)
}

func TestRebuildSubtree(t *testing.T) {
	fsys := memfs.New()
	writeTree(t, fsys, sampleTree())
	b := newTestBuilder(t, fsys, Options{})
	m, err := b.Build(context.Background(), "/tree", nil)
	require.NoError(t, err)
	barBefore := m.Lookup("bar").Digest

	writeTree(t, fsys, map[string]string{"foo/new.txt": "fresh"})
	require.NoError(t, b.Rebuild(context.Background(), m, "foo"))

	fresh, err := b.Build(context.Background(), "/tree", nil)
	require.NoError(t, err)
	assert.Equal(t, fresh.Tree.Digest, m.Tree.Digest)
	assert.Equal(t, fresh.Tree.Size, m.Tree.Size)
	assert.NotNil(t, m.Lookup("foo").File("new.txt"))
	assert.Equal(t, barBefore, m.Lookup("bar").Digest)
}

func TestRebuildInsertsAndRemovesDirectories(t *testing.T) {
	fsys := memfs.New()
	writeTree(t, fsys, sampleTree())
	b := newTestBuilder(t, fsys, Options{})
	m, err := b.Build(context.Background(), "/tree", nil)
	require.NoError(t, err)

	writeTree(t, fsys, map[string]string{"baz/q.txt": "q"})
	require.NoError(t, b.Rebuild(context.Background(), m, "baz"))
	require.NotNil(t, m.Lookup("baz"))
	assert.Equal(t, "bar", m.Tree.Dirs[0].Name)
	assert.Equal(t, "baz", m.Tree.Dirs[1].Name)
	assert.Equal(t, "foo", m.Tree.Dirs[2].Name)

	require.NoError(t, util.RemoveAll(fsys, "bar"))
	require.NoError(t, b.Rebuild(context.Background(), m, "bar"))
	assert.Nil(t, m.Lookup("bar"))

	fresh, err := b.Build(context.Background(), "/tree", nil)
	require.NoError(t, err)
	assert.Equal(t, fresh.Tree.Digest, m.Tree.Digest)
}

func TestRebuildMissingParent(t *testing.T) {
	fsys := memfs.New()
	writeTree(t, fsys, sampleTree())
	b := newTestBuilder(t, fsys, Options{})
	m, err := b.Build(context.Background(), "/tree", nil)
	require.NoError(t, err)

	err = b.Rebuild(context.Background(), m, "nope/deeper")
	assert.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestBuildDir(t *testing.T) {
	fsys := memfs.New()
	writeTree(t, fsys, sampleTree())
	b := newTestBuilder(t, fsys, Options{})

	m, err := b.Build(context.Background(), "/tree", nil)
	require.NoError(t, err)
	node, err := b.BuildDir(context.Background(), "foo", nil)
	require.NoError(t, err)

	assert.Equal(t, m.Lookup("foo").Digest, node.Digest)
	assert.Equal(t, "foo", node.Path)
}

func TestRebuildWithOtherSettingsRecalculatesWholeTree(t *testing.T) {
	fsys := memfs.New()
	writeTree(t, fsys, sampleTree())
	m := build(t, fsys, Options{}, nil)

	opts := Options{Algorithm: hash.SHA256, Symlinks: walker.SymlinkNameOnly}
	require.NoError(t, newTestBuilder(t, fsys, opts).Rebuild(context.Background(), m, "foo"))

	assert.Equal(t, hash.SHA256, m.Algorithm)
	assert.Equal(t, walker.SymlinkNameOnly, m.SymlinkPolicy)
	assert.Equal(t, build(t, fsys, opts, nil).Tree.Digest, m.Tree.Digest)
	m.Tree.Walk(func(n *DirectoryNode) bool {
		assert.True(t, hash.SHA256.Valid(n.Digest), n.Path)
		for _, f := range n.Files {
			assert.True(t, hash.SHA256.Valid(f.Digest), walker.Join(n.Path, f.Name))
		}
		return true
	})
}

func TestCheckpointManifest(t *testing.T) {
	fsys := memfs.New()
	writeTree(t, fsys, map[string]string{
		"a/b/c/one.txt": "one",
		"a/b/two.txt":   "two",
		"d/three.txt":   "three",
	})
	full := build(t, fsys, Options{}, nil)

	cp := newTestBuilder(t, fsys, Options{}).Checkpoint("/tree")
	cp.Add(full.Lookup("a/b/c"))
	cp.Add(full.Lookup("d"))
	assert.Equal(t, 2, cp.Len())
	cp.Add(full.Lookup("a/b"))
	assert.Equal(t, 2, cp.Len(), "a/b covers a/b/c")
	cp.Add(full.Tree)
	assert.Equal(t, 2, cp.Len(), "the root is never recorded")

	partial := cp.Manifest()
	assert.True(t, partial.Partial)
	assert.Equal(t, "tree", partial.Tree.Name)
	assert.Empty(t, partial.Tree.Digest)
	assert.Empty(t, partial.Lookup("a").Digest)
	assert.Equal(t, full.Lookup("a/b").Digest, partial.Lookup("a/b").Digest)
	assert.Equal(t, full.Lookup("d").Digest, partial.Lookup("d").Digest)
}

func TestResumeKeepsFinishedSubtrees(t *testing.T) {
	fsys := memfs.New()
	writeTree(t, fsys, sampleTree())
	full := build(t, fsys, Options{}, nil)

	cp := newTestBuilder(t, fsys, Options{}).Checkpoint("/tree")
	cp.Add(full.Lookup("foo"))
	store := newTestStore(t, fsys)
	require.NoError(t, store.Save(cp.Manifest(), "/"))
	loaded, err := store.Load("/")
	require.NoError(t, err)
	require.True(t, loaded.Partial)
	assert.Nil(t, loaded.Lookup("bar"))

	// A change inside a finished subtree goes unnoticed, one elsewhere does not.
	writeTree(t, fsys, map[string]string{
		"foo/ignored.txt": "unnoticed",
		"bar/b.txt":       "beta",
	})
	resumed, err := newTestBuilder(t, fsys, Options{}).Resume(context.Background(), "/tree", loaded)
	require.NoError(t, err)

	assert.False(t, resumed.Partial)
	assert.Equal(t, full.Lookup("foo").Digest, resumed.Lookup("foo").Digest)
	assert.Nil(t, resumed.Lookup("foo").File("ignored.txt"))
	assert.NotNil(t, resumed.Lookup("bar").File("b.txt"))

	fresh := build(t, fsys, Options{}, nil)
	assert.NotEqual(t, fresh.Lookup("foo").Digest, resumed.Lookup("foo").Digest)
	assert.Equal(t, fresh.Lookup("bar").Digest, resumed.Lookup("bar").Digest)
}

func TestResumeAfterCancellation(t *testing.T) {
	fsys := memfs.New()
	files := make(map[string]string)
	for d := range 6 {
		for f := range 5 {
			files[fmt.Sprintf("d%d/f%d.txt", d, f)] = fmt.Sprintf("%d-%d", d, f)
		}
	}
	writeTree(t, fsys, files)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var hashed atomic.Int32
	b := newTestBuilder(t, fsys, Options{Workers: 1, OnFile: func(string, bool) {
		if hashed.Add(1) == 8 {
			cancel()
		}
	}})
	cp := b.Checkpoint("/tree")
	_, err := b.Build(ctx, "/tree", nil)
	require.ErrorIs(t, err, context.Canceled)

	store := newTestStore(t, fsys)
	require.NoError(t, store.Save(cp.Manifest(), "/"))
	loaded, err := store.Load("/")
	require.NoError(t, err)
	assert.True(t, loaded.Partial)

	resumed, err := newTestBuilder(t, fsys, Options{}).Resume(context.Background(), "/tree", loaded)
	require.NoError(t, err)
	assert.False(t, resumed.Partial)
	assert.Equal(t, build(t, fsys, Options{}, nil).Tree.Digest, resumed.Tree.Digest)
}

func TestResumeWithOtherAlgorithmStartsOver(t *testing.T) {
	fsys := memfs.New()
	writeTree(t, fsys, sampleTree())
	full := build(t, fsys, Options{}, nil)
	cp := newTestBuilder(t, fsys, Options{}).Checkpoint("/tree")
	cp.Add(full.Lookup("foo"))

	opts := Options{Algorithm: hash.SHA256}
	resumed, err := newTestBuilder(t, fsys, opts).Resume(context.Background(), "/tree", cp.Manifest())
	require.NoError(t, err)
	assert.Equal(t, hash.SHA256, resumed.Algorithm)
	assert.Equal(t, build(t, fsys, opts, nil).Tree.Digest, resumed.Tree.Digest)
}

func TestRebuildCompletesPartialManifest(t *testing.T) {
	fsys := memfs.New()
	writeTree(t, fsys, sampleTree())
	full := build(t, fsys, Options{}, nil)
	cp := newTestBuilder(t, fsys, Options{}).Checkpoint("/tree")
	cp.Add(full.Lookup("bar"))

	m := cp.Manifest()
	require.NoError(t, newTestBuilder(t, fsys, Options{}).Rebuild(context.Background(), m, "foo"))
	assert.False(t, m.Partial)
	assert.Equal(t, full.Tree.Digest, m.Tree.Digest)
}
