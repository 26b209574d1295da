package manifest

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"tree-inventory/internal/errs"
	"tree-inventory/internal/hash"
	"tree-inventory/internal/walker"
)

const defaultCacheSize = 16

// StoreOptions configures a Store.
type StoreOptions struct {
	Sidecar   string
	CacheSize int
	Logger    logrus.FieldLogger
}

// Store reads and writes sidecar manifests. Decoded manifests are kept in an
// LRU cache keyed by sidecar path and invalidated when the file's size or
// modification time changes. Callers always receive their own copy.
type Store struct {
	fsys    billy.Filesystem
	sidecar string
	cache   *lru.Cache[string, cachedManifest]
	log     logrus.FieldLogger
}

type cachedManifest struct {
	sig      Signature
	manifest *Manifest
}

func NewStore(fsys billy.Filesystem, opts StoreOptions) (*Store, error) {
	if opts.Sidecar == "" {
		opts.Sidecar = DefaultSidecar
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	cache, err := lru.New[string, cachedManifest](opts.CacheSize)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create manifest cache")
	}

	return &Store{fsys: fsys, sidecar: opts.Sidecar, cache: cache, log: opts.Logger}, nil
}

// SidecarPath returns where the manifest of the tree rooted at dir lives.
func (s *Store) SidecarPath(dir string) string {
	return filepath.Join(dir, s.sidecar)
}

// Save writes m as the sidecar of dir. The document is written to a temporary
// file and renamed into place.
func (s *Store) Save(m *Manifest, dir string) error {
	target := s.SidecarPath(dir)

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errs.Format("save manifest", target, err)
	}
	data = append(data, '\n')

	tmp, err := s.fsys.TempFile(dir, "."+s.sidecar+".tmp-")
	if err != nil {
		return errs.IO("save manifest", target, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		s.fsys.Remove(tmpName)
		return errs.IO("save manifest", target, err)
	}
	if err := tmp.Close(); err != nil {
		s.fsys.Remove(tmpName)
		return errs.IO("save manifest", target, err)
	}
	if err := s.fsys.Rename(tmpName, target); err != nil {
		s.fsys.Remove(tmpName)
		return errs.IO("save manifest", target, err)
	}

	s.cache.Remove(target)
	s.log.WithField("path", target).Debug("Manifest saved")
	return nil
}

// Load reads the sidecar of dir.
func (s *Store) Load(dir string) (*Manifest, error) {
	target := s.SidecarPath(dir)

	info, err := s.fsys.Stat(target)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errs.NotFound("load manifest", target, err)
		}
		return nil, errs.IO("load manifest", target, err)
	}
	sig := Signature{Size: info.Size(), ModTime: info.ModTime().UnixNano()}

	if cached, ok := s.cache.Get(target); ok && cached.sig == sig {
		return cached.manifest.Clone(), nil
	}

	f, err := s.fsys.Open(target)
	if err != nil {
		return nil, errs.IO("load manifest", target, err)
	}
	defer f.Close()

	m, err := Decode(f)
	if err != nil {
		return nil, errs.Format("load manifest", target, err)
	}

	s.cache.Add(target, cachedManifest{sig: sig, manifest: m})
	return m.Clone(), nil
}

// Locate finds the nearest sidecar at or above dir and returns its manifest
// together with the slash-separated path of dir relative to the manifest root.
// dir must be absolute or relative to the store's filesystem root.
func (s *Store) Locate(dir string) (*Manifest, string, error) {
	dir = filepath.Clean(dir)
	for current := dir; ; {
		m, err := s.Load(current)
		if err == nil {
			rel, err := filepath.Rel(current, dir)
			if err != nil {
				return nil, "", errs.Invalid("locate manifest", dir, err)
			}
			return m, filepath.ToSlash(rel), nil
		}
		if !errs.Is(err, errs.CodeNotFound) {
			return nil, "", err
		}

		parent := filepath.Dir(current)
		if parent == current {
			return nil, "", errs.NotFound("locate manifest", dir, errors.Errorf("no %s in this directory or any parent", s.sidecar))
		}
		current = parent
	}
}

// Decode parses and validates a sidecar document.
func Decode(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, errors.WithMessage(err, "malformed manifest")
	}
	if m.Version != FormatVersion {
		return nil, errors.Errorf("unsupported manifest version %d (want %d)", m.Version, FormatVersion)
	}
	alg, err := hash.ParseAlgorithm(string(m.Algorithm))
	if err != nil {
		return nil, err
	}
	policy, err := walker.ParseSymlinkPolicy(string(m.SymlinkPolicy))
	if err != nil {
		return nil, err
	}
	m.Algorithm, m.SymlinkPolicy = alg, policy
	if m.Tree == nil {
		return nil, errors.New("manifest has no tree")
	}
	v := validator{alg: alg, partial: m.Partial}
	if err := v.dir(m.Tree, RootPath); err != nil {
		return nil, err
	}
	setPaths(m.Tree, RootPath)
	return &m, nil
}

// validator checks names and digests and restores name order. Directories of
// a partial manifest may lack a digest while their calculation is pending.
type validator struct {
	alg     hash.Algorithm
	partial bool
}

func (v validator) dir(node *DirectoryNode, rel string) error {
	switch {
	case node.Digest == "" && v.partial:
	case !v.alg.Valid(node.Digest):
		return errors.Errorf("directory %q has an invalid digest %q", rel, node.Digest)
	}

	for _, f := range node.Files {
		if f == nil || !validName(f.Name) {
			return errors.Errorf("directory %q has a file with an invalid name", rel)
		}
	}
	for _, d := range node.Dirs {
		if d == nil || !validName(d.Name) {
			return errors.Errorf("directory %q has a subdirectory with an invalid name", rel)
		}
	}
	sort.Slice(node.Files, func(i, j int) bool { return node.Files[i].Name < node.Files[j].Name })
	sort.Slice(node.Dirs, func(i, j int) bool { return node.Dirs[i].Name < node.Dirs[j].Name })

	seen := make(map[string]bool, len(node.Files)+len(node.Dirs))
	for _, f := range node.Files {
		if seen[f.Name] {
			return errors.Errorf("directory %q lists %q twice", rel, f.Name)
		}
		seen[f.Name] = true
		if f.Degraded() && f.Digest == "" {
			continue
		}
		if !v.alg.Valid(f.Digest) {
			return errors.Errorf("file %q has an invalid digest %q", walker.Join(rel, f.Name), f.Digest)
		}
	}
	for _, d := range node.Dirs {
		if seen[d.Name] {
			return errors.Errorf("directory %q lists %q twice", rel, d.Name)
		}
		seen[d.Name] = true
		if err := v.dir(d, walker.Join(rel, d.Name)); err != nil {
			return err
		}
	}
	return nil
}

// validName rejects names that would escape their directory.
func validName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsRune(name, '/') &&
		!strings.ContainsRune(name, filepath.Separator) &&
		!strings.ContainsRune(name, 0)
}
