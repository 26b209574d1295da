// Package mirror turns a diff between a target and a source manifest into
// the copy and delete operations that make the target match the source,
// and applies them.
package mirror

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"tree-inventory/internal/compare"
	"tree-inventory/internal/errs"
	"tree-inventory/internal/manifest"
	"tree-inventory/internal/walker"
)

// Kind is the kind of an Operation.
type Kind string

const (
	CopyFile        Kind = "copy-file"
	CopyDirectory   Kind = "copy-dir"
	DeleteFile      Kind = "delete-file"
	DeleteDirectory Kind = "delete-dir"
)

// Operation is one step of a Plan. Path is relative to both roots.
type Operation struct {
	Kind Kind
	Path string
	// Size is the number of bytes copied or deleted.
	Size int64
	// Reason is the verdict of the diff node the operation comes from.
	Reason compare.Verdict
	// Dir is the source directory copied by a CopyDirectory operation.
	Dir *manifest.DirectoryNode
}

func (o Operation) String() string {
	return fmt.Sprintf("%s %s", o.Kind, o.Path)
}

// Plan is an ordered list of operations. Within a directory deletions come
// before copies, so a path that changes type is removed before it is recreated.
type Plan struct {
	SourceRoot string
	TargetRoot string
	Operations []Operation
}

// CopyBytes returns the number of bytes the plan copies.
func (p *Plan) CopyBytes() int64 {
	var total int64
	for _, op := range p.Operations {
		if op.Kind == CopyFile || op.Kind == CopyDirectory {
			total += op.Size
		}
	}
	return total
}

type planner struct {
	occupied func(rel string) bool
	log      logrus.FieldLogger
	ops      []Operation
	// deleted holds paths removed earlier in the plan; they are free again.
	deleted map[string]bool
}

// Option configures NewPlan.
type Option func(*planner)

// WithOccupied reports target paths that exist on disk even though the target
// manifest does not know them. A directory only in the source is copied
// wholesale unless occupied reports true for it, in which case its children
// are planned one by one.
func WithOccupied(occupied func(rel string) bool) Option {
	return func(p *planner) { p.occupied = occupied }
}

// WithLogger sets the logger used to record planned operations.
func WithLogger(log logrus.FieldLogger) Option {
	return func(p *planner) { p.log = log }
}

// NewPlan builds the plan that makes targetRoot match sourceRoot. d must be
// the diff of the target manifest against the source manifest, so Added
// paths exist only in the source. Planning from a diff without differences
// fails with an InconsistentDiff error; callers should check
// d.HasDifferences first.
func NewPlan(d *compare.Diff, sourceRoot, targetRoot string, opts ...Option) (*Plan, error) {
	if d == nil || !d.HasDifferences() {
		return nil, errs.InconsistentDiff("plan mirror", targetRoot)
	}

	p := &planner{
		occupied: func(string) bool { return false },
		log:      logrus.StandardLogger(),
		deleted:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := p.dir(d.Root); err != nil {
		return nil, err
	}
	for _, op := range p.ops {
		p.log.WithFields(logrus.Fields{"op": op.Kind, "path": op.Path, "size": op.Size}).Debug("Planned operation")
	}

	return &Plan{SourceRoot: sourceRoot, TargetRoot: targetRoot, Operations: p.ops}, nil
}

func (p *planner) dir(n *compare.Node) error {
	if n.DirB != nil && n.DirB.Err != "" {
		return errs.IO("plan mirror", n.Path, errors.Errorf("source directory was unreadable: %s", n.DirB.Err))
	}

	n.Ascend(func(c *compare.Node) bool {
		if c.Verdict != compare.Removed {
			return true
		}
		p.deleted[c.Path] = true
		if c.IsDir {
			p.add(Operation{Kind: DeleteDirectory, Path: c.Path, Size: c.Size, Reason: c.Verdict})
		} else {
			p.add(Operation{Kind: DeleteFile, Path: c.Path, Size: c.Size, Reason: c.Verdict})
		}
		return true
	})

	var err error
	n.Ascend(func(c *compare.Node) bool {
		switch {
		case c.Verdict == compare.Identical, c.Verdict == compare.Removed:
		case !c.IsDir:
			err = p.file(c)
		case c.Verdict == compare.Added:
			err = p.added(c.DirB, c.Path)
		default:
			err = p.dir(c)
		}
		return err == nil
	})
	return err
}

func (p *planner) file(c *compare.Node) error {
	if c.FileB.Degraded() {
		return errs.IO("plan mirror", c.Path, errors.Errorf("source file was unreadable: %s", c.FileB.Err))
	}
	if c.FileA != nil && c.FileA.Degraded() {
		p.log.WithField("path", c.Path).Warn("Target file could not be verified, it will be overwritten from the source")
	}
	p.add(Operation{Kind: CopyFile, Path: c.Path, Size: c.FileB.Size, Reason: c.Verdict})
	return nil
}

// added plans a source-only directory.
func (p *planner) added(src *manifest.DirectoryNode, rel string) error {
	if src.Degraded {
		return errs.IO("plan mirror", rel, errors.New("source directory has unreadable entries"))
	}
	if p.deleted[rel] || !p.occupied(rel) {
		p.add(Operation{Kind: CopyDirectory, Path: rel, Size: src.Size, Reason: compare.Added, Dir: src})
		return nil
	}

	p.log.WithField("path", rel).Debug("Target already has a directory here, copying entries one by one")
	for _, f := range src.Files {
		p.add(Operation{Kind: CopyFile, Path: walker.Join(rel, f.Name), Size: f.Size, Reason: compare.Added})
	}
	for _, sub := range src.Dirs {
		if err := p.added(sub, walker.Join(rel, sub.Name)); err != nil {
			return err
		}
	}
	return nil
}

func (p *planner) add(op Operation) {
	p.ops = append(p.ops, op)
}
