package mirror

import (
	"context"
	"io"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"tree-inventory/internal/errs"
	"tree-inventory/internal/manifest"
	"tree-inventory/internal/walker"
)

// Executor applies plans from a source filesystem onto a target filesystem.
// Both filesystems are rooted at their tree roots.
type Executor struct {
	src, dst billy.Filesystem
	dryRun   bool
	log      logrus.FieldLogger
	onOp     func(Operation)
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// DryRun makes Apply log each operation without touching the target.
func DryRun(enabled bool) ExecutorOption {
	return func(e *Executor) { e.dryRun = enabled }
}

// WithExecutorLogger sets the logger operations are reported to.
func WithExecutorLogger(log logrus.FieldLogger) ExecutorOption {
	return func(e *Executor) { e.log = log }
}

// OnOperation registers a callback run after each operation completes.
func OnOperation(fn func(Operation)) ExecutorOption {
	return func(e *Executor) { e.onOp = fn }
}

func NewExecutor(src, dst billy.Filesystem, opts ...ExecutorOption) *Executor {
	e := &Executor{src: src, dst: dst, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply runs the operations of p in order and stops at the first failure.
func (e *Executor) Apply(ctx context.Context, p *Plan) error {
	for _, op := range p.Operations {
		if err := ctx.Err(); err != nil {
			return err
		}

		log := e.log.WithFields(logrus.Fields{"op": op.Kind, "path": op.Path})
		if e.dryRun {
			log.WithField("size", op.Size).Info("Would apply operation")
			continue
		}

		var err error
		switch op.Kind {
		case CopyFile:
			err = e.copyFile(op.Path)
		case CopyDirectory:
			err = e.copyTree(ctx, op)
		case DeleteFile:
			err = e.deleteFile(op.Path)
		case DeleteDirectory:
			err = e.deleteTree(op.Path)
		default:
			err = errs.Invalid("apply mirror", op.Path, errors.Errorf("unknown operation %q", op.Kind))
		}
		if err != nil {
			return err
		}

		log.Info("Applied operation")
		if e.onOp != nil {
			e.onOp(op)
		}
	}
	return nil
}

// copyFile replaces the target file with the source one through a temporary
// file in the same directory.
func (e *Executor) copyFile(rel string) error {
	name := walker.OSPath(rel)

	info, err := e.src.Lstat(name)
	if err != nil {
		return errs.IO("copy file", rel, err)
	}
	if err := e.dst.MkdirAll(walker.OSPath(path.Dir(rel)), 0755); err != nil {
		return errs.IO("copy file", rel, err)
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return e.copySymlink(rel)
	case !info.Mode().IsRegular():
		e.log.WithField("path", rel).Warn("Skipping special file")
		return nil
	}

	in, err := e.src.Open(name)
	if err != nil {
		return errs.IO("copy file", rel, err)
	}
	defer in.Close()

	tmpName := walker.OSPath(path.Join(path.Dir(rel), "."+path.Base(rel)+".tmp-"+strconv.FormatInt(time.Now().UnixNano(), 36)))
	tmp, err := e.dst.OpenFile(tmpName, os.O_CREATE|os.O_WRONLY|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return errs.IO("copy file", rel, err)
	}

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		e.dst.Remove(tmpName)
		return errs.IO("copy file", rel, err)
	}
	if err := tmp.Close(); err != nil {
		e.dst.Remove(tmpName)
		return errs.IO("copy file", rel, err)
	}
	if err := e.dst.Rename(tmpName, name); err != nil {
		e.dst.Remove(tmpName)
		return errs.IO("copy file", rel, err)
	}
	return nil
}

func (e *Executor) copySymlink(rel string) error {
	name := walker.OSPath(rel)
	target, err := e.src.Readlink(name)
	if err != nil {
		return errs.IO("copy symlink", rel, err)
	}
	if err := e.dst.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errs.IO("copy symlink", rel, err)
	}
	if err := e.dst.Symlink(target, name); err != nil {
		return errs.IO("copy symlink", rel, err)
	}
	return nil
}

// copyTree recreates the source directory recorded in op, including empty
// directories. Only entries present in the source manifest are copied.
func (e *Executor) copyTree(ctx context.Context, op Operation) error {
	if op.Dir == nil {
		return errs.Invalid("copy directory", op.Path, errors.New("operation carries no source directory"))
	}
	return e.copyDir(ctx, op.Dir, op.Path)
}

func (e *Executor) copyDir(ctx context.Context, dir *manifest.DirectoryNode, rel string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.dst.MkdirAll(walker.OSPath(rel), 0755); err != nil {
		return errs.IO("copy directory", rel, err)
	}
	for _, f := range dir.Files {
		if err := e.copyFile(walker.Join(rel, f.Name)); err != nil {
			return err
		}
	}
	for _, sub := range dir.Dirs {
		if err := e.copyDir(ctx, sub, walker.Join(rel, sub.Name)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) deleteFile(rel string) error {
	if err := e.dst.Remove(walker.OSPath(rel)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errs.IO("delete file", rel, err)
	}
	return nil
}

func (e *Executor) deleteTree(rel string) error {
	if err := util.RemoveAll(e.dst, walker.OSPath(rel)); err != nil {
		return errs.IO("delete directory", rel, err)
	}
	return nil
}
