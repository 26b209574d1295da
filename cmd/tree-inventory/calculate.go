package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tree-inventory/internal/config"
	"tree-inventory/internal/errs"
	"tree-inventory/internal/manifest"
	"tree-inventory/internal/progress"
)

var (
	calculateArgs struct {
		build  buildFlags
		fresh  bool
		resume bool
	}

	calculateCmd = &cobra.Command{
		Use:   "calculate <directory>",
		Short: "Calculate or refresh the checksum manifest of a directory tree",
		Long: `Calculate writes a checksum manifest at the root of the tree.

When the directory lies inside a tree that already has a manifest, only that
subtree is recalculated and the enclosing manifest is updated. Files whose
size and modification time are unchanged keep their recorded digests.

Long calculations are saved periodically. After an interruption, --continue
keeps every folder that was finished and calculates the rest.`,
		Args: cobra.ExactArgs(1),
		RunE: calculate,
	}
)

func init() {
	bindBuildFlags(calculateCmd.Flags(), &calculateArgs.build)
	calculateCmd.Flags().BoolVar(&calculateArgs.fresh, "new", false, "Start a new manifest rooted at the directory, ignoring any existing one")
	calculateCmd.Flags().BoolVar(&calculateArgs.resume, "continue", false, "Continue the calculation saved in the directory's manifest, keeping finished folders")
	calculateCmd.MarkFlagsMutuallyExclusive("new", "continue")

	rootCmd.AddCommand(calculateCmd)
}

func calculate(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	dir, err := absDir(args[0])
	if err != nil {
		return err
	}
	store, err := newStore(cfg)
	if err != nil {
		return err
	}

	var prev *manifest.Manifest
	switch {
	case calculateArgs.resume:
		prev, err = store.Load(dir)
		switch {
		case errs.Is(err, errs.CodeNotFound):
			logrus.WithField("root", dir).Info("Nothing to continue, calculating from scratch")
		case err != nil:
			return err
		}
	case !calculateArgs.fresh:
		loc, err := locateAny(store, dir)
		switch {
		case err == nil:
			return recalculate(ctx, cfg, store, loc, &calculateArgs.build)
		case !errs.Is(err, errs.CodeNotFound):
			return err
		}
	}

	b, counter, err := newBuilder(dir, cfg, &calculateArgs.build)
	if err != nil {
		return err
	}
	m, err := checkpointed(ctx, store, b, dir, cfg.CheckpointInterval, func(ctx context.Context) (*manifest.Manifest, error) {
		if prev != nil {
			logrus.WithField("root", dir).Info("Continuing the previous calculation")
			return b.Resume(ctx, dir, prev)
		}
		logrus.WithField("root", dir).Info("Calculating checksums")
		return b.Build(ctx, dir, nil)
	})
	finish(counter)
	if err != nil {
		return err
	}

	return save(store, m, dir)
}

// recalculate refreshes the subtree of an existing manifest.
func recalculate(ctx context.Context, cfg *config.Config, store *manifest.Store, loc *located, f *buildFlags) error {
	b, counter, err := newBuilder(loc.TreeRoot, cfg, f)
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"root":    loc.TreeRoot,
		"subtree": loc.Rel,
	}).Info("Recalculating checksums")
	err = b.Rebuild(ctx, loc.Full, loc.Rel)
	finish(counter)
	if err != nil {
		if errs.Is(err, errs.CodeNotFound) {
			return errors.WithMessagef(err, "calculate the parent of %s first, or use --new", loc.Dir)
		}
		return err
	}

	return save(store, loc.Full, loc.TreeRoot)
}

func save(store *manifest.Store, m *manifest.Manifest, root string) error {
	if err := store.Save(m, root); err != nil {
		return err
	}

	log := logrus.WithFields(logrus.Fields{
		"sidecar": store.SidecarPath(root),
		"digest":  m.Tree.Digest,
		"size":    m.Tree.Size,
	})
	if n := countDegraded(m); n > 0 {
		log.WithField("unreadable", n).Warn("Manifest saved, but it is incomplete")
		return nil
	}
	log.Info("Manifest saved")
	return nil
}

func finish(counter *progress.Counter) {
	if counter != nil {
		counter.Finish()
	}
}
