package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tree-inventory/internal/compare"
	"tree-inventory/internal/config"
	"tree-inventory/internal/errs"
	"tree-inventory/internal/manifest"
)

var (
	compareArgs struct {
		build          buildFlags
		depth          int
		rescan         bool
		missingAsEmpty bool
	}

	compareCmd = &cobra.Command{
		Use:   "compare <A> <B>",
		Short: "Compare two directory trees by their manifests",
		Long: `Compare reports the paths that differ between two trees. Both trees must
have been calculated; subtrees with equal checksums are not inspected.

Exits with 0 when the trees match, 1 when they differ and 2 on failure.`,
		Args: cobra.ExactArgs(2),
		RunE: compareTrees,
	}
)

func init() {
	bindBuildFlags(compareCmd.Flags(), &compareArgs.build)
	compareCmd.Flags().IntVar(&compareArgs.depth, "depth", compare.DefaultDepth, "Levels of differing directories to show (0 for all)")
	compareCmd.Flags().BoolVar(&compareArgs.rescan, "rescan", false, "Recalculate both trees from disk instead of trusting their manifests")
	compareCmd.Flags().BoolVar(&compareArgs.missingAsEmpty, "missing-as-empty", false, "Treat a tree without a manifest as empty")

	rootCmd.AddCommand(compareCmd)
}

func compareTrees(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := newStore(cfg)
	if err != nil {
		return err
	}

	var sides [2]*manifest.Manifest
	for i, arg := range args {
		dir, err := absDir(arg)
		if err != nil {
			return err
		}
		if sides[i], err = loadSide(ctx, cfg, store, dir); err != nil {
			return err
		}
	}

	if err := compare.Compatible(sides[0], sides[1]); err != nil {
		return err
	}
	diff := compare.Compare(sides[0], sides[1])
	fmt.Fprint(cmd.OutOrStdout(), compare.FormatReport(diff, compareArgs.depth))

	if diff.HasDifferences() {
		return errDifferences
	}
	return nil
}

// loadSide returns the manifest describing dir. Without --rescan it is taken
// from the enclosing sidecar; with it the tree is rebuilt from disk, reusing
// the sidecar's digests for unchanged files.
func loadSide(ctx context.Context, cfg *config.Config, store *manifest.Store, dir string) (*manifest.Manifest, error) {
	var prev *manifest.Manifest
	loc, err := locate(store, dir)
	switch {
	case err == nil && !compareArgs.rescan:
		return loc.Subtree()
	case err == nil:
		prev, _ = loc.Full.Sub(loc.Rel)
	case !errs.Is(err, errs.CodeNotFound):
		return nil, err
	case compareArgs.rescan:
	case compareArgs.missingAsEmpty:
		logrus.WithField("dir", dir).Warn("No manifest found, treating the tree as empty")
		return nil, nil
	default:
		return nil, err
	}

	b, counter, err := newBuilder(dir, cfg, &compareArgs.build)
	if err != nil {
		return nil, err
	}
	logrus.WithField("root", dir).Info("Rescanning tree")
	m, err := b.Build(ctx, dir, prev)
	finish(counter)
	return m, err
}
