package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tree-inventory/internal/compare"
	"tree-inventory/internal/config"
	"tree-inventory/internal/errs"
	"tree-inventory/internal/manifest"
	"tree-inventory/internal/mirror"
	"tree-inventory/internal/progress"
	"tree-inventory/internal/walker"
)

var (
	mirrorArgs struct {
		build          buildFlags
		dryRun         bool
		missingAsEmpty bool
	}

	mirrorCmd = &cobra.Command{
		Use:   "mirror <source> <target>",
		Short: "Make a target tree identical to a source tree",
		Long: `Mirror copies and deletes only what differs between two calculated trees,
then recalculates and saves the target's manifest.`,
		Args: cobra.ExactArgs(2),
		RunE: mirrorTrees,
	}
)

func init() {
	bindBuildFlags(mirrorCmd.Flags(), &mirrorArgs.build)
	mirrorCmd.Flags().BoolVar(&mirrorArgs.dryRun, "dry-run", false, "Log the planned operations without changing the target")
	mirrorCmd.Flags().BoolVar(&mirrorArgs.missingAsEmpty, "missing-as-empty", false, "Treat a target without a manifest as empty")

	rootCmd.AddCommand(mirrorCmd)
}

func mirrorTrees(cmd *cobra.Command, args []string) error {
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

	srcDir, err := absDir(args[0])
	if err != nil {
		return err
	}
	srcLoc, err := locate(store, srcDir)
	if err != nil {
		return err
	}
	source, err := srcLoc.Subtree()
	if err != nil {
		return err
	}

	dstDir, err := absDir(args[1])
	if err != nil {
		return err
	}
	dstLoc, err := locate(store, dstDir)
	var target *manifest.Manifest
	switch {
	case err == nil:
		if target, err = dstLoc.Subtree(); err != nil {
			return err
		}
	case errs.Is(err, errs.CodeNotFound) && mirrorArgs.missingAsEmpty:
		logrus.WithField("dir", dstDir).Warn("No manifest found, treating the target as empty")
	default:
		return err
	}

	if err := compare.Compatible(target, source); err != nil {
		return err
	}
	diff := compare.Compare(target, source)
	if !diff.HasDifferences() {
		logrus.WithField("target", dstDir).Info("Target already matches the source")
		return nil
	}

	dstFS := osfs.New(dstDir)
	plan, err := mirror.NewPlan(diff, srcDir, dstDir, mirror.WithOccupied(func(rel string) bool {
		_, err := dstFS.Lstat(walker.OSPath(rel))
		return err == nil
	}))
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"operations": len(plan.Operations),
		"bytes":      plan.CopyBytes(),
	}).Info("Mirror planned")

	opts := []mirror.ExecutorOption{mirror.DryRun(mirrorArgs.dryRun)}
	var bar *progress.Bar
	if !mirrorArgs.dryRun && !mirrorArgs.build.noProgress && progress.IsTerminal(os.Stderr) {
		bar = progress.NewBar(os.Stderr, int64(len(plan.Operations)))
		opts = append(opts, mirror.OnOperation(func(op mirror.Operation) { bar.Increment(op.String()) }))
	}
	err = mirror.NewExecutor(osfs.New(srcDir), dstFS, opts...).Apply(ctx, plan)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return err
	}
	if mirrorArgs.dryRun {
		fmt.Fprintf(cmd.OutOrStdout(), "Dry run: %d operations, %d bytes to copy\n", len(plan.Operations), plan.CopyBytes())
		return nil
	}

	return refreshTarget(ctx, cfg, store, dstLoc, dstDir)
}

// refreshTarget recalculates the target after a mirror, reusing its previous
// manifest for files the mirror did not touch.
func refreshTarget(ctx context.Context, cfg *config.Config, store *manifest.Store, loc *located, dir string) error {
	if loc != nil {
		return recalculate(ctx, cfg, store, loc, &mirrorArgs.build)
	}

	b, counter, err := newBuilder(dir, cfg, &mirrorArgs.build)
	if err != nil {
		return err
	}
	m, err := b.Build(ctx, dir, nil)
	finish(counter)
	if err != nil {
		return err
	}
	return save(store, m, dir)
}
