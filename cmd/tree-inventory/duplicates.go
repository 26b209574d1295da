package main

import (
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tree-inventory/internal/dupes"
	"tree-inventory/internal/errs"
)

var (
	duplicatesArgs struct {
		minSize int64
		top     int
		csv     string
	}

	duplicatesCmd = &cobra.Command{
		Use:   "duplicates <directory>",
		Short: "List folders with identical content inside a calculated tree",
		Long: `Duplicates ranks groups of folders sharing a checksum, largest first.
A pair nested inside an already listed pair is not listed again.`,
		Args: cobra.ExactArgs(1),
		RunE: findDuplicates,
	}
)

func init() {
	duplicatesCmd.Flags().Int64Var(&duplicatesArgs.minSize, "min-size", 1, "Ignore folders smaller than this many bytes, overrides the config")
	duplicatesCmd.Flags().IntVar(&duplicatesArgs.top, "top", 0, "Show at most this many groups (0 for all)")
	duplicatesCmd.Flags().StringVar(&duplicatesArgs.csv, "csv", "", "Also write the duplicates to this CSV file")

	rootCmd.AddCommand(duplicatesCmd)
}

func findDuplicates(cmd *cobra.Command, args []string) error {
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
	loc, err := locate(store, dir)
	if err != nil {
		return err
	}
	m, err := loc.Subtree()
	if err != nil {
		return err
	}

	minSize := cfg.MinDuplicateSize
	if cmd.Flags().Changed("min-size") {
		minSize = duplicatesArgs.minSize
	}

	groups := slices.Collect(take(dupes.Find(m, minSize), duplicatesArgs.top))

	out := cmd.OutOrStdout()
	for _, g := range groups {
		fmt.Fprintf(out, "%d bytes, %d copies (%s):\n", g.Size, len(g.Paths), g.Digest)
		for _, p := range g.Paths {
			fmt.Fprintf(out, "  %s\n", filepath.Join(dir, filepath.FromSlash(p)))
		}
	}
	logrus.WithField("groups", len(groups)).Info("Duplicate search finished")

	if duplicatesArgs.csv == "" {
		return nil
	}
	f, err := os.Create(duplicatesArgs.csv)
	if err != nil {
		return errs.IO("write duplicates", duplicatesArgs.csv, err)
	}
	rows, err := dupes.WriteCSV(f, slices.Values(groups))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errs.IO("write duplicates", duplicatesArgs.csv, err)
	}
	logrus.WithFields(logrus.Fields{"path": duplicatesArgs.csv, "rows": rows}).Info("Duplicates saved")
	return nil
}

// take yields at most n values of seq; n <= 0 yields all of them.
func take[T any](seq iter.Seq[T], n int) iter.Seq[T] {
	if n <= 0 {
		return seq
	}
	return func(yield func(T) bool) {
		i := 0
		for v := range seq {
			if !yield(v) {
				return
			}
			if i++; i == n {
				return
			}
		}
	}
}
