package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"tree-inventory/internal/config"
	"tree-inventory/internal/errs"
	"tree-inventory/internal/hash"
	"tree-inventory/internal/manifest"
	"tree-inventory/internal/progress"
	"tree-inventory/internal/walker"
)

var (
	configPath       string
	logLevel         string
	logColorDisabled bool
	workers          int

	rootCmd = &cobra.Command{
		Use:   "tree-inventory",
		Short: "Checksum directory trees, compare them, find duplicate folders and mirror them",
		PersistentPreRun: func(*cobra.Command, []string) {
			initLog()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// errDifferences is returned by commands that completed but found the trees
// to differ.
var errDifferences = errors.New("differences found")

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "tree-inventory.yaml", "Config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", logrus.InfoLevel.String(), "Log level")
	rootCmd.PersistentFlags().BoolVar(&logColorDisabled, "log-color-disabled", false, "Force to disable colorful logs")
	rootCmd.PersistentFlags().IntVarP(&workers, "workers", "w", 0, "Number of concurrent readers, overrides the config (0 means one per CPU)")
}

func initLog() {
	formatter := logrus.TextFormatter{
		FullTimestamp: true,
	}

	if logColorDisabled {
		formatter.DisableColors = true
	}

	logrus.SetFormatter(&formatter)
	logrus.SetOutput(os.Stderr)

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		logrus.WithError(err).WithField("level", logLevel).Fatal("Failed to parse log level")
	}

	logrus.SetLevel(level)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to load config")
	}
	if cmd.Flags().Changed("workers") {
		cfg.Workers = workers
	}
	return cfg, nil
}

// buildFlags are shared by commands that read trees from disk.
type buildFlags struct {
	lenient    bool
	algorithm  string
	force      bool
	noProgress bool
}

func bindBuildFlags(fs *pflag.FlagSet, f *buildFlags) {
	fs.BoolVar(&f.lenient, "lenient", false, "Record unreadable entries as degraded instead of failing")
	fs.StringVar(&f.algorithm, "algorithm", "", "Content digest algorithm (xxh64 or sha256), overrides the config")
	fs.BoolVar(&f.force, "force", false, "Rehash every file even when its size and modification time are unchanged")
	fs.BoolVar(&f.noProgress, "no-progress", false, "Do not draw a progress line")
}

// newBuilder returns a builder over the tree rooted at root and, when a
// progress line is drawn, the counter that must be finished afterwards.
func newBuilder(root string, cfg *config.Config, f *buildFlags) (*manifest.Builder, *progress.Counter, error) {
	opts := manifest.Options{
		Algorithm:      hash.Algorithm(cfg.Algorithm),
		Workers:        cfg.Workers,
		Exclude:        cfg.Exclude,
		Symlinks:       walker.SymlinkPolicy(cfg.Symlinks),
		ErrorMode:      manifest.Strict,
		ForceRecompute: f.force,
		ReadRetries:    cfg.ReadRetries,
		Sidecar:        cfg.SidecarName(),
		Logger:         logrus.WithField("root", root),
	}
	if f.lenient || cfg.Lenient() {
		opts.ErrorMode = manifest.Lenient
	}
	if f.algorithm != "" {
		opts.Algorithm = hash.Algorithm(f.algorithm)
	}

	var counter *progress.Counter
	if !f.noProgress && progress.IsTerminal(os.Stderr) {
		counter = progress.NewCounter(os.Stderr)
		opts.OnFile = counter.File
		opts.OnDir = counter.Dir
	}

	b, err := manifest.NewBuilder(osfs.New(root), opts)
	if err != nil {
		return nil, nil, err
	}
	return b, counter, nil
}

func newStore(cfg *config.Config) (*manifest.Store, error) {
	return manifest.NewStore(osfs.New("/"), manifest.StoreOptions{
		Sidecar: cfg.SidecarName(),
		Logger:  logrus.StandardLogger(),
	})
}

func absDir(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", errs.Invalid("resolve path", p, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errs.NotFound("resolve path", abs, err)
		}
		return "", errs.IO("resolve path", abs, err)
	}
	if !info.IsDir() {
		return "", errs.Invalid("resolve path", abs, errors.New("not a directory"))
	}
	return abs, nil
}

// treeRootOf strips the manifest-relative rel from the absolute dir.
func treeRootOf(dir, rel string) string {
	if rel == manifest.RootPath {
		return dir
	}
	for range strings.Split(rel, "/") {
		dir = filepath.Dir(dir)
	}
	return dir
}

// located is the manifest of the tree enclosing a directory.
type located struct {
	Full     *manifest.Manifest
	TreeRoot string
	// Rel is the directory relative to TreeRoot.
	Rel string
	Dir string
}

// locate finds the complete manifest enclosing dir.
func locate(store *manifest.Store, dir string) (*located, error) {
	loc, err := locateAny(store, dir)
	if err != nil {
		return nil, err
	}
	if loc.Full.Partial {
		return nil, errs.Invalid("locate manifest", store.SidecarPath(loc.TreeRoot),
			errors.New("the calculation of this tree was interrupted, finish it with calculate --continue"))
	}
	return loc, nil
}

// locateAny is locate without rejecting the checkpoint of an interrupted calculation.
func locateAny(store *manifest.Store, dir string) (*located, error) {
	m, rel, err := store.Locate(dir)
	if err != nil {
		return nil, err
	}
	m.Root = treeRootOf(dir, rel)
	logrus.WithFields(logrus.Fields{
		"sidecar":  store.SidecarPath(m.Root),
		"relative": rel,
	}).Debug("Located manifest")
	return &located{Full: m, TreeRoot: m.Root, Rel: rel, Dir: dir}, nil
}

// Subtree returns the part of the manifest rooted at the located directory.
func (l *located) Subtree() (*manifest.Manifest, error) {
	sub, err := l.Full.Sub(l.Rel)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s is not part of the manifest at %s, calculate it first", l.Dir, l.TreeRoot)
	}
	return sub, nil
}

// countDegraded returns the number of unreadable entries recorded in m.
func countDegraded(m *manifest.Manifest) int {
	n := 0
	m.Tree.Walk(func(d *manifest.DirectoryNode) bool {
		if d.Err != "" {
			n++
		}
		for _, f := range d.Files {
			if f.Degraded() {
				n++
			}
		}
		return true
	})
	return n
}
