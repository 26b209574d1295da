package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tree-inventory/internal/manifest"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and the manifest format it writes",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "tree-inventory %s (manifest format %d)\n", version, manifest.FormatVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
