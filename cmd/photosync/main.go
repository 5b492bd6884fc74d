// photosync is an incremental, resumable media backup tool. It exports
// media from a source library to a local directory, a remote asset
// server, or both, and keeps a manifest so later runs only touch what
// changed.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kmowery/photosync/internal/config"
)

var (
	// Version is set at build time via -ldflags.
	Version = "dev"

	configFile string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "photosync",
	Short: "Incremental media backup with deduplicating uploads",
	Long: `photosync exports media from a source library into a local directory,
a remote asset server, or both.

Runs are incremental: a manifest database records what was exported and
with what content signature, so unchanged items are skipped. Runs are
resumable: Ctrl+C pauses cleanly and the next run picks up where the
last one stopped, newest additions first.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configFile)
		if err != nil {
			return err
		}
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: ~/.photosync/photosync.yaml)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync commands:"},
		&cobra.Group{ID: "admin", Title: "Administration:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
