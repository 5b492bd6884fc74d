package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/kmowery/photosync/internal/engine"
	"github.com/kmowery/photosync/internal/manifest"
	"github.com/kmowery/photosync/internal/remote"
	"github.com/kmowery/photosync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "admin",
	Short:   "Show manifest, session, and remote status",
	Long: `Show the local backup state: manifest entry counts, the last run id,
whether a paused session is waiting to resume, and (when a remote is
configured) remote server statistics.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runStatus(cmd); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	path := cfg.ManifestPath()
	if _, err := os.Stat(path); err != nil {
		fmt.Println(ui.RenderMuted("No manifest yet; run a sync first."))
		return nil
	}

	store, err := manifest.Open(path)
	if err != nil {
		return fmt.Errorf("open manifest: %w", err)
	}
	defer store.Close()

	active, deleted, err := store.Counts(ctx)
	if err != nil {
		return err
	}
	lastRun, err := store.LastRunID(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("%s %s\n", ui.RenderAccent("Manifest:"), path)
	fmt.Printf("  Active entries:   %d\n", active)
	fmt.Printf("  Deleted entries:  %d\n", deleted)
	if lastRun != "" {
		fmt.Printf("  Last run:         %s\n", lastRun)
	}

	sess, err := engine.LoadSession(cfg.WorkDir)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if sess != nil {
		fmt.Println()
		fmt.Println(ui.RenderWarn("Paused session waiting to resume:"))
		fmt.Printf("  Paused at:   %s\n", sess.PausedAt.Local().Format(time.RFC1123))
		fmt.Printf("  Processed:   %d items (%d completed, %d skipped, %d errors)\n",
			len(sess.Processed), sess.Completed, sess.Skipped, sess.Errors)
	}

	if cfg.FailureDir != "" {
		if n := countFailureRecords(cfg.FailureDir); n > 0 {
			fmt.Println()
			fmt.Println(ui.RenderWarn(fmt.Sprintf("Archived upload failures: %d (%s)", n, cfg.FailureDir)))
		}
	}

	if cfg.Remote.URL != "" {
		client := remote.New(cfg.Remote.URL, cfg.Remote.APIKey, nil)
		fmt.Println()
		fmt.Printf("%s %s\n", ui.RenderAccent("Remote:"), cfg.Remote.URL)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx); err != nil {
			fmt.Printf("  %s %v\n", ui.RenderFail("unreachable:"), err)
			return nil
		}
		stats, err := client.GetStats(pingCtx)
		if err != nil {
			fmt.Printf("  %s %v\n", ui.RenderWarn("stats unavailable:"), err)
			return nil
		}
		fmt.Printf("  Photos:  %d\n", stats.Photos)
		fmt.Printf("  Videos:  %d\n", stats.Videos)
		fmt.Printf("  Usage:   %d bytes\n", stats.UsageByte)
	}
	return nil
}

func countFailureRecords(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			n++
		}
	}
	return n
}
