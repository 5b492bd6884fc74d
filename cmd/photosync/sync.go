package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kmowery/photosync/internal/config"
	"github.com/kmowery/photosync/internal/dashboard"
	"github.com/kmowery/photosync/internal/engine"
	"github.com/kmowery/photosync/internal/event"
	"github.com/kmowery/photosync/internal/logging"
	"github.com/kmowery/photosync/internal/manifest"
	"github.com/kmowery/photosync/internal/pipeline"
	"github.com/kmowery/photosync/internal/remote"
	"github.com/kmowery/photosync/internal/retry"
	"github.com/kmowery/photosync/internal/source"
	"github.com/kmowery/photosync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync SOURCE_DIR",
	GroupID: "sync",
	Short:   "Run a backup from a source directory",
	Long: `Run one backup pass over SOURCE_DIR.

Sinks are selected by flags: --dest enables the local directory sink,
--remote-url enables the remote server sink. At least one is required;
both may be active in the same run.

Modes:
  incremental   skip items whose manifest entry still matches (default)
  full          re-export everything, ignoring the manifest
  mirror        incremental, then delete local files whose source item
                disappeared

Press Ctrl+C once to pause the run; the next sync resumes where it
stopped, with items added since the pause handled first. Press Ctrl+C
twice to cancel outright.

Examples:
  photosync sync ~/Pictures --dest /backup/photos
  photosync sync ~/Pictures --remote-url https://assets.example.net --api-key KEY
  photosync sync ~/Pictures --dest /backup/photos --mode mirror --albums
  photosync sync ~/Pictures --dest /backup/photos --from "3 months ago"`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runSync(cmd, args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	f := syncCmd.Flags()
	f.String("dest", "", "local destination directory")
	f.String("remote-url", "", "remote asset server URL")
	f.String("api-key", "", "remote API key")
	f.String("device-id", "", "device identifier for remote uploads (default: hostname)")
	f.String("mode", "", "backup mode: incremental, full, or mirror")
	f.Bool("dry-run", false, "report what would be done without exporting")
	f.Bool("albums", false, "mirror source albums onto the remote")
	f.String("from", "", "only items captured on or after this date (absolute or natural language)")
	f.String("to", "", "only items captured on or before this date")
	f.Bool("newest-first", false, "process newest items first")
	f.StringSlice("kind", nil, "limit to media kinds: photo, video")
	f.Bool("resume", true, "resume a paused session when one exists")
	f.Bool("replace-changed", false, "replace remote assets whose content changed")
	f.Bool("dashboard", false, "serve live progress over WebSocket while the run is active")
	f.Bool("quiet", false, "suppress progress output")

	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, sourceDir string) error {
	flags := cmd.Flags()
	dest, _ := flags.GetString("dest")
	remoteURL, _ := flags.GetString("remote-url")
	apiKey, _ := flags.GetString("api-key")
	deviceID, _ := flags.GetString("device-id")
	modeFlag, _ := flags.GetString("mode")
	dryRun, _ := flags.GetBool("dry-run")
	albums, _ := flags.GetBool("albums")
	fromStr, _ := flags.GetString("from")
	toStr, _ := flags.GetString("to")
	newestFirst, _ := flags.GetBool("newest-first")
	kinds, _ := flags.GetStringSlice("kind")
	resumeFlag, _ := flags.GetBool("resume")
	replaceChanged, _ := flags.GetBool("replace-changed")
	serveDashboard, _ := flags.GetBool("dashboard")
	quiet, _ := flags.GetBool("quiet")

	if dest == "" {
		dest = cfg.Destination
	}
	if remoteURL == "" {
		remoteURL = cfg.Remote.URL
	}
	if apiKey == "" {
		apiKey = cfg.Remote.APIKey
	}
	if deviceID == "" {
		deviceID = cfg.Remote.DeviceID
	}
	if deviceID == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolve device id: %w", err)
		}
		deviceID = host
	}
	if modeFlag == "" {
		modeFlag = cfg.Mode
	}

	mode, err := engine.ParseMode(modeFlag)
	if err != nil {
		return err
	}

	filter, err := buildFilter(fromStr, toStr, newestFirst, kinds)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		Quiet:      quiet,
	})

	src, err := source.NewDirSource(sourceDir)
	if err != nil {
		return err
	}

	store, err := manifest.Open(cfg.ManifestPath())
	if err != nil {
		return fmt.Errorf("open manifest: %w", err)
	}
	defer store.Close()

	var remoteClient *remote.Client
	if remoteURL != "" {
		remoteClient = remote.New(remoteURL, apiKey, nil)
	}

	emitters := event.Multi{}
	if !quiet {
		emitters = append(emitters, newConsoleEmitter())
	}
	if serveDashboard {
		srv := dashboard.NewServer(dashboard.Config{Port: cfg.Dashboard.Port, Logger: logger})
		if err := srv.Start(); err != nil {
			return err
		}
		defer srv.Stop()
		fmt.Printf("Dashboard: ws://localhost:%d/ws\n", cfg.Dashboard.Port)
		emitters = append(emitters, srv.Emitter())
	}

	control := engine.NewController()
	ecfg := engine.Config{
		Source:   src,
		Manifest: store,
		Control:  control,
		Emitter:  emitters,
		Logger:   logger,
		Retry: retry.Policy{
			MaxRetries:  cfg.Retry.MaxRetries,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			BaseTimeout: cfg.Retry.BaseTimeout,
		},
		Upload: pipeline.Config{
			DeviceID:          deviceID,
			HashConcurrency:   cfg.Upload.HashConcurrency,
			UploadConcurrency: cfg.Upload.UploadConcurrency,
			CheckConcurrency:  cfg.Upload.CheckConcurrency,
			ChecksumPrecheck:  cfg.Upload.ChecksumPrecheck,
			ReplaceChanged:    replaceChanged || cfg.Upload.ReplaceChanged,
			AlbumSync:         albums,
			DisableHashing:    cfg.Upload.DisableHashing,
			FailureDir:        cfg.FailureDir,
		},
	}
	if remoteClient != nil {
		ecfg.Store = remoteClient
		ecfg.Albums = remoteClient
	}

	eng, err := engine.New(ecfg)
	if err != nil {
		return err
	}

	opts := engine.Options{
		Mode:      mode,
		DryRun:    dryRun,
		LocalDest: dest,
		WorkDir:   cfg.WorkDir,
		Filter:    filter,
		AlbumSync: albums,
		Domain:    cfg.Domain,
	}

	var resume *engine.Session
	if resumeFlag {
		resume, err = engine.LoadSession(opts.WorkDir)
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		if resume != nil && resume.Fingerprint != engine.Fingerprint(opts) {
			fmt.Println(ui.RenderWarn("Found a paused session from a different configuration; starting fresh."))
			resume = nil
		}
	}

	// First interrupt pauses, second cancels.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\n" + ui.RenderWarn("Pausing... press Ctrl+C again to cancel."))
		control.Pause()
		<-sigCh
		fmt.Println("\n" + ui.RenderFail("Cancelling."))
		control.Cancel()
	}()

	report, err := eng.Run(context.Background(), opts, resume)
	if err != nil {
		return err
	}
	printReport(report, remoteClient != nil)
	return nil
}

func buildFilter(fromStr, toStr string, newestFirst bool, kinds []string) (source.Filter, error) {
	var f source.Filter
	f.Descending = newestFirst

	now := time.Now()
	if fromStr != "" {
		t, err := config.ParseDate(fromStr, now)
		if err != nil {
			return f, err
		}
		f.From = t
	}
	if toStr != "" {
		t, err := config.ParseDate(toStr, now)
		if err != nil {
			return f, err
		}
		f.To = t
	}

	for _, k := range kinds {
		switch strings.ToLower(k) {
		case "photo", "photos":
			f.Kinds = append(f.Kinds, source.KindPhoto)
		case "video", "videos":
			f.Kinds = append(f.Kinds, source.KindVideo)
		default:
			return f, fmt.Errorf("unknown kind %q (want photo or video)", k)
		}
	}
	return f, nil
}

func printReport(r *engine.Report, hasRemote bool) {
	fmt.Println()
	switch {
	case r.Cancelled:
		fmt.Println(ui.RenderFail("Run cancelled."))
	case r.Paused:
		fmt.Println(ui.RenderWarn("Run paused; rerun sync to resume."))
	default:
		fmt.Println(ui.RenderPass("Run complete."))
	}

	fmt.Printf("  Attempted:  %d\n", r.Attempted)
	fmt.Printf("  Completed:  %d\n", r.Completed)
	fmt.Printf("  Skipped:    %d\n", r.Skipped)
	if hasRemote {
		fmt.Printf("  Uploaded:   %d (%d deduplicated, %d failed)\n",
			r.Uploaded, r.UploadSkipped, r.UploadFailed)
	}
	if r.OrphansDeleted > 0 {
		fmt.Printf("  Orphans:    %d removed\n", r.OrphansDeleted)
	}
	if r.Errors > 0 {
		fmt.Println(ui.RenderWarn(fmt.Sprintf("  Errors:     %d", r.Errors)))
		for _, id := range r.ErroredIDs {
			fmt.Printf("    %s\n", ui.RenderMuted(id))
		}
	}
	fmt.Printf("  Duration:   %s\n", r.Duration.Round(time.Millisecond))
}
