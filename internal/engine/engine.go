// Package engine implements the per-run sync orchestrator.
//
// One coordinating goroutine drives the run loop; the upload pipeline
// and retry controller own their own concurrency. Run control is
// cooperative: the tri-state Controller is polled at item boundaries
// and at fixed ticks inside the retry controller, never preemptively.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kmowery/photosync/internal/event"
	"github.com/kmowery/photosync/internal/manifest"
	"github.com/kmowery/photosync/internal/pipeline"
	"github.com/kmowery/photosync/internal/retry"
	"github.com/kmowery/photosync/internal/source"
)

// Mode selects the backup behavior of a run.
type Mode string

const (
	// ModeFull re-exports every variant, ignoring manifest matches.
	ModeFull Mode = "full"

	// ModeIncremental skips variants whose manifest entry still matches.
	ModeIncremental Mode = "incremental"

	// ModeMirror is incremental plus orphan deletion at run end.
	ModeMirror Mode = "mirror"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeFull, ModeIncremental, ModeMirror:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown mode %q (want full, incremental, or mirror)", s)
}

// Config wires the engine's collaborators.
type Config struct {
	Source   source.Source
	Manifest *manifest.Store

	// Store enables the remote sink when non-nil.
	Store pipeline.Store

	// Albums enables remote album mirroring when non-nil and the run
	// requests it.
	Albums AlbumStore

	Upload  pipeline.Config
	Retry   retry.Policy
	Control *Controller
	Emitter event.Emitter
	Logger  *slog.Logger
}

// Options are the per-run settings.
type Options struct {
	Mode   Mode
	DryRun bool

	// LocalDest is the local sink root. Empty disables the local sink.
	LocalDest string

	// WorkDir holds per-run scratch space and the session snapshot.
	WorkDir string

	Filter    source.Filter
	AlbumSync bool

	// Domain scopes manifest keys; distinct sources use distinct
	// domains. Defaults to "photos".
	Domain string

	// PathFor overrides the output naming policy. The default groups
	// by capture year/month.
	PathFor func(item source.Item, v source.Variant) string
}

// Report is the outcome of one run.
type Report struct {
	RunID string

	Attempted int
	Completed int
	Skipped   int
	Errors    int

	Uploaded      int
	UploadSkipped int
	UploadFailed  int

	OrphansDeleted int

	Paused    bool
	Cancelled bool

	ErroredIDs []string

	Duration time.Duration
}

// Engine executes sync runs.
type Engine struct {
	cfg     Config
	emitter event.Emitter
	logger  *slog.Logger
	control *Controller
}

// New creates an Engine. Source and Manifest are required.
func New(cfg Config) (*Engine, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("engine: source is required")
	}
	if cfg.Manifest == nil {
		return nil, fmt.Errorf("engine: manifest is required")
	}
	if cfg.Emitter == nil {
		cfg.Emitter = event.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Control == nil {
		cfg.Control = NewController()
	}
	return &Engine{
		cfg:     cfg,
		emitter: cfg.Emitter,
		logger:  cfg.Logger,
		control: cfg.Control,
	}, nil
}

// runState bundles the per-run mutable context.
type runState struct {
	opts    Options
	runID   string
	scratch string
	retryer *retry.Controller
	pipe    *pipeline.Pipeline

	processed  map[string]struct{}
	erroredIDs map[string]struct{}
	report     *Report

	// mu guards remoteIDs, written from pipeline completion callbacks.
	mu        sync.Mutex
	remoteIDs map[string]string // item id -> remote asset id of the original
}

// Run executes one run. A non-nil resume session continues a previously
// paused run; its configuration fingerprint must match opts.
func (e *Engine) Run(ctx context.Context, opts Options, resume *Session) (*Report, error) {
	start := time.Now()
	opts = e.normalize(opts)

	if opts.LocalDest == "" && e.cfg.Store == nil {
		return nil, fmt.Errorf("engine: no sink configured (need a local destination, a remote store, or both)")
	}
	if err := os.MkdirAll(opts.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: create work directory: %w", err)
	}
	if resume != nil && resume.Fingerprint != Fingerprint(opts) {
		return nil, fmt.Errorf("engine: session %s was recorded under a different configuration; start a fresh run", resume.ID)
	}

	rs := &runState{
		opts:       opts,
		runID:      uuid.NewString(),
		processed:  make(map[string]struct{}),
		erroredIDs: make(map[string]struct{}),
		remoteIDs:  make(map[string]string),
		report:     &Report{},
	}
	rs.report.RunID = rs.runID
	rs.scratch = filepath.Join(opts.WorkDir, "run-"+rs.runID)
	if err := os.MkdirAll(rs.scratch, 0o755); err != nil {
		return nil, fmt.Errorf("engine: create scratch directory: %w", err)
	}
	defer os.RemoveAll(rs.scratch)

	rs.retryer = retry.New(e.cfg.Retry)
	rs.retryer.Logger = e.logger
	rs.retryer.StopCheck = func() bool { return e.control.State() == StateCancelled }

	e.emitter.Emit(event.Scanning{})
	items, err := e.cfg.Source.Items(ctx, opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("engine: enumerate candidates: %w", err)
	}
	e.emitter.Emit(event.Scanning{Count: len(items)})

	if resume != nil {
		items = reorderForResume(items, resume)
		for _, id := range resume.Processed {
			rs.processed[id] = struct{}{}
		}
		for _, id := range resume.Errored {
			rs.erroredIDs[id] = struct{}{}
		}
		rs.report.Attempted = resume.Attempted
		rs.report.Completed = resume.Completed
		rs.report.Skipped = resume.Skipped
		rs.report.Errors = resume.Errors
		e.logger.Info("resuming session",
			slog.String("session", resume.ID),
			slog.Int("remaining", len(items)))
	}

	remoteActive := e.cfg.Store != nil && !opts.DryRun
	if remoteActive {
		// Album sync needs resolved ids for every item, so the pipeline
		// must not fast-skip already-existing assets.
		pcfg := e.cfg.Upload
		pcfg.AlbumSync = pcfg.AlbumSync || opts.AlbumSync
		rs.pipe = pipeline.New(ctx, e.cfg.Store, pcfg, e.emitter, e.logger)
		if err := rs.pipe.SweepExistence(ctx, e.deviceAssetIDs(items)); err != nil {
			return nil, fmt.Errorf("engine: existence sweep: %w", err)
		}
	}

	startIndex := 0
	if resume != nil {
		startIndex = len(resume.Processed)
	}
	e.emitter.Emit(event.WillExport{Total: len(items), StartIndex: startIndex})

	paused := false
	pauseIndex := 0
loop:
	for i, item := range items {
		switch e.control.State() {
		case StateCancelled:
			rs.report.Cancelled = true
			break loop
		case StatePaused:
			paused = true
			pauseIndex = i
			break loop
		}

		if _, done := rs.processed[item.ID]; done {
			continue
		}

		e.emitter.Emit(event.Exporting{ItemID: item.ID, Index: i + 1, Total: len(items)})
		if stopped := e.processItem(ctx, rs, item); stopped {
			rs.report.Cancelled = true
			break loop
		}
	}

	if rs.pipe != nil {
		stats := rs.pipe.FinishAndWait()
		rs.report.Uploaded = stats.Uploaded
		rs.report.UploadSkipped = stats.Skipped
		rs.report.UploadFailed = stats.Failed
		rs.report.Errors += stats.Failed
	}

	finished := !paused && !rs.report.Cancelled

	if finished && opts.AlbumSync && e.cfg.Albums != nil && !opts.DryRun {
		if err := e.syncAlbums(ctx, rs); err != nil {
			e.logger.Warn("album sync failed", slog.String("error", err.Error()))
			e.emitter.Emit(event.Message{Text: "album sync failed: " + err.Error()})
		}
	}

	if finished && opts.Mode == ModeMirror && !opts.DryRun {
		if err := e.mirrorSweep(ctx, rs); err != nil {
			e.logger.Warn("mirror sweep failed", slog.String("error", err.Error()))
			rs.report.Errors++
		}
	}

	if paused {
		sess := e.snapshot(rs, resume, pauseIndex)
		if err := sess.Save(opts.WorkDir); err != nil {
			return nil, fmt.Errorf("engine: save pause snapshot: %w", err)
		}
		rs.report.Paused = true
		e.emitter.Emit(event.Paused{Index: pauseIndex})
	} else {
		_ = ClearSession(opts.WorkDir)
	}

	rs.report.ErroredIDs = sortedIDs(rs.erroredIDs)
	rs.report.Duration = time.Since(start)
	e.logger.Info("run finished",
		slog.String("run", rs.runID),
		slog.Int("attempted", rs.report.Attempted),
		slog.Int("completed", rs.report.Completed),
		slog.Int("skipped", rs.report.Skipped),
		slog.Int("errors", rs.report.Errors),
		slog.Bool("paused", rs.report.Paused),
		slog.Bool("cancelled", rs.report.Cancelled))
	return rs.report, nil
}

// processItem handles all variants of one item. Returns true when the
// run was cancelled mid-item (partial progress discarded).
func (e *Engine) processItem(ctx context.Context, rs *runState, item source.Item) (stopped bool) {
	rs.report.Attempted++

	var variantErrs int
	var realChanges int
	var liveVideoID string

	for _, v := range item.Variants {
		key := manifest.Key(rs.opts.Domain, item.ID, string(v))
		relPath := rs.opts.PathFor(item, v)
		sig := manifest.Signature(item.ModifiedAt, item.CapturedAt, string(v), item.Filename)

		if rs.pipe != nil {
			rs.pipe.SubmitExistence(deviceAssetID(item, v))
		}

		entry, err := e.cfg.Manifest.Get(ctx, key)
		if err != nil {
			e.logger.Warn("manifest read failed", slog.String("key", key), slog.String("error", err.Error()))
			variantErrs++
			continue
		}
		if entry.Skippable(rs.opts.Mode == ModeFull, sig, rs.opts.LocalDest) {
			if !rs.opts.DryRun {
				if err := e.cfg.Manifest.Touch(ctx, key, rs.runID); err != nil {
					e.logger.Warn("manifest touch failed", slog.String("key", key), slog.String("error", err.Error()))
				}
			}
			continue
		}

		// A re-export replaces this variant's previous output rather
		// than colliding with it.
		staleRel := ""
		if entry != nil && entry.DeletedAt == nil {
			staleRel = entry.RelPath
		}

		outRel, size, changed, err := e.exportVariant(ctx, rs, item, v, relPath, staleRel, &liveVideoID)
		if err != nil {
			if errors.Is(err, retry.ErrStopped) {
				return true
			}
			variantErrs++
			rs.report.Errors++
			e.logger.Warn("variant export failed",
				slog.String("item", item.ID),
				slog.String("variant", string(v)),
				slog.String("error", err.Error()))
			e.emitter.Emit(event.Message{
				Text: fmt.Sprintf("export %s (%s) failed: %v", item.ID, v, err),
			})
			continue
		}
		if changed {
			realChanges++
		}

		if !rs.opts.DryRun {
			if err := e.cfg.Manifest.Upsert(ctx, manifest.Entry{
				Key:       key,
				RelPath:   outRel,
				Signature: sig,
				Size:      size,
				ModTime:   item.ModifiedAt,
				LastRunID: rs.runID,
			}); err != nil {
				e.logger.Warn("manifest upsert failed", slog.String("key", key), slog.String("error", err.Error()))
				variantErrs++
				rs.report.Errors++
			}
		}
	}

	// Accounting: an item with any variant error still counts as
	// completed (the error is tallied and the id recorded) so resume
	// never retries a permanently-unavailable item forever. All-skip
	// items count as skipped.
	switch {
	case variantErrs > 0:
		rs.report.Completed++
		rs.erroredIDs[item.ID] = struct{}{}
	case realChanges > 0:
		rs.report.Completed++
	default:
		rs.report.Skipped++
	}
	rs.processed[item.ID] = struct{}{}
	return false
}

// exportVariant materializes one variant via the retry controller,
// places it locally, and hands it to the upload pipeline. Returns the
// relative path and size recorded in the manifest and whether a real
// (non-skip) change happened.
func (e *Engine) exportVariant(ctx context.Context, rs *runState, item source.Item, v source.Variant, relPath, staleRel string, liveVideoID *string) (string, int64, bool, error) {
	if rs.opts.DryRun {
		return relPath, 0, true, nil
	}

	rs.retryer.OnRetry = func(attempt int, delay time.Duration, err error) {
		e.emitter.Emit(event.Retrying{
			ItemID:  item.ID,
			Variant: string(v),
			Attempt: attempt,
			Delay:   delay,
		})
	}

	tmpPath, err := rs.retryer.Do(ctx, rs.scratch, func(actx context.Context, tmpDir string, progress func(float64)) (string, error) {
		return e.cfg.Source.Materialize(actx, item, v, tmpDir, func(f float64) {
			progress(f)
			e.emitter.Emit(event.Downloading{ItemID: item.ID, Variant: string(v), Percent: f * 100})
		})
	})
	if err != nil {
		return "", 0, false, err
	}

	var size int64
	if fi, serr := os.Stat(tmpPath); serr == nil {
		size = fi.Size()
	}

	changed := true
	outRel := relPath
	uploadPath := tmpPath
	pipelineOwnsFile := true

	if rs.opts.LocalDest != "" {
		if staleRel != "" {
			if err := os.Remove(filepath.Join(rs.opts.LocalDest, staleRel)); err != nil && !os.IsNotExist(err) {
				e.logger.Warn("stale output removal failed",
					slog.String("path", staleRel),
					slog.String("error", err.Error()))
			}
		}
		e.emitter.Emit(event.FileCopying{Src: tmpPath, Dst: filepath.Join(rs.opts.LocalDest, relPath)})
		outcome, actualRel, perr := placeLocal(tmpPath, rs.opts.LocalDest, relPath)
		if perr != nil {
			return "", 0, false, fmt.Errorf("place %s: %w", relPath, perr)
		}
		outRel = actualRel
		uploadPath = filepath.Join(rs.opts.LocalDest, actualRel)
		pipelineOwnsFile = false
		if outcome == placedIdentical {
			changed = false
		}
	}

	if rs.pipe != nil {
		work := pipeline.Item{
			Path:          uploadPath,
			OwnsFile:      pipelineOwnsFile,
			DeviceAssetID: deviceAssetID(item, v),
			Filename:      outputFilename(item, v),
			CreatedAt:     captureTime(item),
			ModifiedAt:    item.ModifiedAt,
			Favorite:      item.Favorite,
		}
		if item.Kind == source.KindVideo || v == source.VariantLiveVideo {
			work.Duration = formatDuration(item.Duration)
		}

		itemID := item.ID
		uploadFailed := func(res pipeline.Result) {
			rs.mu.Lock()
			rs.erroredIDs[itemID] = struct{}{}
			rs.mu.Unlock()
			e.emitter.Emit(event.Message{
				Text: fmt.Sprintf("upload %s failed: %v", work.DeviceAssetID, res.Err),
			})
		}

		switch {
		case v == source.VariantLiveVideo:
			// The still depends on this id; resolve synchronously.
			res := rs.pipe.EnqueueSync(ctx, work)
			if res.Err != nil {
				uploadFailed(res)
				return outRel, size, changed, nil // tallied by the pipeline
			}
			*liveVideoID = res.RemoteID

		case v == source.VariantOriginal:
			work.LivePhotoVideoID = *liveVideoID
			rs.pipe.Enqueue(work, func(res pipeline.Result) {
				if res.Err != nil {
					uploadFailed(res)
					return
				}
				rs.mu.Lock()
				rs.remoteIDs[itemID] = res.RemoteID
				rs.mu.Unlock()
			})

		default:
			rs.pipe.Enqueue(work, func(res pipeline.Result) {
				if res.Err != nil {
					uploadFailed(res)
				}
			})
		}
	}

	return outRel, size, changed, nil
}

// snapshot builds the pause session from the run state.
func (e *Engine) snapshot(rs *runState, prev *Session, index int) *Session {
	s := &Session{
		ID:          uuid.NewString(),
		RunID:       rs.runID,
		StartedAt:   time.Now().UTC(),
		PausedAt:    time.Now().UTC(),
		Fingerprint: Fingerprint(rs.opts),
		Processed:   sortedIDs(rs.processed),
		Errored:     sortedIDs(rs.erroredIDs),
		Index:       index,
		Attempted:   rs.report.Attempted,
		Completed:   rs.report.Completed,
		Skipped:     rs.report.Skipped,
		Errors:      rs.report.Errors,
	}
	if prev != nil {
		s.ID = prev.ID
		s.StartedAt = prev.StartedAt
	}
	return s
}

func (e *Engine) normalize(opts Options) Options {
	if opts.Mode == "" {
		opts.Mode = ModeIncremental
	}
	if opts.Domain == "" {
		opts.Domain = "photos"
	}
	if opts.WorkDir == "" {
		opts.WorkDir = filepath.Join(os.TempDir(), "photosync")
	}
	if opts.PathFor == nil {
		opts.PathFor = DefaultPath
	}
	return opts
}

// deviceAssetIDs flattens every variant of every item into the id set
// for the existence sweep.
func (e *Engine) deviceAssetIDs(items []source.Item) []string {
	var ids []string
	for _, it := range items {
		for _, v := range it.Variants {
			ids = append(ids, deviceAssetID(it, v))
		}
	}
	return ids
}

// deviceAssetID is the caller-assigned stable remote identifier for one
// variant.
func deviceAssetID(item source.Item, v source.Variant) string {
	return item.ID + "-" + string(v)
}

// DefaultPath is the default output naming policy: capture year/month
// directories, variant-suffixed filenames. Undated items land in
// "undated".
func DefaultPath(item source.Item, v source.Variant) string {
	dir := "undated"
	if !item.CapturedAt.IsZero() && item.CapturedAt.Year() > 1970 {
		dir = filepath.Join(item.CapturedAt.Format("2006"), item.CapturedAt.Format("01"))
	}
	return filepath.Join(dir, outputFilename(item, v))
}

// outputFilename derives the variant's output filename from the source
// filename.
func outputFilename(item source.Item, v source.Variant) string {
	ext := filepath.Ext(item.Filename)
	base := item.Filename[:len(item.Filename)-len(ext)]
	switch v {
	case source.VariantLiveVideo:
		return base + "_live.mov"
	case source.VariantEdited:
		return base + "_edited" + ext
	case source.VariantSidecar:
		return base + ".xmp"
	default:
		return item.Filename
	}
}

// captureTime returns the capture timestamp, falling back to the
// modification time for undated items.
func captureTime(item source.Item) time.Time {
	if item.CapturedAt.IsZero() {
		return item.ModifiedAt
	}
	return item.CapturedAt
}

// formatDuration renders a media duration as HH:MM:SS.fff.
func formatDuration(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := d.Seconds() - float64(h*3600+m*60)
	return fmt.Sprintf("%02d:%02d:%06.3f", h, m, s)
}

func sortedIDs(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
