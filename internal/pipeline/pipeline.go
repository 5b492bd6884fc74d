// Package pipeline implements the concurrent, batched, deduplicating
// upload pipeline.
//
// Work items proceed through a per-item state machine: fast existence
// skip, hash, checksum dedup, optional replace, upload. Hashing and
// uploading run under independent concurrency bounds because their cost
// profiles differ (CPU vs. large network transfers); existence and
// checksum checks are batched against the store's bulk endpoints.
//
// All mutable pipeline state (existence sets, pending batches) is owned
// by a single mutex to avoid lock-ordering hazards. Cross-goroutine
// signalling uses bounded waits, never unbounded blocks.
package pipeline

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kmowery/photosync/internal/event"
	"github.com/kmowery/photosync/internal/remote"
)

// Store is the subset of the remote client the pipeline depends on.
// *remote.Client satisfies it; tests substitute fakes.
type Store interface {
	CheckExisting(ctx context.Context, deviceID string, ids []string) ([]string, error)
	BulkCheck(ctx context.Context, items []remote.BulkCheckItem) ([]remote.BulkCheckResult, error)
	Upload(ctx context.Context, deviceID string, req remote.UploadRequest) (remote.UploadResponse, error)
	GetAsset(ctx context.Context, id, deviceID string) (remote.Asset, error)
	DeleteAssets(ctx context.Context, ids []string) error
}

// Config holds the pipeline knobs.
type Config struct {
	// DeviceID identifies this client to the store.
	DeviceID string

	// HashConcurrency bounds simultaneous checksum computations
	// (default 4).
	HashConcurrency int

	// UploadConcurrency bounds simultaneous upload transfers (default 4).
	UploadConcurrency int

	// CheckConcurrency bounds parallel batches during the synchronous
	// existence sweep (default 6).
	CheckConcurrency int

	// ExistBatchSize is the existence-check batch threshold (default 5000).
	ExistBatchSize int

	// ExistBatchIdle flushes a partial existence batch after this idle
	// delay (default 1s).
	ExistBatchIdle time.Duration

	// ExistWait bounds how long the fast-skip path waits for a fresh
	// existence answer before treating the id as unknown (default 250ms).
	ExistWait time.Duration

	// BulkBatchSize is the checksum-precheck batch threshold (default 250).
	BulkBatchSize int

	// BulkBatchIdle flushes a partial checksum batch after this idle
	// delay (default 1s).
	BulkBatchIdle time.Duration

	// ChecksumPrecheck enables the bulk-checksum dedup stage.
	ChecksumPrecheck bool

	// ReplaceChanged deletes a pre-existing remote asset before
	// re-uploading its changed content. Delete-then-upload is not
	// atomic: a crash between the two leaves the asset missing until
	// the next run re-uploads it.
	ReplaceChanged bool

	// AlbumSync disables the fast existence skip (album membership
	// needs resolved ids for every item).
	AlbumSync bool

	// DisableHashing skips checksum computation entirely.
	DisableHashing bool

	// FailureDir, when set, archives a metadata-only JSON record per
	// failed upload.
	FailureDir string
}

func (c Config) withDefaults() Config {
	if c.HashConcurrency <= 0 {
		c.HashConcurrency = 4
	}
	if c.UploadConcurrency <= 0 {
		c.UploadConcurrency = 4
	}
	if c.CheckConcurrency <= 0 {
		c.CheckConcurrency = 6
	}
	if c.ExistBatchSize <= 0 {
		c.ExistBatchSize = 5000
	}
	if c.ExistBatchIdle <= 0 {
		c.ExistBatchIdle = time.Second
	}
	if c.ExistWait <= 0 {
		c.ExistWait = 250 * time.Millisecond
	}
	if c.BulkBatchSize <= 0 {
		c.BulkBatchSize = 250
	}
	if c.BulkBatchIdle <= 0 {
		c.BulkBatchIdle = time.Second
	}
	return c
}

// Item is one upload work item.
type Item struct {
	// Path is the local file to upload.
	Path string

	// OwnsFile marks Path as pipeline-owned: it is removed after the
	// item finishes (uploaded, deduplicated, or skipped).
	OwnsFile bool

	// DeviceAssetID is the caller-assigned stable remote identifier.
	DeviceAssetID string

	Filename   string
	CreatedAt  time.Time
	ModifiedAt time.Time

	// Duration is the formatted media duration for videos.
	Duration string

	Favorite bool

	// LivePhotoVideoID links a still to its already-uploaded paired
	// video.
	LivePhotoVideoID string

	Metadata map[string]string
}

// Result is the outcome of one work item.
type Result struct {
	// RemoteID is the server-side asset id: newly created, or the
	// existing id when the server deduplicated.
	RemoteID string

	// Skipped is true when no upload was performed (already existing,
	// or a server-reported checksum duplicate).
	Skipped bool

	Err error
}

// CompletionFunc receives the item's result. Called exactly once, from
// a pipeline goroutine.
type CompletionFunc func(Result)

// Stats are the pipeline's running tallies.
type Stats struct {
	Uploaded int
	Skipped  int
	Failed   int
}

type bulkVerdict struct {
	dupAssetID string
	err        error
}

type bulkWaiter struct {
	item remote.BulkCheckItem
	ch   chan bulkVerdict
}

// Pipeline accepts export results and asynchronously deduplicates,
// hashes, and uploads them.
type Pipeline struct {
	cfg     Config
	store   Store
	logger  *slog.Logger
	emitter event.Emitter
	ctx     context.Context

	hashSem   *semaphore.Weighted
	uploadSem *semaphore.Weighted

	// hashFn is a test seam; defaults to hashFile.
	hashFn func(path string) (string, error)

	// mu is the single serialization domain for all mutable state below.
	mu             sync.Mutex
	exist          existenceCache
	preRunExisting map[string]struct{}
	bulkPending    []bulkWaiter
	stats          Stats

	existKick chan struct{}
	bulkKick  chan struct{}
	done      chan struct{}
	loopWG    sync.WaitGroup
	itemWG    sync.WaitGroup
}

// New creates a Pipeline and starts its background batch flushers. The
// context bounds the pipeline's lifetime; it should outlive the run's
// cooperative cancellation so FinishAndWait can drain in-flight work.
func New(ctx context.Context, store Store, cfg Config, emitter event.Emitter, logger *slog.Logger) *Pipeline {
	cfg = cfg.withDefaults()
	if emitter == nil {
		emitter = event.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pipeline{
		cfg:       cfg,
		store:     store,
		logger:    logger,
		emitter:   emitter,
		ctx:       ctx,
		hashFn:    hashFile,
		hashSem:   semaphore.NewWeighted(int64(cfg.HashConcurrency)),
		uploadSem: semaphore.NewWeighted(int64(cfg.UploadConcurrency)),
		existKick: make(chan struct{}, 1),
		bulkKick:  make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	p.exist.init()

	p.loopWG.Add(2)
	go p.existLoop()
	go p.bulkLoop()
	return p
}

// Enqueue submits an item fire-and-forget. The completion callback runs
// once the item finishes.
func (p *Pipeline) Enqueue(item Item, complete CompletionFunc) {
	p.itemWG.Add(1)
	go p.process(item, complete, false)
}

// EnqueueSync submits an item and blocks until its result is known.
// Used when a dependent variant needs the resolved remote id (a live
// photo's still must learn its paired video's id before uploading).
// Synchronous submission flushes the checksum batch immediately.
func (p *Pipeline) EnqueueSync(ctx context.Context, item Item) Result {
	ch := make(chan Result, 1)
	p.itemWG.Add(1)
	go p.process(item, func(r Result) { ch <- r }, true)

	select {
	case r := <-ch:
		return r
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
}

// FinishAndWait flushes pending batches and blocks until every queued
// and in-flight item has completed, then stops the background loops.
// The pipeline must not be used afterwards.
func (p *Pipeline) FinishAndWait() Stats {
	p.kick(p.existKick)
	p.kick(p.bulkKick)
	p.itemWG.Wait()
	close(p.done)
	p.loopWG.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Stats returns a snapshot of the running tallies.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// process drives one item through the stage machine.
func (p *Pipeline) process(item Item, complete CompletionFunc, sync bool) {
	finish := func(r Result) {
		if item.OwnsFile {
			_ = os.Remove(item.Path)
		}
		p.mu.Lock()
		switch {
		case r.Err != nil:
			p.stats.Failed++
		case r.Skipped:
			p.stats.Skipped++
		default:
			p.stats.Uploaded++
		}
		p.mu.Unlock()
		complete(r)
		p.itemWG.Done()
	}

	// Stage 1: fast existence skip. Only sound when nothing downstream
	// needs a resolved id for every item.
	if !p.cfg.AlbumSync && !p.cfg.ReplaceChanged && !p.cfg.ChecksumPrecheck {
		if existing, known := p.lookupExistence(item.DeviceAssetID); known && existing {
			finish(Result{Skipped: true})
			return
		}
	}

	// Stage 2: hash.
	var checksum string
	if !p.cfg.DisableHashing {
		if err := p.hashSem.Acquire(p.ctx, 1); err != nil {
			finish(Result{Err: err})
			return
		}
		sum, err := p.hashFn(item.Path)
		p.hashSem.Release(1)
		if err != nil {
			finish(Result{Err: fmt.Errorf("hash %s: %w", item.Filename, err)})
			return
		}
		checksum = sum
	}

	// Stage 3: checksum dedup. A failed batch falls through to upload;
	// the server dedups on its side anyway.
	if p.cfg.ChecksumPrecheck && checksum != "" {
		verdict := p.bulkCheck(item.DeviceAssetID, checksum, sync)
		if verdict.err != nil {
			p.logger.Warn("bulk checksum check failed, uploading anyway",
				slog.String("id", item.DeviceAssetID),
				slog.String("error", verdict.err.Error()))
		} else if verdict.dupAssetID != "" {
			finish(Result{RemoteID: verdict.dupAssetID, Skipped: true})
			return
		}
	}

	// Stage 4: replace. Best-effort delete of the old asset before
	// re-upload; failures only log.
	if p.cfg.ReplaceChanged && p.existedPreRun(item.DeviceAssetID) {
		p.replaceExisting(item.DeviceAssetID)
	}

	// Stage 5: upload.
	if err := p.uploadSem.Acquire(p.ctx, 1); err != nil {
		finish(Result{Err: err})
		return
	}
	resp, err := p.store.Upload(p.ctx, p.cfg.DeviceID, remote.UploadRequest{
		Path:             item.Path,
		DeviceAssetID:    item.DeviceAssetID,
		Filename:         item.Filename,
		CreatedAt:        item.CreatedAt,
		ModifiedAt:       item.ModifiedAt,
		Checksum:         checksum,
		Duration:         item.Duration,
		Favorite:         item.Favorite,
		LivePhotoVideoID: item.LivePhotoVideoID,
		Metadata:         item.Metadata,
	})
	p.uploadSem.Release(1)

	if err != nil {
		p.archiveFailure(item, checksum, err)
		finish(Result{Err: fmt.Errorf("upload %s: %w", item.Filename, err)})
		return
	}

	p.markUploaded(item.DeviceAssetID)
	finish(Result{RemoteID: resp.ID})
}

// replaceExisting resolves the remote id behind a device asset id and
// deletes it so the changed content can be re-uploaded under the same id.
func (p *Pipeline) replaceExisting(deviceAssetID string) {
	asset, err := p.store.GetAsset(p.ctx, deviceAssetID, p.cfg.DeviceID)
	if err != nil {
		p.logger.Warn("replace: cannot resolve existing asset",
			slog.String("id", deviceAssetID),
			slog.String("error", err.Error()))
		return
	}
	if err := p.store.DeleteAssets(p.ctx, []string{asset.ID}); err != nil {
		p.logger.Warn("replace: delete of existing asset failed",
			slog.String("id", deviceAssetID),
			slog.String("error", err.Error()))
	}
}

// bulkCheck buffers one checksum into the pending batch and waits for
// the server's verdict. sync forces an immediate flush.
func (p *Pipeline) bulkCheck(id, checksum string, sync bool) bulkVerdict {
	w := bulkWaiter{
		item: remote.BulkCheckItem{ID: id, Checksum: checksum},
		ch:   make(chan bulkVerdict, 1),
	}

	p.mu.Lock()
	p.bulkPending = append(p.bulkPending, w)
	full := len(p.bulkPending) >= p.cfg.BulkBatchSize
	p.mu.Unlock()

	if full || sync {
		p.kick(p.bulkKick)
	}

	select {
	case v := <-w.ch:
		return v
	case <-p.ctx.Done():
		return bulkVerdict{err: p.ctx.Err()}
	}
}

// bulkLoop flushes the checksum batch on kick or idle delay.
func (p *Pipeline) bulkLoop() {
	defer p.loopWG.Done()
	ticker := time.NewTicker(p.cfg.BulkBatchIdle)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			p.flushBulk()
			return
		case <-p.bulkKick:
			p.flushBulk()
		case <-ticker.C:
			p.flushBulk()
		}
	}
}

// flushBulk sends the pending checksum batch to the store and delivers
// verdicts to the waiters. A failed batch delivers its error to every
// waiter so items fall through to normal upload instead of hanging.
func (p *Pipeline) flushBulk() {
	p.mu.Lock()
	if len(p.bulkPending) == 0 {
		p.mu.Unlock()
		return
	}
	batch := p.bulkPending
	p.bulkPending = nil
	p.mu.Unlock()

	items := make([]remote.BulkCheckItem, len(batch))
	for i, w := range batch {
		items[i] = w.item
	}

	results, err := p.store.BulkCheck(p.ctx, items)
	if err != nil {
		for _, w := range batch {
			w.ch <- bulkVerdict{err: err}
		}
		return
	}

	byID := make(map[string]remote.BulkCheckResult, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}
	for _, w := range batch {
		r, ok := byID[w.item.ID]
		if ok && r.Action == remote.BulkCheckActionReject && r.Reason == remote.BulkCheckReasonDup && r.AssetID != "" {
			w.ch <- bulkVerdict{dupAssetID: r.AssetID}
			continue
		}
		w.ch <- bulkVerdict{}
	}
}

func (p *Pipeline) kick(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
