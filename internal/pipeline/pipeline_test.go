package pipeline

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kmowery/photosync/internal/remote"
)

// fakeStore is an in-memory Store. Existing ids and checksum
// duplicates are configured per test; every call is recorded.
type fakeStore struct {
	mu sync.Mutex

	existing  map[string]bool   // device asset id -> exists
	dups      map[string]string // checksum -> remote asset id
	assets    map[string]string // device asset id -> remote asset id
	uploadErr error
	bulkErr   error

	checkCalls  [][]string
	bulkCalls   [][]remote.BulkCheckItem
	uploads     []remote.UploadRequest
	deleted     []string
	maxParallel int32
	inFlight    int32

	uploadDelay time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		existing: make(map[string]bool),
		dups:     make(map[string]string),
		assets:   make(map[string]string),
	}
}

func (f *fakeStore) CheckExisting(ctx context.Context, deviceID string, ids []string) ([]string, error) {
	f.mu.Lock()
	f.checkCalls = append(f.checkCalls, append([]string(nil), ids...))
	var out []string
	for _, id := range ids {
		if f.existing[id] {
			out = append(out, id)
		}
	}
	f.mu.Unlock()
	return out, nil
}

func (f *fakeStore) BulkCheck(ctx context.Context, items []remote.BulkCheckItem) ([]remote.BulkCheckResult, error) {
	f.mu.Lock()
	f.bulkCalls = append(f.bulkCalls, append([]remote.BulkCheckItem(nil), items...))
	err := f.bulkErr
	var out []remote.BulkCheckResult
	if err == nil {
		for _, it := range items {
			r := remote.BulkCheckResult{ID: it.ID, Action: remote.BulkCheckActionAccept}
			if assetID, ok := f.dups[it.Checksum]; ok {
				r.Action = remote.BulkCheckActionReject
				r.Reason = remote.BulkCheckReasonDup
				r.AssetID = assetID
			}
			out = append(out, r)
		}
	}
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (f *fakeStore) Upload(ctx context.Context, deviceID string, req remote.UploadRequest) (remote.UploadResponse, error) {
	cur := atomic.AddInt32(&f.inFlight, 1)
	for {
		max := atomic.LoadInt32(&f.maxParallel)
		if cur <= max || atomic.CompareAndSwapInt32(&f.maxParallel, max, cur) {
			break
		}
	}
	if f.uploadDelay > 0 {
		time.Sleep(f.uploadDelay)
	}
	atomic.AddInt32(&f.inFlight, -1)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return remote.UploadResponse{}, f.uploadErr
	}
	f.uploads = append(f.uploads, req)
	id := "remote-" + req.DeviceAssetID
	f.assets[req.DeviceAssetID] = id
	return remote.UploadResponse{ID: id}, nil
}

func (f *fakeStore) GetAsset(ctx context.Context, id, deviceID string) (remote.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rid, ok := f.assets[id]; ok {
		return remote.Asset{ID: rid, DeviceAssetID: id}, nil
	}
	if f.existing[id] {
		return remote.Asset{ID: "pre-" + id, DeviceAssetID: id}, nil
	}
	return remote.Asset{}, fmt.Errorf("asset %s not found", id)
}

func (f *fakeStore) DeleteAssets(ctx context.Context, ids []string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, ids...)
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) uploadedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.uploads))
	for i, u := range f.uploads {
		out[i] = u.DeviceAssetID
	}
	return out
}

func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func testItem(t *testing.T, dir, id, content string) Item {
	return Item{
		Path:          writeTestFile(t, dir, id+".jpg", content),
		DeviceAssetID: id,
		Filename:      id + ".jpg",
		CreatedAt:     time.Now(),
		ModifiedAt:    time.Now(),
	}
}

// fastConfig keeps batch idle delays short so tests do not sit on the
// 1s production defaults.
func fastConfig() Config {
	return Config{
		DeviceID:       "test-device",
		ExistBatchIdle: 20 * time.Millisecond,
		BulkBatchIdle:  20 * time.Millisecond,
		ExistWait:      50 * time.Millisecond,
	}
}

func TestPipeline_UploadsNewItems(t *testing.T) {
	store := newFakeStore()
	dir := t.TempDir()
	p := New(context.Background(), store, fastConfig(), nil, nil)

	var results sync.Map
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("item%d", i)
		p.Enqueue(testItem(t, dir, id, "content-"+id), func(r Result) {
			results.Store(id, r)
		})
	}
	stats := p.FinishAndWait()

	if stats.Uploaded != 5 || stats.Skipped != 0 || stats.Failed != 0 {
		t.Errorf("stats = %+v, want 5 uploaded", stats)
	}
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("item%d", i)
		v, ok := results.Load(id)
		if !ok {
			t.Fatalf("no result delivered for %s", id)
		}
		r := v.(Result)
		if r.Err != nil || r.RemoteID != "remote-"+id {
			t.Errorf("result for %s = %+v", id, r)
		}
	}
}

func TestPipeline_FastExistenceSkip(t *testing.T) {
	store := newFakeStore()
	store.existing["old"] = true
	dir := t.TempDir()

	p := New(context.Background(), store, fastConfig(), nil, nil)
	if err := p.SweepExistence(context.Background(), []string{"old", "new"}); err != nil {
		t.Fatalf("SweepExistence() failed: %v", err)
	}

	p.Enqueue(testItem(t, dir, "old", "a"), func(Result) {})
	p.Enqueue(testItem(t, dir, "new", "b"), func(Result) {})
	stats := p.FinishAndWait()

	if stats.Uploaded != 1 || stats.Skipped != 1 {
		t.Errorf("stats = %+v, want 1 uploaded 1 skipped", stats)
	}
	if got := store.uploadedIDs(); len(got) != 1 || got[0] != "new" {
		t.Errorf("uploaded = %v, want [new]", got)
	}
}

func TestPipeline_ChecksumDedup(t *testing.T) {
	store := newFakeStore()
	dir := t.TempDir()

	content := "duplicate-bytes"
	sum := sha1.Sum([]byte(content))
	store.dups[hex.EncodeToString(sum[:])] = "asset-already-there"

	cfg := fastConfig()
	cfg.ChecksumPrecheck = true
	p := New(context.Background(), store, cfg, nil, nil)

	var dupResult, freshResult Result
	var wg sync.WaitGroup
	wg.Add(2)
	p.Enqueue(testItem(t, dir, "dup", content), func(r Result) { dupResult = r; wg.Done() })
	p.Enqueue(testItem(t, dir, "fresh", "other-bytes"), func(r Result) { freshResult = r; wg.Done() })
	stats := p.FinishAndWait()
	wg.Wait()

	if stats.Uploaded != 1 || stats.Skipped != 1 {
		t.Errorf("stats = %+v, want 1 uploaded 1 skipped", stats)
	}
	if !dupResult.Skipped || dupResult.RemoteID != "asset-already-there" {
		t.Errorf("dup result = %+v, want skip with existing asset id", dupResult)
	}
	if freshResult.Skipped || freshResult.Err != nil {
		t.Errorf("fresh result = %+v, want upload", freshResult)
	}
}

func TestPipeline_BulkCheckFailureFallsThroughToUpload(t *testing.T) {
	store := newFakeStore()
	store.bulkErr = errors.New("bulk endpoint down")
	dir := t.TempDir()

	cfg := fastConfig()
	cfg.ChecksumPrecheck = true
	p := New(context.Background(), store, cfg, nil, nil)

	p.Enqueue(testItem(t, dir, "a", "bytes"), func(Result) {})
	stats := p.FinishAndWait()

	if stats.Uploaded != 1 || stats.Failed != 0 {
		t.Errorf("stats = %+v, want the item uploaded despite the failed batch", stats)
	}
}

func TestPipeline_UploadConcurrencyBound(t *testing.T) {
	store := newFakeStore()
	store.uploadDelay = 30 * time.Millisecond
	dir := t.TempDir()

	cfg := fastConfig()
	cfg.UploadConcurrency = 2
	p := New(context.Background(), store, cfg, nil, nil)

	for i := 0; i < 8; i++ {
		p.Enqueue(testItem(t, dir, fmt.Sprintf("c%d", i), fmt.Sprintf("x%d", i)), func(Result) {})
	}
	p.FinishAndWait()

	if max := atomic.LoadInt32(&store.maxParallel); max > 2 {
		t.Errorf("observed %d parallel uploads, bound is 2", max)
	}
}

func TestPipeline_HashConcurrencyBound(t *testing.T) {
	store := newFakeStore()
	dir := t.TempDir()

	cfg := fastConfig()
	cfg.HashConcurrency = 2
	p := New(context.Background(), store, cfg, nil, nil)

	var inFlight, maxParallel int32
	p.hashFn = func(path string) (string, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			prev := atomic.LoadInt32(&maxParallel)
			if cur <= prev || atomic.CompareAndSwapInt32(&maxParallel, prev, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return hashFile(path)
	}

	for i := 0; i < 8; i++ {
		p.Enqueue(testItem(t, dir, fmt.Sprintf("h%d", i), fmt.Sprintf("y%d", i)), func(Result) {})
	}
	p.FinishAndWait()

	if max := atomic.LoadInt32(&maxParallel); max > 2 {
		t.Errorf("observed %d parallel hashes, bound is 2", max)
	}
}

func TestPipeline_EnqueueSyncResolvesImmediately(t *testing.T) {
	store := newFakeStore()
	dir := t.TempDir()

	cfg := fastConfig()
	cfg.ChecksumPrecheck = true
	// Long idle delay: only the sync flush can deliver the verdict in
	// time.
	cfg.BulkBatchIdle = 10 * time.Second
	p := New(context.Background(), store, cfg, nil, nil)

	start := time.Now()
	r := p.EnqueueSync(context.Background(), testItem(t, dir, "live", "video-bytes"))
	if r.Err != nil {
		t.Fatalf("EnqueueSync() failed: %v", r.Err)
	}
	if r.RemoteID != "remote-live" {
		t.Errorf("RemoteID = %q, want remote-live", r.RemoteID)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("EnqueueSync took %v; sync submission must not wait for the idle flush", elapsed)
	}
	p.FinishAndWait()
}

func TestPipeline_ReplaceChangedDeletesBeforeUpload(t *testing.T) {
	store := newFakeStore()
	store.existing["changed"] = true
	dir := t.TempDir()

	cfg := fastConfig()
	cfg.ReplaceChanged = true
	p := New(context.Background(), store, cfg, nil, nil)
	if err := p.SweepExistence(context.Background(), []string{"changed"}); err != nil {
		t.Fatal(err)
	}

	p.Enqueue(testItem(t, dir, "changed", "new-bytes"), func(Result) {})
	stats := p.FinishAndWait()

	if stats.Uploaded != 1 {
		t.Errorf("stats = %+v, want 1 uploaded", stats)
	}
	store.mu.Lock()
	deleted := append([]string(nil), store.deleted...)
	store.mu.Unlock()
	if len(deleted) != 1 || deleted[0] != "pre-changed" {
		t.Errorf("deleted = %v, want the pre-existing asset", deleted)
	}
}

func TestPipeline_SweepBatchesLargeIDSets(t *testing.T) {
	store := newFakeStore()
	dir := t.TempDir()
	_ = dir

	cfg := fastConfig()
	cfg.ExistBatchSize = 100
	p := New(context.Background(), store, cfg, nil, nil)

	ids := make([]string, 250)
	for i := range ids {
		ids[i] = fmt.Sprintf("id%03d", i)
	}
	if err := p.SweepExistence(context.Background(), ids); err != nil {
		t.Fatalf("SweepExistence() failed: %v", err)
	}
	p.FinishAndWait()

	store.mu.Lock()
	calls := len(store.checkCalls)
	var total int
	for _, c := range store.checkCalls {
		total += len(c)
		if len(c) > 100 {
			t.Errorf("batch of %d ids exceeds configured size 100", len(c))
		}
	}
	store.mu.Unlock()

	if total != 250 {
		t.Errorf("checked %d ids, want 250", total)
	}
	if calls != 3 {
		t.Errorf("sweep used %d batches, want 3", calls)
	}
}

func TestPipeline_OwnedFileRemovedAfterUpload(t *testing.T) {
	store := newFakeStore()
	dir := t.TempDir()

	p := New(context.Background(), store, fastConfig(), nil, nil)
	item := testItem(t, dir, "tmp", "scratch-bytes")
	item.OwnsFile = true
	p.Enqueue(item, func(Result) {})
	p.FinishAndWait()

	if _, err := os.Stat(item.Path); !os.IsNotExist(err) {
		t.Errorf("pipeline-owned file still present after completion")
	}
}

func TestPipeline_UploadFailureArchivesRecord(t *testing.T) {
	store := newFakeStore()
	store.uploadErr = errors.New("503 service unavailable")
	dir := t.TempDir()
	failureDir := filepath.Join(t.TempDir(), "failures")

	cfg := fastConfig()
	cfg.FailureDir = failureDir
	p := New(context.Background(), store, cfg, nil, nil)

	var r Result
	var wg sync.WaitGroup
	wg.Add(1)
	p.Enqueue(testItem(t, dir, "broken", "bytes"), func(res Result) { r = res; wg.Done() })
	stats := p.FinishAndWait()
	wg.Wait()

	if stats.Failed != 1 {
		t.Errorf("stats = %+v, want 1 failed", stats)
	}
	if r.Err == nil {
		t.Error("completion result carries no error")
	}

	entries, err := os.ReadDir(failureDir)
	if err != nil {
		t.Fatalf("failure dir not created: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("failure records = %d, want 1", len(entries))
	}
	data, err := os.ReadFile(filepath.Join(failureDir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	var rec struct {
		DeviceAssetID string `json:"deviceAssetId"`
		Error         string `json:"error"`
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("failure record is not valid JSON: %v", err)
	}
	if rec.DeviceAssetID != "broken" || rec.Error == "" {
		t.Errorf("failure record = %+v", rec)
	}
}

func TestPipeline_LookupTimesOutWhenBatchStalls(t *testing.T) {
	store := newFakeStore()
	dir := t.TempDir()

	cfg := fastConfig()
	// Idle flush far in the future and a tiny bounded wait: lookups
	// must give up quickly and treat the id as unknown.
	cfg.ExistBatchIdle = 10 * time.Second
	cfg.ExistWait = 20 * time.Millisecond
	p := New(context.Background(), store, cfg, nil, nil)

	p.SubmitExistence("pending-id")

	start := time.Now()
	_, known := p.lookupExistence("pending-id")
	elapsed := time.Since(start)

	if known {
		t.Error("stalled batch reported a known verdict")
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("lookup blocked %v; wait must stay bounded", elapsed)
	}

	p.Enqueue(testItem(t, dir, "pending-id", "bytes"), func(Result) {})
	stats := p.FinishAndWait()
	if stats.Uploaded != 1 {
		t.Errorf("stats = %+v, want the unknown id uploaded", stats)
	}
}
