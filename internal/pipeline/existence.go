package pipeline

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kmowery/photosync/internal/event"
)

// existenceCache tracks what the remote store is known to hold.
//
// Invariants: existing ⊆ known; an id is in exactly one of {pending,
// known} at a time. Once complete is set (a full sweep finished),
// membership queries never block for the remainder of the run.
// Guarded by Pipeline.mu.
type existenceCache struct {
	known    map[string]struct{}
	existing map[string]struct{}

	pendingSet   map[string]struct{}
	pendingQueue []string

	complete bool

	// waiters are closed when their id becomes known.
	waiters map[string][]chan struct{}
}

func (c *existenceCache) init() {
	c.known = make(map[string]struct{})
	c.existing = make(map[string]struct{})
	c.pendingSet = make(map[string]struct{})
	c.waiters = make(map[string][]chan struct{})
}

// SubmitExistence queues an id for the background existence check. Ids
// already known (or after sweep completion) are ignored.
func (p *Pipeline) SubmitExistence(id string) {
	p.mu.Lock()
	full := p.exist.add(id, p.cfg.ExistBatchSize)
	p.mu.Unlock()
	if full {
		p.kick(p.existKick)
	}
}

// add queues id and reports whether the batch threshold is reached.
// Caller holds p.mu.
func (c *existenceCache) add(id string, threshold int) bool {
	if c.complete {
		return false
	}
	if _, ok := c.known[id]; ok {
		return false
	}
	if _, ok := c.pendingSet[id]; ok {
		return false
	}
	c.pendingSet[id] = struct{}{}
	c.pendingQueue = append(c.pendingQueue, id)
	return len(c.pendingQueue) >= threshold
}

// lookupExistence answers whether id is known and existing, waiting up
// to ExistWait for a pending answer when the cache is not yet complete.
// Timing out conservatively reports unknown; the id stays queued.
func (p *Pipeline) lookupExistence(id string) (existing, known bool) {
	p.mu.Lock()
	if _, ok := p.exist.known[id]; ok || p.exist.complete {
		_, existing = p.exist.existing[id]
		_, known = p.exist.known[id]
		if p.exist.complete {
			known = true
		}
		p.mu.Unlock()
		return existing, known
	}

	// Queue it and register a bounded wait for the answer.
	p.exist.add(id, p.cfg.ExistBatchSize)
	ch := make(chan struct{})
	p.exist.waiters[id] = append(p.exist.waiters[id], ch)
	p.mu.Unlock()
	p.kick(p.existKick)

	timer := time.NewTimer(p.cfg.ExistWait)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
		return false, false
	case <-p.ctx.Done():
		return false, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	_, existing = p.exist.existing[id]
	_, known = p.exist.known[id]
	return existing, known
}

// existLoop flushes the existence queue on kick or idle delay.
func (p *Pipeline) existLoop() {
	defer p.loopWG.Done()
	ticker := time.NewTicker(p.cfg.ExistBatchIdle)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			p.flushExistence()
			return
		case <-p.existKick:
			p.flushExistence()
		case <-ticker.C:
			p.flushExistence()
		}
	}
}

// flushExistence dispatches one pending batch. A failed batch marks its
// members known-not-existing so fast-skip callers fall through to the
// normal hash/upload path rather than waiting forever.
func (p *Pipeline) flushExistence() {
	p.mu.Lock()
	n := len(p.exist.pendingQueue)
	if n == 0 {
		p.mu.Unlock()
		return
	}
	if n > p.cfg.ExistBatchSize {
		n = p.cfg.ExistBatchSize
	}
	ids := make([]string, n)
	copy(ids, p.exist.pendingQueue[:n])
	p.exist.pendingQueue = p.exist.pendingQueue[n:]
	for _, id := range ids {
		delete(p.exist.pendingSet, id)
	}
	p.mu.Unlock()

	existingIDs, err := p.store.CheckExisting(p.ctx, p.cfg.DeviceID, ids)
	if err != nil {
		p.logger.Warn("existence check batch failed",
			slog.Int("ids", len(ids)),
			slog.String("error", err.Error()))
		existingIDs = nil
	}
	p.recordExistence(ids, existingIDs)
}

// recordExistence moves ids from pending to known, records which exist,
// and wakes any bounded waiters.
func (p *Pipeline) recordExistence(checked, existing []string) {
	existSet := make(map[string]struct{}, len(existing))
	for _, id := range existing {
		existSet[id] = struct{}{}
	}

	p.mu.Lock()
	for _, id := range checked {
		p.exist.known[id] = struct{}{}
		if _, ok := existSet[id]; ok {
			p.exist.existing[id] = struct{}{}
		}
		for _, ch := range p.exist.waiters[id] {
			close(ch)
		}
		delete(p.exist.waiters, id)
	}
	p.mu.Unlock()
}

// markUploaded records a fresh upload in the existence sets so later
// queries within the run see it.
func (p *Pipeline) markUploaded(id string) {
	p.mu.Lock()
	p.exist.known[id] = struct{}{}
	p.exist.existing[id] = struct{}{}
	p.mu.Unlock()
}

// existedPreRun reports whether id was known to exist remotely before
// this run started (snapshot taken when the sweep completed).
func (p *Pipeline) existedPreRun(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.preRunExisting[id]
	return ok
}

// SweepExistence runs the full synchronous existence sweep over the
// candidate id set: the same batching mechanism with bounded parallel
// dispatch, blocking until exhausted. Afterwards the cache is complete
// and membership queries never block again for this run.
func (p *Pipeline) SweepExistence(ctx context.Context, ids []string) error {
	total := len(ids)
	checked := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.CheckConcurrency)

	for start := 0; start < total; start += p.cfg.ExistBatchSize {
		end := start + p.cfg.ExistBatchSize
		if end > total {
			end = total
		}
		batch := ids[start:end]

		g.Go(func() error {
			existingIDs, err := p.store.CheckExisting(gctx, p.cfg.DeviceID, batch)
			if err != nil {
				// Same degradation as the background path: known, not
				// existing, so items fall through to upload.
				p.logger.Warn("existence sweep batch failed",
					slog.Int("ids", len(batch)),
					slog.String("error", err.Error()))
				existingIDs = nil
			}
			p.recordExistence(batch, existingIDs)

			p.mu.Lock()
			checked += len(batch)
			done := checked
			p.mu.Unlock()
			p.emitter.Emit(event.ExistenceCheck{Checked: done, Total: total})
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	p.mu.Lock()
	p.exist.complete = true
	p.preRunExisting = make(map[string]struct{}, len(p.exist.existing))
	for id := range p.exist.existing {
		p.preRunExisting[id] = struct{}{}
	}
	// Anyone still waiting learns the answer now.
	for id, chans := range p.exist.waiters {
		for _, ch := range chans {
			close(ch)
		}
		delete(p.exist.waiters, id)
	}
	p.mu.Unlock()
	return nil
}
