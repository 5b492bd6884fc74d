// Package retry wraps a single blocking export/fetch operation with
// classified-error retry and an adaptive timeout.
//
// The timeout adapts to visible progress: a large file still being
// pulled from a cold network source reports fractional progress, and the
// controller extends the deadline rather than killing a transfer that is
// demonstrably moving. Truly stuck transfers still hit the bound.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"
)

// Error taxonomy. Sources wrap their failures with these sentinels;
// classification is by errors.Is.
var (
	// ErrSlowFetch marks a failure of a remote fetch that was still in
	// progress (for example a cold-storage download that broke midway).
	// Retryable.
	ErrSlowFetch = errors.New("remote fetch failed while in progress")

	// ErrTimeout marks an attempt aborted by the adaptive timeout.
	// Retryable.
	ErrTimeout = errors.New("operation timed out")

	// ErrItemUnavailable marks a source item that is missing, corrupt,
	// or unauthorized. Never retried.
	ErrItemUnavailable = errors.New("source item unavailable")

	// ErrStopped marks a cooperative stop requested by the caller.
	// Never retried and never counted as an error.
	ErrStopped = errors.New("stopped by user")
)

// IsRetryable reports whether err belongs to the retryable classes.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSlowFetch) || errors.Is(err, ErrTimeout)
}

// Policy holds the retry and timeout knobs.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt
	// (default 3, so 4 attempts total).
	MaxRetries int

	// BaseDelay is the first backoff delay (default 1s). Delay for
	// attempt i is min(BaseDelay*2^i, MaxDelay) plus up to 25% jitter.
	BaseDelay time.Duration

	// MaxDelay caps the backoff delay (default 30s).
	MaxDelay time.Duration

	// BaseTimeout bounds one attempt (default 2m).
	BaseTimeout time.Duration

	// TimeoutMultiplier extends the effective timeout to
	// BaseTimeout*TimeoutMultiplier while sub-100% progress is being
	// reported (default 2.0).
	TimeoutMultiplier float64

	// Tick is the polling interval for the stop check and timeout
	// evaluation (default 1s).
	Tick time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.BaseTimeout <= 0 {
		p.BaseTimeout = 2 * time.Minute
	}
	if p.TimeoutMultiplier <= 0 {
		p.TimeoutMultiplier = 2.0
	}
	if p.Tick <= 0 {
		p.Tick = time.Second
	}
	return p
}

// Operation is one export/fetch attempt. It writes its output under
// tmpDir, reports fractional progress through progress (may be nil-safe
// calls; fraction in [0,1]), and returns the produced file path.
type Operation func(ctx context.Context, tmpDir string, progress func(float64)) (string, error)

// Controller runs Operations under the Policy. One Controller may be
// shared across items; it holds no per-attempt state.
type Controller struct {
	policy Policy

	// StopCheck is polled every tick. Returning true aborts the attempt
	// with ErrStopped.
	StopCheck func() bool

	// OnRetry is invoked before each backoff sleep with the upcoming
	// attempt number (1-based), the delay, and the error being retried.
	OnRetry func(attempt int, delay time.Duration, err error)

	Logger *slog.Logger

	// Test seams.
	sleep     func(ctx context.Context, d time.Duration) error
	randFloat func() float64
}

// New creates a Controller with the given policy (zero fields take
// defaults).
func New(policy Policy) *Controller {
	return &Controller{
		policy:    policy.withDefaults(),
		Logger:    slog.Default(),
		sleep:     sleepContext,
		randFloat: rand.Float64,
	}
}

// Do runs op with retry and adaptive timeout. Each attempt runs in a
// fresh temporary directory under workDir; failed attempts are cleaned
// up before retrying. On success the returned path points into the
// surviving attempt directory, which the caller owns.
func (c *Controller) Do(ctx context.Context, workDir string, op Operation) (string, error) {
	var lastErr error

	attempts := c.policy.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := c.backoffDelay(attempt - 1)
			if c.OnRetry != nil {
				c.OnRetry(attempt, delay, lastErr)
			}
			c.Logger.Debug("retrying export",
				slog.Int("attempt", attempt+1),
				slog.Duration("delay", delay))
			if err := c.sleep(ctx, delay); err != nil {
				return "", ErrStopped
			}
		}

		path, err := c.attempt(ctx, workDir, op)
		if err == nil {
			return path, nil
		}
		if errors.Is(err, ErrStopped) || errors.Is(err, context.Canceled) {
			return "", ErrStopped
		}
		if !IsRetryable(err) {
			return "", err
		}
		lastErr = err
	}

	return "", fmt.Errorf("retries exhausted after %d attempts: %w", attempts, lastErr)
}

type attemptResult struct {
	path string
	err  error
}

// attempt runs op once under the adaptive timeout, polling the stop
// check every tick. The operation cannot be forcibly killed; on timeout
// or stop the attempt context is cancelled and the goroutine is left to
// notice it, while cleanup of the attempt directory waits for it.
func (c *Controller) attempt(ctx context.Context, workDir string, op Operation) (string, error) {
	tmpDir, err := os.MkdirTemp(workDir, "export-")
	if err != nil {
		return "", fmt.Errorf("create attempt directory: %w", err)
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	var lastFraction float64
	var progressed bool
	progress := func(f float64) {
		mu.Lock()
		lastFraction = f
		if f > 0 && f < 1 {
			progressed = true
		}
		mu.Unlock()
	}

	done := make(chan attemptResult, 1)
	go func() {
		p, opErr := op(attemptCtx, tmpDir, progress)
		done <- attemptResult{path: p, err: opErr}
	}()

	// abort cancels the in-flight operation, waits for it to notice,
	// removes the attempt directory, and returns the classified error.
	abort := func(reason error) (string, error) {
		cancel()
		<-done
		_ = os.RemoveAll(tmpDir)
		return "", reason
	}

	effective := c.policy.BaseTimeout
	start := time.Now()
	ticker := time.NewTicker(c.policy.Tick)
	defer ticker.Stop()

	for {
		select {
		case res := <-done:
			if res.err != nil {
				_ = os.RemoveAll(tmpDir)
				return "", res.err
			}
			return res.path, nil

		case <-ticker.C:
			if c.StopCheck != nil && c.StopCheck() {
				return abort(ErrStopped)
			}
			mu.Lock()
			extend := progressed && lastFraction < 1
			mu.Unlock()
			if extend {
				if ext := time.Duration(float64(c.policy.BaseTimeout) * c.policy.TimeoutMultiplier); ext > effective {
					effective = ext
				}
			}
			if time.Since(start) > effective {
				return abort(ErrTimeout)
			}

		case <-ctx.Done():
			return abort(ErrStopped)
		}
	}
}

// backoffDelay computes min(base*2^i, cap) plus up to 25% jitter.
func (c *Controller) backoffDelay(i int) time.Duration {
	d := c.policy.BaseDelay
	for ; i > 0 && d < c.policy.MaxDelay; i-- {
		d *= 2
	}
	if d > c.policy.MaxDelay {
		d = c.policy.MaxDelay
	}
	jitter := time.Duration(c.randFloat() * 0.25 * float64(d))
	return d + jitter
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
