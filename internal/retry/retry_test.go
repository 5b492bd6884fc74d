package retry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

// newTestController returns a Controller with instant sleeps, no
// jitter, and a fast tick so timeout paths run in milliseconds.
func newTestController(p Policy) (*Controller, *[]time.Duration) {
	if p.Tick == 0 {
		p.Tick = 5 * time.Millisecond
	}
	c := New(p)
	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	c.randFloat = func() float64 { return 0 }
	return c, &slept
}

func writeOutput(tmpDir, name string) (string, error) {
	p := filepath.Join(tmpDir, name)
	return p, os.WriteFile(p, []byte("data"), 0o644)
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	c, slept := newTestController(Policy{})

	path, err := c.Do(context.Background(), t.TempDir(), func(ctx context.Context, tmpDir string, progress func(float64)) (string, error) {
		return writeOutput(tmpDir, "a.jpg")
	})
	if err != nil {
		t.Fatalf("Do() failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("output file missing: %v", err)
	}
	if len(*slept) != 0 {
		t.Errorf("slept %v on a clean first attempt", *slept)
	}
}

func TestDo_RetriesRetryableThenSucceeds(t *testing.T) {
	c, slept := newTestController(Policy{BaseDelay: time.Second, MaxDelay: 30 * time.Second})

	var calls int32
	path, err := c.Do(context.Background(), t.TempDir(), func(ctx context.Context, tmpDir string, progress func(float64)) (string, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return "", fmt.Errorf("broken pipe: %w", ErrSlowFetch)
		}
		return writeOutput(tmpDir, "a.jpg")
	})
	if err != nil {
		t.Fatalf("Do() failed: %v", err)
	}
	if path == "" {
		t.Error("Do() returned empty path")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(*slept) != len(want) {
		t.Fatalf("backoff sleeps = %v, want %v", *slept, want)
	}
	for i, d := range want {
		if (*slept)[i] != d {
			t.Errorf("sleep[%d] = %v, want %v", i, (*slept)[i], d)
		}
	}
}

func TestDo_ExhaustsRetries(t *testing.T) {
	c, slept := newTestController(Policy{MaxRetries: 3})

	var calls int32
	_, err := c.Do(context.Background(), t.TempDir(), func(ctx context.Context, tmpDir string, progress func(float64)) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", ErrSlowFetch
	})
	if err == nil {
		t.Fatal("Do() succeeded, want exhaustion error")
	}
	if !errors.Is(err, ErrSlowFetch) {
		t.Errorf("err = %v, want wrapped ErrSlowFetch", err)
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4 (1 + 3 retries)", calls)
	}
	if len(*slept) != 3 {
		t.Errorf("backoff sleeps = %d, want 3", len(*slept))
	}
}

func TestDo_NonRetryableFailsImmediately(t *testing.T) {
	c, slept := newTestController(Policy{})

	var calls int32
	_, err := c.Do(context.Background(), t.TempDir(), func(ctx context.Context, tmpDir string, progress func(float64)) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", fmt.Errorf("no such item: %w", ErrItemUnavailable)
	})
	if !errors.Is(err, ErrItemUnavailable) {
		t.Fatalf("err = %v, want ErrItemUnavailable", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if len(*slept) != 0 {
		t.Errorf("slept on a non-retryable failure: %v", *slept)
	}
}

func TestDo_GenericErrorNotRetried(t *testing.T) {
	c, _ := newTestController(Policy{})

	var calls int32
	sentinel := errors.New("disk full")
	_, err := c.Do(context.Background(), t.TempDir(), func(ctx context.Context, tmpDir string, progress func(float64)) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want %v", err, sentinel)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_StopCheckAborts(t *testing.T) {
	c, _ := newTestController(Policy{})
	c.StopCheck = func() bool { return true }

	_, err := c.Do(context.Background(), t.TempDir(), func(ctx context.Context, tmpDir string, progress func(float64)) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestDo_ContextCancelMapsToStopped(t *testing.T) {
	c, _ := newTestController(Policy{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.Do(ctx, t.TempDir(), func(ctx context.Context, tmpDir string, progress func(float64)) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestDo_TimeoutWithoutProgress(t *testing.T) {
	c, _ := newTestController(Policy{
		MaxRetries:  1,
		BaseTimeout: 20 * time.Millisecond,
	})

	_, err := c.Do(context.Background(), t.TempDir(), func(ctx context.Context, tmpDir string, progress func(float64)) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestDo_ProgressExtendsTimeout(t *testing.T) {
	c, _ := newTestController(Policy{
		MaxRetries:        1,
		BaseTimeout:       40 * time.Millisecond,
		TimeoutMultiplier: 4,
	})

	// The operation takes ~2x the base timeout but keeps reporting
	// progress, so the extended deadline lets it finish.
	path, err := c.Do(context.Background(), t.TempDir(), func(ctx context.Context, tmpDir string, progress func(float64)) (string, error) {
		for i := 1; i <= 8; i++ {
			select {
			case <-ctx.Done():
				return "", ErrTimeout
			case <-time.After(10 * time.Millisecond):
			}
			progress(float64(i) / 10)
		}
		return writeOutput(tmpDir, "big.mov")
	})
	if err != nil {
		t.Fatalf("Do() failed despite progress: %v", err)
	}
	if path == "" {
		t.Error("Do() returned empty path")
	}
}

func TestDo_CleansFailedAttemptDirs(t *testing.T) {
	workDir := t.TempDir()
	c, _ := newTestController(Policy{MaxRetries: 2})

	_, err := c.Do(context.Background(), workDir, func(ctx context.Context, tmpDir string, progress func(float64)) (string, error) {
		if _, err := writeOutput(tmpDir, "partial.jpg"); err != nil {
			t.Fatal(err)
		}
		return "", ErrSlowFetch
	})
	if err == nil {
		t.Fatal("Do() succeeded, want failure")
	}

	entries, err := os.ReadDir(workDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("failed attempt directories left behind: %v", entries)
	}
}

func TestBackoffDelay_CapsAtMax(t *testing.T) {
	c := New(Policy{BaseDelay: time.Second, MaxDelay: 30 * time.Second})
	c.randFloat = func() float64 { return 0 }

	for i, want := range []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	} {
		if got := c.backoffDelay(i); got != want {
			t.Errorf("backoffDelay(%d) = %v, want %v", i, got, want)
		}
	}
}

func TestBackoffDelay_JitterBounded(t *testing.T) {
	c := New(Policy{BaseDelay: time.Second, MaxDelay: 30 * time.Second})
	c.randFloat = func() float64 { return 1 }

	got := c.backoffDelay(0)
	want := time.Second + 250*time.Millisecond
	if got != want {
		t.Errorf("backoffDelay(0) with max jitter = %v, want %v", got, want)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{ErrSlowFetch, true},
		{ErrTimeout, true},
		{fmt.Errorf("wrapped: %w", ErrSlowFetch), true},
		{ErrItemUnavailable, false},
		{ErrStopped, false},
		{errors.New("anything else"), false},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
