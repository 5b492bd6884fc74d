package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kmowery/photosync/internal/source"
)

// Session is the pause/resume snapshot of an interrupted run.
type Session struct {
	ID        string    `json:"id"`
	RunID     string    `json:"runId"`
	StartedAt time.Time `json:"startedAt"`
	PausedAt  time.Time `json:"pausedAt"`

	// Fingerprint guards against resuming into an incompatible
	// configuration (different mode, filters, or destination).
	Fingerprint string `json:"fingerprint"`

	// Processed and Errored are item ids fully handled before the pause.
	Processed []string `json:"processed"`
	Errored   []string `json:"errored,omitempty"`

	// Index is the candidate-list position at which the run stopped.
	Index int `json:"index"`

	Attempted int `json:"attempted"`
	Completed int `json:"completed"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// sessionFile is the snapshot's name inside the work directory.
const sessionFile = "session.json"

// SessionPath returns the snapshot path for a work directory.
func SessionPath(workDir string) string {
	return filepath.Join(workDir, sessionFile)
}

// LoadSession reads a snapshot, returning nil (no error) when none
// exists.
func LoadSession(workDir string) (*Session, error) {
	data, err := os.ReadFile(SessionPath(workDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session snapshot: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse session snapshot: %w", err)
	}
	return &s, nil
}

// Save writes the snapshot atomically (write-then-rename).
func (s *Session) Save(workDir string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session snapshot: %w", err)
	}
	tmp := SessionPath(workDir) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write session snapshot: %w", err)
	}
	if err := os.Rename(tmp, SessionPath(workDir)); err != nil {
		return fmt.Errorf("commit session snapshot: %w", err)
	}
	return nil
}

// ClearSession removes any snapshot. Idempotent.
func ClearSession(workDir string) error {
	err := os.Remove(SessionPath(workDir))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Fingerprint derives the configuration identity used to reject
// incompatible resumes.
func Fingerprint(opts Options) string {
	var b strings.Builder
	fmt.Fprintf(&b, "mode=%s|dest=%s|dry=%t|albums=%t|desc=%t",
		opts.Mode, opts.LocalDest, opts.DryRun, opts.AlbumSync, opts.Filter.Descending)
	kinds := make([]string, len(opts.Filter.Kinds))
	for i, k := range opts.Filter.Kinds {
		kinds[i] = string(k)
	}
	sort.Strings(kinds)
	fmt.Fprintf(&b, "|kinds=%s", strings.Join(kinds, ","))
	if !opts.Filter.From.IsZero() {
		fmt.Fprintf(&b, "|from=%d", opts.Filter.From.Unix())
	}
	if !opts.Filter.To.IsZero() {
		fmt.Fprintf(&b, "|to=%d", opts.Filter.To.Unix())
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// reorderForResume rebuilds the candidate list for a resumed run:
// items added to the library after the pause are visited first
// (catch-up priority), then all previously-unprocessed items in their
// original order. Already-processed ids are dropped entirely.
func reorderForResume(items []source.Item, s *Session) []source.Item {
	processed := make(map[string]struct{}, len(s.Processed))
	for _, id := range s.Processed {
		processed[id] = struct{}{}
	}

	var fresh, remaining []source.Item
	for _, it := range items {
		if _, ok := processed[it.ID]; ok {
			continue
		}
		if it.AddedAt.After(s.PausedAt) {
			fresh = append(fresh, it)
		} else {
			remaining = append(remaining, it)
		}
	}
	return append(fresh, remaining...)
}
