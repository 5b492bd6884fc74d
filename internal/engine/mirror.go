package engine

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kmowery/photosync/internal/event"
)

// mirrorSweep deletes local outputs whose manifest entries were not
// touched by the current run, then soft-deletes the entries. Only
// entries in the run's domain are considered; a second domain sharing
// the manifest is left alone.
func (e *Engine) mirrorSweep(ctx context.Context, rs *runState) error {
	orphans, err := e.cfg.Manifest.KeysNotTouchedByRun(ctx, rs.runID)
	if err != nil {
		return err
	}

	prefix := rs.opts.Domain + ":"
	for _, entry := range orphans {
		if !strings.HasPrefix(entry.Key, prefix) {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if rs.opts.LocalDest != "" && entry.RelPath != "" {
			path := filepath.Join(rs.opts.LocalDest, entry.RelPath)
			e.emitter.Emit(event.FileScanning{Path: path})
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				// Keep the entry active so the next mirror run retries.
				e.logger.Warn("orphan delete failed",
					slog.String("path", path),
					slog.String("error", err.Error()))
				rs.report.Errors++
				continue
			}
			removeEmptyParents(rs.opts.LocalDest, entry.RelPath)
		}

		if err := e.cfg.Manifest.MarkDeleted(ctx, entry.Key); err != nil {
			e.logger.Warn("orphan tombstone failed",
				slog.String("key", entry.Key),
				slog.String("error", err.Error()))
			rs.report.Errors++
			continue
		}
		rs.report.OrphansDeleted++
	}

	if rs.report.OrphansDeleted > 0 {
		e.logger.Info("mirror sweep removed orphans",
			slog.String("run", rs.runID),
			slog.Int("deleted", rs.report.OrphansDeleted))
	}
	return nil
}

// removeEmptyParents walks from the deleted file's directory up toward
// root, removing directories that became empty. Stops at the first
// non-empty directory.
func removeEmptyParents(root, relPath string) {
	dir := filepath.Dir(relPath)
	for dir != "." && dir != string(filepath.Separator) {
		full := filepath.Join(root, dir)
		entries, err := os.ReadDir(full)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(full); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
