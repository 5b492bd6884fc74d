package pipeline

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// failureRecord is the metadata-only archive of one failed upload. The
// media bytes are never archived.
type failureRecord struct {
	DeviceAssetID string    `json:"deviceAssetId"`
	Filename      string    `json:"filename"`
	Checksum      string    `json:"checksum,omitempty"`
	FailedAt      time.Time `json:"failedAt"`
	Error         string    `json:"error"`
}

// archiveFailure writes a failure record best-effort: a failure to
// write the record is logged, never escalated.
func (p *Pipeline) archiveFailure(item Item, checksum string, uploadErr error) {
	if p.cfg.FailureDir == "" {
		return
	}
	if err := os.MkdirAll(p.cfg.FailureDir, 0o755); err != nil {
		p.logger.Warn("cannot create failure archive directory",
			slog.String("dir", p.cfg.FailureDir),
			slog.String("error", err.Error()))
		return
	}

	rec := failureRecord{
		DeviceAssetID: item.DeviceAssetID,
		Filename:      item.Filename,
		Checksum:      checksum,
		FailedAt:      time.Now().UTC(),
		Error:         uploadErr.Error(),
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		p.logger.Warn("cannot marshal failure record", slog.String("error", err.Error()))
		return
	}

	name := sanitizeFilename(item.DeviceAssetID) + ".json"
	path := filepath.Join(p.cfg.FailureDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		p.logger.Warn("cannot write failure record",
			slog.String("path", path),
			slog.String("error", err.Error()))
	}
}

func sanitizeFilename(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, s)
}
