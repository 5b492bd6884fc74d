package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kmowery/photosync/internal/remote"
)

// AlbumStore is the remote album surface the engine mirrors source
// albums onto.
type AlbumStore interface {
	ListAlbums(ctx context.Context) ([]remote.AlbumInfo, error)
	CreateAlbum(ctx context.Context, name string) (remote.AlbumInfo, error)
	AddAlbumAssets(ctx context.Context, albumID string, assetIDs []string) error
}

// albumAddBatch bounds one membership update request.
const albumAddBatch = 500

// syncAlbums mirrors source album membership onto the remote. Only
// items uploaded this run have known remote ids; items that were
// skipped or already existed are left to a later full pass. Membership
// adds are idempotent on the remote, so re-adding is harmless.
func (e *Engine) syncAlbums(ctx context.Context, rs *runState) error {
	albums, err := e.cfg.Source.Albums(ctx)
	if err != nil {
		return fmt.Errorf("enumerate source albums: %w", err)
	}
	if len(albums) == 0 {
		return nil
	}

	existing, err := e.cfg.Albums.ListAlbums(ctx)
	if err != nil {
		return fmt.Errorf("list remote albums: %w", err)
	}
	byName := make(map[string]string, len(existing))
	for _, a := range existing {
		byName[a.Name] = a.ID
	}

	rs.mu.Lock()
	resolved := make(map[string]string, len(rs.remoteIDs))
	for id, rid := range rs.remoteIDs {
		resolved[id] = rid
	}
	rs.mu.Unlock()

	for _, album := range albums {
		var assetIDs []string
		for _, itemID := range album.ItemIDs {
			if rid, ok := resolved[itemID]; ok {
				assetIDs = append(assetIDs, rid)
			}
		}
		if len(assetIDs) == 0 {
			continue
		}

		albumID, ok := byName[album.Name]
		if !ok {
			created, err := e.cfg.Albums.CreateAlbum(ctx, album.Name)
			if err != nil {
				return fmt.Errorf("create album %q: %w", album.Name, err)
			}
			albumID = created.ID
			byName[album.Name] = albumID
		}

		for start := 0; start < len(assetIDs); start += albumAddBatch {
			end := min(start+albumAddBatch, len(assetIDs))
			if err := e.cfg.Albums.AddAlbumAssets(ctx, albumID, assetIDs[start:end]); err != nil {
				return fmt.Errorf("add assets to album %q: %w", album.Name, err)
			}
		}
		e.logger.Info("album synced",
			slog.String("album", album.Name),
			slog.Int("assets", len(assetIDs)))
	}
	return nil
}
