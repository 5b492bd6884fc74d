package source

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// photoExts and videoExts classify files by extension. Lowercase keys.
var photoExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".heic": true,
	".heif": true, ".gif": true, ".tiff": true, ".webp": true,
	".dng": true, ".raw": true, ".cr2": true, ".nef": true,
}

var videoExts = map[string]bool{
	".mov": true, ".mp4": true, ".m4v": true, ".avi": true,
	".mkv": true, ".webm": true, ".hevc": true,
}

// DirSource exposes a local directory tree as a media source. Item ids
// are slash-separated paths relative to the root, so they stay stable
// across runs and machines. A .mov sharing a photo's basename is folded
// into that photo as its live video; an .xmp sharing a basename becomes
// a sidecar variant. Top-level subdirectories double as albums.
type DirSource struct {
	Root string

	// scan results are cached for the source's lifetime; construct a
	// fresh DirSource per run.
	mu    sync.Mutex
	cache map[string]*dirEntry
}

// NewDirSource validates root and returns a DirSource.
func NewDirSource(root string) (*DirSource, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("source root: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("source root %s is not a directory", root)
	}
	return &DirSource{Root: root}, nil
}

type dirEntry struct {
	item     Item
	paths    map[Variant]string // absolute path per variant
	topLevel string             // first path element, "" at root
}

// Items implements Source.
func (d *DirSource) Items(ctx context.Context, f Filter) ([]Item, error) {
	entries, err := d.scan(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(entries))
	for _, e := range entries {
		if !matchesFilter(e.item, f) {
			continue
		}
		items = append(items, e.item)
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].CapturedAt, items[j].CapturedAt
		if a.Equal(b) {
			return items[i].ID < items[j].ID
		}
		if f.Descending {
			return a.After(b)
		}
		return a.Before(b)
	})
	return items, nil
}

// Materialize implements Source by copying the variant's bytes into
// destDir. Progress is reported per copied chunk.
func (d *DirSource) Materialize(ctx context.Context, item Item, v Variant, destDir string, progress ProgressFunc) (string, error) {
	entries, err := d.scan(ctx)
	if err != nil {
		return "", err
	}
	e, ok := entries[item.ID]
	if !ok {
		return "", fmt.Errorf("item %s no longer present", item.ID)
	}
	src, ok := e.paths[v]
	if !ok {
		return "", fmt.Errorf("item %s has no %s variant", item.ID, v)
	}

	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return "", err
	}

	dst := filepath.Join(destDir, filepath.Base(src))
	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}

	var copied int64
	buf := make([]byte, 256*1024)
	for {
		if err := ctx.Err(); err != nil {
			out.Close()
			os.Remove(dst)
			return "", err
		}
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				out.Close()
				os.Remove(dst)
				return "", werr
			}
			copied += int64(n)
			if progress != nil && fi.Size() > 0 {
				progress(float64(copied) / float64(fi.Size()))
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			out.Close()
			os.Remove(dst)
			return "", rerr
		}
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return "", err
	}
	if progress != nil {
		progress(1)
	}
	return dst, nil
}

// Albums implements Source: each top-level subdirectory is an album
// named after the directory.
func (d *DirSource) Albums(ctx context.Context) ([]Album, error) {
	entries, err := d.scan(ctx)
	if err != nil {
		return nil, err
	}

	byDir := make(map[string][]string)
	for id, e := range entries {
		if e.topLevel == "" {
			continue
		}
		byDir[e.topLevel] = append(byDir[e.topLevel], id)
	}

	names := make([]string, 0, len(byDir))
	for name := range byDir {
		names = append(names, name)
	}
	sort.Strings(names)

	albums := make([]Album, 0, len(names))
	for _, name := range names {
		ids := byDir[name]
		sort.Strings(ids)
		albums = append(albums, Album{Name: name, ItemIDs: ids})
	}
	return albums, nil
}

// scan walks the tree and groups files into items keyed by id. The
// first walk's result is reused by later calls.
func (d *DirSource) scan(ctx context.Context) (map[string]*dirEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cache != nil {
		return d.cache, nil
	}

	entries := make(map[string]*dirEntry)
	companions := make(map[string]string) // basename (no ext) -> companion path

	err := filepath.WalkDir(d.Root, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if de.IsDir() {
			if strings.HasPrefix(de.Name(), ".") && path != d.Root {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(de.Name(), ".") {
			return nil
		}

		ext := strings.ToLower(filepath.Ext(path))
		rel, rerr := filepath.Rel(d.Root, path)
		if rerr != nil {
			return rerr
		}
		rel = filepath.ToSlash(rel)

		switch {
		case photoExts[ext] || videoExts[ext]:
			fi, serr := de.Info()
			if serr != nil {
				return serr
			}
			kind := KindPhoto
			if videoExts[ext] {
				kind = KindVideo
			}
			top := ""
			if i := strings.IndexByte(rel, '/'); i >= 0 {
				top = rel[:i]
			}
			entries[rel] = &dirEntry{
				item: Item{
					ID:         rel,
					Filename:   de.Name(),
					Kind:       kind,
					CapturedAt: fi.ModTime(),
					AddedAt:    fi.ModTime(),
					ModifiedAt: fi.ModTime(),
					Variants:   []Variant{VariantOriginal},
				},
				paths:    map[Variant]string{VariantOriginal: path},
				topLevel: top,
			}
		case ext == ".xmp":
			companions[strings.TrimSuffix(rel, filepath.Ext(rel))] = path
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", d.Root, err)
	}

	// Fold live videos and sidecars into their photos. A .mov whose
	// basename matches a photo is the photo's live video, not a
	// standalone item; it is ordered before the original so the paired
	// id resolves first.
	for id, e := range entries {
		if e.item.Kind != KindPhoto {
			continue
		}
		base := strings.TrimSuffix(id, filepath.Ext(id))
		for _, movExt := range []string{".mov", ".MOV"} {
			movID := base + movExt
			if mov, ok := entries[movID]; ok && mov.item.Kind == KindVideo {
				e.item.Variants = append([]Variant{VariantLiveVideo}, e.item.Variants...)
				e.paths[VariantLiveVideo] = mov.paths[VariantOriginal]
				delete(entries, movID)
				break
			}
		}
		if sidecar, ok := companions[base]; ok {
			e.item.Variants = append(e.item.Variants, VariantSidecar)
			e.paths[VariantSidecar] = sidecar
		}
	}
	d.cache = entries
	return entries, nil
}

func matchesFilter(it Item, f Filter) bool {
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if it.Kind == k {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.From.IsZero() && it.CapturedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && it.CapturedAt.After(f.To) {
		return false
	}
	return true
}

var _ Source = (*DirSource)(nil)
