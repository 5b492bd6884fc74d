// Package source defines the contract between the sync engine and the
// media library it reads from.
//
// The engine never enumerates media itself. A Source implementation owns
// item discovery, ordering, filtering, and the (possibly slow, possibly
// networked) materialization of variant bytes. photosync ships a
// directory-tree source; richer sources are provided by the embedding
// application.
package source

import (
	"context"
	"time"
)

// Kind classifies a media item.
type Kind string

const (
	KindPhoto Kind = "photo"
	KindVideo Kind = "video"
)

// Variant names one distinct exportable facet of an item.
type Variant string

const (
	// VariantOriginal is the unmodified original media file.
	VariantOriginal Variant = "original"

	// VariantLiveVideo is the paired motion video of a live photo.
	VariantLiveVideo Variant = "live_video"

	// VariantEdited is the rendered edit, when one exists.
	VariantEdited Variant = "edited"

	// VariantSidecar is the adjustment/sidecar data accompanying an edit.
	VariantSidecar Variant = "sidecar"
)

// Item is one candidate media item. Immutable for the duration of a run.
type Item struct {
	// ID is the source-stable identifier for this item.
	ID string

	// Filename is the original filename, used for output naming and
	// change signatures.
	Filename string

	// Kind is the media classification.
	Kind Kind

	// CapturedAt is the capture timestamp. May be zero or implausible;
	// callers must tolerate both.
	CapturedAt time.Time

	// AddedAt is when the item entered the library. Used for catch-up
	// ordering after a paused run.
	AddedAt time.Time

	// ModifiedAt is the last modification time of the item's content.
	ModifiedAt time.Time

	// Duration is the media duration for videos, zero otherwise.
	Duration time.Duration

	// Favorite mirrors the library's favorite flag.
	Favorite bool

	// Variants lists the exportable variants in upload order. A live
	// photo lists VariantLiveVideo before VariantOriginal so the engine
	// can resolve the paired video's remote id first.
	Variants []Variant
}

// HasVariant reports whether the item exposes the given variant.
func (it Item) HasVariant(v Variant) bool {
	for _, have := range it.Variants {
		if have == v {
			return true
		}
	}
	return false
}

// Filter restricts and orders candidate enumeration.
type Filter struct {
	// Kinds limits enumeration to the listed kinds. Empty means all.
	Kinds []Kind

	// From and To bound the capture timestamp, inclusive. Zero values
	// are open-ended.
	From time.Time
	To   time.Time

	// Descending orders newest-first when set; default is oldest-first.
	Descending bool
}

// Album is a named grouping of items, mirrored remotely when album sync
// is enabled.
type Album struct {
	Name    string
	ItemIDs []string
}

// ProgressFunc reports fractional completion of a materialization in the
// range [0, 1]. Implementations may call it from any goroutine.
type ProgressFunc func(fraction float64)

// Source enumerates media items and materializes their bytes.
type Source interface {
	// Items returns the filtered, ordered candidate list. The returned
	// slice is owned by the caller.
	Items(ctx context.Context, f Filter) ([]Item, error)

	// Materialize writes the bytes of one variant into destDir and
	// returns the path of the written file. The operation may be slow
	// (a cold network fetch); progress is reported through the callback
	// when the underlying source supports it. Progress below 1.0 means
	// the transfer is still under way.
	Materialize(ctx context.Context, item Item, v Variant, destDir string, progress ProgressFunc) (string, error)

	// Albums enumerates album groupings and their member item ids.
	Albums(ctx context.Context) ([]Album, error)
}
