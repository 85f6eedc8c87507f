package ingest

import (
	"context"
	"fmt"
	"log"

	"github.com/DarlingInSteam/AniWay-Reload-sub000/internal/source"
)

// Detector finds chapters the catalog does not have yet without paying
// for a full parse. The cheap path fetches chapter metadata only; the
// expensive slide fetch happens for exactly the new chapters, and only
// when there are any.
type Detector struct {
	parser ItemParser
}

// NewDetector creates a detector over the given parser.
func NewDetector(parser ItemParser) *Detector {
	return &Detector{parser: parser}
}

// UpdateResult is the outcome of a detection pass.
type UpdateResult struct {
	HasUpdates  bool
	Metadata    source.MangaMetadata
	NewChapters []source.ChapterInfo
}

// DetectNewChapters compares the source's chapter list against
// existingKeys. When every key is already present it returns
// immediately with HasUpdates=false and performs no slide fetch.
func (d *Detector) DetectNewChapters(ctx context.Context, slug string, existingKeys map[float64]struct{}) (UpdateResult, error) {
	meta, chapters, err := d.parser.ParseItem(ctx, slug)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("update check for %s failed: %w", slug, err)
	}

	var fresh []source.ChapterInfo
	for _, ch := range chapters {
		if _, ok := existingKeys[ch.IdentityKey()]; !ok {
			fresh = append(fresh, ch)
		}
	}
	if len(fresh) == 0 {
		return UpdateResult{HasUpdates: false, Metadata: meta}, nil
	}

	log.Printf("[UpdateDetector] %s: %d new chapters of %d total", slug, len(fresh), len(chapters))

	// Only now the slide lists, and only for the new chapters.
	fresh = d.parser.FillSlides(ctx, slug, fresh, nil)
	return UpdateResult{HasUpdates: true, Metadata: meta, NewChapters: fresh}, nil
}
