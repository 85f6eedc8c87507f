package source

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Store persists the intermediate scrape artifacts: one JSON document
// per normalized slug plus the downloaded page images. The external
// catalog never reads these directly; they are the seam between parse,
// build and import.
type Store struct {
	dataDir string
}

// NewStore creates a store rooted at dataDir. Layout:
//
//	<dataDir>/docs/<slug>.json
//	<dataDir>/images/<slug>/<volume>-<number>/page_NNN.<ext>
func NewStore(dataDir string) *Store {
	return &Store{dataDir: dataDir}
}

// DocPath returns the JSON document path for a slug.
func (s *Store) DocPath(slug string) string {
	return filepath.Join(s.dataDir, "docs", NormalizeSlug(slug)+".json")
}

// ChapterDir returns the image directory for one chapter, keyed by the
// chapter identity so re-parses land in the same place.
func (s *Store) ChapterDir(slug string, volume int, number float64) string {
	key := fmt.Sprintf("%d-%s", volume, strconv.FormatFloat(number, 'f', -1, 64))
	return filepath.Join(s.dataDir, "images", NormalizeSlug(slug), key)
}

// PagePath returns the deterministic destination for one page image.
// Naming is positional, so out-of-order downloads still produce an
// ordered chapter.
func (s *Store) PagePath(slug string, volume int, number float64, pageIndex int, ext string) string {
	if ext == "" {
		ext = ".jpg"
	}
	return filepath.Join(s.ChapterDir(slug, volume, number), fmt.Sprintf("page_%03d%s", pageIndex, ext))
}

// SaveDocument writes the parsed document for a slug, replacing any
// previous parse.
func (s *Store) SaveDocument(doc *MangaDocument) error {
	doc.ParsedAt = time.Now()
	path := s.DocPath(doc.Metadata.Slug)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create docs dir: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal document for %s: %w", doc.Metadata.Slug, err)
	}

	// Write-then-rename so a concurrent reader never sees a torn file.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write document for %s: %w", doc.Metadata.Slug, err)
	}
	return os.Rename(tmp, path)
}

// LoadDocument reads the parsed document for a slug.
func (s *Store) LoadDocument(slug string) (*MangaDocument, error) {
	data, err := os.ReadFile(s.DocPath(slug))
	if err != nil {
		return nil, fmt.Errorf("failed to read document for %s: %w", slug, err)
	}
	var doc MangaDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document for %s: %w", slug, err)
	}
	return &doc, nil
}

// HasDocument reports whether a parse document exists for slug.
func (s *Store) HasDocument(slug string) bool {
	_, err := os.Stat(s.DocPath(slug))
	return err == nil
}

// ListPages returns the page image files of one chapter in positional
// order.
func (s *Store) ListPages(slug string, volume int, number float64) ([]string, error) {
	dir := s.ChapterDir(slug, volume, number)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list pages in %s: %w", dir, err)
	}
	pages := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			pages = append(pages, filepath.Join(dir, e.Name()))
		}
	}
	// ReadDir sorts by name and page files are zero-padded, so the
	// slice is already positional.
	return pages, nil
}

// Cleanup removes the scraped artifacts for a slug: the JSON document
// and the image tree. Catalog-side records are untouched; cleanup only
// ever destroys what the pipeline itself produced.
func (s *Store) Cleanup(slug string) error {
	slug = NormalizeSlug(slug)
	if err := os.Remove(s.DocPath(slug)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove document for %s: %w", slug, err)
	}
	if err := os.RemoveAll(filepath.Join(s.dataDir, "images", slug)); err != nil {
		return fmt.Errorf("failed to remove images for %s: %w", slug, err)
	}
	return nil
}
