package source

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSaveLoadDocument_RoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())
	doc := &MangaDocument{
		Metadata: MangaMetadata{Slug: "one-piece", Title: "One Piece", Status: StatusOngoing},
		Chapters: []ChapterInfo{{Volume: 1, Number: 1, PageCount: 3}},
	}

	assert.False(t, store.HasDocument("one-piece"))
	assert.NoError(t, store.SaveDocument(doc))
	assert.True(t, store.HasDocument("one-piece"))

	loaded, err := store.LoadDocument("one-piece")
	assert.NoError(t, err)
	assert.Equal(t, "One Piece", loaded.Metadata.Title)
	assert.Len(t, loaded.Chapters, 1)
	assert.False(t, loaded.ParsedAt.IsZero())
}

func TestPagePath_PositionalAndKeyedByIdentity(t *testing.T) {
	store := NewStore("/data")

	p := store.PagePath("One-Piece", 2, 5.5, 7, ".png")
	assert.Equal(t, filepath.Join("/data", "images", "one-piece", "2-5.5", "page_007.png"), p)

	// Empty extension defaults to .jpg.
	p = store.PagePath("one-piece", 1, 1, 1, "")
	assert.Equal(t, filepath.Join("/data", "images", "one-piece", "1-1", "page_001.jpg"), p)
}

func TestListPages_PositionalOrder(t *testing.T) {
	store := NewStore(t.TempDir())
	for _, i := range []int{3, 1, 12, 2} {
		path := store.PagePath("slug", 1, 1, i, ".jpg")
		assert.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		assert.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	}

	pages, err := store.ListPages("slug", 1, 1)
	assert.NoError(t, err)
	assert.Len(t, pages, 4)
	assert.Equal(t, "page_001.jpg", filepath.Base(pages[0]))
	assert.Equal(t, "page_012.jpg", filepath.Base(pages[3]))
}

func TestCleanup_RemovesDocAndImagesOnly(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	doc := &MangaDocument{Metadata: MangaMetadata{Slug: "one-piece"}}
	assert.NoError(t, store.SaveDocument(doc))
	page := store.PagePath("one-piece", 1, 1, 1, ".jpg")
	assert.NoError(t, os.MkdirAll(filepath.Dir(page), 0o755))
	assert.NoError(t, os.WriteFile(page, []byte("x"), 0o644))

	other := &MangaDocument{Metadata: MangaMetadata{Slug: "berserk"}}
	assert.NoError(t, store.SaveDocument(other))

	assert.NoError(t, store.Cleanup("one-piece"))
	assert.False(t, store.HasDocument("one-piece"))
	_, err := os.Stat(filepath.Join(dir, "images", "one-piece"))
	assert.True(t, os.IsNotExist(err))

	// Unrelated slugs are untouched.
	assert.True(t, store.HasDocument("berserk"))

	// Cleaning an already-clean slug is fine.
	assert.NoError(t, store.Cleanup("one-piece"))
}
