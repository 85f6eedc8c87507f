package source

import (
	"regexp"
	"strings"
	"time"
)

// CatalogItem is a single entry of a catalog listing page. It is
// ephemeral: produced per fetch, enriched with a chapter count when the
// caller asked for chapter-count filtering, and discarded afterwards.
type CatalogItem struct {
	Slug         string `json:"slug"`
	Title        string `json:"title"`
	Type         string `json:"type"`
	ChapterCount int    `json:"chapter_count,omitempty"`
}

// MangaMetadata is the normalized description of a source item, built
// once per parse and persisted as the intermediate JSON document.
type MangaMetadata struct {
	Slug           string   `json:"slug"`
	Title          string   `json:"title"`
	LocalizedTitle string   `json:"localized_title,omitempty"`
	AltTitles      []string `json:"alt_titles,omitempty"`
	Summary        string   `json:"summary,omitempty"`
	Type           Type     `json:"type"`
	Status         Status   `json:"status"`
	Year           int      `json:"year,omitempty"`
	Genres         []string `json:"genres,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	Authors        []string `json:"authors,omitempty"`
	Artists        []string `json:"artists,omitempty"`
	Publishers     []string `json:"publishers,omitempty"`
	Covers         []string `json:"covers,omitempty"`
	AgeLimit       int      `json:"age_limit,omitempty"`
}

// SlideInfo is one page image of a chapter.
type SlideInfo struct {
	Index  int    `json:"index"`
	URL    string `json:"url"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// ChapterInfo describes one chapter of a source item. FailReason is set
// when the slide list could not be fetched; the chapter is then kept in
// the document as present-but-empty rather than aborting the parse.
type ChapterInfo struct {
	ID          string      `json:"id,omitempty"`
	Slug        string      `json:"slug"`
	Volume      int         `json:"volume"`
	Number      float64     `json:"number"`
	Title       string      `json:"title,omitempty"`
	Paid        bool        `json:"paid,omitempty"`
	PageCount   int         `json:"page_count"`
	PublishedAt *time.Time  `json:"published_at,omitempty"`
	Slides      []SlideInfo `json:"slides,omitempty"`
	FailReason  string      `json:"fail_reason,omitempty"`
}

// IdentityKey encodes (volume, number) as volume*10000+number. It is
// the dedup/update-detection identity of a chapter within one item.
func (c ChapterInfo) IdentityKey() float64 {
	return ChapterKey(c.Volume, c.Number)
}

// ChapterKey computes the identity key for a (volume, number) pair.
func ChapterKey(volume int, number float64) float64 {
	return float64(volume)*10000 + number
}

// MangaDocument is the persisted intermediate state for one source
// item: metadata plus the full chapter list, keyed by normalized slug.
type MangaDocument struct {
	Metadata MangaMetadata `json:"metadata"`
	Chapters []ChapterInfo `json:"chapters"`
	ParsedAt time.Time     `json:"parsed_at"`
}

// Status is the closed release-status enum.
type Status string

const (
	StatusOngoing   Status = "ongoing"
	StatusCompleted Status = "completed"
	StatusFrozen    Status = "frozen"
	StatusAnnounced Status = "announced"
	StatusLicensed  Status = "licensed"
	StatusUnknown   Status = "unknown"
)

// Type is the closed item-type enum.
type Type string

const (
	TypeManga   Type = "manga"
	TypeManhwa  Type = "manhwa"
	TypeManhua  Type = "manhua"
	TypeComic   Type = "comic"
	TypeOneShot Type = "oneshot"
	TypeUnknown Type = "unknown"
)

// NormalizeStatus maps a free-text status string from the source page
// to the closed enum. Unknown strings map to StatusUnknown, never an
// error: missing or odd markup must not fail a parse.
func NormalizeStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ongoing", "выходит", "продолжается":
		return StatusOngoing
	case "completed", "finished", "завершён", "завершен", "закончен":
		return StatusCompleted
	case "frozen", "on hold", "hiatus", "заморожен":
		return StatusFrozen
	case "announced", "анонс":
		return StatusAnnounced
	case "licensed", "лицензировано":
		return StatusLicensed
	default:
		return StatusUnknown
	}
}

// NormalizeType maps a free-text type string to the closed enum.
func NormalizeType(s string) Type {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "manga", "манга":
		return TypeManga
	case "manhwa", "манхва":
		return TypeManhwa
	case "manhua", "маньхуа":
		return TypeManhua
	case "comic", "western comic", "комикс":
		return TypeComic
	case "oneshot", "one-shot", "one shot", "сингл":
		return TypeOneShot
	default:
		return TypeUnknown
	}
}

var slugIDPrefix = regexp.MustCompile(`^\d+-`)

// NormalizeSlug strips the numeric ID prefix the source prepends to
// item paths ("12345-some-title" -> "some-title") and lowercases the
// remainder. Normalized slugs key the intermediate documents and the
// image directories.
func NormalizeSlug(s string) string {
	s = strings.TrimSpace(strings.Trim(s, "/"))
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	return strings.ToLower(slugIDPrefix.ReplaceAllString(s, ""))
}

var yearRe = regexp.MustCompile(`(19|20)\d{2}`)

// ExtractYear pulls a plausible release year out of free text. Used as
// the fallback when the detail page carries no structured year link.
func ExtractYear(s string) int {
	m := yearRe.FindString(s)
	if m == "" {
		return 0
	}
	year := 0
	for _, r := range m {
		year = year*10 + int(r-'0')
	}
	return year
}
