package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Parser extracts structured data from the source's semi-structured
// markup. All field extraction is null-safe: missing selectors produce
// empty/default values and a warning, never an error. Only transport
// failures abort a parse.
type Parser struct {
	client *Client
}

// NewParser creates a parser over the given source client.
func NewParser(client *Client) *Parser {
	return &Parser{client: client}
}

// ProgressFunc receives (processed, total, message) during long parses.
type ProgressFunc func(processed, total int, message string)

// ============================================
// CATALOG
// ============================================

// FetchCatalog fetches one catalog listing page. When minChapters or
// maxChapters is non-zero the items are enriched with their chapter
// counts (one-off proxied calls) and filtered.
func (p *Parser) FetchCatalog(ctx context.Context, page, minChapters, maxChapters int) ([]CatalogItem, error) {
	body, err := p.client.Get(ctx, fmt.Sprintf("/manga?page=%d", page), requestOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch catalog page %d: %w", page, err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse catalog page %d: %w", page, err)
	}

	var items []CatalogItem
	doc.Find(".catalog .catalog-item").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Find("a.catalog-item__link").Attr("href")
		slug := NormalizeSlug(href)
		if slug == "" {
			return
		}
		item := CatalogItem{
			Slug:  slug,
			Title: strings.TrimSpace(s.Find(".catalog-item__title").Text()),
			Type:  string(NormalizeType(s.Find(".catalog-item__type").Text())),
		}
		if cc := strings.TrimSpace(s.Find(".catalog-item__chapters").Text()); cc != "" {
			item.ChapterCount, _ = strconv.Atoi(strings.Fields(cc)[0])
		}
		items = append(items, item)
	})

	log.Printf("[Parser] Catalog page %d: %d items", page, len(items))

	if minChapters == 0 && maxChapters == 0 {
		return items, nil
	}
	return p.filterByChapterCount(ctx, items, minChapters, maxChapters), nil
}

// filterByChapterCount enriches items missing a chapter count and
// drops items outside [minChapters, maxChapters]. Enrichment failures
// keep the item: better a false positive than a silently dropped one.
func (p *Parser) filterByChapterCount(ctx context.Context, items []CatalogItem, minChapters, maxChapters int) []CatalogItem {
	out := make([]CatalogItem, 0, len(items))
	for _, item := range items {
		if item.ChapterCount == 0 {
			count, err := p.fetchChapterCount(ctx, item.Slug)
			if err != nil {
				log.Printf("[Parser] Enrichment failed for %s: %v, keeping item", item.Slug, err)
				out = append(out, item)
				continue
			}
			item.ChapterCount = count
		}
		if minChapters > 0 && item.ChapterCount < minChapters {
			continue
		}
		if maxChapters > 0 && item.ChapterCount > maxChapters {
			continue
		}
		out = append(out, item)
	}
	return out
}

// fetchChapterCount reads the chapter total off a detail page. A
// one-off call, so it goes through the round-robin proxy.
func (p *Parser) fetchChapterCount(ctx context.Context, slug string) (int, error) {
	opts := requestOptions{}
	if p.client.proxies != nil {
		opts.viaProxy = p.client.proxies.Next()
	}
	body, err := p.client.Get(ctx, "/manga/"+slug, opts)
	if err != nil {
		return 0, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	return doc.Find(".chapters-list .chapter-row").Length(), nil
}

// ============================================
// ITEM DETAIL
// ============================================

// ParseItem fetches and parses a detail page: normalized metadata plus
// the merged chapter list (initial page + "load more" continuations).
// Slide lists are not fetched here; see FetchChapterSlides.
func (p *Parser) ParseItem(ctx context.Context, slug string) (MangaMetadata, []ChapterInfo, error) {
	slug = NormalizeSlug(slug)

	body, err := p.client.Get(ctx, "/manga/"+slug, requestOptions{sessionKey: slug})
	if err != nil {
		return MangaMetadata{}, nil, fmt.Errorf("failed to fetch detail page for %s: %w", slug, err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return MangaMetadata{}, nil, fmt.Errorf("failed to parse detail page for %s: %w", slug, err)
	}

	meta := p.extractMetadata(doc, slug)
	chapters := p.extractChapters(doc)

	// "Load more" continuation: keep asking for the next batch while
	// the source reports more, merging by identity key.
	more, err := p.loadMoreChapters(ctx, slug, len(chapters))
	if err != nil {
		log.Printf("[Parser] Load-more for %s stopped early: %v", slug, err)
	}
	chapters = MergeChapters(chapters, more)

	log.Printf("[Parser] Parsed %s: %q, %d chapters", slug, meta.Title, len(chapters))
	return meta, chapters, nil
}

func (p *Parser) extractMetadata(doc *goquery.Document, slug string) MangaMetadata {
	meta := MangaMetadata{
		Slug:   slug,
		Type:   TypeUnknown,
		Status: StatusUnknown,
	}

	meta.Title = strings.TrimSpace(doc.Find("h1.manga-title").Text())
	if meta.Title == "" {
		log.Printf("[Parser] Warning: no title found for %s", slug)
	}
	meta.LocalizedTitle = strings.TrimSpace(doc.Find(".manga-title__localized").Text())
	meta.Summary = strings.TrimSpace(doc.Find(".manga-description").Text())

	doc.Find(".manga-alt-names li").Each(func(_ int, s *goquery.Selection) {
		if name := strings.TrimSpace(s.Text()); name != "" {
			meta.AltTitles = append(meta.AltTitles, name)
		}
	})

	// Info rows: a label/value table of loosely structured facts.
	doc.Find(".manga-info .info-row").Each(func(_ int, s *goquery.Selection) {
		label := strings.ToLower(strings.TrimSpace(s.Find(".info-row__label").Text()))
		value := strings.TrimSpace(s.Find(".info-row__value").Text())
		switch {
		case strings.Contains(label, "type"), strings.Contains(label, "тип"):
			meta.Type = NormalizeType(value)
		case strings.Contains(label, "status"), strings.Contains(label, "статус"):
			meta.Status = NormalizeStatus(value)
		case strings.Contains(label, "author"), strings.Contains(label, "автор"):
			meta.Authors = splitList(value)
		case strings.Contains(label, "artist"), strings.Contains(label, "художник"):
			meta.Artists = splitList(value)
		case strings.Contains(label, "publisher"), strings.Contains(label, "издател"):
			meta.Publishers = splitList(value)
		case strings.Contains(label, "age"), strings.Contains(label, "возраст"):
			meta.AgeLimit = ExtractAgeLimit(value)
		}
	})

	// Year: prefer the structured catalog-filter link over free text.
	if href, ok := doc.Find("a.manga-year-link").Attr("href"); ok {
		if y := ExtractYear(href); y > 0 {
			meta.Year = y
		}
	}
	if meta.Year == 0 {
		meta.Year = ExtractYear(doc.Find(".manga-info").Text())
	}

	doc.Find(".manga-genres a.genre-link").Each(func(_ int, s *goquery.Selection) {
		if g := strings.TrimSpace(s.Text()); g != "" {
			meta.Genres = append(meta.Genres, g)
		}
	})
	doc.Find(".manga-tags a.tag-link").Each(func(_ int, s *goquery.Selection) {
		if t := strings.TrimSpace(s.Text()); t != "" {
			meta.Tags = append(meta.Tags, t)
		}
	})

	doc.Find(".manga-cover img").Each(func(_ int, s *goquery.Selection) {
		if src, ok := s.Attr("data-src"); ok && src != "" {
			meta.Covers = append(meta.Covers, src)
		} else if src, ok := s.Attr("src"); ok && src != "" {
			meta.Covers = append(meta.Covers, src)
		}
	})

	return meta
}

// extractChapters parses chapter rows from a detail page or a
// continuation fragment.
func (p *Parser) extractChapters(doc *goquery.Document) []ChapterInfo {
	var chapters []ChapterInfo
	doc.Find(".chapters-list .chapter-row").Each(func(_ int, s *goquery.Selection) {
		ch := ChapterInfo{
			ID:    s.AttrOr("data-id", ""),
			Title: strings.TrimSpace(s.Find(".chapter-row__title").Text()),
			Paid:  s.HasClass("chapter-row--paid"),
		}
		if href, ok := s.Find("a.chapter-row__link").Attr("href"); ok {
			ch.Slug = strings.Trim(href, "/")
		}
		ch.Volume, _ = strconv.Atoi(s.AttrOr("data-volume", "0"))
		ch.Number, _ = strconv.ParseFloat(s.AttrOr("data-number", "0"), 64)
		if date := s.AttrOr("data-published", ""); date != "" {
			if t, err := time.Parse("2006-01-02", date); err == nil {
				ch.PublishedAt = &t
			}
		}
		chapters = append(chapters, ch)
	})
	return chapters
}

// loadMoreChapters drives the source's "load more" action until it
// reports no more rows.
func (p *Parser) loadMoreChapters(ctx context.Context, slug string, offset int) ([]ChapterInfo, error) {
	var all []ChapterInfo
	for {
		select {
		case <-ctx.Done():
			return all, ctx.Err()
		default:
		}

		path := fmt.Sprintf("/manga/%s/chapters?offset=%d", slug, offset)
		body, err := p.client.Post(ctx, path, requestOptions{
			sessionKey: slug,
			headers:    map[string]string{"X-Requested-With": "XMLHttpRequest"},
		})
		if err != nil {
			return all, err
		}

		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
		if err != nil {
			return all, err
		}
		batch := p.extractChapters(doc)
		if len(batch) == 0 {
			return all, nil
		}

		all = append(all, batch...)
		offset += len(batch)

		if doc.Find("[data-has-more='true']").Length() == 0 {
			return all, nil
		}
	}
}

// MergeChapters merges two chapter lists, deduplicating by identity
// key. Entries from a win over duplicates in b.
func MergeChapters(a, b []ChapterInfo) []ChapterInfo {
	seen := make(map[float64]struct{}, len(a)+len(b))
	out := make([]ChapterInfo, 0, len(a)+len(b))
	for _, ch := range a {
		if _, ok := seen[ch.IdentityKey()]; ok {
			continue
		}
		seen[ch.IdentityKey()] = struct{}{}
		out = append(out, ch)
	}
	for _, ch := range b {
		if _, ok := seen[ch.IdentityKey()]; ok {
			continue
		}
		seen[ch.IdentityKey()] = struct{}{}
		out = append(out, ch)
	}
	return out
}

// ============================================
// SLIDES
// ============================================

// slidesResponse is the source's chapter-reader JSON payload.
type slidesResponse struct {
	Slides []struct {
		Index  int    `json:"index"`
		Link   string `json:"link"`
		Width  int    `json:"width"`
		Height int    `json:"height"`
	} `json:"slides"`
}

// FetchChapterSlides fetches the slide (page image) list for one
// chapter. Requires a live anti-bot session; the client handles the
// refresh-and-retry policy on 401-class responses.
func (p *Parser) FetchChapterSlides(ctx context.Context, slug string, volume int, number float64) ([]SlideInfo, error) {
	slug = NormalizeSlug(slug)
	path := fmt.Sprintf("/manga/%s/chapter?volume=%d&number=%s",
		slug, volume, strconv.FormatFloat(number, 'f', -1, 64))

	body, err := p.client.Get(ctx, path, requestOptions{
		sessionKey: slug,
		headers:    map[string]string{"Accept": "application/json"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch slides for %s vol %d ch %v: %w", slug, volume, number, err)
	}

	var resp slidesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode slides for %s vol %d ch %v: %w", slug, volume, number, err)
	}

	slides := make([]SlideInfo, 0, len(resp.Slides))
	for i, s := range resp.Slides {
		idx := s.Index
		if idx == 0 {
			idx = i + 1
		}
		slides = append(slides, SlideInfo{Index: idx, URL: s.Link, Width: s.Width, Height: s.Height})
	}
	return slides, nil
}

// FillSlides fetches slides for every chapter in the list, recording
// per-chapter failures in FailReason instead of aborting. progress is
// optional.
func (p *Parser) FillSlides(ctx context.Context, slug string, chapters []ChapterInfo, progress ProgressFunc) []ChapterInfo {
	for i := range chapters {
		select {
		case <-ctx.Done():
			chapters[i].FailReason = "cancelled"
			continue
		default:
		}

		slides, err := p.FetchChapterSlides(ctx, slug, chapters[i].Volume, chapters[i].Number)
		if err != nil {
			// The chapter stays in the document, present but empty.
			chapters[i].FailReason = err.Error()
			log.Printf("[Parser] Warning: slides failed for %s vol %d ch %v: %v",
				slug, chapters[i].Volume, chapters[i].Number, err)
		} else {
			chapters[i].Slides = slides
			chapters[i].PageCount = len(slides)
		}

		if progress != nil {
			progress(i+1, len(chapters), fmt.Sprintf("Fetched slides %d/%d", i+1, len(chapters)))
		}
	}
	return chapters
}

// splitList splits a comma-separated info-row value.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// ExtractAgeLimit parses values like "18+" or "16".
func ExtractAgeLimit(s string) int {
	digits := strings.TrimRight(strings.TrimSpace(s), "+")
	n, _ := strconv.Atoi(digits)
	return n
}
