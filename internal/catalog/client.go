// Package catalog is the pipeline's view of the external cataloging
// system. The catalog owns titles, chapters and pages; the pipeline
// only consumes this narrow contract.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/DarlingInSteam/AniWay-Reload-sub000/internal/source"
)

// Service is the collaborator contract consumed by the orchestrator
// and the import queue. An HTTP client implements it in production;
// tests use mocks.
type Service interface {
	CreateTitle(ctx context.Context, meta source.MangaMetadata) (int64, error)
	CreateChapter(ctx context.Context, titleID int64, ch source.ChapterInfo) (int64, error)
	UploadPage(ctx context.Context, chapterID int64, pageIndex int, image io.Reader) error
	ChapterExists(ctx context.Context, titleID int64, key float64) (bool, error)
	ListChapterKeys(ctx context.Context, titleID int64) (map[float64]struct{}, error)
	FindTitle(ctx context.Context, slug string) (int64, error)
}

// Client talks to the catalog service over its internal HTTP API.
type Client struct {
	baseURL    string
	token      string // internal service-to-service token
	httpClient *http.Client
}

// NewClient creates a catalog client.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type createTitleResponse struct {
	ID int64 `json:"id"`
}

// CreateTitle registers a new title and returns its catalog id.
func (c *Client) CreateTitle(ctx context.Context, meta source.MangaMetadata) (int64, error) {
	var resp createTitleResponse
	if err := c.postJSON(ctx, "/internal/titles", meta, &resp); err != nil {
		return 0, fmt.Errorf("create title %s: %w", meta.Slug, err)
	}
	return resp.ID, nil
}

type createChapterRequest struct {
	Volume      int        `json:"volume"`
	Number      float64    `json:"number"`
	Title       string     `json:"title,omitempty"`
	Paid        bool       `json:"paid,omitempty"`
	PageCount   int        `json:"page_count"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

type createChapterResponse struct {
	ID int64 `json:"id"`
}

// CreateChapter registers a chapter under a title.
func (c *Client) CreateChapter(ctx context.Context, titleID int64, ch source.ChapterInfo) (int64, error) {
	req := createChapterRequest{
		Volume:      ch.Volume,
		Number:      ch.Number,
		Title:       ch.Title,
		Paid:        ch.Paid,
		PageCount:   ch.PageCount,
		PublishedAt: ch.PublishedAt,
	}
	var resp createChapterResponse
	path := fmt.Sprintf("/internal/titles/%d/chapters", titleID)
	if err := c.postJSON(ctx, path, req, &resp); err != nil {
		return 0, fmt.Errorf("create chapter %v of title %d: %w", ch.IdentityKey(), titleID, err)
	}
	return resp.ID, nil
}

// UploadPage streams one page image to the catalog as multipart form
// data.
func (c *Client) UploadPage(ctx context.Context, chapterID int64, pageIndex int, image io.Reader) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", fmt.Sprintf("page_%03d", pageIndex))
	if err != nil {
		return fmt.Errorf("upload page %d: %w", pageIndex, err)
	}
	if _, err := io.Copy(part, image); err != nil {
		return fmt.Errorf("upload page %d: %w", pageIndex, err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("upload page %d: %w", pageIndex, err)
	}

	path := fmt.Sprintf("/internal/chapters/%d/pages/%d", chapterID, pageIndex)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload page %d of chapter %d: %w", pageIndex, chapterID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("upload page %d of chapter %d: HTTP %d", pageIndex, chapterID, resp.StatusCode)
	}
	return nil
}

// ChapterExists checks a single identity key under a title.
func (c *Client) ChapterExists(ctx context.Context, titleID int64, key float64) (bool, error) {
	keys, err := c.ListChapterKeys(ctx, titleID)
	if err != nil {
		return false, err
	}
	_, ok := keys[key]
	return ok, nil
}

type chapterKeysResponse struct {
	Keys []float64 `json:"keys"`
}

// ListChapterKeys returns the identity keys of every chapter already
// imported for a title. The update detector diffs against this set.
func (c *Client) ListChapterKeys(ctx context.Context, titleID int64) (map[float64]struct{}, error) {
	var resp chapterKeysResponse
	path := fmt.Sprintf("/internal/titles/%d/chapter-keys", titleID)
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("list chapter keys of title %d: %w", titleID, err)
	}
	keys := make(map[float64]struct{}, len(resp.Keys))
	for _, k := range resp.Keys {
		keys[k] = struct{}{}
	}
	return keys, nil
}

type findTitleResponse struct {
	ID int64 `json:"id"`
}

// FindTitle resolves a normalized slug to a catalog title id, 0 when
// the title is not imported yet.
func (c *Client) FindTitle(ctx context.Context, slug string) (int64, error) {
	var resp findTitleResponse
	err := c.getJSON(ctx, "/internal/titles/by-slug/"+slug, &resp)
	if err != nil {
		if he, ok := err.(*httpError); ok && he.status == http.StatusNotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("find title %s: %w", slug, err)
	}
	return resp.ID, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("X-Internal-Token", c.token)
	}
}

type httpError struct {
	status int
}

func (e *httpError) Error() string {
	return fmt.Sprintf("HTTP %d", e.status)
}

func (c *Client) postJSON(ctx context.Context, path string, payload, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	return c.doJSON(req, result)
}

func (c *Client) getJSON(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	return c.doJSON(req, result)
}

func (c *Client) doJSON(req *http.Request, result any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return &httpError{status: resp.StatusCode}
	}
	if result == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}
