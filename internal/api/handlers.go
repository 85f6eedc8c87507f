// Package api exposes the pipeline over HTTP. Handlers only create
// tasks and return ids; the pipelines themselves run on their own
// goroutines and are observed through the status endpoint and the
// websocket push channel.
package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/DarlingInSteam/AniWay-Reload-sub000/internal/ingest"
	"github.com/DarlingInSteam/AniWay-Reload-sub000/internal/proxy"
	"github.com/DarlingInSteam/AniWay-Reload-sub000/internal/tasks"
)

// Handler bundles the pipeline dependencies behind the HTTP surface.
type Handler struct {
	orch   *ingest.Orchestrator
	ledger *tasks.Ledger
	hub    *tasks.Hub
	pool   *proxy.Pool
	parser ingest.ItemParser
}

// NewHandler creates the API handler.
func NewHandler(orch *ingest.Orchestrator, ledger *tasks.Ledger, hub *tasks.Hub, pool *proxy.Pool, parser ingest.ItemParser) *Handler {
	return &Handler{orch: orch, ledger: ledger, hub: hub, pool: pool, parser: parser}
}

// RegisterRoutes mounts the parser API.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	rg := r.Group("/api/parser")
	{
		rg.POST("/parse", h.Parse)
		rg.POST("/parse/full", h.ParseFull)
		rg.POST("/build", h.Build)
		rg.GET("/status/:task_id", h.Status)
		rg.POST("/batch-parse", h.BatchParse)
		rg.POST("/auto-parse", h.AutoParse)
		rg.POST("/auto-update", h.AutoUpdate)
		rg.POST("/cancel/:task_id", h.Cancel)
		rg.DELETE("/manga/:slug", h.DeleteManga)
		rg.POST("/progress/:task_id", h.Progress)
		rg.GET("/catalog", h.Catalog)
		rg.GET("/proxy/stats", h.ProxyStats)
	}
	r.GET("/ws/tasks/:task_id", h.Subscribe)
}

type slugRequest struct {
	Slug     string `json:"slug" binding:"required"`
	BranchID string `json:"branch_id"`
}

// Parse starts a metadata + chapter-list parse.
func (h *Handler) Parse(c *gin.Context) {
	var req slugRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	taskID := h.orch.StartParse(c.Request.Context(), req.Slug)
	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID})
}

// ParseFull starts the parse → build → import pipeline.
func (h *Handler) ParseFull(c *gin.Context) {
	var req slugRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	taskID, parseID := h.orch.StartFullParse(c.Request.Context(), req.Slug)
	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID, "parse_task_id": parseID})
}

type buildRequest struct {
	Filename string `json:"filename" binding:"required"`
	BranchID string `json:"branch_id"`
}

// Build starts the image download for an already-parsed item. Filename
// is the normalized slug of the parse document.
func (h *Handler) Build(c *gin.Context) {
	var req buildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	taskID := h.orch.StartBuild(c.Request.Context(), req.Filename)
	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID})
}

// Status returns the task snapshot.
func (h *Handler) Status(c *gin.Context) {
	snap, ok := h.ledger.Get(c.Param("task_id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

type batchRequest struct {
	Slugs      []string `json:"slugs" binding:"required"`
	AutoImport bool     `json:"auto_import"`
}

// BatchParse starts the sequential batch pipeline.
func (h *Handler) BatchParse(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	taskID := h.orch.StartBatchParse(c.Request.Context(), req.Slugs, req.AutoImport)
	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID})
}

type autoParseRequest struct {
	Page        int `json:"page" binding:"required"`
	Limit       int `json:"limit"`
	MinChapters int `json:"min_chapters"`
}

// AutoParse starts catalog-driven ingestion for one catalog page.
func (h *Handler) AutoParse(c *gin.Context) {
	var req autoParseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	taskID := h.orch.StartAutoParse(c.Request.Context(), req.Page, req.Limit, req.MinChapters)
	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID})
}

// AutoUpdate starts the incremental update pass over imported items.
func (h *Handler) AutoUpdate(c *gin.Context) {
	taskID := h.orch.StartAutoUpdate(c.Request.Context())
	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID})
}

// Cancel raises the cooperative cancellation flag.
func (h *Handler) Cancel(c *gin.Context) {
	ok := h.ledger.RequestCancel(c.Param("task_id"))
	c.JSON(http.StatusOK, gin.H{"cancelled": ok})
}

// DeleteManga removes the scraped intermediate artifacts for a slug.
// Imported catalog records are never touched.
func (h *Handler) DeleteManga(c *gin.Context) {
	if err := h.orch.Cleanup(c.Param("slug")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

type progressRequest struct {
	Status   tasks.Status    `json:"status"`
	Progress int             `json:"progress"`
	Message  string          `json:"message"`
	Logs     []string        `json:"logs"`
	Counters *tasks.Counters `json:"counters"`
}

// Progress is the inbound seam for an out-of-process scraper worker:
// it pushes status updates for a task into the ledger.
func (h *Handler) Progress(c *gin.Context) {
	taskID := c.Param("task_id")
	if _, ok := h.ledger.Get(taskID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}

	var req progressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	for _, line := range req.Logs {
		h.ledger.AppendLog(taskID, tasks.LevelInfo, line)
	}
	if req.Counters != nil {
		h.ledger.AddCounters(taskID, *req.Counters)
	}

	switch req.Status {
	case tasks.StatusCompleted:
		h.ledger.MarkCompleted(taskID)
	case tasks.StatusFailed:
		h.ledger.MarkFailed(taskID, statusError(req.Message))
	case tasks.StatusCancelled:
		h.ledger.MarkCancelled(taskID)
	case "":
		h.ledger.Update(taskID, tasks.StatusRunning, req.Progress, req.Message)
	default:
		h.ledger.Update(taskID, req.Status, req.Progress, req.Message)
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

// Catalog fetches one filtered catalog page synchronously.
func (h *Handler) Catalog(c *gin.Context) {
	page := intQuery(c, "page", 1)
	minChapters := intQuery(c, "min_chapters", 0)
	maxChapters := intQuery(c, "max_chapters", 0)

	items, err := h.parser.FetchCatalog(c.Request.Context(), page, minChapters, maxChapters)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "page": page})
}

// ProxyStats returns per-host proxy usage counters.
func (h *Handler) ProxyStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"enabled": h.pool.Enabled(), "proxies": h.pool.Snapshot()})
}

// Subscribe upgrades to a websocket streaming task snapshots.
func (h *Handler) Subscribe(c *gin.Context) {
	taskID := c.Param("task_id")
	if _, ok := h.ledger.Get(taskID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if err := h.hub.Subscribe(c.Writer, c.Request, taskID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}

func intQuery(c *gin.Context, name string, def int) int {
	if s := c.Query(name); s != "" {
		if parsed, err := strconv.Atoi(s); err == nil && parsed >= 0 {
			return parsed
		}
	}
	return def
}

type statusError string

func (e statusError) Error() string { return string(e) }
