// Package ingest drives the full parsing pipeline: parse → build
// (download) → import → source-side cleanup, plus the batch and
// incremental-update modes built on top of it.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/DarlingInSteam/AniWay-Reload-sub000/internal/catalog"
	"github.com/DarlingInSteam/AniWay-Reload-sub000/internal/download"
	"github.com/DarlingInSteam/AniWay-Reload-sub000/internal/importer"
	"github.com/DarlingInSteam/AniWay-Reload-sub000/internal/source"
	"github.com/DarlingInSteam/AniWay-Reload-sub000/internal/tasks"
)

// ErrCancelled terminates a pipeline after a cooperative cancellation
// request.
var ErrCancelled = errors.New("task cancelled")

// ItemParser is the slice of the source parser the orchestrator needs.
// *source.Parser implements it; tests substitute mocks.
type ItemParser interface {
	FetchCatalog(ctx context.Context, page, minChapters, maxChapters int) ([]source.CatalogItem, error)
	ParseItem(ctx context.Context, slug string) (source.MangaMetadata, []source.ChapterInfo, error)
	FillSlides(ctx context.Context, slug string, chapters []source.ChapterInfo, progress source.ProgressFunc) []source.ChapterInfo
}

// Downloader is the slice of the download engine the orchestrator
// needs.
type Downloader interface {
	DownloadMany(ctx context.Context, dl []download.Task, progress download.ProgressFunc) download.Summary
}

// Orchestrator sequences pipeline stages. All Start* methods return
// immediately with a task id; the work runs on its own goroutine so
// HTTP handlers never block on multi-hour jobs.
type Orchestrator struct {
	ledger  *tasks.Ledger
	parser  ItemParser
	store   *source.Store
	engine  Downloader
	queue   *importer.Queue
	catalog catalog.Service
	states  *SyncStateRepo
	detect  *Detector

	sourceURL    string // referer for image downloads
	pollInterval time.Duration
}

// NewOrchestrator wires the pipeline. pollInterval controls how often
// the parent task logs child progress while waiting; it has no overall
// timeout.
func NewOrchestrator(
	ledger *tasks.Ledger,
	parser ItemParser,
	store *source.Store,
	engine Downloader,
	queue *importer.Queue,
	cat catalog.Service,
	states *SyncStateRepo,
	sourceURL string,
	pollInterval time.Duration,
) *Orchestrator {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Orchestrator{
		ledger:       ledger,
		parser:       parser,
		store:        store,
		engine:       engine,
		queue:        queue,
		catalog:      cat,
		states:       states,
		detect:       NewDetector(parser),
		sourceURL:    sourceURL,
		pollInterval: pollInterval,
	}
}

// newTaskID mints a task identifier.
func newTaskID() string {
	return uuid.NewString()
}

// taskContext derives a context cancelled when the task's cooperative
// cancellation flag is raised. The flag is polled; in-flight calls are
// not forcibly aborted. The caller's cancellation is deliberately
// dropped: HTTP handlers return right after Start* and net/http then
// cancels the request context, while the pipeline may run for hours.
// Stopping a task goes through the ledger flag instead.
func (o *Orchestrator) taskContext(ctx context.Context, taskID string) (context.Context, context.CancelFunc) {
	tctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-tctx.Done():
				return
			case <-ticker.C:
				if o.ledger.CancelRequested(taskID) {
					cancel()
					return
				}
			}
		}
	}()
	return tctx, cancel
}

// ============================================
// PARSE
// ============================================

// StartParse launches a metadata + chapter-list + slides parse for one
// slug and returns the task id.
func (o *Orchestrator) StartParse(ctx context.Context, slug string) string {
	taskID := newTaskID()
	o.ledger.Create(taskID, tasks.TypeParse)

	go func() {
		tctx, cancel := o.taskContext(ctx, taskID)
		defer cancel()
		if err := o.runParse(tctx, taskID, slug); err != nil {
			o.failOrCancel(taskID, err)
			return
		}
		o.ledger.MarkCompleted(taskID)
	}()
	return taskID
}

func (o *Orchestrator) runParse(ctx context.Context, taskID, slug string) error {
	slug = source.NormalizeSlug(slug)
	o.ledger.Update(taskID, tasks.StatusRunning, 0, "Parsing "+slug)
	o.ledger.AppendLog(taskID, tasks.LevelInfo, "Fetching detail page for "+slug)

	meta, chapters, err := o.parser.ParseItem(ctx, slug)
	if err != nil {
		return fmt.Errorf("parse of %s failed: %w", slug, err)
	}

	o.ledger.AddCounters(taskID, tasks.Counters{Total: len(chapters)})
	o.ledger.AppendLog(taskID, tasks.LevelInfo, fmt.Sprintf("Found %d chapters, fetching slide lists", len(chapters)))

	chapters = o.parser.FillSlides(ctx, slug, chapters, func(processed, total int, msg string) {
		o.ledger.AddCounters(taskID, tasks.Counters{Processed: 1})
		o.ledger.Update(taskID, tasks.StatusRunning, -1, msg)
	})
	if err := ctx.Err(); err != nil {
		return ErrCancelled
	}

	doc := &source.MangaDocument{Metadata: meta, Chapters: chapters}
	if err := o.store.SaveDocument(doc); err != nil {
		return fmt.Errorf("failed to persist document for %s: %w", slug, err)
	}

	failed := 0
	for _, ch := range chapters {
		if ch.FailReason != "" {
			failed++
		}
	}
	o.ledger.AddCounters(taskID, tasks.Counters{Failed: failed})
	o.ledger.Update(taskID, tasks.StatusRunning, 100, fmt.Sprintf("Parsed %s: %d chapters (%d without slides)", slug, len(chapters), failed))
	return nil
}

// ============================================
// BUILD
// ============================================

// StartBuild launches the image download for an already-parsed slug.
func (o *Orchestrator) StartBuild(ctx context.Context, slug string) string {
	taskID := newTaskID()
	o.ledger.Create(taskID, tasks.TypeBuild)

	go func() {
		tctx, cancel := o.taskContext(ctx, taskID)
		defer cancel()
		if err := o.runBuild(tctx, taskID, slug); err != nil {
			o.failOrCancel(taskID, err)
			return
		}
		o.ledger.MarkCompleted(taskID)
	}()
	return taskID
}

func (o *Orchestrator) runBuild(ctx context.Context, taskID, slug string) error {
	slug = source.NormalizeSlug(slug)
	o.ledger.Update(taskID, tasks.StatusRunning, 0, "Building "+slug)

	doc, err := o.store.LoadDocument(slug)
	if err != nil {
		return fmt.Errorf("build of %s needs a parse first: %w", slug, err)
	}

	var dl []download.Task
	for _, ch := range doc.Chapters {
		for _, slide := range ch.Slides {
			dl = append(dl, download.Task{
				URL:         slide.URL,
				Destination: o.store.PagePath(slug, ch.Volume, ch.Number, slide.Index, path.Ext(slide.URL)),
				Referer:     o.sourceURL + "/manga/" + slug,
			})
		}
	}

	o.ledger.AddCounters(taskID, tasks.Counters{Total: len(dl)})
	o.ledger.AppendLog(taskID, tasks.LevelInfo, fmt.Sprintf("Downloading %d page images", len(dl)))

	summary := o.engine.DownloadMany(ctx, dl, func(done, total int, msg string) {
		o.ledger.Update(taskID, tasks.StatusRunning, done*100/total, msg)
		o.ledger.AppendLog(taskID, tasks.LevelInfo, msg)
	})
	if err := ctx.Err(); err != nil {
		return ErrCancelled
	}

	o.ledger.AddCounters(taskID, tasks.Counters{
		Processed: summary.Success + summary.Failed,
		Failed:    summary.Failed,
	})
	o.ledger.Update(taskID, tasks.StatusRunning, 100, fmt.Sprintf(
		"Built %s: %d ok (%d cached), %d failed, %d bytes",
		slug, summary.Success, summary.Cached, summary.Failed, summary.Bytes))
	return nil
}

// ============================================
// FULL PARSING
// ============================================

// StartFullParse launches the combined parse → build → import →
// cleanup pipeline. Returns the parent task id and the parse child's
// id.
func (o *Orchestrator) StartFullParse(ctx context.Context, slug string) (string, string) {
	parentID := newTaskID()
	o.ledger.Create(parentID, tasks.TypeFullParse)

	parseID := o.StartParse(ctx, slug)
	o.ledger.Link(parseID, parentID)

	go func() {
		tctx, cancel := o.taskContext(ctx, parentID)
		defer cancel()
		if err := o.runFullParseFrom(tctx, parentID, parseID, slug); err != nil {
			o.failOrCancel(parentID, err)
			return
		}
		o.ledger.MarkCompleted(parentID)
	}()
	return parentID, parseID
}

// fullParse runs the whole pipeline synchronously (used by batch
// mode).
func (o *Orchestrator) fullParse(ctx context.Context, parentID, slug string) error {
	parseID := o.StartParse(ctx, slug)
	o.ledger.Link(parseID, parentID)
	return o.runFullParseFrom(ctx, parentID, parseID, slug)
}

func (o *Orchestrator) runFullParseFrom(ctx context.Context, parentID, parseID, slug string) error {
	slug = source.NormalizeSlug(slug)
	o.ledger.Update(parentID, tasks.StatusRunning, 5, "Parsing "+slug)

	parseSnap, err := o.awaitChild(ctx, parentID, parseID)
	if err != nil {
		return err
	}
	if parseSnap.Status != tasks.StatusCompleted {
		// Parse failed or was cancelled: the build phase never starts
		// and the parent carries the child's failure reason.
		return fmt.Errorf("parse failed: %s", parseSnap.Message)
	}

	o.ledger.Update(parentID, tasks.StatusRunning, 40, "Downloading images for "+slug)
	buildID := o.StartBuild(ctx, slug)
	o.ledger.Link(buildID, parentID)

	buildSnap, err := o.awaitChild(ctx, parentID, buildID)
	if err != nil {
		return err
	}
	if buildSnap.Status != tasks.StatusCompleted {
		return fmt.Errorf("build failed: %s", buildSnap.Message)
	}

	o.ledger.Update(parentID, tasks.StatusRunning, 70, "Importing "+slug)
	if err := o.runImport(ctx, parentID, slug); err != nil {
		return err
	}

	// Source-side cleanup only: imported catalog records are never
	// touched from here.
	o.ledger.Update(parentID, tasks.StatusRunning, 95, "Cleaning up scraped artifacts")
	if err := o.store.Cleanup(slug); err != nil {
		o.ledger.AppendLog(parentID, tasks.LevelWarn, "Cleanup failed: "+err.Error())
	}

	o.recordSuccess(ctx, slug)
	o.ledger.Update(parentID, tasks.StatusRunning, 100, "Full parsing of "+slug+" finished")
	return nil
}

// runImport admits the import into the single-slot queue under its own
// child task and waits for the completion callback.
func (o *Orchestrator) runImport(ctx context.Context, parentID, slug string) error {
	importID := newTaskID()
	o.ledger.Create(importID, tasks.TypeImport)
	o.ledger.Link(importID, parentID)
	o.ledger.Update(importID, tasks.StatusRunning, 0, "Importing "+slug)

	done := make(chan importer.Item, 1)
	_, err := o.queue.Admit(ctx, importID, slug, o.store.DocPath(slug), 0, func(item importer.Item) {
		done <- item
	})
	if err != nil {
		o.ledger.MarkFailed(importID, err)
		var busy *importer.ErrImportInProgress
		if errors.As(err, &busy) {
			return fmt.Errorf("import slot busy with %s: %w", busy.Current.Slug, err)
		}
		return err
	}

	select {
	case <-ctx.Done():
		// The import keeps running; cancellation here only abandons
		// the wait.
		return ErrCancelled
	case item := <-done:
		if item.Status != importer.StatusCompleted {
			importErr := fmt.Errorf("import failed: %s", item.Error)
			o.ledger.MarkFailed(importID, importErr)
			return importErr
		}
		o.ledger.MarkCompleted(importID)
		return nil
	}
}

// awaitChild waits for a child task's terminal transition. There is
// deliberately no overall timeout: big chapter sets take hours. The
// poll ticker only drives progress logging and cancellation checks.
func (o *Orchestrator) awaitChild(ctx context.Context, parentID, childID string) (tasks.Snapshot, error) {
	watch := o.ledger.Watch(childID)
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	lastProgress := -1
	for {
		select {
		case <-ctx.Done():
			o.ledger.RequestCancel(childID)
			return tasks.Snapshot{}, ErrCancelled

		case <-watch:
			snap, _ := o.ledger.Get(childID)
			return snap, nil

		case <-ticker.C:
			if o.ledger.CancelRequested(parentID) {
				o.ledger.RequestCancel(childID)
				return tasks.Snapshot{}, ErrCancelled
			}
			if snap, ok := o.ledger.Get(childID); ok && snap.Progress != lastProgress {
				lastProgress = snap.Progress
				o.ledger.Update(parentID, tasks.StatusRunning, -1,
					fmt.Sprintf("%s: %d%% %s", snap.Type, snap.Progress, snap.Message))
			}
		}
	}
}

// failOrCancel finishes a task as cancelled or failed depending on the
// error.
func (o *Orchestrator) failOrCancel(taskID string, err error) {
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		o.ledger.MarkCancelled(taskID)
		return
	}
	o.ledger.MarkFailed(taskID, err)
}

// recordSuccess updates the per-slug sync state after a successful
// import.
func (o *Orchestrator) recordSuccess(ctx context.Context, slug string) {
	if o.states == nil {
		return
	}
	titleID, err := o.catalog.FindTitle(ctx, slug)
	if err != nil {
		o.states.RecordFailure(slug, err)
		return
	}
	o.states.RecordSuccess(slug, titleID)
}

// Cleanup removes the scraped artifacts for a slug on operator
// request.
func (o *Orchestrator) Cleanup(slug string) error {
	return o.store.Cleanup(slug)
}
