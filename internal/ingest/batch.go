package ingest

import (
	"context"
	"fmt"

	"github.com/DarlingInSteam/AniWay-Reload-sub000/internal/source"
	"github.com/DarlingInSteam/AniWay-Reload-sub000/internal/tasks"
)

// StartBatchParse launches the sequential batch pipeline over a slug
// list. Slugs already present in the external catalog are skipped.
// Chapters are deliberately not parallelized across slugs: one item at
// a time bounds the load on the source.
func (o *Orchestrator) StartBatchParse(ctx context.Context, slugs []string, autoImport bool) string {
	taskID := newTaskID()
	o.ledger.Create(taskID, tasks.TypeBatchParse)

	go func() {
		tctx, cancel := o.taskContext(ctx, taskID)
		defer cancel()
		if err := o.runBatch(tctx, taskID, slugs, autoImport); err != nil {
			o.failOrCancel(taskID, err)
			return
		}
		o.ledger.MarkCompleted(taskID)
	}()
	return taskID
}

func (o *Orchestrator) runBatch(ctx context.Context, taskID string, slugs []string, autoImport bool) error {
	o.ledger.Update(taskID, tasks.StatusRunning, 0, fmt.Sprintf("Batch over %d slugs", len(slugs)))
	o.ledger.AddCounters(taskID, tasks.Counters{Total: len(slugs)})

	for _, raw := range slugs {
		// Item boundary: the cancellation checkpoint for batch loops.
		if err := ctx.Err(); err != nil {
			return ErrCancelled
		}
		slug := source.NormalizeSlug(raw)

		titleID, err := o.catalog.FindTitle(ctx, slug)
		if err != nil {
			o.ledger.AddCounters(taskID, tasks.Counters{Processed: 1, Failed: 1})
			o.ledger.AppendLog(taskID, tasks.LevelError, fmt.Sprintf("Catalog lookup for %s failed: %v", slug, err))
			continue
		}
		if titleID != 0 {
			o.ledger.AddCounters(taskID, tasks.Counters{Processed: 1})
			o.ledger.AppendLog(taskID, tasks.LevelInfo, "Skipping "+slug+": already imported")
			continue
		}

		if !autoImport {
			// Parse-only mode: leave the document for a manual import.
			// Nothing reaches the catalog here, so the imported counter
			// stays untouched.
			parseID := o.StartParse(ctx, slug)
			o.ledger.Link(parseID, taskID)
			if snap, err := o.awaitChild(ctx, taskID, parseID); err != nil {
				return err
			} else if snap.Status != tasks.StatusCompleted {
				o.ledger.AddCounters(taskID, tasks.Counters{Processed: 1, Failed: 1})
				continue
			}
			o.ledger.AddCounters(taskID, tasks.Counters{Processed: 1})
			o.ledger.AppendLog(taskID, tasks.LevelInfo, "Parsed "+slug+", awaiting manual import")
			continue
		}

		if err := o.fullParse(ctx, taskID, slug); err != nil {
			if err == ErrCancelled || ctx.Err() != nil {
				return ErrCancelled
			}
			o.ledger.AddCounters(taskID, tasks.Counters{Processed: 1, Failed: 1})
			o.ledger.AppendLog(taskID, tasks.LevelError, fmt.Sprintf("Full parsing of %s failed: %v", slug, err))
			continue
		}
		o.ledger.AddCounters(taskID, tasks.Counters{Processed: 1, Imported: 1})
	}

	snap, _ := o.ledger.Get(taskID)
	o.ledger.Update(taskID, tasks.StatusRunning, 100, fmt.Sprintf(
		"Batch finished: %d imported, %d failed of %d",
		snap.Counters.Imported, snap.Counters.Failed, snap.Counters.Total))
	return nil
}

// StartAutoParse fetches a catalog page, applies the chapter-count
// filter, and feeds the surviving slugs into the batch pipeline.
func (o *Orchestrator) StartAutoParse(ctx context.Context, page, limit, minChapters int) string {
	taskID := newTaskID()
	o.ledger.Create(taskID, tasks.TypeAutoParse)

	go func() {
		tctx, cancel := o.taskContext(ctx, taskID)
		defer cancel()

		o.ledger.Update(taskID, tasks.StatusRunning, 0, fmt.Sprintf("Fetching catalog page %d", page))
		items, err := o.parser.FetchCatalog(tctx, page, minChapters, 0)
		if err != nil {
			o.failOrCancel(taskID, fmt.Errorf("catalog fetch failed: %w", err))
			return
		}
		if limit > 0 && len(items) > limit {
			items = items[:limit]
		}

		slugs := make([]string, 0, len(items))
		for _, item := range items {
			slugs = append(slugs, item.Slug)
		}
		o.ledger.AppendLog(taskID, tasks.LevelInfo, fmt.Sprintf("Catalog yielded %d candidates", len(slugs)))

		if err := o.runBatch(tctx, taskID, slugs, true); err != nil {
			o.failOrCancel(taskID, err)
			return
		}
		o.ledger.MarkCompleted(taskID)
	}()
	return taskID
}

// StartAutoUpdate runs the incremental update pass over every
// previously imported slug: cheap metadata diff first, full pipeline
// only for items with new chapters.
func (o *Orchestrator) StartAutoUpdate(ctx context.Context) string {
	taskID := newTaskID()
	o.ledger.Create(taskID, tasks.TypeUpdate)

	go func() {
		tctx, cancel := o.taskContext(ctx, taskID)
		defer cancel()
		if err := o.runAutoUpdate(tctx, taskID); err != nil {
			o.failOrCancel(taskID, err)
			return
		}
		o.ledger.MarkCompleted(taskID)
	}()
	return taskID
}

func (o *Orchestrator) runAutoUpdate(ctx context.Context, taskID string) error {
	if o.states == nil {
		return fmt.Errorf("auto-update needs the sync-state store")
	}

	states, err := o.states.ListImported()
	if err != nil {
		return fmt.Errorf("failed to list imported slugs: %w", err)
	}

	o.ledger.Update(taskID, tasks.StatusRunning, 0, fmt.Sprintf("Checking %d imported items", len(states)))
	o.ledger.AddCounters(taskID, tasks.Counters{Total: len(states)})

	for _, st := range states {
		if err := ctx.Err(); err != nil {
			return ErrCancelled
		}

		if err := o.updateOne(ctx, taskID, st); err != nil {
			if err == ErrCancelled || ctx.Err() != nil {
				return ErrCancelled
			}
			o.ledger.AddCounters(taskID, tasks.Counters{Processed: 1, Failed: 1})
			o.ledger.AppendLog(taskID, tasks.LevelError, fmt.Sprintf("Update of %s failed: %v", st.Slug, err))
			o.states.RecordFailure(st.Slug, err)
			continue
		}
		o.ledger.AddCounters(taskID, tasks.Counters{Processed: 1})
	}

	o.ledger.Update(taskID, tasks.StatusRunning, 100, "Auto-update finished")
	return nil
}

func (o *Orchestrator) updateOne(ctx context.Context, taskID string, st SyncState) error {
	existing, err := o.catalog.ListChapterKeys(ctx, st.TitleID)
	if err != nil {
		return fmt.Errorf("failed to list imported chapter keys: %w", err)
	}

	result, err := o.detect.DetectNewChapters(ctx, st.Slug, existing)
	if err != nil {
		return err
	}
	if !result.HasUpdates {
		o.ledger.AppendLog(taskID, tasks.LevelInfo, "No new chapters for "+st.Slug)
		o.states.RecordSuccess(st.Slug, st.TitleID)
		return nil
	}

	o.ledger.AppendLog(taskID, tasks.LevelInfo,
		fmt.Sprintf("%s has %d new chapters, running full pipeline", st.Slug, len(result.NewChapters)))

	// Persist a document holding all chapters but slides only for the
	// new ones: build downloads just those, and import skips the keys
	// the catalog already has.
	doc := &source.MangaDocument{Metadata: result.Metadata, Chapters: result.NewChapters}
	if err := o.store.SaveDocument(doc); err != nil {
		return fmt.Errorf("failed to persist update document: %w", err)
	}

	buildID := o.StartBuild(ctx, st.Slug)
	o.ledger.Link(buildID, taskID)
	snap, err := o.awaitChild(ctx, taskID, buildID)
	if err != nil {
		return err
	}
	if snap.Status != tasks.StatusCompleted {
		return fmt.Errorf("build failed: %s", snap.Message)
	}

	if err := o.runImport(ctx, taskID, st.Slug); err != nil {
		return err
	}
	if err := o.store.Cleanup(st.Slug); err != nil {
		o.ledger.AppendLog(taskID, tasks.LevelWarn, "Cleanup failed: "+err.Error())
	}
	o.states.RecordSuccess(st.Slug, st.TitleID)
	o.ledger.AddCounters(taskID, tasks.Counters{Imported: len(result.NewChapters)})
	return nil
}
