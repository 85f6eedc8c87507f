package importer

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/DarlingInSteam/AniWay-Reload-sub000/internal/catalog"
	"github.com/DarlingInSteam/AniWay-Reload-sub000/internal/source"
	"github.com/DarlingInSteam/AniWay-Reload-sub000/internal/tasks"
)

// Executor turns a parsed-and-downloaded item into catalog records:
// title, chapters, pages, in that order. One Executor instance backs
// the queue's ExecuteFunc.
type Executor struct {
	catalog catalog.Service
	store   *source.Store
	ledger  *tasks.Ledger
}

// NewExecutor wires the import execution.
func NewExecutor(cat catalog.Service, store *source.Store, ledger *tasks.Ledger) *Executor {
	return &Executor{catalog: cat, store: store, ledger: ledger}
}

// Execute implements ExecuteFunc. Per-chapter failures are counted
// against the task but do not abort the import; a title-level failure
// does.
func (e *Executor) Execute(ctx context.Context, item Item) error {
	doc, err := e.store.LoadDocument(item.Slug)
	if err != nil {
		return fmt.Errorf("no parsed document for %s: %w", item.Slug, err)
	}

	e.ledger.Update(item.TaskID, tasks.StatusImportingTitle, -1, "Creating title "+item.Slug)
	e.ledger.AppendLog(item.TaskID, tasks.LevelInfo, fmt.Sprintf("Importing %q (%d chapters)", doc.Metadata.Title, len(doc.Chapters)))

	titleID, err := e.catalog.FindTitle(ctx, item.Slug)
	if err != nil {
		return fmt.Errorf("failed to look up title %s: %w", item.Slug, err)
	}
	if titleID == 0 {
		titleID, err = e.catalog.CreateTitle(ctx, doc.Metadata)
		if err != nil {
			return fmt.Errorf("failed to create title %s: %w", item.Slug, err)
		}
	}

	existing, err := e.catalog.ListChapterKeys(ctx, titleID)
	if err != nil {
		return fmt.Errorf("failed to list existing chapters of %s: %w", item.Slug, err)
	}

	e.ledger.Update(item.TaskID, tasks.StatusImportingChapter, -1, "Importing chapters")
	e.ledger.AddCounters(item.TaskID, tasks.Counters{Total: len(doc.Chapters)})

	for _, ch := range doc.Chapters {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// A chapter's identity key is unique per title; never
		// re-import an existing key.
		if _, ok := existing[ch.IdentityKey()]; ok {
			e.ledger.AddCounters(item.TaskID, tasks.Counters{Processed: 1})
			continue
		}

		if err := e.importChapter(ctx, item, titleID, ch); err != nil {
			e.ledger.AddCounters(item.TaskID, tasks.Counters{Processed: 1, Failed: 1})
			e.ledger.AppendLog(item.TaskID, tasks.LevelError,
				fmt.Sprintf("Chapter vol %d ch %v failed: %v", ch.Volume, ch.Number, err))
			continue
		}
		e.ledger.AddCounters(item.TaskID, tasks.Counters{Processed: 1, Imported: 1})
	}

	log.Printf("[Importer] Imported %s into title %d", item.Slug, titleID)
	return nil
}

func (e *Executor) importChapter(ctx context.Context, item Item, titleID int64, ch source.ChapterInfo) error {
	chapterID, err := e.catalog.CreateChapter(ctx, titleID, ch)
	if err != nil {
		return err
	}

	if ch.FailReason != "" {
		// Present but empty on the source side: record the chapter,
		// there are no pages to upload.
		e.ledger.AppendLog(item.TaskID, tasks.LevelWarn,
			fmt.Sprintf("Chapter vol %d ch %v imported without pages: %s", ch.Volume, ch.Number, ch.FailReason))
		return nil
	}

	pages, err := e.store.ListPages(item.Slug, ch.Volume, ch.Number)
	if err != nil {
		return fmt.Errorf("no downloaded pages: %w", err)
	}

	e.ledger.Update(item.TaskID, tasks.StatusImportingPages, -1,
		fmt.Sprintf("Uploading %d pages of vol %d ch %v", len(pages), ch.Volume, ch.Number))

	for i, path := range pages {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("page %d: %w", i+1, err)
		}
		err = e.catalog.UploadPage(ctx, chapterID, i+1, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("page %d: %w", i+1, err)
		}
	}
	return nil
}
