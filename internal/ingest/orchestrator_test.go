package ingest

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/DarlingInSteam/AniWay-Reload-sub000/internal/download"
	"github.com/DarlingInSteam/AniWay-Reload-sub000/internal/importer"
	"github.com/DarlingInSteam/AniWay-Reload-sub000/internal/source"
	"github.com/DarlingInSteam/AniWay-Reload-sub000/internal/tasks"
)

// MockItemParser mocks the ItemParser interface
type MockItemParser struct {
	mock.Mock
}

func (m *MockItemParser) FetchCatalog(ctx context.Context, page, minChapters, maxChapters int) ([]source.CatalogItem, error) {
	args := m.Called(ctx, page, minChapters, maxChapters)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]source.CatalogItem), args.Error(1)
}

func (m *MockItemParser) ParseItem(ctx context.Context, slug string) (source.MangaMetadata, []source.ChapterInfo, error) {
	args := m.Called(ctx, slug)
	var chapters []source.ChapterInfo
	if args.Get(1) != nil {
		chapters = args.Get(1).([]source.ChapterInfo)
	}
	return args.Get(0).(source.MangaMetadata), chapters, args.Error(2)
}

func (m *MockItemParser) FillSlides(ctx context.Context, slug string, chapters []source.ChapterInfo, progress source.ProgressFunc) []source.ChapterInfo {
	args := m.Called(ctx, slug, chapters, progress)
	return args.Get(0).([]source.ChapterInfo)
}

// MockDownloader mocks the Downloader interface
type MockDownloader struct {
	mock.Mock
}

func (m *MockDownloader) DownloadMany(ctx context.Context, dl []download.Task, progress download.ProgressFunc) download.Summary {
	args := m.Called(ctx, dl, progress)
	return args.Get(0).(download.Summary)
}

// MockCatalog mocks the catalog Service interface
type MockCatalog struct {
	mock.Mock
}

func (m *MockCatalog) CreateTitle(ctx context.Context, meta source.MangaMetadata) (int64, error) {
	args := m.Called(ctx, meta)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockCatalog) CreateChapter(ctx context.Context, titleID int64, ch source.ChapterInfo) (int64, error) {
	args := m.Called(ctx, titleID, ch)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockCatalog) UploadPage(ctx context.Context, chapterID int64, pageIndex int, image io.Reader) error {
	args := m.Called(ctx, chapterID, pageIndex, image)
	return args.Error(0)
}

func (m *MockCatalog) ChapterExists(ctx context.Context, titleID int64, key float64) (bool, error) {
	args := m.Called(ctx, titleID, key)
	return args.Bool(0), args.Error(1)
}

func (m *MockCatalog) ListChapterKeys(ctx context.Context, titleID int64) (map[float64]struct{}, error) {
	args := m.Called(ctx, titleID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[float64]struct{}), args.Error(1)
}

func (m *MockCatalog) FindTitle(ctx context.Context, slug string) (int64, error) {
	args := m.Called(ctx, slug)
	return args.Get(0).(int64), args.Error(1)
}

type fixture struct {
	ledger  *tasks.Ledger
	parser  *MockItemParser
	store   *source.Store
	engine  *MockDownloader
	queue   *importer.Queue
	catalog *MockCatalog
	orch    *Orchestrator
}

func newFixture(t *testing.T, execute importer.ExecuteFunc) *fixture {
	t.Helper()
	if execute == nil {
		execute = func(ctx context.Context, item importer.Item) error { return nil }
	}
	f := &fixture{
		ledger:  tasks.NewLedger(time.Minute, nil, nil),
		parser:  new(MockItemParser),
		store:   source.NewStore(t.TempDir()),
		engine:  new(MockDownloader),
		queue:   importer.NewQueue(execute, time.Minute),
		catalog: new(MockCatalog),
	}
	f.orch = NewOrchestrator(f.ledger, f.parser, f.store, f.engine, f.queue, f.catalog, nil,
		"https://source.example", 10*time.Millisecond)
	return f
}

func awaitTerminal(t *testing.T, ledger *tasks.Ledger, taskID string) tasks.Snapshot {
	t.Helper()
	select {
	case <-ledger.Watch(taskID):
	case <-time.After(5 * time.Second):
		t.Fatalf("task %s never reached a terminal state", taskID)
	}
	snap, ok := ledger.Get(taskID)
	assert.True(t, ok)
	return snap
}

func sampleChapters() []source.ChapterInfo {
	return []source.ChapterInfo{
		{Volume: 1, Number: 1, Slides: []source.SlideInfo{{Index: 1, URL: "https://cdn.example/c1/p1.jpg"}}, PageCount: 1},
		{Volume: 1, Number: 2, Slides: []source.SlideInfo{{Index: 1, URL: "https://cdn.example/c2/p1.jpg"}}, PageCount: 1},
	}
}

func TestStartParse_PersistsDocument(t *testing.T) {
	f := newFixture(t, nil)
	meta := source.MangaMetadata{Slug: "one-piece", Title: "One Piece"}
	chapters := sampleChapters()

	f.parser.On("ParseItem", mock.Anything, "one-piece").Return(meta, chapters, nil)
	f.parser.On("FillSlides", mock.Anything, "one-piece", chapters, mock.Anything).Return(chapters)

	taskID := f.orch.StartParse(context.Background(), "12345-one-piece")
	snap := awaitTerminal(t, f.ledger, taskID)

	assert.Equal(t, tasks.StatusCompleted, snap.Status)
	assert.Equal(t, 2, snap.Counters.Total)

	doc, err := f.store.LoadDocument("one-piece")
	assert.NoError(t, err)
	assert.Equal(t, "One Piece", doc.Metadata.Title)
	assert.Len(t, doc.Chapters, 2)
	f.parser.AssertExpectations(t)
}

func TestStartParse_FailureMarksTaskFailed(t *testing.T) {
	f := newFixture(t, nil)
	f.parser.On("ParseItem", mock.Anything, "ghost").
		Return(source.MangaMetadata{}, nil, errors.New("HTTP 404"))

	taskID := f.orch.StartParse(context.Background(), "ghost")
	snap := awaitTerminal(t, f.ledger, taskID)

	assert.Equal(t, tasks.StatusFailed, snap.Status)
	assert.Contains(t, snap.Message, "HTTP 404")
}

func TestStartBuild_WithoutParseFails(t *testing.T) {
	f := newFixture(t, nil)

	taskID := f.orch.StartBuild(context.Background(), "never-parsed")
	snap := awaitTerminal(t, f.ledger, taskID)

	assert.Equal(t, tasks.StatusFailed, snap.Status)
	assert.Contains(t, snap.Message, "needs a parse first")
	f.engine.AssertNotCalled(t, "DownloadMany", mock.Anything, mock.Anything, mock.Anything)
}

func TestStartBuild_DownloadsEverySlide(t *testing.T) {
	f := newFixture(t, nil)
	doc := &source.MangaDocument{
		Metadata: source.MangaMetadata{Slug: "one-piece"},
		Chapters: sampleChapters(),
	}
	assert.NoError(t, f.store.SaveDocument(doc))

	f.engine.On("DownloadMany", mock.Anything, mock.MatchedBy(func(dl []download.Task) bool {
		return len(dl) == 2
	}), mock.Anything).Return(download.Summary{Total: 2, Success: 2})

	taskID := f.orch.StartBuild(context.Background(), "one-piece")
	snap := awaitTerminal(t, f.ledger, taskID)

	assert.Equal(t, tasks.StatusCompleted, snap.Status)
	assert.Equal(t, 0, snap.Counters.Failed)
	f.engine.AssertExpectations(t)
}

func TestFullParse_ParseFailureSkipsBuild(t *testing.T) {
	f := newFixture(t, nil)
	f.parser.On("ParseItem", mock.Anything, "broken").
		Return(source.MangaMetadata{}, nil, errors.New("detail page gone"))

	parentID, parseID := f.orch.StartFullParse(context.Background(), "broken")
	parent := awaitTerminal(t, f.ledger, parentID)
	child := awaitTerminal(t, f.ledger, parseID)

	assert.Equal(t, tasks.StatusFailed, child.Status)
	assert.Equal(t, tasks.StatusFailed, parent.Status)
	assert.Contains(t, parent.Message, "parse failed")
	assert.Contains(t, parent.Message, "detail page gone")
	f.engine.AssertNotCalled(t, "DownloadMany", mock.Anything, mock.Anything, mock.Anything)
}

func TestFullParse_HappyPathCleansUpArtifacts(t *testing.T) {
	var imported []string
	f := newFixture(t, func(ctx context.Context, item importer.Item) error {
		imported = append(imported, item.Slug)
		return nil
	})

	meta := source.MangaMetadata{Slug: "one-piece"}
	chapters := sampleChapters()
	f.parser.On("ParseItem", mock.Anything, "one-piece").Return(meta, chapters, nil)
	f.parser.On("FillSlides", mock.Anything, "one-piece", chapters, mock.Anything).Return(chapters)
	f.engine.On("DownloadMany", mock.Anything, mock.Anything, mock.Anything).
		Return(download.Summary{Total: 2, Success: 2})

	parentID, _ := f.orch.StartFullParse(context.Background(), "one-piece")
	parent := awaitTerminal(t, f.ledger, parentID)

	assert.Equal(t, tasks.StatusCompleted, parent.Status)
	assert.Equal(t, []string{"one-piece"}, imported)
	assert.False(t, f.store.HasDocument("one-piece"), "intermediate document should be cleaned up")
}

func TestRunImport_BusySlotFailsParent(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, func(ctx context.Context, item importer.Item) error {
		<-release
		return nil
	})
	defer close(release)

	// Occupy the slot with an unrelated import.
	_, err := f.queue.Admit(context.Background(), "other-task", "berserk", "k", 0, nil)
	assert.NoError(t, err)

	f.ledger.Create("parent", tasks.TypeFullParse)
	err = f.orch.runImport(context.Background(), "parent", "one-piece")

	var busy *importer.ErrImportInProgress
	assert.ErrorAs(t, err, &busy)
	assert.Equal(t, "berserk", busy.Current.Slug)
}

func TestRunImport_ExecutorFailurePropagates(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, item importer.Item) error {
		return errors.New("catalog rejected title")
	})

	f.ledger.Create("parent", tasks.TypeFullParse)
	err := f.orch.runImport(context.Background(), "parent", "one-piece")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "catalog rejected title")
}

func TestStartParse_CancelMarksCancelled(t *testing.T) {
	f := newFixture(t, nil)
	var taskID string
	started := make(chan struct{})

	meta := source.MangaMetadata{Slug: "slow"}
	chapters := sampleChapters()
	f.parser.On("ParseItem", mock.Anything, "slow").Return(meta, chapters, nil)
	f.parser.On("FillSlides", mock.Anything, "slow", chapters, mock.Anything).
		Run(func(args mock.Arguments) {
			close(started)
			ctx := args.Get(0).(context.Context)
			// Block until the cooperative cancel propagates.
			<-ctx.Done()
		}).
		Return(chapters)

	taskID = f.orch.StartParse(context.Background(), "slow")
	<-started
	assert.True(t, f.ledger.RequestCancel(taskID))

	snap := awaitTerminal(t, f.ledger, taskID)
	assert.Equal(t, tasks.StatusCancelled, snap.Status)
}
