package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/DarlingInSteam/AniWay-Reload-sub000/internal/source"
)

func TestDetectNewChapters_AllKnownSkipsSlideFetch(t *testing.T) {
	parser := new(MockItemParser)
	detector := NewDetector(parser)

	chapters := []source.ChapterInfo{
		{Volume: 1, Number: 1},
		{Volume: 1, Number: 2},
	}
	existing := map[float64]struct{}{
		source.ChapterKey(1, 1): {},
		source.ChapterKey(1, 2): {},
	}

	parser.On("ParseItem", mock.Anything, "one-piece").
		Return(source.MangaMetadata{Slug: "one-piece"}, chapters, nil)

	result, err := detector.DetectNewChapters(context.Background(), "one-piece", existing)
	assert.NoError(t, err)
	assert.False(t, result.HasUpdates)
	assert.Empty(t, result.NewChapters)

	// The expensive slide fetch must not run when nothing is new.
	parser.AssertNotCalled(t, "FillSlides", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDetectNewChapters_FetchesSlidesOnlyForFresh(t *testing.T) {
	parser := new(MockItemParser)
	detector := NewDetector(parser)

	chapters := []source.ChapterInfo{
		{Volume: 1, Number: 1},
		{Volume: 1, Number: 2},
		{Volume: 1, Number: 3},
	}
	existing := map[float64]struct{}{
		source.ChapterKey(1, 1): {},
	}
	fresh := []source.ChapterInfo{
		{Volume: 1, Number: 2},
		{Volume: 1, Number: 3},
	}
	withSlides := []source.ChapterInfo{
		{Volume: 1, Number: 2, Slides: []source.SlideInfo{{Index: 1, URL: "https://cdn.example/p.jpg"}}},
		{Volume: 1, Number: 3, Slides: []source.SlideInfo{{Index: 1, URL: "https://cdn.example/q.jpg"}}},
	}

	parser.On("ParseItem", mock.Anything, "one-piece").
		Return(source.MangaMetadata{Slug: "one-piece"}, chapters, nil)
	parser.On("FillSlides", mock.Anything, "one-piece", fresh, mock.Anything).Return(withSlides)

	result, err := detector.DetectNewChapters(context.Background(), "one-piece", existing)
	assert.NoError(t, err)
	assert.True(t, result.HasUpdates)
	assert.Len(t, result.NewChapters, 2)
	assert.NotEmpty(t, result.NewChapters[0].Slides)
	parser.AssertExpectations(t)
}

func TestDetectNewChapters_ParseFailurePropagates(t *testing.T) {
	parser := new(MockItemParser)
	detector := NewDetector(parser)

	parser.On("ParseItem", mock.Anything, "gone").
		Return(source.MangaMetadata{}, nil, errors.New("HTTP 500"))

	_, err := detector.DetectNewChapters(context.Background(), "gone", nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "gone")
}
