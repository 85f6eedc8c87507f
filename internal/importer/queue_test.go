package importer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAdmit_SecondCallerRejectedWithActiveItem(t *testing.T) {
	release := make(chan struct{})
	queue := NewQueue(func(ctx context.Context, item Item) error {
		<-release
		return nil
	}, time.Minute)

	done := make(chan struct{})
	_, err := queue.Admit(context.Background(), "task-1", "one-piece", "k1", 0, func(Item) { close(done) })
	assert.NoError(t, err)

	_, err = queue.Admit(context.Background(), "task-2", "berserk", "k2", 0, nil)
	var inProgress *ErrImportInProgress
	assert.ErrorAs(t, err, &inProgress)
	assert.Equal(t, "task-1", inProgress.Current.TaskID)
	assert.Equal(t, "one-piece", inProgress.Current.Slug)

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("completion callback never ran")
	}
}

func TestAdmit_ConcurrentCallersExactlyOneWins(t *testing.T) {
	release := make(chan struct{})
	queue := NewQueue(func(ctx context.Context, item Item) error {
		<-release
		return nil
	}, time.Minute)
	defer close(release)

	var (
		admitted, rejected atomic.Int64
		mu                 sync.Mutex
		winnerID           string
		rejections         []Item
	)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("task-%d", n)
			_, err := queue.Admit(context.Background(), id, "slug", "k", 0, nil)
			if err == nil {
				admitted.Add(1)
				mu.Lock()
				winnerID = id
				mu.Unlock()
				return
			}
			rejected.Add(1)
			var busy *ErrImportInProgress
			if errors.As(err, &busy) {
				mu.Lock()
				rejections = append(rejections, busy.Current)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), admitted.Load())
	assert.Equal(t, int64(15), rejected.Load())

	// Every loser must be told who it lost to, even when it raced the
	// winner's admission.
	assert.Len(t, rejections, 15)
	for _, current := range rejections {
		assert.Equal(t, winnerID, current.TaskID)
		assert.Equal(t, "slug", current.Slug)
	}
}

func TestRun_SlotReleasedAfterCompletion(t *testing.T) {
	queue := NewQueue(func(ctx context.Context, item Item) error {
		return nil
	}, time.Minute)

	done := make(chan struct{})
	_, err := queue.Admit(context.Background(), "task-1", "slug", "k", 0, func(Item) { close(done) })
	assert.NoError(t, err)
	<-done

	// The slot frees shortly after the callback; poll briefly.
	assert.Eventually(t, func() bool {
		_, err := queue.Admit(context.Background(), "task-2", "slug", "k", 0, nil)
		return err == nil
	}, time.Second, 5*time.Millisecond)
}

func TestRun_FailureRecordedInCompletedItem(t *testing.T) {
	queue := NewQueue(func(ctx context.Context, item Item) error {
		return errors.New("catalog unreachable")
	}, time.Minute)

	var got Item
	done := make(chan struct{})
	_, err := queue.Admit(context.Background(), "task-1", "slug", "k", 0, func(item Item) {
		got = item
		close(done)
	})
	assert.NoError(t, err)
	<-done

	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "catalog unreachable", got.Error)

	item, ok := queue.GetStatus("task-1")
	assert.True(t, ok)
	assert.Equal(t, StatusFailed, item.Status)
	assert.NotNil(t, item.CompletedAt)
}

func TestRun_PanickingCallbackStillReleasesSlot(t *testing.T) {
	queue := NewQueue(func(ctx context.Context, item Item) error {
		return nil
	}, time.Minute)

	_, err := queue.Admit(context.Background(), "task-1", "slug", "k", 0, func(Item) {
		panic("callback bug")
	})
	assert.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, err := queue.Admit(context.Background(), "task-2", "slug", "k", 0, nil)
		return err == nil
	}, time.Second, 5*time.Millisecond)
}

func TestGetStatus_ActiveThenCompleted(t *testing.T) {
	release := make(chan struct{})
	queue := NewQueue(func(ctx context.Context, item Item) error {
		<-release
		return nil
	}, time.Minute)

	done := make(chan struct{})
	_, err := queue.Admit(context.Background(), "task-1", "slug", "k", 0, func(Item) { close(done) })
	assert.NoError(t, err)

	item, ok := queue.GetStatus("task-1")
	assert.True(t, ok)
	assert.Equal(t, StatusProcessing, item.Status)

	active, ok := queue.Active()
	assert.True(t, ok)
	assert.Equal(t, "task-1", active.TaskID)

	close(release)
	<-done

	item, ok = queue.GetStatus("task-1")
	assert.True(t, ok)
	assert.Equal(t, StatusCompleted, item.Status)
	// The active slot empties right after the completion callback.
	assert.Eventually(t, func() bool {
		_, ok := queue.Active()
		return !ok
	}, time.Second, 5*time.Millisecond)

	_, ok = queue.GetStatus("unknown")
	assert.False(t, ok)
}
