// Package importer serializes catalog imports. The downstream catalog
// importer is not proven safe under concurrent writes, so exactly one
// import runs at a time and everyone else is rejected with the current
// occupant.
package importer

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Status of a queue item.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Item is one admitted import. Created on admission, moved to the
// short-retention completed map on finish.
type Item struct {
	TaskID      string     `json:"task_id"`
	Slug        string     `json:"slug"`
	Key         string     `json:"key"`
	Priority    int        `json:"priority"`
	Status      Status     `json:"status"`
	Error       string     `json:"error,omitempty"`
	QueuedAt    time.Time  `json:"queued_at"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ErrImportInProgress rejects an admission attempt while the single
// slot is occupied. Carries the currently running item so the caller
// can report it; not retried automatically.
type ErrImportInProgress struct {
	Current Item
}

func (e *ErrImportInProgress) Error() string {
	return fmt.Sprintf("import already in progress for %s (task %s)", e.Current.Slug, e.Current.TaskID)
}

// ExecuteFunc performs the actual import for an admitted item.
type ExecuteFunc func(ctx context.Context, item Item) error

// CompleteFunc is the caller-supplied completion callback. Best
// effort: panics and errors are logged, never propagated.
type CompleteFunc func(item Item)

// Queue is the single-slot admission gate.
type Queue struct {
	slot    chan struct{} // capacity 1
	execute ExecuteFunc

	mu        sync.Mutex
	active    *Item
	completed map[string]*Item
	retention time.Duration
}

// NewQueue creates a queue around the given import executor. retention
// bounds how long finished items stay queryable.
func NewQueue(execute ExecuteFunc, retention time.Duration) *Queue {
	if retention <= 0 {
		retention = 15 * time.Minute
	}
	q := &Queue{
		slot:      make(chan struct{}, 1),
		execute:   execute,
		completed: make(map[string]*Item),
		retention: retention,
	}
	q.slot <- struct{}{}
	return q
}

// Admit takes the slot and launches the import asynchronously,
// returning the task id. When the slot is occupied it returns
// *ErrImportInProgress carrying the active item.
func (q *Queue) Admit(ctx context.Context, taskID, slug, key string, priority int, onComplete CompleteFunc) (string, error) {
	now := time.Now()
	item := &Item{
		TaskID:    taskID,
		Slug:      slug,
		Key:       key,
		Priority:  priority,
		Status:    StatusProcessing,
		QueuedAt:  now,
		StartedAt: now,
	}

	// Taking the slot and swapping the active item happen under one
	// lock, so a concurrent loser always observes the occupant it lost
	// to.
	q.mu.Lock()
	select {
	case <-q.slot:
	default:
		rejection := &ErrImportInProgress{}
		if q.active != nil {
			rejection.Current = *q.active
		}
		q.mu.Unlock()
		return "", rejection
	}
	q.active = item
	q.mu.Unlock()

	log.Printf("[ImportQueue] Admitted %s (task %s)", slug, taskID)
	go q.run(ctx, item, onComplete)
	return taskID, nil
}

func (q *Queue) run(ctx context.Context, item *Item, onComplete CompleteFunc) {
	err := q.execute(ctx, *item)

	now := time.Now()
	q.mu.Lock()
	item.CompletedAt = &now
	if err != nil {
		item.Status = StatusFailed
		item.Error = err.Error()
	} else {
		item.Status = StatusCompleted
	}
	q.completed[item.TaskID] = item
	q.mu.Unlock()

	if err != nil {
		log.Printf("[ImportQueue] Import of %s failed: %v", item.Slug, err)
	} else {
		log.Printf("[ImportQueue] Import of %s completed", item.Slug)
	}

	q.invokeCallback(item, onComplete)

	// Release the slot only after the callback: a follow-up import
	// must see the previous one fully settled. Clearing the active
	// item and refilling the slot are atomic relative to Admit; the
	// send never blocks because this goroutine holds the only token.
	q.mu.Lock()
	q.active = nil
	q.slot <- struct{}{}
	q.mu.Unlock()
}

func (q *Queue) invokeCallback(item *Item, onComplete CompleteFunc) {
	if onComplete == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[ImportQueue] Completion callback for %s panicked: %v", item.TaskID, r)
		}
	}()
	onComplete(*item)
}

// GetStatus looks a task up in the active slot, then the completed
// map.
func (q *Queue) GetStatus(taskID string) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.active != nil && q.active.TaskID == taskID {
		return *q.active, true
	}
	if item, ok := q.completed[taskID]; ok {
		return *item, true
	}
	return Item{}, false
}

// Active returns the currently processing item, if any.
func (q *Queue) Active() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active == nil {
		return Item{}, false
	}
	return *q.active, true
}

// StartJanitor evicts completed items past the retention window until
// ctx is cancelled.
func (q *Queue) StartJanitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.evictExpired()
			}
		}
	}()
}

func (q *Queue) evictExpired() {
	cutoff := time.Now().Add(-q.retention)
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, item := range q.completed {
		if item.CompletedAt != nil && item.CompletedAt.Before(cutoff) {
			delete(q.completed, id)
		}
	}
}
