package tasks

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// DefaultLogCap bounds each task's rolling log; oldest entries are
// evicted beyond the cap.
const DefaultLogCap = 500

// Publisher receives task snapshots as they change. Implemented by the
// websocket hub; nil disables pushing.
type Publisher interface {
	Publish(taskID string, snap Snapshot)
}

// SnapshotStore persists terminal snapshots past in-memory retention.
// Implemented by the Redis store; nil disables persistence.
type SnapshotStore interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, taskID string) (*Snapshot, error)
}

type record struct {
	mu   sync.Mutex
	snap Snapshot

	watchers []chan struct{} // closed on terminal transition
}

// Ledger is the concurrent store of task records. All mutation goes
// through its API; callers only ever see snapshots.
type Ledger struct {
	mu      sync.RWMutex
	tasks   map[string]*record
	parents map[string]string // child id -> parent id, for log mirroring

	logCap    int
	retention time.Duration

	publisher Publisher
	store     SnapshotStore
}

// NewLedger creates a ledger. retention bounds how long terminal tasks
// stay queryable in memory.
func NewLedger(retention time.Duration, publisher Publisher, store SnapshotStore) *Ledger {
	if retention <= 0 {
		retention = 30 * time.Minute
	}
	return &Ledger{
		tasks:     make(map[string]*record),
		parents:   make(map[string]string),
		logCap:    DefaultLogCap,
		retention: retention,
		publisher: publisher,
		store:     store,
	}
}

// Create registers a new pending task under id.
func (l *Ledger) Create(id string, typ Type) Snapshot {
	r := &record{snap: Snapshot{
		ID:        id,
		Type:      typ,
		Status:    StatusPending,
		StartedAt: time.Now(),
	}}

	l.mu.Lock()
	l.tasks[id] = r
	l.mu.Unlock()

	l.push(r.snap)
	return r.snap
}

// Link ties a child task to a parent: log lines appended to the child
// are mirrored into the parent's log.
func (l *Ledger) Link(childID, parentID string) {
	l.mu.Lock()
	l.parents[childID] = parentID
	l.mu.Unlock()
}

func (l *Ledger) record(id string) *record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tasks[id]
}

// Update sets status, progress and message. Updates against a terminal
// task are ignored: terminal transitions are final.
func (l *Ledger) Update(id string, status Status, progress int, message string) {
	r := l.record(id)
	if r == nil {
		return
	}

	r.mu.Lock()
	if r.snap.Status.IsTerminal() {
		r.mu.Unlock()
		return
	}
	r.snap.Status = status
	if progress >= 0 {
		r.snap.Progress = progress
	}
	if message != "" {
		r.snap.Message = message
	}
	snap := r.snap
	r.mu.Unlock()

	l.push(snap)
}

// AddCounters accumulates item counts and recomputes the progress
// percentage from processed/total when total is known.
func (l *Ledger) AddCounters(id string, delta Counters) {
	r := l.record(id)
	if r == nil {
		return
	}

	r.mu.Lock()
	if r.snap.Status.IsTerminal() {
		r.mu.Unlock()
		return
	}
	r.snap.Counters.Total += delta.Total
	r.snap.Counters.Processed += delta.Processed
	r.snap.Counters.Imported += delta.Imported
	r.snap.Counters.Failed += delta.Failed
	if r.snap.Counters.Total > 0 {
		r.snap.Progress = r.snap.Counters.Processed * 100 / r.snap.Counters.Total
	}
	snap := r.snap
	r.mu.Unlock()

	l.push(snap)
}

// AppendLog adds a line to the task's bounded log, mirroring it to the
// linked parent when one exists.
func (l *Ledger) AppendLog(id string, level LogLevel, message string) {
	l.appendLog(id, level, message)

	l.mu.RLock()
	parentID, ok := l.parents[id]
	l.mu.RUnlock()
	if ok {
		l.appendLog(parentID, level, fmt.Sprintf("[%s] %s", id, message))
	}
}

func (l *Ledger) appendLog(id string, level LogLevel, message string) {
	r := l.record(id)
	if r == nil {
		return
	}

	r.mu.Lock()
	r.snap.Logs = append(r.snap.Logs, LogEntry{Time: time.Now(), Level: level, Message: message})
	if over := len(r.snap.Logs) - l.logCap; over > 0 {
		r.snap.Logs = append([]LogEntry(nil), r.snap.Logs[over:]...)
	}
	snap := r.snap
	r.mu.Unlock()

	l.push(snap)
}

// MarkCompleted transitions a task to completed and attaches the
// metrics snapshot. Idempotent; a second terminal transition is a
// no-op.
func (l *Ledger) MarkCompleted(id string) {
	l.finish(id, StatusCompleted, "")
}

// MarkFailed transitions a task to failed with the error message.
func (l *Ledger) MarkFailed(id string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	l.finish(id, StatusFailed, msg)
}

// MarkCancelled transitions a task to cancelled.
func (l *Ledger) MarkCancelled(id string) {
	l.finish(id, StatusCancelled, "cancelled")
}

func (l *Ledger) finish(id string, status Status, message string) {
	r := l.record(id)
	if r == nil {
		return
	}

	r.mu.Lock()
	if r.snap.Status.IsTerminal() {
		r.mu.Unlock()
		return
	}
	now := time.Now()
	r.snap.Status = status
	r.snap.EndedAt = &now
	if message != "" {
		r.snap.Message = message
	}
	if status == StatusCompleted {
		r.snap.Progress = 100
	}
	r.snap.Metrics = &Metrics{
		Version:    MetricsVersion,
		Status:     status,
		DurationMs: now.Sub(r.snap.StartedAt).Milliseconds(),
		Total:      r.snap.Counters.Total,
		Processed:  r.snap.Counters.Processed,
		Imported:   r.snap.Counters.Imported,
		Failed:     r.snap.Counters.Failed,
	}
	snap := r.snap
	watchers := r.watchers
	r.watchers = nil
	r.mu.Unlock()

	for _, ch := range watchers {
		close(ch)
	}

	l.push(snap)

	if l.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.store.Save(ctx, snap); err != nil {
			log.Printf("[TaskLedger] Failed to persist snapshot for %s: %v", id, err)
		}
	}
}

// RequestCancel flags a task for cooperative cancellation. The flag is
// observed by orchestration loops at their suspension points; in-flight
// network calls are not aborted.
func (l *Ledger) RequestCancel(id string) bool {
	r := l.record(id)
	if r == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snap.Status.IsTerminal() {
		return false
	}
	r.snap.CancelAsked = true
	return true
}

// CancelRequested reports whether cancellation was asked for id.
func (l *Ledger) CancelRequested(id string) bool {
	r := l.record(id)
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap.CancelAsked
}

// Get returns the task snapshot, falling back to the persistent store
// for tasks already evicted from memory.
func (l *Ledger) Get(id string) (Snapshot, bool) {
	if r := l.record(id); r != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.snap, true
	}

	if l.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if snap, err := l.store.Load(ctx, id); err == nil && snap != nil {
			return *snap, true
		}
	}
	return Snapshot{}, false
}

// Watch returns a channel closed when the task reaches a terminal
// state. A watch on an already-terminal or unknown task returns an
// already-closed channel.
func (l *Ledger) Watch(id string) <-chan struct{} {
	ch := make(chan struct{})

	r := l.record(id)
	if r == nil {
		close(ch)
		return ch
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snap.Status.IsTerminal() {
		close(ch)
		return ch
	}
	r.watchers = append(r.watchers, ch)
	return ch
}

// StartJanitor evicts terminal tasks older than the retention window.
// Runs until ctx is cancelled.
func (l *Ledger) StartJanitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.evictExpired()
			}
		}
	}()
}

func (l *Ledger) evictExpired() {
	cutoff := time.Now().Add(-l.retention)

	l.mu.Lock()
	defer l.mu.Unlock()
	for id, r := range l.tasks {
		r.mu.Lock()
		expired := r.snap.Status.IsTerminal() && r.snap.EndedAt != nil && r.snap.EndedAt.Before(cutoff)
		r.mu.Unlock()
		if expired {
			delete(l.tasks, id)
			delete(l.parents, id)
		}
	}
}

func (l *Ledger) push(snap Snapshot) {
	if l.publisher != nil {
		l.publisher.Publish(snap.ID, snap)
	}
}
