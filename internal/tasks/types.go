package tasks

import "time"

// Type tags what a task does. One record shape serves every purpose.
type Type string

const (
	TypeParse      Type = "parse"
	TypeBuild      Type = "build"
	TypeFullParse  Type = "full_parse"
	TypeBatchParse Type = "batch_parse"
	TypeAutoParse  Type = "auto_parse"
	TypeUpdate     Type = "update"
	TypeImport     Type = "import"
)

// Status is the task lifecycle state. Import phases use the
// importing_* values; anything except the three terminal states counts
// as running.
type Status string

const (
	StatusPending          Status = "pending"
	StatusRunning          Status = "running"
	StatusImportingTitle   Status = "importing_title"
	StatusImportingChapter Status = "importing_chapters"
	StatusImportingPages   Status = "importing_pages"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// IsTerminal reports whether s is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// LogLevel for task log entries.
type LogLevel string

const (
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogEntry is one line of a task's bounded rolling log.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   LogLevel  `json:"level"`
	Message string    `json:"message"`
}

// Metrics is the closed metrics record attached on terminal
// transitions. Versioned so external consumers can evolve alongside
// it.
type Metrics struct {
	Version    int    `json:"version"`
	Status     Status `json:"status"`
	DurationMs int64  `json:"duration_ms"`
	Total      int    `json:"total"`
	Processed  int    `json:"processed"`
	Imported   int    `json:"imported"`
	Failed     int    `json:"failed"`
}

// MetricsVersion is the current Metrics schema version.
const MetricsVersion = 1

// Counters are the item counts a task accumulates.
type Counters struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Imported  int `json:"imported"`
	Failed    int `json:"failed"`
}

// Snapshot is the read model of one task: a consistent copy handed to
// status queries and push subscribers. The ledger owns the mutable
// record; snapshots are safe to retain.
type Snapshot struct {
	ID          string     `json:"id"`
	Type        Type       `json:"type"`
	Status      Status     `json:"status"`
	Progress    int        `json:"progress"`
	Message     string     `json:"message"`
	Counters    Counters   `json:"counters"`
	Logs        []LogEntry `json:"logs,omitempty"`
	Metrics     *Metrics   `json:"metrics,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	CancelAsked bool       `json:"cancel_requested,omitempty"`
}
