package ingest

import (
	"fmt"
	"log"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SyncState is one row of per-slug pipeline bookkeeping: when the item
// was last checked, whether that run succeeded, and which catalog
// title it maps to. The auto-update pass iterates these rows.
type SyncState struct {
	ID            uint   `gorm:"primaryKey"`
	Slug          string `gorm:"uniqueIndex;not null"`
	TitleID       int64  `gorm:"not null;index"`
	LastRunAt     *time.Time
	LastSuccessAt *time.Time
	Status        string
	ErrorMessage  string
	UpdatedAt     time.Time
}

// TableName specifies the table name for SyncState.
func (SyncState) TableName() string {
	return "parser_sync_state"
}

// SyncStateRepo persists sync states in Postgres. A nil repo is a
// valid no-op: the service runs without a database, losing only the
// auto-update slug list.
type SyncStateRepo struct {
	db *gorm.DB
}

// NewSyncStateRepo connects and migrates the sync-state table.
func NewSyncStateRepo(dsn string) (*SyncStateRepo, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	if err := db.AutoMigrate(&SyncState{}); err != nil {
		return nil, fmt.Errorf("failed to migrate sync state: %w", err)
	}
	return &SyncStateRepo{db: db}, nil
}

// RecordSuccess upserts a successful run for slug.
func (r *SyncStateRepo) RecordSuccess(slug string, titleID int64) {
	if r == nil || r.db == nil {
		return
	}
	now := time.Now()
	state := SyncState{
		Slug:          slug,
		TitleID:       titleID,
		LastRunAt:     &now,
		LastSuccessAt: &now,
		Status:        "completed",
		ErrorMessage:  "",
	}
	r.upsert(state)
}

// RecordFailure upserts a failed run for slug, keeping the previous
// success timestamp.
func (r *SyncStateRepo) RecordFailure(slug string, err error) {
	if r == nil || r.db == nil {
		return
	}
	now := time.Now()

	var existing SyncState
	ferr := r.db.Where("slug = ?", slug).First(&existing).Error
	if ferr != nil && ferr != gorm.ErrRecordNotFound {
		log.Printf("[SyncState] Lookup for %s failed: %v", slug, ferr)
		return
	}
	existing.Slug = slug
	existing.LastRunAt = &now
	existing.Status = "failed"
	if err != nil {
		existing.ErrorMessage = err.Error()
	}
	r.upsert(existing)
}

func (r *SyncStateRepo) upsert(state SyncState) {
	var existing SyncState
	err := r.db.Where("slug = ?", state.Slug).First(&existing).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		if cerr := r.db.Create(&state).Error; cerr != nil {
			log.Printf("[SyncState] Create for %s failed: %v", state.Slug, cerr)
		}
	case err != nil:
		log.Printf("[SyncState] Lookup for %s failed: %v", state.Slug, err)
	default:
		state.ID = existing.ID
		if uerr := r.db.Model(&existing).Updates(map[string]interface{}{
			"title_id":        state.TitleID,
			"last_run_at":     state.LastRunAt,
			"last_success_at": state.LastSuccessAt,
			"status":          state.Status,
			"error_message":   state.ErrorMessage,
		}).Error; uerr != nil {
			log.Printf("[SyncState] Update for %s failed: %v", state.Slug, uerr)
		}
	}
}

// ListImported returns the slugs that have at least one successful
// import, the working set of the auto-update pass.
func (r *SyncStateRepo) ListImported() ([]SyncState, error) {
	if r == nil || r.db == nil {
		return nil, nil
	}
	var states []SyncState
	err := r.db.Where("title_id > 0 AND last_success_at IS NOT NULL").Order("slug").Find(&states).Error
	if err != nil {
		return nil, err
	}
	return states, nil
}

// Get returns the sync state for one slug.
func (r *SyncStateRepo) Get(slug string) (*SyncState, error) {
	if r == nil || r.db == nil {
		return nil, nil
	}
	var state SyncState
	err := r.db.Where("slug = ?", slug).First(&state).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}
