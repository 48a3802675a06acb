package models

import (
	"time"
)

// SourceType identifies how a summary source is referenced: by remote URL or
// by a previously uploaded local file.
type SourceType string

const (
	SourceTypeURL   SourceType = "url"
	SourceTypeLocal SourceType = "local"
)

// IsValid reports whether the value is a known source type.
func (s SourceType) IsValid() bool {
	return s == SourceTypeURL || s == SourceTypeLocal
}

// FileType classifies uploaded media by its logical role in the pipeline.
type FileType string

const (
	FileTypeVideo    FileType = "video"
	FileTypeAudio    FileType = "audio"
	FileTypeSubtitle FileType = "subtitle"
)

// Status is the shared lifecycle state for cache entries and jobs. Entries
// and jobs move pending → running → completed | failed; a refresh request
// resets a terminal entry back to pending.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// UploadRecord describes one uploaded file. Several records may share a
// stored path when their content hashes match; the file on disk is removed
// only together with its last referring record.
type UploadRecord struct {
	FileID       string    `gorm:"column:file_id;primaryKey;size:34" json:"file_id"`
	OriginalName string    `gorm:"size:512;not null" json:"original_name"`
	Size         int64     `gorm:"not null" json:"size"`
	MimeType     string    `gorm:"size:255" json:"mime_type"`
	FileType     FileType  `gorm:"size:16;not null" json:"file_type"`
	FileHash     string    `gorm:"size:64;index" json:"file_hash"`
	StoredPath   string    `gorm:"size:1024;not null" json:"-"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	ExpiresAt    time.Time `gorm:"index" json:"expires_at"`
}

// TableName returns the table name for UploadRecord.
func (UploadRecord) TableName() string { return "uploads" }

// Expired reports whether the record's retention window has passed.
func (r UploadRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// CacheEntry is the durable row capturing the lifecycle and result of
// processing one source identity. CacheKey is derived solely from the
// normalized source identity and the processing profile version.
type CacheEntry struct {
	CacheKey       string     `gorm:"column:cache_key;primaryKey;size:64" json:"cache_key"`
	SourceType     SourceType `gorm:"size:8;not null;index:idx_cache_entries_source,priority:1" json:"source_type"`
	SourceRef      string     `gorm:"size:2048;index:idx_cache_entries_source,priority:2" json:"source_ref"`
	SourceName     string     `gorm:"size:512" json:"source_name,omitempty"`
	Status         Status     `gorm:"size:16;not null;default:pending;index" json:"status"`
	ProfileVersion string     `gorm:"size:128;not null" json:"profile_version"`
	SummaryText    string     `json:"summary_text,omitempty"`
	BundlePath     string     `gorm:"size:1024" json:"bundle_path,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	LastAccessed   *time.Time `json:"last_accessed,omitempty"`
}

// TableName returns the table name for CacheEntry.
func (CacheEntry) TableName() string { return "cache_entries" }

// IdleSince returns the moment the entry was last touched, preferring the
// access timestamp over the update timestamp. GC ages entries from here.
func (e CacheEntry) IdleSince() time.Time {
	if e.LastAccessed != nil && e.LastAccessed.After(e.UpdatedAt) {
		return *e.LastAccessed
	}
	return e.UpdatedAt
}

// CacheJob tracks one background execution for a cache entry. At most one
// job per cache key is non-terminal at any time.
type CacheJob struct {
	JobID     string    `gorm:"column:job_id;primaryKey;size:34" json:"job_id"`
	CacheKey  string    `gorm:"size:64;not null;index" json:"cache_key"`
	Status    Status    `gorm:"size:16;not null;default:pending;index" json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for CacheJob.
func (CacheJob) TableName() string { return "cache_jobs" }

// AllModels returns every model registered for schema migration.
func AllModels() []any {
	return []any{
		&UploadRecord{},
		&CacheEntry{},
		&CacheJob{},
	}
}
