package storage

import (
	"context"
	"time"

	"videosummary/internal/models"
)

// EnsureResult reports the outcome of EnsureEntryJob.
type EnsureResult struct {
	// Entry is the cache entry after the call, never nil on success.
	Entry *models.CacheEntry
	// Job is the job processing the entry. Nil on a hit and on a failed
	// entry returned as a terminal result.
	Job *models.CacheJob
	// Created reports whether this call created a new job.
	Created bool
	// Hit reports that the entry satisfied the validity check and no job
	// was scheduled.
	Hit bool
}

// Store persists upload records, cache entries, and jobs. Implementations
// must be safe for concurrent use.
type Store interface {
	// Uploads.
	CreateUpload(ctx context.Context, record *models.UploadRecord) error
	GetUpload(ctx context.Context, fileID string) (*models.UploadRecord, error)
	FindUploadByHash(ctx context.Context, fileHash string, now time.Time) (*models.UploadRecord, error)
	CountUploadsByHash(ctx context.Context, fileHash, excludeFileID string) (int64, error)
	DeleteUpload(ctx context.Context, fileID string) error
	ListExpiredUploads(ctx context.Context, now time.Time, limit int) ([]*models.UploadRecord, error)

	// Cache entries.
	GetEntry(ctx context.Context, cacheKey string) (*models.CacheEntry, error)
	EnsureEntryJob(ctx context.Context, candidate *models.CacheEntry, refresh bool, valid func(*models.CacheEntry) bool) (*EnsureResult, error)
	TouchEntry(ctx context.Context, cacheKey string, accessedAt time.Time) error
	MarkEntryRunning(ctx context.Context, cacheKey string) error
	UpdateEntrySource(ctx context.Context, cacheKey, sourceName string) error
	CompleteEntry(ctx context.Context, cacheKey, summaryText, bundlePath string) error
	FailEntry(ctx context.Context, cacheKey, message string) error
	DeleteEntry(ctx context.Context, cacheKey string) error
	ListEntriesByStatus(ctx context.Context, statuses ...models.Status) ([]*models.CacheEntry, error)
	ResetRunningEntries(ctx context.Context, message string) (int64, error)

	// Jobs.
	GetJob(ctx context.Context, jobID string) (*models.CacheJob, error)
	LatestJobForEntry(ctx context.Context, cacheKey string) (*models.CacheJob, error)
	MarkJobRunning(ctx context.Context, jobID string) error
	CompleteJob(ctx context.Context, jobID string) error
	FailJob(ctx context.Context, jobID, message string) error
	ListPendingJobs(ctx context.Context, limit int) ([]*models.CacheJob, error)
	ResetRunningJobs(ctx context.Context, message string) (int64, error)

	Close() error
}

var _ Store = (*GORMStore)(nil)
