package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"videosummary/internal/models"
)

// GetEntry fetches a cache entry by key.
func (s *GORMStore) GetEntry(ctx context.Context, cacheKey string) (*models.CacheEntry, error) {
	return getByField[models.CacheEntry](s.db, ctx, "cache_key", cacheKey, models.ErrEntryNotFound)
}

// EnsureEntryJob resolves a summary request against the cache in a single
// transaction so concurrent requests for the same key never spawn duplicate
// jobs. The outcome is one of:
//
//   - the entry does not exist: it is created as pending together with a job;
//   - the entry is pending or running: the active job is returned unchanged;
//   - the entry is completed, refresh is false, and valid(entry) is true:
//     a cache hit, last_accessed is touched and no job is returned;
//   - the entry is failed and refresh is false: the failure is returned as a
//     terminal result, no job is created;
//   - otherwise (completed but invalid, or refresh requested): the entry is
//     reset to pending and a fresh job is created.
//
// The valid callback runs inside the transaction and must be fast. A nil
// callback treats every completed entry as invalid.
func (s *GORMStore) EnsureEntryJob(ctx context.Context, candidate *models.CacheEntry, refresh bool, valid func(*models.CacheEntry) bool) (*EnsureResult, error) {
	var result *EnsureResult
	run := func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			result, err = ensureEntryJob(tx, candidate, refresh, valid)
			return err
		})
	}

	err := run()
	if err != nil && isUniqueConstraintError(err) {
		// Another request inserted the entry first; rerun to pick up its job.
		err = run()
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func ensureEntryJob(tx *gorm.DB, candidate *models.CacheEntry, refresh bool, valid func(*models.CacheEntry) bool) (*EnsureResult, error) {
	var entry models.CacheEntry
	err := tx.Where("cache_key = ?", candidate.CacheKey).First(&entry).Error
	switch {
	case err == nil:
	case errors.Is(err, gorm.ErrRecordNotFound):
		entry = *candidate
		entry.Status = models.StatusPending
		entry.Error = ""
		if err := tx.Create(&entry).Error; err != nil {
			return nil, err
		}
		job, err := createJob(tx, entry.CacheKey)
		if err != nil {
			return nil, err
		}
		return &EnsureResult{Entry: &entry, Job: job, Created: true}, nil
	default:
		return nil, err
	}

	if !entry.Status.Terminal() {
		job, err := latestJob(tx, entry.CacheKey)
		switch {
		case err == nil:
			return &EnsureResult{Entry: &entry, Job: job}, nil
		case errors.Is(err, models.ErrJobNotFound):
			// Entry is active but its job row is gone; schedule a new one.
			job, err := createJob(tx, entry.CacheKey)
			if err != nil {
				return nil, err
			}
			return &EnsureResult{Entry: &entry, Job: job, Created: true}, nil
		default:
			return nil, err
		}
	}

	if entry.Status == models.StatusCompleted && !refresh && valid != nil && valid(&entry) {
		now := time.Now().UTC()
		if err := tx.Model(&entry).UpdateColumn("last_accessed", now).Error; err != nil {
			return nil, err
		}
		entry.LastAccessed = &now
		return &EnsureResult{Entry: &entry, Hit: true}, nil
	}

	// A failure sticks until the caller explicitly asks for a retry.
	if entry.Status == models.StatusFailed && !refresh {
		return &EnsureResult{Entry: &entry}, nil
	}

	updates := map[string]any{
		"status":          models.StatusPending,
		"error":           "",
		"profile_version": candidate.ProfileVersion,
	}
	if candidate.SourceName != "" {
		updates["source_name"] = candidate.SourceName
	}
	if err := tx.Model(&entry).Updates(updates).Error; err != nil {
		return nil, err
	}
	entry.Status = models.StatusPending
	entry.Error = ""
	entry.ProfileVersion = candidate.ProfileVersion
	if candidate.SourceName != "" {
		entry.SourceName = candidate.SourceName
	}
	job, err := createJob(tx, entry.CacheKey)
	if err != nil {
		return nil, err
	}
	return &EnsureResult{Entry: &entry, Job: job, Created: true}, nil
}

func createJob(tx *gorm.DB, cacheKey string) (*models.CacheJob, error) {
	job := &models.CacheJob{
		JobID:    models.NewJobID(),
		CacheKey: cacheKey,
		Status:   models.StatusPending,
	}
	if err := tx.Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

func latestJob(tx *gorm.DB, cacheKey string) (*models.CacheJob, error) {
	var job models.CacheJob
	err := tx.Where("cache_key = ?", cacheKey).
		Order("created_at DESC").
		First(&job).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrJobNotFound)
	}
	return &job, nil
}

// TouchEntry records an access without disturbing the entry's updated_at
// timestamp.
func (s *GORMStore) TouchEntry(ctx context.Context, cacheKey string, accessedAt time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&models.CacheEntry{}).
		Where("cache_key = ?", cacheKey).
		UpdateColumn("last_accessed", accessedAt)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrEntryNotFound
	}
	return nil
}

// MarkEntryRunning transitions an entry to running when a worker picks up its
// job.
func (s *GORMStore) MarkEntryRunning(ctx context.Context, cacheKey string) error {
	return s.updateEntryStatus(ctx, cacheKey, map[string]any{
		"status": models.StatusRunning,
	})
}

// CompleteEntry stores the summary result and marks the entry completed.
func (s *GORMStore) CompleteEntry(ctx context.Context, cacheKey, summaryText, bundlePath string) error {
	return s.updateEntryStatus(ctx, cacheKey, map[string]any{
		"status":        models.StatusCompleted,
		"summary_text":  summaryText,
		"bundle_path":   bundlePath,
		"error":         "",
		"last_accessed": time.Now().UTC(),
	})
}

// UpdateEntrySource records the display name discovered while processing.
func (s *GORMStore) UpdateEntrySource(ctx context.Context, cacheKey, sourceName string) error {
	return s.updateEntryStatus(ctx, cacheKey, map[string]any{
		"source_name": sourceName,
	})
}

// FailEntry marks the entry failed with the given message.
func (s *GORMStore) FailEntry(ctx context.Context, cacheKey, message string) error {
	return s.updateEntryStatus(ctx, cacheKey, map[string]any{
		"status": models.StatusFailed,
		"error":  message,
	})
}

func (s *GORMStore) updateEntryStatus(ctx context.Context, cacheKey string, updates map[string]any) error {
	result := s.db.WithContext(ctx).
		Model(&models.CacheEntry{}).
		Where("cache_key = ?", cacheKey).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrEntryNotFound
	}
	return nil
}

// DeleteEntry removes the entry and every job that references it.
func (s *GORMStore) DeleteEntry(ctx context.Context, cacheKey string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("cache_key = ?", cacheKey).Delete(&models.CacheJob{}).Error; err != nil {
			return err
		}
		result := tx.Where("cache_key = ?", cacheKey).Delete(&models.CacheEntry{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return models.ErrEntryNotFound
		}
		return nil
	})
}

// ListEntriesByStatus returns entries in any of the given statuses, oldest
// first.
func (s *GORMStore) ListEntriesByStatus(ctx context.Context, statuses ...models.Status) ([]*models.CacheEntry, error) {
	var entries []*models.CacheEntry
	err := s.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("created_at ASC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// ResetRunningEntries fails every running entry. Called once at startup so
// work interrupted by a crash or restart is not reported as still running.
func (s *GORMStore) ResetRunningEntries(ctx context.Context, message string) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&models.CacheEntry{}).
		Where("status = ?", models.StatusRunning).
		Updates(map[string]any{
			"status": models.StatusFailed,
			"error":  message,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
