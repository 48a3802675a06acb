package storage

import (
	"context"

	"videosummary/internal/models"
)

// GetJob fetches a job by ID.
func (s *GORMStore) GetJob(ctx context.Context, jobID string) (*models.CacheJob, error) {
	return getByField[models.CacheJob](s.db, ctx, "job_id", jobID, models.ErrJobNotFound)
}

// LatestJobForEntry returns the most recently created job for a cache key.
func (s *GORMStore) LatestJobForEntry(ctx context.Context, cacheKey string) (*models.CacheJob, error) {
	return latestJob(s.db.WithContext(ctx), cacheKey)
}

// MarkJobRunning transitions a job to running when a worker picks it up.
func (s *GORMStore) MarkJobRunning(ctx context.Context, jobID string) error {
	return s.updateJobStatus(ctx, jobID, map[string]any{
		"status": models.StatusRunning,
	})
}

// CompleteJob marks a job completed.
func (s *GORMStore) CompleteJob(ctx context.Context, jobID string) error {
	return s.updateJobStatus(ctx, jobID, map[string]any{
		"status": models.StatusCompleted,
		"error":  "",
	})
}

// FailJob marks a job failed with the given message.
func (s *GORMStore) FailJob(ctx context.Context, jobID, message string) error {
	return s.updateJobStatus(ctx, jobID, map[string]any{
		"status": models.StatusFailed,
		"error":  message,
	})
}

func (s *GORMStore) updateJobStatus(ctx context.Context, jobID string, updates map[string]any) error {
	result := s.db.WithContext(ctx).
		Model(&models.CacheJob{}).
		Where("job_id = ?", jobID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrJobNotFound
	}
	return nil
}

// ListPendingJobs returns up to limit pending jobs, oldest first. The queue
// drain sweep re-enqueues them when worker slots free up.
func (s *GORMStore) ListPendingJobs(ctx context.Context, limit int) ([]*models.CacheJob, error) {
	var jobs []*models.CacheJob
	q := s.db.WithContext(ctx).
		Where("status = ?", models.StatusPending).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// ResetRunningJobs fails every running job. Called once at startup so work
// interrupted by a crash or restart is reported as failed instead of running
// forever.
func (s *GORMStore) ResetRunningJobs(ctx context.Context, message string) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&models.CacheJob{}).
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
