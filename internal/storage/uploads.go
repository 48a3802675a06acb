package storage

import (
	"context"
	"time"

	"videosummary/internal/models"
)

// CreateUpload inserts a new upload record.
func (s *GORMStore) CreateUpload(ctx context.Context, record *models.UploadRecord) error {
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		if isUniqueConstraintError(err) {
			return models.ErrDuplicateUpload
		}
		return err
	}
	return nil
}

// GetUpload fetches an upload record by file ID.
func (s *GORMStore) GetUpload(ctx context.Context, fileID string) (*models.UploadRecord, error) {
	return getByField[models.UploadRecord](s.db, ctx, "file_id", fileID, models.ErrUploadNotFound)
}

// FindUploadByHash returns the oldest unexpired upload with the given content
// hash. Dedup reuses its stored file for new uploads of identical content.
func (s *GORMStore) FindUploadByHash(ctx context.Context, fileHash string, now time.Time) (*models.UploadRecord, error) {
	var record models.UploadRecord
	err := s.db.WithContext(ctx).
		Where("file_hash = ? AND expires_at > ?", fileHash, now).
		Order("created_at ASC").
		First(&record).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrUploadNotFound)
	}
	return &record, nil
}

// CountUploadsByHash counts upload records sharing a content hash, excluding
// the given file ID. A zero count means the caller holds the last reference
// to the stored file.
func (s *GORMStore) CountUploadsByHash(ctx context.Context, fileHash, excludeFileID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.UploadRecord{}).
		Where("file_hash = ? AND file_id <> ?", fileHash, excludeFileID).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// DeleteUpload removes an upload record by file ID.
func (s *GORMStore) DeleteUpload(ctx context.Context, fileID string) error {
	return deleteByField[models.UploadRecord](s.db, ctx, "file_id", fileID, models.ErrUploadNotFound)
}

// ListExpiredUploads returns up to limit uploads whose TTL elapsed before now,
// oldest first. A non-positive limit returns all expired uploads.
func (s *GORMStore) ListExpiredUploads(ctx context.Context, now time.Time, limit int) ([]*models.UploadRecord, error) {
	var records []*models.UploadRecord
	q := s.db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Order("expires_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}
