package uploads

import (
	"context"
	"time"
)

const reaperBatchSize = 100

// StartReaper launches a background loop that removes expired uploads every
// interval until ctx is cancelled.
func (s *Store) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := s.ReapExpired(ctx)
				if err != nil {
					s.logger.Error("upload reaper sweep failed", "error", err)
					continue
				}
				if removed > 0 {
					s.logger.Info("upload reaper removed expired files", "count", removed)
				}
			}
		}
	}()
}

// ReapExpired removes every upload past its TTL and returns how many were
// deleted. Deletions go through the same store path as explicit removals so
// shared content survives until its last referrer is gone.
func (s *Store) ReapExpired(ctx context.Context) (int, error) {
	var removed int
	for {
		expired, err := s.db.ListExpiredUploads(ctx, time.Now().UTC(), reaperBatchSize)
		if err != nil {
			return removed, err
		}
		if len(expired) == 0 {
			return removed, nil
		}
		batchRemoved := 0
		for _, record := range expired {
			if err := ctx.Err(); err != nil {
				return removed, err
			}
			if err := s.removeRecord(ctx, record); err != nil {
				s.logger.Warn("failed to reap upload", "file_id", record.FileID, "error", err)
				continue
			}
			batchRemoved++
			s.metrics.ObserveUploadEvent("expired")
		}
		removed += batchRemoved
		// Stop when the batch made no progress so persistent failures do not
		// spin the loop.
		if batchRemoved == 0 || len(expired) < reaperBatchSize {
			return removed, nil
		}
	}
}
