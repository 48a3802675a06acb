package cache

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"videosummary/internal/bundle"
	"videosummary/internal/models"
	"videosummary/internal/storage"
)

// GCConfig tunes the background bundle collector.
type GCConfig struct {
	// EntryTTL evicts completed entries idle longer than this.
	EntryTTL time.Duration
	// FailedTTL evicts failed entries older than this.
	FailedTTL time.Duration
	// MaxBytes bounds total bundle size; oldest idle entries go first.
	MaxBytes int64
	// Interval is the sweep period.
	Interval time.Duration
	Logger   *slog.Logger
}

func (c *GCConfig) applyDefaults() {
	if c.EntryTTL <= 0 {
		c.EntryTTL = 30 * 24 * time.Hour
	}
	if c.FailedTTL <= 0 {
		c.FailedTTL = 24 * time.Hour
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 50 << 30
	}
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
}

// GCStats summarizes one sweep.
type GCStats struct {
	Removed      int
	RemovedBytes int64
	ByFailed     int
	ByTTL        int
	BySize       int
}

// GC evicts stale cache entries and their bundles: failed entries first,
// then TTL-expired ones, then least-recently-used entries until the bundle
// tree fits under MaxBytes. Pending and running entries are never touched.
type GC struct {
	config      GCConfig
	db          storage.Store
	bundles     *bundle.Store
	coordinator *Coordinator
	logger      *slog.Logger
}

// NewGC builds a collector that deletes through the coordinator so bundle
// directories and job rows always go together.
func NewGC(db storage.Store, bundles *bundle.Store, coordinator *Coordinator, cfg GCConfig) *GC {
	cfg.applyDefaults()
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &GC{
		config:      cfg,
		db:          db,
		bundles:     bundles,
		coordinator: coordinator,
		logger:      cfg.Logger,
	}
}

// Start launches the periodic sweep until ctx is cancelled.
func (gc *GC) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(gc.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats, err := gc.Sweep(ctx)
				if err != nil {
					gc.logger.Error("cache gc sweep failed", "error", err)
					continue
				}
				if stats.Removed > 0 {
					gc.logger.Info("cache gc sweep completed",
						"removed", stats.Removed,
						"removed_bytes", stats.RemovedBytes,
						"by_failed", stats.ByFailed,
						"by_ttl", stats.ByTTL,
						"by_size", stats.BySize)
				}
			}
		}
	}()
}

// Sweep runs one collection pass and reports what it removed.
func (gc *GC) Sweep(ctx context.Context) (GCStats, error) {
	var stats GCStats
	now := time.Now().UTC()

	failed, err := gc.db.ListEntriesByStatus(ctx, models.StatusFailed)
	if err != nil {
		return stats, err
	}
	for _, entry := range failed {
		if now.Sub(entry.IdleSince()) < gc.config.FailedTTL {
			continue
		}
		if removed, size := gc.remove(ctx, entry); removed {
			stats.Removed++
			stats.ByFailed++
			stats.RemovedBytes += size
		}
	}

	completed, err := gc.db.ListEntriesByStatus(ctx, models.StatusCompleted)
	if err != nil {
		return stats, err
	}

	var live []*models.CacheEntry
	for _, entry := range completed {
		if now.Sub(entry.IdleSince()) >= gc.config.EntryTTL {
			if removed, size := gc.remove(ctx, entry); removed {
				stats.Removed++
				stats.ByTTL++
				stats.RemovedBytes += size
				continue
			}
		}
		live = append(live, entry)
	}

	// Size pass: evict least recently used until under the byte ceiling.
	var total int64
	sizes := make(map[string]int64, len(live))
	for _, entry := range live {
		size, err := gc.bundles.DirSize(entry.BundlePath)
		if err != nil {
			gc.logger.Warn("failed to size bundle", "cache_key", entry.CacheKey, "error", err)
			continue
		}
		sizes[entry.CacheKey] = size
		total += size
	}
	if total <= gc.config.MaxBytes {
		return stats, nil
	}

	sort.Slice(live, func(i, j int) bool {
		return live[i].IdleSince().Before(live[j].IdleSince())
	})
	for _, entry := range live {
		if total <= gc.config.MaxBytes {
			break
		}
		if removed, _ := gc.remove(ctx, entry); removed {
			size := sizes[entry.CacheKey]
			total -= size
			stats.Removed++
			stats.BySize++
			stats.RemovedBytes += size
		}
	}
	return stats, nil
}

func (gc *GC) remove(ctx context.Context, entry *models.CacheEntry) (bool, int64) {
	size, _ := gc.bundles.DirSize(entry.BundlePath)
	if err := gc.coordinator.Delete(ctx, entry.CacheKey); err != nil {
		gc.logger.Warn("cache gc failed to delete entry", "cache_key", entry.CacheKey, "error", err)
		return false, 0
	}
	return true, size
}
