package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"videosummary/internal/bundle"
	"videosummary/internal/models"
	"videosummary/internal/observability/metrics"
	"videosummary/internal/storage"
)

// UploadResolver maps local source identifiers to upload records. The upload
// store satisfies it.
type UploadResolver interface {
	Get(ctx context.Context, fileID string) (*models.UploadRecord, error)
	GetByHash(ctx context.Context, fileHash string) (*models.UploadRecord, error)
}

// Request identifies one summary source. Exactly one of SourceURL (for url
// sources) or FileID / FileHash (for local sources) must be set; the facade
// validates the combination before it reaches the coordinator.
type Request struct {
	SourceType models.SourceType
	SourceURL  string
	FileID     string
	FileHash   string
	Refresh    bool
}

// Resolution is the coordinator's answer to a summary request.
type Resolution struct {
	Entry *models.CacheEntry
	// Job is non-nil when background work is pending or running.
	Job *models.CacheJob
	// Hit reports the entry was served from the cache.
	Hit bool
	// Enqueued reports this call created and enqueued a new job.
	Enqueued bool
}

// Coordinator computes cache keys and mediates entry state. All state
// transitions run through the metadata store's transactional get-or-create,
// so concurrent requests for one key share a single flight.
type Coordinator struct {
	db       storage.Store
	bundles  *bundle.Store
	keys     *Keys
	uploads  UploadResolver
	enqueue  func(jobID string)
	cancel   func(cacheKey string)
	logger   *slog.Logger
	recorder *metrics.Recorder
}

// CoordinatorConfig wires the coordinator's collaborators.
type CoordinatorConfig struct {
	DB      storage.Store
	Bundles *bundle.Store
	Keys    *Keys
	Uploads UploadResolver
	// Enqueue hands a freshly created job to the worker pool.
	Enqueue func(jobID string)
	// Cancel aborts in-flight work for a cache key before deletion.
	Cancel  func(cacheKey string)
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// NewCoordinator builds a coordinator.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Coordinator{
		db:       cfg.DB,
		bundles:  cfg.Bundles,
		keys:     cfg.Keys,
		uploads:  cfg.Uploads,
		enqueue:  cfg.Enqueue,
		cancel:   cfg.Cancel,
		logger:   logger,
		recorder: recorder,
	}
}

// Keys exposes the key deriver, shared with the pipeline executor.
func (c *Coordinator) Keys() *Keys {
	return c.keys
}

// Valid reports whether entry is a servable cache hit: completed, summary
// recorded, bundle intact, and produced under the current profile.
func (c *Coordinator) Valid(entry *models.CacheEntry) bool {
	if entry.Status != models.StatusCompleted || entry.SummaryText == "" {
		return false
	}
	if entry.ProfileVersion != c.keys.ProfileVersion() {
		return false
	}
	if err := c.bundles.Validate(entry.BundlePath, c.keys.ProfileVersion()); err != nil {
		c.logger.Warn("cache entry failed bundle validation",
			"cache_key", entry.CacheKey, "error", err)
		return false
	}
	return true
}

// identify derives the cache key and source reference for a request.
func (c *Coordinator) identify(ctx context.Context, req Request) (*models.CacheEntry, error) {
	switch req.SourceType {
	case models.SourceTypeURL:
		key, err := c.keys.ForURL(ctx, req.SourceURL)
		if err != nil {
			return nil, err
		}
		candidate := &models.CacheEntry{
			CacheKey:       key.CacheKey,
			SourceType:     models.SourceTypeURL,
			SourceRef:      key.NormalizedURL,
			ProfileVersion: c.keys.ProfileVersion(),
		}
		if key.Probe != nil {
			candidate.SourceName = key.Probe.Title
		}
		return candidate, nil
	case models.SourceTypeLocal:
		fileHash := req.FileHash
		sourceName := ""
		if req.FileID != "" {
			record, err := c.uploads.Get(ctx, req.FileID)
			if err != nil {
				return nil, err
			}
			fileHash = record.FileHash
			sourceName = record.OriginalName
		} else if record, err := c.uploads.GetByHash(ctx, fileHash); err == nil {
			sourceName = record.OriginalName
		} else if !errors.Is(err, models.ErrUploadNotFound) {
			return nil, err
		}
		return &models.CacheEntry{
			CacheKey:       c.keys.ForFileHash(fileHash),
			SourceType:     models.SourceTypeLocal,
			SourceRef:      fileHash,
			SourceName:     sourceName,
			ProfileVersion: c.keys.ProfileVersion(),
		}, nil
	default:
		return nil, models.Kindf(models.KindInvalidArgument, "unknown source type %q", req.SourceType)
	}
}

// Resolve runs get-or-create for a request: a valid completed entry is a
// hit, active work is adopted, and anything else creates a fresh job that is
// handed to the worker pool exactly once.
func (c *Coordinator) Resolve(ctx context.Context, req Request) (*Resolution, error) {
	candidate, err := c.identify(ctx, req)
	if err != nil {
		return nil, err
	}

	result, err := c.db.EnsureEntryJob(ctx, candidate, req.Refresh, c.Valid)
	if err != nil {
		return nil, fmt.Errorf("ensure cache entry: %w", err)
	}

	resolution := &Resolution{Entry: result.Entry, Job: result.Job, Hit: result.Hit}
	if result.Hit {
		c.recorder.ObserveCacheLookup("hit")
	} else if result.Created {
		c.recorder.ObserveCacheLookup("miss")
		resolution.Enqueued = true
		if c.enqueue != nil {
			c.enqueue(result.Job.JobID)
		}
	} else {
		c.recorder.ObserveCacheLookup("adopted")
	}
	return resolution, nil
}

// Lookup probes the cache without scheduling work. The entry is returned as
// stored; Hit reflects full validity including the bundle check.
func (c *Coordinator) Lookup(ctx context.Context, req Request) (*Resolution, error) {
	candidate, err := c.identify(ctx, req)
	if err != nil {
		return nil, err
	}
	entry, err := c.db.GetEntry(ctx, candidate.CacheKey)
	if err != nil {
		if errors.Is(err, models.ErrEntryNotFound) {
			c.recorder.ObserveCacheLookup("miss")
			return &Resolution{Entry: candidate}, nil
		}
		return nil, err
	}

	resolution := &Resolution{Entry: entry, Hit: c.Valid(entry)}
	if resolution.Hit {
		c.recorder.ObserveCacheLookup("hit")
	} else {
		c.recorder.ObserveCacheLookup("miss")
	}
	if !entry.Status.Terminal() {
		job, err := c.db.LatestJobForEntry(ctx, entry.CacheKey)
		if err == nil {
			resolution.Job = job
		} else if !errors.Is(err, models.ErrJobNotFound) {
			return nil, err
		}
	}
	return resolution, nil
}

// Entry returns the stored entry for a cache key.
func (c *Coordinator) Entry(ctx context.Context, cacheKey string) (*models.CacheEntry, error) {
	return c.db.GetEntry(ctx, cacheKey)
}

// Delete cancels any in-flight work for the key, removes the bundle
// directory, and deletes the entry with its job rows.
func (c *Coordinator) Delete(ctx context.Context, cacheKey string) error {
	entry, err := c.db.GetEntry(ctx, cacheKey)
	if err != nil {
		return err
	}
	if c.cancel != nil {
		c.cancel(cacheKey)
	}
	if entry.BundlePath != "" {
		if err := c.bundles.Remove(entry.BundlePath); err != nil {
			return fmt.Errorf("remove bundle: %w", err)
		}
	}
	if err := c.db.DeleteEntry(ctx, cacheKey); err != nil {
		return err
	}
	c.logger.Info("cache entry deleted", "cache_key", cacheKey)
	return nil
}
