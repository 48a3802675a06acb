package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"videosummary/internal/bundle"
	"videosummary/internal/models"
	"videosummary/internal/observability/metrics"
	"videosummary/internal/storage"
)

// PoolConfig wires the worker pool.
type PoolConfig struct {
	DB       storage.Store
	Bundles  *bundle.Store
	Executor *Executor

	// Workers is the number of concurrent job runners.
	Workers int
	// QueueSize bounds the in-memory job queue. Jobs that do not fit stay
	// pending in the metadata store and are picked up by the drain sweep.
	QueueSize int
	// DrainInterval is how often pending jobs are swept from the store into
	// the queue. The sweep also recovers jobs enqueued by a previous process.
	DrainInterval time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

func (c *PoolConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Default()
	}
}

// Pool consumes summary jobs from a bounded queue and runs them through the
// executor. At most one job per cache key is active at a time, which the
// metadata store guarantees by never holding more than one non-terminal job
// per key.
type Pool struct {
	config   PoolConfig
	queue    chan string
	logger   *slog.Logger
	recorder *metrics.Recorder

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	tracked map[string]struct{}                // job IDs queued or running
	cancels map[string]context.CancelFunc      // cache key -> abort running job

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// NewPool builds a worker pool. Start must be called before jobs run.
func NewPool(cfg PoolConfig) *Pool {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config:     cfg,
		queue:      make(chan string, cfg.QueueSize),
		logger:     cfg.Logger,
		recorder:   cfg.Metrics,
		baseCtx:    ctx,
		baseCancel: cancel,
		tracked:    make(map[string]struct{}),
		cancels:    make(map[string]context.CancelFunc),
		stop:       make(chan struct{}),
	}
}

// Start launches the workers and the pending-job drain loop.
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.wg.Add(1)
	go p.drainLoop()
	p.logger.Info("worker pool started",
		"workers", p.config.Workers, "queue_size", p.config.QueueSize)
}

// Enqueue offers a job to the queue without blocking. A full queue is not an
// error: the job stays pending in the store and the drain sweep retries it.
func (p *Pool) Enqueue(jobID string) {
	p.mu.Lock()
	if _, ok := p.tracked[jobID]; ok {
		p.mu.Unlock()
		return
	}
	select {
	case p.queue <- jobID:
		p.tracked[jobID] = struct{}{}
	default:
		p.logger.Debug("job queue full, leaving job pending", "job_id", jobID)
	}
	p.mu.Unlock()
	p.recorder.SetQueueDepth(int64(len(p.queue)))
}

// CancelKey aborts the running job for a cache key, if any. Queued jobs whose
// rows have been deleted are skipped when they surface.
func (p *Pool) CancelKey(cacheKey string) {
	p.mu.Lock()
	cancel, ok := p.cancels[cacheKey]
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// Shutdown stops accepting work and waits for in-flight jobs up to the
// context deadline, then aborts whatever is still running.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stop) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.baseCancel()
		<-done
		return ctx.Err()
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case jobID := <-p.queue:
			p.recorder.SetQueueDepth(int64(len(p.queue)))
			p.runJob(jobID)
		}
	}
}

// drainLoop periodically sweeps pending jobs from the store into the queue,
// covering jobs that arrived while the queue was full and jobs left behind by
// a previous process.
func (p *Pool) drainLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.drainPending()
		}
	}
}

func (p *Pool) drainPending() {
	ctx, cancel := context.WithTimeout(p.baseCtx, 10*time.Second)
	defer cancel()
	jobs, err := p.config.DB.ListPendingJobs(ctx, p.config.QueueSize)
	if err != nil {
		p.logger.Warn("pending job sweep failed", "error", err)
		return
	}
	for _, job := range jobs {
		p.Enqueue(job.JobID)
	}
}

func (p *Pool) runJob(jobID string) {
	defer func() {
		p.mu.Lock()
		delete(p.tracked, jobID)
		p.mu.Unlock()
	}()

	loadCtx, cancelLoad := context.WithTimeout(p.baseCtx, 10*time.Second)
	job, err := p.config.DB.GetJob(loadCtx, jobID)
	if err != nil {
		cancelLoad()
		p.logger.Debug("queued job no longer exists", "job_id", jobID, "error", err)
		return
	}
	if job.Status.Terminal() {
		cancelLoad()
		return
	}
	entry, err := p.config.DB.GetEntry(loadCtx, job.CacheKey)
	cancelLoad()
	if err != nil {
		p.logger.Warn("job references missing entry", "job_id", jobID, "cache_key", job.CacheKey)
		p.failJob(jobID, job.CacheKey, false, "cache entry missing")
		return
	}

	jobCtx, cancel := context.WithCancel(p.baseCtx)
	p.mu.Lock()
	p.cancels[entry.CacheKey] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.cancels, entry.CacheKey)
		p.mu.Unlock()
		cancel()
	}()

	source := string(entry.SourceType)
	p.recorder.JobStarted(source)
	logger := p.logger.With("job_id", jobID, "cache_key", entry.CacheKey, "source_type", source)
	logger.Info("job started", "source_ref", entry.SourceRef)
	start := time.Now()

	if err := p.markRunning(jobID, entry.CacheKey); err != nil {
		logger.Warn("failed to mark job running", "error", err)
		p.recorder.JobFailed(source)
		return
	}

	staging, err := p.config.Bundles.Stage(jobID)
	if err != nil {
		logger.Error("failed to create staging directory", "error", err)
		p.failJob(jobID, entry.CacheKey, true, "staging: "+err.Error())
		p.recorder.JobFailed(source)
		return
	}

	result, err := p.config.Executor.Run(jobCtx, entry, staging)
	elapsed := time.Since(start)
	if err != nil {
		staging.Discard()
		kind := models.KindOf(err)
		logger.Warn("job failed",
			"elapsed_ms", elapsed.Milliseconds(), "kind", string(kind), "error", err)
		p.failJob(jobID, entry.CacheKey, true, err.Error())
		if kind == models.KindCancelled {
			p.recorder.JobCancelled(source)
		} else {
			p.recorder.JobFailed(source)
		}
		return
	}

	if err := p.complete(jobID, entry, result); err != nil {
		logger.Error("failed to record job result", "error", err)
		p.recorder.JobFailed(source)
		return
	}
	p.recorder.JobCompleted(source)
	logger.Info("job completed",
		"elapsed_ms", elapsed.Milliseconds(),
		"summary_chars", len([]rune(result.SummaryText)),
		"is_silent", result.IsSilent)
}

// markRunning flips the job and entry to running before the pipeline starts.
func (p *Pool) markRunning(jobID, cacheKey string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.config.DB.MarkJobRunning(ctx, jobID); err != nil {
		return err
	}
	return p.config.DB.MarkEntryRunning(ctx, cacheKey)
}

// complete persists the summary. Status writes use a background context so a
// finished result is never lost to the job's own cancellation.
func (p *Pool) complete(jobID string, entry *models.CacheEntry, result *Result) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if result.SourceName != "" && result.SourceName != entry.SourceName {
		if err := p.config.DB.UpdateEntrySource(ctx, entry.CacheKey, result.SourceName); err != nil {
			p.logger.Warn("failed to record source name",
				"cache_key", entry.CacheKey, "error", err)
		}
	}
	if err := p.config.DB.CompleteEntry(ctx, entry.CacheKey, result.SummaryText, result.BundlePath); err != nil {
		return err
	}
	return p.config.DB.CompleteJob(ctx, jobID)
}

// failJob records the failure on the job and, when failEntry is set, on the
// entry as well.
func (p *Pool) failJob(jobID, cacheKey string, failEntry bool, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if failEntry {
		if err := p.config.DB.FailEntry(ctx, cacheKey, message); err != nil {
			p.logger.Warn("failed to mark entry failed", "cache_key", cacheKey, "error", err)
		}
	}
	if err := p.config.DB.FailJob(ctx, jobID, message); err != nil {
		p.logger.Warn("failed to mark job failed", "job_id", jobID, "error", err)
	}
}
