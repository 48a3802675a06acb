// Command server starts the video-summary HTTP service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"videosummary/internal/api"
	"videosummary/internal/bundle"
	"videosummary/internal/cache"
	"videosummary/internal/media"
	"videosummary/internal/observability/logging"
	"videosummary/internal/observability/metrics"
	"videosummary/internal/pipeline"
	"videosummary/internal/server"
	"videosummary/internal/storage"
	"videosummary/internal/uploads"
)

const version = "0.1.0"

func main() {
	addrFlag := flag.String("addr", "", "listen address (env ADDR, default :8080)")
	workDirFlag := flag.String("work-dir", "", "state directory for metadata, uploads, and bundles (env WORK_DIR, default ./data)")
	logLevelFlag := flag.String("log-level", "", "log level: debug, info, warn, error (env LOG_LEVEL)")
	logFormatFlag := flag.String("log-format", "", "log format: json or text (env LOG_FORMAT)")
	tlsCertFlag := flag.String("tls-cert", "", "TLS certificate file (env TLS_CERT_FILE)")
	tlsKeyFlag := flag.String("tls-key", "", "TLS key file (env TLS_KEY_FILE)")
	corsOriginsFlag := flag.String("cors-origins", "", "comma-separated allowed CORS origins (env CORS_ORIGINS)")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 0, "graceful shutdown timeout (env SHUTDOWN_TIMEOUT)")

	dbDriverFlag := flag.String("db-driver", "", "metadata driver: sqlite or postgres (env DB_DRIVER)")
	dbDSNFlag := flag.String("db-dsn", "", "postgres connection string (env DB_DSN)")

	workerCountFlag := flag.Int("worker-count", 0, "pipeline worker pool size (env WORKER_COUNT, default 1)")
	queueSizeFlag := flag.Int("queue-size", 0, "in-memory job queue capacity (env QUEUE_SIZE, default 64)")

	uploadConcurrencyFlag := flag.Int("upload-concurrency", 0, "max concurrent uploads (env UPLOAD_CONCURRENCY, default 2)")
	uploadRateFlag := flag.Int("upload-rate-per-minute", 0, "per-client upload rate limit (env UPLOAD_RATE_PER_MINUTE, default 30)")
	summaryRateFlag := flag.Int("summary-rate-per-minute", 0, "per-client summary rate limit (env SUMMARY_RATE_PER_MINUTE, default 60)")
	uploadChunkSizeFlag := flag.String("upload-chunk-size", "", "streaming write chunk size (env UPLOAD_CHUNK_SIZE, default 8MiB)")
	uploadReadTimeoutFlag := flag.Duration("upload-read-timeout", 0, "per-chunk read timeout (env UPLOAD_READ_TIMEOUT, default 30s)")
	uploadWriteTimeoutFlag := flag.Duration("upload-write-timeout", 0, "per-chunk write timeout (env UPLOAD_WRITE_TIMEOUT, default 30s)")
	contentLengthGraceFlag := flag.String("content-length-grace-bytes", "", "tolerance above max-file-size for declared lengths (env CONTENT_LENGTH_GRACE_BYTES, default 10MiB)")
	maxFileSizeFlag := flag.String("max-file-size", "", "hard ceiling on one upload (env MAX_FILE_SIZE, default 2GiB)")
	uploadTTLFlag := flag.Duration("upload-ttl", 0, "uploaded file retention (env UPLOAD_TTL, default 24h)")
	uploadReaperIntervalFlag := flag.Duration("upload-reaper-interval", 0, "expired upload sweep period (env UPLOAD_REAPER_INTERVAL, default 10m)")

	transcodeConcurrencyFlag := flag.Int("transcode-concurrency", 0, "audio extraction stage cap (env TRANSCODE_CONCURRENCY, default 2)")
	transcribeConcurrencyFlag := flag.Int("transcribe-concurrency", 0, "transcription stage cap (env TRANSCRIBE_CONCURRENCY, default 2)")
	stageWaitFlag := flag.Duration("pipeline-stage-wait", 0, "stage semaphore wait bound (env PIPELINE_STAGE_WAIT, default 5m)")
	videoMaxSizeFlag := flag.String("video-max-size", "", "remote video download ceiling (env VIDEO_MAX_SIZE, default 2GiB)")
	subtitleTimeoutFlag := flag.Duration("subtitle-download-timeout", 0, "subtitle fetch timeout (env SUBTITLE_DOWNLOAD_TIMEOUT, default 30s)")
	subtitleLangsFlag := flag.String("subtitle-langs", "", "preferred subtitle languages in order (env SUBTITLE_LANGS)")
	coverageMinFlag := flag.Float64("coverage-min", 0, "minimum subtitle coverage ratio (env COVERAGE_MIN, default 0.8)")
	silenceMeanVolumeFlag := flag.Float64("silence-mean-volume-db", 0, "mean volume at or below which audio is silent (env SILENCE_MEAN_VOLUME_DB, default -70)")
	minTokensPerMinuteFlag := flag.Float64("min-tokens-per-minute", 0, "transcript density below which the source is silent (env MIN_TOKENS_PER_MINUTE, default 5)")
	chunkSizeCharsFlag := flag.Int("chunk-size-chars", 0, "transcript chunk size for summarization (env CHUNK_SIZE_CHARS, default 8000)")
	chunkOverlapCharsFlag := flag.Int("chunk-overlap-chars", 0, "characters carried between adjacent chunks (env CHUNK_OVERLAP_CHARS, default 200)")
	summaryMinCharsFlag := flag.Int("summary-min-chars", 0, "merged summary length that triggers an unchunked retry (env SUMMARY_MIN_CHARS, default 80)")

	cacheTTLDaysFlag := flag.Int("cache-ttl-days", 0, "completed entry retention in days (env CACHE_TTL_DAYS, default 30)")
	cacheMaxBytesFlag := flag.String("cache-max-bytes", "", "total bundle size bound (env CACHE_MAX_BYTES, default 50GiB)")
	failedTTLHoursFlag := flag.Int("failed-ttl-hours", 0, "failed entry retention in hours (env FAILED_TTL_HOURS, default 24)")
	gcIntervalFlag := flag.Duration("gc-interval", 0, "cache GC sweep period (env GC_INTERVAL, default 1h)")
	profileVersionFlag := flag.String("profile-version", "", "processing profile version, salts cache keys (env PROFILE_VERSION, default v1)")
	stripParamsFlag := flag.String("strip-params", "", "tracking query parameters dropped during URL normalization (env STRIP_PARAMS)")

	asrURLFlag := flag.String("asr-url", "", "ASR service base URL (env ASR_BASE_URL)")
	asrTokenFlag := flag.String("asr-token", "", "ASR service token (env ASR_TOKEN)")
	llmURLFlag := flag.String("llm-url", "", "OpenAI-compatible API base URL (env LLM_BASE_URL)")
	llmKeyFlag := flag.String("llm-api-key", "", "LLM API key (env LLM_API_KEY)")
	llmModelFlag := flag.String("llm-model", "", "summary model name (env LLM_MODEL, default gpt-3.5-turbo)")
	ytdlpPathFlag := flag.String("ytdlp-path", "", "yt-dlp binary (env YTDLP_PATH)")
	ffmpegPathFlag := flag.String("ffmpeg-path", "", "ffmpeg binary (env FFMPEG_PATH)")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevelFlag, os.Getenv("LOG_LEVEL")),
		Format: firstNonEmpty(*logFormatFlag, os.Getenv("LOG_FORMAT")),
	})
	recorder := metrics.Default()

	workDir := firstNonEmpty(*workDirFlag, os.Getenv("WORK_DIR"), "data")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		fatal(logger, "create work directory", err)
	}

	dbConfig := storage.Config{
		Driver: storage.Driver(firstNonEmpty(*dbDriverFlag, os.Getenv("DB_DRIVER"))),
		Path:   filepath.Join(workDir, "metadata.db"),
		DSN:    firstNonEmpty(*dbDSNFlag, os.Getenv("DB_DSN")),
	}
	db, err := storage.NewGORMStore(dbConfig)
	if err != nil {
		fatal(logger, "open metadata store", err)
	}
	defer db.Close()

	bundles, err := bundle.NewStore(workDir, logger)
	if err != nil {
		fatal(logger, "open bundle store", err)
	}

	// Sweep work left over from a previous process lifetime before anything
	// can enqueue: running jobs become failed:interrupted and their staging
	// directories are discarded.
	sweepCtx, cancelSweep := context.WithTimeout(context.Background(), 30*time.Second)
	entries, err := db.ResetRunningEntries(sweepCtx, "interrupted: process restarted")
	if err != nil {
		cancelSweep()
		fatal(logger, "sweep running entries", err)
	}
	jobs, err := db.ResetRunningJobs(sweepCtx, "interrupted: process restarted")
	cancelSweep()
	if err != nil {
		fatal(logger, "sweep running jobs", err)
	}
	if entries > 0 || jobs > 0 {
		logger.Warn("swept interrupted work from previous run",
			"entries", entries, "jobs", jobs)
	}
	if err := bundles.CleanStaging(); err != nil {
		logger.Warn("failed to clean staging directories", "error", err)
	}

	maxFileSize := resolveBytes(*maxFileSizeFlag, "MAX_FILE_SIZE", 2<<30)
	graceBytes := resolveBytes(*contentLengthGraceFlag, "CONTENT_LENGTH_GRACE_BYTES", 10<<20)

	uploadStore, err := uploads.NewStore(db, uploads.Config{
		Root:         workDir,
		MaxFileSize:  maxFileSize,
		GraceBytes:   graceBytes,
		ChunkSize:    int(resolveBytes(*uploadChunkSizeFlag, "UPLOAD_CHUNK_SIZE", 8<<20)),
		ReadTimeout:  resolveDuration(*uploadReadTimeoutFlag, "UPLOAD_READ_TIMEOUT", 30*time.Second),
		WriteTimeout: resolveDuration(*uploadWriteTimeoutFlag, "UPLOAD_WRITE_TIMEOUT", 30*time.Second),
		TTL:          resolveDuration(*uploadTTLFlag, "UPLOAD_TTL", 24*time.Hour),
		Concurrency:  resolveInt(*uploadConcurrencyFlag, "UPLOAD_CONCURRENCY", 2),
		Logger:       logger,
		Metrics:      recorder,
	})
	if err != nil {
		fatal(logger, "open upload store", err)
	}

	downloader := media.NewYtDlp(media.YtDlpConfig{
		Binary:          firstNonEmpty(*ytdlpPathFlag, os.Getenv("YTDLP_PATH")),
		SubtitleLangs:   splitAndTrim(firstNonEmpty(*subtitleLangsFlag, os.Getenv("SUBTITLE_LANGS"))),
		SubtitleTimeout: resolveDuration(*subtitleTimeoutFlag, "SUBTITLE_DOWNLOAD_TIMEOUT", 30*time.Second),
		Logger:          logger,
	})
	ffmpeg := media.NewFFmpeg(media.FFmpegConfig{
		Binary: firstNonEmpty(*ffmpegPathFlag, os.Getenv("FFMPEG_PATH")),
		Logger: logger,
	})
	asr := media.NewASRClient(media.ASRConfig{
		BaseURL: firstNonEmpty(*asrURLFlag, os.Getenv("ASR_BASE_URL")),
		Token:   firstNonEmpty(*asrTokenFlag, os.Getenv("ASR_TOKEN")),
		Logger:  logger,
	})
	llm := media.NewLLMClient(media.LLMConfig{
		BaseURL: firstNonEmpty(*llmURLFlag, os.Getenv("LLM_BASE_URL")),
		APIKey:  firstNonEmpty(*llmKeyFlag, os.Getenv("LLM_API_KEY")),
		Model:   firstNonEmpty(*llmModelFlag, os.Getenv("LLM_MODEL"), "gpt-3.5-turbo"),
		Logger:  logger,
	})

	keys := cache.NewKeys(cache.KeysConfig{
		ProfileVersion: firstNonEmpty(*profileVersionFlag, os.Getenv("PROFILE_VERSION"), "v1"),
		Prober:         downloader,
		StripParams:    splitAndTrim(firstNonEmpty(*stripParamsFlag, os.Getenv("STRIP_PARAMS"))),
		Logger:         logger,
	})

	executor := pipeline.NewExecutor(pipeline.ExecutorConfig{
		Prober:              downloader,
		Subtitles:           downloader,
		Videos:              downloader,
		Audio:               ffmpeg,
		ASR:                 asr,
		LLM:                 llm,
		Uploads:             uploadStore,
		TranscodeLimit:      resolveInt(*transcodeConcurrencyFlag, "TRANSCODE_CONCURRENCY", 2),
		TranscribeLimit:     resolveInt(*transcribeConcurrencyFlag, "TRANSCRIBE_CONCURRENCY", 2),
		StageWait:           resolveDuration(*stageWaitFlag, "PIPELINE_STAGE_WAIT", 5*time.Minute),
		VideoMaxBytes:       resolveBytes(*videoMaxSizeFlag, "VIDEO_MAX_SIZE", 2<<30),
		CoverageMin:         resolveFloat(*coverageMinFlag, "COVERAGE_MIN", 0.8),
		SilenceMeanVolumeDB: resolveSignedFloat(*silenceMeanVolumeFlag, "SILENCE_MEAN_VOLUME_DB", -70),
		MinTokensPerMinute:  resolveFloat(*minTokensPerMinuteFlag, "MIN_TOKENS_PER_MINUTE", 5),
		ChunkSizeChars:      resolveInt(*chunkSizeCharsFlag, "CHUNK_SIZE_CHARS", 8000),
		ChunkOverlapChars:   resolveInt(*chunkOverlapCharsFlag, "CHUNK_OVERLAP_CHARS", 200),
		SummaryMinChars:     resolveInt(*summaryMinCharsFlag, "SUMMARY_MIN_CHARS", 80),
		Logger:              logger,
		Metrics:             recorder,
	})

	pool := pipeline.NewPool(pipeline.PoolConfig{
		DB:        db,
		Bundles:   bundles,
		Executor:  executor,
		Workers:   resolveInt(*workerCountFlag, "WORKER_COUNT", 1),
		QueueSize: resolveInt(*queueSizeFlag, "QUEUE_SIZE", 64),
		Logger:    logger,
		Metrics:   recorder,
	})

	coordinator := cache.NewCoordinator(cache.CoordinatorConfig{
		DB:      db,
		Bundles: bundles,
		Keys:    keys,
		Uploads: uploadStore,
		Enqueue: pool.Enqueue,
		Cancel:  pool.CancelKey,
		Logger:  logger,
		Metrics: recorder,
	})

	gc := cache.NewGC(db, bundles, coordinator, cache.GCConfig{
		EntryTTL:  time.Duration(resolveInt(*cacheTTLDaysFlag, "CACHE_TTL_DAYS", 30)) * 24 * time.Hour,
		FailedTTL: time.Duration(resolveInt(*failedTTLHoursFlag, "FAILED_TTL_HOURS", 24)) * time.Hour,
		MaxBytes:  resolveBytes(*cacheMaxBytesFlag, "CACHE_MAX_BYTES", 50<<30),
		Interval:  resolveDuration(*gcIntervalFlag, "GC_INTERVAL", time.Hour),
		Logger:    logger,
	})

	handler := api.NewHandler(api.Config{
		Uploads:          uploadStore,
		Cache:            coordinator,
		DB:               db,
		Logger:           logger,
		Version:          version,
		MaxDeclaredBytes: maxFileSize + graceBytes,
	})

	srv, err := server.New(handler, server.Config{
		Addr: firstNonEmpty(*addrFlag, os.Getenv("ADDR"), ":8080"),
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCertFlag, os.Getenv("TLS_CERT_FILE")),
			KeyFile:  firstNonEmpty(*tlsKeyFlag, os.Getenv("TLS_KEY_FILE")),
		},
		RateLimit: server.RateLimitConfig{
			UploadPerMinute:  resolveInt(*uploadRateFlag, "UPLOAD_RATE_PER_MINUTE", 30),
			SummaryPerMinute: resolveInt(*summaryRateFlag, "SUMMARY_RATE_PER_MINUTE", 60),
		},
		CORS: server.CORSConfig{
			AllowedOrigins: splitAndTrim(firstNonEmpty(*corsOriginsFlag, os.Getenv("CORS_ORIGINS"))),
		},
		Logger:          logger,
		Metrics:         recorder,
		ShutdownTimeout: resolveDuration(*shutdownTimeoutFlag, "SHUTDOWN_TIMEOUT", 10*time.Second),
	})
	if err != nil {
		fatal(logger, "configure server", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool.Start()
	gc.Start(ctx)
	uploadStore.StartReaper(ctx, resolveDuration(*uploadReaperIntervalFlag, "UPLOAD_REAPER_INTERVAL", 10*time.Minute))

	logger.Info("service starting", "version", version, "work_dir", workDir, "driver", string(dbConfig.Driver))
	runErr := srv.Run(ctx)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Warn("worker pool shutdown timed out", "error", err)
	}
	cancelShutdown()

	if runErr != nil {
		fatal(logger, "server stopped", runErr)
	}
	logger.Info("service stopped")
}

func fatal(logger *slog.Logger, message string, err error) {
	logger.Error(message, "error", err)
	os.Exit(1)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func resolveInt(flagValue int, envKey string, fallback int) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil && value > 0 {
			return value
		}
	}
	return fallback
}

func resolveFloat(flagValue float64, envKey string, fallback float64) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil && value > 0 {
			return value
		}
	}
	return fallback
}

// resolveSignedFloat is resolveFloat for values where negatives are
// meaningful, such as dB thresholds. Zero means unset.
func resolveSignedFloat(flagValue float64, envKey string, fallback float64) float64 {
	if flagValue != 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil && value != 0 {
			return value
		}
	}
	return fallback
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(strings.TrimSpace(env)); err == nil && value > 0 {
			return value
		}
	}
	return fallback
}

// resolveBytes parses sizes like "512MiB", "2GB", or a bare byte count.
func resolveBytes(flagValue, envKey string, fallback int64) int64 {
	for _, raw := range []string{flagValue, os.Getenv(envKey)} {
		if value, err := parseBytes(raw); err == nil && value > 0 {
			return value
		}
	}
	return fallback
}

func parseBytes(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty size")
	}
	suffixes := []struct {
		suffix     string
		multiplier int64
	}{
		{"GiB", 1 << 30}, {"GB", 1 << 30}, {"G", 1 << 30},
		{"MiB", 1 << 20}, {"MB", 1 << 20}, {"M", 1 << 20},
		{"KiB", 1 << 10}, {"KB", 1 << 10}, {"K", 1 << 10},
	}
	for _, entry := range suffixes {
		if strings.HasSuffix(raw, entry.suffix) {
			number := strings.TrimSpace(strings.TrimSuffix(raw, entry.suffix))
			value, err := strconv.ParseFloat(number, 64)
			if err != nil {
				return 0, err
			}
			return int64(value * float64(entry.multiplier)), nil
		}
	}
	return strconv.ParseInt(raw, 10, 64)
}
