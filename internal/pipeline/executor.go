// Package pipeline runs the fixed summary pipeline: a worker pool consumes
// jobs from a bounded queue and executes either the URL branch
// (subtitle-first, falling back to download, audio extraction, and
// transcription) or the local branch (subtitle, audio, or video input), then
// promotes the finished bundle into the cache.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"videosummary/internal/bundle"
	"videosummary/internal/media"
	"videosummary/internal/models"
	"videosummary/internal/observability/metrics"
	"videosummary/internal/subtitle"
)

// emptyTranscriptMarker is fed to the summarizer when a source has no
// recoverable speech, so the summary acknowledges the silence instead of
// hallucinating content.
const emptyTranscriptMarker = "[no speech detected in this source]"

const defaultSummaryPrompt = "You are a concise assistant. Summarize the " +
	"following video transcript in a few paragraphs, covering the main " +
	"topics and conclusions. Respond in the transcript's language."

const defaultMergePrompt = "The following are partial summaries of " +
	"consecutive sections of one video. Merge them into a single coherent " +
	"summary without repeating yourself."

// UploadSource resolves a content hash to its upload record. The upload
// store satisfies it.
type UploadSource interface {
	GetByHash(ctx context.Context, fileHash string) (*models.UploadRecord, error)
}

// ExecutorConfig wires the executor's external adapters and tuning knobs.
type ExecutorConfig struct {
	Prober    media.Prober
	Subtitles media.SubtitleDownloader
	Videos    media.VideoDownloader
	Audio     media.AudioExtractor
	ASR       media.Transcriber
	LLM       media.Summarizer
	Uploads   UploadSource

	// TranscodeLimit and TranscribeLimit cap how many workers may occupy
	// the audio-extraction and transcription stages at once.
	TranscodeLimit  int
	TranscribeLimit int
	// StageWait bounds the wait for a stage slot.
	StageWait time.Duration

	// VideoMaxBytes bounds remote video downloads.
	VideoMaxBytes int64
	// CoverageMin is the minimum ratio of summed subtitle durations to
	// video duration for subtitles to stand in for a transcript.
	CoverageMin float64
	// SilenceMeanVolumeDB marks audio at or below this mean volume silent.
	SilenceMeanVolumeDB float64
	// MinTokensPerMinute marks transcripts below this density silent.
	MinTokensPerMinute float64

	// ChunkSizeChars splits long transcripts for summarization;
	// ChunkOverlapChars is carried between adjacent chunks.
	ChunkSizeChars    int
	ChunkOverlapChars int
	// SummaryMinChars triggers one unchunked retry when the merged summary
	// comes back shorter.
	SummaryMinChars int
	// Prompt and MergePrompt steer the summarizer.
	Prompt      string
	MergePrompt string

	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

func (c *ExecutorConfig) applyDefaults() {
	if c.TranscodeLimit <= 0 {
		c.TranscodeLimit = 2
	}
	if c.TranscribeLimit <= 0 {
		c.TranscribeLimit = 2
	}
	if c.StageWait <= 0 {
		c.StageWait = 5 * time.Minute
	}
	if c.CoverageMin <= 0 {
		c.CoverageMin = 0.8
	}
	if c.SilenceMeanVolumeDB == 0 {
		c.SilenceMeanVolumeDB = -70
	}
	if c.MinTokensPerMinute <= 0 {
		c.MinTokensPerMinute = 5
	}
	if c.ChunkSizeChars <= 0 {
		c.ChunkSizeChars = 8000
	}
	if c.ChunkOverlapChars < 0 || c.ChunkOverlapChars >= c.ChunkSizeChars {
		c.ChunkOverlapChars = 200
	}
	if c.SummaryMinChars <= 0 {
		c.SummaryMinChars = 80
	}
	if c.Prompt == "" {
		c.Prompt = defaultSummaryPrompt
	}
	if c.MergePrompt == "" {
		c.MergePrompt = defaultMergePrompt
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Default()
	}
}

// Executor runs one job's pipeline branch into a staging directory.
type Executor struct {
	config        ExecutorConfig
	transcodeSem  *semaphore.Weighted
	transcribeSem *semaphore.Weighted
	logger        *slog.Logger
	recorder      *metrics.Recorder
}

// NewExecutor builds a pipeline executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	cfg.applyDefaults()
	return &Executor{
		config:        cfg,
		transcodeSem:  semaphore.NewWeighted(int64(cfg.TranscodeLimit)),
		transcribeSem: semaphore.NewWeighted(int64(cfg.TranscribeLimit)),
		logger:        cfg.Logger,
		recorder:      cfg.Metrics,
	}
}

// Result is what a successful pipeline run hands back to the worker.
type Result struct {
	SummaryText string
	SourceName  string
	BundlePath  string
	DurationMS  int64
	IsSilent    bool
}

// state is the typed context threaded through the stages of one run.
type state struct {
	sourceName   string
	durationMS   int64
	videoPath    string
	audioPath    string
	subtitlePath string
	segments     []subtitle.Segment
	transcript   string
	isSilent     bool
}

// Run executes the branch matching the entry's source type and promotes the
// staged bundle on success. The caller owns staging cleanup on failure.
func (e *Executor) Run(ctx context.Context, entry *models.CacheEntry, staging *bundle.Staging) (*Result, error) {
	var st state
	var err error
	switch entry.SourceType {
	case models.SourceTypeURL:
		err = e.runURL(ctx, entry.SourceRef, staging, &st)
	case models.SourceTypeLocal:
		err = e.runLocal(ctx, entry.SourceRef, staging, &st)
	default:
		err = models.Kindf(models.KindInternal, "unknown source type %q", entry.SourceType)
	}
	if err != nil {
		return nil, err
	}

	var summaryText string
	if err := e.step(ctx, "summarize", func() error {
		summary, sumErr := e.summarize(ctx, st.transcript, st.isSilent)
		if sumErr != nil {
			return sumErr
		}
		summary = strings.TrimSpace(summary)
		if summary == "" {
			// Never cache junk: an empty summary fails the job instead.
			return models.Kindf(models.KindUpstream, "summarizer returned an empty summary")
		}
		summaryText = summary
		return e.emitSummary(staging, summary, &st)
	}); err != nil {
		return nil, err
	}

	sourceName := st.sourceName
	if sourceName == "" {
		sourceName = entry.SourceName
	}
	bundlePath, err := staging.Promote(bundle.PromoteSpec{
		CacheKey:       entry.CacheKey,
		SourceType:     entry.SourceType,
		SourceRef:      entry.SourceRef,
		SourceName:     sourceName,
		ProfileVersion: entry.ProfileVersion,
		SummaryText:    summaryText,
		DurationMS:     st.durationMS,
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		SummaryText: summaryText,
		SourceName:  sourceName,
		BundlePath:  bundlePath,
		DurationMS:  st.durationMS,
		IsSilent:    st.isSilent,
	}, nil
}

// summaryArtifact is the payload of summary.json.
type summaryArtifact struct {
	ProfileVersion string `json:"profile_version"`
	SummaryText    string `json:"summary_text"`
	InputChars     int    `json:"input_chars"`
	IsSilent       bool   `json:"is_silent,omitempty"`
}

func (e *Executor) emitSummary(staging *bundle.Staging, summary string, st *state) error {
	payload := summaryArtifact{
		SummaryText: summary,
		InputChars:  len(st.transcript),
		IsSilent:    st.isSilent,
	}
	return staging.AddJSONArtifact(bundle.ArtifactSummary, "summary.json", payload)
}

// step runs one named stage with cancellation checks at its boundary,
// metrics, and per-step logging.
func (e *Executor) step(ctx context.Context, name string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return models.WithKind(models.KindCancelled, err)
	}
	e.recorder.ObserveStageAttempt(name)
	e.logger.Debug("pipeline step started", "step", name)
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)
	e.recorder.ObserveStageDuration(name, elapsed)
	if err != nil {
		e.recorder.ObserveStageFailure(name)
		e.logger.Warn("pipeline step failed",
			"step", name, "elapsed_ms", elapsed.Milliseconds(), "error", err)
		if ctx.Err() != nil && models.KindOf(err) != models.KindCancelled {
			return models.WithKind(models.KindCancelled, err)
		}
		return err
	}
	e.logger.Info("pipeline step done", "step", name, "elapsed_ms", elapsed.Milliseconds())
	return nil
}

// acquireStage claims a slot in a global stage semaphore, waiting at most
// StageWait. The returned release function must be called when the stage
// finishes.
func (e *Executor) acquireStage(ctx context.Context, sem *semaphore.Weighted, stage string) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.config.StageWait)
	defer cancel()
	if err := sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, models.WithKind(models.KindCancelled, ctx.Err())
		}
		return nil, models.Kindf(models.KindTimeout, "timed out waiting for a %s slot", stage)
	}
	return func() { sem.Release(1) }, nil
}

// transcribeAudio runs extraction-adjacent silence detection and the ASR
// stage shared by both branches. inputPath must already be a WAV file.
func (e *Executor) transcribeAudio(ctx context.Context, wavPath string, st *state) error {
	meanVolume, err := e.config.Audio.MeasureRMS(ctx, wavPath)
	if err != nil {
		// Loudness is advisory; transcription decides the real outcome.
		e.logger.Warn("volume measurement failed", "error", err)
		meanVolume = 0
	}

	release, err := e.acquireStage(ctx, e.transcribeSem, "transcribe")
	if err != nil {
		return err
	}
	defer release()

	transcript, err := e.config.ASR.Transcribe(ctx, wavPath)
	if err != nil {
		return err
	}

	st.segments = make([]subtitle.Segment, 0, len(transcript.Segments))
	for _, seg := range transcript.Segments {
		st.segments = append(st.segments, subtitle.Segment{
			Text:    seg.Text,
			StartMS: seg.StartMS,
			EndMS:   seg.EndMS,
		})
	}
	st.transcript = transcript.Text()
	if st.durationMS == 0 && len(st.segments) > 0 {
		// Local files are never probed; the last recognized timestamp is the
		// best duration estimate available.
		st.durationMS = st.segments[len(st.segments)-1].EndMS
	}
	st.isSilent = e.detectSilence(meanVolume, st)
	return nil
}

// detectSilence applies the two silence signals: mean volume at or below the
// silence threshold, or token density below the per-minute minimum.
func (e *Executor) detectSilence(meanVolumeDB float64, st *state) bool {
	if meanVolumeDB != 0 && meanVolumeDB <= e.config.SilenceMeanVolumeDB {
		return true
	}
	if st.durationMS > 0 {
		minutes := float64(st.durationMS) / 60000
		tokens := float64(len([]rune(st.transcript)))
		if minutes > 0 && tokens/minutes < e.config.MinTokensPerMinute {
			return true
		}
	}
	return false
}

// addFileArtifact copies an external file into the staging directory and
// records it under the given logical name. Chunked copy keeps memory flat
// and gives cancellation a checkpoint.
func (e *Executor) addFileArtifact(ctx context.Context, staging *bundle.Staging, name, srcPath string) error {
	filename := filepath.Base(srcPath)
	if filepath.Dir(srcPath) != staging.Dir() {
		if err := copyFile(ctx, srcPath, staging.Path(filename)); err != nil {
			return fmt.Errorf("stage %s artifact: %w", name, err)
		}
	}
	return staging.AddArtifact(name, filename)
}

func copyFile(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	buf := make([]byte, 1<<20)
	for {
		if err := ctx.Err(); err != nil {
			return models.WithKind(models.KindCancelled, err)
		}
		n, readErr := in.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				return writeErr
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return readErr
		}
	}
	return out.Close()
}
