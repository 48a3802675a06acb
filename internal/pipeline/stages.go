package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"videosummary/internal/bundle"
	"videosummary/internal/media"
	"videosummary/internal/models"
	"videosummary/internal/subtitle"
)

// runURL executes the remote branch: probe the source, prefer advertised
// subtitles when their coverage is sufficient, otherwise download the video,
// extract audio, and transcribe it.
func (e *Executor) runURL(ctx context.Context, sourceURL string, staging *bundle.Staging, st *state) error {
	if err := e.step(ctx, "probe", func() error {
		probe, err := e.config.Prober.Probe(ctx, sourceURL)
		if err != nil {
			// The probe only supplies metadata; the download stages decide
			// whether the source is actually reachable.
			e.logger.Warn("source probe failed", "url", sourceURL, "error", err)
			return nil
		}
		st.sourceName = probe.Title
		st.durationMS = probe.DurationMS
		return nil
	}); err != nil {
		return err
	}

	var haveTranscript bool
	if err := e.step(ctx, "subtitle", func() error {
		path, err := e.config.Subtitles.DownloadSubtitle(ctx, sourceURL, staging.Dir())
		if err != nil {
			if errors.Is(err, media.ErrNoSubtitles) {
				e.logger.Debug("no subtitles advertised", "url", sourceURL)
				return nil
			}
			e.logger.Warn("subtitle download failed", "url", sourceURL, "error", err)
			return nil
		}
		segments, err := e.parseSubtitleFile(path)
		if err != nil {
			e.logger.Warn("subtitle unusable, falling back to transcription",
				"url", sourceURL, "error", err)
			_ = os.Remove(path)
			return nil
		}
		if !e.subtitleCovers(segments, st.durationMS) {
			e.logger.Info("subtitle coverage below threshold, falling back to transcription",
				"url", sourceURL)
			_ = os.Remove(path)
			return nil
		}
		if err := staging.AddArtifact(bundle.ArtifactSubtitle, filepath.Base(path)); err != nil {
			return err
		}
		st.subtitlePath = path
		st.segments = segments
		st.transcript = subtitle.Transcript(segments)
		haveTranscript = true
		return nil
	}); err != nil {
		return err
	}
	if haveTranscript {
		return nil
	}

	if err := e.step(ctx, "download", func() error {
		path, err := e.config.Videos.DownloadVideo(ctx, sourceURL, staging.Dir(), e.config.VideoMaxBytes)
		if err != nil {
			return err
		}
		st.videoPath = path
		return staging.AddArtifact(bundle.ArtifactVideo, filepath.Base(path))
	}); err != nil {
		return err
	}

	if err := e.extractAudioStep(ctx, staging, st.videoPath, st); err != nil {
		return err
	}
	return e.transcribeStep(ctx, staging, st)
}

// runLocal executes the uploaded-file branch. The source reference is the
// upload's content hash, so deduplicated uploads resolve to the same record.
func (e *Executor) runLocal(ctx context.Context, fileHash string, staging *bundle.Staging, st *state) error {
	var record *models.UploadRecord
	if err := e.step(ctx, "resolve-upload", func() error {
		rec, err := e.config.Uploads.GetByHash(ctx, fileHash)
		if err != nil {
			return err
		}
		record = rec
		st.sourceName = rec.OriginalName
		return nil
	}); err != nil {
		return err
	}

	switch record.FileType {
	case models.FileTypeSubtitle:
		return e.step(ctx, "subtitle", func() error {
			data, err := os.ReadFile(record.StoredPath)
			if err != nil {
				return err
			}
			segments, err := subtitle.Parse(record.OriginalName, data)
			if err != nil {
				return models.WithKind(models.KindUnsupportedType, err)
			}
			if err := e.addFileArtifact(ctx, staging, bundle.ArtifactSubtitle, record.StoredPath); err != nil {
				return err
			}
			st.subtitlePath = staging.Path(filepath.Base(record.StoredPath))
			st.segments = segments
			st.transcript = subtitle.Transcript(segments)
			if n := len(segments); n > 0 {
				st.durationMS = segments[n-1].EndMS
			}
			return nil
		})
	case models.FileTypeAudio, models.FileTypeVideo:
		if err := e.extractAudioStep(ctx, staging, record.StoredPath, st); err != nil {
			return err
		}
		return e.transcribeStep(ctx, staging, st)
	default:
		return models.Kindf(models.KindInternal, "unknown file type %q", record.FileType)
	}
}

// extractAudioStep converts inputPath to the canonical mono 16 kHz WAV under
// the transcode semaphore. Audio inputs go through the same conversion so the
// transcriber always sees one format.
func (e *Executor) extractAudioStep(ctx context.Context, staging *bundle.Staging, inputPath string, st *state) error {
	return e.step(ctx, "extract-audio", func() error {
		release, err := e.acquireStage(ctx, e.transcodeSem, "transcode")
		if err != nil {
			return err
		}
		defer release()

		wavPath := staging.Path("audio.wav")
		if err := e.config.Audio.ExtractAudio(ctx, inputPath, wavPath); err != nil {
			return err
		}
		st.audioPath = wavPath
		return staging.AddArtifact(bundle.ArtifactAudio, "audio.wav")
	})
}

// transcribeStep runs ASR on the staged WAV and records the transcript
// artifact.
func (e *Executor) transcribeStep(ctx context.Context, staging *bundle.Staging, st *state) error {
	return e.step(ctx, "transcribe", func() error {
		if err := e.transcribeAudio(ctx, st.audioPath, st); err != nil {
			return err
		}
		payload := transcriptArtifact{
			Segments:   st.segments,
			DurationMS: st.durationMS,
			IsSilent:   st.isSilent,
		}
		return staging.AddJSONArtifact(bundle.ArtifactTranscript, "asr.json", payload)
	})
}

// transcriptArtifact is the payload of asr.json.
type transcriptArtifact struct {
	Segments   []subtitle.Segment `json:"segments"`
	DurationMS int64              `json:"duration_ms,omitempty"`
	IsSilent   bool               `json:"is_silent,omitempty"`
}

func (e *Executor) parseSubtitleFile(path string) ([]subtitle.Segment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return subtitle.Parse(path, data)
}

// subtitleCovers applies the coverage gate: the summed caption durations must
// reach the configured share of the video duration. An unknown duration
// passes, since there is nothing to compare against.
func (e *Executor) subtitleCovers(segments []subtitle.Segment, durationMS int64) bool {
	if durationMS <= 0 {
		return true
	}
	covered := subtitle.TotalDuration(segments)
	return float64(covered) >= e.config.CoverageMin*float64(durationMS)
}
