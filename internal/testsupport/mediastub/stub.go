// Package mediastub provides in-memory stand-ins for the external media
// adapters so handler and pipeline tests run without yt-dlp, ffmpeg, or
// network services.
package mediastub

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"

	"videosummary/internal/media"
)

// Stack implements every adapter interface the pipeline consumes. Zero-value
// behavior is a healthy happy path: probes succeed, subtitles are available,
// transcription yields one segment, and summaries are non-empty. Override
// the function fields to steer individual stages.
type Stack struct {
	ProbeFunc      func(ctx context.Context, url string) (*media.ProbeResult, error)
	SubtitleFunc   func(ctx context.Context, url, destDir string) (string, error)
	VideoFunc      func(ctx context.Context, url, destDir string, maxBytes int64) (string, error)
	ExtractFunc    func(ctx context.Context, inputPath, wavPath string) error
	MeasureFunc    func(ctx context.Context, wavPath string) (float64, error)
	TranscribeFunc func(ctx context.Context, wavPath string) (*media.Transcript, error)
	SummarizeFunc  func(ctx context.Context, prompt, text string) (string, error)

	mu         sync.Mutex
	summarized int
}

var _ media.Prober = (*Stack)(nil)
var _ media.SubtitleDownloader = (*Stack)(nil)
var _ media.VideoDownloader = (*Stack)(nil)
var _ media.AudioExtractor = (*Stack)(nil)
var _ media.Transcriber = (*Stack)(nil)
var _ media.Summarizer = (*Stack)(nil)

// defaultSubtitle covers 100 seconds of a 100-second source, so the
// subtitle-first path validates and no download runs.
const defaultSubtitle = `WEBVTT

00:00:00.000 --> 00:00:50.000
This is the first half of the stub transcript.

00:00:50.000 --> 00:01:40.000
And this is the second half of the stub transcript.
`

func (s *Stack) Probe(ctx context.Context, url string) (*media.ProbeResult, error) {
	if s.ProbeFunc != nil {
		return s.ProbeFunc(ctx, url)
	}
	sum := sha1.Sum([]byte(url))
	return &media.ProbeResult{
		Extractor:    "stub",
		VideoID:      hex.EncodeToString(sum[:8]),
		Title:        "stub video",
		DurationMS:   100_000,
		HasSubtitles: true,
	}, nil
}

func (s *Stack) DownloadSubtitle(ctx context.Context, url, destDir string) (string, error) {
	if s.SubtitleFunc != nil {
		return s.SubtitleFunc(ctx, url, destDir)
	}
	path := filepath.Join(destDir, "subtitle.vtt")
	if err := os.WriteFile(path, []byte(defaultSubtitle), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (s *Stack) DownloadVideo(ctx context.Context, url, destDir string, maxBytes int64) (string, error) {
	if s.VideoFunc != nil {
		return s.VideoFunc(ctx, url, destDir, maxBytes)
	}
	path := filepath.Join(destDir, "video.mp4")
	if err := os.WriteFile(path, []byte("stub video bytes"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (s *Stack) ExtractAudio(ctx context.Context, inputPath, wavPath string) error {
	if s.ExtractFunc != nil {
		return s.ExtractFunc(ctx, inputPath, wavPath)
	}
	return os.WriteFile(wavPath, []byte("RIFF stub wav"), 0o644)
}

func (s *Stack) MeasureRMS(ctx context.Context, wavPath string) (float64, error) {
	if s.MeasureFunc != nil {
		return s.MeasureFunc(ctx, wavPath)
	}
	return -20, nil
}

func (s *Stack) Transcribe(ctx context.Context, wavPath string) (*media.Transcript, error) {
	if s.TranscribeFunc != nil {
		return s.TranscribeFunc(ctx, wavPath)
	}
	return &media.Transcript{Segments: []media.TranscriptSegment{
		{Text: "stub transcript of the audio", StartMS: 0, EndMS: 100_000},
	}}, nil
}

func (s *Stack) Summarize(ctx context.Context, prompt, text string) (string, error) {
	s.mu.Lock()
	s.summarized++
	s.mu.Unlock()
	if s.SummarizeFunc != nil {
		return s.SummarizeFunc(ctx, prompt, text)
	}
	return "a concise stub summary of the source", nil
}

// SummarizeCalls reports how many times Summarize ran.
func (s *Stack) SummarizeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summarized
}
