// Package media wraps the external tools and services the pipeline depends
// on: yt-dlp for probing and downloading remote sources, ffmpeg for audio
// extraction, an HTTP ASR service for transcription, and an OpenAI-style
// chat endpoint for summarization.
package media

import "context"

// ProbeResult describes a remote video source without downloading it.
type ProbeResult struct {
	Extractor    string `json:"extractor"`
	VideoID      string `json:"id"`
	Title        string `json:"title"`
	DurationMS   int64  `json:"duration_ms"`
	HasSubtitles bool   `json:"has_subtitles"`
}

// TranscriptSegment is one recognized utterance with millisecond timestamps.
type TranscriptSegment struct {
	Text    string `json:"text"`
	StartMS int64  `json:"start_ms"`
	EndMS   int64  `json:"end_ms"`
}

// Transcript is the full ASR output for one audio file.
type Transcript struct {
	Segments []TranscriptSegment `json:"segments"`
	Language string              `json:"language,omitempty"`
}

// Text joins segment texts with newlines.
func (t Transcript) Text() string {
	out := ""
	for i, seg := range t.Segments {
		if i > 0 {
			out += "\n"
		}
		out += seg.Text
	}
	return out
}

// Prober extracts identity and duration from a remote URL.
type Prober interface {
	Probe(ctx context.Context, url string) (*ProbeResult, error)
}

// SubtitleDownloader fetches advertised subtitles for a remote URL into
// destDir and returns the path of the downloaded file, or ErrNoSubtitles.
type SubtitleDownloader interface {
	DownloadSubtitle(ctx context.Context, url, destDir string) (string, error)
}

// VideoDownloader fetches the remote video into destDir and returns the path
// of the downloaded file. maxBytes bounds the admissible file size.
type VideoDownloader interface {
	DownloadVideo(ctx context.Context, url, destDir string, maxBytes int64) (string, error)
}

// AudioExtractor converts a media file to mono 16 kHz WAV and measures its
// mean volume in dBFS for silence detection.
type AudioExtractor interface {
	ExtractAudio(ctx context.Context, inputPath, wavPath string) error
	MeasureRMS(ctx context.Context, wavPath string) (float64, error)
}

// Transcriber produces a transcript from a WAV file.
type Transcriber interface {
	Transcribe(ctx context.Context, wavPath string) (*Transcript, error)
}

// Summarizer turns text into a natural-language summary.
type Summarizer interface {
	Summarize(ctx context.Context, prompt, text string) (string, error)
}
