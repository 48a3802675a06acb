package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"videosummary/internal/models"
)

// ErrNoSubtitles reports that the source advertises no usable subtitles.
var ErrNoSubtitles = errors.New("no subtitles available")

// YtDlpConfig configures the yt-dlp wrapper.
type YtDlpConfig struct {
	// Binary is the yt-dlp executable; empty means "yt-dlp" on PATH.
	Binary string
	// SubtitleLangs lists preferred subtitle languages in priority order.
	SubtitleLangs []string
	// SubtitleTimeout bounds one subtitle download.
	SubtitleTimeout time.Duration
	// ProbeTimeout bounds one metadata probe.
	ProbeTimeout time.Duration
	Logger       *slog.Logger
}

// YtDlp probes and downloads remote sources by shelling out to yt-dlp.
type YtDlp struct {
	binary          string
	subtitleLangs   []string
	subtitleTimeout time.Duration
	probeTimeout    time.Duration
	logger          *slog.Logger
}

// NewYtDlp builds a yt-dlp wrapper with the given configuration.
func NewYtDlp(cfg YtDlpConfig) *YtDlp {
	binary := strings.TrimSpace(cfg.Binary)
	if binary == "" {
		binary = "yt-dlp"
	}
	langs := cfg.SubtitleLangs
	if len(langs) == 0 {
		langs = []string{"en", "zh-Hans", "zh"}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	subtitleTimeout := cfg.SubtitleTimeout
	if subtitleTimeout <= 0 {
		subtitleTimeout = 30 * time.Second
	}
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 30 * time.Second
	}
	return &YtDlp{
		binary:          binary,
		subtitleLangs:   langs,
		subtitleTimeout: subtitleTimeout,
		probeTimeout:    probeTimeout,
		logger:          logger,
	}
}

type ytdlpInfo struct {
	Extractor         string                     `json:"extractor_key"`
	ID                string                     `json:"id"`
	Title             string                     `json:"title"`
	Duration          float64                    `json:"duration"`
	Subtitles         map[string]json.RawMessage `json:"subtitles"`
	AutomaticCaptions map[string]json.RawMessage `json:"automatic_captions"`
}

// Probe runs a metadata-only extraction and reports identity, title,
// duration, and whether any subtitle track is advertised.
func (y *YtDlp) Probe(ctx context.Context, url string) (*ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, y.probeTimeout)
	defer cancel()

	out, err := y.run(ctx, "--no-download", "--no-warnings", "-J", url)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", url, err)
	}

	var info ytdlpInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, models.Kindf(models.KindUpstream, "parse probe output: %v", err)
	}
	return &ProbeResult{
		Extractor:    strings.ToLower(info.Extractor),
		VideoID:      info.ID,
		Title:        info.Title,
		DurationMS:   int64(info.Duration * 1000),
		HasSubtitles: len(info.Subtitles) > 0 || len(info.AutomaticCaptions) > 0,
	}, nil
}

// DownloadSubtitle fetches the best advertised subtitle track into destDir
// and returns its path. Manual subtitles are preferred over auto captions.
func (y *YtDlp) DownloadSubtitle(ctx context.Context, url, destDir string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, y.subtitleTimeout)
	defer cancel()

	args := []string{
		"--skip-download",
		"--no-warnings",
		"--write-subs",
		"--write-auto-subs",
		"--sub-langs", strings.Join(y.subtitleLangs, ","),
		"--sub-format", "vtt/srt/best",
		"-o", filepath.Join(destDir, "subtitle.%(ext)s"),
		url,
	}
	if _, err := y.run(ctx, args...); err != nil {
		return "", fmt.Errorf("download subtitles for %s: %w", url, err)
	}

	path, err := firstMatch(destDir, "subtitle*.vtt", "subtitle*.srt", "subtitle*.ass")
	if err != nil {
		return "", err
	}
	if path == "" {
		return "", ErrNoSubtitles
	}
	return path, nil
}

// DownloadVideo fetches the remote video into destDir, preferring a single
// mp4 stream, and returns its path. maxBytes is passed through to yt-dlp so
// oversized sources are rejected before transfer.
func (y *YtDlp) DownloadVideo(ctx context.Context, url, destDir string, maxBytes int64) (string, error) {
	args := []string{
		"--no-warnings",
		"-f", "best[ext=mp4]/best",
		"-o", filepath.Join(destDir, "video.%(ext)s"),
	}
	if maxBytes > 0 {
		args = append(args, "--max-filesize", strconv.FormatInt(maxBytes, 10))
	}
	args = append(args, url)

	if _, err := y.run(ctx, args...); err != nil {
		return "", fmt.Errorf("download video %s: %w", url, err)
	}

	path, err := firstMatch(destDir, "video.*")
	if err != nil {
		return "", err
	}
	if path == "" {
		return "", models.Kindf(models.KindUpstream, "downloader produced no video file")
	}
	return path, nil
}

func (y *YtDlp) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, y.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	y.logger.Debug("yt-dlp finished",
		"args", strings.Join(args, " "),
		"elapsed_ms", time.Since(start).Milliseconds(),
		"error", err)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return nil, models.Kindf(models.KindUpstream, "yt-dlp: %s", firstLine(detail))
	}
	return stdout.Bytes(), nil
}

// firstMatch returns the first file matching any of the glob patterns inside
// dir, trying patterns in order.
func firstMatch(dir string, patterns ...string) (string, error) {
	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return "", err
		}
		for _, match := range matches {
			info, err := os.Stat(match)
			if err == nil && info.Mode().IsRegular() && info.Size() > 0 {
				return match, nil
			}
		}
	}
	return "", nil
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
