package media

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"videosummary/internal/models"
)

// FFmpegConfig configures the ffmpeg wrapper.
type FFmpegConfig struct {
	// Binary is the ffmpeg executable; empty means "ffmpeg" on PATH.
	Binary string
	Logger *slog.Logger
}

// FFmpeg extracts audio tracks and measures loudness by shelling out to
// ffmpeg.
type FFmpeg struct {
	binary string
	logger *slog.Logger
}

// NewFFmpeg builds an ffmpeg wrapper with the given configuration.
func NewFFmpeg(cfg FFmpegConfig) *FFmpeg {
	binary := strings.TrimSpace(cfg.Binary)
	if binary == "" {
		binary = "ffmpeg"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpeg{binary: binary, logger: logger}
}

// ExtractAudio converts inputPath to mono 16 kHz 16-bit PCM WAV, the format
// the ASR services accept.
func (f *FFmpeg) ExtractAudio(ctx context.Context, inputPath, wavPath string) error {
	args := []string{
		"-y",
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-acodec", "pcm_s16le",
		wavPath,
	}
	_, err := f.run(ctx, args...)
	if err != nil {
		return fmt.Errorf("extract audio from %s: %w", inputPath, err)
	}
	return nil
}

var meanVolumePattern = regexp.MustCompile(`mean_volume:\s*(-?\d+(?:\.\d+)?)\s*dB`)

// MeasureRMS runs the volumedetect filter over wavPath and returns the mean
// volume in dBFS. Silent audio reports values around -91 dB.
func (f *FFmpeg) MeasureRMS(ctx context.Context, wavPath string) (float64, error) {
	args := []string{
		"-i", wavPath,
		"-af", "volumedetect",
		"-f", "null",
		"-",
	}
	stderr, err := f.run(ctx, args...)
	if err != nil {
		return 0, fmt.Errorf("measure volume of %s: %w", wavPath, err)
	}
	return parseMeanVolume(stderr)
}

func parseMeanVolume(output []byte) (float64, error) {
	match := meanVolumePattern.FindSubmatch(output)
	if match == nil {
		return 0, models.Kindf(models.KindUpstream, "volumedetect reported no mean_volume")
	}
	value, err := strconv.ParseFloat(string(match[1]), 64)
	if err != nil {
		return 0, models.Kindf(models.KindUpstream, "parse mean_volume: %v", err)
	}
	return value, nil
}

// run executes ffmpeg and returns its stderr, where ffmpeg writes both
// progress and filter reports.
func (f *FFmpeg) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, f.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	f.logger.Debug("ffmpeg finished",
		"args", strings.Join(args, " "),
		"elapsed_ms", time.Since(start).Milliseconds(),
		"error", err)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		detail := strings.TrimSpace(stderr.String())
		if idx := strings.LastIndexByte(detail, '\n'); idx >= 0 {
			detail = detail[idx+1:]
		}
		return nil, models.Kindf(models.KindUpstream, "ffmpeg: %s", detail)
	}
	return stderr.Bytes(), nil
}
