package media

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"videosummary/internal/models"
)

// ASRConfig configures the HTTP transcription client.
type ASRConfig struct {
	// BaseURL is the root of the ASR service, e.g. http://asr:9100.
	BaseURL string
	// Token authorizes requests when the service requires it.
	Token string
	// Timeout bounds a single transcription request, including the upload.
	Timeout time.Duration
	Client  *http.Client
	Logger  *slog.Logger
	Retry   retryPolicy
}

// ASRClient streams WAV files to a remote speech-recognition service and
// decodes the segment list it returns.
type ASRClient struct {
	baseURL string
	token   string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
	retry   retryPolicy
}

// NewASRClient builds a transcription client.
func NewASRClient(cfg ASRConfig) *ASRClient {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	retry := cfg.Retry
	if retry.attempts == 0 {
		retry = defaultRetryPolicy()
	}
	return &ASRClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		timeout: timeout,
		client:  client,
		logger:  logger,
		retry:   retry,
	}
}

type asrResponse struct {
	Segments []TranscriptSegment `json:"segments"`
	Language string              `json:"language"`
}

// Transcribe uploads the WAV file as multipart form data and returns the
// recognized segments. The file is re-streamed from disk on each retry so no
// attempt sees a partially consumed body.
func (c *ASRClient) Transcribe(ctx context.Context, wavPath string) (*Transcript, error) {
	var transcript *Transcript
	err := c.retry.do(ctx, c.logger, "asr.transcribe", func() error {
		result, err := c.transcribeOnce(ctx, wavPath)
		if err != nil {
			return err
		}
		transcript = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return transcript, nil
}

func (c *ASRClient) transcribeOnce(ctx context.Context, wavPath string) (*Transcript, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	file, err := os.Open(wavPath)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	defer file.Close()

	// The multipart body is produced by a pipe so the WAV streams straight
	// from disk into the request without buffering in memory.
	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	go func() {
		part, err := writer.CreateFormFile("file", filepath.Base(wavPath))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, file); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(writer.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transcribe", pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, markTransient(fmt.Errorf("asr %s: %s", resp.Status, strings.TrimSpace(string(data))))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, models.Kindf(models.KindUpstream, "asr %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	var decoded asrResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, models.Kindf(models.KindUpstream, "decode asr response: %v", err)
	}
	return &Transcript{Segments: decoded.Segments, Language: decoded.Language}, nil
}
