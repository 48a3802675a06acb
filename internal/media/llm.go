package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"videosummary/internal/models"
)

// LLMConfig configures the summarizing language-model client.
type LLMConfig struct {
	// BaseURL is the root of an OpenAI-compatible API.
	BaseURL string
	// APIKey authorizes requests.
	APIKey string
	// Model names the chat model used for summaries.
	Model string
	// MaxTokens bounds the generated summary length.
	MaxTokens int
	// Timeout bounds a single completion request.
	Timeout time.Duration
	Client  *http.Client
	Logger  *slog.Logger
	Retry   retryPolicy
}

// LLMClient produces summaries through an OpenAI-style chat-completions
// endpoint.
type LLMClient struct {
	baseURL   string
	apiKey    string
	model     string
	maxTokens int
	timeout   time.Duration
	client    *http.Client
	logger    *slog.Logger
	retry     retryPolicy
}

// NewLLMClient builds a summarization client.
func NewLLMClient(cfg LLMConfig) *LLMClient {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-3.5-turbo"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1000
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	retry := cfg.Retry
	if retry.attempts == 0 {
		retry = defaultRetryPolicy()
	}
	return &LLMClient{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		model:     model,
		maxTokens: maxTokens,
		timeout:   timeout,
		client:    client,
		logger:    logger,
		retry:     retry,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Summarize sends prompt as the system message and text as the user message,
// returning the model's reply.
func (c *LLMClient) Summarize(ctx context.Context, prompt, text string) (string, error) {
	var summary string
	err := c.retry.do(ctx, c.logger, "llm.summarize", func() error {
		result, err := c.summarizeOnce(ctx, prompt, text)
		if err != nil {
			return err
		}
		summary = result
		return nil
	})
	if err != nil {
		return "", err
	}
	return summary, nil
}

func (c *LLMClient) summarizeOnce(ctx context.Context, prompt, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: prompt},
			{Role: "user", Content: text},
		},
		MaxTokens: c.maxTokens,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", markTransient(fmt.Errorf("llm %s: %s", resp.Status, strings.TrimSpace(string(data))))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", models.Kindf(models.KindUpstream, "llm %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", models.Kindf(models.KindUpstream, "decode llm response: %v", err)
	}
	if len(decoded.Choices) == 0 {
		return "", models.Kindf(models.KindUpstream, "llm returned no choices")
	}
	return strings.TrimSpace(decoded.Choices[0].Message.Content), nil
}
