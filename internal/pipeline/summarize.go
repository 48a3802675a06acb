package pipeline

import (
	"context"
	"fmt"
	"strings"
)

// summarize turns the transcript into a summary. Long transcripts are split
// into overlapping chunks that are summarized independently and then merged;
// a suspiciously short merged summary triggers one unchunked retry.
func (e *Executor) summarize(ctx context.Context, transcript string, isSilent bool) (string, error) {
	text := strings.TrimSpace(transcript)
	if isSilent || text == "" {
		text = emptyTranscriptMarker
	}

	chunks := chunkRunes(text, e.config.ChunkSizeChars, e.config.ChunkOverlapChars)
	if len(chunks) == 1 {
		return e.config.LLM.Summarize(ctx, e.config.Prompt, chunks[0])
	}

	partials := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		partial, err := e.config.LLM.Summarize(ctx, e.config.Prompt, chunk)
		if err != nil {
			return "", fmt.Errorf("summarize chunk %d/%d: %w", i+1, len(chunks), err)
		}
		partials = append(partials, strings.TrimSpace(partial))
	}

	merged, err := e.config.LLM.Summarize(ctx, e.config.MergePrompt, joinPartials(partials))
	if err != nil {
		return "", fmt.Errorf("merge partial summaries: %w", err)
	}
	merged = strings.TrimSpace(merged)

	if len([]rune(merged)) < e.config.SummaryMinChars {
		// Chunked summarization occasionally collapses to a one-liner; one
		// pass over the whole transcript usually recovers.
		e.logger.Info("merged summary too short, retrying unchunked",
			"summary_chars", len([]rune(merged)))
		retry, retryErr := e.config.LLM.Summarize(ctx, e.config.Prompt, text)
		if retryErr != nil {
			e.logger.Warn("unchunked retry failed, keeping merged summary", "error", retryErr)
			return merged, nil
		}
		retry = strings.TrimSpace(retry)
		if len([]rune(retry)) > len([]rune(merged)) {
			return retry, nil
		}
	}
	return merged, nil
}

func joinPartials(partials []string) string {
	var b strings.Builder
	for i, partial := range partials {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "Section %d:\n%s", i+1, partial)
	}
	return b.String()
}

// chunkRunes splits text into windows of at most size runes, carrying overlap
// runes from the end of each window into the next so sentences cut at a
// boundary keep their context.
func chunkRunes(text string, size, overlap int) []string {
	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}
	step := size - overlap
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}
