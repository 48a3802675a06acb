package subtitle

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	vttTimingPattern = regexp.MustCompile(`(?:(\d{1,2}):)?(\d{2}):(\d{2})\.(\d{3})\s*-->\s*(?:(\d{1,2}):)?(\d{2}):(\d{2})\.(\d{3})`)
	wordTimePattern  = regexp.MustCompile(`<(\d{2}:\d{2}:\d{2}\.\d{3})>([^<]*)`)
)

// ParseVTT parses WebVTT content. NOTE, STYLE, and REGION blocks are skipped,
// as are cue identifier lines; inline timing and <c> tags are stripped.
func ParseVTT(content string) ([]Segment, error) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "WEBVTT") {
		return nil, fmt.Errorf("%w: missing WEBVTT header", ErrMalformed)
	}

	var segments []Segment
	for _, block := range blockSplit.Split(trimmed, -1) {
		lines := splitLines(block)
		if len(lines) == 0 {
			continue
		}
		first := lines[0]
		if strings.HasPrefix(first, "WEBVTT") || strings.HasPrefix(first, "NOTE") ||
			strings.HasPrefix(first, "STYLE") || strings.HasPrefix(first, "REGION") {
			continue
		}

		timingIdx := -1
		var match []string
		for i := 0; i < len(lines) && i < 2; i++ {
			if m := vttTimingPattern.FindStringSubmatch(lines[i]); m != nil {
				timingIdx = i
				match = m
				break
			}
		}
		if timingIdx < 0 || timingIdx+1 >= len(lines) {
			continue
		}

		start := vttTimestampMS(match[1], match[2], match[3], match[4])
		end := vttTimestampMS(match[5], match[6], match[7], match[8])
		text := cleanText(strings.Join(lines[timingIdx+1:], " "))
		segments = append(segments, Segment{Text: text, StartMS: start, EndMS: end})
	}
	return normalize(segments)
}

// ParseYouTubeVTT parses YouTube auto-caption VTT, which repeats each caption
// as a rolling window and carries word-level timing in <c> tags. Only the
// word-timed line of each cue is used, which yields word segments without the
// rolled-over duplicates.
func ParseYouTubeVTT(content string) ([]Segment, error) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "WEBVTT") {
		return nil, fmt.Errorf("%w: missing WEBVTT header", ErrMalformed)
	}

	var segments []Segment
	for _, block := range blockSplit.Split(trimmed, -1) {
		lines := splitLines(block)
		if len(lines) == 0 {
			continue
		}
		match := vttTimingPattern.FindStringSubmatch(lines[0])
		if match == nil {
			continue
		}

		wordLine := ""
		for _, line := range lines[1:] {
			if strings.Contains(line, "<c>") {
				wordLine = line
				break
			}
		}
		if wordLine == "" {
			continue
		}

		// Bracket the line with the cue boundaries so every word has a
		// following timestamp to close its interval.
		cueStart := fmt.Sprintf("%s:%s:%s.%s", orZero(match[1]), match[2], match[3], match[4])
		cueEnd := fmt.Sprintf("%s:%s:%s.%s", orZero(match[5]), match[6], match[7], match[8])
		wordLine = strings.ReplaceAll(wordLine, "<c>", "")
		wordLine = strings.ReplaceAll(wordLine, "</c>", "")
		timed := "<" + cueStart + ">" + wordLine + "<" + cueEnd + ">"

		words := wordTimePattern.FindAllStringSubmatch(timed, -1)
		for i := 0; i+1 < len(words); i++ {
			word := cleanText(words[i][2])
			if word == "" {
				continue
			}
			segments = append(segments, Segment{
				Text:    word,
				StartMS: wordTimestampMS(words[i][1]),
				EndMS:   wordTimestampMS(words[i+1][1]),
			})
		}
	}
	return normalize(segments)
}

func orZero(capture string) string {
	if capture == "" {
		return "00"
	}
	return capture
}

func vttTimestampMS(h, m, s, frac string) int64 {
	if h == "" {
		h = "0"
	}
	return timestampMS(h, m, s, frac)
}

func wordTimestampMS(ts string) int64 {
	parts := strings.SplitN(ts, ":", 3)
	if len(parts) != 3 {
		return 0
	}
	secFrac := strings.SplitN(parts[2], ".", 2)
	frac := "000"
	if len(secFrac) == 2 {
		frac = secFrac[1]
	}
	return timestampMS(parts[0], parts[1], secFrac[0], frac)
}
