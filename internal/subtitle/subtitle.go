// Package subtitle parses SRT, VTT (including YouTube word-timed VTT), and
// ASS/SSA files into ordered caption segments.
package subtitle

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/unicode/norm"
)

var (
	// ErrUnsupportedFormat reports a file with no recognizable subtitle header.
	ErrUnsupportedFormat = errors.New("unsupported subtitle format")
	// ErrMalformed reports an unrecoverable parse failure.
	ErrMalformed = errors.New("malformed subtitle")
)

// Segment is one caption with millisecond timestamps. TranslatedText is set
// for bilingual sources that carry an original line and its translation.
type Segment struct {
	Text           string `json:"text"`
	StartMS        int64  `json:"start_ms"`
	EndMS          int64  `json:"end_ms"`
	TranslatedText string `json:"translated_text,omitempty"`
}

// Duration returns the segment length in milliseconds.
func (s Segment) Duration() int64 {
	return s.EndMS - s.StartMS
}

// Parse dispatches on the filename extension, falling back to content
// sniffing for unknown extensions. Returned segments are normalized: sorted,
// non-overlapping, with consecutive duplicate texts merged.
func Parse(filename string, data []byte) ([]Segment, error) {
	content, err := decodeText(data)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".srt":
		return ParseSRT(content)
	case ".vtt":
		if strings.Contains(content, "<c>") {
			return ParseYouTubeVTT(content)
		}
		return ParseVTT(content)
	case ".ass", ".ssa":
		return ParseASS(content)
	default:
		return parseSniffed(content)
	}
}

func parseSniffed(content string) ([]Segment, error) {
	trimmed := strings.TrimSpace(content)
	switch {
	case strings.HasPrefix(trimmed, "WEBVTT"):
		if strings.Contains(content, "<c>") {
			return ParseYouTubeVTT(content)
		}
		return ParseVTT(content)
	case strings.Contains(content, "[Script Info]") || strings.Contains(content, "[Events]"):
		return ParseASS(content)
	case srtTimingPattern.MatchString(content):
		return ParseSRT(content)
	default:
		return nil, fmt.Errorf("%w: no recognizable header", ErrUnsupportedFormat)
	}
}

// decodeText interprets the raw bytes as UTF-8, falling back to GBK for
// legacy Chinese subtitle files.
func decodeText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
	if utf8.Valid(data) {
		return string(data), nil
	}
	decoded, err := simplifiedchinese.GBK.NewDecoder().Bytes(data)
	if err != nil {
		return "", fmt.Errorf("%w: not valid UTF-8 or GBK text", ErrMalformed)
	}
	return string(decoded), nil
}

// Transcript joins segment texts with newlines.
func Transcript(segments []Segment) string {
	var b strings.Builder
	for i, seg := range segments {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(seg.Text)
	}
	return b.String()
}

// TotalDuration sums segment durations in milliseconds. Coverage against a
// known video duration divides this sum, not the first-to-last span.
func TotalDuration(segments []Segment) int64 {
	var total int64
	for _, seg := range segments {
		if d := seg.Duration(); d > 0 {
			total += d
		}
	}
	return total
}

var inlineTagPattern = regexp.MustCompile(`<[^>]*>`)

func cleanText(text string) string {
	text = inlineTagPattern.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "&nbsp;", " ")
	text = strings.ReplaceAll(text, "&amp;", "&")
	text = strings.ReplaceAll(text, "&lt;", "<")
	text = strings.ReplaceAll(text, "&gt;", ">")
	return norm.NFC.String(strings.TrimSpace(text))
}

// normalize orders segments, clamps overlaps, and merges consecutive
// identical texts. An empty result after normalization is malformed: nothing
// could be recovered from the file.
func normalize(segments []Segment) ([]Segment, error) {
	kept := segments[:0]
	for _, seg := range segments {
		if seg.Text == "" && seg.TranslatedText == "" {
			continue
		}
		if seg.EndMS < seg.StartMS {
			seg.EndMS = seg.StartMS
		}
		kept = append(kept, seg)
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("%w: no usable segments", ErrMalformed)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].StartMS < kept[j].StartMS
	})

	out := kept[:0]
	for _, seg := range kept {
		if len(out) > 0 {
			prev := &out[len(out)-1]
			if seg.Text == prev.Text && seg.TranslatedText == prev.TranslatedText {
				if seg.EndMS > prev.EndMS {
					prev.EndMS = seg.EndMS
				}
				continue
			}
			if seg.StartMS < prev.EndMS {
				seg.StartMS = prev.EndMS
				if seg.EndMS < seg.StartMS {
					seg.EndMS = seg.StartMS
				}
			}
		}
		out = append(out, seg)
	}
	return out, nil
}
