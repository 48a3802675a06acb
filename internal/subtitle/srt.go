package subtitle

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	srtTimingPattern = regexp.MustCompile(`(\d{1,2}):(\d{2}):(\d{1,2})[.,](\d{1,3})\s*-->\s*(\d{1,2}):(\d{2}):(\d{1,2})[.,](\d{1,3})`)
	blockSplit       = regexp.MustCompile(`\r?\n\s*\r?\n`)
)

// ParseSRT parses SubRip content. Blocks missing a timing line are skipped so
// one damaged cue does not discard the rest of the file.
func ParseSRT(content string) ([]Segment, error) {
	var segments []Segment
	for _, block := range blockSplit.Split(strings.TrimSpace(content), -1) {
		lines := splitLines(block)
		if len(lines) == 0 {
			continue
		}

		timingIdx := -1
		var match []string
		for i := 0; i < len(lines) && i < 2; i++ {
			if m := srtTimingPattern.FindStringSubmatch(lines[i]); m != nil {
				timingIdx = i
				match = m
				break
			}
		}
		if timingIdx < 0 || timingIdx+1 >= len(lines) {
			continue
		}

		start := timestampMS(match[1], match[2], match[3], match[4])
		end := timestampMS(match[5], match[6], match[7], match[8])
		text := cleanText(strings.Join(lines[timingIdx+1:], " "))
		segments = append(segments, Segment{Text: text, StartMS: start, EndMS: end})
	}
	return normalize(segments)
}

func splitLines(block string) []string {
	raw := strings.Split(strings.ReplaceAll(block, "\r\n", "\n"), "\n")
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// timestampMS converts h/m/s/fraction captures to milliseconds. The fraction
// is padded so "5" means 500ms, not 5ms.
func timestampMS(h, m, s, frac string) int64 {
	hours, _ := strconv.ParseInt(h, 10, 64)
	minutes, _ := strconv.ParseInt(m, 10, 64)
	seconds, _ := strconv.ParseInt(s, 10, 64)
	for len(frac) < 3 {
		frac += "0"
	}
	millis, _ := strconv.ParseInt(frac[:3], 10, 64)
	return hours*3_600_000 + minutes*60_000 + seconds*1_000 + millis
}
