package subtitle

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	assTimePattern     = regexp.MustCompile(`^(\d+):(\d{2}):(\d{2})\.(\d{2})$`)
	assOverridePattern = regexp.MustCompile(`\{[^}]*\}`)
)

// ParseASS parses ASS/SSA dialogue events. When a script carries both
// Default and Secondary styles the events pair up per timestamp into
// bilingual segments: the Secondary line is the original text and the
// Default line its translation.
func ParseASS(content string) ([]Segment, error) {
	hasDefault := strings.Contains(content, "Dialogue:") && strings.Contains(content, ",Default,")
	hasSecondary := strings.Contains(content, ",Secondary,")
	bilingual := hasDefault && hasSecondary

	var segments []Segment
	pending := make(map[string]*Segment)
	var pendingOrder []string

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimRight(line, "\r")
		if !strings.HasPrefix(line, "Dialogue:") {
			continue
		}
		fields := strings.SplitN(strings.TrimPrefix(line, "Dialogue:"), ",", 10)
		if len(fields) < 10 {
			continue
		}

		start, ok := assTimestampMS(strings.TrimSpace(fields[1]))
		if !ok {
			continue
		}
		end, ok := assTimestampMS(strings.TrimSpace(fields[2]))
		if !ok {
			continue
		}
		style := strings.TrimSpace(fields[3])
		text := assOverridePattern.ReplaceAllString(fields[9], "")
		text = strings.ReplaceAll(text, `\N`, "\n")
		text = strings.ReplaceAll(text, `\n`, "\n")
		text = cleanText(text)
		if text == "" {
			continue
		}

		if !bilingual {
			segments = append(segments, Segment{Text: text, StartMS: start, EndMS: end})
			continue
		}

		key := strconv.FormatInt(start, 10) + "-" + strconv.FormatInt(end, 10)
		if partial, exists := pending[key]; exists {
			if style == "Default" {
				partial.TranslatedText = text
			} else {
				partial.Text = text
			}
			segments = append(segments, *partial)
			delete(pending, key)
			continue
		}
		seg := &Segment{StartMS: start, EndMS: end}
		if style == "Default" {
			seg.TranslatedText = text
		} else {
			seg.Text = text
		}
		pending[key] = seg
		pendingOrder = append(pendingOrder, key)
	}

	// Unpaired bilingual lines still count as segments.
	for _, key := range pendingOrder {
		if seg, exists := pending[key]; exists {
			segments = append(segments, *seg)
		}
	}

	return normalize(segments)
}

func assTimestampMS(ts string) (int64, bool) {
	match := assTimePattern.FindStringSubmatch(ts)
	if match == nil {
		return 0, false
	}
	hours, _ := strconv.ParseInt(match[1], 10, 64)
	minutes, _ := strconv.ParseInt(match[2], 10, 64)
	seconds, _ := strconv.ParseInt(match[3], 10, 64)
	centis, _ := strconv.ParseInt(match[4], 10, 64)
	return hours*3_600_000 + minutes*60_000 + seconds*1_000 + centis*10, true
}
