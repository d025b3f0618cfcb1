package shared

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var controlMarkerPattern = regexp.MustCompile(`</s>+`)

// StripControlMarkers removes end-of-sequence markers some models leak
// into their output.
func StripControlMarkers(s string) string {
	return strings.TrimSpace(controlMarkerPattern.ReplaceAllString(s, ""))
}

// CapAtSentence truncates s to at most limit characters, cutting back to
// the last full sentence so the tail never ends mid-thought. If no period
// exists inside the limit, it falls back to a hard cut.
func CapAtSentence(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := s[:limit]
	if idx := strings.LastIndex(cut, "."); idx > 0 {
		return cut[:idx] + "."
	}
	// Hard cut: back up so the cut never splits a multi-byte rune.
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

// CollapseLines strips each line, drops blank lines, and rejoins with sep.
func CollapseLines(s, sep string) string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, sep)
}
