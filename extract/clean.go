package extract

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Tool-artifact fragments ChatGPT leaves in exported content.
var (
	reToolMap    = regexp.MustCompile(`\{?[A-Za-z0-9_]+\}?_map\{[^{}]*\}`)
	reEntityBlob = regexp.MustCompile(`\{"name":[^{}]*"location":[^{}]*"description":[^{}]*\}`)
	reCiteTurn   = regexp.MustCompile(`"cite":"turn\d+search\d+"`)
	reCiteMarker = regexp.MustCompile(`【[^【】]*†[^【】]*】`)
	reCiteNum    = regexp.MustCompile(`\[\d+\]`)
	reManyBlank  = regexp.MustCompile(`\n{3,}`)
	reSpaceRun   = regexp.MustCompile(`[ \t]{2,}`)
)

// CleanText applies the uniform content cleaning every extractor runs once
// at extract time. It strips ChatGPT rendering markers (Unicode Private Use
// Area), tool-artifact fragments and citation markers, normalizes to NFC,
// trims and collapses whitespace, and caps blank runs at one empty line.
// Fenced code blocks pass through untouched so markdown structure survives.
func CleanText(s string) string {
	if s == "" {
		return ""
	}
	s = norm.NFC.String(s)
	s = stripPrivateUse(s)

	s = reToolMap.ReplaceAllString(s, "")
	s = reEntityBlob.ReplaceAllString(s, "")
	s = reCiteTurn.ReplaceAllString(s, "")
	s = reCiteMarker.ReplaceAllString(s, "")
	s = reCiteNum.ReplaceAllString(s, "")

	lines := strings.Split(s, "\n")
	inFence := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
			lines[i] = trimmed
			continue
		}
		if inFence {
			continue
		}
		lines[i] = reSpaceRun.ReplaceAllString(trimmed, " ")
	}
	s = strings.Join(lines, "\n")

	s = reManyBlank.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// stripPrivateUse removes BMP Private Use Area runes (U+E000–U+F8FF),
// which ChatGPT exports use as invisible rendering markers.
func stripPrivateUse(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= 0xE000 && r <= 0xF8FF {
			return -1
		}
		return r
	}, s)
}
