package extract

import (
	"regexp"
	"time"
)

// EpochSeconds normalizes a numeric timestamp across units (seconds,
// milliseconds, nanoseconds — OpenWebUI exports mix all three) to Unix
// seconds. Non-positive input returns 0.
func EpochSeconds(v float64) int64 {
	if v <= 0 {
		return 0
	}
	switch {
	case v >= 1e16: // nanoseconds
		return int64(v / 1e9)
	case v >= 1e12: // milliseconds
		return int64(v / 1e3)
	default:
		return int64(v)
	}
}

// isoLayouts are tried in order when parsing ISO-8601 strings. Claude
// exports use RFC 3339 with fractional seconds and a Z suffix.
var isoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseISO parses an ISO-8601 timestamp to Unix seconds. Strings without an
// explicit zone are taken as UTC. Returns (0, false) on failure; callers
// drop the field rather than fail the import.
func ParseISO(s string) (int64, bool) {
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Unix(), true
		}
	}
	return 0, false
}

// Loose date shapes found in transcript prose: ISO, MM/DD/YYYY,
// "Month D, YYYY".
var (
	reDateISO   = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	reDateUS    = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{4})\b`)
	reDateLong  = regexp.MustCompile(`\b(January|February|March|April|May|June|July|August|September|October|November|December)\s+(\d{1,2}),\s+(\d{4})\b`)
	longLayout  = "January 2, 2006"
	usLayout    = "1/2/2006"
	shortLayout = "2006-01-02"
)

// ScanDates extracts every parseable date from free text as Unix seconds
// (midnight UTC). DOCX/PDF transcripts use these as conversation-level
// timestamp candidates.
func ScanDates(text string) []int64 {
	var out []int64
	for _, m := range reDateISO.FindAllString(text, -1) {
		if t, err := time.Parse(shortLayout, m); err == nil {
			out = append(out, t.Unix())
		}
	}
	for _, m := range reDateUS.FindAllString(text, -1) {
		if t, err := time.Parse(usLayout, m); err == nil {
			out = append(out, t.Unix())
		}
	}
	for _, m := range reDateLong.FindAllString(text, -1) {
		if t, err := time.Parse(longLayout, m); err == nil {
			out = append(out, t.Unix())
		}
	}
	return out
}
