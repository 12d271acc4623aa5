package extract

import (
	"path/filepath"
	"regexp"
	"strings"

	chatvault "github.com/chatvault/chatvault"
)

// reRoleHeading matches a speaker heading line in an exported transcript:
// "You said:", "ChatGPT said:", "Claude:", "User", "Assistant:", "System:".
var reRoleHeading = regexp.MustCompile(`(?i)^(You|ChatGPT|Claude|User|Assistant|System)(\s+said)?:?\s*$`)

// parseTranscript turns role-heading-delimited plain text (the body of a
// DOCX or PDF chat export) into a conversation. Lines between headings
// accumulate into the current speaker's message; text before the first
// heading is scanned for dates but otherwise dropped. System turns are
// skipped.
func parseTranscript(text, filename, format string) Conversation {
	out := Conversation{
		OriginID:   transcriptOriginID(filename),
		Title:      transcriptTitle(filename),
		Format:     format,
		Timestamps: ScanDates(text),
	}

	var role string
	var body []string
	flush := func() {
		if role == "" {
			return
		}
		content := CleanText(strings.Join(body, "\n"))
		if content != "" {
			out.Messages = append(out.Messages, Message{Role: role, Content: content})
		}
		body = body[:0]
	}

	for _, line := range strings.Split(text, "\n") {
		if m := reRoleHeading.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			flush()
			role = headingRole(m[1])
			continue
		}
		if role != "" {
			body = append(body, line)
		}
	}
	flush()
	return out
}

// headingRole maps a heading speaker to a message role, "" for skipped
// speakers.
func headingRole(speaker string) string {
	switch strings.ToLower(speaker) {
	case "you", "user":
		return chatvault.RoleUser
	case "chatgpt", "claude", "assistant":
		return chatvault.RoleAssistant
	default: // system
		return ""
	}
}

// transcriptTitle derives a title from the filename: base name without
// extension, underscores and hyphens as spaces.
func transcriptTitle(filename string) string {
	base := filepath.Base(filename)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.NewReplacer("_", " ", "-", " ").Replace(base)
	base = strings.TrimSpace(base)
	if base == "" {
		return "Imported Transcript"
	}
	return base
}

// transcriptOriginID keys duplicate detection for file-based imports on the
// filename, the only stable identifier these exports carry.
func transcriptOriginID(filename string) string {
	return "file:" + filepath.Base(filename)
}
