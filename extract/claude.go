package extract

import (
	"fmt"
	"strings"

	chatvault "github.com/chatvault/chatvault"
	readability "github.com/go-shiori/go-readability"
)

// ClaudeExtractor flattens a Claude export: chat_messages in array order,
// human → user, everything else → assistant.
type ClaudeExtractor struct{}

// NewClaudeExtractor creates a Claude extractor.
func NewClaudeExtractor() *ClaudeExtractor { return &ClaudeExtractor{} }

var _ Extractor = (*ClaudeExtractor)(nil)

func (e *ClaudeExtractor) Metadata() Metadata {
	return Metadata{
		Name:       FormatClaude,
		Version:    "1.1.0",
		Extensions: []string{"json"},
		AutoDetect: true,
		FormatSpec: "object with uuid, non-null name (may be empty), and a chat_messages array",
	}
}

// Detect matches a conversation carrying uuid, a non-null name, and a
// chat_messages array.
func (e *ClaudeExtractor) Detect(first map[string]any) bool {
	if first == nil {
		return false
	}
	if asString(first["uuid"]) == "" {
		return false
	}
	if name, ok := first["name"]; !ok || name == nil {
		return false
	}
	_, ok := first["chat_messages"].([]any)
	return ok
}

func (e *ClaudeExtractor) Extract(conv map[string]any) (Conversation, error) {
	out := Conversation{
		OriginID: asString(conv["uuid"]),
		Title:    asString(conv["name"]),
		Format:   FormatClaude,
	}
	if ts, ok := ParseISO(asString(conv["created_at"])); ok {
		out.Timestamps = append(out.Timestamps, ts)
	}

	for _, raw := range asSlice(conv["chat_messages"]) {
		msg := asMap(raw)
		if msg == nil {
			continue
		}
		role := chatvault.RoleAssistant
		if asString(msg["sender"]) == "human" {
			role = chatvault.RoleUser
		}
		content := CleanText(asString(msg["text"]))
		attachments := claudeAttachments(msg)
		if content == "" {
			if len(attachments) == 0 {
				continue
			}
			content = "[Attachment]"
		}
		var ts int64
		if v, ok := ParseISO(asString(msg["created_at"])); ok {
			ts = v
		}
		out.Messages = append(out.Messages, Message{
			Role:        role,
			Content:     content,
			Timestamp:   ts,
			Attachments: attachments,
		})
	}
	return out, nil
}

// claudeAttachments collects the three attachment sources of a Claude
// message: uploaded text files (attachments[], content embedded), image
// references (files[], reference-only), and artifacts emitted through the
// artifacts tool (content[] tool_use entries).
func claudeAttachments(msg map[string]any) []chatvault.Attachment {
	var out []chatvault.Attachment

	for _, raw := range asSlice(msg["attachments"]) {
		a := asMap(raw)
		extracted := asString(a["extracted_content"])
		out = append(out, chatvault.Attachment{
			Type:             chatvault.AttachmentFile,
			FileName:         asString(a["file_name"]),
			FileSize:         int64(asFloat(a["file_size"])),
			FileType:         asString(a["file_type"]),
			ExtractedContent: extracted,
			Available:        extracted != "",
		})
	}

	for _, raw := range asSlice(msg["files"]) {
		f := asMap(raw)
		out = append(out, chatvault.Attachment{
			Type:      chatvault.AttachmentImage,
			FileName:  asString(f["file_name"]),
			Available: false,
		})
	}

	for _, raw := range asSlice(msg["content"]) {
		c := asMap(raw)
		if asString(c["type"]) != "tool_use" || asString(c["name"]) != "artifacts" {
			continue
		}
		input := asMap(c["input"])
		if input == nil {
			continue
		}
		artifactType := asString(input["type"])
		title := asString(input["title"])
		if title == "" {
			title = "artifact"
		}
		content := asString(input["content"])
		if artifactType == "text/html" {
			content = readableHTML(content)
		}
		out = append(out, chatvault.Attachment{
			Type:             chatvault.AttachmentArtifact,
			FileName:         fmt.Sprintf("%s.%s", title, artifactExt(artifactType, asString(input["language"]))),
			FileType:         artifactType,
			Language:         asString(input["language"]),
			ExtractedContent: content,
			Available:        content != "",
		})
	}

	return out
}

// artifactExt derives a file extension from the artifact MIME type, falling
// back to the code language.
func artifactExt(artifactType, language string) string {
	switch artifactType {
	case "text/markdown":
		return "md"
	case "text/html":
		return "html"
	case "image/svg+xml":
		return "svg"
	case "application/vnd.ant.code":
		if language != "" {
			return language
		}
		return "txt"
	default:
		return "txt"
	}
}

// readableHTML reduces an HTML artifact to its readable text so the
// attachment content is searchable. On parse failure the raw markup is
// kept.
func readableHTML(html string) string {
	article, err := readability.FromReader(strings.NewReader(html), nil)
	if err != nil || strings.TrimSpace(article.TextContent) == "" {
		return html
	}
	return strings.TrimSpace(article.TextContent)
}
