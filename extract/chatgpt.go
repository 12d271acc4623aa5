package extract

import (
	"sort"

	chatvault "github.com/chatvault/chatvault"
)

// Placeholder contents emitted when a node carries attachments but no text,
// so the attachments stay attached to a searchable message.
const (
	placeholderReasoning = "[Reasoning process]"
	placeholderRecap     = "[Reasoning recap]"
	placeholderImage     = "[Image]"
	placeholderAudio     = "[Audio]"
)

// ChatGPTExtractor flattens ChatGPT's node-mapping export. Only user and
// assistant turns are kept; system/tool plumbing nodes are dropped.
type ChatGPTExtractor struct{}

// NewChatGPTExtractor creates a ChatGPT extractor.
func NewChatGPTExtractor() *ChatGPTExtractor { return &ChatGPTExtractor{} }

var _ Extractor = (*ChatGPTExtractor)(nil)

func (e *ChatGPTExtractor) Metadata() Metadata {
	return Metadata{
		Name:       FormatChatGPT,
		Version:    "1.2.0",
		Extensions: []string{"json"},
		AutoDetect: true,
		FormatSpec: "object with non-null title, a mapping dict of nodes, and create_time",
	}
}

// Detect matches a conversation with a non-null title, a mapping dict, and
// a create_time field. Checked after OpenWebUI, which may also carry title.
func (e *ChatGPTExtractor) Detect(first map[string]any) bool {
	if first == nil {
		return false
	}
	if t, ok := first["title"]; !ok || t == nil {
		return false
	}
	if _, ok := first["mapping"].(map[string]any); !ok {
		return false
	}
	_, ok := first["create_time"]
	return ok
}

// chatgptNode is one entry of the mapping dict, paired with its key so
// ordering is deterministic when create_time ties or is missing.
type chatgptNode struct {
	id         string
	createTime float64
	message    map[string]any
}

// Extract walks the node mapping sorted by create_time (node id breaks
// ties, standing in for insertion order, which JSON decoding loses).
func (e *ChatGPTExtractor) Extract(conv map[string]any) (Conversation, error) {
	out := Conversation{
		OriginID: asString(conv["id"]),
		Title:    asString(conv["title"]),
		Format:   FormatChatGPT,
	}
	if out.OriginID == "" {
		out.OriginID = asString(conv["conversation_id"])
	}
	if ct := asFloat(conv["create_time"]); ct > 0 {
		out.Timestamps = append(out.Timestamps, EpochSeconds(ct))
	}

	mapping := asMap(conv["mapping"])
	nodes := make([]chatgptNode, 0, len(mapping))
	for id, raw := range mapping {
		node := asMap(raw)
		msg := asMap(node["message"])
		if msg == nil {
			continue
		}
		ct := asFloat(msg["create_time"])
		if ct == 0 {
			ct = asFloat(node["create_time"])
		}
		nodes = append(nodes, chatgptNode{id: id, createTime: ct, message: msg})
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].createTime != nodes[j].createTime {
			return nodes[i].createTime < nodes[j].createTime
		}
		return nodes[i].id < nodes[j].id
	})

	for _, n := range nodes {
		role := asString(asMap(n.message["author"])["role"])
		if role != chatvault.RoleUser && role != chatvault.RoleAssistant {
			continue
		}
		content, attachments := chatgptContent(n.message)
		content = CleanText(content)
		if content == "" {
			if len(attachments) == 0 {
				continue
			}
			content = placeholderFor(attachments)
		}
		out.Messages = append(out.Messages, Message{
			Role:        role,
			Content:     content,
			Timestamp:   EpochSeconds(n.createTime),
			Attachments: attachments,
		})
	}
	return out, nil
}

// chatgptContent pulls the text body and attachments out of one message:
// text parts, multimodal images/audio, code blocks, reasoning thoughts and
// recaps, and web citations from metadata.content_references.
func chatgptContent(msg map[string]any) (string, []chatvault.Attachment) {
	var attachments []chatvault.Attachment
	var text string

	content := asMap(msg["content"])
	switch asString(content["content_type"]) {
	case "text":
		for _, p := range asSlice(content["parts"]) {
			if s, ok := p.(string); ok && s != "" {
				text = s
				break
			}
		}
	case "multimodal_text":
		for _, p := range asSlice(content["parts"]) {
			switch part := p.(type) {
			case string:
				if text == "" && part != "" {
					text = part
				}
			case map[string]any:
				switch asString(part["content_type"]) {
				case "image_asset_pointer":
					attachments = append(attachments, chatvault.Attachment{
						Type:      chatvault.AttachmentImage,
						FileName:  asString(part["asset_pointer"]),
						FileSize:  int64(asFloat(part["size_bytes"])),
						Available: false,
					})
				case "audio_transcription":
					attachments = append(attachments, chatvault.Attachment{
						Type:             chatvault.AttachmentAudio,
						ExtractedContent: asString(part["text"]),
						Available:        asString(part["text"]) != "",
					})
				}
			}
		}
	case "code":
		attachments = append(attachments, chatvault.Attachment{
			Type:             chatvault.AttachmentCode,
			Language:         asString(content["language"]),
			ExtractedContent: asString(content["text"]),
			Available:        asString(content["text"]) != "",
		})
	case "thoughts":
		for _, t := range asSlice(content["thoughts"]) {
			thought := asMap(t)
			attachments = append(attachments, chatvault.Attachment{
				Type:             chatvault.AttachmentReasoning,
				Title:            asString(thought["summary"]),
				ExtractedContent: asString(thought["content"]),
				Available:        asString(thought["content"]) != "",
			})
		}
	case "reasoning_recap":
		attachments = append(attachments, chatvault.Attachment{
			Type:             chatvault.AttachmentReasoning,
			Title:            "recap",
			ExtractedContent: asString(content["content"]),
			Available:        asString(content["content"]) != "",
		})
	}

	for _, ref := range asSlice(asMap(msg["metadata"])["content_references"]) {
		r := asMap(ref)
		url := asString(r["url"])
		if url == "" {
			continue
		}
		attachments = append(attachments, chatvault.Attachment{
			Type:      chatvault.AttachmentCitation,
			URL:       url,
			Title:     asString(r["title"]),
			Available: false,
		})
	}

	return text, attachments
}

// placeholderFor picks the placeholder body matching the dominant
// attachment kind.
func placeholderFor(attachments []chatvault.Attachment) string {
	for _, a := range attachments {
		switch a.Type {
		case chatvault.AttachmentReasoning:
			if a.Title == "recap" {
				return placeholderRecap
			}
			return placeholderReasoning
		case chatvault.AttachmentImage:
			return placeholderImage
		case chatvault.AttachmentAudio:
			return placeholderAudio
		case chatvault.AttachmentCode:
			return "[Code]"
		}
	}
	return "[Attachment]"
}
