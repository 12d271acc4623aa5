package extract

import (
	"sort"

	chatvault "github.com/chatvault/chatvault"
)

// OpenWebUIExtractor flattens an OpenWebUI export. Its chat.history.messages
// dict is keyed by message id; ordering follows the parent/child chain when
// intact, else the (unit-normalized) timestamps.
type OpenWebUIExtractor struct{}

// NewOpenWebUIExtractor creates an OpenWebUI extractor.
func NewOpenWebUIExtractor() *OpenWebUIExtractor { return &OpenWebUIExtractor{} }

var _ Extractor = (*OpenWebUIExtractor)(nil)

func (e *OpenWebUIExtractor) Metadata() Metadata {
	return Metadata{
		Name:       FormatOpenWebUI,
		Version:    "1.0.1",
		Extensions: []string{"json"},
		AutoDetect: true,
		FormatSpec: "object whose chat.history.messages maps id → {role, content, timestamp}",
	}
}

// Detect matches chat.history.messages being a mapping. Runs before the
// Claude/ChatGPT checks because OpenWebUI exports may carry a title too.
func (e *OpenWebUIExtractor) Detect(first map[string]any) bool {
	if first == nil {
		return false
	}
	history := asMap(asMap(first["chat"])["history"])
	if history == nil {
		return false
	}
	msgs, ok := history["messages"].(map[string]any)
	return ok && len(msgs) >= 0
}

type webuiMessage struct {
	id        string
	parentID  string
	role      string
	content   string
	timestamp int64
}

func (e *OpenWebUIExtractor) Extract(conv map[string]any) (Conversation, error) {
	out := Conversation{
		OriginID: asString(conv["id"]),
		Title:    asString(conv["title"]),
		Format:   FormatOpenWebUI,
	}
	chat := asMap(conv["chat"])
	if out.Title == "" {
		out.Title = asString(chat["title"])
	}

	raw := asMap(asMap(chat["history"])["messages"])
	byID := make(map[string]webuiMessage, len(raw))
	for id, v := range raw {
		m := asMap(v)
		if m == nil {
			continue
		}
		parent := asString(m["parentId"])
		byID[id] = webuiMessage{
			id:        id,
			parentID:  parent,
			role:      asString(m["role"]),
			content:   asString(m["content"]),
			timestamp: EpochSeconds(asFloat(m["timestamp"])),
		}
	}

	ordered := chainOrder(byID)
	if ordered == nil {
		ordered = make([]webuiMessage, 0, len(byID))
		for _, m := range byID {
			ordered = append(ordered, m)
		}
		sort.SliceStable(ordered, func(i, j int) bool {
			if ordered[i].timestamp != ordered[j].timestamp {
				return ordered[i].timestamp < ordered[j].timestamp
			}
			return ordered[i].id < ordered[j].id
		})
	}

	for _, m := range ordered {
		if m.role != chatvault.RoleUser && m.role != chatvault.RoleAssistant {
			continue
		}
		content := CleanText(m.content)
		if content == "" {
			continue
		}
		out.Messages = append(out.Messages, Message{
			Role:      m.role,
			Content:   content,
			Timestamp: m.timestamp,
		})
	}
	return out, nil
}

// chainOrder walks the parent/child chain from the root message. Returns
// nil when the chain is missing or broken (loops, forks with gaps), in
// which case the caller falls back to timestamp order.
func chainOrder(byID map[string]webuiMessage) []webuiMessage {
	if len(byID) == 0 {
		return nil
	}
	children := make(map[string][]string, len(byID))
	var rootID string
	for id, m := range byID {
		if m.parentID == "" {
			if rootID != "" {
				return nil // multiple roots
			}
			rootID = id
			continue
		}
		children[m.parentID] = append(children[m.parentID], id)
	}
	if rootID == "" {
		return nil
	}

	ordered := make([]webuiMessage, 0, len(byID))
	id := rootID
	for {
		m, ok := byID[id]
		if !ok || len(ordered) > len(byID) {
			return nil
		}
		ordered = append(ordered, m)
		kids := children[id]
		if len(kids) == 0 {
			break
		}
		// On regeneration forks, the chain follows the latest branch.
		sort.Strings(kids)
		id = kids[len(kids)-1]
	}
	if len(ordered) != len(byID) {
		return nil
	}
	return ordered
}
