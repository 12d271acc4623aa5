// Package extract converts uploaded chat archives into a uniform message
// stream. Each supported format ships one Extractor; the Registry routes an
// opaque archive to the right one by signature-based auto-detection (JSON
// shapes) or file extension (DOCX, PDF transcripts).
package extract

import (
	"sort"
	"strings"

	chatvault "github.com/chatvault/chatvault"
)

// Format keys, also used as the per-message source tag.
const (
	FormatChatGPT   = "chatgpt"
	FormatClaude    = "claude"
	FormatOpenWebUI = "openwebui"
	FormatYouTube   = "youtube"
	FormatDOCX      = "docx"
	FormatPDF       = "pdf"
)

// Metadata describes an extractor to the registry and to callers listing
// supported formats.
type Metadata struct {
	Name       string   `json:"name"`
	Version    string   `json:"version"`
	Extensions []string `json:"extensions"`
	AutoDetect bool     `json:"auto_detect"`
	FileBased  bool     `json:"file_based"`
	Streaming  bool     `json:"streaming"`
	FormatSpec string   `json:"format_spec"`
}

// Message is one extracted conversational turn. Timestamp is Unix seconds,
// 0 when the source carried none. Content is already cleaned.
type Message struct {
	Role        string
	Content     string
	Timestamp   int64
	Attachments []chatvault.Attachment
	Meta        *chatvault.MessageMeta
}

// Conversation is the uniform output of every extractor: the source-reported
// origin id, a title (may be empty), the flattened messages in emission
// order, and any conversation-level timestamp candidates (DOCX/PDF dates)
// used when per-message timestamps are missing.
type Conversation struct {
	OriginID   string
	Title      string
	Format     string
	Messages   []Message
	Timestamps []int64
}

// Extractor flattens one native conversation into the uniform shape.
// Detect inspects the first conversation of a decoded archive; extractors
// whose Metadata reports AutoDetect=false always return false.
type Extractor interface {
	Metadata() Metadata
	Detect(first map[string]any) bool
	Extract(conv map[string]any) (Conversation, error)
}

// FileExtractor is the capability for file-based formats that parse raw
// bytes instead of decoded JSON.
type FileExtractor interface {
	Extractor
	ExtractFile(data []byte, filename string) (Conversation, error)
}

// Registry holds every discovered extractor, keyed by normalized lowercase
// format name. Detection order is fixed: OpenWebUI before Claude and
// ChatGPT (an OpenWebUI export may carry a title field too), YouTube last
// among the JSON shapes.
type Registry struct {
	order []Extractor
	byKey map[string]Extractor
}

// NewRegistry discovers the built-in extractors. The registry size, the
// metadata map size, and the discovered name list are always equal.
func NewRegistry() *Registry {
	r := &Registry{byKey: make(map[string]Extractor)}
	for _, e := range []Extractor{
		NewOpenWebUIExtractor(),
		NewClaudeExtractor(),
		NewChatGPTExtractor(),
		NewYouTubeExtractor(),
		NewDOCXExtractor(),
		NewPDFExtractor(),
	} {
		key := strings.ToLower(e.Metadata().Name)
		r.order = append(r.order, e)
		r.byKey[key] = e
	}
	return r
}

// Lookup returns the extractor registered under key.
func (r *Registry) Lookup(key string) (Extractor, bool) {
	e, ok := r.byKey[strings.ToLower(key)]
	return e, ok
}

// Size returns the number of discovered extractors.
func (r *Registry) Size() int { return len(r.order) }

// Names returns the sorted normalized keys of all discovered extractors.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byKey))
	for k := range r.byKey {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// MetadataAll returns the metadata of every discovered extractor.
func (r *Registry) MetadataAll() map[string]Metadata {
	out := make(map[string]Metadata, len(r.byKey))
	for k, e := range r.byKey {
		out[k] = e.Metadata()
	}
	return out
}

// DetectFormat inspects decoded JSON and returns the native conversation
// list plus the matched format key. Accepted shapes: a bare list of
// conversations, or an object whose "conversations" field holds one. A
// YouTube watch history (a list of watch items) is wrapped into a single
// synthetic conversation. Returns ErrUnknownFormat when nothing matches.
func (r *Registry) DetectFormat(raw any) ([]map[string]any, string, error) {
	list := conversationList(raw)
	if len(list) == 0 {
		return nil, "", &chatvault.ErrUnknownFormat{Available: r.Names()}
	}
	first := list[0]
	for _, e := range r.order {
		md := e.Metadata()
		if !md.AutoDetect {
			continue
		}
		if !e.Detect(first) {
			continue
		}
		key := strings.ToLower(md.Name)
		if key == FormatYouTube {
			// The whole history is one conversation.
			items := make([]any, len(list))
			for i, c := range list {
				items[i] = c
			}
			return []map[string]any{{"items": items}}, key, nil
		}
		return list, key, nil
	}
	return nil, "", &chatvault.ErrUnknownFormat{Available: r.Names()}
}

// ExtractFile routes raw bytes to the file-based extractor matching the
// filename extension.
func (r *Registry) ExtractFile(data []byte, filename string) (Conversation, string, error) {
	ext := strings.ToLower(strings.TrimPrefix(fileExt(filename), "."))
	for _, e := range r.order {
		fe, ok := e.(FileExtractor)
		if !ok {
			continue
		}
		for _, supported := range e.Metadata().Extensions {
			if supported == ext {
				conv, err := fe.ExtractFile(data, filename)
				return conv, strings.ToLower(e.Metadata().Name), err
			}
		}
	}
	return Conversation{}, "", &chatvault.ErrUnknownFormat{Available: r.Names()}
}

func fileExt(filename string) string {
	if i := strings.LastIndexByte(filename, '.'); i >= 0 {
		return filename[i:]
	}
	return ""
}

func conversationList(raw any) []map[string]any {
	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case map[string]any:
		if convs, ok := v["conversations"].([]any); ok {
			items = convs
		}
	}
	var list []map[string]any
	for _, it := range items {
		if m, ok := it.(map[string]any); ok {
			list = append(list, m)
		}
	}
	return list
}

// --- Shared decoding helpers ---

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func asFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}
