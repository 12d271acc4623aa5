package chatvault

// --- Domain types (database records) ---

// Message roles. Extractors reject or filter anything else.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ValidRole reports whether role is one of the three accepted roles.
func ValidRole(role string) bool {
	return role == RoleUser || role == RoleAssistant || role == RoleSystem
}

// Conversation is an imported chat. OriginID is the conversation id reported
// by the source archive (ChatGPT id, Claude uuid, …) and ContentHash is the
// SHA-256 of the newline-joined trimmed message contents in stored order;
// together they drive duplicate detection on re-import.
type Conversation struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Source      string `json:"source,omitempty"`
	OriginID    string `json:"origin_id,omitempty"`
	ContentHash string `json:"-"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

// Message is a single conversational turn. Seq is the extractor emission
// order within the conversation and breaks created_at ties, so stored order
// always equals extracted order.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	Role           string       `json:"role"`
	Content        string       `json:"content"`
	Seq            int          `json:"seq"`
	Meta           *MessageMeta `json:"metadata,omitempty"`
	CreatedAt      int64        `json:"created_at"`
}

// MessageMeta is the per-message metadata blob, stored as JSON.
// YouTube fields are reserved: transcript_status stays "pending" until a
// future transcript worker exists.
type MessageMeta struct {
	Source               string       `json:"source,omitempty"`
	OriginConversationID string       `json:"original_conversation_id,omitempty"`
	Attachments          []Attachment `json:"attachments,omitempty"`

	VideoID          string `json:"video_id,omitempty"`
	VideoURL         string `json:"video_url,omitempty"`
	ChannelName      string `json:"channel_name,omitempty"`
	ChannelURL       string `json:"channel_url,omitempty"`
	TranscriptStatus string `json:"transcript_status,omitempty"`
	Transcript       string `json:"transcript,omitempty"`
	Summary          string `json:"summary,omitempty"`
}

// AttachmentType discriminates the Attachment union.
type AttachmentType string

const (
	AttachmentFile      AttachmentType = "file"
	AttachmentImage     AttachmentType = "image"
	AttachmentCode      AttachmentType = "code"
	AttachmentReasoning AttachmentType = "reasoning"
	AttachmentAudio     AttachmentType = "audio"
	AttachmentCitation  AttachmentType = "citation"
	AttachmentArtifact  AttachmentType = "artifact"
)

// Attachment is a tagged record embedded in message metadata. Available is
// true iff textual content was embedded in the export (and is therefore
// searchable); false marks a reference-only placeholder. Binary payloads are
// never persisted.
type Attachment struct {
	Type             AttachmentType `json:"type"`
	FileName         string         `json:"file_name,omitempty"`
	FileSize         int64          `json:"file_size,omitempty"`
	FileType         string         `json:"file_type,omitempty"`
	ExtractedContent string         `json:"extracted_content,omitempty"`
	Language         string         `json:"language,omitempty"`
	URL              string         `json:"url,omitempty"`
	Title            string         `json:"title,omitempty"`
	Available        bool           `json:"available"`
}

// MessageEmbedding is the vector representation of one message under one
// model. At most one row exists per (message, model); absence means the
// message is searchable lexically only.
type MessageEmbedding struct {
	MessageID string    `json:"message_id"`
	Model     string    `json:"model"`
	Vector    []float32 `json:"-"`
	CreatedAt int64     `json:"created_at"`
}

// ScoredMessage is a message with a backend search score and its owning
// conversation's title. The score scale depends on the search mode: cosine
// similarity in [0,1] for vector search, an unnormalised rank for FTS.
type ScoredMessage struct {
	Message
	ConversationTitle string  `json:"conversation_title"`
	Score             float32 `json:"score"`
}

// SearchResult is a ranked hit returned by the SearchService. Similarity is
// set for vector and hybrid modes, CombinedScore for hybrid; nil means the
// mode did not produce that score.
type SearchResult struct {
	MessageID         string   `json:"message_id"`
	ConversationID    string   `json:"conversation_id"`
	ConversationTitle string   `json:"conversation_title"`
	Role              string   `json:"role"`
	Content           string   `json:"content"`
	CreatedAt         int64    `json:"created_at"`
	Similarity        *float32 `json:"similarity,omitempty"`
	CombinedScore     *float32 `json:"combined_score,omitempty"`
}

// Distance maps a result to a ChromaDB-style distance (lower = better) for
// legacy consumers: 1−similarity when available, else 1−combined, else 0.5.
func (r SearchResult) Distance() float32 {
	switch {
	case r.Similarity != nil:
		return clamp01(1 - *r.Similarity)
	case r.CombinedScore != nil:
		return clamp01(1 - *r.CombinedScore)
	default:
		return 0.5
	}
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// --- Stats ---

// ConversationStats is the count + recency breakdown for conversations.
type ConversationStats struct {
	Total    int            `json:"total"`
	BySource map[string]int `json:"by_source"`
	Last24h  int            `json:"last_24h"`
	Last7d   int            `json:"last_7d"`
}

// MessageStats is the per-role count, embedding coverage, and recency
// breakdown for messages.
type MessageStats struct {
	Total       int            `json:"total"`
	ByRole      map[string]int `json:"by_role"`
	CoveragePct float64        `json:"embedding_coverage_pct"`
	Last24h     int            `json:"last_24h"`
}

// EmbeddingCoverage reports how many messages have an embedding row.
type EmbeddingCoverage struct {
	Messages int `json:"messages"`
	Embedded int `json:"embedded"`
}

// Pct returns coverage as a percentage, 0 when there are no messages.
func (c EmbeddingCoverage) Pct() float64 {
	if c.Messages == 0 {
		return 0
	}
	return float64(c.Embedded) / float64(c.Messages) * 100
}
