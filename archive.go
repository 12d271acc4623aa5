package chatvault

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gtext "github.com/yuin/goldmark/text"
)

// PreviewLength is the conversation preview budget in characters.
const PreviewLength = 120

// ConversationSummary is one row of a conversation listing.
type ConversationSummary struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Preview string `json:"preview"`
	Date    int64  `json:"date"`
	Source  string `json:"source,omitempty"`
}

// Pagination describes a page of a listing.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// ConversationPage is the response of ListConversations.
type ConversationPage struct {
	Conversations []ConversationSummary `json:"conversations"`
	Pagination    Pagination            `json:"pagination"`
}

// ConversationDetail is the response of GetConversation.
type ConversationDetail struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Source        string    `json:"source,omitempty"`
	Date          int64     `json:"date"`
	AssistantName string    `json:"assistant_name"`
	Messages      []Message `json:"messages"`
}

// ArchiveStats is the response of Stats.
type ArchiveStats struct {
	Status         string `json:"status"`
	DocumentCount  int    `json:"document_count"`
	EmbeddingModel string `json:"embedding_model"`
	CollectionName string `json:"collection_name"`
}

// ClearResult is the response of Clear.
type ClearResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ArchiveOption configures an ArchiveService.
type ArchiveOption func(*ArchiveService)

// WithArchiveLogger sets a structured logger. Default discards.
func WithArchiveLogger(l *slog.Logger) ArchiveOption {
	return func(a *ArchiveService) { a.logger = l }
}

// ArchiveService exposes the transport-agnostic listing, retrieval, stats,
// and clear operations over the archive. HTTP handlers and the CLI consume
// it; it holds no state beyond its dependencies.
type ArchiveService struct {
	store          Store
	embeddingModel string
	collection     string
	logger         *slog.Logger
}

// NewArchiveService creates an ArchiveService. embeddingModel and collection
// are echoed in Stats for legacy consumers.
func NewArchiveService(store Store, embeddingModel, collection string, opts ...ArchiveOption) *ArchiveService {
	a := &ArchiveService{
		store:          store,
		embeddingModel: embeddingModel,
		collection:     collection,
		logger:         slog.New(DiscardHandler),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// ListConversations returns one page of conversations, newest first, with a
// preview extracted from each conversation's first message.
func (a *ArchiveService) ListConversations(ctx context.Context, page, limit int) (ConversationPage, error) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}

	total, err := a.store.CountConversations(ctx)
	if err != nil {
		return ConversationPage{}, fmt.Errorf("count conversations: %w", err)
	}
	convs, err := a.store.ListConversations(ctx, limit, (page-1)*limit)
	if err != nil {
		return ConversationPage{}, fmt.Errorf("list conversations: %w", err)
	}

	summaries := make([]ConversationSummary, 0, len(convs))
	for _, c := range convs {
		preview := ""
		if first, err := a.store.FirstMessage(ctx, c.ID); err == nil {
			preview = ExtractPreview(first.Content, PreviewLength)
		}
		summaries = append(summaries, ConversationSummary{
			ID:      c.ID,
			Title:   c.Title,
			Preview: preview,
			Date:    c.CreatedAt,
			Source:  c.Source,
		})
	}

	totalPages := (total + limit - 1) / limit
	if totalPages == 0 {
		totalPages = 1
	}
	return ConversationPage{
		Conversations: summaries,
		Pagination:    Pagination{Page: page, Limit: limit, Total: total, TotalPages: totalPages},
	}, nil
}

// GetConversation returns a conversation with all its messages.
func (a *ArchiveService) GetConversation(ctx context.Context, id string) (ConversationDetail, error) {
	conv, err := a.store.GetConversation(ctx, id)
	if err != nil {
		return ConversationDetail{}, fmt.Errorf("get conversation: %w", err)
	}
	msgs, err := a.store.GetConversationMessages(ctx, id)
	if err != nil {
		return ConversationDetail{}, fmt.Errorf("get messages: %w", err)
	}
	return ConversationDetail{
		ID:            conv.ID,
		Title:         conv.Title,
		Source:        conv.Source,
		Date:          conv.CreatedAt,
		AssistantName: AssistantName(conv.Source, msgs),
		Messages:      msgs,
	}, nil
}

// Stats reports corpus size and the embedding configuration.
func (a *ArchiveService) Stats(ctx context.Context) (ArchiveStats, error) {
	stats, err := a.store.MessageStats(ctx)
	if err != nil {
		return ArchiveStats{}, fmt.Errorf("message stats: %w", err)
	}
	return ArchiveStats{
		Status:         "ok",
		DocumentCount:  stats.Total,
		EmbeddingModel: a.embeddingModel,
		CollectionName: a.collection,
	}, nil
}

// Clear removes the entire archive: conversations, messages, embeddings,
// and jobs.
func (a *ArchiveService) Clear(ctx context.Context) (ClearResult, error) {
	if err := a.store.ClearAll(ctx); err != nil {
		return ClearResult{}, fmt.Errorf("clear archive: %w", err)
	}
	a.logger.Info("archive cleared")
	return ClearResult{Status: "ok", Message: "archive cleared"}, nil
}

// AssistantName derives a display name for the assistant side of a
// conversation: the source tag wins, then in-content "**X said**" markers,
// then the generic "AI".
func AssistantName(source string, msgs []Message) string {
	switch source {
	case "claude":
		return "Claude"
	case "chatgpt":
		return "ChatGPT"
	}
	for _, m := range msgs {
		if strings.Contains(m.Content, "**Claude said**") {
			return "Claude"
		}
		if strings.Contains(m.Content, "**ChatGPT said**") {
			return "ChatGPT"
		}
	}
	return "AI"
}

// ExtractPreview renders markdown to plain text, collapses whitespace, and
// truncates to maxLen bytes at the last word boundary with an ellipsis. The
// cut never splits a multibyte rune.
func ExtractPreview(md string, maxLen int) string {
	plain := markdownPlainText(md)
	plain = strings.Join(strings.Fields(plain), " ")
	if len(plain) <= maxLen {
		return plain
	}
	end := maxLen
	for end > 0 && !utf8.RuneStart(plain[end]) {
		end--
	}
	cut := plain[:end]
	if i := strings.LastIndexFunc(cut, unicode.IsSpace); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " .,;:") + "…"
}

// markdownPlainText flattens a markdown document to its text content,
// dropping emphasis markers, backticks, and link targets but keeping code
// and heading text.
func markdownPlainText(md string) string {
	src := []byte(md)
	root := goldmark.DefaultParser().Parse(gtext.NewReader(src))

	var b strings.Builder
	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if _, ok := n.(*ast.Paragraph); ok {
				b.WriteByte(' ')
			}
			if _, ok := n.(*ast.Heading); ok {
				b.WriteByte(' ')
			}
			return ast.WalkContinue, nil
		}
		switch t := n.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				b.Write(seg.Value(src))
				b.WriteByte(' ')
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}
