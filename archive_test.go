package chatvault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"
)

func newTestArchive(f *fakeStore) *ArchiveService {
	return NewArchiveService(f, "gemini-embedding-001", "chat_messages")
}

func TestListConversationsPagination(t *testing.T) {
	f := newFakeStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("conv-%d", i)
		conv := Conversation{ID: id, Title: fmt.Sprintf("Conversation %d", i), Source: "claude", CreatedAt: int64(1000 + i), UpdatedAt: int64(1000 + i)}
		msgs := []Message{{ID: id + "-m0", ConversationID: id, Role: RoleUser, Content: fmt.Sprintf("opening message %d", i), CreatedAt: int64(1000 + i)}}
		if err := f.ImportConversation(ctx, conv, msgs, nil); err != nil {
			t.Fatalf("ImportConversation: %v", err)
		}
	}
	a := newTestArchive(f)

	page, err := a.ListConversations(ctx, 1, 2)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if page.Pagination.Total != 5 || page.Pagination.TotalPages != 3 || page.Pagination.Page != 1 {
		t.Fatalf("pagination = %+v", page.Pagination)
	}
	if len(page.Conversations) != 2 {
		t.Fatalf("conversations = %d, want 2", len(page.Conversations))
	}
	// Newest first.
	if page.Conversations[0].ID != "conv-4" || page.Conversations[1].ID != "conv-3" {
		t.Errorf("order = %s, %s", page.Conversations[0].ID, page.Conversations[1].ID)
	}
	if page.Conversations[0].Preview != "opening message 4" {
		t.Errorf("preview = %q", page.Conversations[0].Preview)
	}
	if page.Conversations[0].Source != "claude" {
		t.Errorf("source = %q", page.Conversations[0].Source)
	}

	// Last page is short.
	page, err = a.ListConversations(ctx, 3, 2)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(page.Conversations) != 1 || page.Conversations[0].ID != "conv-0" {
		t.Fatalf("last page = %+v", page.Conversations)
	}
}

func TestListConversationsDefaultsAndEmpty(t *testing.T) {
	a := newTestArchive(newFakeStore())

	page, err := a.ListConversations(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if page.Pagination.Page != 1 || page.Pagination.Limit != 20 {
		t.Errorf("defaults = %+v", page.Pagination)
	}
	if page.Pagination.TotalPages != 1 {
		t.Errorf("empty archive still reports one page, got %d", page.Pagination.TotalPages)
	}
	if len(page.Conversations) != 0 {
		t.Errorf("conversations = %+v", page.Conversations)
	}
}

func TestGetConversationDetail(t *testing.T) {
	f := newFakeStore()
	ctx := context.Background()
	conv := Conversation{ID: "c1", Title: "Roux tips", Source: "chatgpt", CreatedAt: 500, UpdatedAt: 600}
	msgs := []Message{
		{ID: "m1", ConversationID: "c1", Role: RoleUser, Content: "how dark", Seq: 0, CreatedAt: 500},
		{ID: "m2", ConversationID: "c1", Role: RoleAssistant, Content: "chocolate dark", Seq: 1, CreatedAt: 501},
	}
	f.ImportConversation(ctx, conv, msgs, nil)
	a := newTestArchive(f)

	detail, err := a.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if detail.Title != "Roux tips" || detail.Date != 500 || len(detail.Messages) != 2 {
		t.Fatalf("detail = %+v", detail)
	}
	if detail.AssistantName != "ChatGPT" {
		t.Errorf("assistant = %q", detail.AssistantName)
	}

	if _, err := a.GetConversation(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing conversation: %v", err)
	}
}

func TestArchiveStats(t *testing.T) {
	f := newFakeStore()
	ctx := context.Background()
	f.ImportConversation(ctx, Conversation{ID: "c1"}, []Message{
		{ID: "m1", ConversationID: "c1", Role: RoleUser, Content: "a"},
		{ID: "m2", ConversationID: "c1", Role: RoleAssistant, Content: "b"},
	}, nil)
	a := newTestArchive(f)

	stats, err := a.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Status != "ok" || stats.DocumentCount != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.EmbeddingModel != "gemini-embedding-001" || stats.CollectionName != "chat_messages" {
		t.Errorf("echoed config = %+v", stats)
	}
}

func TestArchiveClear(t *testing.T) {
	f := newFakeStore()
	ctx := context.Background()
	f.ImportConversation(ctx, Conversation{ID: "c1"}, []Message{{ID: "m1", ConversationID: "c1", Role: RoleUser, Content: "x"}}, nil)
	a := newTestArchive(f)

	result, err := a.Clear(ctx)
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if result.Status != "ok" || result.Message != "archive cleared" {
		t.Errorf("result = %+v", result)
	}
	n, _ := f.CountConversations(ctx)
	if n != 0 {
		t.Errorf("conversations after clear = %d", n)
	}
}

func TestAssistantName(t *testing.T) {
	tests := []struct {
		name   string
		source string
		msgs   []Message
		want   string
	}{
		{"claude source", "claude", nil, "Claude"},
		{"chatgpt source", "chatgpt", nil, "ChatGPT"},
		{"claude marker", "", []Message{{Content: "intro\n**Claude said**\nhi"}}, "Claude"},
		{"chatgpt marker", "", []Message{{Content: "**ChatGPT said** hello"}}, "ChatGPT"},
		{"unknown", "youtube", []Message{{Content: "plain transcript"}}, "AI"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AssistantName(tt.source, tt.msgs); got != tt.want {
				t.Errorf("AssistantName = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractPreview(t *testing.T) {
	md := "# Heading\n\nSome **bold** text with a [link](https://example.com) and `code`."
	got := ExtractPreview(md, 120)
	if strings.ContainsAny(got, "#*[]`") {
		t.Errorf("markdown syntax leaked into preview: %q", got)
	}
	for _, want := range []string{"Heading", "bold", "link", "code"} {
		if !strings.Contains(got, want) {
			t.Errorf("preview %q missing %q", got, want)
		}
	}
	if strings.Contains(got, "example.com") {
		t.Errorf("link target leaked: %q", got)
	}
}

func TestExtractPreviewTruncatesAtWordBoundary(t *testing.T) {
	md := strings.Repeat("word ", 50)
	got := ExtractPreview(md, 23)
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("missing ellipsis: %q", got)
	}
	body := strings.TrimSuffix(got, "…")
	if strings.HasSuffix(body, " ") || len(body) > 23 {
		t.Errorf("bad truncation: %q", got)
	}
	if body != strings.TrimRight(body, " .,;:") {
		t.Errorf("trailing punctuation survived: %q", got)
	}
}

func TestExtractPreviewKeepsRunesIntact(t *testing.T) {
	// No spaces, so the cut cannot fall back to a word boundary; it must
	// still land on a rune boundary.
	md := strings.Repeat("é", 100)
	for maxLen := 1; maxLen <= 8; maxLen++ {
		got := ExtractPreview(md, maxLen)
		if !utf8.ValidString(got) {
			t.Fatalf("maxLen %d: invalid UTF-8 %q", maxLen, got)
		}
	}
	got := ExtractPreview(md, 7)
	if body := strings.TrimSuffix(got, "…"); utf8.RuneCountInString(body) != 3 {
		t.Errorf("got %q, want three whole runes before the ellipsis", got)
	}
}

func TestExtractPreviewShortInputUnchanged(t *testing.T) {
	if got := ExtractPreview("just a line", 120); got != "just a line" {
		t.Errorf("got %q", got)
	}
}
