package sqlite

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"testing"

	chatvault "github.com/chatvault/chatvault"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seedConversation imports a conversation with the given message contents.
func seedConversation(t *testing.T, s *Store, title string, contents ...string) (chatvault.Conversation, []chatvault.Message) {
	t.Helper()
	now := chatvault.NowUnix()
	conv := chatvault.Conversation{
		ID:        chatvault.NewID(),
		Title:     title,
		Source:    "chatgpt",
		OriginID:  "origin-" + title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	msgs := make([]chatvault.Message, len(contents))
	for i, c := range contents {
		role := chatvault.RoleUser
		if i%2 == 1 {
			role = chatvault.RoleAssistant
		}
		msgs[i] = chatvault.Message{
			ID:             chatvault.NewID(),
			ConversationID: conv.ID,
			Role:           role,
			Content:        c,
			Seq:            i,
			CreatedAt:      now + int64(i),
		}
	}
	if err := s.ImportConversation(context.Background(), conv, msgs, nil); err != nil {
		t.Fatalf("ImportConversation: %v", err)
	}
	return conv, msgs
}

func TestInitIdempotent(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "init.db"))
	defer s.Close()
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestImportAndGetConversation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	conv, msgs := seedConversation(t, s, "Trip planning", "Where should I go?", "Try Lisbon in May.")

	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.Title != "Trip planning" || got.OriginID != conv.OriginID {
		t.Fatalf("got %+v", got)
	}

	gotMsgs, err := s.GetConversationMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversationMessages: %v", err)
	}
	if len(gotMsgs) != 2 {
		t.Fatalf("messages = %d", len(gotMsgs))
	}
	if gotMsgs[0].ID != msgs[0].ID || gotMsgs[1].ID != msgs[1].ID {
		t.Fatal("messages out of order")
	}

	if _, err := s.GetConversation(ctx, "missing"); !errors.Is(err, chatvault.ErrNotFound) {
		t.Fatalf("missing conversation: err = %v", err)
	}
}

func TestMessageOrderSeqBreaksTies(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ts := chatvault.NowUnix()
	conv := chatvault.Conversation{ID: chatvault.NewID(), Title: "t", CreatedAt: ts, UpdatedAt: ts}
	msgs := []chatvault.Message{
		{ID: chatvault.NewID(), ConversationID: conv.ID, Role: "user", Content: "first", Seq: 0, CreatedAt: ts},
		{ID: chatvault.NewID(), ConversationID: conv.ID, Role: "assistant", Content: "second", Seq: 1, CreatedAt: ts},
		{ID: chatvault.NewID(), ConversationID: conv.ID, Role: "user", Content: "third", Seq: 2, CreatedAt: ts},
	}
	if err := s.ImportConversation(ctx, conv, msgs, nil); err != nil {
		t.Fatalf("ImportConversation: %v", err)
	}

	got, err := s.GetConversationMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversationMessages: %v", err)
	}
	for i, want := range []string{"first", "second", "third"} {
		if got[i].Content != want {
			t.Fatalf("position %d = %q, want %q", i, got[i].Content, want)
		}
	}

	first, err := s.FirstMessage(ctx, conv.ID)
	if err != nil {
		t.Fatalf("FirstMessage: %v", err)
	}
	if first.Content != "first" {
		t.Fatalf("FirstMessage = %q", first.Content)
	}
}

func TestImportConversationRollsBackAsUnit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	conv, _ := seedConversation(t, s, "existing", "hello there friend")

	// Second import reusing a message id must fail and leave nothing behind.
	dup := chatvault.Conversation{ID: chatvault.NewID(), Title: "dup", CreatedAt: 1, UpdatedAt: 1}
	firstExisting, err := s.FirstMessage(ctx, conv.ID)
	if err != nil {
		t.Fatalf("FirstMessage: %v", err)
	}
	bad := []chatvault.Message{
		{ID: chatvault.NewID(), ConversationID: dup.ID, Role: "user", Content: "ok", CreatedAt: 1},
		{ID: firstExisting.ID, ConversationID: dup.ID, Role: "user", Content: "conflict", CreatedAt: 2},
	}
	if err := s.ImportConversation(ctx, dup, bad, nil); err == nil {
		t.Fatal("want primary key conflict")
	}

	if _, err := s.GetConversation(ctx, dup.ID); !errors.Is(err, chatvault.ErrNotFound) {
		t.Fatalf("partial conversation survived: %v", err)
	}
	n, err := s.CountConversations(ctx)
	if err != nil || n != 1 {
		t.Fatalf("count = %d, err = %v", n, err)
	}
}

func TestListConversationsNewestFirst(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		conv := chatvault.Conversation{
			ID:        chatvault.NewID(),
			Title:     fmt.Sprintf("conv-%d", i),
			CreatedAt: int64(1000 + i),
			UpdatedAt: int64(1000 + i),
		}
		if err := s.ImportConversation(ctx, conv, nil, nil); err != nil {
			t.Fatalf("ImportConversation: %v", err)
		}
	}

	got, err := s.ListConversations(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(got) != 2 || got[0].Title != "conv-2" || got[1].Title != "conv-1" {
		t.Fatalf("got %+v", got)
	}

	page2, err := s.ListConversations(ctx, 2, 2)
	if err != nil {
		t.Fatalf("ListConversations page 2: %v", err)
	}
	if len(page2) != 1 || page2[0].Title != "conv-0" {
		t.Fatalf("page 2 = %+v", page2)
	}
}

func TestImportedOrigins(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	conv, _ := seedConversation(t, s, "a", "content here")
	// A conversation without an origin id is invisible to the guard.
	anon := chatvault.Conversation{ID: chatvault.NewID(), Title: "anon", CreatedAt: 1, UpdatedAt: 1}
	if err := s.ImportConversation(ctx, anon, nil, nil); err != nil {
		t.Fatalf("ImportConversation: %v", err)
	}

	origins, err := s.ImportedOrigins(ctx)
	if err != nil {
		t.Fatalf("ImportedOrigins: %v", err)
	}
	if len(origins) != 1 || origins[0].ConversationID != conv.ID {
		t.Fatalf("origins = %+v", origins)
	}
}

func TestDeleteConversationCascades(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	conv, msgs := seedConversation(t, s, "doomed", "alpha beta gamma", "delta epsilon zeta")
	emb := chatvault.MessageEmbedding{
		MessageID: msgs[0].ID, Model: "m", Vector: []float32{1, 0}, CreatedAt: chatvault.NowUnix(),
	}
	if err := s.UpsertEmbedding(ctx, emb); err != nil {
		t.Fatalf("UpsertEmbedding: %v", err)
	}
	payload := fmt.Sprintf(`{"message_id":%q,"conversation_id":%q,"content":"x","model":"m"}`, msgs[1].ID, conv.ID)
	job := chatvault.Job{Kind: chatvault.JobKindEmbedding, Payload: []byte(payload)}
	if err := s.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := s.DeleteConversation(ctx, conv.ID); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}

	if _, err := s.GetConversation(ctx, conv.ID); !errors.Is(err, chatvault.ErrNotFound) {
		t.Fatal("conversation survived")
	}
	if msgs, _ := s.GetConversationMessages(ctx, conv.ID); len(msgs) != 0 {
		t.Fatal("messages survived")
	}
	if _, err := s.GetEmbedding(ctx, emb.MessageID, "m"); !errors.Is(err, chatvault.ErrNotFound) {
		t.Fatal("embedding survived")
	}
	stats, err := s.QueueStats(ctx)
	if err != nil {
		t.Fatalf("QueueStats: %v", err)
	}
	if stats.Pending != 0 {
		t.Fatalf("pending jobs survived: %+v", stats)
	}
	// FTS rows are gone too: no hits for deleted content.
	hits, err := s.SearchMessagesFTS(ctx, "alpha", 10, "")
	if err != nil {
		t.Fatalf("SearchMessagesFTS: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("fts rows survived: %+v", hits)
	}
}

func TestClearAll(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	seedConversation(t, s, "one", "hello world content")
	seedConversation(t, s, "two", "more content here")

	if err := s.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	n, err := s.CountConversations(ctx)
	if err != nil || n != 0 {
		t.Fatalf("count = %d, err = %v", n, err)
	}
	hits, _ := s.SearchMessagesFTS(ctx, "hello", 10, "")
	if len(hits) != 0 {
		t.Fatalf("fts survived clear: %+v", hits)
	}
}

func TestSearchMessagesFTS(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	conv, _ := seedConversation(t, s, "Cooking",
		"How do I make a roux for gumbo?",
		"Whisk flour into hot oil until chocolate brown.")
	seedConversation(t, s, "Gardening",
		"When should I prune roses?",
		"Late winter, before new growth.")

	hits, err := s.SearchMessagesFTS(ctx, "gumbo roux", 10, "")
	if err != nil {
		t.Fatalf("SearchMessagesFTS: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("hits = %+v", hits)
	}
	if hits[0].ConversationTitle != "Cooking" {
		t.Fatalf("title = %q", hits[0].ConversationTitle)
	}
	if hits[0].Score <= 0 {
		t.Fatalf("score = %v, want > 0", hits[0].Score)
	}

	// Conversation scoping.
	scoped, err := s.SearchMessagesFTS(ctx, "prune", 10, conv.ID)
	if err != nil {
		t.Fatalf("scoped search: %v", err)
	}
	if len(scoped) != 0 {
		t.Fatalf("scoped hits = %+v", scoped)
	}

	// Query punctuation must not break the FTS5 parser.
	if _, err := s.SearchMessagesFTS(ctx, `roux "AND (gumbo`, 10, ""); err != nil {
		t.Fatalf("punctuated query: %v", err)
	}

	// Empty query returns nothing.
	if hits, err := s.SearchMessagesFTS(ctx, "   ", 10, ""); err != nil || len(hits) != 0 {
		t.Fatalf("empty query: hits = %v, err = %v", hits, err)
	}
}

func TestSearchMessagesTrigram(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	seedConversation(t, s, "Dev", "Running kubernetes clusters at home", "Use k3s on a spare machine.")

	// Substring of a word: invisible to word-level FTS, found by trigrams.
	hits, err := s.SearchMessagesTrigram(ctx, "ubernet", 10)
	if err != nil {
		t.Fatalf("SearchMessagesTrigram: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("hits = %+v", hits)
	}

	// Too short to form a trigram.
	if hits, err := s.SearchMessagesTrigram(ctx, "ku", 10); err != nil || len(hits) != 0 {
		t.Fatalf("short query: hits = %v, err = %v", hits, err)
	}
}

func TestSearchMessagesVector(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, msgs := seedConversation(t, s, "Vec", "about dogs", "about cats", "about birds")
	vectors := [][]float32{{1, 0, 0}, {0, 1, 0}, {0.9, 0.1, 0}}
	for i, m := range msgs {
		emb := chatvault.MessageEmbedding{MessageID: m.ID, Model: "m", Vector: vectors[i], CreatedAt: 1}
		if err := s.UpsertEmbedding(ctx, emb); err != nil {
			t.Fatalf("UpsertEmbedding: %v", err)
		}
	}

	hits, err := s.SearchMessagesVector(ctx, []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("SearchMessagesVector: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d", len(hits))
	}
	if hits[0].Content != "about dogs" || hits[1].Content != "about birds" {
		t.Fatalf("order = %q, %q", hits[0].Content, hits[1].Content)
	}
	if math.Abs(float64(hits[0].Score)-1) > 1e-5 {
		t.Fatalf("top score = %v, want 1", hits[0].Score)
	}
	for _, h := range hits {
		if h.Score < 0 || h.Score > 1 {
			t.Fatalf("score out of range: %v", h.Score)
		}
	}
}

func TestUpsertEmbeddingMissingMessage(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	err := s.UpsertEmbedding(ctx, chatvault.MessageEmbedding{
		MessageID: "gone", Model: "m", Vector: []float32{1}, CreatedAt: 1,
	})
	if err == nil {
		t.Fatal("want error for missing message")
	}
	if chatvault.IsTransient(err) {
		t.Fatal("missing message must be permanent")
	}
}

func TestUpsertEmbeddingAfterConversationDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	conv, msgs := seedConversation(t, s, "doomed", "some content")
	if err := s.DeleteConversation(ctx, conv.ID); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}

	err := s.UpsertEmbedding(ctx, chatvault.MessageEmbedding{
		MessageID: msgs[0].ID, Model: "m", Vector: []float32{1}, CreatedAt: 1,
	})
	if !errors.Is(err, chatvault.ErrNotFound) {
		t.Fatalf("err = %v, want not found for deleted message", err)
	}
	// No orphaned row may survive the failed upsert.
	if _, err := s.GetEmbedding(ctx, msgs[0].ID, "m"); !errors.Is(err, chatvault.ErrNotFound) {
		t.Fatalf("orphan check: err = %v, want not found", err)
	}
}

func TestEmbeddingUpsertReplaces(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, msgs := seedConversation(t, s, "e", "some content")
	first := chatvault.MessageEmbedding{MessageID: msgs[0].ID, Model: "m", Vector: []float32{1, 2}, CreatedAt: 1}
	if err := s.UpsertEmbedding(ctx, first); err != nil {
		t.Fatalf("UpsertEmbedding: %v", err)
	}
	second := chatvault.MessageEmbedding{MessageID: msgs[0].ID, Model: "m", Vector: []float32{3, 4}, CreatedAt: 2}
	if err := s.UpsertEmbedding(ctx, second); err != nil {
		t.Fatalf("UpsertEmbedding replace: %v", err)
	}

	got, err := s.GetEmbedding(ctx, msgs[0].ID, "m")
	if err != nil {
		t.Fatalf("GetEmbedding: %v", err)
	}
	if got.Vector[0] != 3 || got.Vector[1] != 4 {
		t.Fatalf("vector = %v", got.Vector)
	}

	cov, err := s.EmbeddingCoverage(ctx)
	if err != nil {
		t.Fatalf("EmbeddingCoverage: %v", err)
	}
	if cov.Messages != 1 || cov.Embedded != 1 {
		t.Fatalf("coverage = %+v", cov)
	}
}

func TestHasEmbeddings(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	has, err := s.HasEmbeddings(ctx)
	if err != nil || has {
		t.Fatalf("empty store: has = %v, err = %v", has, err)
	}

	_, msgs := seedConversation(t, s, "h", "content")
	emb := chatvault.MessageEmbedding{MessageID: msgs[0].ID, Model: "m", Vector: []float32{1}, CreatedAt: 1}
	if err := s.UpsertEmbedding(ctx, emb); err != nil {
		t.Fatalf("UpsertEmbedding: %v", err)
	}
	has, err = s.HasEmbeddings(ctx)
	if err != nil || !has {
		t.Fatalf("after upsert: has = %v, err = %v", has, err)
	}
}

func TestSettings(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.GetSetting(ctx, "missing"); !errors.Is(err, chatvault.ErrNotFound) {
		t.Fatalf("missing setting: %v", err)
	}
	if err := s.SetSetting(ctx, "embedding_model", "text-embedding-004"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if err := s.SetSetting(ctx, "embedding_model", "gemini-embedding-001"); err != nil {
		t.Fatalf("SetSetting overwrite: %v", err)
	}
	got, err := s.GetSetting(ctx, "embedding_model")
	if err != nil || got != "gemini-embedding-001" {
		t.Fatalf("got %q, err = %v", got, err)
	}
	all, err := s.AllSettings(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("all = %v, err = %v", all, err)
	}
}

func TestStats(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	seedConversation(t, s, "a", "q1", "a1")
	seedConversation(t, s, "b", "q2", "a2", "q3")

	cs, err := s.ConversationStats(ctx)
	if err != nil {
		t.Fatalf("ConversationStats: %v", err)
	}
	if cs.Total != 2 || cs.BySource["chatgpt"] != 2 || cs.Last24h != 2 {
		t.Fatalf("conversation stats = %+v", cs)
	}

	ms, err := s.MessageStats(ctx)
	if err != nil {
		t.Fatalf("MessageStats: %v", err)
	}
	if ms.Total != 5 || ms.ByRole[chatvault.RoleUser] != 3 || ms.ByRole[chatvault.RoleAssistant] != 2 {
		t.Fatalf("message stats = %+v", ms)
	}
	if ms.CoveragePct != 0 {
		t.Fatalf("coverage = %v", ms.CoveragePct)
	}
}

func TestMessageMetadataRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ts := chatvault.NowUnix()
	conv := chatvault.Conversation{ID: chatvault.NewID(), Title: "yt", CreatedAt: ts, UpdatedAt: ts}
	msg := chatvault.Message{
		ID: chatvault.NewID(), ConversationID: conv.ID, Role: "user",
		Content: "Watched: Go talk", CreatedAt: ts,
		Meta: &chatvault.MessageMeta{
			Source:           "youtube",
			VideoID:          "f6kdp27TYZs",
			TranscriptStatus: "pending",
			Attachments: []chatvault.Attachment{
				{Type: chatvault.AttachmentCitation, URL: "https://example.com", Available: false},
			},
		},
	}
	if err := s.ImportConversation(ctx, conv, []chatvault.Message{msg}, nil); err != nil {
		t.Fatalf("ImportConversation: %v", err)
	}

	got, err := s.FirstMessage(ctx, conv.ID)
	if err != nil {
		t.Fatalf("FirstMessage: %v", err)
	}
	if got.Meta == nil || got.Meta.VideoID != "f6kdp27TYZs" || got.Meta.TranscriptStatus != "pending" {
		t.Fatalf("meta = %+v", got.Meta)
	}
	if len(got.Meta.Attachments) != 1 || got.Meta.Attachments[0].Type != chatvault.AttachmentCitation {
		t.Fatalf("attachments = %+v", got.Meta.Attachments)
	}
}
