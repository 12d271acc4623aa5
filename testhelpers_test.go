package chatvault

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
)

// fakeStore is an in-memory Store for service-level tests. Search legs are
// deliberately simple: FTS scores by substring occurrence count, trigram
// returns whatever the test planted, vector runs real cosine similarity.
type fakeStore struct {
	convs    map[string]Conversation
	msgs     map[string][]Message // by conversation id, insertion order
	embs     map[string]MessageEmbedding
	settings map[string]string

	trigramHits []ScoredMessage
	ftsErr      error
	vecErr      error
}

var _ Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		convs:    make(map[string]Conversation),
		msgs:     make(map[string][]Message),
		embs:     make(map[string]MessageEmbedding),
		settings: make(map[string]string),
	}
}

func embKey(messageID, model string) string { return messageID + "|" + model }

func (f *fakeStore) ImportConversation(_ context.Context, conv Conversation, msgs []Message, _ []Job) error {
	f.convs[conv.ID] = conv
	f.msgs[conv.ID] = append([]Message(nil), msgs...)
	return nil
}

func (f *fakeStore) GetConversation(_ context.Context, id string) (Conversation, error) {
	conv, ok := f.convs[id]
	if !ok {
		return Conversation{}, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return conv, nil
}

func (f *fakeStore) ListConversations(_ context.Context, limit, offset int) ([]Conversation, error) {
	all := make([]Conversation, 0, len(f.convs))
	for _, c := range f.convs {
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].UpdatedAt != all[j].UpdatedAt {
			return all[i].UpdatedAt > all[j].UpdatedAt
		}
		return all[i].ID > all[j].ID
	})
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (f *fakeStore) CountConversations(_ context.Context) (int, error) {
	return len(f.convs), nil
}

func (f *fakeStore) ConversationStats(_ context.Context) (ConversationStats, error) {
	stats := ConversationStats{Total: len(f.convs), BySource: map[string]int{}}
	for _, c := range f.convs {
		if c.Source != "" {
			stats.BySource[c.Source]++
		}
	}
	return stats, nil
}

func (f *fakeStore) ImportedOrigins(_ context.Context) ([]OriginRecord, error) {
	var out []OriginRecord
	for _, c := range f.convs {
		if c.OriginID != "" {
			out = append(out, OriginRecord{OriginID: c.OriginID, ConversationID: c.ID, ContentHash: c.ContentHash})
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteConversation(_ context.Context, id string) error {
	for _, m := range f.msgs[id] {
		for key := range f.embs {
			if strings.HasPrefix(key, m.ID+"|") {
				delete(f.embs, key)
			}
		}
	}
	delete(f.convs, id)
	delete(f.msgs, id)
	return nil
}

func (f *fakeStore) ClearAll(_ context.Context) error {
	f.convs = make(map[string]Conversation)
	f.msgs = make(map[string][]Message)
	f.embs = make(map[string]MessageEmbedding)
	return nil
}

func (f *fakeStore) GetConversationMessages(_ context.Context, conversationID string) ([]Message, error) {
	msgs := append([]Message(nil), f.msgs[conversationID]...)
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt != msgs[j].CreatedAt {
			return msgs[i].CreatedAt < msgs[j].CreatedAt
		}
		return msgs[i].Seq < msgs[j].Seq
	})
	return msgs, nil
}

func (f *fakeStore) FirstMessage(ctx context.Context, conversationID string) (Message, error) {
	msgs, _ := f.GetConversationMessages(ctx, conversationID)
	if len(msgs) == 0 {
		return Message{}, fmt.Errorf("first message of %s: %w", conversationID, ErrNotFound)
	}
	return msgs[0], nil
}

func (f *fakeStore) SearchMessagesFTS(_ context.Context, query string, topK int, conversationID string) ([]ScoredMessage, error) {
	if f.ftsErr != nil {
		return nil, f.ftsErr
	}
	q := strings.ToLower(query)
	var hits []ScoredMessage
	for convID, msgs := range f.msgs {
		if conversationID != "" && convID != conversationID {
			continue
		}
		title := f.convs[convID].Title
		for _, m := range msgs {
			n := strings.Count(strings.ToLower(m.Content), q)
			if n == 0 {
				continue
			}
			hits = append(hits, ScoredMessage{Message: m, ConversationTitle: title, Score: float32(n)})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (f *fakeStore) SearchMessagesTrigram(_ context.Context, _ string, topK int) ([]ScoredMessage, error) {
	hits := f.trigramHits
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (f *fakeStore) SearchMessagesVector(_ context.Context, embedding []float32, topK int) ([]ScoredMessage, error) {
	if f.vecErr != nil {
		return nil, f.vecErr
	}
	var hits []ScoredMessage
	for convID, msgs := range f.msgs {
		title := f.convs[convID].Title
		for _, m := range msgs {
			for key, emb := range f.embs {
				if !strings.HasPrefix(key, m.ID+"|") {
					continue
				}
				score := cosine(embedding, emb.Vector)
				if score < 0 {
					score = 0
				}
				hits = append(hits, ScoredMessage{Message: m, ConversationTitle: title, Score: score})
			}
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (f *fakeStore) MessageStats(_ context.Context) (MessageStats, error) {
	stats := MessageStats{ByRole: map[string]int{}}
	for _, msgs := range f.msgs {
		for _, m := range msgs {
			stats.Total++
			stats.ByRole[m.Role]++
		}
	}
	return stats, nil
}

func (f *fakeStore) UpsertEmbedding(_ context.Context, emb MessageEmbedding) error {
	found := false
	for _, msgs := range f.msgs {
		for _, m := range msgs {
			if m.ID == emb.MessageID {
				found = true
			}
		}
	}
	if !found {
		return &ErrStore{Op: "upsert embedding", Err: ErrNotFound}
	}
	f.embs[embKey(emb.MessageID, emb.Model)] = emb
	return nil
}

func (f *fakeStore) GetEmbedding(_ context.Context, messageID, model string) (MessageEmbedding, error) {
	emb, ok := f.embs[embKey(messageID, model)]
	if !ok {
		return MessageEmbedding{}, fmt.Errorf("embedding %s/%s: %w", messageID, model, ErrNotFound)
	}
	return emb, nil
}

func (f *fakeStore) HasEmbeddings(_ context.Context) (bool, error) {
	return len(f.embs) > 0, nil
}

func (f *fakeStore) EmbeddingCoverage(_ context.Context) (EmbeddingCoverage, error) {
	total := 0
	for _, msgs := range f.msgs {
		total += len(msgs)
	}
	return EmbeddingCoverage{Messages: total, Embedded: len(f.embs)}, nil
}

func (f *fakeStore) GetSetting(_ context.Context, key string) (string, error) {
	v, ok := f.settings[key]
	if !ok {
		return "", fmt.Errorf("setting %s: %w", key, ErrNotFound)
	}
	return v, nil
}

func (f *fakeStore) SetSetting(_ context.Context, key, value string) error {
	f.settings[key] = value
	return nil
}

func (f *fakeStore) AllSettings(_ context.Context) (map[string]string, error) {
	out := make(map[string]string, len(f.settings))
	for k, v := range f.settings {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) Init(_ context.Context) error { return nil }
func (f *fakeStore) Close() error                 { return nil }

func cosine(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// stubEmbedder returns the configured vector for every text.
type stubEmbedder struct {
	vec  []float32
	err  error
	dims int
}

func (s *stubEmbedder) Name() string    { return "stub" }
func (s *stubEmbedder) Dimensions() int { return s.dims }
func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = s.vec
	}
	return out, nil
}
