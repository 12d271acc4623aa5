package chatvault

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// SearchType selects the search mode.
type SearchType string

const (
	// SearchAuto picks hybrid when any embedding exists, FTS otherwise.
	SearchAuto SearchType = "auto"
	// SearchFTS is lexical full-text search only.
	SearchFTS SearchType = "fts"
	// SearchSemantic is vector k-NN only and fails if the vector path is
	// unavailable (no degradation, the caller asked for it explicitly).
	SearchSemantic SearchType = "semantic"
	// SearchHybrid fuses FTS and vector scores; it degrades to FTS-only
	// when no embeddings exist or the vector backend errors.
	SearchHybrid SearchType = "hybrid"
)

// SearchRequest is a transport-agnostic search query.
// From/To bound created_at (Unix seconds, 0 = open end) and are applied as a
// post-filter before ranking is finalised. Keyword, when set, keeps only
// results whose content contains it case-insensitively.
type SearchRequest struct {
	Query          string     `json:"query"`
	Limit          int        `json:"limit"`
	Type           SearchType `json:"type"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Keyword        string     `json:"keyword,omitempty"`
	From           int64      `json:"from,omitempty"`
	To             int64      `json:"to,omitempty"`
}

// Searcher is implemented by SearchService and its instrumented wrappers.
type Searcher interface {
	Search(ctx context.Context, req SearchRequest) ([]SearchResult, error)
}

// Default fusion weights: vector similarity dominates lexical rank.
const (
	defaultFTSWeight    = 0.4
	defaultVectorWeight = 0.6
)

// SearchOption configures a SearchService.
type SearchOption func(*searchConfig)

type searchConfig struct {
	ftsWeight    float32
	vectorWeight float32
	overfetch    int
	logger       *slog.Logger
}

// WithFusionWeights sets the hybrid fusion weights. Weights need not sum to
// one; combined scores are only compared against each other.
func WithFusionWeights(fts, vector float32) SearchOption {
	return func(c *searchConfig) {
		c.ftsWeight = fts
		c.vectorWeight = vector
	}
}

// WithSearchOverfetch sets the candidate multiplier for hybrid search: each
// leg fetches topK × n candidates before fusion. Default is 3.
func WithSearchOverfetch(n int) SearchOption {
	return func(c *searchConfig) { c.overfetch = n }
}

// WithSearchLogger sets a structured logger. Default discards.
func WithSearchLogger(l *slog.Logger) SearchOption {
	return func(c *searchConfig) { c.logger = l }
}

// SearchService provides FTS, vector, and hybrid search over messages.
// embedding may be nil, in which case semantic mode fails and hybrid/auto
// degrade to FTS-only.
type SearchService struct {
	store     Store
	embedding EmbeddingProvider
	cfg       searchConfig
}

var _ Searcher = (*SearchService)(nil)

// NewSearchService creates a SearchService over store, embedding queries
// with the same provider the worker uses.
func NewSearchService(store Store, embedding EmbeddingProvider, opts ...SearchOption) *SearchService {
	cfg := searchConfig{
		ftsWeight:    defaultFTSWeight,
		vectorWeight: defaultVectorWeight,
		overfetch:    3,
		logger:       slog.New(DiscardHandler),
	}
	for _, o := range opts {
		o(&cfg)
	}
	return &SearchService{store: store, embedding: embedding, cfg: cfg}
}

// Search runs the requested mode and returns ranked results.
func (s *SearchService) Search(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, &ErrValidation{Field: "query", Message: "must not be empty"}
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}
	if req.Type == "" {
		req.Type = SearchAuto
	}

	switch req.Type {
	case SearchAuto:
		has, err := s.store.HasEmbeddings(ctx)
		if err != nil {
			return nil, fmt.Errorf("auto mode probe: %w", err)
		}
		if has && s.embedding != nil {
			return s.searchHybrid(ctx, req)
		}
		return s.searchFTS(ctx, req)
	case SearchFTS:
		return s.searchFTS(ctx, req)
	case SearchSemantic:
		return s.searchVector(ctx, req)
	case SearchHybrid:
		return s.searchHybrid(ctx, req)
	default:
		return nil, &ErrValidation{Field: "type", Message: fmt.Sprintf("unknown search type %q", req.Type)}
	}
}

// searchFTS ranks lexically. When the full-text index has no hits it falls
// back to the trigram index so near-miss spellings still match.
func (s *SearchService) searchFTS(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
	scored, err := s.store.SearchMessagesFTS(ctx, req.Query, req.Limit*s.cfg.overfetch, req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("fts search: %w", err)
	}
	if len(scored) == 0 && req.ConversationID == "" {
		scored, err = s.store.SearchMessagesTrigram(ctx, req.Query, req.Limit*s.cfg.overfetch)
		if err != nil {
			return nil, fmt.Errorf("trigram search: %w", err)
		}
	}
	scored = filterScored(scored, req)
	results := make([]SearchResult, 0, len(scored))
	for _, m := range scored {
		results = append(results, toResult(m, nil, nil))
	}
	return truncate(results, req.Limit), nil
}

func (s *SearchService) searchVector(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
	if s.embedding == nil {
		return nil, &ErrValidation{Field: "type", Message: "semantic search requires an embedding provider"}
	}
	embs, err := s.embedding.Embed(ctx, []string{req.Query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(embs) == 0 {
		return nil, fmt.Errorf("embed query: no embedding returned")
	}
	scored, err := s.store.SearchMessagesVector(ctx, embs[0], req.Limit*s.cfg.overfetch)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	scored = filterScored(scored, req)
	results := make([]SearchResult, 0, len(scored))
	for _, m := range scored {
		sim := clamp01(m.Score)
		results = append(results, toResult(m, &sim, nil))
	}
	return truncate(results, req.Limit), nil
}

// searchHybrid runs the FTS and vector legs concurrently and fuses scores:
// combined = w_fts·minmax(fts_rank) + w_vec·similarity over the candidate
// union. A failed or empty vector leg degrades the call to FTS-only.
func (s *SearchService) searchHybrid(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
	fetchK := req.Limit * s.cfg.overfetch
	if fetchK < req.Limit {
		fetchK = req.Limit
	}

	var (
		wg        sync.WaitGroup
		ftsHits   []ScoredMessage
		ftsErr    error
		vecHits   []ScoredMessage
		vecErr    error
		haveEmbed = s.embedding != nil
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		ftsHits, ftsErr = s.store.SearchMessagesFTS(ctx, req.Query, fetchK, req.ConversationID)
	}()

	if haveEmbed {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var embs [][]float32
			embs, vecErr = s.embedding.Embed(ctx, []string{req.Query})
			if vecErr != nil || len(embs) == 0 {
				return
			}
			vecHits, vecErr = s.store.SearchMessagesVector(ctx, embs[0], fetchK)
		}()
	}
	wg.Wait()

	if ftsErr != nil {
		return nil, fmt.Errorf("fts search: %w", ftsErr)
	}
	if vecErr != nil {
		// Degrade to lexical-only; the caller did not demand semantic.
		s.cfg.logger.Warn("hybrid: vector leg failed, degrading to fts", "err", vecErr)
		vecHits = nil
	}

	ftsHits = filterScored(ftsHits, req)
	vecHits = filterScored(vecHits, req)

	if len(vecHits) == 0 {
		// Degraded hybrid must behave exactly like fts mode, trigram
		// fallback included.
		if len(ftsHits) == 0 && req.ConversationID == "" {
			trigram, err := s.store.SearchMessagesTrigram(ctx, req.Query, fetchK)
			if err != nil {
				return nil, fmt.Errorf("trigram search: %w", err)
			}
			ftsHits = filterScored(trigram, req)
		}
		results := make([]SearchResult, 0, len(ftsHits))
		for _, m := range ftsHits {
			results = append(results, toResult(m, nil, nil))
		}
		return truncate(results, req.Limit), nil
	}

	results := s.fuse(ftsHits, vecHits)
	return truncate(results, req.Limit), nil
}

// fuse merges the two candidate sets by message id with weighted score
// fusion, sorted by combined score descending.
func (s *SearchService) fuse(ftsHits, vecHits []ScoredMessage) []SearchResult {
	norms := minMaxNormalize(ftsHits)

	type candidate struct {
		msg     ScoredMessage
		ftsNorm float32
		sim     *float32
	}
	merged := make(map[string]*candidate, len(ftsHits)+len(vecHits))

	for i, m := range ftsHits {
		merged[m.ID] = &candidate{msg: m, ftsNorm: norms[i]}
	}
	for _, m := range vecHits {
		sim := clamp01(m.Score)
		if c, ok := merged[m.ID]; ok {
			c.sim = &sim
		} else {
			merged[m.ID] = &candidate{msg: m, sim: &sim}
		}
	}

	results := make([]SearchResult, 0, len(merged))
	for _, c := range merged {
		var sim float32
		if c.sim != nil {
			sim = *c.sim
		}
		combined := s.cfg.ftsWeight*c.ftsNorm + s.cfg.vectorWeight*sim
		results = append(results, toResult(c.msg, c.sim, &combined))
	}
	sort.SliceStable(results, func(i, j int) bool {
		return *results[i].CombinedScore > *results[j].CombinedScore
	})
	return results
}

// minMaxNormalize maps backend FTS ranks onto [0,1] over the candidate set.
// A single candidate (or a flat set) normalises to 1.
func minMaxNormalize(hits []ScoredMessage) []float32 {
	norms := make([]float32, len(hits))
	if len(hits) == 0 {
		return norms
	}
	lo, hi := hits[0].Score, hits[0].Score
	for _, h := range hits[1:] {
		if h.Score < lo {
			lo = h.Score
		}
		if h.Score > hi {
			hi = h.Score
		}
	}
	if hi == lo {
		for i := range norms {
			norms[i] = 1
		}
		return norms
	}
	for i, h := range hits {
		norms[i] = (h.Score - lo) / (hi - lo)
	}
	return norms
}

func filterScored(hits []ScoredMessage, req SearchRequest) []ScoredMessage {
	if req.From == 0 && req.To == 0 && req.Keyword == "" {
		return hits
	}
	kw := strings.ToLower(req.Keyword)
	out := hits[:0]
	for _, h := range hits {
		if req.From != 0 && h.CreatedAt < req.From {
			continue
		}
		if req.To != 0 && h.CreatedAt > req.To {
			continue
		}
		if kw != "" && !strings.Contains(strings.ToLower(h.Content), kw) {
			continue
		}
		out = append(out, h)
	}
	return out
}

func toResult(m ScoredMessage, sim, combined *float32) SearchResult {
	return SearchResult{
		MessageID:         m.ID,
		ConversationID:    m.ConversationID,
		ConversationTitle: m.ConversationTitle,
		Role:              m.Role,
		Content:           m.Content,
		CreatedAt:         m.CreatedAt,
		Similarity:        sim,
		CombinedScore:     combined,
	}
}

func truncate(results []SearchResult, limit int) []SearchResult {
	if len(results) > limit {
		return results[:limit]
	}
	return results
}
