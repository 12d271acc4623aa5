package chatvault

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
)

// Context window sentinel markers. Callers strip them if unwanted.
const (
	MarkerContextStart = "[CTX_START]"
	MarkerContextEnd   = "[CTX_END]"
	MarkerMatchStart   = "[MATCH]"
	MarkerMatchEnd     = "[/MATCH]"
)

// ContextualParams controls one Retrieve call. Zero values pick defaults:
// 5 windows, symmetric context of 2, λ=0.5. AsymmetricBefore/After, when
// non-nil, override the symmetric ContextWindow on their side.
type ContextualParams struct {
	TopKWindows          int     `json:"top_k_windows"`
	ContextWindow        int     `json:"context_window"`
	AsymmetricBefore     *int    `json:"asymmetric_before,omitempty"`
	AsymmetricAfter      *int    `json:"asymmetric_after,omitempty"`
	AdaptiveContext      bool    `json:"adaptive_context"`
	Deduplicate          bool    `json:"deduplicate"`
	MaxTokens            int     `json:"max_tokens,omitempty"`
	IncludeMarkers       bool    `json:"include_markers"`
	ProximityDecayLambda float64 `json:"proximity_decay_lambda"`
	ApplyRecencyBonus    bool    `json:"apply_recency_bonus"`
}

// ContextWindow is a matched message plus its conversational neighbours,
// ready to drop into a RAG prompt. MatchPosition is the seed's index within
// Messages; TokenEstimate uses the chars-per-token heuristic and excludes
// markers.
type ContextWindow struct {
	WindowID         string           `json:"window_id"`
	ConversationID   string           `json:"conversation_id"`
	MatchedMessageID string           `json:"matched_message_id"`
	Content          string           `json:"content"`
	Messages         []Message        `json:"messages"`
	WindowSize       int              `json:"window_size"`
	MatchPosition    int              `json:"match_position"`
	BeforeCount      int              `json:"before_count"`
	AfterCount       int              `json:"after_count"`
	BaseScore        float64          `json:"base_score"`
	AggregatedScore  float64          `json:"aggregated_score"`
	Roles            []string         `json:"roles"`
	TokenEstimate    int              `json:"token_estimate"`
	RetrievalParams  ContextualParams `json:"retrieval_params"`
}

// ContextualOption configures a ContextualRetriever.
type ContextualOption func(*contextualConfig)

type contextualConfig struct {
	maxWindowSize   int
	overfetchFactor int
	charsPerToken   int
	neighborWeight  float64
	recencyWeight   float64
	logger          *slog.Logger
}

// WithMaxWindowSize caps every window dimension a caller may request.
// Default 50.
func WithMaxWindowSize(n int) ContextualOption {
	return func(c *contextualConfig) { c.maxWindowSize = n }
}

// WithContextOverfetch sets the seed over-fetch factor: Retrieve asks the
// search service for top_k_windows × factor seeds. Default 3.
func WithContextOverfetch(n int) ContextualOption {
	return func(c *contextualConfig) { c.overfetchFactor = n }
}

// WithCharsPerToken sets the token-estimation ratio. Default 4, roughly one
// token per four characters of English text.
func WithCharsPerToken(n int) ContextualOption {
	return func(c *contextualConfig) { c.charsPerToken = n }
}

// WithNeighborWeight sets the fraction of summed neighbour contributions
// added to the base score, keeping the base dominant. Default 0.3.
func WithNeighborWeight(w float64) ContextualOption {
	return func(c *contextualConfig) { c.neighborWeight = w }
}

// WithContextLogger sets a structured logger. Default discards.
func WithContextLogger(l *slog.Logger) ContextualOption {
	return func(c *contextualConfig) { c.logger = l }
}

// ContextualRetriever expands search hits into token-budgeted context
// windows with de-duplication, adaptive sizing, and proximity-weighted
// aggregate scores.
type ContextualRetriever struct {
	search Searcher
	store  Store
	cfg    contextualConfig
}

// NewContextualRetriever creates a retriever that seeds from search
// (normally a hybrid SearchService) and loads neighbours from store.
func NewContextualRetriever(store Store, search Searcher, opts ...ContextualOption) *ContextualRetriever {
	cfg := contextualConfig{
		maxWindowSize:   50,
		overfetchFactor: 3,
		charsPerToken:   4,
		neighborWeight:  0.3,
		recencyWeight:   0.1,
		logger:          slog.New(DiscardHandler),
	}
	for _, o := range opts {
		o(&cfg)
	}
	return &ContextualRetriever{search: search, store: store, cfg: cfg}
}

// window is a candidate during assembly: a contiguous [start,end] slice of
// one conversation's messages with the seed at seedIdx.
type window struct {
	convID   string
	msgs     []Message // full conversation, ordered
	start    int
	end      int // inclusive
	seedIdx  int
	base     float64
	score    float64
	latestAt int64
}

// Retrieve produces up to p.TopKWindows context windows for query.
func (r *ContextualRetriever) Retrieve(ctx context.Context, query string, p ContextualParams) ([]ContextWindow, error) {
	if strings.TrimSpace(query) == "" {
		return nil, &ErrValidation{Field: "query", Message: "must not be empty"}
	}
	if p.TopKWindows <= 0 {
		p.TopKWindows = 5
	}
	if p.ContextWindow < 0 {
		return nil, &ErrValidation{Field: "context_window", Message: "must not be negative"}
	}
	if p.ContextWindow == 0 && p.AsymmetricBefore == nil && p.AsymmetricAfter == nil {
		p.ContextWindow = 2
	}
	if p.ProximityDecayLambda <= 0 {
		p.ProximityDecayLambda = 0.5
	}
	for field, v := range map[string]int{
		"context_window":    p.ContextWindow,
		"asymmetric_before": derefOr(p.AsymmetricBefore, 0),
		"asymmetric_after":  derefOr(p.AsymmetricAfter, 0),
	} {
		if v > r.cfg.maxWindowSize {
			return nil, &ErrValidation{Field: field, Message: fmt.Sprintf("exceeds maximum window size %d", r.cfg.maxWindowSize)}
		}
		if v < 0 {
			return nil, &ErrValidation{Field: field, Message: "must not be negative"}
		}
	}

	before := p.ContextWindow
	after := p.ContextWindow
	if p.AsymmetricBefore != nil {
		before = *p.AsymmetricBefore
	}
	if p.AsymmetricAfter != nil {
		after = *p.AsymmetricAfter
	}

	seeds, err := r.search.Search(ctx, SearchRequest{
		Query: query,
		Limit: p.TopKWindows * r.cfg.overfetchFactor,
		Type:  SearchHybrid,
	})
	if err != nil {
		return nil, fmt.Errorf("seed search: %w", err)
	}
	if len(seeds) == 0 {
		return nil, nil
	}

	windows, err := r.expandSeeds(ctx, seeds, before, after, p)
	if err != nil {
		return nil, err
	}

	r.scoreWindows(windows, p)

	if p.Deduplicate {
		windows = mergeOverlapping(windows)
	}

	sort.SliceStable(windows, func(i, j int) bool { return windows[i].score > windows[j].score })
	if len(windows) > p.TopKWindows {
		windows = windows[:p.TopKWindows]
	}

	if p.MaxTokens > 0 {
		windows = r.budgetTokens(windows, p.MaxTokens)
	}

	out := make([]ContextWindow, 0, len(windows))
	for _, w := range windows {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		out = append(out, r.render(w, p))
	}
	return out, nil
}

// expandSeeds loads each seed's conversation once and clips the requested
// neighbourhood at conversation boundaries. With adaptive context enabled,
// a lower-scored seed's window shrinks away from ranges already claimed by
// higher-scored seeds in the same conversation; it never expands.
func (r *ContextualRetriever) expandSeeds(ctx context.Context, seeds []SearchResult, before, after int, p ContextualParams) ([]*window, error) {
	convCache := make(map[string][]Message)
	var windows []*window

	// Highest base first so adaptive shrinking favours stronger seeds.
	ordered := make([]SearchResult, len(seeds))
	copy(ordered, seeds)
	sort.SliceStable(ordered, func(i, j int) bool {
		return seedBase(ordered[i], i) > seedBase(ordered[j], j)
	})

	claimed := make(map[string][][2]int) // convID -> claimed [start,end] ranges

	for rank, seed := range ordered {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msgs, ok := convCache[seed.ConversationID]
		if !ok {
			var err error
			msgs, err = r.store.GetConversationMessages(ctx, seed.ConversationID)
			if err != nil {
				return nil, fmt.Errorf("load conversation %s: %w", seed.ConversationID, err)
			}
			convCache[seed.ConversationID] = msgs
		}
		seedIdx := -1
		for i, m := range msgs {
			if m.ID == seed.MessageID {
				seedIdx = i
				break
			}
		}
		if seedIdx < 0 {
			r.cfg.logger.Warn("seed message missing from conversation, skipping",
				"message_id", seed.MessageID, "conversation_id", seed.ConversationID)
			continue
		}

		start := max(0, seedIdx-before)
		end := min(len(msgs)-1, seedIdx+after)

		if p.AdaptiveContext {
			for _, c := range claimed[seed.ConversationID] {
				if c[1] < start || c[0] > end {
					continue // disjoint
				}
				switch {
				case seedIdx > c[1]:
					start = max(start, c[1]+1)
				case seedIdx < c[0]:
					end = min(end, c[0]-1)
				default:
					// Seed sits inside a stronger window; dedup merges it.
				}
			}
			if start > seedIdx {
				start = seedIdx
			}
			if end < seedIdx {
				end = seedIdx
			}
			claimed[seed.ConversationID] = append(claimed[seed.ConversationID], [2]int{start, end})
		}

		windows = append(windows, &window{
			convID:  seed.ConversationID,
			msgs:    msgs,
			start:   start,
			end:     end,
			seedIdx: seedIdx,
			base:    seedBase(seed, rank),
		})
	}
	return windows, nil
}

// seedBase derives the base score for a seed: hybrid combined score when
// present, else similarity, else a rank-decayed fallback for pure-FTS
// degradation where the backend rank scale is meaningless.
func seedBase(r SearchResult, rank int) float64 {
	switch {
	case r.CombinedScore != nil:
		return float64(*r.CombinedScore)
	case r.Similarity != nil:
		return float64(*r.Similarity)
	default:
		return 1 / float64(rank+1)
	}
}

// scoreWindows computes the proximity-decayed aggregate score. A message at
// signed offset d from the seed contributes base·exp(−λ|d|); the window
// keeps base dominant by adding only a fraction of the summed neighbour
// contributions. The recency bonus is a min-max-normalised monotone bump on
// the window's latest timestamp.
func (r *ContextualRetriever) scoreWindows(windows []*window, p ContextualParams) {
	for _, w := range windows {
		var neighbors float64
		for i := w.start; i <= w.end; i++ {
			d := i - w.seedIdx
			if d == 0 {
				continue
			}
			neighbors += w.base * math.Exp(-p.ProximityDecayLambda*math.Abs(float64(d)))
		}
		w.score = w.base + r.cfg.neighborWeight*neighbors
		w.latestAt = w.msgs[w.start].CreatedAt
		for i := w.start; i <= w.end; i++ {
			if w.msgs[i].CreatedAt > w.latestAt {
				w.latestAt = w.msgs[i].CreatedAt
			}
		}
	}

	if !p.ApplyRecencyBonus || len(windows) == 0 {
		return
	}
	lo, hi := windows[0].latestAt, windows[0].latestAt
	for _, w := range windows[1:] {
		if w.latestAt < lo {
			lo = w.latestAt
		}
		if w.latestAt > hi {
			hi = w.latestAt
		}
	}
	if hi == lo {
		return
	}
	for _, w := range windows {
		w.score += r.cfg.recencyWeight * float64(w.latestAt-lo) / float64(hi-lo)
	}
}

// mergeOverlapping merges windows that share any message: the union of
// messages survives under the higher-scored window's seed and score.
func mergeOverlapping(windows []*window) []*window {
	sort.SliceStable(windows, func(i, j int) bool { return windows[i].score > windows[j].score })
	var kept []*window
	for _, w := range windows {
		merged := false
		for _, k := range kept {
			if k.convID != w.convID {
				continue
			}
			if w.end < k.start || w.start > k.end {
				continue
			}
			// Union of ranges; k is the higher-scored survivor.
			if w.start < k.start {
				k.start = w.start
			}
			if w.end > k.end {
				k.end = w.end
			}
			merged = true
			break
		}
		if !merged {
			kept = append(kept, w)
		}
	}
	return kept
}

// budgetTokens greedily admits windows in score order. A window that does
// not fit whole first sheds trailing messages (keeping the seed) before
// being dropped entirely.
func (r *ContextualRetriever) budgetTokens(windows []*window, maxTokens int) []*window {
	remaining := maxTokens
	var kept []*window
	for _, w := range windows {
		cost := r.windowTokens(w)
		for cost > remaining && w.end > w.seedIdx {
			w.end--
			cost = r.windowTokens(w)
		}
		for cost > remaining && w.start < w.seedIdx {
			w.start++
			cost = r.windowTokens(w)
		}
		if cost > remaining {
			continue
		}
		remaining -= cost
		kept = append(kept, w)
		if remaining <= 0 {
			break
		}
	}
	return kept
}

func (r *ContextualRetriever) windowTokens(w *window) int {
	total := 0
	for i := w.start; i <= w.end; i++ {
		total += estimateTokens(w.msgs[i].Content, r.cfg.charsPerToken)
	}
	return total
}

func estimateTokens(content string, charsPerToken int) int {
	if charsPerToken <= 0 {
		charsPerToken = 4
	}
	return (len(content) + charsPerToken - 1) / charsPerToken
}

// render materialises the final ContextWindow record.
func (r *ContextualRetriever) render(w *window, p ContextualParams) ContextWindow {
	msgs := make([]Message, 0, w.end-w.start+1)
	roles := make([]string, 0, w.end-w.start+1)
	var parts []string
	tokens := 0

	for i := w.start; i <= w.end; i++ {
		m := w.msgs[i]
		msgs = append(msgs, m)
		roles = append(roles, m.Role)
		tokens += estimateTokens(m.Content, r.cfg.charsPerToken)

		text := m.Content
		if p.IncludeMarkers && i == w.seedIdx {
			text = MarkerMatchStart + text + MarkerMatchEnd
		}
		parts = append(parts, text)
	}

	content := strings.Join(parts, "\n\n")
	if p.IncludeMarkers {
		content = MarkerContextStart + "\n" + content + "\n" + MarkerContextEnd
	}

	return ContextWindow{
		WindowID:         NewID(),
		ConversationID:   w.convID,
		MatchedMessageID: w.msgs[w.seedIdx].ID,
		Content:          content,
		Messages:         msgs,
		WindowSize:       len(msgs),
		MatchPosition:    w.seedIdx - w.start,
		BeforeCount:      w.seedIdx - w.start,
		AfterCount:       w.end - w.seedIdx,
		BaseScore:        w.base,
		AggregatedScore:  w.score,
		Roles:            roles,
		TokenEstimate:    tokens,
		RetrievalParams:  p,
	}
}

func derefOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}
