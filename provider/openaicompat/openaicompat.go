// Package openaicompat implements chatvault.EmbeddingProvider against any
// OpenAI-compatible /v1/embeddings endpoint (OpenAI, Ollama, LM Studio,
// vLLM, and most local inference servers).
package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	chatvault "github.com/chatvault/chatvault"
)

// Embedding implements chatvault.EmbeddingProvider over the OpenAI
// embeddings wire format.
type Embedding struct {
	baseURL    string
	apiKey     string
	model      string
	dims       int
	httpClient *http.Client
}

// Option configures an Embedding provider.
type Option func(*Embedding)

// WithAPIKey sets the bearer token. Local servers usually need none.
func WithAPIKey(key string) Option {
	return func(e *Embedding) { e.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Embedding) { e.httpClient = c }
}

// NewEmbedding creates a provider for baseURL (e.g.
// "https://api.openai.com/v1" or "http://localhost:11434/v1").
func NewEmbedding(baseURL, model string, dims int, opts ...Option) *Embedding {
	e := &Embedding{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		model:      model,
		dims:       dims,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

var _ chatvault.EmbeddingProvider = (*Embedding)(nil)

// Name returns the model identifier, used as the embedding model tag.
func (e *Embedding) Name() string { return e.model }

// Dimensions returns the configured embedding dimensionality.
func (e *Embedding) Dimensions() int { return e.dims }

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed embeds all texts in one request. The response data is re-sorted by
// index: the API does not guarantee input order.
func (e *Embedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(embeddingsRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("openaicompat: marshal embed body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", strings.NewReader(string(payload)))
	if err != nil {
		return nil, fmt.Errorf("openaicompat: create embed request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openaicompat: embed request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openaicompat: read embed response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("openaicompat: embed: %w", &chatvault.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
		})
	}

	var parsed embeddingsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("openaicompat: parse embed response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("openaicompat: got %d embeddings for %d inputs", len(parsed.Data), len(texts))
	}

	sort.Slice(parsed.Data, func(i, j int) bool { return parsed.Data[i].Index < parsed.Data[j].Index })
	out := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	secs, err := strconv.Atoi(h)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
