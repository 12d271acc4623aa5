// Package gemini implements chatvault.EmbeddingProvider on the Gemini API.
// Texts are embedded with one batchEmbedContents call per Embed invocation.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	chatvault "github.com/chatvault/chatvault"
)

// baseURL is a package variable so tests can point at a local server.
var baseURL = "https://generativelanguage.googleapis.com/v1beta"

// DefaultModel is the embedding model used when none is configured.
const DefaultModel = "gemini-embedding-001"

// Embedding implements chatvault.EmbeddingProvider for Gemini embedding
// models.
type Embedding struct {
	apiKey     string
	model      string
	dims       int
	httpClient *http.Client
}

// Option configures an Embedding provider.
type Option func(*Embedding)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Embedding) { e.httpClient = c }
}

// NewEmbedding creates a Gemini embedding provider. dims sets
// outputDimensionality on every request.
func NewEmbedding(apiKey, model string, dims int, opts ...Option) *Embedding {
	if model == "" {
		model = DefaultModel
	}
	e := &Embedding{
		apiKey:     apiKey,
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

type batchEmbedRequest struct {
	Requests []embedRequest `json:"requests"`
}

type embedRequest struct {
	Model                string       `json:"model"`
	Content              embedContent `json:"content"`
	OutputDimensionality int          `json:"outputDimensionality,omitempty"`
}

type embedContent struct {
	Parts []embedPart `json:"parts"`
}

type embedPart struct {
	Text string `json:"text"`
}

type batchEmbedResponse struct {
	Embeddings []struct {
		Values []float64 `json:"values"`
	} `json:"embeddings"`
}

// Embed embeds all texts in a single batchEmbedContents call and returns one
// vector per input, in order.
func (e *Embedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	req := batchEmbedRequest{Requests: make([]embedRequest, len(texts))}
	for i, text := range texts {
		req.Requests[i] = embedRequest{
			Model:                "models/" + e.model,
			Content:              embedContent{Parts: []embedPart{{Text: text}}},
			OutputDimensionality: e.dims,
		}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal embed body: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:batchEmbedContents?key=%s", baseURL, e.model, e.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return nil, fmt.Errorf("gemini: create embed request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: embed request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gemini: read embed response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("gemini: embed: %w", &chatvault.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
		})
	}

	var parsed batchEmbedResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("gemini: parse embed response: %w", err)
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, fmt.Errorf("gemini: got %d embeddings for %d inputs", len(parsed.Embeddings), len(texts))
	}

	out := make([][]float32, len(parsed.Embeddings))
	for i, emb := range parsed.Embeddings {
		vec := make([]float32, len(emb.Values))
		for j, v := range emb.Values {
			vec[j] = float32(v)
		}
		out[i] = vec
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
