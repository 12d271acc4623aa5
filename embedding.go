package chatvault

import "context"

// EmbeddingProvider generates vector embeddings for texts.
type EmbeddingProvider interface {
	// Embed returns embedding vectors for the given texts, one per input,
	// in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding vector size.
	Dimensions() int
	// Name returns the provider name.
	Name() string
}
