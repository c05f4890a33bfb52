// Package embed produces vector embeddings for chunk content, summaries,
// and insight text. The OpenAI-compatible client works against
// api.openai.com and any self-hosted endpoint speaking the same wire
// format; Noop disables semantic search for keyless dev setups.
package embed

import "context"

// Embedder turns text into fixed-dimension vectors for similarity search.
// Implementations must be safe for concurrent use.
type Embedder interface {
	// Embed returns the vector for a single input. Empty input is an error.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one vector per input, preserving order. An empty
	// slice or any empty element is an error.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}
