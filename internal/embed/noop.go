package embed

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Noop is a stub Embedder that returns nil vectors. With it wired in,
// documents persist without vectors and semantic search degrades to the
// text fallback. Useful for dev setups without an embedding API key.
type Noop struct{}

// Embed returns a nil vector with no error, signalling that embedding is
// unavailable. Empty input is still rejected so callers exercise the same
// contract as with a real embedder.
func (Noop) Embed(_ context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("embed: empty input at index 0")
	}
	return nil, nil
}

// EmbedBatch returns one nil vector per input.
func (Noop) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errors.New("embed: no input")
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, fmt.Errorf("embed: empty input at index %d", i)
		}
	}
	return make([][]float32, len(texts)), nil
}

var _ Embedder = Noop{}
