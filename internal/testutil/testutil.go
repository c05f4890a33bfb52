// Package testutil provides shared fakes and assertions for tests across
// the memory backend.
package testutil

import (
	"context"
	"strings"
	"testing"

	"github.com/szaher/recall/internal/embed"
)

// Embedder is a deterministic embed.Embedder: every input maps to Vec,
// or to Err when set. Returned slices are copies, so tests can mutate
// results without aliasing.
type Embedder struct {
	Vec []float32
	Err error
}

var _ embed.Embedder = (*Embedder)(nil)

func (e *Embedder) Embed(_ context.Context, _ string) ([]float32, error) {
	if e.Err != nil {
		return nil, e.Err
	}
	return append([]float32(nil), e.Vec...), nil
}

func (e *Embedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if e.Err != nil {
		return nil, e.Err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = append([]float32(nil), e.Vec...)
	}
	return out, nil
}

// InlineQueue runs enqueued tasks synchronously on the caller's
// goroutine, so tests observe background effects without waiting.
type InlineQueue struct{}

func (InlineQueue) Enqueue(_ string, fn func(ctx context.Context) error) bool {
	_ = fn(context.Background())
	return true
}

// AssertErrorContains asserts that err is non-nil and its message
// contains substr.
func AssertErrorContains(t *testing.T, err error, substr string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got nil", substr)
	}
	if !strings.Contains(err.Error(), substr) {
		t.Fatalf("expected error containing %q, got %q", substr, err.Error())
	}
}
