package storage

import (
	"math"
	"sort"

	"github.com/szaher/recall/internal/model"
)

// cosineSimilarity computes the cosine similarity of two vectors. Returns 0
// for empty, mismatched, or zero-magnitude inputs.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// rankDocs orders docs best-first and truncates to topK (topK <= 0 keeps all).
func rankDocs(docs []model.ScoredDoc, topK int) []model.ScoredDoc {
	sort.SliceStable(docs, func(i, j int) bool { return docs[i].Score > docs[j].Score })
	if topK > 0 && len(docs) > topK {
		docs = docs[:topK]
	}
	return docs
}
