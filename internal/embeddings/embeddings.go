// Package embeddings turns text into fixed-dimension vectors for the
// memory store. Exactly one [Embedder] is active at a time.
package embeddings

import (
	"context"
	"fmt"
	"math"
	"slices"
)

// Embedder converts a batch of texts into vectors of equal length.
// Implementations must return exactly one vector per input text, each
// of length Dimensions().
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	ModelName() string
}

// EmbedOne embeds a single text.
func EmbedOne(ctx context.Context, e Embedder, text string) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// checkBatch verifies a backend's response shape.
func checkBatch(model string, dims int, texts []string, vecs [][]float32) error {
	if len(vecs) != len(texts) {
		return fmt.Errorf("%s: got %d embeddings for %d texts", model, len(vecs), len(texts))
	}
	for i, v := range vecs {
		if len(v) != dims {
			return fmt.Errorf("%s: embedding %d has %d dimensions, want %d", model, i, len(v), dims)
		}
	}
	return nil
}

// CosineSimilarity computes cosine similarity between two vectors.
// Mismatched lengths and zero vectors score 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return float32(dotProduct / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// TopK returns indices of the k vectors most similar to query, best
// first. Equal scores keep their input order.
func TopK(query []float32, vectors [][]float32, k int) []int {
	type scored struct {
		idx   int
		score float32
	}

	scores := make([]scored, len(vectors))
	for i, v := range vectors {
		scores[i] = scored{idx: i, score: CosineSimilarity(query, v)}
	}
	slices.SortStableFunc(scores, func(a, b scored) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		}
		return 0
	})

	k = min(k, len(scores))
	result := make([]int, k)
	for i := range k {
		result[i] = scores[i].idx
	}
	return result
}

// normalize scales v to unit length in place.
func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	n := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= n
	}
}
