package embeddings

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

// Built-in embedder identity. Changing the hashing scheme requires a
// new model name so stored vectors are migrated rather than mixed.
const (
	LocalModelName  = "hearth-local-hash-v1"
	LocalDimensions = 384
)

// Local is the zero-setup embedder. It hashes words, word bigrams, and
// character trigrams into a fixed-size signed feature vector. It needs
// no network and is deterministic, so recall works out of the box with
// lexical rather than semantic similarity.
type Local struct{}

// NewLocal returns the built-in embedder.
func NewLocal() *Local { return &Local{} }

func (*Local) Dimensions() int   { return LocalDimensions }
func (*Local) ModelName() string { return LocalModelName }

// Embed never fails except on cancellation.
func (l *Local) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = l.vector(text)
	}
	return out, nil
}

func (l *Local) vector(text string) []float32 {
	v := make([]float32, LocalDimensions)
	words := tokenize(text)

	for i, w := range words {
		addFeature(v, "w:"+w, 1.0)
		if i > 0 {
			addFeature(v, "b:"+words[i-1]+" "+w, 0.5)
		}
		padded := "^" + w + "$"
		runes := []rune(padded)
		for j := 0; j+3 <= len(runes); j++ {
			addFeature(v, "c:"+string(runes[j:j+3]), 0.25)
		}
	}

	normalize(v)
	return v
}

// addFeature hashes a feature into one bucket with a hash-derived sign,
// which keeps unrelated collisions from piling up in one direction.
func addFeature(v []float32, feature string, weight float32) {
	h := fnv.New64a()
	h.Write([]byte(feature))
	sum := h.Sum64()

	bucket := sum % uint64(len(v))
	if sum>>63 == 1 {
		weight = -weight
	}
	v[bucket] += weight
}

// tokenize lowercases and splits on anything that is not a letter or
// digit. Possessive "'s" is dropped so "user's" matches "user".
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	words := fields[:0]
	for _, f := range fields {
		f = strings.TrimSuffix(strings.Trim(f, "'"), "'s")
		if f != "" {
			words = append(words, f)
		}
	}
	return words
}

var _ Embedder = (*Local)(nil)
