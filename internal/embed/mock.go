package embed

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
)

// MockDimensions is the vector size the mock embedder produces, matching
// the MiniLM family so mock data is shape-compatible with real data.
const MockDimensions = 384

// Mock produces deterministic pseudo-embeddings derived from the text
// content. The same text always maps to the same unit vector, and texts
// sharing words get correlated vectors, which is enough for exercising
// search and layout paths without a model.
type Mock struct {
	dims int
}

// NewMock creates a mock embedder with the given dimensionality.
func NewMock(dims int) *Mock {
	if dims <= 0 {
		dims = MockDimensions
	}
	return &Mock{dims: dims}
}

func (m *Mock) Embed(_ context.Context, text string) ([]float32, error) {
	return m.vector(text), nil
}

func (m *Mock) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	result := make([][]float32, len(texts))
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			continue
		}
		result[i] = m.vector(text)
	}
	return result, nil
}

func (m *Mock) Dimensions() int { return m.dims }

// vector sums a deterministic random vector per word, so overlapping
// vocabularies yield higher cosine similarity.
func (m *Mock) vector(text string) []float32 {
	vec := make([]float32, m.dims)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New64a()
		h.Write([]byte(word))
		rng := rand.New(rand.NewSource(int64(h.Sum64())))
		for j := range vec {
			vec[j] += float32(rng.NormFloat64())
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for j := range vec {
			vec[j] *= scale
		}
	}
	return vec
}
