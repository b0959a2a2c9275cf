package embedding

import (
	"context"
	"crypto/sha256"
	"math"
	"strings"
)

// HashEngine is a deterministic, dependency-free embedder used in tests
// and local development. Each token is hashed into a fixed number of
// buckets; similar texts share buckets and therefore score high on
// cosine similarity. Not a semantic model.
type HashEngine struct {
	dims int
}

// NewHashEngine creates a hash-bucket embedder with the given
// dimensionality (64 if dims <= 0).
func NewHashEngine(dims int) *HashEngine {
	if dims <= 0 {
		dims = 64
	}
	return &HashEngine{dims: dims}
}

func (e *HashEngine) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		sum := sha256.Sum256([]byte(tok))
		idx := (int(sum[0])<<8 | int(sum[1])) % e.dims
		vec[idx]++
	}
	// L2 normalize so cosine reduces to a dot product
	var mag float64
	for _, v := range vec {
		mag += float64(v * v)
	}
	if mag > 0 {
		norm := float32(math.Sqrt(mag))
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}

func (e *HashEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *HashEngine) Dimensions() int { return e.dims }

func (e *HashEngine) Name() string { return "hash" }
