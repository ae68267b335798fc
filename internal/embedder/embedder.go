// Package embedder provides interfaces and implementations for text embedding.
package embedder

import (
	"context"
	"errors"
	"fmt"
)

// ErrDimensionMismatch is returned when a model produces vectors of a size
// other than the one the index was created with.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Embedder defines the interface for text embedding services.
type Embedder interface {
	// Embed generates an embedding vector for a single text input.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the dimensionality of the embedding vectors.
	Dimension() int

	// ModelName returns the name of the embedding model being used.
	ModelName() string
}

// KnownDimensions maps embedding model names to their vector size.
var KnownDimensions = map[string]int{
	"nomic-embed-text":       768,
	"mxbai-embed-large":      1024,
	"all-minilm":             384,
	"snowflake-arctic-embed": 1024,
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// DimensionFor returns the configured dimension when set, otherwise the known
// dimension of model, otherwise 768.
func DimensionFor(model string, configured int) int {
	if configured > 0 {
		return configured
	}
	if d, ok := KnownDimensions[model]; ok {
		return d
	}
	return 768
}

func checkDimension(vec []float32, want int) error {
	if want > 0 && len(vec) != want {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), want)
	}
	return nil
}
