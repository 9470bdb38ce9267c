// Package embed generates dense embedding vectors for page bodies and
// queries by calling an external model service.
package embed

import (
	"context"
	"math"
	"time"
)

// Common embedding constants.
const (
	// Dimensions is the embedding width for nomic-embed-text. Every
	// vector in the system has this shape.
	Dimensions = 768

	// DefaultTimeout is the per-attempt budget for one embedding call.
	// The first inference after a cold start can take most of it while
	// the model loads.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxAttempts is the total number of tries per call.
	DefaultMaxAttempts = 5

	// DefaultModel is the embedding model used by the deployment.
	DefaultModel = "nomic-embed-text"
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed generates the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Close releases resources.
	Close() error
}

// normalizeVector normalizes a vector to unit length in place-safe
// fashion (a new slice is returned). Zero vectors are returned as-is.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}

	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}

	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}
