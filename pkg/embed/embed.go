// Package embed defines the embedding provider contract and its Ollama
// implementation. Providers are deterministic per model: the same text
// always embeds to the same vector.
package embed

import "context"

// Provider computes fixed-dimension embeddings.
type Provider interface {
	// Embed returns the vector for text. The slice length always equals
	// Dim on success.
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dim is the vector dimension, fixed per deployment.
	Dim() int
	// ModelName identifies the underlying model.
	ModelName() string
}
