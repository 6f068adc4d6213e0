// Package embeddings abstracts the text-embedding backends that power
// semantic recall over the conversation log.
package embeddings

import "context"

// Provider turns text into a dense vector. All vectors produced by one
// Provider share the length reported by Dimensions; vectors from different
// providers live in different spaces and must not be compared.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Embed returns the vector for a single text. The text reaches the
	// backend verbatim; any model prefix convention ("query: ", "passage: ")
	// is the caller's concern.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions reports the vector length this provider produces, or 0
	// when the model is unknown and the length was not configured. Callers
	// with a 0 fall back to their own configured size.
	Dimensions() int
}
