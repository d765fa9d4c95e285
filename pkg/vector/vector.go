// Package vector is the narrow interface to the vector store behind
// knowledge search and the /search and /aggregate endpoints. Embedding
// generation is the caller's collaborator, injected as an Embedder.
package vector

import "context"

// Hit is one search result.
type Hit struct {
	ID       string                 `json:"id"`
	Score    float32                `json:"score"`
	Content  string                 `json:"content,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Filter restricts search and counts to matching payload fields.
type Filter map[string]string

// Embedder turns query text into a vector. The runtime never generates
// embeddings itself.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Store is the capability interface over the vector database.
type Store interface {
	// Search runs a similarity query over one collection.
	Search(ctx context.Context, collection, query string, limit int, filter Filter) ([]Hit, error)

	// Count returns the number of points in a collection matching filter.
	Count(ctx context.Context, collection string, filter Filter) (uint64, error)
}
