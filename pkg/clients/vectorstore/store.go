package vectorstore

import (
	"context"
	"errors"
)

// Document is one unit of indexed text with optional metadata.
type Document struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NoThreshold disables score filtering in Search. Cosine scores live
// in [-1, 1], so this value never excludes a hit; configured
// thresholds are always in [0, 1].
const NoThreshold = -2.0

// Hit is one search result. Score is cosine similarity in [-1, 1];
// non-negative embeddings like the hash embedder's stay in [0, 1].
type Hit struct {
	Text     string         `json:"text"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

var (
	// ErrCollectionExists means CreateCollection hit an existing key.
	ErrCollectionExists = errors.New("vectorstore: collection already exists")

	// ErrCollectionNotFound means the physical key has no index.
	ErrCollectionNotFound = errors.New("vectorstore: collection not found")

	// ErrDimensionMismatch means a vector's length differed from the
	// store's configured embedding dimension.
	ErrDimensionMismatch = errors.New("vectorstore: embedding dimension mismatch")
)

// Store is the similarity-index boundary. Names here are physical
// keys; user scoping happens a layer up in the collections service,
// which is the only caller that constructs keys.
type Store interface {
	CreateCollection(ctx context.Context, name string, docs []Document) error
	AddDocuments(ctx context.Context, name string, docs []Document) error
	Search(ctx context.Context, name, query string, topK int, scoreThreshold float64, metadataFilter map[string]any) ([]Hit, error)
	DeleteCollection(ctx context.Context, name string) error
	CollectionExists(ctx context.Context, name string) (bool, error)
}
