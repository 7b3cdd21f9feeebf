package nodes

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"dagflow/api/pkg/clients/vectorstore"
)

// collectionNamePattern matches logical collection names. Mirrors the
// collections service constraint so bad names fail validation here
// instead of at search time.
var collectionNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

const (
	defaultTopK = 5
	maxTopK     = 100
)

// VectorSearchHandler executes faiss_search nodes against the
// user-scoped collections service. The executing user comes from the
// context; the handler never sees physical index keys.
//
// Config:
//
//	collection_name  string, required
//	query            string template, required
//	top_k            integer, default 5, range [1, 100]
//	score_threshold  number, optional, range [0, 1]
//	metadata_filter  map, optional
type VectorSearchHandler struct {
	searcher VectorSearcher
}

// NewVectorSearchHandler creates the faiss_search handler.
func NewVectorSearchHandler(searcher VectorSearcher) *VectorSearchHandler {
	return &VectorSearchHandler{searcher: searcher}
}

func (h *VectorSearchHandler) Type() string { return TypeFaissSearch }

func (h *VectorSearchHandler) ValidateConfig(config map[string]any) error {
	name, ok := configString(config, "collection_name")
	if !ok || name == "" {
		return &ConfigError{NodeType: h.Type(), Detail: "collection_name is required"}
	}
	if !collectionNamePattern.MatchString(name) {
		return &ConfigError{NodeType: h.Type(), Detail: fmt.Sprintf("collection_name %q contains invalid characters", name)}
	}
	query, ok := configString(config, "query")
	if !ok || strings.TrimSpace(query) == "" {
		return &ConfigError{NodeType: h.Type(), Detail: "query is required"}
	}
	if topK, ok := configInt(config, "top_k"); ok && (topK < 1 || topK > maxTopK) {
		return &ConfigError{NodeType: h.Type(), Detail: fmt.Sprintf("top_k %d out of range [1, %d]", topK, maxTopK)}
	}
	if threshold, ok := configFloat(config, "score_threshold"); ok && (threshold < 0 || threshold > 1) {
		return &ConfigError{NodeType: h.Type(), Detail: fmt.Sprintf("score_threshold %.2f out of range [0, 1]", threshold)}
	}
	return nil
}

func (h *VectorSearchHandler) Execute(ctx context.Context, config map[string]any, input map[string]any) (map[string]any, error) {
	if h.searcher == nil {
		return nil, fmt.Errorf("vector searcher is nil")
	}
	userID, ok := UserFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("no executing user bound to context")
	}

	name, _ := configString(config, "collection_name")
	query, _ := configString(config, "query")

	topK := defaultTopK
	if v, ok := configInt(config, "top_k"); ok {
		topK = v
	}
	// An absent threshold filters nothing; zero is a real threshold
	// that drops negative-score hits.
	threshold := vectorstore.NoThreshold
	thresholdSet := false
	if v, ok := configFloat(config, "score_threshold"); ok {
		threshold = v
		thresholdSet = true
	}
	filter, _ := configMap(config, "metadata_filter")

	slog.Debug("executing faiss_search node", "collection", name, "topK", topK, "thresholdSet", thresholdSet)

	hits, err := h.searcher.Search(ctx, userID, name, query, topK, threshold, filter)
	if err != nil {
		return nil, fmt.Errorf("search in %q failed: %w", name, err)
	}

	results := make([]any, len(hits))
	for i, hit := range hits {
		results[i] = map[string]any{
			"text":     hit.Text,
			"score":    hit.Score,
			"metadata": hit.Metadata,
		}
	}

	out := map[string]any{
		"results":         results,
		"query":           query,
		"collection_name": name,
		"total_results":   len(hits),
		"top_k":           topK,
		"status":          "success",
	}
	if thresholdSet {
		out["score_threshold"] = threshold
	}
	return out, nil
}
