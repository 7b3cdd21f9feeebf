package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
)

// keyPattern constrains physical keys to filesystem-safe names.
// The collections service builds keys as {userID}_{name}; both parts
// already satisfy this alphabet.
var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// segment is the on-disk form of one collection: the embedding
// dimension it was created with plus every document and its vector.
type segment struct {
	Dimension int         `json:"dimension"`
	Documents []storedDoc `json:"documents"`
}

type storedDoc struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Vector   []float32      `json:"vector"`
}

// FlatStore is an on-disk brute-force similarity index. Each
// collection lives in one JSON segment under the base path; loaded
// segments are cached in-process and the cache entry is dropped on
// delete. Search embeds the query and scans every vector — adequate
// for collections in the thousands of documents, and trivially
// correct, which matters more here than recall tuning.
type FlatStore struct {
	mu       sync.RWMutex
	baseDir  string
	embedder Embedder
	cache    map[string]*segment
}

// NewFlatStore creates the store rooted at baseDir, creating the
// directory if needed.
func NewFlatStore(baseDir string, embedder Embedder) (*FlatStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("vectorstore: embedder cannot be nil")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("vectorstore: creating base dir: %w", err)
	}
	return &FlatStore{
		baseDir:  baseDir,
		embedder: embedder,
		cache:    make(map[string]*segment),
	}, nil
}

func (s *FlatStore) CreateCollection(ctx context.Context, name string, docs []Document) error {
	if err := validateKey(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.existsLocked(name) {
		return fmt.Errorf("%w: %s", ErrCollectionExists, name)
	}

	seg := &segment{Dimension: s.embedder.Dimension()}
	if err := s.appendDocs(ctx, seg, docs); err != nil {
		return err
	}
	if err := s.writeLocked(name, seg); err != nil {
		return err
	}
	s.cache[name] = seg
	slog.Info("created vector collection", "key", name, "documents", len(docs))
	return nil
}

func (s *FlatStore) AddDocuments(ctx context.Context, name string, docs []Document) error {
	if err := validateKey(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seg, err := s.loadLocked(name)
	if err != nil {
		return err
	}
	if err := s.appendDocs(ctx, seg, docs); err != nil {
		return err
	}
	if err := s.writeLocked(name, seg); err != nil {
		return err
	}
	s.cache[name] = seg
	return nil
}

func (s *FlatStore) Search(ctx context.Context, name, query string, topK int, scoreThreshold float64, metadataFilter map[string]any) ([]Hit, error) {
	if err := validateKey(name); err != nil {
		return nil, err
	}

	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	queryVec := vectors[0]

	dimension, docs, err := s.snapshot(name)
	if err != nil {
		return nil, err
	}

	if len(queryVec) != dimension {
		return nil, fmt.Errorf("%w: query %d, index %d", ErrDimensionMismatch, len(queryVec), dimension)
	}

	hits := make([]Hit, 0, topK)
	for _, doc := range docs {
		if !matchesFilter(doc.Metadata, metadataFilter) {
			continue
		}
		score := cosine(queryVec, doc.Vector)
		if score < scoreThreshold {
			continue
		}
		hits = append(hits, Hit{Text: doc.Text, Score: score, Metadata: doc.Metadata})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (s *FlatStore) DeleteCollection(ctx context.Context, name string) error {
	if err := validateKey(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cache, name)
	if !s.existsLocked(name) {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	if err := os.Remove(s.segmentPath(name)); err != nil {
		return fmt.Errorf("vectorstore: removing segment for %s: %w", name, err)
	}
	slog.Info("deleted vector collection", "key", name)
	return nil
}

func (s *FlatStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	if err := validateKey(name); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.existsLocked(name), nil
}

// appendDocs embeds and appends documents to a segment in memory.
func (s *FlatStore) appendDocs(ctx context.Context, seg *segment, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return err
	}
	for i, d := range docs {
		if len(vectors[i]) != seg.Dimension {
			return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vectors[i]), seg.Dimension)
		}
		seg.Documents = append(seg.Documents, storedDoc{
			Text:     d.Text,
			Metadata: d.Metadata,
			Vector:   vectors[i],
		})
	}
	return nil
}

// snapshot returns a collection's dimension and a copy of its
// documents. Scoring runs on the copy, so writers can keep appending
// to the cached segment while a search scans.
func (s *FlatStore) snapshot(name string) (int, []storedDoc, error) {
	s.mu.RLock()
	if seg, ok := s.cache[name]; ok {
		docs := make([]storedDoc, len(seg.Documents))
		copy(docs, seg.Documents)
		dimension := seg.Dimension
		s.mu.RUnlock()
		return dimension, docs, nil
	}
	s.mu.RUnlock()

	// Cache miss: take the write lock so loadLocked may populate the
	// cache.
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, err := s.loadLocked(name)
	if err != nil {
		return 0, nil, err
	}
	docs := make([]storedDoc, len(seg.Documents))
	copy(docs, seg.Documents)
	return seg.Dimension, docs, nil
}

// loadLocked returns the cached segment or reads it from disk and
// caches it. Callers must hold the write lock.
func (s *FlatStore) loadLocked(name string) (*segment, error) {
	if seg, ok := s.cache[name]; ok {
		return seg, nil
	}
	raw, err := os.ReadFile(s.segmentPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
		}
		return nil, fmt.Errorf("vectorstore: reading segment for %s: %w", name, err)
	}
	seg := &segment{}
	if err := json.Unmarshal(raw, seg); err != nil {
		return nil, fmt.Errorf("vectorstore: corrupt segment for %s: %w", name, err)
	}
	s.cache[name] = seg
	return seg, nil
}

// writeLocked persists a segment atomically: write a temp file in the
// same directory, then rename over the target.
func (s *FlatStore) writeLocked(name string, seg *segment) error {
	raw, err := json.Marshal(seg)
	if err != nil {
		return fmt.Errorf("vectorstore: encoding segment for %s: %w", name, err)
	}
	path := s.segmentPath(name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("vectorstore: writing segment for %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("vectorstore: committing segment for %s: %w", name, err)
	}
	return nil
}

func (s *FlatStore) existsLocked(name string) bool {
	if _, ok := s.cache[name]; ok {
		return true
	}
	_, err := os.Stat(s.segmentPath(name))
	return err == nil
}

func (s *FlatStore) segmentPath(name string) string {
	return filepath.Join(s.baseDir, name+".json")
}

func validateKey(name string) error {
	if !keyPattern.MatchString(name) {
		return fmt.Errorf("vectorstore: invalid collection key %q", name)
	}
	return nil
}

// matchesFilter requires every filter key to equal the document's
// metadata value. Values compare by their JSON text so numeric types
// decoded differently still match.
func matchesFilter(metadata, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := metadata[k]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
