package collections

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"dagflow/api/pkg/clients/vectorstore"
	"dagflow/api/services/storage"
)

var (
	userA = uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001")
	userB = uuid.MustParse("bbbbbbbb-0000-0000-0000-000000000002")
)

// mockStore implements vectorstore.Store with per-method overrides and
// a record of the physical keys it was called with.
type mockStore struct {
	createFn func(ctx context.Context, name string, docs []vectorstore.Document) error
	addFn    func(ctx context.Context, name string, docs []vectorstore.Document) error
	searchFn func(ctx context.Context, name, query string, topK int, scoreThreshold float64, metadataFilter map[string]any) ([]vectorstore.Hit, error)
	deleteFn func(ctx context.Context, name string) error

	keys []string
}

func (m *mockStore) CreateCollection(ctx context.Context, name string, docs []vectorstore.Document) error {
	m.keys = append(m.keys, name)
	if m.createFn != nil {
		return m.createFn(ctx, name, docs)
	}
	return nil
}

func (m *mockStore) AddDocuments(ctx context.Context, name string, docs []vectorstore.Document) error {
	m.keys = append(m.keys, name)
	if m.addFn != nil {
		return m.addFn(ctx, name, docs)
	}
	return nil
}

func (m *mockStore) Search(ctx context.Context, name, query string, topK int, scoreThreshold float64, metadataFilter map[string]any) ([]vectorstore.Hit, error) {
	m.keys = append(m.keys, name)
	if m.searchFn != nil {
		return m.searchFn(ctx, name, query, topK, scoreThreshold, metadataFilter)
	}
	return nil, nil
}

func (m *mockStore) DeleteCollection(ctx context.Context, name string) error {
	m.keys = append(m.keys, name)
	if m.deleteFn != nil {
		return m.deleteFn(ctx, name)
	}
	return nil
}

func (m *mockStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	return false, nil
}

// mockMetadata implements storage.CollectionStore in memory, keyed by
// (user, name).
type mockMetadata struct {
	records map[string]*storage.VectorCollection
	deleted []uuid.UUID

	createErr error
}

func newMockMetadata() *mockMetadata {
	return &mockMetadata{records: make(map[string]*storage.VectorCollection)}
}

func metaKey(userID uuid.UUID, name string) string {
	return userID.String() + "/" + name
}

func (m *mockMetadata) CreateCollection(_ context.Context, c *storage.VectorCollection) error {
	if m.createErr != nil {
		return m.createErr
	}
	key := metaKey(c.UserID, c.Name)
	if _, ok := m.records[key]; ok {
		return storage.ErrDuplicateCollection
	}
	copied := *c
	m.records[key] = &copied
	return nil
}

func (m *mockMetadata) GetCollection(_ context.Context, userID uuid.UUID, name string) (*storage.VectorCollection, error) {
	c, ok := m.records[metaKey(userID, name)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *c
	return &copied, nil
}

func (m *mockMetadata) ListCollections(_ context.Context, userID uuid.UUID) ([]storage.VectorCollection, error) {
	var out []storage.VectorCollection
	for _, c := range m.records {
		if c.UserID == userID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *mockMetadata) AddToDocumentCount(_ context.Context, collectionID uuid.UUID, delta int) error {
	for _, c := range m.records {
		if c.ID == collectionID {
			c.DocumentCount += delta
			return nil
		}
	}
	return storage.ErrNotFound
}

func (m *mockMetadata) DeleteCollection(_ context.Context, collectionID uuid.UUID) error {
	for key, c := range m.records {
		if c.ID == collectionID {
			delete(m.records, key)
			m.deleted = append(m.deleted, collectionID)
			return nil
		}
	}
	return storage.ErrNotFound
}

func docs(texts ...string) []vectorstore.Document {
	out := make([]vectorstore.Document, len(texts))
	for i, text := range texts {
		out[i] = vectorstore.Document{Text: text}
	}
	return out
}

func newTestService(t *testing.T, store *mockStore, meta *mockMetadata) *Service {
	t.Helper()
	svc, err := NewService(store, meta, 384)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestCreateUsesUserScopedKey(t *testing.T) {
	t.Parallel()

	store := &mockStore{}
	svc := newTestService(t, store, newMockMetadata())

	record, err := svc.Create(context.Background(), userA, "docs", docs("hello"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	wantKey := userA.String() + "_docs"
	if record.IndexPath != wantKey {
		t.Errorf("IndexPath = %q, want %q", record.IndexPath, wantKey)
	}
	if len(store.keys) != 1 || store.keys[0] != wantKey {
		t.Errorf("store keys = %v, want [%s]", store.keys, wantKey)
	}
	if record.DocumentCount != 1 {
		t.Errorf("DocumentCount = %d", record.DocumentCount)
	}
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, &mockStore{}, newMockMetadata())
	ctx := context.Background()

	if _, err := svc.Create(ctx, userA, "bad name!", docs("x")); !errors.Is(err, ErrInvalidName) {
		t.Errorf("bad name: err = %v, want ErrInvalidName", err)
	}
	if _, err := svc.Create(ctx, userA, "docs", nil); !errors.Is(err, ErrInvalidDocuments) {
		t.Errorf("no docs: err = %v, want ErrInvalidDocuments", err)
	}
	if _, err := svc.Create(ctx, userA, "docs", docs("  ")); !errors.Is(err, ErrInvalidDocuments) {
		t.Errorf("blank text: err = %v, want ErrInvalidDocuments", err)
	}
}

func TestCreateDuplicate(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, &mockStore{}, newMockMetadata())
	ctx := context.Background()

	if _, err := svc.Create(ctx, userA, "docs", docs("x")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Create(ctx, userA, "docs", docs("y")); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}
}

func TestCreateSameNameDifferentUsers(t *testing.T) {
	t.Parallel()

	store := &mockStore{}
	svc := newTestService(t, store, newMockMetadata())
	ctx := context.Background()

	if _, err := svc.Create(ctx, userA, "docs", docs("a")); err != nil {
		t.Fatalf("Create for userA: %v", err)
	}
	if _, err := svc.Create(ctx, userB, "docs", docs("b")); err != nil {
		t.Fatalf("Create for userB: %v", err)
	}
	if store.keys[0] == store.keys[1] {
		t.Errorf("both users mapped to physical key %q", store.keys[0])
	}
}

func TestCreateRollsBackMetadataOnIndexFailure(t *testing.T) {
	t.Parallel()

	store := &mockStore{createFn: func(context.Context, string, []vectorstore.Document) error {
		return errors.New("disk full")
	}}
	meta := newMockMetadata()
	svc := newTestService(t, store, meta)

	if _, err := svc.Create(context.Background(), userA, "docs", docs("x")); err == nil {
		t.Fatal("expected create failure")
	}
	if len(meta.records) != 0 {
		t.Error("metadata record survived index build failure")
	}
}

func TestAddUpdatesDocumentCount(t *testing.T) {
	t.Parallel()

	meta := newMockMetadata()
	svc := newTestService(t, &mockStore{}, meta)
	ctx := context.Background()

	if _, err := svc.Create(ctx, userA, "docs", docs("one")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	record, err := svc.Add(ctx, userA, "docs", docs("two", "three"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if record.DocumentCount != 3 {
		t.Errorf("DocumentCount = %d, want 3", record.DocumentCount)
	}
}

func TestAddToMissingCollection(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, &mockStore{}, newMockMetadata())
	if _, err := svc.Add(context.Background(), userA, "nope", docs("x")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSearchScopedToCaller(t *testing.T) {
	t.Parallel()

	store := &mockStore{searchFn: func(_ context.Context, name, _ string, _ int, _ float64, _ map[string]any) ([]vectorstore.Hit, error) {
		return []vectorstore.Hit{{Text: "from " + name, Score: 0.9}}, nil
	}}
	meta := newMockMetadata()
	svc := newTestService(t, store, meta)
	ctx := context.Background()

	if _, err := svc.Create(ctx, userA, "docs", docs("a")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	hits, err := svc.Search(ctx, userA, "docs", "q", 5, 0, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	wantKey := userA.String() + "_docs"
	if hits[0].Text != "from "+wantKey {
		t.Errorf("search hit %q, want key %q", hits[0].Text, wantKey)
	}

	// userB has no collection by that name, even though userA does.
	if _, err := svc.Search(ctx, userB, "docs", "q", 5, 0, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-user search err = %v, want ErrNotFound", err)
	}
}

func TestDeleteRemovesMetadataAndIndex(t *testing.T) {
	t.Parallel()

	store := &mockStore{}
	meta := newMockMetadata()
	svc := newTestService(t, store, meta)
	ctx := context.Background()

	record, err := svc.Create(ctx, userA, "docs", docs("x"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := svc.Delete(ctx, userA, "docs"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(meta.deleted) != 1 || meta.deleted[0] != record.ID {
		t.Errorf("metadata delete = %v", meta.deleted)
	}
	if _, err := svc.Get(ctx, userA, "docs"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
}

func TestDeletePartialFailureSurfaces(t *testing.T) {
	t.Parallel()

	store := &mockStore{deleteFn: func(context.Context, string) error {
		return errors.New("filesystem offline")
	}}
	meta := newMockMetadata()
	svc := newTestService(t, store, meta)
	ctx := context.Background()

	if _, err := svc.Create(ctx, userA, "docs", docs("x")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := svc.Delete(ctx, userA, "docs")
	if !errors.Is(err, ErrDeletePartial) {
		t.Fatalf("err = %v, want ErrDeletePartial", err)
	}
}
