package collections

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"dagflow/api/pkg/clients/vectorstore"
	"dagflow/api/services/storage"
)

// namePattern constrains logical collection names so the physical
// key {userID}_{name} stays filesystem-safe. The user segment is
// always the authenticated caller's ID, never parsed from input, so
// keys from different users differ in their fixed-length prefix no
// matter what name the caller picks.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

var (
	// ErrNotFound means the user has no collection by that name.
	ErrNotFound = errors.New("collections: not found")

	// ErrAlreadyExists means the (user, name) pair is taken.
	ErrAlreadyExists = errors.New("collections: already exists")

	// ErrInvalidDocuments means a create or add carried no documents
	// or a document with empty text.
	ErrInvalidDocuments = errors.New("collections: invalid documents")

	// ErrInvalidName means the logical name failed the pattern check.
	ErrInvalidName = errors.New("collections: invalid name")

	// ErrDeletePartial means delete removed some but not all state;
	// the log carries what survived.
	ErrDeletePartial = errors.New("collections: partial delete")
)

// Service layers user scoping over the vector store. Every operation
// takes the caller's user ID and a logical name; the physical key
// handed to the store is {userID}_{name} and never leaves this
// package.
type Service struct {
	store     vectorstore.Store
	metadata  storage.CollectionStore
	dimension int
}

// NewService creates the collections service.
func NewService(store vectorstore.Store, metadata storage.CollectionStore, dimension int) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("collections: vector store cannot be nil")
	}
	if metadata == nil {
		return nil, fmt.Errorf("collections: metadata store cannot be nil")
	}
	return &Service{store: store, metadata: metadata, dimension: dimension}, nil
}

// physicalKey builds the only identifier the vector store ever sees.
func physicalKey(userID uuid.UUID, name string) string {
	return fmt.Sprintf("%s_%s", userID, name)
}

// Create builds a new collection from its initial documents. At least
// one document with non-empty text is required, because an empty
// index has no dimension footprint on disk to validate later adds
// against.
func (s *Service) Create(ctx context.Context, userID uuid.UUID, name string, docs []vectorstore.Document) (*storage.VectorCollection, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := validateDocs(docs); err != nil {
		return nil, err
	}

	key := physicalKey(userID, name)
	record := &storage.VectorCollection{
		ID:            uuid.New(),
		UserID:        userID,
		Name:          name,
		Dimension:     s.dimension,
		IndexPath:     key,
		DocumentCount: len(docs),
	}

	// Metadata first: the unique index on (user_id, name) is the
	// uniqueness authority, and an orphaned record without an index is
	// recoverable while an orphaned index without a record is not
	// addressable.
	if err := s.metadata.CreateCollection(ctx, record); err != nil {
		if errors.Is(err, storage.ErrDuplicateCollection) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
		}
		return nil, err
	}

	if err := s.store.CreateCollection(ctx, key, docs); err != nil {
		// Roll the metadata back so create stays all-or-nothing.
		if delErr := s.metadata.DeleteCollection(ctx, record.ID); delErr != nil {
			slog.Error("orphaned collection record after index build failure",
				"collectionId", record.ID, "key", key, "indexError", err, "cleanupError", delErr)
		}
		if errors.Is(err, vectorstore.ErrCollectionExists) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
		}
		return nil, fmt.Errorf("collections: building index for %s: %w", name, err)
	}

	slog.Info("collection created", "user", userID, "name", name, "documents", len(docs))
	return record, nil
}

// Add appends documents to an existing collection and updates the
// document count.
func (s *Service) Add(ctx context.Context, userID uuid.UUID, name string, docs []vectorstore.Document) (*storage.VectorCollection, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := validateDocs(docs); err != nil {
		return nil, err
	}

	record, err := s.get(ctx, userID, name)
	if err != nil {
		return nil, err
	}

	if err := s.store.AddDocuments(ctx, record.IndexPath, docs); err != nil {
		return nil, fmt.Errorf("collections: adding to %s: %w", name, err)
	}
	if err := s.metadata.AddToDocumentCount(ctx, record.ID, len(docs)); err != nil {
		slog.Error("document count out of sync after add",
			"collectionId", record.ID, "key", record.IndexPath, "added", len(docs), "error", err)
		return nil, err
	}

	record.DocumentCount += len(docs)
	return record, nil
}

// Search runs a similarity query against the caller's collection.
// Implements nodes.VectorSearcher.
func (s *Service) Search(ctx context.Context, userID uuid.UUID, name, query string, topK int, scoreThreshold float64, metadataFilter map[string]any) ([]vectorstore.Hit, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	record, err := s.get(ctx, userID, name)
	if err != nil {
		return nil, err
	}

	hits, err := s.store.Search(ctx, record.IndexPath, query, topK, scoreThreshold, metadataFilter)
	if err != nil {
		return nil, fmt.Errorf("collections: searching %s: %w", name, err)
	}
	return hits, nil
}

// Delete removes the collection's metadata and its index. If the
// index removal fails after the record is gone, the error carries
// the physical key so an operator can finish the job.
func (s *Service) Delete(ctx context.Context, userID uuid.UUID, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	record, err := s.get(ctx, userID, name)
	if err != nil {
		return err
	}

	if err := s.metadata.DeleteCollection(ctx, record.ID); err != nil {
		return err
	}

	if err := s.store.DeleteCollection(ctx, record.IndexPath); err != nil && !errors.Is(err, vectorstore.ErrCollectionNotFound) {
		slog.Error("index left on disk after metadata delete",
			"collectionId", record.ID, "key", record.IndexPath, "error", err)
		return fmt.Errorf("%w: index %s not removed: %v", ErrDeletePartial, record.IndexPath, err)
	}

	slog.Info("collection deleted", "user", userID, "name", name)
	return nil
}

// List returns the caller's collections.
func (s *Service) List(ctx context.Context, userID uuid.UUID) ([]storage.VectorCollection, error) {
	return s.metadata.ListCollections(ctx, userID)
}

// Get returns one collection's metadata.
func (s *Service) Get(ctx context.Context, userID uuid.UUID, name string) (*storage.VectorCollection, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	return s.get(ctx, userID, name)
}

func (s *Service) get(ctx context.Context, userID uuid.UUID, name string) (*storage.VectorCollection, error) {
	record, err := s.metadata.GetCollection(ctx, userID, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, err
	}
	return record, nil
}

func validateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func validateDocs(docs []vectorstore.Document) error {
	if len(docs) == 0 {
		return fmt.Errorf("%w: at least one document required", ErrInvalidDocuments)
	}
	for i, doc := range docs {
		if strings.TrimSpace(doc.Text) == "" {
			return fmt.Errorf("%w: document %d has empty text", ErrInvalidDocuments, i)
		}
	}
	return nil
}
