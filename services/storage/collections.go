package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CollectionStore is the metadata side of vector collections. Index
// contents live in the vector store; this tracks ownership, names and
// document counts.
type CollectionStore interface {
	CreateCollection(ctx context.Context, c *VectorCollection) error
	GetCollection(ctx context.Context, userID uuid.UUID, name string) (*VectorCollection, error)
	ListCollections(ctx context.Context, userID uuid.UUID) ([]VectorCollection, error)
	AddToDocumentCount(ctx context.Context, collectionID uuid.UUID, delta int) error
	DeleteCollection(ctx context.Context, collectionID uuid.UUID) error
}

// ErrDuplicateCollection means (user_id, name) already exists.
var ErrDuplicateCollection = errors.New("storage: collection name already in use")

// CreateCollection inserts a collection record. The unique index on
// (user_id, name) is the authority on duplicates; a conflict comes
// back as ErrDuplicateCollection.
func (r *pgStorage) CreateCollection(ctx context.Context, c *VectorCollection) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := r.db.Exec(timeoutCtx, `
        INSERT INTO vector_collections (id, user_id, name, dimension, index_path, document_count, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, now())
        ON CONFLICT (user_id, name) DO NOTHING`,
		c.ID, c.UserID, c.Name, c.Dimension, c.IndexPath, c.DocumentCount)
	if err != nil {
		return fmt.Errorf("storage: creating collection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateCollection
	}
	return nil
}

// GetCollection fetches a user's collection by logical name.
func (r *pgStorage) GetCollection(ctx context.Context, userID uuid.UUID, name string) (*VectorCollection, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	c := &VectorCollection{UserID: userID, Name: name}
	err := r.db.QueryRow(timeoutCtx, `
        SELECT id, dimension, index_path, document_count, created_at
        FROM vector_collections
        WHERE user_id = $1 AND name = $2`,
		userID, name).Scan(&c.ID, &c.Dimension, &c.IndexPath, &c.DocumentCount, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: loading collection: %w", err)
	}
	return c, nil
}

// ListCollections returns a user's collections by name.
func (r *pgStorage) ListCollections(ctx context.Context, userID uuid.UUID) ([]VectorCollection, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := r.db.Query(timeoutCtx, `
        SELECT id, name, dimension, index_path, document_count, created_at
        FROM vector_collections
        WHERE user_id = $1
        ORDER BY name ASC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("storage: listing collections: %w", err)
	}
	defer rows.Close()

	var collections []VectorCollection
	for rows.Next() {
		c := VectorCollection{UserID: userID}
		if err := rows.Scan(&c.ID, &c.Name, &c.Dimension, &c.IndexPath, &c.DocumentCount, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scanning collection: %w", err)
		}
		collections = append(collections, c)
	}
	return collections, rows.Err()
}

// AddToDocumentCount adjusts a collection's document count.
func (r *pgStorage) AddToDocumentCount(ctx context.Context, collectionID uuid.UUID, delta int) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := r.db.Exec(timeoutCtx, `
        UPDATE vector_collections
        SET document_count = document_count + $2
        WHERE id = $1`,
		collectionID, delta)
	if err != nil {
		return fmt.Errorf("storage: updating document count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteCollection removes the metadata record.
func (r *pgStorage) DeleteCollection(ctx context.Context, collectionID uuid.UUID) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := r.db.Exec(timeoutCtx, `
        DELETE FROM vector_collections
        WHERE id = $1`,
		collectionID)
	if err != nil {
		return fmt.Errorf("storage: deleting collection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
