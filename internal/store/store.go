// Package store persists documents and their embedded chunks and answers
// owner-scoped similarity queries. Backends: SQLite, Postgres with pgvector,
// and Qdrant.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/starford/ansuz/internal/models"
)

// Store is the persistence boundary. Every read and delete is filtered by
// owner; a document owned by someone else behaves as if it did not exist.
type Store interface {
	// InsertDocument persists doc and returns it with ID and CreatedAt set.
	InsertDocument(ctx context.Context, doc models.Document) (models.Document, error)
	// InsertChunks writes all chunks of one document in a single batch.
	InsertChunks(ctx context.Context, documentID string, chunks []models.Chunk) error
	// DeleteDocument removes the document and its chunks.
	// It returns apperr.ErrNotFound when nothing matched id and owner.
	DeleteDocument(ctx context.Context, id, ownerID string) error

	GetDocument(ctx context.Context, id, ownerID string) (models.Document, error)
	// ListDocuments returns the owner's documents newest first, without
	// content or embeddings.
	ListDocuments(ctx context.Context, ownerID string) ([]models.Document, error)
	// DocumentsByIDs returns the owner's documents among ids, without content.
	DocumentsByIDs(ctx context.Context, ownerID string, ids []string) ([]models.Document, error)
	// DocumentVectors returns the owner's documents in creation order with
	// their document-level embedding (possibly nil) and no content.
	DocumentVectors(ctx context.Context, ownerID string) ([]models.Document, error)
	// ChunkVectors returns every chunk of the owner with its embedding and
	// without content.
	ChunkVectors(ctx context.Context, ownerID string) ([]models.Chunk, error)

	// SimilaritySearch returns up to limit chunks of the owner whose cosine
	// similarity to vec is at least threshold.
	SimilaritySearch(ctx context.Context, vec []float32, ownerID string, threshold float64, limit int) ([]models.Match, error)

	Ping(ctx context.Context) error
	Close() error
}

// prepareDocument fills the fields a backend assigns on insert.
func prepareDocument(doc models.Document) models.Document {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	if doc.Metadata == nil {
		doc.Metadata = map[string]any{}
	}
	return doc
}

// prepareChunks stamps ids and the owning document on each chunk.
func prepareChunks(documentID string, chunks []models.Chunk) []models.Chunk {
	out := make([]models.Chunk, len(chunks))
	for i, c := range chunks {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.DocumentID = documentID
		if c.Metadata == nil {
			c.Metadata = map[string]any{}
		}
		out[i] = c
	}
	return out
}
