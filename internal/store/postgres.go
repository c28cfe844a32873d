package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pgvector/pgvector-go"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/models"
)

// Postgres is a Store on PostgreSQL with the pgvector extension. Similarity
// search is delegated to the database through the cosine distance operator.
type Postgres struct {
	db *sql.DB
}

var _ Store = (*Postgres)(nil)

// OpenPostgres connects to dsn and creates the schema for vectors of the
// given dimension.
func OpenPostgres(ctx context.Context, dsn string, dimensions int) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}

	p := &Postgres{db: db}
	if err := p.migrate(ctx, dimensions); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate postgres: %w", err)
	}
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context, dimensions int) error {
	migrations := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS documents (
			id                TEXT PRIMARY KEY,
			user_id           TEXT NOT NULL,
			url               TEXT NOT NULL,
			title             TEXT NOT NULL DEFAULT '',
			content           TEXT NOT NULL DEFAULT '',
			content_embedding vector(%d),
			metadata          JSONB NOT NULL DEFAULT '{}',
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, dimensions),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunks (
			id          TEXT PRIMARY KEY,
			document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			user_id     TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			content     TEXT NOT NULL,
			embedding   vector(%d) NOT NULL,
			metadata    JSONB NOT NULL DEFAULT '{}',
			UNIQUE (document_id, chunk_index)
		)`, dimensions),
		`CREATE INDEX IF NOT EXISTS idx_documents_user ON documents (user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_user ON chunks (user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_embedding ON chunks USING hnsw (embedding vector_cosine_ops)`,
	}

	for _, m := range migrations {
		if _, err := p.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// nullableVector maps a nil embedding to SQL NULL.
func nullableVector(v []float32) any {
	if v == nil {
		return nil
	}
	return pgvector.NewVector(v)
}

func (p *Postgres) InsertDocument(ctx context.Context, doc models.Document) (models.Document, error) {
	doc = prepareDocument(doc)
	meta, err := encodeMetadata(doc.Metadata)
	if err != nil {
		return models.Document{}, apperr.E(apperr.ErrStorage, "store: encode metadata", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO documents (id, user_id, url, title, content, content_embedding, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, doc.ID, doc.OwnerID, doc.URL, doc.Title, doc.Content, nullableVector(doc.Embedding), meta, doc.CreatedAt)
	if err != nil {
		return models.Document{}, apperr.E(apperr.ErrStorage, "store: insert document", err)
	}
	return doc, nil
}

func (p *Postgres) InsertChunks(ctx context.Context, documentID string, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	chunks = prepareChunks(documentID, chunks)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.E(apperr.ErrStorage, "store: begin tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, document_id, user_id, chunk_index, content, embedding, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`)
	if err != nil {
		return apperr.E(apperr.ErrStorage, "store: prepare chunk insert", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		meta, err := encodeMetadata(c.Metadata)
		if err != nil {
			return apperr.E(apperr.ErrStorage, "store: encode chunk metadata", err)
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.DocumentID, c.OwnerID, c.Index, c.Content, pgvector.NewVector(c.Embedding), meta); err != nil {
			return apperr.E(apperr.ErrStorage, fmt.Sprintf("store: insert chunk %d", c.Index), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperr.E(apperr.ErrStorage, "store: commit chunks", err)
	}
	return nil
}

func (p *Postgres) DeleteDocument(ctx context.Context, id, ownerID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1 AND user_id = $2`, id, ownerID)
	if err != nil {
		return apperr.E(apperr.ErrStorage, "store: delete document", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.E(apperr.ErrStorage, "store: delete document", err)
	}
	if n == 0 {
		return apperr.E(apperr.ErrNotFound, "store: delete document", nil)
	}
	return nil
}

func (p *Postgres) GetDocument(ctx context.Context, id, ownerID string) (models.Document, error) {
	var (
		d    models.Document
		meta []byte
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, url, title, content, metadata, created_at
		FROM documents WHERE id = $1 AND user_id = $2
	`, id, ownerID).Scan(&d.ID, &d.OwnerID, &d.URL, &d.Title, &d.Content, &meta, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Document{}, apperr.E(apperr.ErrNotFound, "store: get document", nil)
	}
	if err != nil {
		return models.Document{}, apperr.E(apperr.ErrStorage, "store: get document", err)
	}
	d.Metadata = decodeMetadata(meta)
	return d, nil
}

func (p *Postgres) ListDocuments(ctx context.Context, ownerID string) ([]models.Document, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, url, title, metadata, created_at
		FROM documents WHERE user_id = $1
		ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, apperr.E(apperr.ErrStorage, "store: list documents", err)
	}
	defer rows.Close()

	var out []models.Document
	for rows.Next() {
		var (
			d    models.Document
			meta []byte
		)
		if err := rows.Scan(&d.ID, &d.OwnerID, &d.URL, &d.Title, &meta, &d.CreatedAt); err != nil {
			return nil, apperr.E(apperr.ErrStorage, "store: scan document", err)
		}
		d.Metadata = decodeMetadata(meta)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.E(apperr.ErrStorage, "store: list documents", err)
	}
	return out, nil
}

func (p *Postgres) DocumentsByIDs(ctx context.Context, ownerID string, ids []string) ([]models.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, url, title, created_at
		FROM documents WHERE user_id = $1 AND id = ANY($2)
	`, ownerID, ids)
	if err != nil {
		return nil, apperr.E(apperr.ErrStorage, "store: documents by ids", err)
	}
	defer rows.Close()

	var out []models.Document
	for rows.Next() {
		var d models.Document
		if err := rows.Scan(&d.ID, &d.OwnerID, &d.URL, &d.Title, &d.CreatedAt); err != nil {
			return nil, apperr.E(apperr.ErrStorage, "store: scan document", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.E(apperr.ErrStorage, "store: documents by ids", err)
	}
	return out, nil
}

func (p *Postgres) DocumentVectors(ctx context.Context, ownerID string) ([]models.Document, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, url, title, content_embedding, created_at
		FROM documents WHERE user_id = $1
		ORDER BY created_at ASC
	`, ownerID)
	if err != nil {
		return nil, apperr.E(apperr.ErrStorage, "store: document vectors", err)
	}
	defer rows.Close()

	var out []models.Document
	for rows.Next() {
		var (
			d   models.Document
			emb *pgvector.Vector
		)
		if err := rows.Scan(&d.ID, &d.OwnerID, &d.URL, &d.Title, &emb, &d.CreatedAt); err != nil {
			return nil, apperr.E(apperr.ErrStorage, "store: scan document vector", err)
		}
		if emb != nil {
			d.Embedding = emb.Slice()
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.E(apperr.ErrStorage, "store: document vectors", err)
	}
	return out, nil
}

func (p *Postgres) ChunkVectors(ctx context.Context, ownerID string) ([]models.Chunk, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, document_id, user_id, chunk_index, embedding
		FROM chunks WHERE user_id = $1
		ORDER BY document_id, chunk_index
	`, ownerID)
	if err != nil {
		return nil, apperr.E(apperr.ErrStorage, "store: chunk vectors", err)
	}
	defer rows.Close()

	var out []models.Chunk
	for rows.Next() {
		var (
			c   models.Chunk
			emb pgvector.Vector
		)
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.OwnerID, &c.Index, &emb); err != nil {
			return nil, apperr.E(apperr.ErrStorage, "store: scan chunk vector", err)
		}
		c.Embedding = emb.Slice()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.E(apperr.ErrStorage, "store: chunk vectors", err)
	}
	return out, nil
}

func (p *Postgres) SimilaritySearch(ctx context.Context, vec []float32, ownerID string, threshold float64, limit int) ([]models.Match, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, document_id, content, 1 - (embedding <=> $1) AS similarity
		FROM chunks
		WHERE user_id = $2 AND 1 - (embedding <=> $1) >= $3
		ORDER BY embedding <=> $1
		LIMIT $4
	`, pgvector.NewVector(vec), ownerID, threshold, limit)
	if err != nil {
		return nil, apperr.E(apperr.ErrStorage, "store: similarity search", err)
	}
	defer rows.Close()

	var out []models.Match
	for rows.Next() {
		var m models.Match
		if err := rows.Scan(&m.ChunkID, &m.DocumentID, &m.Content, &m.Similarity); err != nil {
			return nil, apperr.E(apperr.ErrStorage, "store: scan match", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.E(apperr.ErrStorage, "store: similarity search", err)
	}
	return out, nil
}
