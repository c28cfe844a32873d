package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/similarity"
)

const sqliteSchemaSQL = `
CREATE TABLE IF NOT EXISTS documents (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	url               TEXT NOT NULL,
	title             TEXT NOT NULL DEFAULT '',
	content           TEXT NOT NULL DEFAULT '',
	content_embedding BLOB,
	metadata          TEXT NOT NULL DEFAULT '{}',
	created_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS chunks (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	user_id     TEXT NOT NULL,
	chunk_index INTEGER NOT NULL,
	content     TEXT NOT NULL,
	embedding   BLOB NOT NULL,
	metadata    TEXT NOT NULL DEFAULT '{}',
	UNIQUE(document_id, chunk_index)
);

CREATE INDEX IF NOT EXISTS idx_documents_user ON documents(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_chunks_user ON chunks(user_id);
CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
`

// SQLite is a Store on a local SQLite file. Similarity search is a brute-force
// cosine scan over the owner's chunks, which suits personal-scale corpora.
type SQLite struct {
	conn *sql.DB
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLite, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: ping sqlite: %w", err)
	}
	if _, err := conn.Exec(sqliteSchemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: apply sqlite schema: %w", err)
	}
	return &SQLite{conn: conn}, nil
}

func (s *SQLite) Close() error {
	return s.conn.Close()
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

func (s *SQLite) InsertDocument(ctx context.Context, doc models.Document) (models.Document, error) {
	doc = prepareDocument(doc)
	meta, err := encodeMetadata(doc.Metadata)
	if err != nil {
		return models.Document{}, apperr.E(apperr.ErrStorage, "store: encode metadata", err)
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO documents (id, user_id, url, title, content, content_embedding, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, doc.ID, doc.OwnerID, doc.URL, doc.Title, doc.Content, encodeVector(doc.Embedding), meta, doc.CreatedAt)
	if err != nil {
		return models.Document{}, apperr.E(apperr.ErrStorage, "store: insert document", err)
	}
	return doc, nil
}

func (s *SQLite) InsertChunks(ctx context.Context, documentID string, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	chunks = prepareChunks(documentID, chunks)

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return apperr.E(apperr.ErrStorage, "store: begin tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, document_id, user_id, chunk_index, content, embedding, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
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
		if _, err := stmt.ExecContext(ctx, c.ID, c.DocumentID, c.OwnerID, c.Index, c.Content, encodeVector(c.Embedding), meta); err != nil {
			return apperr.E(apperr.ErrStorage, fmt.Sprintf("store: insert chunk %d", c.Index), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperr.E(apperr.ErrStorage, "store: commit chunks", err)
	}
	return nil
}

func (s *SQLite) DeleteDocument(ctx context.Context, id, ownerID string) error {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM documents WHERE id = ? AND user_id = ?`, id, ownerID)
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

func (s *SQLite) GetDocument(ctx context.Context, id, ownerID string) (models.Document, error) {
	var (
		d    models.Document
		meta []byte
	)
	err := s.conn.QueryRowContext(ctx, `
		SELECT id, user_id, url, title, content, metadata, created_at
		FROM documents WHERE id = ? AND user_id = ?
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

func (s *SQLite) ListDocuments(ctx context.Context, ownerID string) ([]models.Document, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, user_id, url, title, metadata, created_at
		FROM documents WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
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

func (s *SQLite) DocumentsByIDs(ctx context.Context, ownerID string, ids []string) ([]models.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, ownerID)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, user_id, url, title, created_at
		FROM documents WHERE user_id = ? AND id IN (`+placeholders+`)`, args...)
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

func (s *SQLite) DocumentVectors(ctx context.Context, ownerID string) ([]models.Document, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, user_id, url, title, content_embedding, created_at
		FROM documents WHERE user_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, ownerID)
	if err != nil {
		return nil, apperr.E(apperr.ErrStorage, "store: document vectors", err)
	}
	defer rows.Close()

	var out []models.Document
	for rows.Next() {
		var (
			d    models.Document
			blob []byte
		)
		if err := rows.Scan(&d.ID, &d.OwnerID, &d.URL, &d.Title, &blob, &d.CreatedAt); err != nil {
			return nil, apperr.E(apperr.ErrStorage, "store: scan document vector", err)
		}
		if d.Embedding, err = decodeVector(blob); err != nil {
			return nil, apperr.E(apperr.ErrStorage, "store: decode document "+d.ID, err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.E(apperr.ErrStorage, "store: document vectors", err)
	}
	return out, nil
}

func (s *SQLite) ChunkVectors(ctx context.Context, ownerID string) ([]models.Chunk, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, document_id, user_id, chunk_index, embedding
		FROM chunks WHERE user_id = ?
		ORDER BY document_id, chunk_index
	`, ownerID)
	if err != nil {
		return nil, apperr.E(apperr.ErrStorage, "store: chunk vectors", err)
	}
	defer rows.Close()

	var out []models.Chunk
	for rows.Next() {
		var (
			c    models.Chunk
			blob []byte
		)
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.OwnerID, &c.Index, &blob); err != nil {
			return nil, apperr.E(apperr.ErrStorage, "store: scan chunk vector", err)
		}
		if c.Embedding, err = decodeVector(blob); err != nil {
			return nil, apperr.E(apperr.ErrStorage, "store: decode chunk "+c.ID, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.E(apperr.ErrStorage, "store: chunk vectors", err)
	}
	return out, nil
}

func (s *SQLite) SimilaritySearch(ctx context.Context, vec []float32, ownerID string, threshold float64, limit int) ([]models.Match, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, document_id, content, embedding
		FROM chunks WHERE user_id = ?
	`, ownerID)
	if err != nil {
		return nil, apperr.E(apperr.ErrStorage, "store: similarity search", err)
	}
	defer rows.Close()

	var matches []models.Match
	for rows.Next() {
		var (
			m    models.Match
			blob []byte
		)
		if err := rows.Scan(&m.ChunkID, &m.DocumentID, &m.Content, &blob); err != nil {
			return nil, apperr.E(apperr.ErrStorage, "store: scan chunk", err)
		}
		emb, err := decodeVector(blob)
		if err != nil {
			return nil, apperr.E(apperr.ErrStorage, "store: decode chunk "+m.ChunkID, err)
		}
		m.Similarity = similarity.Cosine(vec, emb)
		if m.Similarity >= threshold {
			matches = append(matches, m)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.E(apperr.ErrStorage, "store: similarity search", err)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}
