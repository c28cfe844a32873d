package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/models"
)

func testSQLite(t *testing.T) *SQLite {
	t.Helper()
	f, err := os.CreateTemp("", "ansuz-store-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	s, err := OpenSQLite(f.Name())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertDoc(t *testing.T, s Store, owner, url string, emb []float32, created time.Time) models.Document {
	t.Helper()
	doc, err := s.InsertDocument(context.Background(), models.Document{
		OwnerID:   owner,
		URL:       url,
		Title:     url,
		Content:   "content of " + url,
		Embedding: emb,
		CreatedAt: created,
	})
	if err != nil {
		t.Fatalf("InsertDocument: %v", err)
	}
	return doc
}

func TestSchemaCreation(t *testing.T) {
	s := testSQLite(t)
	var count int
	if err := s.conn.QueryRow(`SELECT count(*) FROM documents`).Scan(&count); err != nil {
		t.Fatalf("documents table missing: %v", err)
	}
	if err := s.conn.QueryRow(`SELECT count(*) FROM chunks`).Scan(&count); err != nil {
		t.Fatalf("chunks table missing: %v", err)
	}
}

func TestInsertDocumentAssignsID(t *testing.T) {
	s := testSQLite(t)
	doc := insertDoc(t, s, "u1", "https://a.example", []float32{1, 0}, time.Time{})
	if doc.ID == "" {
		t.Fatal("expected an id")
	}
	if doc.CreatedAt.IsZero() {
		t.Error("expected created_at to be set")
	}

	got, err := s.GetDocument(context.Background(), doc.ID, "u1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.Content != "content of https://a.example" {
		t.Errorf("content = %q", got.Content)
	}
}

func TestGetDocumentOtherOwner(t *testing.T) {
	s := testSQLite(t)
	doc := insertDoc(t, s, "u1", "https://a.example", nil, time.Time{})
	_, err := s.GetDocument(context.Background(), doc.ID, "u2")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestDeleteCascadesToChunks(t *testing.T) {
	s := testSQLite(t)
	ctx := context.Background()
	doc := insertDoc(t, s, "u1", "https://a.example", nil, time.Time{})
	err := s.InsertChunks(ctx, doc.ID, []models.Chunk{
		{OwnerID: "u1", Index: 0, Content: "zero", Embedding: []float32{1, 0}},
		{OwnerID: "u1", Index: 1, Content: "one", Embedding: []float32{0, 1}},
	})
	if err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}

	if err := s.DeleteDocument(ctx, doc.ID, "u2"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("delete by other owner: err = %v, want not found", err)
	}
	if err := s.DeleteDocument(ctx, doc.ID, "u1"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}

	var count int
	if err := s.conn.QueryRow(`SELECT count(*) FROM chunks`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("chunks after delete = %d, want 0", count)
	}
}

func TestListDocumentsNewestFirst(t *testing.T) {
	s := testSQLite(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	insertDoc(t, s, "u1", "https://old.example", nil, base)
	insertDoc(t, s, "u1", "https://new.example", nil, base.Add(time.Hour))
	insertDoc(t, s, "u2", "https://other.example", nil, base.Add(2*time.Hour))

	docs, err := s.ListDocuments(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("len = %d, want 2", len(docs))
	}
	if docs[0].URL != "https://new.example" {
		t.Errorf("first = %q, want newest", docs[0].URL)
	}
	if docs[0].Content != "" {
		t.Error("list should not carry content")
	}
}

func TestDocumentsByIDsScopedToOwner(t *testing.T) {
	s := testSQLite(t)
	a := insertDoc(t, s, "u1", "https://a.example", nil, time.Time{})
	b := insertDoc(t, s, "u2", "https://b.example", nil, time.Time{})

	docs, err := s.DocumentsByIDs(context.Background(), "u1", []string{a.ID, b.ID})
	if err != nil {
		t.Fatalf("DocumentsByIDs: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != a.ID {
		t.Errorf("docs = %+v, want only %s", docs, a.ID)
	}
}

func TestSimilaritySearch(t *testing.T) {
	s := testSQLite(t)
	ctx := context.Background()
	doc := insertDoc(t, s, "u1", "https://a.example", nil, time.Time{})
	other := insertDoc(t, s, "u2", "https://b.example", nil, time.Time{})

	_ = s.InsertChunks(ctx, doc.ID, []models.Chunk{
		{OwnerID: "u1", Index: 0, Content: "east", Embedding: []float32{1, 0}},
		{OwnerID: "u1", Index: 1, Content: "north-east", Embedding: []float32{1, 1}},
		{OwnerID: "u1", Index: 2, Content: "west", Embedding: []float32{-1, 0}},
	})
	_ = s.InsertChunks(ctx, other.ID, []models.Chunk{
		{OwnerID: "u2", Index: 0, Content: "foreign", Embedding: []float32{1, 0}},
	})

	matches, err := s.SimilaritySearch(ctx, []float32{1, 0}, "u1", 0, 15)
	if err != nil {
		t.Fatalf("SimilaritySearch: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("len = %d, want 2 (west is below threshold, foreign is another owner)", len(matches))
	}
	if matches[0].Content != "east" || matches[1].Content != "north-east" {
		t.Errorf("order = %q, %q", matches[0].Content, matches[1].Content)
	}
	if matches[0].DocumentID != doc.ID {
		t.Errorf("document id = %q, want %q", matches[0].DocumentID, doc.ID)
	}

	limited, _ := s.SimilaritySearch(ctx, []float32{1, 0}, "u1", 0, 1)
	if len(limited) != 1 {
		t.Errorf("limit ignored: len = %d", len(limited))
	}
}

func TestVectorsRoundTrip(t *testing.T) {
	s := testSQLite(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	first := insertDoc(t, s, "u1", "https://a.example", []float32{0.5, -0.25}, base)
	insertDoc(t, s, "u1", "https://b.example", nil, base.Add(time.Minute))
	_ = s.InsertChunks(ctx, first.ID, []models.Chunk{
		{OwnerID: "u1", Index: 0, Content: "x", Embedding: []float32{3, 4}},
	})

	docs, err := s.DocumentVectors(ctx, "u1")
	if err != nil {
		t.Fatalf("DocumentVectors: %v", err)
	}
	if len(docs) != 2 || docs[0].ID != first.ID {
		t.Fatalf("docs not in creation order: %+v", docs)
	}
	if len(docs[0].Embedding) != 2 || docs[0].Embedding[1] != -0.25 {
		t.Errorf("embedding = %v", docs[0].Embedding)
	}
	if docs[1].Embedding != nil {
		t.Errorf("expected nil embedding, got %v", docs[1].Embedding)
	}

	chunks, err := s.ChunkVectors(ctx, "u1")
	if err != nil {
		t.Fatalf("ChunkVectors: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Embedding[1] != 4 {
		t.Errorf("chunks = %+v", chunks)
	}
}
