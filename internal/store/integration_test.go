//go:build integration

package store

import (
	"context"
	"os"
	"strconv"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/models"
)

const testDimensions = 4

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()
	owner := "it-" + uuid.NewString()

	doc, err := s.InsertDocument(ctx, models.Document{
		OwnerID:   owner,
		URL:       "https://example.com/a",
		Title:     "A",
		Content:   "alpha",
		Embedding: []float32{1, 0, 0, 0},
	})
	require.NoError(t, err)
	require.NotEmpty(t, doc.ID)

	require.NoError(t, s.InsertChunks(ctx, doc.ID, []models.Chunk{
		{OwnerID: owner, Index: 0, Content: "first", Embedding: []float32{1, 0, 0, 0}},
		{OwnerID: owner, Index: 1, Content: "second", Embedding: []float32{0, 1, 0, 0}},
	}))

	matches, err := s.SimilaritySearch(ctx, []float32{1, 0.1, 0, 0}, owner, 0, 15)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, "first", matches[0].Content)
	assert.Equal(t, doc.ID, matches[0].DocumentID)

	foreign, err := s.SimilaritySearch(ctx, []float32{1, 0, 0, 0}, owner+"-other", 0, 15)
	require.NoError(t, err)
	assert.Empty(t, foreign)

	docs, err := s.DocumentVectors(ctx, owner)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, []float32{1, 0, 0, 0}, docs[0].Embedding)

	chunks, err := s.ChunkVectors(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, chunks, 2)

	require.ErrorIs(t, s.DeleteDocument(ctx, doc.ID, owner+"-other"), apperr.ErrNotFound)
	require.NoError(t, s.DeleteDocument(ctx, doc.ID, owner))

	chunks, err = s.ChunkVectors(ctx, owner)
	require.NoError(t, err)
	assert.Empty(t, chunks, "chunks must be removed with their document")
}

func TestPostgresIntegration(t *testing.T) {
	dsn := os.Getenv("ANSUZ_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ANSUZ_TEST_POSTGRES_DSN not set")
	}
	s, err := OpenPostgres(context.Background(), dsn, testDimensions)
	require.NoError(t, err)
	defer s.Close()

	exerciseStore(t, s)
}

func TestQdrantIntegration(t *testing.T) {
	host := os.Getenv("ANSUZ_TEST_QDRANT_HOST")
	if host == "" {
		t.Skip("ANSUZ_TEST_QDRANT_HOST not set")
	}
	port := 6334
	if p, err := strconv.Atoi(os.Getenv("ANSUZ_TEST_QDRANT_PORT")); err == nil {
		port = p
	}

	s, err := OpenQdrant(context.Background(), host, port, "ansuz_it_"+strconv.Itoa(os.Getpid()), testDimensions)
	require.NoError(t, err)
	defer s.Close()

	exerciseStore(t, s)
}
