package api

import (
	"github.com/starford/ansuz/internal/models"
)

// ChatRequest is the request body for POST /api/chat.
type ChatRequest struct {
	Messages []models.Message `json:"messages" validate:"required"`
}

// IngestRequest is the request body for POST /api/ingest.
type IngestRequest struct {
	URL string `json:"url" example:"https://go.dev/doc/effective_go" validate:"required"`
}

// IngestResponse is returned after a page was stored.
type IngestResponse struct {
	Success  bool            `json:"success" example:"true" validate:"required"`
	Document models.Document `json:"document" validate:"required"`
}

// DocumentListResponse wraps the owner's documents, newest first.
type DocumentListResponse struct {
	Documents []models.Document `json:"documents" validate:"required"`
}

// SuccessResponse acknowledges a mutation without returning a body.
type SuccessResponse struct {
	Success bool `json:"success" example:"true" validate:"required"`
}

// GraphResponse is the document similarity graph.
type GraphResponse = models.Graph

// TextDelta is the payload of a text-delta chat event.
type TextDelta struct {
	Delta string `json:"delta"`
}
