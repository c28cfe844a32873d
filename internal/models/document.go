// Package models holds the entities exchanged between the store and the
// retrieval, answer and graph layers.
package models

import "time"

// Document is one ingested web page.
type Document struct {
	ID        string         `json:"id"`
	OwnerID   string         `json:"user_id"`
	URL       string         `json:"url"`
	Title     string         `json:"title"`
	Content   string         `json:"content,omitempty"`
	Embedding []float32      `json:"-"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// DisplayTitle returns the title or "Untitled" when it is empty.
func (d Document) DisplayTitle() string {
	if d.Title == "" {
		return "Untitled"
	}
	return d.Title
}

// Chunk is an embedded slice of a document's content.
type Chunk struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"document_id"`
	OwnerID    string         `json:"user_id"`
	Index      int            `json:"chunk_index"`
	Content    string         `json:"content"`
	Embedding  []float32      `json:"-"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Match is a single similarity search hit.
type Match struct {
	ChunkID    string  `json:"id"`
	DocumentID string  `json:"document_id"`
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
}
