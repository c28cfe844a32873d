// Package llm streams chat completions from a language model.
package llm

import (
	"context"

	"github.com/starford/ansuz/internal/models"
)

// Request is one generation call. An empty System sends no system message.
type Request struct {
	System   string
	Messages []models.Message
}

// Chunk is one piece of streamed output. A chunk with Err set is the last
// value sent before the channel closes.
type Chunk struct {
	Content string
	Err     error
}

// Generator streams a completion for a conversation.
//
// Stream returns an error when the request fails before any output is
// produced. Otherwise the channel delivers text in arrival order and is
// closed when generation ends or ctx is cancelled; cancellation aborts the
// upstream request.
type Generator interface {
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}
