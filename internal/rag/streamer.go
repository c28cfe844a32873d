package rag

import (
	"context"
	"log/slog"
	"strings"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/llm"
	"github.com/starford/ansuz/internal/models"
)

// Event kinds, named after the wire events the chat endpoint emits.
const (
	EventSource = "source-url"
	EventText   = "text-delta"
	EventError  = "error"
)

const systemPromptTemplate = `You are a helpful assistant that answers questions based on the user's saved knowledge base.

When answering:
- Use ONLY information from the provided sources below
- If the sources don't contain enough information, say so honestly
- When you make any claim, cite your source with the link to the source
- Be thorough but concise
- If information seems partially relevant, mention what you found

Sources:
`

// Event is one item of an answer stream. Exactly one of Source, Text or Err
// is meaningful, selected by Kind.
type Event struct {
	Kind   string
	Source models.Source
	Text   string
	Err    error
}

// SystemPrompt instructs the model to answer only from the rendered context.
func SystemPrompt(rendered string) string {
	return systemPromptTemplate + rendered
}

// LastUserText returns the content of the most recent user turn.
func LastUserText(history []models.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleUser {
			return history[i].Content
		}
	}
	return ""
}

// Streamer produces a cited answer for a conversation.
type Streamer struct {
	gen    llm.Generator
	logger *slog.Logger
}

func NewStreamer(gen llm.Generator, logger *slog.Logger) *Streamer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{gen: gen, logger: logger}
}

// Stream starts generation and returns a channel carrying every citation
// first, in rank order, followed by the answer text. A generation failure
// before the first token is returned as an error so callers can still
// report it cleanly. The channel is closed when the answer ends or ctx is
// cancelled.
func (s *Streamer) Stream(ctx context.Context, history []models.Message, r Retrieval) (<-chan Event, error) {
	if len(history) == 0 {
		return nil, apperr.Validation("rag: stream", "messages are required")
	}

	req := llm.Request{Messages: history}
	var sources []models.Source
	if r.Grounded {
		req.System = SystemPrompt(r.Context)
		sources = r.Sources()
	} else {
		s.logger.Warn("rag: no matching passages, answering without sources",
			slog.Int("history", len(history)))
	}

	chunks, err := s.gen.Stream(ctx, req)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrUpstream, "rag: generate", err)
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		for _, src := range sources {
			select {
			case out <- Event{Kind: EventSource, Source: src}:
			case <-ctx.Done():
				return
			}
		}
		for {
			var (
				c  llm.Chunk
				ok bool
			)
			select {
			case c, ok = <-chunks:
				if !ok {
					return
				}
			case <-ctx.Done():
				return
			}

			ev := Event{Kind: EventText, Text: c.Content}
			if c.Err != nil {
				ev = Event{Kind: EventError, Err: apperr.Wrap(apperr.ErrUpstream, "rag: generate", c.Err)}
			} else if c.Content == "" {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Kind == EventError {
				return
			}
		}
	}()
	return out, nil
}

// Answer collects a whole stream into text and sources. It is used where
// incremental delivery is not possible, such as tool calls.
func Answer(ctx context.Context, events <-chan Event) (string, []models.Source, error) {
	var (
		b       strings.Builder
		sources []models.Source
	)
	for ev := range events {
		switch ev.Kind {
		case EventSource:
			sources = append(sources, ev.Source)
		case EventText:
			b.WriteString(ev.Text)
		case EventError:
			return b.String(), sources, ev.Err
		}
	}
	if err := ctx.Err(); err != nil {
		return b.String(), sources, err
	}
	return b.String(), sources, nil
}
