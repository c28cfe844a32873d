// Package testutil provides shared test helpers: a temporary store and
// canned stand-ins for the embedding, generation and scraping services.
package testutil

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/starford/ansuz/internal/llm"
	"github.com/starford/ansuz/internal/scraper"
	"github.com/starford/ansuz/internal/store"
)

// TestStore creates a temporary SQLite store that is automatically cleaned up.
func TestStore(t *testing.T) *store.SQLite {
	t.Helper()
	dbFile, err := os.CreateTemp("", "ansuz-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	s, err := store.OpenSQLite(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// Embedder returns a deterministic vector per text: the letter profile
// [length, vowels, consonants, spaces], unless an exact override is set.
type Embedder struct {
	mu        sync.Mutex
	Vectors   map[string][]float32
	Err       error
	FailOn    string
	Calls     int
	LastInput string
}

func (e *Embedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Calls++
	e.LastInput = text
	if e.Err != nil {
		return nil, e.Err
	}
	if e.FailOn != "" && text == e.FailOn {
		return nil, errors.New("embedder: forced failure")
	}
	if v, ok := e.Vectors[text]; ok {
		return v, nil
	}

	var length, vowels, consonants, spaces float32
	for _, r := range text {
		length++
		switch r {
		case 'a', 'e', 'i', 'o', 'u', 'A', 'E', 'I', 'O', 'U':
			vowels++
		case ' ', '\n', '\t':
			spaces++
		default:
			consonants++
		}
	}
	return []float32{length, vowels, consonants, spaces}, nil
}

// Generator replays canned fragments and records every request.
type Generator struct {
	mu        sync.Mutex
	Fragments []string
	Err       error
	// StreamErr is sent after the fragments as a mid-stream failure.
	StreamErr error
	Requests  []llm.Request
}

func (g *Generator) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	g.mu.Lock()
	g.Requests = append(g.Requests, req)
	fragments, err, streamErr := g.Fragments, g.Err, g.StreamErr
	g.mu.Unlock()

	if err != nil {
		return nil, err
	}

	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		for _, f := range fragments {
			select {
			case out <- llm.Chunk{Content: f}:
			case <-ctx.Done():
				return
			}
		}
		if streamErr != nil {
			select {
			case out <- llm.Chunk{Err: streamErr}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

// LastRequest returns the most recent request, or the zero value.
func (g *Generator) LastRequest() llm.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.Requests) == 0 {
		return llm.Request{}
	}
	return g.Requests[len(g.Requests)-1]
}

// Scraper serves pages from a map keyed by URL.
type Scraper struct {
	Pages map[string]scraper.Result
	Err   error
}

func (s *Scraper) Scrape(_ context.Context, url string) (scraper.Result, error) {
	if s.Err != nil {
		return scraper.Result{}, s.Err
	}
	page, ok := s.Pages[url]
	if !ok {
		return scraper.Result{}, scraper.ErrNoContent
	}
	return page, nil
}
