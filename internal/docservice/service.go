// Package docservice coordinates ingestion, retrieval, answering and graph
// building on top of the store.
package docservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/chunker"
	"github.com/starford/ansuz/internal/embedding"
	"github.com/starford/ansuz/internal/graph"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/parser"
	"github.com/starford/ansuz/internal/rag"
	"github.com/starford/ansuz/internal/scraper"
	"github.com/starford/ansuz/internal/store"
)

// Event kinds passed to a Notifier.
const (
	EventCreated = "created"
	EventDeleted = "deleted"
)

// Notifier is told about document changes, typically to fan them out to
// connected clients.
type Notifier interface {
	PublishDocumentEvent(kind, ownerID, documentID string)
}

// Config tunes ingestion.
type Config struct {
	ChunkSize    int
	ChunkOverlap int
	// EmbedConcurrency bounds parallel chunk embedding calls.
	EmbedConcurrency int
	// DocumentEmbedChars caps the runes of content sent for the
	// document-level embedding. Zero embeds the full content.
	DocumentEmbedChars int
}

// Page is content ready to be stored, either scraped or read from disk.
type Page struct {
	URL      string
	Title    string
	Markdown string
	Metadata map[string]any
}

// Service is the application layer shared by the HTTP API, the MCP server
// and the inbox watcher.
type Service struct {
	store     store.Store
	scraper   scraper.Scraper
	embedder  embedding.Embedder
	retriever *rag.Retriever
	streamer  *rag.Streamer
	graph     *graph.Builder
	notifier  Notifier
	cfg       Config
	logger    *slog.Logger
}

// Deps groups the collaborators of a Service.
type Deps struct {
	Store     store.Store
	Scraper   scraper.Scraper
	Embedder  embedding.Embedder
	Retriever *rag.Retriever
	Streamer  *rag.Streamer
	Graph     *graph.Builder
	// Notifier may be nil.
	Notifier Notifier
	Logger   *slog.Logger
}

func NewService(deps Deps, cfg Config) *Service {
	if cfg.EmbedConcurrency <= 0 {
		cfg.EmbedConcurrency = 4
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     deps.Store,
		scraper:   deps.Scraper,
		embedder:  deps.Embedder,
		retriever: deps.Retriever,
		streamer:  deps.Streamer,
		graph:     deps.Graph,
		notifier:  deps.Notifier,
		cfg:       cfg,
		logger:    logger,
	}
}

// Ingest scrapes rawURL and stores it as a new document. Ingesting the same
// URL twice creates two documents.
func (s *Service) Ingest(ctx context.Context, ownerID, rawURL string) (models.Document, error) {
	if ownerID == "" {
		return models.Document{}, apperr.E(apperr.ErrAuth, "ingest", nil)
	}
	if err := validateURL(rawURL); err != nil {
		return models.Document{}, err
	}

	page, err := s.scraper.Scrape(ctx, rawURL)
	if err != nil {
		return models.Document{}, apperr.Wrap(apperr.ErrUpstream, "ingest: scrape", err)
	}
	if strings.TrimSpace(page.Markdown) == "" {
		return models.Document{}, apperr.E(apperr.ErrUpstream, "ingest: scrape", scraper.ErrNoContent)
	}

	return s.IngestPage(ctx, ownerID, Page{
		URL:      rawURL,
		Title:    parser.PageTitle(page.Title, page.Markdown, rawURL),
		Markdown: page.Markdown,
		Metadata: page.Metadata,
	})
}

// IngestPage embeds and stores already-fetched content. If any step after
// the document row is written fails, the document is removed again so no
// half-indexed document remains.
func (s *Service) IngestPage(ctx context.Context, ownerID string, page Page) (models.Document, error) {
	if ownerID == "" {
		return models.Document{}, apperr.E(apperr.ErrAuth, "ingest", nil)
	}
	if strings.TrimSpace(page.Markdown) == "" {
		return models.Document{}, apperr.Validation("ingest", "content is empty")
	}
	if page.Title == "" {
		page.Title = parser.PageTitle("", page.Markdown, page.URL)
	}

	docVec, err := s.embedder.Embed(ctx, truncateRunes(page.Markdown, s.cfg.DocumentEmbedChars))
	if err != nil {
		return models.Document{}, apperr.Wrap(apperr.ErrUpstream, "ingest: embed document", err)
	}

	doc, err := s.store.InsertDocument(ctx, models.Document{
		OwnerID:   ownerID,
		URL:       page.URL,
		Title:     page.Title,
		Content:   page.Markdown,
		Embedding: docVec,
		Metadata:  page.Metadata,
	})
	if err != nil {
		return models.Document{}, apperr.Wrap(apperr.ErrStorage, "ingest: insert document", err)
	}

	n, err := s.indexChunks(ctx, doc)
	if err != nil {
		s.compensate(ctx, doc, err)
		return models.Document{}, err
	}

	s.logger.Info("document ingested",
		slog.String("document_id", doc.ID),
		slog.String("url", doc.URL),
		slog.Int("chunks", n))
	s.notify(EventCreated, ownerID, doc.ID)
	return doc, nil
}

// indexChunks splits the document, embeds the pieces concurrently and
// writes all chunks in one batch.
func (s *Service) indexChunks(ctx context.Context, doc models.Document) (int, error) {
	pieces := chunker.Split(doc.Content, s.cfg.ChunkSize, s.cfg.ChunkOverlap)
	texts := make([]string, len(pieces))
	for i, p := range pieces {
		texts[i] = p.Content
	}

	vecs, err := s.embedAll(ctx, texts)
	if err != nil {
		return 0, apperr.Wrap(apperr.ErrUpstream, "ingest: embed chunk", err)
	}

	chunks := make([]models.Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = models.Chunk{
			OwnerID:   doc.OwnerID,
			Index:     p.Index,
			Content:   p.Content,
			Embedding: vecs[i],
			Metadata:  map[string]any{"title": doc.Title, "url": doc.URL},
		}
	}

	if err := s.store.InsertChunks(ctx, doc.ID, chunks); err != nil {
		return 0, apperr.Wrap(apperr.ErrStorage, "ingest: insert chunks", err)
	}
	return len(chunks), nil
}

// embedAll returns one vector per text, index-aligned. At most
// EmbedConcurrency requests are in flight; a BatchEmbedder gets the texts
// split into that many contiguous groups, anything else one call per text.
func (s *Service) embedAll(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))

	batcher, batched := s.embedder.(embedding.BatchEmbedder)
	step := 1
	if batched {
		step = max(1, (len(texts)+s.cfg.EmbedConcurrency-1)/s.cfg.EmbedConcurrency)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.cfg.EmbedConcurrency)
	for start := 0; start < len(texts); start += step {
		end := min(start+step, len(texts))
		eg.Go(func() error {
			if !batched {
				vec, err := s.embedder.Embed(egCtx, texts[start])
				vecs[start] = vec
				return err
			}
			out, err := batcher.EmbedBatch(egCtx, texts[start:end])
			if err != nil {
				return err
			}
			if len(out) != end-start {
				return fmt.Errorf("embed batch: got %d vectors for %d texts", len(out), end-start)
			}
			copy(vecs[start:end], out)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return vecs, nil
}

func (s *Service) compensate(ctx context.Context, doc models.Document, cause error) {
	// The request context may already be cancelled; cleanup must still run.
	err := s.store.DeleteDocument(context.WithoutCancel(ctx), doc.ID, doc.OwnerID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		s.logger.Error("ingest: cleanup failed",
			slog.String("document_id", doc.ID),
			slog.Any("cause", cause),
			slog.Any("error", err))
		return
	}
	s.logger.Warn("ingest: rolled back document",
		slog.String("document_id", doc.ID),
		slog.Any("cause", cause))
}

// List returns the owner's documents newest first.
func (s *Service) List(ctx context.Context, ownerID string) ([]models.Document, error) {
	if ownerID == "" {
		return nil, apperr.E(apperr.ErrAuth, "list documents", nil)
	}
	docs, err := s.store.ListDocuments(ctx, ownerID)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, "list documents", err)
	}
	return nonNilSlice(docs), nil
}

func (s *Service) Get(ctx context.Context, ownerID, id string) (models.Document, error) {
	if ownerID == "" {
		return models.Document{}, apperr.E(apperr.ErrAuth, "get document", nil)
	}
	doc, err := s.store.GetDocument(ctx, id, ownerID)
	if err != nil {
		return models.Document{}, apperr.Wrap(apperr.ErrStorage, "get document", err)
	}
	return doc, nil
}

// Delete removes a document with its chunks.
func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	if ownerID == "" {
		return apperr.E(apperr.ErrAuth, "delete document", nil)
	}
	if err := s.store.DeleteDocument(ctx, id, ownerID); err != nil {
		return apperr.Wrap(apperr.ErrStorage, "delete document", err)
	}
	s.logger.Info("document deleted", slog.String("document_id", id))
	s.notify(EventDeleted, ownerID, id)
	return nil
}

// Search returns the passages most relevant to query.
func (s *Service) Search(ctx context.Context, ownerID, query string) (rag.Retrieval, error) {
	return s.retriever.Retrieve(ctx, query, ownerID)
}

// Chat retrieves context for the latest user turn and streams a cited answer.
func (s *Service) Chat(ctx context.Context, ownerID string, history []models.Message) (<-chan rag.Event, error) {
	if ownerID == "" {
		return nil, apperr.E(apperr.ErrAuth, "chat", nil)
	}
	if len(history) == 0 {
		return nil, apperr.Validation("chat", "messages are required")
	}
	query := rag.LastUserText(history)
	if strings.TrimSpace(query) == "" {
		return nil, apperr.Validation("chat", "a user message is required")
	}

	retrieval, err := s.retriever.Retrieve(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	return s.streamer.Stream(ctx, history, retrieval)
}

// Graph builds the owner's similarity graph.
func (s *Service) Graph(ctx context.Context, ownerID string, threshold float64) (models.Graph, error) {
	return s.graph.Build(ctx, ownerID, threshold)
}

func (s *Service) notify(kind, ownerID, id string) {
	if s.notifier != nil {
		s.notifier.PublishDocumentEvent(kind, ownerID, id)
	}
}

func validateURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return apperr.Validation("ingest", "url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return apperr.Validation("ingest", "url must be an absolute http(s) URL")
	}
	return nil
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
