// Package rag turns a question into ranked supporting passages and streams a
// source-attributed answer grounded in them.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/embedding"
	"github.com/starford/ansuz/internal/models"
)

const (
	DefaultCandidates = 15
	DefaultTopK       = 5

	contextSeparator = "\n\n---\n\n"
)

// Searcher is the part of the store the retriever reads from.
type Searcher interface {
	SimilaritySearch(ctx context.Context, vec []float32, ownerID string, threshold float64, limit int) ([]models.Match, error)
	DocumentsByIDs(ctx context.Context, ownerID string, ids []string) ([]models.Document, error)
}

// Retrieval is the ranked evidence for one query.
type Retrieval struct {
	// Matches are the top-ranked passages, best first.
	Matches []models.Match
	// Documents holds the parent of every match, keyed by document id.
	Documents map[string]models.Document
	// Context is the prompt-ready rendering of Matches.
	Context string
	// Grounded is false when the search returned no candidates at all.
	Grounded bool
}

// Sources lists one citation per match in rank order, skipping matches whose
// document could not be resolved.
func (r Retrieval) Sources() []models.Source {
	out := make([]models.Source, 0, len(r.Matches))
	for _, m := range r.Matches {
		doc, ok := r.Documents[m.DocumentID]
		if !ok {
			continue
		}
		out = append(out, models.Source{
			SourceID:   m.ChunkID,
			DocumentID: m.DocumentID,
			URL:        doc.URL,
			Title:      doc.DisplayTitle(),
			Similarity: m.Similarity,
		})
	}
	return out
}

// RetrieverConfig tunes candidate and result counts. Zero values select the defaults.
type RetrieverConfig struct {
	Candidates int
	TopK       int
}

// Retriever ranks an owner's chunks against a query.
type Retriever struct {
	embedder   embedding.Embedder
	searcher   Searcher
	candidates int
	topK       int
	logger     *slog.Logger
}

func NewRetriever(embedder embedding.Embedder, searcher Searcher, cfg RetrieverConfig, logger *slog.Logger) *Retriever {
	if cfg.Candidates <= 0 {
		cfg.Candidates = DefaultCandidates
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		embedder:   embedder,
		searcher:   searcher,
		candidates: cfg.Candidates,
		topK:       cfg.TopK,
		logger:     logger,
	}
}

// Retrieve embeds query, searches the owner's chunks with no similarity floor
// and keeps the topK best. An empty result is not an error: it comes back
// with Grounded set to false.
func (r *Retriever) Retrieve(ctx context.Context, query, ownerID string) (Retrieval, error) {
	if ownerID == "" {
		return Retrieval{}, apperr.E(apperr.ErrAuth, "rag: retrieve", nil)
	}
	if strings.TrimSpace(query) == "" {
		return Retrieval{}, apperr.Validation("rag: retrieve", "query is required")
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return Retrieval{}, apperr.Wrap(apperr.ErrUpstream, "rag: embed query", err)
	}

	candidates, err := r.searcher.SimilaritySearch(ctx, vec, ownerID, 0, r.candidates)
	if err != nil {
		return Retrieval{}, apperr.Wrap(apperr.ErrStorage, "rag: similarity search", err)
	}
	if len(candidates) == 0 {
		return Retrieval{Grounded: false}, nil
	}

	top := Rank(candidates, r.topK)
	for i, m := range top {
		r.logger.Debug("rag: match",
			slog.Int("rank", i+1),
			slog.String("chunk_id", m.ChunkID),
			slog.String("similarity", fmt.Sprintf("%.3f", m.Similarity)))
	}

	docs, err := r.searcher.DocumentsByIDs(ctx, ownerID, distinctDocumentIDs(top))
	if err != nil {
		return Retrieval{}, apperr.Wrap(apperr.ErrStorage, "rag: resolve documents", err)
	}
	byID := make(map[string]models.Document, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}

	return Retrieval{
		Matches:   top,
		Documents: byID,
		Context:   BuildContext(top, byID),
		Grounded:  true,
	}, nil
}

// Rank returns the k most similar matches, best first. Equal similarities keep
// their input order. The input slice is not modified.
func Rank(matches []models.Match, k int) []models.Match {
	ranked := make([]models.Match, len(matches))
	copy(ranked, matches)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Similarity > ranked[j].Similarity
	})
	if k >= 0 && len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked
}

// BuildContext renders matches as labelled passages separated by horizontal rules.
func BuildContext(matches []models.Match, docs map[string]models.Document) string {
	entries := make([]string, len(matches))
	for i, m := range matches {
		title := docs[m.DocumentID].DisplayTitle()
		entries[i] = fmt.Sprintf("[Source %d - \"%s\" (similarity: %.2f)]\n%s", i+1, title, m.Similarity, m.Content)
	}
	return strings.Join(entries, contextSeparator)
}

func distinctDocumentIDs(matches []models.Match) []string {
	seen := make(map[string]struct{}, len(matches))
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		if _, ok := seen[m.DocumentID]; ok {
			continue
		}
		seen[m.DocumentID] = struct{}{}
		ids = append(ids, m.DocumentID)
	}
	return ids
}
