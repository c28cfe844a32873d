// Package graph builds the document similarity graph: one node per document
// with a usable vector, one link per pair whose cosine similarity exceeds a
// threshold.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/similarity"
)

const DefaultThreshold = 0.6

// Strategy selects which vector represents a document.
type Strategy string

const (
	// StrategyDocument uses the embedding stored on the document itself.
	StrategyDocument Strategy = "document"
	// StrategyChunks aggregates the document's chunk embeddings.
	StrategyChunks Strategy = "chunks"
)

// Source is the part of the store the builder reads from.
type Source interface {
	DocumentVectors(ctx context.Context, ownerID string) ([]models.Document, error)
	ChunkVectors(ctx context.Context, ownerID string) ([]models.Chunk, error)
}

// Config selects the representation. TrueMean replaces the pairwise halving
// average of chunk vectors with the arithmetic mean.
type Config struct {
	Strategy Strategy
	TrueMean bool
	// Workers bounds concurrent row computations. Zero means GOMAXPROCS.
	Workers int
}

// Builder computes similarity graphs for an owner.
type Builder struct {
	src    Source
	cfg    Config
	logger *slog.Logger
}

func NewBuilder(src Source, cfg Config, logger *slog.Logger) (*Builder, error) {
	switch cfg.Strategy {
	case "":
		cfg.Strategy = StrategyChunks
	case StrategyDocument, StrategyChunks:
	default:
		return nil, fmt.Errorf("graph: unknown strategy %q", cfg.Strategy)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{src: src, cfg: cfg, logger: logger}, nil
}

type vertex struct {
	node models.GraphNode
	vec  []float32
}

// Build returns the owner's graph. Links are ordered by the creation order of
// their source document, then of their target; each unordered pair appears
// at most once with the older document as source.
func (b *Builder) Build(ctx context.Context, ownerID string, threshold float64) (models.Graph, error) {
	if ownerID == "" {
		return models.Graph{}, apperr.E(apperr.ErrAuth, "graph: build", nil)
	}

	vertices, err := b.vertices(ctx, ownerID)
	if err != nil {
		return models.Graph{}, err
	}

	g := models.Graph{
		Nodes: make([]models.GraphNode, len(vertices)),
		Links: []models.GraphEdge{},
	}
	for i, v := range vertices {
		g.Nodes[i] = v.node
	}

	rows, err := b.pairs(ctx, vertices, threshold)
	if err != nil {
		return models.Graph{}, err
	}
	for _, row := range rows {
		g.Links = append(g.Links, row...)
	}

	b.logger.Debug("graph: built",
		slog.String("strategy", string(b.cfg.Strategy)),
		slog.Int("nodes", len(g.Nodes)),
		slog.Int("links", len(g.Links)))
	return g, nil
}

func (b *Builder) vertices(ctx context.Context, ownerID string) ([]vertex, error) {
	docs, err := b.src.DocumentVectors(ctx, ownerID)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, "graph: load documents", err)
	}

	vectors := make(map[string][]float32, len(docs))
	if b.cfg.Strategy == StrategyDocument {
		for _, d := range docs {
			if len(d.Embedding) > 0 {
				vectors[d.ID] = d.Embedding
			}
		}
	} else {
		chunks, err := b.src.ChunkVectors(ctx, ownerID)
		if err != nil {
			return nil, apperr.Wrap(apperr.ErrStorage, "graph: load chunks", err)
		}
		vectors = b.aggregate(chunks)
	}

	out := make([]vertex, 0, len(docs))
	for _, d := range docs {
		vec, ok := vectors[d.ID]
		if !ok {
			continue
		}
		out = append(out, vertex{
			node: models.GraphNode{ID: d.ID, Name: d.DisplayTitle(), URL: d.URL},
			vec:  vec,
		})
	}
	return out, nil
}

// aggregate folds each document's chunk vectors in chunk order.
func (b *Builder) aggregate(chunks []models.Chunk) map[string][]float32 {
	ordered := make([]models.Chunk, len(chunks))
	copy(ordered, chunks)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].DocumentID != ordered[j].DocumentID {
			return ordered[i].DocumentID < ordered[j].DocumentID
		}
		return ordered[i].Index < ordered[j].Index
	})

	acc := make(map[string]similarity.Accumulator)
	for _, c := range ordered {
		if len(c.Embedding) == 0 {
			continue
		}
		a, ok := acc[c.DocumentID]
		if !ok {
			if b.cfg.TrueMean {
				a = &similarity.RunningMean{}
			} else {
				a = &similarity.HalvingMean{}
			}
			acc[c.DocumentID] = a
		}
		a.Add(c.Embedding)
	}

	out := make(map[string][]float32, len(acc))
	for id, a := range acc {
		if v := a.Vector(); len(v) > 0 {
			out[id] = v
		}
	}
	return out
}

// pairs compares every i<j pair. Row i is computed by one worker and written
// to its own slot, so the merged result is independent of scheduling.
func (b *Builder) pairs(ctx context.Context, vertices []vertex, threshold float64) ([][]models.GraphEdge, error) {
	rows := make([][]models.GraphEdge, len(vertices))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(b.cfg.Workers)
	for i := range vertices {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var row []models.GraphEdge
			for j := i + 1; j < len(vertices); j++ {
				sim := similarity.Cosine(vertices[i].vec, vertices[j].vec)
				if sim > threshold {
					row = append(row, models.GraphEdge{
						Source: vertices[i].node.ID,
						Target: vertices[j].node.ID,
						Value:  sim,
					})
				}
			}
			rows[i] = row
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return rows, nil
}
