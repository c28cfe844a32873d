package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/models"
)

const (
	pointTypeDocument = "document"
	pointTypeChunk    = "chunk"

	chunkVectorName    = "content"
	documentVectorName = "document"

	qdrantScrollPage = 256
	qdrantBatchSize  = 100
)

// Qdrant is a Store on a Qdrant collection. Documents and chunks live in the
// same collection as points distinguished by a "type" payload field; chunks
// carry the "content" vector and documents the optional "document" vector.
type Qdrant struct {
	client     *qdrant.Client
	collection string
	dimensions int
}

var _ Store = (*Qdrant)(nil)

// OpenQdrant connects over gRPC, waits for the server to report healthy and
// ensures the collection exists.
func OpenQdrant(ctx context.Context, host string, port int, collection string, dimensions int) (*Qdrant, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("store: create qdrant client: %w", err)
	}

	q := &Qdrant{client: client, collection: collection, dimensions: dimensions}

	if err := backoff.Retry(func() error { return q.Ping(ctx) }, backoff.WithContext(newBackOff(), ctx)); err != nil {
		client.Close()
		return nil, fmt.Errorf("store: qdrant unreachable: %w", err)
	}
	if err := q.ensureCollection(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return q, nil
}

func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return b
}

func (q *Qdrant) ensureCollection(ctx context.Context) error {
	collections, err := q.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("store: list collections: %w", err)
	}
	for _, name := range collections {
		if name == q.collection {
			return nil
		}
	}

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
			chunkVectorName:    {Size: uint64(q.dimensions), Distance: qdrant.Distance_Cosine},
			documentVectorName: {Size: uint64(q.dimensions), Distance: qdrant.Distance_Cosine},
		}),
	})
	if err != nil {
		return fmt.Errorf("store: create collection: %w", err)
	}

	for _, field := range []string{"type", "user_id", "document_id"} {
		_, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			return fmt.Errorf("store: create index for %s: %w", field, err)
		}
	}
	return nil
}

func (q *Qdrant) Close() error {
	return q.client.Close()
}

func (q *Qdrant) Ping(ctx context.Context) error {
	result, err := q.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if result == nil || result.Title == "" {
		return fmt.Errorf("health check returned invalid response")
	}
	return nil
}

func (q *Qdrant) upsert(ctx context.Context, points []*qdrant.PointStruct) error {
	op := func() error {
		_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: q.collection,
			Wait:           qdrant.PtrOf(true),
			Points:         points,
		})
		return err
	}
	return backoff.Retry(op, backoff.WithContext(newBackOff(), ctx))
}

func (q *Qdrant) InsertDocument(ctx context.Context, doc models.Document) (models.Document, error) {
	doc = prepareDocument(doc)
	meta, err := encodeMetadata(doc.Metadata)
	if err != nil {
		return models.Document{}, apperr.E(apperr.ErrStorage, "store: encode metadata", err)
	}

	vectors := map[string]*qdrant.Vector{}
	if doc.Embedding != nil {
		vectors[documentVectorName] = qdrant.NewVector(doc.Embedding...)
	}

	point := &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(doc.ID),
		Vectors: qdrant.NewVectorsMap(vectors),
		Payload: qdrant.NewValueMap(map[string]any{
			"type":       pointTypeDocument,
			"user_id":    doc.OwnerID,
			"url":        doc.URL,
			"title":      doc.Title,
			"content":    doc.Content,
			"metadata":   meta,
			"created_at": doc.CreatedAt.UnixNano(),
		}),
	}
	if err := q.upsert(ctx, []*qdrant.PointStruct{point}); err != nil {
		return models.Document{}, apperr.E(apperr.ErrStorage, "store: insert document", err)
	}
	return doc, nil
}

func (q *Qdrant) InsertChunks(ctx context.Context, documentID string, chunks []models.Chunk) error {
	chunks = prepareChunks(documentID, chunks)

	for i := 0; i < len(chunks); i += qdrantBatchSize {
		end := min(i+qdrantBatchSize, len(chunks))
		points := make([]*qdrant.PointStruct, 0, end-i)
		for _, c := range chunks[i:end] {
			points = append(points, &qdrant.PointStruct{
				Id: qdrant.NewIDUUID(c.ID),
				Vectors: qdrant.NewVectorsMap(map[string]*qdrant.Vector{
					chunkVectorName: qdrant.NewVector(c.Embedding...),
				}),
				Payload: qdrant.NewValueMap(map[string]any{
					"type":        pointTypeChunk,
					"user_id":     c.OwnerID,
					"document_id": c.DocumentID,
					"chunk_index": c.Index,
					"content":     c.Content,
				}),
			})
		}
		if err := q.upsert(ctx, points); err != nil {
			return apperr.E(apperr.ErrStorage, fmt.Sprintf("store: insert chunks %d-%d", i, end), err)
		}
	}
	return nil
}

func (q *Qdrant) DeleteDocument(ctx context.Context, id, ownerID string) error {
	if _, err := q.GetDocument(ctx, id, ownerID); err != nil {
		return err
	}

	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("user_id", ownerID)},
			Should: []*qdrant.Condition{
				qdrant.NewHasID(qdrant.NewIDUUID(id)),
				qdrant.NewMatch("document_id", id),
			},
		}),
	})
	if err != nil {
		return apperr.E(apperr.ErrStorage, "store: delete document", err)
	}
	return nil
}

func (q *Qdrant) GetDocument(ctx context.Context, id, ownerID string) (models.Document, error) {
	docs, err := q.getDocuments(ctx, ownerID, []string{id}, true)
	if err != nil {
		return models.Document{}, err
	}
	if len(docs) == 0 {
		return models.Document{}, apperr.E(apperr.ErrNotFound, "store: get document", nil)
	}
	return docs[0], nil
}

func (q *Qdrant) DocumentsByIDs(ctx context.Context, ownerID string, ids []string) ([]models.Document, error) {
	return q.getDocuments(ctx, ownerID, ids, false)
}

func (q *Qdrant) getDocuments(ctx context.Context, ownerID string, ids []string, withContent bool) ([]models.Document, error) {
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		// Non-UUID ids cannot name a point.
		if _, err := uuid.Parse(id); err != nil {
			continue
		}
		pointIDs = append(pointIDs, qdrant.NewIDUUID(id))
	}
	if len(pointIDs) == 0 {
		return nil, nil
	}

	points, err := q.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: q.collection,
		Ids:            pointIDs,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, apperr.E(apperr.ErrStorage, "store: get documents", err)
	}

	var out []models.Document
	for _, p := range points {
		payload := p.Payload
		if payload["type"].GetStringValue() != pointTypeDocument || payload["user_id"].GetStringValue() != ownerID {
			continue
		}
		d := documentFromPayload(p.Id.GetUuid(), payload)
		if !withContent {
			d.Content = ""
			d.Metadata = nil
		}
		out = append(out, d)
	}
	return out, nil
}

func documentFromPayload(id string, payload map[string]*qdrant.Value) models.Document {
	d := models.Document{
		ID:        id,
		OwnerID:   payload["user_id"].GetStringValue(),
		URL:       payload["url"].GetStringValue(),
		Title:     payload["title"].GetStringValue(),
		Content:   payload["content"].GetStringValue(),
		CreatedAt: time.Unix(0, payload["created_at"].GetIntegerValue()).UTC(),
	}
	if raw := payload["metadata"].GetStringValue(); raw != "" {
		var m map[string]any
		if json.Unmarshal([]byte(raw), &m) == nil && len(m) > 0 {
			d.Metadata = m
		}
	}
	return d
}

// scroll pages through every point matching filter. Qdrant treats the offset
// as inclusive, so the first point of each following page is skipped.
func (q *Qdrant) scroll(ctx context.Context, filter *qdrant.Filter, payload *qdrant.WithPayloadSelector, vectors *qdrant.WithVectorsSelector) ([]*qdrant.RetrievedPoint, error) {
	var (
		out    []*qdrant.RetrievedPoint
		offset *qdrant.PointId
	)
	for {
		page, err := q.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: q.collection,
			Filter:         filter,
			Offset:         offset,
			Limit:          qdrant.PtrOf(uint32(qdrantScrollPage)),
			WithPayload:    payload,
			WithVectors:    vectors,
		})
		if err != nil {
			return nil, err
		}
		if offset != nil && len(page) > 0 && page[0].Id.GetUuid() == offset.GetUuid() {
			page = page[1:]
		}
		out = append(out, page...)
		if len(page) < qdrantScrollPage-1 {
			return out, nil
		}
		offset = page[len(page)-1].Id
	}
}

func ownerFilter(pointType, ownerID string) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewMatch("type", pointType),
			qdrant.NewMatch("user_id", ownerID),
		},
	}
}

func (q *Qdrant) ListDocuments(ctx context.Context, ownerID string) ([]models.Document, error) {
	points, err := q.scroll(ctx, ownerFilter(pointTypeDocument, ownerID),
		qdrant.NewWithPayloadInclude("user_id", "url", "title", "metadata", "created_at"), nil)
	if err != nil {
		return nil, apperr.E(apperr.ErrStorage, "store: list documents", err)
	}

	out := make([]models.Document, 0, len(points))
	for _, p := range points {
		out = append(out, documentFromPayload(p.Id.GetUuid(), p.Payload))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (q *Qdrant) DocumentVectors(ctx context.Context, ownerID string) ([]models.Document, error) {
	points, err := q.scroll(ctx, ownerFilter(pointTypeDocument, ownerID),
		qdrant.NewWithPayloadInclude("user_id", "url", "title", "created_at"),
		qdrant.NewWithVectorsInclude(documentVectorName))
	if err != nil {
		return nil, apperr.E(apperr.ErrStorage, "store: document vectors", err)
	}

	out := make([]models.Document, 0, len(points))
	for _, p := range points {
		d := documentFromPayload(p.Id.GetUuid(), p.Payload)
		d.Embedding = namedVector(p.Vectors, documentVectorName)
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (q *Qdrant) ChunkVectors(ctx context.Context, ownerID string) ([]models.Chunk, error) {
	points, err := q.scroll(ctx, ownerFilter(pointTypeChunk, ownerID),
		qdrant.NewWithPayloadInclude("user_id", "document_id", "chunk_index"),
		qdrant.NewWithVectorsInclude(chunkVectorName))
	if err != nil {
		return nil, apperr.E(apperr.ErrStorage, "store: chunk vectors", err)
	}

	out := make([]models.Chunk, 0, len(points))
	for _, p := range points {
		out = append(out, models.Chunk{
			ID:         p.Id.GetUuid(),
			DocumentID: p.Payload["document_id"].GetStringValue(),
			OwnerID:    p.Payload["user_id"].GetStringValue(),
			Index:      int(p.Payload["chunk_index"].GetIntegerValue()),
			Embedding:  namedVector(p.Vectors, chunkVectorName),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DocumentID != out[j].DocumentID {
			return out[i].DocumentID < out[j].DocumentID
		}
		return out[i].Index < out[j].Index
	})
	return out, nil
}

func namedVector(v *qdrant.VectorsOutput, name string) []float32 {
	out := v.GetVectors().GetVectors()[name]
	if out == nil {
		return nil
	}
	return out.GetData()
}

func (q *Qdrant) SimilaritySearch(ctx context.Context, vec []float32, ownerID string, threshold float64, limit int) ([]models.Match, error) {
	using := chunkVectorName
	results, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(vec...),
		Using:          &using,
		Filter:         ownerFilter(pointTypeChunk, ownerID),
		ScoreThreshold: qdrant.PtrOf(float32(threshold)),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayloadInclude("document_id", "content"),
		WithVectors:    qdrant.NewWithVectors(false),
	})
	if err != nil {
		return nil, apperr.E(apperr.ErrStorage, "store: similarity search", err)
	}

	out := make([]models.Match, 0, len(results))
	for _, r := range results {
		out = append(out, models.Match{
			ChunkID:    r.Id.GetUuid(),
			DocumentID: r.Payload["document_id"].GetStringValue(),
			Content:    r.Payload["content"].GetStringValue(),
			Similarity: float64(r.Score),
		})
	}
	return out, nil
}
