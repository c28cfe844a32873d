package rag

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/testutil"
)

type fakeSearcher struct {
	matches   []models.Match
	docs      []models.Document
	err       error
	limit     int
	threshold float64
	owner     string
	askedIDs  []string
}

func (f *fakeSearcher) SimilaritySearch(_ context.Context, _ []float32, owner string, threshold float64, limit int) ([]models.Match, error) {
	f.owner, f.threshold, f.limit = owner, threshold, limit
	return f.matches, f.err
}

func (f *fakeSearcher) DocumentsByIDs(_ context.Context, _ string, ids []string) ([]models.Document, error) {
	f.askedIDs = ids
	return f.docs, nil
}

func match(id, doc string, sim float64) models.Match {
	return models.Match{ChunkID: id, DocumentID: doc, Content: "text " + id, Similarity: sim}
}

func TestRankKeepsTopFiveStable(t *testing.T) {
	in := []models.Match{
		match("a", "d1", 0.5),
		match("b", "d1", 0.9),
		match("c", "d2", 0.7),
		match("d", "d2", 0.7),
		match("e", "d3", 0.1),
		match("f", "d3", 0.7),
		match("g", "d4", 0.3),
	}
	got := Rank(in, 5)
	require.Len(t, got, 5)

	ids := make([]string, len(got))
	for i, m := range got {
		ids[i] = m.ChunkID
	}
	assert.Equal(t, []string{"b", "c", "d", "f", "a"}, ids)
	assert.Equal(t, "a", in[0].ChunkID, "input must not be reordered")
}

func TestRankFewerThanK(t *testing.T) {
	got := Rank([]models.Match{match("a", "d", 0.2), match("b", "d", 0.4)}, 5)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ChunkID)
}

func TestBuildContext(t *testing.T) {
	docs := map[string]models.Document{"d1": {ID: "d1", Title: "Go Notes"}}
	got := BuildContext([]models.Match{match("a", "d1", 0.912), match("b", "missing", 0.5)}, docs)

	want := "[Source 1 - \"Go Notes\" (similarity: 0.91)]\ntext a" +
		"\n\n---\n\n" +
		"[Source 2 - \"Untitled\" (similarity: 0.50)]\ntext b"
	assert.Equal(t, want, got)
}

func TestBuildContextKeepsTitleVerbatim(t *testing.T) {
	docs := map[string]models.Document{"d1": {ID: "d1", Title: "Say \"hi\"\ttab"}}
	got := BuildContext([]models.Match{match("a", "d1", 0.5)}, docs)

	assert.Equal(t, "[Source 1 - \"Say \"hi\"\ttab\" (similarity: 0.50)]\ntext a", got)
}

func TestRetrieve(t *testing.T) {
	s := &fakeSearcher{
		matches: []models.Match{match("a", "d1", 0.4), match("b", "d2", 0.8), match("c", "d1", 0.6)},
		docs: []models.Document{
			{ID: "d1", Title: "One", URL: "https://one.example"},
			{ID: "d2", Title: "Two", URL: "https://two.example"},
		},
	}
	emb := &testutil.Embedder{}
	r := NewRetriever(emb, s, RetrieverConfig{}, nil)

	res, err := r.Retrieve(context.Background(), "what is go", "u1")
	require.NoError(t, err)

	assert.True(t, res.Grounded)
	assert.Equal(t, "what is go", emb.LastInput)
	assert.Equal(t, "u1", s.owner)
	assert.Equal(t, DefaultCandidates, s.limit)
	assert.Zero(t, s.threshold)
	assert.Equal(t, []string{"d2", "d1"}, s.askedIDs)
	require.Len(t, res.Matches, 3)
	assert.Equal(t, "b", res.Matches[0].ChunkID)
	assert.True(t, strings.HasPrefix(res.Context, `[Source 1 - "Two"`))
}

func TestRetrieveNoCandidates(t *testing.T) {
	r := NewRetriever(&testutil.Embedder{}, &fakeSearcher{}, RetrieverConfig{}, nil)
	res, err := r.Retrieve(context.Background(), "anything", "u1")
	require.NoError(t, err)
	assert.False(t, res.Grounded)
	assert.Empty(t, res.Context)
	assert.Empty(t, res.Sources())
}

func TestRetrieveErrors(t *testing.T) {
	ctx := context.Background()

	_, err := NewRetriever(&testutil.Embedder{}, &fakeSearcher{}, RetrieverConfig{}, nil).Retrieve(ctx, "q", "")
	assert.ErrorIs(t, err, apperr.ErrAuth)

	_, err = NewRetriever(&testutil.Embedder{}, &fakeSearcher{}, RetrieverConfig{}, nil).Retrieve(ctx, "  ", "u1")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = NewRetriever(&testutil.Embedder{Err: errors.New("quota")}, &fakeSearcher{}, RetrieverConfig{}, nil).Retrieve(ctx, "q", "u1")
	assert.ErrorIs(t, err, apperr.ErrUpstream)

	_, err = NewRetriever(&testutil.Embedder{}, &fakeSearcher{err: errors.New("db down")}, RetrieverConfig{}, nil).Retrieve(ctx, "q", "u1")
	assert.ErrorIs(t, err, apperr.ErrStorage)
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func grounded() Retrieval {
	return Retrieval{
		Matches: []models.Match{match("c2", "d2", 0.9), match("c1", "d1", 0.7), match("c9", "gone", 0.6)},
		Documents: map[string]models.Document{
			"d1": {ID: "d1", Title: "One", URL: "https://one.example"},
			"d2": {ID: "d2", URL: "https://two.example"},
		},
		Context:  "CTX",
		Grounded: true,
	}
}

func TestStreamCitationsBeforeText(t *testing.T) {
	gen := &testutil.Generator{Fragments: []string{"Hello", " world"}}
	s := NewStreamer(gen, nil)

	history := []models.Message{{Role: models.RoleUser, Content: "hi"}}
	ch, err := s.Stream(context.Background(), history, grounded())
	require.NoError(t, err)
	events := collect(t, ch)

	require.Len(t, events, 4)
	assert.Equal(t, EventSource, events[0].Kind)
	assert.Equal(t, "c2", events[0].Source.SourceID)
	assert.Equal(t, "Untitled", events[0].Source.Title)
	assert.Equal(t, EventSource, events[1].Kind)
	assert.Equal(t, "c1", events[1].Source.SourceID)
	assert.Equal(t, "https://one.example", events[1].Source.URL)
	assert.Equal(t, EventText, events[2].Kind)
	assert.Equal(t, "Hello", events[2].Text)
	assert.Equal(t, " world", events[3].Text)

	req := gen.LastRequest()
	assert.True(t, strings.HasSuffix(req.System, "Sources:\nCTX"))
	assert.Equal(t, history, req.Messages)
}

func TestStreamUngrounded(t *testing.T) {
	gen := &testutil.Generator{Fragments: []string{"I don't know"}}
	ch, err := NewStreamer(gen, nil).Stream(context.Background(),
		[]models.Message{{Role: models.RoleUser, Content: "hi"}}, Retrieval{})
	require.NoError(t, err)
	events := collect(t, ch)

	require.Len(t, events, 1)
	assert.Equal(t, EventText, events[0].Kind)
	assert.Empty(t, gen.LastRequest().System)
}

func TestStreamEmptyHistory(t *testing.T) {
	_, err := NewStreamer(&testutil.Generator{}, nil).Stream(context.Background(), nil, grounded())
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestStreamGeneratorFailsUpFront(t *testing.T) {
	gen := &testutil.Generator{Err: errors.New("401 from provider")}
	_, err := NewStreamer(gen, nil).Stream(context.Background(),
		[]models.Message{{Role: models.RoleUser, Content: "hi"}}, grounded())
	assert.ErrorIs(t, err, apperr.ErrUpstream)
}

func TestStreamMidStreamError(t *testing.T) {
	gen := &testutil.Generator{Fragments: []string{"partial"}, StreamErr: errors.New("reset")}
	ch, err := NewStreamer(gen, nil).Stream(context.Background(),
		[]models.Message{{Role: models.RoleUser, Content: "hi"}}, Retrieval{})
	require.NoError(t, err)
	events := collect(t, ch)

	require.Len(t, events, 2)
	assert.Equal(t, EventError, events[1].Kind)
	assert.ErrorIs(t, events[1].Err, apperr.ErrUpstream)
}

func TestStreamCancellation(t *testing.T) {
	fragments := make([]string, 1000)
	for i := range fragments {
		fragments[i] = "x"
	}
	gen := &testutil.Generator{Fragments: fragments}
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := NewStreamer(gen, nil).Stream(ctx,
		[]models.Message{{Role: models.RoleUser, Content: "hi"}}, grounded())
	require.NoError(t, err)

	<-ch
	cancel()
	events := collect(t, ch)
	assert.Less(t, len(events), len(fragments))
}

func TestAnswer(t *testing.T) {
	gen := &testutil.Generator{Fragments: []string{"a", "b"}}
	ch, err := NewStreamer(gen, nil).Stream(context.Background(),
		[]models.Message{{Role: models.RoleUser, Content: "hi"}}, grounded())
	require.NoError(t, err)

	text, sources, err := Answer(context.Background(), ch)
	require.NoError(t, err)
	assert.Equal(t, "ab", text)
	assert.Len(t, sources, 2)
}

func TestLastUserText(t *testing.T) {
	history := []models.Message{
		{Role: models.RoleUser, Content: "first"},
		{Role: models.RoleAssistant, Content: "reply"},
		{Role: models.RoleUser, Content: "second"},
		{Role: models.RoleAssistant, Content: "reply 2"},
	}
	assert.Equal(t, "second", LastUserText(history))
	assert.Empty(t, LastUserText(nil))
}
