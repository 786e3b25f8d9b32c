package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubEmbedder maps texts onto fixed axes by keyword so similarity scores in
// tests are exact: a text scores 1.0 against a query sharing its keyword and
// 0.0 against the others.
type stubEmbedder struct{}

func keywordVector(text string) []float32 {
	switch {
	case strings.Contains(text, "alpha"):
		return []float32{1, 0, 0}
	case strings.Contains(text, "beta"):
		return []float32{0, 1, 0}
	case strings.Contains(text, "gamma"):
		return []float32{0, 0, 1}
	default:
		return []float32{0.577, 0.577, 0.577}
	}
}

func (stubEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = keywordVector(t)
	}
	return out, nil
}

func (stubEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return keywordVector(text), nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(stubEmbedder{}, nil)
	require.NoError(t, err)
	return s
}

func testChunker(t *testing.T) Chunker {
	t.Helper()
	c, err := NewChunker(50, 5)
	require.NoError(t, err)
	return c
}

func TestSearchFiltersByThresholdSortedDescending(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := testChunker(t)

	require.NoError(t, s.AddDocument(ctx, "doc-a", "alpha topic content here", c))
	require.NoError(t, s.AddDocument(ctx, "doc-b", "beta topic content here", c))
	require.NoError(t, s.AddDocument(ctx, "doc-c", "gamma topic content here", c))

	hits, err := s.Search(ctx, "alpha question", 0.5, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1, "only the alpha chunk clears the threshold")
	assert.Equal(t, "doc-a", hits[0].DocID)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-3)

	// Similarities are non-increasing whatever the threshold.
	all, err := s.Search(ctx, "alpha question", -1, 0)
	require.NoError(t, err)
	for i := 1; i < len(all); i++ {
		assert.GreaterOrEqual(t, all[i-1].Similarity, all[i].Similarity)
	}
}

func TestSearchHonorsTokenBudget(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := testChunker(t)

	require.NoError(t, s.AddDocument(ctx, "doc-a", "alpha one two three four five six seven", c))
	require.NoError(t, s.AddDocument(ctx, "doc-b", "alpha eight nine ten eleven twelve thirteen fourteen", c))

	// Each doc is a single eight-token chunk; a budget of eight fits one.
	hits, err := s.Search(ctx, "alpha", 0.5, 8)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	hits, err = s.Search(ctx, "alpha", 0.5, 16)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestSearchEmptyStore(t *testing.T) {
	s := newTestStore(t)
	hits, err := s.Search(context.Background(), "anything", 0.5, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestDocumentRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	chunker, err := NewChunker(4, 1)
	require.NoError(t, err)

	text := "alpha w1 w2 w3 w4 w5 w6 w7 w8 w9 w10 w11"
	require.NoError(t, s.AddDocument(ctx, "doc-a", text, chunker))

	rebuilt, ok, err := s.Document("doc-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, text, rebuilt, "reassembly must be byte exact")

	_, ok, err = s.Document("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDocumentsInsertionOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := testChunker(t)

	require.NoError(t, s.AddDocument(ctx, "first", "alpha text", c))
	require.NoError(t, s.AddDocument(ctx, "second", "beta text", c))

	docs, err := s.Documents()
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "alpha text", docs[0])
	assert.Equal(t, "beta text", docs[1])
}
