package embeddings

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{name: "identical", a: []float32{1, 2, 3}, b: []float32{1, 2, 3}, want: 1},
		{name: "orthogonal", a: []float32{1, 0}, b: []float32{0, 1}, want: 0},
		{name: "opposite", a: []float32{1, 0}, b: []float32{-1, 0}, want: -1},
		{name: "mismatched lengths", a: []float32{1, 2}, b: []float32{1}, want: 0},
		{name: "zero vector", a: []float32{0, 0}, b: []float32{1, 1}, want: 0},
		{name: "empty", a: nil, b: nil, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Cosine(tt.a, tt.b), 1e-9)
		})
	}
}

func TestServiceEmbedDocuments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		_, _ = w.Write([]byte(`[[0.1,0.2],[0.3,0.4]]`))
	}))
	defer srv.Close()

	s, err := NewService(Config{BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	vectors, err := s.EmbedDocuments(context.Background(), []string{"one", "two"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.InDelta(t, 0.3, vectors[1][0], 1e-6)
}

func TestServiceEmbedQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[[0.5,0.6]]`))
	}))
	defer srv.Close()

	s, err := NewService(Config{BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	vector, err := s.EmbedQuery(context.Background(), "query")
	require.NoError(t, err)
	assert.Len(t, vector, 2)
}

func TestServiceErrors(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		texts      []string
		wantErr    error
		errMessage string
	}{
		{
			name:    "empty input",
			texts:   nil,
			wantErr: ErrEmptyInput,
		},
		{
			name: "upstream failure",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "model not loaded", http.StatusServiceUnavailable)
			},
			texts:      []string{"x"},
			wantErr:    ErrEmbeddingFailed,
			errMessage: "status 503",
		},
		{
			name: "count mismatch",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`[[0.1]]`))
			},
			texts:      []string{"x", "y"},
			wantErr:    ErrEmbeddingFailed,
			errMessage: "got 1 embeddings for 2 texts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			baseURL := "http://localhost:8080"
			if tt.handler != nil {
				srv := httptest.NewServer(tt.handler)
				defer srv.Close()
				baseURL = srv.URL
			}

			s, err := NewService(Config{BaseURL: baseURL}, nil)
			require.NoError(t, err)

			_, err = s.EmbedDocuments(context.Background(), tt.texts)
			require.ErrorIs(t, err, tt.wantErr)
			if tt.errMessage != "" {
				assert.Contains(t, err.Error(), tt.errMessage)
			}
		})
	}
}
