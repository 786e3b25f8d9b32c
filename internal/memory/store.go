package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/emberworks/cascade/internal/embeddings"
	"github.com/emberworks/cascade/internal/logging"
)

const chunkCollection = "cascade_chunks"

// ScoredChunk is a retrieval hit.
type ScoredChunk struct {
	Chunk
	Similarity float64
}

// Store indexes document chunks in an embedded chromem collection. Chunks
// are embedded once at insert time; queries embed only the query text.
type Store struct {
	db       *chromem.DB
	col      *chromem.Collection
	embedder embeddings.Embedder
	logger   *logging.Logger

	mu     sync.RWMutex
	chunks map[string]Chunk   // chunk id -> chunk
	docs   map[string][]Chunk // doc id -> ordered chunks
	order  []string           // doc insertion order
}

// NewStore creates an in-memory chunk index backed by the given embedder.
func NewStore(embedder embeddings.Embedder, logger *logging.Logger) (*Store, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	s := &Store{
		db:       chromem.NewDB(),
		embedder: embedder,
		logger:   logger,
		chunks:   make(map[string]Chunk),
		docs:     make(map[string][]Chunk),
	}

	col, err := s.db.CreateCollection(chunkCollection, nil, func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.EmbedQuery(ctx, text)
	})
	if err != nil {
		return nil, fmt.Errorf("creating collection: %w", err)
	}
	s.col = col
	return s, nil
}

func chunkID(docID string, index int) string {
	return fmt.Sprintf("%s#%d", docID, index)
}

// AddDocument chunks text, embeds every chunk in one batch and indexes them.
// Re-adding a doc id replaces its chunks in the bookkeeping maps and upserts
// them in the collection.
func (s *Store) AddDocument(ctx context.Context, docID, text string, chunker Chunker) error {
	if docID == "" {
		return fmt.Errorf("doc id is required")
	}
	chunks := chunker.Split(docID, text)
	if len(chunks) == 0 {
		return nil
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	vectors, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return fmt.Errorf("got %d embeddings for %d chunks", len(vectors), len(chunks))
	}

	docs := make([]chromem.Document, len(chunks))
	for i, ch := range chunks {
		docs[i] = chromem.Document{
			ID:        chunkID(docID, ch.Index),
			Content:   ch.Text,
			Metadata:  map[string]string{"doc": docID},
			Embedding: vectors[i],
		}
	}
	// Concurrency of 1 since embeddings are precomputed.
	if err := s.col.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("indexing chunks: %w", err)
	}

	s.mu.Lock()
	if _, seen := s.docs[docID]; !seen {
		s.order = append(s.order, docID)
	}
	s.docs[docID] = chunks
	for _, ch := range chunks {
		s.chunks[chunkID(docID, ch.Index)] = ch
	}
	s.mu.Unlock()

	s.logger.DebugContext(ctx, "indexed document",
		zap.String("doc", docID),
		zap.Int("chunks", len(chunks)),
	)
	return nil
}

// Search returns chunks whose cosine similarity to query meets threshold,
// most similar first, truncated so the total token count stays within
// budgetTokens. A budget <= 0 means unlimited.
func (s *Store) Search(ctx context.Context, query string, threshold float64, budgetTokens int) ([]ScoredChunk, error) {
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}

	// chromem requires nResults <= doc count.
	k := s.col.Count()
	if k == 0 {
		return nil, nil
	}

	results, err := s.col.Query(ctx, query, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	hits := make([]ScoredChunk, 0, len(results))
	used := 0
	for _, r := range results {
		sim := float64(r.Similarity)
		if sim < threshold {
			// Results arrive sorted descending; everything after is below
			// threshold too.
			break
		}
		ch, ok := s.chunks[r.ID]
		if !ok {
			continue
		}
		if budgetTokens > 0 && used+ch.Tokens > budgetTokens {
			continue
		}
		used += ch.Tokens
		hits = append(hits, ScoredChunk{Chunk: ch, Similarity: sim})
	}
	return hits, nil
}

// Document reassembles a stored document byte for byte.
func (s *Store) Document(docID string) (string, bool, error) {
	s.mu.RLock()
	chunks, ok := s.docs[docID]
	s.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	text, err := Reassemble(chunks)
	if err != nil {
		return "", true, err
	}
	return text, true, nil
}

// Documents returns all stored documents in insertion order.
func (s *Store) Documents() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.order))
	for _, docID := range s.order {
		text, err := Reassemble(s.docs[docID])
		if err != nil {
			return nil, fmt.Errorf("doc %q: %w", docID, err)
		}
		out = append(out, text)
	}
	return out, nil
}

// DocumentTokens returns the token count of a stored document.
func (s *Store) DocumentTokens(docID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, ch := range s.docs[docID] {
		total += ch.Tokens
	}
	// Overlapping windows double-count shared tokens.
	for i, ch := range s.docs[docID] {
		if i > 0 && ch.OverlapBytes > 0 {
			total -= tokensIn(ch.Text[:ch.OverlapBytes])
		}
	}
	return total
}

func tokensIn(text string) int {
	return len(tokenStarts(text))
}
