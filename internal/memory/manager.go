package memory

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/emberworks/cascade/internal/clock"
	"github.com/emberworks/cascade/internal/embeddings"
	"github.com/emberworks/cascade/internal/logging"
)

// Strategy selects how prompt context is assembled for a stage.
type Strategy string

const (
	// StrategySmart retrieves the most similar chunks under the budget.
	StrategySmart Strategy = "smart_selection"
	// StrategyFull concatenates whole documents up to the budget.
	StrategyFull Strategy = "full"
	// StrategySummary condenses documents through a Summarizer.
	StrategySummary Strategy = "summary"
)

// Summarizer condenses text. The summary strategy delegates to it; the
// engine wires one backed by a completion model.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// Config holds memory settings.
type Config struct {
	ChunkSize           int            `koanf:"chunk_size"`
	Overlap             int            `koanf:"overlap"`
	SimilarityThreshold float64        `koanf:"similarity_threshold"`
	TTL                 time.Duration  `koanf:"cache_ttl"`
	Strategy            Strategy       `koanf:"context_strategy"`
	ContextWindows      map[string]int `koanf:"context_windows"`
	DefaultWindow       int            `koanf:"default_context_window"`
}

// ApplyDefaults fills zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.ChunkSize == 0 {
		c.ChunkSize = 1000
	}
	if c.Overlap == 0 {
		c.Overlap = 100
	}
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = 0.5
	}
	if c.TTL == 0 {
		c.TTL = time.Hour
	}
	if c.Strategy == "" {
		c.Strategy = StrategySmart
	}
	if c.DefaultWindow == 0 {
		c.DefaultWindow = 8000
	}
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if _, err := NewChunker(c.ChunkSize, c.Overlap); err != nil {
		return err
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity_threshold must be in [0, 1], got %v", c.SimilarityThreshold)
	}
	switch c.Strategy {
	case StrategySmart, StrategyFull, StrategySummary:
	default:
		return fmt.Errorf("unknown context strategy %q", c.Strategy)
	}
	if c.DefaultWindow <= 0 {
		return fmt.Errorf("default_context_window must be > 0, got %d", c.DefaultWindow)
	}
	return nil
}

// Manager composes the chunk store and the response cache. Accepted stage
// outputs are recorded as documents so later stages can retrieve them.
type Manager struct {
	cfg        Config
	chunker    Chunker
	store      *Store
	cache      *Cache
	summarizer Summarizer
	logger     *logging.Logger
}

// NewManager creates a Manager. summarizer may be nil when the summary
// strategy is not configured.
func NewManager(cfg Config, embedder embeddings.Embedder, summarizer Summarizer, clk clock.Clock, logger *logging.Logger) (*Manager, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("memory config: %w", err)
	}
	if cfg.Strategy == StrategySummary && summarizer == nil {
		return nil, fmt.Errorf("summary strategy requires a summarizer")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	chunker, err := NewChunker(cfg.ChunkSize, cfg.Overlap)
	if err != nil {
		return nil, err
	}
	store, err := NewStore(embedder, logger)
	if err != nil {
		return nil, err
	}

	return &Manager{
		cfg:        cfg,
		chunker:    chunker,
		store:      store,
		cache:      NewCache(cfg.TTL, clk),
		summarizer: summarizer,
		logger:     logger,
	}, nil
}

// AddDocument records text under docID for later retrieval.
func (m *Manager) AddDocument(ctx context.Context, docID, text string) error {
	return m.store.AddDocument(ctx, docID, text, m.chunker)
}

// Window returns the context-window token budget for a model.
func (m *Manager) Window(model string) int {
	if w, ok := m.cfg.ContextWindows[model]; ok && w > 0 {
		return w
	}
	return m.cfg.DefaultWindow
}

// Context assembles prompt context for a stage according to the configured
// strategy, bounded by the target model's window.
func (m *Manager) Context(ctx context.Context, query, model string) (string, error) {
	budget := m.Window(model)

	switch m.cfg.Strategy {
	case StrategySmart:
		hits, err := m.store.Search(ctx, query, m.cfg.SimilarityThreshold, budget)
		if err != nil {
			return "", err
		}
		parts := make([]string, len(hits))
		for i, hit := range hits {
			parts[i] = hit.Text
		}
		m.logger.DebugContext(ctx, "assembled retrieval context",
			zap.Int("chunks", len(hits)),
			zap.Int("budget_tokens", budget),
		)
		return strings.Join(parts, "\n\n"), nil

	case StrategyFull:
		docs, err := m.store.Documents()
		if err != nil {
			return "", err
		}
		return truncateTokens(strings.Join(docs, "\n\n"), budget), nil

	case StrategySummary:
		docs, err := m.store.Documents()
		if err != nil {
			return "", err
		}
		if len(docs) == 0 {
			return "", nil
		}
		summary, err := m.summarizer.Summarize(ctx, strings.Join(docs, "\n\n"))
		if err != nil {
			return "", fmt.Errorf("summarizing context: %w", err)
		}
		return truncateTokens(summary, budget), nil

	default:
		return "", fmt.Errorf("unknown context strategy %q", m.cfg.Strategy)
	}
}

// Lookup returns a cached accepted response by fingerprint.
func (m *Manager) Lookup(fp string) (string, bool) {
	return m.cache.Get(fp)
}

// Remember returns the cached value for fp or produces it via fn, collapsing
// concurrent identical requests into one fn call.
func (m *Manager) Remember(ctx context.Context, fp string, fn func(ctx context.Context) (string, error)) (string, bool, error) {
	return m.cache.Do(ctx, fp, fn)
}

// ClearCache drops all cached responses.
func (m *Manager) ClearCache() {
	m.cache.Clear()
}

// Search exposes chunk retrieval for callers that need scored hits.
func (m *Manager) Search(ctx context.Context, query string, budgetTokens int) ([]ScoredChunk, error) {
	return m.store.Search(ctx, query, m.cfg.SimilarityThreshold, budgetTokens)
}

// Document reassembles a stored document byte for byte.
func (m *Manager) Document(docID string) (string, bool, error) {
	return m.store.Document(docID)
}

// truncateTokens cuts text after the first n whitespace-delimited tokens.
func truncateTokens(text string, n int) string {
	if n <= 0 {
		return text
	}
	count := 0
	inToken := false
	for i, r := range text {
		if unicode.IsSpace(r) {
			inToken = false
			continue
		}
		if !inToken {
			count++
			inToken = true
			if count > n {
				return strings.TrimRightFunc(text[:i], unicode.IsSpace)
			}
		}
	}
	return text
}
