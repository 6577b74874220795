// Package embedding provides vector embedding generation for trace
// similarity search. Supports multiple backends: Ollama (local) and
// Google GenAI (cloud). The engine is optional; a nil engine means
// similarity search is disabled.
package embedding

import (
	"context"
	"fmt"
	"math"

	"github.com/ToolBrain/toolbrain-tracing/internal/logging"
)

// EmbeddingEngine generates vector embeddings for text.
type EmbeddingEngine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings.
	Dimensions() int

	// Name returns the engine name.
	Name() string
}

// Config holds embedding engine configuration.
type Config struct {
	// Backend: "ollama", "genai", or "none"
	Backend string `json:"backend"`

	Model      string `json:"model"`
	BaseURL    string `json:"base_url"` // ollama endpoint
	APIKey     string `json:"api_key"`  // genai key
	Dimensions int    `json:"dimensions"`
}

// DefaultConfig returns sensible defaults for a local setup.
func DefaultConfig() Config {
	return Config{
		Backend:    "ollama",
		Model:      "all-minilm",
		BaseURL:    "http://localhost:11434",
		Dimensions: 384,
	}
}

// NewEngine creates an embedding engine from configuration. A "none" or
// empty backend yields a nil engine and no error; callers treat a nil
// engine as similarity search disabled.
func NewEngine(cfg Config) (EmbeddingEngine, error) {
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 384
	}

	switch cfg.Backend {
	case "", "none":
		logging.Embedding("embedding disabled; similarity search will return no results")
		return nil, nil
	case "ollama":
		logging.Embedding("initializing ollama embedding engine: endpoint=%s model=%s", cfg.BaseURL, cfg.Model)
		return NewOllamaEngine(cfg.BaseURL, cfg.Model, cfg.Dimensions)
	case "genai":
		logging.Embedding("initializing genai embedding engine: model=%s", cfg.Model)
		return NewGenAIEngine(cfg.APIKey, cfg.Model, cfg.Dimensions)
	default:
		return nil, fmt.Errorf("unsupported embedding backend: %s (use 'ollama', 'genai', or 'none')", cfg.Backend)
	}
}

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dotProduct, aMagnitude, bMagnitude float64
	for i := 0; i < len(a); i++ {
		dotProduct += float64(a[i] * b[i])
		aMagnitude += float64(a[i] * a[i])
		bMagnitude += float64(b[i] * b[i])
	}

	if aMagnitude == 0 || bMagnitude == 0 {
		return 0, nil
	}
	return dotProduct / (math.Sqrt(aMagnitude) * math.Sqrt(bMagnitude)), nil
}

// SimilarityHit is one result of a top-K scan.
type SimilarityHit struct {
	Index      int
	Similarity float64
}

// FindTopK returns the indices of the top K corpus vectors most similar
// to the query, by descending cosine similarity. Vectors with mismatched
// dimensions are skipped.
func FindTopK(query []float32, corpus [][]float32, k int) []SimilarityHit {
	timer := logging.StartTimer(logging.CategoryEmbedding, "FindTopK")
	defer timer.Stop()

	if k <= 0 {
		k = 10
	}

	results := make([]SimilarityHit, 0, len(corpus))
	skipped := 0
	for i, vec := range corpus {
		similarity, err := CosineSimilarity(query, vec)
		if err != nil {
			skipped++
			continue
		}
		results = append(results, SimilarityHit{Index: i, Similarity: similarity})
	}
	if skipped > 0 {
		logging.Get(logging.CategoryEmbedding).Warn("FindTopK: skipped %d vectors due to dimension mismatch", skipped)
	}

	// Partial selection sort; K is small.
	for i := 0; i < len(results) && i < k; i++ {
		for j := i + 1; j < len(results); j++ {
			if results[j].Similarity > results[i].Similarity {
				results[i], results[j] = results[j], results[i]
			}
		}
	}
	if len(results) > k {
		results = results[:k]
	}
	return results
}
