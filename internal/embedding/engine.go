// Package embedding provides vector embedding generation for context retrieval.
// Supports multiple backends: Google GenAI (cloud), Ollama (local) and OpenAI.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"codecoach/internal/logging"
)

// =============================================================================
// EMBEDDING ENGINE INTERFACE
// =============================================================================

// Mode selects the embedding space a text is projected into. Stored corpus
// chunks and search queries use different adapters in most embedding APIs
// and must not be mixed.
type Mode int

const (
	// ModeDocument embeds text that is stored and later retrieved.
	ModeDocument Mode = iota
	// ModeQuery embeds the search input.
	ModeQuery
)

func (m Mode) String() string {
	if m == ModeQuery {
		return "query"
	}
	return "document"
}

// ErrUnavailable marks every embedding failure. An engine never reports
// failure through an empty vector.
var ErrUnavailable = errors.New("embedding unavailable")

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates the embedding for a single text in the given mode.
	Embed(ctx context.Context, text string, mode Mode) ([]float32, error)

	// Name returns the engine name, e.g. "genai:text-embedding-004".
	Name() string
}

// unavailable wraps a backend error so callers can test it with errors.Is.
func unavailable(engine string, err error) error {
	return fmt.Errorf("%s: %w: %w", engine, ErrUnavailable, err)
}

// checkVector rejects an empty embedding coming back from a backend.
func checkVector(engine string, vec []float32) ([]float32, error) {
	if len(vec) == 0 {
		return nil, fmt.Errorf("%s: %w: empty embedding returned", engine, ErrUnavailable)
	}
	return vec, nil
}

// =============================================================================
// EMBEDDING CONFIGURATION
// =============================================================================

// Config holds embedding engine configuration.
type Config struct {
	// Provider: "genai", "ollama" or "openai"
	Provider string

	GenAIAPIKey string
	GenAIModel  string // Default: "text-embedding-004"

	OllamaEndpoint string // Default: "http://localhost:11434"
	OllamaModel    string // Default: "embeddinggemma"

	OpenAIAPIKey string
	OpenAIModel  string // Default: "text-embedding-3-small"

	// Timeout bounds each backend call. Zero disables the per-call bound.
	Timeout time.Duration

	// MaxRetries > 0 wraps the engine with exponential backoff.
	MaxRetries int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Provider:       "genai",
		GenAIModel:     "text-embedding-004",
		OllamaEndpoint: "http://localhost:11434",
		OllamaModel:    "embeddinggemma",
		OpenAIModel:    "text-embedding-3-small",
		Timeout:        30 * time.Second,
		MaxRetries:     3,
	}
}

// =============================================================================
// FACTORY
// =============================================================================

// NewEngine creates an embedding engine based on configuration.
func NewEngine(ctx context.Context, cfg Config) (Engine, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "NewEngine")
	defer timer.Stop()

	logging.Embedding("Creating embedding engine with provider=%s", cfg.Provider)

	var engine Engine
	var err error

	switch cfg.Provider {
	case "genai":
		engine, err = NewGenAIEngine(ctx, cfg.GenAIAPIKey, cfg.GenAIModel)
	case "ollama":
		engine, err = NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel, cfg.Timeout)
	case "openai":
		engine, err = NewOpenAIEngine(cfg.OpenAIAPIKey, cfg.OpenAIModel)
	default:
		logging.EmbeddingError("Unsupported embedding provider: %s", cfg.Provider)
		return nil, fmt.Errorf("unsupported embedding provider: %s (use genai, ollama or openai)", cfg.Provider)
	}
	if err != nil {
		logging.EmbeddingError("Failed to create embedding engine: %v", err)
		return nil, err
	}

	if cfg.Timeout > 0 {
		engine = WithTimeout(engine, cfg.Timeout)
	}
	if cfg.MaxRetries > 0 {
		engine = WithRetry(engine, cfg.MaxRetries, 500*time.Millisecond)
	}

	logging.Embedding("Embedding engine ready: %s", engine.Name())
	return engine, nil
}

// =============================================================================
// COSINE SIMILARITY
// =============================================================================

// CosineSimilarity returns the cosine of the angle between a and b, in [-1, 1].
// Empty vectors, vectors of different length and zero-magnitude vectors
// score exactly 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, aMag, bMag float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		aMag += x * x
		bMag += y * y
	}
	if aMag == 0 || bMag == 0 {
		return 0
	}

	sim := dot / (math.Sqrt(aMag) * math.Sqrt(bMag))
	// Rounding can push parallel vectors a hair past 1.
	return math.Max(-1, math.Min(1, sim))
}
