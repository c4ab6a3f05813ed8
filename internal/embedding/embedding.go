// Package embedding generates vector embeddings for KB chunks and
// retrieval queries. Two backends: Ollama (local) and Google GenAI
// (cloud). Every stored embedding records the client's fingerprint so
// a provider or model switch marks old vectors stale instead of
// silently mixing vector spaces.
package embedding

import (
	"context"
	"fmt"
	"strings"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/config"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/logging"
)

// Client generates vector embeddings for text.
type Client interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings.
	Dimensions() int

	// Name returns the model name as persisted in chunk_embeddings.
	Name() string

	// Fingerprint identifies the provider+model+endpoint combination.
	// A fingerprint change invalidates stored embeddings.
	Fingerprint() string

	// MaxBatch returns the largest batch the backend accepts per call.
	MaxBatch() int
}

// HealthChecker is an optional interface for clients that can verify
// the backing service is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// New creates an embedding client from configuration. Provider "none"
// returns (nil, nil): indexing then skips the embed phase entirely.
func New(cfg config.EmbeddingConfig) (Client, error) {
	logging.Embedding("Creating embedding client with provider=%s model=%s", cfg.Provider, cfg.Model)

	switch cfg.Provider {
	case "ollama":
		return NewOllamaClient(cfg.Endpoint, cfg.Model), nil
	case "gemini", "genai":
		return NewGenAIClient(cfg.APIKey, cfg.Model)
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'ollama', 'gemini', or 'none')", cfg.Provider)
	}
}

// fingerprint builds the stored provider fingerprint.
func fingerprint(provider, model, endpoint string) string {
	return strings.Join([]string{provider, model, endpoint}, "|")
}
