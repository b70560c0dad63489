// Package embedding provides clients for turning text into embedding vectors.
package embedding

import (
	"context"
	"doctrine-agent-go/internal/config"
	"fmt"
)

// Client defines the interface for an embedding client.
type Client interface {
	CreateEmbedding(ctx context.Context, text string) ([]float32, error)
	// CreateEmbeddings embeds texts in one call; the i-th vector belongs to texts[i].
	CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

// NewClient creates a new embedding client based on the provider in the config.
func NewClient(ctx context.Context, cfg config.EmbeddingConfig) (Client, error) {
	switch cfg.Provider {
	case "", "openai":
		return newOpenAIClient(cfg), nil
	case "gemini":
		return newGeminiClient(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
}

// checkVectors makes sure the provider returned one non-empty vector per input.
func checkVectors(vectors [][]float32, want int) error {
	if len(vectors) != want {
		return fmt.Errorf("embedding api returned %d vectors for %d inputs", len(vectors), want)
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return fmt.Errorf("received empty embedding for input %d", i)
		}
	}
	return nil
}
