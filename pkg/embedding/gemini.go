package embedding

import (
	"context"
	"doctrine-agent-go/internal/config"
	"doctrine-agent-go/pkg/log"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const defaultGeminiEmbeddingModel = "text-embedding-004"

type geminiClient struct {
	cfg    config.EmbeddingConfig
	client *genai.Client
}

func newGeminiClient(ctx context.Context, cfg config.EmbeddingConfig) (*geminiClient, error) {
	if cfg.Model == "" {
		cfg.Model = defaultGeminiEmbeddingModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &geminiClient{cfg: cfg, client: client}, nil
}

// CreateEmbedding embeds a single text with the configured Gemini embedding model.
func (c *geminiClient) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	res, err := c.client.EmbeddingModel(c.cfg.Model).EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("gemini embedding request failed: %w", err)
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, fmt.Errorf("no embedding data received from gemini")
	}
	return res.Embedding.Values, nil
}

// CreateEmbeddings uses the batch endpoint so one chunk batch costs one round trip.
func (c *geminiClient) CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	log.Debugf("[EmbeddingClient] 调用 Gemini Embedding API, model: %s, inputs: %d", c.cfg.Model, len(texts))
	em := c.client.EmbeddingModel(c.cfg.Model)
	batch := em.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}
	res, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("gemini batch embedding request failed: %w", err)
	}
	vectors := make([][]float32, 0, len(res.Embeddings))
	for _, e := range res.Embeddings {
		if e == nil {
			vectors = append(vectors, nil)
			continue
		}
		vectors = append(vectors, e.Values)
	}
	if err := checkVectors(vectors, len(texts)); err != nil {
		return nil, err
	}
	return vectors, nil
}

// Close releases the underlying gRPC connection.
func (c *geminiClient) Close() error {
	return c.client.Close()
}
