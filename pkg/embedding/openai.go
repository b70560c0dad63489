package embedding

import (
	"context"
	"doctrine-agent-go/internal/config"
	"doctrine-agent-go/pkg/log"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

type openAIClient struct {
	cfg    config.EmbeddingConfig
	client *openai.Client
}

func newOpenAIClient(cfg config.EmbeddingConfig) *openAIClient {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	oc.HTTPClient = &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}
	return &openAIClient{cfg: cfg, client: openai.NewClientWithConfig(oc)}
}

// CreateEmbedding calls the OpenAI-compatible API to get the vector for a given text.
func (c *openAIClient) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.CreateEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// CreateEmbeddings sends all texts in a single embeddings request.
func (c *openAIClient) CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	log.Debugf("[EmbeddingClient] 调用 OpenAI Embedding API, model: %s, inputs: %d", c.cfg.Model, len(texts))
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input:      texts,
		Model:      openai.EmbeddingModel(c.cfg.Model),
		Dimensions: c.cfg.Dimensions,
	})
	if err != nil {
		log.Errorf("[EmbeddingClient] 调用 Embedding API 失败, error: %v", err)
		return nil, fmt.Errorf("failed to call embedding api: %w", err)
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("embedding api returned out-of-range index %d", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	if err := checkVectors(vectors, len(texts)); err != nil {
		log.Warnf("[EmbeddingClient] Embedding API 返回的数据不完整: %v", err)
		return nil, err
	}
	return vectors, nil
}
