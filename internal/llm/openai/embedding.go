package openai

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/siteground/internal/crawler"
	"github.com/JakeFAU/siteground/internal/llm"
	"github.com/JakeFAU/siteground/internal/metrics"
)

// Embedder generates embeddings with the /embeddings endpoint.
type Embedder struct {
	c *client
}

var _ crawler.BatchEmbedder = (*Embedder)(nil)

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// NewEmbedder creates an OpenAI embedder.
func NewEmbedder(cfg Config) (*Embedder, error) {
	c, err := newClient(cfg, DefaultEmbeddingModel)
	if err != nil {
		return nil, err
	}
	return &Embedder{c: c}, nil
}

// ModelName returns the name of the embedding model being used.
func (e *Embedder) ModelName() string {
	return e.c.model
}

// Embed generates a vector embedding for the given text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds texts in one request. Output order matches input order.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	start := time.Now()
	var resp embeddingResponse
	err := e.c.post(ctx, "/embeddings", embeddingRequest{Model: e.c.model, Input: texts}, &resp)
	metrics.ObserveEmbedding(llm.ProviderOpenAI, time.Since(start))
	if err != nil {
		return nil, &crawler.EmbeddingError{Provider: llm.ProviderOpenAI, Err: err}
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, &crawler.EmbeddingError{
				Provider: llm.ProviderOpenAI,
				Err:      fmt.Errorf("embedding index %d out of range for %d inputs", d.Index, len(texts)),
			}
		}
		vectors[d.Index] = d.Embedding
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return nil, &crawler.EmbeddingError{
				Provider: llm.ProviderOpenAI,
				Err:      fmt.Errorf("no embedding returned for input %d", i),
			}
		}
	}
	return vectors, nil
}
