// Package gemini adapts Google Gemini to the embedding and completion
// interfaces.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/JakeFAU/siteground/internal/crawler"
	"github.com/JakeFAU/siteground/internal/llm"
	"github.com/JakeFAU/siteground/internal/metrics"
)

// Default models.
const (
	DefaultEmbeddingModel  = "text-embedding-004"
	DefaultCompletionModel = "gemini-2.5-flash"
)

// Models is the subset of genai.Models the adapters use.
type Models interface {
	EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Config configures the Gemini adapters.
type Config struct {
	Model       string
	Temperature float64
	Retry       llm.RetryPolicy
	Logger      *zap.Logger
}

// NewClient creates a Gemini API client.
func NewClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	if apiKey == "" {
		return nil, &crawler.ConfigError{Key: "api_key", Reason: "gemini API key is required"}
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return client, nil
}

func normalize(cfg Config, defaultModel string) Config {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = llm.DefaultRetryPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return cfg
}

func statusError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &llm.StatusError{StatusCode: apiErr.Code, Body: apiErr.Message}
	}
	return err
}

// Embedder embeds text with a Gemini embedding model.
type Embedder struct {
	models Models
	cfg    Config
}

var _ crawler.BatchEmbedder = (*Embedder)(nil)

// NewEmbedder creates an Embedder over client.Models.
func NewEmbedder(models Models, cfg Config) *Embedder {
	return &Embedder{models: models, cfg: normalize(cfg, DefaultEmbeddingModel)}
}

// ModelName returns the embedding model.
func (e *Embedder) ModelName() string { return e.cfg.Model }

// Embed embeds one text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds each text as its own content entry.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}

	start := time.Now()
	var resp *genai.EmbedContentResponse
	err := e.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = e.models.EmbedContent(ctx, e.cfg.Model, contents, nil)
		return statusError(err)
	})
	metrics.ObserveEmbedding(llm.ProviderGemini, time.Since(start))
	if err != nil {
		return nil, &crawler.EmbeddingError{Provider: llm.ProviderGemini, Err: err}
	}
	if resp == nil || len(resp.Embeddings) != len(texts) {
		got := 0
		if resp != nil {
			got = len(resp.Embeddings)
		}
		return nil, &crawler.EmbeddingError{
			Provider: llm.ProviderGemini,
			Err:      fmt.Errorf("expected %d embeddings, got %d", len(texts), got),
		}
	}
	vectors := make([][]float32, len(texts))
	for i, emb := range resp.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, &crawler.EmbeddingError{
				Provider: llm.ProviderGemini,
				Err:      fmt.Errorf("no embedding returned for input %d", i),
			}
		}
		vectors[i] = emb.Values
	}
	return vectors, nil
}

// Completer answers prompts with a Gemini model.
type Completer struct {
	models Models
	cfg    Config
}

var _ crawler.Completer = (*Completer)(nil)

// NewCompleter creates a Completer over client.Models.
func NewCompleter(models Models, cfg Config) *Completer {
	return &Completer{models: models, cfg: normalize(cfg, DefaultCompletionModel)}
}

// buildConfig places the system prompt in the system instruction.
func (c *Completer) buildConfig(system string) *genai.GenerateContentConfig {
	temp := float32(c.cfg.Temperature)
	return &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		},
		Temperature: &temp,
	}
}

// Complete generates an answer for user under the system instruction.
func (c *Completer) Complete(ctx context.Context, system, user string) (string, error) {
	contents := []*genai.Content{genai.NewContentFromText(user, genai.RoleUser)}

	var resp *genai.GenerateContentResponse
	err := c.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = c.models.GenerateContent(ctx, c.cfg.Model, contents, c.buildConfig(system))
		return statusError(err)
	})
	if err != nil {
		return "", &crawler.CompletionError{Provider: llm.ProviderGemini, Err: err}
	}
	if resp == nil {
		return "", &crawler.CompletionError{Provider: llm.ProviderGemini, Err: errors.New("gemini returned nil result")}
	}
	return resp.Text(), nil
}
