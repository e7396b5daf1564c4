// Package ollama adapts a local Ollama server to the embedding and
// completion interfaces.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	"go.uber.org/zap"

	"github.com/JakeFAU/siteground/internal/crawler"
	"github.com/JakeFAU/siteground/internal/llm"
	"github.com/JakeFAU/siteground/internal/metrics"
)

// Defaults for a local installation.
const (
	DefaultHost            = "http://localhost:11434"
	DefaultEmbeddingModel  = "nomic-embed-text"
	DefaultCompletionModel = "llama3.2"
	DefaultTimeout         = 120 * time.Second
)

// Client is the subset of *api.Client the adapters use.
type Client interface {
	Embed(ctx context.Context, req *api.EmbedRequest) (*api.EmbedResponse, error)
	Chat(ctx context.Context, req *api.ChatRequest, fn api.ChatResponseFunc) error
}

// Config configures the Ollama adapters.
type Config struct {
	Model       string
	Timeout     time.Duration
	Temperature float64
	Retry       llm.RetryPolicy
	Logger      *zap.Logger
}

// NewClient builds an *api.Client for host.
func NewClient(host string, timeout time.Duration) (*api.Client, error) {
	if host == "" {
		host = DefaultHost
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("parse ollama host %q: %w", host, err)
	}
	return api.NewClient(u, &http.Client{Timeout: timeout}), nil
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

// statusError converts Ollama's status errors so the retry policy can
// classify them.
func statusError(err error) error {
	var se api.StatusError
	if errors.As(err, &se) {
		return &llm.StatusError{StatusCode: se.StatusCode, Body: se.ErrorMessage}
	}
	return err
}

// Embedder embeds text with an Ollama embedding model.
type Embedder struct {
	client Client
	cfg    Config
}

var _ crawler.BatchEmbedder = (*Embedder)(nil)

// NewEmbedder creates an Embedder.
func NewEmbedder(client Client, cfg Config) *Embedder {
	return &Embedder{client: client, cfg: normalize(cfg, DefaultEmbeddingModel)}
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

// EmbedBatch embeds texts with a single request.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	start := time.Now()
	var resp *api.EmbedResponse
	err := e.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = e.client.Embed(ctx, &api.EmbedRequest{Model: e.cfg.Model, Input: texts})
		return statusError(err)
	})
	metrics.ObserveEmbedding(llm.ProviderOllama, time.Since(start))
	if err != nil {
		return nil, &crawler.EmbeddingError{Provider: llm.ProviderOllama, Err: err}
	}
	if resp == nil || len(resp.Embeddings) != len(texts) {
		got := 0
		if resp != nil {
			got = len(resp.Embeddings)
		}
		return nil, &crawler.EmbeddingError{
			Provider: llm.ProviderOllama,
			Err:      fmt.Errorf("expected %d embeddings, got %d", len(texts), got),
		}
	}
	return resp.Embeddings, nil
}

// Completer answers prompts with an Ollama chat model.
type Completer struct {
	client Client
	cfg    Config
}

var _ crawler.Completer = (*Completer)(nil)

// NewCompleter creates a Completer.
func NewCompleter(client Client, cfg Config) *Completer {
	return &Completer{client: client, cfg: normalize(cfg, DefaultCompletionModel)}
}

// Complete runs a non-streaming chat with a system and a user message.
func (c *Completer) Complete(ctx context.Context, system, user string) (string, error) {
	stream := false
	req := &api.ChatRequest{
		Model: c.cfg.Model,
		Messages: []api.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Stream:  &stream,
		Options: map[string]any{"temperature": c.cfg.Temperature},
	}

	var answer strings.Builder
	err := c.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		answer.Reset()
		return statusError(c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
			answer.WriteString(resp.Message.Content)
			return nil
		}))
	})
	if err != nil {
		return "", &crawler.CompletionError{Provider: llm.ProviderOllama, Err: err}
	}
	return answer.String(), nil
}
